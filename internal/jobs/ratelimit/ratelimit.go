// Package ratelimit implements the per-user admission checks consulted
// before a job is inserted: a cap on concurrently active jobs and a cap
// on jobs created since local midnight. Both checks read the job store;
// a store error lets the request through when fail-open is enabled.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/storyforge/storyforge-be/internal/jobs/domain"
)

const (
	// DefaultMaxConcurrent is the default cap on a user's pending plus
	// processing jobs.
	DefaultMaxConcurrent = 10

	// DefaultDailyMax is the default cap on jobs created since local
	// midnight.
	DefaultDailyMax = 1000
)

// Counter is the slice of the job store the limiter reads.
type Counter interface {
	CountActive(ctx context.Context, userID string) (int, error)
	CountCreatedSince(ctx context.Context, userID string, since time.Time) (int, error)
}

// Config holds limiter configuration.
type Config struct {
	MaxConcurrent int
	DailyMax      int
	// FailOpen allows job creation when the limiter's own store queries
	// error. Availability over strictness: the limiter is a soft guard.
	FailOpen bool
}

// Limiter enforces the admission checks.
type Limiter struct {
	counter       Counter
	logger        *slog.Logger
	maxConcurrent int
	dailyMax      int
	failOpen      bool

	// now is swapped in tests to pin the local-midnight boundary.
	now func() time.Time
}

// NewLimiter creates a Limiter. Zero caps fall back to the defaults.
func NewLimiter(counter Counter, cfg Config, logger *slog.Logger) *Limiter {
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}

	dailyMax := cfg.DailyMax
	if dailyMax <= 0 {
		dailyMax = DefaultDailyMax
	}

	return &Limiter{
		counter:       counter,
		logger:        logger,
		maxConcurrent: maxConcurrent,
		dailyMax:      dailyMax,
		failOpen:      cfg.FailOpen,
		now:           time.Now,
	}
}

// Allow runs both admission checks for the user. It returns
// domain.ErrRateLimited when a cap is hit. Store errors are logged and
// swallowed when fail-open is enabled, returned otherwise.
func (l *Limiter) Allow(ctx context.Context, userID string) error {
	active, err := l.counter.CountActive(ctx, userID)
	if err != nil {
		return l.storeError(userID, "concurrency", err)
	}

	if active >= l.maxConcurrent {
		l.logger.Warn("Rate limit hit - concurrency cap",
			slog.String("user_id", userID),
			slog.Int("active", active),
			slog.Int("max_concurrent", l.maxConcurrent),
		)
		return fmt.Errorf("%w: %d jobs already in progress (max %d)",
			domain.ErrRateLimited, active, l.maxConcurrent)
	}

	midnight := l.localMidnight()
	today, err := l.counter.CountCreatedSince(ctx, userID, midnight)
	if err != nil {
		return l.storeError(userID, "daily", err)
	}

	if today >= l.dailyMax {
		l.logger.Warn("Rate limit hit - daily cap",
			slog.String("user_id", userID),
			slog.Int("created_today", today),
			slog.Int("daily_max", l.dailyMax),
		)
		return fmt.Errorf("%w: %d jobs created today (max %d)",
			domain.ErrRateLimited, today, l.dailyMax)
	}

	return nil
}

func (l *Limiter) storeError(userID, check string, err error) error {
	if l.failOpen {
		l.logger.Error("Rate limit check failed, allowing request",
			slog.String("user_id", userID),
			slog.String("check", check),
			slog.Any("error", err),
		)
		return nil
	}
	return fmt.Errorf("rate limit %s check failed: %w", check, err)
}

func (l *Limiter) localMidnight() time.Time {
	now := l.now().Local()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
}
