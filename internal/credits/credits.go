// Package credits is the client for the external credit ledger.
// Processors that perform paid work reserve credits before issuing the
// paid call and refund the recorded transaction when the call fails.
// The ledger itself lives outside this system; only the contract is
// implemented here.
package credits

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

// Ledger is the contract job processors program against.
type Ledger interface {
	// Spend reserves amount credits for the user and returns the ledger
	// transaction id the caller must record for a possible refund.
	Spend(ctx context.Context, userID string, amount int64, description string, metadata map[string]string) (string, error)

	// Refund compensates an earlier spend. transactionID references the
	// spend being undone.
	Refund(ctx context.Context, userID string, amount int64, transactionID, description string, metadata map[string]string) error
}

// Config holds ledger client configuration.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Client talks to the ledger over HTTP, with a circuit breaker so a
// degraded ledger does not pile up blocked workers.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// NewClient creates a ledger client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "credit-ledger",
		MaxRequests: 5,
		Interval:    30 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
	})

	return &Client{
		baseURL: cfg.BaseURL,
		http:    &http.Client{Timeout: timeout},
		breaker: breaker,
		logger:  logger,
	}
}

type spendRequest struct {
	UserID      string            `json:"user_id"`
	Amount      int64             `json:"amount"`
	Description string            `json:"description"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type spendResponse struct {
	TransactionID string `json:"transaction_id"`
}

type refundRequest struct {
	UserID        string            `json:"user_id"`
	Amount        int64             `json:"amount"`
	TransactionID string            `json:"transaction_id"`
	Description   string            `json:"description"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Spend reserves credits and returns the ledger transaction id.
func (c *Client) Spend(ctx context.Context, userID string, amount int64, description string, metadata map[string]string) (string, error) {
	body, err := c.post(ctx, "/v1/transactions/spend", spendRequest{
		UserID:      userID,
		Amount:      amount,
		Description: description,
		Metadata:    metadata,
	})
	if err != nil {
		return "", fmt.Errorf("credit spend failed: %w", err)
	}

	var resp spendResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("failed to decode spend response: %w", err)
	}
	if resp.TransactionID == "" {
		return "", fmt.Errorf("ledger returned empty transaction id")
	}

	c.logger.Info("Credits reserved",
		slog.String("user_id", userID),
		slog.Int64("amount", amount),
		slog.String("transaction_id", resp.TransactionID),
	)

	return resp.TransactionID, nil
}

// Refund compensates an earlier spend.
func (c *Client) Refund(ctx context.Context, userID string, amount int64, transactionID, description string, metadata map[string]string) error {
	_, err := c.post(ctx, "/v1/transactions/refund", refundRequest{
		UserID:        userID,
		Amount:        amount,
		TransactionID: transactionID,
		Description:   description,
		Metadata:      metadata,
	})
	if err != nil {
		return fmt.Errorf("credit refund failed: %w", err)
	}

	c.logger.Info("Credits refunded",
		slog.String("user_id", userID),
		slog.Int64("amount", amount),
		slog.String("transaction_id", transactionID),
	)

	return nil
}

func (c *Client) post(ctx context.Context, path string, payload any) ([]byte, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("ledger returned status %d: %s", resp.StatusCode, body)
		}

		return body, nil
	})
	if err != nil {
		return nil, err
	}

	return result.([]byte), nil
}
