package domain

import "errors"

var (
	// ErrJobNotFound is returned when a job cannot be found in the database.
	ErrJobNotFound = errors.New("job not found")

	// ErrUnauthorized is returned when a privileged call presents a
	// missing or invalid worker credential.
	ErrUnauthorized = errors.New("invalid worker credential")

	// ErrForbidden is returned when a job exists but is not owned by the
	// calling user.
	ErrForbidden = errors.New("job not owned by caller")

	// ErrRateLimited is returned when the admission check rejects a
	// job creation request.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrInvalidTransition is returned for cancel on a finished job or
	// retry on a job that is not failed/cancelled.
	ErrInvalidTransition = errors.New("job already finished")

	// ErrInvalidPayload is returned when a job payload cannot be decoded
	// for its declared job type.
	ErrInvalidPayload = errors.New("invalid job payload")

	// ErrUnknownJobType is returned by the worker runtime when no
	// processor is registered for a claimed job's type.
	ErrUnknownJobType = errors.New("no processor registered for job type")
)
