package core

import (
	"errors"
	"fmt"
)

var (
	// ErrTransient marks failures that may succeed on redelivery
	ErrTransient = errors.New("transient failure")
	// ErrRateLimited is returned when a provider throttles requests
	ErrRateLimited = fmt.Errorf("rate limited: %w", ErrTransient)
	// ErrAuthExpired is returned when provider credentials must be refreshed
	ErrAuthExpired = errors.New("provider credentials expired")
	// ErrMessageNotFound is returned when a message disappeared between notify and fetch
	ErrMessageNotFound = errors.New("message not found")
	// ErrValidation marks model output that does not match the expected shape
	ErrValidation = errors.New("validation failure")
	// ErrInvariantViolation marks programming errors such as a lost ledger transition
	ErrInvariantViolation = errors.New("invariant violation")
	// ErrContentShape marks malformed input that is resolved by a fallback
	ErrContentShape = errors.New("content shape")
	// ErrEntryNotFound is returned by ledger stores for unknown ids
	ErrEntryNotFound = errors.New("ledger entry not found")
	// ErrObjectExists is returned by object stores when the key is already written
	ErrObjectExists = errors.New("object already exists")
	// ErrObjectNotFound is returned by object stores for unknown keys
	ErrObjectNotFound = errors.New("object not found")
)

// IsTransient reports whether err should trigger redelivery
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsInvariant reports whether err is a programming or invariant violation
func IsInvariant(err error) bool {
	return errors.Is(err, ErrInvariantViolation)
}

// FetchFailure is returned by the link resolver instead of panicking or hanging
type FetchFailure struct {
	URL    string
	Reason string
	Status int
	Err    error
}

// Fetch failure reasons
const (
	FetchReasonTimeout      = "timeout"
	FetchReasonStatus       = "bad_status"
	FetchReasonEmpty        = "empty_content"
	FetchReasonRedirectLoop = "redirect_loop"
	FetchReasonTooManyHops  = "too_many_hops"
	FetchReasonInvalidURL   = "invalid_url"
	FetchReasonBackend      = "backend_error"
	FetchReasonCircuitOpen  = "circuit_open"
)

func (f *FetchFailure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("fetch %s failed (%s): %v", f.URL, f.Reason, f.Err)
	}
	if f.Status != 0 {
		return fmt.Sprintf("fetch %s failed (%s): status %d", f.URL, f.Reason, f.Status)
	}
	return fmt.Sprintf("fetch %s failed (%s)", f.URL, f.Reason)
}

func (f *FetchFailure) Unwrap() error {
	return f.Err
}

// WriteFailure is returned by the result writer after retries are exhausted
type WriteFailure struct {
	Key      string
	Attempts int
	Err      error
}

func (w *WriteFailure) Error() string {
	return fmt.Sprintf("failed to write %s after %d attempts: %v", w.Key, w.Attempts, w.Err)
}

// Unwrap exposes both the cause and ErrTransient so redelivery is triggered
func (w *WriteFailure) Unwrap() []error {
	return []error{w.Err, ErrTransient}
}
