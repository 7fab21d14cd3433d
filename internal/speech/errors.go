package speech

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrCancelled marks a call the caller aborted. It is terminal and never retried.
	ErrCancelled = errors.New("speech request cancelled")
	// ErrDegraded means every configured provider failed; callers switch to local mode.
	ErrDegraded = errors.New("speech providers unavailable")
)

type ConfigurationError struct {
	Vendor  Vendor
	Missing []string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s: missing configuration: %s", e.Vendor, strings.Join(e.Missing, ", "))
}

type TokenAcquisitionError struct {
	Vendor Vendor
	Err    error
}

func (e *TokenAcquisitionError) Error() string {
	return fmt.Sprintf("%s: token acquisition failed: %v", e.Vendor, e.Err)
}

func (e *TokenAcquisitionError) Unwrap() error { return e.Err }

type RateLimitError struct {
	Vendor   Vendor
	Code     int
	Message  string
	Attempts int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: rate limited after %d attempts (code %d): %s", e.Vendor, e.Attempts, e.Code, e.Message)
}

type TransportError struct {
	Vendor Vendor
	Op     string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: transport: %v", e.Vendor, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// VendorBusinessError is a well-formed vendor error envelope.
type VendorBusinessError struct {
	Vendor  Vendor
	Code    int
	Message string
}

func (e *VendorBusinessError) Error() string {
	return fmt.Sprintf("%s: vendor error %d: %s", e.Vendor, e.Code, e.Message)
}

type InputValidationError struct {
	Field  string
	Reason string
}

func (e *InputValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return e.Field + ": " + e.Reason
}

type TimeoutError struct {
	Vendor Vendor
	Op     string
	After  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s %s: timed out after %s", e.Vendor, e.Op, e.After)
}

// ContextError converts a context failure into the taxonomy. It returns nil
// when ctx has not ended.
func ContextError(ctx context.Context, vendor Vendor, op string, timeout time.Duration) error {
	switch err := ctx.Err(); {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return &TimeoutError{Vendor: vendor, Op: op, After: timeout}
	default:
		return ErrCancelled
	}
}

// UserMessage reduces err to a short message suitable for end users.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var (
		cfgErr   *ConfigurationError
		tokErr   *TokenAcquisitionError
		rateErr  *RateLimitError
		inErr    *InputValidationError
		timeErr  *TimeoutError
		bizErr   *VendorBusinessError
		transErr *TransportError
	)
	switch {
	case errors.Is(err, ErrCancelled):
		return "Speech request was cancelled."
	case errors.Is(err, ErrDegraded):
		return "Speech is unavailable, switching to text mode."
	case errors.As(err, &inErr):
		return inErr.Reason
	case errors.As(err, &cfgErr):
		return "Speech service is not configured."
	case errors.As(err, &rateErr):
		return "Too many requests, please try again shortly."
	case errors.As(err, &timeErr):
		return "Speech service timed out, please try again."
	case errors.As(err, &tokErr), errors.As(err, &transErr):
		return "Speech service is unreachable right now."
	case errors.As(err, &bizErr):
		return fmt.Sprintf("Speech service error (%d).", bizErr.Code)
	default:
		return "Speech request failed."
	}
}

// Kind names the taxonomy class of err for logs, metrics and audit rows.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	var (
		cfgErr   *ConfigurationError
		tokErr   *TokenAcquisitionError
		rateErr  *RateLimitError
		inErr    *InputValidationError
		timeErr  *TimeoutError
		bizErr   *VendorBusinessError
		transErr *TransportError
	)
	switch {
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	case errors.Is(err, ErrDegraded):
		return "degraded"
	case errors.As(err, &inErr):
		return "invalid_input"
	case errors.As(err, &cfgErr):
		return "configuration"
	case errors.As(err, &rateErr):
		return "rate_limited"
	case errors.As(err, &timeErr):
		return "timeout"
	case errors.As(err, &tokErr):
		return "token"
	case errors.As(err, &bizErr):
		return "vendor"
	case errors.As(err, &transErr):
		return "transport"
	default:
		return "unknown"
	}
}

// VendorCode returns the vendor error code carried by err, or 0.
func VendorCode(err error) int {
	var bizErr *VendorBusinessError
	if errors.As(err, &bizErr) {
		return bizErr.Code
	}
	var rateErr *RateLimitError
	if errors.As(err, &rateErr) {
		return rateErr.Code
	}
	return 0
}
