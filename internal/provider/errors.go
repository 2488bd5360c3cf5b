package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kalambet/genreview/internal/payload"
)

// ErrorKind classifies a failed generation attempt.
type ErrorKind string

const (
	KindTransient  ErrorKind = "transient"
	KindValidation ErrorKind = "validation"
	KindRateLimit  ErrorKind = "rate_limit"
	KindTimeout    ErrorKind = "timeout"
)

// Retryable reports whether another attempt may succeed.
func (k ErrorKind) Retryable() bool { return k != KindValidation }

type Error struct {
	Kind     ErrorKind
	Provider string
	Err      error
	// RetryAfter is the upstream's requested pause for rate limits, if any.
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Classify returns the kind of err. Deadline errors are timeouts and payload
// validation failures are never retried; anything unrecognized is transient.
func Classify(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, payload.ErrInvalid) {
		return KindValidation
	}
	return KindTransient
}

// RetryAfter extracts the upstream pause hint from err, or 0.
func RetryAfter(err error) time.Duration {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.RetryAfter
	}
	return 0
}

// statusError maps a non-200 upstream response to an Error.
func statusError(provider string, resp *http.Response, body []byte) *Error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	err := fmt.Errorf("unexpected status %d: %s", resp.StatusCode, msg)
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &Error{Kind: KindRateLimit, Provider: provider, Err: err,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusGatewayTimeout:
		return &Error{Kind: KindTimeout, Provider: provider, Err: err}
	case resp.StatusCode >= 500:
		return &Error{Kind: KindTransient, Provider: provider, Err: err}
	default:
		return &Error{Kind: KindValidation, Provider: provider, Err: err}
	}
}

// transportError wraps a failed round trip.
func transportError(ctx context.Context, provider string, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Provider: provider, Err: err}
	}
	return &Error{Kind: KindTransient, Provider: provider, Err: err}
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
