// Package errs defines the pipeline error taxonomy. Infrastructure
// failures are translated into kind-carrying errors at the worker
// boundary; everything above it branches on kinds, never on concrete
// transport errors.
package errs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Kind is the semantic class of a pipeline error.
type Kind string

const (
	KindTransient       Kind = "transient"        // timeouts, resets, 5xx, 429
	KindPermanentHTTP   Kind = "permanent_http"   // 4xx other than 429
	KindRobotsDenied    Kind = "robots_denied"    // roaster disallows scraping
	KindValidation      Kind = "validation"       // canonical shape violation
	KindLLMRateLimit    Kind = "llm_rate_limit"   // provider 429 / bucket empty
	KindLLMProvider     Kind = "llm_provider"     // provider-side failure
	KindLLMBudget       Kind = "llm_budget"       // daily spend exhausted
	KindImage           Kind = "image"            // image fetch/upload failure
	KindWriteRateLimit  Kind = "write_rate_limit" // procedure rate limit
	KindWritePersistent Kind = "write_persistent" // procedure persistent error
	KindBudget          Kind = "budget"           // fallback budget exhausted
	KindCanceled        Kind = "canceled"         // cancellation / deadline
)

// Error carries a kind plus the wrapped cause. RetryAfter, when set,
// overrides the computed backoff for the next attempt.
type Error struct {
	Kind       Kind
	Op         string
	Status     int
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: %s (HTTP %d): %v", e.Op, e.Kind, e.Status, e.Err)
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// E wraps err with a kind and operation name.
func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// FromStatus classifies an HTTP response status per the taxonomy:
// 429 and 5xx are transient, every other 4xx is permanent.
func FromStatus(op string, status int, header http.Header) error {
	if status < 400 {
		return nil
	}
	e := &Error{
		Op:     op,
		Status: status,
		Err:    fmt.Errorf("unexpected status %d", status),
	}
	switch {
	case status == http.StatusTooManyRequests || status >= 500:
		e.Kind = KindTransient
		e.RetryAfter = parseRetryAfter(header)
	default:
		e.Kind = KindPermanentHTTP
	}
	return e
}

func parseRetryAfter(header http.Header) time.Duration {
	if header == nil {
		return 0
	}
	raw := header.Get("Retry-After")
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(raw); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

// KindOf extracts the kind of err, unwrapping as needed. Cancellation
// always wins so it is never retried or swallowed.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCanceled
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransient
}

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindLLMRateLimit, KindWriteRateLimit:
		return true
	}
	return false
}

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	switch KindOf(err) {
	case KindPermanentHTTP, KindValidation, KindRobotsDenied, KindBudget,
		KindLLMBudget, KindWritePersistent:
		return true
	}
	return false
}

// RetryAfterOf returns the server-requested delay carried by err, if any.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}
