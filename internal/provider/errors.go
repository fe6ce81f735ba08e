// Package provider holds the failure vocabulary shared by the transcription,
// diarization, and minutes capability adapters.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

var (
	// ErrUnavailable means the backend could not be reached or returned a 5xx.
	ErrUnavailable = errors.New("provider unavailable")
	// ErrTimeout means the call exceeded its deadline.
	ErrTimeout = errors.New("provider timeout")
	// ErrRateLimited means the backend asked us to slow down (HTTP 429).
	ErrRateLimited = errors.New("provider rate limited")
	// ErrInvalidCredentials means the API key or token was rejected.
	ErrInvalidCredentials = errors.New("provider rejected credentials")
	// ErrInvalidRequest means the backend refused the request as malformed.
	ErrInvalidRequest = errors.New("provider rejected request")
)

// Kind is the stable failure class reported on jobs and chunk results.
type Kind string

const (
	KindTransient Kind = "provider_transient"
	KindFatal     Kind = "provider_fatal"
)

// StatusError carries the HTTP status and body excerpt of a failed call.
type StatusError struct {
	Provider string
	Status   int
	Body     string
	err      error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s API error (status %d): %s", e.Provider, e.Status, e.Body)
}

func (e *StatusError) Unwrap() error { return e.err }

// FromStatus maps a non-2xx HTTP response to one of the sentinel errors.
// The body is truncated to keep job error messages readable.
func FromStatus(providerName string, status int, body []byte) error {
	const maxBody = 512
	b := string(body)
	if len(b) > maxBody {
		b = b[:maxBody] + "..."
	}

	var base error
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		base = ErrInvalidCredentials
	case status == http.StatusTooManyRequests:
		base = ErrRateLimited
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		base = ErrTimeout
	case status >= 500:
		base = ErrUnavailable
	default:
		base = ErrInvalidRequest
	}
	return &StatusError{Provider: providerName, Status: status, Body: b, err: base}
}

// FromTransport classifies an error returned by http.Client.Do.
func FromTransport(providerName string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s request: %w: %w", providerName, ErrTimeout, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%s request: %w: %w", providerName, ErrTimeout, err)
	}
	return fmt.Errorf("%s request: %w: %w", providerName, ErrUnavailable, err)
}

// IsTransient reports whether a retry may succeed. Unknown errors are
// treated as transient; only explicit rejections are fatal.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return !IsFatal(err)
}

// IsFatal reports whether the backend rejected the call outright.
func IsFatal(err error) bool {
	return errors.Is(err, ErrInvalidCredentials) || errors.Is(err, ErrInvalidRequest)
}

// Classify returns the job-facing kind for a provider error.
func Classify(err error) Kind {
	if IsFatal(err) {
		return KindFatal
	}
	return KindTransient
}
