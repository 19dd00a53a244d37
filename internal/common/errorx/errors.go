package errorx

import (
	"errors"
	"fmt"
)

var (
	// ErrNotAuthorized is returned when the session has no linked user or
	// the user is not allowed to act on the requested character
	ErrNotAuthorized = errors.New("not authorized")
	// ErrNotFound is returned when a character or upstream resource is absent
	ErrNotFound = errors.New("not found")
	// ErrUpstreamUnavailable covers network failures, timeouts and 5xx answers
	// from the upstream API
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrCredentialExpired is returned when the access token was rejected and
	// the refresh round trip failed as well
	ErrCredentialExpired = errors.New("credential expired")
	// ErrNoActiveUser is returned when a session has never been bound to a user
	ErrNoActiveUser = fmt.Errorf("no active session user: %w", ErrNotAuthorized)
	// ErrNoActiveCharacter is returned when the user has no active character
	ErrNoActiveCharacter = fmt.Errorf("no active character: %w", ErrNotAuthorized)
	// ErrInvalidInput is returned for malformed client input
	ErrInvalidInput = errors.New("invalid input")
)

// UpstreamError wraps a failed upstream call with the operation name and the
// HTTP status the upstream answered with (0 when no response was received)
type UpstreamError struct {
	Op     string
	Status int
	Kind   error
	Err    error
}

// Upstream builds an UpstreamError of the given kind
func Upstream(op string, status int, kind, err error) *UpstreamError {
	return &UpstreamError{Op: op, Status: status, Kind: kind, Err: err}
}

func (e *UpstreamError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("upstream %s: status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("upstream %s: %v", e.Op, e.Err)
}

// Unwrap exposes both the kind sentinel and the underlying cause
func (e *UpstreamError) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}
