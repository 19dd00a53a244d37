package errorx

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrorCategory represents different categories of errors
type ErrorCategory string

const (
	CategoryValidation     ErrorCategory = "validation"
	CategoryAuthentication ErrorCategory = "authentication"
	CategoryAuthorization  ErrorCategory = "authorization"
	CategoryNotFound       ErrorCategory = "not_found"
	CategoryExternal       ErrorCategory = "external"
	CategoryInternal       ErrorCategory = "internal"
)

// Severity represents the severity level of an error
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// APIError is the client-facing shape of an error. Message is stable per
// category and never carries upstream detail.
type APIError struct {
	Code       string        `json:"code"`
	Message    string        `json:"message"`
	Category   ErrorCategory `json:"category"`
	Severity   Severity      `json:"-"`
	HTTPStatus int           `json:"-"`
	TraceID    string        `json:"trace_id,omitempty"`
	Timestamp  string        `json:"timestamp,omitempty"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Category, e.Message)
}

// JSON returns the error as a JSON string
func (e *APIError) JSON() string {
	out, _ := json.Marshal(e)
	return string(out)
}

// clone returns a copy so per-request fields never leak into the templates
func (e *APIError) clone() *APIError {
	c := *e
	return &c
}

var (
	APIErrInvalidInput = &APIError{
		Code: "E4000", Message: "Invalid request", Category: CategoryValidation,
		Severity: SeverityInfo, HTTPStatus: http.StatusBadRequest,
	}
	APIErrCredentialExpired = &APIError{
		Code: "E4010", Message: "Character credentials expired, please log in again", Category: CategoryAuthentication,
		Severity: SeverityWarning, HTTPStatus: http.StatusUnauthorized,
	}
	APIErrNoActiveUser = &APIError{
		Code: "E4031", Message: "No active session user", Category: CategoryAuthorization,
		Severity: SeverityInfo, HTTPStatus: http.StatusForbidden,
	}
	APIErrNoActiveCharacter = &APIError{
		Code: "E4032", Message: "No active character", Category: CategoryAuthorization,
		Severity: SeverityInfo, HTTPStatus: http.StatusForbidden,
	}
	APIErrNotAuthorized = &APIError{
		Code: "E4030", Message: "Not authorized", Category: CategoryAuthorization,
		Severity: SeverityInfo, HTTPStatus: http.StatusForbidden,
	}
	APIErrNotFound = &APIError{
		Code: "E4040", Message: "Character not found", Category: CategoryNotFound,
		Severity: SeverityInfo, HTTPStatus: http.StatusNotFound,
	}
	APIErrUpstream = &APIError{
		Code: "E5020", Message: "Error contacting the game API", Category: CategoryExternal,
		Severity: SeverityError, HTTPStatus: http.StatusInternalServerError,
	}
	APIErrInternal = &APIError{
		Code: "E5001", Message: "Internal server error occurred", Category: CategoryInternal,
		Severity: SeverityCritical, HTTPStatus: http.StatusInternalServerError,
	}
)

// ToAPIError maps an error onto its client-facing template. Order matters:
// the more specific authorization sentinels are checked before the generic one.
func ToAPIError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.clone()
	}

	switch {
	case errors.Is(err, ErrInvalidInput):
		return APIErrInvalidInput.clone()
	case errors.Is(err, ErrCredentialExpired):
		return APIErrCredentialExpired.clone()
	case errors.Is(err, ErrNoActiveUser):
		return APIErrNoActiveUser.clone()
	case errors.Is(err, ErrNoActiveCharacter):
		return APIErrNoActiveCharacter.clone()
	case errors.Is(err, ErrNotAuthorized):
		return APIErrNotAuthorized.clone()
	case errors.Is(err, ErrUpstreamUnavailable):
		return APIErrUpstream.clone()
	case errors.Is(err, ErrNotFound):
		// an upstream 404 is still an upstream failure from the client's view
		var upErr *UpstreamError
		if errors.As(err, &upErr) {
			return APIErrUpstream.clone()
		}
		return APIErrNotFound.clone()
	default:
		return APIErrInternal.clone()
	}
}
