package sentiosdk

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrTimeout is returned when a request's wall-clock deadline expires
	// before the exchange completes.
	ErrTimeout = errors.New("sentiosdk: request timed out")

	// ErrUnauthorized is returned when the credential was rejected and
	// could not be refreshed. The caller should prompt for a fresh login.
	ErrUnauthorized = errors.New("sentiosdk: unauthorized")

	// ErrRefreshFailed is returned when the authority rejected the refresh
	// token or could not be reached. The credential store is cleared as a
	// side effect before this error surfaces.
	ErrRefreshFailed = errors.New("sentiosdk: token refresh failed")
)

// APIError represents a structured failure reported by the resource API.
type APIError struct {
	// Code is the machine-readable error code (e.g. "not_found")
	Code string `json:"code"`

	// Message is a human-readable description of the error
	Message string `json:"message"`

	// Status is the HTTP status code of the response
	Status int `json:"-"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s (status %d): %s", e.Code, e.Status, e.Message)
}

// parseAPIError builds an *APIError from a non-2xx response body. A
// structured {code, message} body is used when present, otherwise one is
// synthesized from the status line.
func parseAPIError(status int, body []byte) *APIError {
	var apiErr APIError
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Code != "" {
		apiErr.Status = status
		return &apiErr
	}

	return &APIError{
		Code:    "http_error",
		Message: fmt.Sprintf("HTTP %d: %s", status, http.StatusText(status)),
		Status:  status,
	}
}
