package discord

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Platform error codes the integration special-cases.
const (
	// ErrCodeTooManyEdits is returned when a message has been edited more
	// times than Discord allows. Cosmetic; a later sync simply edits again.
	ErrCodeTooManyEdits = 30046

	// ErrCodeParentMaxChannels appears as a per-field error code on
	// parent_id when a category already has 50 children.
	ErrCodeParentMaxChannels = "CHANNEL_PARENT_MAX_CHANNELS"
)

// APIError is a non-2xx response from the Discord REST API, carrying the
// parsed error body so callers can inspect the machine-readable code.
type APIError struct {
	Status  int
	Code    int
	Message string
	// Errors holds per-field validation errors keyed by field name, each a
	// raw subtree of the form {"_errors": [{"code": ..., "message": ...}]}.
	Errors map[string]json.RawMessage
	// RetryAfter is the server-advertised wait in seconds on 429s, if any.
	RetryAfter float64
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("discord API error %d (code %d): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("discord API error %d: %s", e.Status, e.Message)
}

// IsNotFound reports whether the entity no longer exists remotely.
func (e *APIError) IsNotFound() bool {
	return e.Status == http.StatusNotFound
}

// IsRateLimited reports whether the request was rejected with 429.
func (e *APIError) IsRateLimited() bool {
	return e.Status == http.StatusTooManyRequests
}

// FieldErrorCode returns the first error code attached to the named request
// field, or "" when the field carries no errors.
func (e *APIError) FieldErrorCode(field string) string {
	raw, ok := e.Errors[field]
	if !ok {
		return ""
	}
	var sub struct {
		Errors []struct {
			Code string `json:"code"`
		} `json:"_errors"`
	}
	if err := json.Unmarshal(raw, &sub); err != nil || len(sub.Errors) == 0 {
		return ""
	}
	return sub.Errors[0].Code
}

// parseAPIError builds an APIError from a non-2xx response body. Bodies
// that are not JSON still produce a usable error.
func parseAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{Status: status}
	var parsed struct {
		Code       int                        `json:"code"`
		Message    string                     `json:"message"`
		Errors     map[string]json.RawMessage `json:"errors"`
		RetryAfter float64                    `json:"retry_after"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		apiErr.Code = parsed.Code
		apiErr.Message = parsed.Message
		apiErr.Errors = parsed.Errors
		apiErr.RetryAfter = parsed.RetryAfter
	} else {
		apiErr.Message = string(body)
	}
	return apiErr
}
