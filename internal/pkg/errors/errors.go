// Package errors provides standardized API error types for the
// verification service.
package errors

import (
	"fmt"
	"net/http"
)

// APIError represents a standardized API error response.
type APIError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"-"`
	Details    any    `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return e.Message
}

// WithDetails returns a copy of the error with additional details.
func (e *APIError) WithDetails(details any) *APIError {
	return &APIError{
		Code:       e.Code,
		Message:    e.Message,
		StatusCode: e.StatusCode,
		Details:    details,
	}
}

// WithMessage returns a copy of the error with a custom message.
func (e *APIError) WithMessage(message string) *APIError {
	return &APIError{
		Code:       e.Code,
		Message:    message,
		StatusCode: e.StatusCode,
		Details:    e.Details,
	}
}

// Error kinds produced by the verification pipeline.
var (
	// ErrBadInput is returned for a missing or invalid upload.
	ErrBadInput = &APIError{
		Code:       "bad-input",
		Message:    "Missing or invalid upload",
		StatusCode: http.StatusBadRequest,
	}

	// ErrPayloadTooLarge is returned when a session's cumulative upload
	// size exceeds the configured cap.
	ErrPayloadTooLarge = &APIError{
		Code:       "payload-too-large",
		Message:    "Session upload size exceeds the limit",
		StatusCode: http.StatusRequestEntityTooLarge,
	}

	// ErrNoFetcher is returned when a ContentHash's origin has no
	// registered StorageFetcher.
	ErrNoFetcher = &APIError{
		Code:       "no-fetcher",
		Message:    "No storage fetcher for this origin",
		StatusCode: http.StatusBadRequest,
	}

	// ErrFetchUnavailable is returned when every gateway for an origin failed transiently.
	ErrFetchUnavailable = &APIError{
		Code:       "fetch-unavailable",
		Message:    "Unable to fetch content from any gateway",
		StatusCode: http.StatusBadGateway,
	}

	// ErrFetchPermanent is returned when a gateway responded with a 4xx.
	ErrFetchPermanent = &APIError{
		Code:       "fetch-permanent",
		Message:    "Gateway rejected the request",
		StatusCode: http.StatusBadRequest,
	}

	// ErrSourceHashMismatch is returned when a fetched source's keccak256
	// does not match its declared hash.
	ErrSourceHashMismatch = &APIError{
		Code:       "source-hash-mismatch",
		Message:    "Fetched source does not match its declared hash",
		StatusCode: http.StatusBadRequest,
	}

	// ErrBadMetadata is returned when metadata JSON is unparseable or malformed.
	ErrBadMetadata = &APIError{
		Code:       "bad-metadata",
		Message:    "Metadata could not be parsed",
		StatusCode: http.StatusBadRequest,
	}

	// ErrCompilerUnavailable is returned when the requested compiler version cannot be installed.
	ErrCompilerUnavailable = &APIError{
		Code:       "compiler-unavailable",
		Message:    "Requested compiler version is unavailable",
		StatusCode: http.StatusInternalServerError,
	}

	// ErrCompilerError is returned when compilation produced no artifact for the target contract.
	ErrCompilerError = &APIError{
		Code:       "compiler-error",
		Message:    "Compilation failed to produce the target contract",
		StatusCode: http.StatusInternalServerError,
	}

	// ErrNotDeployed is returned when there is no code at the given address.
	ErrNotDeployed = &APIError{
		Code:       "not-deployed",
		Message:    "No bytecode at address",
		StatusCode: http.StatusNotFound,
	}

	// ErrAlreadyVerifying is returned when a verification for the same
	// (chainId, address) is already in flight.
	ErrAlreadyVerifying = &APIError{
		Code:       "already-verifying",
		Message:    "A verification for this contract is already in progress",
		StatusCode: http.StatusTooManyRequests,
	}

	// ErrUnsupportedChain is returned for an unknown chain id.
	ErrUnsupportedChain = &APIError{
		Code:       "unsupported-chain",
		Message:    "Chain is not supported",
		StatusCode: http.StatusBadRequest,
	}

	// ErrRateLimited is returned when rate limits are exceeded.
	ErrRateLimited = &APIError{
		Code:       "rate_limited",
		Message:    "Too many requests. Please try again later.",
		StatusCode: http.StatusTooManyRequests,
	}

	// ErrNotFound is returned when a resource is not found.
	ErrNotFound = &APIError{
		Code:       "not_found",
		Message:    "Resource not found",
		StatusCode: http.StatusNotFound,
	}

	// ErrInternal is returned for unexpected server errors.
	ErrInternal = &APIError{
		Code:       "internal_error",
		Message:    "An internal error occurred",
		StatusCode: http.StatusInternalServerError,
	}
)

// NewValidationError creates a validation error for a specific field.
func NewValidationError(field, message string) *APIError {
	return &APIError{
		Code:       "bad-input",
		Message:    fmt.Sprintf("Validation failed: %s", message),
		StatusCode: http.StatusBadRequest,
		Details: map[string]string{
			"field": field,
			"error": message,
		},
	}
}

// NewNotFoundError creates a not found error for a specific resource type.
func NewNotFoundError(resource string) *APIError {
	return &APIError{
		Code:       "not_found",
		Message:    fmt.Sprintf("%s not found", resource),
		StatusCode: http.StatusNotFound,
	}
}

// IsAPIError checks if an error is an APIError.
func IsAPIError(err error) bool {
	_, ok := err.(*APIError)
	return ok
}

// AsAPIError converts an error to an APIError if possible.
// Returns ErrInternal if the error is not an APIError.
func AsAPIError(err error) *APIError {
	if apiErr, ok := err.(*APIError); ok {
		return apiErr
	}
	return ErrInternal
}
