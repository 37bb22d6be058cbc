package fallback

import (
	"errors"
	"net/http"

	"github.com/MeKo-Tech/tally/internal/errx"
	"github.com/anthropics/anthropic-sdk-go"
)

var errorRegistry = errx.NewRegistry("FALLBACK")

var (
	ErrMissingAPIKey = errorRegistry.Register(
		"MISSING_API_KEY",
		errx.TypeValidation,
		http.StatusServiceUnavailable,
		"Anthropic API key not configured",
	)

	ErrAPIRequest = errorRegistry.Register(
		"API_ERROR",
		errx.TypeExternal,
		http.StatusBadGateway,
		"Anthropic API request failed",
	)

	ErrEmptyResponse = errorRegistry.Register(
		"EMPTY_RESPONSE",
		errx.TypeExternal,
		http.StatusBadGateway,
		"Anthropic response has no text content",
	)

	ErrNoJSON = errorRegistry.Register(
		"NO_JSON",
		errx.TypeExternal,
		http.StatusBadGateway,
		"No JSON object found in the response",
	)

	ErrInvalidJSON = errorRegistry.Register(
		"INVALID_JSON",
		errx.TypeExternal,
		http.StatusBadGateway,
		"Response JSON could not be decoded",
	)

	ErrSchemaMismatch = errorRegistry.Register(
		"SCHEMA_MISMATCH",
		errx.TypeExternal,
		http.StatusBadGateway,
		"Response JSON does not match the extraction schema",
	)

	ErrImage = errorRegistry.Register(
		"IMAGE",
		errx.TypeValidation,
		http.StatusBadRequest,
		"Image cannot be sent to the fallback service",
	)
)

// parseAPIError converts an SDK error into a coded error carrying the HTTP
// status and response body when the service answered.
func parseAPIError(err error) *errx.Error {
	var coded *errx.Error
	if errors.As(err, &coded) {
		return coded
	}
	e := errorRegistry.NewWithCause(ErrAPIRequest, err)
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		e.WithDetail("status", apiErr.StatusCode).WithDetail("body", apiErr.RawJSON())
	}
	return e
}

// StatusOf returns the HTTP status recorded on a fallback API error, or 0.
func StatusOf(err error) int {
	var e *errx.Error
	if !errors.As(err, &e) {
		return 0
	}
	status, _ := e.Details["status"].(int)
	return status
}
