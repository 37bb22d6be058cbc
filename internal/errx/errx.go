// Package errx provides coded errors shared by the pipeline stages, the broker
// and the HTTP server. Each package registers its codes once in a Registry and
// creates errors from them.
package errx

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
)

// Type categorizes an error.
type Type string

const (
	TypeInternal   Type = "INTERNAL"
	TypeValidation Type = "VALIDATION"
	TypeNotFound   Type = "NOT_FOUND"
	TypeConflict   Type = "CONFLICT"
	TypeExternal   Type = "EXTERNAL"
)

// Error is a coded error with an HTTP mapping and optional details.
type Error struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Type       Type           `json:"type"`
	HTTPStatus int            `json:"http_status"`
	Details    map[string]any `json:"details,omitempty"`
	Err        error          `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the cause.
func (e *Error) Unwrap() error { return e.Err }

// Is matches errors carrying the same code, so errors.Is works against
// errors created from the same ErrorCode.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// WithDetail attaches a key/value detail and returns e for chaining.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// MarshalJSON includes the rendered error string.
func (e *Error) MarshalJSON() ([]byte, error) {
	type alias Error
	return json.Marshal(&struct {
		*alias
		Error string `json:"error,omitempty"`
	}{alias: (*alias)(e), Error: e.Error()})
}

// ErrorCode is a registered code template.
type ErrorCode struct {
	Code       string
	Type       Type
	HTTPStatus int
	Message    string
}

// Registry holds the codes of one module, prefixed with the module name.
type Registry struct {
	prefix string
	mu     sync.RWMutex
	codes  map[string]*ErrorCode
}

// NewRegistry creates a registry whose codes are prefixed with prefix.
func NewRegistry(prefix string) *Registry {
	return &Registry{prefix: prefix, codes: make(map[string]*ErrorCode)}
}

// Register adds a code to the registry.
func (r *Registry) Register(code string, t Type, httpStatus int, message string) *ErrorCode {
	r.mu.Lock()
	defer r.mu.Unlock()
	ec := &ErrorCode{
		Code:       r.prefix + "_" + code,
		Type:       t,
		HTTPStatus: httpStatus,
		Message:    message,
	}
	r.codes[code] = ec
	return ec
}

// New creates an error from a registered code.
func (r *Registry) New(code *ErrorCode) *Error {
	return &Error{
		Code:       code.Code,
		Message:    code.Message,
		Type:       code.Type,
		HTTPStatus: code.HTTPStatus,
	}
}

// NewWithCause creates an error from a registered code wrapping err.
func (r *Registry) NewWithCause(code *ErrorCode, err error) *Error {
	e := r.New(code)
	e.Err = err
	return e
}

// NewWithMessage creates an error from a registered code with a custom message.
func (r *Registry) NewWithMessage(code *ErrorCode, message string) *Error {
	e := r.New(code)
	e.Message = message
	return e
}

// Codes returns a copy of the registered codes.
func (r *Registry) Codes() map[string]*ErrorCode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*ErrorCode, len(r.codes))
	for k, v := range r.codes {
		out[k] = v
	}
	return out
}

// HTTPStatus returns the status to report for err: the coded status for
// *Error values and 500 otherwise.
func HTTPStatus(err error) int {
	var e *Error
	if errors.As(err, &e) && e.HTTPStatus != 0 {
		return e.HTTPStatus
	}
	return http.StatusInternalServerError
}

// CodeOf returns the code of err, or "" when err is not coded.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
