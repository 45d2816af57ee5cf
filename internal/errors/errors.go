// Package errors defines the JSON error bodies returned by the HTTP API.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
)

// APIError is an error that can be written to clients.
type APIError struct {
	Code       int    `json:"code"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
	underlying error
}

func (e *APIError) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.underlying)
	}
	return e.Message
}

func (e *APIError) Unwrap() error {
	return e.underlying
}

// WriteJSON writes the error as JSON to the response.
// Base errors use pre-serialized bodies.
func (e *APIError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(e.Code)
	if pre, ok := preSerialized[e]; ok {
		w.Write(pre)
		return
	}
	json.NewEncoder(w).Encode(e)
}

// Common errors
var (
	ErrNotFound = &APIError{
		Code:    http.StatusNotFound,
		Message: "Not Found",
	}

	ErrMethodNotAllowed = &APIError{
		Code:    http.StatusMethodNotAllowed,
		Message: "Method Not Allowed",
	}

	ErrForbidden = &APIError{
		Code:    http.StatusForbidden,
		Message: "Forbidden",
	}

	ErrBadRequest = &APIError{
		Code:    http.StatusBadRequest,
		Message: "Bad Request",
	}

	ErrBadGateway = &APIError{
		Code:    http.StatusBadGateway,
		Message: "Bad Gateway",
	}

	ErrServiceUnavailable = &APIError{
		Code:    http.StatusServiceUnavailable,
		Message: "Service Unavailable",
	}

	ErrInternalServer = &APIError{
		Code:    http.StatusInternalServerError,
		Message: "Internal Server Error",
	}

	ErrRequestEntityTooLarge = &APIError{
		Code:    http.StatusRequestEntityTooLarge,
		Message: "Request Entity Too Large",
	}
)

var preSerialized map[*APIError][]byte

func init() {
	bases := []*APIError{
		ErrNotFound, ErrMethodNotAllowed, ErrForbidden, ErrBadRequest,
		ErrBadGateway, ErrServiceUnavailable, ErrInternalServer,
		ErrRequestEntityTooLarge,
	}
	preSerialized = make(map[*APIError][]byte, len(bases))
	for _, e := range bases {
		b, _ := json.Marshal(e)
		b = append(b, '\n') // match json.Encoder behavior
		preSerialized[e] = b
	}
}

// New creates a new APIError
func New(code int, message string) *APIError {
	return &APIError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an error with a client-facing code and message. The wrapped
// error is never serialized.
func Wrap(err error, code int, message string) *APIError {
	return &APIError{
		Code:       code,
		Message:    message,
		underlying: err,
	}
}

// WithDetails returns a copy of e carrying details.
func (e *APIError) WithDetails(details string) *APIError {
	return &APIError{
		Code:       e.Code,
		Message:    e.Message,
		Details:    details,
		underlying: e.underlying,
	}
}

// As finds the first APIError in err's chain.
func As(err error) (*APIError, bool) {
	var ae *APIError
	if stderrors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// Write writes err to w, falling back to a 500 for errors that are not
// APIErrors.
func Write(w http.ResponseWriter, err error) {
	if ae, ok := As(err); ok {
		ae.WriteJSON(w)
		return
	}
	ErrInternalServer.WriteJSON(w)
}
