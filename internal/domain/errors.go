package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// HTTPError defines errors that can be mapped to HTTP status codes.
// The dev server uses it to pick a response status; the client uses it to
// report what the server said.
type HTTPError interface {
	error
	StatusCode() int
}

type (
	// NotFoundError indicates a resource was not found
	NotFoundError struct {
		Message string
	}

	// ValidationError indicates invalid input
	ValidationError struct {
		Message string
	}

	// UnauthorizedError indicates authentication failure.
	// Returned by the client whenever the server answers 401.
	UnauthorizedError struct {
		Message string
	}

	// ConflictError represents a resource conflict, e.g. the candidate cap
	ConflictError struct {
		Message string
	}
)

func (e *NotFoundError) Error() string     { return e.Message }
func (e *ValidationError) Error() string   { return e.Message }
func (e *UnauthorizedError) Error() string { return e.Message }
func (e *ConflictError) Error() string     { return e.Message }

func (e *NotFoundError) StatusCode() int     { return http.StatusNotFound }
func (e *ValidationError) StatusCode() int   { return http.StatusBadRequest }
func (e *UnauthorizedError) StatusCode() int { return http.StatusUnauthorized }
func (e *ConflictError) StatusCode() int     { return http.StatusConflict }

// Is allows errors.Is() to match the typed errors against their sentinels
func (e *NotFoundError) Is(target error) bool     { return target == ErrNotFound }
func (e *ValidationError) Is(target error) bool   { return target == ErrValidation }
func (e *UnauthorizedError) Is(target error) bool { return target == ErrUnauthorized }
func (e *ConflictError) Is(target error) bool     { return target == ErrConflict }

// Sentinel errors - use with errors.Is()
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("already exists")
	ErrValidation   = errors.New("validation failed")
	ErrUnauthorized = errors.New("unauthorized")
)

// Session guard errors. A session method returning one of these did not
// change any state and did not issue a request.
var (
	ErrStreaming      = errors.New("a stream is already in flight")
	ErrCandidateLimit = errors.New("candidate limit reached")
	ErrNotNavigable   = errors.New("message has no candidates to navigate")
	ErrNoCharacter    = errors.New("chat is not loaded")
	ErrTurnNotFound   = errors.New("turn is not in the current thread")
	ErrNotAuthorized  = errors.New("not signed in")
)

// APIError is a non-2xx, non-401 response from the chat API.
// Code is the machine readable code from the error envelope, if any.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Code != "" {
		return e.Code
	}
	return fmt.Sprintf("API Error: %d", e.Status)
}

// StatusCode implements the HTTPError interface
func (e *APIError) StatusCode() int {
	return e.Status
}

// Is maps well-known statuses onto the sentinels so callers can use errors.Is
func (e *APIError) Is(target error) bool {
	switch e.Status {
	case http.StatusNotFound:
		return target == ErrNotFound
	case http.StatusConflict:
		return target == ErrConflict
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return target == ErrValidation
	}
	return false
}
