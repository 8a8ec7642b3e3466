package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error so callers can map it without matching on messages
type Kind int

const (
	Internal Kind = iota
	NotFound
	Unauthorized
	Forbidden
	InvalidState
	FileMissing
	ValidationFailed
	RangeNotSatisfiable
	AlreadyProcessing
	// Unauthenticated means no usable credentials; Unauthorized and
	// Forbidden mean the caller is known but not allowed
	Unauthenticated
)

var kindNames = map[Kind]string{
	Internal:            "internal",
	NotFound:            "not_found",
	Unauthorized:        "unauthorized",
	Forbidden:           "forbidden",
	InvalidState:        "invalid_state",
	FileMissing:         "file_missing",
	ValidationFailed:    "validation_failed",
	RangeNotSatisfiable: "range_not_satisfiable",
	AlreadyProcessing:   "already_processing",
	Unauthenticated:     "unauthenticated",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is the tagged error returned across package boundaries
type Error struct {
	Kind    Kind
	Message string
	Details map[string]interface{}
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error of the given kind
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying error
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// WithDetail returns the error with an extra detail field set
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// KindOf reports the kind of err, or Internal when err is not tagged
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return Internal
}

// Is reports whether err carries the given kind
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps a kind to its response status code
func HTTPStatus(kind Kind) int {
	switch kind {
	case NotFound, FileMissing:
		return http.StatusNotFound
	case Unauthenticated:
		return http.StatusUnauthorized
	case Unauthorized, Forbidden:
		return http.StatusForbidden
	case InvalidState, ValidationFailed:
		return http.StatusBadRequest
	case RangeNotSatisfiable:
		return http.StatusRequestedRangeNotSatisfiable
	case AlreadyProcessing:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
