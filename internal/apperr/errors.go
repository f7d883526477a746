// Package apperr defines the failure taxonomy shared by the ledger, the
// student registry, the batch importer and the administrative operations.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrValidation     = errors.New("validation failed")
	ErrNotFound       = errors.New("not found")
	ErrConflict       = errors.New("already exists")
	ErrForbidden      = errors.New("forbidden")
	ErrAlreadySettled = errors.New("charge already settled")
	ErrStorage        = errors.New("storage failure")
)

// ValidationError reports malformed, missing or non-positive input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func Validation(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// StorageError wraps a failed store operation. It matches both ErrStorage and
// the driver error it carries.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() []error { return []error{ErrStorage, e.Err} }

// Storage wraps err unless it is nil or already classified.
func Storage(op string, err error) error {
	if err == nil || IsClassified(err) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

func NotFound(what string) error {
	return fmt.Errorf("%s %w", what, ErrNotFound)
}

func Conflict(what string) error {
	return fmt.Errorf("%s %w", what, ErrConflict)
}

// IsClassified reports whether err already belongs to the taxonomy.
func IsClassified(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrAlreadySettled) ||
		errors.Is(err, ErrStorage)
}

// HTTPStatus maps an error to the response code handlers should send.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrAlreadySettled):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
