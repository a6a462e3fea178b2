package rbac

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/odyssey-erp/odyssey-authz/internal/platform/httpx"
)

var (
	// ErrAuthenticationRequired is returned when no principal is present.
	ErrAuthenticationRequired = fmt.Errorf("rbac: authentication required: %w", httpx.ErrUnauthorized)
	// ErrNotFound indicates that the requested grant does not exist.
	ErrNotFound = fmt.Errorf("rbac: grant %w", httpx.ErrNotFound)
	// ErrUnknownPrincipal indicates that the subject user does not exist.
	ErrUnknownPrincipal = fmt.Errorf("rbac: principal %w", httpx.ErrNotFound)
	// ErrValidation indicates malformed administrative input.
	ErrValidation = fmt.Errorf("rbac: %w", httpx.ErrValidation)
	// ErrForbidden translates a denied administrative gate.
	ErrForbidden = fmt.Errorf("rbac: %w", httpx.ErrForbidden)
	// ErrStorageUnavailable wraps failures of the grant store collaborator.
	ErrStorageUnavailable = fmt.Errorf("rbac: grant storage %w", httpx.ErrUnavailable)
	// ErrConfiguration signals a broken role catalog; fatal at startup.
	ErrConfiguration = errors.New("rbac: configuration error")
)

// ValidationError carries per-field messages for rejected input.
type ValidationError struct {
	Fields map[string]string
}

// NewValidationError builds a ValidationError for a single field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: message}}
}

// Add records a field failure.
func (e *ValidationError) Add(field, message string) {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	e.Fields[field] = message
}

// Empty reports whether no failures were recorded.
func (e *ValidationError) Empty() bool { return e == nil || len(e.Fields) == 0 }

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "rbac: validation failed: " + strings.Join(parts, "; ")
}

// FieldErrors exposes the field map to the HTTP layer.
func (e *ValidationError) FieldErrors() map[string]string { return e.Fields }

func (e *ValidationError) Unwrap() error { return ErrValidation }

// StorageError wraps a grant store failure so callers can match ErrStorageUnavailable.
func StorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStorageUnavailable) || errors.Is(err, httpx.ErrNotFound) || errors.Is(err, ErrConfiguration) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrStorageUnavailable, op, err)
}
