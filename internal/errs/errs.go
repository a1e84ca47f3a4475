// Package errs defines the error kinds shared across the gateway core.
// Call sites wrap a kind with context, callers match with errors.Is.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotFound is returned when a referenced entity does not exist
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned on duplicate create
	ErrAlreadyExists = errors.New("already exists")

	// ErrFailedToConnect is returned when a backend handshake or network call fails
	ErrFailedToConnect = errors.New("failed to connect to target server")

	// ErrPermissionDenied is returned when policy rejects a tool
	ErrPermissionDenied = errors.New("permission denied")

	// ErrNotApproved is returned when the catalog rejects a server or tool
	ErrNotApproved = errors.New("not approved")

	// ErrValidation is returned for malformed configuration payloads
	ErrValidation = errors.New("validation failed")

	// ErrInitialization is returned when a component is used before setup
	ErrInitialization = errors.New("not initialized")

	// ErrInactive is returned when a backend was deactivated by an admin
	ErrInactive = errors.New("inactive")
)

// Wrap attaches a formatted message to an error kind
func Wrap(kind error, format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), kind)
}

// NotFound is a shortcut for Wrap(ErrNotFound, ...)
func NotFound(format string, args ...any) error {
	return Wrap(ErrNotFound, format, args...)
}

// AlreadyExists is a shortcut for Wrap(ErrAlreadyExists, ...)
func AlreadyExists(format string, args ...any) error {
	return Wrap(ErrAlreadyExists, format, args...)
}

// Validation is a shortcut for Wrap(ErrValidation, ...)
func Validation(format string, args ...any) error {
	return Wrap(ErrValidation, format, args...)
}

// HTTPStatus maps an error to the status code the admin API answers with
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrPermissionDenied), errors.Is(err, ErrNotApproved), errors.Is(err, ErrInactive):
		return http.StatusForbidden
	case errors.Is(err, ErrFailedToConnect):
		return http.StatusBadGateway
	case errors.Is(err, ErrInitialization):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Failure kinds reported to the control plane
const (
	FailureAlreadyExists   = "already-exists"
	FailureNotFound        = "not-found"
	FailureFailedToConnect = "failed-to-connect"
	FailureInternal        = "internal"
)

// FailureKind maps an error to the tag used in control plane failure messages
func FailureKind(err error) string {
	switch {
	case errors.Is(err, ErrAlreadyExists):
		return FailureAlreadyExists
	case errors.Is(err, ErrNotFound):
		return FailureNotFound
	case errors.Is(err, ErrFailedToConnect):
		return FailureFailedToConnect
	default:
		return FailureInternal
	}
}
