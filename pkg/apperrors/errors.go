package apperrors

import "errors"

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")

	// ErrInvalidInput means the caller passed malformed data. Retrying without
	// fixing the input will fail again.
	ErrInvalidInput = errors.New("invalid input")

	// ErrConfiguration is fatal at start-up: a missing master key or registry
	// credential must stop the process from serving tenant traffic.
	ErrConfiguration = errors.New("configuration error")

	// ErrIntegrity is returned when ciphertext fails authentication (tampered
	// blob, corrupted storage or wrong master key).
	ErrIntegrity = errors.New("integrity check failed")

	ErrUnauthenticated       = errors.New("unauthenticated")
	ErrTenantNotFound        = errors.New("tenant not found")
	ErrConnectionUnavailable = errors.New("connection unavailable")

	// ErrCredential aborts client construction when a stored secret cannot be
	// decrypted.
	ErrCredential = errors.New("credential error")

	// ErrStore wraps registry I/O failures. Retry policy belongs to the caller.
	ErrStore = errors.New("registry store error")
)

// AccessUnavailableMessage is the only text end users see for a failed
// tenant lookup, whatever stage failed.
const AccessUnavailableMessage = "access unavailable"

// IsAccessFailure reports whether err came from the tenant resolution chain.
func IsAccessFailure(err error) bool {
	return errors.Is(err, ErrUnauthenticated) ||
		errors.Is(err, ErrTenantNotFound) ||
		errors.Is(err, ErrConnectionUnavailable) ||
		errors.Is(err, ErrCredential)
}

// PublicMessage returns text safe to show outside the process.
func PublicMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case IsAccessFailure(err):
		return AccessUnavailableMessage
	case errors.Is(err, ErrInvalidInput):
		return "invalid request"
	default:
		return "internal error"
	}
}
