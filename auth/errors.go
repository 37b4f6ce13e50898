package auth

import (
	"errors"
	"fmt"
)

// Authentication errors. Callers discriminate with errors.Is; every error
// returned by an Authenticator wraps exactly one of these or a store error.
var (
	// ErrMalformedRequest is returned when a required field is absent or
	// cannot be decoded.
	ErrMalformedRequest = errors.New("malformed request")

	// ErrUnknownClient is returned when the claimed client ID has no stored key.
	ErrUnknownClient = errors.New("unknown client")

	// ErrInvalidAuthentication is returned when a stored key exists but the
	// submitted verifier does not match.
	ErrInvalidAuthentication = errors.New("invalid authentication")

	// ErrNotAuthenticated is returned by Session when no cipher session is bound.
	ErrNotAuthenticated = errors.New("not authenticated")
)

// MissingFieldError reports a required request field that was not supplied.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("%s: missing field %q", ErrMalformedRequest, e.Field)
}

// Is makes a MissingFieldError match ErrMalformedRequest.
func (e *MissingFieldError) Is(target error) bool {
	return target == ErrMalformedRequest
}

func missingField(name string) error {
	return &MissingFieldError{Field: name}
}
