package requests

import (
	"errors"
	"net/http"

	"github.com/thialfihar/python-keepass-httpd/auth"
)

var (
	// ErrUnknownRequestType is returned for a RequestType with no handler.
	ErrUnknownRequestType = errors.New("unknown request type")

	// ErrAssociationDisabled is returned by associate when policy forbids
	// registering new clients.
	ErrAssociationDisabled = errors.New("association disabled")
)

// StatusCode maps a handler error to a transport status. Authentication
// failures are reported in the body with status 200, since KeePassHTTP
// clients read Success rather than the status line.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, auth.ErrMalformedRequest), errors.Is(err, ErrUnknownRequestType):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrUnknownClient),
		errors.Is(err, auth.ErrInvalidAuthentication),
		errors.Is(err, ErrAssociationDisabled):
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}

// publicMessage returns the error text safe to send to a client.
func publicMessage(err error) string {
	if StatusCode(err) == http.StatusInternalServerError {
		return "internal error"
	}
	return err.Error()
}
