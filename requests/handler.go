// Package requests implements the KeePassHTTP operations on top of the
// auth handshake. Each operation is its own RequestHandler; a Dispatcher
// routes decoded requests to them by RequestType.
package requests

import (
	"context"
	"fmt"

	"github.com/thialfihar/python-keepass-httpd/auth"
	"github.com/thialfihar/python-keepass-httpd/storage"
)

// Request types.
const (
	TypeTestAssociate  = "test-associate"
	TypeAssociate      = "associate"
	TypeGetLogins      = "get-logins"
	TypeGetLoginsCount = "get-logins-count"
	TypeSetLogin       = "set-login"
)

// Request field names beyond the handshake fields.
const (
	FieldRequestType = "RequestType"
	FieldURL         = "Url"
	FieldSubmitURL   = "SubmitUrl"
	FieldLogin       = "Login"
	FieldPassword    = "Password"
)

// RequestHandler processes one decoded request. A returned error means the
// request failed; the response is then built by ErrorResponse.
type RequestHandler interface {
	Process(ctx context.Context, request *auth.Fields) (*Response, error)
}

// LoginStore holds the login entries served to authenticated clients.
type LoginStore interface {
	AddLogin(ctx context.Context, l storage.Login) (string, error)
	FindLogins(ctx context.Context, host string) ([]storage.Login, error)
	CountLogins(ctx context.Context, host string) (int, error)
}

func require(f *auth.Fields, name string) (string, error) {
	v, ok := f.Get(name)
	if !ok {
		return "", &auth.MissingFieldError{Field: name}
	}
	return v, nil
}

// decrypt reads an encrypted request field with the authenticated session.
// Every decryption failure gets the same error text; the cause is only
// logged, so clients cannot tell bad padding from a bad length.
func decrypt(ctx context.Context, session *auth.CipherSession, f *auth.Fields, name string) (string, error) {
	ciphertext, err := require(f, name)
	if err != nil {
		return "", err
	}
	plain, err := session.DecryptField(ciphertext)
	if err != nil {
		loggerFrom(ctx).Debug().Err(err).Str("field", name).Msg("Field decryption failed")
		return "", fmt.Errorf("%w: cannot decrypt %s", auth.ErrMalformedRequest, name)
	}
	return plain, nil
}

// authenticated runs the handshake and issues the next challenge, leaving
// the response holding Id, Nonce and Verifier. before runs between the
// two with the request session, after runs last with the response session.
func authenticated(ctx context.Context, store auth.CredentialStore, request *auth.Fields, resp *Response,
	before func(*auth.CipherSession) error, after func(*auth.CipherSession) error) error {

	a := auth.NewAuthenticator(store, request, resp.Fields)
	defer a.Close()

	if err := a.Authenticate(ctx); err != nil {
		return err
	}
	id := a.ClientID()

	if before != nil {
		session, err := a.Session()
		if err != nil {
			return err
		}
		if err := before(session); err != nil {
			return err
		}
	}

	resp.Fields.Set(auth.FieldID, id)
	if err := a.IssueChallenge(ctx, id); err != nil {
		return err
	}

	if after != nil {
		session, err := a.Session()
		if err != nil {
			return err
		}
		if err := after(session); err != nil {
			return err
		}
	}
	resp.Success = true
	return nil
}
