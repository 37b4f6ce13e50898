package requests

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/google/uuid"

	"github.com/thialfihar/python-keepass-httpd/auth"
)

// TestAssociate checks that a client is still associated.
type TestAssociate struct {
	Store auth.CredentialStore
}

func (h *TestAssociate) Process(ctx context.Context, request *auth.Fields) (*Response, error) {
	resp := newResponse(TypeTestAssociate)
	if err := authenticated(ctx, h.Store, request, resp, nil, nil); err != nil {
		return nil, err
	}
	return resp, nil
}

// Associate registers a new client under a generated ID. The client proves
// it holds the submitted Key by encrypting its own Nonce with it.
type Associate struct {
	Store auth.CredentialStore
	Allow bool
}

func (h *Associate) Process(ctx context.Context, request *auth.Fields) (*Response, error) {
	if !h.Allow {
		return nil, ErrAssociationDisabled
	}

	encodedKey, err := require(request, auth.FieldKey)
	if err != nil {
		return nil, err
	}
	encodedNonce, err := require(request, auth.FieldNonce)
	if err != nil {
		return nil, err
	}
	verifier, err := require(request, auth.FieldVerifier)
	if err != nil {
		return nil, err
	}

	key, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil || len(key) != auth.KeySize {
		return nil, fmt.Errorf("%w: %s must be base64 of %d bytes", auth.ErrMalformedRequest, auth.FieldKey, auth.KeySize)
	}
	defer zero(key)

	nonce, err := auth.DecodeNonce(encodedNonce)
	if err != nil {
		return nil, err
	}
	session, err := auth.NewCipherSession(key, nonce)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher session: %w", err)
	}
	valid := session.IsValid(verifier)
	session.Destroy()
	if !valid {
		return nil, fmt.Errorf("%w: associate verifier mismatch", auth.ErrInvalidAuthentication)
	}

	id := uuid.NewString()
	if err := h.Store.Store(ctx, id, key); err != nil {
		return nil, fmt.Errorf("failed to store client key: %w", err)
	}
	loggerFrom(ctx).Info().Str("client_id", id).Msg("Client associated")

	resp := newResponse(TypeAssociate)
	resp.Fields.Set(auth.FieldID, id)

	a := auth.NewAuthenticator(h.Store, nil, resp.Fields)
	defer a.Close()
	if err := a.IssueChallenge(ctx, id); err != nil {
		return nil, err
	}
	resp.Success = true
	return resp, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
