// Package auth implements the KeePassHTTP challenge/response handshake:
// the AES-256-CBC cipher session, the ordered request and response field
// maps, and the per-request authentication state machine.
package auth

import (
	"context"
	"encoding/base64"
	"fmt"
)

// State is the authentication state of one request.
type State int

const (
	Unauthenticated State = iota
	Authenticated
	Rejected
)

func (s State) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case Authenticated:
		return "authenticated"
	case Rejected:
		return "rejected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Authenticator runs the challenge/response handshake for a single request.
// It reads the request fields, writes challenge fields into the response and
// holds the cipher session bound on success. It is not safe for concurrent
// use; create one per request and Close it when the response is produced.
type Authenticator struct {
	store    CredentialStore
	request  *Fields
	response *Fields

	state    State
	clientID string
	session  *CipherSession
	rejected error
}

// NewAuthenticator creates an authenticator for one request. response
// receives the Nonce and Verifier written by IssueChallenge.
func NewAuthenticator(store CredentialStore, request, response *Fields) *Authenticator {
	if request == nil {
		request = NewFields()
	}
	if response == nil {
		response = NewFields()
	}
	return &Authenticator{
		store:    store,
		request:  request,
		response: response,
	}
}

// State returns the current state.
func (a *Authenticator) State() State {
	return a.state
}

// ClientID returns the client bound by the last successful Authenticate or
// IssueChallenge, or "" if none.
func (a *Authenticator) ClientID() string {
	if a.state != Authenticated {
		return ""
	}
	return a.clientID
}

// Response returns the response fields being built.
func (a *Authenticator) Response() *Fields {
	return a.response
}

// Authenticate verifies that the request proves possession of the key
// stored for its Id. Fields are demanded in protocol order: Id and Key
// first, then the stored key is looked up, and only a known client is
// asked for Nonce and Verifier.
func (a *Authenticator) Authenticate(ctx context.Context) error {
	if a.state == Rejected {
		return a.rejected
	}

	id, err := a.request.require(FieldID)
	if err != nil {
		return a.reject(err)
	}
	// Key is part of the wire contract but plays no part in the lookup.
	if _, err := a.request.require(FieldKey); err != nil {
		return a.reject(err)
	}

	key, err := a.lookup(ctx, id)
	if err != nil {
		return a.reject(err)
	}
	defer zeroBytes(key)

	encodedNonce, err := a.request.require(FieldNonce)
	if err != nil {
		return a.reject(err)
	}
	verifier, err := a.request.require(FieldVerifier)
	if err != nil {
		return a.reject(err)
	}

	nonce, err := DecodeNonce(encodedNonce)
	if err != nil {
		return a.reject(err)
	}
	defer zeroBytes(nonce)

	session, err := NewCipherSession(key, nonce)
	if err != nil {
		return a.reject(fmt.Errorf("failed to create cipher session for %q: %w", id, err))
	}

	if !session.IsValid(verifier) {
		session.Destroy()
		return a.reject(fmt.Errorf("%w: verifier mismatch for client %q", ErrInvalidAuthentication, id))
	}

	a.bind(id, session)
	return nil
}

// IssueChallenge generates a fresh nonce for clientID, writes Nonce and
// Verifier into the response and binds the new session, replacing any
// session bound earlier in the request. Nothing is written on failure.
func (a *Authenticator) IssueChallenge(ctx context.Context, clientID string) error {
	if a.state == Rejected {
		return a.rejected
	}

	key, err := a.lookup(ctx, clientID)
	if err != nil {
		return a.reject(err)
	}
	defer zeroBytes(key)

	session, err := NewRandomCipherSession(key)
	if err != nil {
		return a.reject(fmt.Errorf("failed to create cipher session for %q: %w", clientID, err))
	}

	a.response.Set(FieldNonce, session.Nonce())
	a.response.Set(FieldVerifier, session.ComputeVerifier())
	a.bind(clientID, session)
	return nil
}

// Session returns the bound cipher session.
func (a *Authenticator) Session() (*CipherSession, error) {
	if a.state != Authenticated || a.session == nil {
		return nil, ErrNotAuthenticated
	}
	return a.session, nil
}

// Close wipes the bound session. The authenticator keeps its state, but
// Session fails afterwards.
func (a *Authenticator) Close() {
	a.session.Destroy()
	a.session = nil
	if a.state == Authenticated {
		a.state = Unauthenticated
	}
}

func (a *Authenticator) lookup(ctx context.Context, id string) ([]byte, error) {
	if a.store == nil {
		return nil, fmt.Errorf("no credential store configured")
	}
	key, found, err := a.store.Lookup(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to look up client %q: %w", id, err)
	}
	if !found {
		return nil, fmt.Errorf("%w: %q", ErrUnknownClient, id)
	}
	return append([]byte(nil), key...), nil
}

func (a *Authenticator) bind(id string, session *CipherSession) {
	if a.session != nil && a.session != session {
		a.session.Destroy()
	}
	a.session = session
	a.clientID = id
	a.state = Authenticated
}

func (a *Authenticator) reject(err error) error {
	a.session.Destroy()
	a.session = nil
	a.clientID = ""
	a.state = Rejected
	a.rejected = err
	return err
}

// DecodeNonce decodes a base64 wire nonce and checks its length.
func DecodeNonce(encoded string) ([]byte, error) {
	nonce, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid %s encoding", ErrMalformedRequest, FieldNonce)
	}
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("%w: %s must be %d bytes, got %d", ErrMalformedRequest, FieldNonce, NonceSize, len(nonce))
	}
	return nonce, nil
}
