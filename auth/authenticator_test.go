package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
)

// mapStore is a minimal CredentialStore for tests.
type mapStore struct {
	mu   sync.RWMutex
	keys map[string][]byte
	err  error
}

func newMapStore() *mapStore {
	return &mapStore{keys: make(map[string][]byte)}
}

func (m *mapStore) Lookup(ctx context.Context, id string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return nil, false, m.err
	}
	k, ok := m.keys[id]
	return k, ok, nil
}

func (m *mapStore) Store(ctx context.Context, id string, key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[id] = append([]byte(nil), key...)
	return nil
}

// handshake builds a valid request for id under key.
func handshake(t *testing.T, id string, key []byte) *Fields {
	t.Helper()
	nonce := testNonce(t)
	s, err := NewCipherSession(key, nonce)
	if err != nil {
		t.Fatalf("NewCipherSession failed: %v", err)
	}
	return FieldsFrom(
		FieldID, id,
		FieldKey, "x",
		FieldNonce, base64.StdEncoding.EncodeToString(nonce),
		FieldVerifier, s.ComputeVerifier(),
	)
}

func TestAuthenticate_MissingID(t *testing.T) {
	store := newMapStore()
	store.keys["alice"] = testKey(t)

	requests := []*Fields{
		NewFields(),
		FieldsFrom(FieldKey, "x"),
		FieldsFrom(FieldKey, "x", FieldNonce, "n", FieldVerifier, "v"),
	}
	for _, req := range requests {
		a := NewAuthenticator(store, req, nil)
		err := a.Authenticate(context.Background())
		if !errors.Is(err, ErrMalformedRequest) {
			t.Errorf("Authenticate(%v) error = %v, want ErrMalformedRequest", req.Keys(), err)
		}
		var mf *MissingFieldError
		if !errors.As(err, &mf) || mf.Field != FieldID {
			t.Errorf("Expected missing field %q, got %v", FieldID, err)
		}
		if a.State() != Rejected {
			t.Errorf("State = %v, want rejected", a.State())
		}
	}
}

func TestAuthenticate_MissingKey(t *testing.T) {
	store := newMapStore()
	store.keys["some client name"] = testKey(t)

	a := NewAuthenticator(store, FieldsFrom(FieldID, "some client name", FieldNonce, "some nonce"), nil)
	err := a.Authenticate(context.Background())
	if !errors.Is(err, ErrMalformedRequest) {
		t.Fatalf("Expected ErrMalformedRequest, got %v", err)
	}
}

func TestAuthenticate_UnknownClient(t *testing.T) {
	store := newMapStore()

	for _, id := range []string{"bob", "some client name", ""} {
		a := NewAuthenticator(store, FieldsFrom(FieldID, id, FieldKey, "some unknown key"), nil)
		err := a.Authenticate(context.Background())
		if !errors.Is(err, ErrUnknownClient) {
			t.Errorf("Authenticate(%q) error = %v, want ErrUnknownClient", id, err)
		}
		if errors.Is(err, ErrMalformedRequest) {
			t.Errorf("Unknown client %q reported as malformed", id)
		}
	}
}

func TestAuthenticate_KnownClientMissingChallenge(t *testing.T) {
	store := newMapStore()
	store.keys["alice"] = testKey(t)

	tests := []struct {
		name    string
		request *Fields
		field   string
	}{
		{"no nonce or verifier", FieldsFrom(FieldID, "alice", FieldKey, "x"), FieldNonce},
		{"no verifier", FieldsFrom(FieldID, "alice", FieldKey, "x", FieldNonce, "bm9uY2U="), FieldVerifier},
		{"no nonce", FieldsFrom(FieldID, "alice", FieldKey, "x", FieldVerifier, "dg=="), FieldNonce},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewAuthenticator(store, tt.request, nil).Authenticate(context.Background())
			var mf *MissingFieldError
			if !errors.As(err, &mf) || mf.Field != tt.field {
				t.Errorf("Expected missing %q, got %v", tt.field, err)
			}
		})
	}
}

func TestAuthenticate_BadNonce(t *testing.T) {
	store := newMapStore()
	store.keys["alice"] = testKey(t)

	for _, nonce := range []string{"!!", base64.StdEncoding.EncodeToString([]byte("short"))} {
		req := FieldsFrom(FieldID, "alice", FieldKey, "x", FieldNonce, nonce, FieldVerifier, "dg==")
		err := NewAuthenticator(store, req, nil).Authenticate(context.Background())
		if !errors.Is(err, ErrMalformedRequest) {
			t.Errorf("Nonce %q: expected ErrMalformedRequest, got %v", nonce, err)
		}
	}
}

func TestAuthenticate_InvalidVerifier(t *testing.T) {
	store := newMapStore()
	store.keys["alice"] = testKey(t)

	// Verifier computed with a different key.
	req := handshake(t, "alice", testKey(t))
	a := NewAuthenticator(store, req, nil)
	err := a.Authenticate(context.Background())
	if !errors.Is(err, ErrInvalidAuthentication) {
		t.Fatalf("Expected ErrInvalidAuthentication, got %v", err)
	}
	if _, err := a.Session(); !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("Session after rejection: expected ErrNotAuthenticated, got %v", err)
	}

	// Tampered verifier.
	req = handshake(t, "alice", store.keys["alice"])
	v, _ := req.Get(FieldVerifier)
	raw, _ := base64.StdEncoding.DecodeString(v)
	raw[len(raw)-1] ^= 0xff
	req.Set(FieldVerifier, base64.StdEncoding.EncodeToString(raw))
	err = NewAuthenticator(store, req, nil).Authenticate(context.Background())
	if !errors.Is(err, ErrInvalidAuthentication) {
		t.Errorf("Tampered verifier: expected ErrInvalidAuthentication, got %v", err)
	}
}

func TestAuthenticate_Success(t *testing.T) {
	key := testKey(t)
	store := newMapStore()
	store.keys["alice"] = key

	req := handshake(t, "alice", key)
	a := NewAuthenticator(store, req, nil)
	if err := a.Authenticate(context.Background()); err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if a.State() != Authenticated {
		t.Errorf("State = %v, want authenticated", a.State())
	}
	if a.ClientID() != "alice" {
		t.Errorf("ClientID = %q, want alice", a.ClientID())
	}

	s, err := a.Session()
	if err != nil {
		t.Fatalf("Session failed: %v", err)
	}
	submitted, _ := req.Get(FieldVerifier)
	if s.ComputeVerifier() != submitted {
		t.Error("Bound session does not reproduce the submitted verifier")
	}
	if a.Response().Len() != 0 {
		t.Errorf("Authenticate wrote response fields: %v", a.Response().Keys())
	}
}

func TestAuthenticate_StoreError(t *testing.T) {
	store := newMapStore()
	store.err = errors.New("database is locked")

	err := NewAuthenticator(store, FieldsFrom(FieldID, "alice", FieldKey, "x"), nil).Authenticate(context.Background())
	if err == nil {
		t.Fatal("Expected error")
	}
	if errors.Is(err, ErrUnknownClient) || errors.Is(err, ErrMalformedRequest) {
		t.Errorf("Backend failure misclassified: %v", err)
	}
	if !errors.Is(err, store.err) {
		t.Errorf("Expected wrapped backend error, got %v", err)
	}
}

func TestAuthenticate_RejectedIsTerminal(t *testing.T) {
	key := testKey(t)
	store := newMapStore()
	store.keys["alice"] = key

	req := FieldsFrom(FieldID, "alice")
	a := NewAuthenticator(store, req, nil)
	first := a.Authenticate(context.Background())
	if !errors.Is(first, ErrMalformedRequest) {
		t.Fatalf("Expected ErrMalformedRequest, got %v", first)
	}

	if err := a.IssueChallenge(context.Background(), "alice"); err != first {
		t.Errorf("IssueChallenge after rejection = %v, want %v", err, first)
	}
	if a.Response().Len() != 0 {
		t.Error("Rejected authenticator wrote response fields")
	}
}

func TestSession_BeforeAuthentication(t *testing.T) {
	a := NewAuthenticator(newMapStore(), nil, nil)
	if _, err := a.Session(); !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("Expected ErrNotAuthenticated, got %v", err)
	}
}

func TestIssueChallenge_UnknownClient(t *testing.T) {
	resp := NewFields()
	a := NewAuthenticator(newMapStore(), nil, resp)

	err := a.IssueChallenge(context.Background(), "nomatterwhat")
	if !errors.Is(err, ErrUnknownClient) {
		t.Fatalf("Expected ErrUnknownClient, got %v", err)
	}
	if resp.Len() != 0 {
		t.Errorf("Response fields written on failure: %v", resp.Keys())
	}
	if _, err := a.Session(); !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("Expected ErrNotAuthenticated, got %v", err)
	}
}

func TestIssueChallenge_KnownClient(t *testing.T) {
	key := testKey(t)
	store := newMapStore()
	store.keys["some client"] = key

	resp := NewFields()
	a := NewAuthenticator(store, nil, resp)
	if err := a.IssueChallenge(context.Background(), "some client"); err != nil {
		t.Fatalf("IssueChallenge failed: %v", err)
	}

	nonce, ok := resp.Get(FieldNonce)
	if !ok || nonce == "" {
		t.Fatal("Nonce not written")
	}
	verifier, ok := resp.Get(FieldVerifier)
	if !ok || verifier == "" {
		t.Fatal("Verifier not written")
	}

	// A client holding the key must accept the server's challenge.
	raw, err := DecodeNonce(nonce)
	if err != nil {
		t.Fatalf("Issued nonce invalid: %v", err)
	}
	client, err := NewCipherSession(key, raw)
	if err != nil {
		t.Fatalf("NewCipherSession failed: %v", err)
	}
	if !client.IsValid(verifier) {
		t.Error("Client rejected issued verifier")
	}

	s, err := a.Session()
	if err != nil {
		t.Fatalf("Session failed: %v", err)
	}
	enc := s.EncryptField("payload")
	dec, err := client.DecryptField(enc)
	if err != nil || dec != "payload" {
		t.Errorf("Client could not decrypt server field: %q, %v", dec, err)
	}
}

func TestIssueChallenge_FreshNonceReplacesSession(t *testing.T) {
	key := testKey(t)
	store := newMapStore()
	store.keys["alice"] = key

	req := handshake(t, "alice", key)
	resp := NewFields()
	a := NewAuthenticator(store, req, resp)
	if err := a.Authenticate(context.Background()); err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	first, _ := a.Session()

	if err := a.IssueChallenge(context.Background(), "alice"); err != nil {
		t.Fatalf("IssueChallenge failed: %v", err)
	}
	second, _ := a.Session()
	if first == second {
		t.Fatal("IssueChallenge did not bind a new session")
	}

	reqNonce, _ := req.Get(FieldNonce)
	respNonce, _ := resp.Get(FieldNonce)
	if reqNonce == respNonce {
		t.Error("IssueChallenge reused the request nonce")
	}
	if first.block != nil {
		t.Error("Replaced session was not destroyed")
	}
}

func TestAuthenticator_Close(t *testing.T) {
	key := testKey(t)
	store := newMapStore()
	store.keys["alice"] = key

	a := NewAuthenticator(store, handshake(t, "alice", key), nil)
	if err := a.Authenticate(context.Background()); err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	s, _ := a.Session()
	a.Close()

	if _, err := a.Session(); !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("Session after Close: expected ErrNotAuthenticated, got %v", err)
	}
	if s.block != nil {
		t.Error("Close did not destroy the session")
	}
	if store.keys["alice"][0] != key[0] || len(store.keys["alice"]) != KeySize {
		t.Error("Close modified the stored key")
	}
}

func TestEndToEnd_KnownAndUnknown(t *testing.T) {
	k := testKey(t)
	store := newMapStore()
	store.keys["alice"] = k

	req := handshake(t, "alice", k)
	a := NewAuthenticator(store, req, nil)
	if err := a.Authenticate(context.Background()); err != nil {
		t.Fatalf("alice: %v", err)
	}
	s, err := a.Session()
	if err != nil {
		t.Fatalf("alice session: %v", err)
	}
	if v, _ := req.Get(FieldVerifier); s.ComputeVerifier() != v {
		t.Error("alice: session verifier differs from submitted verifier")
	}

	empty := newMapStore()
	err = NewAuthenticator(empty, FieldsFrom(FieldID, "bob", FieldKey, "x"), nil).Authenticate(context.Background())
	if !errors.Is(err, ErrUnknownClient) {
		t.Errorf("bob: expected ErrUnknownClient, got %v", err)
	}
}
