package auth

import "context"

// CredentialStore maps client IDs to their secret keys. Implementations
// must be safe for concurrent use; many requests authenticate against the
// same store at once.
type CredentialStore interface {
	// Lookup returns the key stored for id. found is false when the client
	// is unknown; err is reserved for backend failures.
	Lookup(ctx context.Context, id string) (key []byte, found bool, err error)

	// Store registers or replaces the key for id.
	Store(ctx context.Context, id string, key []byte) error
}
