// Package backup writes and restores snapshots of the credential store.
// A snapshot holds the credentials still sealed under the DEK, encoded as
// deterministic CBOR and authenticated with HMAC-SHA256 under a key
// derived from the DEK.
package backup

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/thialfihar/python-keepass-httpd/storage"
)

// SnapshotVersion is the current snapshot format version.
const SnapshotVersion = 1

// ErrIntegrity is returned when a snapshot fails its HMAC check.
var ErrIntegrity = errors.New("snapshot integrity check failed")

// Snapshot is the decoded content of a backup.
type Snapshot struct {
	Version     int                        `cbor:"1,keyasint"`
	CreatedAt   int64                      `cbor:"2,keyasint"`
	Credentials []storage.SealedCredential `cbor:"3,keyasint"`
}

type envelope struct {
	Body []byte `cbor:"1,keyasint"`
	MAC  []byte `cbor:"2,keyasint"`
}

var encMode = mustEncMode()

func mustEncMode() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}

// Encode serializes s and appends its MAC.
func Encode(s *Snapshot, macKey []byte) ([]byte, error) {
	body, err := encMode.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	data, err := encMode.Marshal(envelope{Body: body, MAC: computeMAC(macKey, body)})
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot envelope: %w", err)
	}
	return data, nil
}

// Decode verifies and parses a snapshot produced by Encode.
func Decode(data, macKey []byte) (*Snapshot, error) {
	var env envelope
	if err := cbor.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot envelope: %w", err)
	}
	if !hmac.Equal(env.MAC, computeMAC(macKey, env.Body)) {
		return nil, ErrIntegrity
	}

	var s Snapshot
	if err := cbor.Unmarshal(env.Body, &s); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	if s.Version != SnapshotVersion {
		return nil, fmt.Errorf("unsupported snapshot version %d", s.Version)
	}
	return &s, nil
}

func computeMAC(key, body []byte) []byte {
	m := hmac.New(sha256.New, key)
	m.Write(body)
	return m.Sum(nil)
}
