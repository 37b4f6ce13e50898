package storage

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// DEKSize is the length of the data encryption key used to seal secrets at rest.
const DEKSize = chacha20poly1305.KeySize

// ErrWrongKey is returned when stored data cannot be opened with the
// configured data encryption key.
var ErrWrongKey = errors.New("wrong data encryption key")

// sealer encrypts secrets with XChaCha20-Poly1305. The additional data binds
// each blob to the row it was written for, so blobs cannot be swapped
// between clients.
type sealer struct {
	dek []byte
}

func newSealer(dek []byte) (*sealer, error) {
	if len(dek) != DEKSize {
		return nil, fmt.Errorf("DEK must be %d bytes", DEKSize)
	}
	return &sealer{dek: append([]byte(nil), dek...)}, nil
}

// seal returns nonce || ciphertext.
func (s *sealer) seal(plaintext []byte, aad string) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.dek)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, []byte(aad)), nil
}

func (s *sealer) open(ciphertext []byte, aad string) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.dek)
	if err != nil {
		return nil, err
	}

	nonceSize := aead.NonceSize()
	if len(ciphertext) < nonceSize+aead.Overhead() {
		return nil, fmt.Errorf("ciphertext too short")
	}

	plaintext, err := aead.Open(nil, ciphertext[:nonceSize], ciphertext[nonceSize:], []byte(aad))
	if err != nil {
		return nil, ErrWrongKey
	}
	return plaintext, nil
}

func (s *sealer) wipe() {
	zeroBytes(s.dek)
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
