package auth

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
)

const (
	// KeySize is the length of a client secret key (AES-256).
	KeySize = 32

	// NonceSize is the length of a handshake nonce, one AES block.
	NonceSize = aes.BlockSize
)

var errBadPadding = errors.New("bad padding")

// CipherSession binds a secret key to a nonce. It computes and checks
// verifiers and protects payload fields with AES-256-CBC, PKCS#7 padding
// and base64 wire encoding. A session is owned by a single request and must
// not be shared.
type CipherSession struct {
	key   []byte
	nonce []byte
	block cipher.Block
}

// NewCipherSession creates a session for key and nonce. Both are copied.
func NewCipherSession(key, nonce []byte) (*CipherSession, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid key size: expected %d, got %d", KeySize, len(key))
	}
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("invalid nonce size: expected %d, got %d", NonceSize, len(nonce))
	}

	s := &CipherSession{
		key:   append([]byte(nil), key...),
		nonce: append([]byte(nil), nonce...),
	}
	block, err := aes.NewCipher(s.key)
	if err != nil {
		s.Destroy()
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	s.block = block
	return s, nil
}

// NewRandomCipherSession creates a session for key with a fresh random nonce.
func NewRandomCipherSession(key []byte) (*CipherSession, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	defer zeroBytes(nonce)
	return NewCipherSession(key, nonce)
}

// Nonce returns the base64 encoded nonce.
func (s *CipherSession) Nonce() string {
	return base64.StdEncoding.EncodeToString(s.nonce)
}

// ComputeVerifier encrypts the encoded nonce under the session key, using
// the nonce itself as IV.
func (s *CipherSession) ComputeVerifier() string {
	return s.EncryptField(s.Nonce())
}

// IsValid reports whether verifier matches the expected verifier for this
// session. The comparison is constant time.
func (s *CipherSession) IsValid(verifier string) bool {
	candidate, err := base64.StdEncoding.DecodeString(verifier)
	if err != nil {
		return false
	}
	expected := s.encrypt([]byte(s.Nonce()))
	return subtle.ConstantTimeCompare(expected, candidate) == 1
}

// EncryptField encrypts plaintext and returns it base64 encoded.
func (s *CipherSession) EncryptField(plaintext string) string {
	return base64.StdEncoding.EncodeToString(s.encrypt([]byte(plaintext)))
}

// DecryptField decodes and decrypts a base64 ciphertext produced by
// EncryptField under the same key and nonce.
func (s *CipherSession) DecryptField(ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("invalid ciphertext encoding: %w", err)
	}
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return "", fmt.Errorf("invalid ciphertext length %d", len(data))
	}

	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(s.block, s.nonce).CryptBlocks(out, data)

	plain, err := pkcs7Unpad(out)
	if err != nil {
		return "", fmt.Errorf("decryption failed: %w", err)
	}
	return string(plain), nil
}

// Destroy wipes the key and nonce. The session is unusable afterwards.
func (s *CipherSession) Destroy() {
	if s == nil {
		return
	}
	zeroBytes(s.key)
	zeroBytes(s.nonce)
	s.block = nil
}

func (s *CipherSession) encrypt(plaintext []byte) []byte {
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(s.block, s.nonce).CryptBlocks(out, padded)
	return out
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(append(make([]byte, 0, len(data)+n), data...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errBadPadding
	}
	n := int(data[len(data)-1])
	if n == 0 || n > aes.BlockSize || n > len(data) {
		return nil, errBadPadding
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, errBadPadding
		}
	}
	return data[:len(data)-n], nil
}

// zeroBytes overwrites b with zeros.
func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
