// Package sealing loads the data encryption key (DEK) that seals client
// keys and passwords at rest. The DEK comes from one of three sources:
// a KMS-encrypted blob on disk, a passphrase held in Secrets Manager, or
// a passphrase in the environment. Passphrases are stretched with Argon2id.
package sealing

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

// DEKSize is the length of the data encryption key.
const DEKSize = 32

// Argon2Params configures passphrase stretching.
type Argon2Params struct {
	Time    uint32 `yaml:"time"`
	Memory  uint32 `yaml:"memory_kib"`
	Threads uint8  `yaml:"threads"`
}

// DefaultArgon2Params returns the production Argon2id parameters.
func DefaultArgon2Params() Argon2Params {
	return Argon2Params{
		Time:    3,
		Memory:  262144, // 256 MB
		Threads: 4,
	}
}

// Config selects the DEK source. The first configured source wins, in the
// order EncryptedDEKFile, SecretID, PassphraseEnv.
type Config struct {
	// EncryptedDEKFile holds a DEK encrypted under KMSKeyID.
	EncryptedDEKFile string `yaml:"encrypted_dek_file"`
	KMSKeyID         string `yaml:"kms_key_id"`

	// SecretID names a Secrets Manager secret whose string value is the passphrase.
	SecretID string `yaml:"secret_id"`

	// PassphraseEnv names an environment variable holding the passphrase.
	PassphraseEnv string `yaml:"passphrase_env"`

	// Salt is the base64 Argon2id salt used for passphrase sources.
	Salt   string       `yaml:"salt"`
	Argon2 Argon2Params `yaml:"argon2"`

	Region string `yaml:"region"`
}

// Unsealer decrypts a KMS-encrypted DEK.
type Unsealer interface {
	Unseal(ctx context.Context, ciphertext []byte) ([]byte, error)
}

// SecretSource fetches a passphrase by secret ID.
type SecretSource interface {
	GetSecret(ctx context.Context, secretID string) (string, error)
}

// Loader resolves the DEK from Config. Unsealer and Secrets are only
// consulted when the config selects them.
type Loader struct {
	Unsealer Unsealer
	Secrets  SecretSource
}

// Load returns the DEK selected by cfg.
func (l *Loader) Load(ctx context.Context, cfg Config) ([]byte, error) {
	switch {
	case cfg.EncryptedDEKFile != "":
		if l.Unsealer == nil {
			return nil, fmt.Errorf("encrypted DEK configured but no KMS unsealer available")
		}
		blob, err := os.ReadFile(cfg.EncryptedDEKFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read encrypted DEK: %w", err)
		}
		dek, err := l.Unsealer.Unseal(ctx, blob)
		if err != nil {
			return nil, fmt.Errorf("failed to unseal DEK: %w", err)
		}
		if len(dek) != DEKSize {
			Zero(dek)
			return nil, fmt.Errorf("unsealed DEK has %d bytes, want %d", len(dek), DEKSize)
		}
		log.Info().Str("file", cfg.EncryptedDEKFile).Msg("DEK unsealed with KMS")
		return dek, nil

	case cfg.SecretID != "":
		if l.Secrets == nil {
			return nil, fmt.Errorf("secret ID configured but no secret source available")
		}
		passphrase, err := l.Secrets.GetSecret(ctx, cfg.SecretID)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch passphrase: %w", err)
		}
		log.Info().Str("secret_id", cfg.SecretID).Msg("DEK derived from Secrets Manager passphrase")
		return derive([]byte(passphrase), cfg)

	case cfg.PassphraseEnv != "":
		passphrase := os.Getenv(cfg.PassphraseEnv)
		if passphrase == "" {
			return nil, fmt.Errorf("environment variable %s is empty", cfg.PassphraseEnv)
		}
		log.Info().Str("env", cfg.PassphraseEnv).Msg("DEK derived from environment passphrase")
		return derive([]byte(passphrase), cfg)

	default:
		return nil, fmt.Errorf("no DEK source configured")
	}
}

func derive(passphrase []byte, cfg Config) ([]byte, error) {
	defer Zero(passphrase)

	salt, err := base64.StdEncoding.DecodeString(strings.TrimSpace(cfg.Salt))
	if err != nil {
		return nil, fmt.Errorf("invalid salt encoding: %w", err)
	}
	if len(salt) < 16 {
		return nil, fmt.Errorf("salt must be at least 16 bytes, got %d", len(salt))
	}

	params := cfg.Argon2
	if params.Time == 0 || params.Memory == 0 || params.Threads == 0 {
		params = DefaultArgon2Params()
	}
	return DeriveDEK(passphrase, salt, params), nil
}

// DeriveDEK stretches a passphrase into a DEK with Argon2id.
func DeriveDEK(passphrase, salt []byte, p Argon2Params) []byte {
	return argon2.IDKey(passphrase, salt, p.Time, p.Memory, p.Threads, DEKSize)
}

// DeriveSubkey derives an independent key from the DEK for purpose info.
func DeriveSubkey(dek []byte, info string) ([]byte, error) {
	r := hkdf.New(sha256.New, dek, nil, []byte(info))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("HKDF expand failed: %w", err)
	}
	return key, nil
}

// Zero overwrites b with zeros.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
