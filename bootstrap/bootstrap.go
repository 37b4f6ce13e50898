// Package bootstrap opens the DEK and the credential and login stores
// selected by a config.Config. It is shared by kphttpd and kpctl.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/rs/zerolog/log"

	"github.com/thialfihar/python-keepass-httpd/auth"
	"github.com/thialfihar/python-keepass-httpd/backup"
	"github.com/thialfihar/python-keepass-httpd/config"
	"github.com/thialfihar/python-keepass-httpd/sealing"
	"github.com/thialfihar/python-keepass-httpd/storage"
)

// backupMACInfo is the HKDF info string for the snapshot MAC key.
const backupMACInfo = "kphttp backup mac v1"

// Registry is a credential backend that can also remove clients.
type Registry interface {
	auth.CredentialStore
	Delete(ctx context.Context, id string) error
}

// Lister is implemented by backends that can enumerate client IDs.
type Lister interface {
	ListClients(ctx context.Context) ([]string, error)
}

// Stores holds everything opened from the configuration.
type Stores struct {
	// Credentials is what authenticators look keys up in. It is the
	// registry, wrapped in an expiring LRU cache for the dynamodb backend.
	Credentials auth.CredentialStore

	// Registry is the uncached credential backend.
	Registry Registry

	// SQLite holds login entries, and credentials for the sqlite backend.
	SQLite *storage.SQLiteStore

	dek   []byte
	cache *storage.CachedStore
}

// DEK returns the data encryption key the stores were opened with.
func (s *Stores) DEK() []byte {
	return s.dek
}

// Close releases the stores and wipes the DEK.
func (s *Stores) Close() error {
	if s.cache != nil {
		s.cache.Close()
	}
	var err error
	if s.SQLite != nil {
		err = s.SQLite.Close()
	}
	sealing.Zero(s.dek)
	return err
}

// AWSConfig loads the default AWS configuration for region.
func AWSConfig(ctx context.Context, region string) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return awsCfg, nil
}

// LoadDEK resolves the DEK, creating AWS clients only for the sources
// the sealing config selects.
func LoadDEK(ctx context.Context, cfg sealing.Config) ([]byte, error) {
	var loader sealing.Loader

	if cfg.EncryptedDEKFile != "" || cfg.SecretID != "" {
		awsCfg, err := AWSConfig(ctx, cfg.Region)
		if err != nil {
			return nil, err
		}
		if cfg.EncryptedDEKFile != "" {
			loader.Unsealer = sealing.NewKMSClient(kms.NewFromConfig(awsCfg), cfg.KMSKeyID)
		} else {
			loader.Secrets = sealing.NewSecretsManagerSource(secretsmanager.NewFromConfig(awsCfg))
		}
	}
	return loader.Load(ctx, cfg)
}

// Open loads the DEK and opens the configured stores.
func Open(ctx context.Context, cfg *config.Config) (*Stores, error) {
	dek, err := LoadDEK(ctx, cfg.Sealing)
	if err != nil {
		return nil, err
	}

	stores, err := OpenWithDEK(ctx, cfg, dek)
	if err != nil {
		sealing.Zero(dek)
		return nil, err
	}
	return stores, nil
}

// OpenWithDEK opens the configured stores with an already loaded DEK.
// The returned Stores takes ownership of dek.
func OpenWithDEK(ctx context.Context, cfg *config.Config, dek []byte) (*Stores, error) {
	path := cfg.Storage.Path
	if cfg.Storage.Backend == config.BackendMemory {
		path = ":memory:"
	}
	sqlite, err := storage.OpenSQLite(path, dek)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	s := &Stores{SQLite: sqlite, dek: dek}

	switch cfg.Storage.Backend {
	case config.BackendSQLite:
		s.Registry = sqlite
	case config.BackendMemory:
		s.Registry = storage.NewMemoryStore()
	case config.BackendDynamoDB:
		awsCfg, err := AWSConfig(ctx, cfg.Storage.Region)
		if err != nil {
			sqlite.Close()
			return nil, err
		}
		dyn, err := storage.NewDynamoStore(dynamodb.NewFromConfig(awsCfg), cfg.Storage.DynamoTable, dek)
		if err != nil {
			sqlite.Close()
			return nil, err
		}
		s.Registry = dyn
	default:
		sqlite.Close()
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}

	// Local backends are read directly, so a client removed or re-keyed
	// by kpctl is seen on the next request.
	s.Credentials = s.Registry
	if cfg.Storage.Backend == config.BackendDynamoDB && cfg.Storage.CacheSize > 0 {
		ttl := time.Duration(cfg.Storage.CacheTTLSeconds) * time.Second
		s.cache = storage.NewCachedStore(s.Registry, cfg.Storage.CacheSize, ttl)
		s.Credentials = s.cache
	}

	log.Info().
		Str("backend", cfg.Storage.Backend).
		Bool("cached", s.cache != nil).
		Msg("Credential storage opened")
	return s, nil
}

// RemoveClient deletes a client from the registry and drops any cached key.
func (s *Stores) RemoveClient(ctx context.Context, id string) error {
	if err := s.Registry.Delete(ctx, id); err != nil {
		return err
	}
	if s.cache != nil {
		s.cache.Invalidate(id)
	}
	return nil
}

// ListClients returns the registered client IDs if the backend supports it.
func (s *Stores) ListClients(ctx context.Context) ([]string, error) {
	lister, ok := s.Registry.(Lister)
	if !ok {
		return nil, errors.New("the configured backend cannot list clients")
	}
	return lister.ListClients(ctx)
}

// BackupManager returns a manager over the SQLite credentials and the
// configured S3 bucket, or nil if backups are disabled.
func BackupManager(ctx context.Context, cfg *config.Config, s *Stores) (*backup.Manager, error) {
	if cfg.Backup.Bucket == "" {
		return nil, nil
	}
	awsCfg, err := AWSConfig(ctx, cfg.Backup.Region)
	if err != nil {
		return nil, err
	}
	return NewBackupManager(s, backup.NewS3Store(s3.NewFromConfig(awsCfg), cfg.Backup.Bucket), cfg.Backup.KeyPrefix)
}

// NewBackupManager builds a manager writing to objects, keyed by a MAC
// key derived from the stores' DEK.
func NewBackupManager(s *Stores, objects backup.ObjectStore, prefix string) (*backup.Manager, error) {
	macKey, err := sealing.DeriveSubkey(s.dek, backupMACInfo)
	if err != nil {
		return nil, err
	}
	defer sealing.Zero(macKey)
	return backup.NewManager(s.SQLite, objects, prefix, macKey), nil
}
