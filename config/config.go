// Package config loads the kphttpd configuration file.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/thialfihar/python-keepass-httpd/sealing"
)

// DefaultPath is where kphttpd and kpctl look for their configuration.
const DefaultPath = "/etc/kphttp/kphttpd.yaml"

// Storage backends.
const (
	BackendSQLite   = "sqlite"
	BackendDynamoDB = "dynamodb"
	BackendMemory   = "memory"
)

// Config holds the server configuration
type Config struct {
	// DevMode relaxes process hardening and enables debug logging
	DevMode bool `yaml:"dev_mode"`

	HTTP    HTTPConfig     `yaml:"http"`
	NATS    NATSConfig     `yaml:"nats"`
	Storage StorageConfig  `yaml:"storage"`
	Sealing sealing.Config `yaml:"sealing"`
	Backup  BackupConfig   `yaml:"backup"`
	Policy  PolicyConfig   `yaml:"policy"`
}

// HTTPConfig holds the HTTP listener settings. A non-zero VsockPort
// listens on vsock instead of Address.
type HTTPConfig struct {
	Address   string `yaml:"address"`
	VsockPort uint32 `yaml:"vsock_port"`
}

// NATSConfig holds NATS connection settings. An empty URL disables the
// NATS transport.
type NATSConfig struct {
	URL             string `yaml:"url"`
	Subject         string `yaml:"subject"`
	CredentialsFile string `yaml:"credentials_file"`
	ReconnectWait   int    `yaml:"reconnect_wait_ms"`
	MaxReconnects   int    `yaml:"max_reconnects"`
}

// StorageConfig selects the credential backend. The lookup cache only
// fronts the dynamodb backend; CacheTTLSeconds bounds how long a key
// removed or replaced by another process keeps authenticating.
type StorageConfig struct {
	Backend         string `yaml:"backend"`
	Path            string `yaml:"path"`
	CacheSize       int    `yaml:"cache_size"`
	CacheTTLSeconds int    `yaml:"cache_ttl_seconds"`
	DynamoTable     string `yaml:"dynamo_table"`
	Region          string `yaml:"region"`
}

// BackupConfig holds S3 backup settings. An empty Bucket disables backups.
type BackupConfig struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	KeyPrefix       string `yaml:"key_prefix"`
	IntervalMinutes int    `yaml:"interval_minutes"`
}

// PolicyConfig controls which operations are allowed.
type PolicyConfig struct {
	AllowAssociate bool `yaml:"allow_associate"`
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		DevMode: false,
		HTTP: HTTPConfig{
			Address: "127.0.0.1:19455",
		},
		NATS: NATSConfig{
			Subject:       "kphttp.requests",
			ReconnectWait: 2000,
			MaxReconnects: -1, // Unlimited
		},
		Storage: StorageConfig{
			Backend:         BackendSQLite,
			Path:            "/var/lib/kphttp/credentials.db",
			CacheSize:       256,
			CacheTTLSeconds: 30,
		},
		Sealing: sealing.Config{
			PassphraseEnv: "KPHTTP_PASSPHRASE",
			Argon2:        sealing.DefaultArgon2Params(),
		},
		Backup: BackupConfig{
			KeyPrefix:       "kphttp/",
			IntervalMinutes: 60,
		},
		Policy: PolicyConfig{
			AllowAssociate: true,
		},
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.HTTP.Address == "" && c.HTTP.VsockPort == 0 {
		return errors.New("http.address or http.vsock_port is required")
	}

	switch c.Storage.Backend {
	case BackendSQLite, BackendMemory:
	case BackendDynamoDB:
		if c.Storage.DynamoTable == "" {
			return errors.New("storage.dynamo_table is required for the dynamodb backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Storage.Backend != BackendMemory && c.Storage.Path == "" {
		return errors.New("storage.path is required")
	}
	if c.Storage.CacheSize < 0 {
		return errors.New("storage.cache_size must not be negative")
	}
	if c.Storage.CacheTTLSeconds < 0 {
		return errors.New("storage.cache_ttl_seconds must not be negative")
	}

	if c.Sealing.EncryptedDEKFile != "" && c.Sealing.KMSKeyID == "" {
		return errors.New("sealing.kms_key_id is required with sealing.encrypted_dek_file")
	}
	if c.Sealing.EncryptedDEKFile == "" && c.Sealing.Salt == "" {
		return errors.New("sealing.salt is required for passphrase sealing")
	}

	if c.NATS.URL != "" && c.NATS.Subject == "" {
		return errors.New("nats.subject is required when nats.url is set")
	}
	if c.Backup.Bucket != "" {
		if c.Storage.Backend != BackendSQLite {
			return errors.New("backups require the sqlite backend")
		}
		if c.Backup.IntervalMinutes < 0 {
			return errors.New("backup.interval_minutes must not be negative")
		}
	}
	return nil
}
