package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kphttpd.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.HTTP.Address != "127.0.0.1:19455" {
		t.Errorf("Expected default address, got %q", cfg.HTTP.Address)
	}
	if cfg.Storage.Backend != BackendSQLite {
		t.Errorf("Expected sqlite backend, got %q", cfg.Storage.Backend)
	}
	if !cfg.Policy.AllowAssociate {
		t.Error("Expected associate to be allowed by default")
	}
}

func TestLoadConfig_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
dev_mode: true
http:
  address: 0.0.0.0:8080
storage:
  backend: dynamodb
  dynamo_table: kphttp-credentials
sealing:
  salt: c2FsdHNhbHRzYWx0c2FsdA==
policy:
  allow_associate: false
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if !cfg.DevMode {
		t.Error("Expected dev_mode true")
	}
	if cfg.HTTP.Address != "0.0.0.0:8080" {
		t.Errorf("Address = %q", cfg.HTTP.Address)
	}
	if cfg.Storage.DynamoTable != "kphttp-credentials" {
		t.Errorf("DynamoTable = %q", cfg.Storage.DynamoTable)
	}
	if cfg.Policy.AllowAssociate {
		t.Error("Expected allow_associate false")
	}
	// Unset fields keep their defaults.
	if cfg.Storage.CacheSize != 256 {
		t.Errorf("CacheSize = %d, want default 256", cfg.Storage.CacheSize)
	}
	if cfg.Storage.CacheTTLSeconds != 30 {
		t.Errorf("CacheTTLSeconds = %d, want default 30", cfg.Storage.CacheTTLSeconds)
	}
	if cfg.Sealing.Argon2.Time != 3 {
		t.Errorf("Argon2 time = %d, want default 3", cfg.Sealing.Argon2.Time)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate failed: %v", err)
	}
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	if _, err := LoadConfig(writeConfig(t, "http: [unterminated")); err == nil {
		t.Error("Expected parse error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		errSub string
	}{
		{"valid", func(c *Config) {}, ""},
		{"no listener", func(c *Config) { c.HTTP.Address = "" }, "http.address"},
		{"vsock only", func(c *Config) { c.HTTP.Address = ""; c.HTTP.VsockPort = 5005 }, ""},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "redis" }, "unknown storage backend"},
		{"dynamo without table", func(c *Config) { c.Storage.Backend = BackendDynamoDB }, "dynamo_table"},
		{"no path", func(c *Config) { c.Storage.Path = "" }, "storage.path"},
		{"negative cache", func(c *Config) { c.Storage.CacheSize = -1 }, "cache_size"},
		{"negative cache ttl", func(c *Config) { c.Storage.CacheTTLSeconds = -1 }, "cache_ttl_seconds"},
		{"dek file without kms key", func(c *Config) { c.Sealing.EncryptedDEKFile = "/etc/kphttp/dek.bin" }, "kms_key_id"},
		{"no salt", func(c *Config) { c.Sealing.Salt = "" }, "salt"},
		{"dek file needs no salt", func(c *Config) {
			c.Sealing.Salt = ""
			c.Sealing.EncryptedDEKFile = "/etc/kphttp/dek.bin"
			c.Sealing.KMSKeyID = "alias/kphttp"
		}, ""},
		{"backup with dynamodb", func(c *Config) {
			c.Backup.Bucket = "kp-backups"
			c.Storage.Backend = BackendDynamoDB
			c.Storage.DynamoTable = "creds"
		}, "sqlite backend"},
		{"memory needs no path", func(c *Config) { c.Storage.Backend = BackendMemory; c.Storage.Path = "" }, ""},
		{"nats without subject", func(c *Config) { c.NATS.URL = "nats://localhost:4222"; c.NATS.Subject = "" }, "nats.subject"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Sealing.Salt = "c2FsdHNhbHRzYWx0c2FsdA=="
			tt.modify(cfg)

			err := cfg.Validate()
			if tt.errSub == "" {
				if err != nil {
					t.Errorf("Unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.errSub) {
				t.Errorf("Expected error containing %q, got %v", tt.errSub, err)
			}
		})
	}
}
