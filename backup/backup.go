package backup

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thialfihar/python-keepass-httpd/storage"
)

// Source is a credential store that can export and import sealed credentials.
type Source interface {
	ExportSealed(ctx context.Context) ([]storage.SealedCredential, error)
	ImportSealed(ctx context.Context, creds []storage.SealedCredential) error
}

// ObjectStore persists snapshot blobs.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

// Manager creates and restores snapshots.
type Manager struct {
	source  Source
	objects ObjectStore
	prefix  string
	macKey  []byte
	now     func() time.Time
}

// NewManager creates a backup manager. Objects are written under prefix.
func NewManager(source Source, objects ObjectStore, prefix string, macKey []byte) *Manager {
	return &Manager{
		source:  source,
		objects: objects,
		prefix:  prefix,
		macKey:  append([]byte(nil), macKey...),
		now:     time.Now,
	}
}

// Create writes a snapshot of the store and returns its object key.
func (m *Manager) Create(ctx context.Context) (string, error) {
	creds, err := m.source.ExportSealed(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to export credentials: %w", err)
	}

	now := m.now().UTC()
	data, err := Encode(&Snapshot{
		Version:     SnapshotVersion,
		CreatedAt:   now.Unix(),
		Credentials: creds,
	}, m.macKey)
	if err != nil {
		return "", err
	}

	key := m.prefix + now.Format("20060102T150405.000000000Z") + ".cbor"
	if err := m.objects.Put(ctx, key, data); err != nil {
		return "", fmt.Errorf("failed to upload snapshot: %w", err)
	}

	log.Info().
		Str("key", key).
		Int("credentials", len(creds)).
		Int("size", len(data)).
		Msg("Backup created")
	return key, nil
}

// Latest returns the key of the newest snapshot, or "" if there is none.
func (m *Manager) Latest(ctx context.Context) (string, error) {
	keys, err := m.objects.List(ctx, m.prefix)
	if err != nil {
		return "", err
	}
	if len(keys) == 0 {
		return "", nil
	}
	sort.Strings(keys)
	return keys[len(keys)-1], nil
}

// Restore imports the snapshot at key, or the newest one if key is empty.
// It returns the number of credentials restored.
func (m *Manager) Restore(ctx context.Context, key string) (int, error) {
	if key == "" {
		latest, err := m.Latest(ctx)
		if err != nil {
			return 0, fmt.Errorf("failed to find latest snapshot: %w", err)
		}
		if latest == "" {
			return 0, fmt.Errorf("no snapshots under %q", m.prefix)
		}
		key = latest
	}

	data, err := m.objects.Get(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("failed to download snapshot: %w", err)
	}
	snap, err := Decode(data, m.macKey)
	if err != nil {
		return 0, fmt.Errorf("snapshot %s: %w", key, err)
	}
	if err := m.source.ImportSealed(ctx, snap.Credentials); err != nil {
		return 0, fmt.Errorf("failed to import snapshot %s: %w", key, err)
	}

	log.Info().
		Str("key", key).
		Int("credentials", len(snap.Credentials)).
		Msg("Backup restored")
	return len(snap.Credentials), nil
}

// Run creates a snapshot every interval until ctx is cancelled. Failures
// are logged and retried at the next tick.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Create(ctx); err != nil {
				log.Error().Err(err).Msg("Periodic backup failed")
			}
		}
	}
}
