package storage

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestLRUCache_Eviction(t *testing.T) {
	c := NewLRUCache(2, 0)
	c.Put("a", []byte("1"))
	c.Put("b", []byte("2"))
	c.Get("a")
	c.Put("c", []byte("3"))

	if _, ok := c.Get("b"); ok {
		t.Error("Expected b to be evicted")
	}
	if v, ok := c.Get("a"); !ok || string(v) != "1" {
		t.Error("Expected a to survive")
	}
	if c.Len() != 2 {
		t.Errorf("Len = %d, want 2", c.Len())
	}
}

func TestLRUCache_CopiesValues(t *testing.T) {
	c := NewLRUCache(4, 0)
	v := []byte("secret")
	c.Put("k", v)
	v[0] = 'X'

	got, _ := c.Get("k")
	if string(got) != "secret" {
		t.Errorf("Cache aliased caller slice: %q", got)
	}
	got[0] = 'Y'
	again, _ := c.Get("k")
	if string(again) != "secret" {
		t.Errorf("Cache returned aliased slice: %q", again)
	}
}

func TestLRUCache_ClearWipes(t *testing.T) {
	c := NewLRUCache(4, 0)
	c.Put("k", []byte("secret"))
	entry := c.items["k"].Value.(*cacheEntry)
	c.Clear()

	if !bytes.Equal(entry.value, make([]byte, 6)) {
		t.Error("Clear did not wipe the value")
	}
	if c.Len() != 0 {
		t.Error("Clear left entries")
	}
}

// countingBackend counts backend lookups.
type countingBackend struct {
	*MemoryStore
	lookups  int
	storeErr error
}

func (b *countingBackend) Lookup(ctx context.Context, id string) ([]byte, bool, error) {
	b.lookups++
	return b.MemoryStore.Lookup(ctx, id)
}

func (b *countingBackend) Store(ctx context.Context, id string, key []byte) error {
	if b.storeErr != nil {
		return b.storeErr
	}
	return b.MemoryStore.Store(ctx, id, key)
}

func TestCachedStore(t *testing.T) {
	ctx := context.Background()
	backend := &countingBackend{MemoryStore: NewMemoryStore()}
	cs := NewCachedStore(backend, 8, 0)

	if _, found, _ := cs.Lookup(ctx, "alice"); found {
		t.Fatal("Unknown client found")
	}
	if err := backend.MemoryStore.Store(ctx, "alice", []byte("k1")); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	// Misses are not cached.
	if _, found, _ := cs.Lookup(ctx, "alice"); !found {
		t.Fatal("Client registered behind the cache not found")
	}
	cs.Lookup(ctx, "alice")
	if backend.lookups != 2 {
		t.Errorf("Backend lookups = %d, want 2", backend.lookups)
	}

	if err := cs.Store(ctx, "alice", []byte("k2")); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if v, _, _ := cs.Lookup(ctx, "alice"); string(v) != "k2" {
		t.Errorf("Cached value = %q, want k2", v)
	}

	backend.storeErr = errors.New("backend down")
	if err := cs.Store(ctx, "alice", []byte("k3")); err == nil {
		t.Fatal("Expected store error")
	}
	before := backend.lookups
	if v, _, _ := cs.Lookup(ctx, "alice"); string(v) != "k2" {
		t.Errorf("After failed store got %q, want backend value k2", v)
	}
	if backend.lookups != before+1 {
		t.Error("Failed store should invalidate the cache entry")
	}
}

func TestLRUCache_Expiry(t *testing.T) {
	now := time.Unix(1700000000, 0)
	c := NewLRUCache(4, time.Minute)
	c.now = func() time.Time { return now }

	c.Put("k", []byte("secret"))
	entry := c.items["k"].Value.(*cacheEntry)

	now = now.Add(59 * time.Second)
	if _, ok := c.Get("k"); !ok {
		t.Fatal("Entry expired early")
	}

	now = now.Add(time.Second)
	if _, ok := c.Get("k"); ok {
		t.Fatal("Expired entry returned")
	}
	if c.Len() != 0 {
		t.Errorf("Len = %d, want 0", c.Len())
	}
	if !bytes.Equal(entry.value, make([]byte, 6)) {
		t.Error("Expired value was not wiped")
	}
}

func TestCachedStore_SeesRemovalByAnotherProcess(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "credentials.db")
	dek := testDEK(t)

	server, err := OpenSQLite(path, dek)
	if err != nil {
		t.Fatalf("Failed to open storage: %v", err)
	}
	defer server.Close()
	admin, err := OpenSQLite(path, dek)
	if err != nil {
		t.Fatalf("Failed to open second store: %v", err)
	}
	defer admin.Close()

	if err := server.Store(ctx, "alice", bytes.Repeat([]byte{1}, 32)); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	now := time.Unix(1700000000, 0)
	cs := NewCachedStore(server, 8, 30*time.Second)
	cs.cache.now = func() time.Time { return now }
	if _, found, err := cs.Lookup(ctx, "alice"); err != nil || !found {
		t.Fatalf("Lookup: found=%v err=%v", found, err)
	}

	if err := admin.Delete(ctx, "alice"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, found, _ := server.Lookup(ctx, "alice"); found {
		t.Fatal("Backend still has alice after delete")
	}

	now = now.Add(30 * time.Second)
	if _, found, err := cs.Lookup(ctx, "alice"); err != nil || found {
		t.Errorf("Removed client still served from cache: found=%v err=%v", found, err)
	}
}
