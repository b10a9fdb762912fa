package streamcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"zingrelay/internal/domain"
)

func TestLookupMissOnEmpty(t *testing.T) {
	cache := New(0)
	if _, ok := cache.Lookup("missing"); ok {
		t.Fatal("expected miss on empty cache")
	}
}

func TestStoreThenLookup(t *testing.T) {
	cache := New(10)
	now := time.Now()
	cache.Store("ZW6ABCDE", "https://cdn.example/a.mp3", "Song", "Artist", now)

	entry, ok := cache.Lookup("ZW6ABCDE")
	if !ok {
		t.Fatal("expected hit")
	}
	want := domain.StreamEntry{
		TrackID:    "ZW6ABCDE",
		StreamURL:  "https://cdn.example/a.mp3",
		Title:      "Song",
		Artist:     "Artist",
		ResolvedAt: now,
	}
	if entry != want {
		t.Fatalf("got %+v, want %+v", entry, want)
	}
	if !cache.IsFresh(entry, now) {
		t.Fatal("entry must be fresh immediately after store")
	}
}

func TestIsFreshBoundaryInclusive(t *testing.T) {
	cache := New(10)
	resolved := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	entry := cache.Store("id", "https://x", "", "", resolved)

	if !cache.IsFresh(entry, resolved.Add(1800*time.Second)) {
		t.Fatal("expected fresh at exactly 1800s")
	}
	if cache.IsFresh(entry, resolved.Add(1800*time.Second+time.Nanosecond)) {
		t.Fatal("expected stale just past 1800s")
	}
	if cache.IsFresh(domain.StreamEntry{}, resolved) {
		t.Fatal("zero entry must never be fresh")
	}
}

func TestStaleEntryIsStillReturned(t *testing.T) {
	cache := New(10)
	resolved := time.Now().Add(-2 * time.Hour)
	cache.Store("old", "https://x", "", "", resolved)

	entry, ok := cache.Lookup("old")
	if !ok {
		t.Fatal("stale entries must remain readable")
	}
	if cache.IsFresh(entry, time.Now()) {
		t.Fatal("expected stale entry")
	}
}

func TestStoreOverwrites(t *testing.T) {
	cache := New(10)
	first := time.Now()
	cache.Store("id", "https://old", "Old", "A", first)
	cache.Store("id", "https://new", "New", "B", first.Add(time.Minute))

	entry, _ := cache.Lookup("id")
	if entry.StreamURL != "https://new" || entry.Title != "New" {
		t.Fatalf("expected overwrite, got %+v", entry)
	}
	if cache.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", cache.Len())
	}
}

func TestCustomTTL(t *testing.T) {
	cache := New(10, WithTTL(time.Minute))
	now := time.Now()
	entry := cache.Store("id", "https://x", "", "", now)
	if cache.IsFresh(entry, now.Add(2*time.Minute)) {
		t.Fatal("expected stale with 1m ttl")
	}
	if cache.TTL() != time.Minute {
		t.Fatalf("TTL = %s", cache.TTL())
	}
}

func TestCapacityEvictsLeastRecentlyUsed(t *testing.T) {
	cache := New(2)
	now := time.Now()
	cache.Store("a", "https://a", "", "", now)
	cache.Store("b", "https://b", "", "", now)
	cache.Lookup("a")
	cache.Store("c", "https://c", "", "", now)

	if _, ok := cache.Lookup("b"); ok {
		t.Fatal("expected b evicted")
	}
	if _, ok := cache.Lookup("a"); !ok {
		t.Fatal("expected a retained")
	}
	if _, ok := cache.Lookup("c"); !ok {
		t.Fatal("expected c retained")
	}
}

func TestConcurrentStoresOnDistinctIDs(t *testing.T) {
	cache := New(1000)
	now := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				id := fmt.Sprintf("w%d-%d", i, j)
				cache.Store(id, "https://cdn/"+id, id, "artist", now)
				cache.Lookup(id)
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < 64; i++ {
		for j := 0; j < 10; j++ {
			id := fmt.Sprintf("w%d-%d", i, j)
			entry, ok := cache.Lookup(id)
			if !ok {
				t.Fatalf("missing %s", id)
			}
			if entry.StreamURL != "https://cdn/"+id || entry.Title != id {
				t.Fatalf("corrupt entry for %s: %+v", id, entry)
			}
		}
	}
}

type fakeBackend struct {
	mu      sync.Mutex
	items   map[string]domain.StreamEntry
	lastTTL time.Duration
	getErr  error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{items: make(map[string]domain.StreamEntry)}
}

func (f *fakeBackend) Get(_ context.Context, trackID string) (domain.StreamEntry, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return domain.StreamEntry{}, false, f.getErr
	}
	entry, ok := f.items[trackID]
	return entry, ok, nil
}

func (f *fakeBackend) Set(_ context.Context, entry domain.StreamEntry, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[entry.TrackID] = entry
	f.lastTTL = ttl
	return nil
}

func TestBackendMirrorsStores(t *testing.T) {
	backend := newFakeBackend()
	cache := New(10, WithBackend(backend))
	cache.Store("id", "https://x", "T", "A", time.Now())

	if _, ok := backend.items["id"]; !ok {
		t.Fatal("expected store mirrored to backend")
	}
	if backend.lastTTL != 2*DefaultTTL {
		t.Fatalf("backend ttl = %s", backend.lastTTL)
	}
}

func TestBackendFillsMemoryMiss(t *testing.T) {
	backend := newFakeBackend()
	backend.items["shared"] = domain.StreamEntry{TrackID: "shared", StreamURL: "https://s", ResolvedAt: time.Now()}
	cache := New(10, WithBackend(backend))

	entry, ok := cache.Lookup("shared")
	if !ok || entry.StreamURL != "https://s" {
		t.Fatalf("expected backend hit, got %+v ok=%v", entry, ok)
	}
	if cache.Len() != 1 {
		t.Fatal("expected backend hit to populate memory")
	}
}

func TestBackendErrorIsMiss(t *testing.T) {
	backend := newFakeBackend()
	backend.getErr = errors.New("connection refused")
	cache := New(10, WithBackend(backend))
	if _, ok := cache.Lookup("x"); ok {
		t.Fatal("backend failure must surface as a miss")
	}
}
