package media

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

type memIndex struct {
	mu   sync.Mutex
	recs map[string]Record
}

func newMemIndex() *memIndex {
	return &memIndex{recs: make(map[string]Record)}
}

func (m *memIndex) Find(_ context.Context, hash, owner string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[hash+"|"+owner]
	if !ok {
		return "", false, nil
	}
	return rec.StoragePath, true, nil
}

func (m *memIndex) Insert(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[rec.ContentHash+"|"+rec.OwnerSessionID] = rec
	return nil
}

func TestPutStoresImageUnderImagesDir(t *testing.T) {
	store := NewStore(t.TempDir(), newMemIndex())

	path, err := store.Put(context.Background(), "session-a", []byte("jpeg bytes"), ".jpg")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if filepath.Dir(path) != "images" {
		t.Fatalf("expected images dir, got %q", path)
	}
	data, err := os.ReadFile(filepath.Join(store.Root(), filepath.FromSlash(path)))
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(data) != "jpeg bytes" {
		t.Fatalf("content mismatch: %q", data)
	}
}

func TestPutStoresAudioUnderAudiosDir(t *testing.T) {
	store := NewStore(t.TempDir(), newMemIndex())

	path, err := store.Put(context.Background(), "session-a", []byte("ogg bytes"), ".ogg")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if filepath.Dir(path) != "audios" {
		t.Fatalf("expected audios dir, got %q", path)
	}
}

func TestPutDeduplicatesPerOwner(t *testing.T) {
	store := NewStore(t.TempDir(), newMemIndex())
	ctx := context.Background()

	first, err := store.Put(ctx, "session-a", []byte("same bytes"), ".jpg")
	if err != nil {
		t.Fatalf("first Put: %v", err)
	}
	second, err := store.Put(ctx, "session-a", []byte("same bytes"), ".jpg")
	if err != nil {
		t.Fatalf("second Put: %v", err)
	}
	if first != second {
		t.Fatalf("expected identical path, got %q and %q", first, second)
	}

	entries, err := os.ReadDir(filepath.Join(store.Root(), "images"))
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one file, got %d", len(entries))
	}
}

func TestPutDistinctOwnersShareContentPath(t *testing.T) {
	store := NewStore(t.TempDir(), newMemIndex())
	ctx := context.Background()

	a, err := store.Put(ctx, "session-a", []byte("shared"), ".jpg")
	if err != nil {
		t.Fatalf("Put a: %v", err)
	}
	b, err := store.Put(ctx, "session-b", []byte("shared"), ".jpg")
	if err != nil {
		t.Fatalf("Put b: %v", err)
	}
	if a != b {
		t.Fatalf("same content should map to one path, got %q and %q", a, b)
	}
}

func TestPutConcurrentSameKeyWritesOnce(t *testing.T) {
	store := NewStore(t.TempDir(), newMemIndex())
	ctx := context.Background()

	var wg sync.WaitGroup
	paths := make([]string, 16)
	for i := range paths {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			path, err := store.Put(ctx, "session-a", []byte("race bytes"), ".jpg")
			if err != nil {
				t.Errorf("Put: %v", err)
				return
			}
			paths[i] = path
		}(i)
	}
	wg.Wait()

	for _, p := range paths[1:] {
		if p != paths[0] {
			t.Fatalf("divergent paths: %q vs %q", paths[0], p)
		}
	}
	entries, err := os.ReadDir(filepath.Join(store.Root(), "images"))
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one file, got %d", len(entries))
	}
}
