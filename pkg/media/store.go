// Package media implements content-addressed storage for downloaded media.
// A blob lives at a path derived from the SHA-1 of its bytes; a second
// arrival of identical content for the same owner reuses the existing path.
package media

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gdbrns/go-whatsapp-session-bridge/pkg/metrics"
)

// Record is one deduplication entry. Never mutated, never deleted here;
// retention is an external policy.
type Record struct {
	ContentHash    string
	OwnerSessionID string
	StoragePath    string
	CreatedAt      time.Time
}

// Index is the lookup table backing the dedup check, keyed by
// (content hash, owner session id).
type Index interface {
	Find(ctx context.Context, hash string, owner string) (string, bool, error)
	Insert(ctx context.Context, rec Record) error
}

// Store writes media blobs under a root directory and records them in an
// Index. The check-then-write sequence is atomic per (hash, owner) key.
type Store struct {
	root  string
	index Index

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore builds a store rooted at dir.
func NewStore(dir string, index Index) *Store {
	return &Store{
		root:  dir,
		index: index,
		locks: make(map[string]*sync.Mutex),
	}
}

// Put stores data for owner and returns the relative storage path. Identical
// bytes for the same owner return the previously recorded path without
// writing again.
func (s *Store) Put(ctx context.Context, owner string, data []byte, ext string) (string, error) {
	sum := sha1.Sum(data)
	hash := hex.EncodeToString(sum[:])

	lock := s.keyLock(hash + "|" + owner)
	lock.Lock()
	defer lock.Unlock()

	if path, ok, err := s.index.Find(ctx, hash, owner); err != nil {
		return "", fmt.Errorf("media index lookup: %w", err)
	} else if ok {
		metrics.MediaDeduplicated.Inc()
		return path, nil
	}

	rel := filepath.ToSlash(filepath.Join(dirFor(ext), hash+normalizeExt(ext)))
	abs := filepath.Join(s.root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", fmt.Errorf("create media dir: %w", err)
	}
	if err := os.WriteFile(abs, data, 0o644); err != nil {
		return "", fmt.Errorf("write media file: %w", err)
	}

	rec := Record{
		ContentHash:    hash,
		OwnerSessionID: owner,
		StoragePath:    rel,
		CreatedAt:      time.Now(),
	}
	if err := s.index.Insert(ctx, rec); err != nil {
		return "", fmt.Errorf("media index insert: %w", err)
	}
	metrics.MediaStored.Inc()
	return rel, nil
}

// Root returns the storage root directory.
func (s *Store) Root() string {
	return s.root
}

func (s *Store) keyLock(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[key] = lock
	}
	return lock
}

func dirFor(ext string) string {
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "ogg", "mp3", "m4a", "opus", "aac":
		return "audios"
	default:
		return "images"
	}
}

func normalizeExt(ext string) string {
	ext = strings.TrimSpace(strings.ToLower(ext))
	if ext == "" {
		return ".bin"
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}
