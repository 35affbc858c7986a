package checkpoint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// BlobStore is the durable storage backend for checkpoint snapshots. The
// orchestrator is backend-agnostic: anything that can store and return bytes
// works. Put returns the SHA-256 of what was durably written, which the
// manager compares against the hash of what it intended to write.
type BlobStore interface {
	Put(ctx context.Context, location string, data []byte) (hash string, err error)
	Get(ctx context.Context, location string) ([]byte, error)
	Delete(ctx context.Context, location string) error
}

func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// fsStore stores snapshots on a local (or parallel) filesystem. Writes go to
// a temp file first and are renamed into place, so a partially written blob
// is never visible under its final location.
type fsStore struct {
	root string
}

func NewFSStore(root string) (BlobStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint root: %w", err)
	}
	return &fsStore{root: root}, nil
}

func (s *fsStore) path(location string) string {
	return filepath.Join(s.root, filepath.FromSlash(location))
}

func (s *fsStore) Put(ctx context.Context, location string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	target := s.path(location)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("create checkpoint dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".canopy-ckpt-")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("write snapshot: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("sync snapshot: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return "", fmt.Errorf("close snapshot: %w", err)
	}
	if err = os.Rename(tmp.Name(), target); err != nil {
		return "", fmt.Errorf("publish snapshot: %w", err)
	}
	return hashBytes(data), nil
}

func (s *fsStore) Get(ctx context.Context, location string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(location))
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return data, nil
}

func (s *fsStore) Delete(ctx context.Context, location string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(s.path(location)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}

// memStore keeps blobs in memory. Used in tests and available as a backend
// for ephemeral deployments.
type memStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemoryStore() BlobStore {
	return &memStore{blobs: make(map[string][]byte)}
}

func (s *memStore) Put(ctx context.Context, location string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	s.blobs[location] = append([]byte(nil), data...)
	s.mu.Unlock()
	return hashBytes(data), nil
}

func (s *memStore) Get(ctx context.Context, location string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[location]
	if !ok {
		return nil, fmt.Errorf("no blob at %q", location)
	}
	return append([]byte(nil), data...), nil
}

func (s *memStore) Delete(ctx context.Context, location string) error {
	s.mu.Lock()
	delete(s.blobs, location)
	s.mu.Unlock()
	return nil
}
