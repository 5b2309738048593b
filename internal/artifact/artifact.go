// Package artifact stores cast outputs under content-addressed keys.
package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
)

// ErrNotFound is returned when no artifact exists under the given key.
var ErrNotFound = errors.New("artifact not found")

// Store persists opaque artifact blobs.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// Key derives the storage key for a cast's output. The digest makes the
// key content-addressed so re-runs with identical output land on the
// same object.
func Key(castID string, data []byte) string {
	sum := sha256.Sum256(data)
	return fmt.Sprintf("casts/%s/%s.bin", castID, hex.EncodeToString(sum[:8]))
}

func sanitizeKey(key string) string {
	key = path.Clean(key)
	key = strings.TrimPrefix(key, "/")
	key = strings.TrimPrefix(key, "./")
	return key
}

// Memory is an in-process Store for tests and single-node deployments.
type Memory struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{blobs: make(map[string][]byte)}
}

func (m *Memory) Put(_ context.Context, key string, data []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	m.blobs[sanitizeKey(key)] = cp
	return nil
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blobs[sanitizeKey(key)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

// Len reports the number of stored blobs.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}
