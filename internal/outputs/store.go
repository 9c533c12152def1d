// Package outputs persists finished artifacts and serves them back by ID.
package outputs

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned for unknown or expired outputs.
var ErrNotFound = errors.New("output not found")

// Object is one stored artifact.
type Object struct {
	MimeType string         `json:"mime_type"`
	Data     []byte         `json:"data"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Store keeps objects for a limited time.
type Store interface {
	Put(ctx context.Context, id string, obj Object, ttl time.Duration) error
	Get(ctx context.Context, id string) (Object, error)
}

type memoryEntry struct {
	obj     Object
	expires time.Time
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: map[string]memoryEntry{}, now: time.Now}
}

func (m *MemoryStore) Put(_ context.Context, id string, obj Object, ttl time.Duration) error {
	var exp time.Time
	if ttl > 0 {
		exp = m.now().Add(ttl)
	}
	m.mu.Lock()
	m.entries[id] = memoryEntry{obj: obj, expires: exp}
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return Object{}, ErrNotFound
	}
	if !e.expires.IsZero() && m.now().After(e.expires) {
		delete(m.entries, id)
		return Object{}, ErrNotFound
	}
	return e.obj, nil
}

// Prune drops expired entries and returns how many were removed.
func (m *MemoryStore) Prune() int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, e := range m.entries {
		if !e.expires.IsZero() && now.After(e.expires) {
			delete(m.entries, id)
			n++
		}
	}
	return n
}

// Len returns the number of stored entries, expired ones included.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
