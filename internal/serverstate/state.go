// Package serverstate tracks readiness and draining of the server and reports
// host load for status readers.
package serverstate

import "sync/atomic"

// Server states.
const (
	StateNotReady = "not_ready"
	StateReady    = "ready"
	StateDraining = "draining"
)

// State holds the server status and draining flag. Both fields are stored
// together so readers always observe a consistent snapshot.
type State struct {
	Status   string `json:"status"`
	Draining bool   `json:"draining"`
}

// Store persists State. Implementations may keep it in memory or share it
// through Redis between replicas.
type Store interface {
	Load() State
	Store(State)
}

// memoryStore is the default single-process Store.
type memoryStore struct {
	v atomic.Value
}

// NewMemoryStore returns a memory-backed Store initialized to not_ready.
func NewMemoryStore() Store {
	ms := &memoryStore{}
	ms.v.Store(State{Status: StateNotReady})
	return ms
}

func (m *memoryStore) Load() State {
	if st, ok := m.v.Load().(State); ok {
		return st
	}
	return State{Status: "unknown"}
}

func (m *memoryStore) Store(s State) { m.v.Store(s) }

// Tracker is the server's view of its own lifecycle.
type Tracker struct {
	store Store
}

// New returns a Tracker over store; a nil store means in-memory.
func New(store Store) *Tracker {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Tracker{store: store}
}

// Set updates the status string, leaving the draining flag alone.
func (t *Tracker) Set(status string) {
	st := t.store.Load()
	if st.Draining {
		return
	}
	st.Status = status
	t.store.Store(st)
}

// Get returns the current status string.
func (t *Tracker) Get() string { return t.store.Load().Status }

// Load returns the full state.
func (t *Tracker) Load() State { return t.store.Load() }

// StartDrain marks the server as draining. It cannot be undone.
func (t *Tracker) StartDrain() {
	t.store.Store(State{Status: StateDraining, Draining: true})
}

// IsDraining reports whether the server is draining.
func (t *Tracker) IsDraining() bool { return t.store.Load().Draining }
