package backends

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gaspardpetit/genpool/internal/logx"
)

var (
	// ErrAcquireTimeout is returned when no eligible backend freed up in time.
	ErrAcquireTimeout = errors.New("acquire backend: timeout")
	// ErrUnknownBackend is returned for IDs the pool does not know.
	ErrUnknownBackend = errors.New("unknown backend")
)

type entry struct {
	b    Backend
	held bool
	uses uint64
}

// Pool is the registry of backends and the arbiter of exclusive use.
type Pool struct {
	mu      sync.Mutex
	entries map[int]*entry
	nextID  int
	// changed is closed and replaced whenever a waiter might now succeed.
	changed chan struct{}
	waiting atomic.Int64
}

// NewPool returns an empty pool.
func NewPool() *Pool {
	return &Pool{entries: make(map[int]*entry), changed: make(chan struct{})}
}

// Add registers b and returns its ID. A zero descriptor ID is assigned from
// the pool's sequence.
func (p *Pool) Add(b Backend) int {
	d := b.Descriptor()
	p.mu.Lock()
	if d.ID == 0 {
		p.nextID++
		d.ID = p.nextID
	} else if d.ID > p.nextID {
		p.nextID = d.ID
	}
	p.entries[d.ID] = &entry{b: b}
	p.broadcastLocked()
	p.mu.Unlock()
	logx.Log.Info().Int("backend_id", d.ID).Str("type", d.TypeID).Str("name", d.Name).Msg("backend added")
	return d.ID
}

// Reserve allocates the next backend ID without registering anything, so a
// caller can set parent IDs before adding a group of backends.
func (p *Pool) Reserve() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	return p.nextID
}

// Remove unregisters a backend. A current holder keeps its handle; releasing
// it later is harmless.
func (p *Pool) Remove(id int) {
	p.mu.Lock()
	_, ok := p.entries[id]
	delete(p.entries, id)
	p.broadcastLocked()
	p.mu.Unlock()
	if ok {
		logx.Log.Info().Int("backend_id", id).Msg("backend removed")
	}
}

// Get returns the backend registered under id.
func (p *Pool) Get(id int) (Backend, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[id]
	if !ok {
		return nil, ErrUnknownBackend
	}
	return e.b, nil
}

// Backends returns every registered backend ordered by ID.
func (p *Pool) Backends() []Backend {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Backend, 0, len(p.entries))
	for _, id := range p.sortedIDsLocked() {
		out = append(out, p.entries[id].b)
	}
	return out
}

// Notify wakes every waiter so it re-scans the pool. Backend owners call it
// after a status or capability change.
func (p *Pool) Notify() {
	p.mu.Lock()
	p.broadcastLocked()
	p.mu.Unlock()
}

func (p *Pool) broadcastLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}

func (p *Pool) sortedIDsLocked() []int {
	ids := make([]int, 0, len(p.entries))
	for id := range p.entries {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// tryTakeLocked picks the least used eligible free backend, lowest ID first on
// ties.
func (p *Pool) tryTakeLocked(pred Predicate) *entry {
	var best *entry
	for _, id := range p.sortedIDsLocked() {
		e := p.entries[id]
		if e.held || !e.b.Descriptor().Status().Usable() {
			continue
		}
		if pred != nil && !pred(e.b) {
			continue
		}
		if best == nil || e.uses < best.uses {
			best = e
		}
	}
	if best != nil {
		best.held = true
		best.uses++
	}
	return best
}

// Acquire waits for an eligible backend and marks it held. onWait, when not
// nil, is called once if the caller has to wait. A non-positive timeout waits
// without limit. On cancellation the context's error is returned.
//
// pred runs with the pool lock held and must not call back into the pool.
func (p *Pool) Acquire(ctx context.Context, pred Predicate, timeout time.Duration, onWait func()) (*Handle, error) {
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timeoutCh = t.C
	}
	waited := false
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p.mu.Lock()
		e := p.tryTakeLocked(pred)
		ch := p.changed
		p.mu.Unlock()
		if e != nil {
			return &Handle{pool: p, e: e}, nil
		}
		if !waited {
			waited = true
			p.waiting.Add(1)
			defer p.waiting.Add(-1)
			if onWait != nil {
				onWait()
			}
		}
		select {
		case <-ch:
		case <-timeoutCh:
			return nil, ErrAcquireTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (p *Pool) release(e *entry) {
	p.mu.Lock()
	e.held = false
	p.broadcastLocked()
	p.mu.Unlock()
}

// Handle is exclusive use of one backend until Release.
type Handle struct {
	pool *Pool
	e    *entry
	once sync.Once
}

// Backend returns the held backend.
func (h *Handle) Backend() Backend { return h.e.b }

// Release returns the backend to the pool. Extra calls are ignored.
func (h *Handle) Release() {
	h.once.Do(func() { h.pool.release(h.e) })
}

// PoolStatus is the aggregate, coordination-free view used by status readers.
type PoolStatus struct {
	Total    int            `json:"total"`
	Held     int            `json:"held"`
	Waiting  int64          `json:"waiting"`
	ByStatus map[Status]int `json:"by_status"`
}

// Status summarizes the pool.
func (p *Pool) Status() PoolStatus {
	st := PoolStatus{ByStatus: map[Status]int{}, Waiting: p.waiting.Load()}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.entries {
		st.Total++
		if e.held {
			st.Held++
		}
		st.ByStatus[e.b.Descriptor().Status()]++
	}
	return st
}

// Waiting returns the number of acquisitions currently blocked.
func (p *Pool) Waiting() int64 { return p.waiting.Load() }

// Snapshot returns a view of every backend ordered by ID.
func (p *Pool) Snapshot() []View {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]View, 0, len(p.entries))
	for _, id := range p.sortedIDsLocked() {
		e := p.entries[id]
		v := e.b.Descriptor().view()
		v.Held = e.held
		v.Uses = e.uses
		out = append(out, v)
	}
	return out
}
