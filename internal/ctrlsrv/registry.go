package ctrlsrv

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gaspardpetit/genpool/internal/backends"
	"github.com/gaspardpetit/genpool/internal/logx"
)

// Worker is one connected remote process. Each of its slots is registered
// in the pool as its own backend.
type Worker struct {
	ID      string
	Name    string
	Version string

	out   chan any
	gone  chan struct{}
	once  sync.Once
	slots []*RemoteBackend

	mu            sync.Mutex
	lastHeartbeat time.Time
	jobs          map[string]*pendingJob
	loads         map[string]chan ModelLoadedMessage
}

func newWorker(rm RegisterMessage, name string) *Worker {
	return &Worker{
		ID:            rm.WorkerID,
		Name:          name,
		Version:       rm.Version,
		out:           make(chan any, 32),
		gone:          make(chan struct{}),
		lastHeartbeat: time.Now(),
		jobs:          make(map[string]*pendingJob),
		loads:         make(map[string]chan ModelLoadedMessage),
	}
}

// send queues msg for the writer. It fails once the worker is gone.
func (w *Worker) send(msg any) bool {
	select {
	case w.out <- msg:
		return true
	case <-w.gone:
		return false
	}
}

func (w *Worker) alive() bool {
	select {
	case <-w.gone:
		return false
	default:
		return true
	}
}

func (w *Worker) close() { w.once.Do(func() { close(w.gone) }) }

// pendingJob is the inbox of one running generation. done closes when the
// generation stops reading.
type pendingJob struct {
	ch   chan any
	done chan struct{}
}

func (w *Worker) addJob(id string) *pendingJob {
	pj := &pendingJob{ch: make(chan any, 32), done: make(chan struct{})}
	w.mu.Lock()
	w.jobs[id] = pj
	w.mu.Unlock()
	return pj
}

func (w *Worker) removeJob(id string) {
	w.mu.Lock()
	if pj, ok := w.jobs[id]; ok {
		delete(w.jobs, id)
		close(pj.done)
	}
	w.mu.Unlock()
}

// deliver routes a job message to its waiting generation, if any. Messages for
// a generation that has stopped reading are dropped.
func (w *Worker) deliver(jobID string, msg any) {
	w.mu.Lock()
	pj, ok := w.jobs[jobID]
	w.mu.Unlock()
	if !ok {
		return
	}
	select {
	case pj.ch <- msg:
	case <-pj.done:
	case <-w.gone:
	}
}

func (w *Worker) deliverLoad(m ModelLoadedMessage) {
	w.mu.Lock()
	ch, ok := w.loads[m.RequestID]
	delete(w.loads, m.RequestID)
	w.mu.Unlock()
	if ok {
		ch <- m
	}
}

// WorkerView is the JSON form of a connected worker.
type WorkerView struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Version       string    `json:"version,omitempty"`
	BackendIDs    []int     `json:"backend_ids"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	InFlight      int       `json:"inflight"`
}

// Registry tracks connected workers and mirrors their slots into the pool.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]*Worker
	pool    *backends.Pool
	now     func() time.Time
}

func NewRegistry(pool *backends.Pool) *Registry {
	return &Registry{workers: make(map[string]*Worker), pool: pool, now: time.Now}
}

// Add registers w's slots in the pool. Slots after the first carry the first
// slot's ID as their parent. A worker reconnecting under the same ID replaces
// the old connection.
func (r *Registry) Add(w *Worker, rm RegisterMessage) []int {
	r.mu.Lock()
	old := r.workers[w.ID]
	r.workers[w.ID] = w
	r.mu.Unlock()
	if old != nil {
		r.detach(old)
	}

	n := max(rm.Slots, 1)
	ids := make([]int, 0, n)
	parent := 0
	for i := 0; i < n; i++ {
		d := backends.NewDescriptor(rm.BackendType, rm.Features, rm.Models, rm.CanLoadModels)
		d.ID = r.pool.Reserve()
		d.Name = w.Name
		if n > 1 {
			d.Name = w.Name + "#" + strconv.Itoa(i)
		}
		if i == 0 {
			parent = d.ID
		} else {
			d.ParentID = parent
		}
		rb := &RemoteBackend{w: w, slot: i, desc: d}
		w.slots = append(w.slots, rb)
		r.pool.Add(rb)
		ids = append(ids, d.ID)
	}
	return ids
}

// Remove drops the worker and its backends. Pending jobs observe the closed
// worker and fail.
func (r *Registry) Remove(id string, w *Worker) {
	r.mu.Lock()
	if cur, ok := r.workers[id]; ok && cur == w {
		delete(r.workers, id)
	}
	r.mu.Unlock()
	r.detach(w)
}

func (r *Registry) detach(w *Worker) {
	w.close()
	for _, s := range w.slots {
		r.pool.Remove(s.desc.ID)
	}
}

func (r *Registry) UpdateHeartbeat(id string) {
	r.mu.RLock()
	w, ok := r.workers[id]
	r.mu.RUnlock()
	if ok {
		w.mu.Lock()
		w.lastHeartbeat = r.now()
		w.mu.Unlock()
	}
}

// WorkerCount returns the number of connected workers.
func (r *Registry) WorkerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}

// PruneExpired removes workers whose last heartbeat is older than maxAge and
// returns their IDs.
func (r *Registry) PruneExpired(maxAge time.Duration) []string {
	now := r.now()
	var stale []*Worker
	r.mu.Lock()
	for id, w := range r.workers {
		w.mu.Lock()
		expired := now.Sub(w.lastHeartbeat) > maxAge
		w.mu.Unlock()
		if expired {
			delete(r.workers, id)
			stale = append(stale, w)
		}
	}
	r.mu.Unlock()
	ids := make([]string, 0, len(stale))
	for _, w := range stale {
		r.detach(w)
		ids = append(ids, w.ID)
		logx.Log.Warn().Str("worker_id", w.ID).Str("worker_name", w.Name).Msg("heartbeat expired")
	}
	return ids
}

// RunPruner calls PruneExpired every interval until ctx ends.
func (r *Registry) RunPruner(ctx context.Context, interval, maxAge time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.PruneExpired(maxAge)
		}
	}
}

// Workers returns a view of every connected worker ordered by name.
func (r *Registry) Workers() []WorkerView {
	r.mu.RLock()
	list := make([]*Worker, 0, len(r.workers))
	for _, w := range r.workers {
		list = append(list, w)
	}
	r.mu.RUnlock()
	out := make([]WorkerView, 0, len(list))
	for _, w := range list {
		v := WorkerView{ID: w.ID, Name: w.Name, Version: w.Version}
		for _, s := range w.slots {
			v.BackendIDs = append(v.BackendIDs, s.desc.ID)
		}
		w.mu.Lock()
		v.LastHeartbeat = w.lastHeartbeat
		v.InFlight = len(w.jobs)
		w.mu.Unlock()
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
