// Package claim tracks the outstanding work of one generate request and
// carries its cancellation.
package claim

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Kind selects one of the claim counters.
type Kind int

const (
	Queued Kind = iota
	WaitingForBackend
	LoadingModels
	LiveGenerations
	numKinds
)

func (k Kind) String() string {
	switch k {
	case Queued:
		return "queued"
	case WaitingForBackend:
		return "waiting_for_backend"
	case LoadingModels:
		return "loading_models"
	case LiveGenerations:
		return "live_generations"
	default:
		return "unknown"
	}
}

// Kinds lists every counter kind in display order.
func Kinds() []Kind { return []Kind{Queued, WaitingForBackend, LoadingModels, LiveGenerations} }

// Counts is a point-in-time copy of the counters.
type Counts struct {
	Queued            int64 `json:"queued"`
	WaitingForBackend int64 `json:"waiting_for_backend"`
	LoadingModels     int64 `json:"loading_models"`
	LiveGenerations   int64 `json:"live_generations"`
}

// Get returns the value for kind k.
func (c Counts) Get(k Kind) int64 {
	switch k {
	case Queued:
		return c.Queued
	case WaitingForBackend:
		return c.WaitingForBackend
	case LoadingModels:
		return c.LoadingModels
	case LiveGenerations:
		return c.LiveGenerations
	}
	return 0
}

// Zero reports whether nothing is outstanding.
func (c Counts) Zero() bool {
	return c.Queued == 0 && c.WaitingForBackend == 0 && c.LoadingModels == 0 && c.LiveGenerations == 0
}

type counters [numKinds]atomic.Int64

func (c *counters) snapshot() Counts {
	return Counts{
		Queued:            c[Queued].Load(),
		WaitingForBackend: c[WaitingForBackend].Load(),
		LoadingModels:     c[LoadingModels].Load(),
		LiveGenerations:   c[LiveGenerations].Load(),
	}
}

// Totals aggregates every claim of the process. Reads never block.
type Totals struct {
	c counters
}

// NewTotals returns an empty aggregate.
func NewTotals() *Totals { return &Totals{} }

// Snapshot returns the current process-wide counts.
func (t *Totals) Snapshot() Counts { return t.c.snapshot() }

// Load returns one process-wide counter.
func (t *Totals) Load(k Kind) int64 { return t.c[k].Load() }

// Claim is owned by one top-level request and shared by reference with every
// job it spawns.
type Claim struct {
	ID        string
	CreatedAt time.Time

	c         counters
	totals    *Totals
	cancelled atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc
}

// New creates a claim whose cancellation context derives from parent.
// totals may be nil.
func New(parent context.Context, totals *Totals) *Claim {
	ctx, cancel := context.WithCancel(parent)
	return &Claim{
		ID:        uuid.NewString(),
		CreatedAt: time.Now(),
		totals:    totals,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Extend adds n outstanding units of kind k.
func (c *Claim) Extend(k Kind, n int) {
	if n == 0 {
		return
	}
	c.c[k].Add(int64(n))
	if c.totals != nil {
		c.totals.c[k].Add(int64(n))
	}
}

// Complete removes n outstanding units of kind k.
func (c *Claim) Complete(k Kind, n int) { c.Extend(k, -n) }

// Hold extends kind k by one and returns the matching completion. Calling the
// returned function more than once has no further effect.
func (c *Claim) Hold(k Kind) (release func()) {
	c.Extend(k, 1)
	var once sync.Once
	return func() { once.Do(func() { c.Complete(k, 1) }) }
}

// Interrupt marks the claim cancelled and unblocks every wait observing its
// context. Work already generating is left to finish.
func (c *Claim) Interrupt() {
	c.cancelled.Store(true)
	c.cancel()
}

// ShouldCancel reports whether new work must not start, either because the
// claim was interrupted or its parent context ended.
func (c *Claim) ShouldCancel() bool {
	return c.cancelled.Load() || c.ctx.Err() != nil
}

// Cancelled reports whether Interrupt was called.
func (c *Claim) Cancelled() bool { return c.cancelled.Load() }

// Context is cancelled on Interrupt or when the parent ends.
func (c *Claim) Context() context.Context { return c.ctx }

// Done is shorthand for Context().Done().
func (c *Claim) Done() <-chan struct{} { return c.ctx.Done() }

// Snapshot returns the current counters without coordination.
func (c *Claim) Snapshot() Counts { return c.c.snapshot() }

// Close releases the claim's context resources. It does not mark the claim
// cancelled.
func (c *Claim) Close() { c.cancel() }
