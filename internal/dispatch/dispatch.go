// Package dispatch fans one generate request out into concurrently running
// jobs and folds their results into a single event stream.
package dispatch

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/gaspardpetit/genpool/internal/claim"
	"github.com/gaspardpetit/genpool/internal/gen"
	"github.com/gaspardpetit/genpool/internal/hooks"
	"github.com/gaspardpetit/genpool/internal/logx"
	"github.com/gaspardpetit/genpool/internal/orchestrator"
)

// Runner executes one job. *orchestrator.Orchestrator implements it.
type Runner interface {
	Run(ctx context.Context, req orchestrator.Request) orchestrator.Result
}

// WaitDepth reports how many acquisitions are currently blocked pool-wide.
type WaitDepth interface {
	Waiting() int64
}

// Config tunes best-effort ordering between the jobs of one batch.
type Config struct {
	// OrderingThreshold is the pool wait depth under which a small delay is
	// inserted between job starts so earlier indices reach backends first.
	OrderingThreshold int64
	OrderingDelay     time.Duration
	EventBuffer       int
}

// Dispatcher runs batches.
type Dispatcher struct {
	runner Runner
	depth  WaitDepth
	hooks  *hooks.Registry
	cfg    Config
	seed   func() int64
}

// New builds a dispatcher. depth may be nil to disable ordering delays.
func New(runner Runner, depth WaitDepth, h *hooks.Registry, cfg Config) *Dispatcher {
	if h == nil {
		h = hooks.NewRegistry()
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 32
	}
	return &Dispatcher{
		runner: runner,
		depth:  depth,
		hooks:  h,
		cfg:    cfg,
		seed:   func() int64 { return rand.Int64N(1 << 32) },
	}
}

// BatchRequest is one user request for Images images.
type BatchRequest struct {
	Job    *gen.Job
	Images int
	// Limiter bounds running jobs across every batch that shares it, normally
	// all batches of one session. When nil a limiter of MaxConcurrent slots is
	// created for this batch alone.
	Limiter       *semaphore.Weighted
	MaxConcurrent int
	Claim         *claim.Claim
}

// RunBatch starts the batch and returns its event stream. The stream ends
// with a done event and is then closed. Callers must drain it or cancel ctx.
func (d *Dispatcher) RunBatch(ctx context.Context, req BatchRequest) <-chan gen.Event {
	out := make(chan gen.Event, d.cfg.EventBuffer)
	go d.run(ctx, req, out)
	return out
}

func (d *Dispatcher) run(ctx context.Context, req BatchRequest, out chan gen.Event) {
	defer close(out)
	n := max(req.Images, 1)
	sem := req.Limiter
	if sem == nil {
		sem = semaphore.NewWeighted(int64(max(req.MaxConcurrent, 1)))
	}
	c := req.Claim
	log := logx.Log.With().Str("claim_id", c.ID).Int("images", n).Logger()

	job := req.Job.Clone()
	job.ResolveRandomSeeds(d.seed)
	batch := gen.NewBatch(n)
	c.Extend(claim.Queued, n)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []orchestrator.Result
	)
	started := 0
	for i := 0; i < n; i++ {
		if c.ShouldCancel() {
			break
		}
		if err := sem.Acquire(c.Context(), 1); err != nil {
			break
		}
		if c.ShouldCancel() {
			sem.Release(1)
			break
		}
		started++
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer sem.Release(1)
			r := d.runner.Run(ctx, orchestrator.Request{
				Job:   job.ForIndex(i),
				JobID: uuid.NewString(),
				Index: i,
				Claim: c,
				Batch: batch,
				Out:   out,
			})
			mu.Lock()
			results = append(results, r)
			mu.Unlock()
		}(i)
		if i < n-1 {
			d.orderingDelay(c)
		}
	}
	if started < n {
		c.Complete(claim.Queued, n-started)
	}
	wg.Wait()

	if finals := batch.Finals(); len(finals) > 0 {
		d.hooks.RunPostBatch(ctx, job, finals)
	}

	produced, failures := 0, 0
	msg := ""
	for _, r := range results {
		produced += r.Produced
		if r.Err == "" {
			continue
		}
		failures++
		if msg == "" || msg == gen.MsgNoImages {
			msg = r.Err
		}
	}
	if produced == 0 && !c.ShouldCancel() {
		if msg == "" {
			msg = gen.MsgNoImages
		}
		log.Info().Int("failures", failures).Str("reason", msg).Msg("batch produced no images")
		emit(ctx, out, gen.Event{Kind: gen.EventError, Index: -1, Error: msg})
	}
	if discarded := batch.Discarded(); len(discarded) > 0 {
		emit(ctx, out, gen.Event{Kind: gen.EventDiscard, Index: -1, Discard: discarded})
	}
	snap := c.Snapshot()
	emit(ctx, out, gen.Event{Kind: gen.EventStatus, Index: -1, Status: &snap})
	emit(ctx, out, gen.Event{Kind: gen.EventDone, Index: -1, Produced: produced, Failures: failures})
	log.Debug().Int("produced", produced).Int("started", started).Msg("batch finished")
}

// orderingDelay pauses between job starts while the pool is not saturated.
func (d *Dispatcher) orderingDelay(c *claim.Claim) {
	if d.depth == nil || d.cfg.OrderingDelay <= 0 || d.depth.Waiting() >= d.cfg.OrderingThreshold {
		return
	}
	t := time.NewTimer(d.cfg.OrderingDelay)
	defer t.Stop()
	select {
	case <-t.C:
	case <-c.Done():
	}
}

func emit(ctx context.Context, out chan<- gen.Event, ev gen.Event) {
	select {
	case out <- ev:
	case <-ctx.Done():
	}
}
