// Package orchestrator drives one generation job from hooks through backend
// acquisition, streaming and post-processing.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/gaspardpetit/genpool/internal/backends"
	"github.com/gaspardpetit/genpool/internal/claim"
	"github.com/gaspardpetit/genpool/internal/gen"
	"github.com/gaspardpetit/genpool/internal/hooks"
	"github.com/gaspardpetit/genpool/internal/logx"
	"github.com/gaspardpetit/genpool/internal/matcher"
	"github.com/gaspardpetit/genpool/internal/metrics"
)

// Sink persists a final artifact and returns its reference and metadata.
type Sink interface {
	Save(ctx context.Context, job *gen.Job, a *gen.Artifact) (string, map[string]any, error)
}

// Config tunes acquisition and retries.
type Config struct {
	// AcquireTimeout bounds the wait for a backend. Zero waits forever.
	AcquireTimeout time.Duration
	// MaxRedirects caps transparent retries after a redirect outcome. Zero
	// means one; a negative value disables retries.
	MaxRedirects int
	// UpdateBuffer sizes the channel between backend and orchestrator.
	UpdateBuffer int
}

// Orchestrator runs jobs against a shared pool.
type Orchestrator struct {
	pool    *backends.Pool
	matcher *matcher.Matcher
	hooks   *hooks.Registry
	sink    Sink
	cfg     Config
}

// New wires an orchestrator. sink may be nil, in which case artifacts are
// passed through without persistence.
func New(pool *backends.Pool, m *matcher.Matcher, h *hooks.Registry, sink Sink, cfg Config) *Orchestrator {
	if h == nil {
		h = hooks.NewRegistry()
	}
	if m == nil {
		m = matcher.New(matcher.DefaultDisregarded, h.Validators)
	}
	if cfg.UpdateBuffer <= 0 {
		cfg.UpdateBuffer = 16
	}
	switch {
	case cfg.MaxRedirects == 0:
		cfg.MaxRedirects = 1
	case cfg.MaxRedirects < 0:
		cfg.MaxRedirects = 0
	}
	return &Orchestrator{pool: pool, matcher: m, hooks: h, sink: sink, cfg: cfg}
}

// Request is one job of a batch. Out receives the job's events in order.
type Request struct {
	Job   *gen.Job
	JobID string
	Index int
	Claim *claim.Claim
	Batch *gen.Batch
	Out   chan<- gen.Event
}

// Result summarizes a finished job. Err is the caller-facing failure message
// and is set only when nothing was produced.
type Result struct {
	Produced  int
	Err       string
	Cancelled bool
}

// Run executes req to completion. It always completes one queued unit of the
// claim per attempt, redirect retries included.
func (o *Orchestrator) Run(ctx context.Context, req Request) Result {
	if req.Batch == nil {
		req.Batch = gen.NewBatch(1)
	}
	return o.run(ctx, req, req.Job, &attempt{})
}

// attempt is the state carried across redirect retries of one job.
type attempt struct {
	redirects   int
	nominalUsed bool
}

func (o *Orchestrator) run(ctx context.Context, req Request, job *gen.Job, at *attempt) (res Result) {
	log := logx.Log.With().Str("job_id", req.JobID).Str("claim_id", req.Claim.ID).Int("index", req.Index).Logger()
	defer func() {
		req.Claim.Complete(claim.Queued, 1)
		snap := req.Claim.Snapshot()
		o.emit(ctx, req.Out, gen.Event{Kind: gen.EventStatus, JobID: req.JobID, Index: req.Index, Status: &snap})
		if res.Produced == 0 && !res.Cancelled && res.Err == "" && !req.Claim.ShouldCancel() {
			res.Err = gen.MsgNoImages
		}
	}()

	if name, err := o.hooks.RunPreGenerate(ctx, job); err != nil {
		if msg, ok := gen.UserMessage(err); ok {
			log.Info().Str("hook", name).Str("reason", msg).Msg("job refused before generation")
			metrics.RecordGeneration("refused")
			return Result{Err: msg}
		}
		log.Error().Err(err).Str("hook", name).Msg("pre-generate hook failed")
		metrics.RecordGeneration("failed")
		return Result{Err: gen.MsgBackendFault}
	}
	if req.Claim.ShouldCancel() {
		return cancelled()
	}

	mreq := matcher.NewRequirement(job)
	pred := o.matcher.Build(mreq)
	releaseWait := req.Claim.Hold(claim.WaitingForBackend)
	start := time.Now()
	h, err := o.pool.Acquire(req.Claim.Context(), pred, o.cfg.AcquireTimeout, func() {
		log.Debug().Msg("waiting for a backend")
	})
	releaseWait()
	metrics.ObserveBackendWait(time.Since(start))
	if err != nil {
		if errors.Is(err, backends.ErrAcquireTimeout) {
			log.Warn().Strs("refusals", mreq.Refusals()).Dur("waited", time.Since(start)).Msg("no backend became available")
			metrics.RecordGeneration("timeout")
			return Result{Err: gen.MsgTimeout}
		}
		return cancelled()
	}
	defer h.Release()
	if req.Claim.ShouldCancel() {
		return cancelled()
	}

	b := h.Backend()
	log = log.With().Int("backend_id", b.Descriptor().ID).Logger()

	if err := o.loadModel(ctx, req.Claim, b, job); err != nil {
		log.Error().Err(err).Str("model", job.Model).Msg("model load failed")
		metrics.RecordGeneration("failed")
		return Result{Err: gen.MsgBackendFault}
	}
	if req.Claim.ShouldCancel() {
		return cancelled()
	}

	outcome, produced := o.generate(ctx, req, job, b, at, log)
	res.Produced = produced

	switch outcome.Kind {
	case backends.Completed:
		metrics.RecordGeneration("completed")
	case backends.Redirect:
		if at.redirects >= o.cfg.MaxRedirects {
			log.Error().Int("redirects", at.redirects).Msg("backend redirected a job past the retry limit")
			metrics.RecordGeneration("failed")
			res.Err = gen.MsgBackendFault
			break
		}
		metrics.RecordRedirect()
		log.Info().Msg("backend redirected job, retrying without tool calls")
		h.Release()
		retry := job.Clone()
		retry.MayCallTools = false
		req.Claim.Extend(claim.Queued, 1)
		at.redirects++
		sub := o.run(ctx, req, retry, at)
		res.Produced += sub.Produced
		res.Cancelled = sub.Cancelled
		res.Err = sub.Err
	case backends.UserError:
		metrics.RecordGeneration("refused")
		res.Err = outcome.Message
	case backends.Timeout:
		metrics.RecordGeneration("timeout")
		res.Err = outcome.Message
		if res.Err == "" {
			res.Err = gen.MsgTimeout
		}
	case backends.Cancelled:
		metrics.RecordGeneration("cancelled")
		res.Cancelled = true
	default:
		log.Error().Err(outcome.Err).Msg("backend fault")
		metrics.RecordGeneration("failed")
		res.Err = gen.MsgBackendFault
	}
	if res.Produced > 0 {
		res.Err = ""
	}
	return res
}

func cancelled() Result {
	metrics.RecordGeneration("cancelled")
	return Result{Cancelled: true}
}

func (o *Orchestrator) loadModel(ctx context.Context, c *claim.Claim, b backends.Backend, job *gen.Job) error {
	loader, ok := b.(backends.ModelLoader)
	if !ok || job.Model == "" || job.Model == gen.NoModel {
		return nil
	}
	if b.Descriptor().CurrentModel() == job.Model {
		return nil
	}
	release := c.Hold(claim.LoadingModels)
	defer release()
	return loader.LoadModel(context.WithoutCancel(ctx), job.Model)
}

// generate streams one backend run. The backend gets a context detached from
// claim cancellation so an interrupt never aborts a running generation.
func (o *Orchestrator) generate(ctx context.Context, req Request, job *gen.Job, b backends.Backend, at *attempt, log zerolog.Logger) (backends.Outcome, int) {
	release := req.Claim.Hold(claim.LiveGenerations)
	defer release()

	genCtx := context.WithoutCancel(ctx)
	updates := make(chan backends.Update, o.cfg.UpdateBuffer)
	done := make(chan backends.Outcome, 1)
	start := time.Now()
	go func() {
		defer close(updates)
		defer func() {
			if r := recover(); r != nil {
				done <- backends.Failed(fmt.Errorf("backend panic: %v", r))
			}
		}()
		done <- b.GenerateLive(genCtx, job, req.JobID, updates)
	}()

	produced := 0
	for u := range updates {
		if u.Artifact == nil {
			o.emit(ctx, req.Out, gen.Event{Kind: gen.EventProgress, JobID: req.JobID, Index: req.Index, Fraction: u.Fraction, Preview: u.Preview})
			continue
		}
		a := u.Artifact
		if !a.IsReal {
			a.Index = req.Batch.NextPreviewIndex()
			o.emit(ctx, req.Out, gen.Event{Kind: gen.EventImage, JobID: req.JobID, Index: a.Index, Artifact: a})
			continue
		}
		if name, err := o.hooks.RunPostGenerate(genCtx, job, a); err != nil {
			metrics.RecordRefusal(name)
			log.Info().Str("hook", name).Err(err).Msg("artifact refused")
			continue
		}
		if a.GenTime == 0 {
			a.GenTime = time.Since(start)
		}
		if a.Metadata == nil {
			a.Metadata = map[string]any{}
		}
		d := b.Descriptor()
		a.Metadata["backend_id"] = d.ID
		a.Metadata["backend_type"] = d.TypeID
		if o.sink != nil {
			ref, meta, err := o.sink.Save(genCtx, job, a)
			if err != nil {
				log.Error().Err(err).Msg("persist artifact")
				continue
			}
			a.Ref = ref
			a.Metadata = meta
		}
		// Only persisted artifacts consume an index.
		if !at.nominalUsed {
			a.Index = req.Index
			at.nominalUsed = true
		} else {
			a.Index = req.Batch.NextExtraIndex()
		}
		req.Batch.Admit(a)
		produced++
		o.emit(ctx, req.Out, gen.Event{Kind: gen.EventImage, JobID: req.JobID, Index: a.Index, Artifact: a})
	}
	outcome := <-done
	metrics.ObserveGeneration(time.Since(start))
	return outcome, produced
}

func (o *Orchestrator) emit(ctx context.Context, out chan<- gen.Event, ev gen.Event) {
	if out == nil {
		return
	}
	select {
	case out <- ev:
	case <-ctx.Done():
	}
}
