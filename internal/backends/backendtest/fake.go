// Package backendtest provides an in-process backend for exercising the pool,
// the orchestrator and the dispatcher.
package backendtest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gaspardpetit/genpool/internal/backends"
	"github.com/gaspardpetit/genpool/internal/gen"
)

// Gauge tracks how many generations run at once across a set of fakes.
type Gauge struct {
	cur atomic.Int32
	max atomic.Int32
}

func (g *Gauge) enter() {
	n := g.cur.Add(1)
	for {
		m := g.max.Load()
		if n <= m || g.max.CompareAndSwap(m, n) {
			return
		}
	}
}

func (g *Gauge) leave() { g.cur.Add(-1) }

// Max returns the highest concurrency observed.
func (g *Gauge) Max() int { return int(g.max.Load()) }

// Script replaces the default generation behaviour.
type Script func(ctx context.Context, job *gen.Job, updates chan<- backends.Update) backends.Outcome

// Fake is a scriptable backend. The zero Script emits one progress update and
// one final PNG artifact whose payload embeds the job's seed.
type Fake struct {
	desc *backends.Descriptor

	Script   Script
	Eligible func(job *gen.Job) bool
	Gauge    *Gauge

	calls  atomic.Int32
	mu     sync.Mutex
	jobs   []*gen.Job
	loaded []string
}

// New returns an idle fake of typeID that can load models.
func New(typeID string, features ...string) *Fake {
	d := backends.NewDescriptor(typeID, features, nil, true)
	d.SetStatus(backends.StatusIdle)
	return &Fake{desc: d}
}

func (f *Fake) Descriptor() *backends.Descriptor { return f.desc }

func (f *Fake) IsEligibleFor(job *gen.Job) bool {
	return f.Eligible == nil || f.Eligible(job)
}

func (f *Fake) GenerateLive(ctx context.Context, job *gen.Job, _ string, updates chan<- backends.Update) backends.Outcome {
	f.calls.Add(1)
	f.mu.Lock()
	f.jobs = append(f.jobs, job.Clone())
	f.mu.Unlock()
	if f.Gauge != nil {
		f.Gauge.enter()
		defer f.Gauge.leave()
	}
	if f.Script != nil {
		return f.Script(ctx, job, updates)
	}
	updates <- backends.Update{Fraction: 0.5}
	updates <- backends.Update{Artifact: Image(job)}
	return backends.Done()
}

// LoadModel records the switch and updates the descriptor.
func (f *Fake) LoadModel(_ context.Context, model string) error {
	f.mu.Lock()
	f.loaded = append(f.loaded, model)
	f.mu.Unlock()
	f.desc.SetCurrentModel(model)
	return nil
}

// Calls returns how many generations were started.
func (f *Fake) Calls() int { return int(f.calls.Load()) }

// Jobs returns copies of the jobs seen, in call order.
func (f *Fake) Jobs() []*gen.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*gen.Job(nil), f.jobs...)
}

// Loaded returns the models loaded so far.
func (f *Fake) Loaded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.loaded...)
}

// Image builds a final artifact for job.
func Image(job *gen.Job) *gen.Artifact {
	return &gen.Artifact{
		Data:     []byte(fmt.Sprintf("seed-%d", job.Seed)),
		MimeType: "image/png",
		IsReal:   true,
	}
}
