// Package hooks is the ordered registry of extension points consulted by the
// orchestrator and the dispatcher.
package hooks

import (
	"context"
	"sync"

	"github.com/gaspardpetit/genpool/internal/gen"
	"github.com/gaspardpetit/genpool/internal/matcher"
)

// PreGenerate runs before a backend is requested. Returning a gen.UserError
// fails the job with that message.
type PreGenerate func(ctx context.Context, job *gen.Job) error

// PostGenerate inspects one final artifact. A non-nil error refuses it.
type PostGenerate func(ctx context.Context, job *gen.Job, a *gen.Artifact) error

// PostBatch sees every final artifact of a settled batch and may discard some.
type PostBatch func(ctx context.Context, job *gen.Job, artifacts []*gen.Artifact)

type named[T any] struct {
	name string
	fn   T
}

// Registry keeps hooks in registration order.
type Registry struct {
	mu         sync.RWMutex
	pre        []named[PreGenerate]
	post       []named[PostGenerate]
	batch      []named[PostBatch]
	validators []named[matcher.Validator]
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry { return &Registry{} }

func (r *Registry) AddPreGenerate(name string, h PreGenerate) {
	r.mu.Lock()
	r.pre = append(r.pre, named[PreGenerate]{name, h})
	r.mu.Unlock()
}

func (r *Registry) AddPostGenerate(name string, h PostGenerate) {
	r.mu.Lock()
	r.post = append(r.post, named[PostGenerate]{name, h})
	r.mu.Unlock()
}

func (r *Registry) AddPostBatch(name string, h PostBatch) {
	r.mu.Lock()
	r.batch = append(r.batch, named[PostBatch]{name, h})
	r.mu.Unlock()
}

func (r *Registry) AddValidator(name string, v matcher.Validator) {
	r.mu.Lock()
	r.validators = append(r.validators, named[matcher.Validator]{name, v})
	r.mu.Unlock()
}

// RunPreGenerate calls each pre hook in order and stops at the first error,
// returning it with the hook's name.
func (r *Registry) RunPreGenerate(ctx context.Context, job *gen.Job) (string, error) {
	r.mu.RLock()
	hs := append([]named[PreGenerate](nil), r.pre...)
	r.mu.RUnlock()
	for _, h := range hs {
		if err := h.fn(ctx, job); err != nil {
			return h.name, err
		}
	}
	return "", nil
}

// RunPostGenerate calls each post hook in order. The first error refuses the
// artifact.
func (r *Registry) RunPostGenerate(ctx context.Context, job *gen.Job, a *gen.Artifact) (string, error) {
	r.mu.RLock()
	hs := append([]named[PostGenerate](nil), r.post...)
	r.mu.RUnlock()
	for _, h := range hs {
		if err := h.fn(ctx, job, a); err != nil {
			return h.name, err
		}
	}
	return "", nil
}

// RunPostBatch calls every post-batch hook in order.
func (r *Registry) RunPostBatch(ctx context.Context, job *gen.Job, artifacts []*gen.Artifact) {
	r.mu.RLock()
	hs := append([]named[PostBatch](nil), r.batch...)
	r.mu.RUnlock()
	for _, h := range hs {
		h.fn(ctx, job, artifacts)
	}
}

// Validators returns the extra capability validators in order.
func (r *Registry) Validators() []matcher.Validator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]matcher.Validator, len(r.validators))
	for i, v := range r.validators {
		out[i] = v.fn
	}
	return out
}

// Names lists registered hook names per extension point, for status output.
func (r *Registry) Names() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := map[string][]string{}
	for _, h := range r.pre {
		out["pre_generate"] = append(out["pre_generate"], h.name)
	}
	for _, h := range r.post {
		out["post_generate"] = append(out["post_generate"], h.name)
	}
	for _, h := range r.batch {
		out["post_batch"] = append(out["post_batch"], h.name)
	}
	for _, h := range r.validators {
		out["validators"] = append(out["validators"], h.name)
	}
	return out
}
