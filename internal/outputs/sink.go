package outputs

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/gaspardpetit/genpool/internal/gen"
)

// Sink turns finished artifacts into stored outputs addressed by URL.
type Sink struct {
	store  Store
	prefix string
	ttl    time.Duration
}

// NewSink stores artifacts in store for ttl and references them under prefix.
func NewSink(store Store, prefix string, ttl time.Duration) *Sink {
	if prefix == "" {
		prefix = "/api/outputs/"
	}
	return &Sink{store: store, prefix: prefix, ttl: ttl}
}

// Save persists a and returns its reference and metadata blob.
func (s *Sink) Save(ctx context.Context, job *gen.Job, a *gen.Artifact) (string, map[string]any, error) {
	meta := map[string]any{
		"prompt":       job.Prompt,
		"seed":         job.Seed,
		"width":        job.Width,
		"height":       job.Height,
		"gen_time_ms":  a.GenTime.Milliseconds(),
		"prep_time_ms": a.PrepTime.Milliseconds(),
	}
	if job.Model != "" {
		meta["model"] = job.Model
	}
	if job.VariationActive() {
		meta["variation_seed"] = job.VariationSeed
		meta["variation_strength"] = job.VariationStr
	}
	for k, v := range a.Metadata {
		meta[k] = v
	}
	mime := a.MimeType
	if mime == "" {
		mime = "image/png"
	}
	id := uuid.NewString()
	if err := s.store.Put(ctx, id, Object{MimeType: mime, Data: a.Data, Metadata: meta}, s.ttl); err != nil {
		return "", nil, err
	}
	return s.prefix + id, meta, nil
}

// Open fetches a stored output by ID.
func (s *Sink) Open(ctx context.Context, id string) (Object, error) {
	return s.store.Get(ctx, id)
}
