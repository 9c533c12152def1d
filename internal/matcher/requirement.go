// Package matcher decides which backends may serve a job.
package matcher

import (
	"slices"
	"strings"
	"sync"

	"github.com/gaspardpetit/genpool/internal/gen"
)

// ModelSuffix is the file suffix model names are compared with and without.
const ModelSuffix = ".safetensors"

// ModelRequirement is one named model a job needs in a category.
type ModelRequirement struct {
	Role     string
	Category string
	Name     string
}

// Requirement is the routing view of a job. Only the refusal list changes
// after construction.
type Requirement struct {
	Job            *gen.Job
	BackendType    string
	BackendID      *int
	BackendGroupID *int
	Features       []string
	Models         []ModelRequirement
	Loras          []string
	Embeddings     []string

	mu       sync.Mutex
	refusals []string
}

// NewRequirement derives the requirement of job.
func NewRequirement(job *gen.Job) *Requirement {
	r := &Requirement{
		Job:            job,
		BackendType:    strings.TrimSpace(job.BackendType),
		BackendID:      job.BackendID,
		BackendGroupID: job.BackendGroupID,
		Features:       slices.Clone(job.Features),
		Loras:          slices.Clone(job.Loras),
		Embeddings:     slices.Clone(job.Embeddings),
	}
	add := func(role, category, name string) {
		if name == "" || name == gen.NoModel {
			return
		}
		r.Models = append(r.Models, ModelRequirement{Role: role, Category: category, Name: name})
	}
	add("model", categoryMain, job.Model)
	add("refiner_model", categoryMain, job.RefinerModel)
	add("vae", categoryVAE, job.VAE)
	add("clip_g", categoryClip, job.ClipG)
	add("clip_l", categoryClip, job.ClipL)
	add("t5", categoryClip, job.T5)
	for _, cn := range job.ControlNets {
		add("controlnet", categoryControlNet, cn)
	}
	return r
}

// Refuse records why a backend was rejected. Repeated reasons are kept once.
func (r *Requirement) Refuse(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !slices.Contains(r.refusals, reason) {
		r.refusals = append(r.refusals, reason)
	}
}

// Refusals returns the recorded reasons.
func (r *Requirement) Refusals() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.refusals)
}
