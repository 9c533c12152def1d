package matcher

import (
	"fmt"
	"strings"

	"github.com/gaspardpetit/genpool/internal/backends"
)

const (
	categoryMain       = backends.CategoryMain
	categoryVAE        = backends.CategoryVAE
	categoryClip       = backends.CategoryClip
	categoryControlNet = backends.CategoryControlNet
)

// Validator is an externally registered extra eligibility check.
type Validator func(b backends.Backend, req *Requirement) bool

// DefaultDisregarded lists feature flags that describe request semantics
// rather than a hard backend capability.
var DefaultDisregarded = []string{"sdxl", "sd3", "flux-1"}

// Matcher builds predicates with a fixed set of disregarded flags and extra
// validators.
type Matcher struct {
	disregarded map[string]bool
	validators  func() []Validator
}

// New returns a Matcher. validators is consulted on every Build so late
// registrations are honoured; it may be nil.
func New(disregarded []string, validators func() []Validator) *Matcher {
	m := &Matcher{disregarded: map[string]bool{}, validators: validators}
	for _, f := range disregarded {
		m.disregarded[strings.TrimSpace(f)] = true
	}
	return m
}

// Build returns the eligibility predicate for req.
func (m *Matcher) Build(req *Requirement) backends.Predicate {
	var extra []Validator
	if m.validators != nil {
		extra = m.validators()
	}
	return Build(req, m.disregarded, extra)
}

// Build returns a predicate that tests backends against req. Checks run in a
// fixed order and stop at the first failure, which is recorded on req.
func Build(req *Requirement, disregarded map[string]bool, validators []Validator) backends.Predicate {
	return func(b backends.Backend) bool {
		d := b.Descriptor()
		if !d.CanLoadModels {
			req.Refuse(fmt.Sprintf("backend %d cannot load models", d.ID))
			return false
		}
		if req.BackendType != "" && req.BackendType != "any" && req.BackendType != d.TypeID {
			req.Refuse(fmt.Sprintf("backend %d is type %q, not %q", d.ID, d.TypeID, req.BackendType))
			return false
		}
		if !idMatches(req.BackendID, d) || !idMatches(req.BackendGroupID, d) {
			req.Refuse(fmt.Sprintf("backend %d is not the requested backend", d.ID))
			return false
		}
		for _, f := range req.Features {
			if !d.HasFeature(f) && !disregarded[f] {
				req.Refuse(fmt.Sprintf("backend %d is missing feature %q", d.ID, f))
				return false
			}
		}
		if d.TracksModels() {
			for _, mr := range req.Models {
				if !hasModel(d, mr.Category, mr.Name) {
					req.Refuse(fmt.Sprintf("backend %d does not have %s %q", d.ID, mr.Role, mr.Name))
					return false
				}
			}
			for _, l := range req.Loras {
				if !hasModel(d, backends.CategoryLoRA, l) {
					req.Refuse(fmt.Sprintf("backend %d does not have lora %q", d.ID, l))
					return false
				}
			}
			for _, e := range req.Embeddings {
				if !hasModel(d, backends.CategoryEmbedding, e) {
					req.Refuse(fmt.Sprintf("backend %d does not have embedding %q", d.ID, e))
					return false
				}
			}
		}
		if !b.IsEligibleFor(req.Job) {
			req.Refuse(fmt.Sprintf("backend %d refused the job", d.ID))
			return false
		}
		for _, v := range validators {
			if !v(b, req) {
				req.Refuse(fmt.Sprintf("backend %d rejected by validator", d.ID))
				return false
			}
		}
		return true
	}
}

func idMatches(want *int, d *backends.Descriptor) bool {
	if want == nil {
		return true
	}
	return d.ID == *want || (d.ParentID != 0 && d.ParentID == *want)
}

func hasModel(d *backends.Descriptor, category, name string) bool {
	return d.HasModel(category, name) || d.HasModel(category, name+ModelSuffix) ||
		(strings.HasSuffix(name, ModelSuffix) && d.HasModel(category, strings.TrimSuffix(name, ModelSuffix)))
}
