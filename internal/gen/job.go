// Package gen holds the request, artifact and event types shared by the
// scheduling core.
package gen

import "maps"

// NoModel is the placeholder value meaning "no specific model requested".
const NoModel = "(none)"

// Job describes one image generation as far as routing is concerned.
type Job struct {
	Prompt         string         `json:"prompt"`
	NegativePrompt string         `json:"negative_prompt,omitempty"`
	Width          int            `json:"width,omitempty"`
	Height         int            `json:"height,omitempty"`
	Steps          int            `json:"steps,omitempty"`
	Seed           int64          `json:"seed"`
	VariationSeed  int64          `json:"variation_seed,omitempty"`
	VariationStr   float64        `json:"variation_strength,omitempty"`
	NoSeedIncrease bool           `json:"no_seed_increment,omitempty"`
	Model          string         `json:"model,omitempty"`
	RefinerModel   string         `json:"refiner_model,omitempty"`
	VAE            string         `json:"vae,omitempty"`
	ClipG          string         `json:"clip_g,omitempty"`
	ClipL          string         `json:"clip_l,omitempty"`
	T5             string         `json:"t5,omitempty"`
	ControlNets    []string       `json:"controlnets,omitempty"`
	Loras          []string       `json:"loras,omitempty"`
	Embeddings     []string       `json:"embeddings,omitempty"`
	Features       []string       `json:"features,omitempty"`
	BackendType    string         `json:"backend_type,omitempty"`
	BackendID      *int           `json:"backend_id,omitempty"`
	BackendGroupID *int           `json:"backend_group_id,omitempty"`
	MayCallTools   bool           `json:"may_call_tools,omitempty"`
	Extra          map[string]any `json:"extra,omitempty"`
}

// Clone returns a deep copy so per-index adjustments never leak between jobs
// of the same batch.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	cp.ControlNets = append([]string(nil), j.ControlNets...)
	cp.Loras = append([]string(nil), j.Loras...)
	cp.Embeddings = append([]string(nil), j.Embeddings...)
	cp.Features = append([]string(nil), j.Features...)
	if j.BackendID != nil {
		id := *j.BackendID
		cp.BackendID = &id
	}
	if j.BackendGroupID != nil {
		id := *j.BackendGroupID
		cp.BackendGroupID = &id
	}
	if j.Extra != nil {
		cp.Extra = maps.Clone(j.Extra)
	}
	return &cp
}

// VariationActive reports whether the variation seed, rather than the main
// seed, is the one that changes between images.
func (j *Job) VariationActive() bool {
	return j.VariationStr > 0
}

// ForIndex returns a copy of j adjusted for the i-th image of a batch: the
// active seed is increased by i unless seed increments are disabled.
func (j *Job) ForIndex(i int) *Job {
	cp := j.Clone()
	if cp.NoSeedIncrease || i == 0 {
		return cp
	}
	if cp.VariationActive() {
		cp.VariationSeed += int64(i)
	} else {
		cp.Seed += int64(i)
	}
	return cp
}

// Pixels returns the requested image area, or zero when unset.
func (j *Job) Pixels() int {
	if j.Width <= 0 || j.Height <= 0 {
		return 0
	}
	return j.Width * j.Height
}

// ResolveRandomSeeds replaces the "random" seed value -1 with a value drawn
// from next, so every image of a batch derives from one concrete seed.
func (j *Job) ResolveRandomSeeds(next func() int64) {
	if j.Seed == -1 {
		j.Seed = next()
	}
	if j.VariationActive() && j.VariationSeed == -1 {
		j.VariationSeed = next()
	}
}
