package backends

import (
	"slices"
	"sort"
	"sync"
)

// Status is the lifecycle state a backend reports.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusLoading  Status = "loading"
	StatusRunning  Status = "running"
	StatusErrored  Status = "errored"
	StatusDisabled Status = "disabled"
)

// Valid reports whether s is one of the known states.
func (s Status) Valid() bool {
	switch s {
	case StatusIdle, StatusLoading, StatusRunning, StatusErrored, StatusDisabled:
		return true
	}
	return false
}

// Usable reports whether a backend in this state may be handed out.
func (s Status) Usable() bool { return s == StatusIdle || s == StatusRunning }

// Model categories tracked by descriptors.
const (
	CategoryMain       = "Stable-Diffusion"
	CategoryVAE        = "VAE"
	CategoryClip       = "Clip"
	CategoryControlNet = "ControlNet"
	CategoryLoRA       = "LoRA"
	CategoryEmbedding  = "Embedding"
)

// Descriptor is the routing profile of one backend slot. Identity fields are
// set before the descriptor is added to a pool; the rest may change while the
// backend runs and is guarded by mu.
type Descriptor struct {
	ID            int
	ParentID      int
	TypeID        string
	Name          string
	CanLoadModels bool

	mu           sync.RWMutex
	status       Status
	features     map[string]bool
	models       map[string][]string
	currentModel string
}

// NewDescriptor returns a descriptor in the idle state.
func NewDescriptor(typeID string, features []string, models map[string][]string, canLoad bool) *Descriptor {
	d := &Descriptor{TypeID: typeID, CanLoadModels: canLoad, status: StatusIdle}
	d.SetFeatures(features)
	d.SetModels(models)
	return d
}

// GroupID is the parent ID when set, else the descriptor's own ID.
func (d *Descriptor) GroupID() int {
	if d.ParentID != 0 {
		return d.ParentID
	}
	return d.ID
}

func (d *Descriptor) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.status
}

func (d *Descriptor) SetStatus(s Status) {
	d.mu.Lock()
	d.status = s
	d.mu.Unlock()
}

func (d *Descriptor) CurrentModel() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.currentModel
}

func (d *Descriptor) SetCurrentModel(m string) {
	d.mu.Lock()
	d.currentModel = m
	d.mu.Unlock()
}

// HasFeature reports whether the backend advertises flag.
func (d *Descriptor) HasFeature(flag string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.features[flag]
}

// Features returns the supported flags, sorted.
func (d *Descriptor) Features() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.features))
	for f := range d.features {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// SetFeatures replaces the supported flag set.
func (d *Descriptor) SetFeatures(flags []string) {
	set := make(map[string]bool, len(flags))
	for _, f := range flags {
		set[f] = true
	}
	d.mu.Lock()
	d.features = set
	d.mu.Unlock()
}

// TracksModels reports whether the backend publishes model lists at all.
func (d *Descriptor) TracksModels() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.models != nil
}

// Models returns a copy of the filenames available in category.
func (d *Descriptor) Models(category string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.models[category])
}

// HasModel reports whether name is listed in category.
func (d *Descriptor) HasModel(category, name string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Contains(d.models[category], name)
}

// SetModels replaces the model lists. A nil map turns model awareness off.
func (d *Descriptor) SetModels(models map[string][]string) {
	var cp map[string][]string
	if models != nil {
		cp = make(map[string][]string, len(models))
		for k, v := range models {
			cp[k] = slices.Clone(v)
		}
	}
	d.mu.Lock()
	d.models = cp
	d.mu.Unlock()
}

// View is the JSON form of a descriptor for status output.
type View struct {
	ID            int      `json:"id"`
	ParentID      int      `json:"parent_id,omitempty"`
	Name          string   `json:"name,omitempty"`
	TypeID        string   `json:"type"`
	Status        Status   `json:"status"`
	Held          bool     `json:"held"`
	Uses          uint64   `json:"uses"`
	CanLoadModels bool     `json:"can_load_models"`
	CurrentModel  string   `json:"current_model,omitempty"`
	Features      []string `json:"features"`
	ModelCount    int      `json:"model_count"`
}

func (d *Descriptor) view() View {
	v := View{
		ID:            d.ID,
		ParentID:      d.ParentID,
		Name:          d.Name,
		TypeID:        d.TypeID,
		CanLoadModels: d.CanLoadModels,
		Features:      d.Features(),
	}
	d.mu.RLock()
	v.Status = d.status
	v.CurrentModel = d.currentModel
	for _, m := range d.models {
		v.ModelCount += len(m)
	}
	d.mu.RUnlock()
	return v
}
