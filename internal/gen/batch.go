package gen

import (
	"slices"
	"sync"
	"sync/atomic"
)

// Batch is the state shared by every job of one generate request.
type Batch struct {
	size    int
	extra   atomic.Int64
	preview atomic.Int64

	mu        sync.Mutex
	discarded []int
	finals    []*Artifact
}

// NewBatch creates the shared state for a batch of size images.
func NewBatch(size int) *Batch { return &Batch{size: size} }

// Size returns the nominal number of images.
func (b *Batch) Size() int { return b.size }

// NextExtraIndex allocates an index for a final artifact beyond the nominal
// one-per-job count. Extra indices start right after the nominal range.
func (b *Batch) NextExtraIndex() int {
	return b.size + int(b.extra.Add(1)) - 1
}

// NextPreviewIndex allocates a negative index for an intermediate artifact so
// it never collides with a final index.
func (b *Batch) NextPreviewIndex() int {
	return -int(b.preview.Add(1))
}

// Admit records a final artifact and wires its discard action.
func (b *Batch) Admit(a *Artifact) {
	idx := a.Index
	var once sync.Once
	a.SetDiscard(func() {
		once.Do(func() {
			b.mu.Lock()
			b.discarded = append(b.discarded, idx)
			b.mu.Unlock()
		})
	})
	b.mu.Lock()
	b.finals = append(b.finals, a)
	b.mu.Unlock()
}

// Finals returns the admitted final artifacts ordered by index.
func (b *Batch) Finals() []*Artifact {
	b.mu.Lock()
	out := slices.Clone(b.finals)
	b.mu.Unlock()
	slices.SortFunc(out, func(x, y *Artifact) int { return x.Index - y.Index })
	return out
}

// Discarded returns the sorted indices removed after the fact.
func (b *Batch) Discarded() []int {
	b.mu.Lock()
	out := slices.Clone(b.discarded)
	b.mu.Unlock()
	slices.Sort(out)
	return out
}
