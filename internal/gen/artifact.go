package gen

import "time"

// Artifact is one output produced by a backend: a final image or an
// intermediate preview.
type Artifact struct {
	Data     []byte         `json:"-"`
	MimeType string         `json:"mime_type,omitempty"`
	IsReal   bool           `json:"is_real"`
	GenTime  time.Duration  `json:"-"`
	PrepTime time.Duration  `json:"-"`
	Index    int            `json:"index"`
	Ref      string         `json:"ref,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`

	discard func()
}

// SetDiscard installs the action that removes the artifact from its batch's
// result set.
func (a *Artifact) SetDiscard(fn func()) { a.discard = fn }

// Discard removes the artifact from the result set. It is a no-op when the
// artifact was never admitted to a batch.
func (a *Artifact) Discard() {
	if a.discard != nil {
		a.discard()
	}
}
