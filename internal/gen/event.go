package gen

import "github.com/gaspardpetit/genpool/internal/claim"

// EventKind tags the values streamed back to the caller of a batch.
type EventKind string

const (
	EventProgress EventKind = "progress"
	EventImage    EventKind = "image"
	EventError    EventKind = "error"
	EventStatus   EventKind = "status"
	EventDiscard  EventKind = "discard"
	EventDone     EventKind = "done"
)

// Event is one item of a batch's output stream.
type Event struct {
	Kind     EventKind     `json:"kind"`
	JobID    string        `json:"job_id,omitempty"`
	Index    int           `json:"index"`
	Fraction float64       `json:"fraction,omitempty"`
	Preview  []byte        `json:"preview,omitempty"`
	Artifact *Artifact     `json:"artifact,omitempty"`
	Error    string        `json:"error,omitempty"`
	Status   *claim.Counts `json:"status,omitempty"`
	Discard  []int         `json:"discard,omitempty"`
	Produced int           `json:"produced,omitempty"`
	Failures int           `json:"failures,omitempty"`
}
