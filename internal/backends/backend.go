// Package backends holds the generation backend contract and the pool that
// hands backends out for exclusive use.
package backends

import (
	"context"

	"github.com/gaspardpetit/genpool/internal/gen"
)

// Backend is one worker slot able to run a generation.
type Backend interface {
	Descriptor() *Descriptor
	// IsEligibleFor is the backend's own veto on a job.
	IsEligibleFor(job *gen.Job) bool
	// GenerateLive runs the job, writing progress and artifacts into updates
	// in order. It must not close updates. The returned outcome tells the
	// caller how the run ended.
	GenerateLive(ctx context.Context, job *gen.Job, jobID string, updates chan<- Update) Outcome
}

// ModelLoader is implemented by backends that can switch models on demand.
type ModelLoader interface {
	LoadModel(ctx context.Context, model string) error
}

// Update is one streamed value from a running generation: either progress
// or an artifact.
type Update struct {
	Fraction float64
	Preview  []byte
	Artifact *gen.Artifact
}

// OutcomeKind tags how a generation ended.
type OutcomeKind int

const (
	Completed OutcomeKind = iota
	Redirect
	UserError
	Timeout
	Cancelled
	Fatal
)

func (k OutcomeKind) String() string {
	switch k {
	case Completed:
		return "completed"
	case Redirect:
		return "redirect"
	case UserError:
		return "user_error"
	case Timeout:
		return "timeout"
	case Cancelled:
		return "cancelled"
	default:
		return "fatal"
	}
}

// Outcome is the tagged result of GenerateLive.
type Outcome struct {
	Kind    OutcomeKind
	Message string
	Err     error
}

// Done reports a normal completion.
func Done() Outcome { return Outcome{Kind: Completed} }

// Redirected asks the orchestrator to retry the job with reduced capability.
func Redirected() Outcome { return Outcome{Kind: Redirect} }

// Refused reports a readable failure.
func Refused(msg string) Outcome { return Outcome{Kind: UserError, Message: msg} }

// TimedOut reports a backend-side timeout.
func TimedOut(msg string) Outcome { return Outcome{Kind: Timeout, Message: msg} }

// Aborted reports a cancellation; it is never shown to the user.
func Aborted() Outcome { return Outcome{Kind: Cancelled} }

// Failed reports an unexpected fault. err is logged, never shown.
func Failed(err error) Outcome { return Outcome{Kind: Fatal, Err: err} }

// Predicate decides whether a backend may serve a job.
type Predicate func(Backend) bool
