package ctrlsrv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gaspardpetit/genpool/internal/backends"
	"github.com/gaspardpetit/genpool/internal/gen"
)

// ErrWorkerGone is reported when the worker disconnects mid-job.
var ErrWorkerGone = errors.New("worker disconnected")

// RemoteBackend is one slot of a connected worker.
type RemoteBackend struct {
	w    *Worker
	slot int
	desc *backends.Descriptor
}

func (b *RemoteBackend) Descriptor() *backends.Descriptor { return b.desc }

// IsEligibleFor rejects every job once the connection is gone.
func (b *RemoteBackend) IsEligibleFor(*gen.Job) bool { return b.w.alive() }

func (b *RemoteBackend) GenerateLive(ctx context.Context, job *gen.Job, jobID string, updates chan<- backends.Update) backends.Outcome {
	pj := b.w.addJob(jobID)
	defer b.w.removeJob(jobID)

	if !b.w.send(JobRequestMessage{Type: "job_request", JobID: jobID, Slot: b.slot, Job: job}) {
		return backends.Failed(fmt.Errorf("job %s: %w", jobID, ErrWorkerGone))
	}
	for {
		select {
		case msg := <-pj.ch:
			switch m := msg.(type) {
			case JobProgressMessage:
				updates <- backends.Update{Fraction: m.Fraction, Preview: m.Preview}
			case JobArtifactMessage:
				updates <- backends.Update{Artifact: &gen.Artifact{
					Data:     m.Data,
					MimeType: m.MimeType,
					IsReal:   m.IsReal,
					GenTime:  time.Duration(m.GenTimeMs) * time.Millisecond,
					Metadata: m.Metadata,
				}}
			case JobResultMessage:
				return backends.Done()
			case JobErrorMessage:
				return outcomeFor(m)
			}
		case <-b.w.gone:
			return backends.Failed(fmt.Errorf("job %s: %w", jobID, ErrWorkerGone))
		case <-ctx.Done():
			b.w.send(CancelJobMessage{Type: "cancel_job", JobID: jobID})
			return backends.Aborted()
		}
	}
}

func outcomeFor(m JobErrorMessage) backends.Outcome {
	switch m.Code {
	case "user":
		return backends.Refused(m.Message)
	case "redirect":
		return backends.Redirected()
	case "timeout":
		return backends.TimedOut(m.Message)
	case "cancelled":
		return backends.Aborted()
	default:
		return backends.Failed(fmt.Errorf("worker error %q: %s", m.Code, m.Message))
	}
}

// LoadModel asks the worker to switch this slot to model and waits for the
// confirmation.
func (b *RemoteBackend) LoadModel(ctx context.Context, model string) error {
	reqID := uuid.NewString()
	ch := make(chan ModelLoadedMessage, 1)
	b.w.mu.Lock()
	b.w.loads[reqID] = ch
	b.w.mu.Unlock()
	defer func() {
		b.w.mu.Lock()
		delete(b.w.loads, reqID)
		b.w.mu.Unlock()
	}()

	prev := b.desc.Status()
	b.desc.SetStatus(backends.StatusLoading)
	defer func() {
		if b.desc.Status() == backends.StatusLoading {
			b.desc.SetStatus(prev)
		}
	}()
	if !b.w.send(LoadModelMessage{Type: "load_model", RequestID: reqID, Slot: b.slot, Model: model}) {
		return ErrWorkerGone
	}
	select {
	case m := <-ch:
		if m.Error != "" {
			return fmt.Errorf("load model %s: %s", model, m.Error)
		}
		b.desc.SetCurrentModel(model)
		return nil
	case <-b.w.gone:
		return ErrWorkerGone
	case <-ctx.Done():
		return ctx.Err()
	}
}
