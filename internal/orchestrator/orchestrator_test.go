package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/gaspardpetit/genpool/internal/backends"
	"github.com/gaspardpetit/genpool/internal/backends/backendtest"
	"github.com/gaspardpetit/genpool/internal/claim"
	"github.com/gaspardpetit/genpool/internal/gen"
	"github.com/gaspardpetit/genpool/internal/hooks"
	"github.com/gaspardpetit/genpool/internal/outputs"
)

type harness struct {
	pool   *backends.Pool
	hooks  *hooks.Registry
	totals *claim.Totals
	orch   *Orchestrator
}

func newHarness(t *testing.T, cfg Config, bs ...backends.Backend) *harness {
	t.Helper()
	h := &harness{pool: backends.NewPool(), hooks: hooks.NewRegistry(), totals: claim.NewTotals()}
	for _, b := range bs {
		h.pool.Add(b)
	}
	h.orch = New(h.pool, nil, h.hooks, nil, cfg)
	return h
}

func (h *harness) run(t *testing.T, job *gen.Job, c *claim.Claim, batch *gen.Batch, index int) (Result, []gen.Event) {
	t.Helper()
	own := c == nil
	if own {
		c = claim.New(context.Background(), h.totals)
		defer c.Close()
	}
	out := make(chan gen.Event, 64)
	c.Extend(claim.Queued, 1)
	res := h.orch.Run(context.Background(), Request{Job: job, JobID: "job", Index: index, Claim: c, Batch: batch, Out: out})
	close(out)
	var evs []gen.Event
	for ev := range out {
		evs = append(evs, ev)
	}
	if own {
		h.checkNoLeak(t)
	}
	return res, evs
}

func (h *harness) checkNoLeak(t *testing.T) {
	t.Helper()
	if got := h.totals.Snapshot(); !got.Zero() {
		t.Fatalf("claim counters leaked: %#v", got)
	}
}

func kinds(evs []gen.Event) []gen.EventKind {
	out := make([]gen.EventKind, len(evs))
	for i, ev := range evs {
		out[i] = ev.Kind
	}
	return out
}

func TestRunProducesArtifact(t *testing.T) {
	f := backendtest.New("comfy")
	h := newHarness(t, Config{})
	h.pool.Add(f)
	h.orch = New(h.pool, nil, h.hooks, outputs.NewSink(outputs.NewMemoryStore(), "", time.Minute), Config{})

	res, evs := h.run(t, &gen.Job{Prompt: "cat", Seed: 7}, nil, nil, 0)
	if res.Produced != 1 || res.Err != "" {
		t.Fatalf("result = %+v", res)
	}
	want := []gen.EventKind{gen.EventProgress, gen.EventImage, gen.EventStatus}
	if diff := cmp.Diff(want, kinds(evs)); diff != "" {
		t.Fatalf("event kinds (-want +got):\n%s", diff)
	}
	a := evs[1].Artifact
	if a.Index != 0 || a.Ref == "" || a.Metadata["prompt"] != "cat" || a.Metadata["backend_id"] != f.Descriptor().ID {
		t.Fatalf("artifact = %+v", a)
	}
}

func TestPreGenerateRefusal(t *testing.T) {
	f := backendtest.New("comfy")
	h := newHarness(t, Config{}, f)
	h.hooks.AddPreGenerate("max-resolution", hooks.MaxResolution(256*256))

	res, _ := h.run(t, &gen.Job{Width: 1024, Height: 1024}, nil, nil, 0)
	if res.Err == "" || res.Err == gen.MsgNoImages || res.Produced != 0 {
		t.Fatalf("result = %+v", res)
	}
	if f.Calls() != 0 {
		t.Fatalf("backend called %d times", f.Calls())
	}
}

func TestPreGenerateFaultIsGeneric(t *testing.T) {
	h := newHarness(t, Config{}, backendtest.New("comfy"))
	h.hooks.AddPreGenerate("broken", func(context.Context, *gen.Job) error { return errors.New("db down") })
	res, _ := h.run(t, &gen.Job{}, nil, nil, 0)
	if res.Err != gen.MsgBackendFault {
		t.Fatalf("err = %q", res.Err)
	}
}

func TestAcquireTimeout(t *testing.T) {
	f := backendtest.New("comfy")
	f.Eligible = func(*gen.Job) bool { return false }
	h := newHarness(t, Config{AcquireTimeout: 30 * time.Millisecond}, f)

	res, evs := h.run(t, &gen.Job{}, nil, nil, 0)
	if res.Err != gen.MsgTimeout {
		t.Fatalf("err = %q; want timeout message", res.Err)
	}
	if len(evs) != 1 || evs[0].Kind != gen.EventStatus {
		t.Fatalf("events = %v", kinds(evs))
	}
}

func TestFatalOutcomeIsGeneric(t *testing.T) {
	f := backendtest.New("comfy")
	f.Script = func(context.Context, *gen.Job, chan<- backends.Update) backends.Outcome {
		return backends.Failed(errors.New("CUDA out of memory"))
	}
	h := newHarness(t, Config{}, f)
	res, _ := h.run(t, &gen.Job{}, nil, nil, 0)
	if res.Err != gen.MsgBackendFault {
		t.Fatalf("err = %q", res.Err)
	}
}

func TestBackendPanicIsFatal(t *testing.T) {
	f := backendtest.New("comfy")
	f.Script = func(context.Context, *gen.Job, chan<- backends.Update) backends.Outcome { panic("boom") }
	h := newHarness(t, Config{}, f)
	res, _ := h.run(t, &gen.Job{}, nil, nil, 0)
	if res.Err != gen.MsgBackendFault {
		t.Fatalf("err = %q", res.Err)
	}
	if st := h.pool.Status(); st.Held != 0 {
		t.Fatalf("backend still held after panic")
	}
}

func TestUserErrorOutcome(t *testing.T) {
	f := backendtest.New("comfy")
	f.Script = func(context.Context, *gen.Job, chan<- backends.Update) backends.Outcome {
		return backends.Refused("prompt rejected by safety filter")
	}
	h := newHarness(t, Config{}, f)
	res, _ := h.run(t, &gen.Job{}, nil, nil, 0)
	if res.Err != "prompt rejected by safety filter" {
		t.Fatalf("err = %q", res.Err)
	}
}

func TestIndicesForExtraAndPreviewArtifacts(t *testing.T) {
	f := backendtest.New("comfy")
	f.Script = func(_ context.Context, job *gen.Job, u chan<- backends.Update) backends.Outcome {
		u <- backends.Update{Artifact: &gen.Artifact{Data: []byte("p"), IsReal: false}}
		u <- backends.Update{Artifact: backendtest.Image(job)}
		u <- backends.Update{Artifact: backendtest.Image(job)}
		return backends.Done()
	}
	h := newHarness(t, Config{}, f)
	batch := gen.NewBatch(4)
	res, evs := h.run(t, &gen.Job{}, nil, batch, 1)
	if res.Produced != 2 {
		t.Fatalf("produced = %d", res.Produced)
	}
	var idx []int
	for _, ev := range evs {
		if ev.Kind == gen.EventImage {
			idx = append(idx, ev.Index)
		}
	}
	if diff := cmp.Diff([]int{-1, 1, 4}, idx); diff != "" {
		t.Fatalf("indices (-want +got):\n%s", diff)
	}
	if len(batch.Finals()) != 2 {
		t.Fatalf("finals = %d", len(batch.Finals()))
	}
}

type flakySink struct {
	fails int
	calls int
}

func (s *flakySink) Save(_ context.Context, _ *gen.Job, _ *gen.Artifact) (string, map[string]any, error) {
	s.calls++
	if s.calls <= s.fails {
		return "", nil, errors.New("store unavailable")
	}
	return fmt.Sprintf("/api/outputs/%d", s.calls), map[string]any{}, nil
}

func TestFailedSaveKeepsNominalIndex(t *testing.T) {
	f := backendtest.New("comfy")
	f.Script = func(_ context.Context, job *gen.Job, u chan<- backends.Update) backends.Outcome {
		u <- backends.Update{Artifact: backendtest.Image(job)}
		u <- backends.Update{Artifact: &gen.Artifact{Data: []byte("second"), IsReal: true}}
		return backends.Done()
	}
	h := newHarness(t, Config{}, f)
	h.orch = New(h.pool, nil, h.hooks, &flakySink{fails: 1}, Config{})

	batch := gen.NewBatch(3)
	res, evs := h.run(t, &gen.Job{}, nil, batch, 1)
	if res.Produced != 1 {
		t.Fatalf("result = %+v", res)
	}
	var idx []int
	for _, ev := range evs {
		if ev.Kind == gen.EventImage {
			idx = append(idx, ev.Index)
		}
	}
	if diff := cmp.Diff([]int{1}, idx); diff != "" {
		t.Fatalf("image indices (-want +got):\n%s", diff)
	}
	if got := batch.NextExtraIndex(); got != 3 {
		t.Fatalf("extra index consumed by failed save: next = %d", got)
	}
}

func TestPostGenerateRefusalYieldsNoImages(t *testing.T) {
	f := backendtest.New("comfy")
	h := newHarness(t, Config{}, f)
	h.hooks.AddPostGenerate("reject-empty", hooks.RejectEmpty)
	f.Script = func(_ context.Context, _ *gen.Job, u chan<- backends.Update) backends.Outcome {
		u <- backends.Update{Artifact: &gen.Artifact{IsReal: true}}
		return backends.Done()
	}
	res, evs := h.run(t, &gen.Job{}, nil, nil, 0)
	if res.Produced != 0 || res.Err != gen.MsgNoImages {
		t.Fatalf("result = %+v", res)
	}
	for _, ev := range evs {
		if ev.Kind == gen.EventImage {
			t.Fatalf("refused artifact was emitted")
		}
	}
}

func TestRedirectRetriesWithoutTools(t *testing.T) {
	f := backendtest.New("comfy")
	f.Script = func(_ context.Context, job *gen.Job, u chan<- backends.Update) backends.Outcome {
		if job.MayCallTools {
			return backends.Redirected()
		}
		u <- backends.Update{Artifact: backendtest.Image(job)}
		return backends.Done()
	}
	h := newHarness(t, Config{}, f)
	res, _ := h.run(t, &gen.Job{MayCallTools: true}, nil, nil, 0)
	if res.Produced != 1 || res.Err != "" {
		t.Fatalf("result = %+v", res)
	}
	jobs := f.Jobs()
	if len(jobs) != 2 || !jobs[0].MayCallTools || jobs[1].MayCallTools {
		t.Fatalf("jobs seen = %d, first tools=%v", len(jobs), len(jobs) > 0 && jobs[0].MayCallTools)
	}
}

func TestRedirectRetriedWhenToolsAlreadyOff(t *testing.T) {
	f := backendtest.New("comfy")
	attempts := 0
	f.Script = func(_ context.Context, job *gen.Job, u chan<- backends.Update) backends.Outcome {
		attempts++
		if attempts == 1 {
			return backends.Redirected()
		}
		u <- backends.Update{Artifact: backendtest.Image(job)}
		return backends.Done()
	}
	h := newHarness(t, Config{}, f)
	res, evs := h.run(t, &gen.Job{Seed: 3}, nil, gen.NewBatch(2), 1)
	if res.Produced != 1 || res.Err != "" {
		t.Fatalf("result = %+v", res)
	}
	if attempts != 2 {
		t.Fatalf("attempts = %d; want 2", attempts)
	}
	for _, ev := range evs {
		if ev.Kind == gen.EventImage && ev.Index != 1 {
			t.Fatalf("retried artifact got index %d; want 1", ev.Index)
		}
	}
}

func TestRedirectDisabled(t *testing.T) {
	f := backendtest.New("comfy")
	f.Script = func(context.Context, *gen.Job, chan<- backends.Update) backends.Outcome {
		return backends.Redirected()
	}
	h := newHarness(t, Config{MaxRedirects: -1}, f)
	res, _ := h.run(t, &gen.Job{MayCallTools: true}, nil, nil, 0)
	if res.Err != gen.MsgBackendFault || f.Calls() != 1 {
		t.Fatalf("err = %q calls = %d", res.Err, f.Calls())
	}
}

func TestRepeatedRedirectIsFatal(t *testing.T) {
	f := backendtest.New("comfy")
	f.Script = func(context.Context, *gen.Job, chan<- backends.Update) backends.Outcome {
		return backends.Redirected()
	}
	h := newHarness(t, Config{}, f)
	res, _ := h.run(t, &gen.Job{MayCallTools: true}, nil, nil, 0)
	if res.Err != gen.MsgBackendFault {
		t.Fatalf("err = %q", res.Err)
	}
	if f.Calls() != 2 {
		t.Fatalf("calls = %d; want 2", f.Calls())
	}
}

func TestModelLoadedBeforeGeneration(t *testing.T) {
	f := backendtest.New("comfy")
	h := newHarness(t, Config{}, f)
	job := &gen.Job{Model: "sdxl_base.safetensors"}
	h.run(t, job, nil, nil, 0)
	h.run(t, job, nil, nil, 0)
	if diff := cmp.Diff([]string{"sdxl_base.safetensors"}, f.Loaded()); diff != "" {
		t.Fatalf("loads (-want +got):\n%s", diff)
	}
}

func TestInterruptWhileWaitingIsSilent(t *testing.T) {
	f := backendtest.New("comfy")
	h := newHarness(t, Config{}, f)
	held, err := h.pool.Acquire(context.Background(), nil, 0, nil)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer held.Release()

	c := claim.New(context.Background(), h.totals)
	defer c.Close()
	done := make(chan Result, 1)
	go func() {
		res, _ := h.run(t, &gen.Job{}, c, nil, 0)
		done <- res
	}()
	deadline := time.Now().Add(2 * time.Second)
	for h.pool.Waiting() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("job never waited")
		}
		time.Sleep(time.Millisecond)
	}
	c.Interrupt()
	select {
	case res := <-done:
		if !res.Cancelled || res.Err != "" || res.Produced != 0 {
			t.Fatalf("result = %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not return after interrupt")
	}
	if f.Calls() != 0 {
		t.Fatalf("backend was called")
	}
	h.checkNoLeak(t)
}

func TestInterruptDoesNotAbortRunningGeneration(t *testing.T) {
	started := make(chan struct{})
	proceed := make(chan struct{})
	f := backendtest.New("comfy")
	f.Script = func(ctx context.Context, job *gen.Job, u chan<- backends.Update) backends.Outcome {
		close(started)
		<-proceed
		if ctx.Err() != nil {
			return backends.Aborted()
		}
		u <- backends.Update{Artifact: backendtest.Image(job)}
		return backends.Done()
	}
	h := newHarness(t, Config{}, f)
	c := claim.New(context.Background(), h.totals)
	defer c.Close()
	done := make(chan Result, 1)
	go func() {
		res, _ := h.run(t, &gen.Job{}, c, nil, 0)
		done <- res
	}()
	<-started
	c.Interrupt()
	close(proceed)
	res := <-done
	if res.Produced != 1 {
		t.Fatalf("result = %+v; running generation should finish", res)
	}
	h.checkNoLeak(t)
}
