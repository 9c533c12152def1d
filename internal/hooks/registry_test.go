package hooks

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/gaspardpetit/genpool/internal/gen"
)

func TestPreGenerateOrderAndStop(t *testing.T) {
	r := NewRegistry()
	var order []string
	r.AddPreGenerate("first", func(context.Context, *gen.Job) error { order = append(order, "first"); return nil })
	r.AddPreGenerate("second", func(context.Context, *gen.Job) error {
		order = append(order, "second")
		return errors.New("stop")
	})
	r.AddPreGenerate("third", func(context.Context, *gen.Job) error { order = append(order, "third"); return nil })

	name, err := r.RunPreGenerate(context.Background(), &gen.Job{})
	if err == nil || name != "second" {
		t.Fatalf("RunPreGenerate = %q, %v", name, err)
	}
	if diff := cmp.Diff([]string{"first", "second"}, order); diff != "" {
		t.Fatalf("order (-want +got):\n%s", diff)
	}
}

func TestBuiltins(t *testing.T) {
	ctx := context.Background()
	limit := MaxResolution(512 * 512)
	if err := limit(ctx, &gen.Job{Width: 512, Height: 512}); err != nil {
		t.Fatalf("at limit: %v", err)
	}
	err := limit(ctx, &gen.Job{Width: 1024, Height: 1024})
	if _, ok := gen.UserMessage(err); !ok {
		t.Fatalf("oversize err = %v; want user error", err)
	}
	if err := MaxResolution(0)(ctx, &gen.Job{Width: 9999, Height: 9999}); err != nil {
		t.Fatalf("disabled limit: %v", err)
	}
	if RejectEmpty(ctx, nil, &gen.Artifact{}) == nil {
		t.Fatalf("empty artifact accepted")
	}
	if err := RejectEmpty(ctx, nil, &gen.Artifact{Data: []byte{1}}); err != nil {
		t.Fatalf("non-empty refused: %v", err)
	}
}

func TestDedupeIdentical(t *testing.T) {
	b := gen.NewBatch(3)
	for i, data := range []string{"x", "y", "x"} {
		b.Admit(&gen.Artifact{Index: i, Data: []byte(data), IsReal: true})
	}
	DedupeIdentical(context.Background(), nil, b.Finals())
	if diff := cmp.Diff([]int{2}, b.Discarded()); diff != "" {
		t.Fatalf("discarded (-want +got):\n%s", diff)
	}
}

func TestNames(t *testing.T) {
	r := NewRegistry()
	r.AddPostGenerate("reject-empty", RejectEmpty)
	r.AddPostBatch("dedupe", DedupeIdentical)
	got := r.Names()
	want := map[string][]string{"post_generate": {"reject-empty"}, "post_batch": {"dedupe"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("names (-want +got):\n%s", diff)
	}
	if len(r.Validators()) != 0 {
		t.Fatalf("unexpected validators")
	}
}
