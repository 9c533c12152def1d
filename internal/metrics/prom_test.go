package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/gaspardpetit/genpool/internal/backends"
	"github.com/gaspardpetit/genpool/internal/claim"
)

func TestPromMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	totals := claim.NewTotals()
	pool := backends.NewPool()
	Register(reg, totals, pool)

	SetServerBuildInfo("1.0.0", "abc", "2024-01-01")
	RecordGeneration("completed")
	RecordGeneration("completed")
	RecordRedirect()
	RecordRefusal("reject-empty")
	ObserveBackendWait(20 * time.Millisecond)
	ObserveGeneration(time.Second)

	if v := testutil.ToFloat64(generations.WithLabelValues("completed")); v != 2 {
		t.Fatalf("generations: %v", v)
	}
	if v := testutil.ToFloat64(redirects); v != 1 {
		t.Fatalf("redirects: %v", v)
	}
	if v := testutil.ToFloat64(refused.WithLabelValues("reject-empty")); v != 1 {
		t.Fatalf("refused: %v", v)
	}
	if v := testutil.ToFloat64(buildInfo.WithLabelValues("2024-01-01", "abc", "1.0.0")); v != 1 {
		t.Fatalf("build info: %v", v)
	}

	c := claim.New(t.Context(), totals)
	defer c.Close()
	c.Extend(claim.Queued, 3)
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := false
	for _, mf := range mfs {
		if mf.GetName() != "genpool_claim_outstanding" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "kind" && l.GetValue() == "queued" {
					found = true
					if m.GetGauge().GetValue() != 3 {
						t.Fatalf("queued gauge = %v", m.GetGauge().GetValue())
					}
				}
			}
		}
	}
	if !found {
		t.Fatalf("claim gauge missing")
	}
}
