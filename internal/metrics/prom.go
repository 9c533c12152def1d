package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gaspardpetit/genpool/internal/backends"
	"github.com/gaspardpetit/genpool/internal/claim"
)

var (
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name:        "genpool_build_info",
			Help:        "Build information",
			ConstLabels: prometheus.Labels{"component": "server"},
		},
		[]string{"date", "sha", "version"},
	)

	generations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genpool_generations_total",
			Help: "Finished generation jobs by outcome",
		},
		[]string{"outcome"},
	)

	backendWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "genpool_backend_wait_seconds",
			Help:    "Time spent waiting for an eligible backend",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
	)

	generationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "genpool_generation_seconds",
			Help:    "Time a backend spent streaming one job",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300},
		},
	)

	redirects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "genpool_redirects_total",
			Help: "Jobs retried after a backend redirect",
		},
	)

	refused = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genpool_artifacts_refused_total",
			Help: "Final artifacts dropped by post-generate hooks",
		},
		[]string{"hook"},
	)
)

// Register adds every collector to r. totals and pool feed the gauge
// functions and may be nil.
func Register(r prometheus.Registerer, totals *claim.Totals, pool *backends.Pool) {
	r.MustRegister(buildInfo, generations, backendWait, generationDuration, redirects, refused)
	if totals != nil {
		for _, k := range claim.Kinds() {
			r.MustRegister(prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name:        "genpool_claim_outstanding",
					Help:        "Outstanding claim units across all sessions",
					ConstLabels: prometheus.Labels{"kind": k.String()},
				},
				func() float64 { return float64(totals.Load(k)) },
			))
		}
	}
	if pool != nil {
		for _, s := range []backends.Status{
			backends.StatusIdle, backends.StatusLoading, backends.StatusRunning,
			backends.StatusErrored, backends.StatusDisabled,
		} {
			r.MustRegister(prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name:        "genpool_backends",
					Help:        "Registered backends by status",
					ConstLabels: prometheus.Labels{"status": string(s)},
				},
				func() float64 { return float64(pool.Status().ByStatus[s]) },
			))
		}
	}
}

// SetServerBuildInfo sets the build info metric.
func SetServerBuildInfo(version, sha, date string) {
	buildInfo.WithLabelValues(date, sha, version).Set(1)
}

// RecordGeneration counts one finished job.
func RecordGeneration(outcome string) { generations.WithLabelValues(outcome).Inc() }

// ObserveBackendWait records how long an acquisition took.
func ObserveBackendWait(d time.Duration) { backendWait.Observe(d.Seconds()) }

// ObserveGeneration records how long a backend streamed.
func ObserveGeneration(d time.Duration) { generationDuration.Observe(d.Seconds()) }

// RecordRedirect counts one redirect retry.
func RecordRedirect() { redirects.Inc() }

// RecordRefusal counts an artifact refused by hook.
func RecordRefusal(hook string) { refused.WithLabelValues(hook).Inc() }
