package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/gaspardpetit/genpool/internal/api"
	"github.com/gaspardpetit/genpool/internal/backends"
	"github.com/gaspardpetit/genpool/internal/claim"
	"github.com/gaspardpetit/genpool/internal/config"
	"github.com/gaspardpetit/genpool/internal/ctrlsrv"
	"github.com/gaspardpetit/genpool/internal/dispatch"
	"github.com/gaspardpetit/genpool/internal/hooks"
	"github.com/gaspardpetit/genpool/internal/logx"
	"github.com/gaspardpetit/genpool/internal/matcher"
	"github.com/gaspardpetit/genpool/internal/metrics"
	"github.com/gaspardpetit/genpool/internal/orchestrator"
	"github.com/gaspardpetit/genpool/internal/outputs"
	"github.com/gaspardpetit/genpool/internal/server"
	"github.com/gaspardpetit/genpool/internal/serverstate"
	"github.com/gaspardpetit/genpool/internal/sessions"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

const (
	pruneInterval   = 15 * time.Second
	publishInterval = 5 * time.Second
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	var cfg config.ServerConfig
	// defaults < file < env < args
	cfg.SetDefaults()
	cfg.ApplyEnv()
	for i := 1; i < len(os.Args); i++ {
		a := os.Args[i]
		if a == "--config" && i+1 < len(os.Args) {
			cfg.ConfigFile = os.Args[i+1]
			break
		}
		if strings.HasPrefix(a, "--config=") {
			cfg.ConfigFile = strings.TrimPrefix(a, "--config=")
			break
		}
	}
	if cfg.ConfigFile != "" {
		if err := cfg.LoadFile(cfg.ConfigFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			logx.Log.Fatal().Err(err).Str("path", cfg.ConfigFile).Msg("load config")
		}
	}
	cfg.ApplyEnv()
	cfg.BindFlagsFromCurrent()
	flag.Usage = func() {
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "genpool version=%s sha=%s date=%s\n\n", version, buildSHA, buildDate)
		flag.PrintDefaults()
	}
	flag.Parse()
	if *showVersion {
		fmt.Printf("genpool version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}

	logx.SetFormat(cfg.LogFormat)
	logx.Configure(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		stateStore  serverstate.Store
		replicas    *serverstate.RedisStore
		outputStore outputs.Store
		memOutputs  *outputs.MemoryStore
	)
	if cfg.RedisAddr != "" {
		rc, err := serverstate.NewRedisClient(ctx, cfg.RedisAddr)
		if err != nil {
			logx.Log.Fatal().Err(err).Msg("connect redis")
		}
		defer func() { _ = rc.Close() }()
		id := replicaID(cfg.Port)
		replicas, err = serverstate.NewRedisStore(ctx, rc, id, 3*publishInterval)
		if err != nil {
			logx.Log.Fatal().Err(err).Msg("register replica")
		}
		stateStore = replicas
		outputStore = outputs.NewRedisStore(rc)
		logx.Log.Info().Str("addr", cfg.RedisAddr).Str("replica", id).Msg("using redis for state and outputs")
	} else {
		memOutputs = outputs.NewMemoryStore()
		outputStore = memOutputs
	}
	state := serverstate.New(stateStore)

	pool := backends.NewPool()
	totals := claim.NewTotals()
	hk := hooks.NewRegistry()
	hk.AddPreGenerate("max_resolution", hooks.MaxResolution(cfg.MaxImagePixels))
	hk.AddPostGenerate("reject_empty", hooks.RejectEmpty)
	hk.AddPostBatch("dedupe_identical", hooks.DedupeIdentical)

	sink := outputs.NewSink(outputStore, "", cfg.OutputTTL)
	orch := orchestrator.New(pool, matcher.New(cfg.DisregardedFeatures, hk.Validators), hk, sink, orchestrator.Config{
		AcquireTimeout: cfg.AcquireTimeout,
		MaxRedirects:   cfg.MaxRedirects,
	})
	disp := dispatch.New(orch, pool, hk, dispatch.Config{
		OrderingThreshold: int64(cfg.OrderingThreshold),
		OrderingDelay:     cfg.OrderingDelay,
	})
	sess := sessions.NewRegistry(totals, cfg.DefaultConcurrency, cfg.UserConcurrency)
	workers := ctrlsrv.NewRegistry(pool)

	schema, err := api.LoadSchema()
	if err != nil {
		logx.Log.Fatal().Err(err).Msg("load api schema")
	}

	preg := prometheus.NewRegistry()
	preg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(preg, totals, pool)
	metrics.SetServerBuildInfo(version, buildSHA, buildDate)

	h := &api.Handler{
		Dispatcher:     disp,
		Sessions:       sess,
		Pool:           pool,
		Totals:         totals,
		State:          state,
		Sink:           sink,
		Hooks:          hk,
		Workers:        workers,
		Schema:         schema,
		RequestTimeout: cfg.RequestTimeout,
	}
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: server.New(cfg, h, workers, preg)}
	var metricsSrv *http.Server
	if cfg.MetricsAddr != fmt.Sprintf(":%d", cfg.Port) {
		mux := http.NewServeMux()
		mux.Handle("/metrics", server.MetricsHandler(preg))
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	}

	go workers.RunPruner(ctx, pruneInterval, cfg.HeartbeatExpiry)
	if replicas != nil {
		h.Replicas = replicas
		go replicas.RunPublisher(ctx, publishInterval, totals.Snapshot)
	}
	go runPruners(ctx, sess, memOutputs, cfg.SessionIdleExpiry)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		for range sigCh {
			if state.IsDraining() || cfg.DrainTimeout == 0 {
				logx.Log.Warn().Msg("termination requested")
				cancel()
				return
			}
			state.StartDrain()
			logx.Log.Info().Interface("outstanding", totals.Snapshot()).Dur("timeout", cfg.DrainTimeout).
				Msg("draining; send SIGTERM again to terminate immediately")
			go func() {
				waitCtx := ctx
				if cfg.DrainTimeout > 0 {
					var stop context.CancelFunc
					waitCtx, stop = context.WithTimeout(ctx, cfg.DrainTimeout)
					defer stop()
				}
				if waitForIdle(waitCtx, totals) {
					logClusterLoad(replicas)
					logx.Log.Info().Msg("drain complete; terminating")
				} else if errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
					logx.Log.Warn().Interface("outstanding", totals.Snapshot()).Msg("drain timeout exceeded; terminating")
				}
				cancel()
			}()
		}
	}()
	go func() {
		<-ctx.Done()
		if replicas != nil {
			rmCtx, stop := context.WithTimeout(context.Background(), 2*time.Second)
			if err := replicas.Remove(rmCtx); err != nil {
				logx.Log.Warn().Err(err).Msg("remove replica")
			}
			stop()
		}
		if err := srv.Shutdown(context.Background()); err != nil {
			logx.Log.Error().Err(err).Msg("server shutdown")
		}
		if metricsSrv != nil {
			if err := metricsSrv.Shutdown(context.Background()); err != nil {
				logx.Log.Error().Err(err).Msg("metrics server shutdown")
			}
		}
	}()

	if cfg.APIKey != "" {
		logx.Log.Info().Msg("API key auth enabled")
	}
	if cfg.WorkerKey == "" {
		logx.Log.Warn().Msg("no worker key configured; any worker may register")
	}
	if metricsSrv != nil {
		go func() {
			logx.Log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server starting")
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logx.Log.Error().Err(err).Msg("metrics server error")
			}
		}()
	}
	logx.Log.Info().Int("port", cfg.Port).Str("version", version).Msg("server starting")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logx.Log.Fatal().Err(err).Msg("server error")
	}
}

// replicaID names this process in the shared state store.
func replicaID(port int) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = uuid.NewString()
	}
	return fmt.Sprintf("%s:%d", host, port)
}

// logClusterLoad reports what the other replicas still hold when this one
// leaves. It is a no-op without redis.
func logClusterLoad(replicas *serverstate.RedisStore) {
	if replicas == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := replicas.Publish(ctx, claim.Counts{}); err != nil {
		logx.Log.Warn().Err(err).Msg("publish final load")
	}
	sum, err := replicas.Outstanding(ctx)
	if err != nil {
		logx.Log.Warn().Err(err).Msg("read cluster load")
		return
	}
	logx.Log.Info().Interface("cluster_outstanding", sum).Msg("cluster load at drain end")
}

// waitForIdle polls the claim totals until nothing is outstanding or ctx ends.
func waitForIdle(ctx context.Context, totals *claim.Totals) bool {
	t := time.NewTicker(200 * time.Millisecond)
	defer t.Stop()
	for {
		if totals.Snapshot().Zero() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
		}
	}
}

func runPruners(ctx context.Context, sess *sessions.Registry, mem *outputs.MemoryStore, idle time.Duration) {
	t := time.NewTicker(pruneInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if n := sess.PruneIdle(idle); n > 0 {
			logx.Log.Debug().Int("sessions", n).Msg("pruned idle sessions")
		}
		if mem != nil {
			if n := mem.Prune(); n > 0 {
				logx.Log.Debug().Int("outputs", n).Msg("pruned expired outputs")
			}
		}
	}
}
