package server

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gaspardpetit/genpool/internal/api"
	"github.com/gaspardpetit/genpool/internal/backends"
	"github.com/gaspardpetit/genpool/internal/claim"
	"github.com/gaspardpetit/genpool/internal/config"
	"github.com/gaspardpetit/genpool/internal/ctrlsrv"
	"github.com/gaspardpetit/genpool/internal/dispatch"
	"github.com/gaspardpetit/genpool/internal/hooks"
	"github.com/gaspardpetit/genpool/internal/metrics"
	"github.com/gaspardpetit/genpool/internal/orchestrator"
	"github.com/gaspardpetit/genpool/internal/outputs"
	"github.com/gaspardpetit/genpool/internal/serverstate"
	"github.com/gaspardpetit/genpool/internal/sessions"
)

func newServer(t *testing.T, cfg config.ServerConfig) *httptest.Server {
	t.Helper()
	cfg.SetDefaults()
	pool := backends.NewPool()
	totals := claim.NewTotals()
	hk := hooks.NewRegistry()
	sink := outputs.NewSink(outputs.NewMemoryStore(), "", time.Minute)
	orch := orchestrator.New(pool, nil, hk, sink, orchestrator.Config{AcquireTimeout: time.Second})
	h := &api.Handler{
		Dispatcher: dispatch.New(orch, pool, hk, dispatch.Config{}),
		Sessions:   sessions.NewRegistry(totals, 2, nil),
		Pool:       pool,
		Totals:     totals,
		State:      serverstate.New(nil),
		Sink:       sink,
		Hooks:      hk,
		Schema:     api.MustLoadSchema(),
	}
	preg := prometheus.NewRegistry()
	metrics.Register(preg, totals, pool)
	ts := httptest.NewServer(New(cfg, h, ctrlsrv.NewRegistry(pool), preg))
	t.Cleanup(ts.Close)
	return ts
}

func get(t *testing.T, url string, hdr ...string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp, string(b)
}

func TestMetricsEndpointDefaultPort(t *testing.T) {
	ts := newServer(t, config.ServerConfig{Port: 8080})
	resp, body := get(t, ts.URL+"/metrics")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if !strings.Contains(body, "genpool_claim_outstanding") {
		t.Fatalf("claim gauges missing from metrics output")
	}
}

func TestMetricsEndpointSeparatePort(t *testing.T) {
	ts := newServer(t, config.ServerConfig{Port: 8080, MetricsAddr: ":9090"})
	resp, _ := get(t, ts.URL+"/metrics")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestStatusPage(t *testing.T) {
	ts := newServer(t, config.ServerConfig{})
	resp, body := get(t, ts.URL+"/status")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "text/html") {
		t.Fatalf("expected text/html content type, got %s", ct)
	}
	if !strings.Contains(body, "/api/status/stream") {
		t.Fatalf("status page does not subscribe to the stream")
	}
}

func TestAPIMounted(t *testing.T) {
	ts := newServer(t, config.ServerConfig{APIKey: "k"})
	if resp, _ := get(t, ts.URL+"/api/status"); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", resp.StatusCode)
	}
	if resp, _ := get(t, ts.URL+"/api/status", "Authorization", "Bearer k"); resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with key, got %d", resp.StatusCode)
	}
	if resp, _ := get(t, ts.URL+"/healthz"); resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz: %d", resp.StatusCode)
	}
}

func TestWorkerEndpointRejectsPlainHTTP(t *testing.T) {
	ts := newServer(t, config.ServerConfig{})
	resp, _ := get(t, ts.URL+WorkerPath)
	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNotFound {
		t.Fatalf("plain GET on worker endpoint returned %d", resp.StatusCode)
	}
}

func TestCORSAllowedOrigins(t *testing.T) {
	ts := newServer(t, config.ServerConfig{AllowedOrigins: []string{"https://example.com"}})
	resp, _ := get(t, ts.URL+"/healthz", "Origin", "https://example.com")
	if ao := resp.Header.Get("Access-Control-Allow-Origin"); ao != "https://example.com" {
		t.Fatalf("expected allowed origin header, got %q", ao)
	}
	resp, _ = get(t, ts.URL+"/healthz", "Origin", "https://evil.com")
	if ao := resp.Header.Get("Access-Control-Allow-Origin"); ao != "" {
		t.Fatalf("expected no allowed origin header, got %q", ao)
	}
}
