package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gaspardpetit/genpool/internal/backends"
	"github.com/gaspardpetit/genpool/internal/claim"
	"github.com/gaspardpetit/genpool/internal/ctrlsrv"
	"github.com/gaspardpetit/genpool/internal/logx"
	"github.com/gaspardpetit/genpool/internal/serverstate"
	"github.com/gaspardpetit/genpool/internal/sessions"
)

// ReplicaLister reports the replicas sharing this server's state store.
type ReplicaLister interface {
	Replicas(ctx context.Context) ([]serverstate.Replica, error)
}

// StatusView is the body of GET /api/status.
type StatusView struct {
	State    serverstate.State     `json:"state"`
	Host     serverstate.HostStats `json:"host"`
	Claims   claim.Counts          `json:"claims"`
	Pool     backends.PoolStatus   `json:"pool"`
	Sessions int                   `json:"sessions"`
	Workers  []ctrlsrv.WorkerView  `json:"workers"`
	Hooks    map[string][]string   `json:"hooks,omitempty"`
	Time     time.Time             `json:"time"`
	Backends []backends.View       `json:"backends,omitempty"`
	Detail   []sessions.View       `json:"session_detail,omitempty"`
	Replicas []serverstate.Replica `json:"replicas,omitempty"`
}

func (h *Handler) status(ctx context.Context, detail bool) StatusView {
	v := StatusView{
		Host:    serverstate.Host(),
		Claims:  h.Totals.Snapshot(),
		Pool:    h.Pool.Status(),
		Workers: []ctrlsrv.WorkerView{},
		Time:    time.Now().UTC(),
	}
	if h.State != nil {
		v.State = h.State.Load()
	}
	if h.Workers != nil {
		v.Workers = h.Workers.Workers()
	}
	if h.Hooks != nil {
		v.Hooks = h.Hooks.Names()
	}
	snap := h.Sessions.Snapshot()
	v.Sessions = len(snap)
	if detail {
		v.Backends = h.Pool.Snapshot()
		v.Detail = snap
	}
	if h.Replicas != nil {
		reps, err := h.Replicas.Replicas(ctx)
		if err != nil {
			logx.Log.Warn().Err(err).Msg("list replicas")
		}
		v.Replicas = reps
	}
	return v
}

// Status handles GET /api/status. ?detail=1 adds per-backend and per-session
// views.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.status(r.Context(), r.URL.Query().Get("detail") != ""))
}

// StatusStream handles GET /api/status/stream, pushing a status event every
// StreamInterval until the client leaves.
func (h *Handler) StatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	interval := h.StreamInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := writeSSE(w, "status", h.status(r.Context(), false)); err != nil {
			return
		}
		flusher.Flush()
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

// Healthz reports liveness along with the lifecycle state.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	st := serverstate.State{Status: serverstate.StateReady}
	if h.State != nil {
		st = h.State.Load()
	}
	writeJSON(w, http.StatusOK, st)
}
