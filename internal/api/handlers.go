// Package api exposes sessions, generation and status over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/gaspardpetit/genpool/internal/backends"
	"github.com/gaspardpetit/genpool/internal/claim"
	"github.com/gaspardpetit/genpool/internal/ctrlsrv"
	"github.com/gaspardpetit/genpool/internal/dispatch"
	"github.com/gaspardpetit/genpool/internal/gen"
	"github.com/gaspardpetit/genpool/internal/hooks"
	"github.com/gaspardpetit/genpool/internal/logx"
	"github.com/gaspardpetit/genpool/internal/outputs"
	"github.com/gaspardpetit/genpool/internal/serverstate"
	"github.com/gaspardpetit/genpool/internal/sessions"
)

const maxBodyBytes = 1 << 20

// Handler carries every dependency of the HTTP surface.
type Handler struct {
	Dispatcher     *dispatch.Dispatcher
	Sessions       *sessions.Registry
	Pool           *backends.Pool
	Totals         *claim.Totals
	State          *serverstate.Tracker
	Sink           *outputs.Sink
	Hooks          *hooks.Registry
	Workers        *ctrlsrv.Registry
	Schema         *Schema
	Replicas       ReplicaLister
	RequestTimeout time.Duration
	StreamInterval time.Duration
}

// GenerateRequest is the body of POST /api/generate.
type GenerateRequest struct {
	gen.Job
	SessionID string `json:"session_id,omitempty"`
	Images    int    `json:"images,omitempty"`
	Stream    *bool  `json:"stream,omitempty"`
}

// ImageView is one produced image in an aggregated response.
type ImageView struct {
	Index    int            `json:"index"`
	Ref      string         `json:"ref"`
	MimeType string         `json:"mime_type,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// GenerateResponse is the non-streaming result of a generate request.
type GenerateResponse struct {
	SessionID string       `json:"session_id"`
	ClaimID   string       `json:"claim_id"`
	Images    []ImageView  `json:"images"`
	Discarded []int        `json:"discarded,omitempty"`
	Produced  int          `json:"produced"`
	Failures  int          `json:"failures"`
	Error     string       `json:"error,omitempty"`
	Status    claim.Counts `json:"status"`
}

// CreateSession handles POST /api/sessions.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	s := h.Sessions.Create(userFromRequest(r))
	writeJSON(w, http.StatusCreated, map[string]string{"session_id": s.ID})
}

// ListSessions handles GET /api/sessions.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	user := userFromRequest(r)
	out := []sessions.View{}
	for _, v := range h.Sessions.Snapshot() {
		if v.User == user {
			out = append(out, v)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// InterruptSession handles POST /api/sessions/{id}/interrupt.
func (h *Handler) InterruptSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.Sessions.Resolve(id, userFromRequest(r)); err != nil {
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}
	n, err := h.Sessions.Interrupt(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"interrupted": n})
}

// Generate handles POST /api/generate. Events stream as SSE unless the body
// sets "stream": false.
func (h *Handler) Generate(w http.ResponseWriter, r *http.Request) {
	if h.State != nil && h.State.IsDraining() {
		writeError(w, http.StatusServiceUnavailable, "server is draining")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body")
		return
	}
	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if h.Schema != nil {
		if err := h.Schema.Validate(r.Context(), "GenerateRequest", raw); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	var req GenerateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	user := userFromRequest(r)
	sess, err := h.Sessions.Resolve(req.SessionID, user)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}
	ctx := r.Context()
	if h.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.RequestTimeout)
		defer cancel()
	}
	c := h.Sessions.NewClaim(ctx, sess)
	defer h.Sessions.Release(sess, c)

	logx.Log.Info().
		Str("request_id", requestID(r)).
		Str("session_id", sess.ID).
		Str("claim_id", c.ID).
		Str("user", user).
		Int("images", max(req.Images, 1)).
		Msg("generate")

	events := h.Dispatcher.RunBatch(ctx, dispatch.BatchRequest{
		Job:           &req.Job,
		Images:        req.Images,
		Limiter:       sess.Limiter(),
		MaxConcurrent: h.Sessions.MaxConcurrent(user),
		Claim:         c,
	})
	if req.Stream == nil || *req.Stream {
		h.streamEvents(w, r, sess.ID, c, events)
		return
	}
	h.aggregate(w, sess.ID, c, events)
}

func (h *Handler) streamEvents(w http.ResponseWriter, r *http.Request, sessionID string, c *claim.Claim, events <-chan gen.Event) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		c.Interrupt()
		for range events {
		}
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Session-ID", sessionID)
	w.Header().Set("X-Claim-ID", c.ID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	broken := false
	for ev := range events {
		if broken {
			continue
		}
		if err := writeSSE(w, string(ev.Kind), ev); err != nil {
			logx.Log.Info().Str("claim_id", c.ID).Err(err).Msg("client went away, interrupting")
			c.Interrupt()
			broken = true
			continue
		}
		flusher.Flush()
		if r.Context().Err() != nil {
			c.Interrupt()
			broken = true
		}
	}
}

func writeSSE(w io.Writer, event string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, b)
	return err
}

func (h *Handler) aggregate(w http.ResponseWriter, sessionID string, c *claim.Claim, events <-chan gen.Event) {
	resp := GenerateResponse{SessionID: sessionID, ClaimID: c.ID, Images: []ImageView{}}
	for ev := range events {
		switch ev.Kind {
		case gen.EventImage:
			if ev.Artifact == nil || !ev.Artifact.IsReal {
				continue
			}
			a := ev.Artifact
			resp.Images = append(resp.Images, ImageView{Index: a.Index, Ref: a.Ref, MimeType: a.MimeType, Metadata: a.Metadata})
		case gen.EventError:
			resp.Error = ev.Error
		case gen.EventDiscard:
			resp.Discarded = ev.Discard
		case gen.EventDone:
			resp.Produced = ev.Produced
			resp.Failures = ev.Failures
		}
	}
	resp.Status = c.Snapshot()
	code := http.StatusOK
	if resp.Produced == 0 && resp.Error != "" {
		code = http.StatusUnprocessableEntity
		if resp.Error == gen.MsgTimeout {
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, resp)
}

// GetOutput handles GET /api/outputs/{id}.
func (h *Handler) GetOutput(w http.ResponseWriter, r *http.Request) {
	obj, err := h.Sink.Open(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, outputs.ErrNotFound) {
			writeError(w, http.StatusNotFound, "output not found")
			return
		}
		logx.Log.Error().Err(err).Msg("read output")
		writeError(w, http.StatusInternalServerError, "read output")
		return
	}
	w.Header().Set("Content-Type", obj.MimeType)
	w.Header().Set("Cache-Control", "private, max-age=3600")
	if _, err := w.Write(obj.Data); err != nil {
		logx.Log.Error().Err(err).Msg("write output")
	}
}

// ListBackends handles GET /api/backends.
func (h *Handler) ListBackends(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Pool.Snapshot())
}

func requestID(r *http.Request) string {
	return chiMiddleware.GetReqID(r.Context())
}
