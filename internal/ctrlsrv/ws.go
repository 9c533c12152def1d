package ctrlsrv

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/coder/websocket"

	"github.com/gaspardpetit/genpool/internal/backends"
	"github.com/gaspardpetit/genpool/internal/logx"
	"github.com/gaspardpetit/genpool/internal/serverstate"
)

// WSHandler accepts worker connections. The worker key may come from the
// Authorization header, the worker_key query parameter or the register
// message.
func WSHandler(reg *Registry, state *serverstate.Tracker, workerKey string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if state != nil && state.IsDraining() {
			http.Error(w, "draining", http.StatusServiceUnavailable)
			return
		}
		provided := ""
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			provided = strings.TrimPrefix(auth, "Bearer ")
		}
		if provided == "" {
			provided = r.URL.Query().Get("worker_key")
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		c.SetReadLimit(64 << 20)
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		defer func() {
			_ = c.Close(websocket.StatusInternalError, "server error")
		}()

		_, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		var env struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &env); err != nil || env.Type != "register" {
			_ = c.Close(websocket.StatusPolicyViolation, "expected register")
			return
		}
		var rm RegisterMessage
		if err := json.Unmarshal(data, &rm); err != nil {
			_ = c.Close(websocket.StatusPolicyViolation, "malformed register")
			return
		}
		if provided == "" {
			provided = rm.WorkerKey
		}
		if workerKey != "" && provided != workerKey {
			_ = c.Close(websocket.StatusPolicyViolation, "unauthorized")
			return
		}
		name := rm.WorkerName
		if name == "" {
			if len(rm.WorkerID) >= 8 {
				name = rm.WorkerID[:8]
			} else if rm.WorkerID != "" {
				name = rm.WorkerID
			} else {
				name = strings.Split(r.RemoteAddr, ":")[0]
			}
		}
		if rm.WorkerID == "" {
			rm.WorkerID = name
		}
		wk := newWorker(rm, name)
		ids := reg.Add(wk, rm)
		logx.Log.Info().Str("worker_id", wk.ID).Str("worker_name", wk.Name).Ints("backend_ids", ids).Str("type", rm.BackendType).Msg("registered")
		if state != nil {
			state.Set(serverstate.StateReady)
		}
		defer func() {
			reg.Remove(wk.ID, wk)
			if state != nil && reg.WorkerCount() == 0 {
				state.Set(serverstate.StateNotReady)
			}
		}()

		go func() {
			for {
				select {
				case msg := <-wk.out:
					b, err := json.Marshal(msg)
					if err != nil {
						continue
					}
					if err := c.Write(ctx, websocket.MessageText, b); err != nil {
						cancel()
						return
					}
				case <-wk.gone:
					cancel()
					return
				case <-ctx.Done():
					return
				}
			}
		}()
		wk.send(RegisteredMessage{Type: "registered", WorkerID: wk.ID, BackendIDs: ids})

		for {
			_, msg, err := c.Read(ctx)
			if err != nil {
				var ce websocket.CloseError
				if errors.As(err, &ce) {
					lvl := logx.Log.Info()
					if ce.Code != websocket.StatusNormalClosure {
						lvl = logx.Log.Error()
					}
					lvl.Str("worker_id", wk.ID).Str("worker_name", wk.Name).Str("reason", ce.Reason).Msg("disconnected")
				} else {
					logx.Log.Warn().Err(err).Str("worker_id", wk.ID).Str("worker_name", wk.Name).Msg("disconnected")
				}
				return
			}
			if err := json.Unmarshal(msg, &env); err != nil {
				continue
			}
			handleMessage(reg, wk, env.Type, msg)
		}
	}
}

func handleMessage(reg *Registry, wk *Worker, typ string, msg []byte) {
	switch typ {
	case "heartbeat":
		reg.UpdateHeartbeat(wk.ID)
	case "status_update":
		var m StatusUpdateMessage
		if err := json.Unmarshal(msg, &m); err != nil {
			return
		}
		status := backends.Status(m.Status)
		if status != "" && !status.Valid() {
			logx.Log.Warn().Str("worker_id", wk.ID).Int("slot", m.Slot).Str("status", m.Status).Msg("ignoring unknown backend status")
			status = ""
		}
		for _, s := range wk.slots {
			if m.Slot >= 0 && s.slot != m.Slot {
				continue
			}
			d := s.desc
			if status != "" {
				d.SetStatus(status)
			}
			if m.Features != nil {
				d.SetFeatures(m.Features)
			}
			if m.Models != nil {
				d.SetModels(m.Models)
			}
			if m.CurrentModel != nil {
				d.SetCurrentModel(*m.CurrentModel)
			}
		}
		reg.pool.Notify()
	case "job_progress":
		var m JobProgressMessage
		if err := json.Unmarshal(msg, &m); err == nil {
			wk.deliver(m.JobID, m)
		}
	case "job_artifact":
		var m JobArtifactMessage
		if err := json.Unmarshal(msg, &m); err == nil {
			wk.deliver(m.JobID, m)
		}
	case "job_result":
		var m JobResultMessage
		if err := json.Unmarshal(msg, &m); err == nil {
			wk.deliver(m.JobID, m)
		}
	case "job_error":
		var m JobErrorMessage
		if err := json.Unmarshal(msg, &m); err == nil {
			wk.deliver(m.JobID, m)
		}
	case "model_loaded":
		var m ModelLoadedMessage
		if err := json.Unmarshal(msg, &m); err == nil {
			wk.deliverLoad(m)
			reg.pool.Notify()
		}
	default:
		logx.Log.Debug().Str("worker_id", wk.ID).Str("type", typ).Msg("ignored message")
	}
}
