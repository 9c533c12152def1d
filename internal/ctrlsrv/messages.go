package ctrlsrv

import "github.com/gaspardpetit/genpool/internal/gen"

// RegisterMessage is the first frame a worker sends.
type RegisterMessage struct {
	Type          string              `json:"type"`
	WorkerID      string              `json:"worker_id"`
	WorkerName    string              `json:"worker_name,omitempty"`
	WorkerKey     string              `json:"worker_key,omitempty"`
	BackendType   string              `json:"backend_type"`
	Features      []string            `json:"features,omitempty"`
	Models        map[string][]string `json:"models,omitempty"`
	CanLoadModels bool                `json:"can_load_models"`
	Slots         int                 `json:"slots"`
	Version       string              `json:"version,omitempty"`
}

// RegisteredMessage acknowledges a registration with the backend IDs
// assigned to the worker's slots.
type RegisteredMessage struct {
	Type       string `json:"type"`
	WorkerID   string `json:"worker_id"`
	BackendIDs []int  `json:"backend_ids"`
}

type HeartbeatMessage struct {
	Type string `json:"type"`
	TS   int64  `json:"ts"`
}

// StatusUpdateMessage changes one slot, or every slot when Slot is -1.
// Nil fields are left unchanged.
type StatusUpdateMessage struct {
	Type         string              `json:"type"`
	Slot         int                 `json:"slot"`
	Status       string              `json:"status,omitempty"`
	Features     []string            `json:"features,omitempty"`
	Models       map[string][]string `json:"models,omitempty"`
	CurrentModel *string             `json:"current_model,omitempty"`
}

type JobRequestMessage struct {
	Type  string   `json:"type"`
	JobID string   `json:"job_id"`
	Slot  int      `json:"slot"`
	Job   *gen.Job `json:"job"`
}

type JobProgressMessage struct {
	Type     string  `json:"type"`
	JobID    string  `json:"job_id"`
	Fraction float64 `json:"fraction"`
	Preview  []byte  `json:"preview,omitempty"`
}

type JobArtifactMessage struct {
	Type      string         `json:"type"`
	JobID     string         `json:"job_id"`
	Data      []byte         `json:"data"`
	MimeType  string         `json:"mime_type,omitempty"`
	IsReal    bool           `json:"is_real"`
	GenTimeMs int64          `json:"gen_time_ms,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type JobResultMessage struct {
	Type  string `json:"type"`
	JobID string `json:"job_id"`
}

// JobErrorMessage ends a job. Code is one of user, redirect, timeout,
// cancelled; anything else is a fault.
type JobErrorMessage struct {
	Type    string `json:"type"`
	JobID   string `json:"job_id"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type CancelJobMessage struct {
	Type  string `json:"type"`
	JobID string `json:"job_id"`
}

type LoadModelMessage struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Slot      int    `json:"slot"`
	Model     string `json:"model"`
}

type ModelLoadedMessage struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Slot      int    `json:"slot"`
	Model     string `json:"model"`
	Error     string `json:"error,omitempty"`
}
