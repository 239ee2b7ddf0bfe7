package notify

import "time"

type EventType string

const (
	EventChunkFinalized EventType = "chunk_finalized"
	EventRunFinished    EventType = "run_finished"
)

type ChunkEvent struct {
	Type      EventType `json:"type"`
	RunID     string    `json:"run_id"`
	Index     string    `json:"index"`
	Chunk     int       `json:"chunk"`
	Path      string    `json:"path"`
	Records   int       `json:"records"`
	Timestamp time.Time `json:"timestamp"`
}

type RunEvent struct {
	Type       EventType `json:"type"`
	RunID      string    `json:"run_id"`
	Env        string    `json:"env"`
	Index      string    `json:"index"`
	Status     string    `json:"status"`
	Records    int       `json:"records"`
	Pages      int       `json:"pages"`
	Chunks     int       `json:"chunks"`
	Retries    int       `json:"retries"`
	DurationMs int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
