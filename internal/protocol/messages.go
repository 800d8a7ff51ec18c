package protocol

import "time"

// RunState is broadcast on every run state transition.
type RunState struct {
	RunID       string    `json:"run_id"`
	State       string    `json:"state"`
	Document    string    `json:"document,omitempty"`
	TotalChunks int       `json:"total_chunks"`
	Converted   int       `json:"converted"`
	Failed      []int     `json:"failed,omitempty"`
	OutputPath  string    `json:"output_path,omitempty"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// ChunkStatus reports a chunk reaching a terminal status.
type ChunkStatus struct {
	RunID      string        `json:"run_id"`
	ChunkIndex int           `json:"chunk_index"`
	Status     string        `json:"status"`
	Attempts   int           `json:"attempts,omitempty"`
	Reused     bool          `json:"reused,omitempty"`
	Fallback   bool          `json:"fallback,omitempty"`
	Elapsed    time.Duration `json:"elapsed_ns,omitempty"`
	Error      string        `json:"error,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
}

// Heartbeat is published periodically while a run is active.
type Heartbeat struct {
	RunID     string    `json:"run_id"`
	State     string    `json:"state"`
	Done      int       `json:"done"`
	Total     int       `json:"total"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectRunState        = "narrate.run.state"
	SubjectChunkStatus     = "narrate.chunk.status"
	SubjectHeartbeatPrefix = "narrate.run.heartbeat"
)

// HeartbeatSubject returns the heartbeat subject of one run.
func HeartbeatSubject(runID string) string {
	return SubjectHeartbeatPrefix + "." + runID
}
