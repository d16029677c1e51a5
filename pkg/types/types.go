// Package types defines the core domain model shared by the coordinator,
// the worker processes and the CLI.
package types

import (
	"path"
	"strings"
	"time"
)

// JobID identifies one render job: a local path or a URL to a 3D asset.
type JobID string

// UID returns the artifact directory name for the job: the basename of the
// identifier up to its first dot ("a/b/xyz.glb" -> "xyz").
func (id JobID) UID() string {
	s := string(id)
	if i := strings.IndexAny(s, "?#"); i >= 0 && strings.Contains(s, "://") {
		s = s[:i]
	}
	base := path.Base(strings.ReplaceAll(s, "\\", "/"))
	if i := strings.Index(base, "."); i > 0 {
		base = base[:i]
	}
	return base
}

// Mode selects how jobs reach workers.
type Mode string

const (
	ModeStatic  Mode = "static"  // each worker gets a fixed partition of the manifest
	ModeDynamic Mode = "dynamic" // workers pull from a shared queue
)

// FailurePolicy decides what happens to a job whose render failed.
type FailurePolicy string

const (
	FailureDrop    FailurePolicy = "drop"
	FailureRequeue FailurePolicy = "requeue_with_backoff"
)

// Outcome is the result of one pass of a job through the failure boundary.
type Outcome int

const (
	OutcomeSuccess   Outcome = iota // artifacts produced and verified
	OutcomeTransient                // retry may help (render crash, download error)
	OutcomeFatal                    // collaborator missing or misconfigured; stop the worker
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeTransient:
		return "transient"
	case OutcomeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// WorkerAssignment is what one worker slot is told to do.
type WorkerAssignment struct {
	WorkerIndex int     `json:"worker_index"`
	GPU         int     `json:"gpu"`
	Dynamic     bool    `json:"dynamic"`
	Jobs        []JobID `json:"jobs,omitempty"`
}

// ProgressEntry is one row of a worker's progress ledger.
type ProgressEntry struct {
	WorkerID int           `json:"worker_id"`
	Finished int           `json:"num_finished"`
	Total    int           `json:"total"`
	LastJob  JobID         `json:"object_path"`
	Elapsed  time.Duration `json:"time"`
}

// FailureEntry is one row of a worker's terminal-failure ledger.
type FailureEntry struct {
	WorkerID int       `json:"worker_id"`
	Job      JobID     `json:"job"`
	Attempts int       `json:"attempts"`
	Error    string    `json:"error"`
	At       time.Time `json:"time"`
}

// QueueMessage is a job received from a pull queue. Handle is opaque and
// only valid until VisibleUntil.
type QueueMessage struct {
	Job          JobID     `json:"job"`
	Handle       string    `json:"handle"`
	ReceiveCount int       `json:"receive_count"`
	VisibleUntil time.Time `json:"visible_until"`
}

// RunStatus is the coarse lifecycle state recorded in the run state file.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunTimedOut  RunStatus = "timed_out"
	RunStopped   RunStatus = "stopped"
	RunFailed    RunStatus = "failed"
)

// RunState is persisted by the coordinator so that `status` can describe a
// run from another process.
type RunState struct {
	RunID      string    `json:"run_id"`
	Mode       Mode      `json:"mode"`
	Workers    int       `json:"workers"`
	Total      int       `json:"total"`
	Status     RunStatus `json:"status"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	Finished   int       `json:"num_finished"`
	Failed     int       `json:"num_failed"`
	Uploaded   int       `json:"uploaded_files"`
	SchemaVer  int       `json:"schema_ver"`
}
