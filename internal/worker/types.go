package worker

import (
	"fmt"
	"time"

	"github.com/allenai/objaverse-rendering/pkg/types"
)

// JobError is the failure boundary's verdict on one job.
type JobError struct {
	Job     types.JobID
	Outcome types.Outcome
	Err     error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("job %s: %s: %v", e.Job, e.Outcome, e.Err)
}

func (e *JobError) Unwrap() error { return e.Err }

// Stats counts what a runner did before it returned.
type Stats struct {
	Succeeded int
	Failed    int // terminal failures written to the failure ledger
	Retried   int
	Stale     int // dynamic mode: ack rejected because the message was redelivered
}

// Options are the per-job knobs a runner applies.
type Options struct {
	OutputDir      string
	CameraCount    int
	CameraDistance float64
	Scale          float64
	ArtifactGlob   string

	FailureDelay  time.Duration
	OnFailure     types.FailurePolicy
	MaxAttempts   int
	BackoffPolicy string
	BackoffBase   time.Duration
	BackoffMax    time.Duration
}
