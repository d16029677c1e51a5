package jobsource

import (
	"context"
	"fmt"

	"github.com/allenai/objaverse-rendering/pkg/types"
)

// DefaultSeedBatch is how many jobs Seed sends per call.
const DefaultSeedBatch = 10

// Seed sends jobs to q in batches. progress, if non-nil, is called with the
// size of each batch after it was accepted. On error the returned count is
// the number of jobs already sent.
func Seed(ctx context.Context, q Queue, jobs []types.JobID, batch int, progress func(n int)) (int, error) {
	if batch <= 0 {
		batch = DefaultSeedBatch
	}
	sent := 0
	for start := 0; start < len(jobs); start += batch {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		end := start + batch
		if end > len(jobs) {
			end = len(jobs)
		}
		if err := q.Send(ctx, jobs[start:end]...); err != nil {
			return sent, fmt.Errorf("seed batch at %d: %w", start, err)
		}
		sent += end - start
		if progress != nil {
			progress(end - start)
		}
	}
	return sent, nil
}
