// Package plan builds a manifest of the jobs that still need rendering.
//
// A job is complete when remote storage holds exactly camera_count objects
// under "<uid>/". Planning shuffles the input (optional, seeded), takes the
// [start, end) slice and drops complete jobs, in that order, so the same
// seed and bounds always select the same jobs across machines.
package plan

import (
	"context"
	"fmt"
	"math/rand"
	"strings"

	"github.com/allenai/objaverse-rendering/internal/storage"
	"github.com/allenai/objaverse-rendering/pkg/types"
)

type Options struct {
	Start int
	// End is exclusive; a negative End means the end of the input.
	End         int
	Shuffle     bool
	Seed        int64
	CameraCount int
}

type Report struct {
	Input    int
	Selected int // after shuffle and slicing
	Complete int // selected jobs already fully uploaded
	Output   int
}

// Select applies the shuffle and the slice. jobs is not modified.
func Select(jobs []types.JobID, opts Options) []types.JobID {
	out := append([]types.JobID(nil), jobs...)
	if opts.Shuffle {
		rng := rand.New(rand.NewSource(opts.Seed))
		rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	}
	start, end := opts.Start, opts.End
	if end < 0 || end > len(out) {
		end = len(out)
	}
	if start < 0 {
		start = 0
	}
	if start > end {
		start = end
	}
	return out[start:end]
}

// CompletedUIDs counts objects per top-level key segment and returns the
// uids holding exactly cameraCount objects.
func CompletedUIDs(ctx context.Context, store storage.Provider, cameraCount int) (map[string]bool, error) {
	objects, err := store.ListObjects(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("list remote objects: %w", err)
	}
	counts := make(map[string]int)
	for _, o := range objects {
		uid, _, ok := strings.Cut(o.Key, "/")
		if !ok {
			continue
		}
		counts[uid]++
	}
	done := make(map[string]bool)
	for uid, n := range counts {
		if n == cameraCount {
			done[uid] = true
		}
	}
	return done, nil
}

// Build selects jobs and drops those already complete in store.
func Build(ctx context.Context, store storage.Provider, jobs []types.JobID, opts Options) ([]types.JobID, Report, error) {
	rep := Report{Input: len(jobs)}
	selected := Select(jobs, opts)
	rep.Selected = len(selected)

	done, err := CompletedUIDs(ctx, store, opts.CameraCount)
	if err != nil {
		return nil, rep, err
	}
	out := make([]types.JobID, 0, len(selected))
	for _, j := range selected {
		if done[j.UID()] {
			rep.Complete++
			continue
		}
		out = append(out, j)
	}
	rep.Output = len(out)
	return out, rep, nil
}
