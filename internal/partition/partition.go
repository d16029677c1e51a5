// Package partition splits a manifest into per-worker job lists for static
// mode.
package partition

import (
	"errors"
	"fmt"

	"github.com/allenai/objaverse-rendering/pkg/types"
)

const (
	Stripe = "stripe" // worker i gets jobs[i], jobs[i+W], ...
	Block  = "block"  // worker i gets one contiguous range
)

var (
	ErrNoWorkers     = errors.New("partition: worker count must be >= 1")
	ErrUnknownPolicy = errors.New("partition: unknown policy")
	ErrLostJobs      = errors.New("partition: sublists do not cover the input")
)

// Split divides jobs into W sublists. The result always has exactly W
// entries; some may be empty when W > len(jobs). Every job lands in exactly
// one sublist and the output depends only on the inputs.
func Split(jobs []types.JobID, workers int, policy string) ([][]types.JobID, error) {
	if workers < 1 {
		return nil, fmt.Errorf("%w (got %d)", ErrNoWorkers, workers)
	}

	var parts [][]types.JobID
	switch policy {
	case "", Stripe:
		parts = stripe(jobs, workers)
	case Block:
		parts = block(jobs, workers)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPolicy, policy)
	}

	if err := Verify(jobs, parts); err != nil {
		return nil, err
	}
	return parts, nil
}

func stripe(jobs []types.JobID, workers int) [][]types.JobID {
	parts := make([][]types.JobID, workers)
	for i := range parts {
		parts[i] = make([]types.JobID, 0, len(jobs)/workers+1)
	}
	for i, job := range jobs {
		parts[i%workers] = append(parts[i%workers], job)
	}
	return parts
}

// block hands out contiguous ranges. The first len%W workers get one extra
// job so nothing is dropped.
func block(jobs []types.JobID, workers int) [][]types.JobID {
	parts := make([][]types.JobID, workers)
	size, extra := len(jobs)/workers, len(jobs)%workers
	start := 0
	for i := range parts {
		n := size
		if i < extra {
			n++
		}
		parts[i] = append([]types.JobID(nil), jobs[start:start+n]...)
		start += n
	}
	return parts
}

// Verify checks that parts is a partition of jobs: same total length and the
// same multiset of identifiers.
func Verify(jobs []types.JobID, parts [][]types.JobID) error {
	want := make(map[types.JobID]int, len(jobs))
	for _, j := range jobs {
		want[j]++
	}
	total := 0
	for _, p := range parts {
		total += len(p)
		for _, j := range p {
			want[j]--
		}
	}
	if total != len(jobs) {
		return fmt.Errorf("%w: %d jobs in, %d out", ErrLostJobs, len(jobs), total)
	}
	for j, n := range want {
		if n != 0 {
			return fmt.Errorf("%w: %q off by %d", ErrLostJobs, j, n)
		}
	}
	return nil
}
