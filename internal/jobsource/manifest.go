package jobsource

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/allenai/objaverse-rendering/pkg/types"
)

// ErrInvalidManifest marks a manifest that cannot start a run.
var ErrInvalidManifest = errors.New("invalid manifest")

// LoadManifest reads a JSON array of job identifiers. Any problem with the
// file is fatal: a run never starts from a partially parsed manifest.
func LoadManifest(path string) ([]types.JobID, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	return ParseManifest(data)
}

// ParseManifest decodes manifest bytes; see LoadManifest.
func ParseManifest(data []byte) ([]types.JobID, error) {
	var raw []any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: expected a JSON array", ErrInvalidManifest)
	}

	jobs := make([]types.JobID, 0, len(raw))
	for i, v := range raw {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%w: entry %d is %T, want string", ErrInvalidManifest, i, v)
		}
		if strings.TrimSpace(s) == "" {
			return nil, fmt.Errorf("%w: entry %d is empty", ErrInvalidManifest, i)
		}
		jobs = append(jobs, types.JobID(s))
	}
	return jobs, nil
}

// WriteManifest writes jobs as a JSON array, atomically replacing path.
func WriteManifest(path string, jobs []types.JobID) error {
	if jobs == nil {
		jobs = []types.JobID{}
	}
	data, err := json.MarshalIndent(jobs, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename manifest: %w", err)
	}
	return nil
}
