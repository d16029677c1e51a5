// ============================================================================
// objaverse-render Run State
// ============================================================================
//
// Package: internal/runstate
// File: runstate.go
// Purpose: Persist what the coordinator is doing so other processes can read it
//
// Two kinds of file live here:
//
//   run.json                        one per run; written at start, on every
//                                   monitor poll and at the end
//   <dir>/input_model_paths_<i>.json static-mode assignment for worker i
//
// Both are written as temp file + rename so a reader never sees a torn
// file. The schema version guards against reading a file written by an
// incompatible build.
//
// ============================================================================

package runstate

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/allenai/objaverse-rendering/internal/jobsource"
	"github.com/allenai/objaverse-rendering/pkg/types"
)

const schemaVersion = 1

var (
	ErrCorruptedState      = errors.New("run state file is corrupted")
	ErrIncompatibleVersion = errors.New("run state schema version is incompatible")
	ErrStateNotFound       = errors.New("run state file not found")
)

// Manager reads and writes one run state file.
type Manager struct {
	path string
	mu   sync.Mutex
}

func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// Write stamps the schema version and atomically replaces the file.
func (m *Manager) Write(state types.RunState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	state.SchemaVer = schemaVersion
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run state: %w", err)
	}
	return writeAtomic(m.path, data)
}

// Load reads the file. A missing file is ErrStateNotFound.
func (m *Manager) Load() (types.RunState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var state types.RunState
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return state, fmt.Errorf("%w: %s", ErrStateNotFound, m.path)
		}
		return state, fmt.Errorf("failed to read run state: %w", err)
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return state, fmt.Errorf("%w: %v", ErrCorruptedState, err)
	}
	if state.SchemaVer != schemaVersion {
		return state, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, state.SchemaVer, schemaVersion)
	}
	return state, nil
}

// Update loads the current state, applies fn and writes it back.
func (m *Manager) Update(fn func(*types.RunState)) error {
	state, err := m.Load()
	if err != nil {
		return err
	}
	fn(&state)
	return m.Write(state)
}

func (m *Manager) Path() string { return m.path }

// AssignmentPath is where worker i's static assignment lives.
func AssignmentPath(dir string, worker int) string {
	return filepath.Join(dir, fmt.Sprintf("input_model_paths_%d.json", worker))
}

// WriteAssignments writes one assignment file per partition.
func WriteAssignments(dir string, parts [][]types.JobID) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	for i, jobs := range parts {
		if err := jobsource.WriteManifest(AssignmentPath(dir, i), jobs); err != nil {
			return fmt.Errorf("assignment %d: %w", i, err)
		}
	}
	return nil
}

// LoadAssignment reads worker i's assignment.
func LoadAssignment(dir string, worker int) ([]types.JobID, error) {
	return jobsource.LoadManifest(AssignmentPath(dir, worker))
}

func writeAtomic(path string, data []byte) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp run state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename run state: %w", err)
	}
	return nil
}
