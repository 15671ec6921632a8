// Package recovery persists the live process set and heals unclean
// shutdowns.
//
// store.go - snapshot persistence and pid liveness
//
// The snapshot file is rewritten whole on every change (temp file then
// rename) so it always reflects exactly the current live set and a torn
// write can never survive a crash.

package recovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/garrison-dev/garrison/internal/agent"
)

const snapshotFile = "running_processes.json"

// RunningProcessInfo is one persisted live-process record
type RunningProcessInfo struct {
	PID        int                  `json:"pid"`
	AgentID    string               `json:"agentId"`
	Backend    agent.Kind           `json:"backend"`
	SessionID  string               `json:"sessionId,omitempty"`
	StartTime  time.Time            `json:"startTime"`
	OutputPath string               `json:"outputPath,omitempty"`
	ErrorPath  string               `json:"errorPath,omitempty"`
	Request    *agent.RunnerRequest `json:"request,omitempty"`
}

// Snapshot is the durable record of processes believed to be running
type Snapshot struct {
	path string
	mu   sync.Mutex
}

// NewSnapshot creates a snapshot store under dataDir
func NewSnapshot(dataDir string) (*Snapshot, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return &Snapshot{path: filepath.Join(dataDir, snapshotFile)}, nil
}

// Load returns the persisted records; a missing file is an empty set
func (s *Snapshot) Load() ([]RunningProcessInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var records []RunningProcessInfo
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot: %w", err)
	}
	return records, nil
}

// Save rewrites the snapshot to exactly the given set
func (s *Snapshot) Save(records []RunningProcessInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if records == nil {
		records = []RunningProcessInfo{}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}
	return nil
}

// Clear empties the snapshot
func (s *Snapshot) Clear() error {
	return s.Save(nil)
}

// IsProcessRunning probes OS liveness for pid. EPERM means the process
// exists but belongs to another user, so it counts as alive.
func IsProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}
