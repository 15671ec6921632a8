package recovery

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/garrison-dev/garrison/internal/agent"
	"github.com/garrison-dev/garrison/internal/store"
)

func TestSnapshotRoundTrip(t *testing.T) {
	snap, err := NewSnapshot(t.TempDir())
	if err != nil {
		t.Fatalf("new snapshot: %v", err)
	}

	// missing file reads as empty
	records, err := snap.Load()
	if err != nil || len(records) != 0 {
		t.Fatalf("expected empty set for missing file, got %v %v", records, err)
	}

	want := []RunningProcessInfo{
		{PID: 1234, AgentID: "a1", Backend: agent.KindBatchResume, SessionID: "sess-1", StartTime: time.Now().Truncate(time.Second)},
		{PID: 5678, AgentID: "a2", Backend: agent.KindInteractive},
	}
	if err := snap.Save(want); err != nil {
		t.Fatalf("save: %v", err)
	}

	records, err = snap.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(records) != 2 || records[0].AgentID != "a1" || records[1].PID != 5678 {
		t.Errorf("round trip mismatch: %+v", records)
	}

	if err := snap.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	records, _ = snap.Load()
	if len(records) != 0 {
		t.Errorf("expected empty after clear, got %+v", records)
	}
}

func TestSnapshotRewriteReplacesSet(t *testing.T) {
	snap, _ := NewSnapshot(t.TempDir())
	_ = snap.Save([]RunningProcessInfo{{PID: 1, AgentID: "a1"}, {PID: 2, AgentID: "a2"}})
	_ = snap.Save([]RunningProcessInfo{{PID: 3, AgentID: "a3"}})

	records, _ := snap.Load()
	if len(records) != 1 || records[0].AgentID != "a3" {
		t.Errorf("snapshot must reflect exactly the last save, got %+v", records)
	}
}

func TestIsProcessRunning(t *testing.T) {
	if !IsProcessRunning(os.Getpid()) {
		t.Error("own pid should be alive")
	}
	if IsProcessRunning(0) || IsProcessRunning(-1) {
		t.Error("non-positive pids are never alive")
	}
	if IsProcessRunning(99999999) {
		t.Error("absurd pid should be dead")
	}
}

type recoveryCapture struct {
	mu       sync.Mutex
	resumes  []*agent.RunnerRequest
	statuses map[string]store.Status
}

func newRecoveryCapture() *recoveryCapture {
	return &recoveryCapture{statuses: make(map[string]store.Status)}
}

func (c *recoveryCapture) resume(req *agent.RunnerRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resumes = append(c.resumes, req)
}

func (c *recoveryCapture) markStatus(agentID string, status store.Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses[agentID] = status
}

func (c *recoveryCapture) resumeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.resumes)
}

func TestRecoverDeadBatchResumeSchedulesOneResume(t *testing.T) {
	snap, _ := NewSnapshot(t.TempDir())
	_ = snap.Save([]RunningProcessInfo{{
		PID:       4242,
		AgentID:   "a1",
		Backend:   agent.KindBatchResume,
		SessionID: "sess-9",
		Request:   &agent.RunnerRequest{AgentID: "a1", WorkingDir: "/work/a1", Model: "opus"},
	}})

	cap := newRecoveryCapture()
	r := NewRecoverer(snap, cap.resume, cap.markStatus, time.Millisecond)
	r.isAlive = func(pid int) bool { return false }

	if err := r.Recover(); err != nil {
		t.Fatalf("recover: %v", err)
	}

	deadline := time.After(time.Second)
	for cap.resumeCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("resume never scheduled")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cap.mu.Lock()
	req := cap.resumes[0]
	cap.mu.Unlock()
	if req.Prompt != "continue" {
		t.Errorf("resume prompt = %q, want continue", req.Prompt)
	}
	if req.SessionID != "sess-9" {
		t.Errorf("resume session = %q", req.SessionID)
	}
	if req.WorkingDir != "/work/a1" || req.Model != "opus" {
		t.Errorf("original request fields lost: %+v", req)
	}
}

func TestRecoverIdempotentSecondPass(t *testing.T) {
	snap, _ := NewSnapshot(t.TempDir())
	_ = snap.Save([]RunningProcessInfo{{
		PID: 4242, AgentID: "a1", Backend: agent.KindBatchResume, SessionID: "sess-9",
	}})

	cap := newRecoveryCapture()
	r := NewRecoverer(snap, cap.resume, cap.markStatus, time.Millisecond)
	r.isAlive = func(pid int) bool { return false }

	if err := r.Recover(); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	if err := r.Recover(); err != nil {
		t.Fatalf("second pass: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if got := cap.resumeCount(); got != 1 {
		t.Errorf("expected exactly one resume across both passes, got %d", got)
	}
}

func TestRecoverAliveOrphanLeftUntouched(t *testing.T) {
	snap, _ := NewSnapshot(t.TempDir())
	_ = snap.Save([]RunningProcessInfo{{
		PID: 4242, AgentID: "a1", Backend: agent.KindBatchResume, SessionID: "sess-9",
	}})

	cap := newRecoveryCapture()
	r := NewRecoverer(snap, cap.resume, cap.markStatus, time.Millisecond)
	r.isAlive = func(pid int) bool { return true }

	if err := r.Recover(); err != nil {
		t.Fatalf("recover: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if cap.resumeCount() != 0 {
		t.Error("alive orphan must not be resumed")
	}
	if cap.statuses["a1"] != store.StatusOrphaned {
		t.Errorf("expected orphaned status, got %q", cap.statuses["a1"])
	}

	// record survives for the next pass
	records, _ := snap.Load()
	if len(records) != 1 {
		t.Errorf("alive record must stay persisted, got %+v", records)
	}
}

func TestRecoverInteractiveNeverResumed(t *testing.T) {
	snap, _ := NewSnapshot(t.TempDir())
	_ = snap.Save([]RunningProcessInfo{{
		PID: 4242, AgentID: "a1", Backend: agent.KindInteractive, SessionID: "sess-9",
	}})

	cap := newRecoveryCapture()
	r := NewRecoverer(snap, cap.resume, cap.markStatus, time.Millisecond)
	r.isAlive = func(pid int) bool { return false }

	if err := r.Recover(); err != nil {
		t.Fatalf("recover: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if cap.resumeCount() != 0 {
		t.Error("interactive sessions must never auto-resume")
	}
	if cap.statuses["a1"] != store.StatusOffline {
		t.Errorf("expected offline status, got %q", cap.statuses["a1"])
	}
}

func TestRecoverDeadBatchWithoutSessionGoesOffline(t *testing.T) {
	snap, _ := NewSnapshot(t.TempDir())
	_ = snap.Save([]RunningProcessInfo{{
		PID: 4242, AgentID: "a1", Backend: agent.KindBatchResume,
	}})

	cap := newRecoveryCapture()
	r := NewRecoverer(snap, cap.resume, cap.markStatus, time.Millisecond)
	r.isAlive = func(pid int) bool { return false }

	_ = r.Recover()
	time.Sleep(20 * time.Millisecond)

	if cap.resumeCount() != 0 {
		t.Error("no session id means nothing to resume")
	}
	if cap.statuses["a1"] != store.StatusOffline {
		t.Errorf("expected offline, got %q", cap.statuses["a1"])
	}
}
