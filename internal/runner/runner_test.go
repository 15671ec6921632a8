package runner

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/garrison-dev/garrison/internal/agent"
	"github.com/garrison-dev/garrison/internal/bus"
	"github.com/garrison-dev/garrison/internal/pipeline"
	"github.com/garrison-dev/garrison/internal/recovery"
	"github.com/garrison-dev/garrison/internal/store"
)

// fakeBackend drives /bin/sh so tests exercise real process lifecycle
type fakeBackend struct {
	kind agent.Kind
	args func(req *agent.RunnerRequest) []string
}

func (f *fakeBackend) Kind() agent.Kind  { return f.kind }
func (f *fakeBackend) Command() string   { return "/bin/sh" }
func (f *fakeBackend) BuildArgs(req *agent.RunnerRequest) []string {
	return f.args(req)
}

func (f *fakeBackend) ParseEvent(line string) []*agent.StandardEvent {
	var ev agent.StandardEvent
	if err := json.Unmarshal([]byte(line), &ev); err != nil || ev.Type == "" {
		return nil
	}
	return []*agent.StandardEvent{&ev}
}

func (f *fakeBackend) ExtractSessionID(line string) string {
	var env struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal([]byte(line), &env); err != nil {
		return ""
	}
	return env.SessionID
}

func (f *fakeBackend) RequiresStdinInput() bool {
	return f.kind == agent.KindInteractive
}

func (f *fakeBackend) FormatStdinInput(prompt string) string {
	return prompt + "\n"
}

type testEnv struct {
	runner *Runner
	store  *store.Store
	bus    *bus.Bus
	dir    string

	mu        sync.Mutex
	completes []bool
	errors    []error
}

func newTestEnv(t *testing.T, backend *fakeBackend, grace time.Duration) *testEnv {
	t.Helper()
	dir := t.TempDir()

	st, err := store.NewStore(dir)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	snap, err := recovery.NewSnapshot(dir)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	env := &testEnv{store: st, bus: bus.New(), dir: dir}
	env.runner = New(env.bus, st, snap, Config{
		CaptureDir:  filepath.Join(dir, "captures"),
		GracePeriod: grace,
		BackendFactory: func(kind agent.Kind, model string) (agent.Backend, error) {
			return backend, nil
		},
	}, Callbacks{
		OnComplete: func(agentID string, success bool) {
			env.mu.Lock()
			env.completes = append(env.completes, success)
			env.mu.Unlock()
		},
		OnError: func(agentID string, err error) {
			env.mu.Lock()
			env.errors = append(env.errors, err)
			env.mu.Unlock()
		},
	})

	t.Cleanup(func() {
		env.runner.Shutdown()
		_ = st.Close()
	})
	return env
}

func (e *testEnv) createAgent(t *testing.T, id string, kind agent.Kind) {
	t.Helper()
	workDir := filepath.Join(e.dir, "work-"+id)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := e.store.CreateAgent(&store.Agent{
		ID: id, Name: id, WorkingDir: workDir, Backend: string(kind),
	}); err != nil {
		t.Fatal(err)
	}
}

func (e *testEnv) completeCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.completes)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", msg)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRunBusyEnqueuesNeverSpawnsSecond(t *testing.T) {
	backend := &fakeBackend{
		kind: agent.KindBatchResume,
		args: func(req *agent.RunnerRequest) []string {
			return []string{"-c", "sleep 0.3"}
		},
	}
	env := newTestEnv(t, backend, time.Second)
	env.createAgent(t, "a1", agent.KindBatchResume)

	if err := env.runner.Run(&agent.RunnerRequest{AgentID: "a1", Prompt: "c1"}); err != nil {
		t.Fatalf("first run: %v", err)
	}
	waitFor(t, time.Second, func() bool { return env.runner.ActiveCount() == 1 }, "first spawn")
	firstPID := env.runner.ActivePID("a1")

	if err := env.runner.Run(&agent.RunnerRequest{AgentID: "a1", Prompt: "c2"}); err != nil {
		t.Fatalf("busy run must enqueue, got %v", err)
	}
	if env.runner.ActiveCount() != 1 {
		t.Error("busy run spawned a second process")
	}
	if env.runner.ActivePID("a1") != firstPID {
		t.Error("busy run replaced the running process")
	}
	if pending := env.runner.PendingCommands("a1"); len(pending) != 1 || pending[0] != "c2" {
		t.Errorf("expected queued c2, got %v", pending)
	}
}

func TestRunReturnsWithoutBlocking(t *testing.T) {
	backend := &fakeBackend{
		kind: agent.KindBatchResume,
		args: func(req *agent.RunnerRequest) []string {
			return []string{"-c", "sleep 0.2"}
		},
	}
	env := newTestEnv(t, backend, time.Second)
	env.createAgent(t, "a1", agent.KindBatchResume)

	// the first dispatch for an agent goes through the no-ActiveProcess
	// path; it must hand off and return, never park on its own mutex
	done := make(chan error, 1)
	go func() {
		done <- env.runner.Run(&agent.RunnerRequest{AgentID: "a1", Prompt: "x"})
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run blocked on first dispatch")
	}

	waitFor(t, 2*time.Second, func() bool { return env.completeCount() == 1 }, "process exit")
}

func TestRunLeavesCallerRequestUntouched(t *testing.T) {
	backend := &fakeBackend{
		kind: agent.KindBatchResume,
		args: func(req *agent.RunnerRequest) []string {
			return []string{"-c", "sleep 0.2"}
		},
	}
	env := newTestEnv(t, backend, time.Second)
	env.createAgent(t, "a1", agent.KindBatchResume)
	sid := "sess-prior"
	if err := env.store.UpdateAgent("a1", store.AgentUpdate{SessionID: &sid}, false); err != nil {
		t.Fatal(err)
	}

	req := &agent.RunnerRequest{AgentID: "a1", Prompt: "go"}
	if err := env.runner.Run(req); err != nil {
		t.Fatalf("run: %v", err)
	}

	// store-backed defaults are resolved into the dispatched copy, not
	// written back into the caller's value
	if req.SessionID != "" || req.WorkingDir != "" || req.Backend != "" || req.Model != "" {
		t.Errorf("caller request mutated: %+v", req)
	}
}

func TestQueueDrainsFIFO(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "order.log")
	backend := &fakeBackend{
		kind: agent.KindBatchResume,
		args: func(req *agent.RunnerRequest) []string {
			return []string{"-c", fmt.Sprintf("echo %q >> %q; sleep 0.1", req.Prompt, logFile)}
		},
	}
	env := newTestEnv(t, backend, time.Second)
	env.createAgent(t, "a1", agent.KindBatchResume)

	for _, cmd := range []string{"c1", "c2", "c3"} {
		if err := env.runner.Run(&agent.RunnerRequest{AgentID: "a1", Prompt: cmd}); err != nil {
			t.Fatalf("run %s: %v", cmd, err)
		}
	}

	waitFor(t, 5*time.Second, func() bool {
		return env.completeCount() == 3 && env.runner.ActiveCount() == 0
	}, "all three commands to finish")

	data, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("read order log: %v", err)
	}
	got := strings.Fields(string(data))
	want := []string{"c1", "c2", "c3"}
	if len(got) != 3 || got[0] != want[0] || got[1] != want[1] || got[2] != want[2] {
		t.Errorf("dispatch order = %v, want %v", got, want)
	}

	if pending := env.runner.PendingCommands("a1"); len(pending) != 0 {
		t.Errorf("queue not drained: %v", pending)
	}

	record, err := env.store.GetAgent("a1")
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if record.Status != store.StatusIdle {
		t.Errorf("expected idle after drain, got %s", record.Status)
	}
}

func TestStopEscalatesToKill(t *testing.T) {
	backend := &fakeBackend{
		kind: agent.KindBatchResume,
		args: func(req *agent.RunnerRequest) []string {
			return []string{"-c", "trap '' TERM; while true; do sleep 1; done"}
		},
	}
	env := newTestEnv(t, backend, 150*time.Millisecond)
	env.createAgent(t, "a1", agent.KindBatchResume)

	if err := env.runner.Run(&agent.RunnerRequest{AgentID: "a1", Prompt: "stubborn"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	waitFor(t, time.Second, func() bool { return env.runner.ActiveCount() == 1 }, "spawn")

	start := time.Now()
	if err := env.runner.Stop("a1"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("stop took %v, expected bounded by grace+kill", elapsed)
	}

	waitFor(t, 2*time.Second, func() bool {
		record, err := env.store.GetAgent("a1")
		return err == nil && record.Status == store.StatusIdle
	}, "idle after stop")

	if env.runner.ActiveCount() != 0 {
		t.Error("process entry not removed after stop")
	}
}

func TestStopDiscardsQueue(t *testing.T) {
	backend := &fakeBackend{
		kind: agent.KindBatchResume,
		args: func(req *agent.RunnerRequest) []string {
			return []string{"-c", "sleep 5"}
		},
	}
	env := newTestEnv(t, backend, 100*time.Millisecond)
	env.createAgent(t, "a1", agent.KindBatchResume)

	_ = env.runner.Run(&agent.RunnerRequest{AgentID: "a1", Prompt: "c1"})
	waitFor(t, time.Second, func() bool { return env.runner.ActiveCount() == 1 }, "spawn")
	_ = env.runner.Run(&agent.RunnerRequest{AgentID: "a1", Prompt: "c2"})

	if err := env.runner.Stop("a1"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	waitFor(t, time.Second, func() bool { return env.runner.ActiveCount() == 0 }, "exit")

	if pending := env.runner.PendingCommands("a1"); len(pending) != 0 {
		t.Errorf("stop must discard pending commands, got %v", pending)
	}
}

func TestDirectoryMissingIsTyped(t *testing.T) {
	backend := &fakeBackend{
		kind: agent.KindBatchResume,
		args: func(req *agent.RunnerRequest) []string { return []string{"-c", "true"} },
	}
	env := newTestEnv(t, backend, time.Second)
	_ = env.store.CreateAgent(&store.Agent{
		ID: "a1", Name: "a1", WorkingDir: "/definitely/not/here", Backend: string(agent.KindBatchResume),
	})

	err := env.runner.Run(&agent.RunnerRequest{AgentID: "a1", Prompt: "x"})
	if !IsDirectoryMissing(err) {
		t.Fatalf("expected DirectoryMissingError, got %v", err)
	}
}

func TestCrashMarksAgentError(t *testing.T) {
	backend := &fakeBackend{
		kind: agent.KindBatchResume,
		args: func(req *agent.RunnerRequest) []string { return []string{"-c", "exit 3"} },
	}
	env := newTestEnv(t, backend, time.Second)
	env.createAgent(t, "a1", agent.KindBatchResume)

	if err := env.runner.Run(&agent.RunnerRequest{AgentID: "a1", Prompt: "x"}); err != nil {
		t.Fatalf("run: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		record, err := env.store.GetAgent("a1")
		return err == nil && record.Status == store.StatusError
	}, "error status")

	env.mu.Lock()
	defer env.mu.Unlock()
	if len(env.errors) == 0 {
		t.Error("crash must surface via onError")
	}
	if len(env.completes) == 0 || env.completes[0] {
		t.Errorf("crash must report onComplete(false), got %v", env.completes)
	}
}

func TestSessionIDPersistedFromOutput(t *testing.T) {
	backend := &fakeBackend{
		kind: agent.KindBatchResume,
		args: func(req *agent.RunnerRequest) []string {
			return []string{"-c", `echo '{"type":"init","session_id":"sess-xyz"}'`}
		},
	}
	env := newTestEnv(t, backend, time.Second)
	env.createAgent(t, "a1", agent.KindBatchResume)

	_ = env.runner.Run(&agent.RunnerRequest{AgentID: "a1", Prompt: "x"})

	waitFor(t, 2*time.Second, func() bool {
		record, err := env.store.GetAgent("a1")
		return err == nil && record.SessionID == "sess-xyz"
	}, "session id persistence")
}

func TestInteractiveReusesProcess(t *testing.T) {
	backend := &fakeBackend{
		kind: agent.KindInteractive,
		args: func(req *agent.RunnerRequest) []string {
			// echo one turn boundary per stdin line
			return []string{"-c", `while read line; do echo '{"type":"step_complete"}'; done`}
		},
	}
	env := newTestEnv(t, backend, time.Second)
	env.createAgent(t, "a1", agent.KindInteractive)

	if err := env.runner.Run(&agent.RunnerRequest{AgentID: "a1", Prompt: "first"}); err != nil {
		t.Fatalf("run: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		record, err := env.store.GetAgent("a1")
		return err == nil && record.Status == store.StatusWaiting
	}, "first turn boundary")
	pid := env.runner.ActivePID("a1")
	if pid == 0 {
		t.Fatal("interactive process should stay alive between turns")
	}

	if err := env.runner.SendCommand("a1", "second"); err != nil {
		t.Fatalf("send: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		record, err := env.store.GetAgent("a1")
		return err == nil && record.Status == store.StatusWaiting
	}, "second turn boundary")

	if env.runner.ActiveCount() != 1 || env.runner.ActivePID("a1") != pid {
		t.Error("follow-up command must reuse the live process")
	}
}

func TestHeldToolCallFlipsWaitingPermission(t *testing.T) {
	backend := &fakeBackend{
		kind: agent.KindInteractive,
		args: func(req *agent.RunnerRequest) []string {
			// a held tool call, resolved shortly after as if the user
			// approved it in the CLI, then the turn boundary
			return []string{"-c", `read line
echo '{"type":"tool_start","toolName":"write_file","awaitsApproval":true}'
sleep 0.3
echo '{"type":"tool_result","toolName":"write_file"}'
echo '{"type":"step_complete"}'
while read line; do :; done`}
		},
	}
	env := newTestEnv(t, backend, time.Second)
	env.createAgent(t, "a1", agent.KindInteractive)

	if err := env.runner.Run(&agent.RunnerRequest{AgentID: "a1", Prompt: "first"}); err != nil {
		t.Fatalf("run: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		record, err := env.store.GetAgent("a1")
		return err == nil && record.Status == store.StatusWaitingPermission
	}, "waiting_permission while the call is held")

	waitFor(t, 2*time.Second, func() bool {
		record, err := env.store.GetAgent("a1")
		return err == nil && record.Status == store.StatusWaiting
	}, "turn boundary after the call resolves")
}

func TestInteractiveTurnSurvivesSaturatedBus(t *testing.T) {
	backend := &fakeBackend{
		kind: agent.KindInteractive,
		args: func(req *agent.RunnerRequest) []string {
			// a long burst of accounting events before each turn
			// boundary; each one costs a store write to absorb
			return []string{"-c", `while read line; do
				i=0
				while [ $i -lt 400 ]; do
					echo '{"type":"context_stats","contextUsed":5,"contextLimit":100}'
					i=$((i+1))
				done
				echo '{"type":"step_complete"}'
			done`}
		},
	}
	env := newTestEnv(t, backend, time.Second)
	env.createAgent(t, "a1", agent.KindInteractive)

	// a subscriber that never drains: every burst overflows its buffer,
	// so anything riding bus delivery would lose events here
	_, cancel := env.bus.Subscribe(1)
	defer cancel()

	if err := env.runner.Run(&agent.RunnerRequest{AgentID: "a1", Prompt: "first"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := env.runner.SendCommand("a1", "second"); err != nil {
		t.Fatalf("send: %v", err)
	}

	// the queued command must dispatch and the second turn must finish;
	// a missed boundary leaves the agent working with a stuck queue
	waitFor(t, 10*time.Second, func() bool {
		record, err := env.store.GetAgent("a1")
		return err == nil && record.Status == store.StatusWaiting && len(env.runner.PendingCommands("a1")) == 0
	}, "turn boundaries despite saturated bus")
}

func TestOversizedLineSurfacesReadError(t *testing.T) {
	backend := &fakeBackend{
		kind: agent.KindBatchResume,
		args: func(req *agent.RunnerRequest) []string {
			// one line well past the scanner's token limit
			return []string{"-c", `head -c 11000000 /dev/zero | tr '\0' x; echo`}
		},
	}
	env := newTestEnv(t, backend, time.Second)
	env.createAgent(t, "a1", agent.KindBatchResume)

	msgs, cancel := env.bus.Subscribe(64)
	defer cancel()

	if err := env.runner.Run(&agent.RunnerRequest{AgentID: "a1", Prompt: "x"}); err != nil {
		t.Fatalf("run: %v", err)
	}

	notice := make(chan string, 1)
	go func() {
		for msg := range msgs {
			if msg.Topic != bus.TopicOutput {
				continue
			}
			if s, ok := msg.Payload.(string); ok && strings.Contains(s, "stdout read failed") {
				notice <- s
				return
			}
		}
	}()

	select {
	case s := <-notice:
		if !strings.HasPrefix(s, pipeline.RawPrefix) {
			t.Errorf("read-error notice missing raw prefix: %q", s)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("oversized line ended the read loop with no notice")
	}

	// the reader must keep draining after the error so the process can
	// finish instead of blocking on a full pipe
	waitFor(t, 5*time.Second, func() bool { return env.completeCount() == 1 }, "process exit after read error")
}

func TestSnapshotTracksLiveSet(t *testing.T) {
	backend := &fakeBackend{
		kind: agent.KindBatchResume,
		args: func(req *agent.RunnerRequest) []string { return []string{"-c", "sleep 0.4"} },
	}
	env := newTestEnv(t, backend, time.Second)
	env.createAgent(t, "a1", agent.KindBatchResume)

	snap, _ := recovery.NewSnapshot(env.dir)

	_ = env.runner.Run(&agent.RunnerRequest{AgentID: "a1", Prompt: "x"})
	waitFor(t, time.Second, func() bool {
		records, _ := snap.Load()
		return len(records) == 1
	}, "snapshot add")

	records, _ := snap.Load()
	if records[0].AgentID != "a1" || records[0].PID == 0 {
		t.Errorf("bad snapshot record %+v", records[0])
	}

	waitFor(t, 3*time.Second, func() bool {
		remaining, _ := snap.Load()
		return len(remaining) == 0
	}, "snapshot remove on exit")
}
