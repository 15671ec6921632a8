// Package runner owns agent OS processes and their command queues.
//
// runner.go - the process registry and command dispatch
//
/*
ARCHITECTURE

The runner is the single writer for all per-agent runtime state. The
ActiveProcess map and the pending-command queues are the only mutable
process-wide state, and both are guarded by one mutex; the spawn/exit
callbacks and the observer-command path both funnel through it, which
closes the race between "agent just went idle" and "new command
arrived".

	Run/SendCommand ──┐
	                  ├── mutex ── ActiveProcess map + queues
	exit callbacks ───┘

Two lifecycles share this registry:

  - batch-resume: every command is a fresh process; exit code 0 means
    the turn is done and the next queued command dispatches a new
    process with --resume.
  - interactive: one long-lived process; turn boundaries come from
    step_complete events, and queued commands are written to the live
    stdin instead of spawning.

Completion is always reported asynchronously through callbacks and bus
traffic; Stop is the only call allowed to block, bounded by the grace
period.
*/

package runner

import (
	"fmt"
	"sync"
	"time"

	"github.com/garrison-dev/garrison/internal/agent"
	"github.com/garrison-dev/garrison/internal/bus"
	"github.com/garrison-dev/garrison/internal/logger"
	"github.com/garrison-dev/garrison/internal/metrics"
	"github.com/garrison-dev/garrison/internal/pipeline"
	"github.com/garrison-dev/garrison/internal/recovery"
	"github.com/garrison-dev/garrison/internal/resource"
	"github.com/garrison-dev/garrison/internal/store"
)

// DefaultGracePeriod bounds how long Stop waits before SIGKILL
const DefaultGracePeriod = 5 * time.Second

// Config holds runner construction parameters
type Config struct {
	// CaptureDir receives per-run stdout/stderr mirror files
	CaptureDir string

	// GracePeriod between SIGTERM and SIGKILL on Stop
	GracePeriod time.Duration

	// DisableQueueing makes Run return ErrAgentBusy instead of
	// enqueueing when the agent already has a live process
	DisableQueueing bool

	// BackendFactory builds a fresh backend per process
	BackendFactory func(kind agent.Kind, defaultModel string) (agent.Backend, error)
}

// Callbacks reports per-run outcomes to the embedding layer. Both may
// be nil. Neither is ever invoked with another agent's failure.
type Callbacks struct {
	OnComplete func(agentID string, success bool)
	OnError    func(agentID string, err error)
}

// Runner owns every live agent process on this host
type Runner struct {
	bus       *bus.Bus
	store     *store.Store
	snapshot  *recovery.Snapshot
	cfg       Config
	callbacks Callbacks

	mu     sync.Mutex
	active map[string]*ActiveProcess
	queues map[string][]string
}

// New creates a runner
func New(b *bus.Bus, st *store.Store, snap *recovery.Snapshot, cfg Config, callbacks Callbacks) *Runner {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	return &Runner{
		bus:       b,
		store:     st,
		snapshot:  snap,
		cfg:       cfg,
		callbacks: callbacks,
		active:    make(map[string]*ActiveProcess),
		queues:    make(map[string][]string),
	}
}

// Run dispatches a request, or enqueues it when the agent is busy.
// Dispatch is asynchronous: completion arrives via callbacks and bus
// events, never through this call.
func (r *Runner) Run(req *agent.RunnerRequest) error {
	record, err := r.store.GetAgent(req.AgentID)
	if err != nil {
		return err
	}

	// requests are immutable; store-backed defaults go into a copy so
	// the caller's value is never written to
	resolved := *req
	if resolved.SessionID == "" {
		resolved.SessionID = record.SessionID
	}
	if resolved.WorkingDir == "" {
		resolved.WorkingDir = record.WorkingDir
	}
	if resolved.Backend == "" {
		resolved.Backend = agent.Kind(record.Backend)
	}
	if resolved.Model == "" {
		resolved.Model = record.Model
	}
	req = &resolved

	r.mu.Lock()
	ap, exists := r.active[req.AgentID]
	if exists {
		if ap.working || !ap.Backend.RequiresStdinInput() {
			if r.cfg.DisableQueueing {
				r.mu.Unlock()
				return ErrAgentBusy
			}
			r.queues[req.AgentID] = append(r.queues[req.AgentID], req.Prompt)
			r.publishQueueLocked(req.AgentID)
			r.mu.Unlock()
			return nil
		}
		// idle interactive process: feed the live stdin
		ap.working = true
		r.mu.Unlock()
		return r.deliverToStdin(ap, req.Prompt)
	}
	r.mu.Unlock()

	// dispatch re-takes the mutex and re-checks the active map, so a
	// concurrent dispatch that won the gap queues instead of spawning
	return r.dispatch(req, record)
}

// SendCommand routes text to an agent: idle behaves like Run, busy
// appends to the FIFO queue.
func (r *Runner) SendCommand(agentID, text string) error {
	return r.Run(&agent.RunnerRequest{AgentID: agentID, Prompt: text})
}

// Stop terminates the agent's process and discards its pending queue
func (r *Runner) Stop(agentID string) error {
	return r.stop(agentID, false)
}

// StopKeepQueue terminates the process but leaves queued commands for
// the next run to drain.
func (r *Runner) StopKeepQueue(agentID string) error {
	return r.stop(agentID, true)
}

// ActiveCount reports how many agents have a live process
func (r *Runner) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// ActivePID returns the live pid for an agent, or 0
func (r *Runner) ActivePID(agentID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ap, ok := r.active[agentID]; ok {
		return ap.PID()
	}
	return 0
}

// MemoryMB reports best-effort resident memory for an agent's live
// process. False when the agent has no process or accounting is
// unavailable on this platform; callers treat that as "unknown", never
// as an error.
func (r *Runner) MemoryMB(agentID string) (int, bool) {
	pid := r.ActivePID(agentID)
	if pid <= 0 {
		return 0, false
	}
	return resource.ProcessMemoryMB(pid)
}

// PendingCommands returns a copy of the agent's queue
func (r *Runner) PendingCommands(agentID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	queue := r.queues[agentID]
	out := make([]string, len(queue))
	copy(out, queue)
	return out
}

// Shutdown stops every live process
func (r *Runner) Shutdown() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.active))
	for id := range r.active {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(agentID string) {
			defer wg.Done()
			_ = r.StopKeepQueue(agentID)
		}(id)
	}
	wg.Wait()
}

// dispatch spawns a fresh process. Called without an existing
// ActiveProcess; takes and releases the mutex itself.
func (r *Runner) dispatch(req *agent.RunnerRequest, record *store.Agent) error {
	backend, err := r.cfg.BackendFactory(req.Backend, req.Model)
	if err != nil {
		r.reportError(req.AgentID, err)
		return err
	}

	pl := pipeline.New(req.AgentID, record.Name, backend, r.bus, pipeline.Hooks{
		OnSession: r.onSession,
		OnEvent:   r.handleEvent,
	})

	r.mu.Lock()
	if _, exists := r.active[req.AgentID]; exists {
		// lost the race to another dispatcher; queue instead
		r.queues[req.AgentID] = append(r.queues[req.AgentID], req.Prompt)
		r.publishQueueLocked(req.AgentID)
		r.mu.Unlock()
		return nil
	}

	ap, err := spawn(req, backend, pl, r.cfg.CaptureDir, r.handleExit)
	if err != nil {
		r.mu.Unlock()
		if IsDirectoryMissing(err) {
			// precondition, not a process failure; the caller offers mkdir
			return err
		}
		r.reportError(req.AgentID, err)
		return err
	}

	r.active[req.AgentID] = ap
	r.persistSnapshotLocked()
	r.mu.Unlock()

	metrics.RecordSpawn(string(backend.Kind()))
	logger.Info("Agent %s started %s (pid %d)", req.AgentID, backend.Command(), ap.PID())

	r.setStatus(req.AgentID, store.StatusWorking, nil)
	r.bus.Publish(bus.Message{
		Topic:   bus.TopicCommandStarted,
		AgentID: req.AgentID,
		Payload: req.Prompt,
	})
	return nil
}

func (r *Runner) deliverToStdin(ap *ActiveProcess, text string) error {
	if err := ap.writeCommand(text); err != nil {
		r.reportError(ap.AgentID, err)
		return err
	}
	r.setStatus(ap.AgentID, store.StatusWorking, nil)
	r.bus.Publish(bus.Message{
		Topic:   bus.TopicCommandStarted,
		AgentID: ap.AgentID,
		Payload: text,
	})
	return nil
}

func (r *Runner) stop(agentID string, keepQueue bool) error {
	r.mu.Lock()
	ap, ok := r.active[agentID]
	if !ok {
		r.mu.Unlock()
		return ErrNoActiveProcess
	}
	ap.stopRequested = true
	r.mu.Unlock()

	ap.signalStop(r.cfg.GracePeriod)

	if !keepQueue {
		r.mu.Lock()
		delete(r.queues, agentID)
		r.publishQueueLocked(agentID)
		r.mu.Unlock()
	}
	return nil
}

// handleExit is the exit-callback destructor path. The finalized flag
// keeps it from racing a concurrent stop's cleanup.
func (r *Runner) handleExit(ap *ActiveProcess, exitErr error) {
	r.mu.Lock()
	if ap.finalized {
		r.mu.Unlock()
		return
	}
	ap.finalized = true
	if current, ok := r.active[ap.AgentID]; ok && current == ap {
		delete(r.active, ap.AgentID)
	}
	r.persistSnapshotLocked()

	var next string
	hasNext := false
	if !ap.stopRequested {
		if queue := r.queues[ap.AgentID]; len(queue) > 0 {
			next = queue[0]
			r.queues[ap.AgentID] = queue[1:]
			hasNext = true
			r.publishQueueLocked(ap.AgentID)
		}
	}
	stopRequested := ap.stopRequested
	r.mu.Unlock()

	duration := time.Since(ap.StartTime).Seconds()
	switch {
	case stopRequested:
		metrics.RecordExit(string(ap.Backend.Kind()), "stopped", duration)
		logger.Info("Agent %s stopped after %.1fs", ap.AgentID, duration)
		r.setStatus(ap.AgentID, store.StatusIdle, nil)
		r.complete(ap.AgentID, false)

	case exitErr == nil:
		metrics.RecordExit(string(ap.Backend.Kind()), "success", duration)
		logger.Info("Agent %s finished after %.1fs", ap.AgentID, duration)
		r.setStatus(ap.AgentID, store.StatusIdle, nil)
		r.complete(ap.AgentID, true)

	default:
		metrics.RecordExit(string(ap.Backend.Kind()), "crash", duration)
		err := fmt.Errorf("agent process exited abnormally: %w", exitErr)
		r.reportError(ap.AgentID, err)
		r.complete(ap.AgentID, false)
	}

	if hasNext {
		req := &agent.RunnerRequest{
			AgentID:      ap.AgentID,
			WorkingDir:   ap.Request.WorkingDir,
			Prompt:       next,
			SystemPrompt: ap.Request.SystemPrompt,
			ClassPrompt:  ap.Request.ClassPrompt,
			Model:        ap.Request.Model,
			Backend:      ap.Backend.Kind(),
		}
		if err := r.Run(req); err != nil {
			logger.Error("Failed to dispatch queued command for agent %s: %v", ap.AgentID, err)
		}
	}
}

// handleEvent applies parsed-event side effects: accounting,
// interactive turn boundaries, queue draining. It runs synchronously on
// the agent's pipeline hook, so unlike a bus subscriber it sees every
// event; a missed step_complete would wedge the interactive turn state
// machine.
func (r *Runner) handleEvent(agentID string, ev *agent.StandardEvent) {
	switch ev.Type {
	case agent.EventStepComplete:
		r.applyUsage(agentID, ev)
		r.finishInteractiveTurn(agentID)
	case agent.EventToolStart:
		if ev.AwaitsApproval {
			r.setPermissionWait(agentID, true)
		}
	case agent.EventToolResult:
		r.setPermissionWait(agentID, false)
	case agent.EventContextStats:
		if err := r.store.UpdateAgent(agentID, store.AgentUpdate{
			ContextUsed:  &ev.ContextUsed,
			ContextLimit: &ev.ContextLimit,
		}, true); err != nil {
			logger.Error("Failed to record context stats for agent %s: %v", agentID, err)
		}
	case agent.EventError:
		if ev.Message != "" {
			r.store.UpdateAgent(agentID, store.AgentUpdate{LastError: &ev.Message}, true)
		}
	}
}

// applyUsage routes step accounting through the idempotent reducer so
// a replayed line never double-counts.
func (r *Runner) applyUsage(agentID string, ev *agent.StandardEvent) {
	if ev.InputTokens == 0 && ev.OutputTokens == 0 && ev.CostUSD == 0 {
		return
	}
	key := fmt.Sprintf("%s:%d", ev.SessionID, ev.NumTurns)
	applied, err := r.store.ApplyUsage(agentID, key, ev.InputTokens, ev.OutputTokens, ev.CostUSD)
	if err != nil {
		logger.Error("Failed to apply usage for agent %s: %v", agentID, err)
		return
	}
	if applied {
		metrics.RecordUsage(ev.InputTokens, ev.OutputTokens, ev.CostUSD)
	}
}

// setPermissionWait tracks a tool call the CLI is holding for user
// approval: waiting_permission while held, back to working once its
// result arrives. A result with nothing held is a no-op, so ordinary
// tool traffic causes no status churn.
func (r *Runner) setPermissionWait(agentID string, waiting bool) {
	r.mu.Lock()
	ap, ok := r.active[agentID]
	if !ok || ap.permissionWait == waiting {
		r.mu.Unlock()
		return
	}
	ap.permissionWait = waiting
	r.mu.Unlock()

	if waiting {
		r.setStatus(agentID, store.StatusWaitingPermission, nil)
	} else {
		r.setStatus(agentID, store.StatusWorking, nil)
	}
}

// finishInteractiveTurn marks an interactive agent waiting and feeds
// the next queued command to the live process.
func (r *Runner) finishInteractiveTurn(agentID string) {
	r.mu.Lock()
	ap, ok := r.active[agentID]
	if !ok || !ap.Backend.RequiresStdinInput() {
		r.mu.Unlock()
		return
	}
	ap.working = false
	ap.permissionWait = false

	var next string
	hasNext := false
	if queue := r.queues[agentID]; len(queue) > 0 {
		next = queue[0]
		r.queues[agentID] = queue[1:]
		ap.working = true
		hasNext = true
		r.publishQueueLocked(agentID)
	}
	r.mu.Unlock()

	if hasNext {
		if err := r.deliverToStdin(ap, next); err != nil {
			logger.Error("Failed to deliver queued command to agent %s: %v", agentID, err)
		}
		return
	}
	r.setStatus(agentID, store.StatusWaiting, nil)
}

// onSession persists the first session id an agent's output reports
func (r *Runner) onSession(agentID, sessionID string) {
	if err := r.store.UpdateAgent(agentID, store.AgentUpdate{SessionID: &sessionID}, true); err != nil {
		logger.Error("Failed to persist session id for agent %s: %v", agentID, err)
		return
	}

	// the snapshot record must carry the session so recovery can resume
	r.mu.Lock()
	if ap, ok := r.active[agentID]; ok && ap.Request.SessionID == "" {
		withSession := *ap.Request
		withSession.SessionID = sessionID
		ap.Request = &withSession
		r.persistSnapshotLocked()
	}
	r.mu.Unlock()
}

// persistSnapshotLocked rewrites the recovery snapshot from the live set
func (r *Runner) persistSnapshotLocked() {
	if r.snapshot == nil {
		return
	}
	records := make([]recovery.RunningProcessInfo, 0, len(r.active))
	for _, ap := range r.active {
		records = append(records, recovery.RunningProcessInfo{
			PID:        ap.PID(),
			AgentID:    ap.AgentID,
			Backend:    ap.Backend.Kind(),
			SessionID:  ap.Request.SessionID,
			StartTime:  ap.StartTime,
			OutputPath: ap.OutputPath,
			ErrorPath:  ap.ErrorPath,
			Request:    ap.Request,
		})
	}
	if err := r.snapshot.Save(records); err != nil {
		logger.Error("Failed to persist process snapshot: %v", err)
	}
}

func (r *Runner) publishQueueLocked(agentID string) {
	queue := r.queues[agentID]
	pending := make([]string, len(queue))
	copy(pending, queue)
	metrics.SetQueueDepth(agentID, len(pending))
	r.bus.Publish(bus.Message{
		Topic:   bus.TopicQueueUpdate,
		AgentID: agentID,
		Payload: pending,
	})
}

// setStatus reflects a lifecycle transition onto the durable record and
// tells observers.
func (r *Runner) setStatus(agentID string, status store.Status, lastErr error) {
	upd := store.AgentUpdate{Status: &status}
	if lastErr != nil {
		msg := lastErr.Error()
		upd.LastError = &msg
	}
	if err := r.store.UpdateAgent(agentID, upd, true); err != nil {
		logger.Error("Failed to update status for agent %s: %v", agentID, err)
	}

	if record, err := r.store.GetAgent(agentID); err == nil {
		r.bus.Publish(bus.Message{
			Topic:   bus.TopicAgentUpdated,
			AgentID: agentID,
			Payload: record,
		})
	}
}

func (r *Runner) reportError(agentID string, err error) {
	logger.Error("Agent %s failed: %v", agentID, err)
	r.setStatus(agentID, store.StatusError, err)
	r.bus.Publish(bus.Message{
		Topic:   bus.TopicError,
		AgentID: agentID,
		Payload: err.Error(),
	})
	if r.callbacks.OnError != nil {
		r.callbacks.OnError(agentID, err)
	}
}

func (r *Runner) complete(agentID string, success bool) {
	if r.callbacks.OnComplete != nil {
		r.callbacks.OnComplete(agentID, success)
	}
}
