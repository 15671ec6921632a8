// Package recovery persists the live process set and heals unclean
// shutdowns.
//
// recover.go - startup recovery pass
//
// For each persisted record: a pid still alive is left untouched (the
// orphan keeps reporting and is re-persisted), a dead batch-resume
// session with a known session id gets a one-shot resume with prompt
// "continue", and everything else is marked offline. There is no safe
// way to replay unsent stdin to an interactive process, so those always
// surface as offline and need an explicit user action.

package recovery

import (
	"time"

	"github.com/garrison-dev/garrison/internal/agent"
	"github.com/garrison-dev/garrison/internal/logger"
	"github.com/garrison-dev/garrison/internal/metrics"
	"github.com/garrison-dev/garrison/internal/store"
)

// DefaultResumeDelay leaves room for other startup work before the
// first resumed process starts producing output
const DefaultResumeDelay = 3 * time.Second

// Recoverer runs the startup pass over the persisted process set
type Recoverer struct {
	snapshot *Snapshot

	// resume schedules one run; invoked after the delay, off the
	// recovery goroutine
	resume func(req *agent.RunnerRequest)

	// markStatus reflects the outcome onto the durable agent record
	markStatus func(agentID string, status store.Status)

	delay   time.Duration
	isAlive func(pid int) bool
}

// NewRecoverer creates a recovery pass runner
func NewRecoverer(snapshot *Snapshot, resume func(req *agent.RunnerRequest), markStatus func(agentID string, status store.Status), delay time.Duration) *Recoverer {
	if delay <= 0 {
		delay = DefaultResumeDelay
	}
	return &Recoverer{
		snapshot:   snapshot,
		resume:     resume,
		markStatus: markStatus,
		delay:      delay,
		isAlive:    IsProcessRunning,
	}
}

// Recover executes one startup pass. Only records whose pid is still
// alive survive in the snapshot, so an immediate second pass sees
// nothing to resume.
func (r *Recoverer) Recover() error {
	records, err := r.snapshot.Load()
	if err != nil {
		return err
	}

	var alive []RunningProcessInfo
	for _, rec := range records {
		switch {
		case r.isAlive(rec.PID):
			// still running from the previous host lifetime; it keeps
			// reporting on its own and dies naturally
			logger.Info("Recovery: agent %s pid %d still alive, leaving untouched", rec.AgentID, rec.PID)
			r.markStatus(rec.AgentID, store.StatusOrphaned)
			metrics.RecordRecovery("orphaned")
			alive = append(alive, rec)

		case rec.Backend == agent.KindBatchResume && rec.SessionID != "":
			logger.Info("Recovery: agent %s pid %d dead, scheduling resume of session %s", rec.AgentID, rec.PID, rec.SessionID)
			r.scheduleResume(rec)
			metrics.RecordRecovery("resumed")

		default:
			logger.Info("Recovery: agent %s pid %d dead and not resumable, marking offline", rec.AgentID, rec.PID)
			r.markStatus(rec.AgentID, store.StatusOffline)
			metrics.RecordRecovery("offline")
		}
	}

	return r.snapshot.Save(alive)
}

func (r *Recoverer) scheduleResume(rec RunningProcessInfo) {
	req := &agent.RunnerRequest{
		AgentID:   rec.AgentID,
		Prompt:    "continue",
		SessionID: rec.SessionID,
		Backend:   rec.Backend,
	}
	if rec.Request != nil {
		req.WorkingDir = rec.Request.WorkingDir
		req.Model = rec.Request.Model
		req.SystemPrompt = rec.Request.SystemPrompt
		req.ClassPrompt = rec.Request.ClassPrompt
	}
	time.AfterFunc(r.delay, func() { r.resume(req) })
}
