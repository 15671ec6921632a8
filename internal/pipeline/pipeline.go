// Package pipeline turns raw subprocess stdout into bus traffic.
//
// pipeline.go - per-agent stdout line processing
//
// For each line: capture the session id the first time one appears,
// parse the line through the agent's backend, publish every structured
// event plus a derived activity string, and forward unparseable lines
// as prefixed raw output so no telemetry is silently lost.
//
// The pipeline performs no deduplication: replaying a line re-emits its
// events, and token/cost accounting is deduplicated downstream by the
// store's usage reducer.

package pipeline

import (
	"sync"
	"time"

	"github.com/garrison-dev/garrison/internal/agent"
	"github.com/garrison-dev/garrison/internal/bus"
	"github.com/garrison-dev/garrison/internal/metrics"
)

// RawPrefix marks forwarded lines that carried no structured telemetry
const RawPrefix = "[raw] "

// Hooks are synchronous callbacks invoked in line order. Unlike bus
// traffic, which is best-effort and may drop for a saturated
// subscriber, hooks are guaranteed delivery: state machines that must
// see every event (turn boundaries, usage accounting) hang off these,
// never off a bus subscription.
type Hooks struct {
	// OnSession fires once, on first session id capture, so the caller
	// can persist the id before any dependent event is handled
	OnSession func(agentID, sessionID string)

	// OnEvent fires for every parsed event, in original order
	OnEvent func(agentID string, ev *agent.StandardEvent)
}

// Pipeline processes stdout lines for a single agent
type Pipeline struct {
	agentID   string
	agentName string
	backend   agent.Backend
	bus       *bus.Bus
	hooks     Hooks

	sessionID string
	mu        sync.Mutex
}

// New creates a pipeline for one agent. Either hook may be nil.
func New(agentID, agentName string, backend agent.Backend, b *bus.Bus, hooks Hooks) *Pipeline {
	return &Pipeline{
		agentID:   agentID,
		agentName: agentName,
		backend:   backend,
		bus:       b,
		hooks:     hooks,
	}
}

// SessionID returns the captured session id, or "" before capture
func (p *Pipeline) SessionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessionID
}

// ProcessLine handles one raw stdout line
func (p *Pipeline) ProcessLine(line string) {
	if sid := p.backend.ExtractSessionID(line); sid != "" {
		p.captureSession(sid)
	}

	events := p.backend.ParseEvent(line)
	if len(events) == 0 {
		if line == "" {
			return
		}
		metrics.RecordRawLine()
		p.bus.Publish(bus.Message{
			Topic:   bus.TopicOutput,
			AgentID: p.agentID,
			Payload: RawPrefix + line,
		})
		return
	}

	for _, ev := range events {
		metrics.RecordAgentEvent(string(ev.Type))
		if p.hooks.OnEvent != nil {
			p.hooks.OnEvent(p.agentID, ev)
		}
		p.bus.Publish(bus.Message{
			Topic:   bus.TopicEvent,
			AgentID: p.agentID,
			Payload: ev,
		})
		if msg := Describe(ev); msg != "" {
			p.bus.Publish(bus.Message{
				Topic:   bus.TopicActivity,
				AgentID: p.agentID,
				Payload: Activity{
					AgentID:   p.agentID,
					AgentName: p.agentName,
					Message:   msg,
					Timestamp: time.Now().UnixMilli(),
				},
			})
		}
	}
}

// NoteReadFailure forwards a stream read error as raw output, so a
// truncated telemetry stream is visible to observers instead of the
// agent just going quiet.
func (p *Pipeline) NoteReadFailure(err error) {
	metrics.RecordRawLine()
	p.bus.Publish(bus.Message{
		Topic:   bus.TopicOutput,
		AgentID: p.agentID,
		Payload: RawPrefix + "stdout read failed: " + err.Error(),
	})
}

// Activity is the lightweight timeline feed entry derived from events
type Activity struct {
	AgentID   string `json:"agentId"`
	AgentName string `json:"agentName"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

func (p *Pipeline) captureSession(sid string) {
	p.mu.Lock()
	if p.sessionID != "" {
		p.mu.Unlock()
		return
	}
	p.sessionID = sid
	p.mu.Unlock()

	if p.hooks.OnSession != nil {
		p.hooks.OnSession(p.agentID, sid)
	}
	p.bus.Publish(bus.Message{
		Topic:   bus.TopicSessionID,
		AgentID: p.agentID,
		Payload: sid,
	})
}
