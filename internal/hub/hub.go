// Package hub owns observer websocket connections and message routing.
//
// hub.go - connection registry and broadcast fan-out
//
/*
ARCHITECTURE

The hub is the single boundary between the orchestration layer and its
observers:

	observer command → hub → runner/store
	bus traffic → hub → every observer

Broadcast serializes a message once, snapshots the connection set under
a read lock, and offers the bytes to each client's buffered channel. A
slow or dead observer is skipped for that message; an orchestration
event never waits on an observer. Every new connection receives a full
state snapshot (agents_update, areas_update) before any incremental
traffic.
*/

package hub

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/garrison-dev/garrison/internal/agent"
	"github.com/garrison-dev/garrison/internal/bus"
	"github.com/garrison-dev/garrison/internal/logger"
	"github.com/garrison-dev/garrison/internal/metrics"
	"github.com/garrison-dev/garrison/internal/pipeline"
	"github.com/garrison-dev/garrison/internal/runner"
	"github.com/garrison-dev/garrison/internal/store"
)

// Hub owns the observer connection set
type Hub struct {
	store  *store.Store
	runner *runner.Runner

	mu      sync.RWMutex
	clients map[*Client]struct{}

	upgrader  websocket.Upgrader
	cancelBus func()
}

// New creates a hub and starts forwarding bus traffic to observers
func New(st *store.Store, r *runner.Runner, b *bus.Bus) *Hub {
	h := &Hub{
		store:   st,
		runner:  r,
		clients: make(map[*Client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// observers are same-host UIs; the deployment fronts
			// anything public with its own origin policy
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	ch, cancel := b.Subscribe(1024)
	h.cancelBus = cancel
	go h.forwardBus(ch)

	return h
}

// ServeWS upgrades an HTTP request into an observer connection
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("Failed to upgrade observer connection: %v", err)
		return
	}

	client := newClient(h, conn)
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	metrics.RecordObserverConnect()

	h.sendSnapshot(client)

	go client.writePump()
	go client.readPump()
}

// Broadcast serializes once and offers the message to every observer
func (h *Hub) Broadcast(msg OutboundMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		logger.Error("Failed to marshal broadcast %s: %v", msg.Type, err)
		return
	}

	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.enqueue(data)
	}
}

// ClientCount reports connected observers
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every observer and stops bus forwarding
func (h *Hub) Close() {
	h.cancelBus()

	h.mu.Lock()
	for c := range h.clients {
		close(c.done)
	}
	h.clients = make(map[*Client]struct{})
	h.mu.Unlock()
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		// done, not send: an in-flight Broadcast may still hold this
		// client in its snapshot and offer to send
		close(c.done)
		metrics.RecordObserverDisconnect()
	}
	h.mu.Unlock()
}

// agentSnapshot is a durable record enriched with live process telemetry
type agentSnapshot struct {
	*store.Agent
	PID      int `json:"pid,omitempty"`
	MemoryMB int `json:"memoryMb,omitempty"`
}

// sendSnapshot delivers the full current state to one new observer
func (h *Hub) sendSnapshot(c *Client) {
	agents, err := h.store.ListAgents()
	if err != nil {
		logger.Error("Failed to load agents for snapshot: %v", err)
		agents = nil
	}
	views := make([]agentSnapshot, 0, len(agents))
	for _, a := range agents {
		view := agentSnapshot{Agent: a, PID: h.runner.ActivePID(a.ID)}
		if mb, ok := h.runner.MemoryMB(a.ID); ok {
			view.MemoryMB = mb
		}
		views = append(views, view)
	}
	c.sendMessage(OutboundMessage{Type: OutAgentsUpdate, Payload: views})

	areas, err := h.store.ListAreas()
	if err != nil {
		logger.Error("Failed to load areas for snapshot: %v", err)
		areas = nil
	}
	c.sendMessage(OutboundMessage{Type: OutAreasUpdate, Payload: areas})
}

// forwardBus maps internal bus traffic onto the observer wire protocol
func (h *Hub) forwardBus(ch <-chan bus.Message) {
	for msg := range ch {
		switch msg.Topic {
		case bus.TopicEvent:
			if ev, ok := msg.Payload.(*agent.StandardEvent); ok {
				h.Broadcast(OutboundMessage{Type: OutEvent, AgentID: msg.AgentID, Payload: ev})
			}
		case bus.TopicOutput:
			h.Broadcast(OutboundMessage{Type: OutOutput, AgentID: msg.AgentID, Payload: msg.Payload})
		case bus.TopicActivity:
			if act, ok := msg.Payload.(pipeline.Activity); ok {
				h.Broadcast(OutboundMessage{Type: OutActivity, AgentID: msg.AgentID, Payload: act})
			}
		case bus.TopicQueueUpdate:
			if pending, ok := msg.Payload.([]string); ok {
				h.Broadcast(OutboundMessage{Type: OutQueueUpdate, AgentID: msg.AgentID, Payload: QueueUpdatePayload{
					AgentID:         msg.AgentID,
					PendingCommands: pending,
				}})
			}
		case bus.TopicCommandStarted:
			if cmd, ok := msg.Payload.(string); ok {
				h.Broadcast(OutboundMessage{Type: OutCommandStarted, AgentID: msg.AgentID, Payload: CommandStartedPayload{
					AgentID: msg.AgentID,
					Command: cmd,
				}})
			}
		case bus.TopicAgentCreated:
			h.Broadcast(OutboundMessage{Type: OutAgentCreated, AgentID: msg.AgentID, Payload: msg.Payload})
		case bus.TopicAgentUpdated:
			h.Broadcast(OutboundMessage{Type: OutAgentUpdated, AgentID: msg.AgentID, Payload: msg.Payload})
		case bus.TopicAgentDeleted:
			h.Broadcast(OutboundMessage{Type: OutAgentDeleted, AgentID: msg.AgentID, Payload: msg.Payload})
		case bus.TopicError:
			if errMsg, ok := msg.Payload.(string); ok {
				h.Broadcast(OutboundMessage{Type: OutError, AgentID: msg.AgentID, Payload: ErrorPayload{
					AgentID: msg.AgentID,
					Message: errMsg,
				}})
			}
		}
	}
}
