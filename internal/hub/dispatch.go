// Package hub owns observer websocket connections and message routing.
//
// dispatch.go - inbound command routing
//
// Payloads arrive schema-validated; this file decodes them and routes
// to the runner and store. Failures are reported back on the offending
// connection and, where other observers care (agent state changed),
// broadcast. No observer command may crash the connection.

package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"

	"github.com/garrison-dev/garrison/internal/agent"
	"github.com/garrison-dev/garrison/internal/logger"
	"github.com/garrison-dev/garrison/internal/runner"
	"github.com/garrison-dev/garrison/internal/store"
	"github.com/garrison-dev/garrison/internal/validation"
)

func (h *Hub) handleInbound(c *Client, msg InboundMessage) {
	var err error
	switch msg.Type {
	case InSpawnAgent:
		err = h.handleSpawn(msg.Payload, false)
	case InCreateDirectory:
		err = h.handleSpawn(msg.Payload, true)
	case InSendCommand:
		err = h.handleSendCommand(msg.Payload)
	case InMoveAgent:
		err = h.handleMove(msg.Payload)
	case InRenameAgent:
		err = h.handleRename(msg.Payload)
	case InStopAgent:
		err = h.handleStop(msg.Payload, true)
	case InKillAgent:
		err = h.handleStop(msg.Payload, false)
	case InRemoveAgent:
		err = h.handleRemove(msg.Payload)
	case InSyncAreas:
		err = h.handleSyncAreas(msg.Payload)
	default:
		// validatePayload already rejects unknown types; belt and braces
		logger.Info("Ignoring unknown observer message type %q", msg.Type)
		return
	}

	if err != nil {
		c.sendMessage(OutboundMessage{Type: OutError, Payload: errorPayloadFor(err)})
	}
}

// errorPayloadFor keeps the directory-missing case distinct so the UI
// can offer to create the directory.
func errorPayloadFor(err error) ErrorPayload {
	p := ErrorPayload{Message: err.Error()}
	if runner.IsDirectoryMissing(err) {
		p.Kind = "directory_missing"
	}
	return p
}

func (h *Hub) handleSpawn(payload json.RawMessage, mkdir bool) error {
	var p SpawnAgentPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("bad spawn payload: %w", err)
	}
	if err := validation.ValidateAgentName(p.Name); err != nil {
		return err
	}
	if err := validation.ValidateWorkingDir(p.WorkingDir); err != nil {
		return err
	}

	if mkdir {
		if err := os.MkdirAll(p.WorkingDir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}

	record := &store.Agent{
		ID:         uuid.NewString(),
		Name:       p.Name,
		WorkingDir: p.WorkingDir,
		Backend:    p.Backend,
		Model:      p.Model,
		AreaID:     p.AreaID,
	}
	if err := h.store.CreateAgent(record); err != nil {
		return err
	}

	h.Broadcast(OutboundMessage{Type: OutAgentCreated, AgentID: record.ID, Payload: record})

	if p.Prompt != "" {
		if err := h.runner.Run(&agent.RunnerRequest{
			AgentID:    record.ID,
			WorkingDir: record.WorkingDir,
			Prompt:     p.Prompt,
			Model:      record.Model,
			Backend:    agent.Kind(record.Backend),
		}); err != nil {
			return err
		}
	}
	return nil
}

func (h *Hub) handleSendCommand(payload json.RawMessage) error {
	var p SendCommandPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("bad command payload: %w", err)
	}
	return h.runner.SendCommand(p.AgentID, p.Command)
}

func (h *Hub) handleMove(payload json.RawMessage) error {
	var p MoveAgentPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("bad move payload: %w", err)
	}
	if err := h.store.UpdateAgent(p.AgentID, store.AgentUpdate{AreaID: &p.AreaID}, false); err != nil {
		return err
	}
	h.broadcastAgentUpdated(p.AgentID)
	return nil
}

func (h *Hub) handleRename(payload json.RawMessage) error {
	var p RenameAgentPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("bad rename payload: %w", err)
	}
	if err := validation.ValidateAgentName(p.Name); err != nil {
		return err
	}
	if err := h.store.UpdateAgent(p.AgentID, store.AgentUpdate{Name: &p.Name}, false); err != nil {
		return err
	}
	h.broadcastAgentUpdated(p.AgentID)
	return nil
}

func (h *Hub) handleStop(payload json.RawMessage, keepQueue bool) error {
	var p AgentIDPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("bad stop payload: %w", err)
	}

	var err error
	if keepQueue {
		err = h.runner.StopKeepQueue(p.AgentID)
	} else {
		err = h.runner.Stop(p.AgentID)
	}
	if errors.Is(err, runner.ErrNoActiveProcess) {
		// stopping an idle agent is a no-op, not an error
		return nil
	}
	return err
}

func (h *Hub) handleRemove(payload json.RawMessage) error {
	var p AgentIDPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("bad remove payload: %w", err)
	}

	if err := h.runner.Stop(p.AgentID); err != nil && !errors.Is(err, runner.ErrNoActiveProcess) {
		logger.Error("Failed to stop agent %s before removal: %v", p.AgentID, err)
	}
	if err := h.store.DeleteAgent(p.AgentID); err != nil {
		return err
	}
	h.Broadcast(OutboundMessage{Type: OutAgentDeleted, AgentID: p.AgentID, Payload: AgentIDPayload{AgentID: p.AgentID}})
	return nil
}

func (h *Hub) handleSyncAreas(payload json.RawMessage) error {
	var p SyncAreasPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("bad areas payload: %w", err)
	}

	areas := make([]*store.Area, 0, len(p.Areas))
	for _, a := range p.Areas {
		areas = append(areas, &store.Area{ID: a.ID, Name: a.Name, Kind: a.Kind, Position: a.Position})
	}
	if err := h.store.SyncAreas(areas); err != nil {
		return err
	}

	saved, err := h.store.ListAreas()
	if err != nil {
		return err
	}
	h.Broadcast(OutboundMessage{Type: OutAreasUpdate, Payload: saved})
	return nil
}

func (h *Hub) broadcastAgentUpdated(agentID string) {
	record, err := h.store.GetAgent(agentID)
	if err != nil {
		return
	}
	h.Broadcast(OutboundMessage{Type: OutAgentUpdated, AgentID: agentID, Payload: record})
}
