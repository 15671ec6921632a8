// Package hub owns observer websocket connections and message routing.
//
// messages.go - wire shapes for the observer protocol
//
// Outbound messages share one envelope with a discriminating type
// field. Inbound messages use the same discrimination; unknown types
// are logged and ignored so a newer UI never crashes an older host.

package hub

import "encoding/json"

// Outbound message types
const (
	OutAgentsUpdate   = "agents_update"
	OutAreasUpdate    = "areas_update"
	OutAgentCreated   = "agent_created"
	OutAgentUpdated   = "agent_updated"
	OutAgentDeleted   = "agent_deleted"
	OutEvent          = "event"
	OutOutput         = "output"
	OutQueueUpdate    = "queue_update"
	OutCommandStarted = "command_started"
	OutActivity       = "activity"
	OutError          = "error"
)

// Inbound message types
const (
	InSpawnAgent      = "spawn_agent"
	InSendCommand     = "send_command"
	InMoveAgent       = "move_agent"
	InKillAgent       = "kill_agent"
	InStopAgent       = "stop_agent"
	InRemoveAgent     = "remove_agent"
	InRenameAgent     = "rename_agent"
	InCreateDirectory = "create_directory"
	InSyncAreas       = "sync_areas"
)

// OutboundMessage is the envelope broadcast to observers
type OutboundMessage struct {
	Type    string      `json:"type"`
	AgentID string      `json:"agentId,omitempty"`
	Payload interface{} `json:"payload,omitempty"`
}

// InboundMessage is the envelope received from observers. Payload is
// decoded after the type is known and the schema has validated it.
type InboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// SpawnAgentPayload starts a new agent. The create_directory message
// shares this shape and additionally creates the working directory.
type SpawnAgentPayload struct {
	Name       string `json:"name"`
	WorkingDir string `json:"workingDir"`
	Backend    string `json:"backend"`
	Model      string `json:"model,omitempty"`
	AreaID     string `json:"areaId,omitempty"`
	Prompt     string `json:"prompt,omitempty"`
}

// SendCommandPayload routes a command to an agent
type SendCommandPayload struct {
	AgentID string `json:"agentId"`
	Command string `json:"command"`
}

// MoveAgentPayload reassigns an agent to an area
type MoveAgentPayload struct {
	AgentID string `json:"agentId"`
	AreaID  string `json:"areaId"`
}

// RenameAgentPayload changes the display name
type RenameAgentPayload struct {
	AgentID string `json:"agentId"`
	Name    string `json:"name"`
}

// AgentIDPayload covers kill/stop/remove
type AgentIDPayload struct {
	AgentID string `json:"agentId"`
}

// SyncAreasPayload replaces the saved area layout
type SyncAreasPayload struct {
	Areas []AreaPayload `json:"areas"`
}

// AreaPayload is one area in a sync
type AreaPayload struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Kind     string `json:"kind,omitempty"`
	Position string `json:"position,omitempty"`
}

// QueueUpdatePayload mirrors an agent's pending command queue
type QueueUpdatePayload struct {
	AgentID         string   `json:"agentId"`
	PendingCommands []string `json:"pendingCommands"`
}

// CommandStartedPayload announces a dispatched command
type CommandStartedPayload struct {
	AgentID string `json:"agentId"`
	Command string `json:"command"`
}

// ErrorPayload carries a per-agent failure to observers
type ErrorPayload struct {
	AgentID string `json:"agentId,omitempty"`
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"`
}
