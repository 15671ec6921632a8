// Package store persists the agent directory and area layout.
//
// types.go - durable record shapes and status enum

package store

import "time"

// Status is the lifecycle state mirrored onto the durable agent record
type Status string

const (
	StatusIdle              Status = "idle"
	StatusWorking           Status = "working"
	StatusWaiting           Status = "waiting"
	StatusWaitingPermission Status = "waiting_permission"
	StatusError             Status = "error"
	StatusOffline           Status = "offline"
	StatusOrphaned          Status = "orphaned"
)

// Agent is the durable directory record. Runtime process state lives in
// the runner; this record mirrors what observers need to see.
type Agent struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	WorkingDir string `json:"workingDir"`
	Backend    string `json:"backend"`
	Model      string `json:"model,omitempty"`
	AreaID     string `json:"areaId,omitempty"`

	SessionID string `json:"sessionId,omitempty"`
	Status    Status `json:"status"`
	LastError string `json:"lastError,omitempty"`

	ContextUsed  int     `json:"contextUsed"`
	ContextLimit int     `json:"contextLimit"`
	InputTokens  int     `json:"inputTokens"`
	OutputTokens int     `json:"outputTokens"`
	CostUSD      float64 `json:"costUsd"`

	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
}

// AgentUpdate is a partial update; nil fields are left unchanged
type AgentUpdate struct {
	Name         *string
	WorkingDir   *string
	AreaID       *string
	SessionID    *string
	Status       *Status
	LastError    *string
	ContextUsed  *int
	ContextLimit *int
}

// Area is one spatial grouping of agents in the observer UI
type Area struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Kind     string `json:"kind,omitempty"`
	Position string `json:"position,omitempty"`
}
