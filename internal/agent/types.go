// Package agent provides the coding-agent backend abstraction layer.
//
// types.go - Shared types for agent communication
//
// This file contains:
// - EventType and StandardEvent for normalized event streaming
// - RunnerRequest for process launch parameters
//
// StandardEvent provides a common format that all backend implementations
// must convert their native wire protocols into. This enables consistent
// event handling regardless of which CLI produced the output.

package agent

// EventType represents the type of a normalized streaming event
type EventType string

const (
	EventInit         EventType = "init"
	EventText         EventType = "text"
	EventThinking     EventType = "thinking"
	EventToolStart    EventType = "tool_start"
	EventToolResult   EventType = "tool_result"
	EventBlockStart   EventType = "block_start"
	EventBlockEnd     EventType = "block_end"
	EventStepComplete EventType = "step_complete"
	EventContextStats EventType = "context_stats"
	EventUsageStats   EventType = "usage_stats"
	EventError        EventType = "error"
)

// StandardEvent represents a single normalized event in agent output.
// Exactly one canonical shape regardless of which CLI produced it.
type StandardEvent struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id,omitempty"`

	// Text fields
	Text        string `json:"text,omitempty"`
	IsStreaming bool   `json:"isStreaming,omitempty"`

	// Tool call fields
	ToolID    string                 `json:"toolId,omitempty"`
	ToolName  string                 `json:"toolName,omitempty"`
	ToolInput map[string]interface{} `json:"toolInput,omitempty"`
	// AwaitsApproval marks a tool call the CLI is holding until the
	// user approves it in the agent's own surface; the matching
	// tool_result arrives once the call is resolved either way
	AwaitsApproval bool `json:"awaitsApproval,omitempty"`

	// Tool result fields
	IsError bool   `json:"isError,omitempty"`
	Value   string `json:"value,omitempty"`

	// Step completion fields (token/cost accounting)
	Result       string  `json:"result,omitempty"`
	DurationMs   int     `json:"durationMs,omitempty"`
	NumTurns     int     `json:"numTurns,omitempty"`
	InputTokens  int     `json:"inputTokens,omitempty"`
	OutputTokens int     `json:"outputTokens,omitempty"`
	CostUSD      float64 `json:"costUsd,omitempty"`

	// Context accounting fields
	ContextUsed  int `json:"contextUsed,omitempty"`
	ContextLimit int `json:"contextLimit,omitempty"`

	// Error fields
	Message string `json:"message,omitempty"`

	Timestamp int64 `json:"timestamp,omitempty"`
}

// Kind identifies how a backend manages its OS process
type Kind string

const (
	// KindInteractive keeps one long-lived process per agent and feeds
	// every user message to it as a framed stdin payload.
	KindInteractive Kind = "interactive"

	// KindBatchResume starts a fresh process per command; continuity is
	// expressed by passing the prior session id as a CLI argument.
	KindBatchResume Kind = "batch-resume"
)

// RunnerRequest is the immutable instruction to start or resume a run.
// Never mutated after creation.
type RunnerRequest struct {
	AgentID    string `json:"agent_id"`
	WorkingDir string `json:"working_dir"`
	Prompt     string `json:"prompt"`

	// SessionID is empty for a new conversation, set for continuation
	SessionID string `json:"session_id,omitempty"`

	// Prompt overlays
	SystemPrompt string `json:"system_prompt,omitempty"`
	ClassPrompt  string `json:"class_prompt,omitempty"`

	// Backend-specific knobs
	Model   string `json:"model,omitempty"`
	Backend Kind   `json:"backend,omitempty"`
}
