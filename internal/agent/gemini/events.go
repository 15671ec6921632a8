// Package gemini provides the interactive agent backend.
//
// events.go - stream-json parsing
//
// The gemini wire protocol is flatter than claude's: every line is a
// single top-level object with its payload inline, tool results carry
// the tool name themselves, and turn accounting arrives on a
// turn_complete frame rather than a process exit.

package gemini

import (
	"encoding/json"
	"time"

	"github.com/garrison-dev/garrison/internal/agent"
)

type frame struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Model     string `json:"model"`

	// content / thought frames
	Text      string `json:"text"`
	Partial   bool   `json:"partial"`

	// tool frames
	ToolID   string                 `json:"toolId"`
	ToolName string                 `json:"toolName"`
	Args     map[string]interface{} `json:"args"`
	Status   string                 `json:"status"`
	Output   string                 `json:"output"`
	IsError  bool                   `json:"isError"`

	// turn_complete frame
	Stats *turnStats `json:"stats"`

	// error frame
	Message string `json:"message"`
}

type turnStats struct {
	DurationMs   int     `json:"durationMs"`
	Turns        int     `json:"turns"`
	InputTokens  int     `json:"inputTokens"`
	OutputTokens int     `json:"outputTokens"`
	TotalTokens  int     `json:"totalTokens"`
	TokenLimit   int     `json:"tokenLimit"`
	CostUSD      float64 `json:"costUsd"`
}

// ParseEvent parses one raw line. Non-JSON and unknown frames return
// nil so the pipeline forwards them as opaque output.
func (b *Backend) ParseEvent(line string) []*agent.StandardEvent {
	if line == "" {
		return nil
	}

	var f frame
	if err := json.Unmarshal([]byte(line), &f); err != nil {
		return nil
	}

	now := time.Now().UnixMilli()

	switch f.Type {
	case "session_start":
		return []*agent.StandardEvent{{
			Type:      agent.EventInit,
			SessionID: f.SessionID,
			Text:      f.Model,
			Timestamp: now,
		}}

	case "content":
		return []*agent.StandardEvent{{
			Type:        agent.EventText,
			Text:        f.Text,
			IsStreaming: f.Partial,
			Timestamp:   now,
		}}

	case "thought":
		return []*agent.StandardEvent{{
			Type:        agent.EventThinking,
			Text:        f.Text,
			IsStreaming: f.Partial,
			Timestamp:   now,
		}}

	case "tool_use":
		// even under --yolo the CLI holds calls that reach outside the
		// workspace and flags them; the result frame arrives once the
		// user resolves the call in the CLI
		return []*agent.StandardEvent{{
			Type:           agent.EventToolStart,
			ToolID:         f.ToolID,
			ToolName:       toolNameOrUnknown(f.ToolName),
			ToolInput:      f.Args,
			AwaitsApproval: f.Status == "awaiting_approval",
			Timestamp:      now,
		}}

	case "tool_result":
		return []*agent.StandardEvent{{
			Type:      agent.EventToolResult,
			ToolID:    f.ToolID,
			ToolName:  toolNameOrUnknown(f.ToolName),
			Value:     f.Output,
			IsError:   f.IsError,
			Timestamp: now,
		}}

	case "turn_complete":
		return parseTurnComplete(&f, now)

	case "error":
		return []*agent.StandardEvent{{
			Type:      agent.EventError,
			SessionID: f.SessionID,
			Message:   f.Message,
			Timestamp: now,
		}}

	default:
		return nil
	}
}

func parseTurnComplete(f *frame, now int64) []*agent.StandardEvent {
	step := &agent.StandardEvent{
		Type:      agent.EventStepComplete,
		SessionID: f.SessionID,
		Result:    f.Text,
		Timestamp: now,
	}
	events := []*agent.StandardEvent{step}

	if f.Stats != nil {
		step.DurationMs = f.Stats.DurationMs
		step.NumTurns = f.Stats.Turns
		step.InputTokens = f.Stats.InputTokens
		step.OutputTokens = f.Stats.OutputTokens
		step.CostUSD = f.Stats.CostUSD

		events = append(events, &agent.StandardEvent{
			Type:         agent.EventContextStats,
			SessionID:    f.SessionID,
			ContextUsed:  f.Stats.TotalTokens,
			ContextLimit: f.Stats.TokenLimit,
			Timestamp:    now,
		}, &agent.StandardEvent{
			Type:         agent.EventUsageStats,
			SessionID:    f.SessionID,
			InputTokens:  f.Stats.InputTokens,
			OutputTokens: f.Stats.OutputTokens,
			CostUSD:      f.Stats.CostUSD,
			Timestamp:    now,
		})
	}
	return events
}

// ExtractSessionID returns the session id carried on any frame
func (b *Backend) ExtractSessionID(line string) string {
	var f struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal([]byte(line), &f); err != nil {
		return ""
	}
	return f.SessionID
}

func toolNameOrUnknown(name string) string {
	if name == "" {
		return "unknown"
	}
	return name
}
