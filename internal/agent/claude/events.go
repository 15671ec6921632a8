// Package claude provides the batch-resume agent backend.
//
// events.go - stream-json parsing
//
// This file contains:
// - ParseEvent: one raw stdout line -> ordered normalized events
// - ExtractSessionID: session id capture from any envelope
// - toolRegistry: tool_use id -> name correlation across envelopes
//
// The claude CLI interleaves text, thinking and tool_use blocks inside a
// single assistant message; the original order must be preserved. Tool
// results arrive later in a structurally different "user" envelope that
// only carries the tool_use id, so the registry maps ids back to names.

package claude

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/garrison-dev/garrison/internal/agent"
)

// envelope is the discriminated outer shape of every stream-json line
type envelope struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype"`
	SessionID string          `json:"session_id"`
	Model     string          `json:"model"`
	Message   *message        `json:"message"`
	Event     json.RawMessage `json:"event"`

	// result envelope fields
	IsError      bool     `json:"is_error"`
	DurationMs   int      `json:"duration_ms"`
	NumTurns     int      `json:"num_turns"`
	Result       string   `json:"result"`
	TotalCostUSD float64  `json:"total_cost_usd"`
	Usage        *usage   `json:"usage"`
	Error        *cliErr  `json:"error"`
	Tools        []string `json:"tools"`
}

type message struct {
	ID      string         `json:"id"`
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
	Usage   *usage         `json:"usage"`
}

type contentBlock struct {
	Type      string                 `json:"type"`
	Text      string                 `json:"text"`
	Thinking  string                 `json:"thinking"`
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Input     map[string]interface{} `json:"input"`
	ToolUseID string                 `json:"tool_use_id"`
	IsError   bool                   `json:"is_error"`
	Content   json.RawMessage        `json:"content"`
}

type usage struct {
	InputTokens         int `json:"input_tokens"`
	OutputTokens        int `json:"output_tokens"`
	CacheReadTokens     int `json:"cache_read_input_tokens"`
	CacheCreationTokens int `json:"cache_creation_input_tokens"`
}

type cliErr struct {
	Message string `json:"message"`
}

// contextWindowTokens is the advertised context window for current
// claude models; the CLI does not report a limit on the wire.
const contextWindowTokens = 200000

// ParseEvent parses one raw line. Non-JSON lines and unrecognized
// envelopes return nil so the pipeline forwards them as opaque output.
func (b *Backend) ParseEvent(line string) []*agent.StandardEvent {
	if line == "" {
		return nil
	}

	var env envelope
	if err := json.Unmarshal([]byte(line), &env); err != nil {
		return nil
	}

	now := time.Now().UnixMilli()

	switch env.Type {
	case "system":
		if env.Subtype != "init" {
			return nil
		}
		return []*agent.StandardEvent{{
			Type:      agent.EventInit,
			SessionID: env.SessionID,
			Text:      env.Model,
			Timestamp: now,
		}}

	case "assistant":
		return b.parseAssistant(env.Message, now)

	case "user":
		return b.parseToolResults(env.Message, now)

	case "stream_event":
		return parseStreamEvent(env.Event, now)

	case "result":
		return parseResult(&env, now)

	default:
		return nil
	}
}

// parseAssistant merges a multi-part assistant turn (interleaved text,
// thinking and tool_use blocks) into an ordered event list.
func (b *Backend) parseAssistant(msg *message, now int64) []*agent.StandardEvent {
	if msg == nil {
		return nil
	}

	var events []*agent.StandardEvent
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			events = append(events, &agent.StandardEvent{
				Type:      agent.EventText,
				Text:      block.Text,
				Timestamp: now,
			})
		case "thinking":
			events = append(events, &agent.StandardEvent{
				Type:      agent.EventThinking,
				Text:      block.Thinking,
				Timestamp: now,
			})
		case "tool_use":
			b.tools.record(block.ID, block.Name)
			events = append(events, &agent.StandardEvent{
				Type:      agent.EventToolStart,
				ToolID:    block.ID,
				ToolName:  block.Name,
				ToolInput: block.Input,
				Timestamp: now,
			})
		}
	}
	return events
}

// parseToolResults extracts tool_result blocks from a user envelope and
// correlates them back to the originating tool by id.
func (b *Backend) parseToolResults(msg *message, now int64) []*agent.StandardEvent {
	if msg == nil {
		return nil
	}

	var events []*agent.StandardEvent
	for _, block := range msg.Content {
		if block.Type != "tool_result" {
			continue
		}
		events = append(events, &agent.StandardEvent{
			Type:      agent.EventToolResult,
			ToolID:    block.ToolUseID,
			ToolName:  b.tools.resolve(block.ToolUseID, block.Name),
			IsError:   block.IsError,
			Value:     flattenResultContent(block.Content),
			Timestamp: now,
		})
	}
	return events
}

// parseStreamEvent handles partial-message deltas and block boundaries
func parseStreamEvent(raw json.RawMessage, now int64) []*agent.StandardEvent {
	if len(raw) == 0 {
		return nil
	}

	var inner struct {
		Type  string `json:"type"`
		Delta struct {
			Type     string `json:"type"`
			Text     string `json:"text"`
			Thinking string `json:"thinking"`
		} `json:"delta"`
		ContentBlock struct {
			Type string `json:"type"`
			Name string `json:"name"`
			ID   string `json:"id"`
		} `json:"content_block"`
	}
	if err := json.Unmarshal(raw, &inner); err != nil {
		return nil
	}

	switch inner.Type {
	case "content_block_start":
		return []*agent.StandardEvent{{
			Type:      agent.EventBlockStart,
			ToolID:    inner.ContentBlock.ID,
			ToolName:  inner.ContentBlock.Name,
			Text:      inner.ContentBlock.Type,
			Timestamp: now,
		}}
	case "content_block_stop":
		return []*agent.StandardEvent{{Type: agent.EventBlockEnd, Timestamp: now}}
	case "content_block_delta":
		switch inner.Delta.Type {
		case "text_delta":
			return []*agent.StandardEvent{{
				Type:        agent.EventText,
				Text:        inner.Delta.Text,
				IsStreaming: true,
				Timestamp:   now,
			}}
		case "thinking_delta":
			return []*agent.StandardEvent{{
				Type:        agent.EventThinking,
				Text:        inner.Delta.Thinking,
				IsStreaming: true,
				Timestamp:   now,
			}}
		}
	}
	return nil
}

// parseResult turns the terminal result envelope into step_complete
// accounting plus derived context/usage stats.
func parseResult(env *envelope, now int64) []*agent.StandardEvent {
	if env.IsError {
		msg := env.Result
		if msg == "" && env.Error != nil {
			msg = env.Error.Message
		}
		return []*agent.StandardEvent{{
			Type:      agent.EventError,
			SessionID: env.SessionID,
			Message:   msg,
			Timestamp: now,
		}}
	}

	step := &agent.StandardEvent{
		Type:       agent.EventStepComplete,
		SessionID:  env.SessionID,
		Result:     env.Result,
		DurationMs: env.DurationMs,
		NumTurns:   env.NumTurns,
		CostUSD:    env.TotalCostUSD,
		Timestamp:  now,
	}
	events := []*agent.StandardEvent{step}

	if env.Usage != nil {
		step.InputTokens = env.Usage.InputTokens
		step.OutputTokens = env.Usage.OutputTokens

		used := env.Usage.InputTokens + env.Usage.OutputTokens +
			env.Usage.CacheReadTokens + env.Usage.CacheCreationTokens
		events = append(events, &agent.StandardEvent{
			Type:         agent.EventContextStats,
			SessionID:    env.SessionID,
			ContextUsed:  used,
			ContextLimit: contextWindowTokens,
			Timestamp:    now,
		}, &agent.StandardEvent{
			Type:         agent.EventUsageStats,
			SessionID:    env.SessionID,
			InputTokens:  env.Usage.InputTokens,
			OutputTokens: env.Usage.OutputTokens,
			CostUSD:      env.TotalCostUSD,
			Timestamp:    now,
		})
	}
	return events
}

// ExtractSessionID returns the session id carried on any envelope
func (b *Backend) ExtractSessionID(line string) string {
	var env struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal([]byte(line), &env); err != nil {
		return ""
	}
	return env.SessionID
}

// flattenResultContent renders the tool_result content field, which may
// be a bare string or an array of typed blocks, as plain text.
func flattenResultContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return string(raw)
	}

	out := ""
	for _, b := range blocks {
		if b.Type == "text" {
			if out != "" {
				out += "\n"
			}
			out += b.Text
		}
	}
	return out
}

// toolRegistry correlates tool_use ids to tool names. Unknown or
// duplicate ids are non-fatal: resolution falls back to the literal
// name on the result line, then "unknown".
type toolRegistry struct {
	names map[string]string
	mu    sync.Mutex
}

func newToolRegistry() *toolRegistry {
	return &toolRegistry{names: make(map[string]string)}
}

func (r *toolRegistry) record(id, name string) {
	if id == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names[id] = name
}

func (r *toolRegistry) resolve(id, fallback string) string {
	r.mu.Lock()
	name, ok := r.names[id]
	if ok {
		delete(r.names, id)
	}
	r.mu.Unlock()

	if ok && name != "" {
		return name
	}
	if fallback != "" {
		return fallback
	}
	return "unknown"
}
