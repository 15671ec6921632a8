// Package claude provides the batch-resume agent backend.
//
// command.go - CLI invocation building
//
// Each command is a brand-new `claude -p` invocation; conversation
// continuity is expressed by passing the prior session id with
// --resume. The prompt travels as an argument, never via stdin.

package claude

import (
	"fmt"

	"github.com/garrison-dev/garrison/internal/agent"
)

// DefaultModel is used when the request does not name one
const DefaultModel = "sonnet"

// Backend implements agent.Backend for the claude CLI
type Backend struct {
	defaultModel string
	tools        *toolRegistry
}

// Ensure Backend implements agent.Backend
var _ agent.Backend = (*Backend)(nil)

// New creates a claude backend. Each agent gets its own instance so the
// tool-use correlation registry never mixes agents.
func New(defaultModel string) *Backend {
	if defaultModel == "" {
		defaultModel = DefaultModel
	}
	return &Backend{
		defaultModel: defaultModel,
		tools:        newToolRegistry(),
	}
}

// Kind reports the batch-resume lifecycle
func (b *Backend) Kind() agent.Kind { return agent.KindBatchResume }

// Command returns the CLI binary name
func (b *Backend) Command() string { return "claude" }

// BuildArgs builds the argument vector for a single run or resume
func (b *Backend) BuildArgs(req *agent.RunnerRequest) []string {
	args := []string{
		"-p", req.Prompt,
		"--output-format", "stream-json",
		"--verbose",
		"--include-partial-messages",
		"--dangerously-skip-permissions",
	}

	model := req.Model
	if model == "" {
		model = b.defaultModel
	}
	args = append(args, "--model", model)

	// Session continuation
	if req.SessionID != "" {
		args = append(args, "--resume", req.SessionID)
	}

	// Prompt overlays (agent class first, then per-request system prompt)
	if overlay := combineOverlays(req.ClassPrompt, req.SystemPrompt); overlay != "" {
		args = append(args, "--append-system-prompt", overlay)
	}

	return args
}

// RequiresStdinInput is false: the prompt is an argument, and each
// follow-up is a fresh invocation.
func (b *Backend) RequiresStdinInput() bool { return false }

// FormatStdinInput is unused for this backend
func (b *Backend) FormatStdinInput(prompt string) string { return prompt }

func combineOverlays(class, system string) string {
	switch {
	case class != "" && system != "":
		return fmt.Sprintf("%s\n\n%s", class, system)
	case class != "":
		return class
	default:
		return system
	}
}
