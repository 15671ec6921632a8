// Package gemini provides the interactive agent backend.
//
// command.go - argv construction for the long-lived gemini process
//
// This file contains:
// - Backend: the agent.Backend implementation for the gemini CLI
// - BuildArgs: fixed streaming flags terminated by the wrapped prompt
//
// Unlike the batch backend, one process is started per agent and kept
// alive across commands. The initial prompt rides the argv (wrapped in
// workspace framing) and every command, including a replay of the
// initial one, is written to stdin as a framed message.

package gemini

import (
	"fmt"

	"github.com/garrison-dev/garrison/internal/agent"
)

// DefaultModel is used when the request does not name one
const DefaultModel = "gemini-2.5-pro"

// Backend implements agent.Backend for the gemini CLI
type Backend struct {
	defaultModel string
}

var _ agent.Backend = (*Backend)(nil)

// New creates a gemini backend
func New(defaultModel string) *Backend {
	if defaultModel == "" {
		defaultModel = DefaultModel
	}
	return &Backend{defaultModel: defaultModel}
}

// Kind reports the interactive lifecycle
func (b *Backend) Kind() agent.Kind { return agent.KindInteractive }

// Command returns the CLI binary name
func (b *Backend) Command() string { return "gemini" }

// BuildArgs builds the argument vector for the long-lived process.
// The wrapped prompt must be the final argument: the CLI treats
// everything after -i as the opening message.
func (b *Backend) BuildArgs(req *agent.RunnerRequest) []string {
	model := req.Model
	if model == "" {
		model = b.defaultModel
	}

	args := []string{
		"--output-format", "stream-json",
		"--yolo",
		"--model", model,
	}

	if overlay := systemOverlay(req.ClassPrompt, req.SystemPrompt); overlay != "" {
		args = append(args, "--system-prompt", overlay)
	}

	return append(args, "-i", wrapPrompt(req.Prompt))
}

// RequiresStdinInput is true: commands are fed to the live process as
// framed stdin messages.
func (b *Backend) RequiresStdinInput() bool { return true }

// wrapPrompt frames the user's request so the CLI distinguishes it
// from workspace boilerplate in its transcript.
func wrapPrompt(prompt string) string {
	return fmt.Sprintf("[workspace request]\n%s", prompt)
}

func systemOverlay(class, system string) string {
	switch {
	case class != "" && system != "":
		return fmt.Sprintf("%s\n\n%s", class, system)
	case class != "":
		return class
	default:
		return system
	}
}
