// Package backends constructs concrete agent backends by kind.
//
// It lives beside the implementations rather than in the agent package
// so the agent package never imports its own implementors.

package backends

import (
	"fmt"

	"github.com/garrison-dev/garrison/internal/agent"
	"github.com/garrison-dev/garrison/internal/agent/claude"
	"github.com/garrison-dev/garrison/internal/agent/gemini"
)

// ForKind creates a fresh backend for one agent. Backends hold
// per-agent parser state, so instances are never shared across agents.
func ForKind(kind agent.Kind, defaultModel string) (agent.Backend, error) {
	switch kind {
	case agent.KindBatchResume, "":
		return claude.New(defaultModel), nil
	case agent.KindInteractive:
		return gemini.New(defaultModel), nil
	default:
		return nil, fmt.Errorf("unknown backend kind: %s", kind)
	}
}
