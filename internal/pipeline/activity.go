// Package pipeline turns raw subprocess stdout into bus traffic.
//
// activity.go - human-readable timeline strings

package pipeline

import (
	"fmt"

	"github.com/garrison-dev/garrison/internal/agent"
)

// activityTextLimit caps the excerpt length on text activities
const activityTextLimit = 80

// Describe renders an event as a one-line timeline entry. Streaming
// deltas and block boundaries return "" and produce no entry.
func Describe(ev *agent.StandardEvent) string {
	switch ev.Type {
	case agent.EventInit:
		return "session started"
	case agent.EventText:
		if ev.IsStreaming {
			return ""
		}
		return truncate(ev.Text, activityTextLimit)
	case agent.EventThinking:
		if ev.IsStreaming {
			return ""
		}
		return "thinking"
	case agent.EventToolStart:
		if ev.AwaitsApproval {
			return fmt.Sprintf("waiting for permission to use %s", ev.ToolName)
		}
		return fmt.Sprintf("using %s", ev.ToolName)
	case agent.EventToolResult:
		if ev.IsError {
			return fmt.Sprintf("%s failed", ev.ToolName)
		}
		return ""
	case agent.EventStepComplete:
		if ev.CostUSD > 0 {
			return fmt.Sprintf("turn complete (%d turns, $%.4f)", ev.NumTurns, ev.CostUSD)
		}
		return "turn complete"
	case agent.EventError:
		return fmt.Sprintf("error: %s", truncate(ev.Message, activityTextLimit))
	default:
		return ""
	}
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "..."
}
