// Package gemini provides the interactive agent backend.
//
// protocol.go - stdin framing for the live process
//
// Messages to a running gemini process are newline-delimited JSON
// frames. The CLI ignores unknown frame kinds, so the framing only
// needs to be stable, not versioned.

package gemini

import "encoding/json"

// stdinFrame is one message written to the live process
type stdinFrame struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// FormatStdinInput wraps a command as a user frame ready to write.
// The trailing newline is the frame delimiter.
func (b *Backend) FormatStdinInput(prompt string) string {
	frame := stdinFrame{Type: "user", Content: prompt}
	data, err := json.Marshal(frame)
	if err != nil {
		// a plain string cannot fail to marshal; fall back raw anyway
		return prompt + "\n"
	}
	return string(data) + "\n"
}
