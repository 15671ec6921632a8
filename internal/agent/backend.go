// Package agent provides the coding-agent backend abstraction layer.
//
// backend.go - Backend interface definition
//
// A Backend is a pure translation strategy between one CLI's wire
// protocol and the normalized StandardEvent model. It holds no process
// handles; the runner owns the OS process, the stdout pipeline owns the
// read loop, and both depend only on this interface.

package agent

// Backend translates one CLI's wire protocol into the normalized event model
type Backend interface {
	// Kind reports how this backend's process lifecycle works
	Kind() Kind

	// Command returns the CLI binary to invoke
	Command() string

	// BuildArgs builds the full argument vector for a launch or resume
	BuildArgs(req *RunnerRequest) []string

	// ParseEvent parses one line of subprocess output into zero or more
	// normalized events. It is total: any input (valid JSON, malformed
	// JSON, empty string) yields nil or events, never a panic. A nil
	// return means the line carried no structured telemetry and should
	// be forwarded as raw output.
	ParseEvent(line string) []*StandardEvent

	// ExtractSessionID returns the backend session identifier carried by
	// the line, or "" when the line has none.
	ExtractSessionID(line string) string

	// RequiresStdinInput reports whether prompts are delivered over the
	// live process's stdin rather than exclusively via argv.
	RequiresStdinInput() bool

	// FormatStdinInput frames a user prompt for delivery over stdin.
	// Only meaningful when RequiresStdinInput is true.
	FormatStdinInput(prompt string) string
}
