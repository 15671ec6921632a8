// Package runner owns agent OS processes and their command queues.
//
// errors.go - runner error taxonomy

package runner

import (
	"errors"
	"fmt"
)

// ErrAgentBusy is returned by Run when the agent already has a live
// process and queueing is disabled.
var ErrAgentBusy = errors.New("agent is busy")

// ErrNoActiveProcess is returned by Stop and SendCommand-to-stdin paths
// when the agent has no live process.
var ErrNoActiveProcess = errors.New("no active process for agent")

// DirectoryMissingError is a distinct spawn precondition failure so the
// UI can offer to create the directory instead of showing a generic
// error.
type DirectoryMissingError struct {
	Path string
}

func (e *DirectoryMissingError) Error() string {
	return fmt.Sprintf("working directory does not exist: %s", e.Path)
}

// IsDirectoryMissing reports whether err is a DirectoryMissingError
func IsDirectoryMissing(err error) bool {
	var dm *DirectoryMissingError
	return errors.As(err, &dm)
}
