// Package validation checks observer-supplied identifiers and paths
// before they reach the store or the filesystem.
package validation

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

const maxNameLength = 64

var (
	uuidRegex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

	// display names: printable, no control chars or path separators
	nameRegex = regexp.MustCompile(`^[a-zA-Z0-9 _.-]+$`)
)

// ValidateAgentID checks the store key format
func ValidateAgentID(id string) error {
	if id == "" {
		return fmt.Errorf("agent ID cannot be empty")
	}
	if !uuidRegex.MatchString(id) {
		return fmt.Errorf("invalid agent ID format: %s", id)
	}
	return nil
}

// ValidateAgentName checks a display name
func ValidateAgentName(name string) error {
	if name == "" {
		return fmt.Errorf("agent name cannot be empty")
	}
	if len(name) > maxNameLength {
		return fmt.Errorf("agent name too long (max %d characters)", maxNameLength)
	}
	if !nameRegex.MatchString(name) {
		return fmt.Errorf("agent name contains invalid characters: %s", name)
	}
	return nil
}

// ValidateWorkingDir checks a working directory path. The directory
// need not exist (create_directory makes it), but the path must be
// absolute and free of traversal tricks.
func ValidateWorkingDir(dir string) error {
	if dir == "" {
		return fmt.Errorf("working directory cannot be empty")
	}
	if !filepath.IsAbs(dir) {
		return fmt.Errorf("working directory must be absolute: %s", dir)
	}
	for _, part := range strings.Split(filepath.ToSlash(dir), "/") {
		if part == ".." {
			return fmt.Errorf("working directory must not contain ..: %s", dir)
		}
	}
	return nil
}

// ValidateBackendKind checks the backend discriminator
func ValidateBackendKind(kind string) error {
	switch kind {
	case "interactive", "batch-resume":
		return nil
	default:
		return fmt.Errorf("unknown backend kind: %s", kind)
	}
}
