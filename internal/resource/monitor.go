// Package resource reports best-effort process telemetry.
//
// Memory accounting is read from /proc on Linux with a ps fallback for
// other platforms. Failures are reported as absence, never as errors:
// nothing in the orchestration layer may depend on this data.

package resource

import (
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// ProcessMemoryMB returns the resident set size of pid in megabytes.
// The second return is false when the pid is gone or accounting is
// unavailable on the platform.
func ProcessMemoryMB(pid int) (int, bool) {
	if pid <= 0 {
		return 0, false
	}
	if kb, ok := readProcRSS(pid); ok {
		return kb / 1024, true
	}
	if kb, ok := psRSS(pid); ok {
		return kb / 1024, true
	}
	return 0, false
}

// readProcRSS parses the VmRSS line of /proc/<pid>/status (kB)
func readProcRSS(pid int) (int, bool) {
	data, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return 0, false
	}
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "VmRSS:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0, false
		}
		kb, err := strconv.Atoi(fields[1])
		if err != nil {
			return 0, false
		}
		return kb, true
	}
	return 0, false
}

// psRSS shells out to ps, which reports RSS in kB on both Linux and macOS
func psRSS(pid int) (int, bool) {
	out, err := exec.Command("ps", "-o", "rss=", "-p", strconv.Itoa(pid)).Output()
	if err != nil {
		return 0, false
	}
	kb, err := strconv.Atoi(strings.TrimSpace(string(out)))
	if err != nil {
		return 0, false
	}
	return kb, true
}
