// Package runner owns agent OS processes and their command queues.
//
// process.go - the ActiveProcess handle
//
// This file contains:
// - ActiveProcess: one owned OS process with a single destructor path
// - spawn: launch with stdout/stderr capture and pipeline wiring
// - signalStop: SIGTERM with bounded grace, SIGKILL escalation
//
// The process group is its own pgid so stop signals reach children the
// CLI forks (node, shells, editors). Exactly one of the exit callback
// or signalStop finalizes the handle; the finalized flag prevents the
// double-cleanup race between them.

package runner

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/garrison-dev/garrison/internal/agent"
	"github.com/garrison-dev/garrison/internal/logger"
	"github.com/garrison-dev/garrison/internal/pipeline"
)

// maxLineSize bounds one stdout line; large tool results arrive as one
// JSON line so the default 64K scanner token is not enough
const maxLineSize = 10 * 1024 * 1024

// ActiveProcess is one live agent process owned by the runner
type ActiveProcess struct {
	AgentID   string
	Backend   agent.Backend
	Request   *agent.RunnerRequest
	StartTime time.Time

	OutputPath string
	ErrorPath  string

	cmd      *exec.Cmd
	stdin    io.WriteCloser
	pipeline *pipeline.Pipeline

	// working tracks turn state for interactive backends whose process
	// outlives individual commands; guarded by the runner mutex
	working bool
	// permissionWait marks a tool call the CLI is holding for user
	// approval; set on the flagged tool_start, cleared when its result
	// arrives or the turn ends; guarded by the runner mutex
	permissionWait bool
	// stopRequested marks a user-initiated stop so the exit handler
	// reports idle instead of error on a signal death
	stopRequested bool
	// finalized guards the single destructor path
	finalized bool

	done chan struct{}
}

// PID returns the OS pid, or 0 before start
func (p *ActiveProcess) PID() int {
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// spawn starts the process, wires stdout through the pipeline and
// mirrors both output streams to capture files. The returned process
// has started; exit is reported on ap.done and via onExit.
func spawn(req *agent.RunnerRequest, backend agent.Backend, pl *pipeline.Pipeline, captureDir string, onExit func(ap *ActiveProcess, err error)) (*ActiveProcess, error) {
	if info, err := os.Stat(req.WorkingDir); err != nil || !info.IsDir() {
		return nil, &DirectoryMissingError{Path: req.WorkingDir}
	}

	if err := os.MkdirAll(captureDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create capture directory: %w", err)
	}
	stamp := time.Now().Format("20060102-150405")
	outPath := filepath.Join(captureDir, fmt.Sprintf("%s-%s.out", req.AgentID, stamp))
	errPath := filepath.Join(captureDir, fmt.Sprintf("%s-%s.err", req.AgentID, stamp))

	outFile, err := os.Create(outPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create output capture: %w", err)
	}
	errFile, err := os.Create(errPath)
	if err != nil {
		_ = outFile.Close()
		return nil, fmt.Errorf("failed to create error capture: %w", err)
	}

	cmd := exec.Command(backend.Command(), backend.BuildArgs(req)...)
	cmd.Dir = req.WorkingDir
	cmd.Env = os.Environ()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stderr = errFile

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		closeFiles(outFile, errFile)
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}

	ap := &ActiveProcess{
		AgentID:    req.AgentID,
		Backend:    backend,
		Request:    req,
		StartTime:  time.Now(),
		OutputPath: outPath,
		ErrorPath:  errPath,
		cmd:        cmd,
		pipeline:   pl,
		working:    true,
		done:       make(chan struct{}),
	}

	if backend.RequiresStdinInput() {
		stdin, err := cmd.StdinPipe()
		if err != nil {
			closeFiles(outFile, errFile)
			return nil, fmt.Errorf("failed to open stdin pipe: %w", err)
		}
		ap.stdin = stdin
	}

	if err := cmd.Start(); err != nil {
		closeFiles(outFile, errFile)
		return nil, fmt.Errorf("failed to start %s: %w", backend.Command(), err)
	}

	// initial prompt over stdin for interactive backends; the argv
	// already carries it, the frame replay makes the transcript whole
	if ap.stdin != nil {
		if _, err := io.WriteString(ap.stdin, backend.FormatStdinInput(req.Prompt)); err != nil {
			logger.Error("Failed to write initial prompt to agent %s: %v", req.AgentID, err)
		}
	}

	var readers sync.WaitGroup
	readers.Add(1)
	go func() {
		defer readers.Done()
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), maxLineSize)
		for scanner.Scan() {
			line := scanner.Text()
			// capture is best effort; pipeline delivery is not
			_, _ = outFile.WriteString(line + "\n")
			pl.ProcessLine(line)
		}
		// a scan error (a line over maxLineSize, a broken pipe) ends
		// the loop while the process may keep writing; surface it, then
		// keep draining into the capture file so the process is not
		// left blocked on a full pipe and the output is still on disk
		if err := scanner.Err(); err != nil {
			logger.Error("Stdout read for agent %s failed, falling back to raw capture: %v", req.AgentID, err)
			pl.NoteReadFailure(err)
			_, _ = io.Copy(outFile, stdout)
		}
	}()

	go func() {
		// the reader must finish before Wait: cmd.Wait closes the
		// StdoutPipe, which would destroy buffered output unread when
		// the child exits quickly
		readers.Wait()
		err := cmd.Wait()
		closeFiles(outFile, errFile)
		close(ap.done)
		onExit(ap, err)
	}()

	return ap, nil
}

// writeCommand delivers a follow-up command over the live stdin
func (p *ActiveProcess) writeCommand(text string) error {
	if p.stdin == nil {
		return ErrNoActiveProcess
	}
	if _, err := io.WriteString(p.stdin, p.Backend.FormatStdinInput(text)); err != nil {
		return fmt.Errorf("failed to write command to agent %s: %w", p.AgentID, err)
	}
	return nil
}

// signalStop terminates the process group: SIGTERM, bounded grace,
// then SIGKILL. It returns once the process has exited.
func (p *ActiveProcess) signalStop(grace time.Duration) {
	pid := p.PID()
	if pid == 0 {
		return
	}

	// negative pid signals the whole group
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		logger.Error("Failed to signal agent %s (pid %d): %v", p.AgentID, pid, err)
	}

	select {
	case <-p.done:
		return
	case <-time.After(grace):
	}

	logger.Info("Agent %s ignored SIGTERM, escalating to SIGKILL", p.AgentID)
	_ = syscall.Kill(-pid, syscall.SIGKILL)
	<-p.done
}

func closeFiles(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}
