// Package logger writes operator-facing logs to the console and a
// per-day log file.
//
// logger.go - process-wide dual-sink logger
//
// Info traffic goes to stdout, errors to stderr, and both are mirrored
// into logDir/garrison-YYYY-MM-DD.log. Before Init runs every function
// is a no-op, which keeps package tests quiet.

package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

type sink struct {
	mu   sync.Mutex
	out  *log.Logger
	err  *log.Logger
	file *os.File
}

var (
	active *sink
	setup  sync.Once
)

// Init opens the log file and routes all subsequent calls through it.
// Repeat calls are no-ops and return the first outcome's error, if any.
func Init(logDir string) error {
	var err error
	setup.Do(func() {
		err = start(logDir)
	})
	return err
}

func start(logDir string) error {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}

	name := "garrison-" + time.Now().Format("2006-01-02") + ".log"
	file, err := os.OpenFile(filepath.Join(logDir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}

	active = &sink{
		out:  log.New(io.MultiWriter(os.Stdout, file), "", log.LstdFlags),
		err:  log.New(io.MultiWriter(os.Stderr, file), "ERROR: ", log.LstdFlags),
		file: file,
	}
	return nil
}

// Close closes the log file
func Close() error {
	if active == nil {
		return nil
	}
	return active.file.Close()
}

// Info logs an informational message
func Info(format string, v ...any) { write(false, format, v...) }

// Error logs an error message
func Error(format string, v ...any) { write(true, format, v...) }

// Printf logs a formatted message at info level
func Printf(format string, v ...any) { write(false, format, v...) }

// Println logs its arguments on one line
func Println(v ...any) {
	if active == nil {
		return
	}
	active.mu.Lock()
	defer active.mu.Unlock()
	active.out.Println(v...)
}

// Fatalf logs an error and exits
func Fatalf(format string, v ...any) {
	if active == nil {
		log.Fatalf(format, v...)
	}
	active.mu.Lock()
	active.err.Fatalf(format, v...)
}

func write(isErr bool, format string, v ...any) {
	if active == nil {
		return
	}
	active.mu.Lock()
	defer active.mu.Unlock()
	if isErr {
		active.err.Printf(format, v...)
	} else {
		active.out.Printf(format, v...)
	}
}
