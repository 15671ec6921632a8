// Package cleanup prunes old capture files on a cron schedule.
package cleanup

import (
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/garrison-dev/garrison/internal/logger"
)

// Config holds cleanup settings
type Config struct {
	CaptureDir      string
	Schedule        string        // cron expression
	Retention       time.Duration // how long capture files are kept
	DiskWarnPercent float64       // log a warning above this usage
}

// DefaultConfig returns sensible defaults for a capture directory
func DefaultConfig(captureDir string) Config {
	return Config{
		CaptureDir:      captureDir,
		Schedule:        "0 * * * *",
		Retention:       72 * time.Hour,
		DiskWarnPercent: 85,
	}
}

// Cleaner prunes expired captures and watches disk headroom
type Cleaner struct {
	cfg  Config
	cron *cron.Cron
}

// New creates a cleaner with the given configuration
func New(cfg Config) *Cleaner {
	return &Cleaner{cfg: cfg, cron: cron.New()}
}

// Start schedules the cleanup job and runs one pass immediately
func (c *Cleaner) Start() error {
	if _, err := c.cron.AddFunc(c.cfg.Schedule, c.Run); err != nil {
		return err
	}
	c.cron.Start()
	go c.Run()
	logger.Printf("Cleanup scheduled (%s, retention=%v)", c.cfg.Schedule, c.cfg.Retention)
	return nil
}

// Stop halts the schedule; a running pass finishes on its own
func (c *Cleaner) Stop() {
	ctx := c.cron.Stop()
	<-ctx.Done()
}

// Run performs one cleanup pass
func (c *Cleaner) Run() {
	c.pruneCaptures()
	c.checkDiskUsage()
}

// pruneCaptures deletes capture files older than the retention window
func (c *Cleaner) pruneCaptures() {
	entries, err := os.ReadDir(c.cfg.CaptureDir)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Error("Cleanup: failed to read capture dir: %v", err)
		}
		return
	}

	cutoff := time.Now().Add(-c.cfg.Retention)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".out") && !strings.HasSuffix(name, ".err") {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(c.cfg.CaptureDir, name)); err != nil {
			logger.Error("Cleanup: failed to remove %s: %v", name, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		logger.Info("Cleanup: removed %d expired capture files", removed)
	}
}

// checkDiskUsage logs a warning when the capture volume crosses the
// configured watermark.
func (c *Cleaner) checkDiskUsage() {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(c.cfg.CaptureDir, &stat); err != nil {
		return
	}
	if stat.Blocks == 0 {
		return
	}
	used := 100 * float64(stat.Blocks-stat.Bavail) / float64(stat.Blocks)
	if used >= c.cfg.DiskWarnPercent {
		logger.Error("Cleanup: disk usage at %.1f%% on capture volume", used)
	}
}
