// Package diagnostics provides resource preflight checks run before agent
// subprocesses are spawned.
package diagnostics

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/JeromySt/foreman/internal/core"
	"github.com/JeromySt/foreman/internal/logging"
)

// Floors below which spawning an agent is refused. Agents write worktrees
// and session transcripts; running them into a full disk corrupts both.
const (
	MinFreeDiskBytes   = 500 * 1024 * 1024
	MinFreeMemoryBytes = 256 * 1024 * 1024
)

// Preflight checks system resources before subprocess launch.
type Preflight struct {
	path   string
	logger *logging.Logger
}

// NewPreflight creates a preflight checker rooted at path (usually the
// storage root's filesystem).
func NewPreflight(path string, logger *logging.Logger) *Preflight {
	if path == "" {
		path = "/"
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Preflight{path: path, logger: logger}
}

// Check returns a subprocess-category error when a hard floor is breached.
// Soft conditions are logged as warnings only.
func (p *Preflight) Check() error {
	usage, err := disk.Usage(p.path)
	if err != nil {
		// Inability to measure is not a reason to refuse work.
		p.logger.Warn("preflight: disk usage unavailable", "path", p.path, "error", err)
	} else if usage.Free < MinFreeDiskBytes {
		return core.ErrSubprocess("PREFLIGHT_DISK",
			fmt.Sprintf("free disk %d bytes below floor %d", usage.Free, MinFreeDiskBytes))
	} else if usage.UsedPercent > 90 {
		p.logger.Warn("preflight: disk over 90% full", "path", p.path, "used_percent", usage.UsedPercent)
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		p.logger.Warn("preflight: memory stats unavailable", "error", err)
	} else if vm.Available < MinFreeMemoryBytes {
		return core.ErrSubprocess("PREFLIGHT_MEMORY",
			fmt.Sprintf("available memory %d bytes below floor %d", vm.Available, MinFreeMemoryBytes))
	}

	return nil
}
