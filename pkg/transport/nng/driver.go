package nng

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/clusterlab/harness/pkg/internal/logutil"
)

// ThreadingMode selects how the substrate driver schedules its work. The
// mangos substrate runs on the sockets' own goroutines either way; the mode is
// recorded so co-launched engines can surface it in status output.
type ThreadingMode string

const (
	ThreadingModeShared    ThreadingMode = "shared"
	ThreadingModeDedicated ThreadingMode = "dedicated"
)

// DriverContext configures the substrate driver.
type DriverContext struct {
	Dir                   string
	DirDeleteOnStart      bool
	WarnIfDirectoryExists bool
	ThreadingMode         ThreadingMode
	Logger                *log.Logger
}

// Driver owns the substrate scratch directory and hands out connections.
// It stands in for an external media driver process: co-launched engines share
// one driver and one directory tree.
type Driver struct {
	ctx DriverContext
}

// LaunchDriver prepares the driver directory and returns a live driver.
func LaunchDriver(ctx DriverContext) (*Driver, error) {
	if ctx.Logger == nil {
		ctx.Logger = log.Default()
	}
	if ctx.ThreadingMode == "" {
		ctx.ThreadingMode = ThreadingModeShared
	}
	if ctx.Dir == "" {
		return nil, fmt.Errorf("nng: driver dir not set")
	}
	if _, err := os.Stat(ctx.Dir); err == nil {
		if ctx.WarnIfDirectoryExists {
			logutil.Warnf(ctx.Logger, "driver dir already exists: %s", ctx.Dir)
		}
		if ctx.DirDeleteOnStart {
			if err := os.RemoveAll(ctx.Dir); err != nil {
				return nil, fmt.Errorf("nng: clean driver dir: %w", err)
			}
		}
	}
	if err := os.MkdirAll(ctx.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("nng: create driver dir: %w", err)
	}
	marker := filepath.Join(ctx.Dir, "driver.mode")
	if err := os.WriteFile(marker, []byte(ctx.ThreadingMode), 0o644); err != nil {
		return nil, fmt.Errorf("nng: write driver marker: %w", err)
	}
	return &Driver{ctx: ctx}, nil
}

// Connect opens a substrate connection using the driver's logger.
func (d *Driver) Connect() (*Conn, error) {
	return Connect(Options{Logger: d.ctx.Logger})
}

// Context returns the launch context.
func (d *Driver) Context() DriverContext { return d.ctx }

// Close stops the driver. Sockets are owned by their connections, so there is
// nothing to release here.
func (d *Driver) Close() error { return nil }

// DeleteDirectory removes the driver directory. Missing directories are not
// an error.
func (d *Driver) DeleteDirectory() error {
	if d == nil || d.ctx.Dir == "" {
		return nil
	}
	return os.RemoveAll(d.ctx.Dir)
}
