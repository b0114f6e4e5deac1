// Package health runs the pre-flight checks that gate a backup run. A run
// that would fail an hour in because the disk filled or the archive binary
// is missing should fail in the first second instead.
package health

import (
	"context"
	"fmt"
	"runtime"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"

	"github.com/rowjay/hostbak/internal/docker"
	"github.com/rowjay/hostbak/internal/util"
)

type Checker struct {
	Log     zerolog.Logger
	Runtime docker.Runtime

	BorgBinary  string // checked on PATH
	RepoPath    string // repository mount, free space inspected
	StagingPath string // staging mount, free space inspected

	MinFreeBytes uint64  // below this the run aborts
	MaxLoadRatio float64 // load1 per CPU above this only warns
}

// Run executes every pre-flight check. Missing tooling, an unreachable
// container runtime, and a nearly full repository disk are fatal; a busy
// host is logged and tolerated because backups are usually scheduled for
// quiet hours anyway.
func (c *Checker) Run(ctx context.Context) error {
	if err := util.RequireBinary(c.BorgBinary); err != nil {
		return fmt.Errorf("pre-flight: %w", err)
	}
	if err := c.Runtime.Ping(ctx); err != nil {
		return fmt.Errorf("pre-flight: container runtime unreachable: %w", err)
	}
	for _, path := range []string{c.RepoPath, c.StagingPath} {
		if err := c.checkDisk(ctx, path); err != nil {
			return fmt.Errorf("pre-flight: %w", err)
		}
	}
	c.checkLoad(ctx)
	return nil
}

func (c *Checker) checkDisk(ctx context.Context, path string) error {
	if c.MinFreeBytes == 0 || path == "" {
		return nil
	}
	usage, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return fmt.Errorf("inspect disk at %s: %w", path, err)
	}
	c.Log.Debug().
		Str("path", path).
		Uint64("free_bytes", usage.Free).
		Float64("used_percent", usage.UsedPercent).
		Msg("disk usage")
	if usage.Free < c.MinFreeBytes {
		return fmt.Errorf("disk at %s has %d bytes free, need at least %d", path, usage.Free, c.MinFreeBytes)
	}
	return nil
}

func (c *Checker) checkLoad(ctx context.Context) {
	if c.MaxLoadRatio <= 0 {
		return
	}
	avg, err := load.AvgWithContext(ctx)
	if err != nil {
		c.Log.Warn().Err(err).Msg("could not read load average")
		return
	}
	ratio := avg.Load1 / float64(runtime.NumCPU())
	if ratio > c.MaxLoadRatio {
		c.Log.Warn().
			Float64("load1", avg.Load1).
			Float64("per_cpu", ratio).
			Msg("host is under heavy load, backup may be slow")
	}
}
