// Package janitor reclaims disk from abandoned working copies. Pipeline
// clones live under a single base directory and are normally removed by the
// run that created them; crashes and retries leave strays behind.
package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"time"
)

// cloneDir matches the pipeline's working-copy naming scheme,
// <ISSUE-KEY>-<package>. Anything else under the base path is not ours to
// delete.
var cloneDir = regexp.MustCompile(`^[A-Z][A-Z0-9]*-[0-9]+-`)

// Janitor removes clone directories older than MaxAge from BasePath.
type Janitor struct {
	BasePath string
	MaxAge   time.Duration
	Logger   *slog.Logger

	// now is swapped in tests.
	now func() time.Time
}

// New returns a janitor for the given clone base path.
func New(basePath string, maxAge time.Duration, logger *slog.Logger) *Janitor {
	return &Janitor{BasePath: basePath, MaxAge: maxAge, Logger: logger, now: time.Now}
}

// Run sweeps on the given interval until the context is canceled.
func (j *Janitor) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if n, err := j.SweepOnce(ctx); err != nil {
			j.logger().Error("janitor sweep failed", "error", err)
		} else if n > 0 {
			j.logger().Info("janitor sweep complete", "removed", n)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// SweepOnce removes every expired clone directory under BasePath and returns
// the number of entries removed. Entries outside the clone naming scheme are
// left alone. A missing base path is not an error; the first pipeline run
// creates it.
func (j *Janitor) SweepOnce(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(j.BasePath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read clone base path: %w", err)
	}

	cutoff := j.nowFn()().Add(-j.MaxAge)
	removed := 0
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if !cloneDir.MatchString(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			j.logger().Warn("failed to stat clone entry", "entry", entry.Name(), "error", err)
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(j.BasePath, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			j.logger().Warn("failed to remove stale clone", "path", path, "error", err)
			continue
		}
		j.logger().Info("removed stale clone", "path", path, "age", j.nowFn()().Sub(info.ModTime()).Round(time.Hour))
		removed++
	}
	return removed, nil
}

func (j *Janitor) nowFn() func() time.Time {
	if j.now != nil {
		return j.now
	}
	return time.Now
}

func (j *Janitor) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
