// Package simulator stands in for the scanner during dry runs: it copies
// recorded frame files into the source directory one per TR.
package simulator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/banshee-data/rtdecnef/internal/fsutil"
	"github.com/banshee-data/rtdecnef/internal/monitoring"
	"github.com/banshee-data/rtdecnef/internal/timeutil"
)

// Options configures a simulated acquisition.
type Options struct {
	Src     string
	Dst     string
	Pattern string // glob relative to Src; empty means every file
	TR      time.Duration
	Limit   int // zero copies every matching file
	// Clear empties Dst before the first copy.
	Clear bool

	FS    fsutil.FileSystem
	Clock timeutil.Clock
}

// Run waits one TR before each copy, so the first frame lands one TR after
// the start. Each file is written under a hidden temporary name and renamed
// into place, so a watcher never picks up a half-written frame. It returns
// how many files were delivered.
func Run(ctx context.Context, opts Options) (int, error) {
	if opts.FS == nil {
		opts.FS = fsutil.OSFileSystem{}
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.Pattern == "" {
		opts.Pattern = "*"
	}
	if opts.TR <= 0 {
		return 0, errors.New("simulator: TR must be positive")
	}
	log := monitoring.Logger().WithField("component", "simulator")

	files, err := opts.FS.Glob(filepath.Join(opts.Src, opts.Pattern))
	if err != nil {
		return 0, fmt.Errorf("list %s: %w", opts.Src, err)
	}
	if len(files) == 0 {
		return 0, fmt.Errorf("no frames matching %s in %s", opts.Pattern, opts.Src)
	}
	if opts.Limit > 0 && len(files) > opts.Limit {
		files = files[:opts.Limit]
	}
	if err := opts.FS.MkdirAll(opts.Dst, 0o755); err != nil {
		return 0, err
	}
	if opts.Clear {
		names, err := opts.FS.ReadDir(opts.Dst)
		if err != nil {
			return 0, err
		}
		for _, n := range names {
			if err := opts.FS.Remove(filepath.Join(opts.Dst, n)); err != nil {
				return 0, err
			}
		}
		log.WithField("removed", len(names)).Info("cleared destination")
	}

	for i, src := range files {
		if err := timeutil.SleepContext(ctx, opts.Clock, opts.TR); err != nil {
			return i, err
		}
		name := filepath.Base(src)
		if err := deliver(opts.FS, src, filepath.Join(opts.Dst, name)); err != nil {
			return i, err
		}
		log.WithFields(logrus.Fields{"frame": i + 1, "of": len(files), "file": name}).Info("frame delivered")
	}
	return len(files), nil
}

func deliver(fs fsutil.FileSystem, src, dst string) error {
	data, err := fs.ReadFile(src)
	if err != nil {
		return err
	}
	tmp := filepath.Join(filepath.Dir(dst), "."+filepath.Base(dst)+".partial")
	if err := fs.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return fs.Rename(tmp, dst)
}
