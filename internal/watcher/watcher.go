// Package watcher waits for sequentially numbered frame files to appear in
// the acquisition source directory.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/banshee-data/rtdecnef/internal/config"
	"github.com/banshee-data/rtdecnef/internal/frame"
	"github.com/banshee-data/rtdecnef/internal/fsutil"
	"github.com/banshee-data/rtdecnef/internal/monitoring"
	"github.com/banshee-data/rtdecnef/internal/timeutil"
)

// ErrFrameTimeout is returned when an expected frame does not appear within
// the configured timeout. The run cannot continue without it.
var ErrFrameTimeout = errors.New("timed out waiting for frame")

// Located is a frame file that has been found in the source directory.
type Located struct {
	Index       int
	Path        string
	ArrivalTime time.Time
}

// Options configures a Watcher.
type Options struct {
	Dir          string
	Ext          string
	IndexWidth   int
	PollInterval time.Duration
	SettleDelay  time.Duration
	Timeout      time.Duration // zero waits forever

	FS    fsutil.FileSystem
	Clock timeutil.Clock

	// Wake, when set, signals that the directory changed and a lookup
	// should happen before the next poll tick.
	Wake <-chan struct{}
}

// Watcher locates frame files by index.
type Watcher struct {
	opts Options
	log  *logrus.Entry
}

// New returns a Watcher. Missing FS and Clock default to the OS filesystem
// and the real clock.
func New(opts Options) *Watcher {
	if opts.FS == nil {
		opts.FS = fsutil.OSFileSystem{}
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	return &Watcher{
		opts: opts,
		log:  monitoring.Logger().WithField("component", "watcher"),
	}
}

// CheckSource verifies the source directory exists.
func (w *Watcher) CheckSource() error {
	info, err := w.opts.FS.Stat(w.opts.Dir)
	if err != nil {
		return fmt.Errorf("%w: frame source directory: %w", config.ErrConfiguration, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: frame source %s is not a directory", config.ErrConfiguration, w.opts.Dir)
	}
	return nil
}

// ClearSource removes every file left in the source directory by a
// previous run and returns how many were removed.
func (w *Watcher) ClearSource() (int, error) {
	names, err := w.opts.FS.ReadDir(w.opts.Dir)
	if err != nil {
		return 0, err
	}
	for i, name := range names {
		if err := w.opts.FS.Remove(filepath.Join(w.opts.Dir, name)); err != nil {
			return i, err
		}
	}
	return len(names), nil
}

// Pattern is the glob matching the file of frame index.
func (w *Watcher) Pattern(index int) string {
	return filepath.Join(w.opts.Dir, "*"+frame.FormatIndex(index, w.opts.IndexWidth)+w.opts.Ext)
}

// Lookup returns the path of the frame file for index if it exists now.
// A file whose padded index is preceded by another digit belongs to a
// larger index and does not match.
func (w *Watcher) Lookup(index int) (string, bool, error) {
	matches, err := w.opts.FS.Glob(w.Pattern(index))
	if err != nil {
		return "", false, err
	}
	suffix := frame.FormatIndex(index, w.opts.IndexWidth) + w.opts.Ext
	for _, m := range matches {
		base := filepath.Base(m)
		prefix := strings.TrimSuffix(base, suffix)
		if prefix != "" && isDigit(prefix[len(prefix)-1]) {
			continue
		}
		return m, true, nil
	}
	return "", false, nil
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

// Await blocks until the frame file for index appears, the timeout elapses
// or ctx is done. ArrivalTime is the clock time at detection; Await then
// waits the settle delay so the writer can finish the file.
func (w *Watcher) Await(ctx context.Context, index int) (Located, error) {
	clock := w.opts.Clock
	ticker := clock.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	var timeout <-chan time.Time
	if w.opts.Timeout > 0 {
		timeout = clock.After(w.opts.Timeout)
	}

	for attempt := 1; ; attempt++ {
		path, ok, err := w.Lookup(index)
		if err != nil {
			return Located{}, fmt.Errorf("look up frame %d: %w", index, err)
		}
		if ok {
			loc := Located{Index: index, Path: path, ArrivalTime: clock.Now()}
			w.log.WithFields(logrus.Fields{"frame": index, "path": path, "attempts": attempt}).Debug("frame located")
			if err := timeutil.SleepContext(ctx, clock, w.opts.SettleDelay); err != nil {
				return Located{}, err
			}
			return loc, nil
		}
		w.log.WithFields(logrus.Fields{"frame": index, "attempt": attempt}).Debug("waiting for frame")

		select {
		case <-ctx.Done():
			return Located{}, ctx.Err()
		case <-timeout:
			return Located{}, fmt.Errorf("%w %d after %s (%s)", ErrFrameTimeout, index, w.opts.Timeout, w.Pattern(index))
		case <-ticker.C():
		case <-w.opts.Wake:
		}
	}
}
