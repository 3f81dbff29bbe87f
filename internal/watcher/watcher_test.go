package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/rtdecnef/internal/config"
	"github.com/banshee-data/rtdecnef/internal/fsutil"
	"github.com/banshee-data/rtdecnef/internal/timeutil"
)

var epoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newMemWatcher(t *testing.T, clock timeutil.Clock, timeout time.Duration) (*Watcher, *fsutil.MemoryFileSystem) {
	t.Helper()
	fs := fsutil.NewMemoryFileSystem()
	require.NoError(t, fs.MkdirAll("/src", 0o755))
	w := New(Options{
		Dir:          "/src",
		Ext:          ".dcm",
		IndexWidth:   4,
		PollInterval: 100 * time.Millisecond,
		SettleDelay:  100 * time.Millisecond,
		Timeout:      timeout,
		FS:           fs,
		Clock:        clock,
	})
	return w, fs
}

func TestLookup(t *testing.T) {
	t.Parallel()
	w, fs := newMemWatcher(t, timeutil.NewMockClock(epoch), 0)
	require.NoError(t, fs.WriteFile("/src/IM-10026.dcm", nil, 0o644))

	_, ok, err := w.Lookup(26)
	require.NoError(t, err)
	assert.False(t, ok, "index 10026 must not satisfy 26")

	require.NoError(t, fs.WriteFile("/src/IM-0026.dcm", nil, 0o644))
	path, ok, err := w.Lookup(26)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "/src/IM-0026.dcm", path)

	require.NoError(t, fs.WriteFile("/src/0027.dcm", nil, 0o644))
	_, ok, _ = w.Lookup(27)
	assert.True(t, ok, "bare index without prefix")
}

func TestAwait_AlreadyPresent(t *testing.T) {
	t.Parallel()
	clock := timeutil.NewMockClock(epoch)
	w, fs := newMemWatcher(t, clock, 0)
	require.NoError(t, fs.WriteFile("/src/IM-0001.dcm", []byte("1"), 0o644))

	loc, err := w.Await(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, Located{Index: 1, Path: "/src/IM-0001.dcm", ArrivalTime: epoch}, loc)
	assert.Equal(t, []time.Duration{100 * time.Millisecond}, clock.Sleeps(), "settle delay")
}

func TestAwait_WakesOnNotify(t *testing.T) {
	t.Parallel()
	fs := fsutil.NewMemoryFileSystem()
	require.NoError(t, fs.MkdirAll("/src", 0o755))
	wake := make(chan struct{}, 1)
	w := New(Options{
		Dir: "/src", Ext: ".dcm", IndexWidth: 4,
		PollInterval: time.Hour,
		FS:           fs,
		Clock:        timeutil.RealClock{},
		Wake:         wake,
	})

	done := make(chan Located, 1)
	go func() {
		loc, err := w.Await(context.Background(), 2)
		assert.NoError(t, err)
		done <- loc
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, fs.WriteFile("/src/IM-0002.dcm", []byte("2"), 0o644))
	wake <- struct{}{}

	select {
	case loc := <-done:
		assert.Equal(t, "/src/IM-0002.dcm", loc.Path)
	case <-time.After(2 * time.Second):
		t.Fatal("Await did not wake on notify")
	}
}

func TestAwait_Timeout(t *testing.T) {
	t.Parallel()
	w, _ := newMemWatcher(t, timeutil.RealClock{}, 30*time.Millisecond)
	_, err := w.Await(context.Background(), 5)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFrameTimeout)
	assert.Contains(t, err.Error(), "0005")
}

func TestAwait_Cancelled(t *testing.T) {
	t.Parallel()
	w, _ := newMemWatcher(t, timeutil.RealClock{}, 0)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := w.Await(ctx, 5)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCheckAndClearSource(t *testing.T) {
	t.Parallel()
	w, fs := newMemWatcher(t, timeutil.NewMockClock(epoch), 0)
	require.NoError(t, w.CheckSource())
	require.NoError(t, fs.WriteFile("/src/IM-0001.dcm", nil, 0o644))
	require.NoError(t, fs.WriteFile("/src/IM-0002.dcm", nil, 0o644))

	n, err := w.ClearSource()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.False(t, fs.Exists("/src/IM-0001.dcm"))

	missing := New(Options{Dir: "/nope", FS: fs})
	assert.ErrorIs(t, missing.CheckSource(), config.ErrConfiguration)
}

func TestNotifier(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	n, err := NewNotifier(dir)
	require.NoError(t, err)
	defer n.Close()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "IM-0001.dcm"), []byte("1"), 0o644))
	select {
	case <-n.Wake():
	case <-time.After(2 * time.Second):
		t.Fatal("no wake-up for created file")
	}

	_, err = NewNotifier(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestAwait_WithNotifierOnDisk(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	n, err := NewNotifier(dir)
	require.NoError(t, err)
	defer n.Close()

	w := New(Options{
		Dir: dir, Ext: ".dcm", IndexWidth: 4,
		PollInterval: 500 * time.Millisecond,
		Timeout:      5 * time.Second,
		Wake:         n.Wake(),
	})
	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = os.WriteFile(filepath.Join(dir, "IM-0003.dcm"), []byte("3"), 0o644)
	}()
	loc, err := w.Await(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "IM-0003.dcm"), loc.Path)
}
