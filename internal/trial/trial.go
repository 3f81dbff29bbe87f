// Package trial tracks one experiment trial: the frames acquired since its
// onset, which of them fall inside the decoding window, and whether that
// window has closed.
//
// A Trial is written by the acquisition loop (Assign) and the session
// (Close) and read by decoders. Every mutation replaces a change channel so
// readers can block on progress with a context instead of polling.
package trial

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/rtdecnef/internal/frame"
)

var (
	// ErrAlreadyAssigned is returned when a frame index not greater than
	// the last assigned one is offered again.
	ErrAlreadyAssigned = errors.New("frame already assigned")
	// ErrTrialClosed is returned when a frame is offered to a trial that was
	// force-closed by a newer onset or by the end of the session.
	ErrTrialClosed = errors.New("trial force-closed")
)

// Window is the region of interest relative to trial onset. Both bounds are
// inclusive.
type Window struct {
	Onset  time.Duration
	Offset time.Duration
}

// Contains reports whether elapsed lies within the window.
func (w Window) Contains(elapsed time.Duration) bool {
	return elapsed >= w.Onset && elapsed <= w.Offset
}

// Config is shared by every trial of a run.
type Config struct {
	TR     time.Duration
	Window Window
}

// State is the lifecycle position of a trial.
type State string

const (
	StateCollecting   State = "collecting"
	StateWindowOpen   State = "window_open"
	StateWindowClosed State = "window_closed"
	StateDecoded      State = "decoded"
)

// CloseReason records why the window closed.
type CloseReason string

const (
	ReasonWindowElapsed CloseReason = "window_elapsed"
	ReasonSuperseded    CloseReason = "superseded"
	ReasonSessionEnd    CloseReason = "session_end"
)

// Onset carries the fields of a trial_onset request.
type Onset struct {
	Index       int
	Stimulus    string
	GroundTruth int
	Time        time.Time
}

// Trial is one trial. Its identity fields are immutable; everything else is
// guarded by mu.
type Trial struct {
	Index       int
	Stimulus    string
	GroundTruth int
	OnsetTime   time.Time

	cfg Config

	mu          sync.Mutex
	changed     chan struct{}
	frames      []*frame.Frame
	window      []*frame.Frame
	lastIndex   int
	hasFrames   bool
	closed      bool
	reason      CloseReason
	forced      bool
	decoded     bool
	outcome     Outcome
	decodeOnce  sync.Once
	decodeErr   error
	frameClaims map[int]bool
	streaming   chan struct{}
}

// New creates a trial in the collecting state.
func New(o Onset, cfg Config) *Trial {
	return &Trial{
		Index:       o.Index,
		Stimulus:    o.Stimulus,
		GroundTruth: o.GroundTruth,
		OnsetTime:   o.Time,
		cfg:         cfg,
		changed:     make(chan struct{}),
		frameClaims: make(map[int]bool),
	}
}

// AcquireStream reserves the live per-frame stream of the trial. When another
// stream holds it, ok is false and busy closes once that stream releases it.
func (t *Trial) AcquireStream() (release func(), busy <-chan struct{}, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.streaming != nil {
		return nil, t.streaming, false
	}
	ch := make(chan struct{})
	t.streaming = ch
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.streaming == ch {
			t.streaming = nil
		}
		close(ch)
	}, nil, true
}

// notifyLocked wakes every waiter. mu must be held.
func (t *Trial) notifyLocked() {
	close(t.changed)
	t.changed = make(chan struct{})
}

// Assign adds f to the trial, computing its elapsed time and window
// membership, and closes the window once the next frame would fall past the
// offset. It returns a copy of the frame as stored.
func (t *Trial) Assign(f *frame.Frame) (frame.Frame, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.hasFrames && f.Index <= t.lastIndex {
		return frame.Frame{}, fmt.Errorf("trial %d frame %d: %w", t.Index, f.Index, ErrAlreadyAssigned)
	}
	if t.forced {
		return frame.Frame{}, fmt.Errorf("trial %d frame %d: %w (%s)", t.Index, f.Index, ErrTrialClosed, t.reason)
	}

	elapsed := f.ArrivalTime.Sub(t.OnsetTime)
	f.Elapsed = &elapsed
	f.InWindow = t.cfg.Window.Contains(elapsed)

	t.frames = append(t.frames, f)
	t.lastIndex = f.Index
	t.hasFrames = true
	if f.InWindow {
		t.window = append(t.window, f)
	}
	if !t.closed && elapsed+t.cfg.TR > t.cfg.Window.Offset {
		t.closed = true
		t.reason = ReasonWindowElapsed
	}
	t.notifyLocked()
	return *f, nil
}

// Close force-closes the window. Frames already in the window stay; no
// further frames are accepted. Closing an already force-closed trial is a
// no-op; a naturally closed trial keeps its reason.
func (t *Trial) Close(reason CloseReason) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.forced {
		return
	}
	t.forced = true
	if !t.closed {
		t.closed = true
		t.reason = reason
	}
	t.notifyLocked()
}

// WindowClosed reports whether the window has closed.
func (t *Trial) WindowClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// State returns the current lifecycle state.
func (t *Trial) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stateLocked()
}

func (t *Trial) stateLocked() State {
	switch {
	case t.decoded:
		return StateDecoded
	case t.closed:
		return StateWindowClosed
	case len(t.window) > 0:
		return StateWindowOpen
	default:
		return StateCollecting
	}
}

// wait blocks until cond holds (evaluated under mu) or ctx is done.
func (t *Trial) wait(ctx context.Context, cond func() bool) error {
	for {
		t.mu.Lock()
		if cond() {
			t.mu.Unlock()
			return nil
		}
		ch := t.changed
		t.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// WaitClosed blocks until the window closes and returns copies of the
// window frames.
func (t *Trial) WaitClosed(ctx context.Context) ([]frame.Frame, error) {
	if err := t.wait(ctx, func() bool { return t.closed }); err != nil {
		return nil, err
	}
	return t.WindowFrames(), nil
}

// WaitWindowFrames blocks until the window holds more than n frames or has
// closed. It returns copies of the window frames and whether the window is
// closed.
func (t *Trial) WaitWindowFrames(ctx context.Context, n int) ([]frame.Frame, bool, error) {
	var frames []frame.Frame
	var closed bool
	err := t.wait(ctx, func() bool {
		if len(t.window) > n || t.closed {
			frames = copyFrames(t.window)
			closed = t.closed
			return true
		}
		return false
	})
	return frames, closed, err
}

// WindowFrames returns copies of the frames inside the window.
func (t *Trial) WindowFrames() []frame.Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	return copyFrames(t.window)
}

// Frames returns copies of all assigned frames in arrival order.
func (t *Trial) Frames() []frame.Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	return copyFrames(t.frames)
}

func copyFrames(src []*frame.Frame) []frame.Frame {
	out := make([]frame.Frame, len(src))
	for i, f := range src {
		out[i] = *f
	}
	return out
}
