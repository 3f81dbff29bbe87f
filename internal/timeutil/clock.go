// Package timeutil abstracts the clock used for frame pacing, send spacing
// and latency accounting so session timing can be driven from tests.
package timeutil

import (
	"context"
	"time"
)

// Clock is the time source shared by the watcher, the session channel and
// the decoding engine.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration

	// Sleep pauses for d. It is not cancellable; use SleepContext for waits
	// that must end with the session.
	Sleep(d time.Duration)

	// After delivers the current time once d has elapsed.
	After(d time.Duration) <-chan time.Time

	// NewTicker delivers ticks every d until stopped.
	NewTicker(d time.Duration) Ticker
}

// Ticker delivers periodic ticks.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// RealClock implements Clock with the time package.
type RealClock struct{}

func (RealClock) Now() time.Time                         { return time.Now() }
func (RealClock) Since(t time.Time) time.Duration        { return time.Since(t) }
func (RealClock) Sleep(d time.Duration)                  { time.Sleep(d) }
func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (RealClock) NewTicker(d time.Duration) Ticker {
	return realTicker{t: time.NewTicker(d)}
}

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

// SleepContext waits for d on c or until ctx is done, whichever is first.
// A non-positive d returns immediately with ctx.Err().
func SleepContext(ctx context.Context, c Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	if m, ok := c.(*MockClock); ok {
		m.Sleep(d)
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.After(d):
		return nil
	}
}
