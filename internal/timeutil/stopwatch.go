package timeutil

import "time"

// Stopwatch accumulates named stage durations for a single unit of work,
// such as preprocessing one frame or decoding one trial.
type Stopwatch struct {
	clock  Clock
	start  time.Time
	last   time.Time
	stages map[string]time.Duration
}

// StartStopwatch starts timing on c.
func StartStopwatch(c Clock) *Stopwatch {
	now := c.Now()
	return &Stopwatch{clock: c, start: now, last: now, stages: make(map[string]time.Duration)}
}

// Lap records the time since the previous lap (or the start) under name and
// returns it. Repeated names accumulate.
func (s *Stopwatch) Lap(name string) time.Duration {
	now := s.clock.Now()
	d := now.Sub(s.last)
	s.last = now
	s.stages[name] += d
	return d
}

// Total is the time since the stopwatch started.
func (s *Stopwatch) Total() time.Duration {
	return s.clock.Since(s.start)
}

// Stages returns a copy of the recorded stage durations.
func (s *Stopwatch) Stages() map[string]time.Duration {
	out := make(map[string]time.Duration, len(s.stages))
	for k, v := range s.stages {
		out[k] = v
	}
	return out
}
