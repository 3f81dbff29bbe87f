// Package frame defines the per-sample record that flows from the frame
// watcher through preprocessing into a trial, and the phase rule that
// classifies frames by index.
package frame

import (
	"fmt"
	"time"
)

// Phase is the acquisition phase a frame belongs to.
type Phase int

const (
	PhaseHeatup Phase = iota
	PhaseBaseline
	PhaseTask
)

func (p Phase) String() string {
	switch p {
	case PhaseHeatup:
		return "heatup"
	case PhaseBaseline:
		return "baseline"
	case PhaseTask:
		return "task"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// MarshalText encodes the phase by name.
func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// Layout describes how frame indices map onto acquisition phases.
type Layout struct {
	FirstIndex     int
	HeatupFrames   int
	BaselineFrames int
}

// PhaseOf classifies index. With k = index - FirstIndex, the first
// HeatupFrames frames are heatup, the next BaselineFrames are baseline and
// everything after is task.
func (l Layout) PhaseOf(index int) Phase {
	k := index - l.FirstIndex
	switch {
	case k < l.HeatupFrames:
		return PhaseHeatup
	case k < l.HeatupFrames+l.BaselineFrames:
		return PhaseBaseline
	default:
		return PhaseTask
	}
}

// FirstBaselineIndex is the index of the first baseline frame.
func (l Layout) FirstBaselineIndex() int { return l.FirstIndex + l.HeatupFrames }

// FirstTaskIndex is the index of the first task frame.
func (l Layout) FirstTaskIndex() int { return l.FirstIndex + l.HeatupFrames + l.BaselineFrames }

// FormatIndex zero-pads index to width digits, as it appears in frame file
// names.
func FormatIndex(index, width int) string {
	return fmt.Sprintf("%0*d", width, index)
}

// Frame is one acquired sample. Raw and preprocessed vectors are immutable
// once set. After assignment to a trial, Elapsed, InWindow and the decode
// fields are written by that trial under its lock; other goroutines work on
// copies obtained from the trial.
type Frame struct {
	Index       int       `json:"index"`
	Path        string    `json:"path"`
	ArrivalTime time.Time `json:"arrival_time"`
	Phase       Phase     `json:"phase"`

	Raw          []float64 `json:"-"`
	Preprocessed []float64 `json:"preprocessed,omitempty"`
	Prepared     bool      `json:"prepared"`
	Timings      Timings   `json:"timings"`

	Elapsed  *time.Duration `json:"elapsed_ns,omitempty"`
	InWindow bool           `json:"in_window"`

	DecodingProb *float64      `json:"decoding_prob,omitempty"`
	DecodingTime time.Duration `json:"decoding_time_ns,omitempty"`
}

// Timings is the preprocessing latency breakdown of a frame.
type Timings struct {
	Transform time.Duration            `json:"transform_ns"`
	Normalize time.Duration            `json:"normalize_ns"`
	Stages    map[string]time.Duration `json:"stages,omitempty"`
}

// Total is transform plus normalize time.
func (t Timings) Total() time.Duration { return t.Transform + t.Normalize }
