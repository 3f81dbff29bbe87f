// Package timeseries accumulates per-phase feature vectors across a run and
// normalizes each new task frame online.
package timeseries

import (
	"errors"
	"fmt"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/rtdecnef/internal/artifact"
	"github.com/banshee-data/rtdecnef/internal/frame"
	"github.com/banshee-data/rtdecnef/internal/monitoring"
	"github.com/banshee-data/rtdecnef/internal/timeutil"
)

// Mode selects the online normalization strategy.
type Mode string

const (
	// ToBaseline z-scores against the detrended baseline block.
	ToBaseline Mode = "to_baseline"
	// ToTimeseries z-scores against the whole detrended run so far.
	ToTimeseries Mode = "to_timeseries"
	// ToModelSession z-scores with mean/std from the model-construction
	// session.
	ToModelSession Mode = "to_model_session"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ToBaseline, ToTimeseries, ToModelSession:
		return m, nil
	}
	return "", fmt.Errorf("unknown normalization mode %q", s)
}

var (
	// ErrDimensionMismatch is returned when a frame's vector length differs
	// from earlier frames or from the reference statistics.
	ErrDimensionMismatch = errors.New("feature dimension mismatch")
	// ErrNoBaseline is returned by ToBaseline when a task frame arrives
	// before any baseline frame.
	ErrNoBaseline = errors.New("no baseline frames")
)

// Timings is the per-stage breakdown of one Ingest.
type Timings map[string]time.Duration

// State holds the run's accumulated timeseries. It is owned by the
// acquisition loop and is not safe for concurrent use.
type State struct {
	mode  Mode
	ref   *artifact.Stats
	clock timeutil.Clock
	snap  Snapshotter

	dim      int
	heatup   int
	baseline *mat.Dense
	task     *mat.Dense
	whole    *mat.Dense

	detrendedBaseline *mat.Dense
	baseMean, baseStd []float64
}

// Option configures a State.
type Option func(*State)

// WithReference supplies the mean/std statistics ToModelSession needs.
func WithReference(ref *artifact.Stats) Option { return func(s *State) { s.ref = ref } }

// WithClock sets the clock used for stage timings.
func WithClock(c timeutil.Clock) Option { return func(s *State) { s.clock = c } }

// WithSnapshotter persists the sequences after every append.
func WithSnapshotter(sn Snapshotter) Option { return func(s *State) { s.snap = sn } }

// New creates an empty State.
func New(mode Mode, opts ...Option) (*State, error) {
	s := &State{mode: mode, clock: timeutil.RealClock{}}
	for _, o := range opts {
		o(s)
	}
	switch mode {
	case ToBaseline, ToTimeseries:
	case ToModelSession:
		if s.ref == nil {
			return nil, fmt.Errorf("%s needs reference statistics", mode)
		}
		s.dim = len(s.ref.Mean)
	default:
		return nil, fmt.Errorf("unknown normalization mode %q", mode)
	}
	return s, nil
}

// Mode returns the normalization mode.
func (s *State) Mode() Mode { return s.mode }

// Counts returns how many heatup, baseline and task frames were ingested.
func (s *State) Counts() (heatup, baseline, task int) {
	return s.heatup, rows(s.baseline), rows(s.task)
}

// Ingest adds f.Raw to the sequences of f.Phase. For task frames it returns
// the normalized vector of f; heatup and baseline frames return nil. A
// rejected frame leaves the state unchanged.
func (s *State) Ingest(f *frame.Frame) ([]float64, Timings, error) {
	sw := timeutil.StartStopwatch(s.clock)

	if f.Phase == frame.PhaseHeatup {
		s.heatup++
		return nil, Timings(sw.Stages()), nil
	}
	if len(f.Raw) == 0 {
		return nil, nil, fmt.Errorf("frame %d: %w: empty vector", f.Index, ErrDimensionMismatch)
	}
	if s.dim != 0 && len(f.Raw) != s.dim {
		return nil, nil, fmt.Errorf("frame %d: %w: got %d features, want %d", f.Index, ErrDimensionMismatch, len(f.Raw), s.dim)
	}
	if f.Phase == frame.PhaseTask && s.mode == ToBaseline && s.baseline == nil {
		return nil, nil, fmt.Errorf("frame %d: %w", f.Index, ErrNoBaseline)
	}
	s.dim = len(f.Raw)

	s.whole = appendRow(s.whole, f.Raw)
	if f.Phase == frame.PhaseBaseline {
		s.baseline = appendRow(s.baseline, f.Raw)
		s.detrendedBaseline = nil
		sw.Lap("append")
		s.save(SnapshotBaseline, s.baseline)
		s.save(SnapshotWhole, s.whole)
		sw.Lap("snapshot")
		return nil, Timings(sw.Stages()), nil
	}
	s.task = appendRow(s.task, f.Raw)
	sw.Lap("append")

	var out []float64
	switch s.mode {
	case ToBaseline:
		if s.detrendedBaseline == nil {
			s.detrendedBaseline = Detrend(s.baseline)
			s.baseMean, s.baseStd = ColumnStats(s.detrendedBaseline)
			sw.Lap("detrend_baseline")
			s.save(SnapshotDetrendedBaseline, s.detrendedBaseline)
		}
		last := lastRow(Detrend(s.whole))
		sw.Lap("detrend")
		out = Standardize(last, s.baseMean, s.baseStd)
		sw.Lap("zscore")
	case ToTimeseries:
		detrended := Detrend(s.whole)
		sw.Lap("detrend")
		mean, std := ColumnStats(detrended)
		out = Standardize(lastRow(detrended), mean, std)
		sw.Lap("zscore")
	case ToModelSession:
		last := lastRow(Detrend(s.whole))
		sw.Lap("detrend")
		out = Standardize(last, s.ref.Mean, s.ref.Std)
		sw.Lap("zscore")
	}

	s.save(SnapshotTask, s.task)
	s.save(SnapshotWhole, s.whole)
	sw.Lap("snapshot")
	return out, Timings(sw.Stages()), nil
}

func (s *State) save(name string, m *mat.Dense) {
	if s.snap == nil {
		return
	}
	if err := s.snap.Save(name, m); err != nil {
		monitoring.Logger().WithError(err).WithField("snapshot", name).Warn("timeseries snapshot failed")
	}
}

func appendRow(m *mat.Dense, row []float64) *mat.Dense {
	if m == nil {
		return mat.NewDense(1, len(row), append([]float64(nil), row...))
	}
	r, _ := m.Dims()
	g := m.Grow(1, 0).(*mat.Dense)
	g.SetRow(r, row)
	return g
}

func rows(m *mat.Dense) int {
	if m == nil {
		return 0
	}
	r, _ := m.Dims()
	return r
}
