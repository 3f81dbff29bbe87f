// Package decoding turns the window frames of a trial into the feedback
// probability, using one of three strategies.
package decoding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/rtdecnef/internal/classifier"
	"github.com/banshee-data/rtdecnef/internal/frame"
	"github.com/banshee-data/rtdecnef/internal/monitoring"
	"github.com/banshee-data/rtdecnef/internal/timeutil"
	"github.com/banshee-data/rtdecnef/internal/trial"
)

// Mode selects the decoding strategy.
type Mode string

const (
	// AverageVectors averages the window vectors and classifies once.
	AverageVectors Mode = "average_vectors_then_decode"
	// AverageProbabilities classifies each window vector and averages the
	// ground-truth probabilities.
	AverageProbabilities Mode = "decode_then_average_probabilities"
	// Dynamic classifies each window frame as it arrives and streams the
	// results.
	Dynamic Mode = "dynamic_per_frame"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case AverageVectors, AverageProbabilities, Dynamic:
		return m, nil
	}
	return "", fmt.Errorf("unknown decoding mode %q", s)
}

var (
	// ErrEmptyWindow is returned when a closed window holds no prepared
	// frames.
	ErrEmptyWindow = errors.New("no prepared frames in decoding window")
	// ErrClassIndex is returned when the ground truth is not a class of the
	// classifier.
	ErrClassIndex = errors.New("ground truth outside classifier classes")
	// ErrStreamingMode is returned by Decode in Dynamic mode.
	ErrStreamingMode = errors.New("dynamic decoding produces a stream; use Stream")
	// ErrBatchMode is returned by Stream outside Dynamic mode.
	ErrBatchMode = errors.New("batch decoding produces one result; use Decode")
)

// FrameResult is one streamed per-frame decode.
type FrameResult struct {
	Trial       int
	Frame       frame.Frame
	Probability float64
	Duration    time.Duration
	Err         error
}

// Engine decodes trials with one classifier and one strategy.
type Engine struct {
	mode  Mode
	clf   classifier.Classifier
	clock timeutil.Clock
	tr    time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the clock used for decode timings.
func WithClock(c timeutil.Clock) Option { return func(e *Engine) { e.clock = c } }

// WithBudget sets the per-decode latency budget, normally the TR. Overruns
// are logged as timing violations.
func WithBudget(tr time.Duration) Option { return func(e *Engine) { e.tr = tr } }

// New returns an Engine.
func New(mode Mode, clf classifier.Classifier, opts ...Option) (*Engine, error) {
	if _, err := ParseMode(string(mode)); err != nil {
		return nil, err
	}
	if clf == nil {
		return nil, errors.New("decoding engine needs a classifier")
	}
	e := &Engine{mode: mode, clf: clf, clock: timeutil.RealClock{}}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Mode returns the strategy.
func (e *Engine) Mode() Mode { return e.mode }

// Decode waits for the trial's window to close and decodes it. The result
// is cached on the trial: later calls return it without classifying again.
func (e *Engine) Decode(ctx context.Context, t *trial.Trial) (trial.Outcome, error) {
	if e.mode == Dynamic {
		return trial.Outcome{}, ErrStreamingMode
	}
	if o, ok := t.Outcome(); ok {
		return o, nil
	}
	window, err := t.WaitClosed(ctx)
	if err != nil {
		return trial.Outcome{}, err
	}
	o, ran, err := t.DecodeOnce(func() (trial.Outcome, error) {
		return e.decodeWindow(t, window)
	})
	if err != nil {
		return trial.Outcome{}, err
	}
	if ran {
		monitoring.WithTrial(t.Index).WithFields(logrus.Fields{
			"mode":        e.mode,
			"probability": o.Probability,
			"frames":      len(o.FrameIndices),
			"took_ms":     o.Duration.Seconds() * 1000,
		}).Info("trial decoded")
		monitoring.TimingViolation(monitoring.WithTrial(t.Index), "decode", o.Duration, e.tr)
	}
	return o, nil
}

func (e *Engine) decodeWindow(t *trial.Trial, window []frame.Frame) (trial.Outcome, error) {
	sw := timeutil.StartStopwatch(e.clock)
	class, err := e.classIndex(t)
	if err != nil {
		return trial.Outcome{}, err
	}

	var vectors [][]float64
	var idx []int
	for _, f := range window {
		if f.Prepared && len(f.Preprocessed) > 0 {
			vectors = append(vectors, f.Preprocessed)
			idx = append(idx, f.Index)
		}
	}
	if len(vectors) == 0 {
		return trial.Outcome{}, fmt.Errorf("trial %d: %w", t.Index, ErrEmptyWindow)
	}

	o := trial.Outcome{FrameIndices: idx}
	switch e.mode {
	case AverageVectors:
		mean := make([]float64, len(vectors[0]))
		for _, v := range vectors {
			if len(v) != len(mean) {
				return trial.Outcome{}, fmt.Errorf("trial %d: window vectors differ in length", t.Index)
			}
			floats.Add(mean, v)
		}
		floats.Scale(1/float64(len(vectors)), mean)
		sw.Lap("average")
		probs, err := e.clf.PredictProba(mean)
		if err != nil {
			return trial.Outcome{}, err
		}
		sw.Lap("classify")
		o.Probability = probs[class]

	case AverageProbabilities:
		ps := make([]float64, len(vectors))
		took := make([]time.Duration, len(vectors))
		for i, v := range vectors {
			began := e.clock.Now()
			probs, err := e.clf.PredictProba(v)
			if err != nil {
				return trial.Outcome{}, err
			}
			took[i] = e.clock.Since(began)
			ps[i] = probs[class]
		}
		sw.Lap("classify")
		o.FrameProbabilities = ps
		o.FrameDurations = took
		o.Probability = stat.Mean(ps, nil)
		sw.Lap("average")
	}
	o.Duration = sw.Total()
	o.Timings = sw.Stages()
	return o, nil
}

// labeled is implemented by classifiers whose output columns carry class
// labels other than their positions.
type labeled interface {
	ClassIndex(label int) (int, bool)
}

// classIndex maps the trial's ground truth to a column of PredictProba.
func (e *Engine) classIndex(t *trial.Trial) (int, error) {
	n := e.clf.NumClasses()
	if l, ok := e.clf.(labeled); ok {
		if i, ok := l.ClassIndex(t.GroundTruth); ok {
			return i, nil
		}
		return 0, fmt.Errorf("trial %d: %w: label %d not among the %d classes", t.Index, ErrClassIndex, t.GroundTruth, n)
	}
	if t.GroundTruth < 0 || t.GroundTruth >= n {
		return 0, fmt.Errorf("trial %d: %w: %d not in [0, %d)", t.Index, ErrClassIndex, t.GroundTruth, n)
	}
	return t.GroundTruth, nil
}

// Stream decodes each window frame of t as soon as it is assigned and sends
// the result. The channel closes when the window has closed and every window
// frame has been decoded, or when ctx is done. Each frame is decoded at most
// once across all streams of the trial, and only one stream per trial is
// live: a stream started while another is running sends nothing and closes
// once the running one has finished. A stream that reaches the end of the
// window marks the trial decoded with the mean over every decoded window
// frame.
func (e *Engine) Stream(ctx context.Context, t *trial.Trial) (<-chan FrameResult, error) {
	if e.mode != Dynamic {
		return nil, ErrBatchMode
	}
	class, err := e.classIndex(t)
	if err != nil {
		return nil, err
	}
	out := make(chan FrameResult)
	release, busy, ok := t.AcquireStream()
	if !ok {
		go func() {
			defer close(out)
			select {
			case <-busy:
			case <-ctx.Done():
			}
		}()
		return out, nil
	}
	go e.stream(ctx, t, class, release, out)
	return out, nil
}

func (e *Engine) stream(ctx context.Context, t *trial.Trial, class int, release func(), out chan<- FrameResult) {
	defer close(out)
	defer release()
	log := monitoring.WithTrial(t.Index)
	start := e.clock.Now()

	seen := 0
	for {
		frames, closed, err := t.WaitWindowFrames(ctx, seen)
		if err != nil {
			return
		}
		for _, f := range frames[seen:] {
			seen++
			if !f.Prepared || len(f.Preprocessed) == 0 || !t.ClaimFrame(f.Index) {
				continue
			}
			began := e.clock.Now()
			probs, err := e.clf.PredictProba(f.Preprocessed)
			took := e.clock.Since(began)
			res := FrameResult{Trial: t.Index, Frame: f, Duration: took}
			if err != nil {
				res.Err = fmt.Errorf("trial %d frame %d: %w", t.Index, f.Index, err)
			} else {
				res.Probability = probs[class]
				res.Frame, _ = t.RecordFrameResult(f.Index, res.Probability, took)
				monitoring.TimingViolation(log.WithField("frame", f.Index), "decode", took, e.tr)
			}
			select {
			case out <- res:
			case <-ctx.Done():
				return
			}
		}
		if closed && seen >= len(frames) {
			break
		}
	}

	if _, done := t.Outcome(); done {
		return
	}
	o := trial.Outcome{Duration: e.clock.Since(start)}
	for _, f := range t.WindowFrames() {
		if f.DecodingProb == nil {
			continue
		}
		o.FrameIndices = append(o.FrameIndices, f.Index)
		o.FrameProbabilities = append(o.FrameProbabilities, *f.DecodingProb)
		o.FrameDurations = append(o.FrameDurations, f.DecodingTime)
	}
	if len(o.FrameProbabilities) == 0 {
		return
	}
	o.Probability = stat.Mean(o.FrameProbabilities, nil)
	t.MarkDecoded(o)
	log.WithFields(logrus.Fields{"mode": e.mode, "frames": len(o.FrameIndices), "probability": o.Probability}).Info("trial stream decoded")
}
