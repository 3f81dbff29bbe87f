package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/rtdecnef/internal/frame"
	"github.com/banshee-data/rtdecnef/internal/monitoring"
	"github.com/banshee-data/rtdecnef/internal/session/protocol"
	"github.com/banshee-data/rtdecnef/internal/trial"
)

// ErrPeerGone is returned when the stimulus peer disconnects without
// ending the run.
var ErrPeerGone = errors.New("stimulus peer closed the connection")

// Session is one run. Run may be called once.
type Session struct {
	rt     Runtime
	trials trial.Mailbox
	log    *logrus.Entry

	cancel   context.CancelFunc
	ended    atomic.Bool
	decoders sync.WaitGroup
}

// New checks the runtime and returns a Session ready to Run.
func New(rt Runtime) (*Session, error) {
	if err := rt.validate(); err != nil {
		return nil, err
	}
	return &Session{
		rt:  rt,
		log: monitoring.Logger().WithField("component", "session"),
	}, nil
}

// CurrentTrial returns the trial registered by the latest onset.
func (s *Session) CurrentTrial() *trial.Trial { return s.trials.Current() }

// Run acquires frames and serves the peer until end_run, a fatal error or
// cancellation of ctx. A run ended by the peer returns nil. On return the
// current trial is closed and persisted and the channel is closed.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.acquire(gctx) })
	g.Go(func() error { return s.listen(gctx) })
	err := g.Wait()

	cancel()
	s.decoders.Wait()
	if t := s.trials.CloseCurrent(); t != nil {
		s.persistTrial(t)
	}
	if cerr := s.rt.Channel.Close(); cerr != nil {
		s.log.WithError(cerr).Debug("closing channel")
	}

	if s.ended.Load() && errors.Is(err, context.Canceled) {
		s.log.Info("run ended by peer")
		return nil
	}
	return err
}

// acquire is the frame loop. It owns the timeseries state and never waits
// on decoding.
func (s *Session) acquire(ctx context.Context) error {
	layout := s.rt.Settings.Layout
	for index := layout.FirstIndex; ; index++ {
		loc, err := s.rt.Source.Await(ctx, index)
		if err != nil {
			return err
		}
		f := &frame.Frame{
			Index:       loc.Index,
			Path:        loc.Path,
			ArrivalTime: loc.ArrivalTime,
			Phase:       layout.PhaseOf(loc.Index),
		}
		s.notifyPhase(f.Index)
		if err := s.process(ctx, f); err != nil {
			return err
		}
	}
}

// process transforms, normalizes, assigns and records one frame.
func (s *Session) process(ctx context.Context, f *frame.Frame) error {
	clock := s.rt.Clock
	log := monitoring.WithFrame(f.Index, f.Phase)

	began := clock.Now()
	in := s.rt.Settings.Input
	in.FramePath = f.Path
	out, err := s.rt.Transform.Transform(ctx, in)
	if err != nil {
		return fmt.Errorf("frame %d: %w", f.Index, err)
	}
	f.Raw = out.Vector
	f.Timings.Transform = clock.Since(began)

	began = clock.Now()
	pre, stages, err := s.rt.Timeseries.Ingest(f)
	if err != nil {
		return fmt.Errorf("frame %d: %w", f.Index, err)
	}
	f.Timings.Normalize = clock.Since(began)
	f.Preprocessed = pre
	f.Prepared = true
	if len(out.Timings)+len(stages) > 0 {
		f.Timings.Stages = make(map[string]time.Duration, len(out.Timings)+len(stages))
		for k, v := range out.Timings {
			f.Timings.Stages["transform."+k] = v
		}
		for k, v := range stages {
			f.Timings.Stages["normalize."+k] = v
		}
	}
	monitoring.TimingViolation(log, "preprocess", f.Timings.Total(), s.rt.Settings.Trial.TR)

	stored, t := s.assign(f, log)
	var info *trial.Info
	if t != nil {
		i := t.Info()
		info = &i
		log = log.WithFields(logrus.Fields{"trial": t.Index, "in_window": stored.InWindow})
	}
	log.WithField("preprocess_ms", f.Timings.Total().Seconds()*1000).Debug("frame processed")

	if err := s.rt.Log.Record(stored, info); err != nil {
		log.WithError(err).Warn("recording frame")
	}
	if t != nil {
		s.persistTrial(t)
	}
	return nil
}

// assign hands f to the current trial. A frame that races with a newer
// onset goes to the newer trial; frames before the first onset or after
// the session closed the trial belong to none.
func (s *Session) assign(f *frame.Frame, log *logrus.Entry) (frame.Frame, *trial.Trial) {
	for {
		t := s.trials.Current()
		if t == nil {
			return *f, nil
		}
		stored, err := t.Assign(f)
		switch {
		case err == nil:
			return stored, t
		case errors.Is(err, trial.ErrTrialClosed) && s.trials.Current() != t:
			continue
		default:
			log.WithError(err).Warn("frame not assigned")
			return *f, nil
		}
	}
}

func (s *Session) notifyPhase(index int) {
	if !s.rt.Settings.NotifyPhase {
		return
	}
	layout := s.rt.Settings.Layout
	if layout.HeatupFrames > 0 && index == layout.FirstBaselineIndex() {
		s.send(protocol.Token(protocol.TokenHeatupDone))
	}
	if layout.BaselineFrames > 0 && index == layout.FirstTaskIndex() {
		s.send(protocol.Token(protocol.TokenBaselineDone))
	}
}

// listen reads requests until end_run or a connection failure. Malformed
// requests are logged and skipped.
func (s *Session) listen(ctx context.Context) error {
	for {
		req, err := s.rt.Channel.Listen(ctx)
		if err != nil {
			switch {
			case errors.Is(err, protocol.ErrProtocol):
				s.log.WithError(err).WithField("request_type", req.Type).Warn("ignoring request")
				continue
			case ctx.Err() != nil:
				return ctx.Err()
			case errors.Is(err, io.EOF):
				return ErrPeerGone
			default:
				return fmt.Errorf("session channel: %w", err)
			}
		}

		switch req.Type {
		case protocol.TrialOnset:
			s.onset(req)
		case protocol.FeedbackStart:
			s.feedback(ctx)
		case protocol.EndRun:
			s.log.Info("end_run received")
			s.send(protocol.OK())
			s.ended.Store(true)
			s.cancel()
			return nil
		}
	}
}

func (s *Session) onset(req protocol.Request) {
	t := trial.New(trial.Onset{
		Index:       *req.TrialIdx,
		Stimulus:    req.Stimulus,
		GroundTruth: *req.GroundTruth,
		Time:        s.rt.Clock.Now(),
	}, s.rt.Settings.Trial)
	prev := s.trials.Swap(t)
	s.send(protocol.OK())

	monitoring.WithTrial(t.Index).WithFields(logrus.Fields{
		"stimulus":     t.Stimulus,
		"ground_truth": t.GroundTruth,
	}).Info("trial onset")
	if prev != nil {
		if prev.Info().CloseReason == trial.ReasonSuperseded {
			monitoring.WithTrial(prev.Index).Warn("trial superseded before its window closed")
		}
		s.persistTrial(prev)
	}
	s.persistTrial(t)
}

func (s *Session) feedback(ctx context.Context) {
	t := s.trials.Current()
	if t == nil {
		s.log.Warn("feedback_start before any trial_onset")
		s.send(protocol.Token(protocol.TokenError), protocol.OK())
		return
	}
	s.decoders.Add(1)
	go func() {
		defer s.decoders.Done()
		s.decode(ctx, t)
	}()
}

// send writes a reply sequence as one unit; failures are logged since the
// listen loop will observe a broken connection on its own.
func (s *Session) send(resps ...protocol.Response) {
	if err := s.rt.Channel.Send(resps...); err != nil {
		s.log.WithError(err).WithField("responses", len(resps)).Warn("send failed")
	}
}

func (s *Session) persistTrial(t *trial.Trial) {
	if err := s.rt.Log.RecordTrial(t.Snapshot()); err != nil {
		monitoring.WithTrial(t.Index).WithError(err).Warn("recording trial")
	}
}
