// Package session runs one neurofeedback run: it acquires frames in index
// order, keeps the current trial, answers the stimulus peer and decodes
// trials on request.
package session

import (
	"context"
	"errors"

	"github.com/banshee-data/rtdecnef/internal/decoding"
	"github.com/banshee-data/rtdecnef/internal/frame"
	"github.com/banshee-data/rtdecnef/internal/session/protocol"
	"github.com/banshee-data/rtdecnef/internal/timeseries"
	"github.com/banshee-data/rtdecnef/internal/timeutil"
	"github.com/banshee-data/rtdecnef/internal/transform"
	"github.com/banshee-data/rtdecnef/internal/trial"
	"github.com/banshee-data/rtdecnef/internal/watcher"
)

// FrameSource yields frame files in index order.
type FrameSource interface {
	Await(ctx context.Context, index int) (watcher.Located, error)
}

// Responder is the connection to the stimulus peer.
type Responder interface {
	Listen(ctx context.Context) (protocol.Request, error)
	Send(resps ...protocol.Response) error
	Close() error
}

// Recorder persists frame and trial events. Implementations must be safe
// for concurrent use: decoders update rows while acquisition inserts them.
type Recorder interface {
	Record(f frame.Frame, t *trial.Info) error
	Update(f frame.Frame, t *trial.Info) error
	RecordTrial(s trial.Snapshot) error
}

// Settings are the run parameters the session itself needs.
type Settings struct {
	Layout      frame.Layout
	Trial       trial.Config
	NotifyPhase bool

	// Input carries the mask, reference and scratch locations handed to
	// the transform; FramePath is filled per frame.
	Input transform.Input
}

// Runtime bundles the collaborators of one session. It is built once by
// the process bootstrap and passed to New; nothing is looked up globally.
type Runtime struct {
	Settings   Settings
	Source     FrameSource
	Transform  transform.Transformer
	Timeseries *timeseries.State
	Decoder    *decoding.Engine
	Channel    Responder
	Log        Recorder
	Clock      timeutil.Clock
}

func (rt *Runtime) validate() error {
	var errs []error
	if rt.Source == nil {
		errs = append(errs, errors.New("frame source"))
	}
	if rt.Transform == nil {
		errs = append(errs, errors.New("transform"))
	}
	if rt.Timeseries == nil {
		errs = append(errs, errors.New("timeseries state"))
	}
	if rt.Decoder == nil {
		errs = append(errs, errors.New("decoding engine"))
	}
	if rt.Channel == nil {
		errs = append(errs, errors.New("channel"))
	}
	if len(errs) > 0 {
		return errors.Join(append([]error{errors.New("session runtime is missing components")}, errs...)...)
	}
	if rt.Log == nil {
		rt.Log = nopRecorder{}
	}
	if rt.Clock == nil {
		rt.Clock = timeutil.RealClock{}
	}
	return nil
}

type nopRecorder struct{}

func (nopRecorder) Record(frame.Frame, *trial.Info) error { return nil }
func (nopRecorder) Update(frame.Frame, *trial.Info) error { return nil }
func (nopRecorder) RecordTrial(trial.Snapshot) error      { return nil }
