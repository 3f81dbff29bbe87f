package main

import (
	"context"
	"fmt"
	"io"
	"net"

	"github.com/sirupsen/logrus"

	"github.com/banshee-data/rtdecnef/internal/artifact"
	"github.com/banshee-data/rtdecnef/internal/classifier"
	"github.com/banshee-data/rtdecnef/internal/config"
	"github.com/banshee-data/rtdecnef/internal/decoding"
	"github.com/banshee-data/rtdecnef/internal/frame"
	"github.com/banshee-data/rtdecnef/internal/fsutil"
	"github.com/banshee-data/rtdecnef/internal/monitoring"
	"github.com/banshee-data/rtdecnef/internal/session"
	"github.com/banshee-data/rtdecnef/internal/session/protocol"
	"github.com/banshee-data/rtdecnef/internal/timeseries"
	"github.com/banshee-data/rtdecnef/internal/timeutil"
	"github.com/banshee-data/rtdecnef/internal/transform"
	"github.com/banshee-data/rtdecnef/internal/trial"
	"github.com/banshee-data/rtdecnef/internal/watcher"
)

// overrides are command-line values that replace config file fields when
// set.
type overrides struct {
	Subject, Session, Run string
	SourceDir, OutputsDir string
	Listen, SerialPort    string
}

func applyOverrides(cfg *config.Session, o overrides) {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.Subject, o.Subject)
	set(&cfg.Session, o.Session)
	set(&cfg.Run, o.Run)
	set(&cfg.Paths.SourceDir, o.SourceDir)
	set(&cfg.Paths.OutputsDir, o.OutputsDir)
	set(&cfg.Transport.Listen, o.Listen)
	set(&cfg.Transport.SerialPort, o.SerialPort)
}

// buildTransform picks the frame transformation and wraps it in the retry
// policy.
func buildTransform(cfg *config.Session, fs fsutil.FileSystem, clock timeutil.Clock) (transform.Transformer, error) {
	var next transform.Transformer
	switch kind := cfg.GetTransformKind(); kind {
	case config.TransformVectorFile:
		var mask *artifact.Mask
		if cfg.Paths.Mask != "" {
			m, err := artifact.LoadMask(fs, cfg.Paths.Mask)
			if err != nil {
				return nil, fmt.Errorf("%w: mask: %w", config.ErrConfiguration, err)
			}
			mask = m
		}
		next = transform.NewVectorFile(fs, mask, clock)
	case config.TransformCommand:
		next = &transform.Command{Args: cfg.Transform.Command, Timeout: cfg.GetTransformTimeout(), Clock: clock}
	default:
		return nil, fmt.Errorf("%w: unknown transform kind %q", config.ErrConfiguration, kind)
	}
	return &transform.Retrying{
		Next:    next,
		Retries: cfg.GetTransformRetries(),
		Backoff: cfg.GetSettleDelay(),
		Clock:   clock,
	}, nil
}

func buildTimeseries(cfg *config.Session, fs fsutil.FileSystem, snapDir string, clock timeutil.Clock) (*timeseries.State, error) {
	mode, err := timeseries.ParseMode(cfg.GetNormalization())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", config.ErrConfiguration, err)
	}
	opts := []timeseries.Option{
		timeseries.WithClock(clock),
		timeseries.WithSnapshotter(timeseries.DirSnapshotter{Dir: snapDir, FS: fs}),
	}
	if mode == timeseries.ToModelSession {
		ref, err := artifact.LoadStats(fs, cfg.Paths.NormMean, cfg.Paths.NormStd)
		if err != nil {
			return nil, fmt.Errorf("%w: reference statistics: %w", config.ErrConfiguration, err)
		}
		opts = append(opts, timeseries.WithReference(ref))
	}
	return timeseries.New(mode, opts...)
}

func buildDecoder(cfg *config.Session, fs fsutil.FileSystem, clock timeutil.Clock) (*decoding.Engine, error) {
	mode, err := decoding.ParseMode(cfg.GetDecoding())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", config.ErrConfiguration, err)
	}
	clf, err := classifier.Load(fs, cfg.Paths.Classifier)
	if err != nil {
		return nil, fmt.Errorf("%w: classifier: %w", config.ErrConfiguration, err)
	}
	return decoding.New(mode, clf, decoding.WithClock(clock), decoding.WithBudget(cfg.GetTR()))
}

// openPeer blocks until the stimulus peer is reachable: a serial device
// opens immediately, a TCP listener waits for the first connection.
func openPeer(ctx context.Context, cfg *config.Session) (io.ReadWriteCloser, error) {
	log := monitoring.Logger().WithField("component", "transport")
	if port := cfg.Transport.SerialPort; port != "" {
		conn, err := protocol.OpenSerial(port, cfg.GetSerialBaud())
		if err != nil {
			return nil, err
		}
		log.WithFields(logrus.Fields{"port": port, "baud": cfg.GetSerialBaud()}).Info("serial peer opened")
		return conn, nil
	}
	conn, err := protocol.AcceptOne(ctx, cfg.GetListen(), func(addr net.Addr) {
		log.WithField("addr", addr.String()).Info("waiting for stimulus peer")
	})
	if err != nil {
		return nil, err
	}
	log.WithField("peer", conn.RemoteAddr().String()).Info("stimulus peer connected")
	return conn, nil
}

// buildRuntime assembles every session collaborator except the run log.
// The returned func releases the frame notifier.
func buildRuntime(ctx context.Context, cfg *config.Session, layout config.RunLayout, fs fsutil.FileSystem) (session.Runtime, func(), error) {
	clock := timeutil.RealClock{}
	log := monitoring.Logger()
	cleanup := func() {}

	xf, err := buildTransform(cfg, fs, clock)
	if err != nil {
		return session.Runtime{}, cleanup, err
	}
	ts, err := buildTimeseries(cfg, fs, layout.Preprocessed, clock)
	if err != nil {
		return session.Runtime{}, cleanup, err
	}
	dec, err := buildDecoder(cfg, fs, clock)
	if err != nil {
		return session.Runtime{}, cleanup, err
	}

	wopts := watcher.Options{
		Dir:          cfg.Paths.SourceDir,
		Ext:          cfg.GetFrameExt(),
		IndexWidth:   cfg.GetIndexWidth(),
		PollInterval: cfg.GetPollInterval(),
		SettleDelay:  cfg.GetSettleDelay(),
		Timeout:      cfg.GetFrameTimeout(),
		FS:           fs,
		Clock:        clock,
	}
	if n, err := watcher.NewNotifier(cfg.Paths.SourceDir); err != nil {
		log.WithError(err).Warn("filesystem notifications unavailable, polling only")
	} else {
		wopts.Wake = n.Wake()
		cleanup = func() { n.Close() }
	}
	w := watcher.New(wopts)
	if err := w.CheckSource(); err != nil {
		cleanup()
		return session.Runtime{}, func() {}, err
	}
	if cfg.GetClearSourceDir() {
		removed, err := w.ClearSource()
		if err != nil {
			cleanup()
			return session.Runtime{}, func() {}, fmt.Errorf("clear source directory: %w", err)
		}
		log.WithField("removed", removed).Info("source directory cleared")
	}

	conn, err := openPeer(ctx, cfg)
	if err != nil {
		cleanup()
		return session.Runtime{}, func() {}, err
	}

	onset, offset := cfg.GetWindow()
	rt := session.Runtime{
		Settings: session.Settings{
			Layout: frame.Layout{
				FirstIndex:     cfg.GetFirstFrameIndex(),
				HeatupFrames:   cfg.GetHeatupFrames(),
				BaselineFrames: cfg.GetBaselineFrames(),
			},
			Trial: trial.Config{
				TR:     cfg.GetTR(),
				Window: trial.Window{Onset: onset, Offset: offset},
			},
			NotifyPhase: cfg.GetNotifyPhase(),
			Input: transform.Input{
				MaskPath:      cfg.Paths.Mask,
				ReferencePath: cfg.Paths.Reference,
				ScratchDir:    layout.Scratch,
			},
		},
		Source:     w,
		Transform:  xf,
		Timeseries: ts,
		Decoder:    dec,
		Channel:    protocol.NewChannel(conn, protocol.WithSendSpacing(cfg.GetSendSpacing()), protocol.WithClock(clock)),
		Clock:      clock,
	}
	return rt, cleanup, nil
}
