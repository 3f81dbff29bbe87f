package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/banshee-data/rtdecnef/internal/config"
	"github.com/banshee-data/rtdecnef/internal/fsutil"
	"github.com/banshee-data/rtdecnef/internal/monitoring"
	"github.com/banshee-data/rtdecnef/internal/report"
	"github.com/banshee-data/rtdecnef/internal/runlog"
	"github.com/banshee-data/rtdecnef/internal/session"
	"github.com/banshee-data/rtdecnef/internal/version"
)

var (
	configPath  = flag.String("config", config.DefaultConfigPath, "Session config file (.json)")
	subject     = flag.String("subject", "", "Subject identifier (overrides config)")
	sessionID   = flag.String("session", "", "Session identifier (overrides config)")
	runID       = flag.String("run", "", "Run identifier (overrides config)")
	sourceDir   = flag.String("source-dir", "", "Directory the scanner writes frames to (overrides config)")
	outputsDir  = flag.String("outputs-dir", "", "Root of the run output directories (overrides config)")
	listen      = flag.String("listen", "", "TCP address the stimulus peer connects to (overrides config)")
	serialPort  = flag.String("serial-port", "", "Serial device of the stimulus peer; takes precedence over -listen")
	debugListen = flag.String("debug-listen", "", "Serve debug routes over the run log on this address")
	logLevel    = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	logFormat   = flag.String("log-format", "text", "Log format: text or json")
	noReport    = flag.Bool("no-report", false, "Skip the feedback plots written after the run")
	showVersion = flag.Bool("version", false, "Print the version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}
	if err := monitoring.Configure(*logLevel, *logFormat, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "decnef: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		monitoring.Logger().WithError(err).Error("run failed")
		if errors.Is(err, config.ErrConfiguration) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	log := monitoring.Logger()

	cfg, err := config.LoadSession(*configPath)
	if err != nil {
		return err
	}
	applyOverrides(cfg, overrides{
		Subject:    *subject,
		Session:    *sessionID,
		Run:        *runID,
		SourceDir:  *sourceDir,
		OutputsDir: *outputsDir,
		Listen:     *listen,
		SerialPort: *serialPort,
	})
	if err := cfg.Validate(); err != nil {
		return err
	}
	fs := fsutil.OSFileSystem{}
	if err := cfg.CheckResources(fs); err != nil {
		return err
	}

	started := time.Now()
	layout, err := cfg.NewRunLayout(started)
	if err != nil {
		return err
	}
	if err := layout.Create(fs); err != nil {
		return err
	}
	onset, offset := cfg.GetWindow()
	rl, err := runlog.Open(layout, runlog.RunMeta{
		Subject:        cfg.Subject,
		Session:        cfg.Session,
		Run:            cfg.Run,
		StartedAt:      started,
		Version:        version.String(),
		TR:             cfg.GetTR(),
		HeatupFrames:   cfg.GetHeatupFrames(),
		BaselineFrames: cfg.GetBaselineFrames(),
		WindowOnset:    onset,
		WindowOffset:   offset,
		Normalization:  cfg.GetNormalization(),
		Decoding:       cfg.GetDecoding(),
		Config:         cfg,
	})
	if err != nil {
		return fmt.Errorf("open run log: %w", err)
	}
	defer rl.Close()

	if *debugListen != "" {
		stopDebug, err := serveDebug(*debugListen, rl)
		if err != nil {
			return err
		}
		defer stopDebug()
	}

	rt, closeRuntime, err := buildRuntime(ctx, cfg, layout, fs)
	if err != nil {
		return err
	}
	defer closeRuntime()
	rt.Log = rl

	s, err := session.New(rt)
	if err != nil {
		return err
	}
	log.WithField("run_id", rl.RunID()).WithField("dir", layout.Root).Info("session started")
	runErr := s.Run(ctx)
	if errors.Is(runErr, context.Canceled) {
		log.Warn("session interrupted")
	}

	if !*noReport {
		writeReport(rl, layout, fmt.Sprintf("sub-%s session %s run %s", cfg.Subject, cfg.Session, cfg.Run))
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	log.Info("session finished")
	return nil
}

func serveDebug(addr string, rl *runlog.Logger) (func(), error) {
	mux := http.NewServeMux()
	if err := rl.AttachAdminRoutes(mux); err != nil {
		return nil, fmt.Errorf("debug routes: %w", err)
	}
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		monitoring.Logger().WithField("addr", addr).Info("debug routes listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			monitoring.Logger().WithError(err).Error("debug server")
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}, nil
}

// writeReport plots whatever trials were decoded. Failures are logged, not
// returned.
func writeReport(rl *runlog.Logger, layout config.RunLayout, title string) {
	log := monitoring.Logger().WithField("component", "report")
	rows, err := rl.Trials()
	if err != nil {
		log.WithError(err).Warn("read trials")
		return
	}
	pts := report.FromRows(rows)
	if len(pts) == 0 {
		log.Info("no decoded trials to plot")
		return
	}
	png := filepath.Join(layout.Root, "feedback.png")
	if err := report.WritePNG(pts, title, png); err != nil {
		log.WithError(err).Warn("write png")
	}
	html := filepath.Join(layout.Root, "feedback.html")
	f, err := os.Create(html)
	if err != nil {
		log.WithError(err).Warn("write html")
		return
	}
	defer f.Close()
	if err := report.WriteHTML(pts, title, f); err != nil {
		log.WithError(err).Warn("write html")
		return
	}
	sum := report.Summarize(pts)
	log.WithField("trials", sum.Trials).WithField("mean", sum.Mean).WithField("above_chance", sum.AboveChance).
		Info("feedback report written")
}
