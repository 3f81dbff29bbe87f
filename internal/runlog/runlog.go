// Package runlog keeps the structured record of one run: a row per frame,
// a row per trial, and the run's configuration. Rows live in a SQLite
// database in the run directory; after every change the frame table is
// exported to logs.csv and the affected trial to trials/trial_<idx>.json.
package runlog

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/rtdecnef/internal/config"
	"github.com/banshee-data/rtdecnef/internal/fsutil"
	"github.com/banshee-data/rtdecnef/internal/monitoring"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// RunMeta identifies a run and snapshots the settings that shape its rows.
type RunMeta struct {
	Subject   string
	Session   string
	Run       string
	StartedAt time.Time
	Version   string

	TR             time.Duration
	HeatupFrames   int
	BaselineFrames int
	WindowOnset    time.Duration
	WindowOffset   time.Duration
	Normalization  string
	Decoding       string

	// Config is stored verbatim as JSON.
	Config any
}

// Logger writes the run log. It is safe for concurrent use.
type Logger struct {
	mu     sync.Mutex
	db     *sql.DB
	fs     fsutil.FileSystem
	layout config.RunLayout
	runID  string
	meta   RunMeta
}

// Open creates the run database under layout.Logs, applies the schema and
// registers the run.
func Open(layout config.RunLayout, meta RunMeta) (*Logger, error) {
	return OpenWithFS(fsutil.OSFileSystem{}, layout, meta)
}

// OpenWithFS is Open with the filesystem used for the CSV and trial
// exports. The database itself always lives on disk.
func OpenWithFS(fs fsutil.FileSystem, layout config.RunLayout, meta RunMeta) (*Logger, error) {
	db, err := openDB(layout.DBPath())
	if err != nil {
		return nil, err
	}
	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}

	l := &Logger{db: db, fs: fs, layout: layout, runID: uuid.NewString(), meta: meta}
	if err := l.insertRun(); err != nil {
		db.Close()
		return nil, err
	}
	if err := l.exportCSV(); err != nil {
		db.Close()
		return nil, err
	}
	monitoring.Logger().WithFields(logrus.Fields{"run_id": l.runID, "db": layout.DBPath()}).Info("run log opened")
	return l, nil
}

func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open run log %s: %w", path, err)
	}
	// One connection serializes writers; the debug SQL view shares it.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return db, nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	m.Log = migrateLogger{}
	// m is not closed: that would close db.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...interface{}) {
	monitoring.Logger().Debugf("[migrate] "+format, v...)
}

func (migrateLogger) Verbose() bool { return false }

func (l *Logger) insertRun() error {
	var cfgJSON sql.NullString
	if l.meta.Config != nil {
		b, err := json.Marshal(l.meta.Config)
		if err != nil {
			return fmt.Errorf("encode run config: %w", err)
		}
		cfgJSON = sql.NullString{String: string(b), Valid: true}
	}
	m := l.meta
	_, err := l.db.Exec(`
		INSERT INTO runs (run_id, subject, session, run, started_at, tr_s,
			heatup_frames, baseline_frames, window_onset_s, window_offset_s,
			normalization, decoding, version, config_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.runID, m.Subject, m.Session, m.Run, formatTime(m.StartedAt), m.TR.Seconds(),
		m.HeatupFrames, m.BaselineFrames, m.WindowOnset.Seconds(), m.WindowOffset.Seconds(),
		m.Normalization, m.Decoding, m.Version, cfgJSON)
	if err != nil {
		return fmt.Errorf("register run: %w", err)
	}
	return nil
}

// RunID is the unique identifier of this run.
func (l *Logger) RunID() string { return l.runID }

// DB exposes the underlying database for read-only tooling.
func (l *Logger) DB() *sql.DB { return l.db }

// Close flushes the CSV one last time and closes the database.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	err := l.exportCSV()
	return errors.Join(err, l.db.Close())
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }
