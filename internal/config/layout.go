package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/banshee-data/rtdecnef/internal/fsutil"
	"github.com/banshee-data/rtdecnef/internal/security"
)

// RunLayout is the directory tree of one run:
//
//	<outputs>/sub-<subject>_session-<session>/run-<run>_<timestamp>/
//	    logs/run.db  logs/logs.csv
//	    preprocessed/*.mat
//	    trials/trial_<idx>.json
//	    scratch/
type RunLayout struct {
	Root         string
	Logs         string
	Preprocessed string
	Trials       string
	Scratch      string
}

// DBPath is the run log database.
func (l RunLayout) DBPath() string { return filepath.Join(l.Logs, "run.db") }

// CSVPath is the flat run log export.
func (l RunLayout) CSVPath() string { return filepath.Join(l.Logs, "logs.csv") }

// NewRunLayout derives the run directories from the configured identifiers.
// Identifiers are sanitized and the result must stay inside the outputs
// directory, which must already exist.
func (c *Session) NewRunLayout(started time.Time) (RunLayout, error) {
	if c.Paths.OutputsDir == "" {
		return RunLayout{}, fmt.Errorf("%w: paths.outputs_dir is not set", ErrConfiguration)
	}
	subjectDir := fmt.Sprintf("sub-%s_session-%s",
		security.SanitizeFilename(c.Subject), security.SanitizeFilename(c.Session))
	runDir := fmt.Sprintf("run-%s_%s",
		security.SanitizeFilename(c.Run), started.Format("20060102-150405"))
	root := filepath.Join(c.Paths.OutputsDir, subjectDir, runDir)
	if err := security.ValidatePathWithinDirectory(root, c.Paths.OutputsDir); err != nil {
		return RunLayout{}, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	return RunLayout{
		Root:         root,
		Logs:         filepath.Join(root, "logs"),
		Preprocessed: filepath.Join(root, "preprocessed"),
		Trials:       filepath.Join(root, "trials"),
		Scratch:      filepath.Join(root, "scratch"),
	}, nil
}

// Create makes every directory of the layout.
func (l RunLayout) Create(fs fsutil.FileSystem) error {
	for _, dir := range []string{l.Logs, l.Preprocessed, l.Trials, l.Scratch} {
		if err := fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create run directory %s: %w", dir, err)
		}
	}
	return nil
}
