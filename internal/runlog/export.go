package runlog

import (
	"bytes"
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/banshee-data/rtdecnef/internal/trial"
)

// csvQuery lists every frame row with the run's identifiers and settings.
const csvQuery = `
	SELECT r.run_id, r.subject, r.session, r.run, r.tr_s, r.heatup_frames,
		r.baseline_frames, r.window_onset_s, r.window_offset_s, r.normalization,
		r.decoding, f.frame_idx, f.phase, f.frame_path, f.arrival_time,
		f.elapsed_s, f.in_window, f.transform_ms, f.normalize_ms, f.trial_idx,
		f.trial_onset, f.stimulus, f.ground_truth, f.frame_prob,
		f.frame_decoding_ms, f.trial_prob, f.trial_decoding_ms
	FROM frame_events f JOIN runs r ON r.run_id = f.run_id
	WHERE f.run_id = ?
	ORDER BY f.frame_idx`

// CSVHeader is the header row of logs.csv.
var CSVHeader = []string{
	"run_id", "subject", "session", "run", "tr", "heatup_frames",
	"baseline_frames", "window_onset", "window_offset", "normalization",
	"decoding", "frame_idx", "phase", "frame_path", "arrival_time",
	"elapsed_s", "in_window", "transform_ms", "normalize_ms", "trial_idx",
	"trial_onset", "stimulus", "ground_truth", "frame_prob",
	"frame_decoding_ms", "trial_prob", "trial_decoding_ms",
}

// exportCSV rewrites logs.csv from the database. l.mu must be held.
func (l *Logger) exportCSV() error {
	rows, err := l.db.Query(csvQuery, l.runID)
	if err != nil {
		return fmt.Errorf("export csv: %w", err)
	}
	defer rows.Close()

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(CSVHeader); err != nil {
		return err
	}
	vals := make([]any, len(CSVHeader))
	ptrs := make([]any, len(CSVHeader))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	record := make([]string, len(CSVHeader))
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return fmt.Errorf("export csv: %w", err)
		}
		for i, v := range vals {
			record[i] = formatCell(v)
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("export csv: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return l.replaceFile(l.layout.CSVPath(), buf.Bytes())
}

func formatCell(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		if x {
			return "1"
		}
		return "0"
	case []byte:
		return string(x)
	case string:
		return x
	default:
		return fmt.Sprint(x)
	}
}

// TrialJSONPath is where the snapshot of trial idx is written.
func (l *Logger) TrialJSONPath(idx int) string {
	return filepath.Join(l.layout.Trials, fmt.Sprintf("trial_%d.json", idx))
}

func (l *Logger) writeTrialJSON(s trial.Snapshot) error {
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encode trial %d: %w", s.Index, err)
	}
	return l.replaceFile(l.TrialJSONPath(s.Index), b)
}

// replaceFile writes data next to path and renames it into place so
// readers never see a partial file.
func (l *Logger) replaceFile(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := l.fs.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := l.fs.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

// TrialRow is one row of the trials table.
type TrialRow struct {
	RunID        string   `json:"run_id"`
	TrialIdx     int      `json:"trial_idx"`
	OnsetTime    string   `json:"onset_time"`
	Stimulus     string   `json:"stimulus"`
	GroundTruth  int      `json:"ground_truth"`
	State        string   `json:"state"`
	Frames       int      `json:"n_frames"`
	WindowFrames int      `json:"n_window"`
	WindowClosed bool     `json:"window_closed"`
	CloseReason  string   `json:"close_reason,omitempty"`
	Probability  *float64 `json:"decoding_prob,omitempty"`
	DecodingMS   *float64 `json:"decoding_ms,omitempty"`
}

// Trials lists the trials of this run in index order.
func (l *Logger) Trials() ([]TrialRow, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return queryTrials(l.db, l.runID)
}

// ReadTrials opens a finished run database and lists the trials of every
// run it holds.
func ReadTrials(dbPath string) ([]TrialRow, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	defer db.Close()
	return queryTrials(db, "")
}

func queryTrials(db *sql.DB, runID string) ([]TrialRow, error) {
	q := `SELECT run_id, trial_idx, onset_time, COALESCE(stimulus, ''), ground_truth, state,
		n_frames, n_window, window_closed, COALESCE(close_reason, ''), decoding_prob, decoding_ms
		FROM trials`
	var args []any
	if runID != "" {
		q += ` WHERE run_id = ?`
		args = append(args, runID)
	}
	q += ` ORDER BY run_id, trial_idx`

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("query trials: %w", err)
	}
	defer rows.Close()

	var out []TrialRow
	for rows.Next() {
		var r TrialRow
		var prob, took sql.NullFloat64
		if err := rows.Scan(&r.RunID, &r.TrialIdx, &r.OnsetTime, &r.Stimulus, &r.GroundTruth, &r.State,
			&r.Frames, &r.WindowFrames, &r.WindowClosed, &r.CloseReason, &prob, &took); err != nil {
			return nil, fmt.Errorf("scan trial: %w", err)
		}
		if prob.Valid {
			r.Probability = &prob.Float64
		}
		if took.Valid {
			r.DecodingMS = &took.Float64
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
