package runlog

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/banshee-data/rtdecnef/internal/frame"
	"github.com/banshee-data/rtdecnef/internal/trial"
)

// Record inserts the row of a processed frame. t describes the trial the
// frame was assigned to, or is nil.
func (l *Logger) Record(f frame.Frame, t *trial.Info) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var (
		trialIdx, groundTruth sql.NullInt64
		onset, stimulus       sql.NullString
	)
	if t != nil {
		trialIdx = sql.NullInt64{Int64: int64(t.Index), Valid: true}
		groundTruth = sql.NullInt64{Int64: int64(t.GroundTruth), Valid: true}
		onset = sql.NullString{String: formatTime(t.OnsetTime), Valid: true}
		stimulus = sql.NullString{String: t.Stimulus, Valid: true}
	}
	_, err := l.db.Exec(`
		INSERT OR REPLACE INTO frame_events (run_id, frame_idx, phase, frame_path,
			arrival_time, elapsed_s, in_window, transform_ms, normalize_ms,
			trial_idx, trial_onset, stimulus, ground_truth,
			frame_prob, frame_decoding_ms, trial_prob, trial_decoding_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.runID, f.Index, f.Phase.String(), f.Path,
		formatTime(f.ArrivalTime), nullSeconds(f.Elapsed), f.InWindow, ms(f.Timings.Transform), ms(f.Timings.Normalize),
		trialIdx, onset, stimulus, groundTruth,
		nullFloat(f.DecodingProb), frameDecodingMS(f), trialProb(t), trialDecodingMS(t))
	if err != nil {
		return fmt.Errorf("record frame %d: %w", f.Index, err)
	}
	return l.exportCSV()
}

// Update amends the decode fields of a recorded frame and refreshes the
// trial fields of its row.
func (l *Logger) Update(f frame.Frame, t *trial.Info) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.db.Exec(`
		UPDATE frame_events SET
			elapsed_s = COALESCE(?, elapsed_s),
			in_window = ?,
			frame_prob = COALESCE(?, frame_prob),
			frame_decoding_ms = COALESCE(?, frame_decoding_ms),
			trial_prob = COALESCE(?, trial_prob),
			trial_decoding_ms = COALESCE(?, trial_decoding_ms)
		WHERE run_id = ? AND frame_idx = ?`,
		nullSeconds(f.Elapsed), f.InWindow, nullFloat(f.DecodingProb), frameDecodingMS(f),
		trialProb(t), trialDecodingMS(t), l.runID, f.Index)
	if err != nil {
		return fmt.Errorf("update frame %d: %w", f.Index, err)
	}
	return l.exportCSV()
}

// RecordTrial upserts the trial row, copies its per-frame and trial
// results onto the frame rows, and rewrites the trial's JSON snapshot.
func (l *Logger) RecordTrial(s trial.Snapshot) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO trials (run_id, trial_idx, onset_time, stimulus, ground_truth, state,
			n_frames, n_window, window_closed, close_reason, decoding_prob, decoding_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, trial_idx) DO UPDATE SET
			state = excluded.state,
			n_frames = excluded.n_frames,
			n_window = excluded.n_window,
			window_closed = excluded.window_closed,
			close_reason = excluded.close_reason,
			decoding_prob = excluded.decoding_prob,
			decoding_ms = excluded.decoding_ms`,
		l.runID, s.Index, formatTime(s.OnsetTime), s.Stimulus, s.GroundTruth, string(s.State),
		s.Info.Frames, s.Info.WindowFrames, s.WindowClosed, nullString(string(s.CloseReason)),
		trialProb(&s.Info), trialDecodingMS(&s.Info))
	if err != nil {
		return fmt.Errorf("record trial %d: %w", s.Index, err)
	}

	for _, f := range s.Frames {
		if f.DecodingProb == nil {
			continue
		}
		if _, err := tx.Exec(`
			UPDATE frame_events SET frame_prob = ?, frame_decoding_ms = COALESCE(?, frame_decoding_ms)
			WHERE run_id = ? AND frame_idx = ?`,
			*f.DecodingProb, frameDecodingMS(f), l.runID, f.Index); err != nil {
			return fmt.Errorf("record trial %d frame %d: %w", s.Index, f.Index, err)
		}
	}
	if s.Decoded {
		if _, err := tx.Exec(`
			UPDATE frame_events SET trial_prob = ?, trial_decoding_ms = ?
			WHERE run_id = ? AND trial_idx = ?`,
			trialProb(&s.Info), trialDecodingMS(&s.Info), l.runID, s.Index); err != nil {
			return fmt.Errorf("record trial %d result: %w", s.Index, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	if err := l.writeTrialJSON(s); err != nil {
		return err
	}
	return l.exportCSV()
}

func ms(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }

func nullSeconds(d *time.Duration) sql.NullFloat64 {
	if d == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: d.Seconds(), Valid: true}
}

func nullFloat(p *float64) sql.NullFloat64 {
	if p == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *p, Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func frameDecodingMS(f frame.Frame) sql.NullFloat64 {
	if f.DecodingProb == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: ms(f.DecodingTime), Valid: true}
}

func trialProb(t *trial.Info) sql.NullFloat64 {
	if t == nil {
		return sql.NullFloat64{}
	}
	return nullFloat(t.Probability)
}

func trialDecodingMS(t *trial.Info) sql.NullFloat64 {
	if t == nil || !t.Decoded {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: ms(t.DecodingTime), Valid: true}
}
