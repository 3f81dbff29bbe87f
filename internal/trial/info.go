package trial

import (
	"time"

	"github.com/banshee-data/rtdecnef/internal/frame"
)

// Info is a point-in-time summary of a trial for logging.
type Info struct {
	Index        int           `json:"trial_idx"`
	Stimulus     string        `json:"stimulus"`
	GroundTruth  int           `json:"ground_truth"`
	OnsetTime    time.Time     `json:"onset_time"`
	State        State         `json:"state"`
	WindowClosed bool          `json:"window_closed"`
	CloseReason  CloseReason   `json:"close_reason,omitempty"`
	Frames       int           `json:"n_frames"`
	WindowFrames int           `json:"n_window_frames"`
	Decoded      bool          `json:"decoded"`
	Probability  *float64      `json:"decoding_prob,omitempty"`
	DecodingTime time.Duration `json:"decoding_time_ns,omitempty"`
}

// Snapshot is the full persisted form of a trial.
type Snapshot struct {
	Info
	Outcome *Outcome      `json:"outcome,omitempty"`
	Frames  []frame.Frame `json:"frames"`
}

// Info summarizes the trial.
func (t *Trial) Info() Info {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.infoLocked()
}

func (t *Trial) infoLocked() Info {
	info := Info{
		Index:        t.Index,
		Stimulus:     t.Stimulus,
		GroundTruth:  t.GroundTruth,
		OnsetTime:    t.OnsetTime,
		State:        t.stateLocked(),
		WindowClosed: t.closed,
		CloseReason:  t.reason,
		Frames:       len(t.frames),
		WindowFrames: len(t.window),
		Decoded:      t.decoded,
	}
	if t.decoded {
		p := t.outcome.Probability
		info.Probability = &p
		info.DecodingTime = t.outcome.Duration
	}
	return info
}

// Snapshot copies the whole trial.
func (t *Trial) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Snapshot{Info: t.infoLocked(), Frames: copyFrames(t.frames)}
	if t.decoded {
		o := t.outcome
		s.Outcome = &o
	}
	return s
}
