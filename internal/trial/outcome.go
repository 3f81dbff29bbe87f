package trial

import (
	"time"

	"github.com/banshee-data/rtdecnef/internal/frame"
)

// Outcome is the decoding result of a trial.
type Outcome struct {
	// Probability is the ground-truth class probability fed back to the
	// participant.
	Probability float64 `json:"probability"`

	// FrameIndices, FrameProbabilities and FrameDurations hold per-frame
	// results for the strategies that classify frames individually.
	FrameIndices       []int           `json:"frame_indices,omitempty"`
	FrameProbabilities []float64       `json:"frame_probabilities,omitempty"`
	FrameDurations     []time.Duration `json:"frame_durations_ns,omitempty"`

	Duration time.Duration            `json:"duration_ns"`
	Timings  map[string]time.Duration `json:"timings,omitempty"`
}

// DecodeOnce runs fn the first time it is called on this trial and caches
// its result; later and concurrent callers receive the cached result without
// running fn. ran reports whether this call executed fn.
func (t *Trial) DecodeOnce(fn func() (Outcome, error)) (o Outcome, ran bool, err error) {
	t.decodeOnce.Do(func() {
		ran = true
		out, ferr := fn()
		if ferr != nil {
			t.mu.Lock()
			t.decodeErr = ferr
			t.mu.Unlock()
			return
		}
		t.MarkDecoded(out)
	})
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.outcome, ran, t.decodeErr
}

// Outcome returns the decoding result if the trial has been decoded.
func (t *Trial) Outcome() (Outcome, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.outcome, t.decoded
}

// ClaimFrame reserves the per-frame decode of index and reports whether the
// caller won it. Each frame is claimed at most once.
func (t *Trial) ClaimFrame(index int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.frameClaims[index] {
		return false
	}
	t.frameClaims[index] = true
	return true
}

// RecordFrameResult stores a per-frame decode on the assigned frame and
// returns the updated copy. The first result for a frame wins; ok is false
// when index is not assigned to this trial.
func (t *Trial) RecordFrameResult(index int, prob float64, took time.Duration) (f frame.Frame, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, fr := range t.frames {
		if fr.Index != index {
			continue
		}
		if fr.DecodingProb == nil {
			p := prob
			fr.DecodingProb = &p
			fr.DecodingTime = took
			t.notifyLocked()
		}
		return *fr, true
	}
	return frame.Frame{}, false
}

// MarkDecoded records the trial outcome, applies per-frame probabilities and
// decode durations to their frames and moves the trial to the decoded state. Only the first
// outcome is kept.
func (t *Trial) MarkDecoded(o Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.decoded {
		return
	}
	for i, idx := range o.FrameIndices {
		if i >= len(o.FrameProbabilities) {
			break
		}
		for _, fr := range t.frames {
			if fr.Index == idx && fr.DecodingProb == nil {
				p := o.FrameProbabilities[i]
				fr.DecodingProb = &p
				if i < len(o.FrameDurations) {
					fr.DecodingTime = o.FrameDurations[i]
				}
			}
		}
	}
	t.outcome = o
	t.decoded = true
	t.notifyLocked()
}
