package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/rtdecnef/internal/decoding"
	"github.com/banshee-data/rtdecnef/internal/frame"
	"github.com/banshee-data/rtdecnef/internal/session/protocol"
	"github.com/banshee-data/rtdecnef/internal/timeseries"
	"github.com/banshee-data/rtdecnef/internal/timeutil"
	"github.com/banshee-data/rtdecnef/internal/transform"
	"github.com/banshee-data/rtdecnef/internal/trial"
	"github.com/banshee-data/rtdecnef/internal/watcher"
)

type fakeSource struct{ ch chan watcher.Located }

func (s *fakeSource) Await(ctx context.Context, index int) (watcher.Located, error) {
	select {
	case loc := <-s.ch:
		if loc.Index != index {
			return watcher.Located{}, fmt.Errorf("got frame %d, want %d", loc.Index, index)
		}
		return loc, nil
	case <-ctx.Done():
		return watcher.Located{}, ctx.Err()
	}
}

type indexTransform struct{ failAt int }

func (x indexTransform) Transform(_ context.Context, in transform.Input) (transform.Output, error) {
	var idx int
	if _, err := fmt.Sscanf(in.FramePath, "frame-%d", &idx); err != nil {
		return transform.Output{}, err
	}
	if idx == x.failAt {
		return transform.Output{}, &transform.Error{Op: "read", Path: in.FramePath, Err: errors.New("corrupt")}
	}
	v := float64(idx)
	return transform.Output{Vector: []float64{v, float64(idx*idx%7) + 0.5, 10 - v}}, nil
}

type constClassifier struct{ probs []float64 }

func (c constClassifier) PredictProba([]float64) ([]float64, error) { return c.probs, nil }
func (c constClassifier) NumClasses() int                          { return len(c.probs) }

type memRecorder struct {
	mu      sync.Mutex
	frames  []frame.Frame
	updates []frame.Frame
	trials  map[int]trial.Snapshot
}

func (r *memRecorder) Record(f frame.Frame, _ *trial.Info) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
	return nil
}

func (r *memRecorder) Update(f frame.Frame, _ *trial.Info) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, f)
	return nil
}

func (r *memRecorder) RecordTrial(s trial.Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.trials == nil {
		r.trials = make(map[int]trial.Snapshot)
	}
	r.trials[s.Index] = s
	return nil
}

func (r *memRecorder) frameCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func (r *memRecorder) trial(idx int) (trial.Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.trials[idx]
	return s, ok
}

type harness struct {
	t         *testing.T
	t0        time.Time
	src       *fakeSource
	rec       *memRecorder
	sess      *Session
	client    *protocol.Client
	responses chan protocol.Response
	done      chan error
	cancel    context.CancelFunc
}

type harnessOptions struct {
	decoding    decoding.Mode
	notifyPhase bool
	failAt      int
}

func newHarness(t *testing.T, o harnessOptions) *harness {
	t.Helper()
	if o.decoding == "" {
		o.decoding = decoding.AverageProbabilities
	}
	t0 := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	clock := timeutil.NewMockClock(t0)

	ts, err := timeseries.New(timeseries.ToTimeseries, timeseries.WithClock(clock))
	require.NoError(t, err)
	engine, err := decoding.New(o.decoding, constClassifier{probs: []float64{0.3, 0.7}}, decoding.WithClock(clock))
	require.NoError(t, err)

	server, peer := net.Pipe()
	h := &harness{
		t:         t,
		t0:        t0,
		src:       &fakeSource{ch: make(chan watcher.Located)},
		rec:       &memRecorder{},
		client:    protocol.NewClient(peer),
		responses: make(chan protocol.Response, 64),
		done:      make(chan error, 1),
	}
	h.sess, err = New(Runtime{
		Settings: Settings{
			Layout: frame.Layout{FirstIndex: 1, HeatupFrames: 1, BaselineFrames: 2},
			Trial: trial.Config{
				TR:     2 * time.Second,
				Window: trial.Window{Onset: 5 * time.Second, Offset: 11 * time.Second},
			},
			NotifyPhase: o.notifyPhase,
		},
		Source:     h.src,
		Transform:  indexTransform{failAt: o.failAt},
		Timeseries: ts,
		Decoder:    engine,
		Channel:    protocol.NewChannel(server),
		Log:        h.rec,
		Clock:      clock,
	})
	require.NoError(t, err)

	go func() {
		for {
			r, err := h.client.Receive()
			if err != nil {
				close(h.responses)
				return
			}
			h.responses <- r
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.sess.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		h.client.Close()
	})
	return h
}

func (h *harness) frame(index int, offset time.Duration) {
	h.t.Helper()
	select {
	case h.src.ch <- watcher.Located{Index: index, Path: fmt.Sprintf("frame-%d", index), ArrivalTime: h.t0.Add(offset)}:
	case <-time.After(2 * time.Second):
		h.t.Fatalf("session did not take frame %d", index)
	}
}

func (h *harness) waitFrames(n int) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.rec.frameCount() >= n }, 2*time.Second, 5*time.Millisecond)
}

func (h *harness) next() protocol.Response {
	h.t.Helper()
	select {
	case r, ok := <-h.responses:
		require.True(h.t, ok, "connection closed")
		return r
	case <-time.After(2 * time.Second):
		h.t.Fatal("no response")
	}
	return protocol.Response{}
}

func (h *harness) expectTokens(tokens ...string) {
	h.t.Helper()
	for _, tok := range tokens {
		r := h.next()
		assert.True(h.t, r.Is(tok), "got %s, want %s", r, tok)
	}
}

func (h *harness) expectProbability(want float64) {
	h.t.Helper()
	r := h.next()
	v, ok := r.Value()
	require.True(h.t, ok, "got %s, want a probability", r)
	assert.InDelta(h.t, want, v, 1e-9)
}

func (h *harness) expectSilence(d time.Duration) {
	h.t.Helper()
	select {
	case r := <-h.responses:
		h.t.Fatalf("unexpected response %s", r)
	case <-time.After(d):
	}
}

func (h *harness) send(req protocol.Request) {
	h.t.Helper()
	require.NoError(h.t, h.client.Send(req))
}

func (h *harness) wait() error {
	h.t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(3 * time.Second):
		h.t.Fatal("session did not stop")
	}
	return nil
}

// prelude feeds the heatup and baseline frames before any trial.
func (h *harness) prelude() {
	h.frame(1, -6*time.Second)
	h.frame(2, -4*time.Second)
	h.frame(3, -2*time.Second)
	h.waitFrames(3)
}

func TestSession_FeedbackBlocksUntilWindowCloses(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.prelude()

	h.send(protocol.Onset(1, 1, "apple"))
	h.expectTokens(protocol.TokenOK)
	h.send(protocol.Request{Type: protocol.FeedbackStart})

	h.frame(4, 2*time.Second)
	h.frame(5, 4*time.Second)
	h.frame(6, 6*time.Second)
	h.frame(7, 8*time.Second)
	h.waitFrames(7)
	h.expectSilence(100 * time.Millisecond)

	// 10s + TR passes the 11s offset.
	h.frame(8, 10*time.Second)
	h.expectProbability(0.7)
	h.expectTokens(protocol.TokenOK)

	cur := h.sess.CurrentTrial()
	require.NotNil(t, cur)
	var inWindow []int
	for _, f := range cur.WindowFrames() {
		inWindow = append(inWindow, f.Index)
	}
	assert.Equal(t, []int{6, 7, 8}, inWindow)
	assert.Equal(t, trial.StateDecoded, cur.State())

	h.send(protocol.Request{Type: protocol.EndRun})
	h.expectTokens(protocol.TokenOK)
	require.NoError(t, h.wait())

	snap, ok := h.rec.trial(1)
	require.True(t, ok)
	require.NotNil(t, snap.Outcome)
	assert.InDelta(t, 0.7, snap.Outcome.Probability, 1e-9)
	assert.Equal(t, []int{6, 7, 8}, snap.Outcome.FrameIndices)
	assert.Equal(t, 8, h.rec.frameCount())
}

func TestSession_FramesBeforeOnsetHaveNoTrial(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.prelude()

	h.rec.mu.Lock()
	for _, f := range h.rec.frames {
		assert.Nil(t, f.Elapsed, "frame %d", f.Index)
		assert.True(t, f.Prepared)
		assert.Nil(t, f.Preprocessed)
	}
	h.rec.mu.Unlock()

	h.send(protocol.Request{Type: protocol.EndRun})
	h.expectTokens(protocol.TokenOK)
	require.NoError(t, h.wait())
}

func TestSession_FeedbackWithoutTrial(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.send(protocol.Request{Type: protocol.FeedbackStart})
	h.expectTokens(protocol.TokenError, protocol.TokenOK)

	h.send(protocol.Request{Type: protocol.EndRun})
	h.expectTokens(protocol.TokenOK)
	require.NoError(t, h.wait())
}

func TestSession_MalformedRequestsAreIgnored(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	require.NoError(t, h.client.SendRaw([]byte(`garbage`)))
	require.NoError(t, h.client.SendRaw([]byte(`{"request_type":"dance"}`)))
	require.NoError(t, h.client.SendRaw([]byte(`{"request_type":"trial_onset","trial_idx":1}`)))
	assert.Nil(t, h.sess.CurrentTrial())

	require.NoError(t, h.client.SendRaw([]byte(`{"request_type":"exp_run_end"}`)))
	h.expectTokens(protocol.TokenOK)
	require.NoError(t, h.wait())
}

func TestSession_PhaseNotifications(t *testing.T) {
	h := newHarness(t, harnessOptions{notifyPhase: true})
	h.frame(1, 0)
	h.frame(2, 2*time.Second)
	h.expectTokens(protocol.TokenHeatupDone)
	h.frame(3, 4*time.Second)
	h.waitFrames(3)
	h.expectSilence(50 * time.Millisecond)
	h.frame(4, 6*time.Second)
	h.expectTokens(protocol.TokenBaselineDone)

	h.send(protocol.Request{Type: protocol.EndRun})
	h.expectTokens(protocol.TokenOK)
	require.NoError(t, h.wait())
}

func TestSession_OnsetSupersedesTrial(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.prelude()

	h.send(protocol.Onset(1, 1, "apple"))
	h.expectTokens(protocol.TokenOK)
	h.frame(4, 6*time.Second)
	h.waitFrames(4)

	h.send(protocol.Onset(2, 0, "pear"))
	h.expectTokens(protocol.TokenOK)

	require.Eventually(t, func() bool {
		s, ok := h.rec.trial(1)
		return ok && s.CloseReason == trial.ReasonSuperseded
	}, 2*time.Second, 5*time.Millisecond)
	snap, _ := h.rec.trial(1)
	assert.True(t, snap.WindowClosed)
	assert.Equal(t, 1, snap.WindowFrames)

	// Decoding the superseded trial is no longer possible through the
	// peer, but the new trial receives the next frame.
	h.frame(5, 8*time.Second)
	h.waitFrames(5)
	require.Eventually(t, func() bool {
		s, ok := h.rec.trial(2)
		return ok && s.Info.Frames == 1
	}, 2*time.Second, 5*time.Millisecond)

	h.send(protocol.Request{Type: protocol.EndRun})
	h.expectTokens(protocol.TokenOK)
	require.NoError(t, h.wait())

	snap, ok := h.rec.trial(2)
	require.True(t, ok)
	assert.Equal(t, trial.ReasonSessionEnd, snap.CloseReason)
}

func TestSession_DynamicStreamsEachFrame(t *testing.T) {
	h := newHarness(t, harnessOptions{decoding: decoding.Dynamic})
	h.prelude()

	h.send(protocol.Onset(1, 1, "apple"))
	h.expectTokens(protocol.TokenOK)
	h.send(protocol.Request{Type: protocol.FeedbackStart})

	h.frame(4, 6*time.Second)
	h.expectProbability(0.7)
	h.frame(5, 8*time.Second)
	h.expectProbability(0.7)
	h.frame(6, 10*time.Second)
	h.expectProbability(0.7)
	h.expectTokens(protocol.TokenOK)

	h.rec.mu.Lock()
	assert.Len(t, h.rec.updates, 3)
	h.rec.mu.Unlock()

	h.send(protocol.Request{Type: protocol.EndRun})
	h.expectTokens(protocol.TokenOK)
	require.NoError(t, h.wait())
}

func TestSession_DynamicOverlappingRequestsShareOneStream(t *testing.T) {
	h := newHarness(t, harnessOptions{decoding: decoding.Dynamic})
	h.prelude()

	h.send(protocol.Onset(1, 1, "apple"))
	h.expectTokens(protocol.TokenOK)
	h.send(protocol.Request{Type: protocol.FeedbackStart})
	h.send(protocol.Request{Type: protocol.FeedbackStart})

	h.frame(4, 6*time.Second)
	h.expectProbability(0.7)
	h.frame(5, 8*time.Second)
	h.expectProbability(0.7)
	h.frame(6, 10*time.Second)
	h.expectProbability(0.7)

	// The streaming reply ends with ok; the overlapping one gets the cached
	// window outcome and ok in one unit, in either order.
	var probs, oks int
	var tail []protocol.Response
	for i := 0; i < 3; i++ {
		r := h.next()
		tail = append(tail, r)
		if v, ok := r.Value(); ok {
			probs++
			assert.InDelta(t, 0.7, v, 1e-9)
			continue
		}
		require.True(t, r.Is(protocol.TokenOK), "got %s", r)
		oks++
	}
	assert.Equal(t, 1, probs)
	assert.Equal(t, 2, oks)
	assert.True(t, tail[2].Is(protocol.TokenOK))
	h.expectSilence(50 * time.Millisecond)

	h.rec.mu.Lock()
	assert.Len(t, h.rec.updates, 3, "each window frame is decoded once")
	h.rec.mu.Unlock()
	require.Eventually(t, func() bool {
		snap, ok := h.rec.trial(1)
		return ok && snap.Outcome != nil
	}, 2*time.Second, 5*time.Millisecond)
	snap, _ := h.rec.trial(1)
	assert.Equal(t, []int{4, 5, 6}, snap.Outcome.FrameIndices)
	assert.InDelta(t, 0.7, snap.Outcome.Probability, 1e-9)

	h.send(protocol.Request{Type: protocol.EndRun})
	h.expectTokens(protocol.TokenOK)
	require.NoError(t, h.wait())
}

func TestSession_TransformFailureIsFatal(t *testing.T) {
	h := newHarness(t, harnessOptions{failAt: 2})
	h.frame(1, 0)
	h.frame(2, 2*time.Second)

	err := h.wait()
	assert.ErrorIs(t, err, transform.ErrTransform)
}

func TestSession_PeerGone(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.client.Close()
	assert.ErrorIs(t, h.wait(), ErrPeerGone)
}

func TestSession_Cancelled(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.cancel()
	assert.ErrorIs(t, h.wait(), context.Canceled)
}

func TestNew_MissingComponents(t *testing.T) {
	_, err := New(Runtime{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "frame source")
	assert.Contains(t, err.Error(), "decoding engine")
}
