package session

import (
	"context"

	"github.com/banshee-data/rtdecnef/internal/decoding"
	"github.com/banshee-data/rtdecnef/internal/monitoring"
	"github.com/banshee-data/rtdecnef/internal/session/protocol"
	"github.com/banshee-data/rtdecnef/internal/trial"
)

// decode answers one feedback_start for t. Batch modes send the trial
// probability; the dynamic mode sends one probability per window frame.
// Either way the reply ends with "ok", preceded by "error" when nothing
// could be decoded. The final value and its "ok" go out in one Send.
func (s *Session) decode(ctx context.Context, t *trial.Trial) {
	if s.rt.Decoder.Mode() == decoding.Dynamic {
		s.stream(ctx, t)
		return
	}
	log := monitoring.WithTrial(t.Index)

	o, err := s.rt.Decoder.Decode(ctx, t)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.WithError(err).Error("decoding failed")
		s.send(protocol.Token(protocol.TokenError), protocol.OK())
		s.persistTrial(t)
		return
	}
	s.send(protocol.Probability(o.Probability), protocol.OK())
	s.persistTrial(t)
}

func (s *Session) stream(ctx context.Context, t *trial.Trial) {
	log := monitoring.WithTrial(t.Index)

	results, err := s.rt.Decoder.Stream(ctx, t)
	if err != nil {
		log.WithError(err).Error("decoding failed")
		s.send(protocol.Token(protocol.TokenError), protocol.OK())
		return
	}

	sent := 0
	for res := range results {
		if res.Err != nil {
			log.WithError(res.Err).Warn("frame decoding failed")
			continue
		}
		s.send(protocol.Probability(res.Probability))
		sent++
		info := t.Info()
		if err := s.rt.Log.Update(res.Frame, &info); err != nil {
			log.WithError(err).Warn("recording frame decode")
		}
	}
	if ctx.Err() != nil {
		return
	}
	if sent > 0 {
		s.send(protocol.OK())
		s.persistTrial(t)
		return
	}
	// A repeated or overlapping request gets the outcome of the stream that
	// decoded the window.
	if o, ok := t.Outcome(); ok {
		s.send(protocol.Probability(o.Probability), protocol.OK())
	} else {
		log.WithError(decoding.ErrEmptyWindow).Error("decoding failed")
		s.send(protocol.Token(protocol.TokenError), protocol.OK())
	}
	s.persistTrial(t)
}
