package transform

import (
	"context"
	"time"

	"github.com/banshee-data/rtdecnef/internal/monitoring"
	"github.com/banshee-data/rtdecnef/internal/timeutil"
)

// Retrying retries retryable failures of Next up to Retries extra times,
// waiting Backoff between attempts.
type Retrying struct {
	Next    Transformer
	Retries int
	Backoff time.Duration
	Clock   timeutil.Clock
}

func (r *Retrying) Transform(ctx context.Context, in Input) (Output, error) {
	for attempt := 0; ; attempt++ {
		out, err := r.Next.Transform(ctx, in)
		if err == nil {
			return out, nil
		}
		if !IsRetryable(err) || attempt >= r.Retries {
			return Output{}, err
		}
		monitoring.Logger().WithField("frame_path", in.FramePath).
			WithField("attempt", attempt+1).
			WithError(err).Debug("retrying frame transform")
		if err := timeutil.SleepContext(ctx, r.Clock, r.Backoff); err != nil {
			return Output{}, err
		}
	}
}
