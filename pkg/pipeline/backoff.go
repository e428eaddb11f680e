package pipeline

import (
	"context"
	"math/rand/v2"
	"time"
)

// BackoffDelay computes the sleep before retry attempt i (1-based):
// base * 2^(i-1) * (1 + rand[0, 0.3)). The jitter keeps concurrent workers
// from retrying in lockstep.
func BackoffDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base << (attempt - 1)
	jitter := 1 + rand.Float64()*0.3
	return time.Duration(float64(d) * jitter)
}

// Sleep waits for d or until ctx is cancelled, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
