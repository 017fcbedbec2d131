package ambient

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
)

// Readiness is the outcome of waiting for a handle to report its length.
// Exactly one of Duration > 0 or TimedOut holds.
type Readiness struct {
	Duration time.Duration
	TimedOut bool
}

// AwaitDuration polls h until it is loaded with a known duration. It makes
// at most attempts polls, sleeping backoff*n after the n-th miss. The error
// is non-nil only when ctx ends first.
func AwaitDuration(ctx context.Context, clock clockwork.Clock, h Handle, attempts int, backoff time.Duration) (Readiness, error) {
	if attempts < 1 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		if st := h.Status(); st.IsLoaded && st.Duration > 0 {
			return Readiness{Duration: st.Duration}, nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return Readiness{}, ctx.Err()
		case <-clock.After(backoff * time.Duration(i+1)):
		}
	}
	return Readiness{TimedOut: true}, nil
}
