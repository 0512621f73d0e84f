package helix

import (
	"context"
	"time"

	"github.com/kaedren/twitchsub/core/domain"
)

// SystemClock is the production ports.Clock: real wall time, and a Sleep
// that honors both ctx cancellation and the per-call cancel channel
// (spec.md §5 "Cancellation"). The zero value is ready to use.
type SystemClock struct{}

// Now implements ports.Clock.
func (SystemClock) Now() time.Time { return time.Now() }

// Sleep implements ports.Clock. cancel may be nil, in which case only ctx
// cancellation can interrupt the wait.
func (SystemClock) Sleep(ctx context.Context, d time.Duration, cancel <-chan struct{}) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-cancel:
		return domain.ErrCancelled
	}
}
