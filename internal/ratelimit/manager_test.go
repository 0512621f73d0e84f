package ratelimit

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaedren/twitchsub/core/ports"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOnRequestAttemptUpdatesState(t *testing.T) {
	now := time.Unix(1000, 0)
	m := New(testLogger(), func() time.Time { return now })

	m.OnRequestAttempt(ports.RateLimitHeaders{Limit: 800, Remaining: 799, Reset: 1060})

	state := m.GetRateLimitState()
	assert.Equal(t, 800, state.Limit)
	assert.Equal(t, 799, state.Remaining)
	assert.EqualValues(t, 1060000, state.ResetAtUnixMs)
}

func TestOnRateLimitHitBackoffFormula(t *testing.T) {
	now := time.Unix(1000, 0)
	m := New(testLogger(), func() time.Time { return now })

	// resetAt already reached (resetAt-now = 0): exponential term dominates.
	m.OnRequestAttempt(ports.RateLimitHeaders{Limit: 800, Remaining: 0, Reset: 1000})

	wait := m.OnRateLimitHit() // hits=1 -> 1000*2^0 = 1000ms
	assert.Equal(t, 1000*time.Millisecond, wait)

	wait = m.OnRateLimitHit() // hits=2 -> 1000*2^1 = 2000ms
	assert.Equal(t, 2000*time.Millisecond, wait)

	wait = m.OnRateLimitHit() // hits=3 -> 4000ms
	assert.Equal(t, 4000*time.Millisecond, wait)

	wait = m.OnRateLimitHit() // hits=4 -> 8000ms
	assert.Equal(t, 8000*time.Millisecond, wait)

	wait = m.OnRateLimitHit() // hits=5 -> 16000ms
	assert.Equal(t, 16000*time.Millisecond, wait)

	wait = m.OnRateLimitHit() // hits=6 -> shift capped at 5 -> 32000 capped to 30000ms
	assert.Equal(t, 30000*time.Millisecond, wait)

	wait = m.OnRateLimitHit() // hits=7 -> still capped at 30000ms
	assert.Equal(t, 30000*time.Millisecond, wait)
}

func TestOnRateLimitHitRespectsResetAt(t *testing.T) {
	now := time.Unix(1000, 0)
	m := New(testLogger(), func() time.Time { return now })

	// resetAt is 50s out, far beyond the first exponential term (1000ms).
	m.OnRequestAttempt(ports.RateLimitHeaders{Limit: 800, Remaining: 0, Reset: 1050})

	wait := m.OnRateLimitHit()
	assert.Equal(t, 50*time.Second, wait)
}

func TestOnSuccessfulRequestResetsHits(t *testing.T) {
	now := time.Unix(1000, 0)
	m := New(testLogger(), func() time.Time { return now })
	m.OnRequestAttempt(ports.RateLimitHeaders{Limit: 800, Remaining: 0, Reset: 1000})

	m.OnRateLimitHit()
	m.OnRateLimitHit()
	require.Equal(t, 2, m.GetRateLimitState().ConsecutiveHits)

	m.OnSuccessfulRequest()
	assert.Equal(t, 0, m.GetRateLimitState().ConsecutiveHits)
}

func TestOnRequestAttemptLowRemainingWarningThrottled(t *testing.T) {
	now := time.Unix(1000, 0)
	m := New(testLogger(), func() time.Time { return now })

	// Remaining below limit/10 triggers a warning path; cooldown logic is
	// exercised for coverage, not observed directly (logger has no spy
	// here), but must not panic or block.
	m.OnRequestAttempt(ports.RateLimitHeaders{Limit: 800, Remaining: 10, Reset: 1000})
	m.OnRequestAttempt(ports.RateLimitHeaders{Limit: 800, Remaining: 5, Reset: 1000})

	assert.Equal(t, 5, m.GetRateLimitState().Remaining)
}
