// Package ratelimit implements the rate-limit manager (spec.md §4.3): one
// instance per Helix client, tracking the Ratelimit-* response headers and
// computing backoff for 429 responses.
//
// Grounded on the exponential-backoff shape of the twitch-client.go example
// (doRequest's attempt-indexed `baseDelay * 2^attempt`), simplified to
// spec.md's exact deterministic formula — no jitter, since the spec pins
// the formula precisely (§4.3 `onRateLimitHit`).
package ratelimit

import (
	"log/slog"
	"sync"
	"time"

	"github.com/kaedren/twitchsub/core/domain"
	"github.com/kaedren/twitchsub/core/ports"
)

const (
	warningCooldown = 60 * time.Second
	baseBackoffMs   = 1000
	maxBackoffMs    = 30000
	maxBackoffShift = 5
)

// Manager tracks rate-limit state and computes retry backoff per spec.md
// §4.3. The zero value is not usable; construct with New.
type Manager struct {
	mu     sync.Mutex
	logger *slog.Logger
	now    func() time.Time

	state          domain.RateLimitState
	haveState      bool
	lastLowWarning time.Time
	lastHitWarning time.Time
}

// New creates a Manager. now defaults to time.Now when nil (tests may
// inject a fake clock).
func New(logger *slog.Logger, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{logger: logger, now: now}
}

// OnRequestAttempt updates tracked state from response rate-limit headers.
// If remaining drops below limit/10, it issues a throttled warning (at most
// once per 60s).
func (m *Manager) OnRequestAttempt(headers ports.RateLimitHeaders) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state.Limit = headers.Limit
	m.state.Remaining = headers.Remaining
	m.state.ResetAtUnixMs = headers.Reset * 1000
	m.haveState = true

	if headers.Limit > 0 && headers.Remaining < headers.Limit/10 {
		now := m.now()
		if now.Sub(m.lastLowWarning) >= warningCooldown {
			m.lastLowWarning = now
			m.logger.Warn("helix rate limit running low",
				slog.Int("remaining", headers.Remaining),
				slog.Int("limit", headers.Limit),
			)
		}
	}
}

// OnRateLimitHit increments the consecutive-hit counter and returns how
// long the caller must wait before retrying, per spec.md §4.3:
// max(resetAt-now, min(1000*2^min(hits-1,5), 30000)).
func (m *Manager) OnRateLimitHit() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state.ConsecutiveHits++
	if m.state.ConsecutiveHits == 1 {
		m.logger.Warn("helix rate limit hit", slog.Int("consecutive_hits", m.state.ConsecutiveHits))
	}

	shift := m.state.ConsecutiveHits - 1
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	exp := baseBackoffMs * (1 << uint(shift))
	if exp > maxBackoffMs {
		exp = maxBackoffMs
	}

	nowMs := m.now().UnixMilli()
	fromReset := m.state.ResetAtUnixMs - nowMs

	waitMs := int64(exp)
	if fromReset > waitMs {
		waitMs = fromReset
	}
	if waitMs < 0 {
		waitMs = 0
	}

	return time.Duration(waitMs) * time.Millisecond
}

// OnSuccessfulRequest resets the consecutive-hit counter.
func (m *Manager) OnSuccessfulRequest() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.ConsecutiveHits = 0
}

// GetRateLimitState returns a snapshot copy of the tracked state.
func (m *Manager) GetRateLimitState() domain.RateLimitState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}
