package telemetry

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaedren/twitchsub/core/ports"
	"github.com/kaedren/twitchsub/internal/config"
)

func TestNewBuildsLocalProviderWithoutOTLPEndpoint(t *testing.T) {
	p, err := New(context.Background(), config.TelemetryConfig{ServiceName: "twitchsub-test"})
	require.NoError(t, err)
	require.NotNil(t, p.Logger)
	require.NotNil(t, p.Tracer)

	var _ ports.Recorder = p

	defer func() {
		assert.NoError(t, p.Shutdown(context.Background()))
	}()

	ctx, end := p.StartSpan(context.Background(), "test.span")
	assert.NotNil(t, ctx)
	end(nil)

	end2 := func() (context.Context, func(error)) { return p.StartSpan(context.Background(), "test.span.error") }
	_, endErr := end2()
	endErr(errors.New("boom"))

	p.IncActiveSubscriptions(1)
	p.IncActiveSubscriptions(-1)
	p.IncReconnects()
	p.SetRateLimitRemaining(42)
}

func TestMetricsHandlerServesPrometheusExposition(t *testing.T) {
	p, err := New(context.Background(), config.TelemetryConfig{ServiceName: "twitchsub-test"})
	require.NoError(t, err)
	defer p.Shutdown(context.Background())

	p.IncReconnects()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	p.MetricsHandler().ServeHTTP(rec, req)

	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "twitchsub_eventsub_reconnects")
}
