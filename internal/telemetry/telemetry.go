// Package telemetry wires structured logging, tracing, and metrics export
// for the EventSub/Helix cores (SPEC_FULL.md §10.1, §11).
//
// It plays the role the teacher's internal/defaults.metricsModule stub
// leaves empty (Name/Init/Health/Shutdown/Export all no-ops): where that
// stub satisfies registry.Module and ports.MetricsExporter without doing
// anything, Provider actually constructs the OTel SDK pipelines (tracer,
// meter, slog-bridged logger) and implements ports.Recorder so
// internal/helix and internal/wsclient/internal/webhook can record spans
// and domain metrics through it without depending on the OTel SDK
// themselves.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelslog"

	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otelmetric "go.opentelemetry.io/otel/metric"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kaedren/twitchsub/internal/config"
)

const instrumentationName = "github.com/kaedren/twitchsub"

// Provider is the module's OpenTelemetry composition root. The zero value
// is not usable; build one with New. A Provider with no OTLP endpoint
// configured still builds working in-process tracer/meter providers (so
// SetRecorder callers get real span/metric bookkeeping) and a local-only
// slog handler; it simply never calls out over the network.
type Provider struct {
	Logger *slog.Logger
	Tracer trace.Tracer

	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	loggerProvider *sdklog.LoggerProvider
	promExporter   *otelprometheus.Exporter

	// promRegistry is a private registry, not promclient.DefaultRegisterer:
	// a process that builds more than one Provider (tests, multiple
	// clients) must not collide on the global default.
	promRegistry *promclient.Registry

	activeSubscriptions otelmetric.Int64UpDownCounter
	reconnects          otelmetric.Int64Counter
	rateLimitRemaining  otelmetric.Int64Gauge
}

// New builds a Provider from cfg. When cfg.OTLPEndpoint is empty, tracing
// and logging stay local (an in-process sampler-always tracer provider,
// and a plain text slog handler on stderr); the Prometheus meter pipeline
// is always built, since scraping requires no remote collector.
func New(ctx context.Context, cfg config.TelemetryConfig) (*Provider, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build telemetry resource: %w", err)
	}

	p := &Provider{}

	if err := p.initTracing(ctx, cfg, res); err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	if err := p.initMetrics(ctx, cfg, res); err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}
	if err := p.initLogging(ctx, cfg, res); err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}

	p.Tracer = p.tracerProvider.Tracer(instrumentationName)

	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("init instruments: %w", err)
	}

	return p, nil
}

func (p *Provider) initTracing(ctx context.Context, cfg config.TelemetryConfig, res *resource.Resource) error {
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	}

	if cfg.OTLPEndpoint != "" {
		exporter, err := otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(cfg.OTLPEndpoint),
			otlptracehttp.WithInsecure(),
		)
		if err != nil {
			return err
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	p.tracerProvider = sdktrace.NewTracerProvider(opts...)
	return nil
}

func (p *Provider) initMetrics(ctx context.Context, cfg config.TelemetryConfig, res *resource.Resource) error {
	p.promRegistry = promclient.NewRegistry()

	promExporter, err := otelprometheus.New(otelprometheus.WithRegisterer(p.promRegistry))
	if err != nil {
		return err
	}
	p.promExporter = promExporter

	opts := []sdkmetric.Option{
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExporter),
	}

	if cfg.OTLPEndpoint != "" {
		exporter, err := otlpmetrichttp.New(ctx,
			otlpmetrichttp.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetrichttp.WithInsecure(),
		)
		if err != nil {
			return err
		}
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)))
	}

	p.meterProvider = sdkmetric.NewMeterProvider(opts...)
	return nil
}

func (p *Provider) initLogging(ctx context.Context, cfg config.TelemetryConfig, res *resource.Resource) error {
	var base slog.Handler = slog.NewTextHandler(os.Stderr, nil)

	if cfg.OTLPEndpoint != "" {
		exporter, err := otlploghttp.New(ctx,
			otlploghttp.WithEndpoint(cfg.OTLPEndpoint),
			otlploghttp.WithInsecure(),
		)
		if err != nil {
			return err
		}

		p.loggerProvider = sdklog.NewLoggerProvider(
			sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter)),
			sdklog.WithResource(res),
		)

		bridged := otelslog.NewHandler(cfg.ServiceName, otelslog.WithLoggerProvider(p.loggerProvider))
		base = fanoutHandler{local: base, bridge: bridged}
	}

	p.Logger = slog.New(base)
	return nil
}

func (p *Provider) initInstruments() error {
	meter := p.meterProvider.Meter(instrumentationName)

	var err error
	p.activeSubscriptions, err = meter.Int64UpDownCounter(
		"twitchsub.eventsub.active_subscriptions",
		otelmetric.WithDescription("Currently active EventSub subscriptions (WebSocket and webhook combined)"),
	)
	if err != nil {
		return err
	}

	p.reconnects, err = meter.Int64Counter(
		"twitchsub.eventsub.reconnects",
		otelmetric.WithDescription("WebSocket sessions reopened after an unplanned or server-requested close"),
	)
	if err != nil {
		return err
	}

	p.rateLimitRemaining, err = meter.Int64Gauge(
		"twitchsub.helix.rate_limit_remaining",
		otelmetric.WithDescription("Remaining Helix rate-limit budget as of the most recent response"),
	)
	return err
}

// StartSpan implements ports.Recorder.
func (p *Provider) StartSpan(ctx context.Context, name string) (context.Context, func(error)) {
	ctx, span := p.Tracer.Start(ctx, name)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}

// IncActiveSubscriptions implements ports.Recorder.
func (p *Provider) IncActiveSubscriptions(delta int) {
	p.activeSubscriptions.Add(context.Background(), int64(delta))
}

// IncReconnects implements ports.Recorder.
func (p *Provider) IncReconnects() {
	p.reconnects.Add(context.Background(), 1)
}

// SetRateLimitRemaining implements ports.Recorder.
func (p *Provider) SetRateLimitRemaining(n int) {
	p.rateLimitRemaining.Record(context.Background(), int64(n))
}

// MetricsHandler returns an http.Handler serving the Prometheus exposition
// format for the metrics this Provider records. Mounting it is the
// caller's responsibility (hosting an HTTP server is a spec Non-goal for
// this module).
func (p *Provider) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(p.promRegistry, promhttp.HandlerOpts{})
}

// Attr is a convenience re-export so callers adding span attributes don't
// need a second OTel import for the common string case.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// Shutdown flushes and tears down every configured exporter. Safe to call
// on a Provider built with no OTLP endpoint.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error

	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if p.loggerProvider != nil {
		if err := p.loggerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("telemetry shutdown errors: %v", errs)
	}
	return nil
}

// fanoutHandler writes every record to both a local handler (so logs
// remain visible on stderr in development) and the OTel bridge handler
// (so they are also exported over OTLP). Grounded on the same
// "log locally, also ship it" shape as watchdog's echo request-logging
// middleware, generalized from HTTP access logs to every slog record.
type fanoutHandler struct {
	local  slog.Handler
	bridge slog.Handler
}

func (f fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return f.local.Enabled(ctx, level) || f.bridge.Enabled(ctx, level)
}

func (f fanoutHandler) Handle(ctx context.Context, record slog.Record) error {
	if err := f.local.Handle(ctx, record.Clone()); err != nil {
		return err
	}
	return f.bridge.Handle(ctx, record.Clone())
}

func (f fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return fanoutHandler{local: f.local.WithAttrs(attrs), bridge: f.bridge.WithAttrs(attrs)}
}

func (f fanoutHandler) WithGroup(name string) slog.Handler {
	return fanoutHandler{local: f.local.WithGroup(name), bridge: f.bridge.WithGroup(name)}
}
