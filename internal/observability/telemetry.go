package observability

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/multierr"
)

type shutdowner interface {
	Shutdown(context.Context) error
}

type flusher interface {
	ForceFlush(context.Context) error
}

// Telemetry holds OTel providers and configuration.
type Telemetry struct {
	config         *Config
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	metrics        *Metrics
	shutdownOnce   sync.Once
}

// Init initializes OpenTelemetry with the given configuration and installs
// the providers globally. The returned cleanup flushes and shuts them down.
func Init(ctx context.Context, cfg *Config) (*Telemetry, func(), error) {
	if ctx == nil {
		ctx = context.Background()
	}
	tel := &Telemetry{config: cfg}
	if !cfg.ShouldEnable() {
		return tel, func() {}, nil
	}

	if cfg.TracesEnabled {
		tp, err := initTracerProvider(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		tel.tracerProvider = tp
		otel.SetTracerProvider(tp)
	}

	if cfg.MetricsEnabled {
		mp, err := initMeterProvider(ctx, cfg)
		if err != nil {
			_ = tel.Shutdown(ctx)
			return nil, nil, err
		}
		tel.meterProvider = mp
		otel.SetMeterProvider(mp)

		metrics, err := InitMetrics(mp)
		if err != nil {
			_ = tel.Shutdown(ctx)
			return nil, nil, err
		}
		tel.metrics = metrics
	}

	return tel, tel.Cleanup, nil
}

// TracerProvider returns the tracer provider (or noop if disabled).
func (t *Telemetry) TracerProvider() trace.TracerProvider {
	if t.tracerProvider != nil {
		return t.tracerProvider
	}
	return noop.NewTracerProvider()
}

// MeterProvider returns the meter provider (or the global one if disabled).
func (t *Telemetry) MeterProvider() metric.MeterProvider {
	if t.meterProvider != nil {
		return t.meterProvider
	}
	return otel.GetMeterProvider()
}

// Metrics returns the metric instruments (or nil if disabled).
func (t *Telemetry) Metrics() *Metrics {
	return t.metrics
}

// Shutdown flushes and closes all providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var err error
	t.shutdownOnce.Do(func() {
		if tp, ok := t.tracerProvider.(shutdowner); ok {
			err = multierr.Append(err, tp.Shutdown(ctx))
		}
		if mp, ok := t.meterProvider.(flusher); ok {
			err = multierr.Append(err, mp.ForceFlush(ctx))
		}
		if mp, ok := t.meterProvider.(shutdowner); ok {
			err = multierr.Append(err, mp.Shutdown(ctx))
		}
	})
	return err
}

// Cleanup is a convenience function for defer cleanup.
func (t *Telemetry) Cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = t.Shutdown(ctx)
}

// Config returns the telemetry configuration.
func (t *Telemetry) Config() *Config {
	return t.config
}

// shutdownTimeout is the maximum time to wait for shutdown.
const shutdownTimeout = 5 * time.Second
