package observability

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestMetricsRecording(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	metrics, err := InitMetrics(mp)
	if err != nil {
		t.Fatalf("failed to init metrics: %v", err)
	}

	ctx := context.Background()
	attrs := metric.WithAttributes(AttrHTTPMethod.String("GET"), AttrHTTPStatusCode.Int(200))
	metrics.HTTPRequestCount.Add(ctx, 1, attrs)
	metrics.HTTPRequestDuration.Record(ctx, 42.0, attrs)
	metrics.HTTPResponseSize.Record(ctx, 1024, attrs)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("failed to collect metrics: %v", err)
	}
	if len(rm.ScopeMetrics) == 0 {
		t.Fatal("expected scope metrics to be recorded")
	}

	names := make(map[string]bool)
	for _, m := range rm.ScopeMetrics[0].Metrics {
		names[m.Name] = true
	}
	for _, want := range []string{"http.server.request_count", "http.server.request_duration", "http.server.response_size"} {
		if !names[want] {
			t.Errorf("expected %s to be recorded", want)
		}
	}
}
