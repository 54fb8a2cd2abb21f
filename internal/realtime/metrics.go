package realtime

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/markb/boardsync/internal/observability"
)

// Drop and withhold reasons recorded on the counters.
const (
	reasonRevoked     = "revoked"
	reasonCheckFailed = "check_failed"
	reasonBoardHidden = "board_hidden"
	reasonQueueFull   = "queue_full"
	reasonUnresolved  = "unresolved"
	reasonNoChannels  = "no_channels"
	reasonBufferFull  = "send_buffer_full"
	reasonHeartbeat   = "heartbeat"
	reasonExpired     = "token_expired"
)

// Metrics holds the realtime instruments.
type Metrics struct {
	Connections metric.Int64UpDownCounter
	Rejected    metric.Int64Counter
	Evicted     metric.Int64Counter
	Published   metric.Int64Counter
	Deliveries  metric.Int64Counter
	Withheld    metric.Int64Counter
	Dropped     metric.Int64Counter
}

// NewMetrics registers the realtime instruments on mp, or on the global
// provider when mp is nil.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(observability.MeterName)

	m := &Metrics{}
	var err error

	if m.Connections, err = meter.Int64UpDownCounter("realtime.connections",
		metric.WithDescription("Live websocket connections"),
		metric.WithUnit("{connection}")); err != nil {
		return nil, fmt.Errorf("failed to create connections counter: %w", err)
	}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.Rejected, "realtime.connections.rejected", "Connections refused during authentication"},
		{&m.Evicted, "realtime.connections.evicted", "Connections closed by the heartbeat sweep"},
		{&m.Published, "realtime.events.published", "Events accepted by the publisher"},
		{&m.Deliveries, "realtime.deliveries", "Messages queued to subscribers"},
		{&m.Withheld, "realtime.deliveries.withheld", "Deliveries withheld by the access check"},
		{&m.Dropped, "realtime.events.dropped", "Events dropped before broadcast"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
	}

	return m, nil
}

func (m *Metrics) withReason(ctx context.Context, c metric.Int64Counter, reason string) {
	c.Add(ctx, 1, metric.WithAttributes(observability.AttrReason.String(reason)))
}
