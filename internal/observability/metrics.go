package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the instruments recorded by the channel manager.
type Metrics struct {
	EventsDispatched  metric.Int64Counter
	DispatchDuration  metric.Float64Histogram
	StatusTransitions metric.Int64Counter
	ListenerPanics    metric.Int64Counter
}

// InitMetrics creates the instruments on the given meter provider.
func InitMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter("rtmux")

	m := &Metrics{}

	var err error
	m.EventsDispatched, err = meter.Int64Counter(
		"realtime.events.dispatched",
		metric.WithDescription("Number of events dispatched to channel listeners"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatch counter: %w", err)
	}

	m.DispatchDuration, err = meter.Float64Histogram(
		"realtime.dispatch.duration",
		metric.WithDescription("Latency from event receipt to completion of listener dispatch"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatch duration histogram: %w", err)
	}

	m.StatusTransitions, err = meter.Int64Counter(
		"realtime.channel.status_transitions",
		metric.WithDescription("Number of channel status transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create status transition counter: %w", err)
	}

	m.ListenerPanics, err = meter.Int64Counter(
		"realtime.listener.panics",
		metric.WithDescription("Number of recovered listener panics"),
		metric.WithUnit("{panic}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create listener panic counter: %w", err)
	}

	return m, nil
}

// RecordDispatch books one dispatched event and its latency.
func (m *Metrics) RecordDispatch(channel string, elapsed time.Duration) {
	if m == nil {
		return
	}
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("channel", channel))
	m.EventsDispatched.Add(ctx, 1, attrs)
	m.DispatchDuration.Record(ctx, float64(elapsed)/float64(time.Millisecond), attrs)
}

// RecordTransition books one channel status transition.
func (m *Metrics) RecordTransition(channel, status string) {
	if m == nil {
		return
	}
	m.StatusTransitions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("channel", channel),
		attribute.String("status", status),
	))
}

// RecordListenerPanic books one recovered listener panic.
func (m *Metrics) RecordListenerPanic(channel string) {
	if m == nil {
		return
	}
	m.ListenerPanics.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("channel", channel),
	))
}
