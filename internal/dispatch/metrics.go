package dispatch

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type routerMetrics struct {
	framesDispatched  metric.Int64Counter
	frameBytes        metric.Int64Histogram
	fanoutSize        metric.Int64Histogram
	pendingMatches    metric.Int64Counter
	pendingTimeouts   metric.Int64Counter
	liveSubscriptions metric.Int64UpDownCounter
}

func newRouterMetrics() *routerMetrics {
	meter := otel.Meter("pocketsession.dispatch")
	m := &routerMetrics{}

	m.framesDispatched, _ = meter.Int64Counter("pocketsession_dispatch_frames",
		metric.WithDescription("Inbound frames fanned out by the router"),
		metric.WithUnit("{frame}"))
	m.frameBytes, _ = meter.Int64Histogram("pocketsession_dispatch_frame_bytes",
		metric.WithDescription("Size of dispatched inbound frames"),
		metric.WithUnit("By"))
	m.fanoutSize, _ = meter.Int64Histogram("pocketsession_dispatch_fanout_size",
		metric.WithDescription("Matching subscriptions per dispatched frame"),
		metric.WithUnit("{subscription}"))
	m.pendingMatches, _ = meter.Int64Counter("pocketsession_dispatch_pending_matches",
		metric.WithDescription("Pending correlated requests fulfilled by a frame"),
		metric.WithUnit("{request}"))
	m.pendingTimeouts, _ = meter.Int64Counter("pocketsession_dispatch_pending_timeouts",
		metric.WithDescription("Pending correlated requests expired before a match"),
		metric.WithUnit("{request}"))
	m.liveSubscriptions, _ = meter.Int64UpDownCounter("pocketsession_dispatch_subscriptions",
		metric.WithDescription("Live subscription registrations"),
		metric.WithUnit("{subscription}"))

	return m
}

func (m *routerMetrics) recordFrame(ctx context.Context, size, fanout int) {
	if m == nil {
		return
	}
	if m.framesDispatched != nil {
		m.framesDispatched.Add(ctx, 1)
	}
	if m.frameBytes != nil {
		m.frameBytes.Record(ctx, int64(size))
	}
	if m.fanoutSize != nil {
		m.fanoutSize.Record(ctx, int64(fanout))
	}
}

func (m *routerMetrics) recordMatch(ctx context.Context) {
	if m == nil || m.pendingMatches == nil {
		return
	}
	m.pendingMatches.Add(ctx, 1)
}

func (m *routerMetrics) recordTimeout(ctx context.Context) {
	if m == nil || m.pendingTimeouts == nil {
		return
	}
	m.pendingTimeouts.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "deadline")))
}

func (m *routerMetrics) adjustSubscriptions(ctx context.Context, delta int) {
	if m == nil || m.liveSubscriptions == nil {
		return
	}
	m.liveSubscriptions.Add(ctx, int64(delta))
}
