package transport

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type managerMetrics struct {
	reconnects   metric.Int64Counter
	authFailures metric.Int64Counter
	writes       metric.Int64Counter
	writeBytes   metric.Int64Histogram
	keepalives   metric.Int64Counter
	transitions  metric.Int64Counter
}

func newManagerMetrics() *managerMetrics {
	meter := otel.Meter("pocketsession.transport")
	m := &managerMetrics{}

	m.reconnects, _ = meter.Int64Counter("pocketsession_transport_reconnects",
		metric.WithDescription("Connection attempts grouped by outcome"),
		metric.WithUnit("{attempt}"))
	m.authFailures, _ = meter.Int64Counter("pocketsession_transport_auth_failures",
		metric.WithDescription("Failed authentication handshakes"),
		metric.WithUnit("{attempt}"))
	m.writes, _ = meter.Int64Counter("pocketsession_transport_writes",
		metric.WithDescription("Outbound frames written to the venue"),
		metric.WithUnit("{frame}"))
	m.writeBytes, _ = meter.Int64Histogram("pocketsession_transport_write_bytes",
		metric.WithDescription("Size of outbound frames"),
		metric.WithUnit("By"))
	m.keepalives, _ = meter.Int64Counter("pocketsession_transport_keepalives",
		metric.WithDescription("Keep-alive frames sent"),
		metric.WithUnit("{frame}"))
	m.transitions, _ = meter.Int64Counter("pocketsession_transport_state_transitions",
		metric.WithDescription("Connection state machine transitions"),
		metric.WithUnit("{transition}"))

	return m
}

func (m *managerMetrics) recordReconnect(ctx context.Context, result string) {
	if m == nil || m.reconnects == nil {
		return
	}
	m.reconnects.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (m *managerMetrics) recordAuthFailure(ctx context.Context) {
	if m == nil || m.authFailures == nil {
		return
	}
	m.authFailures.Add(ctx, 1)
}

func (m *managerMetrics) recordWrite(ctx context.Context, size int) {
	if m == nil {
		return
	}
	if m.writes != nil {
		m.writes.Add(ctx, 1)
	}
	if m.writeBytes != nil {
		m.writeBytes.Record(ctx, int64(size))
	}
}

func (m *managerMetrics) recordKeepalive(ctx context.Context) {
	if m == nil || m.keepalives == nil {
		return
	}
	m.keepalives.Add(ctx, 1)
}

func (m *managerMetrics) recordTransition(ctx context.Context, from, to State) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from.String()),
		attribute.String("to", to.String())))
}
