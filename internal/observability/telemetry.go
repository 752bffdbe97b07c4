// Package observability provides lightweight in-memory telemetry primitives.
// The session core records structured events against the bus interface only;
// binding a concrete sink is the embedding application's concern.
package observability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tradewire/pocketsession/errs"
)

// Severity represents the severity level of a telemetry event.
type Severity string

const (
	// SeverityInfo identifies informational telemetry.
	SeverityInfo Severity = "INFO"
	// SeverityWarn identifies warning telemetry.
	SeverityWarn Severity = "WARN"
	// SeverityError identifies error telemetry.
	SeverityError Severity = "ERROR"
)

// EventType enumerates session telemetry event categories.
type EventType string

const (
	// EventStateTransition signals a connection state machine transition.
	EventStateTransition EventType = "connection.state_transition"
	// EventReconnect signals a reconnect attempt outcome.
	EventReconnect EventType = "connection.reconnect"
	// EventAuthFailed signals a failed authentication attempt.
	EventAuthFailed EventType = "connection.auth_failed"
	// EventCorrelationTimeout signals an expired correlated request.
	EventCorrelationTimeout EventType = "correlator.timeout"
	// EventCorrelationRetry signals a correlated request re-send.
	EventCorrelationRetry EventType = "correlator.retry"
	// EventResubscribe signals subscription replay after a reconnect.
	EventResubscribe EventType = "subscription.resubscribe"
)

// Event carries structured observability information for operations.
type Event struct {
	Type      EventType      `json:"type"`
	Severity  Severity       `json:"severity"`
	Timestamp time.Time      `json:"timestamp"`
	Fields    map[string]any `json:"fields"`
}

// Bus defines pub/sub semantics for telemetry events.
type Bus interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(ctx context.Context) (<-chan Event, error)
	Close()
}

// InMemoryBus is an in-memory implementation of the telemetry bus.
type InMemoryBus struct {
	ctx    context.Context
	cancel context.CancelFunc
	buffer int

	mu       sync.RWMutex
	subs     []*subscriber
	shutdown sync.Once
}

type subscriber struct {
	ctx    context.Context
	cancel context.CancelFunc
	ch     chan Event
	once   sync.Once
}

// NewInMemoryBus constructs a memory-backed telemetry bus.
func NewInMemoryBus(buffer int) *InMemoryBus {
	if buffer <= 0 {
		buffer = 16
	}
	ctx, cancel := context.WithCancel(context.Background())
	bus := new(InMemoryBus)
	bus.ctx = ctx
	bus.cancel = cancel
	bus.buffer = buffer
	bus.subs = make([]*subscriber, 0)
	return bus
}

// Publish broadcasts the telemetry event to all subscribers.
func (b *InMemoryBus) Publish(ctx context.Context, event Event) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	b.mu.RLock()
	subs := append([]*subscriber(nil), b.subs...)
	b.mu.RUnlock()
	if len(subs) == 0 {
		return nil
	}
	for _, sub := range subs {
		if sub == nil {
			continue
		}
		if err := b.deliver(ctx, sub, event); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe registers a telemetry subscriber.
func (b *InMemoryBus) Subscribe(ctx context.Context) (<-chan Event, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	sub := new(subscriber)
	sub.ctx = ctx
	sub.cancel = cancel
	sub.ch = make(chan Event, b.buffer)
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	go b.observe(sub)
	return sub.ch, nil
}

// Close shuts down the bus and closes subscriber channels.
func (b *InMemoryBus) Close() {
	b.shutdown.Do(func() {
		b.cancel()
		b.mu.Lock()
		for i, sub := range b.subs {
			if sub != nil {
				sub.close()
			}
			b.subs[i] = nil
		}
		b.subs = nil
		b.mu.Unlock()
	})
}

func (b *InMemoryBus) deliver(ctx context.Context, sub *subscriber, event Event) error {
	if err := sub.ctx.Err(); err != nil {
		return fmt.Errorf("telemetry subscriber context: %w", err)
	}
	select {
	case <-b.ctx.Done():
		return errs.New("telemetry/publish", errs.CodeSessionClosed, errs.WithMessage("telemetry bus closed"))
	case <-ctx.Done():
		return fmt.Errorf("telemetry publish context: %w", ctx.Err())
	case <-sub.ctx.Done():
		return nil
	case sub.ch <- cloneEvent(event):
		return nil
	default:
		// Telemetry is best-effort; a saturated subscriber drops the event.
		return nil
	}
}

func (b *InMemoryBus) observe(sub *subscriber) {
	<-sub.ctx.Done()
	b.mu.Lock()
	for i, candidate := range b.subs {
		if candidate == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
	sub.close()
}

func (s *subscriber) close() {
	s.once.Do(func() {
		s.cancel()
		close(s.ch)
	})
}

func cloneEvent(evt Event) Event {
	clone := evt
	if len(evt.Fields) > 0 {
		fieldsCopy := make(map[string]any, len(evt.Fields))
		for k, v := range evt.Fields {
			fieldsCopy[k] = v
		}
		clone.Fields = fieldsCopy
	}
	return clone
}

// Emit publishes a fire-and-forget event on bus when it is non-nil.
func Emit(bus Bus, typ EventType, severity Severity, fields map[string]any) {
	if bus == nil {
		return
	}
	_ = bus.Publish(context.Background(), Event{
		Type:     typ,
		Severity: severity,
		Fields:   fields,
	})
}
