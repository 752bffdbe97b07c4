// Package dispatch routes inbound frames to pending correlated requests and
// live subscriptions. The registry is mutated from any caller goroutine but
// frames are dispatched only by the transport's single dispatch task, so the
// global inbound order is preserved for every consumer.
package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	concpool "github.com/sourcegraph/conc/pool"

	"github.com/tradewire/pocketsession/errs"
	"github.com/tradewire/pocketsession/internal/stream"
	"github.com/tradewire/pocketsession/validator"
)

// Frame is one opaque inbound message unit from the transport.
type Frame struct {
	Payload  []byte
	Received time.Time
}

// Text returns the string projection used for validator matching.
func (f Frame) Text() string { return string(f.Payload) }

// Config sizes the router.
type Config struct {
	// SubscriptionBuffer is the per-subscription delivery buffer.
	SubscriptionBuffer int
	// FanoutWorkers bounds concurrent subscription deliveries per frame.
	FanoutWorkers int
}

func (c Config) normalize() Config {
	if c.SubscriptionBuffer <= 0 {
		c.SubscriptionBuffer = 64
	}
	if c.FanoutWorkers <= 0 {
		c.FanoutWorkers = 4
	}
	return c
}

type outcome struct {
	frame Frame
	err   error
}

// pending correlates one outbound request to its eventual response. The slot
// is fulfilled at most once: whoever removes it from the registry under the
// router lock owns the single send on result.
type pending struct {
	v      validator.Validator
	result chan outcome
}

type subscription struct {
	v   validator.Validator
	out *stream.Stream[Frame]
}

// Router owns the pending-request and subscription registries.
type Router struct {
	cfg Config

	mu       sync.Mutex
	pendings map[uint64]*pending
	subs     map[uint64]*subscription
	closed   bool
	closeErr error

	nextID  atomic.Uint64
	metrics *routerMetrics
}

// NewRouter constructs an empty router.
func NewRouter(cfg Config) *Router {
	r := &Router{
		cfg:      cfg.normalize(),
		pendings: make(map[uint64]*pending),
		subs:     make(map[uint64]*subscription),
	}
	r.metrics = newRouterMetrics()
	return r
}

// Ticket is a registered single-fulfilment pending slot. Registration and
// waiting are split so a caller can arm the slot before the frame it expects
// can possibly arrive.
type Ticket struct {
	r  *Router
	id uint64
	p  *pending
}

// Register arms a pending slot for v. The slot stays registered until it is
// fulfilled, failed, or its Wait expires.
func (r *Router) Register(v validator.Validator) (*Ticket, error) {
	r.mu.Lock()
	if r.closed {
		err := r.closeErr
		r.mu.Unlock()
		if err == nil {
			err = errs.Closed("dispatch/register")
		}
		return nil, err
	}
	id := r.nextID.Add(1)
	p := &pending{v: v, result: make(chan outcome, 1)}
	r.pendings[id] = p
	r.mu.Unlock()
	return &Ticket{r: r, id: id, p: p}, nil
}

// Wait blocks until the slot is fulfilled, the deadline elapses, or ctx is
// cancelled. Expiry atomically invalidates the registration: a frame arriving
// after the timer fired can never fulfil the slot.
func (t *Ticket) Wait(ctx context.Context, deadline time.Duration) (Frame, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case out := <-t.p.result:
		return out.frame, out.err
	case <-timer.C:
		if out, ok := t.r.revoke(t.id, t.p); ok {
			// Fulfilment raced the timer; the earlier outcome wins.
			return out.frame, out.err
		}
		t.r.metrics.recordTimeout(ctx)
		return Frame{}, errs.New("dispatch/await", errs.CodeTimeout,
			errs.WithMessage("no matching frame within "+deadline.String()))
	case <-ctx.Done():
		if out, ok := t.r.revoke(t.id, t.p); ok {
			return out.frame, out.err
		}
		return Frame{}, ctx.Err()
	}
}

// Cancel releases the registration without waiting.
func (t *Ticket) Cancel() {
	t.r.revoke(t.id, t.p)
}

// Await registers v and blocks until the first matching frame arrives, the
// deadline elapses, ctx is cancelled, or the router fails the slot.
func (r *Router) Await(ctx context.Context, v validator.Validator, deadline time.Duration) (Frame, error) {
	ticket, err := r.Register(v)
	if err != nil {
		return Frame{}, err
	}
	return ticket.Wait(ctx, deadline)
}

// revoke removes the pending slot and reports whether an outcome slipped in
// before removal.
func (r *Router) revoke(id uint64, p *pending) (outcome, bool) {
	r.mu.Lock()
	delete(r.pendings, id)
	r.mu.Unlock()

	select {
	case out := <-p.result:
		return out, true
	default:
		return outcome{}, false
	}
}

// SubscribeOptions shape a subscription registration.
type SubscribeOptions struct {
	// Expiry auto-cancels the subscription after the elapsed period. Zero
	// means unbounded.
	Expiry time.Duration
}

// Subscribe registers a long-lived filter and returns its delivery stream.
// Every subscription independently receives each matching frame; closing the
// stream releases the registration and is idempotent.
func (r *Router) Subscribe(v validator.Validator, opts SubscribeOptions) *stream.Stream[Frame] {
	out := stream.New[Frame](r.cfg.SubscriptionBuffer)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		out.End()
		return out
	}
	id := r.nextID.Add(1)
	r.subs[id] = &subscription{v: v, out: out}
	r.mu.Unlock()

	r.metrics.adjustSubscriptions(context.Background(), 1)

	var expiry *time.Timer
	if opts.Expiry > 0 {
		expiry = time.AfterFunc(opts.Expiry, out.End)
	}
	out.OnClose(func() {
		if expiry != nil {
			expiry.Stop()
		}
		r.mu.Lock()
		_, registered := r.subs[id]
		delete(r.subs, id)
		r.mu.Unlock()
		if registered {
			r.metrics.adjustSubscriptions(context.Background(), -1)
		}
	})
	return out
}

// Dispatch fans the frame out to every matching pending slot and every
// matching subscription. Pending fulfilment deregisters the slot immediately,
// so a second matching frame can never resolve the same request. Called only
// by the transport's dispatch task.
func (r *Router) Dispatch(ctx context.Context, frame Frame) {
	if ctx == nil {
		ctx = context.Background()
	}
	text := frame.Text()

	r.mu.Lock()
	var fulfilled []*pending
	for id, p := range r.pendings {
		if p.v.Validate(text) {
			fulfilled = append(fulfilled, p)
			delete(r.pendings, id)
		}
	}
	snapshot := make([]*subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		if sub.v.Validate(text) {
			snapshot = append(snapshot, sub)
		}
	}
	r.mu.Unlock()

	for _, p := range fulfilled {
		p.result <- outcome{frame: frame}
		r.metrics.recordMatch(ctx)
	}

	if len(snapshot) > 0 {
		pool := concpool.New().WithMaxGoroutines(r.cfg.FanoutWorkers)
		for _, sub := range snapshot {
			out := sub.out
			pool.Go(func() {
				// A terminated stream rejects the emit; its registration
				// cleanup runs via OnClose.
				out.Emit(frame)
			})
		}
		pool.Wait()
	}

	r.metrics.recordFrame(ctx, len(frame.Payload), len(snapshot))
}

// FailPendings resolves every in-flight pending slot with err while leaving
// subscriptions registered. The transport invokes this when the connection
// drops: correlated requests fail fast, subscriptions survive the reconnect.
func (r *Router) FailPendings(err error) {
	if err == nil {
		err = errs.New("dispatch", errs.CodeConnection, errs.WithMessage("connection lost"))
	}
	r.mu.Lock()
	drained := r.pendings
	r.pendings = make(map[uint64]*pending)
	r.mu.Unlock()

	for _, p := range drained {
		p.result <- outcome{err: err}
	}
}

// Close terminates the router: every pending slot fails with err (or a
// closed-session envelope), every subscription stream ends, and future
// registrations are refused.
func (r *Router) Close(err error) {
	if err == nil {
		err = errs.Closed("dispatch")
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.closeErr = err
	pendings := r.pendings
	subs := r.subs
	r.pendings = make(map[uint64]*pending)
	r.subs = make(map[uint64]*subscription)
	r.mu.Unlock()

	for _, p := range pendings {
		p.result <- outcome{err: err}
	}
	for _, sub := range subs {
		sub.out.End()
	}
}
