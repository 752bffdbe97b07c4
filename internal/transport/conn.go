// Package transport owns the physical websocket connection and drives the
// connect, authenticate, run, degrade, reconnect lifecycle. Inbound frames
// are fanned out through the dispatch router by a single dispatch task per
// connection; outbound writes are serialized and paced.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/tradewire/pocketsession/errs"
	"github.com/tradewire/pocketsession/internal/dispatch"
	"github.com/tradewire/pocketsession/internal/observability"
	"github.com/tradewire/pocketsession/validator"
)

const (
	// Engine.io session-layer frames used by the venue.
	frameHandshakePrefix = "0"
	frameNamespaceOpen   = "40"
	framePing            = "2"
	framePong            = "3"
	frameKeepAlive       = `42["ps"]`

	authAckMarker = "successauth"

	writeTimeout         = 5 * time.Second
	maxReconnectInterval = 30 * time.Second
	readLimit            = 2 * 1024 * 1024
)

// FrameHook runs on the dispatch task before a frame is routed. Returning
// false drops the frame from dispatch.
type FrameHook func(dispatch.Frame) (dispatch.Frame, bool)

// Config parameterizes a connection manager.
type Config struct {
	// URLs are candidate endpoints tried in configured order.
	URLs []string
	// AuthMessage is the raw session credential frame written after the
	// namespace opens.
	AuthMessage string
	// InitTimeout bounds dial plus handshake plus authentication per attempt.
	InitTimeout time.Duration
	// ReconnectDelay is honored before redialing after a disconnect.
	ReconnectDelay time.Duration
	// MaxAttempts bounds consecutive failed attempts before the session
	// fails fatally.
	MaxAttempts int
	// KeepAliveInterval spaces outbound keep-alive frames.
	KeepAliveInterval time.Duration
	// MaxAllowedLoops bounds keep-alive iterations without inbound traffic
	// before the connection is treated as stale.
	MaxAllowedLoops int
	// SleepInterval paces attempts across candidate endpoints.
	SleepInterval time.Duration
	// WriteRatePerSecond paces outbound writes; zero disables pacing.
	WriteRatePerSecond float64
}

func (c Config) normalize() Config {
	if c.InitTimeout <= 0 {
		c.InitTimeout = 30 * time.Second
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 5 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = 20 * time.Second
	}
	if c.MaxAllowedLoops <= 0 {
		c.MaxAllowedLoops = 100
	}
	if c.SleepInterval <= 0 {
		c.SleepInterval = 100 * time.Millisecond
	}
	return c
}

// Manager drives the persistent connection state machine.
type Manager struct {
	cfg    Config
	router *dispatch.Router
	events observability.Bus
	hook   FrameHook

	// resubscribe returns the subscribe commands replayed after a reconnect.
	resubscribe func() []string

	ctx    context.Context
	cancel context.CancelFunc

	conn   *websocket.Conn
	connMu sync.RWMutex

	writeMu sync.Mutex
	limiter *rate.Limiter

	state       atomic.Int32
	lastInbound atomic.Int64

	ready     chan struct{}
	readyOnce sync.Once
	failCh    chan error
	closeOnce sync.Once

	metrics *managerMetrics
}

// NewManager wires a manager to its router. hook and resubscribe may be nil;
// events may be nil to disable telemetry publication.
func NewManager(cfg Config, router *dispatch.Router, events observability.Bus, hook FrameHook, resubscribe func() []string) *Manager {
	cfg = cfg.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:         cfg,
		router:      router,
		events:      events,
		hook:        hook,
		resubscribe: resubscribe,
		ctx:         ctx,
		cancel:      cancel,
		ready:       make(chan struct{}),
		failCh:      make(chan error, 1),
		metrics:     newManagerMetrics(),
	}
	if cfg.WriteRatePerSecond > 0 {
		m.limiter = rate.NewLimiter(rate.Limit(cfg.WriteRatePerSecond), 1)
	}
	m.state.Store(int32(StateConnecting))
	return m
}

// Start launches the connection loop and blocks until the first session is
// open, the attempt budget is exhausted, or ctx expires.
func (m *Manager) Start(ctx context.Context) error {
	if len(m.cfg.URLs) == 0 {
		return errs.New("transport/start", errs.CodeInvalid, errs.WithMessage("no candidate urls"))
	}
	go m.run()

	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-m.ready:
		return nil
	case err := <-m.failCh:
		return err
	case <-ctx.Done():
		m.Close()
		return fmt.Errorf("transport start: %w", ctx.Err())
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// Closed reports whether the session reached its terminal state.
func (m *Manager) Closed() bool { return m.State() == StateClosed }

// Send writes one payload over the open connection. Writes are serialized to
// preserve outbound ordering and paced by the configured rate limit.
func (m *Manager) Send(ctx context.Context, payload string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	switch m.State() {
	case StateClosed:
		return errs.Closed("transport/send")
	case StateOpen:
	default:
		return errs.New("transport/send", errs.CodeConnection,
			errs.WithMessage("connection not open: "+m.State().String()))
	}

	m.connMu.RLock()
	conn := m.conn
	m.connMu.RUnlock()
	if conn == nil {
		return errs.New("transport/send", errs.CodeConnection, errs.WithMessage("no active connection"))
	}
	return m.write(ctx, conn, payload)
}

// Close shuts the session down. Terminal and idempotent: pending requests
// fail with a closed-session error and every subscription stream ends.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.setState(StateClosed)
		m.cancel()
		m.connMu.Lock()
		if m.conn != nil {
			_ = m.conn.Close(websocket.StatusNormalClosure, "shutdown")
			m.conn = nil
		}
		m.connMu.Unlock()
		m.router.Close(errs.Closed("transport"))
	})
}

// run maintains the connection until Close. Each cycle dials, authenticates,
// replays subscriptions, and pumps frames until the connection drops.
func (m *Manager) run() {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = m.cfg.ReconnectDelay
	expo.MaxInterval = maxReconnectInterval

	attempts := 0
	first := true

	for {
		select {
		case <-m.ctx.Done():
			return
		default:
		}

		if first {
			m.setState(StateConnecting)
		} else {
			m.setState(StateReconnecting)
		}

		conn, endpoint, err := m.dialCandidates()
		if err != nil {
			attempts++
			m.metrics.recordReconnect(m.ctx, "error")
			observability.Emit(m.events, observability.EventReconnect, observability.SeverityWarn,
				map[string]any{"attempt": attempts, "error": err.Error()})
			if m.exhausted(attempts, err) {
				return
			}
			if !m.sleep(nextBackOff(expo)) {
				return
			}
			first = false
			continue
		}

		m.setState(StateAuthenticating)
		sessionErr := m.session(conn, endpoint, &attempts, expo)
		if m.ctx.Err() != nil || m.State() == StateClosed {
			return
		}
		if sessionErr != nil {
			attempts++
			if errs.CodeOf(sessionErr) == errs.CodeAuth {
				m.metrics.recordAuthFailure(m.ctx)
				observability.Emit(m.events, observability.EventAuthFailed, observability.SeverityError,
					map[string]any{"attempt": attempts, "endpoint": endpoint})
			}
			if m.exhausted(attempts, sessionErr) {
				return
			}
		}

		m.setState(StateDegraded)
		// Fail-fast policy: requests in flight when the connection drops get
		// a connection error instead of a transparent resend.
		m.router.FailPendings(errs.New("transport", errs.CodeConnection,
			errs.WithMessage("connection lost"), errs.WithCause(sessionErr)))

		if !m.sleep(m.cfg.ReconnectDelay) {
			return
		}
		first = false
	}
}

// session authenticates on conn and pumps frames until the connection fails.
// A nil attempt counter reset happens once the session reaches Open.
func (m *Manager) session(conn *websocket.Conn, endpoint string, attempts *int, expo *backoff.ExponentialBackOff) error {
	connCtx, connCancel := context.WithCancel(m.ctx)
	defer connCancel()

	m.connMu.Lock()
	m.conn = conn
	m.connMu.Unlock()
	defer func() {
		m.connMu.Lock()
		if m.conn == conn {
			m.conn = nil
		}
		m.connMu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	// Arm the handshake tickets before the read pump can consume the frames
	// they wait for.
	openTicket, err := m.router.Register(validator.StartsWith(frameHandshakePrefix))
	if err != nil {
		return err
	}
	defer openTicket.Cancel()
	nsTicket, err := m.router.Register(validator.StartsWith(frameNamespaceOpen))
	if err != nil {
		return err
	}
	defer nsTicket.Cancel()
	authTicket, err := m.router.Register(validator.Contains(authAckMarker))
	if err != nil {
		return err
	}
	defer authTicket.Cancel()

	errCh := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		errCh <- m.readLoop(connCtx, conn)
	}()

	if err := m.authenticate(connCtx, conn, openTicket, nsTicket, authTicket); err != nil {
		connCancel()
		wg.Wait()
		return err
	}

	m.metrics.recordReconnect(m.ctx, "success")
	*attempts = 0
	expo.Reset()
	m.setState(StateOpen)
	m.readyOnce.Do(func() { close(m.ready) })

	m.replaySubscriptions(connCtx, conn)

	wg.Add(1)
	go func() {
		defer wg.Done()
		errCh <- m.keepAliveLoop(connCtx, conn)
	}()

	firstErr := <-errCh
	connCancel()
	wg.Wait()

	if firstErr != nil && !errors.Is(firstErr, context.Canceled) {
		log.Printf("transport [%s]: connection loop: %v", endpoint, firstErr)
		return firstErr
	}
	return nil
}

// authenticate performs the venue handshake: wait for the session open frame,
// open the namespace, send the credential, await the acknowledgement.
func (m *Manager) authenticate(ctx context.Context, conn *websocket.Conn, openTicket, nsTicket, authTicket *dispatch.Ticket) error {
	if _, err := openTicket.Wait(ctx, m.cfg.InitTimeout); err != nil {
		return errs.New("transport/handshake", errs.CodeConnection,
			errs.WithMessage("no session open frame"), errs.WithCause(err))
	}
	if err := m.write(ctx, conn, frameNamespaceOpen); err != nil {
		return errs.New("transport/handshake", errs.CodeConnection,
			errs.WithMessage("namespace open write failed"), errs.WithCause(err))
	}
	if _, err := nsTicket.Wait(ctx, m.cfg.InitTimeout); err != nil {
		return errs.New("transport/handshake", errs.CodeConnection,
			errs.WithMessage("namespace not acknowledged"), errs.WithCause(err))
	}
	if err := m.write(ctx, conn, m.cfg.AuthMessage); err != nil {
		return errs.New("transport/auth", errs.CodeAuth,
			errs.WithMessage("credential write failed"), errs.WithCause(err))
	}
	if _, err := authTicket.Wait(ctx, m.cfg.InitTimeout); err != nil {
		return errs.New("transport/auth", errs.CodeAuth,
			errs.WithMessage("authentication not acknowledged"), errs.WithCause(err))
	}
	return nil
}

// dialCandidates tries each configured endpoint in order.
func (m *Manager) dialCandidates() (*websocket.Conn, string, error) {
	var lastErr error
	for i, endpoint := range m.cfg.URLs {
		if i > 0 && !m.sleep(m.cfg.SleepInterval) {
			return nil, "", errs.Closed("transport/dial")
		}
		dialCtx, cancel := context.WithTimeout(m.ctx, m.cfg.InitTimeout)
		conn, _, err := websocket.Dial(dialCtx, endpoint, nil)
		cancel()
		if err != nil {
			lastErr = fmt.Errorf("dial %s: %w", endpoint, err)
			log.Printf("transport: %v", lastErr)
			continue
		}
		conn.SetReadLimit(readLimit)
		return conn, endpoint, nil
	}
	if lastErr == nil {
		lastErr = errors.New("no endpoints configured")
	}
	return nil, "", errs.New("transport/dial", errs.CodeConnection, errs.WithCause(lastErr))
}

// readLoop is the single dispatch task for a connection: every inbound frame
// passes through the hook, answers session-layer pings, and fans out through
// the router in arrival order.
func (m *Manager) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return context.Canceled
			}
			if errors.Is(err, net.ErrClosed) {
				return context.Canceled
			}
			if status := websocket.CloseStatus(err); status != -1 {
				if status == websocket.StatusNormalClosure {
					return context.Canceled
				}
				return fmt.Errorf("read: remote closed with status %d", status)
			}
			return fmt.Errorf("read: %w", err)
		}

		m.lastInbound.Store(time.Now().UnixNano())

		frame := dispatch.Frame{Payload: data, Received: time.Now()}
		text := frame.Text()

		if text == framePing {
			if err := m.write(ctx, conn, framePong); err != nil {
				return fmt.Errorf("pong: %w", err)
			}
		}

		if m.hook != nil {
			var keep bool
			frame, keep = m.hook(frame)
			if !keep {
				continue
			}
		}
		m.router.Dispatch(ctx, frame)
	}
}

// keepAliveLoop emits periodic keep-alive frames and enforces the loop guard:
// too many iterations without inbound traffic means the connection is stale.
func (m *Manager) keepAliveLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(m.cfg.KeepAliveInterval)
	defer ticker.Stop()

	staleLoops := 0
	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case <-ticker.C:
			last := time.Unix(0, m.lastInbound.Load())
			if time.Since(last) > m.cfg.KeepAliveInterval {
				staleLoops++
			} else {
				staleLoops = 0
			}
			if staleLoops >= m.cfg.MaxAllowedLoops {
				return errs.New("transport/keepalive", errs.CodeConnection,
					errs.WithMessage("loop guard exceeded: no inbound traffic"))
			}
			if err := m.write(ctx, conn, frameKeepAlive); err != nil {
				return fmt.Errorf("keepalive: %w", err)
			}
			m.metrics.recordKeepalive(ctx)
		}
	}
}

// replaySubscriptions re-issues subscribe commands after a reconnect so live
// subscription streams keep flowing without caller involvement.
func (m *Manager) replaySubscriptions(ctx context.Context, conn *websocket.Conn) {
	if m.resubscribe == nil {
		return
	}
	commands := m.resubscribe()
	for _, cmd := range commands {
		if err := m.write(ctx, conn, cmd); err != nil {
			log.Printf("transport: resubscribe write failed: %v", err)
			return
		}
	}
	if len(commands) > 0 {
		observability.Emit(m.events, observability.EventResubscribe, observability.SeverityInfo,
			map[string]any{"commands": len(commands)})
	}
}

// write serializes and paces a single outbound frame.
func (m *Manager) write(ctx context.Context, conn *websocket.Conn, payload string) error {
	if m.limiter != nil {
		if err := m.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("write pacing: %w", err)
		}
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	err := conn.Write(writeCtx, websocket.MessageText, []byte(payload))
	cancel()
	if err != nil {
		return err
	}
	m.metrics.recordWrite(ctx, len(payload))
	return nil
}

func (m *Manager) setState(next State) {
	prev := State(m.state.Swap(int32(next)))
	if prev == next {
		return
	}
	if prev == StateClosed {
		// Closed is terminal; never leave it.
		m.state.Store(int32(StateClosed))
		return
	}
	log.Printf("transport: state %s -> %s", prev, next)
	m.metrics.recordTransition(m.ctx, prev, next)
	observability.Emit(m.events, observability.EventStateTransition, observability.SeverityInfo,
		map[string]any{"from": prev.String(), "to": next.String()})
}

// exhausted handles the consecutive-failure budget: once exceeded the whole
// session fails fatally.
func (m *Manager) exhausted(attempts int, cause error) bool {
	if attempts < m.cfg.MaxAttempts {
		return false
	}
	err := errs.New("transport", errs.CodeConnection,
		errs.WithMessage("connection attempts exhausted"),
		errs.WithAttempts(attempts), errs.WithCause(cause))
	if errs.CodeOf(cause) == errs.CodeAuth {
		err = errs.New("transport", errs.CodeAuth,
			errs.WithMessage("authentication attempts exhausted"),
			errs.WithAttempts(attempts), errs.WithCause(cause))
	}
	select {
	case m.failCh <- err:
	default:
	}
	m.Close()
	return true
}

func (m *Manager) sleep(d time.Duration) bool {
	select {
	case <-m.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func nextBackOff(expo *backoff.ExponentialBackOff) time.Duration {
	d := expo.NextBackOff()
	if d == backoff.Stop {
		return maxReconnectInterval
	}
	return d
}
