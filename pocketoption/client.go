package pocketoption

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tradewire/pocketsession/config"
	"github.com/tradewire/pocketsession/errs"
	"github.com/tradewire/pocketsession/internal/dispatch"
	"github.com/tradewire/pocketsession/internal/observability"
	"github.com/tradewire/pocketsession/internal/stream"
	"github.com/tradewire/pocketsession/internal/transport"
	"github.com/tradewire/pocketsession/lib/async"
	"github.com/tradewire/pocketsession/validator"
)

// rawOrderRetries bounds correlation retries for the retrying raw-order
// variant.
const rawOrderRetries = 3

// Session is the high-level facade over one authenticated venue connection.
// All operations share the connection, the dispatch router, and the account
// cache; the session survives reconnects transparently.
type Session struct {
	cfg    config.Settings
	router *dispatch.Router
	mgr    *transport.Manager
	state  *accountState
	events observability.Bus

	demo bool

	// requestID seeds correlation keys echoed back by the venue.
	requestID atomic.Uint64

	// replayMu guards the commands re-sent after a reconnect.
	replayMu   sync.Mutex
	replay     map[uint64]string
	nextReplay uint64
}

// New connects and authenticates a session using the raw credential message.
func New(ctx context.Context, ssid string, opts ...config.Option) (*Session, error) {
	cfg := config.Apply(config.FromEnv(), opts...)
	return NewWithConfig(ctx, ssid, cfg)
}

// NewWithConfig connects with explicit settings. It blocks until the session
// is open or the connection attempt budget is exhausted.
func NewWithConfig(ctx context.Context, ssid string, cfg config.Settings) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if ssid == "" {
		return nil, errs.New("pocketoption", errs.CodeInvalid, errs.WithMessage("empty session credential"))
	}

	s := &Session{
		cfg:    cfg,
		state:  newAccountState(),
		events: observability.NewInMemoryBus(64),
		demo:   isDemoCredential(ssid),
		replay: make(map[uint64]string),
	}
	s.requestID.Store(uint64(time.Now().UnixNano()) & 0xFFFFFF)

	s.router = dispatch.NewRouter(dispatch.Config{
		SubscriptionBuffer: cfg.SubscriptionBuffer,
		FanoutWorkers:      cfg.FanoutWorkers,
	})

	assembler := &frameAssembler{}
	hook := func(f dispatch.Frame) (dispatch.Frame, bool) {
		f, keep := assembler.fold(f)
		if !keep {
			return f, false
		}
		s.state.apply(f)
		return f, true
	}

	s.mgr = transport.NewManager(transport.Config{
		URLs:               cfg.CandidateURLs,
		AuthMessage:        ssid,
		InitTimeout:        cfg.ConnectionInitTimeout,
		ReconnectDelay:     cfg.ReconnectDelay,
		MaxAttempts:        cfg.MaxConnectionAttempts,
		KeepAliveInterval:  cfg.KeepAliveInterval,
		MaxAllowedLoops:    cfg.MaxAllowedLoops,
		SleepInterval:      cfg.SleepInterval,
		WriteRatePerSecond: cfg.WriteRatePerSecond,
	}, s.router, s.events, hook, s.replayCommands)

	if err := s.mgr.Start(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Events exposes the session telemetry bus.
func (s *Session) Events() observability.Bus { return s.events }

// IsDemo reports whether the credential targets a demo account.
func (s *Session) IsDemo() bool { return s.demo }

// Close shuts the session down. Terminal and idempotent.
func (s *Session) Close() { s.mgr.Close() }

// GetBalance returns the cached account balance.
func (s *Session) GetBalance() Balance { return s.state.balanceSnapshot() }

// GetOpenedDeals returns the active deals known to the session.
func (s *Session) GetOpenedDeals() []Deal { return s.state.openedDeals() }

// GetClosedDeals returns the closed deals accumulated since connect or the
// last ClearClosedDeals.
func (s *Session) GetClosedDeals() []Deal { return s.state.closedDeals() }

// ClearClosedDeals drops the accumulated closed-deal cache.
func (s *Session) ClearClosedDeals() { s.state.clearClosedDeals() }

// GetPayout returns the payout percentage per tradable symbol.
func (s *Session) GetPayout() map[string]int { return s.state.payouts() }

// GetPayoutFor returns the payout percentage for one symbol.
func (s *Session) GetPayoutFor(symbol string) (int, bool) {
	a, ok := s.state.asset(symbol)
	if !ok {
		return 0, false
	}
	return a.Payout, true
}

// GetServerTime extrapolates the venue clock from observed stream timestamps.
func (s *Session) GetServerTime() time.Time { return s.state.now() }

// GetDealEndTime returns the scheduled expiry of a known deal.
func (s *Session) GetDealEndTime(id uuid.UUID) (time.Time, bool) {
	d, ok := s.state.deal(id)
	if !ok {
		return time.Time{}, false
	}
	return d.EndTime(), true
}

// Buy places a call order. It returns the deal identifier and the
// acknowledged deal.
func (s *Session) Buy(ctx context.Context, asset string, amount decimal.Decimal, durationSec int64) (uuid.UUID, Deal, error) {
	return s.placeOrder(ctx, asset, amount, ActionCall, durationSec)
}

// Sell places a put order.
func (s *Session) Sell(ctx context.Context, asset string, amount decimal.Decimal, durationSec int64) (uuid.UUID, Deal, error) {
	return s.placeOrder(ctx, asset, amount, ActionPut, durationSec)
}

func (s *Session) placeOrder(ctx context.Context, asset string, amount decimal.Decimal, action OrderAction, durationSec int64) (uuid.UUID, Deal, error) {
	if !amount.IsPositive() {
		return uuid.Nil, Deal{}, errs.New("pocketoption/order", errs.CodeInvalid,
			errs.WithMessage("order amount must be positive"))
	}
	if durationSec <= 0 {
		return uuid.Nil, Deal{}, errs.New("pocketoption/order", errs.CodeInvalid,
			errs.WithMessage("order duration must be positive"))
	}

	demo := 0
	if s.demo {
		demo = 1
	}
	reqID := s.requestID.Add(1)
	msg := buildOpenOrder(asset, amount, action, durationSec, demo, reqID)

	// The acknowledgement echoes requestId; failures come back without it, so
	// match the failure event as a whole.
	ack := validator.Any(
		validator.All(
			validator.Contains(eventOpenDealSuccess),
			validator.Contains(`"requestId":`+strconv.FormatUint(reqID, 10)),
		),
		validator.Contains(eventOpenDealFailure),
	)

	frame, err := s.sendAndAwait(ctx, msg, ack, s.cfg.Timeout)
	if err != nil {
		return uuid.Nil, Deal{}, err
	}

	name, _ := eventName(frame.Text())
	if name == eventOpenDealFailure {
		return uuid.Nil, Deal{}, errs.New("pocketoption/order", errs.CodeVenue,
			errs.WithMessage("order rejected"), errs.WithRawFrame(frame.Text()))
	}

	payload, ok := eventPayload(frame.Text())
	if !ok {
		return uuid.Nil, Deal{}, errs.New("pocketoption/order", errs.CodeVenue,
			errs.WithMessage("unreadable order acknowledgement"), errs.WithRawFrame(frame.Text()))
	}
	var deal Deal
	if err := json.Unmarshal(payload, &deal); err != nil {
		return uuid.Nil, Deal{}, errs.New("pocketoption/order", errs.CodeVenue,
			errs.WithMessage("unreadable order acknowledgement"), errs.WithCause(err), errs.WithRawFrame(frame.Text()))
	}
	return deal.ID, deal, nil
}

// CheckResult blocks until the deal closes and returns its final state. The
// wait is bounded by the deal's scheduled expiry plus the operation timeout.
func (s *Session) CheckResult(ctx context.Context, id uuid.UUID) (Deal, error) {
	if d, ok := s.state.closedDeal(id); ok {
		return d, nil
	}

	deadline := s.cfg.Timeout
	if d, ok := s.state.deal(id); ok {
		if until := time.Until(d.EndTime()); until > 0 {
			deadline = until + s.cfg.Timeout
		}
	}

	sub := s.router.Subscribe(validator.Contains(eventCloseDealSuccess), dispatch.SubscribeOptions{})
	defer sub.Close()

	waitCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	for {
		// The close event may have raced the subscription; the cache is
		// authoritative.
		if d, ok := s.state.closedDeal(id); ok {
			return d, nil
		}
		if _, err := sub.Next(waitCtx); err != nil {
			if d, ok := s.state.closedDeal(id); ok {
				return d, nil
			}
			return Deal{}, errs.New("pocketoption/result", errs.CodeTimeout,
				errs.WithMessage("deal "+id.String()+" did not close in time"), errs.WithCause(err))
		}
	}
}

// GetCandles fetches candle history ending at the current server time.
func (s *Session) GetCandles(ctx context.Context, asset string, period, offset int64) ([]Candle, error) {
	return s.GetCandlesAdvanced(ctx, asset, period, offset, s.GetServerTime().Unix())
}

// GetCandlesAdvanced fetches candle history ending at an explicit timestamp.
func (s *Session) GetCandlesAdvanced(ctx context.Context, asset string, period, offset, timestamp int64) ([]Candle, error) {
	if period <= 0 {
		return nil, errs.New("pocketoption/candles", errs.CodeInvalid,
			errs.WithMessage("period must be positive"))
	}
	index := s.requestID.Add(1)
	msg := buildLoadHistory(asset, period, timestamp, index, offset)

	ack := validator.All(
		validator.Contains(eventLoadHistoryPeriod),
		validator.Contains(`"index":`+strconv.FormatUint(index, 10)),
	)
	frame, err := s.sendAndAwait(ctx, msg, ack, s.cfg.Timeout)
	if err != nil {
		return nil, err
	}

	payload, ok := eventPayload(frame.Text())
	if !ok {
		return nil, errs.New("pocketoption/candles", errs.CodeVenue,
			errs.WithMessage("unreadable history response"), errs.WithRawFrame(frame.Text()))
	}
	var resp historyResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, errs.New("pocketoption/candles", errs.CodeVenue,
			errs.WithMessage("unreadable history response"), errs.WithCause(err))
	}
	candles, err := resp.candles()
	if err != nil {
		return nil, errs.New("pocketoption/candles", errs.CodeVenue,
			errs.WithMessage("unreadable candle rows"), errs.WithCause(err))
	}
	return candles, nil
}

// History switches the stream to the asset and returns the tick history the
// venue sends with the switch.
func (s *Session) History(ctx context.Context, asset string, period int64) ([]HistoryPoint, error) {
	msg := buildChangeSymbol(asset, period)
	ack := validator.All(
		validator.Contains(eventHistoryNew),
		validator.Contains(`"asset":`+fmt.Sprintf("%q", asset)),
	)
	frame, err := s.sendAndAwait(ctx, msg, ack, s.cfg.Timeout)
	if err != nil {
		return nil, err
	}

	payload, ok := eventPayload(frame.Text())
	if !ok {
		return nil, errs.New("pocketoption/history", errs.CodeVenue,
			errs.WithMessage("unreadable history event"), errs.WithRawFrame(frame.Text()))
	}
	var hist symbolHistory
	if err := json.Unmarshal(payload, &hist); err != nil {
		return nil, errs.New("pocketoption/history", errs.CodeVenue,
			errs.WithMessage("unreadable history event"), errs.WithCause(err))
	}
	points, err := hist.points()
	if err != nil {
		return nil, errs.New("pocketoption/history", errs.CodeVenue,
			errs.WithMessage("unreadable history points"), errs.WithCause(err))
	}
	return points, nil
}

// SubscribeSymbol streams live quotes for one symbol. The subscription
// survives reconnects: its subscribe command is replayed on every new
// connection until the stream is closed.
func (s *Session) SubscribeSymbol(ctx context.Context, symbol string) (*stream.Stream[Quote], error) {
	return s.subscribeQuotes(ctx, symbol, 0)
}

// SubscribeSymbolTimed streams live quotes and ends the stream after the
// elapsed period.
func (s *Session) SubscribeSymbolTimed(ctx context.Context, symbol string, d time.Duration) (*stream.Stream[Quote], error) {
	if d <= 0 {
		return nil, errs.New("pocketoption/subscribe", errs.CodeInvalid,
			errs.WithMessage("subscription period must be positive"))
	}
	return s.subscribeQuotes(ctx, symbol, d)
}

// SubscribeSymbolChunked streams live quotes grouped into fixed-size batches.
// A final partial batch is emitted when the stream ends.
func (s *Session) SubscribeSymbolChunked(ctx context.Context, symbol string, size int) (*stream.Stream[[]Quote], error) {
	if size <= 0 {
		return nil, errs.New("pocketoption/subscribe", errs.CodeInvalid,
			errs.WithMessage("chunk size must be positive"))
	}
	quotes, err := s.subscribeQuotes(ctx, symbol, 0)
	if err != nil {
		return nil, err
	}
	return stream.Chunk(quotes, size), nil
}

func (s *Session) subscribeQuotes(ctx context.Context, symbol string, expiry time.Duration) (*stream.Stream[Quote], error) {
	cmd := buildChangeSymbol(symbol, 1)

	match := validator.All(
		validator.Contains(eventUpdateStream),
		validator.Contains(`"`+symbol+`"`),
	)
	frames := s.router.Subscribe(match, dispatch.SubscribeOptions{Expiry: expiry})

	replayID := s.addReplay(cmd)
	frames.OnClose(func() { s.removeReplay(replayID) })

	if err := s.mgr.Send(ctx, cmd); err != nil {
		frames.Close()
		return nil, err
	}

	// One frame may carry a batch of quotes; the per-symbol stream surfaces
	// the latest quote of each batch.
	quotes := stream.Map(frames, func(f dispatch.Frame) (Quote, error) {
		payload, ok := eventPayload(f.Text())
		if !ok {
			return Quote{}, fmt.Errorf("not an event frame")
		}
		var batch []Quote
		if err := json.Unmarshal(payload, &batch); err != nil {
			return Quote{}, err
		}
		if len(batch) == 0 {
			return Quote{}, fmt.Errorf("empty quote batch")
		}
		return batch[len(batch)-1], nil
	})
	return quotes, nil
}

// Watch consumes a live quote subscription through a handler callback instead
// of a stream. Callbacks run on a bounded worker pool so a slow handler sheds
// load rather than stalling consumption. The returned stop function ends the
// subscription and drains the pool.
func (s *Session) Watch(ctx context.Context, symbol string, fn func(Quote)) (func(), error) {
	if fn == nil {
		return nil, errs.New("pocketoption/watch", errs.CodeInvalid,
			errs.WithMessage("nil quote handler"))
	}
	quotes, err := s.subscribeQuotes(ctx, symbol, 0)
	if err != nil {
		return nil, err
	}
	pool, err := async.NewPool(1, s.cfg.SubscriptionBuffer)
	if err != nil {
		quotes.Close()
		return nil, err
	}

	go func() {
		for {
			q, err := quotes.Next(context.Background())
			if err != nil {
				return
			}
			if err := pool.Submit(context.Background(), func(context.Context) error {
				fn(q)
				return nil
			}); err != nil {
				log.Printf("pocketoption: watch %s dropped a quote: %v", symbol, err)
			}
		}
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			quotes.Close()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = pool.Shutdown(shutdownCtx)
		})
	}
	return stop, nil
}

// SendRawMessage writes one raw frame to the venue.
func (s *Session) SendRawMessage(ctx context.Context, message string) error {
	return s.mgr.Send(ctx, message)
}

// CreateRawOrder sends a raw frame and returns the first frame accepted by
// the validator, bounded by the default operation timeout.
func (s *Session) CreateRawOrder(ctx context.Context, message string, v validator.Validator) (string, error) {
	return s.CreateRawOrderWithTimeout(ctx, message, v, s.cfg.Timeout)
}

// CreateRawOrderWithTimeout sends a raw frame with an explicit correlation
// deadline.
func (s *Session) CreateRawOrderWithTimeout(ctx context.Context, message string, v validator.Validator, timeout time.Duration) (string, error) {
	frame, err := s.sendAndAwait(ctx, message, v, timeout)
	if err != nil {
		return "", err
	}
	return frame.Text(), nil
}

// CreateRawOrderWithTimeoutAndRetry retries the send-and-correlate cycle on
// timeout, re-sending the frame each attempt.
func (s *Session) CreateRawOrderWithTimeoutAndRetry(ctx context.Context, message string, v validator.Validator, timeout time.Duration) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= rawOrderRetries; attempt++ {
		frame, err := s.sendAndAwait(ctx, message, v, timeout)
		if err == nil {
			return frame.Text(), nil
		}
		lastErr = err
		if !errs.IsTimeout(err) && !errs.IsConnection(err) {
			return "", err
		}
		if ctx != nil && ctx.Err() != nil {
			return "", err
		}
		log.Printf("pocketoption: raw order attempt %d/%d failed: %v", attempt, rawOrderRetries, err)
		observability.Emit(s.events, observability.EventCorrelationRetry, observability.SeverityWarn,
			map[string]any{"attempt": attempt, "error": err.Error()})
	}
	return "", errs.New("pocketoption/raw", errs.CodeTimeout,
		errs.WithMessage("raw order attempts exhausted"),
		errs.WithAttempts(rawOrderRetries), errs.WithCause(lastErr))
}

// CreateRawIterator sends a raw frame and streams every subsequent frame the
// validator accepts. A zero expiry keeps the stream open until closed; the
// initiating frame is replayed after reconnects while the stream lives.
func (s *Session) CreateRawIterator(ctx context.Context, message string, v validator.Validator, expiry time.Duration) (*stream.Stream[string], error) {
	frames := s.router.Subscribe(v, dispatch.SubscribeOptions{Expiry: expiry})

	replayID := s.addReplay(message)
	frames.OnClose(func() { s.removeReplay(replayID) })

	if err := s.mgr.Send(ctx, message); err != nil {
		frames.Close()
		return nil, err
	}
	return stream.Map(frames, func(f dispatch.Frame) (string, error) {
		return f.Text(), nil
	}), nil
}

// sendAndAwait registers the correlation slot before writing so the response
// cannot race the registration.
func (s *Session) sendAndAwait(ctx context.Context, message string, v validator.Validator, timeout time.Duration) (dispatch.Frame, error) {
	if timeout <= 0 {
		timeout = s.cfg.Timeout
	}
	ticket, err := s.router.Register(v)
	if err != nil {
		return dispatch.Frame{}, err
	}
	if err := s.mgr.Send(ctx, message); err != nil {
		ticket.Cancel()
		return dispatch.Frame{}, err
	}
	frame, err := ticket.Wait(ctx, timeout)
	if err != nil {
		if errs.IsTimeout(err) {
			observability.Emit(s.events, observability.EventCorrelationTimeout, observability.SeverityWarn,
				map[string]any{"timeout": timeout.String()})
		}
		return dispatch.Frame{}, err
	}
	return frame, nil
}

// replayCommands snapshots the subscribe commands re-sent after a reconnect.
func (s *Session) replayCommands() []string {
	s.replayMu.Lock()
	defer s.replayMu.Unlock()
	out := make([]string, 0, len(s.replay))
	for id := uint64(0); id <= s.nextReplay; id++ {
		if cmd, ok := s.replay[id]; ok {
			out = append(out, cmd)
		}
	}
	return out
}

func (s *Session) addReplay(cmd string) uint64 {
	s.replayMu.Lock()
	defer s.replayMu.Unlock()
	s.nextReplay++
	id := s.nextReplay
	s.replay[id] = cmd
	return id
}

func (s *Session) removeReplay(id uint64) {
	s.replayMu.Lock()
	defer s.replayMu.Unlock()
	delete(s.replay, id)
}
