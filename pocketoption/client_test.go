package pocketoption

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/tradewire/pocketsession/config"
	"github.com/tradewire/pocketsession/errs"
	"github.com/tradewire/pocketsession/validator"
)

const testSSID = `42["auth",{"session":"abcdef","isDemo":1,"uid":12345,"platform":2}]`

var requestIDPattern = regexp.MustCompile(`"requestId":(\d+)`)
var indexPattern = regexp.MustCompile(`"index":(\d+)`)

// scriptedVenue accepts connections, performs the session handshake, and
// answers each inbound frame through respond.
type scriptedVenue struct {
	server  *httptest.Server
	respond func(text string) []string
	push    chan string
}

func newScriptedVenue(t *testing.T, respond func(text string) []string) *scriptedVenue {
	t.Helper()
	v := &scriptedVenue{respond: respond, push: make(chan string, 16)}
	v.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "shutdown")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		write := func(text string) bool {
			return conn.Write(ctx, websocket.MessageText, []byte(text)) == nil
		}

		if !write(`0{"sid":"fake","pingInterval":25000}`) {
			return
		}
		if _, data, err := conn.Read(ctx); err != nil || string(data) != "40" {
			return
		}
		if !write(`40{"sid":"fake"}`) {
			return
		}
		if _, data, err := conn.Read(ctx); err != nil || !strings.Contains(string(data), "auth") {
			return
		}
		if !write(`42["successauth",0]`) {
			return
		}

		reads := make(chan string)
		go func() {
			defer close(reads)
			for {
				_, data, err := conn.Read(ctx)
				if err != nil {
					return
				}
				reads <- string(data)
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case text := <-v.push:
				if !write(text) {
					return
				}
			case text, ok := <-reads:
				if !ok {
					return
				}
				if v.respond == nil {
					continue
				}
				for _, reply := range v.respond(text) {
					if !write(reply) {
						return
					}
				}
			}
		}
	}))
	t.Cleanup(v.server.Close)
	return v
}

func (v *scriptedVenue) url(t *testing.T) string {
	t.Helper()
	u, err := url.Parse(v.server.URL)
	require.NoError(t, err)
	u.Scheme = "ws"
	return u.String()
}

func dialSession(t *testing.T, v *scriptedVenue) *Session {
	t.Helper()
	cfg := config.Default()
	cfg.CandidateURLs = []string{v.url(t)}
	cfg.ConnectionInitTimeout = 2 * time.Second
	cfg.Timeout = 2 * time.Second
	cfg.ReconnectDelay = 50 * time.Millisecond
	cfg.KeepAliveInterval = time.Hour
	cfg.WriteRatePerSecond = 0

	s, err := NewWithConfig(context.Background(), testSSID, cfg)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestSessionConnects(t *testing.T) {
	venue := newScriptedVenue(t, nil)
	s := dialSession(t, venue)

	require.True(t, s.IsDemo())
}

func TestSessionRejectsEmptyCredential(t *testing.T) {
	_, err := NewWithConfig(context.Background(), "", config.Default())
	require.Error(t, err)
	require.Equal(t, errs.CodeInvalid, errs.CodeOf(err))
}

func TestSessionBalanceFromBinaryEvent(t *testing.T) {
	venue := newScriptedVenue(t, nil)
	s := dialSession(t, venue)

	venue.push <- `451-["successupdateBalance",{"_placeholder":true,"num":0}]`
	venue.push <- `{"isDemo":1,"balance":49977.84}`

	require.Eventually(t, func() bool {
		return s.GetBalance().Balance.String() == "49977.84"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSessionBuy(t *testing.T) {
	dealID := "11111111-2222-3333-4444-555555555555"
	venue := newScriptedVenue(t, func(text string) []string {
		if !strings.Contains(text, "openOrder") {
			return nil
		}
		m := requestIDPattern.FindStringSubmatch(text)
		if m == nil {
			return nil
		}
		deal := fmt.Sprintf(`{"id":%q,"asset":"EURUSD_otc","amount":5,"command":0,"requestId":%s,"closeTimestamp":1700000060}`, dealID, m[1])
		return []string{`42["successopenDeal",` + deal + `]`}
	})
	s := dialSession(t, venue)

	id, deal, err := s.Buy(context.Background(), "EURUSD_otc", decimal.NewFromInt(5), 60)
	require.NoError(t, err)
	require.Equal(t, dealID, id.String())
	require.Equal(t, ActionCall, deal.Action())
	require.Equal(t, "EURUSD_otc", deal.Asset)

	// The acknowledgement also lands in the opened-deal cache.
	require.Len(t, s.GetOpenedDeals(), 1)

	end, ok := s.GetDealEndTime(id)
	require.True(t, ok)
	require.Equal(t, int64(1700000060), end.Unix())
}

func TestSessionBuyRejected(t *testing.T) {
	venue := newScriptedVenue(t, func(text string) []string {
		if strings.Contains(text, "openOrder") {
			return []string{`42["failopenOrder",{"error":"not enough money"}]`}
		}
		return nil
	})
	s := dialSession(t, venue)

	_, _, err := s.Buy(context.Background(), "EURUSD_otc", decimal.NewFromInt(5), 60)
	require.Error(t, err)
	require.Equal(t, errs.CodeVenue, errs.CodeOf(err))
}

func TestSessionOrderValidation(t *testing.T) {
	venue := newScriptedVenue(t, nil)
	s := dialSession(t, venue)

	_, _, err := s.Buy(context.Background(), "EURUSD_otc", decimal.Zero, 60)
	require.Equal(t, errs.CodeInvalid, errs.CodeOf(err))

	_, _, err = s.Sell(context.Background(), "EURUSD_otc", decimal.NewFromInt(5), 0)
	require.Equal(t, errs.CodeInvalid, errs.CodeOf(err))
}

func TestSessionCheckResult(t *testing.T) {
	dealID := "11111111-2222-3333-4444-555555555555"
	venue := newScriptedVenue(t, func(text string) []string {
		if !strings.Contains(text, "openOrder") {
			return nil
		}
		m := requestIDPattern.FindStringSubmatch(text)
		deal := fmt.Sprintf(`{"id":%q,"asset":"EURUSD_otc","amount":5,"command":0,"requestId":%s}`, dealID, m[1])
		closed := fmt.Sprintf(`{"id":%q,"asset":"EURUSD_otc","amount":5,"profit":4.6,"command":0}`, dealID)
		return []string{
			`42["successopenDeal",` + deal + `]`,
			`42["successcloseDeal",{"profit":4.6,"deals":[` + closed + `]}]`,
		}
	})
	s := dialSession(t, venue)

	id, _, err := s.Buy(context.Background(), "EURUSD_otc", decimal.NewFromInt(5), 60)
	require.NoError(t, err)

	deal, err := s.CheckResult(context.Background(), id)
	require.NoError(t, err)
	require.True(t, deal.Win())
	require.Equal(t, "4.6", deal.Profit.String())
}

func TestSessionCheckResultTimesOut(t *testing.T) {
	venue := newScriptedVenue(t, nil)
	s := dialSession(t, venue)
	s.cfg.Timeout = 200 * time.Millisecond

	_, err := s.CheckResult(context.Background(), uuid.MustParse("11111111-2222-3333-4444-555555555555"))
	require.Error(t, err)
	require.True(t, errs.IsTimeout(err))
}

func TestSessionGetCandles(t *testing.T) {
	venue := newScriptedVenue(t, func(text string) []string {
		if !strings.Contains(text, "loadHistoryPeriod") {
			return nil
		}
		m := indexPattern.FindStringSubmatch(text)
		body := fmt.Sprintf(`{"asset":"EURUSD_otc","index":%s,"period":60,"data":[],"candles":[[1700000000,1.07,1.08,1.09,1.06],[1700000060,1.08,1.07,1.085,1.065]]}`, m[1])
		return []string{`42["loadHistoryPeriod",` + body + `]`}
	})
	s := dialSession(t, venue)

	candles, err := s.GetCandles(context.Background(), "EURUSD_otc", 60, 3600)
	require.NoError(t, err)
	require.Len(t, candles, 2)
	require.Equal(t, int64(1700000000), candles[0].Time)
	require.Equal(t, "1.08", candles[0].Close.String())
}

func TestSessionHistory(t *testing.T) {
	venue := newScriptedVenue(t, func(text string) []string {
		if !strings.Contains(text, "changeSymbol") {
			return nil
		}
		return []string{`42["updateHistoryNew",{"asset":"EURUSD_otc","period":60,"history":[[1700000000.1,1.07],[1700000001.2,1.071]],"candles":[]}]`}
	})
	s := dialSession(t, venue)

	points, err := s.History(context.Background(), "EURUSD_otc", 60)
	require.NoError(t, err)
	require.Len(t, points, 2)
	require.Equal(t, "1.071", points[1].Price.String())
}

func TestSessionSubscribeSymbol(t *testing.T) {
	venue := newScriptedVenue(t, func(text string) []string {
		if !strings.Contains(text, "changeSymbol") {
			return nil
		}
		return []string{
			`42["updateStream",[["EURUSD_otc",1700000000.1,1.07]]]`,
			`42["updateStream",[["EURUSD_otc",1700000000.6,1.071],["EURUSD_otc",1700000001.1,1.072]]]`,
		}
	})
	s := dialSession(t, venue)

	quotes, err := s.SubscribeSymbol(context.Background(), "EURUSD_otc")
	require.NoError(t, err)
	defer quotes.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	first, err := quotes.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "EURUSD_otc", first.Asset)
	require.Equal(t, "1.07", first.Price.String())

	// Batched frames surface their latest quote.
	second, err := quotes.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "1.072", second.Price.String())
}

func TestSessionSubscribeSymbolChunked(t *testing.T) {
	venue := newScriptedVenue(t, func(text string) []string {
		if !strings.Contains(text, "changeSymbol") {
			return nil
		}
		return []string{
			`42["updateStream",[["EURUSD_otc",1700000000.1,1.07]]]`,
			`42["updateStream",[["EURUSD_otc",1700000000.6,1.071]]]`,
		}
	})
	s := dialSession(t, venue)

	chunks, err := s.SubscribeSymbolChunked(context.Background(), "EURUSD_otc", 2)
	require.NoError(t, err)
	defer chunks.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	chunk, err := chunks.Next(ctx)
	require.NoError(t, err)
	require.Len(t, chunk, 2)
}

func TestSessionSubscribeSymbolTimed(t *testing.T) {
	venue := newScriptedVenue(t, nil)
	s := dialSession(t, venue)

	quotes, err := s.SubscribeSymbolTimed(context.Background(), "EURUSD_otc", 100*time.Millisecond)
	require.NoError(t, err)
	defer quotes.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err = quotes.Next(ctx)
	require.Error(t, err)
	require.Equal(t, errs.CodeStreamExhausted, errs.CodeOf(err))

	_, err = s.SubscribeSymbolTimed(context.Background(), "EURUSD_otc", 0)
	require.Equal(t, errs.CodeInvalid, errs.CodeOf(err))
}

func TestSessionCreateRawOrder(t *testing.T) {
	venue := newScriptedVenue(t, func(text string) []string {
		if strings.Contains(text, "customRequest") {
			return []string{`42["customReply",{"ok":true}]`}
		}
		return nil
	})
	s := dialSession(t, venue)

	reply, err := s.CreateRawOrder(context.Background(), `42["customRequest",{}]`, validator.Contains("customReply"))
	require.NoError(t, err)
	require.Contains(t, reply, `"ok":true`)
}

func TestSessionCreateRawOrderTimeout(t *testing.T) {
	venue := newScriptedVenue(t, nil)
	s := dialSession(t, venue)

	_, err := s.CreateRawOrderWithTimeout(context.Background(), `42["customRequest",{}]`,
		validator.Contains("neverComes"), 150*time.Millisecond)
	require.Error(t, err)
	require.True(t, errs.IsTimeout(err))
}

func TestSessionCreateRawIterator(t *testing.T) {
	venue := newScriptedVenue(t, func(text string) []string {
		if strings.Contains(text, "startFeed") {
			return []string{
				`42["feedItem",{"n":1}]`,
				`42["feedItem",{"n":2}]`,
			}
		}
		return nil
	})
	s := dialSession(t, venue)

	feed, err := s.CreateRawIterator(context.Background(), `42["startFeed",{}]`,
		validator.Contains("feedItem"), 0)
	require.NoError(t, err)
	defer feed.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	first, err := feed.Next(ctx)
	require.NoError(t, err)
	require.Contains(t, first, `"n":1`)
	second, err := feed.Next(ctx)
	require.NoError(t, err)
	require.Contains(t, second, `"n":2`)
}

func TestSessionReplayCommandsTrackStreams(t *testing.T) {
	venue := newScriptedVenue(t, nil)
	s := dialSession(t, venue)

	quotes, err := s.SubscribeSymbol(context.Background(), "EURUSD_otc")
	require.NoError(t, err)

	require.Len(t, s.replayCommands(), 1)
	require.Contains(t, s.replayCommands()[0], "EURUSD_otc")

	quotes.Close()
	require.Eventually(t, func() bool {
		return len(s.replayCommands()) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSessionWatch(t *testing.T) {
	venue := newScriptedVenue(t, func(text string) []string {
		if !strings.Contains(text, "changeSymbol") {
			return nil
		}
		return []string{
			`42["updateStream",[["EURUSD_otc",1700000000.1,1.07]]]`,
			`42["updateStream",[["EURUSD_otc",1700000000.6,1.071]]]`,
		}
	})
	s := dialSession(t, venue)

	got := make(chan Quote, 4)
	stop, err := s.Watch(context.Background(), "EURUSD_otc", func(q Quote) { got <- q })
	require.NoError(t, err)
	defer stop()

	select {
	case q := <-got:
		require.Equal(t, "EURUSD_otc", q.Asset)
	case <-time.After(2 * time.Second):
		t.Fatal("watch handler never fired")
	}

	stop()
	stop()

	_, err = s.Watch(context.Background(), "EURUSD_otc", nil)
	require.Equal(t, errs.CodeInvalid, errs.CodeOf(err))
}

func TestSessionServerTimeFromStream(t *testing.T) {
	venue := newScriptedVenue(t, nil)
	s := dialSession(t, venue)

	venue.push <- `42["updateStream",[["EURUSD_otc",1700000000.5,1.07]]]`

	require.Eventually(t, func() bool {
		ts := s.GetServerTime().Unix()
		return ts >= 1700000000 && ts < 1700000010
	}, 2*time.Second, 10*time.Millisecond)
}
