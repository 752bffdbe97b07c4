// Package pocketoption exposes the venue session facade: domain operations
// over a persistent authenticated websocket, with request correlation and
// filtered market-data subscriptions handled by the internal router.
package pocketoption

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/tradewire/pocketsession/internal/dispatch"
)

// Engine.io / socket.io framing used by the venue. Every frame is text; the
// first bytes classify it.
const (
	prefixHandshake   = "0"
	prefixNamespace   = "40"
	prefixEvent       = "42"
	prefixBinaryEvent = "451-"

	// Event names emitted by the venue.
	eventUpdateStream      = "updateStream"
	eventOpenDealSuccess   = "successopenDeal"
	eventOpenDealFailure   = "failopenOrder"
	eventCloseDealSuccess  = "successcloseDeal"
	eventUpdateBalance     = "successupdateBalance"
	eventUpdateOpenedDeals = "updateOpenedDeals"
	eventUpdateClosedDeals = "updateClosedDeals"
	eventUpdateAssets      = "updateAssets"
	eventHistoryNew        = "updateHistoryNew"
	eventLoadHistoryPeriod = "loadHistoryPeriod"
)

// OrderAction is the direction of a binary-options order.
type OrderAction string

const (
	ActionCall OrderAction = "call"
	ActionPut  OrderAction = "put"
)

// optionType 100 selects the standard binary contract.
const optionTypeBinary = 100

// eventName extracts the socket.io event name from a `42["name",...]` or
// `451-["name",...]` frame.
func eventName(frame string) (string, bool) {
	var body string
	switch {
	case strings.HasPrefix(frame, prefixBinaryEvent):
		body = frame[len(prefixBinaryEvent):]
	case strings.HasPrefix(frame, prefixEvent):
		body = frame[len(prefixEvent):]
	default:
		return "", false
	}
	var parts []json.RawMessage
	if err := json.Unmarshal([]byte(body), &parts); err != nil || len(parts) == 0 {
		return "", false
	}
	var name string
	if err := json.Unmarshal(parts[0], &name); err != nil {
		return "", false
	}
	return name, true
}

// eventPayload returns the second element of an event frame as raw JSON.
func eventPayload(frame string) (json.RawMessage, bool) {
	if !strings.HasPrefix(frame, prefixEvent) {
		return nil, false
	}
	var parts []json.RawMessage
	if err := json.Unmarshal([]byte(frame[len(prefixEvent):]), &parts); err != nil || len(parts) < 2 {
		return nil, false
	}
	return parts[1], true
}

// isDemoCredential reports whether a raw session credential targets a demo
// account. The credential embeds `"isDemo":1` for demo sessions.
func isDemoCredential(ssid string) bool {
	return strings.Contains(ssid, `"isDemo":1`)
}

// buildChangeSymbol produces the market-data subscription command.
func buildChangeSymbol(asset string, period int64) string {
	return fmt.Sprintf(`42["changeSymbol",{"asset":%q,"period":%d}]`, asset, period)
}

// buildOpenOrder produces the order placement command. requestID correlates
// the acknowledgement frame with this request.
func buildOpenOrder(asset string, amount decimal.Decimal, action OrderAction, durationSec int64, demo int, requestID uint64) string {
	return fmt.Sprintf(
		`42["openOrder",{"asset":%q,"amount":%s,"action":%q,"isDemo":%d,"requestId":%d,"optionType":%d,"time":%d}]`,
		asset, amount.String(), string(action), demo, requestID, optionTypeBinary, durationSec,
	)
}

// buildLoadHistory produces the candle history request. index echoes back in
// the response and serves as the correlation key.
func buildLoadHistory(asset string, period, timestamp int64, index uint64, offset int64) string {
	return fmt.Sprintf(
		`42["loadHistoryPeriod",{"asset":%q,"period":%d,"time":%d,"index":%d,"offset":%d}]`,
		asset, period, timestamp, index, offset,
	)
}

// frameAssembler folds binary-event announcements with their payload frame.
// The venue announces a binary event as `451-["name",{...}]` and ships the
// JSON payload in the NEXT frame; downstream consumers see one synthetic
// `42["name",payload]` frame instead.
type frameAssembler struct {
	pendingEvent string
}

func (a *frameAssembler) fold(frame dispatch.Frame) (dispatch.Frame, bool) {
	text := frame.Text()

	if strings.HasPrefix(text, prefixBinaryEvent) {
		if name, ok := eventName(text); ok {
			a.pendingEvent = name
			return frame, false
		}
		return frame, true
	}

	if a.pendingEvent != "" && !startsWithControlByte(text) {
		name := a.pendingEvent
		a.pendingEvent = ""
		merged := fmt.Sprintf(`42[%q,%s]`, name, text)
		return dispatch.Frame{Payload: []byte(merged), Received: frame.Received}, true
	}

	return frame, true
}

// startsWithControlByte reports whether the frame begins with engine.io
// control framing rather than a bare JSON payload.
func startsWithControlByte(text string) bool {
	if text == "" {
		return true
	}
	switch text[0] {
	case '0', '1', '2', '3', '4', '5', '6':
		return true
	default:
		return false
	}
}
