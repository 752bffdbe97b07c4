package pocketoption

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Deal is an order acknowledged by the venue. Closed deals additionally carry
// the close price and realized profit.
type Deal struct {
	ID             uuid.UUID       `json:"id"`
	OpenTime       string          `json:"openTime"`
	CloseTime      string          `json:"closeTime"`
	OpenTimestamp  int64           `json:"openTimestamp"`
	CloseTimestamp int64           `json:"closeTimestamp"`
	Asset          string          `json:"asset"`
	Amount         decimal.Decimal `json:"amount"`
	Profit         decimal.Decimal `json:"profit"`
	PercentProfit  int             `json:"percentProfit"`
	PercentLoss    int             `json:"percentLoss"`
	OpenPrice      decimal.Decimal `json:"openPrice"`
	ClosePrice     decimal.Decimal `json:"closePrice"`
	Command        int             `json:"command"`
	IsDemo         int             `json:"isDemo"`
	RequestID      uint64          `json:"requestId,omitempty"`
}

// Action maps the venue's command code onto the order direction.
func (d Deal) Action() OrderAction {
	if d.Command == 1 {
		return ActionPut
	}
	return ActionCall
}

// Win reports whether a closed deal ended in profit.
func (d Deal) Win() bool {
	return d.Profit.IsPositive()
}

// EndTime is the scheduled expiry of the deal.
func (d Deal) EndTime() time.Time {
	return time.Unix(d.CloseTimestamp, 0).UTC()
}

// Quote is a single tick from the market-data stream. The venue ships quotes
// as positional arrays: [asset, unix seconds with fraction, price].
type Quote struct {
	Asset string
	Time  float64
	Price decimal.Decimal
}

// UnmarshalJSON decodes the positional array form.
func (q *Quote) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	if len(parts) < 3 {
		return fmt.Errorf("quote: want 3 elements, got %d", len(parts))
	}
	if err := json.Unmarshal(parts[0], &q.Asset); err != nil {
		return fmt.Errorf("quote asset: %w", err)
	}
	if err := json.Unmarshal(parts[1], &q.Time); err != nil {
		return fmt.Errorf("quote time: %w", err)
	}
	if err := json.Unmarshal(parts[2], &q.Price); err != nil {
		return fmt.Errorf("quote price: %w", err)
	}
	return nil
}

// Timestamp converts the fractional unix time to a time.Time.
func (q Quote) Timestamp() time.Time {
	sec := int64(q.Time)
	nsec := int64((q.Time - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec).UTC()
}

// Candle is an OHLC bar from candle history. The venue ships candles as
// positional arrays: [unix seconds, open, close, high, low].
type Candle struct {
	Time  int64
	Open  decimal.Decimal
	Close decimal.Decimal
	High  decimal.Decimal
	Low   decimal.Decimal
}

// UnmarshalJSON accepts both the positional array form and the keyed object
// form the venue uses in different responses.
func (c *Candle) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '[' {
		var parts []json.RawMessage
		if err := json.Unmarshal(data, &parts); err != nil {
			return err
		}
		if len(parts) < 5 {
			return fmt.Errorf("candle: want 5 elements, got %d", len(parts))
		}
		fields := []any{&c.Time, &c.Open, &c.Close, &c.High, &c.Low}
		for i, dst := range fields {
			if err := json.Unmarshal(parts[i], dst); err != nil {
				return fmt.Errorf("candle element %d: %w", i, err)
			}
		}
		return nil
	}
	var keyed struct {
		Time  int64           `json:"time"`
		Open  decimal.Decimal `json:"open"`
		Close decimal.Decimal `json:"close"`
		High  decimal.Decimal `json:"high"`
		Low   decimal.Decimal `json:"low"`
	}
	if err := json.Unmarshal(data, &keyed); err != nil {
		return err
	}
	c.Time, c.Open, c.Close, c.High, c.Low = keyed.Time, keyed.Open, keyed.Close, keyed.High, keyed.Low
	return nil
}

// Balance is the account balance snapshot pushed by the venue.
type Balance struct {
	IsDemo  int             `json:"isDemo"`
	Balance decimal.Decimal `json:"balance"`
}

// Asset describes one tradable instrument from the venue's asset table.
// The table ships rows as positional arrays; only the columns the session
// uses are decoded.
type Asset struct {
	ID     int
	Symbol string
	Label  string
	Payout int
	Open   bool
}

func (a *Asset) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	if len(parts) < 3 {
		return fmt.Errorf("asset row: want at least 3 columns, got %d", len(parts))
	}
	if err := json.Unmarshal(parts[0], &a.ID); err != nil {
		return fmt.Errorf("asset id: %w", err)
	}
	if err := json.Unmarshal(parts[1], &a.Symbol); err != nil {
		return fmt.Errorf("asset symbol: %w", err)
	}
	if err := json.Unmarshal(parts[2], &a.Label); err != nil {
		return fmt.Errorf("asset label: %w", err)
	}
	if len(parts) > 5 {
		_ = json.Unmarshal(parts[5], &a.Payout)
	}
	if len(parts) > 14 {
		_ = json.Unmarshal(parts[14], &a.Open)
	}
	return nil
}

// HistoryPoint is one tick from a history response.
type HistoryPoint struct {
	Time  float64         `json:"time"`
	Price decimal.Decimal `json:"price"`
}

// historyResponse is the payload of a candle history reply. index echoes the
// request's correlation key.
type historyResponse struct {
	Asset   string            `json:"asset"`
	Index   uint64            `json:"index"`
	Period  int64             `json:"period"`
	Data    []HistoryPoint    `json:"data"`
	Candles []json.RawMessage `json:"candles"`
}

func (h historyResponse) candles() ([]Candle, error) {
	out := make([]Candle, 0, len(h.Candles))
	for _, raw := range h.Candles {
		var c Candle
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// symbolHistory is the payload of an updateHistoryNew event: the tick history
// sent after a symbol change.
type symbolHistory struct {
	Asset   string            `json:"asset"`
	Period  int64             `json:"period"`
	History [][]json.Number   `json:"history"`
	Candles []json.RawMessage `json:"candles"`
}

func (s symbolHistory) points() ([]HistoryPoint, error) {
	out := make([]HistoryPoint, 0, len(s.History))
	for _, pair := range s.History {
		if len(pair) < 2 {
			continue
		}
		t, err := pair[0].Float64()
		if err != nil {
			return nil, fmt.Errorf("history time: %w", err)
		}
		price, err := decimal.NewFromString(pair[1].String())
		if err != nil {
			return nil, fmt.Errorf("history price: %w", err)
		}
		out = append(out, HistoryPoint{Time: t, Price: price})
	}
	return out, nil
}

// closeDealsPayload is the payload of a successcloseDeal event.
type closeDealsPayload struct {
	Profit decimal.Decimal `json:"profit"`
	Deals  []Deal          `json:"deals"`
}
