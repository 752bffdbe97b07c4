package pocketoption

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tradewire/pocketsession/internal/dispatch"
)

func frameOf(text string) dispatch.Frame {
	return dispatch.Frame{Payload: []byte(text), Received: time.Now()}
}

func TestStateBalanceUpdate(t *testing.T) {
	s := newAccountState()
	s.apply(frameOf(`42["successupdateBalance",{"isDemo":1,"balance":49977.84}]`))

	b := s.balanceSnapshot()
	if b.IsDemo != 1 {
		t.Fatalf("isDemo = %d", b.IsDemo)
	}
	if b.Balance.String() != "49977.84" {
		t.Fatalf("balance = %s", b.Balance)
	}
}

func TestStateDealLifecycle(t *testing.T) {
	s := newAccountState()
	id := uuid.New()

	s.apply(frameOf(`42["successopenDeal",{"id":"` + id.String() + `","asset":"EURUSD_otc","amount":5,"closeTimestamp":1700000060,"command":0}]`))

	opened := s.openedDeals()
	if len(opened) != 1 || opened[0].ID != id {
		t.Fatalf("opened = %+v", opened)
	}
	if _, ok := s.closedDeal(id); ok {
		t.Fatal("deal should not be closed yet")
	}
	end, ok := s.deal(id)
	if !ok || end.EndTime() != time.Unix(1700000060, 0).UTC() {
		t.Fatalf("end time = %v, ok=%v", end.EndTime(), ok)
	}

	s.apply(frameOf(`42["successcloseDeal",{"profit":4.6,"deals":[{"id":"` + id.String() + `","asset":"EURUSD_otc","amount":5,"profit":4.6,"command":0}]}]`))

	if len(s.openedDeals()) != 0 {
		t.Fatal("deal should have left the opened cache")
	}
	closed, ok := s.closedDeal(id)
	if !ok {
		t.Fatal("deal should be in the closed cache")
	}
	if !closed.Win() {
		t.Fatalf("profit = %s, want win", closed.Profit)
	}

	// Replays of the same close must not duplicate the history entry.
	s.apply(frameOf(`42["successcloseDeal",{"profit":4.6,"deals":[{"id":"` + id.String() + `","asset":"EURUSD_otc","amount":5,"profit":4.6,"command":0}]}]`))
	if got := len(s.closedDeals()); got != 1 {
		t.Fatalf("closed deals = %d, want 1", got)
	}

	s.clearClosedDeals()
	if len(s.closedDeals()) != 0 {
		t.Fatal("closed deals should be cleared")
	}
}

func TestStateOpenedDealsSnapshotReplaces(t *testing.T) {
	s := newAccountState()
	a, b := uuid.New(), uuid.New()

	s.apply(frameOf(`42["successopenDeal",{"id":"` + a.String() + `","asset":"EURUSD_otc","amount":1}]`))
	s.apply(frameOf(`42["updateOpenedDeals",[{"id":"` + b.String() + `","asset":"GBPUSD_otc","amount":2}]]`))

	opened := s.openedDeals()
	if len(opened) != 1 || opened[0].ID != b {
		t.Fatalf("opened = %+v, want only the snapshot deal", opened)
	}
}

func TestStateAssetTable(t *testing.T) {
	s := newAccountState()
	s.apply(frameOf(`42["updateAssets",[[5,"EURUSD_otc","EUR/USD OTC","currency",2,92,60,30,3,0,0,0,0,[],true],[7,"GBPUSD_otc","GBP/USD OTC","currency",2,80,60,30,3,0,0,0,0,[],false]]]`))

	payouts := s.payouts()
	if payouts["EURUSD_otc"] != 92 || payouts["GBPUSD_otc"] != 80 {
		t.Fatalf("payouts = %v", payouts)
	}
	a, ok := s.asset("EURUSD_otc")
	if !ok || !a.Open || a.Label != "EUR/USD OTC" {
		t.Fatalf("asset = %+v, ok=%v", a, ok)
	}
}

func TestStateServerClock(t *testing.T) {
	s := newAccountState()
	if s.now().IsZero() {
		t.Fatal("clock should fall back to local time before any quote")
	}

	s.apply(frameOf(`42["updateStream",[["EURUSD_otc",1700000000.25,1.07]]]`))

	got := s.now().Unix()
	if got < 1700000000 || got > 1700000010 {
		t.Fatalf("server clock = %d, want near 1700000000", got)
	}

	// Older quotes never move the clock backwards.
	s.apply(frameOf(`42["updateStream",[["EURUSD_otc",1600000000.0,1.07]]]`))
	if s.now().Unix() < 1700000000 {
		t.Fatal("server clock went backwards")
	}
}

func TestStateIgnoresMalformedPayloads(t *testing.T) {
	s := newAccountState()
	s.apply(frameOf(`42["successupdateBalance","not an object"]`))
	s.apply(frameOf(`42["successopenDeal",[1,2,3]]`))
	s.apply(frameOf(`2`))
	s.apply(frameOf(``))

	if len(s.openedDeals()) != 0 {
		t.Fatal("malformed payloads must not populate the cache")
	}
}
