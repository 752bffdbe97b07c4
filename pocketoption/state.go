package pocketoption

import (
	"log"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/tradewire/pocketsession/internal/dispatch"
)

// accountState caches the account view pushed by the venue: balance, opened
// and closed deals, the asset table, and the observed server clock. Every
// inbound frame passes through apply on the dispatch task; reads come from
// facade accessors on caller goroutines.
type accountState struct {
	mu         sync.RWMutex
	balance    Balance
	opened     map[uuid.UUID]Deal
	closed     []Deal
	closedByID map[uuid.UUID]Deal
	assets     map[string]Asset

	serverTime float64
	observedAt time.Time
}

func newAccountState() *accountState {
	return &accountState{
		opened:     make(map[uuid.UUID]Deal),
		closedByID: make(map[uuid.UUID]Deal),
		assets:     make(map[string]Asset),
	}
}

// apply folds one inbound frame into the cache. Unknown events pass through
// untouched; malformed payloads are logged and skipped rather than poisoning
// dispatch.
func (s *accountState) apply(frame dispatch.Frame) {
	text := frame.Text()
	name, ok := eventName(text)
	if !ok {
		return
	}
	payload, ok := eventPayload(text)
	if !ok {
		return
	}

	switch name {
	case eventUpdateBalance:
		var b Balance
		if err := json.Unmarshal(payload, &b); err != nil {
			log.Printf("pocketoption: balance update unreadable: %v", err)
			return
		}
		s.mu.Lock()
		s.balance = b
		s.mu.Unlock()

	case eventOpenDealSuccess:
		var d Deal
		if err := json.Unmarshal(payload, &d); err != nil {
			log.Printf("pocketoption: open deal unreadable: %v", err)
			return
		}
		s.mu.Lock()
		s.opened[d.ID] = d
		s.mu.Unlock()

	case eventCloseDealSuccess:
		var closed closeDealsPayload
		if err := json.Unmarshal(payload, &closed); err != nil {
			log.Printf("pocketoption: close deal unreadable: %v", err)
			return
		}
		s.mu.Lock()
		for _, d := range closed.Deals {
			delete(s.opened, d.ID)
			if _, seen := s.closedByID[d.ID]; !seen {
				s.closed = append(s.closed, d)
			}
			s.closedByID[d.ID] = d
		}
		s.mu.Unlock()

	case eventUpdateOpenedDeals:
		var deals []Deal
		if err := json.Unmarshal(payload, &deals); err != nil {
			log.Printf("pocketoption: opened deals unreadable: %v", err)
			return
		}
		s.mu.Lock()
		s.opened = make(map[uuid.UUID]Deal, len(deals))
		for _, d := range deals {
			s.opened[d.ID] = d
		}
		s.mu.Unlock()

	case eventUpdateClosedDeals:
		var deals []Deal
		if err := json.Unmarshal(payload, &deals); err != nil {
			log.Printf("pocketoption: closed deals unreadable: %v", err)
			return
		}
		s.mu.Lock()
		for _, d := range deals {
			if _, seen := s.closedByID[d.ID]; !seen {
				s.closed = append(s.closed, d)
			}
			s.closedByID[d.ID] = d
		}
		s.mu.Unlock()

	case eventUpdateAssets:
		var rows []Asset
		if err := json.Unmarshal(payload, &rows); err != nil {
			log.Printf("pocketoption: asset table unreadable: %v", err)
			return
		}
		s.mu.Lock()
		for _, a := range rows {
			s.assets[a.Symbol] = a
		}
		s.mu.Unlock()

	case eventUpdateStream:
		var quotes []Quote
		if err := json.Unmarshal(payload, &quotes); err != nil {
			return
		}
		if len(quotes) == 0 {
			return
		}
		latest := quotes[len(quotes)-1]
		s.mu.Lock()
		if latest.Time > s.serverTime {
			s.serverTime = latest.Time
			s.observedAt = frame.Received
		}
		s.mu.Unlock()
	}
}

func (s *accountState) balanceSnapshot() Balance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balance
}

func (s *accountState) openedDeals() []Deal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Deal, 0, len(s.opened))
	for _, d := range s.opened {
		out = append(out, d)
	}
	return out
}

func (s *accountState) closedDeals() []Deal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Deal, len(s.closed))
	copy(out, s.closed)
	return out
}

func (s *accountState) clearClosedDeals() {
	s.mu.Lock()
	s.closed = nil
	s.closedByID = make(map[uuid.UUID]Deal)
	s.mu.Unlock()
}

// deal looks a deal up in the opened then closed caches.
func (s *accountState) deal(id uuid.UUID) (Deal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if d, ok := s.opened[id]; ok {
		return d, true
	}
	d, ok := s.closedByID[id]
	return d, ok
}

func (s *accountState) closedDeal(id uuid.UUID) (Deal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.closedByID[id]
	return d, ok
}

func (s *accountState) payouts() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int, len(s.assets))
	for sym, a := range s.assets {
		out[sym] = a.Payout
	}
	return out
}

func (s *accountState) asset(symbol string) (Asset, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.assets[symbol]
	return a, ok
}

// now extrapolates the venue clock from the last observed stream timestamp.
// Before any quote arrives the local clock is the best available estimate.
func (s *accountState) now() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.observedAt.IsZero() {
		return time.Now().UTC()
	}
	sec := int64(s.serverTime)
	nsec := int64((s.serverTime - float64(sec)) * float64(time.Second))
	base := time.Unix(sec, nsec)
	return base.Add(time.Since(s.observedAt)).UTC()
}
