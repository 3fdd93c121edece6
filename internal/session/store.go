package session

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/coachpo/pocketoption/errs"
)

// Store holds the state of one session. It is safe for concurrent use; every
// read returns a copy or an immutable snapshot.
type Store struct {
	now func() time.Time

	mu      sync.RWMutex
	status  Status
	lastErr error
	demo    bool

	balance      Balance
	balanceReady chan struct{}
	balanceOnce  sync.Once

	orders    map[string]Order
	byRequest map[string]string

	payouts     PayoutTable
	payoutReady chan struct{}
	payoutOnce  sync.Once

	quotes map[string]Quote
	recent map[string]History

	serverRef time.Time
	localRef  time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the wall clock used for timestamps and time sync.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore constructs an empty, disconnected session store.
func NewStore(demo bool, opts ...Option) *Store {
	s := &Store{
		now:          time.Now,
		demo:         demo,
		balanceReady: make(chan struct{}),
		orders:       make(map[string]Order),
		byRequest:    make(map[string]string),
		payoutReady:  make(chan struct{}),
		quotes:       make(map[string]Quote),
		recent:       make(map[string]History),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Demo reports whether the session targets a demo account.
func (s *Store) Demo() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.demo
}

// Status returns the current lifecycle state.
func (s *Store) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// LastError returns the error recorded by the most recent failure.
func (s *Store) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// SetStatus moves the session to next, rejecting transitions the state
// machine does not allow.
func (s *Store) SetStatus(next Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.status.CanTransition(next) {
		return errs.New("session", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("invalid status transition %s -> %s", s.status, next)))
	}
	s.status = next
	if next == StatusReady {
		s.lastErr = nil
	}
	return nil
}

// Fail records err and moves the session to Failed when the transition is allowed.
func (s *Store) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = err
	if s.status.CanTransition(StatusFailed) {
		s.status = StatusFailed
	}
}

// ReplaceBalance installs a new balance snapshot wholesale.
func (s *Store) ReplaceBalance(b Balance) {
	if b.At.IsZero() {
		b.At = s.now()
	}
	s.mu.Lock()
	s.balance = b
	s.mu.Unlock()
	s.balanceOnce.Do(func() { close(s.balanceReady) })
}

// Balance returns the last balance snapshot and whether one has arrived.
func (s *Store) Balance() (Balance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balance, !s.balance.At.IsZero()
}

// BalanceReady is closed once the first balance snapshot arrives.
func (s *Store) BalanceReady() <-chan struct{} { return s.balanceReady }

// UpsertOrder inserts or merges an order by id and returns the stored record.
func (s *Store) UpsertOrder(o Order) (Order, error) {
	if o.ID == "" {
		return Order{}, errs.New("session", errs.CodeInvalid, errs.WithMessage("order id is required"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	merged := o
	if existing, ok := s.orders[o.ID]; ok {
		merged = existing.merge(o)
	}
	merged.ID = o.ID
	merged.UpdatedAt = s.now()
	s.orders[o.ID] = merged
	if merged.RequestID != "" {
		s.byRequest[merged.RequestID] = merged.ID
	}
	return merged, nil
}

// Order returns the order with the given id.
func (s *Store) Order(id string) (Order, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	return o, ok
}

// OrderByRequest returns the order created for a client request id.
func (s *Store) OrderByRequest(requestID string) (Order, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byRequest[requestID]
	if !ok {
		return Order{}, false
	}
	o, ok := s.orders[id]
	return o, ok
}

// Orders returns every tracked order ordered by open time.
func (s *Store) Orders() []Order {
	s.mu.RLock()
	out := make([]Order, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, o)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenTime.Equal(out[j].OpenTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].OpenTime.Before(out[j].OpenTime)
	})
	return out
}

// ReplacePayouts installs a new asset table wholesale.
func (s *Store) ReplacePayouts(assets []Asset) {
	table := PayoutTable{assets: make(map[string]Asset, len(assets)), At: s.now()}
	for _, a := range assets {
		if a.Symbol == "" {
			continue
		}
		table.assets[a.Symbol] = a
	}
	s.mu.Lock()
	s.payouts = table
	s.mu.Unlock()
	s.payoutOnce.Do(func() { close(s.payoutReady) })
}

// Payouts returns the current asset table snapshot.
func (s *Store) Payouts() PayoutTable {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.payouts
}

// PayoutsReady is closed once the first asset table arrives.
func (s *Store) PayoutsReady() <-chan struct{} { return s.payoutReady }

// UpdateQuote records the latest price of an asset. Older ticks are ignored.
func (s *Store) UpdateQuote(q Quote) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.quotes[q.Asset]; ok && q.Time.Before(prev.Time) {
		return
	}
	s.quotes[q.Asset] = q
}

// Quote returns the last streamed price of an asset.
func (s *Store) Quote(asset string) (Quote, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quotes[asset]
	return q, ok
}

// ReplaceRecentHistory stores the latest history snapshot for an asset.
func (s *Store) ReplaceRecentHistory(h History) {
	h.Candles = NormalizeCandles(h.Candles)
	if h.At.IsZero() {
		h.At = s.now()
	}
	s.mu.Lock()
	s.recent[h.Asset] = h
	s.mu.Unlock()
}

// RecentHistory returns the last history snapshot for an asset.
func (s *Store) RecentHistory(asset string) (History, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.recent[asset]
	return h, ok
}

// SyncServerTime records a server timestamp against the local clock.
func (s *Store) SyncServerTime(server time.Time) {
	if server.IsZero() {
		return
	}
	local := s.now()
	s.mu.Lock()
	s.serverRef = server
	s.localRef = local
	s.mu.Unlock()
}

// ServerTime estimates the current server time from the last sync. Before
// any sync it returns the local time.
func (s *Store) ServerTime() time.Time {
	now := s.now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.serverRef.IsZero() {
		return now
	}
	return s.serverRef.Add(now.Sub(s.localRef))
}

// PeriodStart returns the start of the candle period containing t.
func PeriodStart(t time.Time, period time.Duration) time.Time {
	step := int64(period / time.Second)
	if step <= 0 {
		return t
	}
	sec := t.Unix()
	return time.Unix(sec-sec%step, 0).UTC()
}
