package dispatcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/pocketoption/errs"
	"github.com/coachpo/pocketoption/internal/correlator"
	"github.com/coachpo/pocketoption/internal/protocol"
	"github.com/coachpo/pocketoption/internal/session"
)

type recordingSink struct {
	mu     sync.Mutex
	orders []session.Order
}

func (s *recordingSink) OrderSettled(o session.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders = append(s.orders, o)
}

type harness struct {
	store *session.Store
	corr  *correlator.Correlator
	sink  *recordingSink
	d     *Dispatcher
}

func newHarness() *harness {
	h := &harness{store: session.NewStore(true), corr: correlator.New(), sink: &recordingSink{}}
	h.d = New(h.store, h.corr, WithOrderSink(h.sink))
	return h
}

func (h *harness) feed(t *testing.T, raw string, binary bool) protocol.Event {
	t.Helper()
	f, err := protocol.Decode([]byte(raw), binary)
	require.NoError(t, err)
	ev, err := h.d.Dispatch(context.Background(), f)
	require.NoError(t, err)
	return ev
}

func TestBinaryBalancePairsWithHeader(t *testing.T) {
	h := newHarness()
	require.Nil(t, h.feed(t, `451-["successupdateBalance",{"_placeholder":true,"num":0}]`, false))
	_, ok := h.store.Balance()
	require.False(t, ok)

	ev := h.feed(t, "\x04"+`{"uid":9,"balance":1500.25,"isDemo":1}`, true)
	require.IsType(t, protocol.BalanceUpdated{}, ev)

	b, ok := h.store.Balance()
	require.True(t, ok)
	require.True(t, b.Amount.Equal(decimal.RequireFromString("1500.25")))
	require.EqualValues(t, 9, b.UID)
	<-h.store.BalanceReady()
}

func TestSuccessAuthHandledBeforeAttachment(t *testing.T) {
	h := newHarness()
	ev := h.feed(t, `451-["successauth",{"_placeholder":true,"num":0}]`, false)
	require.IsType(t, protocol.AuthSucceeded{}, ev)

	// the attachment belongs to successauth and must not be sniffed as a balance
	require.Nil(t, h.feed(t, `{"uid":1,"balance":1,"isDemo":1}`, true))
	_, ok := h.store.Balance()
	require.False(t, ok)
}

func TestAuthEventsAreReturned(t *testing.T) {
	h := newHarness()
	require.IsType(t, protocol.AuthSucceeded{}, h.feed(t, `42["successauth",{"id":"x"}]`, false))
	require.IsType(t, protocol.AuthRejected{}, h.feed(t, `42["NotAuthorized"]`, false))
}

func TestOrderAcksResolveTheirOwnSlots(t *testing.T) {
	h := newHarness()
	slotA, err := h.corr.Open(correlator.KindOpen, "req-a", time.Second)
	require.NoError(t, err)
	slotB, err := h.corr.Open(correlator.KindOpen, "req-b", time.Second)
	require.NoError(t, err)

	// acknowledgements arrive in the opposite order of the requests
	h.feed(t, `451-["successopenOrder",{"_placeholder":true,"num":0}]`, false)
	h.feed(t, `{"id":"order-b","requestId":"req-b","asset":"EURUSD_otc","amount":5,"openPrice":1.1}`, true)
	h.feed(t, `451-["successopenOrder",{"_placeholder":true,"num":0}]`, false)
	h.feed(t, `{"id":"order-a","requestId":"req-a","asset":"EURUSD_otc","amount":7,"openPrice":1.2}`, true)

	va, err := h.corr.Wait(context.Background(), slotA)
	require.NoError(t, err)
	require.Equal(t, "order-a", va.(session.Order).ID)

	vb, err := h.corr.Wait(context.Background(), slotB)
	require.NoError(t, err)
	require.Equal(t, "order-b", vb.(session.Order).ID)

	byReq, ok := h.store.OrderByRequest("req-a")
	require.True(t, ok)
	require.Equal(t, "order-a", byReq.ID)
}

func TestFailOpenOrderResolvesWithRejection(t *testing.T) {
	h := newHarness()
	slot, err := h.corr.Open(correlator.KindOpen, "req-x", time.Second)
	require.NoError(t, err)

	h.feed(t, `42["failopenOrder",{"error":"not_money","requestId":"req-x"}]`, false)
	_, err = h.corr.Wait(context.Background(), slot)
	require.True(t, errs.IsCode(err, errs.CodeRejected), "got %v", err)
	require.Contains(t, err.Error(), "not_money")
}

func TestZeroClosePriceDoesNotSettle(t *testing.T) {
	h := newHarness()
	slot, err := h.corr.Open(correlator.KindResult, "order-1", time.Second)
	require.NoError(t, err)

	h.feed(t, `451-["updateClosedDeals",{"_placeholder":true,"num":0}]`, false)
	h.feed(t, `[{"id":"order-1","profit":0,"closePrice":0,"asset":"EURUSD_otc"}]`, true)
	require.True(t, h.corr.Pending(slot.Key), "closePrice 0 is not terminal")
	require.Empty(t, h.sink.orders)

	h.feed(t, `451-["successcloseOrder",{"_placeholder":true,"num":0}]`, false)
	h.feed(t, `{"profit":9.2,"deals":[{"id":"order-1","profit":9.2,"closePrice":1.0857}]}`, true)

	v, err := h.corr.Wait(context.Background(), slot)
	require.NoError(t, err)
	order := v.(session.Order)
	require.True(t, order.Terminal())
	require.Equal(t, session.OutcomeWon, order.Outcome())
	require.Equal(t, "EURUSD_otc", order.Asset, "earlier fields survive the merge")
	require.Len(t, h.sink.orders, 1)
}

func TestInterimProfitDoesNotCarryIntoSettlement(t *testing.T) {
	h := newHarness()
	slot, err := h.corr.Open(correlator.KindResult, "order-1", time.Second)
	require.NoError(t, err)

	h.feed(t, `451-["updateClosedDeals",{"_placeholder":true,"num":0}]`, false)
	h.feed(t, `[{"id":"order-1","profit":5,"closePrice":0}]`, true)
	h.feed(t, `451-["updateClosedDeals",{"_placeholder":true,"num":0}]`, false)
	h.feed(t, `[{"id":"order-1","closePrice":1.2}]`, true)

	require.True(t, h.corr.Pending(slot.Key), "a close price without profit does not settle")
	require.Empty(t, h.sink.orders)
	stored, ok := h.store.Order("order-1")
	require.True(t, ok)
	require.False(t, stored.Terminal())

	h.feed(t, `451-["updateClosedDeals",{"_placeholder":true,"num":0}]`, false)
	h.feed(t, `[{"id":"order-1","profit":-1,"closePrice":1.25}]`, true)

	v, err := h.corr.Wait(context.Background(), slot)
	require.NoError(t, err)
	order := v.(session.Order)
	require.True(t, order.Profit.Equal(decimal.NewFromInt(-1)))
	require.Equal(t, session.OutcomeLost, order.Outcome())
	require.Len(t, h.sink.orders, 1)
}

func TestDealsCarryDirection(t *testing.T) {
	h := newHarness()
	h.feed(t, `451-["updateOpenedDeals",{"_placeholder":true,"num":0}]`, false)
	h.feed(t, `[{"id":"web-1","asset":"EURUSD_otc","command":1},{"id":"web-2","asset":"EURUSD_otc","command":0},{"id":"web-3","asset":"EURUSD_otc"}]`, true)

	put, ok := h.store.Order("web-1")
	require.True(t, ok)
	require.Equal(t, protocol.DirectionPut, put.Direction)
	call, ok := h.store.Order("web-2")
	require.True(t, ok)
	require.Equal(t, protocol.DirectionCall, call.Direction)
	unknown, ok := h.store.Order("web-3")
	require.True(t, ok)
	require.Empty(t, unknown.Direction)
}

func TestHistoryResolvesByIndex(t *testing.T) {
	h := newHarness()
	other, err := h.corr.Open(correlator.KindHistory, "111", time.Second)
	require.NoError(t, err)
	slot, err := h.corr.Open(correlator.KindHistory, "222", time.Second)
	require.NoError(t, err)

	h.feed(t, `42["loadHistoryPeriod",{"asset":"EURUSD_otc","index":222,"period":60,"data":[{"time":60,"price":1.1},{"time":0,"price":1.0}]}]`, false)

	v, err := h.corr.Wait(context.Background(), slot)
	require.NoError(t, err)
	page := v.(HistoryPage)
	require.Equal(t, "EURUSD_otc", page.Asset)
	require.Len(t, page.Candles, 2)
	require.True(t, h.corr.Pending(other.Key))
}

func TestHistoryPageForUnknownIndexIsDropped(t *testing.T) {
	h := newHarness()
	slot, err := h.corr.Open(correlator.KindHistory, "222", time.Second)
	require.NoError(t, err)

	h.feed(t, `42["loadHistoryPeriod",{"asset":"BTCUSD","index":111,"period":60,"data":[{"time":60,"price":1.1}]}]`, false)
	require.True(t, h.corr.Pending(slot.Key), "a late page must not reach an unrelated call")

	h.feed(t, `42["loadHistoryPeriod",{"asset":"EURUSD_otc","period":60,"data":[{"time":60,"price":1.1}]}]`, false)
	v, err := h.corr.Wait(context.Background(), slot)
	require.NoError(t, err)
	require.Equal(t, "EURUSD_otc", v.(HistoryPage).Asset)
}

func TestAssetTableAndStream(t *testing.T) {
	h := newHarness()
	h.feed(t, `[[5,"#AAPL","Apple","stock",2,80,60,30,3,0,170,0,[],1743724800,true]]`, true)
	asset, ok := h.store.Payouts().Lookup("#AAPL")
	require.True(t, ok)
	require.Equal(t, 80, asset.Payout)

	h.feed(t, `451-["updateStream",{"_placeholder":true,"num":0}]`, false)
	h.feed(t, `[["#AAPL",1700000000,190.5]]`, true)
	q, ok := h.store.Quote("#AAPL")
	require.True(t, ok)
	require.True(t, q.Price.Equal(decimal.RequireFromString("190.5")))
	require.WithinDuration(t, time.Unix(1700000000, 0), h.store.ServerTime(), time.Minute)
}

func TestMalformedAttachmentLeavesStateAlone(t *testing.T) {
	h := newHarness()
	h.feed(t, `451-["updateStream",{"_placeholder":true,"num":0}]`, false)
	f := protocol.Frame{Kind: protocol.KindAttachment, Payload: []byte(`[[`)}
	_, err := h.d.Dispatch(context.Background(), f)
	require.True(t, errs.IsCode(err, errs.CodeDecode))

	// pairing state was consumed; the next attachment is sniffed on its own
	h.feed(t, `{"uid":3,"balance":10,"isDemo":1}`, true)
	b, ok := h.store.Balance()
	require.True(t, ok)
	require.EqualValues(t, 3, b.UID)
}

func TestUnknownEventsFailClosed(t *testing.T) {
	h := newHarness()
	ev := h.feed(t, `42["brandNewEvent",{"balance":5,"uid":1}]`, false)
	require.IsType(t, protocol.Unknown{}, ev)
	_, ok := h.store.Balance()
	require.False(t, ok)
}
