package pocketoption

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/coachpo/pocketoption/errs"
	"github.com/coachpo/pocketoption/internal/correlator"
	"github.com/coachpo/pocketoption/internal/protocol"
	"github.com/coachpo/pocketoption/internal/session"
	"github.com/coachpo/pocketoption/internal/transport"
	"github.com/coachpo/pocketoption/internal/transport/transporttest"
)

const testEndpoint = "wss://api.test/socket.io/?EIO=4&transport=websocket"

var fixedNow = time.Date(2026, 1, 5, 10, 0, 30, 0, time.UTC)

type harness struct {
	client *Client
	dialer *transporttest.Dialer
	server *transporttest.Server

	mu           sync.Mutex
	onOpen       func(c *transporttest.Conn, body gjson.Result)
	historyAsset string
}

func newHarness(t *testing.T, timeouts Timeouts, opts ...Option) *harness {
	t.Helper()
	h := &harness{dialer: transporttest.NewDialer()}
	h.server = &transporttest.Server{OnEvent: h.route}
	h.server.Install(h.dialer)

	cfg := Config{
		Credentials: Credentials{Session: "sess", IsDemo: true, UID: 9, Platform: 2},
		Connection: ConnectionConfig{
			Endpoints:        []string{testEndpoint},
			InitialBackoff:   time.Millisecond,
			MaxBackoff:       2 * time.Millisecond,
			PassDelay:        -1,
			HandshakeTimeout: time.Second,
		},
		Timeouts: timeouts,
	}
	opts = append([]Option{WithDialer(h.dialer), WithClock(func() time.Time { return fixedNow })}, opts...)
	client, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })
	h.client = client
	return h
}

func (h *harness) connect(t *testing.T) *transporttest.Conn {
	t.Helper()
	ctx, cancel := transporttest.Within(2 * time.Second)
	defer cancel()
	require.NoError(t, h.client.Connect(ctx))
	conns := h.dialer.Conns()
	return conns[len(conns)-1]
}

func (h *harness) onOpenOrder(fn func(c *transporttest.Conn, body gjson.Result)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onOpen = fn
}

func (h *harness) route(c *transporttest.Conn, f protocol.Frame) {
	switch f.Name {
	case protocol.RequestOpenOrder:
		h.mu.Lock()
		fn := h.onOpen
		h.mu.Unlock()
		if fn != nil {
			fn(c, gjson.ParseBytes(f.Payload))
		}
	case protocol.RequestHistory:
		body := gjson.ParseBytes(f.Payload)
		end := body.Get("endtime").Int()
		var points []string
		for i := int64(1); i <= 3; i++ {
			points = append(points, fmt.Sprintf(`{"time":%d,"price":1.%d}`, end-60*i, i))
		}
		h.mu.Lock()
		asset := h.historyAsset
		h.mu.Unlock()
		if asset == "" {
			asset = body.Get("active").String()
		}
		c.PushBinaryEvent(protocol.EventLoadHistoryPeriod, fmt.Sprintf(
			`{"asset":%q,"index":%d,"period":60,"data":[%s]}`,
			asset, body.Get("index").Int(), strings.Join(points, ",")))
	}
}

func ackOrder(c *transporttest.Conn, body gjson.Result, id string) {
	c.PushBinaryEvent(protocol.EventSuccessOpenOrder, fmt.Sprintf(
		`{"id":%q,"requestId":%q,"asset":%q,"amount":%s,"openPrice":1.1,"openTimestamp":1767607230,"isDemo":1}`,
		id, body.Get("requestId").String(), body.Get("asset").String(), body.Get("amount").Raw))
}

func closeOrder(c *transporttest.Conn, id, closePrice, profit string) {
	c.PushBinaryEvent(protocol.EventSuccessCloseOrder, fmt.Sprintf(
		`{"profit":%s,"deals":[{"id":%q,"closePrice":%s,"profit":%s,"closeTimestamp":1767607290}]}`,
		profit, id, closePrice, profit))
}

func TestPlaceOrderAndAwaitResult(t *testing.T) {
	h := newHarness(t, Timeouts{})
	h.onOpenOrder(func(c *transporttest.Conn, body gjson.Result) { ackOrder(c, body, "ord-1") })
	conn := h.connect(t)

	ctx, cancel := transporttest.Within(2 * time.Second)
	defer cancel()
	id, err := h.client.PlaceOrder(ctx, "EURUSD_otc", Call, decimal.NewFromInt(5), time.Minute)
	require.NoError(t, err)
	require.Equal(t, "ord-1", id)

	sent, err := conn.WaitWrite(ctx, transporttest.Prefix(`42["openOrder"`))
	require.NoError(t, err)
	require.Contains(t, sent, `"asset":"EURUSD_otc","amount":5,"action":"call","isDemo":1`)
	require.Contains(t, sent, `"optionType":100,"time":60}`)

	order, ok := h.client.Order("ord-1")
	require.True(t, ok)
	require.Equal(t, Call, order.Direction)
	require.Equal(t, time.Minute, order.Expiration)

	go func() {
		time.Sleep(20 * time.Millisecond)
		closeOrder(conn, "ord-1", "1.2", "4.6")
	}()
	res, err := h.client.AwaitResult(ctx, "ord-1", 0)
	require.NoError(t, err)
	require.Equal(t, Won, res.Outcome)
	require.True(t, res.Profit.Equal(decimal.RequireFromString("4.6")))
	require.False(t, res.Partial)

	again, err := h.client.AwaitResult(ctx, "ord-1", time.Second)
	require.NoError(t, err, "a settled order answers immediately")
	require.Equal(t, Won, again.Outcome)
}

func TestConcurrentOrdersResolveIndependently(t *testing.T) {
	h := newHarness(t, Timeouts{})
	requests := make(chan gjson.Result, 2)
	h.onOpenOrder(func(_ *transporttest.Conn, body gjson.Result) { requests <- body })
	conn := h.connect(t)

	ctx, cancel := transporttest.Within(2 * time.Second)
	defer cancel()

	assets := []string{"EURUSD_otc", "#AAPL_otc"}
	ids := make([]string, len(assets))
	errCh := make([]error, len(assets))
	var wg sync.WaitGroup
	for i, asset := range assets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids[i], errCh[i] = h.client.PlaceOrder(ctx, asset, Put, decimal.NewFromInt(1), 30*time.Second)
		}()
	}

	first, second := <-requests, <-requests
	// acknowledge in reverse arrival order
	ackOrder(conn, second, "id-"+second.Get("asset").String())
	ackOrder(conn, first, "id-"+first.Get("asset").String())
	wg.Wait()

	for i, asset := range assets {
		require.NoError(t, errCh[i])
		require.Equal(t, "id-"+asset, ids[i])
	}
	require.Len(t, h.client.Orders(), 2)
}

func TestPlaceOrderTimesOutWithinBound(t *testing.T) {
	h := newHarness(t, Timeouts{Order: 50 * time.Millisecond})
	h.connect(t)

	ctx, cancel := transporttest.Within(2 * time.Second)
	defer cancel()
	started := time.Now()
	_, err := h.client.PlaceOrder(ctx, "EURUSD_otc", Call, decimal.NewFromInt(1), time.Minute)
	require.True(t, errs.IsCode(err, errs.CodeTimeout), "got %v", err)
	require.Less(t, time.Since(started), time.Second)
	require.Zero(t, h.client.corr.Len(), "timed out slots are released")
}

func TestPlaceOrderRejected(t *testing.T) {
	h := newHarness(t, Timeouts{})
	h.onOpenOrder(func(c *transporttest.Conn, body gjson.Result) {
		c.PushEvent(protocol.EventFailOpenOrder, fmt.Sprintf(`{"requestId":%q,"error":"amount too low"}`, body.Get("requestId").String()))
	})
	h.connect(t)

	ctx, cancel := transporttest.Within(2 * time.Second)
	defer cancel()
	_, err := h.client.PlaceOrder(ctx, "EURUSD_otc", Call, decimal.NewFromInt(1), time.Minute)
	require.True(t, errs.IsCode(err, errs.CodeRejected), "got %v", err)
	require.Contains(t, err.Error(), "amount too low")
}

func TestPlaceOrderValidation(t *testing.T) {
	h := newHarness(t, Timeouts{})
	ctx := context.Background()
	cases := []struct {
		name   string
		asset  string
		dir    Direction
		amount decimal.Decimal
		expiry time.Duration
	}{
		{"asset", " ", Call, decimal.NewFromInt(1), time.Minute},
		{"direction", "EURUSD_otc", "up", decimal.NewFromInt(1), time.Minute},
		{"amount", "EURUSD_otc", Call, decimal.Zero, time.Minute},
		{"expiry", "EURUSD_otc", Call, decimal.NewFromInt(1), 1500 * time.Millisecond},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.client.PlaceOrder(ctx, tc.asset, tc.dir, tc.amount, tc.expiry)
			require.True(t, errs.IsCode(err, errs.CodeInvalid), "got %v", err)
		})
	}

	_, err := h.client.PlaceOrder(ctx, "EURUSD_otc", Call, decimal.NewFromInt(1), time.Minute)
	require.Equal(t, errs.CanonicalNotConnected, errs.CanonicalOf(err))
	require.Zero(t, h.client.corr.Len())
}

func TestZeroClosePriceIsNotASettlement(t *testing.T) {
	h := newHarness(t, Timeouts{})
	h.onOpenOrder(func(c *transporttest.Conn, body gjson.Result) { ackOrder(c, body, "ord-z") })
	conn := h.connect(t)

	ctx, cancel := transporttest.Within(2 * time.Second)
	defer cancel()
	id, err := h.client.PlaceOrder(ctx, "EURUSD_otc", Call, decimal.NewFromInt(2), time.Minute)
	require.NoError(t, err)

	conn.PushBinaryEvent(protocol.EventClosedDeals, `[{"id":"ord-z","closePrice":0,"profit":0}]`)

	res, err := h.client.AwaitResult(ctx, id, 100*time.Millisecond)
	require.True(t, errs.IsCode(err, errs.CodeTimeout), "got %v", err)
	require.Equal(t, errs.CanonicalPartialData, errs.CanonicalOf(err))
	require.True(t, res.Partial)
	require.Equal(t, Pending, res.Outcome)
	require.Equal(t, "ord-z", res.Order.ID)

	_, err = h.client.AwaitResult(ctx, "never-placed", 50*time.Millisecond)
	require.True(t, errs.IsCode(err, errs.CodeTimeout))
	require.NotEqual(t, errs.CanonicalPartialData, errs.CanonicalOf(err))
}

func TestOrdersSurviveReconnect(t *testing.T) {
	sink := &collectingSink{}
	h := newHarness(t, Timeouts{}, WithOrderSink(sink))
	h.onOpenOrder(func(c *transporttest.Conn, body gjson.Result) { ackOrder(c, body, "ord-r") })
	conn := h.connect(t)

	ctx, cancel := transporttest.Within(3 * time.Second)
	defer cancel()
	id, err := h.client.PlaceOrder(ctx, "EURUSD_otc", Put, decimal.NewFromInt(3), time.Minute)
	require.NoError(t, err)

	done := make(chan TradeResult, 1)
	go func() {
		res, _ := h.client.AwaitResult(ctx, id, 0)
		done <- res
	}()

	conn.Drop(nil)
	conns, err := h.dialer.WaitConns(ctx, 2)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.client.Status() == session.StatusReady }, 2*time.Second, 5*time.Millisecond)

	closeOrder(conns[1], id, "1.05", "0")
	select {
	case res := <-done:
		require.Equal(t, Lost, res.Outcome, "zero profit counts as lost")
		require.Equal(t, Put, res.Order.Direction)
	case <-ctx.Done():
		t.Fatal("result not delivered after reconnect")
	}
	require.Equal(t, []string{"ord-r"}, sink.ids())
}

type collectingSink struct {
	mu     sync.Mutex
	orders []string
}

func (s *collectingSink) OrderSettled(o Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders = append(s.orders, o.ID)
}

func (s *collectingSink) ids() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.orders...)
}

func TestBalanceAndPayout(t *testing.T) {
	h := newHarness(t, Timeouts{State: 500 * time.Millisecond})
	h.server.AfterAuth = func(c *transporttest.Conn) {
		c.PushBinaryEvent(protocol.EventSuccessBalance, `{"uid":9,"balance":1234.5,"isDemo":1}`)
		c.Push(transport.MessageBinary, []byte(`[[5,"#AAPL","Apple","stock",2,80,60,30,3,0,170,0,[],1743724800,true],[6,"EURUSD_otc","EUR/USD OTC","currency",2,92,60,30,3,0,170,0,[],1743724800,true]]`))
	}

	ctx, cancel := transporttest.Within(2 * time.Second)
	defer cancel()
	_, err := h.client.Balance(ctx)
	require.True(t, errs.IsCode(err, errs.CodeUnavailable), "balance before connect: %v", err)

	h.connect(t)
	b, err := h.client.Balance(ctx)
	require.NoError(t, err)
	require.True(t, b.Amount.Equal(decimal.RequireFromString("1234.5")))
	require.True(t, b.Demo)

	payout, err := h.client.Payout(ctx, "EURUSD_otc")
	require.NoError(t, err)
	require.Equal(t, 92, payout)

	_, err = h.client.Payout(ctx, "XAUUSD")
	require.True(t, errs.IsCode(err, errs.CodeNotFound))

	symbols, err := h.client.Assets(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"#AAPL", "EURUSD_otc"}, symbols)

	_, err = h.client.PlaceOrder(ctx, "GBPJPY", Call, decimal.NewFromInt(1), time.Minute)
	require.Equal(t, errs.CanonicalInvalidAsset, errs.CanonicalOf(err))
}

func TestAwaitResultAllowsOneWaiterPerOrder(t *testing.T) {
	h := newHarness(t, Timeouts{})
	h.onOpenOrder(func(c *transporttest.Conn, body gjson.Result) { ackOrder(c, body, "ord-9") })
	conn := h.connect(t)

	ctx, cancel := transporttest.Within(2 * time.Second)
	defer cancel()
	id, err := h.client.PlaceOrder(ctx, "EURUSD_otc", Put, decimal.NewFromInt(2), time.Minute)
	require.NoError(t, err)

	first := make(chan TradeResult, 1)
	go func() {
		res, err := h.client.AwaitResult(ctx, id, 0)
		if err == nil {
			first <- res
		}
		close(first)
	}()
	key := correlator.Key{Kind: correlator.KindResult, ID: id}
	require.Eventually(t, func() bool { return h.client.corr.Pending(key) }, time.Second, 5*time.Millisecond)
	_, err = h.client.AwaitResult(ctx, id, 0)
	require.True(t, errs.IsCode(err, errs.CodeInvalid), "got %v", err)

	closeOrder(conn, id, "1.3", "1.7")
	res, ok := <-first
	require.True(t, ok, "first waiter should settle")
	require.Equal(t, Won, res.Outcome)
}

func TestBalanceTimesOutWithoutPush(t *testing.T) {
	h := newHarness(t, Timeouts{State: 30 * time.Millisecond})
	h.connect(t)

	ctx, cancel := transporttest.Within(time.Second)
	defer cancel()
	_, err := h.client.Balance(ctx)
	require.True(t, errs.IsCode(err, errs.CodeTimeout), "got %v", err)
}

func TestCandlesWalkBackward(t *testing.T) {
	h := newHarness(t, Timeouts{})
	conn := h.connect(t)

	ctx, cancel := transporttest.Within(2 * time.Second)
	defer cancel()
	candles, err := h.client.Candles(ctx, "EURUSD_otc", time.Minute, 5)
	require.NoError(t, err)
	require.Len(t, candles, 5)

	end := session.PeriodStart(fixedNow, time.Minute)
	for i := 1; i < len(candles); i++ {
		require.True(t, candles[i-1].Time.Before(candles[i].Time))
	}
	require.True(t, end.Add(-time.Minute).Equal(candles[4].Time))
	require.True(t, end.Add(-5*time.Minute).Equal(candles[0].Time))
	require.True(t, candles[4].Close.Equal(decimal.RequireFromString("1.1")), "price-only points fill every OHLC field")

	var requests []string
	for _, w := range conn.Writes() {
		if strings.HasPrefix(w, `42["loadHistoryPeriod"`) {
			requests = append(requests, w)
		}
	}
	require.Len(t, requests, 2)
	require.Contains(t, requests[0], `"endtime":`+strconv.FormatInt(end.Unix(), 10))
	require.Contains(t, requests[1], `"endtime":`+strconv.FormatInt(end.Add(-3*time.Minute).Unix(), 10))
}

func TestCandlesRejectsPageForAnotherAsset(t *testing.T) {
	h := newHarness(t, Timeouts{})
	h.mu.Lock()
	h.historyAsset = "BTCUSD"
	h.mu.Unlock()
	h.connect(t)

	ctx, cancel := transporttest.Within(2 * time.Second)
	defer cancel()
	candles, err := h.client.Candles(ctx, "EURUSD_otc", time.Minute, 3)
	require.Empty(t, candles)
	require.True(t, errs.IsCode(err, errs.CodeDecode), "got %v", err)
}

func TestCandlesValidation(t *testing.T) {
	h := newHarness(t, Timeouts{})
	ctx := context.Background()
	_, err := h.client.Candles(ctx, "", time.Minute, 1)
	require.True(t, errs.IsCode(err, errs.CodeInvalid))
	_, err = h.client.Candles(ctx, "EURUSD_otc", 500*time.Millisecond, 1)
	require.True(t, errs.IsCode(err, errs.CodeInvalid))
	_, err = h.client.Candles(ctx, "EURUSD_otc", time.Minute, 0)
	require.True(t, errs.IsCode(err, errs.CodeInvalid))
}

func TestChangeSymbolAndQuotes(t *testing.T) {
	h := newHarness(t, Timeouts{})
	conn := h.connect(t)

	ctx, cancel := transporttest.Within(2 * time.Second)
	defer cancel()
	require.NoError(t, h.client.ChangeSymbol(ctx, "EURUSD_otc", time.Minute))
	_, err := conn.WaitWrite(ctx, func(s string) bool {
		return s == `42["changeSymbol",{"asset":"EURUSD_otc","period":60}]`
	})
	require.NoError(t, err)

	conn.PushBinaryEvent(protocol.EventUpdateStream, `[["EURUSD_otc",1767607300,1.08412]]`)
	require.Eventually(t, func() bool {
		q, ok := h.client.Quote("EURUSD_otc")
		return ok && q.Price.Equal(decimal.RequireFromString("1.08412"))
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, int64(1767607300), h.client.ServerTime().Unix(), "fixed local clock means no drift")
}

func TestDisconnectFailsPendingOrders(t *testing.T) {
	h := newHarness(t, Timeouts{Order: time.Minute})
	placed := make(chan struct{})
	h.onOpenOrder(func(*transporttest.Conn, gjson.Result) { close(placed) })
	h.connect(t)

	ctx, cancel := transporttest.Within(2 * time.Second)
	defer cancel()
	errCh := make(chan error, 1)
	go func() {
		_, err := h.client.PlaceOrder(ctx, "EURUSD_otc", Call, decimal.NewFromInt(1), time.Minute)
		errCh <- err
	}()
	<-placed
	require.NoError(t, h.client.Disconnect(ctx))
	err := <-errCh
	require.True(t, errs.IsCode(err, errs.CodeCanceled), "got %v", err)
	require.Equal(t, session.StatusDisconnected, h.client.Status())
}
