// Package pocketoption is a client for the PocketOption trading socket. A
// Client owns one session: it keeps the connection alive across endpoint
// failures, mirrors pushed state locally, and turns the asynchronous socket
// into blocking calls with bounded waits.
package pocketoption

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/coachpo/pocketoption/errs"
	"github.com/coachpo/pocketoption/internal/config"
	"github.com/coachpo/pocketoption/internal/correlator"
	"github.com/coachpo/pocketoption/internal/dispatcher"
	"github.com/coachpo/pocketoption/internal/observability"
	"github.com/coachpo/pocketoption/internal/protocol"
	"github.com/coachpo/pocketoption/internal/session"
	"github.com/coachpo/pocketoption/internal/supervisor"
	"github.com/coachpo/pocketoption/internal/telemetry"
	"github.com/coachpo/pocketoption/internal/transport"
)

const (
	kindOpen    = "open"
	kindResult  = "result"
	kindHistory = "history"
	kindBalance = "balance"
	kindPayout  = "payout"

	minExpiry = time.Second
)

// TradeResult is the settled outcome of an order. Partial is set when the
// wait ended before settlement and Order holds whatever was known.
type TradeResult struct {
	Profit  decimal.Decimal
	Outcome Outcome
	Order   Order
	Partial bool
}

// Client is a single broker session.
type Client struct {
	cfg      Config
	timeouts Timeouts

	dialer  transport.Dialer
	logger  *zap.Logger
	metrics *telemetry.ClientMetrics
	sink    OrderSink
	now     func() time.Time

	store *session.Store
	corr  *correlator.Correlator
	disp  *dispatcher.Dispatcher
	sup   *supervisor.Supervisor
}

// New builds a disconnected client. Call Connect before issuing requests.
func New(cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.Credentials.Validate(); err != nil {
		return nil, err
	}
	c := &Client{
		cfg:      cfg,
		timeouts: cfg.Timeouts.withDefaults(),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.dialer == nil {
		c.dialer = transport.NewWebSocketDialer()
	}
	c.logger = observability.Named(c.logger, "pocketoption")

	c.store = session.NewStore(cfg.Credentials.IsDemo, session.WithClock(c.now))
	c.corr = correlator.New()
	dispOpts := []dispatcher.Option{
		dispatcher.WithLogger(observability.Named(c.logger, "dispatcher")),
		dispatcher.WithMetrics(c.metrics),
	}
	if c.sink != nil {
		dispOpts = append(dispOpts, dispatcher.WithOrderSink(c.sink))
	}
	c.disp = dispatcher.New(c.store, c.corr, dispOpts...)

	conn := cfg.Connection
	conn.Demo = cfg.Credentials.IsDemo
	c.sup = supervisor.New(conn, c.dialer, cfg.Credentials, c.store, c.corr, c.disp,
		supervisor.WithLogger(observability.Named(c.logger, "supervisor")),
		supervisor.WithMetrics(c.metrics))
	return c, nil
}

// NewFromConfig builds a client from a loaded configuration file.
func NewFromConfig(cfg config.Config, opts ...Option) (*Client, error) {
	clientCfg, err := FromConfig(cfg)
	if err != nil {
		return nil, err
	}
	return New(clientCfg, opts...)
}

// Connect establishes an authenticated session. It returns nil once the
// session is ready, and otherwise the error that stopped it: errs.CodeAuth
// when the credentials were rejected, errs.CodeUnavailable when no endpoint
// could be reached.
func (c *Client) Connect(ctx context.Context) error {
	return c.sup.Connect(ctx)
}

// Disconnect closes the session and fails every pending call.
func (c *Client) Disconnect(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- c.sup.Close() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return errs.New("disconnect", errs.CodeCanceled, errs.WithCause(ctx.Err()))
	}
}

// Status reports the session lifecycle state.
func (c *Client) Status() Status { return c.store.Status() }

// LastError returns the error that last failed the session.
func (c *Client) LastError() error { return c.store.LastError() }

// Demo reports whether the session trades on the demo account.
func (c *Client) Demo() bool { return c.store.Demo() }

// Endpoint returns the URL of the live connection.
func (c *Client) Endpoint() (string, bool) { return c.sup.Endpoint() }

// PlaceOrder opens a fixed-expiry option and returns the server-assigned
// order id once the server confirms it.
func (c *Client) PlaceOrder(ctx context.Context, asset string, direction Direction, amount decimal.Decimal, expiry time.Duration) (string, error) {
	asset = strings.TrimSpace(asset)
	if err := c.validateOrder(asset, direction, amount, expiry); err != nil {
		return "", err
	}

	requestID := uuid.NewString()
	slot, err := c.corr.Open(correlator.KindOpen, requestID, c.timeouts.Order)
	if err != nil {
		return "", err
	}
	demo := 0
	if c.store.Demo() {
		demo = 1
	}
	frame, err := protocol.NewEvent(protocol.RequestOpenOrder, protocol.OpenOrderRequest{
		Asset:      asset,
		Amount:     protocol.Number(amount),
		Action:     direction,
		IsDemo:     demo,
		RequestID:  requestID,
		OptionType: protocol.OptionTypeTurbo,
		Time:       int64(expiry / time.Second),
	})
	if err != nil {
		c.corr.Cancel(slot)
		return "", err
	}

	started := time.Now()
	if err := c.sup.Send(ctx, frame); err != nil {
		c.corr.Cancel(slot)
		c.metrics.RequestCompleted(ctx, kindOpen, resultOf(err), time.Since(started))
		return "", err
	}
	value, err := c.corr.Wait(ctx, slot)
	c.metrics.RequestCompleted(ctx, kindOpen, resultOf(err), time.Since(started))
	if err != nil {
		if errs.IsCode(err, errs.CodeTimeout) {
			return "", errs.New("place_order", errs.CodeTimeout,
				errs.WithMessage("order was not confirmed in time"),
				errs.WithField("request_id", requestID),
				errs.WithCause(err))
		}
		return "", err
	}

	ack, _ := value.(session.Order)
	order, err := c.store.UpsertOrder(session.Order{
		ID:         ack.ID,
		RequestID:  requestID,
		Direction:  direction,
		Expiration: expiry,
	})
	if err != nil {
		return "", err
	}
	c.logger.Info("order placed",
		zap.String("order_id", order.ID),
		zap.String("asset", asset),
		zap.String("direction", string(direction)),
		zap.String("amount", amount.String()),
		zap.Duration("expiry", expiry))
	return order.ID, nil
}

func (c *Client) validateOrder(asset string, direction Direction, amount decimal.Decimal, expiry time.Duration) error {
	if asset == "" {
		return errs.New("place_order", errs.CodeInvalid, errs.WithMessage("asset is required"))
	}
	if direction != protocol.DirectionCall && direction != protocol.DirectionPut {
		return errs.New("place_order", errs.CodeInvalid, errs.WithMessage("direction must be call or put"))
	}
	if !amount.IsPositive() {
		return errs.New("place_order", errs.CodeInvalid, errs.WithMessage("amount must be positive"))
	}
	if expiry < minExpiry || expiry%time.Second != 0 {
		return errs.New("place_order", errs.CodeInvalid, errs.WithMessage("expiry must be a whole number of seconds"))
	}
	if table := c.store.Payouts(); table.Len() > 0 {
		if _, ok := table.Lookup(asset); !ok {
			return errs.New("place_order", errs.CodeInvalid,
				errs.WithCanonicalCode(errs.CanonicalInvalidAsset),
				errs.WithMessage("asset is not in the payout table"),
				errs.WithField("asset", asset))
		}
	}
	return nil
}

// AwaitResult blocks until orderID settles or timeout passes; a zero timeout
// uses the configured result timeout. On timeout the returned TradeResult is
// marked Partial and carries the last known order state alongside a
// CodeTimeout error.
//
// Only one AwaitResult may wait on a given order at a time. A second
// concurrent call for the same order fails at once with errs.CodeInvalid;
// callers that need the outcome in several places should share the first
// call's result or read Order after it returns.
func (c *Client) AwaitResult(ctx context.Context, orderID string, timeout time.Duration) (TradeResult, error) {
	if strings.TrimSpace(orderID) == "" {
		return TradeResult{}, errs.New("await_result", errs.CodeInvalid, errs.WithMessage("order id is required"))
	}
	if timeout <= 0 {
		timeout = c.timeouts.Result
	}
	// the slot must exist before the store check so a settlement in between is not lost
	if c.corr.Pending(correlator.Key{Kind: correlator.KindResult, ID: orderID}) {
		return TradeResult{}, errs.New("await_result", errs.CodeInvalid,
			errs.WithMessage("another call is already waiting on this order"),
			errs.WithField("order_id", orderID))
	}
	slot, err := c.corr.Open(correlator.KindResult, orderID, timeout)
	if err != nil {
		return TradeResult{}, err
	}
	if order, ok := c.store.Order(orderID); ok && order.Terminal() {
		c.corr.Cancel(slot)
		return settled(order), nil
	}

	started := time.Now()
	value, err := c.corr.Wait(ctx, slot)
	c.metrics.RequestCompleted(ctx, kindResult, resultOf(err), time.Since(started))
	if err == nil {
		order, _ := value.(session.Order)
		return settled(order), nil
	}
	if !errs.IsCode(err, errs.CodeTimeout) {
		return TradeResult{}, err
	}
	order, known := c.store.Order(orderID)
	if !known {
		return TradeResult{}, errs.New("await_result", errs.CodeTimeout,
			errs.WithMessage("order did not settle in time"),
			errs.WithField("order_id", orderID),
			errs.WithCause(err))
	}
	c.logger.Warn("order result timed out", zap.String("order_id", orderID), zap.Duration("timeout", timeout))
	return TradeResult{Order: order, Partial: true, Outcome: order.Outcome()},
		errs.New("await_result", errs.CodeTimeout,
			errs.WithCanonicalCode(errs.CanonicalPartialData),
			errs.WithMessage("order did not settle in time"),
			errs.WithField("order_id", orderID),
			errs.WithCause(err))
}

func settled(order session.Order) TradeResult {
	return TradeResult{Profit: order.Profit, Outcome: order.Outcome(), Order: order}
}

// Balance returns the current account balance, waiting for the first
// balance push when none has arrived yet.
func (c *Client) Balance(ctx context.Context) (Balance, error) {
	if b, ok := c.store.Balance(); ok {
		return b, nil
	}
	started := time.Now()
	err := c.awaitState(ctx, "balance", c.store.BalanceReady())
	c.metrics.RequestCompleted(ctx, kindBalance, resultOf(err), time.Since(started))
	if err != nil {
		return Balance{}, err
	}
	b, _ := c.store.Balance()
	return b, nil
}

// Payout returns the payout percentage of asset.
func (c *Client) Payout(ctx context.Context, asset string) (int, error) {
	started := time.Now()
	err := c.awaitState(ctx, "payout", c.store.PayoutsReady())
	c.metrics.RequestCompleted(ctx, kindPayout, resultOf(err), time.Since(started))
	if err != nil {
		return 0, err
	}
	a, ok := c.store.Payouts().Lookup(strings.TrimSpace(asset))
	if !ok {
		return 0, errs.New("payout", errs.CodeNotFound,
			errs.WithCanonicalCode(errs.CanonicalInvalidAsset),
			errs.WithField("asset", asset))
	}
	return a.Payout, nil
}

// Assets returns the symbols of the last received asset table.
func (c *Client) Assets(ctx context.Context) ([]string, error) {
	if err := c.awaitState(ctx, "assets", c.store.PayoutsReady()); err != nil {
		return nil, err
	}
	return c.store.Payouts().Symbols(), nil
}

func (c *Client) awaitState(ctx context.Context, op string, ready <-chan struct{}) error {
	select {
	case <-ready:
		return nil
	default:
	}
	if st := c.store.Status(); st == session.StatusDisconnected || st == session.StatusFailed {
		return errs.New(op, errs.CodeUnavailable,
			errs.WithCanonicalCode(errs.CanonicalNotConnected),
			errs.WithField("status", st.String()))
	}
	timer := time.NewTimer(c.timeouts.State)
	defer timer.Stop()
	select {
	case <-ready:
		return nil
	case <-timer.C:
		return errs.New(op, errs.CodeTimeout, errs.WithMessage("no data received before deadline"))
	case <-ctx.Done():
		return errs.New(op, errs.CodeCanceled, errs.WithCause(ctx.Err()))
	}
}

// ChangeSymbol subscribes the session to live quotes of asset at period.
func (c *Client) ChangeSymbol(ctx context.Context, asset string, period time.Duration) error {
	asset = strings.TrimSpace(asset)
	if asset == "" {
		return errs.New("change_symbol", errs.CodeInvalid, errs.WithMessage("asset is required"))
	}
	if period < time.Second {
		return errs.New("change_symbol", errs.CodeInvalid, errs.WithMessage("period must be at least one second"))
	}
	frame, err := protocol.NewEvent(protocol.RequestChangeSymbol, protocol.ChangeSymbolRequest{
		Asset:  asset,
		Period: int(period / time.Second),
	})
	if err != nil {
		return err
	}
	return c.sup.Send(ctx, frame)
}

// ServerTime estimates the broker's clock.
func (c *Client) ServerTime() time.Time { return c.store.ServerTime() }

// Order returns the locally known state of an order.
func (c *Client) Order(id string) (Order, bool) { return c.store.Order(id) }

// Orders returns every order seen in this session.
func (c *Client) Orders() []Order { return c.store.Orders() }

// Quote returns the last streamed price of asset.
func (c *Client) Quote(asset string) (Quote, bool) { return c.store.Quote(asset) }

// RecentHistory returns the snapshot pushed after the last symbol change.
func (c *Client) RecentHistory(asset string) (History, bool) { return c.store.RecentHistory(asset) }

func resultOf(err error) string {
	switch {
	case err == nil:
		return telemetry.ResultSuccess
	case errs.IsCode(err, errs.CodeTimeout):
		return telemetry.ResultTimeout
	case errs.IsCode(err, errs.CodeRejected):
		return telemetry.ResultRejected
	default:
		return telemetry.ResultFailure
	}
}
