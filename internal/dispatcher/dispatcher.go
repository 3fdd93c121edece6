// Package dispatcher applies inbound socket frames to session state and
// completes the calls waiting on them.
package dispatcher

import (
	"context"
	"strconv"

	"go.uber.org/zap"

	"github.com/coachpo/pocketoption/errs"
	"github.com/coachpo/pocketoption/internal/correlator"
	"github.com/coachpo/pocketoption/internal/protocol"
	"github.com/coachpo/pocketoption/internal/session"
	"github.com/coachpo/pocketoption/internal/telemetry"
)

// OrderSink receives every order that reaches a terminal state. Implementations
// must not block.
type OrderSink interface {
	OrderSettled(order session.Order)
}

// HistoryPage is the value a history slot resolves to.
type HistoryPage struct {
	Asset   string
	Index   int64
	Period  int
	Candles []session.Candle
}

// Dispatcher processes frames strictly in arrival order. It is owned by the
// listener activity of one connection and is not safe for concurrent use.
type Dispatcher struct {
	store   *session.Store
	corr    *correlator.Correlator
	sink    OrderSink
	logger  *zap.Logger
	metrics *telemetry.ClientMetrics

	pending *protocol.Frame
	discard bool
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithOrderSink attaches a sink for settled orders.
func WithOrderSink(sink OrderSink) Option {
	return func(d *Dispatcher) { d.sink = sink }
}

// WithLogger sets the dispatcher logger.
func WithLogger(logger *zap.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithMetrics sets the instruments updated per event.
func WithMetrics(m *telemetry.ClientMetrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// New constructs a dispatcher writing into store and resolving through corr.
func New(store *session.Store, corr *correlator.Correlator, opts ...Option) *Dispatcher {
	d := &Dispatcher{store: store, corr: corr, logger: zap.NewNop()}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Reset forgets a half-received binary event. Call it when a new connection starts.
func (d *Dispatcher) Reset() {
	d.pending = nil
	d.discard = false
}

// Dispatch applies one frame. It returns the classified event, or nil when
// the frame only advanced attachment pairing or carried no event.
func (d *Dispatcher) Dispatch(ctx context.Context, f protocol.Frame) (protocol.Event, error) {
	var name string
	var payload []byte

	switch f.Kind {
	case protocol.KindBinaryEvent:
		if f.Name == protocol.EventSuccessAuth {
			// the attachment of successauth carries nothing we need
			d.pending, d.discard = &f, true
			return d.apply(ctx, protocol.AuthSucceeded{}), nil
		}
		d.pending, d.discard = &f, false
		return nil, nil
	case protocol.KindAttachment:
		if d.pending != nil {
			name = d.pending.Name
			discard := d.discard
			d.Reset()
			if discard {
				return nil, nil
			}
		}
		payload = f.Payload
	case protocol.KindEvent:
		name, payload = f.Name, f.Payload
	default:
		return nil, nil
	}

	ev, err := protocol.Classify(name, payload)
	if err != nil {
		d.metrics.DecodeError(ctx)
		return nil, err
	}
	return d.apply(ctx, ev), nil
}

func (d *Dispatcher) apply(ctx context.Context, ev protocol.Event) protocol.Event {
	switch e := ev.(type) {
	case protocol.BalanceUpdated:
		d.store.ReplaceBalance(session.Balance{Amount: e.Balance, Demo: e.Demo, UID: e.UID})
	case protocol.OrderOpened:
		d.orderOpened(e.Order)
	case protocol.OrderRejected:
		d.orderRejected(e)
	case protocol.DealsUpdated:
		d.settle(e.Deals)
	case protocol.OrderClosed:
		d.settle(e.Deals)
	case protocol.StreamUpdate:
		for _, tick := range e.Ticks {
			d.store.SyncServerTime(tick.Time)
			d.store.UpdateQuote(session.Quote{Asset: tick.Asset, Price: tick.Price, Time: tick.Time})
		}
	case protocol.HistoryLoaded:
		d.historyLoaded(e)
	case protocol.HistorySnapshot:
		d.store.ReplaceRecentHistory(session.History{Asset: e.Asset, Period: e.Period, Candles: candles(e.Candles)})
	case protocol.AssetsUpdated:
		assets := make([]session.Asset, 0, len(e.Assets))
		for _, a := range e.Assets {
			assets = append(assets, session.Asset{ID: a.ID, Symbol: a.Symbol, Name: a.Name, Type: a.Type, Payout: a.Payout, Active: a.Active})
		}
		d.store.ReplacePayouts(assets)
	case protocol.Unknown:
		d.logger.Debug("ignoring unrecognised event", zap.String("event", e.Name), zap.Int("bytes", len(e.Payload)))
		return ev
	case protocol.AuthSucceeded, protocol.AuthRejected, protocol.Ack:
	}
	d.metrics.EventDispatched(ctx, ev.EventName())
	return ev
}

func (d *Dispatcher) orderOpened(data protocol.OrderData) {
	order, err := d.store.UpsertOrder(orderFrom(data))
	if err != nil {
		d.logger.Warn("order ack without id", zap.String("request_id", data.RequestID))
		return
	}
	if data.RequestID != "" {
		if !d.corr.Resolve(correlator.Key{Kind: correlator.KindOpen, ID: data.RequestID}, order, nil) {
			d.logger.Debug("order ack without waiting call", zap.String("request_id", data.RequestID), zap.String("order_id", order.ID))
		}
	} else if key, ok := d.corr.ResolveOldest(correlator.KindOpen, order, nil); ok {
		d.logger.Debug("order ack matched oldest call", zap.String("request_id", key.ID), zap.String("order_id", order.ID))
	}
	if data.Settled() {
		d.settled(order)
	}
}

func (d *Dispatcher) orderRejected(e protocol.OrderRejected) {
	err := errs.New("place_order", errs.CodeRejected, errs.WithMessage(e.Reason), errs.WithField("request_id", e.RequestID))
	if e.RequestID != "" {
		d.corr.Resolve(correlator.Key{Kind: correlator.KindOpen, ID: e.RequestID}, nil, err)
		return
	}
	d.corr.ResolveOldest(correlator.KindOpen, nil, err)
}

func (d *Dispatcher) settle(deals []protocol.OrderData) {
	for _, deal := range deals {
		order, err := d.store.UpsertOrder(orderFrom(deal))
		if err != nil {
			continue
		}
		if deal.Settled() {
			d.settled(order)
		}
	}
}

func (d *Dispatcher) settled(order session.Order) {
	d.corr.Resolve(correlator.Key{Kind: correlator.KindResult, ID: order.ID}, order, nil)
	if d.sink != nil {
		d.sink.OrderSettled(order)
	}
}

func (d *Dispatcher) historyLoaded(e protocol.HistoryLoaded) {
	page := HistoryPage{Asset: e.Asset, Index: e.Index, Period: e.Period, Candles: candles(e.Candles)}
	if e.Index != 0 {
		key := correlator.Key{Kind: correlator.KindHistory, ID: strconv.FormatInt(e.Index, 10)}
		if !d.corr.Resolve(key, page, nil) {
			d.logger.Debug("history page for unknown index dropped", zap.String("asset", e.Asset), zap.Int64("index", e.Index))
		}
		return
	}
	if _, ok := d.corr.ResolveOldest(correlator.KindHistory, page, nil); !ok {
		d.logger.Debug("history page without waiting call", zap.String("asset", e.Asset), zap.Int64("index", e.Index))
	}
}

func orderFrom(o protocol.OrderData) session.Order {
	out := session.Order{
		ID:            o.ID,
		RequestID:     o.RequestID,
		Asset:         o.Asset,
		Amount:        o.Amount,
		OpenPrice:     o.OpenPrice,
		ClosePrice:    o.ClosePrice,
		PercentProfit: o.PercentProfit,
		OpenTime:      o.OpenTime,
		CloseTime:     o.CloseTime,
		Demo:          o.Demo,
	}
	// Interim profit figures are not kept; only a settling record sets the outcome.
	if o.Settled() {
		out.Profit = o.Profit
		out.HasProfit = true
	}
	if dir, ok := o.Direction(); ok {
		out.Direction = dir
	}
	if !o.OpenTime.IsZero() && o.CloseTime.After(o.OpenTime) {
		out.Expiration = o.CloseTime.Sub(o.OpenTime)
	}
	return out
}

func candles(in []protocol.CandleData) []session.Candle {
	out := make([]session.Candle, len(in))
	for i, c := range in {
		out[i] = session.Candle{Time: c.Time, Open: c.Open, High: c.High, Low: c.Low, Close: c.Close}
	}
	return out
}
