package protocol

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"github.com/coachpo/pocketoption/errs"
)

// Inbound event names.
const (
	EventSuccessAuth       = "successauth"
	EventNotAuthorized     = "NotAuthorized"
	EventSuccessBalance    = "successupdateBalance"
	EventUpdateBalance     = "updateBalance"
	EventSuccessOpenOrder  = "successopenOrder"
	EventFailOpenOrder     = "failopenOrder"
	EventClosedDeals       = "updateClosedDeals"
	EventOpenedDeals       = "updateOpenedDeals"
	EventSuccessCloseOrder = "successcloseOrder"
	EventLoadHistoryPeriod = "loadHistoryPeriod"
	EventUpdateStream      = "updateStream"
	EventUpdateHistoryNew  = "updateHistoryNew"
	EventUpdateHistoryFast = "updateHistoryNewFast"
	EventUpdateAssets      = "updateAssets"
	EventHeartbeat         = "ps"
)

// AssetTableMarker identifies the asset table push by a literal prefix of its first row.
const AssetTableMarker = `[[5,"#AAPL","Apple","stock`

// Event is one classified inbound message. The concrete type is one of the
// exported *Event structs in this package.
type Event interface {
	EventName() string
}

// AuthSucceeded reports that the server accepted the session.
type AuthSucceeded struct{}

// AuthRejected reports a NotAuthorized response. It is final for the session.
type AuthRejected struct {
	Reason string
}

// BalanceUpdated carries a complete balance snapshot.
type BalanceUpdated struct {
	UID     int64
	Balance decimal.Decimal
	Demo    bool
}

// OrderOpened carries the server's record of a newly placed order.
type OrderOpened struct {
	Order OrderData
}

// OrderRejected reports that the server refused an open-order request.
type OrderRejected struct {
	RequestID string
	Reason    string
}

// DealsUpdated carries a batch of order records. Closed is set for the
// closed-deals feed.
type DealsUpdated struct {
	Deals  []OrderData
	Closed bool
}

// OrderClosed carries the settlement of one or more deals.
type OrderClosed struct {
	Profit    decimal.Decimal
	HasProfit bool
	Deals     []OrderData
}

// StreamUpdate carries live quotes; each tick also synchronises server time.
type StreamUpdate struct {
	Ticks []Tick
}

// HistoryLoaded answers a loadHistoryPeriod request.
type HistoryLoaded struct {
	Asset   string
	Index   int64
	Period  int
	Candles []CandleData
}

// HistorySnapshot is the recent-history push sent after changeSymbol.
type HistorySnapshot struct {
	Asset   string
	Period  int
	Candles []CandleData
}

// AssetsUpdated carries the full asset table.
type AssetsUpdated struct {
	Assets []AssetData
}

// Ack is a named event without a usable body, typically the header of a
// binary event whose attachment has not arrived.
type Ack struct {
	Name string
}

// Unknown is anything the classifier does not recognise. Dispatch ignores it.
type Unknown struct {
	Name    string
	Payload []byte
}

func (AuthSucceeded) EventName() string   { return EventSuccessAuth }
func (AuthRejected) EventName() string    { return EventNotAuthorized }
func (BalanceUpdated) EventName() string  { return EventSuccessBalance }
func (OrderOpened) EventName() string     { return EventSuccessOpenOrder }
func (OrderRejected) EventName() string   { return EventFailOpenOrder }
func (OrderClosed) EventName() string     { return EventSuccessCloseOrder }
func (StreamUpdate) EventName() string    { return EventUpdateStream }
func (HistoryLoaded) EventName() string   { return EventLoadHistoryPeriod }
func (HistorySnapshot) EventName() string { return EventUpdateHistoryNew }
func (AssetsUpdated) EventName() string   { return EventUpdateAssets }
func (e Ack) EventName() string           { return e.Name }
func (e Unknown) EventName() string       { return e.Name }

func (e DealsUpdated) EventName() string {
	if e.Closed {
		return EventClosedDeals
	}
	return EventOpenedDeals
}

// OrderData is the server's view of a single order or deal.
type OrderData struct {
	ID            string
	RequestID     string
	UID           int64
	Asset         string
	Amount        decimal.Decimal
	Command       int // 0 call, 1 put
	HasCommand    bool
	OpenPrice     decimal.Decimal
	ClosePrice    decimal.Decimal
	Profit        decimal.Decimal
	HasProfit     bool
	PercentProfit int
	OpenTime      time.Time
	CloseTime     time.Time
	Demo          bool
}

// Settled reports whether the record carries a final outcome: a profit value
// and a non-zero close price.
func (o OrderData) Settled() bool {
	return o.HasProfit && !o.ClosePrice.IsZero()
}

// Direction maps the command field to an option side. It reports false when
// the record carries no command or an unknown one.
func (o OrderData) Direction() (Direction, bool) {
	if !o.HasCommand {
		return "", false
	}
	switch o.Command {
	case 0:
		return DirectionCall, true
	case 1:
		return DirectionPut, true
	}
	return "", false
}

// Tick is one live quote.
type Tick struct {
	Asset string
	Time  time.Time
	Price decimal.Decimal
}

// CandleData is one history point. Points that only carry a price have all
// four OHLC values set to it.
type CandleData struct {
	Time  time.Time
	Open  decimal.Decimal
	High  decimal.Decimal
	Low   decimal.Decimal
	Close decimal.Decimal
}

// AssetData is one row of the asset table.
type AssetData struct {
	ID     int64
	Symbol string
	Name   string
	Type   string
	Payout int
	Active bool
}

// Classify maps an event name and its JSON body to a typed event. name is
// empty for attachments that arrived without a pending header; those are
// identified by shape. A nil error with an Unknown event means the message is
// well-formed but not of interest.
func Classify(name string, payload []byte) (Event, error) {
	if len(payload) > 0 && !gjson.ValidBytes(payload) {
		return nil, errs.New("classify", errs.CodeDecode,
			errs.WithMessage("payload is not valid JSON"), errs.WithField("event", name))
	}
	body := gjson.ParseBytes(payload)
	empty := len(payload) == 0

	switch name {
	case "":
		return sniff(payload, body), nil
	case EventSuccessAuth:
		return AuthSucceeded{}, nil
	case EventNotAuthorized:
		return AuthRejected{Reason: reasonOf(body, "not authorized")}, nil
	case EventSuccessBalance, EventUpdateBalance:
		if empty || !body.Get("balance").Exists() {
			return Ack{Name: name}, nil
		}
		return balanceOf(body), nil
	case EventSuccessOpenOrder:
		if empty || !body.IsObject() {
			return Ack{Name: name}, nil
		}
		return OrderOpened{Order: orderOf(body)}, nil
	case EventFailOpenOrder:
		return OrderRejected{RequestID: stringOf(body.Get("requestId")), Reason: reasonOf(body, "order rejected")}, nil
	case EventClosedDeals, EventOpenedDeals:
		if empty {
			return Ack{Name: name}, nil
		}
		return DealsUpdated{Deals: ordersOf(body), Closed: name == EventClosedDeals}, nil
	case EventSuccessCloseOrder:
		if empty {
			return Ack{Name: name}, nil
		}
		return closedOf(body), nil
	case EventLoadHistoryPeriod:
		if empty {
			return Ack{Name: name}, nil
		}
		return historyOf(body), nil
	case EventUpdateHistoryNew, EventUpdateHistoryFast:
		if empty {
			return Ack{Name: name}, nil
		}
		return snapshotOf(body), nil
	case EventUpdateStream:
		if empty {
			return Ack{Name: name}, nil
		}
		return StreamUpdate{Ticks: ticksOf(body)}, nil
	case EventUpdateAssets:
		if empty {
			return Ack{Name: name}, nil
		}
		return AssetsUpdated{Assets: assetsOf(body)}, nil
	default:
		if !empty && strings.Contains(string(payload), AssetTableMarker) {
			return AssetsUpdated{Assets: assetsOf(body)}, nil
		}
		return Unknown{Name: name, Payload: payload}, nil
	}
}

// sniff identifies an unnamed JSON body by its shape.
func sniff(payload []byte, body gjson.Result) Event {
	switch {
	case strings.Contains(string(payload), AssetTableMarker):
		return AssetsUpdated{Assets: assetsOf(body)}
	case body.IsObject():
		switch {
		case body.Get("balance").Exists() && body.Get("uid").Exists():
			return balanceOf(body)
		case body.Get("requestId").Exists() && body.Get("error").Exists():
			return OrderRejected{RequestID: stringOf(body.Get("requestId")), Reason: reasonOf(body, "order rejected")}
		case body.Get("requestId").Exists() && body.Get("id").Exists():
			return OrderOpened{Order: orderOf(body)}
		case body.Get("deals").IsArray():
			return closedOf(body)
		case body.Get("data").IsArray() && body.Get("asset").Exists():
			return historyOf(body)
		case body.Get("history").IsArray() && body.Get("asset").Exists():
			return snapshotOf(body)
		}
	case body.IsArray():
		first := body.Get("0")
		switch {
		case first.IsArray() && first.Get("0").Type == gjson.String && first.Get("2").Type == gjson.Number:
			return StreamUpdate{Ticks: ticksOf(body)}
		case first.IsObject() && first.Get("id").Exists():
			return DealsUpdated{Deals: ordersOf(body), Closed: first.Get("closePrice").Exists()}
		}
	}
	return Unknown{Payload: payload}
}

func balanceOf(body gjson.Result) BalanceUpdated {
	amount, _ := decimalOf(body.Get("balance"))
	return BalanceUpdated{
		UID:     body.Get("uid").Int(),
		Balance: amount,
		Demo:    body.Get("isDemo").Int() == 1 || body.Get("isDemo").Type == gjson.True,
	}
}

func orderOf(body gjson.Result) OrderData {
	o := OrderData{
		ID:            stringOf(body.Get("id")),
		RequestID:     stringOf(body.Get("requestId")),
		UID:           body.Get("uid").Int(),
		Asset:         body.Get("asset").String(),
		Command:       int(body.Get("command").Int()),
		PercentProfit: int(body.Get("percentProfit").Int()),
		OpenTime:      timeOf(body.Get("openTimestamp")),
		CloseTime:     timeOf(body.Get("closeTimestamp")),
		Demo:          body.Get("isDemo").Int() == 1 || body.Get("isDemo").Type == gjson.True,
	}
	o.Amount, _ = decimalOf(body.Get("amount"))
	o.OpenPrice, _ = decimalOf(body.Get("openPrice"))
	o.ClosePrice, _ = decimalOf(body.Get("closePrice"))
	o.Profit, o.HasProfit = decimalOf(body.Get("profit"))
	o.HasCommand = body.Get("command").Exists()
	return o
}

func ordersOf(body gjson.Result) []OrderData {
	var out []OrderData
	body.ForEach(func(_, value gjson.Result) bool {
		if value.IsObject() {
			out = append(out, orderOf(value))
		}
		return true
	})
	return out
}

func closedOf(body gjson.Result) OrderClosed {
	ev := OrderClosed{Deals: ordersOf(body.Get("deals"))}
	ev.Profit, ev.HasProfit = decimalOf(body.Get("profit"))
	return ev
}

func historyOf(body gjson.Result) HistoryLoaded {
	return HistoryLoaded{
		Asset:   body.Get("asset").String(),
		Index:   body.Get("index").Int(),
		Period:  int(body.Get("period").Int()),
		Candles: candlesOf(body.Get("data")),
	}
}

func snapshotOf(body gjson.Result) HistorySnapshot {
	return HistorySnapshot{
		Asset:   body.Get("asset").String(),
		Period:  int(body.Get("period").Int()),
		Candles: candlesOf(body.Get("history")),
	}
}

// candlesOf accepts object points {time, price|open/high/low/close} and
// compact [time, price] pairs.
func candlesOf(list gjson.Result) []CandleData {
	var out []CandleData
	list.ForEach(func(_, value gjson.Result) bool {
		var c CandleData
		switch {
		case value.IsObject():
			c.Time = timeOf(value.Get("time"))
			price, hasPrice := decimalOf(value.Get("price"))
			c.Open = fieldOr(value.Get("open"), price)
			c.High = fieldOr(value.Get("high"), price)
			c.Low = fieldOr(value.Get("low"), price)
			c.Close = fieldOr(value.Get("close"), price)
			if !hasPrice && !value.Get("close").Exists() {
				return true
			}
		case value.IsArray():
			c.Time = timeOf(value.Get("0"))
			price, ok := decimalOf(value.Get("1"))
			if !ok {
				return true
			}
			c.Open, c.High, c.Low, c.Close = price, price, price, price
		default:
			return true
		}
		out = append(out, c)
		return true
	})
	return out
}

func ticksOf(body gjson.Result) []Tick {
	var out []Tick
	body.ForEach(func(_, row gjson.Result) bool {
		if !row.IsArray() {
			return true
		}
		price, ok := decimalOf(row.Get("2"))
		if !ok {
			return true
		}
		out = append(out, Tick{Asset: row.Get("0").String(), Time: timeOf(row.Get("1")), Price: price})
		return true
	})
	return out
}

// assetsOf reads rows shaped [id, symbol, name, type, group, payout, ...].
// Row index 14 carries the tradable flag when present.
func assetsOf(body gjson.Result) []AssetData {
	var out []AssetData
	body.ForEach(func(_, row gjson.Result) bool {
		if !row.IsArray() || row.Get("1").Type != gjson.String {
			return true
		}
		active := true
		if flag := row.Get("14"); flag.Exists() {
			active = flag.Bool()
		}
		out = append(out, AssetData{
			ID:     row.Get("0").Int(),
			Symbol: row.Get("1").String(),
			Name:   row.Get("2").String(),
			Type:   row.Get("3").String(),
			Payout: int(row.Get("5").Int()),
			Active: active,
		})
		return true
	})
	return out
}

func decimalOf(r gjson.Result) (decimal.Decimal, bool) {
	switch r.Type {
	case gjson.Number:
		d, err := decimal.NewFromString(r.Raw)
		if err != nil {
			return decimal.NewFromFloat(r.Float()), true
		}
		return d, true
	case gjson.String:
		d, err := decimal.NewFromString(strings.TrimSpace(r.Str))
		if err != nil {
			return decimal.Zero, false
		}
		return d, true
	default:
		return decimal.Zero, false
	}
}

func fieldOr(r gjson.Result, fallback decimal.Decimal) decimal.Decimal {
	if d, ok := decimalOf(r); ok {
		return d
	}
	return fallback
}

// timeOf reads unix seconds, possibly fractional, or an RFC 3339 string.
func timeOf(r gjson.Result) time.Time {
	switch r.Type {
	case gjson.Number:
		d, err := decimal.NewFromString(r.Raw)
		if err != nil {
			return time.Time{}
		}
		sec := d.IntPart()
		nsec := d.Sub(decimal.NewFromInt(sec)).Shift(9).IntPart()
		return time.Unix(sec, nsec).UTC()
	case gjson.String:
		if t, err := time.Parse(time.RFC3339, r.Str); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func stringOf(r gjson.Result) string {
	switch r.Type {
	case gjson.String:
		return r.Str
	case gjson.Number:
		return r.Raw
	default:
		return ""
	}
}

func reasonOf(body gjson.Result, fallback string) string {
	switch {
	case body.Type == gjson.String && body.Str != "":
		return body.Str
	case body.Get("error").Type == gjson.String:
		return body.Get("error").Str
	case body.Get("message").Type == gjson.String:
		return body.Get("message").Str
	}
	return fallback
}
