package session

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/pocketoption/internal/protocol"
)

// Balance is a complete account balance snapshot.
type Balance struct {
	Amount decimal.Decimal
	Demo   bool
	UID    int64
	At     time.Time
}

// Outcome is the settled result of an order.
type Outcome string

const (
	OutcomePending Outcome = ""
	OutcomeWon     Outcome = "won"
	OutcomeLost    Outcome = "lost"
)

// Order is the locally tracked record of a placed order.
type Order struct {
	ID            string
	RequestID     string
	Asset         string
	Direction     protocol.Direction
	Amount        decimal.Decimal
	Expiration    time.Duration
	OpenPrice     decimal.Decimal
	ClosePrice    decimal.Decimal
	Profit        decimal.Decimal
	HasProfit     bool
	PercentProfit int
	OpenTime      time.Time
	CloseTime     time.Time
	Demo          bool
	UpdatedAt     time.Time
}

// Terminal reports whether the order has settled: a profit is known and the
// close price is non-zero.
func (o Order) Terminal() bool {
	return o.HasProfit && !o.ClosePrice.IsZero()
}

// Outcome maps a terminal order to won or lost. A zero profit counts as lost.
func (o Order) Outcome() Outcome {
	if !o.Terminal() {
		return OutcomePending
	}
	if o.Profit.IsPositive() {
		return OutcomeWon
	}
	return OutcomeLost
}

// merge overlays the non-zero fields of update onto o.
func (o Order) merge(update Order) Order {
	if update.RequestID != "" {
		o.RequestID = update.RequestID
	}
	if update.Asset != "" {
		o.Asset = update.Asset
	}
	if update.Direction != "" {
		o.Direction = update.Direction
	}
	if !update.Amount.IsZero() {
		o.Amount = update.Amount
	}
	if update.Expiration > 0 {
		o.Expiration = update.Expiration
	}
	if !update.OpenPrice.IsZero() {
		o.OpenPrice = update.OpenPrice
	}
	if !update.ClosePrice.IsZero() {
		o.ClosePrice = update.ClosePrice
	}
	if update.HasProfit {
		o.Profit = update.Profit
		o.HasProfit = true
	}
	if update.PercentProfit > 0 {
		o.PercentProfit = update.PercentProfit
	}
	if !update.OpenTime.IsZero() {
		o.OpenTime = update.OpenTime
	}
	if !update.CloseTime.IsZero() {
		o.CloseTime = update.CloseTime
	}
	o.Demo = o.Demo || update.Demo
	return o
}

// Asset is one tradable instrument from the asset table.
type Asset struct {
	ID     int64
	Symbol string
	Name   string
	Type   string
	Payout int
	Active bool
}

// PayoutTable is an immutable snapshot of the asset table.
type PayoutTable struct {
	assets map[string]Asset
	At     time.Time
}

// Len returns the number of assets in the table.
func (t PayoutTable) Len() int { return len(t.assets) }

// Lookup returns the asset with the given symbol.
func (t PayoutTable) Lookup(symbol string) (Asset, bool) {
	a, ok := t.assets[symbol]
	return a, ok
}

// Symbols returns every symbol in lexical order.
func (t PayoutTable) Symbols() []string {
	out := make([]string, 0, len(t.assets))
	for s := range t.assets {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Candle is one OHLC bar.
type Candle struct {
	Time  time.Time
	Open  decimal.Decimal
	High  decimal.Decimal
	Low   decimal.Decimal
	Close decimal.Decimal
}

// NormalizeCandles sorts candles by time and drops duplicate timestamps,
// keeping the last occurrence.
func NormalizeCandles(in []Candle) []Candle {
	if len(in) == 0 {
		return nil
	}
	sorted := make([]Candle, len(in))
	copy(sorted, in)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Time.Before(sorted[j].Time) })

	out := sorted[:0]
	for _, c := range sorted {
		if n := len(out); n > 0 && out[n-1].Time.Equal(c.Time) {
			out[n-1] = c
			continue
		}
		out = append(out, c)
	}
	return out
}

// Quote is the last streamed price of an asset.
type Quote struct {
	Asset string
	Price decimal.Decimal
	Time  time.Time
}

// History is the recent-history snapshot pushed after a symbol change.
type History struct {
	Asset   string
	Period  int
	Candles []Candle
	At      time.Time
}
