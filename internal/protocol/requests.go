package protocol

import (
	"strings"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/pocketoption/errs"
)

// Outbound event names.
const (
	RequestOpenOrder    = "openOrder"
	RequestChangeSymbol = "changeSymbol"
	RequestHistory      = "loadHistoryPeriod"
)

// Direction is the side of a binary option.
type Direction string

const (
	DirectionCall Direction = "call"
	DirectionPut  Direction = "put"
)

// ParseDirection accepts call/put in any case.
func ParseDirection(s string) (Direction, error) {
	switch Direction(strings.ToLower(strings.TrimSpace(s))) {
	case DirectionCall:
		return DirectionCall, nil
	case DirectionPut:
		return DirectionPut, nil
	default:
		return "", errs.New("direction", errs.CodeInvalid, errs.WithMessage("direction must be call or put"), errs.WithField("value", s))
	}
}

// OptionTypeTurbo is the option type used for fixed-expiry orders.
const OptionTypeTurbo = 100

// OpenOrderRequest is the body of 42["openOrder",{...}].
type OpenOrderRequest struct {
	Asset      string      `json:"asset"`
	Amount     json.Number `json:"amount"`
	Action     Direction   `json:"action"`
	IsDemo     int         `json:"isDemo"`
	RequestID  string      `json:"requestId"`
	OptionType int         `json:"optionType"`
	Time       int64       `json:"time"`
}

// ChangeSymbolRequest is the body of 42["changeSymbol",{...}].
type ChangeSymbolRequest struct {
	Asset  string `json:"asset"`
	Period int    `json:"period"`
}

// HistoryRequest is the body of 42["loadHistoryPeriod",{...}]. Index is
// echoed by the server and correlates the response.
type HistoryRequest struct {
	Active  string `json:"active"`
	Period  int    `json:"period"`
	Count   int    `json:"count"`
	EndTime int64  `json:"endtime"`
	Index   int64  `json:"index"`
}

// Number renders a decimal as a bare JSON number.
func Number(d decimal.Decimal) json.Number {
	return json.Number(d.String())
}
