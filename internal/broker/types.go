// Package broker provides the venue gateway used for market data and
// order routing, plus the wire types shared with the rest of the bot.
package broker

import (
	"errors"
	"time"
)

// ErrNotConnected is returned by gateway operations invoked before a
// successful Connect or after the venue session dropped.
var ErrNotConnected = errors.New("broker: not connected")

// Right identifies an option side.
type Right string

const (
	RightCall Right = "C"
	RightPut  Right = "P"
)

// Side is an order action.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// TIF is an order time-in-force.
type TIF string

const (
	TIFDay TIF = "DAY"
	TIFIOC TIF = "IOC"
)

// OrderState is the venue-reported lifecycle state of an order.
type OrderState string

const (
	StatePendingSubmit OrderState = "PendingSubmit"
	StatePreSubmitted  OrderState = "PreSubmitted"
	StateSubmitted     OrderState = "Submitted"
	StateFilled        OrderState = "Filled"
	StateCancelled     OrderState = "Cancelled"
	StateAPICancelled  OrderState = "ApiCancelled"
	StateRejected      OrderState = "Rejected"
)

// Terminal reports whether the state is final for the order.
func (s OrderState) Terminal() bool {
	switch s {
	case StateFilled, StateCancelled, StateAPICancelled, StateRejected:
		return true
	}
	return false
}

// MarketSnapshot is a point-in-time view of an underlying.
type MarketSnapshot struct {
	Symbol    string    `json:"symbol"`
	Last      float64   `json:"last"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Volume    int64     `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
}

// OptionQuote is a quote for a single option contract. Greeks are
// pointers because the venue may not deliver them for every strike.
type OptionQuote struct {
	Symbol string   `json:"symbol"`
	Expiry string   `json:"expiry"` // YYYYMMDD
	Strike float64  `json:"strike"`
	Right  Right    `json:"right"`
	Bid    float64  `json:"bid"`
	Ask    float64  `json:"ask"`
	Mid    float64  `json:"mid"`
	Volume int64    `json:"volume"`
	IV     *float64 `json:"iv,omitempty"`
	Delta  *float64 `json:"delta,omitempty"`
	Gamma  *float64 `json:"gamma,omitempty"`
	Theta  *float64 `json:"theta,omitempty"`
}

// OptionChain describes the listed contracts for an underlying.
type OptionChain struct {
	Symbol      string    `json:"symbol"`
	Expirations []string  `json:"expirations"` // YYYYMMDD, ascending
	Strikes     []float64 `json:"strikes"`     // ascending
	Multiplier  int       `json:"multiplier"`
}

// ComboLeg is one leg of a multi-leg order.
type ComboLeg struct {
	Strike float64 `json:"strike"`
	Right  Right   `json:"right"`
	Action Side    `json:"action"`
	Ratio  int     `json:"ratio"`
}

// Combo is a multi-leg option order specification. Leg actions are
// expressed for the opening direction; the venue flips them when the
// combo is traded from the other side.
type Combo struct {
	Symbol string     `json:"symbol"`
	Expiry string     `json:"expiry"`
	Legs   []ComboLeg `json:"legs"`
}

// ComboQuote is the aggregated market for a combo.
type ComboQuote struct {
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
	Mid    float64 `json:"mid"`
	Spread float64 `json:"spread"`
}

// OrderStatus is a point-in-time view of a working or finished order.
type OrderStatus struct {
	OrderID      int        `json:"order_id"`
	State        OrderState `json:"state"`
	Filled       float64    `json:"filled"`
	Remaining    float64    `json:"remaining"`
	AvgFillPrice float64    `json:"avg_fill_price"`
}
