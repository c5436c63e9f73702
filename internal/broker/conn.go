package broker

import "context"

// Tick is the last observed market data for a subscription. Fields the
// venue has not yet delivered are zero (or nil for greeks).
type Tick struct {
	Last   float64
	Bid    float64
	Ask    float64
	Volume int64
	IV     *float64
	Delta  *float64
	Gamma  *float64
	Theta  *float64
}

// TwoSided reports whether the tick carries a usable market: a positive
// bid with the ask strictly above it. Crossed and locked markets fail.
func (t Tick) TwoSided() bool {
	return t.Bid > 0 && t.Ask > t.Bid
}

// Subscription is a live market-data stream. Snapshot returns the most
// recent tick without blocking; Cancel releases the venue-side line.
type Subscription interface {
	Snapshot() Tick
	Cancel()
}

// Conn is a session with the trading venue. Implementations hold the
// socket and the venue's event pump; the gateway layers request/response
// semantics on top by polling subscriptions.
type Conn interface {
	Dial(ctx context.Context, host string, port, clientID int) error
	Close() error
	Connected() bool

	ChainParams(ctx context.Context, symbol string) (*OptionChain, error)
	SubscribeStock(symbol string) (Subscription, error)
	SubscribeOption(symbol, expiry string, strike float64, right Right) (Subscription, error)
	SubscribeCombo(combo Combo) (Subscription, error)

	PlaceOrder(combo Combo, side Side, quantity int, limitPrice float64, tif TIF) (int, error)
	OrderStatus(orderID int) (OrderStatus, error)
	CancelOrder(orderID int) error
	OpenOrders() ([]OrderStatus, error)
}
