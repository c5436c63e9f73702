package broker

import (
	"context"
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"sync"
	"time"
)

// SimConn is an in-process venue session for paper trading. Prices
// follow a small random walk around a synthetic underlying; option
// quotes come from a crude delta-decay model; orders fill at their
// limit price after a couple of status polls.
type SimConn struct {
	mu        sync.Mutex
	connected bool

	price  float64
	iv     float64
	vixLvl float64

	nextOrderID int
	orders      map[int]*simOrder
}

type simOrder struct {
	status OrderStatus
	limit  float64
	qty    int
	tif    TIF
	polls  int
}

var _ Conn = (*SimConn)(nil)

// secureFloat64 generates a cryptographically secure random float64 between 0 and 1.
func secureFloat64() float64 {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<53))
	if err != nil {
		return 0.5
	}
	return float64(n.Int64()) / (1 << 53)
}

// secureInt63n generates a cryptographically secure random int64 between 0 and n-1.
func secureInt63n(n int64) int64 {
	r, err := rand.Int(rand.Reader, big.NewInt(n))
	if err != nil {
		return n / 2
	}
	return r.Int64()
}

// NewSimConn creates a simulated venue session with the underlying
// starting near 450.
func NewSimConn() *SimConn {
	return &SimConn{
		price:       450.0 + secureFloat64()*10,
		iv:          0.12 + secureFloat64()*0.18,
		vixLvl:      14.0 + secureFloat64()*6,
		nextOrderID: 1,
		orders:      make(map[int]*simOrder),
	}
}

// Dial marks the session connected. Host and port are ignored.
func (s *SimConn) Dial(_ context.Context, _ string, _, _ int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = true
	return nil
}

// Close marks the session disconnected.
func (s *SimConn) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	return nil
}

// Connected reports whether Dial has been called.
func (s *SimConn) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// ChainParams returns a synthetic chain: whole-dollar strikes within
// $50 of the underlying and the next four daily expirations.
func (s *SimConn) ChainParams(_ context.Context, symbol string) (*OptionChain, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil, ErrNotConnected
	}

	center := math.Round(s.price)
	var strikes []float64
	for strike := center - 50; strike <= center+50; strike++ {
		strikes = append(strikes, strike)
	}

	var expirations []string
	for d := 0; d < 4; d++ {
		expirations = append(expirations, time.Now().AddDate(0, 0, d).Format("20060102"))
	}

	return &OptionChain{
		Symbol:      symbol,
		Expirations: expirations,
		Strikes:     strikes,
		Multiplier:  100,
	}, nil
}

// SubscribeStock returns a subscription whose ticks walk the underlying
// a few cents per read. The VIX symbol gets its own slow-moving level.
func (s *SimConn) SubscribeStock(symbol string) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil, ErrNotConnected
	}
	if symbol == "VIX" {
		return &simSub{snapshot: func() Tick {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.vixLvl = math.Max(9, s.vixLvl+(secureFloat64()-0.5)*0.2)
			return Tick{Last: s.vixLvl, Bid: s.vixLvl, Ask: s.vixLvl}
		}}, nil
	}
	return &simSub{snapshot: func() Tick {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.price += (secureFloat64() - 0.5) * 0.5
		return Tick{
			Last:   s.price,
			Bid:    s.price - 0.01,
			Ask:    s.price + 0.01,
			Volume: secureInt63n(100_000_000),
		}
	}}, nil
}

// SubscribeOption prices the contract with an exponential delta-decay
// model around the current underlying.
func (s *SimConn) SubscribeOption(_, expiry string, strike float64, right Right) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil, ErrNotConnected
	}
	return &simSub{snapshot: func() Tick {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.optionTick(expiry, strike, right)
	}}, nil
}

// optionTick prices one contract. Caller holds s.mu.
func (s *SimConn) optionTick(expiry string, strike float64, right Right) Tick {
	distance := math.Abs(strike - s.price)
	decay := math.Exp(-distance * 0.05)

	delta := 0.5 * decay
	if right == RightPut {
		delta = -0.5 * decay
		if strike > s.price {
			delta = -0.5 * (2 - decay)
		}
	} else if strike < s.price {
		delta = 0.5 * (2 - decay)
	}

	dte := 0.5
	if exp, err := time.Parse("20060102", expiry); err == nil {
		if d := time.Until(exp).Hours() / 24; d > 0 {
			dte = d
		}
	}
	timeValue := dte / 365.0
	price := math.Max(0.05, s.iv*math.Sqrt(timeValue)*s.price*math.Abs(delta))
	iv := s.iv

	return Tick{
		Last:   price,
		Bid:    math.Max(0.01, price-0.02),
		Ask:    price + 0.02,
		Volume: 50 + secureInt63n(5000),
		IV:     &iv,
		Delta:  &delta,
	}
}

// SubscribeCombo quotes the combo as the signed sum of leg mids with a
// fixed four-cent market around it.
func (s *SimConn) SubscribeCombo(combo Combo) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil, ErrNotConnected
	}
	return &simSub{snapshot: func() Tick {
		s.mu.Lock()
		defer s.mu.Unlock()
		var mid float64
		for _, leg := range combo.Legs {
			tick := s.optionTick(combo.Expiry, leg.Strike, leg.Right)
			legMid := (tick.Bid + tick.Ask) / 2
			if leg.Action == SideSell {
				mid += legMid * float64(leg.Ratio)
			} else {
				mid -= legMid * float64(leg.Ratio)
			}
		}
		mid = math.Max(0.05, mid)
		return Tick{Last: mid, Bid: math.Max(0.01, mid-0.02), Ask: mid + 0.02}
	}}, nil
}

// PlaceOrder books a simulated order that fills at its limit price.
func (s *SimConn) PlaceOrder(combo Combo, _ Side, quantity int, limitPrice float64, tif TIF) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return 0, ErrNotConnected
	}
	if len(combo.Legs) == 0 {
		return 0, fmt.Errorf("combo has no legs")
	}
	id := s.nextOrderID
	s.nextOrderID++
	s.orders[id] = &simOrder{
		status: OrderStatus{OrderID: id, State: StateSubmitted, Remaining: float64(quantity)},
		limit:  limitPrice,
		qty:    quantity,
		tif:    tif,
	}
	return id, nil
}

// OrderStatus fills working orders on their second poll.
func (s *SimConn) OrderStatus(orderID int) (OrderStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return OrderStatus{}, ErrNotConnected
	}
	o, ok := s.orders[orderID]
	if !ok {
		return OrderStatus{}, fmt.Errorf("unknown order %d", orderID)
	}
	if !o.status.State.Terminal() {
		o.polls++
		if o.polls >= 2 {
			o.status.State = StateFilled
			o.status.Filled = float64(o.qty)
			o.status.Remaining = 0
			o.status.AvgFillPrice = o.limit
		}
	}
	return o.status, nil
}

// CancelOrder cancels a working order.
func (s *SimConn) CancelOrder(orderID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return ErrNotConnected
	}
	o, ok := s.orders[orderID]
	if !ok {
		return fmt.Errorf("unknown order %d", orderID)
	}
	if !o.status.State.Terminal() {
		o.status.State = StateCancelled
	}
	return nil
}

// OpenOrders returns all non-terminal orders.
func (s *SimConn) OpenOrders() ([]OrderStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil, ErrNotConnected
	}
	var open []OrderStatus
	for _, o := range s.orders {
		if !o.status.State.Terminal() {
			open = append(open, o.status)
		}
	}
	return open, nil
}

type simSub struct {
	snapshot func() Tick
}

func (s *simSub) Snapshot() Tick { return s.snapshot() }
func (s *simSub) Cancel()        {}
