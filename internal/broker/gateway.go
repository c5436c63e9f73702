package broker

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/oriphim/premium-harvester/internal/util"
)

// Gateway is the venue-facing API the rest of the bot depends on.
// Market-data methods return (nil, nil) when the venue has no usable
// data; errors are reserved for transport and session faults.
type Gateway interface {
	Connect(ctx context.Context) error
	Reconnect(ctx context.Context) error
	Disconnect() error
	Connected() bool

	MarketSnapshot(ctx context.Context, symbol string) (*MarketSnapshot, error)
	OptionChain(ctx context.Context, symbol string) (*OptionChain, error)
	OptionQuotes(ctx context.Context, symbol, expiry string, strikes []float64, right Right) ([]OptionQuote, error)
	ComboQuote(ctx context.Context, combo Combo) (*ComboQuote, error)

	PlaceComboOrder(ctx context.Context, combo Combo, side Side, quantity int, limitPrice float64, tif TIF) (int, error)
	OrderState(ctx context.Context, orderID int) (OrderStatus, error)
	CancelOrder(ctx context.Context, orderID int) error
	CancelAllOrders(ctx context.Context) (int, error)
}

const (
	reconnectAttempts = 3

	defaultSnapshotWait = 1 * time.Second
	defaultQuoteWait    = 500 * time.Millisecond
	defaultComboWait    = 3 * time.Second
	defaultPollInterval = 100 * time.Millisecond
)

// reconnectDelays is the pause before each reconnect attempt.
var reconnectDelays = []time.Duration{2 * time.Second, 5 * time.Second, 5 * time.Second}

// VenueGateway implements Gateway over a Conn. The venue session is
// event driven; this layer turns subscriptions into bounded-wait
// request/response calls and paces outbound requests with a limiter.
type VenueGateway struct {
	conn     Conn
	host     string
	port     int
	clientID int

	limiter *rate.Limiter
	logger  zerolog.Logger

	snapshotWait time.Duration
	quoteWait    time.Duration
	comboWait    time.Duration
	pollInterval time.Duration
}

var _ Gateway = (*VenueGateway)(nil)

// NewVenueGateway creates a gateway over conn targeting host:port with
// the given venue client ID.
func NewVenueGateway(conn Conn, host string, port, clientID int, logger zerolog.Logger) *VenueGateway {
	return &VenueGateway{
		conn:         conn,
		host:         host,
		port:         port,
		clientID:     clientID,
		limiter:      rate.NewLimiter(rate.Limit(40), 10),
		logger:       logger.With().Str("component", "gateway").Logger(),
		snapshotWait: defaultSnapshotWait,
		quoteWait:    defaultQuoteWait,
		comboWait:    defaultComboWait,
		pollInterval: defaultPollInterval,
	}
}

// Connect establishes the venue session. Calling it on a live session
// is a no-op.
func (g *VenueGateway) Connect(ctx context.Context) error {
	if g.conn.Connected() {
		return nil
	}
	if err := g.conn.Dial(ctx, g.host, g.port, g.clientID); err != nil {
		return fmt.Errorf("dial %s:%d: %w", g.host, g.port, err)
	}
	g.logger.Info().Str("host", g.host).Int("port", g.port).Int("client_id", g.clientID).Msg("venue session established")
	return nil
}

// Reconnect tears the session down and retries the dial a fixed number
// of times with increasing pauses.
func (g *VenueGateway) Reconnect(ctx context.Context) error {
	var lastErr error
	for attempt := 0; attempt < reconnectAttempts; attempt++ {
		if err := sleepCtx(ctx, reconnectDelays[attempt]); err != nil {
			return err
		}
		if g.conn.Connected() {
			if err := g.conn.Close(); err != nil {
				g.logger.Warn().Err(err).Msg("close before reconnect failed")
			}
		}
		if err := g.conn.Dial(ctx, g.host, g.port, g.clientID); err != nil {
			lastErr = err
			g.logger.Warn().Err(err).Int("attempt", attempt+1).Msg("reconnect attempt failed")
			continue
		}
		g.logger.Info().Int("attempt", attempt+1).Msg("venue session re-established")
		return nil
	}
	return fmt.Errorf("reconnect failed after %d attempts: %w", reconnectAttempts, lastErr)
}

// Disconnect closes the venue session.
func (g *VenueGateway) Disconnect() error {
	if !g.conn.Connected() {
		return nil
	}
	return g.conn.Close()
}

// Connected reports whether the venue session is live.
func (g *VenueGateway) Connected() bool {
	return g.conn.Connected()
}

// MarketSnapshot returns the current market for symbol, or (nil, nil)
// when the venue delivers no last price inside the wait window.
func (g *VenueGateway) MarketSnapshot(ctx context.Context, symbol string) (*MarketSnapshot, error) {
	if !g.conn.Connected() {
		return nil, ErrNotConnected
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	sub, err := g.conn.SubscribeStock(symbol)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", symbol, err)
	}
	defer sub.Cancel()

	tick, ok := g.await(ctx, sub, g.snapshotWait, func(t Tick) bool { return t.Last > 0 })
	if !ok {
		g.logger.Debug().Str("symbol", symbol).Msg("no last price from venue")
		return nil, nil
	}
	snap := &MarketSnapshot{
		Symbol:    symbol,
		Last:      tick.Last,
		Bid:       tick.Bid,
		Ask:       tick.Ask,
		Volume:    tick.Volume,
		Timestamp: time.Now().UTC(),
	}
	if snap.Bid <= 0 {
		snap.Bid = snap.Last
	}
	if snap.Ask <= 0 {
		snap.Ask = snap.Last
	}
	return snap, nil
}

// OptionChain returns listed expirations and strikes for symbol, or
// (nil, nil) when the venue reports an empty chain.
func (g *VenueGateway) OptionChain(ctx context.Context, symbol string) (*OptionChain, error) {
	if !g.conn.Connected() {
		return nil, ErrNotConnected
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	chain, err := g.conn.ChainParams(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("chain params %s: %w", symbol, err)
	}
	if chain == nil || len(chain.Expirations) == 0 || len(chain.Strikes) == 0 {
		return nil, nil
	}
	sort.Strings(chain.Expirations)
	sort.Float64s(chain.Strikes)
	return chain, nil
}

// OptionQuotes fetches quotes for the given strikes. Strikes the venue
// never two-sides inside the per-strike wait are omitted from the
// result rather than reported as errors.
func (g *VenueGateway) OptionQuotes(ctx context.Context, symbol, expiry string, strikes []float64, right Right) ([]OptionQuote, error) {
	if !g.conn.Connected() {
		return nil, ErrNotConnected
	}
	quotes := make([]OptionQuote, 0, len(strikes))
	for _, strike := range strikes {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		sub, err := g.conn.SubscribeOption(symbol, expiry, strike, right)
		if err != nil {
			return nil, fmt.Errorf("subscribe %s %s %.2f%s: %w", symbol, expiry, strike, right, err)
		}
		tick, ok := g.await(ctx, sub, g.quoteWait, Tick.TwoSided)
		sub.Cancel()
		if !ok {
			g.logger.Debug().Str("symbol", symbol).Float64("strike", strike).Str("right", string(right)).
				Msg("strike skipped, no two-sided quote")
			continue
		}
		quotes = append(quotes, OptionQuote{
			Symbol: symbol,
			Expiry: expiry,
			Strike: strike,
			Right:  right,
			Bid:    tick.Bid,
			Ask:    tick.Ask,
			Mid:    util.Mid(tick.Bid, tick.Ask),
			Volume: tick.Volume,
			IV:     tick.IV,
			Delta:  tick.Delta,
			Gamma:  tick.Gamma,
			Theta:  tick.Theta,
		})
	}
	return quotes, nil
}

// ComboQuote aggregates the market for a combo, waiting a bounded time
// for a two-sided quote. Returns (nil, nil) on timeout.
func (g *VenueGateway) ComboQuote(ctx context.Context, combo Combo) (*ComboQuote, error) {
	if !g.conn.Connected() {
		return nil, ErrNotConnected
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	sub, err := g.conn.SubscribeCombo(combo)
	if err != nil {
		return nil, fmt.Errorf("subscribe combo %s: %w", combo.Symbol, err)
	}
	defer sub.Cancel()

	tick, ok := g.await(ctx, sub, g.comboWait, Tick.TwoSided)
	if !ok {
		return nil, nil
	}
	return &ComboQuote{
		Bid:    tick.Bid,
		Ask:    tick.Ask,
		Mid:    util.Mid(tick.Bid, tick.Ask),
		Spread: util.RoundToTick(tick.Ask-tick.Bid, 0.01),
	}, nil
}

// PlaceComboOrder submits a limit order for the combo and returns the
// venue order ID.
func (g *VenueGateway) PlaceComboOrder(ctx context.Context, combo Combo, side Side, quantity int, limitPrice float64, tif TIF) (int, error) {
	if !g.conn.Connected() {
		return 0, ErrNotConnected
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	orderID, err := g.conn.PlaceOrder(combo, side, quantity, limitPrice, tif)
	if err != nil {
		return 0, fmt.Errorf("place order: %w", err)
	}
	g.logger.Info().Int("order_id", orderID).Str("symbol", combo.Symbol).Str("side", string(side)).
		Int("quantity", quantity).Float64("limit", limitPrice).Str("tif", string(tif)).
		Msg("combo order submitted")
	return orderID, nil
}

// OrderState returns the venue's current view of the order.
func (g *VenueGateway) OrderState(ctx context.Context, orderID int) (OrderStatus, error) {
	if !g.conn.Connected() {
		return OrderStatus{}, ErrNotConnected
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return OrderStatus{}, err
	}
	return g.conn.OrderStatus(orderID)
}

// CancelOrder asks the venue to cancel the order.
func (g *VenueGateway) CancelOrder(ctx context.Context, orderID int) error {
	if !g.conn.Connected() {
		return ErrNotConnected
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}
	return g.conn.CancelOrder(orderID)
}

// CancelAllOrders cancels every working order and returns how many
// cancels were issued. Per-order cancel failures are logged and do not
// stop the sweep.
func (g *VenueGateway) CancelAllOrders(ctx context.Context) (int, error) {
	if !g.conn.Connected() {
		return 0, ErrNotConnected
	}
	open, err := g.conn.OpenOrders()
	if err != nil {
		return 0, fmt.Errorf("open orders: %w", err)
	}
	cancelled := 0
	for _, o := range open {
		if o.State.Terminal() {
			continue
		}
		if err := g.conn.CancelOrder(o.OrderID); err != nil {
			g.logger.Warn().Err(err).Int("order_id", o.OrderID).Msg("cancel failed")
			continue
		}
		cancelled++
	}
	return cancelled, nil
}

// await polls the subscription until ready returns true, the wait
// elapses, or ctx is done. The returned bool reports readiness.
func (g *VenueGateway) await(ctx context.Context, sub Subscription, wait time.Duration, ready func(Tick) bool) (Tick, bool) {
	deadline := time.Now().Add(wait)
	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()
	for {
		tick := sub.Snapshot()
		if ready(tick) {
			return tick, true
		}
		if time.Now().After(deadline) {
			return tick, false
		}
		select {
		case <-ctx.Done():
			return tick, false
		case <-ticker.C:
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
