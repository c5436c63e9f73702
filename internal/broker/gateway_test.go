package broker

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSub struct {
	tick Tick
}

func (f *fakeSub) Snapshot() Tick { return f.tick }
func (f *fakeSub) Cancel()        {}

type quoteKey struct {
	strike float64
	right  Right
}

// fakeConn is a scriptable venue session for gateway tests.
type fakeConn struct {
	connected bool
	dialErr   error
	dialCount int

	stockTicks map[string]Tick
	chain      *OptionChain
	quotes     map[quoteKey]Tick
	comboTick  *Tick

	placed     []int
	nextID     int
	statuses   map[int]OrderStatus
	cancelled  []int
	openOrders []OrderStatus
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		stockTicks: make(map[string]Tick),
		quotes:     make(map[quoteKey]Tick),
		statuses:   make(map[int]OrderStatus),
		nextID:     100,
	}
}

func (f *fakeConn) Dial(_ context.Context, _ string, _, _ int) error {
	f.dialCount++
	if f.dialErr != nil {
		return f.dialErr
	}
	f.connected = true
	return nil
}

func (f *fakeConn) Close() error {
	f.connected = false
	return nil
}

func (f *fakeConn) Connected() bool { return f.connected }

func (f *fakeConn) ChainParams(_ context.Context, _ string) (*OptionChain, error) {
	return f.chain, nil
}

func (f *fakeConn) SubscribeStock(symbol string) (Subscription, error) {
	return &fakeSub{tick: f.stockTicks[symbol]}, nil
}

func (f *fakeConn) SubscribeOption(_, _ string, strike float64, right Right) (Subscription, error) {
	return &fakeSub{tick: f.quotes[quoteKey{strike, right}]}, nil
}

func (f *fakeConn) SubscribeCombo(_ Combo) (Subscription, error) {
	if f.comboTick == nil {
		return &fakeSub{}, nil
	}
	return &fakeSub{tick: *f.comboTick}, nil
}

func (f *fakeConn) PlaceOrder(_ Combo, _ Side, qty int, limit float64, _ TIF) (int, error) {
	f.nextID++
	f.placed = append(f.placed, f.nextID)
	f.statuses[f.nextID] = OrderStatus{OrderID: f.nextID, State: StateSubmitted, Remaining: float64(qty), AvgFillPrice: limit}
	return f.nextID, nil
}

func (f *fakeConn) OrderStatus(id int) (OrderStatus, error) {
	return f.statuses[id], nil
}

func (f *fakeConn) CancelOrder(id int) error {
	f.cancelled = append(f.cancelled, id)
	return nil
}

func (f *fakeConn) OpenOrders() ([]OrderStatus, error) {
	return f.openOrders, nil
}

func newTestGateway(conn Conn) *VenueGateway {
	g := NewVenueGateway(conn, "localhost", 7497, 1, zerolog.Nop())
	g.snapshotWait = 20 * time.Millisecond
	g.quoteWait = 20 * time.Millisecond
	g.comboWait = 20 * time.Millisecond
	g.pollInterval = 5 * time.Millisecond
	return g
}

func TestGateway_NotConnected(t *testing.T) {
	g := newTestGateway(newFakeConn())
	ctx := context.Background()

	_, err := g.MarketSnapshot(ctx, "SPY")
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = g.OptionChain(ctx, "SPY")
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = g.OptionQuotes(ctx, "SPY", "20260901", []float64{450}, RightPut)
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = g.ComboQuote(ctx, Combo{Symbol: "SPY"})
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = g.PlaceComboOrder(ctx, Combo{}, SideSell, 1, 0.45, TIFDay)
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = g.CancelAllOrders(ctx)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestGateway_MarketSnapshot(t *testing.T) {
	conn := newFakeConn()
	g := newTestGateway(conn)
	ctx := context.Background()
	require.NoError(t, g.Connect(ctx))

	t.Run("no last price returns nil without error", func(t *testing.T) {
		snap, err := g.MarketSnapshot(ctx, "SPY")
		require.NoError(t, err)
		assert.Nil(t, snap)
	})

	t.Run("bid and ask fall back to last", func(t *testing.T) {
		conn.stockTicks["SPY"] = Tick{Last: 450.25}
		snap, err := g.MarketSnapshot(ctx, "SPY")
		require.NoError(t, err)
		require.NotNil(t, snap)
		assert.Equal(t, 450.25, snap.Last)
		assert.Equal(t, 450.25, snap.Bid)
		assert.Equal(t, 450.25, snap.Ask)
		assert.False(t, snap.Timestamp.IsZero())
	})
}

func TestGateway_OptionQuotesOmitsMissingLegs(t *testing.T) {
	conn := newFakeConn()
	conn.quotes[quoteKey{445, RightPut}] = Tick{Bid: 0.40, Ask: 0.48, Volume: 120}
	// 440 never quotes two-sided
	conn.quotes[quoteKey{440, RightPut}] = Tick{Bid: 0.10}

	g := newTestGateway(conn)
	ctx := context.Background()
	require.NoError(t, g.Connect(ctx))

	quotes, err := g.OptionQuotes(ctx, "SPY", "20260901", []float64{445, 440}, RightPut)
	require.NoError(t, err)
	require.Len(t, quotes, 1)
	assert.Equal(t, 445.0, quotes[0].Strike)
	assert.InDelta(t, 0.44, quotes[0].Mid, 1e-9)
}

func TestGateway_OptionQuotesRejectCrossedMarkets(t *testing.T) {
	conn := newFakeConn()
	conn.quotes[quoteKey{445, RightPut}] = Tick{Bid: 0.60, Ask: 0.40, Volume: 120}
	conn.quotes[quoteKey{442.5, RightPut}] = Tick{Bid: 0.30, Ask: 0.30, Volume: 80}
	conn.quotes[quoteKey{440, RightPut}] = Tick{Bid: 0.12, Ask: 0.18, Volume: 60}

	g := newTestGateway(conn)
	ctx := context.Background()
	require.NoError(t, g.Connect(ctx))

	quotes, err := g.OptionQuotes(ctx, "SPY", "20260901", []float64{445, 442.5, 440}, RightPut)
	require.NoError(t, err)
	require.Len(t, quotes, 1, "crossed and locked strikes are dropped")
	assert.Equal(t, 440.0, quotes[0].Strike)
}

func TestGateway_ComboQuote(t *testing.T) {
	conn := newFakeConn()
	g := newTestGateway(conn)
	ctx := context.Background()
	require.NoError(t, g.Connect(ctx))

	t.Run("timeout returns nil without error", func(t *testing.T) {
		q, err := g.ComboQuote(ctx, Combo{Symbol: "SPY"})
		require.NoError(t, err)
		assert.Nil(t, q)
	})

	t.Run("crossed quote returns nil without error", func(t *testing.T) {
		conn.comboTick = &Tick{Bid: 0.50, Ask: 0.44}
		q, err := g.ComboQuote(ctx, Combo{Symbol: "SPY"})
		require.NoError(t, err)
		assert.Nil(t, q)
	})

	t.Run("two-sided quote includes spread", func(t *testing.T) {
		conn.comboTick = &Tick{Bid: 0.42, Ask: 0.46}
		q, err := g.ComboQuote(ctx, Combo{Symbol: "SPY"})
		require.NoError(t, err)
		require.NotNil(t, q)
		assert.InDelta(t, 0.44, q.Mid, 1e-9)
		assert.InDelta(t, 0.04, q.Spread, 1e-9)
	})
}

func TestGateway_CancelAllOrders(t *testing.T) {
	conn := newFakeConn()
	conn.openOrders = []OrderStatus{
		{OrderID: 1, State: StateSubmitted},
		{OrderID: 2, State: StateFilled},
		{OrderID: 3, State: StatePreSubmitted},
	}
	g := newTestGateway(conn)
	ctx := context.Background()
	require.NoError(t, g.Connect(ctx))

	n, err := g.CancelAllOrders(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []int{1, 3}, conn.cancelled)
}

func TestGateway_ConnectIdempotent(t *testing.T) {
	conn := newFakeConn()
	g := newTestGateway(conn)
	ctx := context.Background()

	require.NoError(t, g.Connect(ctx))
	require.NoError(t, g.Connect(ctx))
	assert.Equal(t, 1, conn.dialCount)
	assert.True(t, g.Connected())
}

func TestTickTwoSided(t *testing.T) {
	assert.True(t, Tick{Bid: 0.40, Ask: 0.48}.TwoSided())
	assert.False(t, Tick{Ask: 0.48}.TwoSided())
	assert.False(t, Tick{Bid: 0.48, Ask: 0.48}.TwoSided())
	assert.False(t, Tick{Bid: 0.60, Ask: 0.40}.TwoSided())
}

func TestOrderStateTerminal(t *testing.T) {
	assert.True(t, StateFilled.Terminal())
	assert.True(t, StateCancelled.Terminal())
	assert.True(t, StateAPICancelled.Terminal())
	assert.True(t, StateRejected.Terminal())
	assert.False(t, StateSubmitted.Terminal())
	assert.False(t, StatePendingSubmit.Terminal())
}
