package spread

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oriphim/premium-harvester/internal/broker"
)

// stubGateway serves canned market data to the builder.
type stubGateway struct {
	snap   *broker.MarketSnapshot
	chain  *broker.OptionChain
	quotes map[broker.Right]map[float64]broker.OptionQuote
}

func (s *stubGateway) Connect(context.Context) error   { return nil }
func (s *stubGateway) Reconnect(context.Context) error { return nil }
func (s *stubGateway) Disconnect() error               { return nil }
func (s *stubGateway) Connected() bool                 { return true }

func (s *stubGateway) MarketSnapshot(context.Context, string) (*broker.MarketSnapshot, error) {
	return s.snap, nil
}

func (s *stubGateway) OptionChain(context.Context, string) (*broker.OptionChain, error) {
	return s.chain, nil
}

func (s *stubGateway) OptionQuotes(_ context.Context, _, _ string, strikes []float64, right broker.Right) ([]broker.OptionQuote, error) {
	var out []broker.OptionQuote
	for _, strike := range strikes {
		if q, ok := s.quotes[right][strike]; ok {
			out = append(out, q)
		}
	}
	return out, nil
}

func (s *stubGateway) ComboQuote(context.Context, broker.Combo) (*broker.ComboQuote, error) {
	return nil, nil
}

func (s *stubGateway) PlaceComboOrder(context.Context, broker.Combo, broker.Side, int, float64, broker.TIF) (int, error) {
	return 0, nil
}

func (s *stubGateway) OrderState(context.Context, int) (broker.OrderStatus, error) {
	return broker.OrderStatus{}, nil
}

func (s *stubGateway) CancelOrder(context.Context, int) error       { return nil }
func (s *stubGateway) CancelAllOrders(context.Context) (int, error) { return 0, nil }

func fptr(v float64) *float64 { return &v }

func putQuote(strike, mid, delta float64, volume int64) broker.OptionQuote {
	return broker.OptionQuote{
		Strike: strike,
		Right:  broker.RightPut,
		Bid:    mid - 0.02,
		Ask:    mid + 0.02,
		Mid:    mid,
		Delta:  fptr(delta),
		Volume: volume,
	}
}

func callQuote(strike, mid, delta float64, volume int64) broker.OptionQuote {
	q := putQuote(strike, mid, delta, volume)
	q.Right = broker.RightCall
	return q
}

func strikeRange(lo, hi, step float64) []float64 {
	var out []float64
	for s := lo; s <= hi; s += step {
		out = append(out, s)
	}
	return out
}

func newStub(last float64, strikes []float64) *stubGateway {
	return &stubGateway{
		snap:  &broker.MarketSnapshot{Symbol: "SPY", Last: last, Timestamp: time.Now()},
		chain: &broker.OptionChain{Symbol: "SPY", Expirations: []string{"20260901"}, Strikes: strikes, Multiplier: 100},
		quotes: map[broker.Right]map[float64]broker.OptionQuote{
			broker.RightPut:  {},
			broker.RightCall: {},
		},
	}
}

func TestBuildPutCreditSpread(t *testing.T) {
	ctx := context.Background()

	t.Run("prices ten delta spread", func(t *testing.T) {
		gw := newStub(448, strikeRange(420, 460, 5))
		gw.quotes[broker.RightPut][445] = putQuote(445, 0.55, -0.10, 120)
		gw.quotes[broker.RightPut][440] = putQuote(440, 0.10, -0.05, 150)
		gw.quotes[broker.RightPut][435] = putQuote(435, 0.05, -0.03, 90)

		b := NewBuilder(gw, zerolog.Nop())
		s, err := b.BuildPutCreditSpread(ctx, "SPY", "20260901", 0.10, 5, 0.15)
		require.NoError(t, err)
		require.NotNil(t, s)

		assert.Equal(t, 445.0, s.ShortStrike)
		assert.Equal(t, 440.0, s.LongStrike)
		assert.InDelta(t, 0.45, s.NetCredit, 1e-9)
		assert.InDelta(t, 4.55, s.MaxLossAmt, 1e-9)
		assert.InDelta(t, 444.55, s.Breakeven, 1e-9)
		assert.Equal(t, int64(270), s.TotalVolume)
		assert.True(t, s.IsLiquid)
		assert.GreaterOrEqual(t, s.PoP, 0.1)
		assert.LessOrEqual(t, s.PoP, 0.9)

		combo := s.Combo()
		require.Len(t, combo.Legs, 2)
		assert.Equal(t, broker.SideSell, combo.Legs[0].Action)
		assert.Equal(t, 445.0, combo.Legs[0].Strike)
		assert.Equal(t, broker.SideBuy, combo.Legs[1].Action)
		assert.Equal(t, 440.0, combo.Legs[1].Strike)
	})

	t.Run("credit below floor returns nil", func(t *testing.T) {
		gw := newStub(448, strikeRange(420, 460, 5))
		gw.quotes[broker.RightPut][445] = putQuote(445, 0.55, -0.10, 120)
		gw.quotes[broker.RightPut][440] = putQuote(440, 0.45, -0.05, 150)

		b := NewBuilder(gw, zerolog.Nop())
		s, err := b.BuildPutCreditSpread(ctx, "SPY", "20260901", 0.10, 5, 0.15)
		require.NoError(t, err)
		assert.Nil(t, s)
	})

	t.Run("thin volume returns nil", func(t *testing.T) {
		gw := newStub(448, strikeRange(420, 460, 5))
		gw.quotes[broker.RightPut][445] = putQuote(445, 0.55, -0.10, 8)
		gw.quotes[broker.RightPut][440] = putQuote(440, 0.10, -0.05, 6)

		b := NewBuilder(gw, zerolog.Nop())
		s, err := b.BuildPutCreditSpread(ctx, "SPY", "20260901", 0.10, 5, 0.15)
		require.NoError(t, err)
		assert.Nil(t, s)
	})

	t.Run("no snapshot returns nil without error", func(t *testing.T) {
		gw := newStub(448, strikeRange(420, 460, 5))
		gw.snap = nil

		b := NewBuilder(gw, zerolog.Nop())
		s, err := b.BuildPutCreditSpread(ctx, "SPY", "20260901", 0.10, 5, 0.15)
		require.NoError(t, err)
		assert.Nil(t, s)
	})

	t.Run("skips invalid candidate for a valid one", func(t *testing.T) {
		gw := newStub(448, strikeRange(420, 460, 5))
		// Best delta but no long quote available below it.
		gw.quotes[broker.RightPut][425] = putQuote(425, 0.30, -0.10, 200)
		// Worse delta, fully valid.
		gw.quotes[broker.RightPut][445] = putQuote(445, 0.60, -0.12, 120)
		gw.quotes[broker.RightPut][440] = putQuote(440, 0.15, -0.05, 150)

		b := NewBuilder(gw, zerolog.Nop())
		s, err := b.BuildPutCreditSpread(ctx, "SPY", "20260901", 0.10, 5, 0.15)
		require.NoError(t, err)
		require.NotNil(t, s)
		assert.Equal(t, 445.0, s.ShortStrike)
	})
}

func TestBuildIronCondor(t *testing.T) {
	ctx := context.Background()
	strikes := strikeRange(430, 470, 0.5)

	setupCondor := func() *stubGateway {
		gw := newStub(450, strikes)
		gw.quotes[broker.RightCall][455] = callQuote(455, 0.50, 0.15, 60)
		gw.quotes[broker.RightCall][456.5] = callQuote(456.5, 0.20, 0.10, 40)
		gw.quotes[broker.RightPut][445] = putQuote(445, 0.55, -0.15, 70)
		gw.quotes[broker.RightPut][443.5] = putQuote(443.5, 0.25, -0.10, 50)
		return gw
	}

	t.Run("snaps strikes around expected move", func(t *testing.T) {
		b := NewBuilder(setupCondor(), zerolog.Nop())
		s, err := b.BuildIronCondor(ctx, "SPY", "20260901", 5, 1.3)
		require.NoError(t, err)
		require.NotNil(t, s)

		assert.Equal(t, 455.0, s.ShortCall)
		assert.Equal(t, 456.5, s.LongCall)
		assert.Equal(t, 445.0, s.ShortPut)
		assert.Equal(t, 443.5, s.LongPut)
		assert.InDelta(t, 0.60, s.NetCredit, 1e-9)
		assert.InDelta(t, 0.90, s.MaxLossAmt, 1e-9)
		assert.InDelta(t, 455.60, s.BreakevenHigh, 1e-9)
		assert.InDelta(t, 444.40, s.BreakevenLow, 1e-9)
		// Range 11.2 sits between 2EM and 3EM.
		assert.Equal(t, 0.65, s.PoP)
		require.Len(t, s.Combo().Legs, 4)
	})

	t.Run("missing long call leg returns nil", func(t *testing.T) {
		gw := setupCondor()
		delete(gw.quotes[broker.RightCall], 456.5)

		b := NewBuilder(gw, zerolog.Nop())
		s, err := b.BuildIronCondor(ctx, "SPY", "20260901", 5, 1.3)
		require.NoError(t, err)
		assert.Nil(t, s)
	})

	t.Run("non-positive credit returns nil", func(t *testing.T) {
		gw := setupCondor()
		gw.quotes[broker.RightCall][456.5] = callQuote(456.5, 1.20, 0.10, 40)

		b := NewBuilder(gw, zerolog.Nop())
		s, err := b.BuildIronCondor(ctx, "SPY", "20260901", 5, 1.3)
		require.NoError(t, err)
		assert.Nil(t, s)
	})

	t.Run("zero expected move returns nil", func(t *testing.T) {
		b := NewBuilder(setupCondor(), zerolog.Nop())
		s, err := b.BuildIronCondor(ctx, "SPY", "20260901", 0, 1.3)
		require.NoError(t, err)
		assert.Nil(t, s)
	})
}

func TestCondorProbProfitBands(t *testing.T) {
	// expectedMove 5 puts the band edges at 8, 10 and 15. An edge value
	// belongs to the band below it.
	tests := []struct {
		name           string
		breakevenRange float64
		want           float64
	}{
		{"well inside expected range", 6.0, 0.45},
		{"exactly 0.8x stays in lowest band", 8.0, 0.45},
		{"just past 0.8x", 8.01, 0.55},
		{"exactly 1x stays below", 10.0, 0.55},
		{"past 1x", 10.5, 0.65},
		{"exactly 1.5x stays below", 15.0, 0.65},
		{"past 1.5x", 15.5, 0.75},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, condorProbProfit(tt.breakevenRange, 5.0))
		})
	}
}

func TestBuildCoveredCall(t *testing.T) {
	ctx := context.Background()

	t.Run("selects delta target above the money", func(t *testing.T) {
		gw := newStub(450, strikeRange(430, 470, 5))
		gw.quotes[broker.RightCall][455] = callQuote(455, 1.20, 0.35, 300)
		gw.quotes[broker.RightCall][460] = callQuote(460, 0.70, 0.22, 250)

		b := NewBuilder(gw, zerolog.Nop())
		cc, err := b.BuildCoveredCall(ctx, "SPY", "20260901", 1550, 0.30, 0.50)
		require.NoError(t, err)
		require.NotNil(t, cc)

		assert.Equal(t, 455.0, cc.Strike)
		assert.Equal(t, 10, cc.Contracts, "contracts cap at ten")
		assert.InDelta(t, 1.20, cc.PremiumPerShare, 1e-9)
		assert.InDelta(t, 1200, cc.TotalPremium, 1e-9)
		assert.Equal(t, 0.0, cc.MaxLoss())
	})

	t.Run("premium floor filters candidates", func(t *testing.T) {
		gw := newStub(450, strikeRange(430, 470, 5))
		gw.quotes[broker.RightCall][455] = callQuote(455, 0.30, 0.30, 300)

		b := NewBuilder(gw, zerolog.Nop())
		cc, err := b.BuildCoveredCall(ctx, "SPY", "20260901", 300, 0.30, 0.50)
		require.NoError(t, err)
		assert.Nil(t, cc)
	})

	t.Run("thin call volume fails the liquidity floor", func(t *testing.T) {
		gw := newStub(450, strikeRange(430, 470, 5))
		gw.quotes[broker.RightCall][455] = callQuote(455, 1.20, 0.35, 30)

		b := NewBuilder(gw, zerolog.Nop())
		cc, err := b.BuildCoveredCall(ctx, "SPY", "20260901", 300, 0.30, 0.50)
		require.NoError(t, err)
		require.NotNil(t, cc)
		assert.False(t, cc.Liquid())
	})

	t.Run("under one round lot returns nil", func(t *testing.T) {
		gw := newStub(450, strikeRange(430, 470, 5))
		b := NewBuilder(gw, zerolog.Nop())
		cc, err := b.BuildCoveredCall(ctx, "SPY", "20260901", 80, 0.30, 0.50)
		require.NoError(t, err)
		assert.Nil(t, cc)
	})
}

func TestExpectedMove(t *testing.T) {
	ctx := context.Background()

	t.Run("sums atm straddle mids", func(t *testing.T) {
		gw := newStub(450.2, strikeRange(430, 470, 5))
		gw.quotes[broker.RightCall][450] = callQuote(450, 2.50, 0.50, 500)
		gw.quotes[broker.RightPut][450] = putQuote(450, 2.60, -0.50, 480)

		b := NewBuilder(gw, zerolog.Nop())
		em, err := b.ExpectedMove(ctx, "SPY", "20260901")
		require.NoError(t, err)
		assert.InDelta(t, 5.10, em, 1e-9)
	})

	t.Run("missing atm leg returns zero", func(t *testing.T) {
		gw := newStub(450.2, strikeRange(430, 470, 5))
		gw.quotes[broker.RightCall][450] = callQuote(450, 2.50, 0.50, 500)

		b := NewBuilder(gw, zerolog.Nop())
		em, err := b.ExpectedMove(ctx, "SPY", "20260901")
		require.NoError(t, err)
		assert.Equal(t, 0.0, em)
	})
}

func TestNearestExpiry(t *testing.T) {
	ctx := context.Background()
	today := time.Now().UTC().Format("20060102")
	nextWeek := time.Now().UTC().AddDate(0, 0, 7).Format("20060102")

	t.Run("prefers same-day expiry", func(t *testing.T) {
		gw := newStub(450, strikeRange(430, 470, 5))
		gw.chain.Expirations = []string{today, nextWeek}

		b := NewBuilder(gw, zerolog.Nop())
		expiry, err := b.NearestExpiry(ctx, "SPY", 1)
		require.NoError(t, err)
		assert.Equal(t, today, expiry)
	})

	t.Run("no expiry inside window", func(t *testing.T) {
		gw := newStub(450, strikeRange(430, 470, 5))
		gw.chain.Expirations = []string{nextWeek}

		b := NewBuilder(gw, zerolog.Nop())
		expiry, err := b.NearestExpiry(ctx, "SPY", 1)
		require.NoError(t, err)
		assert.Empty(t, expiry)
	})
}
