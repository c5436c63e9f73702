package spread

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/oriphim/premium-harvester/internal/broker"
	"github.com/oriphim/premium-harvester/internal/util"
)

const (
	// candidateStrikes bounds how far from the money strike selection looks.
	candidateStrikes = 10

	minPutSpreadVolume = 20
	minCondorVolume    = 10
)

// Builder constructs spreads from live chain data. A nil spread with a
// nil error means no qualifying opportunity exists right now; errors
// are reserved for venue faults.
type Builder struct {
	gateway broker.Gateway
	logger  zerolog.Logger
}

// NewBuilder creates a Builder over the given gateway.
func NewBuilder(gateway broker.Gateway, logger zerolog.Logger) *Builder {
	return &Builder{
		gateway: gateway,
		logger:  logger.With().Str("component", "spread_builder").Logger(),
	}
}

// BuildPutCreditSpread sells the put whose |delta| is closest to
// targetDelta among the ten strikes nearest below the money, buying a
// put width points lower. Returns nil when the market offers no spread
// meeting the credit and liquidity floors.
func (b *Builder) BuildPutCreditSpread(ctx context.Context, symbol, expiry string, targetDelta, width, minCredit float64) (*PutCreditSpread, error) {
	snap, err := b.gateway.MarketSnapshot(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, nil
	}
	chain, err := b.gateway.OptionChain(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if chain == nil {
		return nil, nil
	}

	// Closest-to-money first.
	var below []float64
	for i := len(chain.Strikes) - 1; i >= 0 && len(below) < candidateStrikes; i-- {
		if chain.Strikes[i] < snap.Last {
			below = append(below, chain.Strikes[i])
		}
	}
	if len(below) == 0 {
		return nil, nil
	}

	quotes, err := b.gateway.OptionQuotes(ctx, symbol, expiry, below, broker.RightPut)
	if err != nil {
		return nil, err
	}
	byStrike := make(map[float64]broker.OptionQuote, len(quotes))
	for _, q := range quotes {
		byStrike[q.Strike] = q
	}

	// Keep the best valid candidate by delta distance. Candidates that
	// fail the credit, liquidity, or loss checks are skipped rather
	// than failing the whole build.
	var best *PutCreditSpread
	bestDiff := math.MaxFloat64
	for _, short := range quotes {
		if short.Delta == nil {
			continue
		}
		diff := math.Abs(math.Abs(*short.Delta) - targetDelta)
		if diff > bestDiff {
			continue
		}

		longStrike := nearestStrikeBelow(chain.Strikes, short.Strike, short.Strike-width)
		if longStrike <= 0 {
			continue
		}
		long, ok := byStrike[longStrike]
		if !ok {
			longQuotes, err := b.gateway.OptionQuotes(ctx, symbol, expiry, []float64{longStrike}, broker.RightPut)
			if err != nil {
				return nil, err
			}
			if len(longQuotes) == 0 {
				continue
			}
			long = longQuotes[0]
			byStrike[longStrike] = long
		}

		credit := util.RoundToTick(short.Mid-long.Mid, 0.01)
		if credit < minCredit || credit <= 0 {
			continue
		}
		totalVolume := short.Volume + long.Volume
		if totalVolume < minPutSpreadVolume {
			continue
		}
		actualWidth := short.Strike - longStrike
		maxLoss := actualWidth - credit
		if maxLoss <= 0 {
			continue
		}
		breakeven := short.Strike - credit

		if diff < bestDiff {
			bestDiff = diff
			best = &PutCreditSpread{
				Symbol:          symbol,
				ExpiryDate:      expiry,
				UnderlyingPrice: snap.Last,
				ShortStrike:     short.Strike,
				LongStrike:      longStrike,
				ShortDelta:      *short.Delta,
				Width:           actualWidth,
				NetCredit:       credit,
				MaxLossAmt:      maxLoss,
				Breakeven:       breakeven,
				PoP:             util.Clamp((snap.Last-breakeven)/snap.Last, 0.1, 0.9),
				TotalVolume:     totalVolume,
				IsLiquid:        totalVolume >= minPutSpreadVolume,
				Timestamp:       time.Now().UTC(),
			}
		}
	}
	if best == nil {
		b.logger.Debug().Str("symbol", symbol).Msg("no put spread met the credit and liquidity floors")
	}
	return best, nil
}

// BuildIronCondor places short strikes one expected move out and long
// wings wingMultiplier times further, snapped to listed strikes.
// Returns nil when any of the four legs lacks a usable quote.
func (b *Builder) BuildIronCondor(ctx context.Context, symbol, expiry string, expectedMove, wingMultiplier float64) (*IronCondor, error) {
	if expectedMove <= 0 {
		return nil, nil
	}
	snap, err := b.gateway.MarketSnapshot(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, nil
	}
	chain, err := b.gateway.OptionChain(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if chain == nil {
		return nil, nil
	}

	shortCall := util.NearestStrike(chain.Strikes, snap.Last+expectedMove)
	shortPut := util.NearestStrike(chain.Strikes, snap.Last-expectedMove)
	// Wings snap to the closest strike strictly outside their short.
	longCall := nearestStrikeAbove(chain.Strikes, shortCall, snap.Last+expectedMove*wingMultiplier)
	longPut := nearestStrikeBelow(chain.Strikes, shortPut, snap.Last-expectedMove*wingMultiplier)
	if longCall <= 0 || longPut <= 0 {
		return nil, nil
	}

	callQuotes, err := b.gateway.OptionQuotes(ctx, symbol, expiry, []float64{shortCall, longCall}, broker.RightCall)
	if err != nil {
		return nil, err
	}
	putQuotes, err := b.gateway.OptionQuotes(ctx, symbol, expiry, []float64{shortPut, longPut}, broker.RightPut)
	if err != nil {
		return nil, err
	}
	legs := make(map[float64]broker.OptionQuote, 4)
	for _, q := range callQuotes {
		legs[q.Strike] = q
	}
	for _, q := range putQuotes {
		legs[q.Strike] = q
	}
	sc, okSC := legs[shortCall]
	lc, okLC := legs[longCall]
	sp, okSP := legs[shortPut]
	lp, okLP := legs[longPut]
	if !okSC || !okLC || !okSP || !okLP {
		b.logger.Debug().Str("symbol", symbol).Msg("condor leg missing a quote")
		return nil, nil
	}

	credit := util.RoundToTick((sc.Mid-lc.Mid)+(sp.Mid-lp.Mid), 0.01)
	maxWidth := math.Max(longCall-shortCall, shortPut-longPut)
	maxLoss := maxWidth - credit
	if credit <= 0 || maxLoss <= 0 {
		return nil, nil
	}

	breakevenHigh := shortCall + credit
	breakevenLow := shortPut - credit
	totalVolume := sc.Volume + lc.Volume + sp.Volume + lp.Volume

	return &IronCondor{
		Symbol:          symbol,
		ExpiryDate:      expiry,
		UnderlyingPrice: snap.Last,
		ShortCall:       shortCall,
		LongCall:        longCall,
		ShortPut:        shortPut,
		LongPut:         longPut,
		NetCredit:       credit,
		MaxLossAmt:      maxLoss,
		BreakevenLow:    breakevenLow,
		BreakevenHigh:   breakevenHigh,
		PoP:             condorProbProfit(breakevenHigh-breakevenLow, expectedMove),
		TotalVolume:     totalVolume,
		IsLiquid:        totalVolume >= minCondorVolume,
		Timestamp:       time.Now().UTC(),
	}, nil
}

// BuildCoveredCall sells the call above the money closest to
// targetDelta among quotes priced at or above minPremium. Contracts
// are capped at ten regardless of share count.
func (b *Builder) BuildCoveredCall(ctx context.Context, symbol, expiry string, sharesOwned int, targetDelta, minPremium float64) (*CoveredCall, error) {
	contracts := sharesOwned / 100
	if contracts > 10 {
		contracts = 10
	}
	if contracts == 0 {
		return nil, nil
	}
	snap, err := b.gateway.MarketSnapshot(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, nil
	}
	chain, err := b.gateway.OptionChain(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if chain == nil {
		return nil, nil
	}

	var above []float64
	for _, strike := range chain.Strikes {
		if strike > snap.Last {
			above = append(above, strike)
			if len(above) == candidateStrikes {
				break
			}
		}
	}
	if len(above) == 0 {
		return nil, nil
	}

	quotes, err := b.gateway.OptionQuotes(ctx, symbol, expiry, above, broker.RightCall)
	if err != nil {
		return nil, err
	}
	var best broker.OptionQuote
	bestDiff := math.MaxFloat64
	for _, q := range quotes {
		if q.Delta == nil || q.Mid < minPremium {
			continue
		}
		diff := math.Abs(*q.Delta - targetDelta)
		if diff < bestDiff {
			bestDiff = diff
			best = q
		}
	}
	if bestDiff == math.MaxFloat64 {
		return nil, nil
	}

	return &CoveredCall{
		Symbol:          symbol,
		ExpiryDate:      expiry,
		UnderlyingPrice: snap.Last,
		Strike:          best.Strike,
		CallDelta:       *best.Delta,
		Contracts:       contracts,
		PremiumPerShare: best.Mid,
		TotalPremium:    util.RoundToTick(best.Mid*100*float64(contracts), 0.01),
		UpsideRoom:      best.Strike - snap.Last,
		CallVolume:      best.Volume,
		Timestamp:       time.Now().UTC(),
	}, nil
}

// ExpectedMove estimates the market-implied move from the ATM straddle
// price. Returns 0 when either ATM leg lacks a quote.
func (b *Builder) ExpectedMove(ctx context.Context, symbol, expiry string) (float64, error) {
	snap, err := b.gateway.MarketSnapshot(ctx, symbol)
	if err != nil {
		return 0, err
	}
	if snap == nil {
		return 0, nil
	}
	chain, err := b.gateway.OptionChain(ctx, symbol)
	if err != nil {
		return 0, err
	}
	if chain == nil {
		return 0, nil
	}
	atm := util.NearestStrike(chain.Strikes, snap.Last)
	if atm <= 0 {
		return 0, nil
	}
	calls, err := b.gateway.OptionQuotes(ctx, symbol, expiry, []float64{atm}, broker.RightCall)
	if err != nil {
		return 0, err
	}
	puts, err := b.gateway.OptionQuotes(ctx, symbol, expiry, []float64{atm}, broker.RightPut)
	if err != nil {
		return 0, err
	}
	if len(calls) == 0 || len(puts) == 0 {
		return 0, nil
	}
	return util.RoundToTick(calls[0].Mid+puts[0].Mid, 0.01), nil
}

// NearestExpiry returns the first listed expiration within maxDTE days,
// or empty when the chain offers none.
func (b *Builder) NearestExpiry(ctx context.Context, symbol string, maxDTE int) (string, error) {
	chain, err := b.gateway.OptionChain(ctx, symbol)
	if err != nil {
		return "", err
	}
	if chain == nil {
		return "", nil
	}
	today := time.Now().UTC().Truncate(24 * time.Hour)
	for _, expiry := range chain.Expirations {
		exp, err := time.Parse("20060102", expiry)
		if err != nil {
			continue
		}
		dte := int(exp.Sub(today).Hours() / 24)
		if dte >= 0 && dte <= maxDTE {
			return expiry, nil
		}
	}
	return "", nil
}

// condorProbProfit maps breakeven-range width against twice the
// expected move onto four heuristic bands.
func condorProbProfit(breakevenRange, expectedMove float64) float64 {
	twoEM := 2 * expectedMove
	switch {
	case breakevenRange > twoEM*1.5:
		return 0.75
	case breakevenRange > twoEM:
		return 0.65
	case breakevenRange > twoEM*0.8:
		return 0.55
	default:
		return 0.45
	}
}

// nearestStrikeBelow snaps target to the listed strike below bound
// closest to it. Returns 0 when no strike sits below bound.
func nearestStrikeBelow(strikes []float64, bound, target float64) float64 {
	best := 0.0
	bestDiff := math.MaxFloat64
	for _, s := range strikes {
		if s >= bound {
			continue
		}
		if d := math.Abs(s - target); d < bestDiff {
			best, bestDiff = s, d
		}
	}
	return best
}

// nearestStrikeAbove is the mirror of nearestStrikeBelow.
func nearestStrikeAbove(strikes []float64, bound, target float64) float64 {
	best := 0.0
	bestDiff := math.MaxFloat64
	for _, s := range strikes {
		if s <= bound {
			continue
		}
		if d := math.Abs(s - target); d < bestDiff {
			best, bestDiff = s, d
		}
	}
	return best
}
