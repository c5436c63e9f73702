// Package util provides common utility functions for price arithmetic.
package util

import "math"

// RoundToTick rounds x to the nearest tick increment.
// For example, with tick=0.01, 1.2345 becomes 1.23 or 1.24 depending on rounding.
func RoundToTick(x, tick float64) float64 {
	if tick <= 0 {
		return x
	}
	return math.Round(x/tick) * tick
}

// Clamp bounds x to the inclusive range [lo, hi].
func Clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

// Mid returns the midpoint of a bid/ask pair rounded to the penny.
// A one-sided or crossed market yields the only usable side, or zero
// when neither side is quoted.
func Mid(bid, ask float64) float64 {
	switch {
	case bid > 0 && ask > 0:
		return RoundToTick((bid+ask)/2, 0.01)
	case ask > 0:
		return ask
	case bid > 0:
		return bid
	default:
		return 0
	}
}

// NearestStrike returns the strike in strikes closest to target.
// Returns 0 when strikes is empty. Ties resolve to the lower strike.
func NearestStrike(strikes []float64, target float64) float64 {
	if len(strikes) == 0 {
		return 0
	}
	best := strikes[0]
	bestDiff := math.Abs(best - target)
	for _, s := range strikes[1:] {
		if d := math.Abs(s - target); d < bestDiff {
			best, bestDiff = s, d
		}
	}
	return best
}
