// Package spread builds priced, validated option spreads from live
// market data.
package spread

import (
	"time"

	"github.com/oriphim/premium-harvester/internal/broker"
)

// Kind identifies a spread shape.
type Kind string

const (
	KindPutCreditSpread Kind = "put_credit_spread"
	KindIronCondor      Kind = "iron_condor"
	KindCoveredCall     Kind = "covered_call"
)

// Spread is a priced candidate trade. Implementations are immutable
// value objects; prices and greeks are per share unless noted.
type Spread interface {
	Kind() Kind
	Underlying() string
	Expiry() string
	// Credit is the net premium received per share.
	Credit() float64
	// MaxLoss is the worst-case loss per share. Zero for overlays that
	// add no risk beyond an existing holding.
	MaxLoss() float64
	// ProbProfit is a labeled heuristic, not a statistical model.
	ProbProfit() float64
	// Volume is the aggregate leg volume.
	Volume() int64
	Liquid() bool
	// Combo is the order specification for the opening trade.
	Combo() broker.Combo
}

// PutCreditSpread is a two-leg bull put spread.
type PutCreditSpread struct {
	Symbol          string    `json:"symbol"`
	ExpiryDate      string    `json:"expiry"`
	UnderlyingPrice float64   `json:"underlying_price"`
	ShortStrike     float64   `json:"short_strike"`
	LongStrike      float64   `json:"long_strike"`
	ShortDelta      float64   `json:"short_delta"`
	Width           float64   `json:"width"`
	NetCredit       float64   `json:"net_credit"`
	MaxLossAmt      float64   `json:"max_loss"`
	Breakeven       float64   `json:"breakeven"`
	PoP             float64   `json:"prob_profit"`
	TotalVolume     int64     `json:"total_volume"`
	IsLiquid        bool      `json:"is_liquid"`
	Timestamp       time.Time `json:"timestamp"`
}

func (s *PutCreditSpread) Kind() Kind          { return KindPutCreditSpread }
func (s *PutCreditSpread) Underlying() string  { return s.Symbol }
func (s *PutCreditSpread) Expiry() string      { return s.ExpiryDate }
func (s *PutCreditSpread) Credit() float64     { return s.NetCredit }
func (s *PutCreditSpread) MaxLoss() float64    { return s.MaxLossAmt }
func (s *PutCreditSpread) ProbProfit() float64 { return s.PoP }
func (s *PutCreditSpread) Volume() int64       { return s.TotalVolume }
func (s *PutCreditSpread) Liquid() bool        { return s.IsLiquid }

func (s *PutCreditSpread) Combo() broker.Combo {
	return broker.Combo{
		Symbol: s.Symbol,
		Expiry: s.ExpiryDate,
		Legs: []broker.ComboLeg{
			{Strike: s.ShortStrike, Right: broker.RightPut, Action: broker.SideSell, Ratio: 1},
			{Strike: s.LongStrike, Right: broker.RightPut, Action: broker.SideBuy, Ratio: 1},
		},
	}
}

// IronCondor is a four-leg range spread.
type IronCondor struct {
	Symbol          string    `json:"symbol"`
	ExpiryDate      string    `json:"expiry"`
	UnderlyingPrice float64   `json:"underlying_price"`
	ShortCall       float64   `json:"short_call"`
	LongCall        float64   `json:"long_call"`
	ShortPut        float64   `json:"short_put"`
	LongPut         float64   `json:"long_put"`
	NetCredit       float64   `json:"net_credit"`
	MaxLossAmt      float64   `json:"max_loss"`
	BreakevenLow    float64   `json:"breakeven_low"`
	BreakevenHigh   float64   `json:"breakeven_high"`
	PoP             float64   `json:"prob_profit"`
	TotalVolume     int64     `json:"total_volume"`
	IsLiquid        bool      `json:"is_liquid"`
	Timestamp       time.Time `json:"timestamp"`
}

func (s *IronCondor) Kind() Kind          { return KindIronCondor }
func (s *IronCondor) Underlying() string  { return s.Symbol }
func (s *IronCondor) Expiry() string      { return s.ExpiryDate }
func (s *IronCondor) Credit() float64     { return s.NetCredit }
func (s *IronCondor) MaxLoss() float64    { return s.MaxLossAmt }
func (s *IronCondor) ProbProfit() float64 { return s.PoP }
func (s *IronCondor) Volume() int64       { return s.TotalVolume }
func (s *IronCondor) Liquid() bool        { return s.IsLiquid }

func (s *IronCondor) Combo() broker.Combo {
	return broker.Combo{
		Symbol: s.Symbol,
		Expiry: s.ExpiryDate,
		Legs: []broker.ComboLeg{
			{Strike: s.ShortCall, Right: broker.RightCall, Action: broker.SideSell, Ratio: 1},
			{Strike: s.LongCall, Right: broker.RightCall, Action: broker.SideBuy, Ratio: 1},
			{Strike: s.ShortPut, Right: broker.RightPut, Action: broker.SideSell, Ratio: 1},
			{Strike: s.LongPut, Right: broker.RightPut, Action: broker.SideBuy, Ratio: 1},
		},
	}
}

// CoveredCall is a call overlay against shares already held. It adds
// no loss beyond the stock position, so MaxLoss reports zero.
type CoveredCall struct {
	Symbol          string    `json:"symbol"`
	ExpiryDate      string    `json:"expiry"`
	UnderlyingPrice float64   `json:"underlying_price"`
	Strike          float64   `json:"strike"`
	CallDelta       float64   `json:"call_delta"`
	Contracts       int       `json:"contracts"`
	PremiumPerShare float64   `json:"premium_per_share"`
	TotalPremium    float64   `json:"total_premium"`
	UpsideRoom      float64   `json:"upside_room"`
	CallVolume      int64     `json:"call_volume"`
	Timestamp       time.Time `json:"timestamp"`
}

func (s *CoveredCall) Kind() Kind          { return KindCoveredCall }
func (s *CoveredCall) Underlying() string  { return s.Symbol }
func (s *CoveredCall) Expiry() string      { return s.ExpiryDate }
func (s *CoveredCall) Credit() float64     { return s.PremiumPerShare }
func (s *CoveredCall) MaxLoss() float64    { return 0 }
func (s *CoveredCall) ProbProfit() float64 { return 0 }
func (s *CoveredCall) Volume() int64       { return s.CallVolume }
func (s *CoveredCall) Liquid() bool        { return s.CallVolume >= 50 }

func (s *CoveredCall) Combo() broker.Combo {
	return broker.Combo{
		Symbol: s.Symbol,
		Expiry: s.ExpiryDate,
		Legs: []broker.ComboLeg{
			{Strike: s.Strike, Right: broker.RightCall, Action: broker.SideSell, Ratio: 1},
		},
	}
}
