package risk

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Limits are the configured risk bounds applied to every trading day.
type Limits struct {
	MaxDailyLoss    float64
	MaxLossPerTrade float64
	MaxPositions    int
	VIXSpikePoints  float64
}

// TradeRisk is the result of assessing one proposed entry.
type TradeRisk struct {
	Symbol          string  `json:"symbol"`
	MaxLoss         float64 `json:"max_loss"`
	PositionSize    int     `json:"position_size"`
	Approved        bool    `json:"approved"`
	RejectionReason string  `json:"rejection_reason,omitempty"`
}

// Summary is a read-only view of the day's risk posture.
type Summary struct {
	TradingAllowed bool    `json:"trading_allowed"`
	Reason         string  `json:"reason,omitempty"`
	DailyPnL       float64 `json:"daily_pnl"`
	DailyLossLimit float64 `json:"daily_loss_limit"`
	Positions      int     `json:"positions"`
	MaxPositions   int     `json:"max_positions"`
	TradesToday    int     `json:"trades_today"`
	Halted         bool    `json:"halted"`
	HaltReason     string  `json:"halt_reason,omitempty"`
}

// Ledger tracks one day's realized P&L, position count, and halt state,
// persisting after every mutation. Once halted, only ResumeTrading
// re-enables entries; no exit sequence clears a halt on its own.
type Ledger struct {
	mu     sync.Mutex
	store  Store
	limits Limits
	state  State
	logger zerolog.Logger
	now    func() time.Time
}

// NewLedger loads today's state from the store, starting fresh when no
// record exists for the current date.
func NewLedger(store Store, limits Limits, logger zerolog.Logger) (*Ledger, error) {
	if limits.MaxDailyLoss <= 0 {
		return nil, fmt.Errorf("max daily loss must be positive, got %.2f", limits.MaxDailyLoss)
	}
	if limits.MaxLossPerTrade <= 0 {
		return nil, fmt.Errorf("max loss per trade must be positive, got %.2f", limits.MaxLossPerTrade)
	}
	if limits.MaxPositions <= 0 {
		return nil, fmt.Errorf("max positions must be positive, got %d", limits.MaxPositions)
	}

	l := &Ledger{
		store:  store,
		limits: limits,
		logger: logger.With().Str("component", "risk_ledger").Logger(),
		now:    time.Now,
	}
	today := l.today()
	state, found, err := store.Load(today)
	if err != nil {
		return nil, fmt.Errorf("load risk state: %w", err)
	}
	if found {
		l.state = *state
	} else {
		l.state = State{Date: today}
	}
	return l, nil
}

func (l *Ledger) today() string {
	return l.now().UTC().Format("2006-01-02")
}

// rollover resets the ledger when the calendar date changes. Caller
// holds l.mu. A halt does not survive the rollover in memory; the
// durable marker, if any, still blocks trading.
func (l *Ledger) rollover() {
	today := l.today()
	if l.state.Date == today {
		return
	}
	l.logger.Info().Str("from", l.state.Date).Str("to", today).Msg("risk ledger date rollover")
	l.state = State{Date: today}
	l.persist()
}

// AssessTradeRisk checks a proposed entry against the day's limits
// without mutating counters. The daily headroom check deliberately
// ignores accumulated profits: only realized losses count against the
// remaining loss budget.
func (l *Ledger) AssessTradeRisk(symbol string, maxLoss float64, positionSize int) TradeRisk {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollover()

	if positionSize < 1 {
		positionSize = 1
	}
	result := TradeRisk{Symbol: symbol, MaxLoss: maxLoss, PositionSize: positionSize}

	if l.state.Halted {
		result.RejectionReason = fmt.Sprintf("trading halted: %s", l.state.HaltReason)
		return result
	}
	if maxLoss > l.limits.MaxLossPerTrade {
		result.RejectionReason = fmt.Sprintf("max loss %.2f exceeds per-trade limit %.2f", maxLoss, l.limits.MaxLossPerTrade)
		return result
	}
	potential := math.Min(0, l.state.DailyPnL) - maxLoss
	if math.Abs(potential) > l.limits.MaxDailyLoss {
		result.RejectionReason = fmt.Sprintf("potential daily loss %.2f exceeds limit %.2f", math.Abs(potential), l.limits.MaxDailyLoss)
		return result
	}
	if l.state.CurrentPositions >= l.limits.MaxPositions {
		result.RejectionReason = fmt.Sprintf("position limit reached (%d/%d)", l.state.CurrentPositions, l.limits.MaxPositions)
		return result
	}

	result.Approved = true
	return result
}

// RecordTradeEntry bumps the position and trade counters.
func (l *Ledger) RecordTradeEntry(symbol string, maxLoss float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollover()

	l.state.CurrentPositions++
	l.state.TradesToday++
	l.logger.Info().Str("symbol", symbol).Float64("max_loss", maxLoss).
		Int("positions", l.state.CurrentPositions).Msg("trade entry recorded")
	l.persist()
}

// RecordTradeExit books realized P&L and releases the position slot.
// Breaching the daily loss limit halts trading.
func (l *Ledger) RecordTradeExit(symbol string, realizedPnL float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollover()

	if l.state.CurrentPositions > 0 {
		l.state.CurrentPositions--
	}
	l.state.DailyPnL += realizedPnL
	l.logger.Info().Str("symbol", symbol).Float64("realized_pnl", realizedPnL).
		Float64("daily_pnl", l.state.DailyPnL).Msg("trade exit recorded")

	if !l.state.Halted && l.state.DailyPnL < -l.limits.MaxDailyLoss {
		l.haltLocked(fmt.Sprintf("daily loss limit breached: %.2f", l.state.DailyPnL))
		return
	}
	l.persist()
}

// UpdateUnrealizedPnL halts when realized plus unrealized losses breach
// the daily limit. It does not book anything into realized P&L.
func (l *Ledger) UpdateUnrealizedPnL(unrealized map[string]float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollover()

	var total float64
	for _, pnl := range unrealized {
		total += pnl
	}
	if !l.state.Halted && l.state.DailyPnL+total < -l.limits.MaxDailyLoss {
		l.haltLocked(fmt.Sprintf("unrealized loss breach: realized %.2f + unrealized %.2f", l.state.DailyPnL, total))
	}
}

// HaltTrading stops all further entries until ResumeTrading.
func (l *Ledger) HaltTrading(reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollover()
	if l.state.Halted {
		return
	}
	l.haltLocked(reason)
}

// haltLocked writes the halt flag, the durable marker, and persists.
// Caller holds l.mu.
func (l *Ledger) haltLocked(reason string) {
	l.state.Halted = true
	l.state.HaltReason = reason
	l.logger.Error().Str("reason", reason).Msg("trading halted")
	if err := l.store.WriteHaltMarker(reason); err != nil {
		l.logger.Error().Err(err).Msg("failed to write halt marker")
	}
	l.persist()
}

// ResumeTrading clears the halt. This is the only path out of the
// halted state; it is always an explicit operator action.
func (l *Ledger) ResumeTrading() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollover()

	if err := l.store.ClearHaltMarker(); err != nil {
		return err
	}
	l.state.Halted = false
	l.state.HaltReason = ""
	l.logger.Warn().Msg("trading resumed manually")
	l.persist()
	return nil
}

// CheckVIXSpike halts when the VIX jumps more than the configured
// number of points between two reads. Returns true when it halted.
func (l *Ledger) CheckVIXSpike(current, previous float64) bool {
	if previous <= 0 || l.limits.VIXSpikePoints <= 0 {
		return false
	}
	if current-previous < l.limits.VIXSpikePoints {
		return false
	}
	l.HaltTrading(fmt.Sprintf("VIX spike: %.2f -> %.2f", previous, current))
	return true
}

// IsTradingAllowed checks, in order: the durable halt marker, the halt
// flag, the daily loss limit, and the position ceiling.
func (l *Ledger) IsTradingAllowed() (bool, string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollover()

	if present, reason, err := l.store.HaltMarker(); err != nil {
		return false, fmt.Sprintf("cannot read halt marker: %v", err)
	} else if present {
		return false, fmt.Sprintf("emergency halt active: %s", reason)
	}
	if l.state.Halted {
		return false, fmt.Sprintf("trading halted: %s", l.state.HaltReason)
	}
	if l.state.DailyPnL < -l.limits.MaxDailyLoss {
		return false, fmt.Sprintf("daily loss limit breached: %.2f", l.state.DailyPnL)
	}
	if l.state.CurrentPositions >= l.limits.MaxPositions {
		return false, fmt.Sprintf("position limit reached (%d/%d)", l.state.CurrentPositions, l.limits.MaxPositions)
	}
	return true, ""
}

// Summary returns the current risk posture for dashboards and reports.
func (l *Ledger) Summary() Summary {
	allowed, reason := l.IsTradingAllowed()

	l.mu.Lock()
	defer l.mu.Unlock()
	return Summary{
		TradingAllowed: allowed,
		Reason:         reason,
		DailyPnL:       l.state.DailyPnL,
		DailyLossLimit: l.limits.MaxDailyLoss,
		Positions:      l.state.CurrentPositions,
		MaxPositions:   l.limits.MaxPositions,
		TradesToday:    l.state.TradesToday,
		Halted:         l.state.Halted,
		HaltReason:     l.state.HaltReason,
	}
}

// persist writes through to the store. A persistence failure halts
// trading; the ledger cannot be trusted without durable state. Caller
// holds l.mu.
func (l *Ledger) persist() {
	l.state.UpdatedAt = l.now().UTC()
	if err := l.store.Save(&l.state); err != nil {
		l.logger.Error().Err(err).Msg("risk state persistence failed")
		if !l.state.Halted {
			l.state.Halted = true
			l.state.HaltReason = fmt.Sprintf("risk state persistence failure: %v", err)
			if markerErr := l.store.WriteHaltMarker(l.state.HaltReason); markerErr != nil {
				l.logger.Error().Err(markerErr).Msg("failed to write halt marker")
			}
		}
	}
}
