// Package models holds the trade lifecycle types shared across the bot.
package models

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oriphim/premium-harvester/internal/broker"
	"github.com/oriphim/premium-harvester/internal/spread"
)

const sharesPerContract = 100.0

// PositionState is the persisted lifecycle state of a position.
type PositionState string

const (
	// StateOpen means the entry order filled and the spread is live.
	StateOpen PositionState = "open"
	// StateClosed means the position has been exited.
	StateClosed PositionState = "closed"
)

// Position is one live or historical spread trade.
type Position struct {
	ID           string        `json:"id"`
	Symbol       string        `json:"symbol"`
	Strategy     spread.Kind   `json:"strategy"`
	State        PositionState `json:"state"`
	Expiration   time.Time     `json:"expiration"`
	EntryDate    time.Time     `json:"entry_date"`
	ExitDate     time.Time     `json:"exit_date,omitempty"`
	ExitReason   string        `json:"exit_reason,omitempty"`
	EntryOrderID int           `json:"entry_order_id,omitempty"`
	ExitOrderID  int           `json:"exit_order_id,omitempty"`

	// Per-share economics at entry.
	CreditReceived float64 `json:"credit_received"`
	MaxLoss        float64 `json:"max_loss"`
	ShortStrike    float64 `json:"short_strike"`
	LongStrike     float64 `json:"long_strike,omitempty"`
	Breakeven      float64 `json:"breakeven,omitempty"`
	Quantity       int     `json:"quantity"`

	CurrentPnL  float64 `json:"current_pnl"`
	RealizedPnL float64 `json:"realized_pnl,omitempty"`

	// EntryCombo keeps the exact legs so exits reverse what was traded.
	EntryCombo broker.Combo `json:"entry_combo"`
}

// NewPosition opens a position record for a filled spread entry.
func NewPosition(s spread.Spread, quantity int, fillPrice float64, entryOrderID int) *Position {
	expiry, _ := time.Parse("20060102", s.Expiry())
	p := &Position{
		ID:             uuid.NewString(),
		Symbol:         s.Underlying(),
		Strategy:       s.Kind(),
		State:          StateOpen,
		Expiration:     expiry,
		EntryDate:      time.Now().UTC(),
		EntryOrderID:   entryOrderID,
		CreditReceived: fillPrice,
		MaxLoss:        s.MaxLoss(),
		Quantity:       quantity,
		EntryCombo:     s.Combo(),
	}
	switch v := s.(type) {
	case *spread.PutCreditSpread:
		p.ShortStrike = v.ShortStrike
		p.LongStrike = v.LongStrike
		p.Breakeven = v.Breakeven
	case *spread.IronCondor:
		p.ShortStrike = v.ShortPut
		p.LongStrike = v.LongPut
		p.Breakeven = v.BreakevenLow
	case *spread.CoveredCall:
		p.ShortStrike = v.Strike
	}
	return p
}

// Close marks the position exited. Closing an already-closed position
// is a no-op so repeated shutdown paths stay idempotent.
func (p *Position) Close(reason string, exitPrice float64, exitOrderID int) {
	if p.State == StateClosed {
		return
	}
	p.State = StateClosed
	p.ExitDate = time.Now().UTC()
	p.ExitReason = reason
	p.ExitOrderID = exitOrderID
	p.RealizedPnL = (p.CreditReceived - exitPrice) * float64(p.Quantity) * sharesPerContract
	p.CurrentPnL = p.RealizedPnL
}

// Open reports whether the position is still live.
func (p *Position) Open() bool {
	return p.State == StateOpen
}

// DTE returns whole days until expiration, floored at zero.
func (p *Position) DTE() int {
	now := time.Now().UTC().Truncate(24 * time.Hour)
	exp := p.Expiration.UTC().Truncate(24 * time.Hour)
	days := int(exp.Sub(now).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}

// EntryCredit returns the total dollars collected at entry.
func (p *Position) EntryCredit() float64 {
	return p.CreditReceived * float64(p.Quantity) * sharesPerContract
}

// ProfitPercent returns current P&L as a percentage of entry credit.
func (p *Position) ProfitPercent() float64 {
	denom := math.Abs(p.EntryCredit())
	if denom == 0 {
		return 0
	}
	return (p.CurrentPnL / denom) * 100
}

func (p *Position) String() string {
	return fmt.Sprintf("%s %s %s short=%.1f qty=%d credit=%.2f",
		p.ID[:8], p.Symbol, p.Strategy, p.ShortStrike, p.Quantity, p.CreditReceived)
}

// Book is the in-memory set of positions for the trading session.
// Safe for concurrent use.
type Book struct {
	mu        sync.RWMutex
	positions map[string]*Position
}

// NewBook returns an empty position book.
func NewBook() *Book {
	return &Book{positions: make(map[string]*Position)}
}

// Add registers a position in the book.
func (b *Book) Add(p *Position) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.positions[p.ID] = p
}

// Get returns the position with the given ID, or nil.
func (b *Book) Get(id string) *Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.positions[id]
}

// Open returns all live positions, ordered by entry time.
func (b *Book) Open() []*Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*Position
	for _, p := range b.positions {
		if p.Open() {
			out = append(out, p)
		}
	}
	sortByEntry(out)
	return out
}

// All returns every position in the book, ordered by entry time.
func (b *Book) All() []*Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Position, 0, len(b.positions))
	for _, p := range b.positions {
		out = append(out, p)
	}
	sortByEntry(out)
	return out
}

// OpenCount returns the number of live positions.
func (b *Book) OpenCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, p := range b.positions {
		if p.Open() {
			n++
		}
	}
	return n
}

func sortByEntry(ps []*Position) {
	sort.Slice(ps, func(i, j int) bool { return ps[i].EntryDate.Before(ps[j].EntryDate) })
}
