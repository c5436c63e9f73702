package risk

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is an in-memory Store for ledger tests.
type memStore struct {
	days         map[string]State
	marker       string
	markerSet    bool
	saveErr      error
	saves        int
	markerWrites int
}

func newMemStore() *memStore {
	return &memStore{days: make(map[string]State)}
}

func (m *memStore) Load(date string) (*State, bool, error) {
	s, ok := m.days[date]
	if !ok {
		return nil, false, nil
	}
	return &s, true, nil
}

func (m *memStore) Save(state *State) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saves++
	m.days[state.Date] = *state
	return nil
}

func (m *memStore) HaltMarker() (bool, string, error) {
	return m.markerSet, m.marker, nil
}

func (m *memStore) WriteHaltMarker(reason string) error {
	m.markerSet = true
	m.marker = reason
	m.markerWrites++
	return nil
}

func (m *memStore) ClearHaltMarker() error {
	m.markerSet = false
	m.marker = ""
	return nil
}

func testLimits() Limits {
	return Limits{MaxDailyLoss: 150, MaxLossPerTrade: 50, MaxPositions: 2, VIXSpikePoints: 5}
}

func newTestLedger(t *testing.T, store Store, limits Limits) *Ledger {
	t.Helper()
	l, err := NewLedger(store, limits, zerolog.Nop())
	require.NoError(t, err)
	return l
}

func TestNewLedger_ValidatesLimits(t *testing.T) {
	_, err := NewLedger(newMemStore(), Limits{MaxDailyLoss: 0, MaxLossPerTrade: 50, MaxPositions: 1}, zerolog.Nop())
	assert.Error(t, err)

	_, err = NewLedger(newMemStore(), Limits{MaxDailyLoss: 150, MaxLossPerTrade: 0, MaxPositions: 1}, zerolog.Nop())
	assert.Error(t, err)

	_, err = NewLedger(newMemStore(), Limits{MaxDailyLoss: 150, MaxLossPerTrade: 50, MaxPositions: 0}, zerolog.Nop())
	assert.Error(t, err)
}

func TestAssessTradeRisk_DailyHeadroom(t *testing.T) {
	l := newTestLedger(t, newMemStore(), testLimits())
	l.RecordTradeExit("SPY", -140)

	rejected := l.AssessTradeRisk("SPY", 20, 1)
	assert.False(t, rejected.Approved)
	assert.Contains(t, rejected.RejectionReason, "160.00")

	approved := l.AssessTradeRisk("SPY", 5, 1)
	assert.True(t, approved.Approved)
	assert.Empty(t, approved.RejectionReason)
}

func TestAssessTradeRisk_ProfitsDoNotExtendHeadroom(t *testing.T) {
	limits := testLimits()
	limits.MaxLossPerTrade = 200
	l := newTestLedger(t, newMemStore(), limits)
	l.RecordTradeExit("SPY", 500)

	// A 160 max-loss trade still breaches the 150 daily budget: the
	// headroom check starts from min(0, dailyPnL), not dailyPnL.
	rejected := l.AssessTradeRisk("SPY", 160, 1)
	assert.False(t, rejected.Approved)
	assert.Contains(t, rejected.RejectionReason, "potential daily loss")

	approved := l.AssessTradeRisk("SPY", 140, 1)
	assert.True(t, approved.Approved)
}

func TestAssessTradeRisk_HeadroomIgnoresPositionSize(t *testing.T) {
	l := newTestLedger(t, newMemStore(), testLimits())

	// The daily headroom check charges the per-trade max loss once,
	// regardless of how many contracts the caller intends to trade.
	res := l.AssessTradeRisk("SPY", 40, 5)
	assert.True(t, res.Approved)
	assert.Equal(t, 5, res.PositionSize)
}

func TestAssessTradeRisk_PerTradeLimit(t *testing.T) {
	l := newTestLedger(t, newMemStore(), testLimits())

	res := l.AssessTradeRisk("SPY", 60, 1)
	assert.False(t, res.Approved)
	assert.Contains(t, res.RejectionReason, "per-trade limit")
}

func TestAssessTradeRisk_PositionCeiling(t *testing.T) {
	l := newTestLedger(t, newMemStore(), testLimits())
	l.RecordTradeEntry("SPY", 10)
	l.RecordTradeEntry("SPY", 10)

	res := l.AssessTradeRisk("SPY", 10, 1)
	assert.False(t, res.Approved)
	assert.Contains(t, res.RejectionReason, "position limit")
}

func TestAssessTradeRisk_DoesNotMutateState(t *testing.T) {
	store := newMemStore()
	l := newTestLedger(t, store, testLimits())

	saves := store.saves
	_ = l.AssessTradeRisk("SPY", 10, 1)
	_ = l.AssessTradeRisk("SPY", 10, 1)
	assert.Equal(t, saves, store.saves)
	assert.Equal(t, 0, l.Summary().TradesToday)
}

func TestHaltIdempotence(t *testing.T) {
	store := newMemStore()
	l := newTestLedger(t, store, testLimits())

	l.HaltTrading("manual halt")
	l.HaltTrading("second halt")
	assert.Equal(t, 1, store.markerWrites, "repeat halt should not rewrite the marker")

	for i := 0; i < 3; i++ {
		res := l.AssessTradeRisk("SPY", 1, 1)
		assert.False(t, res.Approved)
		assert.Contains(t, res.RejectionReason, "manual halt")
	}

	require.NoError(t, l.ResumeTrading())
	assert.True(t, l.AssessTradeRisk("SPY", 1, 1).Approved)
}

func TestDailyLossBreachIsMonotonic(t *testing.T) {
	l := newTestLedger(t, newMemStore(), testLimits())

	l.RecordTradeExit("SPY", -200)
	assert.True(t, l.Summary().Halted)

	// Profitable exits never clear a halt on their own.
	l.RecordTradeExit("SPY", 300)
	l.RecordTradeExit("SPY", 300)
	summary := l.Summary()
	assert.True(t, summary.Halted)
	allowed, _ := l.IsTradingAllowed()
	assert.False(t, allowed)

	require.NoError(t, l.ResumeTrading())
	allowed, _ = l.IsTradingAllowed()
	assert.True(t, allowed)
}

func TestEntryExitRoundTrip(t *testing.T) {
	l := newTestLedger(t, newMemStore(), testLimits())

	before := l.Summary().Positions
	l.RecordTradeEntry("SPY", 10)
	assert.Equal(t, before+1, l.Summary().Positions)

	l.RecordTradeExit("SPY", -25)
	assert.Equal(t, before, l.Summary().Positions)

	l.RecordTradeEntry("SPY", 10)
	l.RecordTradeExit("SPY", 40)
	assert.Equal(t, before, l.Summary().Positions)
}

func TestExitFloorsPositionsAtZero(t *testing.T) {
	l := newTestLedger(t, newMemStore(), testLimits())

	l.RecordTradeExit("SPY", 5)
	assert.Equal(t, 0, l.Summary().Positions)
}

func TestPersistenceFailureHaltsDefensively(t *testing.T) {
	store := newMemStore()
	l := newTestLedger(t, store, testLimits())

	store.saveErr = errors.New("disk full")
	l.RecordTradeEntry("SPY", 10)

	summary := l.Summary()
	assert.True(t, summary.Halted)
	assert.Contains(t, summary.HaltReason, "persistence failure")
	assert.True(t, store.markerSet)
}

func TestIsTradingAllowed_ChecksMarkerFirst(t *testing.T) {
	store := newMemStore()
	l := newTestLedger(t, store, testLimits())

	require.NoError(t, store.WriteHaltMarker("operator halt"))
	allowed, reason := l.IsTradingAllowed()
	assert.False(t, allowed)
	assert.Contains(t, reason, "emergency halt")
	assert.Contains(t, reason, "operator halt")
}

func TestCheckVIXSpike(t *testing.T) {
	l := newTestLedger(t, newMemStore(), testLimits())

	assert.False(t, l.CheckVIXSpike(18, 0), "no baseline read yet")
	assert.False(t, l.CheckVIXSpike(18, 15))
	assert.True(t, l.CheckVIXSpike(22, 15))
	assert.True(t, l.Summary().Halted)
}

func TestDateRollover(t *testing.T) {
	store := newMemStore()
	l := newTestLedger(t, store, testLimits())

	day1 := time.Date(2026, 9, 1, 15, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return day1 }
	l.RecordTradeEntry("SPY", 10)
	l.RecordTradeExit("SPY", -40)
	require.InDelta(t, -40, l.Summary().DailyPnL, 1e-9)

	l.now = func() time.Time { return day1.AddDate(0, 0, 1) }
	summary := l.Summary()
	assert.Zero(t, summary.DailyPnL)
	assert.Zero(t, summary.Positions)
	assert.Zero(t, summary.TradesToday)

	// The previous day's record survives the rollover.
	prev, found, err := store.Load("2026-09-01")
	require.NoError(t, err)
	require.True(t, found)
	assert.InDelta(t, -40, prev.DailyPnL, 1e-9)
}

func TestFileStore(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(filepath.Join(dir, "risk_state.json"))
	require.NoError(t, err)

	t.Run("load missing day", func(t *testing.T) {
		_, found, err := store.Load("2026-09-01")
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("save and reload", func(t *testing.T) {
		state := &State{Date: "2026-09-01", DailyPnL: -42.5, CurrentPositions: 1, TradesToday: 3}
		require.NoError(t, store.Save(state))

		loaded, found, err := store.Load("2026-09-01")
		require.NoError(t, err)
		require.True(t, found)
		assert.InDelta(t, -42.5, loaded.DailyPnL, 1e-9)
		assert.Equal(t, 1, loaded.CurrentPositions)
		assert.Equal(t, 3, loaded.TradesToday)
	})

	t.Run("multiple days coexist", func(t *testing.T) {
		require.NoError(t, store.Save(&State{Date: "2026-09-02", DailyPnL: 10}))
		_, found, err := store.Load("2026-09-01")
		require.NoError(t, err)
		assert.True(t, found)
	})

	t.Run("save without date fails", func(t *testing.T) {
		assert.Error(t, store.Save(&State{}))
	})

	t.Run("halt marker lifecycle", func(t *testing.T) {
		present, _, err := store.HaltMarker()
		require.NoError(t, err)
		assert.False(t, present)

		require.NoError(t, store.WriteHaltMarker("VIX spike"))
		present, reason, err := store.HaltMarker()
		require.NoError(t, err)
		assert.True(t, present)
		assert.Equal(t, "VIX spike", reason)

		require.NoError(t, store.ClearHaltMarker())
		present, _, err = store.HaltMarker()
		require.NoError(t, err)
		assert.False(t, present)

		// Clearing twice is fine.
		require.NoError(t, store.ClearHaltMarker())
	})
}
