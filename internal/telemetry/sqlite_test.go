package telemetry

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSink(t *testing.T) (*SQLiteSink, string) {
	t.Helper()
	dir := t.TempDir()
	sink, err := NewSQLiteSink(filepath.Join(dir, "trades.db"), dir, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.Close() })
	return sink, dir
}

func TestSQLiteSink_DecisionRoundTrip(t *testing.T) {
	sink, _ := newTestSink(t)
	ctx := context.Background()

	d := Decision{
		Symbol:   "SPY",
		Strategy: "put_credit_spread",
		Decision: DecisionEnter,
		Reason:   "all filters passed",
		Filters: map[string]any{
			"delta_target": 0.10,
			"liquid":       true,
		},
		MarketData: map[string]any{"last": 448.25},
		TradeID:    "abc-123",
	}
	require.NoError(t, sink.LogDecision(ctx, d))

	decisions, err := sink.TodaysDecisions(ctx)
	require.NoError(t, err)
	require.Len(t, decisions, 1)

	got := decisions[0]
	assert.Equal(t, "SPY", got.Symbol)
	assert.Equal(t, DecisionEnter, got.Decision)
	assert.Equal(t, "abc-123", got.TradeID)
	assert.Equal(t, true, got.Filters["liquid"])
	assert.InDelta(t, 448.25, got.MarketData["last"].(float64), 1e-9)
	assert.False(t, got.Timestamp.IsZero())
}

func TestSQLiteSink_FillSummary(t *testing.T) {
	sink, _ := newTestSink(t)
	ctx := context.Background()

	require.NoError(t, sink.LogFill(ctx, Fill{OrderID: 1, Symbol: "SPY", FillPrice: 0.45, FillQuantity: 1}))
	require.NoError(t, sink.LogFill(ctx, Fill{OrderID: 2, Symbol: "SPY", FillPrice: 0.55, FillQuantity: 1}))

	fills, err := sink.TodaysFills(ctx)
	require.NoError(t, err)
	assert.Len(t, fills, 2)

	summary, err := sink.DailySummary(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Fills.Count)
	assert.InDelta(t, 2, summary.Fills.TotalQuantity, 1e-9)
	assert.InDelta(t, 0.50, summary.Fills.AvgPrice, 1e-9)
}

func TestSQLiteSink_DailySummary(t *testing.T) {
	sink, _ := newTestSink(t)
	ctx := context.Background()

	require.NoError(t, sink.LogDecision(ctx, Decision{Symbol: "SPY", Strategy: "put_credit_spread", Decision: DecisionEnter}))
	require.NoError(t, sink.LogDecision(ctx, Decision{Symbol: "SPY", Strategy: "put_credit_spread", Decision: DecisionSkip}))
	require.NoError(t, sink.LogDecision(ctx, Decision{Symbol: "QQQ", Strategy: "iron_condor", Decision: DecisionSkip}))
	require.NoError(t, sink.LogPnLSnapshot(ctx, PnLSnapshot{Symbol: "SPY", PositionID: "p1", TotalPnL: 32.5, UnderlyingPrice: 448}))
	require.NoError(t, sink.LogPnLSnapshot(ctx, PnLSnapshot{Symbol: "QQQ", PositionID: "p2", TotalPnL: -10, UnderlyingPrice: 380}))

	summary, err := sink.DailySummary(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Decisions[DecisionEnter])
	assert.Equal(t, 2, summary.Decisions[DecisionSkip])
	assert.InDelta(t, 32.5, summary.PnLBySymbol["SPY"], 1e-9)
	assert.InDelta(t, -10, summary.PnLBySymbol["QQQ"], 1e-9)
	assert.InDelta(t, 22.5, summary.TotalPnL, 1e-9)
	assert.Equal(t, []string{"QQQ", "SPY"}, summary.SymbolsTraded)
}

func TestSQLiteSink_EmptyDay(t *testing.T) {
	sink, _ := newTestSink(t)

	summary, err := sink.DailySummary(context.Background(), "2020-01-01")
	require.NoError(t, err)
	assert.Empty(t, summary.Decisions)
	assert.Zero(t, summary.Fills.Count)
	assert.Zero(t, summary.TotalPnL)
}

func TestSQLiteSink_EODReport(t *testing.T) {
	sink, dir := newTestSink(t)
	ctx := context.Background()

	require.NoError(t, sink.LogDecision(ctx, Decision{Symbol: "SPY", Strategy: "put_credit_spread", Decision: DecisionEnter}))
	require.NoError(t, sink.LogFill(ctx, Fill{OrderID: 7, Symbol: "SPY", FillPrice: 0.45, FillQuantity: 1}))
	require.NoError(t, sink.LogPnLSnapshot(ctx, PnLSnapshot{Symbol: "SPY", PositionID: "p1", TotalPnL: 45, UnderlyingPrice: 448}))

	today := time.Now().UTC().Format("2006-01-02")
	report, err := sink.EODReport(ctx, today)
	require.NoError(t, err)

	assert.Contains(t, report, "=== EOD REPORT - "+today+" ===")
	assert.Contains(t, report, "ENTER: 1")
	assert.Contains(t, report, "Count: 1")
	assert.Contains(t, report, "SPY: $45.00")
	assert.Contains(t, report, "TOTAL P&L: $45.00")

	for _, name := range []string{"eod_" + today + ".txt", "eod_" + today + ".json"} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err, "expected report file %s", name)
	}
}
