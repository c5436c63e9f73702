// Package telemetry is the append-only record of trading activity:
// decisions, orders, fills, and P&L snapshots, with daily rollups.
package telemetry

import (
	"context"
	"time"
)

// Decision outcomes.
const (
	DecisionEnter = "ENTER"
	DecisionExit  = "EXIT"
	DecisionSkip  = "SKIP"
	DecisionHold  = "HOLD"
)

// Decision records one evaluation outcome with its audit payload.
type Decision struct {
	Timestamp  time.Time      `json:"timestamp"`
	Symbol     string         `json:"symbol"`
	Strategy   string         `json:"strategy"`
	Decision   string         `json:"decision"`
	Reason     string         `json:"reason"`
	Filters    map[string]any `json:"filters,omitempty"`
	MarketData map[string]any `json:"market_data,omitempty"`
	TradeID    string         `json:"trade_id,omitempty"`
}

// Order records one order submission attempt.
type Order struct {
	Timestamp  time.Time `json:"timestamp"`
	OrderID    int       `json:"order_id"`
	Symbol     string    `json:"symbol"`
	Side       string    `json:"side"`
	Quantity   int       `json:"quantity"`
	LimitPrice float64   `json:"limit_price"`
	OrderType  string    `json:"order_type"`
	Attempt    int       `json:"attempt"`
	Status     string    `json:"status"`
}

// Fill records an executed order.
type Fill struct {
	Timestamp    time.Time `json:"timestamp"`
	OrderID      int       `json:"order_id"`
	Symbol       string    `json:"symbol"`
	FillPrice    float64   `json:"fill_price"`
	FillQuantity float64   `json:"fill_quantity"`
	Commission   *float64  `json:"commission,omitempty"`
}

// PnLSnapshot is a point-in-time P&L observation for one position.
type PnLSnapshot struct {
	Timestamp       time.Time `json:"timestamp"`
	Symbol          string    `json:"symbol"`
	PositionID      string    `json:"position_id"`
	UnrealizedPnL   float64   `json:"unrealized_pnl"`
	RealizedPnL     float64   `json:"realized_pnl"`
	TotalPnL        float64   `json:"total_pnl"`
	UnderlyingPrice float64   `json:"underlying_price"`
	Delta           *float64  `json:"delta,omitempty"`
}

// FillSummary aggregates one day's fills.
type FillSummary struct {
	Count         int     `json:"count"`
	TotalQuantity float64 `json:"total_quantity"`
	AvgPrice      float64 `json:"avg_price"`
}

// DailySummary is the per-day rollup consumed by reports and dashboards.
type DailySummary struct {
	Date          string             `json:"date"`
	Decisions     map[string]int     `json:"decisions"`
	Fills         FillSummary        `json:"fills"`
	PnLBySymbol   map[string]float64 `json:"pnl_by_symbol"`
	TotalPnL      float64            `json:"total_pnl"`
	SymbolsTraded []string           `json:"symbols_traded"`
}

// Sink is the append-only telemetry store. Log methods return errors
// for observability, but callers treat telemetry failures as non-fatal:
// trading never stops because a record could not be written.
type Sink interface {
	LogDecision(ctx context.Context, d Decision) error
	LogOrder(ctx context.Context, o Order) error
	LogFill(ctx context.Context, f Fill) error
	LogPnLSnapshot(ctx context.Context, p PnLSnapshot) error

	TodaysDecisions(ctx context.Context) ([]Decision, error)
	TodaysFills(ctx context.Context) ([]Fill, error)
	DailySummary(ctx context.Context, date string) (*DailySummary, error)
	// EODReport renders the day's text report and writes text and JSON
	// copies to the report directory.
	EODReport(ctx context.Context, date string) (string, error)

	Close() error
}
