package telemetry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// SQLiteSink implements Sink on a local SQLite database.
type SQLiteSink struct {
	db        *sql.DB
	reportDir string
	logger    zerolog.Logger
	now       func() time.Time
}

var _ Sink = (*SQLiteSink)(nil)

// NewSQLiteSink opens (or creates) the database at dbPath and writes
// EOD reports into reportDir.
func NewSQLiteSink(dbPath, reportDir string, logger zerolog.Logger) (*SQLiteSink, error) {
	for _, dir := range []string{filepath.Dir(dbPath), reportDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create telemetry dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open telemetry db: %w", err)
	}
	// A single trading process writes; one connection avoids lock churn.
	db.SetMaxOpenConns(1)

	s := &SQLiteSink{
		db:        db,
		reportDir: reportDir,
		logger:    logger.With().Str("component", "telemetry").Logger(),
		now:       time.Now,
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init telemetry schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteSink) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS decisions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp TEXT NOT NULL,
		symbol TEXT NOT NULL,
		strategy TEXT NOT NULL,
		decision TEXT NOT NULL,
		reason TEXT,
		filters TEXT,
		market_data TEXT,
		trade_id TEXT,
		created_date TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS orders (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp TEXT NOT NULL,
		order_id INTEGER NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		limit_price REAL NOT NULL,
		order_type TEXT NOT NULL,
		attempt INTEGER DEFAULT 1,
		status TEXT NOT NULL,
		created_date TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS fills (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp TEXT NOT NULL,
		order_id INTEGER NOT NULL,
		symbol TEXT NOT NULL,
		fill_price REAL NOT NULL,
		fill_quantity REAL NOT NULL,
		commission REAL,
		created_date TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS pnl_snapshots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp TEXT NOT NULL,
		symbol TEXT NOT NULL,
		position_id TEXT NOT NULL,
		unrealized_pnl REAL NOT NULL,
		realized_pnl REAL NOT NULL,
		total_pnl REAL NOT NULL,
		underlying_price REAL NOT NULL,
		delta REAL,
		created_date TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_decisions_date ON decisions(created_date);
	CREATE INDEX IF NOT EXISTS idx_decisions_symbol ON decisions(symbol);
	CREATE INDEX IF NOT EXISTS idx_orders_date ON orders(created_date);
	CREATE INDEX IF NOT EXISTS idx_fills_date ON fills(created_date);
	CREATE INDEX IF NOT EXISTS idx_pnl_date ON pnl_snapshots(created_date);
	`
	_, err := s.db.Exec(schema)
	return err
}

// stamp fills a zero timestamp and derives the rollup date key.
func (s *SQLiteSink) stamp(ts time.Time) (time.Time, string) {
	if ts.IsZero() {
		ts = s.now()
	}
	ts = ts.UTC()
	return ts, ts.Format("2006-01-02")
}

// LogDecision appends a decision row.
func (s *SQLiteSink) LogDecision(ctx context.Context, d Decision) error {
	ts, date := s.stamp(d.Timestamp)
	filters, err := json.Marshal(d.Filters)
	if err != nil {
		return fmt.Errorf("marshal filters: %w", err)
	}
	marketData, err := json.Marshal(d.MarketData)
	if err != nil {
		return fmt.Errorf("marshal market data: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO decisions (timestamp, symbol, strategy, decision, reason, filters, market_data, trade_id, created_date)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ts.Format(time.RFC3339Nano), d.Symbol, d.Strategy, d.Decision, d.Reason,
		string(filters), string(marketData), d.TradeID, date)
	if err != nil {
		return fmt.Errorf("insert decision: %w", err)
	}
	s.logger.Debug().Str("symbol", d.Symbol).Str("decision", d.Decision).Msg("decision logged")
	return nil
}

// LogOrder appends an order row.
func (s *SQLiteSink) LogOrder(ctx context.Context, o Order) error {
	ts, date := s.stamp(o.Timestamp)
	orderType := o.OrderType
	if orderType == "" {
		orderType = "LMT"
	}
	attempt := o.Attempt
	if attempt < 1 {
		attempt = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (timestamp, order_id, symbol, side, quantity, limit_price, order_type, attempt, status, created_date)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ts.Format(time.RFC3339Nano), o.OrderID, o.Symbol, o.Side, o.Quantity,
		o.LimitPrice, orderType, attempt, o.Status, date)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// LogFill appends a fill row.
func (s *SQLiteSink) LogFill(ctx context.Context, f Fill) error {
	ts, date := s.stamp(f.Timestamp)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fills (timestamp, order_id, symbol, fill_price, fill_quantity, commission, created_date)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ts.Format(time.RFC3339Nano), f.OrderID, f.Symbol, f.FillPrice, f.FillQuantity, f.Commission, date)
	if err != nil {
		return fmt.Errorf("insert fill: %w", err)
	}
	s.logger.Info().Int("order_id", f.OrderID).Float64("price", f.FillPrice).
		Float64("quantity", f.FillQuantity).Msg("fill logged")
	return nil
}

// LogPnLSnapshot appends a P&L snapshot row.
func (s *SQLiteSink) LogPnLSnapshot(ctx context.Context, p PnLSnapshot) error {
	ts, date := s.stamp(p.Timestamp)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pnl_snapshots (timestamp, symbol, position_id, unrealized_pnl, realized_pnl, total_pnl, underlying_price, delta, created_date)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ts.Format(time.RFC3339Nano), p.Symbol, p.PositionID, p.UnrealizedPnL,
		p.RealizedPnL, p.TotalPnL, p.UnderlyingPrice, p.Delta, date)
	if err != nil {
		return fmt.Errorf("insert pnl snapshot: %w", err)
	}
	return nil
}

// TodaysDecisions returns today's decisions, newest first.
func (s *SQLiteSink) TodaysDecisions(ctx context.Context) ([]Decision, error) {
	_, today := s.stamp(time.Time{})
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp, symbol, strategy, decision, reason, filters, market_data, trade_id
		FROM decisions WHERE created_date = ? ORDER BY timestamp DESC`, today)
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	defer rows.Close()

	var out []Decision
	for rows.Next() {
		var d Decision
		var ts, filters, marketData string
		var tradeID sql.NullString
		if err := rows.Scan(&ts, &d.Symbol, &d.Strategy, &d.Decision, &d.Reason, &filters, &marketData, &tradeID); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		d.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		d.TradeID = tradeID.String
		if filters != "" && filters != "null" {
			if err := json.Unmarshal([]byte(filters), &d.Filters); err != nil {
				s.logger.Warn().Err(err).Msg("bad filters payload in decision row")
			}
		}
		if marketData != "" && marketData != "null" {
			if err := json.Unmarshal([]byte(marketData), &d.MarketData); err != nil {
				s.logger.Warn().Err(err).Msg("bad market data payload in decision row")
			}
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// TodaysFills returns today's fills, newest first.
func (s *SQLiteSink) TodaysFills(ctx context.Context) ([]Fill, error) {
	_, today := s.stamp(time.Time{})
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp, order_id, symbol, fill_price, fill_quantity, commission
		FROM fills WHERE created_date = ? ORDER BY timestamp DESC`, today)
	if err != nil {
		return nil, fmt.Errorf("query fills: %w", err)
	}
	defer rows.Close()

	var out []Fill
	for rows.Next() {
		var f Fill
		var ts string
		var commission sql.NullFloat64
		if err := rows.Scan(&ts, &f.OrderID, &f.Symbol, &f.FillPrice, &f.FillQuantity, &commission); err != nil {
			return nil, fmt.Errorf("scan fill: %w", err)
		}
		f.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		if commission.Valid {
			f.Commission = &commission.Float64
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// DailySummary rolls up one day's decisions, fills, and P&L.
func (s *SQLiteSink) DailySummary(ctx context.Context, date string) (*DailySummary, error) {
	if date == "" {
		_, date = s.stamp(time.Time{})
	}
	summary := &DailySummary{
		Date:        date,
		Decisions:   make(map[string]int),
		PnLBySymbol: make(map[string]float64),
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT decision, COUNT(*) FROM decisions WHERE created_date = ? GROUP BY decision`, date)
	if err != nil {
		return nil, fmt.Errorf("query decision counts: %w", err)
	}
	for rows.Next() {
		var decision string
		var count int
		if err := rows.Scan(&decision, &count); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan decision count: %w", err)
		}
		summary.Decisions[decision] = count
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	var fillCount sql.NullInt64
	var totalQty, avgPrice sql.NullFloat64
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), SUM(fill_quantity), AVG(fill_price) FROM fills WHERE created_date = ?`, date).
		Scan(&fillCount, &totalQty, &avgPrice)
	if err != nil {
		return nil, fmt.Errorf("query fill summary: %w", err)
	}
	summary.Fills = FillSummary{
		Count:         int(fillCount.Int64),
		TotalQuantity: totalQty.Float64,
		AvgPrice:      avgPrice.Float64,
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT symbol, SUM(total_pnl) FROM pnl_snapshots WHERE created_date = ? GROUP BY symbol`, date)
	if err != nil {
		return nil, fmt.Errorf("query pnl by symbol: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var symbol string
		var pnl float64
		if err := rows.Scan(&symbol, &pnl); err != nil {
			return nil, fmt.Errorf("scan pnl row: %w", err)
		}
		summary.PnLBySymbol[symbol] = pnl
		summary.TotalPnL += pnl
		summary.SymbolsTraded = append(summary.SymbolsTraded, symbol)
	}
	sort.Strings(summary.SymbolsTraded)
	return summary, rows.Err()
}

// EODReport renders the day's report and writes text and JSON copies.
// File write failures are logged, not propagated; the rendered text is
// still returned.
func (s *SQLiteSink) EODReport(ctx context.Context, date string) (string, error) {
	summary, err := s.DailySummary(ctx, date)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "=== EOD REPORT - %s ===\n\n", summary.Date)
	b.WriteString("DECISIONS:\n")
	if len(summary.Decisions) == 0 {
		b.WriteString("  No decisions recorded\n")
	} else {
		kinds := make([]string, 0, len(summary.Decisions))
		for kind := range summary.Decisions {
			kinds = append(kinds, kind)
		}
		sort.Strings(kinds)
		for _, kind := range kinds {
			fmt.Fprintf(&b, "  %s: %d\n", kind, summary.Decisions[kind])
		}
	}
	b.WriteString("\nFILLS:\n")
	fmt.Fprintf(&b, "  Count: %d\n", summary.Fills.Count)
	fmt.Fprintf(&b, "  Total Quantity: %.0f\n", summary.Fills.TotalQuantity)
	fmt.Fprintf(&b, "  Avg Price: $%.3f\n", summary.Fills.AvgPrice)
	b.WriteString("\nP&L BY SYMBOL:\n")
	for _, symbol := range summary.SymbolsTraded {
		fmt.Fprintf(&b, "  %s: $%.2f\n", symbol, summary.PnLBySymbol[symbol])
	}
	fmt.Fprintf(&b, "\nTOTAL P&L: $%.2f\n", summary.TotalPnL)
	fmt.Fprintf(&b, "SYMBOLS TRADED: %d\n", len(summary.SymbolsTraded))
	fmt.Fprintf(&b, "\nReport generated: %s\n", s.now().UTC().Format("2006-01-02 15:04:05"))
	report := b.String()

	textPath := filepath.Join(s.reportDir, fmt.Sprintf("eod_%s.txt", summary.Date))
	if err := os.WriteFile(textPath, []byte(report), 0o644); err != nil {
		s.logger.Error().Err(err).Str("path", textPath).Msg("failed to write EOD text report")
	}
	if data, err := json.MarshalIndent(summary, "", "  "); err == nil {
		jsonPath := filepath.Join(s.reportDir, fmt.Sprintf("eod_%s.json", summary.Date))
		if err := os.WriteFile(jsonPath, data, 0o644); err != nil {
			s.logger.Error().Err(err).Str("path", jsonPath).Msg("failed to write EOD JSON report")
		}
	}
	return report, nil
}

// Close releases the database handle.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
