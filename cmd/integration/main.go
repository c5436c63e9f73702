// Command integration exercises the full trading pipeline against the
// simulated venue: session, market data, spread construction, risk
// gating, execution and telemetry. It never touches a real broker.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/oriphim/premium-harvester/internal/broker"
	"github.com/oriphim/premium-harvester/internal/exec"
	"github.com/oriphim/premium-harvester/internal/models"
	"github.com/oriphim/premium-harvester/internal/risk"
	"github.com/oriphim/premium-harvester/internal/spread"
	"github.com/oriphim/premium-harvester/internal/telemetry"
)

func main() {
	fmt.Println("=== Premium Harvester - End-to-End Integration Check ===")
	fmt.Println()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		Level(zerolog.WarnLevel).With().Timestamp().Logger()

	workDir, err := os.MkdirTemp("", "harvester-e2e-*")
	if err != nil {
		fatal("workspace", err)
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			fmt.Printf("warning: cleanup failed: %v\n", err)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	gateway := broker.NewVenueGateway(broker.NewSimConn(), "127.0.0.1", 7497, 99, logger)
	step("connect to simulated venue", gateway.Connect(ctx))
	defer func() {
		_ = gateway.Disconnect()
	}()

	snap, err := gateway.MarketSnapshot(ctx, "SPY")
	step("market snapshot", err)
	if snap == nil {
		fatal("market snapshot", fmt.Errorf("no data"))
	}
	fmt.Printf("       SPY last %.2f\n", snap.Last)

	builder := spread.NewBuilder(gateway, logger)
	expiry, err := builder.NearestExpiry(ctx, "SPY", 3)
	step("nearest expiry", err)
	if expiry == "" {
		fatal("nearest expiry", fmt.Errorf("no expiration within window"))
	}
	fmt.Printf("       expiry %s\n", expiry)

	sp, err := builder.BuildPutCreditSpread(ctx, "SPY", expiry, 0.30, 5, 0.05)
	step("build put credit spread", err)
	if sp == nil {
		fatal("build put credit spread", fmt.Errorf("no viable spread in simulated chain"))
	}
	fmt.Printf("       %.0f/%.0f credit %.2f max loss %.2f\n",
		sp.ShortStrike, sp.LongStrike, sp.NetCredit, sp.MaxLossAmt)

	store, err := risk.NewFileStore(filepath.Join(workDir, "risk_state.json"))
	step("risk store", err)
	ledger, err := risk.NewLedger(store, risk.Limits{
		MaxDailyLoss:    2000,
		MaxLossPerTrade: 1000,
		MaxPositions:    3,
		VIXSpikePoints:  5,
	}, logger)
	step("risk ledger", err)

	assessment := ledger.AssessTradeRisk("SPY", sp.MaxLossAmt*100, 1)
	if !assessment.Approved {
		fatal("risk assessment", fmt.Errorf("rejected: %s", assessment.RejectionReason))
	}
	step("risk assessment", nil)

	sink, err := telemetry.NewSQLiteSink(filepath.Join(workDir, "telemetry.db"), workDir, logger)
	step("telemetry sink", err)
	defer func() {
		_ = sink.Close()
	}()

	engine := exec.NewEngine(gateway, sink, exec.Config{
		Timeout:         10 * time.Second,
		MaxRequotes:     3,
		MaxBidAskSpread: 0.50,
	}, logger)

	result := engine.ExecuteSpreadOrder(ctx, sp.Combo(), broker.SideSell, 1, nil)
	if !result.Success {
		fatal("entry execution", fmt.Errorf("%s (attempts %d)", result.Message, result.Attempts))
	}
	step("entry execution", nil)
	fmt.Printf("       filled at %.2f after %d attempt(s)\n", result.FillPrice, result.Attempts)

	position := models.NewPosition(sp, 1, result.FillPrice, result.OrderID)
	ledger.RecordTradeEntry(position.Symbol, sp.MaxLossAmt*100)

	mark, err := gateway.ComboQuote(ctx, position.EntryCombo)
	step("position mark", err)
	if mark != nil {
		position.CurrentPnL = (position.CreditReceived - mark.Mid) * 100
		fmt.Printf("       unrealized P&L %.2f\n", position.CurrentPnL)
	}

	exit := engine.ExecuteSpreadOrder(ctx, position.EntryCombo, broker.SideBuy, 1, nil)
	if !exit.Success {
		fatal("exit execution", fmt.Errorf("%s", exit.Message))
	}
	step("exit execution", nil)
	position.Close("integration check", exit.FillPrice, exit.OrderID)
	ledger.RecordTradeExit(position.Symbol, position.RealizedPnL)
	fmt.Printf("       realized P&L %.2f\n", position.RealizedPnL)

	date := time.Now().UTC().Format("2006-01-02")
	report, err := sink.EODReport(ctx, date)
	step("EOD report", err)
	fmt.Println()
	fmt.Println(report)

	summary := ledger.Summary()
	fmt.Printf("day: pnl %.2f, trades %d, trading allowed %v\n",
		summary.DailyPnL, summary.TradesToday, summary.TradingAllowed)
	fmt.Println()
	fmt.Println("ALL CHECKS PASSED")
}

func step(name string, err error) {
	if err != nil {
		fatal(name, err)
	}
	fmt.Printf("  ok - %s\n", name)
}

func fatal(name string, err error) {
	fmt.Printf("  FAIL - %s: %v\n", name, err)
	os.Exit(1)
}
