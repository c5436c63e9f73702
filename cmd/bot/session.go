package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/oriphim/premium-harvester/internal/broker"
	"github.com/oriphim/premium-harvester/internal/config"
	"github.com/oriphim/premium-harvester/internal/exec"
	"github.com/oriphim/premium-harvester/internal/models"
	"github.com/oriphim/premium-harvester/internal/risk"
	"github.com/oriphim/premium-harvester/internal/spread"
	"github.com/oriphim/premium-harvester/internal/telemetry"
)

// Session runs the trading day: evaluating entries on one cadence,
// managing open positions on another, and flattening into the close.
type Session struct {
	cfg     *config.Config
	gateway broker.Gateway
	builder *spread.Builder
	ledger  *risk.Ledger
	engine  *exec.Engine
	sink    telemetry.Sink
	book    *models.Book
	logger  zerolog.Logger

	dryRun    bool
	lastVIX   float64
	flattened bool
	now       func() time.Time
}

// NewSession wires a trading session from its collaborators.
func NewSession(cfg *config.Config, gateway broker.Gateway, builder *spread.Builder,
	ledger *risk.Ledger, engine *exec.Engine, sink telemetry.Sink,
	book *models.Book, logger zerolog.Logger) *Session {
	return &Session{
		cfg:     cfg,
		gateway: gateway,
		builder: builder,
		ledger:  ledger,
		engine:  engine,
		sink:    sink,
		book:    book,
		logger:  logger.With().Str("component", "session").Logger(),
		now:     time.Now,
	}
}

// Run loops until ctx is cancelled, then shuts the session down.
func (s *Session) Run(ctx context.Context) error {
	s.logger.Info().
		Str("window", s.cfg.TradeWindow.Start+"-"+s.cfg.TradeWindow.End).
		Msg("session loop starting")

	evalTicker := time.NewTicker(s.cfg.EvalInterval())
	defer evalTicker.Stop()
	manageTicker := time.NewTicker(s.cfg.ManageInterval())
	defer manageTicker.Stop()

	if err := s.ensureConnected(ctx); err != nil {
		s.shutdown()
		return err
	}
	s.evaluate(ctx)

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case <-evalTicker.C:
			if err := s.ensureConnected(ctx); err != nil {
				s.shutdown()
				return err
			}
			s.evaluate(ctx)
		case <-manageTicker.C:
			if err := s.ensureConnected(ctx); err != nil {
				s.shutdown()
				return err
			}
			s.manage(ctx)
		}
	}
}

// ensureConnected re-establishes a dropped venue session before the
// next cycle runs. A failed reconnect ends the session.
func (s *Session) ensureConnected(ctx context.Context) error {
	if s.gateway.Connected() {
		return nil
	}
	s.logger.Warn().Msg("venue session lost, reconnecting")
	if err := s.gateway.Reconnect(ctx); err != nil {
		return fmt.Errorf("venue session could not be re-established: %w", err)
	}
	s.logger.Info().Msg("venue session restored")
	return nil
}

// evaluate runs one entry evaluation cycle.
func (s *Session) evaluate(ctx context.Context) {
	now := s.now()
	if !s.cfg.IsWithinTradingHours(now) {
		s.flattened = false
		return
	}
	if s.cfg.ShouldFlatten(now) {
		if !s.flattened {
			s.flattenAll(ctx, "market close")
			s.flattened = true
		}
		return
	}

	s.checkVIX(ctx)

	if allowed, reason := s.ledger.IsTradingAllowed(); !allowed {
		s.logDecision(ctx, s.cfg.Symbols.Primary, telemetry.DecisionSkip, reason, nil)
		return
	}

	if built := s.tryEnter(ctx, s.cfg.Symbols.Primary); !built && s.cfg.Symbols.Backup != "" {
		s.tryEnter(ctx, s.cfg.Symbols.Backup)
	}
}

// tryEnter builds and executes one spread on symbol. Returns true when
// a position was opened.
func (s *Session) tryEnter(ctx context.Context, symbol string) bool {
	expiry, err := s.builder.NearestExpiry(ctx, symbol, s.cfg.Strategy.MaxDTE)
	if err != nil {
		s.logger.Warn().Err(err).Str("symbol", symbol).Msg("expiry lookup failed")
		return false
	}
	if expiry == "" {
		s.logDecision(ctx, symbol, telemetry.DecisionSkip, "no expiration within DTE window", nil)
		return false
	}

	sp, err := s.buildSpread(ctx, symbol, expiry)
	if err != nil {
		s.logger.Warn().Err(err).Str("symbol", symbol).Msg("spread construction failed")
		return false
	}
	if sp == nil {
		s.logDecision(ctx, symbol, telemetry.DecisionSkip, "no viable spread", nil)
		return false
	}
	if !sp.Liquid() {
		s.logDecision(ctx, symbol, telemetry.DecisionSkip, "insufficient liquidity", map[string]any{
			"volume": sp.Volume(),
		})
		return false
	}

	if maxLoss := sp.MaxLoss() * 100; maxLoss > s.cfg.Risk.MaxLossPerTrade {
		s.logDecision(ctx, symbol, telemetry.DecisionSkip,
			fmt.Sprintf("max loss %.2f exceeds per-trade limit %.2f", maxLoss, s.cfg.Risk.MaxLossPerTrade),
			map[string]any{"max_loss": maxLoss})
		return false
	}

	quantity := s.positionSize(sp)
	assessment := s.ledger.AssessTradeRisk(symbol, sp.MaxLoss()*100, quantity)
	if !assessment.Approved {
		s.logDecision(ctx, symbol, telemetry.DecisionSkip, assessment.RejectionReason, map[string]any{
			"max_loss": sp.MaxLoss() * 100,
			"quantity": quantity,
		})
		return false
	}

	if s.dryRun {
		s.logDecision(ctx, symbol, telemetry.DecisionEnter, "dry run, order not submitted", map[string]any{
			"credit":      sp.Credit(),
			"max_loss":    sp.MaxLoss() * 100,
			"prob_profit": sp.ProbProfit(),
			"quantity":    quantity,
		})
		return true
	}

	return s.enterPosition(ctx, sp, quantity)
}

// buildSpread constructs the configured strategy for symbol at expiry.
func (s *Session) buildSpread(ctx context.Context, symbol, expiry string) (spread.Spread, error) {
	st := s.cfg.Strategy
	switch st.Kind {
	case "put_credit_spread":
		sp, err := s.builder.BuildPutCreditSpread(ctx, symbol, expiry, st.TargetDelta, st.SpreadWidth, st.MinCredit)
		if sp == nil {
			return nil, err
		}
		return sp, err
	case "iron_condor":
		em, err := s.builder.ExpectedMove(ctx, symbol, expiry)
		if err != nil || em <= 0 {
			return nil, err
		}
		sp, err := s.builder.BuildIronCondor(ctx, symbol, expiry, em, st.WingMultiplier)
		if sp == nil {
			return nil, err
		}
		return sp, err
	case "covered_call":
		sp, err := s.builder.BuildCoveredCall(ctx, symbol, expiry, st.SharesOwned, st.TargetDelta, st.MinCredit)
		if sp == nil {
			return nil, err
		}
		return sp, err
	default:
		return nil, fmt.Errorf("unknown strategy kind %q", st.Kind)
	}
}

// positionSize fits contracts to the per-trade loss limit, at least 1.
func (s *Session) positionSize(sp spread.Spread) int {
	if cc, ok := sp.(*spread.CoveredCall); ok {
		return cc.Contracts
	}
	perContract := sp.MaxLoss() * 100
	if perContract <= 0 {
		return 1
	}
	size := int(s.cfg.Risk.MaxLossPerTrade / perContract)
	if size < 1 {
		size = 1
	}
	return size
}

func (s *Session) enterPosition(ctx context.Context, sp spread.Spread, quantity int) bool {
	result := s.engine.ExecuteSpreadOrder(ctx, sp.Combo(), broker.SideSell, quantity, nil)
	if !result.Success {
		s.logDecision(ctx, sp.Underlying(), telemetry.DecisionSkip, "execution failed: "+result.Message, map[string]any{
			"attempts": result.Attempts,
			"status":   string(result.Status),
		})
		return false
	}

	p := models.NewPosition(sp, quantity, result.FillPrice, result.OrderID)
	s.book.Add(p)
	s.ledger.RecordTradeEntry(p.Symbol, sp.MaxLoss()*100*float64(quantity))

	s.logger.Info().Str("position", p.ID).Str("symbol", p.Symbol).
		Int("quantity", quantity).Float64("credit", result.FillPrice).
		Msg("position opened")
	s.logDecisionWithTrade(ctx, p, telemetry.DecisionEnter, "entry filled", map[string]any{
		"credit":      result.FillPrice,
		"max_loss":    sp.MaxLoss() * 100,
		"prob_profit": sp.ProbProfit(),
		"quantity":    quantity,
	})
	return true
}

// manage runs one position management cycle: mark every open position,
// feed unrealized P&L to the risk ledger, and exit what needs exiting.
func (s *Session) manage(ctx context.Context) {
	open := s.book.Open()
	if len(open) == 0 {
		return
	}

	unrealized := make(map[string]float64, len(open))
	for _, p := range open {
		quote, err := s.gateway.ComboQuote(ctx, p.EntryCombo)
		if err != nil {
			s.logger.Warn().Err(err).Str("position", p.ID).Msg("mark quote failed")
			continue
		}
		if quote == nil {
			continue
		}

		cost := quote.Mid
		p.CurrentPnL = (p.CreditReceived - cost) * float64(p.Quantity) * 100
		unrealized[p.ID] = p.CurrentPnL

		var last float64
		if snap, err := s.gateway.MarketSnapshot(ctx, p.Symbol); err == nil && snap != nil {
			last = snap.Last
		}
		s.logPnL(ctx, p, last)

		if reason, exit := s.exitReason(p, cost, last); exit {
			if err := s.closePosition(ctx, p, reason); err != nil {
				s.logger.Error().Err(err).Str("position", p.ID).Msg("exit failed")
			}
		}
	}

	s.ledger.UpdateUnrealizedPnL(unrealized)
}

// exitReason decides whether a position should be closed now.
func (s *Session) exitReason(p *models.Position, cost, last float64) (string, bool) {
	if p.CreditReceived > 0 && cost <= p.CreditReceived*(1-s.cfg.Strategy.ProfitTargetPct) {
		return "profit target", true
	}
	if last > 0 && p.ShortStrike > 0 && p.Strategy != spread.KindCoveredCall {
		stop := p.ShortStrike - p.MaxLoss*s.cfg.Strategy.BreachStopRatio
		if last <= stop {
			return "breach stop", true
		}
	}
	return "", false
}

// closePosition buys the spread back and books the exit.
func (s *Session) closePosition(ctx context.Context, p *models.Position, reason string) error {
	result := s.engine.ExecuteSpreadOrder(ctx, p.EntryCombo, broker.SideBuy, p.Quantity, nil)
	if !result.Success {
		return fmt.Errorf("close order for %s: %s", p.ID, result.Message)
	}

	p.Close(reason, result.FillPrice, result.OrderID)
	s.ledger.RecordTradeExit(p.Symbol, p.RealizedPnL)

	s.logger.Info().Str("position", p.ID).Str("reason", reason).
		Float64("exit_price", result.FillPrice).Float64("pnl", p.RealizedPnL).
		Msg("position closed")
	s.logDecisionWithTrade(ctx, p, telemetry.DecisionExit, reason, map[string]any{
		"exit_price": result.FillPrice,
		"pnl":        p.RealizedPnL,
	})
	return nil
}

// checkVIX halts the day and flattens on a volatility spike.
func (s *Session) checkVIX(ctx context.Context) {
	if s.cfg.Symbols.VIX == "" {
		return
	}
	snap, err := s.gateway.MarketSnapshot(ctx, s.cfg.Symbols.VIX)
	if err != nil || snap == nil {
		return
	}
	if s.ledger.CheckVIXSpike(snap.Last, s.lastVIX) {
		s.flattenAll(ctx, "VIX spike")
	}
	s.lastVIX = snap.Last
}

// flattenAll closes every open position for the same reason.
func (s *Session) flattenAll(ctx context.Context, reason string) {
	open := s.book.Open()
	if len(open) == 0 {
		return
	}
	s.logger.Info().Int("positions", len(open)).Str("reason", reason).Msg("flattening all positions")
	for _, p := range open {
		if err := s.closePosition(ctx, p, reason); err != nil {
			s.logger.Error().Err(err).Str("position", p.ID).Msg("flatten failed")
		}
	}
}

// shutdown closes positions, cancels working orders and writes the EOD
// report. Runs on its own context since the session's is already done.
func (s *Session) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s.logger.Info().Msg("session shutting down")
	s.flattenAll(ctx, "shutdown")
	s.engine.CancelAllOrders(ctx)

	date := s.now().UTC().Format("2006-01-02")
	if report, err := s.sink.EODReport(ctx, date); err != nil {
		s.logger.Warn().Err(err).Msg("EOD report failed")
	} else {
		s.logger.Info().Msg("EOD report written")
		fmt.Println(report)
	}
}

func (s *Session) logDecision(ctx context.Context, symbol, decision, reason string, filters map[string]any) {
	err := s.sink.LogDecision(ctx, telemetry.Decision{
		Symbol:   symbol,
		Strategy: s.cfg.Strategy.Kind,
		Decision: decision,
		Reason:   reason,
		Filters:  filters,
	})
	if err != nil {
		s.logger.Warn().Err(err).Msg("telemetry decision write failed")
	}
}

func (s *Session) logDecisionWithTrade(ctx context.Context, p *models.Position, decision, reason string, filters map[string]any) {
	err := s.sink.LogDecision(ctx, telemetry.Decision{
		Symbol:   p.Symbol,
		Strategy: string(p.Strategy),
		Decision: decision,
		Reason:   reason,
		Filters:  filters,
		TradeID:  p.ID,
	})
	if err != nil {
		s.logger.Warn().Err(err).Msg("telemetry decision write failed")
	}
}

func (s *Session) logPnL(ctx context.Context, p *models.Position, last float64) {
	err := s.sink.LogPnLSnapshot(ctx, telemetry.PnLSnapshot{
		Symbol:          p.Symbol,
		PositionID:      p.ID,
		UnrealizedPnL:   p.CurrentPnL,
		TotalPnL:        p.CurrentPnL,
		UnderlyingPrice: last,
	})
	if err != nil {
		s.logger.Warn().Err(err).Msg("telemetry pnl write failed")
	}
}
