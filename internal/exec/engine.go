// Package exec drives approved spreads through a bounded requote and
// retry loop against the venue.
package exec

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/oriphim/premium-harvester/internal/broker"
	"github.com/oriphim/premium-harvester/internal/telemetry"
	"github.com/oriphim/premium-harvester/internal/util"
)

// Status is the engine-level order outcome.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSubmitted Status = "submitted"
	StatusFilled    Status = "filled"
	StatusCancelled Status = "cancelled"
	StatusRejected  Status = "rejected"
	StatusTimeout   Status = "timeout"
)

// Result reports one ExecuteSpreadOrder call. Attempts counts orders
// actually submitted to the venue.
type Result struct {
	Success       bool      `json:"success"`
	OrderID       int       `json:"order_id,omitempty"`
	FillPrice     float64   `json:"fill_price,omitempty"`
	FillQuantity  float64   `json:"fill_quantity,omitempty"`
	Status        Status    `json:"status"`
	Message       string    `json:"message,omitempty"`
	ExecutionTime time.Time `json:"execution_time,omitempty"`
	Attempts      int       `json:"attempts"`
}

// Config bounds the execution loop.
type Config struct {
	Timeout         time.Duration // per-attempt fill wait
	MaxRequotes     int           // retries after the initial attempt
	MaxBidAskSpread float64       // widest combo market worth crossing
	PollInterval    time.Duration
	RequotePause    time.Duration
}

// DefaultConfig returns the standard execution bounds.
func DefaultConfig() Config {
	return Config{
		Timeout:         10 * time.Second,
		MaxRequotes:     3,
		MaxBidAskSpread: 0.05,
		PollInterval:    500 * time.Millisecond,
		RequotePause:    500 * time.Millisecond,
	}
}

// Engine executes combo orders with smart pricing and bounded retries.
type Engine struct {
	gateway broker.Gateway
	sink    telemetry.Sink
	cfg     Config
	logger  zerolog.Logger
}

// NewEngine creates an engine. Zero-valued config fields fall back to
// defaults.
func NewEngine(gateway broker.Gateway, sink telemetry.Sink, cfg Config, logger zerolog.Logger) *Engine {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxRequotes < 0 {
		cfg.MaxRequotes = def.MaxRequotes
	}
	if cfg.MaxBidAskSpread <= 0 {
		cfg.MaxBidAskSpread = def.MaxBidAskSpread
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.RequotePause <= 0 {
		cfg.RequotePause = def.RequotePause
	}
	return &Engine{
		gateway: gateway,
		sink:    sink,
		cfg:     cfg,
		logger:  logger.With().Str("component", "exec_engine").Logger(),
	}
}

// ExecuteSpreadOrder works a limit order for the combo until it fills,
// the attempt budget runs out, or the market is unusable. The first
// attempt rests as a day order; requotes go in immediate-or-cancel,
// each a cent more aggressive.
func (e *Engine) ExecuteSpreadOrder(ctx context.Context, combo broker.Combo, side broker.Side, quantity int, targetPrice *float64) Result {
	result := Result{Status: StatusPending}

	quote, err := e.gateway.ComboQuote(ctx, combo)
	if err != nil {
		result.Status = StatusRejected
		result.Message = fmt.Sprintf("combo quote failed: %v", err)
		return result
	}
	if quote == nil {
		result.Message = "no market data for combo"
		return result
	}
	if quote.Spread > e.cfg.MaxBidAskSpread {
		result.Message = fmt.Sprintf("spread too wide: $%.3f > $%.3f", quote.Spread, e.cfg.MaxBidAskSpread)
		return result
	}

	var limitPrice float64
	if targetPrice != nil {
		limitPrice = *targetPrice
	} else {
		limitPrice = smartPrice(side, quote, 1)
	}
	e.logger.Info().Str("symbol", combo.Symbol).Str("side", string(side)).
		Float64("limit", limitPrice).Float64("mid", quote.Mid).Msg("starting spread execution")

	maxAttempts := e.cfg.MaxRequotes + 1
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		tif := broker.TIFDay
		if attempt > 1 {
			tif = broker.TIFIOC
		}

		orderID, err := e.gateway.PlaceComboOrder(ctx, combo, side, quantity, limitPrice, tif)
		if err != nil {
			result.Status = StatusRejected
			result.Message = fmt.Sprintf("order placement failed: %v", err)
			return result
		}
		result.Attempts++
		result.OrderID = orderID
		result.Status = StatusSubmitted

		e.logOrder(ctx, telemetry.Order{
			OrderID:    orderID,
			Symbol:     combo.Symbol,
			Side:       string(side),
			Quantity:   quantity,
			LimitPrice: limitPrice,
			Attempt:    attempt,
			Status:     string(StatusSubmitted),
		})

		status, timedOut := e.awaitTerminal(ctx, orderID)

		switch {
		case status.State == broker.StateFilled:
			result.Success = true
			result.Status = StatusFilled
			result.FillPrice = status.AvgFillPrice
			result.FillQuantity = status.Filled
			result.ExecutionTime = time.Now().UTC()
			result.Message = fmt.Sprintf("filled %.0f at $%.3f", result.FillQuantity, result.FillPrice)
			e.logFill(ctx, telemetry.Fill{
				OrderID:      orderID,
				Symbol:       combo.Symbol,
				FillPrice:    result.FillPrice,
				FillQuantity: result.FillQuantity,
			})
			return result

		case ctx.Err() != nil:
			e.cancelQuietly(orderID)
			result.Status = StatusCancelled
			result.Message = "execution stopped by shutdown"
			return result

		case status.State == broker.StateRejected:
			result.Status = StatusRejected
			result.Message = "order rejected by venue"
			return result

		case status.State == broker.StateCancelled || status.State == broker.StateAPICancelled:
			result.Status = StatusCancelled
			e.logger.Info().Int("attempt", attempt).Msg("order cancelled by venue")
			if attempt == maxAttempts {
				break
			}
			fresh, err := e.gateway.ComboQuote(ctx, combo)
			if err != nil || fresh == nil {
				result.Message = "could not get fresh quotes for requote"
				return result
			}
			limitPrice = smartPrice(side, fresh, attempt)
			e.logger.Info().Float64("limit", limitPrice).Int("next_attempt", attempt+1).Msg("requoting")
			if err := sleepCtx(ctx, e.cfg.RequotePause); err != nil {
				result.Message = "execution stopped by shutdown"
				return result
			}

		case timedOut:
			e.logger.Warn().Dur("timeout", e.cfg.Timeout).Int("order_id", orderID).
				Msg("order timed out, cancelling")
			e.cancelQuietly(orderID)
			result.Status = StatusTimeout
		}
	}

	result.Message = fmt.Sprintf("failed after %d attempts", result.Attempts)
	e.logger.Error().Int("attempts", result.Attempts).Str("symbol", combo.Symbol).
		Msg("spread execution exhausted all attempts")
	return result
}

// CancelOrder cancels one working order. A missing or already-terminal
// order is reported as false, not an error.
func (e *Engine) CancelOrder(ctx context.Context, orderID int) bool {
	if err := e.gateway.CancelOrder(ctx, orderID); err != nil {
		e.logger.Warn().Err(err).Int("order_id", orderID).Msg("cancel failed")
		return false
	}
	return true
}

// CancelAllOrders sweeps every working order.
func (e *Engine) CancelAllOrders(ctx context.Context) int {
	n, err := e.gateway.CancelAllOrders(ctx)
	if err != nil {
		e.logger.Warn().Err(err).Msg("cancel-all failed")
		return 0
	}
	if n > 0 {
		e.logger.Info().Int("cancelled", n).Msg("cancelled open orders")
	}
	return n
}

// awaitTerminal polls the order until it reaches a terminal state or
// the per-attempt timeout passes. The bool reports a timeout.
func (e *Engine) awaitTerminal(ctx context.Context, orderID int) (broker.OrderStatus, bool) {
	deadline := time.Now().Add(e.cfg.Timeout)
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	var last broker.OrderStatus
	for {
		status, err := e.gateway.OrderState(ctx, orderID)
		if err != nil {
			e.logger.Warn().Err(err).Int("order_id", orderID).Msg("order status poll failed")
		} else {
			last = status
			if status.State.Terminal() {
				return status, false
			}
		}
		if time.Now().After(deadline) {
			return last, true
		}
		select {
		case <-ctx.Done():
			return last, true
		case <-ticker.C:
		}
	}
}

func (e *Engine) cancelQuietly(orderID int) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.gateway.CancelOrder(ctx, orderID); err != nil {
		e.logger.Warn().Err(err).Int("order_id", orderID).Msg("cancel failed")
	}
}

func (e *Engine) logOrder(ctx context.Context, o telemetry.Order) {
	if err := e.sink.LogOrder(ctx, o); err != nil {
		e.logger.Warn().Err(err).Msg("telemetry order write failed")
	}
}

func (e *Engine) logFill(ctx context.Context, f telemetry.Fill) {
	if err := e.sink.LogFill(ctx, f); err != nil {
		e.logger.Warn().Err(err).Msg("telemetry fill write failed")
	}
}

// smartPrice steps a cent per attempt through the mid toward the
// aggressive side without crossing it.
func smartPrice(side broker.Side, quote *broker.ComboQuote, attempt int) float64 {
	step := 0.01 * float64(attempt)
	if side == broker.SideSell {
		return util.RoundToTick(math.Max(quote.Bid, quote.Mid-step), 0.01)
	}
	return util.RoundToTick(math.Min(quote.Ask, quote.Mid+step), 0.01)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
