package broker

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// CircuitBreakerGateway wraps a Gateway with circuit breaker functionality.
type CircuitBreakerGateway struct {
	gateway Gateway
	breaker *gobreaker.CircuitBreaker
}

var _ Gateway = (*CircuitBreakerGateway)(nil)

// execBreaker is a generic helper for circuit breaker wrapper methods.
func execBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	gateway Gateway,
	fn func(Gateway) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(gateway) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// BreakerSettings configures circuit breaker behavior.
type BreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// NewCircuitBreakerGateway wraps gateway with sensible defaults.
func NewCircuitBreakerGateway(gateway Gateway, logger zerolog.Logger) *CircuitBreakerGateway {
	return NewCircuitBreakerGatewayWithSettings(gateway, BreakerSettings{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	}, logger)
}

// NewCircuitBreakerGatewayWithSettings wraps gateway with custom settings.
func NewCircuitBreakerGatewayWithSettings(gateway Gateway, settings BreakerSettings, logger zerolog.Logger) *CircuitBreakerGateway {
	log := logger.With().Str("component", "circuit_breaker").Logger()
	gbSettings := gobreaker.Settings{
		Name:        "VenueGateway",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("circuit breaker state changed")
		},
	}
	return &CircuitBreakerGateway{
		gateway: gateway,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// Connect wraps the underlying gateway call with the circuit breaker.
func (c *CircuitBreakerGateway) Connect(ctx context.Context) error {
	_, err := execBreaker(c.breaker, c.gateway, func(g Gateway) (struct{}, error) {
		return struct{}{}, g.Connect(ctx)
	})
	return err
}

// Reconnect wraps the underlying gateway call with the circuit breaker.
func (c *CircuitBreakerGateway) Reconnect(ctx context.Context) error {
	_, err := execBreaker(c.breaker, c.gateway, func(g Gateway) (struct{}, error) {
		return struct{}{}, g.Reconnect(ctx)
	})
	return err
}

// Disconnect bypasses the breaker; teardown must always go through.
func (c *CircuitBreakerGateway) Disconnect() error {
	return c.gateway.Disconnect()
}

// Connected bypasses the breaker; it is a local state check.
func (c *CircuitBreakerGateway) Connected() bool {
	return c.gateway.Connected()
}

// MarketSnapshot wraps the underlying gateway call with the circuit breaker.
func (c *CircuitBreakerGateway) MarketSnapshot(ctx context.Context, symbol string) (*MarketSnapshot, error) {
	return execBreaker(c.breaker, c.gateway, func(g Gateway) (*MarketSnapshot, error) {
		return g.MarketSnapshot(ctx, symbol)
	})
}

// OptionChain wraps the underlying gateway call with the circuit breaker.
func (c *CircuitBreakerGateway) OptionChain(ctx context.Context, symbol string) (*OptionChain, error) {
	return execBreaker(c.breaker, c.gateway, func(g Gateway) (*OptionChain, error) {
		return g.OptionChain(ctx, symbol)
	})
}

// OptionQuotes wraps the underlying gateway call with the circuit breaker.
func (c *CircuitBreakerGateway) OptionQuotes(ctx context.Context, symbol, expiry string, strikes []float64, right Right) ([]OptionQuote, error) {
	return execBreaker(c.breaker, c.gateway, func(g Gateway) ([]OptionQuote, error) {
		return g.OptionQuotes(ctx, symbol, expiry, strikes, right)
	})
}

// ComboQuote wraps the underlying gateway call with the circuit breaker.
func (c *CircuitBreakerGateway) ComboQuote(ctx context.Context, combo Combo) (*ComboQuote, error) {
	return execBreaker(c.breaker, c.gateway, func(g Gateway) (*ComboQuote, error) {
		return g.ComboQuote(ctx, combo)
	})
}

// PlaceComboOrder wraps the underlying gateway call with the circuit breaker.
func (c *CircuitBreakerGateway) PlaceComboOrder(ctx context.Context, combo Combo, side Side, quantity int, limitPrice float64, tif TIF) (int, error) {
	return execBreaker(c.breaker, c.gateway, func(g Gateway) (int, error) {
		return g.PlaceComboOrder(ctx, combo, side, quantity, limitPrice, tif)
	})
}

// OrderState wraps the underlying gateway call with the circuit breaker.
func (c *CircuitBreakerGateway) OrderState(ctx context.Context, orderID int) (OrderStatus, error) {
	return execBreaker(c.breaker, c.gateway, func(g Gateway) (OrderStatus, error) {
		return g.OrderState(ctx, orderID)
	})
}

// CancelOrder bypasses the breaker; cancels must reach the venue even
// when the circuit is open.
func (c *CircuitBreakerGateway) CancelOrder(ctx context.Context, orderID int) error {
	return c.gateway.CancelOrder(ctx, orderID)
}

// CancelAllOrders bypasses the breaker for the same reason as CancelOrder.
func (c *CircuitBreakerGateway) CancelAllOrders(ctx context.Context) (int, error) {
	return c.gateway.CancelAllOrders(ctx)
}
