package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/oriphim/premium-harvester/internal/broker"
	"github.com/oriphim/premium-harvester/internal/config"
	"github.com/oriphim/premium-harvester/internal/dashboard"
	"github.com/oriphim/premium-harvester/internal/exec"
	"github.com/oriphim/premium-harvester/internal/logging"
	"github.com/oriphim/premium-harvester/internal/models"
	"github.com/oriphim/premium-harvester/internal/risk"
	"github.com/oriphim/premium-harvester/internal/spread"
	"github.com/oriphim/premium-harvester/internal/telemetry"
)

func main() {
	var configPath string
	var dryRun bool
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.BoolVar(&dryRun, "dry-run", false, "Evaluate and record decisions without submitting orders")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Logging)
	logger.Info().Str("mode", cfg.Environment.Mode).Str("symbol", cfg.Symbols.Primary).
		Str("strategy", cfg.Strategy.Kind).Msg("starting premium harvester")

	if cfg.IsPaperTrading() {
		logger.Info().Msg("paper trading mode, no real money at risk")
	} else {
		logger.Warn().Msg("live trading mode, real money at risk")
		logger.Info().Msg("waiting 10 seconds to confirm")
		time.Sleep(10 * time.Second)
	}

	var conn broker.Conn
	if cfg.IsPaperTrading() {
		conn = broker.NewSimConn()
	} else {
		logger.Fatal().Msg("no live venue connector is configured; set environment.mode to paper")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	venue := broker.NewVenueGateway(conn, cfg.Broker.Host, cfg.Broker.Port, cfg.Broker.ClientID, logger)
	gateway := broker.NewCircuitBreakerGateway(venue, logger)
	if err := gateway.Connect(ctx); err != nil {
		logger.Fatal().Err(err).Msg("venue connection failed")
	}
	defer func() {
		if err := gateway.Disconnect(); err != nil {
			logger.Warn().Err(err).Msg("venue disconnect failed")
		}
	}()

	store, err := risk.NewFileStore(cfg.Storage.RiskStatePath)
	if err != nil {
		logger.Fatal().Err(err).Msg("risk store init failed")
	}
	ledger, err := risk.NewLedger(store, risk.Limits{
		MaxDailyLoss:    cfg.Risk.MaxDailyLoss,
		MaxLossPerTrade: cfg.Risk.MaxLossPerTrade,
		MaxPositions:    cfg.Risk.MaxPositions,
		VIXSpikePoints:  cfg.Risk.VIXSpikePoints,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("risk ledger init failed")
	}

	sink, err := telemetry.NewSQLiteSink(cfg.Storage.TelemetryPath, cfg.Storage.ReportDir, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("telemetry init failed")
	}
	defer func() {
		if err := sink.Close(); err != nil {
			logger.Warn().Err(err).Msg("telemetry close failed")
		}
	}()

	engine := exec.NewEngine(gateway, sink, exec.Config{
		Timeout:         cfg.ExecutionTimeout(),
		MaxRequotes:     cfg.Execution.MaxRequotes,
		MaxBidAskSpread: cfg.Execution.BidAskSpreadMax,
	}, logger)

	book := models.NewBook()
	builder := spread.NewBuilder(gateway, logger)
	session := NewSession(cfg, gateway, builder, ledger, engine, sink, book, logger)
	session.dryRun = dryRun
	if dryRun {
		logger.Info().Msg("dry run, decisions are recorded but no orders are submitted")
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return session.Run(ctx)
	})

	if cfg.Dashboard.Enabled {
		srv := dashboard.NewServer(dashboard.Config{
			Listen:    cfg.Dashboard.Listen,
			AuthToken: cfg.Dashboard.AuthToken,
		}, ledger, book, sink, logger)
		g.Go(func() error {
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("dashboard: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("bot stopped with error")
		os.Exit(1)
	}
	logger.Info().Msg("bot stopped")
}
