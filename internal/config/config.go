// Package config provides configuration management for the trading bot.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"

	"github.com/oriphim/premium-harvester/internal/logging"
)

const (
	// defaultFlattenBeforeClose closes everything this many minutes
	// before the session end when unset.
	defaultFlattenBeforeClose = 10
	// defaultEvalInterval is used when trade_window.eval_interval is unset
	defaultEvalInterval = "1m"
	// defaultManageInterval is used when trade_window.manage_interval is unset
	defaultManageInterval = "30s"
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Broker      BrokerConfig      `yaml:"broker"`
	TradeWindow TradeWindowConfig `yaml:"trade_window"`
	Symbols     SymbolsConfig     `yaml:"symbols"`
	Strategy    StrategyConfig    `yaml:"strategy"`
	Risk        RiskConfig        `yaml:"risk"`
	Execution   ExecutionConfig   `yaml:"execution"`
	Storage     StorageConfig     `yaml:"storage"`
	Dashboard   DashboardConfig   `yaml:"dashboard"`
	Logging     logging.Config    `yaml:"logging"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode string `yaml:"mode"` // paper | live
}

// BrokerConfig defines the venue session settings.
type BrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	ClientID int    `yaml:"client_id"`
}

// TradeWindowConfig defines the trading session and its cadence.
type TradeWindowConfig struct {
	Start                 string `yaml:"start"`    // "HH:MM"
	End                   string `yaml:"end"`      // "HH:MM"
	Timezone              string `yaml:"timezone"` // e.g. "America/New_York"
	FlattenBeforeCloseMin int    `yaml:"flatten_before_close_min"`
	EvalInterval          string `yaml:"eval_interval"`
	ManageInterval        string `yaml:"manage_interval"`
}

// SymbolsConfig names the traded and monitored instruments.
type SymbolsConfig struct {
	Primary string `yaml:"primary"`
	Backup  string `yaml:"backup"`
	VIX     string `yaml:"vix"`
}

// StrategyConfig defines spread construction parameters.
type StrategyConfig struct {
	Kind            string  `yaml:"kind"` // put_credit_spread | iron_condor | covered_call
	SpreadWidth     float64 `yaml:"spread_width"`
	MinCredit       float64 `yaml:"min_credit"`
	TargetDelta     float64 `yaml:"target_delta"`
	DeltaMin        float64 `yaml:"delta_min"`
	DeltaMax        float64 `yaml:"delta_max"`
	MaxDTE          int     `yaml:"max_dte"`
	ProfitTargetPct float64 `yaml:"profit_target_pct"`
	BreachStopRatio float64 `yaml:"breach_stop_ratio"`
	WingMultiplier  float64 `yaml:"wing_multiplier"`
	SharesOwned     int     `yaml:"shares_owned"`
}

// RiskConfig defines risk management parameters.
type RiskConfig struct {
	MaxDailyLoss    float64 `yaml:"max_daily_loss"`
	MaxLossPerTrade float64 `yaml:"max_loss_per_trade"`
	MaxPositions    int     `yaml:"max_positions"`
	VIXSpikePoints  float64 `yaml:"vix_spike_points"`
}

// ExecutionConfig bounds the order execution loop.
type ExecutionConfig struct {
	TimeoutSeconds  int     `yaml:"timeout_seconds"`
	MaxRequotes     int     `yaml:"max_requotes"`
	BidAskSpreadMax float64 `yaml:"bid_ask_spread_max"`
}

// StorageConfig defines where state and telemetry live on disk.
type StorageConfig struct {
	RiskStatePath string `yaml:"risk_state_path"`
	TelemetryPath string `yaml:"telemetry_path"`
	ReportDir     string `yaml:"report_dir"`
}

// DashboardConfig defines the read-only HTTP status server.
type DashboardConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Listen    string `yaml:"listen"`
	AuthToken string `yaml:"auth_token"`
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	config := Default()
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return config, nil
}

// Default returns a config with the standard paper-trading values.
func Default() *Config {
	return &Config{
		Environment: EnvironmentConfig{Mode: "paper"},
		Broker:      BrokerConfig{Host: "127.0.0.1", Port: 7497, ClientID: 1},
		TradeWindow: TradeWindowConfig{
			Start:                 "09:45",
			End:                   "15:55",
			Timezone:              "America/New_York",
			FlattenBeforeCloseMin: defaultFlattenBeforeClose,
			EvalInterval:          defaultEvalInterval,
			ManageInterval:        defaultManageInterval,
		},
		Symbols: SymbolsConfig{Primary: "SPY", Backup: "QQQ", VIX: "VIX"},
		Strategy: StrategyConfig{
			Kind:            "put_credit_spread",
			SpreadWidth:     5,
			MinCredit:       0.30,
			TargetDelta:     0.30,
			DeltaMin:        0.05,
			DeltaMax:        0.15,
			MaxDTE:          1,
			ProfitTargetPct: 0.50,
			BreachStopRatio: 0.50,
			WingMultiplier:  1.3,
		},
		Risk: RiskConfig{
			MaxDailyLoss:    500,
			MaxLossPerTrade: 250,
			MaxPositions:    3,
			VIXSpikePoints:  5,
		},
		Execution: ExecutionConfig{
			TimeoutSeconds:  10,
			MaxRequotes:     3,
			BidAskSpreadMax: 0.05,
		},
		Storage: StorageConfig{
			RiskStatePath: "data/risk_state.json",
			TelemetryPath: "data/telemetry.db",
			ReportDir:     "data/reports",
		},
		Dashboard: DashboardConfig{Listen: "127.0.0.1:8787"},
		Logging:   logging.DefaultConfig(),
	}
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}

	if c.Broker.Host == "" {
		return fmt.Errorf("broker.host is required")
	}
	if c.Broker.Port <= 0 || c.Broker.Port > 65535 {
		return fmt.Errorf("broker.port must be a valid TCP port")
	}
	if c.Broker.ClientID < 0 {
		return fmt.Errorf("broker.client_id must be >= 0")
	}

	if c.Symbols.Primary == "" {
		return fmt.Errorf("symbols.primary is required")
	}

	switch c.Strategy.Kind {
	case "put_credit_spread", "iron_condor", "covered_call":
	default:
		return fmt.Errorf("strategy.kind must be put_credit_spread, iron_condor or covered_call")
	}
	if c.Strategy.Kind == "put_credit_spread" && c.Strategy.SpreadWidth <= 0 {
		return fmt.Errorf("strategy.spread_width must be > 0")
	}
	if c.Strategy.MinCredit <= 0 {
		return fmt.Errorf("strategy.min_credit must be > 0")
	}
	if c.Strategy.DeltaMin < 0 || c.Strategy.DeltaMax <= 0 || c.Strategy.DeltaMin >= c.Strategy.DeltaMax {
		return fmt.Errorf("strategy delta band invalid: need 0 <= delta_min < delta_max")
	}
	if c.Strategy.MaxDTE < 0 {
		return fmt.Errorf("strategy.max_dte must be >= 0")
	}
	if c.Strategy.ProfitTargetPct <= 0 || c.Strategy.ProfitTargetPct >= 1 {
		return fmt.Errorf("strategy.profit_target_pct must be in (0,1)")
	}
	if c.Strategy.BreachStopRatio < 0 || c.Strategy.BreachStopRatio > 1 {
		return fmt.Errorf("strategy.breach_stop_ratio must be in [0,1]")
	}
	if c.Strategy.Kind == "iron_condor" && c.Strategy.WingMultiplier <= 1 {
		return fmt.Errorf("strategy.wing_multiplier must be > 1")
	}
	if c.Strategy.Kind == "covered_call" && c.Strategy.SharesOwned < 100 {
		return fmt.Errorf("strategy.shares_owned must be >= 100 for covered calls")
	}

	if c.Risk.MaxDailyLoss <= 0 {
		return fmt.Errorf("risk.max_daily_loss must be > 0")
	}
	if c.Risk.MaxLossPerTrade <= 0 {
		return fmt.Errorf("risk.max_loss_per_trade must be > 0")
	}
	if c.Risk.MaxPositions <= 0 {
		return fmt.Errorf("risk.max_positions must be > 0")
	}
	if c.Risk.VIXSpikePoints < 0 {
		return fmt.Errorf("risk.vix_spike_points must be >= 0")
	}

	if c.Execution.TimeoutSeconds <= 0 {
		return fmt.Errorf("execution.timeout_seconds must be > 0")
	}
	if c.Execution.MaxRequotes < 0 {
		return fmt.Errorf("execution.max_requotes must be >= 0")
	}
	if c.Execution.BidAskSpreadMax <= 0 {
		return fmt.Errorf("execution.bid_ask_spread_max must be > 0")
	}

	if c.TradeWindow.FlattenBeforeCloseMin < 0 {
		return fmt.Errorf("trade_window.flatten_before_close_min must be >= 0")
	}
	if _, err := time.ParseDuration(c.TradeWindow.EvalInterval); err != nil {
		return fmt.Errorf("trade_window.eval_interval invalid: %w", err)
	}
	if _, err := time.ParseDuration(c.TradeWindow.ManageInterval); err != nil {
		return fmt.Errorf("trade_window.manage_interval invalid: %w", err)
	}
	loc := c.Location()
	s, err1 := time.ParseInLocation("15:04", c.TradeWindow.Start, loc)
	e, err2 := time.ParseInLocation("15:04", c.TradeWindow.End, loc)
	if err1 != nil || err2 != nil || (s.Hour() > e.Hour() || (s.Hour() == e.Hour() && s.Minute() >= e.Minute())) {
		return fmt.Errorf("trade window invalid (start/end parse/order)")
	}

	if c.Dashboard.Enabled && c.Dashboard.Listen == "" {
		return fmt.Errorf("dashboard.listen is required when the dashboard is enabled")
	}

	return nil
}

// IsPaperTrading returns true if the bot is configured for paper trading.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

// Location resolves the configured trading timezone, falling back to a
// fixed eastern offset for minimal containers.
func (c *Config) Location() *time.Location {
	tz := c.TradeWindow.Timezone
	if tz == "" {
		tz = "America/New_York"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.FixedZone("ET", -5*60*60)
	}
	return loc
}

// EvalInterval returns how often entries are evaluated.
func (c *Config) EvalInterval() time.Duration {
	d, err := time.ParseDuration(c.TradeWindow.EvalInterval)
	if err != nil {
		return time.Minute
	}
	return d
}

// ManageInterval returns how often open positions are checked.
func (c *Config) ManageInterval() time.Duration {
	d, err := time.ParseDuration(c.TradeWindow.ManageInterval)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// ExecutionTimeout returns the per-attempt fill wait.
func (c *Config) ExecutionTimeout() time.Duration {
	return time.Duration(c.Execution.TimeoutSeconds) * time.Second
}

// IsWithinTradingHours checks if the given time falls within the
// configured weekday trading window.
func (c *Config) IsWithinTradingHours(now time.Time) bool {
	loc := c.Location()
	today := now.In(loc)

	if today.Weekday() == time.Saturday || today.Weekday() == time.Sunday {
		return false
	}

	start, end, ok := c.windowFor(today, loc)
	if !ok {
		return false
	}
	// Inclusive start, exclusive end
	return !today.Before(start) && today.Before(end)
}

// ShouldFlatten reports whether now is inside the pre-close flatten
// buffer at the end of the trading window.
func (c *Config) ShouldFlatten(now time.Time) bool {
	loc := c.Location()
	today := now.In(loc)
	if today.Weekday() == time.Saturday || today.Weekday() == time.Sunday {
		return false
	}
	_, end, ok := c.windowFor(today, loc)
	if !ok {
		return false
	}
	cutoff := end.Add(-time.Duration(c.TradeWindow.FlattenBeforeCloseMin) * time.Minute)
	return !today.Before(cutoff)
}

func (c *Config) windowFor(today time.Time, loc *time.Location) (start, end time.Time, ok bool) {
	startClock, err1 := time.ParseInLocation("15:04", c.TradeWindow.Start, loc)
	endClock, err2 := time.ParseInLocation("15:04", c.TradeWindow.End, loc)
	if err1 != nil || err2 != nil {
		return time.Time{}, time.Time{}, false
	}
	start = time.Date(today.Year(), today.Month(), today.Day(),
		startClock.Hour(), startClock.Minute(), 0, 0, loc)
	end = time.Date(today.Year(), today.Month(), today.Day(),
		endClock.Hour(), endClock.Minute(), 0, 0, loc)
	return start, end, true
}
