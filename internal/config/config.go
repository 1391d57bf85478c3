// Package config loads and validates application settings.
//
// Settings come from three layers with the usual precedence: CLI flags beat
// environment variables, which beat the YAML settings file. Broker credentials
// are only ever read from the environment (or a .env file).
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Error indicates invalid or missing configuration. Configuration problems
// are detected before any per-account work begins and abort the whole run.
type Error struct {
	Msg string
}

func (e *Error) Error() string { return e.Msg }

func errf(format string, args ...any) *Error {
	return &Error{Msg: fmt.Sprintf(format, args...)}
}

const modelMixTolerance = 0.001

// Broker holds connection settings for the brokerage API.
type Broker struct {
	BaseURL            string  `yaml:"base_url"`
	AccountID          string  `yaml:"account_id"`
	ReadOnly           bool    `yaml:"read_only"`
	Paper              bool    `yaml:"paper"`
	ConnectRetries     int     `yaml:"connect_retries"`
	ConnectBackoffSec  float64 `yaml:"connect_backoff_sec"`
	SnapshotTimeoutSec float64 `yaml:"snapshot_timeout_sec"`

	// Credentials come from APCA_API_KEY_ID / APCA_API_SECRET_KEY only.
	APIKey    string `yaml:"-"`
	APISecret string `yaml:"-"`
}

// ConnectBackoff returns the initial retry delay for connect/disconnect.
func (b Broker) ConnectBackoff() time.Duration {
	return time.Duration(b.ConnectBackoffSec * float64(time.Second))
}

// SnapshotTimeout bounds a single account snapshot request.
func (b Broker) SnapshotTimeout() time.Duration {
	return time.Duration(b.SnapshotTimeoutSec * float64(time.Second))
}

// Models is the relative mix of the model portfolios. The three weights must
// sum to 1.0.
type Models struct {
	Smurf  float64 `yaml:"smurf"`
	Badass float64 `yaml:"badass"`
	Gltr   float64 `yaml:"gltr"`
}

// Rebalance controls drift triggering and trade sizing.
type Rebalance struct {
	TriggerMode           string  `yaml:"trigger_mode"` // "", per_holding, total_drift
	PerHoldingBandBps     int     `yaml:"per_holding_band_bps"`
	PortfolioTotalBandBps int     `yaml:"portfolio_total_band_bps"`
	MinOrderUSD           float64 `yaml:"min_order_usd"`
	CashBufferType        string  `yaml:"cash_buffer_type"` // pct or abs
	CashBufferPct         float64 `yaml:"cash_buffer_pct"`  // decimal fraction
	CashBufferAbs         float64 `yaml:"cash_buffer_abs"`
	AllowFractional       bool    `yaml:"allow_fractional"`
	MaxLeverage           float64 `yaml:"max_leverage"`
	MaxPasses             int     `yaml:"max_passes"`
	PreferRTH             bool    `yaml:"prefer_rth"`
}

// Reserve returns the cash buffer in dollars for the given net liquidation
// value.
func (r Rebalance) Reserve(netLiq float64) float64 {
	if r.CashBufferType == "pct" {
		return netLiq * r.CashBufferPct
	}
	return r.CashBufferAbs
}

// Pricing selects where prices come from.
type Pricing struct {
	PriceSource        string  `yaml:"price_source"` // last, close, bid, ask, mid
	FallbackToSnapshot bool    `yaml:"fallback_to_snapshot"`
	PriceMaxAgeSec     float64 `yaml:"price_max_age_sec"` // 0 = no staleness check
}

// PriceMaxAge returns the staleness window, or 0 when disabled.
func (p Pricing) PriceMaxAge() time.Duration {
	return time.Duration(p.PriceMaxAgeSec * float64(time.Second))
}

// Execution holds order submission preferences.
type Execution struct {
	OrderType            string  `yaml:"order_type"`      // market or limit
	AlgoPreference       string  `yaml:"algo_preference"` // none, adaptive, midprice
	FallbackPlainMarket  bool    `yaml:"fallback_plain_market"`
	FillTimeoutSec       float64 `yaml:"fill_timeout_sec"`
	PollIntervalSec      float64 `yaml:"poll_interval_sec"`
	CommissionTimeoutSec float64 `yaml:"commission_timeout_sec"`
	CommissionPollSec    float64 `yaml:"commission_poll_sec"`
	OrdersPerSecond      float64 `yaml:"orders_per_second"` // 0 = unpaced
}

func (e Execution) FillTimeout() time.Duration {
	return time.Duration(e.FillTimeoutSec * float64(time.Second))
}

func (e Execution) PollInterval() time.Duration {
	return time.Duration(e.PollIntervalSec * float64(time.Second))
}

func (e Execution) CommissionTimeout() time.Duration {
	return time.Duration(e.CommissionTimeoutSec * float64(time.Second))
}

func (e Execution) CommissionPoll() time.Duration {
	return time.Duration(e.CommissionPollSec * float64(time.Second))
}

// IO holds report and logging destinations.
type IO struct {
	ReportDir    string `yaml:"report_dir"`
	LogLevel     string `yaml:"log_level"`
	PortfolioCSV string `yaml:"portfolio_csv"`
}

// AccountOverride is a sparse delta applied on top of the base configuration
// for one account. Nil fields leave the base value untouched.
type AccountOverride struct {
	MinOrderUSD     *float64 `yaml:"min_order_usd"`
	AllowFractional *bool    `yaml:"allow_fractional"`
	CashBufferType  *string  `yaml:"cash_buffer_type"`
	CashBufferPct   *float64 `yaml:"cash_buffer_pct"`
	CashBufferAbs   *float64 `yaml:"cash_buffer_abs"`
	MaxLeverage     *float64 `yaml:"max_leverage"`
	MaxPasses       *int     `yaml:"max_passes"`
	ReadOnly        *bool    `yaml:"read_only"`
	Models          *Models  `yaml:"models"`
	PortfolioCSV    *string  `yaml:"portfolio_csv"`
}

// Accounts lists the accounts to rebalance and how to confirm them.
type Accounts struct {
	List        []string                   `yaml:"ids"`
	ConfirmMode string                     `yaml:"confirm_mode"` // per_account or global
	Parallel    bool                       `yaml:"parallel"`
	PacingSec   float64                    `yaml:"pacing_sec"`
	Overrides   map[string]AccountOverride `yaml:"overrides"`
}

// Pacing returns the delay between account starts (concurrent stagger) or
// between accounts and phases (sequential mode).
func (a Accounts) Pacing() time.Duration {
	return time.Duration(a.PacingSec * float64(time.Second))
}

// Config is the full per-run configuration. Per-account variants are produced
// by MergeAccountOverrides, never by mutating a shared value.
type Config struct {
	Broker    Broker    `yaml:"broker"`
	Models    Models    `yaml:"models"`
	Rebalance Rebalance `yaml:"rebalance"`
	Pricing   Pricing   `yaml:"pricing"`
	Execution Execution `yaml:"execution"`
	IO        IO        `yaml:"io"`
	Accounts  Accounts  `yaml:"accounts"`
}

// Default returns the built-in settings used when the YAML file omits a key.
func Default() Config {
	return Config{
		Broker: Broker{
			BaseURL:            "https://paper-api.alpaca.markets",
			ConnectRetries:     3,
			ConnectBackoffSec:  0.5,
			SnapshotTimeoutSec: 10,
		},
		Models: Models{Smurf: 1.0},
		Rebalance: Rebalance{
			MinOrderUSD:    100,
			CashBufferType: "abs",
			MaxLeverage:    1.0,
			MaxPasses:      1,
		},
		Pricing: Pricing{
			PriceSource:        "last",
			FallbackToSnapshot: true,
		},
		Execution: Execution{
			OrderType:            "market",
			AlgoPreference:       "none",
			FallbackPlainMarket:  true,
			FillTimeoutSec:       60,
			PollIntervalSec:      0.25,
			CommissionTimeoutSec: 5,
			CommissionPollSec:    0.25,
		},
		IO: IO{
			ReportDir:    "reports",
			LogLevel:     "info",
			PortfolioCSV: "data/portfolios.csv",
		},
		Accounts: Accounts{
			ConfirmMode: "per_account",
		},
	}
}

// LoadFile reads settings from a YAML file on top of the defaults and
// validates the result. Credentials are taken from the environment, loading a
// .env file first if one exists in the working directory.
func LoadFile(path string) (Config, error) {
	loadDotEnv(".env")

	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errf("cannot read config: %s", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errf("parse config %s: %v", path, err)
	}

	cfg.Broker.APIKey = os.Getenv("APCA_API_KEY_ID")
	cfg.Broker.APISecret = os.Getenv("APCA_API_SECRET_KEY")

	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// loadDotEnv loads variables from a .env file without overriding values
// already present in the environment. A missing file is not an error.
func loadDotEnv(path string) {
	if _, err := os.Stat(path); err != nil {
		return
	}
	_ = godotenv.Load(path)
}

// Validate checks cross-field constraints. It is called by LoadFile and again
// after account overrides are merged.
func Validate(cfg Config) error {
	m := cfg.Models
	total := m.Smurf + m.Badass + m.Gltr
	if m.Smurf < 0 || m.Badass < 0 || m.Gltr < 0 {
		return errf("[models] weights must be non-negative")
	}
	if total < 1.0-modelMixTolerance || total > 1.0+modelMixTolerance {
		return errf("[models] weights must sum to 1.0 (±%.3f); got %.4f", modelMixTolerance, total)
	}

	r := cfg.Rebalance
	switch r.TriggerMode {
	case "", "per_holding", "total_drift":
	default:
		return errf("[rebalance] unknown trigger_mode: %s", r.TriggerMode)
	}
	if r.PerHoldingBandBps < 0 {
		return errf("[rebalance] per_holding_band_bps must be >= 0")
	}
	if r.PortfolioTotalBandBps < 0 {
		return errf("[rebalance] portfolio_total_band_bps must be >= 0")
	}
	if r.MinOrderUSD <= 0 {
		return errf("[rebalance] min_order_usd must be positive")
	}
	switch r.CashBufferType {
	case "pct":
		if r.CashBufferPct < 0 || r.CashBufferPct > 1 {
			return errf("[rebalance] cash_buffer_pct must be between 0 and 1")
		}
	case "abs":
		if r.CashBufferAbs < 0 {
			return errf("[rebalance] cash_buffer_abs must be >= 0")
		}
	default:
		return errf("[rebalance] cash_buffer_type must be 'pct' or 'abs'")
	}
	if r.MaxLeverage <= 0 {
		return errf("[rebalance] max_leverage must be positive")
	}
	if r.MaxPasses < 1 {
		return errf("[rebalance] max_passes must be >= 1")
	}

	switch cfg.Pricing.PriceSource {
	case "last", "close", "bid", "ask", "mid":
	default:
		return errf("[pricing] unknown price_source: %s", cfg.Pricing.PriceSource)
	}

	switch cfg.Execution.OrderType {
	case "market", "limit":
	default:
		return errf("[execution] unsupported order_type: %s", cfg.Execution.OrderType)
	}
	switch cfg.Execution.AlgoPreference {
	case "none", "adaptive", "midprice":
	default:
		return errf("[execution] unknown algo_preference: %s", cfg.Execution.AlgoPreference)
	}
	if cfg.Execution.FillTimeoutSec <= 0 {
		return errf("[execution] fill_timeout_sec must be positive")
	}
	if cfg.Execution.PollIntervalSec <= 0 {
		return errf("[execution] poll_interval_sec must be positive")
	}

	if cfg.IO.ReportDir == "" {
		return errf("[io] report_dir is required")
	}

	switch cfg.Accounts.ConfirmMode {
	case "per_account", "global":
	default:
		return errf("[accounts] confirm_mode must be 'per_account' or 'global'")
	}
	if cfg.Accounts.PacingSec < 0 {
		return errf("[accounts] pacing_sec must be >= 0")
	}

	if !cfg.Broker.Paper && (cfg.Broker.APIKey == "" || cfg.Broker.APISecret == "") {
		return errf("APCA_API_KEY_ID and APCA_API_SECRET_KEY are required unless broker.paper is set")
	}
	return nil
}

// AccountIDs returns the accounts to process, falling back to the single
// broker account when no list is configured.
func AccountIDs(cfg Config) []string {
	if len(cfg.Accounts.List) > 0 {
		return cfg.Accounts.List
	}
	if cfg.Broker.AccountID != "" {
		return []string{cfg.Broker.AccountID}
	}
	return nil
}

// MergeAccountOverrides returns a copy of cfg with the override delta for the
// given account applied. The base value is never mutated.
func MergeAccountOverrides(cfg Config, accountID string) Config {
	ov, ok := cfg.Accounts.Overrides[accountID]
	if !ok {
		return cfg
	}
	out := cfg
	if ov.MinOrderUSD != nil {
		out.Rebalance.MinOrderUSD = *ov.MinOrderUSD
	}
	if ov.AllowFractional != nil {
		out.Rebalance.AllowFractional = *ov.AllowFractional
	}
	if ov.CashBufferType != nil {
		out.Rebalance.CashBufferType = *ov.CashBufferType
	}
	if ov.CashBufferPct != nil {
		out.Rebalance.CashBufferPct = *ov.CashBufferPct
	}
	if ov.CashBufferAbs != nil {
		out.Rebalance.CashBufferAbs = *ov.CashBufferAbs
	}
	if ov.MaxLeverage != nil {
		out.Rebalance.MaxLeverage = *ov.MaxLeverage
	}
	if ov.MaxPasses != nil {
		out.Rebalance.MaxPasses = *ov.MaxPasses
	}
	if ov.ReadOnly != nil {
		out.Broker.ReadOnly = *ov.ReadOnly
	}
	if ov.Models != nil {
		out.Models = *ov.Models
	}
	if ov.PortfolioCSV != nil {
		out.IO.PortfolioCSV = *ov.PortfolioCSV
	}
	return out
}
