package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"stablearb/internal/model"
)

// Config stores all configuration for the application.
// The values are read by viper from a config file or environment variables.
type Config struct {
	Log        LogConfig
	Database   DatabaseConfig
	Exchange   ExchangeConfig
	Arbitrage  ArbitrageConfig
	Execution  ExecutionConfig
	Strategies StrategiesConfig
	Risk       RiskConfig
	Metrics    MetricsConfig
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string
	Format string
}

// DatabaseConfig defines the history store connection settings.
type DatabaseConfig struct {
	Driver   string
	Path     string
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string `mapstructure:"sslmode"`
}

// DSN returns the postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s", d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode)
}

// ExchangeConfig defines where quotes come from and how the paper trader behaves.
type ExchangeConfig struct {
	Source         string
	WSURL          string        `mapstructure:"ws_url"`
	RedisAddr      string        `mapstructure:"redis_addr"`
	RedisPrefix    string        `mapstructure:"redis_prefix"`
	StaleAfter     time.Duration `mapstructure:"stale_after"`
	OrderBookDepth int           `mapstructure:"order_book_depth"`
	Simulation     SimulationConfig
}

// SimulationConfig drives the random-walk feed.
type SimulationConfig struct {
	Seed                   int64
	StartPrices            map[string]float64 `mapstructure:"start_prices"`
	Volatility             float64
	OpportunityProbability float64 `mapstructure:"opportunity_probability"`
	OpportunitySpreadPct   float64 `mapstructure:"opportunity_spread_pct"`
	FillProbability        float64 `mapstructure:"fill_probability"`
}

// ArbitrageConfig defines the detection and loop settings.
type ArbitrageConfig struct {
	BaseAssets           []string        `mapstructure:"base_assets"`
	QuoteCurrencies      []string        `mapstructure:"quote_currencies"`
	MinProfitPercentage  decimal.Decimal `mapstructure:"min_profit_percentage"`
	MaxTradeAmount       decimal.Decimal `mapstructure:"max_trade_amount"`
	PriceDiffThreshold   decimal.Decimal `mapstructure:"price_diff_threshold"`
	CheckIntervalMS      int             `mapstructure:"check_interval_ms"`
	HistoryRetentionDays int             `mapstructure:"history_retention_days"`
	HistoryWindow        int             `mapstructure:"history_window"`
	Timezone             string
	QuoteTimeout         time.Duration `mapstructure:"quote_timeout"`
	QuoteRetries         int           `mapstructure:"quote_retries"`
}

// CheckInterval returns the cycle period.
func (a ArbitrageConfig) CheckInterval() time.Duration {
	return time.Duration(a.CheckIntervalMS) * time.Millisecond
}

// Location resolves the engine timezone.
func (a ArbitrageConfig) Location() (*time.Location, error) {
	if a.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(a.Timezone)
}

// ExecutionConfig bounds the order state machine.
type ExecutionConfig struct {
	OrderTimeout         time.Duration   `mapstructure:"order_timeout"`
	PollInterval         time.Duration   `mapstructure:"poll_interval"`
	CallTimeout          time.Duration   `mapstructure:"call_timeout"`
	SellRetries          int             `mapstructure:"sell_retries"`
	SlippageTolerancePct decimal.Decimal `mapstructure:"slippage_tolerance_pct"`
	RetryInitialInterval time.Duration   `mapstructure:"retry_initial_interval"`
	RetryMaxInterval     time.Duration   `mapstructure:"retry_max_interval"`
	PersistRetries       int             `mapstructure:"persist_retries"`
	PersistTimeout       time.Duration   `mapstructure:"persist_timeout"`
}

// StrategiesConfig lists the enabled strategies in evaluation order plus their tunables.
type StrategiesConfig struct {
	Enabled  []string
	TWAP     TWAPConfig     `mapstructure:"twap"`
	Depth    DepthConfig    `mapstructure:"depth"`
	Slippage SlippageConfig `mapstructure:"slippage"`
	Trend    TrendConfig    `mapstructure:"trend"`
}

type TWAPConfig struct {
	Slices   int
	Interval time.Duration
}

type DepthConfig struct {
	MaxDeviationPct decimal.Decimal `mapstructure:"max_deviation_pct"`
	MinLiquidity    decimal.Decimal `mapstructure:"min_liquidity"`
}

type SlippageConfig struct {
	MaxSlippagePct   decimal.Decimal `mapstructure:"max_slippage_pct"`
	VolatilityWindow int             `mapstructure:"volatility_window"`
}

type TrendConfig struct {
	ShortWindow       int             `mapstructure:"short_window"`
	ExpectedLatency   time.Duration   `mapstructure:"expected_latency"`
	SpikeThresholdPct decimal.Decimal `mapstructure:"spike_threshold_pct"`
}

// RiskConfig lists the enabled controllers in evaluation order plus their tunables.
type RiskConfig struct {
	Enabled       []string
	LossLimit     LossLimitConfig     `mapstructure:"loss_limit"`
	AbnormalPrice AbnormalPriceConfig `mapstructure:"abnormal_price"`
	Exposure      ExposureConfig      `mapstructure:"exposure"`
	TimeWindow    TimeWindowConfig    `mapstructure:"time_window"`
	Frequency     FrequencyConfig     `mapstructure:"frequency"`
	Blacklist     BlacklistConfig     `mapstructure:"blacklist"`
}

type LossLimitConfig struct {
	MaxDailyLoss decimal.Decimal `mapstructure:"max_daily_loss"`
}

type AbnormalPriceConfig struct {
	WindowSize       int             `mapstructure:"window_size"`
	ThresholdPct     decimal.Decimal `mapstructure:"threshold_pct"`
	Cooldown         time.Duration
	EscalateAfter    int           `mapstructure:"escalate_after"`
	EscalationWindow time.Duration `mapstructure:"escalation_window"`
}

type ExposureConfig struct {
	DefaultCap decimal.Decimal            `mapstructure:"default_cap"`
	Caps       map[string]decimal.Decimal `mapstructure:"caps"`
}

type TimeWindowConfig struct {
	Start        string
	End          string
	BlockWeekend bool `mapstructure:"block_weekend"`
}

type FrequencyConfig struct {
	MaxTrades   int `mapstructure:"max_trades"`
	Window      time.Duration
	MinInterval time.Duration `mapstructure:"min_interval"`
}

type BlacklistConfig struct {
	Entries []string
}

// MetricsConfig defines the observability listener.
type MetricsConfig struct {
	Enabled bool
	Addr    string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "stablearb.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")

	v.SetDefault("exchange.source", "simulated")
	v.SetDefault("exchange.ws_url", "wss://stream.binance.com:9443/stream")
	v.SetDefault("exchange.redis_addr", "localhost:6379")
	v.SetDefault("exchange.redis_prefix", "quote:")
	v.SetDefault("exchange.stale_after", "5s")
	v.SetDefault("exchange.order_book_depth", 20)
	v.SetDefault("exchange.simulation.seed", 1)
	v.SetDefault("exchange.simulation.start_prices", map[string]float64{"BTC": 30000, "ETH": 2000})
	v.SetDefault("exchange.simulation.volatility", 0.0005)
	v.SetDefault("exchange.simulation.opportunity_probability", 0.1)
	v.SetDefault("exchange.simulation.opportunity_spread_pct", 0.3)
	v.SetDefault("exchange.simulation.fill_probability", 1.0)

	v.SetDefault("arbitrage.base_assets", []string{"BTC", "ETH"})
	v.SetDefault("arbitrage.quote_currencies", []string{"USDT", "USDC"})
	v.SetDefault("arbitrage.min_profit_percentage", "0.1")
	v.SetDefault("arbitrage.max_trade_amount", "100")
	v.SetDefault("arbitrage.price_diff_threshold", "0")
	v.SetDefault("arbitrage.check_interval_ms", 1000)
	v.SetDefault("arbitrage.history_retention_days", 30)
	v.SetDefault("arbitrage.history_window", 120)
	v.SetDefault("arbitrage.timezone", "UTC")
	v.SetDefault("arbitrage.quote_timeout", "2s")
	v.SetDefault("arbitrage.quote_retries", 3)

	v.SetDefault("execution.order_timeout", "10s")
	v.SetDefault("execution.poll_interval", "250ms")
	v.SetDefault("execution.call_timeout", "3s")
	v.SetDefault("execution.sell_retries", 3)
	v.SetDefault("execution.slippage_tolerance_pct", "0.2")
	v.SetDefault("execution.retry_initial_interval", "200ms")
	v.SetDefault("execution.retry_max_interval", "2s")
	v.SetDefault("execution.persist_retries", 5)
	v.SetDefault("execution.persist_timeout", "5s")

	v.SetDefault("strategies.enabled", []string{"simple"})
	v.SetDefault("strategies.twap.slices", 4)
	v.SetDefault("strategies.twap.interval", "2s")
	v.SetDefault("strategies.depth.max_deviation_pct", "0.05")
	v.SetDefault("strategies.depth.min_liquidity", "0")
	v.SetDefault("strategies.slippage.max_slippage_pct", "0.1")
	v.SetDefault("strategies.slippage.volatility_window", 20)
	v.SetDefault("strategies.trend.short_window", 10)
	v.SetDefault("strategies.trend.expected_latency", "2s")
	v.SetDefault("strategies.trend.spike_threshold_pct", "5")

	v.SetDefault("risk.enabled", []string{"loss_limit", "abnormal_price", "exposure", "frequency"})
	v.SetDefault("risk.loss_limit.max_daily_loss", "50")
	v.SetDefault("risk.abnormal_price.window_size", 20)
	v.SetDefault("risk.abnormal_price.threshold_pct", "10")
	v.SetDefault("risk.abnormal_price.cooldown", "1m")
	v.SetDefault("risk.abnormal_price.escalate_after", 0)
	v.SetDefault("risk.abnormal_price.escalation_window", "10m")
	v.SetDefault("risk.exposure.default_cap", "1000")
	v.SetDefault("risk.time_window.start", "00:00")
	v.SetDefault("risk.time_window.end", "23:59")
	v.SetDefault("risk.frequency.max_trades", 10)
	v.SetDefault("risk.frequency.window", "1m")
	v.SetDefault("risk.frequency.min_interval", "0s")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.addr", ":9090")
}

// LoadConfig reads configuration from file or environment variables.
// A missing config file is not an error; defaults and the environment still apply.
func LoadConfig(path string) (config Config, err error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err = v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return config, model.ConfigurationError("read config", err)
		}
	}

	if err = v.Unmarshal(&config, viper.DecodeHook(decodeHook())); err != nil {
		return config, model.ConfigurationError("decode config", err)
	}
	config.normalize()

	err = config.Validate()
	return
}

// normalize upper-cases asset keys that viper lowercases.
func (c *Config) normalize() {
	upper := func(in []string) []string {
		out := make([]string, 0, len(in))
		for _, s := range in {
			out = append(out, strings.ToUpper(strings.TrimSpace(s)))
		}
		return out
	}
	c.Arbitrage.BaseAssets = upper(c.Arbitrage.BaseAssets)
	c.Arbitrage.QuoteCurrencies = upper(c.Arbitrage.QuoteCurrencies)

	caps := make(map[string]decimal.Decimal, len(c.Risk.Exposure.Caps))
	for k, v := range c.Risk.Exposure.Caps {
		caps[strings.ToUpper(k)] = v
	}
	c.Risk.Exposure.Caps = caps

	prices := make(map[string]float64, len(c.Exchange.Simulation.StartPrices))
	for k, v := range c.Exchange.Simulation.StartPrices {
		prices[strings.ToUpper(k)] = v
	}
	c.Exchange.Simulation.StartPrices = prices
}

// Validate rejects configurations the engine cannot run with.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	a := c.Arbitrage
	check(len(a.BaseAssets) > 0, "arbitrage.base_assets is empty")
	check(len(a.QuoteCurrencies) == 2, "arbitrage.quote_currencies must name exactly two quotes, got %d", len(a.QuoteCurrencies))
	if len(a.QuoteCurrencies) == 2 {
		check(a.QuoteCurrencies[0] != a.QuoteCurrencies[1], "arbitrage.quote_currencies must differ")
	}
	check(!a.MinProfitPercentage.IsNegative(), "arbitrage.min_profit_percentage must be >= 0")
	check(a.MaxTradeAmount.IsPositive(), "arbitrage.max_trade_amount must be > 0")
	check(!a.PriceDiffThreshold.IsNegative(), "arbitrage.price_diff_threshold must be >= 0")
	check(a.CheckIntervalMS > 0, "arbitrage.check_interval_ms must be > 0")
	check(a.HistoryWindow > 0, "arbitrage.history_window must be > 0")
	check(a.QuoteTimeout > 0, "arbitrage.quote_timeout must be > 0")
	check(a.QuoteRetries >= 0, "arbitrage.quote_retries must be >= 0")
	if _, err := a.Location(); err != nil {
		errs = append(errs, fmt.Errorf("arbitrage.timezone: %w", err))
	}

	e := c.Execution
	check(e.OrderTimeout > 0, "execution.order_timeout must be > 0")
	check(e.PollInterval > 0, "execution.poll_interval must be > 0")
	check(e.CallTimeout > 0, "execution.call_timeout must be > 0")
	check(e.SellRetries >= 0, "execution.sell_retries must be >= 0")
	check(!e.SlippageTolerancePct.IsNegative() && e.SlippageTolerancePct.LessThan(decimal.NewFromInt(100)),
		"execution.slippage_tolerance_pct must be in [0, 100)")
	check(e.PersistRetries >= 0, "execution.persist_retries must be >= 0")

	check(len(c.Strategies.Enabled) > 0, "strategies.enabled is empty")
	check(c.Risk.LossLimit.MaxDailyLoss.IsPositive() || !contains(c.Risk.Enabled, "loss_limit"),
		"risk.loss_limit.max_daily_loss must be > 0")
	check(c.Risk.AbnormalPrice.ThresholdPct.IsPositive() || !contains(c.Risk.Enabled, "abnormal_price"),
		"risk.abnormal_price.threshold_pct must be > 0")

	switch c.Database.Driver {
	case "postgres", "sqlite", "memory":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not one of postgres, sqlite, memory", c.Database.Driver))
	}
	switch c.Exchange.Source {
	case "simulated", "binance", "redis":
	default:
		errs = append(errs, fmt.Errorf("exchange.source %q is not one of simulated, binance, redis", c.Exchange.Source))
	}

	if len(errs) > 0 {
		return model.ConfigurationError("validate config", errors.Join(errs...))
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
