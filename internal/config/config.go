// Package config defines all configuration for the trading pipeline.
// Config is loaded from a YAML file (default: config/config.yaml) with any
// string of the exact form ${VAR} replaced by the environment variable VAR.
// An unset placeholder variable is a fatal boot error: secrets must never
// silently resolve to an empty string.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"tradepipe/pkg/riskmath"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	App            AppConfig            `mapstructure:"app"`
	Database       DatabaseConfig       `mapstructure:"database"`
	Redis          RedisConfig          `mapstructure:"redis"`
	Risk           RiskConfig           `mapstructure:"risk"`
	Strategies     []StrategyConfig     `mapstructure:"strategies"`
	Data           DataConfig           `mapstructure:"data"`
	Reconciliation ReconciliationConfig `mapstructure:"reconciliation"`
	Monitoring     MonitoringConfig     `mapstructure:"monitoring"`
	Exchanges      []ExchangeConfig     `mapstructure:"exchanges"`
}

// AppConfig holds process-wide switches. DryRun true suppresses every venue
// order submission across all services.
type AppConfig struct {
	Environment  string `mapstructure:"environment"`
	LogLevel     string `mapstructure:"log_level"`
	BaseCurrency string `mapstructure:"base_currency"`
	DryRun       bool   `mapstructure:"dry_run"`
}

// DatabaseConfig selects the relational store backend.
type DatabaseConfig struct {
	Engine   string `mapstructure:"engine"` // sqlite | postgresql
	URL      string `mapstructure:"url"`
	Echo     bool   `mapstructure:"echo"`
	PoolSize int    `mapstructure:"pool_size"`
}

// StreamsConfig names the six pipeline streams. All names are required;
// services fail at boot rather than read from an empty stream name.
type StreamsConfig struct {
	MarketData      string `mapstructure:"market_data"`
	Signals         string `mapstructure:"signals"`
	ApprovedSignals string `mapstructure:"approved_signals"`
	Orders          string `mapstructure:"orders"`
	Executions      string `mapstructure:"executions"`
	Reconciliations string `mapstructure:"reconciliations"`
}

// RedisConfig selects the bus backend. Enabled false picks the in-memory bus.
type RedisConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	URL        string        `mapstructure:"url"`
	ClientName string        `mapstructure:"client_name"`
	Streams    StreamsConfig `mapstructure:"streams"`
}

// VolTargetConfig scales position sizes toward a target portfolio volatility.
type VolTargetConfig struct {
	Enabled            bool    `mapstructure:"enabled"`
	TargetPortfolioVol float64 `mapstructure:"target_portfolio_vol"`
}

// CircuitBreakerConfig sets the halt thresholds as fractions of equity.
type CircuitBreakerConfig struct {
	DailyLoss     float64 `mapstructure:"daily_loss"`
	TotalDrawdown float64 `mapstructure:"total_drawdown"`
}

// RiskConfig tunes sizing and the portfolio-level gates.
//
//   - MaxRiskPerTrade:   fraction of equity risked on a single trade.
//   - MaxPortfolioHeat:  cap on total currency-at-risk across open positions.
//   - MaxLeverage:       cap on position notional / equity.
//   - EquityPlaceholder: equity assumed until an AccountState row exists.
type RiskConfig struct {
	MaxRiskPerTrade     float64              `mapstructure:"max_risk_per_trade"`
	MaxPortfolioHeat    float64              `mapstructure:"max_portfolio_heat"`
	MaxLeverage         float64              `mapstructure:"max_leverage"`
	EquityPlaceholder   float64              `mapstructure:"equity_placeholder"`
	VolatilityTargeting VolTargetConfig      `mapstructure:"volatility_targeting"`
	CircuitBreakers     CircuitBreakerConfig `mapstructure:"circuit_breakers"`
}

// Math converts the config values into the pure settings riskmath consumes.
func (r RiskConfig) Math() riskmath.Settings {
	return riskmath.Settings{
		MaxRiskPerTrade:    r.MaxRiskPerTrade,
		MaxPortfolioHeat:   r.MaxPortfolioHeat,
		VolTargetEnabled:   r.VolatilityTargeting.Enabled,
		TargetPortfolioVol: r.VolatilityTargeting.TargetPortfolioVol,
		BreakerDailyLoss:   r.CircuitBreakers.DailyLoss,
		BreakerDrawdown:    r.CircuitBreakers.TotalDrawdown,
	}
}

// StrategyConfig declares one strategy instance. Parameters are free-form
// and interpreted by the strategy module named in Module.
type StrategyConfig struct {
	Name       string         `mapstructure:"name"`
	Enabled    bool           `mapstructure:"enabled"`
	Module     string         `mapstructure:"module"`
	Parameters map[string]any `mapstructure:"parameters"`
}

// ParamFloat reads a numeric strategy parameter with a default.
func (s StrategyConfig) ParamFloat(key string, def float64) float64 {
	v, ok := s.Parameters[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return def
	}
}

// DataConfig controls the market data poller.
type DataConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// ReconciliationConfig controls the drift auditor.
type ReconciliationConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	IntervalSeconds int  `mapstructure:"interval_seconds"`
	AutoRepair      bool `mapstructure:"auto_repair"`
}

// PrometheusConfig locates the monitor's metrics endpoint.
type PrometheusConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// HealthCheckConfig tunes the NTP sync poller.
type HealthCheckConfig struct {
	NTPCheckIntervalSeconds int     `mapstructure:"ntp_check_interval_seconds"`
	MaxClockSkewSeconds     float64 `mapstructure:"max_clock_skew_seconds"`
}

// MonitoringConfig nests the monitor service options.
type MonitoringConfig struct {
	Prometheus  PrometheusConfig  `mapstructure:"prometheus"`
	HealthCheck HealthCheckConfig `mapstructure:"health_check"`
}

// ExchangeConfig declares one venue connection.
type ExchangeConfig struct {
	Name      string   `mapstructure:"name"`
	Module    string   `mapstructure:"module"`
	APIKey    string   `mapstructure:"api_key"`
	APISecret string   `mapstructure:"api_secret"`
	Sandbox   bool     `mapstructure:"sandbox"`
	Symbols   []string `mapstructure:"symbols"`
}

// Load reads config from a YAML file, resolves ${VAR} placeholders from the
// environment, applies defaults, and unmarshals into Config.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	resolved, err := resolvePlaceholders(v.AllSettings())
	if err != nil {
		return nil, err
	}

	merged := viper.New()
	setDefaults(merged)
	if err := merged.MergeConfigMap(resolved.(map[string]any)); err != nil {
		return nil, fmt.Errorf("merge config: %w", err)
	}

	var cfg Config
	if err := merged.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.base_currency", "USD")
	v.SetDefault("app.dry_run", true)
	v.SetDefault("database.engine", "sqlite")
	v.SetDefault("database.pool_size", 5)
	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.client_name", "tradepipe")
	v.SetDefault("risk.max_risk_per_trade", 0.02)
	v.SetDefault("risk.max_portfolio_heat", 0.06)
	v.SetDefault("risk.max_leverage", 1.5)
	v.SetDefault("risk.equity_placeholder", 100000.0)
	v.SetDefault("risk.circuit_breakers.daily_loss", 1.0)
	v.SetDefault("risk.circuit_breakers.total_drawdown", 1.0)
	v.SetDefault("data.poll_interval", "60s")
	v.SetDefault("reconciliation.enabled", true)
	v.SetDefault("reconciliation.interval_seconds", 30)
	v.SetDefault("reconciliation.auto_repair", true)
	v.SetDefault("monitoring.prometheus.host", "0.0.0.0")
	v.SetDefault("monitoring.prometheus.port", 9000)
	v.SetDefault("monitoring.health_check.ntp_check_interval_seconds", 3600)
	v.SetDefault("monitoring.health_check.max_clock_skew_seconds", 1.0)
}

// resolvePlaceholders walks the raw config tree replacing ${VAR} strings.
func resolvePlaceholders(value any) (any, error) {
	switch val := value.(type) {
	case string:
		if strings.HasPrefix(val, "${") && strings.HasSuffix(val, "}") {
			key := val[2 : len(val)-1]
			env, ok := os.LookupEnv(key)
			if !ok {
				return nil, fmt.Errorf("environment variable %s is not set", key)
			}
			return env, nil
		}
		return val, nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			resolved, err := resolvePlaceholders(v)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, v := range val {
			resolved, err := resolvePlaceholders(v)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return val, nil
	}
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	switch c.Database.Engine {
	case "sqlite", "postgresql":
	default:
		return fmt.Errorf("database.engine must be sqlite or postgresql, got %q", c.Database.Engine)
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	if c.Redis.Enabled && c.Redis.URL == "" {
		return fmt.Errorf("redis.url is required when redis.enabled")
	}
	streams := map[string]string{
		"market_data":      c.Redis.Streams.MarketData,
		"signals":          c.Redis.Streams.Signals,
		"approved_signals": c.Redis.Streams.ApprovedSignals,
		"orders":           c.Redis.Streams.Orders,
		"executions":       c.Redis.Streams.Executions,
		"reconciliations":  c.Redis.Streams.Reconciliations,
	}
	for key, name := range streams {
		if name == "" {
			return fmt.Errorf("redis.streams.%s is required", key)
		}
	}
	if c.Risk.MaxRiskPerTrade <= 0 || c.Risk.MaxRiskPerTrade >= 1 {
		return fmt.Errorf("risk.max_risk_per_trade must be in (0, 1)")
	}
	if c.Risk.MaxPortfolioHeat <= 0 || c.Risk.MaxPortfolioHeat >= 1 {
		return fmt.Errorf("risk.max_portfolio_heat must be in (0, 1)")
	}
	if c.Risk.MaxLeverage <= 0 {
		return fmt.Errorf("risk.max_leverage must be > 0")
	}
	if c.Reconciliation.IntervalSeconds <= 0 {
		return fmt.Errorf("reconciliation.interval_seconds must be > 0")
	}
	for i, ex := range c.Exchanges {
		if ex.Name == "" {
			return fmt.Errorf("exchanges[%d].name is required", i)
		}
	}
	return nil
}
