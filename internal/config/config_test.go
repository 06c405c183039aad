package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalYAML = `
app:
  environment: development
  dry_run: true
database:
  engine: sqlite
  url: ":memory:"
redis:
  enabled: false
  streams:
    market_data: stream:market_data
    signals: stream:signals
    approved_signals: stream:approved_signals
    orders: stream:orders
    executions: stream:executions
    reconciliations: stream:reconciliations
strategies:
  - name: trend
    enabled: true
    module: trend
    parameters:
      fast_ma_period: 50
      slow_ma_period: 200
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if cfg.Risk.MaxRiskPerTrade != 0.02 {
		t.Errorf("max_risk_per_trade default = %v, want 0.02", cfg.Risk.MaxRiskPerTrade)
	}
	if cfg.Risk.MaxPortfolioHeat != 0.06 {
		t.Errorf("max_portfolio_heat default = %v, want 0.06", cfg.Risk.MaxPortfolioHeat)
	}
	if cfg.Risk.MaxLeverage != 1.5 {
		t.Errorf("max_leverage default = %v, want 1.5", cfg.Risk.MaxLeverage)
	}
	if cfg.Data.PollInterval != 60*time.Second {
		t.Errorf("poll_interval default = %v, want 60s", cfg.Data.PollInterval)
	}
	if cfg.Reconciliation.IntervalSeconds != 30 {
		t.Errorf("interval_seconds default = %v, want 30", cfg.Reconciliation.IntervalSeconds)
	}
	if cfg.Redis.Enabled {
		t.Error("redis.enabled should be false as configured")
	}
}

func TestLoadResolvesEnvPlaceholders(t *testing.T) {
	t.Setenv("TEST_TRADER_KEY", "k-123")
	t.Setenv("TEST_TRADER_SECRET", "s-456")

	yaml := minimalYAML + `
exchanges:
  - name: binanceusdm
    module: binanceusdm
    api_key: ${TEST_TRADER_KEY}
    api_secret: ${TEST_TRADER_SECRET}
    sandbox: true
    symbols: ["BTC/USDT"]
`
	cfg, err := Load(writeConfig(t, yaml))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Exchanges) != 1 {
		t.Fatalf("exchanges = %d, want 1", len(cfg.Exchanges))
	}
	ex := cfg.Exchanges[0]
	if ex.APIKey != "k-123" || ex.APISecret != "s-456" {
		t.Errorf("placeholders not resolved: %+v", ex)
	}
}

func TestLoadFailsOnUnsetPlaceholder(t *testing.T) {
	yaml := minimalYAML + `
exchanges:
  - name: binanceusdm
    api_key: ${DEFINITELY_NOT_SET_VAR_42}
`
	_, err := Load(writeConfig(t, yaml))
	if err == nil {
		t.Fatal("expected error for unset placeholder variable")
	}
	if !strings.Contains(err.Error(), "DEFINITELY_NOT_SET_VAR_42") {
		t.Errorf("error should name the missing variable, got: %v", err)
	}
}

func TestValidateRequiresStreamNames(t *testing.T) {
	yaml := strings.Replace(minimalYAML, "signals: stream:signals", `signals: ""`, 1)
	cfg, err := Load(writeConfig(t, yaml))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for empty stream name")
	}
}

func TestValidateRejectsBadEngine(t *testing.T) {
	yaml := strings.Replace(minimalYAML, "engine: sqlite", "engine: mongodb", 1)
	cfg, err := Load(writeConfig(t, yaml))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for unsupported engine")
	}
}

func TestParamFloat(t *testing.T) {
	t.Parallel()

	s := StrategyConfig{Parameters: map[string]any{
		"fast_ma_period": 50,
		"atr_multiplier": 2.5,
	}}
	if got := s.ParamFloat("fast_ma_period", 10); got != 50 {
		t.Errorf("int param = %v, want 50", got)
	}
	if got := s.ParamFloat("atr_multiplier", 2.0); got != 2.5 {
		t.Errorf("float param = %v, want 2.5", got)
	}
	if got := s.ParamFloat("missing", 14); got != 14 {
		t.Errorf("missing param = %v, want default 14", got)
	}
}
