package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ModuleSelection names one determiner of each kind for a symbol.
type ModuleSelection struct {
	Entry      string                 `mapstructure:"entry"`
	StopLoss   string                 `mapstructure:"stop_loss"`
	TakeProfit string                 `mapstructure:"take_profit"`
	Exit       string                 `mapstructure:"exit"`
	Params     map[string]interface{} `mapstructure:"params"`
}

// Config holds the full engine configuration: credentials from the
// environment, everything else from config.yaml.
type Config struct {
	BinanceAPIKey    string
	BinanceAPISecret string

	UseTestnet bool     `mapstructure:"use_testnet"`
	Symbols    []string `mapstructure:"symbols"`

	Leverage   map[string]int `mapstructure:"leverage"`
	MarginType string         `mapstructure:"margin_type"`

	MaxRiskPerTrade        float64 `mapstructure:"max_risk_per_trade"`
	MaxPositions           int     `mapstructure:"max_positions"`
	MaxDailyLossPct        float64 `mapstructure:"max_daily_loss_pct"`
	MaxPositionSizePercent float64 `mapstructure:"max_position_size_percent"`
	MaxPriceDeviation      float64 `mapstructure:"max_price_deviation"`

	SignalCooldownSeconds int                `mapstructure:"signal_cooldown_seconds"`
	MinRiskReward         float64            `mapstructure:"min_risk_reward_ratio"`
	MinRiskRewardOverride map[string]float64 `mapstructure:"min_risk_reward_override"`

	EmergencyLiquidation      bool    `mapstructure:"emergency_liquidation"`
	LiquidationTimeoutSeconds float64 `mapstructure:"liquidation_timeout_seconds"`

	StrategyModules map[string]ModuleSelection `mapstructure:"strategy_modules"`

	KillZones []string `mapstructure:"killzones"`

	LogDir     string `mapstructure:"log_dir"`
	AuditDir   string `mapstructure:"audit_dir"`
	ListenAddr string `mapstructure:"listen_addr"`
}

// Cooldown returns the per-symbol signal cooldown as a duration.
func (c *Config) Cooldown() time.Duration {
	return time.Duration(c.SignalCooldownSeconds) * time.Second
}

// LiquidationBudget returns the shutdown liquidation time budget.
func (c *Config) LiquidationBudget() time.Duration {
	return time.Duration(c.LiquidationTimeoutSeconds * float64(time.Second))
}

// MinRR returns the entry risk/reward filter for a symbol, honoring
// per-symbol overrides.
func (c *Config) MinRR(symbol string) float64 {
	if v, ok := c.MinRiskRewardOverride[symbol]; ok {
		return v
	}
	return c.MinRiskReward
}

// LeverageFor returns the configured leverage for a symbol (default 1).
func (c *Config) LeverageFor(symbol string) int {
	if v, ok := c.Leverage[symbol]; ok {
		return v
	}
	return 1
}

// SecureLoad strips quotes and stray whitespace that sneak into .env values
// and trigger signature errors (-2014) on the venue.
func SecureLoad(raw string) string {
	val := strings.TrimSpace(raw)
	val = strings.ReplaceAll(val, "\"", "")
	val = strings.ReplaceAll(val, "'", "")
	val = strings.ReplaceAll(val, "\n", "")
	val = strings.ReplaceAll(val, "\r", "")
	return val
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("use_testnet", true)
	v.SetDefault("margin_type", "ISOLATED")
	v.SetDefault("max_risk_per_trade", 0.01)
	v.SetDefault("max_positions", 3)
	v.SetDefault("max_daily_loss_pct", 0.05)
	v.SetDefault("max_position_size_percent", 0.25)
	v.SetDefault("max_price_deviation", 0.01)
	v.SetDefault("signal_cooldown_seconds", 300)
	v.SetDefault("min_risk_reward_ratio", 1.5)
	v.SetDefault("emergency_liquidation", true)
	v.SetDefault("liquidation_timeout_seconds", 5.0)
	v.SetDefault("log_dir", "logs")
	v.SetDefault("audit_dir", "audit")
	v.SetDefault("listen_addr", ":8081")
}

// Load reads config.yaml (path overridable via ICT_CONFIG) plus .env
// credentials and validates the result.
func Load() (*Config, error) {
	// Credentials never live in the yaml file.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	path := os.Getenv("ICT_CONFIG")
	if path == "" {
		path = "config.yaml"
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// viper lowercases map keys; symbol-keyed maps must come back out in
	// venue form.
	cfg.Leverage = upperKeys(cfg.Leverage)
	cfg.MinRiskRewardOverride = upperKeys(cfg.MinRiskRewardOverride)
	cfg.StrategyModules = upperKeys(cfg.StrategyModules)
	for i, s := range cfg.Symbols {
		cfg.Symbols[i] = strings.ToUpper(s)
	}

	cfg.BinanceAPIKey = SecureLoad(os.Getenv("BINANCE_API_KEY"))
	cfg.BinanceAPISecret = SecureLoad(os.Getenv("BINANCE_API_SECRET"))
	if cfg.BinanceAPISecret == "" {
		cfg.BinanceAPISecret = SecureLoad(os.Getenv("BINANCE_SECRET_KEY"))
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func upperKeys[V any](in map[string]V) map[string]V {
	if in == nil {
		return nil
	}
	out := make(map[string]V, len(in))
	for k, v := range in {
		out[strings.ToUpper(k)] = v
	}
	return out
}

// Validate enforces the option ranges the engine relies on.
func (c *Config) Validate() error {
	if len(c.Symbols) == 0 {
		return fmt.Errorf("config: symbols is required")
	}
	for sym, lev := range c.Leverage {
		if lev < 1 || lev > 125 {
			return fmt.Errorf("config: leverage for %s out of range 1..125: %d", sym, lev)
		}
	}
	if c.MarginType != "ISOLATED" && c.MarginType != "CROSSED" && c.MarginType != "CROSS" {
		return fmt.Errorf("config: margin_type must be ISOLATED or CROSS: %q", c.MarginType)
	}
	if c.MaxRiskPerTrade <= 0 || c.MaxRiskPerTrade > 0.1 {
		return fmt.Errorf("config: max_risk_per_trade out of range (0, 0.1]: %v", c.MaxRiskPerTrade)
	}
	if c.SignalCooldownSeconds < 60 || c.SignalCooldownSeconds > 3600 {
		return fmt.Errorf("config: signal_cooldown_seconds out of range 60..3600: %d", c.SignalCooldownSeconds)
	}
	if c.MinRiskReward < 1.0 {
		return fmt.Errorf("config: min_risk_reward_ratio must be >= 1.0: %v", c.MinRiskReward)
	}
	if c.MaxPositions <= 0 {
		return fmt.Errorf("config: max_positions must be positive: %d", c.MaxPositions)
	}
	for _, sym := range c.Symbols {
		if _, ok := c.StrategyModules[sym]; !ok {
			return fmt.Errorf("config: no strategy_modules entry for %s", sym)
		}
	}
	return nil
}
