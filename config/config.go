// Package config loads relay server configuration from a YAML file
// (default: config.yaml) with KABUTO_* environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Security    SecurityConfig    `mapstructure:"security"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Cooldown    CooldownConfig    `mapstructure:"cooldown"`
	Signal      SignalConfig      `mapstructure:"signal"`
	RiskControl RiskControlConfig `mapstructure:"risk_control"`
	MarketHours MarketHoursConfig `mapstructure:"market_hours"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Alerts      AlertsConfig      `mapstructure:"alerts"`
	Heartbeat   HeartbeatConfig   `mapstructure:"heartbeat"`
	CSVLog      CSVLogConfig      `mapstructure:"csv_log"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// SecurityConfig holds the three credentials the server knows about:
// the webhook passphrase (charting platform), the bearer API key
// (execution client) and the admin password (kill switch toggles).
type SecurityConfig struct {
	WebhookSecret string `mapstructure:"webhook_secret"`
	APIKey        string `mapstructure:"api_key"`
	AdminPassword string `mapstructure:"admin_password"`
}

// DatabaseConfig points at the durable store. URL accepts either a
// postgres DSN ("host=... port=...") or "sqlite://path/to/file.db".
type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	DB       int    `mapstructure:"db"`
	Password string `mapstructure:"password"`
}

// CooldownConfig holds minimum intervals between actions, in seconds.
// Zero disables the corresponding cooldown.
type CooldownConfig struct {
	BuySameTicker  int `mapstructure:"buy_same_ticker"`
	BuyAnyTicker   int `mapstructure:"buy_any_ticker"`
	SellSameTicker int `mapstructure:"sell_same_ticker"`
	SellAnyTicker  int `mapstructure:"sell_any_ticker"`
}

type SignalConfig struct {
	ExpirationMinutes int `mapstructure:"expiration_minutes"`
	MaxPendingSignals int `mapstructure:"max_pending_signals"`
}

// RiskControlConfig holds the hard limits checked by the pre-dispatch
// validator and the auto kill-switch predicates. MaxDailyLoss is
// negative (a PnL floor). EstimatedPricePerShare is the rough proxy
// used to project exposure before a fill exists.
type RiskControlConfig struct {
	MaxTotalExposure       float64 `mapstructure:"max_total_exposure"`
	MaxPositionPerTicker   float64 `mapstructure:"max_position_per_ticker"`
	MaxOpenPositions       int     `mapstructure:"max_open_positions"`
	MaxDailyEntries        int     `mapstructure:"max_daily_entries"`
	MaxDailyTrades         int     `mapstructure:"max_daily_trades"`
	MaxConsecutiveLosses   int     `mapstructure:"max_consecutive_losses"`
	MaxDailyLoss           float64 `mapstructure:"max_daily_loss"`
	EstimatedPricePerShare float64 `mapstructure:"estimated_price_per_share"`
	AutoBlacklistLosses    int     `mapstructure:"auto_blacklist_losses"`
}

type TradingWindow struct {
	Start string `mapstructure:"start"` // "HH:MM"
	End   string `mapstructure:"end"`
}

type MarketHoursConfig struct {
	Timezone        string        `mapstructure:"timezone"`
	MorningWindow   TradingWindow `mapstructure:"morning_window"`
	AfternoonWindow TradingWindow `mapstructure:"afternoon_window"`
	OffHoursAction  string        `mapstructure:"off_hours_action"` // REJECT or QUEUE
	ExtraHolidays   []string      `mapstructure:"extra_holidays"`   // "YYYY-MM-DD"
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

// AlertsConfig routes notifications: one Slack webhook URL per level,
// email for ERROR and CRITICAL. FrequencyLimits suppress repeats of
// the same (level, title) within the given minutes window.
type AlertsConfig struct {
	Enabled          bool              `mapstructure:"enabled"`
	SlackWebhookURLs map[string]string `mapstructure:"slack_webhook_urls"`
	EmailRecipients  []string          `mapstructure:"email_recipients"`
	EmailSMTPHost    string            `mapstructure:"email_smtp_host"`
	EmailSMTPPort    int               `mapstructure:"email_smtp_port"`
	EmailSMTPUser    string            `mapstructure:"email_smtp_user"`
	EmailSMTPPass    string            `mapstructure:"email_smtp_password"`
	EmailFrom        string            `mapstructure:"email_from"`
	FrequencyLimits  map[string]int    `mapstructure:"frequency_limits"` // level -> minutes
}

type HeartbeatConfig struct {
	TimeoutSeconds int  `mapstructure:"timeout_seconds"`
	AlertEnabled   bool `mapstructure:"alert_enabled"`
}

type CSVLogConfig struct {
	Path string `mapstructure:"path"`
}

// Load reads config from a YAML file with env var overrides
// (KABUTO_SERVER_PORT, KABUTO_SECURITY_API_KEY, ...). A .env file in
// the working directory is loaded first if present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("KABUTO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if s := os.Getenv("KABUTO_WEBHOOK_SECRET"); s != "" {
		cfg.Security.WebhookSecret = s
	}
	if s := os.Getenv("KABUTO_API_KEY"); s != "" {
		cfg.Security.APIKey = s
	}
	if s := os.Getenv("KABUTO_ADMIN_PASSWORD"); s != "" {
		cfg.Security.AdminPassword = s
	}
	if s := os.Getenv("KABUTO_REDIS_PASSWORD"); s != "" {
		cfg.Redis.Password = s
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	if c.Security.WebhookSecret == "" {
		return fmt.Errorf("security.webhook_secret is required")
	}
	if c.Security.APIKey == "" {
		return fmt.Errorf("security.api_key is required")
	}
	if c.Security.AdminPassword == "" {
		return fmt.Errorf("security.admin_password is required")
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	switch strings.ToUpper(c.MarketHours.OffHoursAction) {
	case "REJECT", "QUEUE":
	default:
		return fmt.Errorf("market_hours.off_hours_action must be REJECT or QUEUE, got %q", c.MarketHours.OffHoursAction)
	}
	if _, err := time.LoadLocation(c.MarketHours.Timezone); err != nil {
		return fmt.Errorf("market_hours.timezone: %w", err)
	}
	return nil
}

// SignalTTL returns the lifetime of a PENDING signal.
func (c *Config) SignalTTL() time.Duration {
	return time.Duration(c.Signal.ExpirationMinutes) * time.Minute
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 5000)

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	v.SetDefault("cooldown.buy_same_ticker", 1800)
	v.SetDefault("cooldown.buy_any_ticker", 300)
	v.SetDefault("cooldown.sell_same_ticker", 900)
	v.SetDefault("cooldown.sell_any_ticker", 0)

	v.SetDefault("signal.expiration_minutes", 15)
	v.SetDefault("signal.max_pending_signals", 100)

	v.SetDefault("risk_control.max_total_exposure", 1_000_000)
	v.SetDefault("risk_control.max_position_per_ticker", 200_000)
	v.SetDefault("risk_control.max_open_positions", 5)
	v.SetDefault("risk_control.max_daily_entries", 5)
	v.SetDefault("risk_control.max_daily_trades", 15)
	v.SetDefault("risk_control.max_consecutive_losses", 5)
	v.SetDefault("risk_control.max_daily_loss", -50_000)
	v.SetDefault("risk_control.estimated_price_per_share", 1000)
	v.SetDefault("risk_control.auto_blacklist_losses", 3)

	v.SetDefault("market_hours.timezone", "Asia/Tokyo")
	v.SetDefault("market_hours.morning_window.start", "09:30")
	v.SetDefault("market_hours.morning_window.end", "11:20")
	v.SetDefault("market_hours.afternoon_window.start", "13:00")
	v.SetDefault("market_hours.afternoon_window.end", "14:30")
	v.SetDefault("market_hours.off_hours_action", "REJECT")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("alerts.enabled", true)
	v.SetDefault("alerts.email_smtp_port", 587)
	v.SetDefault("alerts.frequency_limits", map[string]int{
		"INFO":    60,
		"WARNING": 30,
		"ERROR":   15,
	})

	v.SetDefault("heartbeat.timeout_seconds", 300)
	v.SetDefault("heartbeat.alert_enabled", true)

	v.SetDefault("csv_log.path", "./data/logs/signals.csv")
}
