// Package config loads engine configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the root configuration for the trading engine and its
// caretaker binaries, grouped by concern.
type Config struct {
	Alpaca        AlpacaConfig
	Database      DatabaseConfig
	Trading       TradingConfig
	Notifications NotificationsConfig
	Logging       LoggingConfig
}

// AlpacaConfig holds broker API credentials and endpoints.
type AlpacaConfig struct {
	APIKey    string
	APISecret string
	BaseURL   string
}

// IsPaper reports whether the configured endpoint is the paper trading API.
func (a AlpacaConfig) IsPaper() bool {
	return strings.Contains(strings.ToLower(a.BaseURL), "paper")
}

// DatabaseConfig holds Postgres connection settings.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string
}

// DSN returns the pgx connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode)
}

// TradingConfig holds engine behavior toggles and thresholds.
type TradingConfig struct {
	DryRun               bool
	TestingMode          bool
	IntegrationTestMode  bool
	OrderCooldownSeconds int
	StaleOrderThreshold  time.Duration
	StuckSellThreshold   time.Duration
}

// NotificationsConfig holds the optional alert sinks. A sink with empty
// required fields is treated as disabled.
type NotificationsConfig struct {
	SMTPHost         string
	SMTPPort         int
	SMTPUsername     string
	SMTPPassword     string
	AlertEmailFrom   string
	AlertEmailTo     string
	TelegramBotToken string
	TelegramChatID   string
	TradingAlerts    bool
}

// EmailEnabled reports whether the SMTP sink is fully configured.
func (n NotificationsConfig) EmailEnabled() bool {
	return n.SMTPHost != "" && n.SMTPUsername != "" && n.SMTPPassword != "" &&
		n.AlertEmailFrom != "" && n.AlertEmailTo != ""
}

// TelegramEnabled reports whether the Telegram sink is fully configured.
func (n NotificationsConfig) TelegramEnabled() bool {
	return n.TelegramBotToken != "" && n.TelegramChatID != ""
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level   string
	Console bool
	Output  string
}

// Load reads .env (if present) and builds the configuration from environment
// variables. A missing .env file is not an error; running under systemd or
// cron the environment is already populated.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv builds the configuration from the current environment without
// touching any file.
func FromEnv() (*Config, error) {
	cfg := &Config{
		Alpaca: AlpacaConfig{
			APIKey:    getEnvFirst("APCA_API_KEY_ID", "API_KEY"),
			APISecret: getEnvFirst("APCA_API_SECRET_KEY", "API_SECRET"),
			BaseURL:   getEnvFirst("BASE_URL", "APCA_API_BASE_URL"),
		},
		Database: DatabaseConfig{
			Host:     getEnvOrDefault("DB_HOST", "localhost"),
			Port:     getEnvIntOrDefault("DB_PORT", 5432),
			User:     os.Getenv("DB_USER"),
			Password: os.Getenv("DB_PASSWORD"),
			Name:     os.Getenv("DB_NAME"),
			SSLMode:  getEnvOrDefault("DB_SSLMODE", "disable"),
		},
		Trading: TradingConfig{
			DryRun:               getEnvBoolOrDefault("DRY_RUN_MODE", false),
			TestingMode:          getEnvBoolOrDefault("TESTING_MODE", false),
			IntegrationTestMode:  getEnvBoolOrDefault("INTEGRATION_TEST_MODE", false),
			OrderCooldownSeconds: getEnvIntOrDefault("ORDER_COOLDOWN_SECONDS", 5),
			StaleOrderThreshold:  time.Duration(getEnvIntOrDefault("STALE_ORDER_THRESHOLD_MINUTES", 5)) * time.Minute,
			StuckSellThreshold:   getEnvDurationOrDefault("STUCK_SELL_THRESHOLD", 75*time.Second),
		},
		Notifications: NotificationsConfig{
			SMTPHost:         getEnvFirst("SMTP_HOST", "SMTP_SERVER"),
			SMTPPort:         getEnvIntOrDefault("SMTP_PORT", 587),
			SMTPUsername:     os.Getenv("SMTP_USERNAME"),
			SMTPPassword:     os.Getenv("SMTP_PASSWORD"),
			AlertEmailFrom:   os.Getenv("ALERT_EMAIL_FROM"),
			AlertEmailTo:     os.Getenv("ALERT_EMAIL_TO"),
			TelegramBotToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
			TelegramChatID:   os.Getenv("TELEGRAM_CHAT_ID"),
			TradingAlerts:    getEnvBoolOrDefault("TRADING_ALERTS_ENABLED", true),
		},
		Logging: LoggingConfig{
			Level:   getEnvOrDefault("LOG_LEVEL", "info"),
			Console: getEnvBoolOrDefault("LOG_CONSOLE", false),
			Output:  getEnvOrDefault("LOG_OUTPUT", "stdout"),
		},
	}

	if cfg.Alpaca.BaseURL == "" {
		cfg.Alpaca.BaseURL = "https://paper-api.alpaca.markets"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that every required setting is present.
func (c *Config) Validate() error {
	var missing []string
	if c.Alpaca.APIKey == "" {
		missing = append(missing, "APCA_API_KEY_ID")
	}
	if c.Alpaca.APISecret == "" {
		missing = append(missing, "APCA_API_SECRET_KEY")
	}
	if c.Database.User == "" {
		missing = append(missing, "DB_USER")
	}
	if c.Database.Password == "" {
		missing = append(missing, "DB_PASSWORD")
	}
	if c.Database.Name == "" {
		missing = append(missing, "DB_NAME")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}
	if c.Trading.OrderCooldownSeconds < 0 {
		return fmt.Errorf("ORDER_COOLDOWN_SECONDS must not be negative")
	}
	if c.Trading.StaleOrderThreshold <= 0 {
		return fmt.Errorf("STALE_ORDER_THRESHOLD_MINUTES must be positive")
	}
	return nil
}

// Summary returns a loggable view of the configuration with secrets masked.
func (c *Config) Summary() map[string]string {
	mode := "LIVE"
	if c.Alpaca.IsPaper() {
		mode = "PAPER"
	}
	return map[string]string{
		"trading_mode":    mode,
		"base_url":        c.Alpaca.BaseURL,
		"api_key":         maskSecret(c.Alpaca.APIKey),
		"db":              fmt.Sprintf("%s@%s:%d/%s", c.Database.User, c.Database.Host, c.Database.Port, c.Database.Name),
		"dry_run":         strconv.FormatBool(c.Trading.DryRun),
		"testing_mode":    strconv.FormatBool(c.Trading.TestingMode),
		"order_cooldown":  fmt.Sprintf("%ds", c.Trading.OrderCooldownSeconds),
		"stale_threshold": c.Trading.StaleOrderThreshold.String(),
		"email_alerts":    strconv.FormatBool(c.Notifications.EmailEnabled()),
		"telegram_alerts": strconv.FormatBool(c.Notifications.TelegramEnabled()),
		"log_level":       c.Logging.Level,
	}
}

func maskSecret(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return s[:4] + strings.Repeat("*", len(s)-4)
}

// ===== ENVIRONMENT HELPERS =====

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFirst(keys ...string) string {
	for _, key := range keys {
		if value := os.Getenv(key); value != "" {
			return value
		}
	}
	return ""
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return n
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	default:
		return defaultValue
	}
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return d
}
