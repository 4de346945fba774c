package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	BrokerConfig    BrokerConfig    `json:"broker"`
	MarketConfig    MarketConfig    `json:"market"`
	CacheConfig     CacheConfig     `json:"cache"`
	FeedConfig      FeedConfig      `json:"feed"`
	RiskConfig      RiskConfig      `json:"risk"`
	ExitConfig      ExitConfig      `json:"exit"`
	ReentryConfig   ReentryConfig   `json:"reentry"`
	ReconcileConfig ReconcileConfig `json:"reconcile"`
	RetryConfig     RetryConfig     `json:"retry"`
	DatabaseConfig  DatabaseConfig  `json:"database"`
	RedisConfig     RedisConfig     `json:"redis"`
	VaultConfig     VaultConfig     `json:"vault"`
	ServerConfig    ServerConfig    `json:"server"`
	LoggingConfig   LoggingConfig   `json:"logging"`
}

// BrokerConfig holds broker gateway configuration
type BrokerConfig struct {
	Name       string  `json:"name"`
	BaseURL    string  `json:"base_url"`
	APIKey     string  `json:"api_key"`
	APISecret  string  `json:"api_secret"`
	PaperMode  bool    `json:"paper_mode"`  // Simulated gateway, no real orders
	PaperFunds float64 `json:"paper_funds"` // Starting cash in paper mode

	// Request pacing against the metered upstream
	MinRequestIntervalMS int `json:"min_request_interval_ms"`
	MaxRequestsPerMinute int `json:"max_requests_per_minute"`
}

// MarketConfig holds trading calendar configuration
type MarketConfig struct {
	Timezone string `json:"timezone"` // e.g. "America/New_York"
}

// CacheConfig holds price/indicator cache TTLs in seconds
type CacheConfig struct {
	RealtimeOpenTTL     int `json:"realtime_open_ttl"`
	RealtimeOffTTL      int `json:"realtime_off_ttl"`
	RealtimeClosedTTL   int `json:"realtime_closed_ttl"`
	HistoricalOpenTTL   int `json:"historical_open_ttl"`
	HistoricalClosedTTL int `json:"historical_closed_ttl"`
}

// FeedConfig holds the live price websocket configuration
type FeedConfig struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url"`
}

// RiskConfig holds placement validation limits
type RiskConfig struct {
	MaxOpenPositions    int     `json:"max_open_positions"`
	MaxPositionNotional float64 `json:"max_position_notional"`
	MinCashReserve      float64 `json:"min_cash_reserve"`
	ReentryFraction     float64 `json:"reentry_fraction"`
}

// ExitConfig holds trailing exit engine configuration
type ExitConfig struct {
	Enabled         bool    `json:"enabled"`
	IntervalSec     int     `json:"interval_sec"`
	TrailPercent    float64 `json:"trail_percent"`
	IndicatorName   string  `json:"indicator_name"`
	IndicatorWeight float64 `json:"indicator_weight"`
}

// ReentryConfig holds re-entry engine configuration
type ReentryConfig struct {
	Enabled               bool    `json:"enabled"`
	IntervalMin           int     `json:"interval_min"`
	AdverseMovePercent    float64 `json:"adverse_move_percent"`
	MaxReentriesPerSymbol int     `json:"max_reentries_per_symbol"`
}

// ReconcileConfig holds reconciliation loop configuration
type ReconcileConfig struct {
	IntervalSec  int  `json:"interval_sec"`
	AdoptUnknown bool `json:"adopt_unknown"`
}

// RetryConfig holds the failed-order retry sweep configuration
type RetryConfig struct {
	IntervalMin int `json:"interval_min"`
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Enabled  bool   `json:"enabled"` // false uses the in-memory store
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// RedisConfig holds Redis configuration for exit target persistence
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// VaultConfig holds HashiCorp Vault configuration
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

// ServerConfig holds the read-only HTTP API configuration
type ServerConfig struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
}

type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Output string `json:"output"` // stdout, stderr, or file path
	Pretty bool   `json:"pretty"` // Console format instead of JSON
}

func Load() (*Config, error) {
	godotenv.Load()

	cfg, err := loadFromFile("config.json")
	if err != nil {
		cfg = defaults()
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func loadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	cfg := defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filename, err)
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		BrokerConfig: BrokerConfig{
			Name:                 "paper",
			PaperMode:            true,
			PaperFunds:           100_000,
			MinRequestIntervalMS: 250,
			MaxRequestsPerMinute: 120,
		},
		MarketConfig: MarketConfig{Timezone: "America/New_York"},
		CacheConfig: CacheConfig{
			RealtimeOpenTTL:     5,
			RealtimeOffTTL:      30,
			RealtimeClosedTTL:   300,
			HistoricalOpenTTL:   900,
			HistoricalClosedTTL: 21600,
		},
		RiskConfig: RiskConfig{
			MaxOpenPositions:    10,
			MaxPositionNotional: 50_000,
			MinCashReserve:      1_000,
			ReentryFraction:     0.25,
		},
		ExitConfig: ExitConfig{
			Enabled:      true,
			IntervalSec:  15,
			TrailPercent: 1.5,
		},
		ReentryConfig: ReentryConfig{
			Enabled:               true,
			IntervalMin:           10,
			AdverseMovePercent:    5.0,
			MaxReentriesPerSymbol: 2,
		},
		ReconcileConfig: ReconcileConfig{
			IntervalSec:  30,
			AdoptUnknown: true,
		},
		RetryConfig: RetryConfig{IntervalMin: 5},
		DatabaseConfig: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "postgres",
			Database: "trading_engine",
			SSLMode:  "disable",
		},
		RedisConfig: RedisConfig{
			Address:  "localhost:6379",
			PoolSize: 10,
		},
		ServerConfig: ServerConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8080,
		},
		LoggingConfig: LoggingConfig{
			Level:  "info",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides; these take
// precedence over config.json
func applyEnvOverrides(cfg *Config) {
	cfg.BrokerConfig.Name = getEnvOrDefault("BROKER_NAME", cfg.BrokerConfig.Name)
	cfg.BrokerConfig.BaseURL = getEnvOrDefault("BROKER_BASE_URL", cfg.BrokerConfig.BaseURL)
	cfg.BrokerConfig.APIKey = getEnvOrDefault("BROKER_API_KEY", cfg.BrokerConfig.APIKey)
	cfg.BrokerConfig.APISecret = getEnvOrDefault("BROKER_API_SECRET", cfg.BrokerConfig.APISecret)
	cfg.BrokerConfig.PaperMode = getEnvBool("BROKER_PAPER_MODE", cfg.BrokerConfig.PaperMode)
	cfg.BrokerConfig.PaperFunds = getEnvFloat("BROKER_PAPER_FUNDS", cfg.BrokerConfig.PaperFunds)
	cfg.BrokerConfig.MinRequestIntervalMS = getEnvInt("BROKER_MIN_REQUEST_INTERVAL_MS", cfg.BrokerConfig.MinRequestIntervalMS)
	cfg.BrokerConfig.MaxRequestsPerMinute = getEnvInt("BROKER_MAX_REQUESTS_PER_MINUTE", cfg.BrokerConfig.MaxRequestsPerMinute)

	cfg.MarketConfig.Timezone = getEnvOrDefault("MARKET_TIMEZONE", cfg.MarketConfig.Timezone)

	cfg.FeedConfig.Enabled = getEnvBool("FEED_ENABLED", cfg.FeedConfig.Enabled)
	cfg.FeedConfig.URL = getEnvOrDefault("FEED_URL", cfg.FeedConfig.URL)

	cfg.ExitConfig.Enabled = getEnvBool("EXIT_ENABLED", cfg.ExitConfig.Enabled)
	cfg.ExitConfig.TrailPercent = getEnvFloat("EXIT_TRAIL_PERCENT", cfg.ExitConfig.TrailPercent)

	cfg.ReentryConfig.Enabled = getEnvBool("REENTRY_ENABLED", cfg.ReentryConfig.Enabled)
	cfg.ReentryConfig.AdverseMovePercent = getEnvFloat("REENTRY_ADVERSE_MOVE_PERCENT", cfg.ReentryConfig.AdverseMovePercent)

	cfg.DatabaseConfig.Enabled = getEnvBool("DB_ENABLED", cfg.DatabaseConfig.Enabled)
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", cfg.DatabaseConfig.Host)
	cfg.DatabaseConfig.Port = getEnvInt("DB_PORT", cfg.DatabaseConfig.Port)
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", cfg.DatabaseConfig.User)
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", cfg.DatabaseConfig.Database)
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", cfg.DatabaseConfig.SSLMode)

	cfg.RedisConfig.Enabled = getEnvBool("REDIS_ENABLED", cfg.RedisConfig.Enabled)
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", cfg.RedisConfig.Address)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvInt("REDIS_DB", cfg.RedisConfig.DB)

	cfg.VaultConfig.Enabled = getEnvBool("VAULT_ENABLED", cfg.VaultConfig.Enabled)
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", cfg.VaultConfig.Address)
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", cfg.VaultConfig.MountPath)

	cfg.ServerConfig.Enabled = getEnvBool("SERVER_ENABLED", cfg.ServerConfig.Enabled)
	cfg.ServerConfig.Host = getEnvOrDefault("SERVER_HOST", cfg.ServerConfig.Host)
	cfg.ServerConfig.Port = getEnvInt("SERVER_PORT", cfg.ServerConfig.Port)

	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", cfg.LoggingConfig.Output)
	cfg.LoggingConfig.Pretty = getEnvBool("LOG_PRETTY", cfg.LoggingConfig.Pretty)
}

// Durations converted from the integer fields
func (c *BrokerConfig) MinRequestInterval() time.Duration {
	return time.Duration(c.MinRequestIntervalMS) * time.Millisecond
}

func (c *ExitConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSec) * time.Second
}

func (c *ReentryConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMin) * time.Minute
}

func (c *ReconcileConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSec) * time.Second
}

func (c *RetryConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMin) * time.Minute
}

func getEnvOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value == "true" || value == "1"
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return f
}

// GenerateSampleConfig writes a starter configuration file
func GenerateSampleConfig(filename string) error {
	data, err := json.MarshalIndent(defaults(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0644)
}
