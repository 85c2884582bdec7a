// Package config provides configuration management for the WabiView services.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Bitcoin   BitcoinRPCConfig
	Electrs   ElectrsConfig
	Poller    PollerConfig
	Scanner   ScannerConfig
	Cache     CacheConfig
	RateLimit RateLimitConfig
	Logging   LoggingConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port string
	Host string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres   PostgresConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
}

// URL returns the postgres:// connection URL used by migrations
func (c PostgresConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", c.User, c.Password, c.Host, c.Port, c.Database)
}

// ClickHouseConfig holds ClickHouse configuration.
// The coinjoin archive is optional; when disabled no connection is made.
type ClickHouseConfig struct {
	Enabled  bool
	Host     string
	Port     string
	Database string
	User     string
	Password string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Enabled        bool
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// BitcoinRPCConfig holds Bitcoin Core JSON-RPC configuration
type BitcoinRPCConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Timeout  time.Duration
}

// URL returns the RPC endpoint
func (c BitcoinRPCConfig) URL() string {
	return fmt.Sprintf("http://%s:%d", c.Host, c.Port)
}

// ElectrsConfig holds Electrs REST configuration
type ElectrsConfig struct {
	Host    string
	Port    int
	Timeout time.Duration
}

// URL returns the Electrs base URL
func (c ElectrsConfig) URL() string {
	return fmt.Sprintf("http://%s:%d", c.Host, c.Port)
}

// PollerConfig holds coordinator poller configuration
type PollerConfig struct {
	BaseInterval   time.Duration
	MaxInterval    time.Duration
	RequestTimeout time.Duration
	StatusPath     string
	RoundsPath     string
}

// ScannerConfig holds coinjoin scanner configuration
type ScannerConfig struct {
	StartupDelay      time.Duration
	Interval          time.Duration
	AttributionWindow time.Duration
}

// CacheConfig holds cache configuration
type CacheConfig struct {
	TTL time.Duration
}

// RateLimitConfig holds API rate limiting configuration
type RateLimitConfig struct {
	RequestsPerSecond int
	Burst             int
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// .env is optional; environment variables can be set directly
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port: getEnv("WABIVIEW_PORT", "8080"),
			Host: getEnv("WABIVIEW_HOST", "0.0.0.0"),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "wabiview"),
				User:           getEnv("POSTGRES_USER", "wabiview"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 20),
			},
			ClickHouse: ClickHouseConfig{
				Enabled:  getEnvAsBool("CLICKHOUSE_ENABLED", false),
				Host:     getEnv("CLICKHOUSE_HOST", "localhost"),
				Port:     getEnv("CLICKHOUSE_PORT", "9000"),
				Database: getEnv("CLICKHOUSE_DB", "wabiview"),
				User:     getEnv("CLICKHOUSE_USER", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			},
			Redis: RedisConfig{
				Enabled:        getEnvAsBool("REDIS_ENABLED", true),
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 10),
			},
		},
		Bitcoin: BitcoinRPCConfig{
			Host:     getEnv("BITCOIN_RPC_HOST", "bitcoind.embassy"),
			Port:     getEnvAsInt("BITCOIN_RPC_PORT", 8332),
			User:     getEnv("BITCOIN_RPC_USER", ""),
			Password: getEnv("BITCOIN_RPC_PASSWORD", ""),
			Timeout:  getEnvAsDuration("BITCOIN_RPC_TIMEOUT", 30*time.Second),
		},
		Electrs: ElectrsConfig{
			Host:    getEnv("ELECTRS_HOST", "electrs.embassy"),
			Port:    getEnvAsInt("ELECTRS_PORT", 50001),
			Timeout: getEnvAsDuration("ELECTRS_TIMEOUT", 30*time.Second),
		},
		Poller: PollerConfig{
			BaseInterval:   getEnvAsDuration("POLLER_BASE_INTERVAL", 90*time.Second),
			MaxInterval:    getEnvAsDuration("POLLER_MAX_INTERVAL", 360*time.Second),
			RequestTimeout: getEnvAsDuration("POLLER_REQUEST_TIMEOUT", 30*time.Second),
			StatusPath:     getEnv("COORDINATOR_STATUS_PATH", "/wabisabi/status"),
			RoundsPath:     getEnv("COORDINATOR_ROUNDS_PATH", "/wabisabi/human-monitor"),
		},
		Scanner: ScannerConfig{
			StartupDelay:      getEnvAsDuration("SCANNER_STARTUP_DELAY", 10*time.Second),
			Interval:          getEnvAsDuration("SCANNER_INTERVAL", time.Minute),
			AttributionWindow: getEnvAsDuration("SCANNER_ATTRIBUTION_WINDOW", 10*time.Minute),
		},
		Cache: CacheConfig{
			TTL: getEnvAsDuration("CACHE_TTL", 20*time.Second),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: getEnvAsInt("RATE_LIMIT_RPS", 20),
			Burst:             getEnvAsInt("RATE_LIMIT_BURST", 40),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks that scheduling values are usable
func (c *Config) Validate() error {
	if c.Poller.BaseInterval <= 0 {
		return fmt.Errorf("poller base interval must be positive, got %v", c.Poller.BaseInterval)
	}
	if c.Poller.MaxInterval < c.Poller.BaseInterval {
		return fmt.Errorf("poller max interval %v is below base interval %v", c.Poller.MaxInterval, c.Poller.BaseInterval)
	}
	if c.Poller.RequestTimeout <= 0 {
		return fmt.Errorf("poller request timeout must be positive, got %v", c.Poller.RequestTimeout)
	}
	if c.Scanner.Interval <= 0 {
		return fmt.Errorf("scanner interval must be positive, got %v", c.Scanner.Interval)
	}
	if c.Scanner.StartupDelay < 0 {
		return fmt.Errorf("scanner startup delay cannot be negative, got %v", c.Scanner.StartupDelay)
	}
	if c.Scanner.AttributionWindow <= 0 {
		return fmt.Errorf("scanner attribution window must be positive, got %v", c.Scanner.AttributionWindow)
	}
	return nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool gets an environment variable as a boolean with a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
