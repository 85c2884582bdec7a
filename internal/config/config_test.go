package config

import (
	"testing"
	"time"
)

func TestLoadConfig(t *testing.T) {
	t.Setenv("WABIVIEW_PORT", "9090")
	t.Setenv("POSTGRES_HOST", "testhost")
	t.Setenv("CACHE_TTL", "30s")
	t.Setenv("CLICKHOUSE_ENABLED", "true")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("Server.Port = %v, want %v", cfg.Server.Port, "9090")
	}
	if cfg.Database.Postgres.Host != "testhost" {
		t.Errorf("Database.Postgres.Host = %v, want %v", cfg.Database.Postgres.Host, "testhost")
	}
	if cfg.Cache.TTL != 30*time.Second {
		t.Errorf("Cache.TTL = %v, want %v", cfg.Cache.TTL, 30*time.Second)
	}
	if !cfg.Database.ClickHouse.Enabled {
		t.Error("Database.ClickHouse.Enabled = false, want true")
	}
}

func TestLoadConfig_SchedulingDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Poller.BaseInterval != 90*time.Second {
		t.Errorf("Poller.BaseInterval = %v, want 90s", cfg.Poller.BaseInterval)
	}
	if cfg.Poller.MaxInterval != 360*time.Second {
		t.Errorf("Poller.MaxInterval = %v, want 360s", cfg.Poller.MaxInterval)
	}
	if cfg.Poller.RequestTimeout != 30*time.Second {
		t.Errorf("Poller.RequestTimeout = %v, want 30s", cfg.Poller.RequestTimeout)
	}
	if cfg.Poller.StatusPath != "/wabisabi/status" || cfg.Poller.RoundsPath != "/wabisabi/human-monitor" {
		t.Errorf("coordinator paths = %q, %q", cfg.Poller.StatusPath, cfg.Poller.RoundsPath)
	}
	if cfg.Scanner.StartupDelay != 10*time.Second {
		t.Errorf("Scanner.StartupDelay = %v, want 10s", cfg.Scanner.StartupDelay)
	}
	if cfg.Scanner.Interval != time.Minute {
		t.Errorf("Scanner.Interval = %v, want 1m", cfg.Scanner.Interval)
	}
	if cfg.Scanner.AttributionWindow != 10*time.Minute {
		t.Errorf("Scanner.AttributionWindow = %v, want 10m", cfg.Scanner.AttributionWindow)
	}
	if got := cfg.Bitcoin.URL(); got != "http://bitcoind.embassy:8332" {
		t.Errorf("Bitcoin.URL() = %v", got)
	}
	if got := cfg.Electrs.URL(); got != "http://electrs.embassy:50001" {
		t.Errorf("Electrs.URL() = %v", got)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Poller: PollerConfig{
				BaseInterval:   90 * time.Second,
				MaxInterval:    360 * time.Second,
				RequestTimeout: 30 * time.Second,
			},
			Scanner: ScannerConfig{
				StartupDelay:      10 * time.Second,
				Interval:          time.Minute,
				AttributionWindow: 10 * time.Minute,
			},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "defaults are valid", mutate: func(c *Config) {}},
		{name: "max below base", mutate: func(c *Config) { c.Poller.MaxInterval = time.Minute }, wantErr: true},
		{name: "zero base", mutate: func(c *Config) { c.Poller.BaseInterval = 0 }, wantErr: true},
		{name: "zero scan interval", mutate: func(c *Config) { c.Scanner.Interval = 0 }, wantErr: true},
		{name: "negative startup delay", mutate: func(c *Config) { c.Scanner.StartupDelay = -time.Second }, wantErr: true},
		{name: "zero attribution window", mutate: func(c *Config) { c.Scanner.AttributionWindow = 0 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestGetEnv(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue string
		envValue     string
		want         string
	}{
		{
			name:         "returns environment variable when set",
			key:          "TEST_KEY",
			defaultValue: "default",
			envValue:     "custom",
			want:         "custom",
		},
		{
			name:         "returns default when environment variable not set",
			key:          "NONEXISTENT_KEY",
			defaultValue: "default",
			envValue:     "",
			want:         "default",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				t.Setenv(tt.key, tt.envValue)
			}

			got := getEnv(tt.key, tt.defaultValue)
			if got != tt.want {
				t.Errorf("getEnv() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetEnvAsBool(t *testing.T) {
	t.Setenv("TEST_BOOL", "true")
	t.Setenv("TEST_BOOL_INVALID", "maybe")

	if !getEnvAsBool("TEST_BOOL", false) {
		t.Error("getEnvAsBool(TEST_BOOL) = false, want true")
	}
	if !getEnvAsBool("TEST_BOOL_INVALID", true) {
		t.Error("getEnvAsBool(TEST_BOOL_INVALID) should fall back to default")
	}
	if getEnvAsBool("TEST_BOOL_NOTSET", false) {
		t.Error("getEnvAsBool(TEST_BOOL_NOTSET) should fall back to default")
	}
}

func TestGetEnvAsDuration(t *testing.T) {
	t.Setenv("TEST_DURATION", "45s")
	t.Setenv("TEST_DURATION_INVALID", "soon")

	if got := getEnvAsDuration("TEST_DURATION", time.Second); got != 45*time.Second {
		t.Errorf("getEnvAsDuration() = %v, want 45s", got)
	}
	if got := getEnvAsDuration("TEST_DURATION_INVALID", time.Second); got != time.Second {
		t.Errorf("getEnvAsDuration() = %v, want default", got)
	}
	if got := getEnvAsInt("TEST_INT_NOTSET", 7); got != 7 {
		t.Errorf("getEnvAsInt() = %v, want 7", got)
	}
}
