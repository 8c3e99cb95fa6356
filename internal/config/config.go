package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Economy   EconomyConfig   `yaml:"economy"`
	Sweeper   SweeperConfig   `yaml:"sweeper"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

type DatabaseConfig struct {
	// Driver selects the store backend: "memory" or "postgres".
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type RedisConfig struct {
	// Empty Addr disables event publishing.
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

type EconomyConfig struct {
	// InitialGrant is the credit balance every new agent starts with.
	InitialGrant int64 `yaml:"initial_grant"`
}

type SweeperConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`
}

type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"`
}

// Default returns the configuration used when no config file is given.
func Default() *Config {
	return &Config{
		Server:    ServerConfig{Port: "8080", Env: "development"},
		Database:  DatabaseConfig{Driver: "memory"},
		Economy:   EconomyConfig{InitialGrant: 100},
		Sweeper:   SweeperConfig{IntervalSeconds: 60},
		RateLimit: RateLimitConfig{RequestsPerMinute: 120, Burst: 20},
	}
}

// LoadConfig reads a yaml config file, layering it over the defaults, then
// applies environment overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("DATABASE_DRIVER"); v != "" {
		c.Database.Driver = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.DSN = v
		if os.Getenv("DATABASE_DRIVER") == "" {
			c.Database.Driver = "postgres"
		}
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case "memory":
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	if c.Economy.InitialGrant < 0 {
		return fmt.Errorf("economy.initial_grant must not be negative")
	}
	return nil
}

// SweepInterval is the sweeper period as a duration.
func (c *Config) SweepInterval() time.Duration {
	if c.Sweeper.IntervalSeconds <= 0 {
		return 0
	}
	return time.Duration(c.Sweeper.IntervalSeconds) * time.Second
}
