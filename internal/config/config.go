// Package config loads service settings from an optional YAML file with
// environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"fleetopt/internal/tracing"
)

type Config struct {
	Server    Server         `yaml:"server"`
	Storage   Storage        `yaml:"storage"`
	Cache     Cache          `yaml:"cache"`
	Webhook   Webhook        `yaml:"webhook"`
	Log       Log            `yaml:"log"`
	Tracing   tracing.Config `yaml:"tracing"`
	Optimizer Optimizer      `yaml:"optimizer"`
}

type Server struct {
	Port         int           `yaml:"port"`
	RateRPS      float64       `yaml:"rateRps"` // 0 disables limiting
	RateBurst    int           `yaml:"rateBurst"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	MaxBodyBytes int64         `yaml:"maxBodyBytes"`
}

// Storage picks the solution store: Postgres when DatabaseURL is set, else
// SQLite when SQLitePath is set, else memory.
type Storage struct {
	DatabaseURL string `yaml:"databaseUrl"`
	SQLitePath  string `yaml:"sqlitePath"`
}

type Cache struct {
	RedisURL   string        `yaml:"redisUrl"`
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"maxEntries"`
}

type Webhook struct {
	URL         string        `yaml:"url"`
	Secret      string        `yaml:"secret"`
	MaxAttempts int           `yaml:"maxAttempts"`
	Timeout     time.Duration `yaml:"timeout"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Optimizer holds request defaults.
type Optimizer struct {
	Strategy             string        `yaml:"strategy"`
	TimeBudget           time.Duration `yaml:"timeBudget"`
	MaxTimeBudget        time.Duration `yaml:"maxTimeBudget"`
	SavingsMaxDeliveries int           `yaml:"savingsMaxDeliveries"`
	Operators            []string      `yaml:"operators"`
	SpeedKph             float64       `yaml:"speedKph"`
}

func Default() Config {
	return Config{
		Server: Server{
			Port:         8080,
			RateBurst:    20,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 2 * time.Minute,
			MaxBodyBytes: 8 << 20,
		},
		Cache:   Cache{TTL: 10 * time.Minute, MaxEntries: 256},
		Webhook: Webhook{MaxAttempts: 5, Timeout: 5 * time.Second},
		Log:     Log{Level: "info", Format: "json"},
		Tracing: tracing.Config{ServiceName: "fleetopt", SampleRatio: 1},
		Optimizer: Optimizer{
			Strategy:             "auto",
			TimeBudget:           10 * time.Second,
			MaxTimeBudget:        time.Minute,
			SavingsMaxDeliveries: 200,
			Operators:            []string{"2opt", "oropt", "3opt"},
			SpeedKph:             40,
		},
	}
}

// Load reads path (skipped when empty), applies environment overrides and
// validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	var errs []error
	num := func(key string, set func(string) error) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			if err := set(strings.TrimSpace(v)); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
			}
		}
	}
	num("PORT", func(v string) (err error) { c.Server.Port, err = strconv.Atoi(v); return })
	num("RATE_RPS", func(v string) (err error) { c.Server.RateRPS, err = strconv.ParseFloat(v, 64); return })
	num("RATE_BURST", func(v string) (err error) { c.Server.RateBurst, err = strconv.Atoi(v); return })
	num("WEBHOOK_MAX_ATTEMPTS", func(v string) (err error) { c.Webhook.MaxAttempts, err = strconv.Atoi(v); return })
	num("TRACING", func(v string) error {
		switch strings.ToLower(v) {
		case "stdout", "true", "1", "on":
			c.Tracing.Enabled = true
		case "off", "false", "0", "none":
			c.Tracing.Enabled = false
		default:
			return fmt.Errorf("unknown tracing mode %q", v)
		}
		return nil
	})
	str("DATABASE_URL", &c.Storage.DatabaseURL)
	str("SQLITE_PATH", &c.Storage.SQLitePath)
	str("REDIS_URL", &c.Cache.RedisURL)
	str("WEBHOOK_URL", &c.Webhook.URL)
	str("WEBHOOK_SECRET", &c.Webhook.Secret)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("OPTIMIZER_STRATEGY", &c.Optimizer.Strategy)
	return errors.Join(errs...)
}

// Validate rejects settings the server cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.RateRPS < 0 {
		errs = append(errs, errors.New("server.rateRps must be >= 0"))
	}
	if c.Server.RateRPS > 0 && c.Server.RateBurst <= 0 {
		errs = append(errs, errors.New("server.rateBurst must be > 0 when rate limiting is on"))
	}
	if c.Webhook.URL != "" && c.Webhook.MaxAttempts <= 0 {
		errs = append(errs, errors.New("webhook.maxAttempts must be > 0"))
	}
	switch strings.ToLower(c.Optimizer.Strategy) {
	case "", "auto", "savings", "genetic", "hybrid", "cw", "clarke-wright", "ga":
	default:
		errs = append(errs, fmt.Errorf("optimizer.strategy %q unknown", c.Optimizer.Strategy))
	}
	if c.Optimizer.TimeBudget < 0 || c.Optimizer.MaxTimeBudget < 0 {
		errs = append(errs, errors.New("optimizer time budgets must be >= 0"))
	}
	if c.Optimizer.MaxTimeBudget > 0 && c.Optimizer.TimeBudget > c.Optimizer.MaxTimeBudget {
		errs = append(errs, errors.New("optimizer.timeBudget exceeds optimizer.maxTimeBudget"))
	}
	if c.Optimizer.SpeedKph < 0 {
		errs = append(errs, errors.New("optimizer.speedKph must be >= 0"))
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errs = append(errs, errors.New("tracing.sampleRatio must be within [0,1]"))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format %q unknown", c.Log.Format))
	}
	return errors.Join(errs...)
}

// Addr is the listen address.
func (c Config) Addr() string { return ":" + strconv.Itoa(c.Server.Port) }
