// Package config loads quorumq settings from a YAML file and QUORUMQ_*
// environment variables, in that order, on top of built-in defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

type Config struct {
	DBPath          string            `yaml:"db_path"`
	RedisAddr       string            `yaml:"redis_addr"`
	QueueName       string            `yaml:"queue_name"`
	LogLevel        string            `yaml:"log_level"`
	WorkerID        string            `yaml:"worker_id"`
	DispatchTimeout Duration          `yaml:"dispatch_timeout"`
	Queue           QueueConfig       `yaml:"queue"`
	Breaker         BreakerConfig     `yaml:"breaker"`
	Delegates       []DelegateConfig  `yaml:"delegates"`
	Consensus       ConsensusConfig   `yaml:"consensus"`
	Cost            CostConfig        `yaml:"cost"`
	Auth            AuthConfig        `yaml:"auth"`
	Maintenance     MaintenanceConfig `yaml:"maintenance"`
}

type QueueConfig struct {
	MaxRetries   int      `yaml:"max_retries"`
	ClaimRetries int      `yaml:"claim_retries"`
	PollInterval Duration `yaml:"poll_interval"`
	// AgeBoost maps a priority level to the wait after which a QUEUED task
	// at that level is promoted one level.
	AgeBoost map[int]Duration `yaml:"age_boost"`
}

type BreakerConfig struct {
	Threshold    int      `yaml:"threshold"`
	Cooldown     Duration `yaml:"cooldown"`
	TrialTimeout Duration `yaml:"trial_timeout"`
}

type DelegateConfig struct {
	Name    string   `yaml:"name"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	// Format is "json" (strict envelope on stdout) or "text".
	Format  string   `yaml:"format"`
	Timeout Duration `yaml:"timeout"`
}

type ConsensusConfig struct {
	// Weights maps task category -> worker -> trust weight.
	Weights map[string]map[string]float64 `yaml:"weights"`
}

type Rate struct {
	InputPerMillion  string `yaml:"input_per_million"`
	OutputPerMillion string `yaml:"output_per_million"`
}

type CostConfig struct {
	Dir           string          `yaml:"dir"`
	CharsPerToken int             `yaml:"chars_per_token"`
	Rates         map[string]Rate `yaml:"rates"`
	DailyBudget   string          `yaml:"daily_budget"`
}

type AuthConfig struct {
	TokenTTL         Duration `yaml:"token_ttl"`
	LockoutThreshold int      `yaml:"lockout_threshold"`
	LockoutWindow    Duration `yaml:"lockout_window"`
	LockoutDuration  Duration `yaml:"lockout_duration"`
	Retention        Duration `yaml:"retention"`
	// Limiter is "sqlite" (the shared database), "memory" or "redis".
	Limiter string `yaml:"limiter"`
}

type MaintenanceConfig struct {
	Schedule string `yaml:"schedule"`
}

// Duration is a time.Duration that reads from YAML strings such as "30s".
type Duration time.Duration

func (d Duration) D() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	v, err := cast.ToDurationE(node.Value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", node.Value, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func defaultHome() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "."
	}
	return filepath.Join(home, ".quorumq")
}

func Default() Config {
	home := defaultHome()
	return Config{
		DBPath:          filepath.Join(home, "quorumq.db"),
		QueueName:       "default",
		LogLevel:        "info",
		DispatchTimeout: Duration(120 * time.Second),
		Queue: QueueConfig{
			MaxRetries:   3,
			ClaimRetries: 5,
			PollInterval: Duration(2 * time.Second),
			AgeBoost: map[int]Duration{
				3: Duration(4 * time.Hour),
				2: Duration(8 * time.Hour),
				1: Duration(24 * time.Hour),
			},
		},
		Breaker: BreakerConfig{
			Threshold: 5,
			Cooldown:  Duration(60 * time.Second),
		},
		Delegates: []DelegateConfig{
			{Name: "claude", Command: "claude-delegate", Format: "json"},
			{Name: "codex", Command: "codex-delegate", Format: "json"},
			{Name: "gemini", Command: "gemini-delegate", Format: "json"},
		},
		Cost: CostConfig{
			Dir:           filepath.Join(home, "costs"),
			CharsPerToken: 4,
			Rates: map[string]Rate{
				"claude": {InputPerMillion: "3.00", OutputPerMillion: "15.00"},
				"codex":  {InputPerMillion: "1.25", OutputPerMillion: "10.00"},
				"gemini": {InputPerMillion: "1.25", OutputPerMillion: "10.00"},
			},
		},
		Auth: AuthConfig{
			TokenTTL:         Duration(8 * time.Hour),
			LockoutThreshold: 5,
			LockoutWindow:    Duration(15 * time.Minute),
			LockoutDuration:  Duration(15 * time.Minute),
			Retention:        Duration(30 * 24 * time.Hour),
			Limiter:          "sqlite",
		},
		Maintenance: MaintenanceConfig{Schedule: "@every 15m"},
	}
}

// Load reads path (when non-empty) over the defaults, then applies
// environment overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type lookupFunc func(string) (string, bool)

func applyEnv(cfg *Config, lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		n, err := cast.ToIntE(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}
	dur := func(key string, dst *Duration) error {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		d, err := cast.ToDurationE(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = Duration(d)
		return nil
	}

	str("QUORUMQ_DB", &cfg.DBPath)
	str("QUORUMQ_REDIS_ADDR", &cfg.RedisAddr)
	str("QUORUMQ_QUEUE", &cfg.QueueName)
	str("QUORUMQ_LOG_LEVEL", &cfg.LogLevel)
	str("QUORUMQ_WORKER_ID", &cfg.WorkerID)
	str("QUORUMQ_COST_DIR", &cfg.Cost.Dir)
	str("QUORUMQ_DAILY_BUDGET", &cfg.Cost.DailyBudget)
	str("QUORUMQ_AUTH_LIMITER", &cfg.Auth.Limiter)

	return errors.Join(
		num("QUORUMQ_MAX_RETRIES", &cfg.Queue.MaxRetries),
		num("QUORUMQ_BREAKER_THRESHOLD", &cfg.Breaker.Threshold),
		num("QUORUMQ_LOCKOUT_THRESHOLD", &cfg.Auth.LockoutThreshold),
		dur("QUORUMQ_BREAKER_COOLDOWN", &cfg.Breaker.Cooldown),
		dur("QUORUMQ_DISPATCH_TIMEOUT", &cfg.DispatchTimeout),
		dur("QUORUMQ_TOKEN_TTL", &cfg.Auth.TokenTTL),
	)
}

func (c Config) Validate() error {
	var errs []error
	if c.DBPath == "" {
		errs = append(errs, errors.New("db_path is required"))
	}
	if c.Queue.MaxRetries < 0 {
		errs = append(errs, errors.New("queue.max_retries must be >= 0"))
	}
	if c.Breaker.Threshold < 1 {
		errs = append(errs, errors.New("breaker.threshold must be >= 1"))
	}
	if c.Breaker.Cooldown <= 0 {
		errs = append(errs, errors.New("breaker.cooldown must be > 0"))
	}
	if c.DispatchTimeout <= 0 {
		errs = append(errs, errors.New("dispatch_timeout must be > 0"))
	}
	if c.Cost.CharsPerToken < 1 {
		errs = append(errs, errors.New("cost.chars_per_token must be >= 1"))
	}
	if c.Auth.TokenTTL <= 0 {
		errs = append(errs, errors.New("auth.token_ttl must be > 0"))
	}
	switch c.Auth.Limiter {
	case "sqlite", "memory", "":
	case "redis":
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("auth.limiter=redis requires redis_addr"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown auth.limiter %q", c.Auth.Limiter))
	}
	seen := map[string]bool{}
	for _, d := range c.Delegates {
		if d.Name == "" {
			errs = append(errs, errors.New("delegate name is required"))
			continue
		}
		if seen[d.Name] {
			errs = append(errs, fmt.Errorf("duplicate delegate %q", d.Name))
		}
		seen[d.Name] = true
		if d.Format != "" && d.Format != "json" && d.Format != "text" {
			errs = append(errs, fmt.Errorf("delegate %s: unknown format %q", d.Name, d.Format))
		}
	}
	for cat, ws := range c.Consensus.Weights {
		for w, v := range ws {
			if v < 0 {
				errs = append(errs, fmt.Errorf("consensus weight %s/%s must be >= 0", cat, w))
			}
		}
	}
	return errors.Join(errs...)
}

// DelegateNames returns configured worker names in declaration order.
func (c Config) DelegateNames() []string {
	out := make([]string, 0, len(c.Delegates))
	for _, d := range c.Delegates {
		out = append(out, d.Name)
	}
	return out
}
