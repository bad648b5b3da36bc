package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel  string                 `yaml:"log_level"`
	Store     StoreConfig            `yaml:"store"`
	NATS      NATSConfig             `yaml:"nats"`
	Web       WebConfig              `yaml:"web"`
	Client    ClientConfig           `yaml:"client"`
	Scheduler SchedulerConfig        `yaml:"scheduler"`
	Graph     GraphConfig            `yaml:"graph"`
	Agents    map[string]AgentConfig `yaml:"agents"`
	Pool      PoolConfig             `yaml:"pool"`
	Trigger   TriggerConfig          `yaml:"trigger"`
	Telegram  TelegramConfig         `yaml:"telegram"`
	Vault     VaultConfig            `yaml:"vault"`
}

type StoreConfig struct {
	Path         string        `yaml:"path"`
	ArtifactDir  string        `yaml:"artifact_dir"`
	Retention    time.Duration `yaml:"retention"`
	ArchiveCache int           `yaml:"archive_cache"`
}

type NATSConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	DataDir      string `yaml:"data_dir"`
	AdvertiseURL string `yaml:"advertise_url"`
}

type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Auth    string `yaml:"auth"`
}

// ClientConfig is used by the CLI commands talking to a running server.
type ClientConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
	Retry   RetryConfig   `yaml:"retry"`
}

type RetryConfig struct {
	BaseDelay   time.Duration `yaml:"base_delay"`
	Multiplier  float64       `yaml:"multiplier"`
	MaxAttempts int           `yaml:"max_attempts"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

type SchedulerConfig struct {
	Mode              string        `yaml:"mode"`
	ConcurrencyBudget int           `yaml:"concurrency_budget"`
	AgentTimeout      time.Duration `yaml:"agent_timeout"`
	Retry             RetryConfig   `yaml:"retry"`
	RequiredAgents    []string      `yaml:"required_agents"`
}

// GraphConfig overrides the built-in dependency policy when non-empty.
type GraphConfig struct {
	Hard []EdgeConfig `yaml:"hard"`
	Soft []EdgeConfig `yaml:"soft"`
}

type EdgeConfig struct {
	From string   `yaml:"from"`
	To   []string `yaml:"to"`
}

// AgentConfig tunes one agent type. Zero values keep the built-in descriptor.
type AgentConfig struct {
	Kind         string        `yaml:"kind"`
	Priority     string        `yaml:"priority"`
	Concurrent   *bool         `yaml:"concurrent"`
	Weight       int           `yaml:"weight"`
	Capabilities []string      `yaml:"capabilities"`
	Timeout      time.Duration `yaml:"timeout"`
	Endpoint     string        `yaml:"endpoint"`
	Token        string        `yaml:"token"`
	Latency      time.Duration `yaml:"latency"`
	FailureRate  float64       `yaml:"failure_rate"`
}

type PoolConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Provider       string        `yaml:"provider"`
	MinSlots       int           `yaml:"min_slots"`
	MaxSlots       int           `yaml:"max_slots"`
	HighWater      int           `yaml:"high_water"`
	HealthInterval time.Duration `yaml:"health_interval"`
	ScaleUpWindow  time.Duration `yaml:"scale_up_window"`
	Cooldown       time.Duration `yaml:"cooldown"`
	Image          string        `yaml:"image"`
	Network        string        `yaml:"network"`
}

type TriggerConfig struct {
	Enabled      bool          `yaml:"enabled"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type TelegramConfig struct {
	Token  string `yaml:"token"`
	ChatID int64  `yaml:"chat_id"`
}

type VaultConfig struct {
	Passphrase string `yaml:"passphrase"`
}

const (
	ProviderLocal  = "local"
	ProviderDocker = "docker"
)

func defaults() Config {
	return Config{
		LogLevel: "info",
		Store: StoreConfig{
			Path:         "data/clipforge.db",
			ArtifactDir:  "data/artifacts",
			Retention:    24 * time.Hour,
			ArchiveCache: 256,
		},
		NATS: NATSConfig{
			Host:    "127.0.0.1",
			Port:    4222,
			DataDir: "data/nats",
		},
		Web: WebConfig{
			Enabled: true,
			Port:    8080,
		},
		Client: ClientConfig{
			URL:     "http://localhost:8080",
			Timeout: 30 * time.Second,
			Retry: RetryConfig{
				BaseDelay:   250 * time.Millisecond,
				Multiplier:  2,
				MaxAttempts: 4,
				MaxDelay:    5 * time.Second,
			},
		},
		Scheduler: SchedulerConfig{
			Mode:         "hybrid",
			AgentTimeout: 5 * time.Minute,
			Retry: RetryConfig{
				BaseDelay:   time.Second,
				Multiplier:  2,
				MaxAttempts: 3,
				MaxDelay:    30 * time.Second,
			},
			RequiredAgents: []string{
				"content-analysis",
				"video-generation",
				"editing",
				"optimization",
				"social-media",
			},
		},
		Pool: PoolConfig{
			Provider:       ProviderLocal,
			MinSlots:       1,
			MaxSlots:       3,
			HighWater:      2,
			HealthInterval: 15 * time.Second,
			ScaleUpWindow:  30 * time.Second,
			Cooldown:       5 * time.Minute,
			Image:          "clipforge-worker:latest",
		},
		Trigger: TriggerConfig{
			Enabled:      true,
			PollInterval: 30 * time.Second,
		},
	}
}

// Default returns the built-in configuration without reading files or env.
func Default() *Config {
	cfg := defaults()
	return &cfg
}

func Load() (*Config, error) {
	cfg := defaults()

	path := os.Getenv("CLIPFORGE_CONFIG")
	if path == "" {
		path = "config/clipforge.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults + env
	} else {
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("CLIPFORGE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CLIPFORGE_TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("CLIPFORGE_TELEGRAM_CHAT_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Telegram.ChatID = id
		}
	}
	if v := os.Getenv("CLIPFORGE_VAULT_PASSPHRASE"); v != "" {
		cfg.Vault.Passphrase = v
	}
	if v := os.Getenv("CLIPFORGE_WEB_PASSWORD"); v != "" {
		cfg.Web.Auth = v
	}
	if v := os.Getenv("CLIPFORGE_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("CLIPFORGE_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("CLIPFORGE_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("CLIPFORGE_ARTIFACT_DIR"); v != "" {
		cfg.Store.ArtifactDir = v
	}
	if v := os.Getenv("CLIPFORGE_URL"); v != "" {
		cfg.Client.URL = v
	}
}

// Validate checks structural constraints. Agent type names are checked when
// the registry and dependency graph are built.
func (c *Config) Validate() error {
	var errs []error

	switch c.Scheduler.Mode {
	case "sequential", "parallel", "hybrid":
	default:
		errs = append(errs, fmt.Errorf("scheduler.mode: unknown mode %q", c.Scheduler.Mode))
	}
	if c.Scheduler.ConcurrencyBudget < 0 {
		errs = append(errs, errors.New("scheduler.concurrency_budget must not be negative"))
	}
	if c.Scheduler.AgentTimeout <= 0 {
		errs = append(errs, errors.New("scheduler.agent_timeout must be positive"))
	}
	if err := c.Scheduler.Retry.validate("scheduler.retry"); err != nil {
		errs = append(errs, err)
	}
	if err := c.Client.Retry.validate("client.retry"); err != nil {
		errs = append(errs, err)
	}

	for name, a := range c.Agents {
		switch a.Kind {
		case "", "simulated", "nats":
		case "http":
			if a.Endpoint == "" {
				errs = append(errs, fmt.Errorf("agents.%s: http agents need an endpoint", name))
			}
		default:
			errs = append(errs, fmt.Errorf("agents.%s: unknown kind %q", name, a.Kind))
		}
		if a.Weight < 0 {
			errs = append(errs, fmt.Errorf("agents.%s: weight must not be negative", name))
		}
		if a.FailureRate < 0 || a.FailureRate > 1 {
			errs = append(errs, fmt.Errorf("agents.%s: failure_rate must be within [0,1]", name))
		}
	}

	if c.Pool.Enabled {
		switch c.Pool.Provider {
		case ProviderLocal, ProviderDocker:
		default:
			errs = append(errs, fmt.Errorf("pool.provider: unknown provider %q", c.Pool.Provider))
		}
		if c.Pool.MinSlots < 0 || c.Pool.MaxSlots < 1 || c.Pool.MinSlots > c.Pool.MaxSlots {
			errs = append(errs, fmt.Errorf("pool: need 0 <= min_slots <= max_slots and max_slots >= 1 (got %d/%d)", c.Pool.MinSlots, c.Pool.MaxSlots))
		}
		if c.Pool.HealthInterval <= 0 {
			errs = append(errs, errors.New("pool.health_interval must be positive"))
		}
	}

	if c.Trigger.Enabled && c.Trigger.PollInterval <= 0 {
		errs = append(errs, errors.New("trigger.poll_interval must be positive"))
	}
	if c.Web.Enabled && (c.Web.Port <= 0 || c.Web.Port > 65535) {
		errs = append(errs, fmt.Errorf("web.port: %d out of range", c.Web.Port))
	}

	return errors.Join(errs...)
}

func (r RetryConfig) validate(prefix string) error {
	if r.MaxAttempts < 1 {
		return fmt.Errorf("%s.max_attempts must be at least 1", prefix)
	}
	if r.Multiplier != 0 && r.Multiplier < 1 {
		return fmt.Errorf("%s.multiplier must be >= 1", prefix)
	}
	if r.BaseDelay < 0 || r.MaxDelay < 0 {
		return fmt.Errorf("%s: delays must not be negative", prefix)
	}
	return nil
}

// Agent returns the override block for an agent type, zero if absent.
func (c *Config) Agent(name string) AgentConfig {
	return c.Agents[strings.TrimSpace(name)]
}
