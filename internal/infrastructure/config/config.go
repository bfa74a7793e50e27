package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"
	"go.uber.org/multierr"

	"github.com/GriffinCanCode/AgentOS/ipc/internal/ipc"
)

// Config holds all daemon configuration.
type Config struct {
	Server  ServerConfig   `toml:"server" yaml:"server"`
	IPC     IPCConfig      `toml:"ipc" yaml:"ipc"`
	Logging LogConfig      `toml:"logging" yaml:"logging"`
	Demo    WorkloadConfig `toml:"demo" yaml:"demo"`
}

// ServerConfig holds debug HTTP server configuration.
type ServerConfig struct {
	Port    string `envconfig:"PORT" toml:"port" yaml:"port"`
	Host    string `envconfig:"HOST" toml:"host" yaml:"host"`
	Enabled bool   `envconfig:"DEBUG_SERVER" toml:"enabled" yaml:"enabled"`
}

// IPCConfig holds the limits of the IPC core.
type IPCConfig struct {
	MaxAsyncCalls int64   `envconfig:"IPC_MAX_ASYNC_CALLS" toml:"max_async_calls" yaml:"max_async_calls"`
	MaxCaps       int     `envconfig:"IPC_MAX_CAPS" toml:"max_caps" yaml:"max_caps"`
	DataXferLimit uint64  `envconfig:"IPC_DATA_XFER_LIMIT" toml:"data_xfer_limit" yaml:"data_xfer_limit"`
	LastIRQ       int     `envconfig:"IPC_LAST_IRQ" toml:"last_irq" yaml:"last_irq"`
	IRQNotifRate  float64 `envconfig:"IPC_IRQ_NOTIF_RATE" toml:"irq_notif_rate" yaml:"irq_notif_rate"`
	IRQNotifBurst int     `envconfig:"IPC_IRQ_NOTIF_BURST" toml:"irq_notif_burst" yaml:"irq_notif_burst"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" toml:"level" yaml:"level"`
	Development bool   `envconfig:"LOG_DEV" toml:"development" yaml:"development"`
}

// WorkloadConfig sizes the demo workload run by the daemon.
type WorkloadConfig struct {
	Clients int `envconfig:"IPCD_CLIENTS" toml:"clients" yaml:"clients"`
	Calls   int `envconfig:"IPCD_CALLS" toml:"calls" yaml:"calls"`
}

// Load builds the configuration from the defaults, then the file at path
// when one is given, then the environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load("")
	if err != nil {
		return Default()
	}
	return cfg
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		err = toml.Unmarshal(data, cfg)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		return fmt.Errorf("unsupported config file format %q", ext)
	}
	if err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var err error
	if c.IPC.MaxAsyncCalls < 1 {
		err = multierr.Append(err, fmt.Errorf("ipc.max_async_calls must be positive, got %d", c.IPC.MaxAsyncCalls))
	}
	if c.IPC.MaxCaps < 1 {
		err = multierr.Append(err, fmt.Errorf("ipc.max_caps must be positive, got %d", c.IPC.MaxCaps))
	}
	if c.IPC.LastIRQ < 0 {
		err = multierr.Append(err, fmt.Errorf("ipc.last_irq must not be negative, got %d", c.IPC.LastIRQ))
	}
	if c.IPC.IRQNotifRate < 0 {
		err = multierr.Append(err, fmt.Errorf("ipc.irq_notif_rate must not be negative, got %g", c.IPC.IRQNotifRate))
	}
	if c.IPC.IRQNotifRate > 0 && c.IPC.IRQNotifBurst < 1 {
		err = multierr.Append(err, fmt.Errorf("ipc.irq_notif_burst must be positive when rate limited, got %d", c.IPC.IRQNotifBurst))
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		err = multierr.Append(err, fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level))
	}
	if c.Demo.Clients < 0 || c.Demo.Calls < 0 {
		err = multierr.Append(err, fmt.Errorf("demo sizes must not be negative"))
	}
	return err
}

// ToLimits converts the IPC section into kernel limits.
func (c *Config) ToLimits() ipc.Limits {
	return ipc.Limits{
		MaxAsyncCalls: c.IPC.MaxAsyncCalls,
		MaxCaps:       c.IPC.MaxCaps,
		DataXferLimit: c.IPC.DataXferLimit,
		LastIRQ:       c.IPC.LastIRQ,
		IRQNotifRate:  c.IPC.IRQNotifRate,
		IRQNotifBurst: c.IPC.IRQNotifBurst,
	}
}

// Default returns default configuration.
func Default() *Config {
	limits := ipc.DefaultLimits()
	return &Config{
		Server: ServerConfig{
			Port:    "8000",
			Host:    "127.0.0.1",
			Enabled: true,
		},
		IPC: IPCConfig{
			MaxAsyncCalls: limits.MaxAsyncCalls,
			MaxCaps:       limits.MaxCaps,
			DataXferLimit: limits.DataXferLimit,
			LastIRQ:       limits.LastIRQ,
			IRQNotifRate:  limits.IRQNotifRate,
			IRQNotifBurst: limits.IRQNotifBurst,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		Demo: WorkloadConfig{
			Clients: 4,
			Calls:   100,
		},
	}
}
