// Package config loads the escrowd configuration file and environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/Klingon-tech/escrowd/internal/backend"
	"github.com/Klingon-tech/escrowd/internal/escrow"
	"github.com/Klingon-tech/escrowd/internal/notify"
	"github.com/Klingon-tech/escrowd/internal/storage"
)

// ConfigFileName is the default config file name.
const ConfigFileName = "config.yaml"

// EnvFileName is the optional secrets file read from the data directory.
const EnvFileName = ".env"

// Config holds all configuration for the daemon.
type Config struct {
	Logging LoggingConfig  `yaml:"logging"`
	Storage storage.Config `yaml:"storage"`
	API     APIConfig      `yaml:"api"`
	Escrow  escrow.Options `yaml:"escrow"`
	Notify  NotifyConfig   `yaml:"notify"`

	// Chains holds one adapter configuration per chain, keyed by chain
	// name, e.g. "GOLOS".
	Chains map[string]*backend.Config `yaml:"chains"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level"`

	// Format is text, json or logfmt.
	Format string `yaml:"format"`
}

// APIConfig holds JSON-RPC server settings.
type APIConfig struct {
	Listen string `yaml:"listen"`

	// Metrics serves Prometheus metrics on /metrics.
	Metrics bool `yaml:"metrics"`
}

// NotifyConfig selects notification sinks.
type NotifyConfig struct {
	Delivery notify.Config `yaml:"delivery"`

	// Log writes every notification to the log.
	Log bool `yaml:"log"`

	Redis    *notify.RedisConfig    `yaml:"redis,omitempty"`
	Telegram *notify.TelegramConfig `yaml:"telegram,omitempty"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Storage: storage.Config{
			Driver:  string(storage.DriverSQLite),
			DataDir: "~/.escrowd",
		},
		API: APIConfig{
			Listen:  "127.0.0.1:8080",
			Metrics: true,
		},
		Escrow: escrow.DefaultOptions(),
		Notify: NotifyConfig{
			Delivery: notify.DefaultConfig(),
			Log:      true,
		},
		Chains: map[string]*backend.Config{},
	}
}

// Validate checks the configuration before the daemon starts.
func (c *Config) Validate() error {
	if c.API.Listen == "" {
		return errors.New("api.listen is required")
	}
	switch storage.Driver(c.Storage.Driver) {
	case "", storage.DriverSQLite:
	case storage.DriverPostgres:
		if c.Storage.DSN == "" {
			return errors.New("storage.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("unsupported storage driver %q", c.Storage.Driver)
	}
	if c.Escrow.FeeRate.IsNegative() {
		return errors.New("escrow.fee_rate must not be negative")
	}
	if c.Notify.Redis != nil && c.Notify.Redis.URL == "" {
		return errors.New("notify.redis.url is required")
	}
	if c.Notify.Telegram != nil && c.Notify.Telegram.TokenEnv == "" {
		return errors.New("notify.telegram.token_env is required")
	}

	for _, name := range c.ChainNames() {
		chain := c.Chains[name]
		if chain == nil {
			return fmt.Errorf("chain %s: empty configuration", name)
		}
		if err := chain.Validate(name); err != nil {
			return err
		}
	}
	return nil
}

// ChainNames returns the configured chains in sorted order.
func (c *Config) ChainNames() []string {
	names := make([]string, 0, len(c.Chains))
	for name := range c.Chains {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LoadConfig loads configuration from <dataDir>/config.yaml.
// If the file doesn't exist, it creates one with default values.
func LoadConfig(dataDir string) (*Config, error) {
	configPath := ConfigPath(dataDir)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.Storage.DataDir = dataDir

		if err := cfg.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		return cfg, nil
	}

	return Load(configPath)
}

// Load reads the configuration file at path over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if cfg.Chains == nil {
		cfg.Chains = map[string]*backend.Config{}
	}
	return cfg, nil
}

const header = `# escrowd configuration
# Generated automatically on first run
#
# Chains are keyed by name. Signing keys are read from the environment
# variable named by key_env, optionally loaded from <data_dir>/.env:
#
# chains:
#   GOLOS:
#     type: golos
#     endpoint: http://127.0.0.1:8090
#     wallet_endpoint: http://127.0.0.1:8093
#     service_address: escrow
#     explorer_url: https://explorer.golos.id/tx/%s
#     assets:
#       GOLOS:
#         precision: 3
#         insurance: {single: "10000", total: "15000"}
#       GBG:
#         precision: 3

`

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	data = append([]byte(header), data...)

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// ConfigPath returns the full path to the config file for the given data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(ExpandPath(dataDir), ConfigFileName)
}

// LoadEnv loads <dataDir>/.env and ./.env into the environment when they
// exist. Variables already set are kept.
func LoadEnv(dataDir string) ([]string, error) {
	var loaded []string
	for _, path := range []string{filepath.Join(ExpandPath(dataDir), EnvFileName), EnvFileName} {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return loaded, fmt.Errorf("failed to load %s: %w", path, err)
		}
		loaded = append(loaded, path)
	}
	return loaded, nil
}

// ExpandPath expands ~ to the home directory.
func ExpandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
