package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration accepts "30s"-style values in yaml.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// ProviderConfig holds OAuth client settings for one external provider.
type ProviderConfig struct {
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	TokenURL     string   `yaml:"token_url"`
	Scopes       []string `yaml:"scopes"`
}

// Config is the service configuration loaded from a single yaml file.
type Config struct {
	HTTPAddr  string `yaml:"http_addr"`
	DataRoot  string `yaml:"data_root"`
	ControlDB string `yaml:"control_db"`
	NATSURL   string `yaml:"nats_url"`
	JWKSURL   string `yaml:"jwks_url"`

	// Hex-encoded 32-byte master keys, one per key class.
	TokenMasterKey    string `yaml:"token_master_key"`
	PersonalMasterKey string `yaml:"personal_master_key"`

	SyncInterval Duration `yaml:"sync_interval"`
	RunBudget    Duration `yaml:"run_budget"`

	Providers map[string]ProviderConfig `yaml:"providers"`
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		HTTPAddr:     ":8080",
		DataRoot:     "data",
		ControlDB:    "data/control.db",
		NATSURL:      "nats://127.0.0.1:4222",
		SyncInterval: Duration(30 * time.Second),
		RunBudget:    Duration(10 * time.Minute),
		Providers:    map[string]ProviderConfig{},
	}
}

func (c *Config) validate() error {
	if c.TokenMasterKey == "" {
		return fmt.Errorf("config: token_master_key is required")
	}
	if c.PersonalMasterKey == "" {
		return fmt.Errorf("config: personal_master_key is required")
	}
	if time.Duration(c.SyncInterval) <= 0 {
		return fmt.Errorf("config: sync_interval must be positive")
	}
	if time.Duration(c.RunBudget) <= 0 {
		return fmt.Errorf("config: run_budget must be positive")
	}
	return nil
}
