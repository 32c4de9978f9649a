package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "2m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the duration as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config holds everything the engine needs to run. Loaded from a YAML file;
// the engine secret can be overridden by the ENGINE_SECRET environment
// variable so it stays out of checked-in config.
type Config struct {
	App struct {
		Environment string `yaml:"environment"` // development, production
		BaseURL     string `yaml:"base_url"`
	} `yaml:"app"`

	HTTP struct {
		Addr string `yaml:"addr"`
	} `yaml:"http"`

	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`

	Engine struct {
		Secret        string   `yaml:"secret"`
		BatchSize     int      `yaml:"batch_size"`
		MaxJobsPerRun int      `yaml:"max_jobs_per_run"`
		LeaseDuration Duration `yaml:"lease_duration"`
		PollInterval  Duration `yaml:"poll_interval"`
	} `yaml:"engine"`

	Email struct {
		From         string `yaml:"from"`
		ReplyTo      string `yaml:"reply_to"`
		TestOverride string `yaml:"test_override"`
	} `yaml:"email"`

	SMTP struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
	} `yaml:"smtp"`
}

// Default returns a config with the documented defaults filled in.
func Default() *Config {
	cfg := &Config{}
	cfg.App.Environment = "development"
	cfg.App.BaseURL = "http://localhost:8080"
	cfg.HTTP.Addr = ":8080"
	cfg.Database.Path = "./automail.db"
	cfg.Engine.BatchSize = 10
	cfg.Engine.MaxJobsPerRun = 100
	cfg.Engine.LeaseDuration = Duration(2 * time.Minute)
	cfg.Engine.PollInterval = Duration(time.Minute)
	cfg.Email.From = "no-reply@localhost"
	return cfg
}

// Load reads the YAML file at path on top of the defaults. A missing file is
// an error; use Default() directly for an all-defaults setup.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if secret := os.Getenv("ENGINE_SECRET"); secret != "" {
		cfg.Engine.Secret = secret
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Engine.BatchSize <= 0 {
		return fmt.Errorf("engine.batch_size must be positive")
	}
	if c.Engine.MaxJobsPerRun < c.Engine.BatchSize {
		return fmt.Errorf("engine.max_jobs_per_run must be >= engine.batch_size")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	return nil
}

// IsProduction reports whether the test-override redirect should be skipped.
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}
