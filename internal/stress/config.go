package stress

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const EnvPrefix = "QSYNC"

// Config describes one stress run.
type Config struct {
	// Duration of each scenario.
	Duration time.Duration `mapstructure:"duration" yaml:"duration"`
	// Workers is the number of goroutines hammering the primitive.
	Workers int `mapstructure:"workers" yaml:"workers"`
	// Rate limits operations per second per worker; 0 means unlimited.
	Rate float64 `mapstructure:"rate" yaml:"rate"`
	// Fair selects FIFO primitives where the primitive supports it.
	Fair bool `mapstructure:"fair" yaml:"fair"`
	// Permits is the semaphore size of the semaphore scenario.
	Permits int64 `mapstructure:"permits" yaml:"permits"`
	// Scenarios to run, in order. Empty means all.
	Scenarios []string `mapstructure:"scenarios" yaml:"scenarios"`
	// MetricsAddr is the listen address of the metrics server; empty
	// disables it.
	MetricsAddr string `mapstructure:"metrics_addr" yaml:"metrics_addr"`
	// LogLevel is a zerolog level name.
	LogLevel string `mapstructure:"log_level" yaml:"log_level"`
}

// NewViper returns a viper instance with defaults applied and QSYNC_*
// environment variables bound.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetDefault("duration", 5*time.Second)
	v.SetDefault("workers", 8)
	v.SetDefault("rate", 0)
	v.SetDefault("fair", false)
	v.SetDefault("permits", 3)
	v.SetDefault("scenarios", []string{})
	v.SetDefault("metrics_addr", "")
	v.SetDefault("log_level", "info")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// LoadConfig loads a .env file if present, then the optional YAML file at
// path, then environment overrides.
func LoadConfig(v *viper.Viper, path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if len(cfg.Scenarios) == 0 {
		cfg.Scenarios = Names()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first invalid field.
func (c *Config) Validate() error {
	switch {
	case c.Duration <= 0:
		return fmt.Errorf("duration must be positive, got %v", c.Duration)
	case c.Workers < 2:
		return fmt.Errorf("workers must be at least 2, got %d", c.Workers)
	case c.Rate < 0:
		return fmt.Errorf("rate must not be negative, got %v", c.Rate)
	case c.Permits <= 0:
		return fmt.Errorf("permits must be positive, got %d", c.Permits)
	}
	for _, name := range c.Scenarios {
		if _, ok := registry[name]; !ok {
			return fmt.Errorf("unknown scenario %q (known: %s)", name, strings.Join(Names(), ", "))
		}
	}
	return nil
}

// Dump renders the effective configuration as YAML.
func (c *Config) Dump() (string, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
