// Package config loads server configuration from an optional YAML file and
// APPROVAL_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	DB         DBConfig         `mapstructure:"db"`
	Log        LogConfig        `mapstructure:"log"`
	Fiscal     FiscalConfig     `mapstructure:"fiscal"`
	Escalation EscalationConfig `mapstructure:"escalation"`
	CORS       CORSConfig       `mapstructure:"cors"`
	Policies   PoliciesConfig   `mapstructure:"policies"`
}

type AppConfig struct {
	Env string `mapstructure:"env"`
}

type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type DBConfig struct {
	// Path is a SQLite file path; ":memory:" keeps everything in memory.
	Path string `mapstructure:"path"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type FiscalConfig struct {
	// StartMonth is the calendar month (1-12) a fiscal year begins in.
	StartMonth int `mapstructure:"start_month"`
}

type EscalationConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type PoliciesConfig struct {
	// File optionally points at a JSON list of financial policy overrides.
	File string `mapstructure:"file"`
}

// IsDevelopment reports whether the server runs with developer defaults.
func (c *Config) IsDevelopment() bool {
	return c.App.Env == "" || c.App.Env == "development"
}

// Load reads configPath when it is not empty, then applies environment
// overrides such as APPROVAL_HTTP_PORT or APPROVAL_DB_PATH.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("APPROVAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.CORS.AllowedOrigins = parseList(cfg.CORS.AllowedOrigins)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.env", "development")

	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 15*time.Second)
	v.SetDefault("http.write_timeout", 15*time.Second)

	v.SetDefault("db.path", "./data/approvals.db")

	v.SetDefault("log.level", "info")

	v.SetDefault("fiscal.start_month", 1)

	v.SetDefault("escalation.enabled", true)
	v.SetDefault("escalation.interval", time.Hour)

	v.SetDefault("cors.allowed_origins", []string{"*"})

	v.SetDefault("policies.file", "")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	var errs []error
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("http.port must be between 1 and 65535, got %d", c.HTTP.Port))
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		errs = append(errs, errors.New("http timeouts must be positive"))
	}
	if strings.TrimSpace(c.DB.Path) == "" {
		errs = append(errs, errors.New("db.path is required"))
	}
	switch c.App.Env {
	case "development", "production", "test":
	default:
		errs = append(errs, fmt.Errorf("app.env must be development, production or test, got %q", c.App.Env))
	}
	if c.Fiscal.StartMonth < 1 || c.Fiscal.StartMonth > 12 {
		errs = append(errs, fmt.Errorf("fiscal.start_month must be between 1 and 12, got %d", c.Fiscal.StartMonth))
	}
	if c.Escalation.Enabled && c.Escalation.Interval < time.Second {
		errs = append(errs, fmt.Errorf("escalation.interval must be at least 1s, got %s", c.Escalation.Interval))
	}
	return errors.Join(errs...)
}

// parseList splits comma separated entries coming from the environment
// ("https://a.example, https://b.example") and drops blanks.
func parseList(raw []string) []string {
	result := make([]string, 0, len(raw))
	for _, entry := range raw {
		for _, item := range strings.Split(entry, ",") {
			if item = strings.TrimSpace(item); item != "" {
				result = append(result, item)
			}
		}
	}
	return result
}
