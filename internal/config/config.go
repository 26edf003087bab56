// Package config resolves pagelens settings. Precedence, lowest first:
// built-in defaults, a .pagelens.yaml file, PAGELENS_* environment
// variables, explicit command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the config file looked up in the working directory, then
// the home directory.
const FileName = ".pagelens.yaml"

// Config holds resolved settings.
type Config struct {
	Host    string
	Port    int
	Timeout time.Duration
	Output  string // json, ndjson, text
	Target  string // target index or ID

	Budget            int
	IncludeAttributes []string

	CrossOriginIframes bool
	MaxIframes         int
	MaxIframeDepth     int

	LogLevel string
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Host:               "localhost",
		Port:               9222,
		Timeout:            30 * time.Second,
		Output:             "json",
		Budget:             40000,
		CrossOriginIframes: true,
		MaxIframes:         100,
		MaxIframeDepth:     5,
		LogLevel:           "warn",
	}
}

// fileConfig is the YAML file structure. Pointers distinguish absent keys
// from zero values.
type fileConfig struct {
	Host               *string  `yaml:"host"`
	Port               *int     `yaml:"port"`
	Timeout            *string  `yaml:"timeout"` // duration string, e.g. "30s"
	Output             *string  `yaml:"output"`
	Target             *string  `yaml:"target"`
	Budget             *int     `yaml:"budget"`
	IncludeAttributes  []string `yaml:"include_attributes"`
	CrossOriginIframes *bool    `yaml:"cross_origin_iframes"`
	MaxIframes         *int     `yaml:"max_iframes"`
	MaxIframeDepth     *int     `yaml:"max_iframe_depth"`
	LogLevel           *string  `yaml:"log_level"`
}

// SearchPaths returns the config file locations in lookup order.
func SearchPaths() []string {
	paths := []string{filepath.Join(".", FileName)}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, FileName))
	}
	return paths
}

// LoadFile applies the first existing file among paths to cfg and returns
// its path, or "" when none exists. A file that exists but does not parse
// is an error.
func LoadFile(cfg *Config, paths ...string) (string, error) {
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return "", fmt.Errorf("reading %s: %w", p, err)
		}

		var fc fileConfig
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return "", fmt.Errorf("parsing %s: %w", p, err)
		}
		if err := applyFileConfig(cfg, &fc); err != nil {
			return "", fmt.Errorf("%s: %w", p, err)
		}
		return p, nil
	}
	return "", nil
}

func applyFileConfig(cfg *Config, fc *fileConfig) error {
	if fc.Host != nil {
		cfg.Host = *fc.Host
	}
	if fc.Port != nil {
		cfg.Port = *fc.Port
	}
	if fc.Timeout != nil {
		d, err := time.ParseDuration(*fc.Timeout)
		if err != nil {
			return fmt.Errorf("invalid timeout: %w", err)
		}
		cfg.Timeout = d
	}
	if fc.Output != nil {
		cfg.Output = *fc.Output
	}
	if fc.Target != nil {
		cfg.Target = *fc.Target
	}
	if fc.Budget != nil {
		cfg.Budget = *fc.Budget
	}
	if fc.IncludeAttributes != nil {
		cfg.IncludeAttributes = fc.IncludeAttributes
	}
	if fc.CrossOriginIframes != nil {
		cfg.CrossOriginIframes = *fc.CrossOriginIframes
	}
	if fc.MaxIframes != nil {
		cfg.MaxIframes = *fc.MaxIframes
	}
	if fc.MaxIframeDepth != nil {
		cfg.MaxIframeDepth = *fc.MaxIframeDepth
	}
	if fc.LogLevel != nil {
		cfg.LogLevel = *fc.LogLevel
	}
	return nil
}

// Environment variable names.
const (
	EnvHost    = "PAGELENS_HOST"
	EnvPort    = "PAGELENS_PORT"
	EnvTimeout = "PAGELENS_TIMEOUT"
	EnvBudget  = "PAGELENS_BUDGET"
)

// ApplyEnv applies environment variables to cfg, skipping settings named
// in explicit (set by flags). lookup is usually os.LookupEnv.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool), explicit map[string]bool) error {
	var errs []error

	if v, ok := lookup(EnvHost); ok && v != "" && !explicit["host"] {
		cfg.Host = v
	}
	if v, ok := lookup(EnvPort); ok && v != "" && !explicit["port"] {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Port = i
		} else {
			errs = append(errs, fmt.Errorf("%s: invalid port %q", EnvPort, v))
		}
	}
	if v, ok := lookup(EnvTimeout); ok && v != "" && !explicit["timeout"] {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Timeout = d
		} else {
			errs = append(errs, fmt.Errorf("%s: %w", EnvTimeout, err))
		}
	}
	if v, ok := lookup(EnvBudget); ok && v != "" && !explicit["budget"] {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Budget = i
		} else {
			errs = append(errs, fmt.Errorf("%s: invalid budget %q", EnvBudget, v))
		}
	}

	return errors.Join(errs...)
}

// Validate reports settings that cannot work.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("invalid timeout: %s", c.Timeout)
	}
	if c.Budget < 0 {
		return fmt.Errorf("invalid budget: %d", c.Budget)
	}
	switch c.Output {
	case "json", "ndjson", "text":
	default:
		return fmt.Errorf("unknown output format: %s", c.Output)
	}
	if c.MaxIframes < 0 || c.MaxIframeDepth < 0 {
		return fmt.Errorf("iframe limits must not be negative")
	}
	return nil
}
