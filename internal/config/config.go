// Package config manages the YAML configuration file and its defaults.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/jmgilman/go/errors"
	"gopkg.in/yaml.v3"

	"github.com/AndrewShidel/Virtual-Git-FileSystem/internal/errs"
)

// RetentionProcess keeps every materialized path, fetched owner and cloned
// URL until the process exits. It is the only supported retention policy.
const RetentionProcess = "process"

// DefaultFilteredNames are path components that are never real GitHub
// owners. Desktop environments and VCS tools look these up constantly.
var DefaultFilteredNames = []string{
	".git",
	".hg",
	".svn",
	".bzr",
	".Trash",
	".Trash-1000",
	".hidden",
	".DS_Store",
	".xdg-volume-info",
	"autorun.inf",
	"desktop.ini",
	"HEAD",
}

// OAuth holds the settings for the browser authorization flow.
type OAuth struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	CallbackAddr string `yaml:"callback_addr"`
	TokenPath    string `yaml:"token_path"`
}

// Config holds all configuration options for gitfs
type Config struct {
	APIBaseURL     string        `yaml:"api_base_url"`
	UserAgent      string        `yaml:"user_agent"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	PerPage        int           `yaml:"per_page"`
	GitBinary      string        `yaml:"git_binary"`
	FilteredNames  []string      `yaml:"filtered_names"`
	Retention      string        `yaml:"retention"`
	LogLevel       string        `yaml:"log_level"`
	OAuth          OAuth         `yaml:"oauth"`

	// Internal: file the config was read from, empty when defaults only
	configPath string
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		APIBaseURL:     "https://api.github.com/",
		UserAgent:      "gitfs",
		RequestTimeout: 30 * time.Second,
		PerPage:        100,
		GitBinary:      "git",
		FilteredNames:  append([]string(nil), DefaultFilteredNames...),
		Retention:      RetentionProcess,
		LogLevel:       "INFO",
		OAuth: OAuth{
			ClientID:     "d8dfe8c41abaf9d989a6",
			ClientSecret: os.Getenv("GITFS_OAUTH_CLIENT_SECRET"),
			CallbackAddr: "localhost:35918",
			TokenPath:    DefaultTokenPath(),
		},
	}
}

// GetConfigDir returns the config directory path
func GetConfigDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(".config", "gitfs")
	}
	return filepath.Join(dir, "gitfs")
}

// GetConfigPath returns the full path to the default config file
func GetConfigPath() string {
	return filepath.Join(GetConfigDir(), "config.yaml")
}

// DefaultTokenPath returns where the OAuth token is cached between runs.
func DefaultTokenPath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = ".cache"
	}
	return filepath.Join(dir, "gitfs", ".credentials", ".token")
}

// Load reads configuration from path on top of the defaults. When path is
// empty the default config file is used if it exists. An explicitly given
// path must exist.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	explicit := path != ""
	if !explicit {
		if _, err := os.Stat(GetConfigPath()); err == nil {
			path = GetConfigPath()
		}
	}

	if path != "" {
		if err := cfg.loadFromFile(path); err != nil {
			return nil, err
		}
		cfg.configPath = path
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Path returns the file the configuration was loaded from.
func (c *Config) Path() string {
	return c.configPath
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errs.IO("read", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		wrapped := errors.Wrap(err, errs.CodeInvalidConfig, "failed to parse config file")
		return errors.WithContext(wrapped, "path", path)
	}
	return nil
}

// Validate checks the configuration for values the filesystem cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.APIBaseURL == "":
		return invalid("api_base_url", "must not be empty")
	case c.UserAgent == "":
		return invalid("user_agent", "must not be empty")
	case c.RequestTimeout <= 0:
		return invalid("request_timeout", "must be positive")
	case c.PerPage <= 0 || c.PerPage > 100:
		return invalid("per_page", "must be between 1 and 100")
	case c.GitBinary == "":
		return invalid("git_binary", "must not be empty")
	case c.Retention != RetentionProcess:
		return invalid("retention", "only \"process\" is supported")
	case c.OAuth.TokenPath == "":
		return invalid("oauth.token_path", "must not be empty")
	}
	return nil
}

func invalid(field, reason string) error {
	err := errors.Newf(errs.CodeInvalidConfig, "invalid %s: %s", field, reason)
	return errors.WithContext(err, "field", field)
}
