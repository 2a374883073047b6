package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

const (
	EnvRoot        = "SCIEFAB_ROOT"
	EnvAPIBase     = "SCIEFAB_API_BASE"
	EnvWorkers     = "SCIEFAB_WORKERS"
	EnvHTTPTimeout = "SCIEFAB_HTTP_TIMEOUT"
	EnvOffline     = "SCIEFAB_OFFLINE"

	defaultAPIBase = "https://api.github.com"
)

// Config is the process-wide configuration shared by every build.
type Config struct {
	// Root holds the assembler tool cache and eager interpreter downloads.
	Root        string
	APIBase     string
	Workers     int
	HTTPTimeout time.Duration
	// Offline forbids network access; tools, release listings and checksum
	// files come from the cache under Root.
	Offline   bool
	LogLevel  string
	LogFormat string
	Providers Providers
}

// Defaults returns the built-in configuration.
func Defaults() (Config, error) {
	p, err := EmbeddedProviders()
	if err != nil {
		return Config{}, err
	}
	root, err := defaultRoot()
	if err != nil {
		return Config{}, err
	}
	return Config{
		Root:        root,
		APIBase:     defaultAPIBase,
		Workers:     runtime.GOMAXPROCS(0),
		HTTPTimeout: 5 * time.Minute,
		LogLevel:    "info",
		LogFormat:   "text",
		Providers:   *p,
	}, nil
}

func defaultRoot() (string, error) {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("determine user cache dir: %w", err)
	}
	return filepath.Join(dir, "sciefab"), nil
}

// FromEnv layers environment overrides onto base.
func FromEnv(base Config) (Config, error) {
	cfg := base
	cfg.Root = String(EnvRoot, cfg.Root)
	cfg.APIBase = strings.TrimRight(String(EnvAPIBase, cfg.APIBase), "/")

	var errs []error
	var err error
	if cfg.Workers, err = Int(EnvWorkers, cfg.Workers); err != nil {
		errs = append(errs, err)
	}
	if cfg.HTTPTimeout, err = Duration(EnvHTTPTimeout, cfg.HTTPTimeout); err != nil {
		errs = append(errs, err)
	}
	if cfg.Offline, err = Bool(EnvOffline, cfg.Offline); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// Validate reports unusable settings.
func (c Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.Root) == "" {
		problems = append(problems, "root: missing")
	}
	if c.Workers < 1 {
		problems = append(problems, fmt.Sprintf("workers: must be >= 1 (got %d)", c.Workers))
	}
	if c.HTTPTimeout <= 0 {
		problems = append(problems, fmt.Sprintf("http timeout: must be positive (got %s)", c.HTTPTimeout))
	}
	if !strings.HasPrefix(c.APIBase, "http://") && !strings.HasPrefix(c.APIBase, "https://") {
		problems = append(problems, fmt.Sprintf("api base: not an http(s) URL: %q", c.APIBase))
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration:\n- %s", strings.Join(problems, "\n- "))
	}
	return nil
}

// ToolCacheDir is the root of the assembler tool cache.
func (c Config) ToolCacheDir() string {
	return filepath.Join(c.Root, "scies", c.Providers.Assembler.Name)
}

// InterpreterCacheDir holds verified interpreter distributions for eager builds.
func (c Config) InterpreterCacheDir() string {
	return filepath.Join(c.Root, "interpreters")
}

// ReleaseCacheDir holds interpreter release listings and checksum files.
func (c Config) ReleaseCacheDir() string {
	return filepath.Join(c.Root, "releases")
}
