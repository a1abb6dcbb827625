// Package config handles Loom configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nugget/loom/internal/dispatch"
	"github.com/nugget/loom/internal/llm"
	"github.com/nugget/loom/internal/paths"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/loom/config.yaml, /etc/loom/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "loom", "config.yaml"))
	}

	paths = append(paths, "/etc/loom/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Loom configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"` // text (default) or json
	UserName  string          `yaml:"user_name"`  // {{user}} when the caller gives none
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// Addr returns the host:port the server binds.
func (l ListenConfig) Addr() string {
	return fmt.Sprintf("%s:%d", l.Address, l.Port)
}

// DispatchConfig selects the backend, its keys and the fallback chain.
type DispatchConfig struct {
	Provider string   `yaml:"provider"` // gemini, openai, anthropic
	BaseURL  string   `yaml:"base_url"` // empty = provider default
	APIKeys  []string `yaml:"api_keys"` // tried in order

	PrimaryModel  string        `yaml:"primary_model"`
	BackupModel   string        `yaml:"backup_model"`
	ModelFallback bool          `yaml:"model_fallback"`
	FallbackDelay time.Duration `yaml:"fallback_delay"`

	Relay RelayConfig `yaml:"relay"`
}

// Keys returns the configured API keys with blanks removed, so that an
// unset ${VAR} does not count as a key.
func (d DispatchConfig) Keys() []string {
	var out []string
	for _, k := range d.APIKeys {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, k)
		}
	}
	return out
}

// RelayConfig defines the intermediary used as the last fallback.
type RelayConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// Configured reports whether a relay URL is set.
func (r RelayConfig) Configured() bool {
	return r.URL != ""
}

// RetrievalConfig controls tool-augmented dispatch.
type RetrievalConfig struct {
	Memory  MemoryConfig  `yaml:"memory"`
	Search  SearchConfig  `yaml:"search"`
	Timeout time.Duration `yaml:"timeout"` // per lookup
}

// MemoryConfig controls recall of earlier exchanges.
type MemoryConfig struct {
	Enabled bool `yaml:"enabled"`
	Limit   int  `yaml:"limit"`
}

// SearchConfig controls web search. An empty Provider disables it.
type SearchConfig struct {
	Provider string        `yaml:"provider"` // searxng or brave
	Count    int           `yaml:"count"`
	Language string        `yaml:"language"`
	SearXNG  SearXNGConfig `yaml:"searxng"`
	Brave    BraveConfig   `yaml:"brave"`
}

// SearXNGConfig holds configuration for the SearXNG provider.
type SearXNGConfig struct {
	URL string `yaml:"url"`
}

// BraveConfig holds configuration for the Brave Search provider.
type BraveConfig struct {
	APIKey string `yaml:"api_key"`
	URL    string `yaml:"url"` // empty = public endpoint
}

// DocumentsDB is the path of the session document database.
func (c *Config) DocumentsDB() string {
	return filepath.Join(c.DataDir, "loom.db")
}

// MemoryDB is the path of the recall database.
func (c *Config) MemoryDB() string {
	return filepath.Join(c.DataDir, "recall.db")
}

// UsageDB is the path of the turn ledger.
func (c *Config) UsageDB() string {
	return filepath.Join(c.DataDir, "usage.db")
}

// Load reads configuration from a YAML file over [Default]. Environment
// variables in the file are expanded first, and a leading ~ in data_dir
// afterwards.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.DataDir = paths.ExpandHome(cfg.DataDir)
	return cfg, nil
}

// Default returns a default configuration. It has no keys, so it does
// not pass Validate on its own.
func Default() *Config {
	return &Config{
		Listen:   ListenConfig{Port: 8080},
		DataDir:  "./data",
		LogLevel: "info",
		Dispatch: DispatchConfig{
			Provider:      llm.ProviderGemini,
			PrimaryModel:  "gemini-2.5-flash",
			BackupModel:   "gemini-2.5-flash-lite",
			ModelFallback: true,
			FallbackDelay: 2 * time.Second,
		},
		Retrieval: RetrievalConfig{
			Memory:  MemoryConfig{Enabled: true, Limit: 5},
			Search:  SearchConfig{Count: 5},
			Timeout: 10 * time.Second,
		},
	}
}

// Validate reports every problem with the configuration.
func (c *Config) Validate() error {
	var errs []error

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log_format %q (valid: text, json)", c.LogFormat))
	}
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}

	d := c.Dispatch
	keys := d.Keys()
	if len(keys) == 0 && !d.Relay.Configured() {
		errs = append(errs, dispatch.ErrNoBackend)
	}
	if len(keys) > 0 {
		switch d.Provider {
		case llm.ProviderGemini, llm.ProviderOpenAI, llm.ProviderAnthropic:
		default:
			errs = append(errs, fmt.Errorf("unknown dispatch.provider %q", d.Provider))
		}
	}
	if d.PrimaryModel == "" {
		errs = append(errs, errors.New("dispatch.primary_model is required"))
	}
	if d.ModelFallback && d.BackupModel == "" {
		errs = append(errs, errors.New("dispatch.model_fallback requires dispatch.backup_model"))
	}
	if d.FallbackDelay < 0 {
		errs = append(errs, fmt.Errorf("dispatch.fallback_delay %s is negative", d.FallbackDelay))
	}

	s := c.Retrieval.Search
	switch s.Provider {
	case "":
	case "searxng":
		if s.SearXNG.URL == "" {
			errs = append(errs, errors.New("retrieval.search.searxng.url is required"))
		}
	case "brave":
		if s.Brave.APIKey == "" {
			errs = append(errs, errors.New("retrieval.search.brave.api_key is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown retrieval.search.provider %q", s.Provider))
	}

	return errors.Join(errs...)
}
