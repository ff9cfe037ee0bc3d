// Package config resolves agent-tape settings from defaults, an optional YAML
// file and AGENT_TAPE_* environment variables. Command line flags are applied
// on top by the CLI.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rcliao/agent-tape/internal/ctxbuild"
	"github.com/rcliao/agent-tape/internal/embedding"
	"github.com/rcliao/agent-tape/internal/model"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "AGENT_TAPE_"

// Backends are the supported entry stores.
var Backends = []string{"sqlite", "memory", "redis"}

type Config struct {
	Backend  string        `yaml:"backend"`
	DB       string        `yaml:"db"`
	RedisURL string        `yaml:"redis_url"`
	Tape     string        `yaml:"tape"`
	Log      LogConfig     `yaml:"log"`
	Context  ContextConfig `yaml:"context"`
	Search   SearchConfig  `yaml:"search"`
	Embed    EmbedConfig   `yaml:"embed"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

type ContextConfig struct {
	Recent        int           `yaml:"recent"`
	Ceiling       int           `yaml:"ceiling"`
	Budget        int           `yaml:"budget"`
	MaxBytes      int           `yaml:"max_bytes"`
	SearchTimeout time.Duration `yaml:"search_timeout"`
	OverflowLimit int64         `yaml:"overflow_limit"`
}

type SearchConfig struct {
	Keyword  bool `yaml:"keyword"`
	Semantic bool `yaml:"semantic"`
}

type EmbedConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	URL      string `yaml:"url"`
	APIKey   string `yaml:"api_key"`
	Dims     int    `yaml:"dims"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Backend:  "sqlite",
		DB:       filepath.Join(homeDir(), ".agent-tape", "tape.db"),
		RedisURL: "redis://localhost:6379/0",
		Tape:     "default",
		Log:      LogConfig{Level: "warn", Format: "text"},
		Context: ContextConfig{
			Recent:        50,
			Ceiling:       200,
			Budget:        50,
			SearchTimeout: 2 * time.Second,
			OverflowLimit: 1000,
		},
		Search: SearchConfig{Keyword: true},
	}
}

// DefaultPath returns $AGENT_TAPE_CONFIG or ~/.agent-tape/config.yaml.
func DefaultPath() string {
	if p := os.Getenv(EnvPrefix + "CONFIG"); p != "" {
		return p
	}
	return filepath.Join(homeDir(), ".agent-tape", "config.yaml")
}

// Load resolves the configuration. An empty path means DefaultPath, which
// may be missing; an explicit path must exist.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("%w: parse %s: %v", model.ErrConfiguration, path, err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return Config{}, fmt.Errorf("%w: read %s: %v", model.ErrConfiguration, path, err)
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if cfg.Embed.APIKey == "" && cfg.Embed.Provider == "openai" {
		cfg.Embed.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	cfg.DB = expandHome(cfg.DB)
	cfg.Log.File = expandHome(cfg.Log.File)
	return cfg, cfg.Validate()
}

// fields maps environment suffixes to the settings they override.
func (c *Config) fields() map[string]any {
	return map[string]any{
		"BACKEND":                &c.Backend,
		"DB":                     &c.DB,
		"REDIS_URL":              &c.RedisURL,
		"TAPE":                   &c.Tape,
		"LOG_LEVEL":              &c.Log.Level,
		"LOG_FORMAT":             &c.Log.Format,
		"LOG_FILE":               &c.Log.File,
		"CONTEXT_RECENT":         &c.Context.Recent,
		"CONTEXT_CEILING":        &c.Context.Ceiling,
		"CONTEXT_BUDGET":         &c.Context.Budget,
		"CONTEXT_MAX_BYTES":      &c.Context.MaxBytes,
		"CONTEXT_SEARCH_TIMEOUT": &c.Context.SearchTimeout,
		"CONTEXT_OVERFLOW_LIMIT": &c.Context.OverflowLimit,
		"SEARCH_KEYWORD":         &c.Search.Keyword,
		"SEARCH_SEMANTIC":        &c.Search.Semantic,
		"EMBED_PROVIDER":         &c.Embed.Provider,
		"EMBED_MODEL":            &c.Embed.Model,
		"EMBED_URL":              &c.Embed.URL,
		"EMBED_API_KEY":          &c.Embed.APIKey,
		"EMBED_DIMS":             &c.Embed.Dims,
	}
}

func (c *Config) applyEnv() error {
	for suffix, dst := range c.fields() {
		name := EnvPrefix + suffix
		raw, ok := os.LookupEnv(name)
		if !ok {
			continue
		}
		if err := set(dst, raw); err != nil {
			return fmt.Errorf("%w: %s: %v", model.ErrConfiguration, name, err)
		}
	}
	return nil
}

func set(dst any, raw string) error {
	raw = strings.TrimSpace(raw)
	switch p := dst.(type) {
	case *string:
		*p = raw
	case *int:
		n, err := strconv.Atoi(raw)
		if err != nil {
			return err
		}
		*p = n
	case *int64:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}
		*p = n
	case *bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		*p = b
	case *time.Duration:
		d, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		*p = d
	default:
		return fmt.Errorf("unsupported setting type %T", dst)
	}
	return nil
}

// Validate reports the first invalid setting as a configuration error.
func (c Config) Validate() error {
	bad := func(format string, args ...any) error {
		return fmt.Errorf("%w: "+format, append([]any{model.ErrConfiguration}, args...)...)
	}
	valid := false
	for _, b := range Backends {
		valid = valid || c.Backend == b
	}
	switch {
	case !valid:
		return bad("backend %q (valid: %s)", c.Backend, strings.Join(Backends, ", "))
	case c.Backend == "sqlite" && c.DB == "":
		return bad("db path is required for the sqlite backend")
	case c.Backend == "redis" && c.RedisURL == "":
		return bad("redis_url is required for the redis backend")
	case c.Tape == "":
		return bad("tape name is required")
	case c.Context.Recent < 0 || c.Context.Ceiling < 0:
		return bad("context.recent and context.ceiling must not be negative")
	case c.Context.Budget < 0 || c.Context.MaxBytes < 0:
		return bad("context budget must not be negative")
	case c.Context.Budget == 0 && c.Context.MaxBytes == 0:
		return bad("context.budget or context.max_bytes must be positive")
	case c.Context.SearchTimeout < 0:
		return bad("context.search_timeout must not be negative")
	case c.Search.Semantic && c.Embed.Provider == "":
		return bad("search.semantic needs embed.provider")
	}
	return nil
}

// Budget is the default context budget.
func (c Config) Budget() ctxbuild.Budget {
	return ctxbuild.Budget{Entries: c.Context.Budget, Bytes: c.Context.MaxBytes}
}

// Explore is the exploration config for the context constructor.
func (c Config) Explore() ctxbuild.Config {
	return ctxbuild.Config{
		Recent:        c.Context.Recent,
		Ceiling:       c.Context.Ceiling,
		SearchTimeout: c.Context.SearchTimeout,
	}
}

// Embedder is the embedding provider config.
func (c Config) Embedder() embedding.Config {
	return embedding.Config{
		Provider: c.Embed.Provider,
		Model:    c.Embed.Model,
		URL:      c.Embed.URL,
		APIKey:   c.Embed.APIKey,
		Dims:     c.Embed.Dims,
	}
}

func homeDir() string {
	home, _ := os.UserHomeDir()
	return home
}

func expandHome(p string) string {
	if p == "~" {
		return homeDir()
	}
	if strings.HasPrefix(p, "~/") {
		return filepath.Join(homeDir(), p[2:])
	}
	return p
}
