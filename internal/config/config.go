// Package config loads linkid CLI configuration from defaults, a YAML file,
// LINKID_* environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	linkid "github.com/linkgenetic/linkid-go"
	"github.com/linkgenetic/linkid-go/cache"
	"github.com/linkgenetic/linkid-go/transport"
)

// EnvPrefix is prepended to every environment variable, e.g. LINKID_API_KEY.
const EnvPrefix = "LINKID"

// Output formats.
const (
	OutputJSON = "json"
	OutputYAML = "yaml"
)

// Config holds all configuration options for the CLI.
type Config struct {
	Resolver        string            `mapstructure:"resolver"`
	APIKey          string            `mapstructure:"api_key"`
	Timeout         time.Duration     `mapstructure:"timeout"`
	Retries         int               `mapstructure:"retries"`
	Discovery       string            `mapstructure:"discovery"`        // domain whose well-known document lists resolvers
	DefaultResolver string            `mapstructure:"default_resolver"` // discovery fallback
	ValidateSSL     bool              `mapstructure:"validate_ssl"`
	UserAgent       string            `mapstructure:"user_agent"`
	Headers         map[string]string `mapstructure:"headers"`
	Cache           CacheConfig       `mapstructure:"cache"`
	Output          string            `mapstructure:"output"`
	Debug           bool              `mapstructure:"debug"`
	Trace           bool              `mapstructure:"trace"`
}

// CacheConfig holds result cache options.
type CacheConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	TTL        time.Duration `mapstructure:"ttl"`
	MaxEntries int           `mapstructure:"max_entries"`
}

// Defaults returns the configuration used when nothing else is set.
func Defaults() Config {
	cc := cache.DefaultConfig()
	return Config{
		Resolver:        linkid.DefaultResolverURL,
		Timeout:         transport.DefaultTimeout,
		Retries:         transport.DefaultRetryConfig().Attempts,
		DefaultResolver: linkid.DefaultResolverURL,
		ValidateSSL:     true,
		UserAgent:       transport.DefaultUserAgent,
		Cache: CacheConfig{
			Enabled:    cc.Enabled,
			TTL:        cc.DefaultTTL,
			MaxEntries: cc.MaxEntries,
		},
		Output: OutputJSON,
	}
}

// NewViper returns a viper instance seeded with defaults and bound to the environment.
func NewViper() *viper.Viper {
	v := viper.New()
	d := Defaults()
	v.SetDefault("resolver", d.Resolver)
	v.SetDefault("api_key", d.APIKey)
	v.SetDefault("timeout", d.Timeout)
	v.SetDefault("retries", d.Retries)
	v.SetDefault("discovery", d.Discovery)
	v.SetDefault("default_resolver", d.DefaultResolver)
	v.SetDefault("validate_ssl", d.ValidateSSL)
	v.SetDefault("user_agent", d.UserAgent)
	v.SetDefault("cache.enabled", d.Cache.Enabled)
	v.SetDefault("cache.ttl", d.Cache.TTL)
	v.SetDefault("cache.max_entries", d.Cache.MaxEntries)
	v.SetDefault("output", d.Output)
	v.SetDefault("debug", d.Debug)
	v.SetDefault("trace", d.Trace)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads file (if not empty) into v and decodes the merged configuration.
func Load(v *viper.Viper, file string) (Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values the client would otherwise reject later.
func (c Config) Validate() error {
	var errs []error
	if c.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("timeout must be positive, got %s", c.Timeout))
	}
	if c.Retries < 1 {
		errs = append(errs, fmt.Errorf("retries must be at least 1, got %d", c.Retries))
	}
	if c.Cache.TTL < 0 || c.Cache.MaxEntries < 0 {
		errs = append(errs, errors.New("cache ttl and max_entries must not be negative"))
	}
	switch c.Output {
	case OutputJSON, OutputYAML:
	default:
		errs = append(errs, fmt.Errorf("output must be %q or %q, got %q", OutputJSON, OutputYAML, c.Output))
	}
	return errors.Join(errs...)
}

// Options translates the configuration into client options.
func (c Config) Options() []linkid.Option {
	opts := []linkid.Option{
		linkid.WithResolverURL(c.Resolver),
		linkid.WithTimeout(c.Timeout),
		linkid.WithRetries(c.Retries),
		linkid.WithValidateSSL(c.ValidateSSL),
		linkid.WithUserAgent(c.UserAgent),
		linkid.WithCache(cache.Config{
			Enabled:    c.Cache.Enabled,
			MaxEntries: c.Cache.MaxEntries,
			DefaultTTL: c.Cache.TTL,
		}),
	}
	if c.APIKey != "" {
		opts = append(opts, linkid.WithAPIKey(c.APIKey))
	}
	if c.Discovery != "" {
		opts = append(opts, linkid.WithDiscovery(c.Discovery))
	}
	if c.DefaultResolver != "" {
		opts = append(opts, linkid.WithDefaultResolver(c.DefaultResolver))
	}
	for k, val := range c.Headers {
		opts = append(opts, linkid.WithHeader(k, val))
	}
	return opts
}
