// Package config loads the relayboard configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultPath             = "relayboard.yaml"
	DefaultStateDSN         = "file://relayboard-state.yaml"
	DefaultListenAddr       = "127.0.0.1:8090"
	DefaultRateLimitWindow  = time.Minute
	DefaultFeedInterval     = 10 * time.Minute
	DefaultFeedJitterRatio  = 0.1
	DefaultReconcileTimeout = 2 * time.Minute
)

var ErrInvalidConfig = errors.New("invalid config")

type RateLimit struct {
	Window time.Duration `yaml:"window"`
	Max    int           `yaml:"max"`
}

type Feed struct {
	// Dir is the drop directory. An empty Dir disables the feed.
	Dir         string        `yaml:"dir"`
	Interval    time.Duration `yaml:"interval"`
	JitterRatio float64       `yaml:"jitter_ratio"`
	Watch       *bool         `yaml:"watch"`
}

// Watching reports whether changes in Dir trigger a sync. Defaults to true.
func (f Feed) Watching() bool {
	return f.Watch == nil || *f.Watch
}

type Channel struct {
	ID       uint64   `yaml:"id"`
	Name     string   `yaml:"name"`
	Statuses []string `yaml:"statuses"`
	Kinds    []string `yaml:"kinds"`
}

type Config struct {
	Token            string        `yaml:"token"`
	APIBaseURL       string        `yaml:"api_base_url"`
	GatewayURL       string        `yaml:"gateway_url"`
	Intents          int           `yaml:"intents"`
	StateDSN         string        `yaml:"state_dsn"`
	ListenAddr       string        `yaml:"listen_addr"`
	AdminSecret      string        `yaml:"admin_secret"`
	RateLimit        RateLimit     `yaml:"rate_limit"`
	Feed             Feed          `yaml:"feed"`
	ReconcileTimeout time.Duration `yaml:"reconcile_timeout"`
	Channels         []Channel     `yaml:"channels"`
}

// Load reads path, validates it and applies environment overrides.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	cfg.ApplyEnv(os.LookupEnv)
	return cfg, cfg.Validate()
}

// Parse validates data against the schema and decodes it with defaults
// filled in. Environment overrides are not applied.
func Parse(data []byte) (Config, error) {
	if err := compileSchemas(); err != nil {
		return Config{}, err
	}
	if err := validateYAML(configSchema, "config", data); err != nil {
		return Config{}, err
	}
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	cfg.setDefaults()
	return cfg, nil
}

func (c *Config) setDefaults() {
	if strings.TrimSpace(c.StateDSN) == "" {
		c.StateDSN = DefaultStateDSN
	}
	if strings.TrimSpace(c.ListenAddr) == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.RateLimit.Window <= 0 {
		c.RateLimit.Window = DefaultRateLimitWindow
	}
	if c.Feed.Interval <= 0 {
		c.Feed.Interval = DefaultFeedInterval
	}
	if c.Feed.JitterRatio == 0 {
		c.Feed.JitterRatio = DefaultFeedJitterRatio
	}
	if c.ReconcileTimeout <= 0 {
		c.ReconcileTimeout = DefaultReconcileTimeout
	}
}

// Validate checks what the schema cannot: values that may also come from
// the environment, and cross-field constraints.
func (c Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.Token) == "" {
		problems = append(problems, "token is required (or set RELAYBOARD_TOKEN)")
	}
	seen := map[uint64]struct{}{}
	for _, ch := range c.Channels {
		if _, dup := seen[ch.ID]; dup {
			problems = append(problems, fmt.Sprintf("channel %d is listed twice", ch.ID))
		}
		seen[ch.ID] = struct{}{}
	}
	if c.Feed.JitterRatio < 0 || c.Feed.JitterRatio > 1 {
		problems = append(problems, "feed.jitter_ratio must be within [0,1]")
	}
	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
}
