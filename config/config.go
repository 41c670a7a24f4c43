// config.go
// Purpose: YAML + environment configuration for the gateway server. YAML
// supplies the structure, environment variables win for deploy toggles.

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML can carry "250ms"-style values.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	*d = Duration(n)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// RedisConfig selects and tunes the redis backend. An empty URL means the
// in-memory store.
type RedisConfig struct {
	URL          string   `yaml:"url"`
	Addr         string   `yaml:"addr"`
	Password     string   `yaml:"password"`
	DB           int      `yaml:"db"`
	DialTimeout  Duration `yaml:"dial_timeout"`
	ReadTimeout  Duration `yaml:"read_timeout"`
	WriteTimeout Duration `yaml:"write_timeout"`
}

// ThresholdsConfig mirrors the admission thresholds plus the inspection
// size caps. Zero values fall back to defaults at load time.
type ThresholdsConfig struct {
	PerSecondLimit   int      `yaml:"per_second_limit"`
	PerMinuteLimit   int      `yaml:"per_minute_limit"`
	AuthPatternLimit int      `yaml:"auth_pattern_limit"`
	BurstWindow      Duration `yaml:"burst_window"`
	PatternTTL       Duration `yaml:"pattern_ttl"`

	RetryAfterPerSecond   int `yaml:"retry_after_per_second"`
	RetryAfterPerMinute   int `yaml:"retry_after_per_minute"`
	RetryAfterAuthPattern int `yaml:"retry_after_auth_pattern"`

	StoreTimeout Duration `yaml:"store_timeout"`

	MaxBodyBytes   int64 `yaml:"max_body_bytes"`
	MaxURLLength   int   `yaml:"max_url_length"`
	MaxHeaderBytes int   `yaml:"max_header_bytes"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Config is the full server configuration.
type Config struct {
	Enabled         bool     `yaml:"enabled"`
	SkipOnError     bool     `yaml:"skip_on_error"`
	ListenAddr      string   `yaml:"listen_addr"`
	AdminAddr       string   `yaml:"admin_addr"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
	FailClosedPaths []string `yaml:"fail_closed_paths"`
	TokenSecret     string   `yaml:"token_secret"`

	OverloadRate  float64 `yaml:"overload_rate"`
	OverloadBurst int     `yaml:"overload_burst"`

	Redis      RedisConfig      `yaml:"redis"`
	Thresholds ThresholdsConfig `yaml:"thresholds"`
	Log        LogConfig        `yaml:"log"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Enabled:         true,
		ListenAddr:      ":8080",
		AdminAddr:       ":9090",
		FailClosedPaths: []string{"/api/payments"},
		Redis: RedisConfig{
			DialTimeout:  Duration(2 * time.Second),
			ReadTimeout:  Duration(500 * time.Millisecond),
			WriteTimeout: Duration(500 * time.Millisecond),
		},
		Thresholds: ThresholdsConfig{
			PerSecondLimit:        10,
			PerMinuteLimit:        300,
			AuthPatternLimit:      5,
			BurstWindow:           Duration(60 * time.Second),
			PatternTTL:            Duration(time.Hour),
			RetryAfterPerSecond:   60,
			RetryAfterPerMinute:   300,
			RetryAfterAuthPattern: 600,
			StoreTimeout:          Duration(250 * time.Millisecond),
			MaxBodyBytes:          10 * 1024 * 1024,
			MaxURLLength:          2048,
			MaxHeaderBytes:        8192,
		},
		Log: LogConfig{Level: "info"},
	}
}

// LoadDotenv loads a .env file when present. Missing files are not an
// error; deployments usually inject the environment directly.
func LoadDotenv() {
	_ = godotenv.Load()
}

// Load reads the YAML file at path over the defaults, then overlays the
// environment. An empty path skips the file entirely.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.FromEnv()
	cfg.applyDefaults()
	return cfg, nil
}

// FromEnv overlays the environment toggles onto the config.
func (c *Config) FromEnv() {
	if v, ok := envBool("GATEWAY_ENABLED"); ok {
		c.Enabled = v
	}
	if v, ok := envBool("GATEWAY_SKIP_ON_ERROR"); ok {
		c.SkipOnError = v
	}
	if v := os.Getenv("GATEWAY_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("GATEWAY_ADMIN_ADDR"); v != "" {
		c.AdminAddr = v
	}
	if v := os.Getenv("GATEWAY_ALLOWED_ORIGINS"); v != "" {
		c.AllowedOrigins = splitList(v)
	}
	if v := os.Getenv("GATEWAY_FAIL_CLOSED_PATHS"); v != "" {
		c.FailClosedPaths = splitList(v)
	}
	if v := os.Getenv("GATEWAY_TOKEN_SECRET"); v != "" {
		c.TokenSecret = v
	}
	if v := os.Getenv("GATEWAY_REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" && c.Redis.URL == "" {
		c.Redis.URL = v
	}
	if v := os.Getenv("GATEWAY_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

// applyDefaults backfills zero values left by a partial YAML file.
func (c *Config) applyDefaults() {
	def := Default()

	if c.ListenAddr == "" {
		c.ListenAddr = def.ListenAddr
	}
	if c.AdminAddr == "" {
		c.AdminAddr = def.AdminAddr
	}

	t, dt := &c.Thresholds, def.Thresholds
	if t.PerSecondLimit <= 0 {
		t.PerSecondLimit = dt.PerSecondLimit
	}
	if t.PerMinuteLimit <= 0 {
		t.PerMinuteLimit = dt.PerMinuteLimit
	}
	if t.AuthPatternLimit <= 0 {
		t.AuthPatternLimit = dt.AuthPatternLimit
	}
	if t.BurstWindow <= 0 {
		t.BurstWindow = dt.BurstWindow
	}
	if t.PatternTTL <= 0 {
		t.PatternTTL = dt.PatternTTL
	}
	if t.RetryAfterPerSecond <= 0 {
		t.RetryAfterPerSecond = dt.RetryAfterPerSecond
	}
	if t.RetryAfterPerMinute <= 0 {
		t.RetryAfterPerMinute = dt.RetryAfterPerMinute
	}
	if t.RetryAfterAuthPattern <= 0 {
		t.RetryAfterAuthPattern = dt.RetryAfterAuthPattern
	}
	if t.StoreTimeout <= 0 {
		t.StoreTimeout = dt.StoreTimeout
	}
	if t.MaxBodyBytes <= 0 {
		t.MaxBodyBytes = dt.MaxBodyBytes
	}
	if t.MaxURLLength <= 0 {
		t.MaxURLLength = dt.MaxURLLength
	}
	if t.MaxHeaderBytes <= 0 {
		t.MaxHeaderBytes = dt.MaxHeaderBytes
	}

	if c.Redis.DialTimeout <= 0 {
		c.Redis.DialTimeout = def.Redis.DialTimeout
	}
	if c.Redis.ReadTimeout <= 0 {
		c.Redis.ReadTimeout = def.Redis.ReadTimeout
	}
	if c.Redis.WriteTimeout <= 0 {
		c.Redis.WriteTimeout = def.Redis.WriteTimeout
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
}

func envBool(name string) (bool, bool) {
	v := os.Getenv(name)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
