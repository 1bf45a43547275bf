// Package config loads the relay configuration from an optional .env file, an
// optional YAML file and the environment, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const (
	minMessageLength = 256
	maxMessageLength = 4096

	legacyChatSuffix = "/chat/completions"
)

// ConfigurationError names the setting that prevented startup.
type ConfigurationError struct {
	Key string
	Err error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration %s: %v", e.Key, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// Config is the complete process configuration.
type Config struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Relay    RelayConfig    `yaml:"relay"`
	Log      LogConfig      `yaml:"log"`
	Usage    UsageConfig    `yaml:"usage"`
	Ops      OpsConfig      `yaml:"ops"`
}

// TelegramConfig configures the bot API client.
type TelegramConfig struct {
	Token       string  `yaml:"token"`
	APIEndpoint string  `yaml:"api_endpoint"` // empty uses the library default
	Workers     int     `yaml:"workers"`
	SendRate    float64 `yaml:"send_rate"` // messages per second
}

// GatewayConfig configures the inference gateway client.
type GatewayConfig struct {
	BaseURL       string        `yaml:"base_url"`
	BearerToken   string        `yaml:"bearer_token"`
	Model         string        `yaml:"model"`
	Timeout       time.Duration `yaml:"timeout"`
	ImagePath     string        `yaml:"image_path"`
	SpeechPath    string        `yaml:"speech_path"`
	MusicPath     string        `yaml:"music_path"`
	SpeechVoice   string        `yaml:"speech_voice"`
	MusicDuration int           `yaml:"music_duration"` // seconds
}

// RelayConfig bounds history and replies.
type RelayConfig struct {
	SystemPrompt     string `yaml:"system_prompt"`
	MaxHistory       int    `yaml:"max_history"`
	MaxMessageLength int    `yaml:"max_message_length"`
	MaxChunks        int    `yaml:"max_chunks"`
}

// LogConfig selects the logging backend.
type LogConfig struct {
	Level         string `yaml:"level"`
	Format        string `yaml:"format"`
	Backend       string `yaml:"backend"`
	PreviewLength int    `yaml:"preview_length"`
}

// UsageConfig selects the usage ledger storage.
type UsageConfig struct {
	Store string `yaml:"store"` // memory, sqlite or postgres
	DSN   string `yaml:"dsn"`
}

// OpsConfig configures the operational HTTP endpoint. An empty Addr disables it.
type OpsConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the configuration used for every unset key.
func Default() Config {
	return Config{
		Telegram: TelegramConfig{
			Workers:  8,
			SendRate: 25,
		},
		Gateway: GatewayConfig{
			BaseURL:       "http://127.0.0.1:8800/v1/",
			Model:         "auto",
			Timeout:       120 * time.Second,
			ImagePath:     "images/generations",
			SpeechPath:    "audio/speech",
			MusicPath:     "music/generations",
			MusicDuration: 30,
		},
		Relay: RelayConfig{
			MaxHistory:       20,
			MaxMessageLength: 4000,
			MaxChunks:        12,
		},
		Log: LogConfig{
			Level:         "info",
			Format:        "json",
			Backend:       "logrus",
			PreviewLength: 120,
		},
		Usage: UsageConfig{
			Store: "memory",
		},
		Ops: OpsConfig{
			Addr: ":9090",
		},
	}
}

// Load reads the configuration from the process environment.
func Load() (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}
	return LoadWith(os.LookupEnv)
}

// LoadWith reads the configuration using lookup for environment values.
func LoadWith(lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()

	if path, ok := lookup("CONFIG_FILE"); ok && path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &ConfigurationError{Key: "CONFIG_FILE", Err: err}
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, &ConfigurationError{Key: "CONFIG_FILE", Err: fmt.Errorf("parse %s: %w", path, err)}
		}
	}

	env := envReader{lookup: lookup}
	env.str("TELEGRAM_TOKEN", &cfg.Telegram.Token)
	env.str("TELEGRAM_API_ENDPOINT", &cfg.Telegram.APIEndpoint)
	env.integer("WORKERS", &cfg.Telegram.Workers)
	env.float("SEND_RATE", &cfg.Telegram.SendRate)

	if legacy, ok := lookup("GATEWAY_URL"); ok && legacy != "" {
		cfg.Gateway.BaseURL = legacyBaseURL(legacy)
	}
	env.str("GATEWAY_BASE_URL", &cfg.Gateway.BaseURL)
	env.str("GATEWAY_BEARER_TOKEN", &cfg.Gateway.BearerToken)
	env.str("GATEWAY_MODEL", &cfg.Gateway.Model)
	env.duration("GATEWAY_TIMEOUT", &cfg.Gateway.Timeout)
	env.str("GATEWAY_IMAGE_PATH", &cfg.Gateway.ImagePath)
	env.str("GATEWAY_SPEECH_PATH", &cfg.Gateway.SpeechPath)
	env.str("GATEWAY_MUSIC_PATH", &cfg.Gateway.MusicPath)
	env.str("SPEECH_VOICE", &cfg.Gateway.SpeechVoice)
	env.integer("MUSIC_DURATION", &cfg.Gateway.MusicDuration)

	env.str("SYSTEM_PROMPT", &cfg.Relay.SystemPrompt)
	env.integer("MAX_HISTORY", &cfg.Relay.MaxHistory)
	env.integer("MAX_MESSAGE_LENGTH", &cfg.Relay.MaxMessageLength)
	env.integer("MAX_CHUNKS", &cfg.Relay.MaxChunks)

	env.str("LOG_LEVEL", &cfg.Log.Level)
	env.str("LOG_FORMAT", &cfg.Log.Format)
	env.str("LOG_BACKEND", &cfg.Log.Backend)
	env.integer("LOG_PREVIEW_LENGTH", &cfg.Log.PreviewLength)

	env.str("USAGE_STORE", &cfg.Usage.Store)
	env.str("USAGE_DSN", &cfg.Usage.DSN)

	env.str("OPS_ADDR", &cfg.Ops.Addr)

	if env.err != nil {
		return nil, env.err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadDotEnv() error {
	path, explicit := os.LookupEnv("ENV_FILE")
	if !explicit || path == "" {
		path = ".env"
	}

	if _, err := os.Stat(path); err != nil {
		if explicit && errors.Is(err, os.ErrNotExist) {
			return &ConfigurationError{Key: "ENV_FILE", Err: err}
		}
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return &ConfigurationError{Key: "ENV_FILE", Err: err}
	}
	return nil
}

// legacyBaseURL reduces a full chat completions endpoint to its base.
func legacyBaseURL(endpoint string) string {
	base := strings.TrimRight(endpoint, "/")
	base = strings.TrimSuffix(base, legacyChatSuffix)
	return base + "/"
}

// Validate checks every rule and reports the first violation.
func (c *Config) Validate() error {
	checks := []struct {
		key string
		err error
	}{
		{"TELEGRAM_TOKEN", required(c.Telegram.Token)},
		{"WORKERS", positive(c.Telegram.Workers)},
		{"SEND_RATE", positiveFloat(c.Telegram.SendRate)},
		{"GATEWAY_BASE_URL", httpURL(c.Gateway.BaseURL)},
		{"GATEWAY_BEARER_TOKEN", required(c.Gateway.BearerToken)},
		{"GATEWAY_MODEL", required(c.Gateway.Model)},
		{"GATEWAY_TIMEOUT", positiveDuration(c.Gateway.Timeout)},
		{"GATEWAY_IMAGE_PATH", required(c.Gateway.ImagePath)},
		{"GATEWAY_SPEECH_PATH", required(c.Gateway.SpeechPath)},
		{"GATEWAY_MUSIC_PATH", required(c.Gateway.MusicPath)},
		{"MUSIC_DURATION", nonNegative(c.Gateway.MusicDuration)},
		{"MAX_HISTORY", positive(c.Relay.MaxHistory)},
		{"MAX_MESSAGE_LENGTH", between(c.Relay.MaxMessageLength, minMessageLength, maxMessageLength)},
		{"MAX_CHUNKS", positive(c.Relay.MaxChunks)},
		{"LOG_LEVEL", logLevel(c.Log.Level)},
		{"LOG_FORMAT", oneOf(c.Log.Format, "json", "text")},
		{"LOG_BACKEND", oneOf(c.Log.Backend, "logrus", "zap")},
		{"LOG_PREVIEW_LENGTH", nonNegative(c.Log.PreviewLength)},
		{"USAGE_STORE", oneOf(c.Usage.Store, "memory", "sqlite", "postgres")},
	}
	for _, check := range checks {
		if check.err != nil {
			return &ConfigurationError{Key: check.key, Err: check.err}
		}
	}

	if c.Usage.Store != "memory" && c.Usage.DSN == "" {
		return &ConfigurationError{Key: "USAGE_DSN", Err: fmt.Errorf("required when USAGE_STORE=%s", c.Usage.Store)}
	}
	return nil
}

// GatewayPaths returns the configured media endpoint paths keyed by modality name.
func (c GatewayConfig) GatewayPaths() map[string]string {
	return map[string]string{
		"image":  c.ImagePath,
		"speech": c.SpeechPath,
		"music":  c.MusicPath,
	}
}

type envReader struct {
	lookup func(string) (string, bool)
	err    error
}

func (r *envReader) value(key string) (string, bool) {
	if r.err != nil {
		return "", false
	}
	return r.lookup(key)
}

func (r *envReader) fail(key string, err error) {
	r.err = &ConfigurationError{Key: key, Err: err}
}

func (r *envReader) str(key string, dst *string) {
	if v, ok := r.value(key); ok {
		*dst = v
	}
}

func (r *envReader) integer(key string, dst *int) {
	v, ok := r.value(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		r.fail(key, fmt.Errorf("%q is not an integer", v))
		return
	}
	*dst = n
}

func (r *envReader) float(key string, dst *float64) {
	v, ok := r.value(key)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		r.fail(key, fmt.Errorf("%q is not a number", v))
		return
	}
	*dst = f
}

func (r *envReader) duration(key string, dst *time.Duration) {
	v, ok := r.value(key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		r.fail(key, fmt.Errorf("%q is not a duration", v))
		return
	}
	*dst = d
}

func required(v string) error {
	if strings.TrimSpace(v) == "" {
		return errors.New("must be set")
	}
	return nil
}

func positive(n int) error {
	if n <= 0 {
		return fmt.Errorf("must be a positive integer, got %d", n)
	}
	return nil
}

func nonNegative(n int) error {
	if n < 0 {
		return fmt.Errorf("must not be negative, got %d", n)
	}
	return nil
}

func positiveFloat(f float64) error {
	if f <= 0 {
		return fmt.Errorf("must be positive, got %v", f)
	}
	return nil
}

func positiveDuration(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("must be positive, got %s", d)
	}
	return nil
}

func between(n, lo, hi int) error {
	if n < lo || n > hi {
		return fmt.Errorf("must be between %d and %d, got %d", lo, hi, n)
	}
	return nil
}

func oneOf(v string, allowed ...string) error {
	for _, a := range allowed {
		if v == a {
			return nil
		}
	}
	return fmt.Errorf("%q is not one of %s", v, strings.Join(allowed, ", "))
}

func logLevel(v string) error {
	_, err := logrus.ParseLevel(v)
	return err
}

func httpURL(v string) error {
	u, err := url.Parse(v)
	if err != nil {
		return err
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%q is not an absolute http(s) URL", v)
	}
	return nil
}
