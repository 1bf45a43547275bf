package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lookupFrom(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func minimalEnv() map[string]string {
	return map[string]string{
		"TELEGRAM_TOKEN":       "123:abc",
		"GATEWAY_BEARER_TOKEN": "secret",
	}
}

func TestLoadWith_Defaults(t *testing.T) {
	cfg, err := LoadWith(lookupFrom(minimalEnv()))
	require.NoError(t, err)

	assert.Equal(t, "123:abc", cfg.Telegram.Token)
	assert.Equal(t, "http://127.0.0.1:8800/v1/", cfg.Gateway.BaseURL)
	assert.Equal(t, "auto", cfg.Gateway.Model)
	assert.Equal(t, 120*time.Second, cfg.Gateway.Timeout)
	assert.Equal(t, 20, cfg.Relay.MaxHistory)
	assert.Equal(t, 4000, cfg.Relay.MaxMessageLength)
	assert.Equal(t, 12, cfg.Relay.MaxChunks)
	assert.Equal(t, "memory", cfg.Usage.Store)
	assert.Equal(t, ":9090", cfg.Ops.Addr)
	assert.Equal(t, "logrus", cfg.Log.Backend)
}

func TestLoadWith_Overrides(t *testing.T) {
	env := minimalEnv()
	env["GATEWAY_BASE_URL"] = "https://gw.example.com/api/"
	env["GATEWAY_TIMEOUT"] = "30s"
	env["GATEWAY_MUSIC_PATH"] = "music/generate"
	env["SPEECH_VOICE"] = "alba"
	env["MAX_HISTORY"] = "4"
	env["MAX_MESSAGE_LENGTH"] = "256"
	env["SEND_RATE"] = "1.5"
	env["USAGE_STORE"] = "sqlite"
	env["USAGE_DSN"] = "/tmp/usage.db"
	env["OPS_ADDR"] = ""
	env["LOG_BACKEND"] = "zap"

	cfg, err := LoadWith(lookupFrom(env))
	require.NoError(t, err)

	assert.Equal(t, "https://gw.example.com/api/", cfg.Gateway.BaseURL)
	assert.Equal(t, 30*time.Second, cfg.Gateway.Timeout)
	assert.Equal(t, "music/generate", cfg.Gateway.GatewayPaths()["music"])
	assert.Equal(t, "alba", cfg.Gateway.SpeechVoice)
	assert.Equal(t, 4, cfg.Relay.MaxHistory)
	assert.Equal(t, 256, cfg.Relay.MaxMessageLength)
	assert.Equal(t, 1.5, cfg.Telegram.SendRate)
	assert.Equal(t, "sqlite", cfg.Usage.Store)
	assert.Empty(t, cfg.Ops.Addr)
	assert.Equal(t, "zap", cfg.Log.Backend)
}

func TestLoadWith_LegacyGatewayURL(t *testing.T) {
	tests := []struct {
		name   string
		legacy string
		base   string
		want   string
	}{
		{"full endpoint", "http://gw:8800/v1/chat/completions", "", "http://gw:8800/v1/"},
		{"trailing slash", "http://gw:8800/v1/chat/completions/", "", "http://gw:8800/v1/"},
		{"bare base", "http://gw:8800/v1", "", "http://gw:8800/v1/"},
		{"base url wins", "http://old:1/v1/chat/completions", "http://new:2/v1/", "http://new:2/v1/"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := minimalEnv()
			env["GATEWAY_URL"] = tt.legacy
			if tt.base != "" {
				env["GATEWAY_BASE_URL"] = tt.base
			}
			cfg, err := LoadWith(lookupFrom(env))
			require.NoError(t, err)
			assert.Equal(t, tt.want, cfg.Gateway.BaseURL)
		})
	}
}

func TestLoadWith_Invalid(t *testing.T) {
	tests := []struct {
		name string
		set  map[string]string
		drop string
		key  string
	}{
		{name: "missing telegram token", drop: "TELEGRAM_TOKEN", key: "TELEGRAM_TOKEN"},
		{name: "missing bearer token", drop: "GATEWAY_BEARER_TOKEN", key: "GATEWAY_BEARER_TOKEN"},
		{name: "non integer history", set: map[string]string{"MAX_HISTORY": "lots"}, key: "MAX_HISTORY"},
		{name: "zero history", set: map[string]string{"MAX_HISTORY": "0"}, key: "MAX_HISTORY"},
		{name: "message length too small", set: map[string]string{"MAX_MESSAGE_LENGTH": "100"}, key: "MAX_MESSAGE_LENGTH"},
		{name: "message length too large", set: map[string]string{"MAX_MESSAGE_LENGTH": "5000"}, key: "MAX_MESSAGE_LENGTH"},
		{name: "bad timeout", set: map[string]string{"GATEWAY_TIMEOUT": "soon"}, key: "GATEWAY_TIMEOUT"},
		{name: "relative base url", set: map[string]string{"GATEWAY_BASE_URL": "/v1/"}, key: "GATEWAY_BASE_URL"},
		{name: "bad log level", set: map[string]string{"LOG_LEVEL": "loud"}, key: "LOG_LEVEL"},
		{name: "bad log format", set: map[string]string{"LOG_FORMAT": "xml"}, key: "LOG_FORMAT"},
		{name: "bad store", set: map[string]string{"USAGE_STORE": "redis"}, key: "USAGE_STORE"},
		{name: "store without dsn", set: map[string]string{"USAGE_STORE": "postgres"}, key: "USAGE_DSN"},
		{name: "zero send rate", set: map[string]string{"SEND_RATE": "0"}, key: "SEND_RATE"},
		{name: "negative music duration", set: map[string]string{"MUSIC_DURATION": "-1"}, key: "MUSIC_DURATION"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := minimalEnv()
			delete(env, tt.drop)
			for k, v := range tt.set {
				env[k] = v
			}

			_, err := LoadWith(lookupFrom(env))
			var cfgErr *ConfigurationError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.key, cfgErr.Key)
			assert.Contains(t, err.Error(), tt.key)
		})
	}
}

func TestLoadWith_YAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chatrelay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
telegram:
  token: from-yaml
  workers: 3
gateway:
  bearer_token: yaml-secret
  timeout: 45s
relay:
  system_prompt: "You are terse."
  max_history: 6
`), 0o600))

	env := map[string]string{
		"CONFIG_FILE": path,
		"MAX_HISTORY": "8",
	}
	cfg, err := LoadWith(lookupFrom(env))
	require.NoError(t, err)

	assert.Equal(t, "from-yaml", cfg.Telegram.Token)
	assert.Equal(t, 3, cfg.Telegram.Workers)
	assert.Equal(t, 45*time.Second, cfg.Gateway.Timeout)
	assert.Equal(t, "You are terse.", cfg.Relay.SystemPrompt)
	assert.Equal(t, 8, cfg.Relay.MaxHistory, "environment overrides the file")
	assert.Equal(t, 12, cfg.Relay.MaxChunks, "unset keys keep defaults")
}

func TestLoadWith_MissingYAMLFile(t *testing.T) {
	env := minimalEnv()
	env["CONFIG_FILE"] = filepath.Join(t.TempDir(), "missing.yaml")

	_, err := LoadWith(lookupFrom(env))
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "CONFIG_FILE", cfgErr.Key)
}

func TestLoad_DotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.env")
	require.NoError(t, os.WriteFile(path, []byte("TELEGRAM_TOKEN=from-dotenv\nGATEWAY_BEARER_TOKEN=dotenv-secret\nGATEWAY_MODEL=dotenv-model\n"), 0o600))

	t.Setenv("ENV_FILE", path)
	t.Setenv("TELEGRAM_TOKEN", "from-env")
	// Keys set by the file are removed again once the test ends.
	t.Setenv("GATEWAY_BEARER_TOKEN", "")
	require.NoError(t, os.Unsetenv("GATEWAY_BEARER_TOKEN"))
	t.Setenv("GATEWAY_MODEL", "")
	require.NoError(t, os.Unsetenv("GATEWAY_MODEL"))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Telegram.Token, "real environment wins over .env")
	assert.Equal(t, "dotenv-secret", cfg.Gateway.BearerToken)
	assert.Equal(t, "dotenv-model", cfg.Gateway.Model)
}

func TestLoad_MissingExplicitEnvFile(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "nope.env"))

	_, err := Load()
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "ENV_FILE", cfgErr.Key)
}
