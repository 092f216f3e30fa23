package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func environ(vars ...string) func() []string {
	return func() []string { return vars }
}

func TestLoad(t *testing.T) {
	t.Parallel()

	t.Run("Defaults", func(t *testing.T) {
		t.Parallel()
		data := "data_dir: /tmp/mcauth\nauth:\n  client_id: abc\n"
		cfg, err := load(rawbytes.Provider([]byte(data)), environ())
		require.NoError(t, err)
		assert.Equal(t, "info", cfg.LogLevel)
		assert.Equal(t, "pretty", cfg.LogFormat)
		assert.Equal(t, "device", cfg.Auth.Flow)
		assert.Equal(t, DefaultScope, cfg.Auth.Scope)
		assert.Equal(t, 5*time.Minute, cfg.Auth.RefreshMargin.Std())
		assert.Equal(t, 4, cfg.Auth.Retry.MaxAttempts)
		assert.Equal(t, "sqlite", cfg.Storage.Backend)
		assert.Equal(t, filepath.Join("/tmp/mcauth", "accounts.db"), cfg.Storage.Path)
	})

	t.Run("File", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "config.yaml")
		data := `
log_level: debug
log_format: json
data_dir: /var/lib/mcauth
auth:
  client_id: abc
  flow: redirect
  refresh_margin: 10m
  retry:
    max_attempts: 2
    initial_interval: 100ms
    max_interval: 1s
storage:
  backend: file
`
		require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
		cfg, err := load(file.Provider(path), environ())
		require.NoError(t, err)
		assert.Equal(t, "debug", cfg.LogLevel)
		assert.Equal(t, "redirect", cfg.Auth.Flow)
		assert.Equal(t, 10*time.Minute, cfg.Auth.RefreshMargin.Std())
		assert.Equal(t, 2, cfg.Auth.Retry.MaxAttempts)
		assert.Equal(t, 100*time.Millisecond, cfg.Auth.Retry.InitialInterval.Std())
		assert.Equal(t, filepath.Join("/var/lib/mcauth", "accounts.json"), cfg.Storage.Path)
	})

	t.Run("EnvironmentOverrides", func(t *testing.T) {
		t.Parallel()
		data := "data_dir: /tmp/mcauth\nauth:\n  client_id: abc\n"
		cfg, err := load(rawbytes.Provider([]byte(data)), environ(
			"MCAUTH_AUTH__CLIENT_ID=from-env",
			"MCAUTH_AUTH__RETRY__MAX_ATTEMPTS=7",
			"MCAUTH_LOG_LEVEL=warn",
			"UNRELATED=1",
		))
		require.NoError(t, err)
		assert.Equal(t, "from-env", cfg.Auth.ClientID)
		assert.Equal(t, 7, cfg.Auth.Retry.MaxAttempts)
		assert.Equal(t, "warn", cfg.LogLevel)
	})

	t.Run("EnvironmentOnly", func(t *testing.T) {
		t.Parallel()
		cfg, err := load(nil, environ("MCAUTH_AUTH__CLIENT_ID=abc", "MCAUTH_DATA_DIR=/tmp/x"))
		require.NoError(t, err)
		assert.Equal(t, "abc", cfg.Auth.ClientID)
	})

	t.Run("Invalid", func(t *testing.T) {
		t.Parallel()
		tests := map[string]string{
			"MissingClientID": "data_dir: /tmp/x\n",
			"BadFlow":         "data_dir: /tmp/x\nauth:\n  client_id: a\n  flow: magic\n",
			"BadBackend":      "data_dir: /tmp/x\nauth:\n  client_id: a\nstorage:\n  backend: s3\n",
			"BadLevel":        "data_dir: /tmp/x\nlog_level: loud\nauth:\n  client_id: a\n",
			"BadRetry":        "data_dir: /tmp/x\nauth:\n  client_id: a\n  retry:\n    initial_interval: 2s\n    max_interval: 1s\n",
			"BadDuration":     "data_dir: /tmp/x\nauth:\n  client_id: a\n  refresh_margin: soon\n",
			"BadYAML":         "auth: [",
		}
		for name, data := range tests {
			t.Run(name, func(t *testing.T) {
				t.Parallel()
				_, err := load(rawbytes.Provider([]byte(data)), environ())
				require.Error(t, err)
			})
		}
	})
}

func TestYAML(t *testing.T) {
	t.Parallel()

	cfg, err := load(rawbytes.Provider([]byte("data_dir: /tmp/mcauth\nauth:\n  client_id: abc\n")), environ())
	require.NoError(t, err)
	out, err := cfg.YAML()
	require.NoError(t, err)
	assert.Contains(t, string(out), "refresh_margin: 5m0s")
	assert.Contains(t, string(out), "client_id: abc")

	reloaded, err := load(rawbytes.Provider(out), environ())
	require.NoError(t, err)
	assert.Equal(t, cfg, reloaded)
}
