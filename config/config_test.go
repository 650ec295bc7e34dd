package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	t.Parallel()

	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, DefaultListenAddr, cfg.ListenAddr)
	assert.Equal(t, DefaultMaxWSPerIP, cfg.MaxWSPerIP)
	assert.True(t, cfg.HTTPOnlyHandshake)
	assert.True(t, cfg.RateLimit.Enabled)
}

func TestParse(t *testing.T) {
	t.Parallel()

	t.Run("overrides defaults", func(t *testing.T) {
		t.Parallel()

		cfg, err := Parse([]byte(`
listen_addr: ":9090"
metrics_addr: ":9091"
http_only_handshake: false
max_ws_per_ip: 5
rate_limit:
  messages_per_second: 50
  burst: 100
  enabled: true
`))
		require.NoError(t, err)

		assert.Equal(t, ":9090", cfg.ListenAddr)
		assert.Equal(t, ":9091", cfg.MetricsAddr)
		assert.False(t, cfg.HTTPOnlyHandshake)
		assert.Equal(t, 5, cfg.MaxWSPerIP)
		assert.Equal(t, 50.0, cfg.RateLimit.MessagesPerSecond)
	})

	t.Run("missing fields keep defaults", func(t *testing.T) {
		t.Parallel()

		cfg, err := Parse([]byte(`max_ws_per_ip: 2`))
		require.NoError(t, err)

		assert.Equal(t, 2, cfg.MaxWSPerIP)
		assert.Equal(t, DefaultListenAddr, cfg.ListenAddr)
	})

	t.Run("malformed yaml", func(t *testing.T) {
		t.Parallel()

		_, err := Parse([]byte(`listen_addr: [`))
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty listen addr", func(c *Config) { c.ListenAddr = "" }},
		{"zero connection cap", func(c *Config) { c.MaxWSPerIP = 0 }},
		{"negative connection cap", func(c *Config) { c.MaxWSPerIP = -1 }},
		{"enabled limiter without rate", func(c *Config) { c.RateLimit.MessagesPerSecond = 0 }},
		{"enabled limiter without burst", func(c *Config) { c.RateLimit.Burst = 0 }},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoad(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_ws_per_ip: 7\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.MaxWSPerIP)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
