package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	t.Setenv("FILLWATCH_CONFIG", "")
	t.Setenv("FILLWATCH_SYMBOL", "")

	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "BNBBTC", c.Symbol)
	assert.Equal(t, "info", c.Logging.Level)
	assert.Equal(t, 1000, c.Feed.DepthLimit)
	assert.Equal(t, 9001, c.Query.Port)
	assert.Equal(t, uint(100), c.Query.MaxSessions)
	assert.Empty(t, c.OrderSize)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fillwatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
symbol: ETHBTC
order_size: "2.5"
feed:
  depth_limit: 100
logging:
  level: debug
query:
  port: 9100
  max_sessions: 8
`), 0o600))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ETHBTC", c.Symbol)
	assert.Equal(t, "2.5", c.OrderSize)
	assert.Equal(t, 100, c.Feed.DepthLimit)
	assert.Equal(t, "debug", c.Logging.Level)
	assert.Equal(t, 9100, c.Query.Port)
	assert.Equal(t, uint(8), c.Query.MaxSessions)
	// Untouched keys keep their defaults.
	assert.Equal(t, "https://api.binance.com", c.Feed.RestURL)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("FILLWATCH_CONFIG", "")
	t.Setenv("FILLWATCH_SYMBOL", "SOLBTC")
	t.Setenv("FILLWATCH_LOG_LEVEL", "warn")
	t.Setenv("FILLWATCH_METRICS_ENABLED", "true")
	t.Setenv("FILLWATCH_QUERY_PORT", "9200")
	t.Setenv("FILLWATCH_QUERY_MAX_SESSIONS", "250")

	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "SOLBTC", c.Symbol)
	assert.Equal(t, "warn", c.Logging.Level)
	assert.True(t, c.Metrics.Enabled)
	assert.Equal(t, 9200, c.Query.Port)
	assert.Equal(t, uint(250), c.Query.MaxSessions)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	t.Setenv("FILLWATCH_CONFIG", "")
	t.Setenv("FILLWATCH_QUERY_PORT", "not-a-port")
	_, err = Load("")
	assert.Error(t, err)

	t.Setenv("FILLWATCH_QUERY_PORT", "")
	t.Setenv("FILLWATCH_QUERY_MAX_SESSIONS", "-1")
	_, err = Load("")
	assert.Error(t, err)
}
