package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const envPrefix = "FILLWATCH_"

type Config struct {
	Symbol    string `yaml:"symbol"`
	OrderSize string `yaml:"order_size"` // Empty means ask on startup.

	Feed struct {
		RestURL               string `yaml:"rest_url"`
		StreamURL             string `yaml:"stream_url"`
		DepthLimit            int    `yaml:"depth_limit"`
		BufferSize            int    `yaml:"buffer_size"`
		RequestTimeoutSeconds int    `yaml:"request_timeout_seconds"`
		ReconnectDelaySeconds int    `yaml:"reconnect_delay_seconds"`
	} `yaml:"feed"`
	Logging struct {
		Level  string `yaml:"level"`
		Pretty bool   `yaml:"pretty"`
	} `yaml:"logging"`
	Query struct {
		Enabled     bool   `yaml:"enabled"`
		Address     string `yaml:"address"`
		Port        int    `yaml:"port"`
		Workers     uint   `yaml:"workers"`
		MaxSessions uint   `yaml:"max_sessions"`
	} `yaml:"query"`
	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
	} `yaml:"metrics"`
	Output struct {
		Console bool `yaml:"console"`
	} `yaml:"output"`
}

func Default() Config {
	var c Config
	c.Symbol = "BNBBTC"
	c.Feed.RestURL = "https://api.binance.com"
	c.Feed.StreamURL = "wss://stream.binance.com:9443"
	c.Feed.DepthLimit = 1000
	c.Feed.BufferSize = 1024
	c.Feed.RequestTimeoutSeconds = 10
	c.Feed.ReconnectDelaySeconds = 3
	c.Logging.Level = "info"
	c.Logging.Pretty = true
	c.Query.Enabled = true
	c.Query.Address = "127.0.0.1"
	c.Query.Port = 9001
	c.Query.Workers = 10
	c.Query.MaxSessions = 100
	c.Metrics.Enabled = false
	c.Metrics.Addr = ":9090"
	c.Output.Console = true
	return c
}

// Load builds the configuration from defaults, then the YAML file at path (or
// FILLWATCH_CONFIG when path is empty), then FILLWATCH_* environment variables.
func Load(path string) (Config, error) {
	c := Default()
	if path == "" {
		path = os.Getenv(envPrefix + "CONFIG")
	}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("unable to read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return Config{}, fmt.Errorf("unable to parse config %s: %w", path, err)
		}
	}
	if err := c.applyEnv(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) applyEnv() error {
	str := func(name string, dst *string) {
		if v := os.Getenv(envPrefix + name); v != "" {
			*dst = v
		}
	}
	boolean := func(name string, dst *bool) {
		if v := os.Getenv(envPrefix + name); v != "" {
			*dst = v == "1" || strings.EqualFold(v, "true")
		}
	}
	integer := func(name string, dst *int) error {
		v := os.Getenv(envPrefix + name)
		if v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s%s: %w", envPrefix, name, err)
		}
		*dst = n
		return nil
	}

	unsigned := func(name string, dst *uint) error {
		v := os.Getenv(envPrefix + name)
		if v == "" {
			return nil
		}
		n, err := strconv.ParseUint(v, 10, 0)
		if err != nil {
			return fmt.Errorf("invalid %s%s: %w", envPrefix, name, err)
		}
		*dst = uint(n)
		return nil
	}

	str("SYMBOL", &c.Symbol)
	str("ORDER_SIZE", &c.OrderSize)
	str("REST_URL", &c.Feed.RestURL)
	str("STREAM_URL", &c.Feed.StreamURL)
	str("LOG_LEVEL", &c.Logging.Level)
	boolean("LOG_PRETTY", &c.Logging.Pretty)
	boolean("QUERY_ENABLED", &c.Query.Enabled)
	str("QUERY_ADDRESS", &c.Query.Address)
	boolean("METRICS_ENABLED", &c.Metrics.Enabled)
	str("METRICS_ADDR", &c.Metrics.Addr)
	boolean("CONSOLE", &c.Output.Console)
	if err := integer("DEPTH_LIMIT", &c.Feed.DepthLimit); err != nil {
		return err
	}
	if err := unsigned("QUERY_MAX_SESSIONS", &c.Query.MaxSessions); err != nil {
		return err
	}
	return integer("QUERY_PORT", &c.Query.Port)
}
