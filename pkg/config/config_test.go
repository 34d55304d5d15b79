package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "podmanager.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(viper.New(), writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, "pod.toml", cfg.StateFile)
	assert.Equal(t, "127.0.0.1:7001", cfg.Bridge.Address)
	assert.Equal(t, 10*time.Second, cfg.Bridge.Timeout)
	assert.Equal(t, 0.05, cfg.Pump.PulseSize)
	assert.Equal(t, 200.0, cfg.Pump.ReservoirCapacity)
	assert.Equal(t, 4*time.Minute, cfg.Pump.Freshness)
	assert.Equal(t, log.InfoLevel, cfg.Level())
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
state_file = "/var/lib/podmanager/pod.toml"
log_level = "debug"

[bridge]
address = "10.0.0.2:7001"
timeout = "3s"

[nightscout]
url = "https://ns.example.com"
api_secret = "secret"

[pump]
freshness = "5m"
`)
	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/podmanager/pod.toml", cfg.StateFile)
	assert.Equal(t, log.DebugLevel, cfg.Level())
	assert.Equal(t, "10.0.0.2:7001", cfg.Bridge.Address)
	assert.Equal(t, 3*time.Second, cfg.Bridge.Timeout)
	assert.Equal(t, "https://ns.example.com", cfg.Nightscout.URL)
	assert.Equal(t, "secret", cfg.Nightscout.APISecret)
	assert.Equal(t, 5*time.Minute, cfg.Pump.Freshness)
	assert.Equal(t, ":8080", cfg.API.Listen)
}

func TestLoad_Env(t *testing.T) {
	t.Setenv("PODMANAGER_BRIDGE_ADDRESS", "192.168.1.5:7001")
	t.Setenv("PODMANAGER_LOG_LEVEL", "warn")
	cfg, err := Load(viper.New(), writeConfig(t, `log_level = "debug"`))
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.5:7001", cfg.Bridge.Address)
	assert.Equal(t, log.WarnLevel, cfg.Level())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(viper.New(), filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			StateFile: "pod.toml",
			LogLevel:  "info",
			Bridge:    Bridge{Timeout: time.Second},
			Pump:      Pump{PulseSize: 0.05, ReservoirCapacity: 200, Freshness: time.Minute},
		}
	}
	base := valid()
	require.NoError(t, base.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no state file", func(c *Config) { c.StateFile = "" }},
		{"log level", func(c *Config) { c.LogLevel = "loud" }},
		{"bridge timeout", func(c *Config) { c.Bridge.Timeout = 0 }},
		{"nightscout scheme", func(c *Config) { c.Nightscout.URL = "ftp://ns.example.com" }},
		{"pulse size", func(c *Config) { c.Pump.PulseSize = 0 }},
		{"capacity", func(c *Config) { c.Pump.ReservoirCapacity = -1 }},
		{"freshness", func(c *Config) { c.Pump.Freshness = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
