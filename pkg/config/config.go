package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

const (
	configName = "podmanager"
	configType = "toml"
	envPrefix  = "PODMANAGER"
)

type Bridge struct {
	Address string        `mapstructure:"address"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type Nightscout struct {
	URL       string `mapstructure:"url"`
	APISecret string `mapstructure:"api_secret"`
}

type API struct {
	Listen string `mapstructure:"listen"`
}

type Pump struct {
	PulseSize         float64       `mapstructure:"pulse_size"`
	ReservoirCapacity float64       `mapstructure:"reservoir_capacity"`
	Freshness         time.Duration `mapstructure:"freshness"`
}

type Config struct {
	StateFile  string     `mapstructure:"state_file"`
	LogLevel   string     `mapstructure:"log_level"`
	Bridge     Bridge     `mapstructure:"bridge"`
	Nightscout Nightscout `mapstructure:"nightscout"`
	API        API        `mapstructure:"api"`
	Pump       Pump       `mapstructure:"pump"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("state_file", "pod.toml")
	v.SetDefault("log_level", "info")
	v.SetDefault("bridge.address", "127.0.0.1:7001")
	v.SetDefault("bridge.timeout", 10*time.Second)
	v.SetDefault("nightscout.url", "")
	v.SetDefault("nightscout.api_secret", "")
	v.SetDefault("api.listen", ":8080")
	v.SetDefault("pump.pulse_size", 0.05)
	v.SetDefault("pump.reservoir_capacity", 200.0)
	v.SetDefault("pump.freshness", 4*time.Minute)
}

// Load reads file, or podmanager.toml from the working directory when file
// is empty, on top of the defaults. PODMANAGER_* variables override both,
// e.g. PODMANAGER_BRIDGE_ADDRESS.
func Load(v *viper.Viper, file string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName(configName)
		v.SetConfigType(configType)
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.StateFile == "" {
		return errors.New("state_file is empty")
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if c.Bridge.Timeout <= 0 {
		return fmt.Errorf("bridge.timeout must be positive: %s", c.Bridge.Timeout)
	}
	if c.Nightscout.URL != "" {
		u, err := url.Parse(c.Nightscout.URL)
		if err != nil {
			return fmt.Errorf("nightscout.url: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("nightscout.url should be http(s): %s", c.Nightscout.URL)
		}
	}
	if c.Pump.PulseSize <= 0 {
		return fmt.Errorf("pump.pulse_size must be positive: %v", c.Pump.PulseSize)
	}
	if c.Pump.ReservoirCapacity <= 0 {
		return fmt.Errorf("pump.reservoir_capacity must be positive: %v", c.Pump.ReservoirCapacity)
	}
	if c.Pump.Freshness <= 0 {
		return fmt.Errorf("pump.freshness must be positive: %s", c.Pump.Freshness)
	}
	return nil
}

// Level is the parsed log_level; Validate has checked it
func (c *Config) Level() log.Level {
	level, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		return log.InfoLevel
	}
	return level
}
