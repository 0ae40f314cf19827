// Package config loads the application configuration from file, environment
// and defaults, in that reverse order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/shehryarbajwa/trafficsim/internal/behavior"
	"github.com/shehryarbajwa/trafficsim/internal/browser"
	"github.com/shehryarbajwa/trafficsim/internal/logging"
	"github.com/shehryarbajwa/trafficsim/internal/orchestrator"
	"github.com/shehryarbajwa/trafficsim/internal/rotation"
	"github.com/shehryarbajwa/trafficsim/internal/simulator"
)

// envPrefix namespaces environment overrides, e.g. TRAFFICSIM_SERVER_PORT.
const envPrefix = "TRAFFICSIM"

// ServerConfig tunes the HTTP front door.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	RateLimitRPS    float64       `mapstructure:"rate_limit_rps"`
	RateLimitBurst  int           `mapstructure:"rate_limit_burst"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig locates the sqlite event store.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// BrowserConfig selects the driver implementation.
type BrowserConfig struct {
	// Mode is "simulated" or "docker".
	Mode string `mapstructure:"mode"`

	// Seed makes simulated runs reproducible; zero seeds from the clock.
	Seed int64 `mapstructure:"seed"`

	Simulated browser.SimulatedConfig `mapstructure:"simulated"`
}

// Config is the whole application configuration tree.
type Config struct {
	Server       ServerConfig        `mapstructure:"server"`
	Logging      logging.Config      `mapstructure:"logging"`
	Database     DatabaseConfig      `mapstructure:"database"`
	Behavior     behavior.Config     `mapstructure:"behavior"`
	Rotation     rotation.Config     `mapstructure:"rotation"`
	Simulator    simulator.Config    `mapstructure:"simulator"`
	Orchestrator orchestrator.Config `mapstructure:"orchestrator"`
	Browser      BrowserConfig       `mapstructure:"browser"`

	// Proxies seeds the rotation pool. Entries that are not routable proxy
	// URLs act as mock pool identifiers, exercised without a real egress.
	Proxies []string `mapstructure:"proxies"`
}

// Default returns the full stock configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			RateLimitRPS:    10,
			RateLimitBurst:  20,
			ShutdownTimeout: 15 * time.Second,
		},
		Logging:      logging.DefaultConfig(),
		Database:     DatabaseConfig{Path: "data/trafficsim.db"},
		Behavior:     behavior.DefaultConfig(),
		Rotation:     rotation.DefaultConfig(),
		Simulator:    simulator.DefaultConfig(),
		Orchestrator: orchestrator.DefaultConfig(),
		Browser: BrowserConfig{
			Mode:      "simulated",
			Simulated: browser.DefaultSimulatedConfig(),
		},
		Proxies: []string{
			"mock://egress-1",
			"mock://egress-2",
			"mock://egress-3",
			"mock://egress-4",
			"mock://egress-5",
		},
	}
}

// Load reads the configuration. path may be empty, in which case only the
// default search locations and the environment apply; a missing file is not
// an error, a malformed one is.
func Load(path string) (Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("config: read %s: %w", v.ConfigFileUsed(), err)
		}
	}

	cfg := Default()
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate applies cross-section checks beyond what each package validates
// itself.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server port %d out of range", c.Server.Port)
	}
	if err := c.Behavior.Validate(); err != nil {
		return err
	}
	switch c.Browser.Mode {
	case "simulated", "docker":
	default:
		return fmt.Errorf("config: browser mode %q, want simulated or docker", c.Browser.Mode)
	}
	if len(c.Proxies) == 0 {
		return fmt.Errorf("config: empty proxy pool")
	}
	return nil
}
