package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/srg/blehealth/internal/codec"
	"github.com/srg/blehealth/internal/devicefactory"
	"github.com/srg/blehealth/internal/profile"
)

// OutputFormats lists the accepted values of Config.OutputFormat.
var OutputFormats = []string{"table", "json"}

// Config holds application configuration
type Config struct {
	LogLevel     string `yaml:"log_level" default:"info"`
	Backend      string `yaml:"backend" default:"go-ble"`
	OutputFormat string `yaml:"output_format" default:"table"`
	// Permitted is the host's answer to the platform permission question.
	Permitted bool `yaml:"permitted" default:"true"`

	Peripheral Peripheral `yaml:"peripheral"`
	Scan       Scan       `yaml:"scan"`
	Client     Client     `yaml:"client"`
}

// Peripheral configures the emulated device and its feeder.
type Peripheral struct {
	DeviceName string `yaml:"device_name" default:"BLE Health"`
	Profile    string `yaml:"profile" default:"thermometer"`
	// Schedule is a cron spec for pushing fresh measurements.
	Schedule string `yaml:"schedule" default:"@every 1s"`
	// NotifyRate caps notifications per second, 0 disables the cap.
	NotifyRate float64 `yaml:"notify_rate" default:"0"`
	Jitter     float64 `yaml:"jitter" default:"0"`
	// Values overrides the emitted values per profile name.
	Values map[string][]float64 `yaml:"values"`
	// Script is a Lua file providing measure(profile, tick).
	Script string `yaml:"script"`
}

type Scan struct {
	Timeout   time.Duration `yaml:"timeout" default:"10s"`
	AllowList []string      `yaml:"allow"`
	BlockList []string      `yaml:"block"`
}

type Client struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout" default:"10s"`
	Breaker        Breaker       `yaml:"breaker"`
}

// Breaker trips after MaxFailures consecutive failed dials and stays open for
// Timeout. MaxFailures 0 turns it off.
type Breaker struct {
	MaxFailures uint32        `yaml:"max_failures" default:"3"`
	Timeout     time.Duration `yaml:"timeout" default:"30s"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML file over the defaults. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks every field and reports all problems at once.
func (c *Config) Validate() error {
	var errs []error

	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if !slices.Contains(devicefactory.Backends(), strings.ToLower(c.Backend)) {
		errs = append(errs, fmt.Errorf("unknown backend %q (want one of %s)",
			c.Backend, strings.Join(devicefactory.Backends(), ", ")))
	}
	if !slices.Contains(OutputFormats, c.OutputFormat) {
		errs = append(errs, fmt.Errorf("unknown output format %q (want one of %s)",
			c.OutputFormat, strings.Join(OutputFormats, ", ")))
	}

	if _, err := profile.Parse(c.Peripheral.Profile); err != nil {
		errs = append(errs, err)
	}
	if _, err := cron.ParseStandard(c.Peripheral.Schedule); err != nil {
		errs = append(errs, fmt.Errorf("invalid schedule %q: %w", c.Peripheral.Schedule, err))
	}
	if c.Peripheral.NotifyRate < 0 {
		errs = append(errs, errors.New("notify_rate must not be negative"))
	}
	if c.Peripheral.Jitter < 0 {
		errs = append(errs, errors.New("jitter must not be negative"))
	}
	if _, err := c.Peripheral.ProfileValues(); err != nil {
		errs = append(errs, err)
	}

	if c.Scan.Timeout < 0 {
		errs = append(errs, errors.New("scan timeout must not be negative"))
	}
	if c.Client.ConnectTimeout <= 0 {
		errs = append(errs, errors.New("connect_timeout must be positive"))
	}
	if c.Client.Breaker.Timeout < 0 {
		errs = append(errs, errors.New("breaker timeout must not be negative"))
	}

	return errors.Join(errs...)
}

// ProfileValues resolves Values keys to profiles and checks their arity.
func (p Peripheral) ProfileValues() (map[profile.Profile][]float64, error) {
	out := make(map[profile.Profile][]float64, len(p.Values))
	for name, values := range p.Values {
		prof, err := profile.Parse(name)
		if err != nil {
			return nil, fmt.Errorf("values: %w", err)
		}
		if want := codec.Arity(prof); len(values) != want {
			return nil, fmt.Errorf("values: %s takes %d values, got %d", prof, want, len(values))
		}
		out[prof] = values
	}
	return out, nil
}

// Level returns the parsed log level, falling back to info.
func (c *Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
