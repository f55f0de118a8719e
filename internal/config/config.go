package config

import (
	"github.com/HenriWahl/Nagstamon-sub003/pkg/actions"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/adapter"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/api"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/engine"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/filter"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/logging"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/obfuscate"
	"github.com/caarlos0/env/v11"
	"github.com/creasty/defaults"
	"github.com/goccy/go-yaml"
	"github.com/pkg/errors"
	"os"
	"strings"
	"time"
)

// DefaultConfigPath specifies the default location of the config.yml for package installations.
const DefaultConfigPath = "/etc/nagstamon/config.yml"

// EnvPrefix prefixes all environment variables overriding the config file.
const EnvPrefix = "NAGSTAMON_"

// ObfuscatedPrefix marks passwords stored obfuscated in the config file.
const ObfuscatedPrefix = "obfuscated:"

// Config defines the daemon's config.
type Config struct {
	Logging       logging.Config       `yaml:"logging" envPrefix:"LOGGING_"`
	API           api.Config           `yaml:"api" envPrefix:"API_"`
	General       General              `yaml:"general" envPrefix:"GENERAL_"`
	Filters       filter.Options       `yaml:"filters"`
	Notifications engine.Notifications `yaml:"notifications"`
	Actions       actions.Defaults     `yaml:"actions"`
	Servers       []adapter.Settings   `yaml:"servers"`
}

// Validate checks constraints in the supplied configuration and returns an error if they are violated.
func (c *Config) Validate() error {
	if err := c.Logging.Validate(); err != nil {
		return err
	}
	if err := c.API.Validate(); err != nil {
		return err
	}
	if err := c.General.Validate(); err != nil {
		return err
	}
	if err := c.Filters.Validate(); err != nil {
		return err
	}
	if err := c.Actions.Validate(); err != nil {
		return err
	}

	for i := range c.Servers {
		if err := c.Servers[i].Validate(); err != nil {
			return err
		}
	}

	return nil
}

// Engine returns the engine configuration.
func (c *Config) Engine() engine.Config {
	return engine.Config{
		Servers:       c.Servers,
		Interval:      c.General.Interval(),
		ConnectBy:     c.General.ConnectBy(),
		Filter:        c.Filters,
		Notifications: c.Notifications,
	}
}

// General defines the options shared by all servers.
type General struct {
	// UpdateIntervalSeconds below one are raised to one during validation.
	UpdateIntervalSeconds int `yaml:"update_interval_seconds" env:"UPDATE_INTERVAL_SECONDS" default:"60"`

	ConnectByHost bool `yaml:"connect_by_host" default:"true"`
	ConnectByDNS  bool `yaml:"connect_by_dns"`
	ConnectByIP   bool `yaml:"connect_by_ip"`

	// RecheckAllSettle is the pause between the last recheck of a recheck all and the refresh of all servers.
	RecheckAllSettle      time.Duration `yaml:"recheck_all_settle" env:"RECHECK_ALL_SETTLE" default:"5s"`
	RecheckAllConcurrency int           `yaml:"recheck_all_concurrency" env:"RECHECK_ALL_CONCURRENCY" default:"16"`
}

// Validate checks constraints in the supplied general configuration and returns an error if they are violated.
// Also clamps the update interval.
func (g *General) Validate() error {
	if g.UpdateIntervalSeconds < 1 {
		g.UpdateIntervalSeconds = 1
	}

	if g.RecheckAllSettle < 0 {
		return errors.New("recheck_all_settle must not be negative")
	}

	if g.RecheckAllConcurrency < 1 {
		return errors.New("recheck_all_concurrency must be positive")
	}

	return nil
}

// Interval returns the time between two refreshes of a server.
func (g General) Interval() time.Duration {
	return time.Duration(g.UpdateIntervalSeconds) * time.Second
}

// ConnectBy returns what host addresses are resolved to.
func (g General) ConnectBy() string {
	switch {
	case g.ConnectByIP:
		return adapter.ConnectByIP
	case g.ConnectByDNS:
		return adapter.ConnectByDNS
	default:
		return adapter.ConnectByHost
	}
}

// Flags defines CLI flags.
type Flags struct {
	// Version decides whether to just print the version and exit.
	Version bool `long:"version" description:"print version and exit"`
	// Config is the path to the config file
	Config string `short:"c" long:"config" description:"path to config file" default:"/etc/nagstamon/config.yml"`
	// default must be kept in sync with DefaultConfigPath.
}

// FromYAMLFile returns a new Config value created from the given YAML config file,
// overridden by environment variables prefixed with EnvPrefix.
// environment replaces the process environment if not nil.
func FromYAMLFile(name string, environment map[string]string) (*Config, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, errors.Wrap(err, "can't open YAML file "+name)
	}
	defer func() { _ = f.Close() }()

	c := &Config{}
	if err := defaults.Set(c); err != nil {
		return nil, errors.Wrap(err, "can't set config defaults")
	}

	d := yaml.NewDecoder(f, yaml.DisallowUnknownField())
	if err := d.Decode(c); err != nil {
		return nil, errors.Wrap(err, "can't parse YAML file "+name)
	}

	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix, Environment: environment}); err != nil {
		return nil, errors.Wrap(err, "can't parse environment variables")
	}

	for i := range c.Servers {
		s := &c.Servers[i]

		for _, password := range []*string{&s.Password, &s.ProxyPassword} {
			if err := deobfuscate(password); err != nil {
				return nil, errors.Wrapf(err, "server %q", s.Name)
			}
		}
	}

	if err := c.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}

	return c, nil
}

// deobfuscate replaces an obfuscated password with its plain text.
func deobfuscate(password *string) error {
	if !strings.HasPrefix(*password, ObfuscatedPrefix) {
		return nil
	}

	plain, err := obfuscate.Deobfuscate(strings.TrimPrefix(*password, ObfuscatedPrefix), obfuscate.Rounds)
	if err != nil {
		return errors.Wrap(err, "can't deobfuscate password")
	}

	*password = plain

	return nil
}
