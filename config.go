package rackfwupdate

import (
	"io/ioutil"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// Config holds the settings shared by the update tools. Durations are
// written as Go duration strings, for example "2s" or "500ms".
//
//	transport: rackmond:///var/run/rackmond.sock
//	timeouts:
//	  read: 2s
//	  write: 2s
//	  raw: 2s
//	stabilization_delay: 5s
type Config struct {
	Transport          string        `yaml:"transport"`
	Timeouts           Timeouts      `yaml:"timeouts"`
	StabilizationDelay time.Duration `yaml:"stabilization_delay"`
}

// DefaultConfig returns the built-in settings.
func DefaultConfig() Config {
	return Config{
		Transport:          DefaultTransportURL,
		Timeouts:           DefaultTimeouts(),
		StabilizationDelay: DefaultStabilizationDelay,
	}
}

// ParseConfig decodes a YAML document over the defaults. Unknown keys are
// rejected.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return Config{}, withKind(KindConfiguration, "config", err)
	}
	cfg.Timeouts = cfg.Timeouts.withDefaults()
	if cfg.Transport == "" {
		cfg.Transport = DefaultTransportURL
	}
	if cfg.StabilizationDelay < 0 {
		return Config{}, newError(KindConfiguration, "config", "negative stabilization delay %v", cfg.StabilizationDelay)
	}
	return cfg, nil
}

// LoadConfig reads a YAML config file, see ParseConfig.
func LoadConfig(path string) (Config, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return Config{}, withKind(KindConfiguration, "config", err)
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return Config{}, errors.Wrap(err, path)
	}
	return cfg, nil
}
