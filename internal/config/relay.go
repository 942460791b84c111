package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// RelayConfig configures the standalone tier-change notification relay.
type RelayConfig struct {
	Storage StorageConfig `yaml:"storage"`

	Security struct {
		EnforceSecureTLS *bool `yaml:"enforce_secure_transport"`
	} `yaml:"security"`

	Notify NotifyConfig `yaml:"notify"`

	Logging LoggingConfig `yaml:"logging"`
}

func LoadRelay(path string) (*RelayConfig, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read relay config: %w", err)
	}
	var cfg RelayConfig
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return nil, fmt.Errorf("parse relay config yaml: %w", err)
	}
	cfg.expandEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *RelayConfig) applyDefaults() {
	c.Storage.applyDefaults()
	if c.Security.EnforceSecureTLS == nil {
		c.Security.EnforceSecureTLS = boolPtr(true)
	}
	c.Notify.applyDefaults()
	c.Logging.applyDefaults("trustledger-notify-relay", "relay")
}

func (c *RelayConfig) validate() error {
	// A separate relay process can only drain an outbox it shares with the server.
	if c.Storage.Driver != "postgres" {
		return errors.New("storage.driver must be postgres for the standalone relay")
	}
	if err := c.Storage.validate(*c.Security.EnforceSecureTLS); err != nil {
		return err
	}
	return c.Notify.validate(*c.Security.EnforceSecureTLS)
}

func (c *RelayConfig) expandEnv() {
	c.Storage.expandEnv()
	c.Notify.expandEnv()
}
