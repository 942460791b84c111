package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type StorageConfig struct {
	Driver      string `yaml:"driver"`
	PostgresDSN string `yaml:"postgres_dsn"`
	MaxConns    int32  `yaml:"max_conns"`
	MinConns    int32  `yaml:"min_conns"`
}

type NotifyConfig struct {
	EmbeddedRelay       *bool  `yaml:"embedded_relay"`
	PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
	BatchSize           int    `yaml:"batch_size"`
	MaxBackoffSeconds   int    `yaml:"max_backoff_seconds"`
	Publisher           string `yaml:"publisher"`
	Kafka               struct {
		Brokers []string `yaml:"brokers"`
		Topic   string   `yaml:"topic"`
	} `yaml:"kafka"`
	RabbitMQ struct {
		URL   string `yaml:"url"`
		Queue string `yaml:"queue"`
	} `yaml:"rabbitmq"`
}

type LoggingConfig struct {
	Service  string `yaml:"service"`
	Version  string `yaml:"version"`
	Commit   string `yaml:"commit"`
	Region   string `yaml:"region"`
	Instance string `yaml:"instance"`
	Level    string `yaml:"level"`
}

// Collaborator is a workflow service allowed to append events. Its name is
// recorded as recorded_by on every event it appends.
type Collaborator struct {
	Name  string `yaml:"name"`
	Token string `yaml:"token"`
}

// LedgerConfig captures runtime settings for the trust ledger server.
type LedgerConfig struct {
	Server struct {
		Listen                 string `yaml:"listen"`
		ReadTimeoutSeconds     int    `yaml:"read_timeout_seconds"`
		WriteTimeoutSeconds    int    `yaml:"write_timeout_seconds"`
		ShutdownTimeoutSeconds int    `yaml:"shutdown_timeout_seconds"`
	} `yaml:"server"`

	Storage StorageConfig `yaml:"storage"`

	Ledger struct {
		RequirementsPath     string `yaml:"requirements_path"`
		ProfileCacheSize     int    `yaml:"profile_cache_size"`
		AppendMaxAttempts    int    `yaml:"append_max_attempts"`
		AppendRetryBackoffMS int    `yaml:"append_retry_backoff_ms"`
		HistoryMaxPageSize   int    `yaml:"history_max_page_size"`
		VerifyPageSize       int    `yaml:"verify_page_size"`
	} `yaml:"ledger"`

	Keys struct {
		SigningPrivateKeyPath string `yaml:"signing_private_key_path"`
		SigningPublicKeyPath  string `yaml:"signing_public_key_path"`
	} `yaml:"keys"`

	Security struct {
		Collaborators    []Collaborator `yaml:"collaborators"`
		ReadToken        string         `yaml:"read_token"`
		TrustedCIDRs     []string       `yaml:"trusted_cidrs"`
		EnableIPAllow    *bool          `yaml:"enable_ip_allow_list"`
		EnforceSecureTLS *bool          `yaml:"enforce_secure_transport"`
	} `yaml:"security"`

	Notify NotifyConfig `yaml:"notify"`

	Logging LoggingConfig `yaml:"logging"`
}

// Load reads and validates the ledger server config from disk.
func Load(path string) (*LedgerConfig, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(buf)
}

func Parse(buf []byte) (*LedgerConfig, error) {
	var cfg LedgerConfig
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	cfg.expandEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *LedgerConfig) applyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = "127.0.0.1:8080"
	}
	if c.Server.ReadTimeoutSeconds <= 0 {
		c.Server.ReadTimeoutSeconds = 10
	}
	if c.Server.WriteTimeoutSeconds <= 0 {
		c.Server.WriteTimeoutSeconds = 30
	}
	if c.Server.ShutdownTimeoutSeconds <= 0 {
		c.Server.ShutdownTimeoutSeconds = 15
	}
	c.Storage.applyDefaults()
	if c.Ledger.ProfileCacheSize <= 0 {
		c.Ledger.ProfileCacheSize = 10000
	}
	if c.Ledger.AppendMaxAttempts <= 0 {
		c.Ledger.AppendMaxAttempts = 5
	}
	if c.Ledger.AppendRetryBackoffMS <= 0 {
		c.Ledger.AppendRetryBackoffMS = 25
	}
	if c.Ledger.HistoryMaxPageSize <= 0 {
		c.Ledger.HistoryMaxPageSize = 500
	}
	if c.Ledger.VerifyPageSize <= 0 {
		c.Ledger.VerifyPageSize = 1000
	}
	if c.Security.EnableIPAllow == nil {
		c.Security.EnableIPAllow = boolPtr(false)
	}
	if c.Security.EnforceSecureTLS == nil {
		c.Security.EnforceSecureTLS = boolPtr(true)
	}
	if c.Notify.EmbeddedRelay == nil {
		c.Notify.EmbeddedRelay = boolPtr(false)
	}
	c.Notify.applyDefaults()
	c.Logging.applyDefaults("trustledger", "ledger")
}

func (s *StorageConfig) applyDefaults() {
	s.Driver = strings.ToLower(strings.TrimSpace(s.Driver))
	if s.Driver == "" {
		s.Driver = "postgres"
	}
	if s.MaxConns <= 0 {
		s.MaxConns = 12
	}
	if s.MinConns < 0 {
		s.MinConns = 0
	}
}

func (n *NotifyConfig) applyDefaults() {
	n.Publisher = strings.ToLower(strings.TrimSpace(n.Publisher))
	if n.Publisher == "" {
		n.Publisher = "log"
	}
	if n.PollIntervalSeconds <= 0 {
		n.PollIntervalSeconds = 5
	}
	if n.BatchSize <= 0 {
		n.BatchSize = 50
	}
	if n.MaxBackoffSeconds <= 0 {
		n.MaxBackoffSeconds = 600
	}
	if n.Kafka.Topic == "" {
		n.Kafka.Topic = "trust.tier_changes"
	}
	if n.RabbitMQ.Queue == "" {
		n.RabbitMQ.Queue = "trust.tier_changes"
	}
}

func (l *LoggingConfig) applyDefaults(service, region string) {
	if l.Service == "" {
		l.Service = service
	}
	if l.Version == "" {
		l.Version = "dev"
	}
	if l.Commit == "" {
		l.Commit = "unknown"
	}
	if l.Region == "" {
		l.Region = region
	}
	if l.Level == "" {
		l.Level = "info"
	}
}

func (c *LedgerConfig) validate() error {
	if err := c.Storage.validate(*c.Security.EnforceSecureTLS); err != nil {
		return err
	}
	if c.Storage.Driver == "postgres" {
		if c.Keys.SigningPrivateKeyPath == "" {
			return errors.New("keys.signing_private_key_path is required with the postgres driver")
		}
		if c.Keys.SigningPublicKeyPath == "" {
			return errors.New("keys.signing_public_key_path is required with the postgres driver")
		}
	}
	if (c.Keys.SigningPrivateKeyPath == "") != (c.Keys.SigningPublicKeyPath == "") {
		return errors.New("keys.signing_private_key_path and keys.signing_public_key_path must be set together")
	}
	if len(c.Security.Collaborators) == 0 {
		return errors.New("security.collaborators requires at least one entry")
	}
	names := make(map[string]struct{}, len(c.Security.Collaborators))
	tokens := make(map[string]struct{}, len(c.Security.Collaborators))
	for i, collab := range c.Security.Collaborators {
		if collab.Name == "" {
			return fmt.Errorf("security.collaborators[%d].name is required", i)
		}
		if collab.Token == "" {
			return fmt.Errorf("security.collaborators[%d].token is required", i)
		}
		if _, dup := names[collab.Name]; dup {
			return fmt.Errorf("duplicate collaborator name: %s", collab.Name)
		}
		if _, dup := tokens[collab.Token]; dup {
			return fmt.Errorf("security.collaborators[%d].token is shared with another collaborator", i)
		}
		names[collab.Name] = struct{}{}
		tokens[collab.Token] = struct{}{}
	}
	if c.Security.ReadToken == "" {
		return errors.New("security.read_token is required")
	}
	if _, clash := tokens[c.Security.ReadToken]; clash {
		return errors.New("security.read_token must differ from collaborator tokens")
	}
	if *c.Security.EnableIPAllow && len(c.Security.TrustedCIDRs) == 0 {
		return errors.New("security.trusted_cidrs is required when ip allow list is enabled")
	}
	for i, cidr := range c.Security.TrustedCIDRs {
		cidr = strings.TrimSpace(cidr)
		if cidr == "" {
			continue
		}
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("security.trusted_cidrs[%d] is invalid: %w", i, err)
		}
	}
	if *c.Notify.EmbeddedRelay {
		if err := c.Notify.validate(*c.Security.EnforceSecureTLS); err != nil {
			return err
		}
	}
	if c.Ledger.AppendMaxAttempts > 20 {
		return errors.New("ledger.append_max_attempts must not exceed 20")
	}
	return nil
}

func (s *StorageConfig) validate(enforceSecure bool) error {
	switch s.Driver {
	case "memory":
		return nil
	case "postgres":
	default:
		return errors.New("storage.driver must be one of postgres|memory")
	}
	if s.PostgresDSN == "" {
		return errors.New("storage.postgres_dsn is required")
	}
	if enforceSecure && dsnUsesInsecureSSL(s.PostgresDSN) {
		return errors.New("storage.postgres_dsn must use sslmode=require|verify-ca|verify-full when enforce_secure_transport is enabled")
	}
	return nil
}

func (n *NotifyConfig) validate(enforceSecure bool) error {
	switch n.Publisher {
	case "log":
	case "kafka":
		if len(n.Kafka.Brokers) == 0 {
			return errors.New("notify.kafka.brokers is required for the kafka publisher")
		}
		for i, b := range n.Kafka.Brokers {
			if _, _, err := net.SplitHostPort(b); err != nil {
				return fmt.Errorf("notify.kafka.brokers[%d] must be host:port: %w", i, err)
			}
		}
	case "rabbitmq":
		if n.RabbitMQ.URL == "" {
			return errors.New("notify.rabbitmq.url is required for the rabbitmq publisher")
		}
		if enforceSecure && !brokerURLIsSecure(n.RabbitMQ.URL, "amqps") {
			return errors.New("notify.rabbitmq.url must be amqps (or a loopback broker) when enforce_secure_transport is enabled")
		}
	default:
		return errors.New("notify.publisher must be one of log|kafka|rabbitmq")
	}
	return nil
}

func (c *LedgerConfig) expandEnv() {
	c.Storage.expandEnv()
	c.Ledger.RequirementsPath = os.ExpandEnv(strings.TrimSpace(c.Ledger.RequirementsPath))
	c.Keys.SigningPrivateKeyPath = os.ExpandEnv(strings.TrimSpace(c.Keys.SigningPrivateKeyPath))
	c.Keys.SigningPublicKeyPath = os.ExpandEnv(strings.TrimSpace(c.Keys.SigningPublicKeyPath))
	for i := range c.Security.Collaborators {
		c.Security.Collaborators[i].Name = strings.TrimSpace(c.Security.Collaborators[i].Name)
		c.Security.Collaborators[i].Token = os.ExpandEnv(strings.TrimSpace(c.Security.Collaborators[i].Token))
	}
	c.Security.ReadToken = os.ExpandEnv(strings.TrimSpace(c.Security.ReadToken))
	c.Notify.expandEnv()
}

func (s *StorageConfig) expandEnv() {
	s.PostgresDSN = os.ExpandEnv(strings.TrimSpace(s.PostgresDSN))
}

func (n *NotifyConfig) expandEnv() {
	for i := range n.Kafka.Brokers {
		n.Kafka.Brokers[i] = os.ExpandEnv(strings.TrimSpace(n.Kafka.Brokers[i]))
	}
	n.Kafka.Topic = os.ExpandEnv(strings.TrimSpace(n.Kafka.Topic))
	n.RabbitMQ.URL = os.ExpandEnv(strings.TrimSpace(n.RabbitMQ.URL))
	n.RabbitMQ.Queue = os.ExpandEnv(strings.TrimSpace(n.RabbitMQ.Queue))
}

func boolPtr(v bool) *bool {
	return &v
}
