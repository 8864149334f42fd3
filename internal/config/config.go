package config

import (
	"encoding/json"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/spf13/viper"

	"github.com/katasec/dstream-ingester-mysql/internal/utils"
)

const (
	defaultLockPath           = "replication_handler"
	defaultLockTimeout        = "10s"
	defaultLockSessionRetries = 3
	defaultLeaseTTL           = "60s"
	defaultCheckpointTable    = "replication_checkpoints"
	defaultGracePeriod        = "30s"
	defaultMySQLPort          = 3306
	defaultFlavor             = "mysql"

	envPrefix = "DSTREAM"
)

// MinRedisLeaseTTL is the shortest lease accepted for redis locks.
const MinRedisLeaseTTL = 3 * time.Second

// Config holds the configuration for the replication handler.
// Durations are kept as strings ("10s", "1m") and parsed through the getters.
type Config struct {
	SourceID       string `hcl:"source_id" mapstructure:"source_id" json:"source_id"`
	ClusterName    string `hcl:"cluster_name,optional" mapstructure:"cluster_name" json:"cluster_name"`
	RegisterDryRun bool   `hcl:"register_dry_run,optional" mapstructure:"register_dry_run" json:"register_dry_run"`
	PublishDryRun  bool   `hcl:"publish_dry_run,optional" mapstructure:"publish_dry_run" json:"publish_dry_run"`
	PIIYAMLPath    string `hcl:"pii_yaml_path,optional" mapstructure:"pii_yaml_path" json:"pii_yaml_path"`
	LogLevel       string `hcl:"log_level,optional" mapstructure:"log_level" json:"log_level"`
	LogJSON        bool   `hcl:"log_json,optional" mapstructure:"log_json" json:"log_json"`
	MetricsAddr    string `hcl:"metrics_addr,optional" mapstructure:"metrics_addr" json:"metrics_addr"`

	MySQL      MySQLConfig       `hcl:"mysql,block" mapstructure:"mysql" json:"mysql"`
	Lock       LockConfig        `hcl:"lock,block" mapstructure:"lock" json:"lock"`
	Checkpoint CheckpointConfig  `hcl:"checkpoint,block" mapstructure:"checkpoint" json:"checkpoint"`
	Publisher  PublisherConfig   `hcl:"publisher,block" mapstructure:"publisher" json:"publisher"`
	Projection *ProjectionConfig `hcl:"projection,block" mapstructure:"projection" json:"projection"`
	Shutdown   *ShutdownConfig   `hcl:"shutdown,block" mapstructure:"shutdown" json:"shutdown"`
}

// MySQLConfig describes the upstream database the binlog is read from.
type MySQLConfig struct {
	Host     string `hcl:"host" mapstructure:"host" json:"host"`
	Port     int    `hcl:"port,optional" mapstructure:"port" json:"port"`
	User     string `hcl:"user" mapstructure:"user" json:"user"`
	Password string `hcl:"password,optional" mapstructure:"password" json:"password"`
	ServerID int    `hcl:"server_id" mapstructure:"server_id" json:"server_id"`
	Flavor   string `hcl:"flavor,optional" mapstructure:"flavor" json:"flavor"`
}

// DSN returns a go-sql-driver DSN for metadata queries.
func (m MySQLConfig) DSN() string {
	c := mysql.NewConfig()
	c.User = m.User
	c.Passwd = m.Password
	c.Net = "tcp"
	c.Addr = net.JoinHostPort(m.Host, strconv.Itoa(m.Port))
	c.ParseTime = true
	return c.FormatDSN()
}

// LockConfig represents the configuration for distributed locking.
// Type is "azure_blob" or "redis"; the source id is appended to Path to form the lock name.
type LockConfig struct {
	Type             string `hcl:"type" mapstructure:"type" json:"type"`
	Path             string `hcl:"path,optional" mapstructure:"path" json:"path"`
	ConnectionString string `hcl:"connection_string" mapstructure:"connection_string" json:"connection_string"`
	ContainerName    string `hcl:"container_name,optional" mapstructure:"container_name" json:"container_name"`
	Timeout          string `hcl:"timeout,optional" mapstructure:"timeout" json:"timeout"`
	SessionRetries   int    `hcl:"session_retries,optional" mapstructure:"session_retries" json:"session_retries"`
	LeaseTTL         string `hcl:"lease_ttl,optional" mapstructure:"lease_ttl" json:"lease_ttl"`
}

// GetTimeout returns the Timeout as a time.Duration
func (l *LockConfig) GetTimeout() (time.Duration, error) {
	return time.ParseDuration(l.Timeout)
}

// GetLeaseTTL returns the LeaseTTL as a time.Duration
func (l *LockConfig) GetLeaseTTL() (time.Duration, error) {
	return time.ParseDuration(l.LeaseTTL)
}

// CheckpointConfig selects the checkpoint store: "sqlserver", "mysql", "sqlite" or "bolt".
type CheckpointConfig struct {
	Type  string `hcl:"type" mapstructure:"type" json:"type"`
	DSN   string `hcl:"dsn,optional" mapstructure:"dsn" json:"dsn"`
	Path  string `hcl:"path,optional" mapstructure:"path" json:"path"`
	Table string `hcl:"table,optional" mapstructure:"table" json:"table"`
}

// PublisherConfig selects the message bus: "kafka" or "servicebus".
type PublisherConfig struct {
	Type             string   `hcl:"type" mapstructure:"type" json:"type"`
	Brokers          []string `hcl:"brokers,optional" mapstructure:"brokers" json:"brokers"`
	SASLMechanism    string   `hcl:"sasl_mechanism,optional" mapstructure:"sasl_mechanism" json:"sasl_mechanism"`
	SASLUsername     string   `hcl:"sasl_username,optional" mapstructure:"sasl_username" json:"sasl_username"`
	SASLPassword     string   `hcl:"sasl_password,optional" mapstructure:"sasl_password" json:"sasl_password"`
	TLS              bool     `hcl:"tls,optional" mapstructure:"tls" json:"tls"`
	ConnectionString string   `hcl:"connection_string,optional" mapstructure:"connection_string" json:"connection_string"`
	QueueName        string   `hcl:"queue_name,optional" mapstructure:"queue_name" json:"queue_name"`
	MaxBatch         int      `hcl:"max_batch,optional" mapstructure:"max_batch" json:"max_batch"`
}

// ProjectionConfig decides which row fields end up in payload_data.
type ProjectionConfig struct {
	IncludeIdentifiers bool     `hcl:"include_identifiers,optional" mapstructure:"include_identifiers" json:"include_identifiers"`
	Fields             []string `hcl:"fields,optional" mapstructure:"fields" json:"fields"`
	FullRow            bool     `hcl:"full_row,optional" mapstructure:"full_row" json:"full_row"`
}

// ShutdownConfig tunes the graceful shutdown.
type ShutdownConfig struct {
	GracePeriod string `hcl:"grace_period,optional" mapstructure:"grace_period" json:"grace_period"`
}

// GetGracePeriod returns the GracePeriod as a time.Duration
func (s *ShutdownConfig) GetGracePeriod() (time.Duration, error) {
	return time.ParseDuration(s.GracePeriod)
}

// Load reads a configuration file. HCL files are decoded natively; YAML, JSON and
// TOML go through viper, which also applies DSTREAM_* environment overrides.
func Load(path string) (*Config, error) {
	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".hcl":
		if err := hclsimple.DecodeFile(path, nil, &cfg); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", path, err)
		}
	default:
		v := viper.New()
		v.SetConfigFile(path)
		v.SetEnvPrefix(envPrefix)
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		v.AutomaticEnv()
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		if err := v.Unmarshal(&cfg); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", path, err)
		}
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadConfigFromJSON loads configuration from JSON input
func LoadConfigFromJSON(jsonData []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(jsonData, &cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills in unset optional values.
func (c *Config) ApplyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.MySQL.Port == 0 {
		c.MySQL.Port = defaultMySQLPort
	}
	if c.MySQL.Flavor == "" {
		c.MySQL.Flavor = defaultFlavor
	}
	if c.Lock.Path == "" {
		c.Lock.Path = defaultLockPath
	}
	if c.Lock.Timeout == "" {
		c.Lock.Timeout = defaultLockTimeout
	}
	if c.Lock.SessionRetries == 0 {
		c.Lock.SessionRetries = defaultLockSessionRetries
	}
	if c.Lock.LeaseTTL == "" {
		c.Lock.LeaseTTL = defaultLeaseTTL
	}
	if c.Checkpoint.Table == "" {
		c.Checkpoint.Table = defaultCheckpointTable
	}
	if c.Projection == nil {
		c.Projection = &ProjectionConfig{IncludeIdentifiers: true}
	}
	if c.Shutdown == nil {
		c.Shutdown = &ShutdownConfig{}
	}
	if c.Shutdown.GracePeriod == "" {
		c.Shutdown.GracePeriod = defaultGracePeriod
	}
	if c.ClusterName == "" && c.MySQL.Host != "" {
		if name, err := utils.ClusterNameFromHost(c.MySQL.Host); err == nil {
			c.ClusterName = name
		}
	}
}

// Validate checks required settings and returns the first problem found.
func (c *Config) Validate() error {
	if c.SourceID == "" {
		return fmt.Errorf("missing required config: source_id")
	}
	if c.MySQL.Host == "" {
		return fmt.Errorf("missing required config: mysql.host")
	}
	if c.MySQL.User == "" {
		return fmt.Errorf("missing required config: mysql.user")
	}
	if c.MySQL.ServerID <= 0 {
		return fmt.Errorf("missing required config: mysql.server_id")
	}

	switch c.Lock.Type {
	case "azure_blob":
		if c.Lock.ContainerName == "" {
			return fmt.Errorf("missing required config: lock.container_name")
		}
	case "redis":
	case "":
		return fmt.Errorf("missing required config: lock.type")
	default:
		return fmt.Errorf("unsupported lock type: %s", c.Lock.Type)
	}
	if c.Lock.ConnectionString == "" {
		return fmt.Errorf("missing required config: lock.connection_string")
	}
	timeout, err := c.Lock.GetTimeout()
	if err != nil {
		return fmt.Errorf("invalid lock.timeout: %w", err)
	}
	if timeout <= 0 {
		return fmt.Errorf("invalid lock.timeout: must be positive, got %s", c.Lock.Timeout)
	}
	leaseTTL, err := c.Lock.GetLeaseTTL()
	if err != nil {
		return fmt.Errorf("invalid lock.lease_ttl: %w", err)
	}
	if leaseTTL <= 0 {
		return fmt.Errorf("invalid lock.lease_ttl: must be positive, got %s", c.Lock.LeaseTTL)
	}
	if c.Lock.Type == "redis" && leaseTTL < MinRedisLeaseTTL {
		return fmt.Errorf("invalid lock.lease_ttl: redis leases must be at least %s, got %s", MinRedisLeaseTTL, c.Lock.LeaseTTL)
	}

	switch c.Checkpoint.Type {
	case "sqlserver", "mysql", "sqlite":
		if c.Checkpoint.DSN == "" {
			return fmt.Errorf("missing required config: checkpoint.dsn")
		}
	case "bolt":
		if c.Checkpoint.Path == "" {
			return fmt.Errorf("missing required config: checkpoint.path")
		}
	case "":
		return fmt.Errorf("missing required config: checkpoint.type")
	default:
		return fmt.Errorf("unsupported checkpoint type: %s", c.Checkpoint.Type)
	}

	switch c.Publisher.Type {
	case "kafka":
		if len(c.Publisher.Brokers) == 0 {
			return fmt.Errorf("missing required config: publisher.brokers")
		}
	case "servicebus":
		if c.Publisher.ConnectionString == "" {
			return fmt.Errorf("missing required config: publisher.connection_string")
		}
		if c.Publisher.QueueName == "" {
			return fmt.Errorf("missing required config: publisher.queue_name")
		}
	case "":
		return fmt.Errorf("missing required config: publisher.type")
	default:
		return fmt.Errorf("unsupported publisher type: %s", c.Publisher.Type)
	}

	if c.Shutdown != nil {
		grace, err := c.Shutdown.GetGracePeriod()
		if err != nil {
			return fmt.Errorf("invalid shutdown.grace_period: %w", err)
		}
		if grace <= 0 {
			return fmt.Errorf("invalid shutdown.grace_period: must be positive, got %s", c.Shutdown.GracePeriod)
		}
	}
	return nil
}
