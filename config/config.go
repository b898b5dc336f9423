package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/dustin/go-humanize"
)

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Output string `toml:"output"` // Log output: "stderr", "stdout", "syslog", or file path
	Format string `toml:"format"` // Log format: "json" or "console"
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", "error"
}

// DatabaseConfig holds the metadata database configuration.
type DatabaseConfig struct {
	Driver       string `toml:"driver"`        // "sqlite" or "pgx"
	DSN          string `toml:"dsn"`           // Driver specific data source name
	AutoMigrate  bool   `toml:"auto_migrate"`  // Apply pending migrations at startup
	QueryTimeout string `toml:"query_timeout"` // Timeout for individual queries (e.g., "30s")
	MaxOpenConns int    `toml:"max_open_conns"`
	Debug        bool   `toml:"debug"` // Log every query
}

func (d *DatabaseConfig) GetQueryTimeout() (time.Duration, error) {
	if d.QueryTimeout == "" {
		return 30 * time.Second, nil
	}
	return time.ParseDuration(d.QueryTimeout)
}

// StorageConfig selects where message bodies live.
type StorageConfig struct {
	Type string `toml:"type"` // "file" or "s3"
	Path string `toml:"path"` // Root directory for the "file" backend
}

type S3Config struct {
	Endpoint      string `toml:"endpoint"`
	DisableTLS    bool   `toml:"disable_tls"`
	AccessKey     string `toml:"access_key"`
	SecretKey     string `toml:"secret_key"`
	Bucket        string `toml:"bucket"`
	Debug         bool   `toml:"debug"` // Enable detailed S3 request/response tracing
	Encrypt       bool   `toml:"encrypt"`
	EncryptionKey string `toml:"encryption_key"`
}

// LocalCacheConfig configures the on-disk message body cache.
type LocalCacheConfig struct {
	Enabled       bool   `toml:"enabled"`
	Path          string `toml:"path"`
	Capacity      string `toml:"capacity"`
	MaxObjectSize string `toml:"max_object_size"`
	PurgeInterval string `toml:"purge_interval"`
}

func (c *LocalCacheConfig) GetCapacity() (int64, error) {
	return parseSize(c.Capacity, "1gb")
}

func (c *LocalCacheConfig) GetMaxObjectSize() (int64, error) {
	return parseSize(c.MaxObjectSize, "25mb")
}

func (c *LocalCacheConfig) GetPurgeInterval() (time.Duration, error) {
	if c.PurgeInterval == "" {
		return 10 * time.Minute, nil
	}
	return time.ParseDuration(c.PurgeInterval)
}

// CleanupConfig controls when bodies of expunged messages leave storage.
type CleanupConfig struct {
	GracePeriod  string `toml:"grace_period"`  // How long an unreferenced body is kept
	WakeInterval string `toml:"wake_interval"` // How often the cleaner looks for expired bodies
}

func (c *CleanupConfig) GetGracePeriod() (time.Duration, error) {
	if c.GracePeriod == "" {
		return time.Hour, nil
	}
	return time.ParseDuration(c.GracePeriod)
}

func (c *CleanupConfig) GetWakeInterval() (time.Duration, error) {
	if c.WakeInterval == "" {
		return 5 * time.Minute, nil
	}
	return time.ParseDuration(c.WakeInterval)
}

// POP3ServerConfig configures the POP3 listener.
type POP3ServerConfig struct {
	Start          bool   `toml:"start"`
	Name           string `toml:"name"`
	Addr           string `toml:"addr"`
	Hostname       string `toml:"hostname"`
	MaxConnections int    `toml:"max_connections"` // 0 = unlimited
	MaxLineLength  int    `toml:"max_line_length"` // Longest accepted command line in octets
	CommandTimeout string `toml:"command_timeout"` // Idle time allowed between commands, "0" disables
	TLS            bool   `toml:"tls"`             // Implicit TLS on Addr
	TLSCertFile    string `toml:"tls_cert_file"`
	TLSKeyFile     string `toml:"tls_key_file"`
}

func (c *POP3ServerConfig) GetCommandTimeout() (time.Duration, error) {
	if c.CommandTimeout == "" {
		return 5 * time.Minute, nil
	}
	return time.ParseDuration(c.CommandTimeout)
}

// Validate checks the listener settings that cannot be defaulted.
func (c *POP3ServerConfig) Validate() error {
	if !c.Start {
		return nil
	}
	if c.Addr == "" {
		return fmt.Errorf("pop3 server address is required")
	}
	if c.MaxConnections < 0 {
		return fmt.Errorf("max_connections cannot be negative")
	}
	if c.MaxLineLength < 0 {
		return fmt.Errorf("max_line_length cannot be negative")
	}
	if c.TLS && (c.TLSCertFile == "" || c.TLSKeyFile == "") {
		return fmt.Errorf("tls_cert_file and tls_key_file are required when tls is enabled")
	}
	if _, err := c.GetCommandTimeout(); err != nil {
		return fmt.Errorf("invalid command_timeout: %w", err)
	}
	return nil
}

// MetricsConfig configures the HTTP endpoint exposing Prometheus metrics.
type MetricsConfig struct {
	Start         bool   `toml:"start"`
	Addr          string `toml:"addr"`
	Path          string `toml:"path"`
	StatsInterval string `toml:"stats_interval"` // How often mail store totals are refreshed
}

func (c *MetricsConfig) GetStatsInterval() (time.Duration, error) {
	if c.StatsInterval == "" {
		return time.Minute, nil
	}
	return time.ParseDuration(c.StatsInterval)
}

type ServersConfig struct {
	POP3    POP3ServerConfig `toml:"pop3"`
	Metrics MetricsConfig    `toml:"metrics"`
}

// Config holds all configuration for the application.
type Config struct {
	Logging    LoggingConfig    `toml:"logging"`
	Database   DatabaseConfig   `toml:"database"`
	Storage    StorageConfig    `toml:"storage"`
	S3         S3Config         `toml:"s3"`
	LocalCache LocalCacheConfig `toml:"local_cache"`
	Cleanup    CleanupConfig    `toml:"cleanup"`
	Servers    ServersConfig    `toml:"servers"`
}

// NewDefaultConfig creates a Config struct with default values.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		Database: DatabaseConfig{
			Driver:       "sqlite",
			DSN:          "maildrop.db",
			AutoMigrate:  true,
			QueryTimeout: "30s",
			MaxOpenConns: 10,
		},
		Storage: StorageConfig{
			Type: "file",
			Path: "/var/lib/maildrop/messages",
		},
		LocalCache: LocalCacheConfig{
			Enabled:       false,
			Path:          "/tmp/maildrop/cache",
			Capacity:      "1gb",
			MaxObjectSize: "25mb",
			PurgeInterval: "10m",
		},
		Cleanup: CleanupConfig{
			GracePeriod:  "1h",
			WakeInterval: "5m",
		},
		Servers: ServersConfig{
			POP3: POP3ServerConfig{
				Start:          true,
				Name:           "pop3",
				Addr:           ":110",
				MaxConnections: 500,
				MaxLineLength:  1024,
				CommandTimeout: "5m",
			},
			Metrics: MetricsConfig{
				Start:         false,
				Addr:          ":9090",
				Path:          "/metrics",
				StatsInterval: "1m",
			},
		},
	}
}

// Validate checks cross-section settings.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "pgx":
	default:
		return fmt.Errorf("unsupported database driver %q (use \"sqlite\" or \"pgx\")", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database dsn is required")
	}
	if _, err := c.Database.GetQueryTimeout(); err != nil {
		return fmt.Errorf("invalid database query_timeout: %w", err)
	}

	switch c.Storage.Type {
	case "file":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage path is required for the file backend")
		}
	case "s3":
		if c.S3.Endpoint == "" || c.S3.Bucket == "" {
			return fmt.Errorf("s3 endpoint and bucket are required for the s3 backend")
		}
	default:
		return fmt.Errorf("unsupported storage type %q (use \"file\" or \"s3\")", c.Storage.Type)
	}

	if c.LocalCache.Enabled {
		if _, err := c.LocalCache.GetCapacity(); err != nil {
			return fmt.Errorf("invalid local_cache capacity: %w", err)
		}
		if _, err := c.LocalCache.GetMaxObjectSize(); err != nil {
			return fmt.Errorf("invalid local_cache max_object_size: %w", err)
		}
		if _, err := c.LocalCache.GetPurgeInterval(); err != nil {
			return fmt.Errorf("invalid local_cache purge_interval: %w", err)
		}
	}

	if grace, err := c.Cleanup.GetGracePeriod(); err != nil {
		return fmt.Errorf("invalid cleanup grace_period: %w", err)
	} else if grace < 0 {
		return fmt.Errorf("cleanup grace_period cannot be negative")
	}
	if interval, err := c.Cleanup.GetWakeInterval(); err != nil {
		return fmt.Errorf("invalid cleanup wake_interval: %w", err)
	} else if interval <= 0 {
		return fmt.Errorf("cleanup wake_interval must be positive")
	}

	if c.Servers.Metrics.Start {
		if _, err := c.Servers.Metrics.GetStatsInterval(); err != nil {
			return fmt.Errorf("invalid metrics stats_interval: %w", err)
		}
	}

	return c.Servers.POP3.Validate()
}

// LoadConfigFromFile loads configuration from a TOML file and trims whitespace from all string fields.
// Unknown keys are logged and ignored.
func LoadConfigFromFile(configPath string, cfg *Config) error {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	metadata, err := toml.Decode(string(content), cfg)
	if err != nil {
		return enhanceConfigError(err)
	}

	if undecoded := metadata.Undecoded(); len(undecoded) > 0 {
		log.Printf("WARNING: Configuration file '%s' contains unknown keys that will be ignored:", configPath)
		for _, key := range undecoded {
			log.Printf("WARNING:   - %s", key)
		}
	}

	trimStringFields(reflect.ValueOf(cfg).Elem())
	return nil
}

func enhanceConfigError(err error) error {
	var parseErr toml.ParseError
	if errors.As(err, &parseErr) {
		return fmt.Errorf("configuration syntax error at line %d: %s", parseErr.Position.Line, parseErr.Message)
	}
	return fmt.Errorf("failed to parse configuration: %w", err)
}

// trimStringFields walks the struct and trims whitespace from every string, including slices of strings.
func trimStringFields(v reflect.Value) {
	switch v.Kind() {
	case reflect.Ptr:
		if !v.IsNil() {
			trimStringFields(v.Elem())
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			trimStringFields(v.Field(i))
		}
	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			trimStringFields(v.Index(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(strings.TrimSpace(v.String()))
		}
	}
}

func parseSize(value, fallback string) (int64, error) {
	if strings.TrimSpace(value) == "" {
		value = fallback
	}
	n, err := humanize.ParseBytes(value)
	if err != nil {
		return 0, err
	}
	return int64(n), nil
}
