// Package config provides configuration management for the settings service.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/biocatchltd/heksher/internal/storage"
)

// Duration decodes YAML durations like "30s" or "5m". A bare integer is
// interpreted as seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if n, err := strconv.Atoi(value.Value); err == nil {
		*d = Duration(time.Duration(n) * time.Second)
		return nil
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config represents the service configuration.
type Config struct {
	Server                 ServerConfig  `yaml:"server"`
	Storage                StorageConfig `yaml:"storage"`
	StartupContextFeatures []string      `yaml:"startup_context_features"`
	Logging                LoggingConfig `yaml:"logging"`
	Metrics                MetricsConfig `yaml:"metrics"`
}

// ServerConfig represents HTTP server configuration.
type ServerConfig struct {
	Host           string    `yaml:"host"`
	Port           int       `yaml:"port"`
	ReadTimeout    Duration  `yaml:"read_timeout"`
	WriteTimeout   Duration  `yaml:"write_timeout"`
	RequestTimeout Duration  `yaml:"request_timeout"`
	DocOnly        bool      `yaml:"doc_only"`
	TLS            TLSConfig `yaml:"tls"`
}

// TLSConfig represents TLS configuration. Certificates are reloaded from
// disk when the files change.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// StorageConfig represents storage backend configuration. ConnectionString,
// when set, overrides the backend's discrete connection fields.
type StorageConfig struct {
	Type             string           `yaml:"type"` // postgres, mysql, memory
	ConnectionString string           `yaml:"connection_string"`
	PostgreSQL       PostgreSQLConfig `yaml:"postgres"`
	MySQL            MySQLConfig      `yaml:"mysql"`
}

// PostgreSQLConfig represents PostgreSQL connection configuration.
type PostgreSQLConfig struct {
	Host            string   `yaml:"host"`
	Port            int      `yaml:"port"`
	Database        string   `yaml:"database"`
	Username        string   `yaml:"username"`
	Password        string   `yaml:"password"`
	SSLMode         string   `yaml:"ssl_mode"`
	MaxOpenConns    int      `yaml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime Duration `yaml:"conn_max_idle_time"`
}

// MySQLConfig represents MySQL connection configuration.
type MySQLConfig struct {
	Host            string   `yaml:"host"`
	Port            int      `yaml:"port"`
	Database        string   `yaml:"database"`
	Username        string   `yaml:"username"`
	Password        string   `yaml:"password"`
	TLS             string   `yaml:"tls"` // true, false, skip-verify, preferred
	MaxOpenConns    int      `yaml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime Duration `yaml:"conn_max_idle_time"`
}

// LoggingConfig represents logging configuration.
type LoggingConfig struct {
	Level  string       `yaml:"level"`
	Format string       `yaml:"format"` // json, text
	File   FileConfig   `yaml:"file"`
	Syslog SyslogConfig `yaml:"syslog"`
}

// FileConfig represents rotating log file configuration.
type FileConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// SyslogConfig represents syslog output configuration.
type SyslogConfig struct {
	Enabled bool   `yaml:"enabled"`
	Network string `yaml:"network"` // udp, tcp, or empty for the local socket
	Address string `yaml:"address"`
	Tag     string `yaml:"tag"`
}

// MetricsConfig represents metrics configuration.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8080,
			ReadTimeout:    Duration(30 * time.Second),
			WriteTimeout:   Duration(30 * time.Second),
			RequestTimeout: Duration(30 * time.Second),
		},
		Storage: StorageConfig{
			Type: "postgres",
			PostgreSQL: PostgreSQLConfig{
				Host:            "localhost",
				Port:            5432,
				Database:        "heksher",
				Username:        "postgres",
				SSLMode:         "disable",
				MaxOpenConns:    25,
				MaxIdleConns:    5,
				ConnMaxLifetime: Duration(5 * time.Minute),
				ConnMaxIdleTime: Duration(5 * time.Minute),
			},
			MySQL: MySQLConfig{
				Host:            "localhost",
				Port:            3306,
				Database:        "heksher",
				Username:        "root",
				TLS:             "false",
				MaxOpenConns:    25,
				MaxIdleConns:    5,
				ConnMaxLifetime: Duration(5 * time.Minute),
				ConnMaxIdleTime: Duration(5 * time.Minute),
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			File: FileConfig{
				MaxSizeMB:  100,
				MaxBackups: 3,
				MaxAgeDays: 28,
			},
			Syslog: SyslogConfig{
				Tag: "heksher",
			},
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// Load loads configuration from a YAML file and environment variables.
// Environment variables override file configuration.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	// Load from file if provided
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		// Expand environment variables in the config file
		expanded := os.ExpandEnv(string(data))

		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// Override with environment variables
	cfg.applyEnvOverrides()

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("HEKSHER_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("HEKSHER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("HEKSHER_STORAGE_TYPE"); v != "" {
		c.Storage.Type = v
	}
	if v := os.Getenv("HEKSHER_DB_CONNECTION_STRING"); v != "" {
		c.Storage.ConnectionString = v
	}
	if v := os.Getenv("HEKSHER_STARTUP_CONTEXT_FEATURES"); v != "" {
		c.StartupContextFeatures = splitFeatures(v)
	}
	if v := os.Getenv("HEKSHER_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("HEKSHER_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}

	// Doc-only mode serves the API documentation without a backing store
	if v := os.Getenv("DOC_ONLY"); v != "" {
		c.Server.DocOnly = strings.ToLower(v) == "true" || v == "1"
	}
}

// splitFeatures splits a semicolon-delimited context feature list.
func splitFeatures(raw string) []string {
	parts := strings.Split(raw, ";")
	features := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			features = append(features, trimmed)
		}
	}
	return features
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if !storage.IsSupported(c.Storage.Type) {
		return fmt.Errorf("invalid storage type: %s", c.Storage.Type)
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	validFormats := map[string]bool{
		"json": true,
		"text": true,
	}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	if c.Server.TLS.Enabled {
		if c.Server.TLS.CertFile == "" || c.Server.TLS.KeyFile == "" {
			return fmt.Errorf("tls requires both cert_file and key_file")
		}
	}

	return nil
}

// Address returns the server address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
