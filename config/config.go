// Package config loads and validates the brev server configuration from a
// TOML file. Durations are written as strings ("30s", "5m", "1d") and parsed
// through the Get* accessors so a missing value falls back to its default.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/brevmail/brev/helpers"
)

// LoggingConfig selects log output, format and level.
type LoggingConfig struct {
	Output string `toml:"output"` // stdout, stderr, syslog, or a file path
	Format string `toml:"format"` // console or json
	Level  string `toml:"level"`  // debug, info, warn, error
}

// DatabaseConfig holds the mail store database settings. Driver selects the
// backend: "postgres" (host/port/user/password/name) or "sqlite" (path).
type DatabaseConfig struct {
	Driver          string `toml:"driver"`
	Host            string `toml:"host"`
	Port            int    `toml:"port"`
	User            string `toml:"user"`
	Password        string `toml:"password"`
	Name            string `toml:"name"`
	TLSMode         bool   `toml:"tls"`
	Path            string `toml:"path"` // sqlite database file
	MaxConns        int    `toml:"max_conns"`
	MaxIdleConns    int    `toml:"max_idle_conns"`
	ConnMaxLifetime string `toml:"conn_max_lifetime"`
	QueryTimeout    string `toml:"query_timeout"`
}

func (d *DatabaseConfig) GetConnMaxLifetime() (time.Duration, error) {
	if d.ConnMaxLifetime == "" {
		return time.Hour, nil
	}
	return helpers.ParseDuration(d.ConnMaxLifetime)
}

func (d *DatabaseConfig) GetQueryTimeout() (time.Duration, error) {
	if d.QueryTimeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(d.QueryTimeout)
}

// S3Config holds the message content store settings.
type S3Config struct {
	Endpoint      string `toml:"endpoint"`
	DisableTLS    bool   `toml:"disable_tls"`
	AccessKey     string `toml:"access_key"`
	SecretKey     string `toml:"secret_key"`
	Bucket        string `toml:"bucket"`
	Encrypt       bool   `toml:"encrypt"`
	EncryptionKey string `toml:"encryption_key"`
}

// CacheConfig holds the local content cache settings.
type CacheConfig struct {
	Path          string `toml:"path"`
	Capacity      int64  `toml:"capacity"`        // total bytes kept on disk
	MaxObjectSize int64  `toml:"max_object_size"` // larger objects are never cached after upload
	PurgeInterval string `toml:"purge_interval"`
}

func (c *CacheConfig) GetPurgeInterval() (time.Duration, error) {
	if c.PurgeInterval == "" {
		return 12 * time.Hour, nil
	}
	return helpers.ParseDuration(c.PurgeInterval)
}

// UploaderConfig drives the background worker that moves newly delivered
// content from the local cache to S3.
type UploaderConfig struct {
	BatchSize   int    `toml:"batch_size"`
	Interval    string `toml:"interval"`
	MaxAttempts int    `toml:"max_attempts"`
}

func (u *UploaderConfig) GetInterval() (time.Duration, error) {
	if u.Interval == "" {
		return 10 * time.Second, nil
	}
	return helpers.ParseDuration(u.Interval)
}

// CleanerConfig drives the background worker that removes message content no
// longer referenced by any folder.
type CleanerConfig struct {
	Interval    string `toml:"interval"`
	GracePeriod string `toml:"grace_period"`
}

func (c *CleanerConfig) GetInterval() (time.Duration, error) {
	if c.Interval == "" {
		return time.Hour, nil
	}
	return helpers.ParseDuration(c.Interval)
}

func (c *CleanerConfig) GetGracePeriod() (time.Duration, error) {
	if c.GracePeriod == "" {
		return 24 * time.Hour, nil
	}
	return helpers.ParseDuration(c.GracePeriod)
}

// IMAPServerConfig holds IMAP listener configuration.
type IMAPServerConfig struct {
	Start          bool   `toml:"start"`
	Addr           string `toml:"addr"`
	MaxConnections int    `toml:"max_connections"`
	TLS            bool   `toml:"tls"`
	TLSCertFile    string `toml:"tls_cert_file"`
	TLSKeyFile     string `toml:"tls_key_file"`
	CommandTimeout string `toml:"command_timeout"` // idle time before disconnect
}

func (i *IMAPServerConfig) GetCommandTimeout() (time.Duration, error) {
	if i.CommandTimeout == "" {
		return 30 * time.Minute, nil
	}
	return helpers.ParseDuration(i.CommandTimeout)
}

// POP3ServerConfig holds POP3 listener configuration.
type POP3ServerConfig struct {
	Start          bool   `toml:"start"`
	Addr           string `toml:"addr"`
	MaxConnections int    `toml:"max_connections"`
	TLS            bool   `toml:"tls"`
	TLSCertFile    string `toml:"tls_cert_file"`
	TLSKeyFile     string `toml:"tls_key_file"`
	CommandTimeout string `toml:"command_timeout"`
}

func (p *POP3ServerConfig) GetCommandTimeout() (time.Duration, error) {
	if p.CommandTimeout == "" {
		return 10 * time.Minute, nil
	}
	return helpers.ParseDuration(p.CommandTimeout)
}

// SMTPServerConfig holds the inbound SMTP listener configuration.
type SMTPServerConfig struct {
	Start           bool   `toml:"start"`
	Addr            string `toml:"addr"`
	MaxConnections  int    `toml:"max_connections"`
	MaxMessageBytes int64  `toml:"max_message_bytes"`
	MaxRecipients   int    `toml:"max_recipients"`
	AuthRequired    bool   `toml:"auth_required"` // require SMTP AUTH before MAIL
	TLS             bool   `toml:"tls"`
	TLSUseStartTLS  bool   `toml:"tls_use_starttls"`
	TLSCertFile     string `toml:"tls_cert_file"`
	TLSKeyFile      string `toml:"tls_key_file"`
	CommandTimeout  string `toml:"command_timeout"`
}

func (s *SMTPServerConfig) GetCommandTimeout() (time.Duration, error) {
	if s.CommandTimeout == "" {
		return 5 * time.Minute, nil
	}
	return helpers.ParseDuration(s.CommandTimeout)
}

// OpsServerConfig holds the operational HTTP endpoint (metrics, health).
type OpsServerConfig struct {
	Start bool   `toml:"start"`
	Addr  string `toml:"addr"`
}

// ServersConfig groups all listener configurations.
type ServersConfig struct {
	IMAP IMAPServerConfig `toml:"imap"`
	POP3 POP3ServerConfig `toml:"pop3"`
	SMTP SMTPServerConfig `toml:"smtp"`
	Ops  OpsServerConfig  `toml:"ops"`
}

// Config is the root configuration document.
type Config struct {
	Hostname string         `toml:"hostname"` // announced in greetings; defaults to os.Hostname
	Logging  LoggingConfig  `toml:"logging"`
	Database DatabaseConfig `toml:"database"`
	S3       S3Config       `toml:"s3"`
	Cache    CacheConfig    `toml:"cache"`
	Uploader UploaderConfig `toml:"uploader"`
	Cleaner  CleanerConfig  `toml:"cleaner"`
	Servers  ServersConfig  `toml:"servers"`
}

// NewDefaultConfig returns a configuration with workable defaults for a
// single-node deployment; Load overlays the TOML file on top of it.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{Output: "stderr", Format: "console", Level: "info"},
		Database: DatabaseConfig{
			Driver: "postgres",
			Host:   "localhost",
			Port:   5432,
		},
		Cache: CacheConfig{
			Path:          "/var/cache/brev",
			Capacity:      1 << 30,
			MaxObjectSize: 5 << 20,
		},
		Uploader: UploaderConfig{BatchSize: 20, MaxAttempts: 5},
		Servers: ServersConfig{
			IMAP: IMAPServerConfig{Addr: ":143"},
			POP3: POP3ServerConfig{Addr: ":110"},
			SMTP: SMTPServerConfig{
				Addr:            ":25",
				MaxMessageBytes: 50 * 1024 * 1024,
				MaxRecipients:   100,
			},
			Ops: OpsServerConfig{Addr: ":9090"},
		},
	}
}

// Load reads the TOML file at path over the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := NewDefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config file: %w", err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints that toml decoding cannot express.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres":
		if c.Database.Name == "" {
			return errors.New("database: name is required for the postgres driver")
		}
	case "sqlite":
		if c.Database.Path == "" {
			return errors.New("database: path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("database: unknown driver %q", c.Database.Driver)
	}

	if c.S3.Endpoint != "" {
		if c.S3.Bucket == "" {
			return errors.New("s3: bucket is required when an endpoint is configured")
		}
		if c.S3.Encrypt && len(c.S3.EncryptionKey) != 64 {
			return errors.New("s3: encryption_key must be 64 hex characters")
		}
	}

	if c.Cache.Path == "" {
		return errors.New("cache: path is required")
	}

	for name, srv := range map[string]struct {
		start bool
		addr  string
	}{
		"imap": {c.Servers.IMAP.Start, c.Servers.IMAP.Addr},
		"pop3": {c.Servers.POP3.Start, c.Servers.POP3.Addr},
		"smtp": {c.Servers.SMTP.Start, c.Servers.SMTP.Addr},
		"ops":  {c.Servers.Ops.Start, c.Servers.Ops.Addr},
	} {
		if srv.start && srv.addr == "" {
			return fmt.Errorf("servers.%s: addr is required when start is set", name)
		}
	}

	tlsPairs := []struct {
		name      string
		tls       bool
		cert, key string
	}{
		{"imap", c.Servers.IMAP.TLS, c.Servers.IMAP.TLSCertFile, c.Servers.IMAP.TLSKeyFile},
		{"pop3", c.Servers.POP3.TLS, c.Servers.POP3.TLSCertFile, c.Servers.POP3.TLSKeyFile},
		{"smtp", c.Servers.SMTP.TLS || c.Servers.SMTP.TLSUseStartTLS, c.Servers.SMTP.TLSCertFile, c.Servers.SMTP.TLSKeyFile},
	}
	for _, p := range tlsPairs {
		if p.tls && (p.cert == "" || p.key == "") {
			return fmt.Errorf("servers.%s: tls_cert_file and tls_key_file are required with tls enabled", p.name)
		}
	}

	return nil
}
