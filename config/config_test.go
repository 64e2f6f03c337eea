package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
hostname = "mx.example.com"

[database]
driver = "sqlite"
path = "/tmp/brev-test.db"

[servers.imap]
start = true
addr = ":1143"
command_timeout = "90s"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "mx.example.com", cfg.Hostname)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.True(t, cfg.Servers.IMAP.Start)
	assert.Equal(t, ":1143", cfg.Servers.IMAP.Addr)

	// Sections the file does not mention keep their defaults.
	assert.Equal(t, "stderr", cfg.Logging.Output)
	assert.Equal(t, "console", cfg.Logging.Format)
	assert.Equal(t, 100, cfg.Servers.SMTP.MaxRecipients)
	assert.Equal(t, int64(50*1024*1024), cfg.Servers.SMTP.MaxMessageBytes)
	assert.Equal(t, int64(1<<30), cfg.Cache.Capacity)

	timeout, err := cfg.Servers.IMAP.GetCommandTimeout()
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, timeout)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestLoadRejectsBadTOML(t *testing.T) {
	path := writeConfig(t, "hostname = [unclosed\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config file")
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		cfg := NewDefaultConfig()
		cfg.Database.Driver = "sqlite"
		cfg.Database.Path = "/tmp/brev.db"
		return cfg
	}

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"sqlite defaults pass", func(c *Config) {}, ""},
		{"unknown driver", func(c *Config) { c.Database.Driver = "oracle" }, `unknown driver "oracle"`},
		{"postgres needs name", func(c *Config) { c.Database.Driver = "postgres"; c.Database.Name = "" }, "name is required"},
		{"sqlite needs path", func(c *Config) { c.Database.Path = "" }, "path is required"},
		{"s3 endpoint needs bucket", func(c *Config) { c.S3.Endpoint = "s3.local:9000" }, "bucket is required"},
		{"s3 encryption key length", func(c *Config) {
			c.S3.Endpoint = "s3.local:9000"
			c.S3.Bucket = "mail"
			c.S3.Encrypt = true
			c.S3.EncryptionKey = "abc123"
		}, "64 hex characters"},
		{"cache path required", func(c *Config) { c.Cache.Path = "" }, "cache: path is required"},
		{"started listener needs addr", func(c *Config) { c.Servers.POP3.Start = true; c.Servers.POP3.Addr = "" }, "servers.pop3: addr is required"},
		{"tls needs keypair", func(c *Config) { c.Servers.IMAP.TLS = true }, "tls_cert_file and tls_key_file"},
		{"starttls needs keypair", func(c *Config) { c.Servers.SMTP.TLSUseStartTLS = true }, "servers.smtp"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.wantErr)
			}
		})
	}
}

func TestDurationAccessorDefaults(t *testing.T) {
	var imap IMAPServerConfig
	d, err := imap.GetCommandTimeout()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, d)

	var cleaner CleanerConfig
	d, err = cleaner.GetGracePeriod()
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, d)

	cleaner.GracePeriod = "2d"
	d, err = cleaner.GetGracePeriod()
	require.NoError(t, err)
	assert.Equal(t, 48*time.Hour, d)

	imap.CommandTimeout = "soon"
	_, err = imap.GetCommandTimeout()
	assert.Error(t, err)
}
