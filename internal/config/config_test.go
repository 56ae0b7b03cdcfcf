package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
cache_path: /tmp/mailsync-test.db
log_level: debug
tuning:
  envelope_batch_size: 20
accounts:
  - name: work
    address: me@example.com
    incoming:
      host: imap.example.com
      security: starttls
      username: me
    outgoing:
      host: smtp.example.com
      auth: plain
    sync:
      folders: [INBOX, Archive]
      keepalive_sec: 120
      deletion: move-to-trash
`

func clearAccountEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{"IMAP_HOST", "SMTP_HOST", "ACCOUNT_1_NAME"} {
		t.Setenv(key, "")
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigFromFile(t *testing.T) {
	clearAccountEnv(t)

	cfg, err := LoadConfig(writeConfig(t, sampleYAML))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "/tmp/mailsync-test.db", cfg.CachePath)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 20, cfg.Tuning.EnvelopeBatchSize)
	assert.Equal(t, 64*1024, cfg.Tuning.PartChunkSize, "unset tuning keeps its default")
	assert.Equal(t, 3, cfg.Tuning.ReconnectAttempts)

	require.Len(t, cfg.Accounts, 1)
	acc := cfg.Accounts[0]
	assert.Equal(t, "work", acc.DisplayName)
	assert.Equal(t, SecurityStartTLS, acc.Incoming.Security)
	assert.Equal(t, 143, acc.Incoming.Port)
	assert.Equal(t, AuthPassword, acc.Incoming.Auth)
	assert.Equal(t, SecurityTLS, acc.Outgoing.Security)
	assert.Equal(t, 465, acc.Outgoing.Port)
	assert.Equal(t, "me", acc.Outgoing.Username, "outgoing username falls back to incoming")
	assert.Equal(t, DeletionMoveToTrash, acc.Sync.Deletion)
	assert.Equal(t, "Trash", acc.Sync.TrashFolder)
	assert.True(t, acc.Sync.Wants("Archive"))
	assert.True(t, acc.Sync.Wants("inbox"))
	assert.False(t, acc.Sync.Wants("Spam"))
	assert.Equal(t, "imap.example.com:143", acc.Incoming.Addr())
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	clearAccountEnv(t)
	t.Setenv("ACCOUNT_1_NAME", "personal")
	t.Setenv("ACCOUNT_1_IMAP_HOST", "imap.personal.test")
	t.Setenv("ACCOUNT_1_IMAP_USERNAME", "p")
	t.Setenv("ACCOUNT_1_SMTP_HOST", "smtp.personal.test")
	t.Setenv("ACCOUNT_1_SMTP_SECURITY", "starttls")
	t.Setenv("ACCOUNT_1_SYNC_FOLDERS", "INBOX, Sent")
	t.Setenv("ACCOUNT_2_NAME", "other")
	t.Setenv("ACCOUNT_2_IMAP_HOST", "imap.other.test")
	t.Setenv("ACCOUNT_2_IMAP_USERNAME", "o")
	t.Setenv("ACCOUNT_2_SMTP_HOST", "smtp.other.test")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, []string{"personal", "other"}, cfg.AccountNames())
	personal, err := cfg.GetAccountByName("personal")
	require.NoError(t, err)
	assert.Equal(t, 993, personal.Incoming.Port)
	assert.Equal(t, 587, personal.Outgoing.Port)
	assert.Equal(t, []string{"INBOX", "Sent"}, personal.Sync.Folders)

	_, err = cfg.GetAccountByName("nope")
	assert.Error(t, err)
}

func TestLoadConfigWithoutAccounts(t *testing.T) {
	clearAccountEnv(t)
	_, err := LoadConfig(writeConfig(t, "log_level: info\n"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		acc := AccountConfig{
			Name:     "a",
			Incoming: Endpoint{Host: "imap", Username: "u"},
			Outgoing: Endpoint{Host: "smtp", Username: "u"},
		}
		acc.applyDefaults()
		return &Config{CachePath: "x.db", Tuning: DefaultTuning(), Accounts: []AccountConfig{acc}}
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"missing cache path", func(c *Config) { c.CachePath = "" }},
		{"zero batch", func(c *Config) { c.Tuning.EnvelopeBatchSize = 0 }},
		{"duplicate account", func(c *Config) { c.Accounts = append(c.Accounts, c.Accounts[0]) }},
		{"bad port", func(c *Config) { c.Accounts[0].Incoming.Port = 70000 }},
		{"bad security", func(c *Config) { c.Accounts[0].Outgoing.Security = "ssl3" }},
		{"bad auth", func(c *Config) { c.Accounts[0].Incoming.Auth = "kerberos" }},
		{"bad deletion", func(c *Config) { c.Accounts[0].Sync.Deletion = "shred" }},
		{"missing username", func(c *Config) { c.Accounts[0].Incoming.Username = "" }},
		{"no accounts", func(c *Config) { c.Accounts = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}
