package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Security is the transport security mode of an endpoint.
type Security string

const (
	SecurityNone     Security = "none"
	SecurityTLS      Security = "tls"
	SecurityStartTLS Security = "starttls"
)

// AuthMechanism selects how credentials are presented to a server.
type AuthMechanism string

const (
	AuthPassword AuthMechanism = "password" // IMAP LOGIN / SMTP PLAIN
	AuthPlain    AuthMechanism = "plain"    // SASL PLAIN
	AuthLogin    AuthMechanism = "login"    // SASL LOGIN
	AuthNone     AuthMechanism = "none"
)

// DeletionBehavior controls what happens to messages deleted locally.
type DeletionBehavior string

const (
	DeletionServiceDefault DeletionBehavior = "service-default"
	DeletionExpunge        DeletionBehavior = "expunge"
	DeletionMoveToTrash    DeletionBehavior = "move-to-trash"
)

// Config holds the application configuration
type Config struct {
	CachePath string `mapstructure:"cache_path"`
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	Tuning Tuning `mapstructure:"tuning"`

	Accounts []AccountConfig `mapstructure:"accounts"`
}

// Endpoint describes one side (incoming or outgoing) of an account.
type Endpoint struct {
	Protocol           string        `mapstructure:"protocol"`
	Host               string        `mapstructure:"host"`
	Port               int           `mapstructure:"port"`
	Security           Security      `mapstructure:"security"`
	Auth               AuthMechanism `mapstructure:"auth"`
	Username           string        `mapstructure:"username"`
	Password           string        `mapstructure:"password"`
	CredentialRef      string        `mapstructure:"credential_ref"`
	InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify"`
	CACertFile         string        `mapstructure:"ca_cert_file"`
}

// Addr returns host:port.
func (e Endpoint) Addr() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// SyncPolicy controls what is synchronized for an account and how often.
type SyncPolicy struct {
	Folders      []string         `mapstructure:"folders"`
	KeepAliveSec int              `mapstructure:"keepalive_sec"`
	IntervalSec  int              `mapstructure:"interval_sec"`
	Deletion     DeletionBehavior `mapstructure:"deletion"`
	TrashFolder  string           `mapstructure:"trash_folder"`
}

// Wants reports whether path is listed in the folders-to-sync set.
func (p SyncPolicy) Wants(path string) bool {
	for _, f := range p.Folders {
		if f == path || (strings.EqualFold(f, "INBOX") && strings.EqualFold(path, "INBOX")) {
			return true
		}
	}
	return false
}

// KeepAlive returns the keep-alive interval, zero when disabled.
func (p SyncPolicy) KeepAlive() time.Duration {
	return time.Duration(p.KeepAliveSec) * time.Second
}

// Interval returns the periodic sync interval, zero when disabled.
func (p SyncPolicy) Interval() time.Duration {
	return time.Duration(p.IntervalSec) * time.Second
}

// AccountConfig holds configuration for a single email account
type AccountConfig struct {
	Name        string `mapstructure:"name"`
	DisplayName string `mapstructure:"display_name"`
	Address     string `mapstructure:"address"`

	Incoming Endpoint   `mapstructure:"incoming"`
	Outgoing Endpoint   `mapstructure:"outgoing"`
	Sync     SyncPolicy `mapstructure:"sync"`
}

// Tuning holds batching, chunking and timeout values.
type Tuning struct {
	EnvelopeBatchSize  int `mapstructure:"envelope_batch_size"`
	PartChunkSize      int `mapstructure:"part_chunk_size"`
	BodyChunkSize      int `mapstructure:"body_chunk_size"`
	DialTimeoutSec     int `mapstructure:"dial_timeout_sec"`
	CommandTimeoutSec  int `mapstructure:"command_timeout_sec"`
	SendTimeoutSec     int `mapstructure:"send_timeout_sec"`
	ReconnectAttempts  int `mapstructure:"reconnect_attempts"`
	ReconnectPerMinute int `mapstructure:"reconnect_per_minute"`
}

// DialTimeout returns the connect timeout.
func (t Tuning) DialTimeout() time.Duration { return time.Duration(t.DialTimeoutSec) * time.Second }

// CommandTimeout returns the per-command timeout.
func (t Tuning) CommandTimeout() time.Duration {
	return time.Duration(t.CommandTimeoutSec) * time.Second
}

// SendTimeout returns the timeout for the message submission phase.
func (t Tuning) SendTimeout() time.Duration { return time.Duration(t.SendTimeoutSec) * time.Second }

// DefaultTuning returns the documented defaults.
func DefaultTuning() Tuning {
	return Tuning{
		EnvelopeBatchSize:  50,
		PartChunkSize:      64 * 1024,
		BodyChunkSize:      256 * 1024,
		DialTimeoutSec:     30,
		CommandTimeoutSec:  60,
		SendTimeoutSec:     300,
		ReconnectAttempts:  3,
		ReconnectPerMinute: 6,
	}
}

// DefaultConfigPath returns ~/.config/mailsync/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "mailsync", "config.yaml")
}

// LoadConfig loads configuration from the YAML file at path, environment
// overrides prefixed with MAILSYNC_ and, when the file defines no accounts,
// the IMAP_*/SMTP_* and ACCOUNT_n_* environment variables.
func LoadConfig(path string) (*Config, error) {
	// A missing .env is the common case.
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("MAILSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("cache_path", defaultCachePath())
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	d := DefaultTuning()
	v.SetDefault("tuning.envelope_batch_size", d.EnvelopeBatchSize)
	v.SetDefault("tuning.part_chunk_size", d.PartChunkSize)
	v.SetDefault("tuning.body_chunk_size", d.BodyChunkSize)
	v.SetDefault("tuning.dial_timeout_sec", d.DialTimeoutSec)
	v.SetDefault("tuning.command_timeout_sec", d.CommandTimeoutSec)
	v.SetDefault("tuning.send_timeout_sec", d.SendTimeoutSec)
	v.SetDefault("tuning.reconnect_attempts", d.ReconnectAttempts)
	v.SetDefault("tuning.reconnect_per_minute", d.ReconnectPerMinute)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var pathErr *os.PathError
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &pathErr) && !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if len(cfg.Accounts) == 0 {
		accounts, err := loadAccounts()
		if err != nil {
			return nil, fmt.Errorf("failed to load accounts: %w", err)
		}
		cfg.Accounts = accounts
	}

	if len(cfg.Accounts) == 0 {
		return nil, fmt.Errorf("no email accounts configured")
	}

	for i := range cfg.Accounts {
		cfg.Accounts[i].applyDefaults()
	}
	return cfg, nil
}

func defaultCachePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "mailsync.db")
	}
	return filepath.Join(home, ".local", "share", "mailsync", "mailsync.db")
}

// applyDefaults fills in protocol, security, port and policy defaults.
func (a *AccountConfig) applyDefaults() {
	if a.DisplayName == "" {
		a.DisplayName = a.Name
	}
	if a.Address == "" {
		a.Address = a.Outgoing.Username
	}

	a.Incoming.applyDefaults("imap", 993, 143)
	a.Outgoing.applyDefaults("smtp", 465, 587)
	if a.Outgoing.Security == SecurityNone && a.Outgoing.Port == 587 {
		a.Outgoing.Port = 25
	}
	if a.Outgoing.Username == "" {
		a.Outgoing.Username = a.Incoming.Username
	}

	if a.Sync.Deletion == "" {
		a.Sync.Deletion = DeletionServiceDefault
	}
	if a.Sync.TrashFolder == "" {
		a.Sync.TrashFolder = "Trash"
	}
	if len(a.Sync.Folders) == 0 {
		a.Sync.Folders = []string{"INBOX"}
	}
}

func (e *Endpoint) applyDefaults(protocol string, tlsPort, plainPort int) {
	if e.Protocol == "" {
		e.Protocol = protocol
	}
	if e.Security == "" {
		e.Security = SecurityTLS
	}
	if e.Auth == "" {
		e.Auth = AuthPassword
	}
	if e.Port == 0 {
		if e.Security == SecurityTLS {
			e.Port = tlsPort
		} else {
			e.Port = plainPort
		}
	}
}

// loadAccounts loads email account configurations from environment variables
func loadAccounts() ([]AccountConfig, error) {
	var accounts []AccountConfig

	// Single account configuration
	if hasSingleAccount() {
		name := getEnv("ACCOUNT_NAME", "default")
		accounts = append(accounts, loadAccountFromEnv(name, ""))
		return accounts, nil
	}

	// Multiple accounts (ACCOUNT_1_*, ACCOUNT_2_*, etc.)
	for num := 1; ; num++ {
		prefix := fmt.Sprintf("ACCOUNT_%d_", num)
		name := getEnv(prefix+"NAME", "")
		if name == "" {
			break
		}
		accounts = append(accounts, loadAccountFromEnv(name, prefix))
	}

	return accounts, nil
}

// hasSingleAccount checks if single account configuration exists
func hasSingleAccount() bool {
	return getEnv("IMAP_HOST", "") != "" && getEnv("SMTP_HOST", "") != ""
}

func loadAccountFromEnv(name, prefix string) AccountConfig {
	return AccountConfig{
		Name:        name,
		DisplayName: getEnv(prefix+"DISPLAY_NAME", ""),
		Address:     getEnv(prefix+"ADDRESS", ""),
		Incoming: Endpoint{
			Host:          getEnv(prefix+"IMAP_HOST", ""),
			Port:          getEnvInt(prefix+"IMAP_PORT", 0),
			Security:      Security(getEnv(prefix+"IMAP_SECURITY", "")),
			Auth:          AuthMechanism(getEnv(prefix+"IMAP_AUTH", "")),
			Username:      getEnv(prefix+"IMAP_USERNAME", ""),
			Password:      getEnv(prefix+"IMAP_PASSWORD", ""),
			CredentialRef: getEnv(prefix+"IMAP_CREDENTIAL_REF", ""),
		},
		Outgoing: Endpoint{
			Host:          getEnv(prefix+"SMTP_HOST", ""),
			Port:          getEnvInt(prefix+"SMTP_PORT", 0),
			Security:      Security(getEnv(prefix+"SMTP_SECURITY", "")),
			Auth:          AuthMechanism(getEnv(prefix+"SMTP_AUTH", "")),
			Username:      getEnv(prefix+"SMTP_USERNAME", ""),
			Password:      getEnv(prefix+"SMTP_PASSWORD", ""),
			CredentialRef: getEnv(prefix+"SMTP_CREDENTIAL_REF", ""),
		},
		Sync: SyncPolicy{
			Folders:      splitList(getEnv(prefix+"SYNC_FOLDERS", "")),
			KeepAliveSec: getEnvInt(prefix+"KEEPALIVE_SEC", 0),
			IntervalSec:  getEnvInt(prefix+"SYNC_INTERVAL_SEC", 0),
			Deletion:     DeletionBehavior(getEnv(prefix+"DELETION", "")),
			TrashFolder:  getEnv(prefix+"TRASH_FOLDER", ""),
		},
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an environment variable as an integer or returns a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// GetAccountByName finds an account by name
func (c *Config) GetAccountByName(name string) (*AccountConfig, error) {
	for i := range c.Accounts {
		if c.Accounts[i].Name == name {
			return &c.Accounts[i], nil
		}
	}
	return nil, fmt.Errorf("account not found: %s", name)
}

// GetDefaultAccount returns the account named "default", or the first one.
func (c *Config) GetDefaultAccount() *AccountConfig {
	if len(c.Accounts) == 0 {
		return nil
	}
	for i := range c.Accounts {
		if c.Accounts[i].Name == "default" {
			return &c.Accounts[i]
		}
	}
	return &c.Accounts[0]
}

// AccountNames returns a list of all account names
func (c *Config) AccountNames() []string {
	names := make([]string, len(c.Accounts))
	for i := range c.Accounts {
		names[i] = c.Accounts[i].Name
	}
	return names
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.CachePath == "" {
		return fmt.Errorf("cache_path is required")
	}
	if c.Tuning.EnvelopeBatchSize < 1 {
		return fmt.Errorf("tuning.envelope_batch_size must be positive")
	}
	if c.Tuning.PartChunkSize < 1 || c.Tuning.BodyChunkSize < 1 {
		return fmt.Errorf("tuning chunk sizes must be positive")
	}
	if c.Tuning.ReconnectAttempts < 0 {
		return fmt.Errorf("tuning.reconnect_attempts must not be negative")
	}
	if len(c.Accounts) == 0 {
		return fmt.Errorf("at least one account must be configured")
	}

	seen := make(map[string]bool, len(c.Accounts))
	for i := range c.Accounts {
		acc := &c.Accounts[i]
		if acc.Name == "" {
			return fmt.Errorf("account %d: name is required", i+1)
		}
		if seen[acc.Name] {
			return fmt.Errorf("account %s: duplicate name", acc.Name)
		}
		seen[acc.Name] = true

		if err := acc.Incoming.validate("incoming"); err != nil {
			return fmt.Errorf("account %s: %w", acc.Name, err)
		}
		if err := acc.Outgoing.validate("outgoing"); err != nil {
			return fmt.Errorf("account %s: %w", acc.Name, err)
		}
		switch acc.Sync.Deletion {
		case DeletionServiceDefault, DeletionExpunge, DeletionMoveToTrash:
		default:
			return fmt.Errorf("account %s: unknown deletion behavior %q", acc.Name, acc.Sync.Deletion)
		}
		if acc.Sync.KeepAliveSec < 0 || acc.Sync.IntervalSec < 0 {
			return fmt.Errorf("account %s: intervals must not be negative", acc.Name)
		}
	}

	return nil
}

func (e Endpoint) validate(side string) error {
	if e.Host == "" {
		return fmt.Errorf("%s host is required", side)
	}
	if e.Port < 1 || e.Port > 65535 {
		return fmt.Errorf("invalid %s port %d", side, e.Port)
	}
	switch e.Security {
	case SecurityNone, SecurityTLS, SecurityStartTLS:
	default:
		return fmt.Errorf("unknown %s security %q", side, e.Security)
	}
	switch e.Auth {
	case AuthPassword, AuthPlain, AuthLogin, AuthNone:
	default:
		return fmt.Errorf("unknown %s auth mechanism %q", side, e.Auth)
	}
	if e.Auth != AuthNone && e.Username == "" {
		return fmt.Errorf("%s username is required", side)
	}
	return nil
}
