package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/cache"
	"github.com/brandon/mailsync/internal/config"
	"github.com/brandon/mailsync/internal/credential"
	"github.com/brandon/mailsync/internal/email"
	"github.com/brandon/mailsync/internal/progress"
)

// application holds the components shared by all commands.
type application struct {
	cfg     *config.Config
	logger  *logrus.Logger
	cache   *cache.Cache
	manager *email.Manager
}

// newApplication loads configuration and starts the manager. In serve mode
// stdin carries tool requests, so nobody is prompted.
func newApplication(ctx context.Context, path, level string, serve bool) (*application, error) {
	if path == "" {
		path = config.DefaultConfigPath()
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if level != "" {
		cfg.LogLevel = level
	}

	logger := newLogger(cfg)

	emailCache, err := cache.NewCache(cfg.CachePath, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cache: %w", err)
	}
	store := cache.NewStore(emailCache, logger)

	var (
		prompter credential.Prompter
		decider  email.CertificateDecider
	)
	if !serve && isTerminal() {
		t := newTerminal()
		prompter = t
		decider = t
	}

	creds := credential.NewStore(prompter, openKeyring(cfg, logger), logger)
	manager, err := email.NewManager(ctx, cfg, store, progress.NewTracker(logger), creds, decider, logger)
	if err != nil {
		emailCache.Close()
		return nil, fmt.Errorf("failed to create email manager: %w", err)
	}

	return &application{cfg: cfg, logger: logger, cache: emailCache, manager: manager}, nil
}

// Close stops the manager and closes the cache.
func (a *application) Close() {
	a.manager.Close()
	if err := a.cache.Close(); err != nil {
		a.logger.WithError(err).Warn("Failed to close cache")
	}
}

// newLogger writes to stderr; stdout is reserved for command output and the
// tool protocol.
func newLogger(cfg *config.Config) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	if cfg.LogFormat == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

// openKeyring returns nil unless an account references a keyring item.
func openKeyring(cfg *config.Config, logger *logrus.Logger) credential.Source {
	needed := false
	for _, acc := range cfg.Accounts {
		if acc.Incoming.CredentialRef != "" || acc.Outgoing.CredentialRef != "" {
			needed = true
			break
		}
	}
	if !needed {
		return nil
	}

	dir := filepath.Join(filepath.Dir(cfg.CachePath), "keyring")
	ring, err := credential.OpenKeyring(dir)
	if err != nil {
		logger.WithError(err).Warn("Keyring unavailable, credential references will be prompted for")
		return nil
	}
	return ring
}

// resolveAccount returns name, or the configured default account when name
// is empty.
func resolveAccount(cfg *config.Config, name string) (string, error) {
	if name != "" {
		return name, nil
	}
	acc := cfg.GetDefaultAccount()
	if acc == nil {
		return "", fmt.Errorf("no accounts configured")
	}
	return acc.Name, nil
}
