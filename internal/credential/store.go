package credential

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Role identifies which endpoint of an account a secret belongs to.
type Role string

const (
	RoleIncoming Role = "incoming"
	RoleOutgoing Role = "outgoing"
)

// Key identifies a credential and carries enough context for a prompt.
type Key struct {
	Account  string
	Role     Role
	Username string
	Host     string
}

func (k Key) id() string {
	return k.Account + "/" + string(k.Role)
}

func (k Key) String() string {
	return fmt.Sprintf("%s (%s %s@%s)", k.Account, k.Role, k.Username, k.Host)
}

var (
	// ErrDeclined is returned when the user declines to enter a password.
	ErrDeclined = errors.New("password prompt declined")
	// ErrUnavailable is returned when no secret is known and nobody can be asked.
	ErrUnavailable = errors.New("no password available")
)

// Prompter asks the user for a password. ok is false when the user declined.
type Prompter interface {
	RequestPassword(ctx context.Context, key Key) (secret string, ok bool, err error)
}

// PrompterFunc adapts a function to Prompter.
type PrompterFunc func(ctx context.Context, key Key) (string, bool, error)

// RequestPassword calls f.
func (f PrompterFunc) RequestPassword(ctx context.Context, key Key) (string, bool, error) {
	return f(ctx, key)
}

// Source is a read-only secret lookup, such as the system keyring.
type Source interface {
	Lookup(ref string) (string, error)
}

type seed struct {
	password string
	ref      string
}

// Store keeps account secrets in memory for the lifetime of the process.
// Secrets are never written anywhere. Lookups that need a prompt hold a lock
// for that account only, so one account waiting on the user does not stall
// the others.
type Store struct {
	prompter Prompter
	source   Source
	logger   *logrus.Logger

	mu       sync.Mutex
	secrets  map[string]string
	seeds    map[string]seed
	rejected map[string]bool
	locks    map[string]*sync.Mutex
}

// NewStore creates a credential store. prompter and source may be nil.
func NewStore(prompter Prompter, source Source, logger *logrus.Logger) *Store {
	return &Store{
		prompter: prompter,
		source:   source,
		logger:   logger,
		secrets:  make(map[string]string),
		seeds:    make(map[string]seed),
		rejected: make(map[string]bool),
		locks:    make(map[string]*sync.Mutex),
	}
}

// Seed registers configured material for key: an inline password and/or a
// reference into the read-only source. Both are tried before prompting.
func (s *Store) Seed(key Key, password, ref string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seeds[key.id()] = seed{password: password, ref: ref}
}

func (s *Store) accountLock(account string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[account]
	if !ok {
		l = &sync.Mutex{}
		s.locks[account] = l
	}
	return l
}

// Get returns the secret for key, consulting in order the session cache, the
// configured password, the read-only source and finally the prompter.
func (s *Store) Get(ctx context.Context, key Key) (string, error) {
	l := s.accountLock(key.Account)
	l.Lock()
	defer l.Unlock()

	s.mu.Lock()
	secret, cached := s.secrets[key.id()]
	sd := s.seeds[key.id()]
	rejected := s.rejected[key.id()]
	s.mu.Unlock()

	if cached {
		return secret, nil
	}

	if !rejected {
		if sd.password != "" {
			s.remember(key, sd.password)
			return sd.password, nil
		}
		if sd.ref != "" && s.source != nil {
			secret, err := s.source.Lookup(sd.ref)
			if err == nil {
				s.remember(key, secret)
				return secret, nil
			}
			s.logger.WithError(err).WithField("account", key.Account).Debug("Credential source lookup failed")
		}
	}

	return s.prompt(ctx, key)
}

// Fresh discards any cached secret for key and asks the prompter for a new one.
// It is used after a server rejected the previous secret.
func (s *Store) Fresh(ctx context.Context, key Key) (string, error) {
	s.Purge(key)

	l := s.accountLock(key.Account)
	l.Lock()
	defer l.Unlock()
	return s.prompt(ctx, key)
}

func (s *Store) prompt(ctx context.Context, key Key) (string, error) {
	if s.prompter == nil {
		return "", fmt.Errorf("%s: %w", key, ErrUnavailable)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.logger.WithFields(logrus.Fields{
		"account": key.Account,
		"role":    key.Role,
	}).Info("Requesting password")

	secret, ok, err := s.prompter.RequestPassword(ctx, key)
	if err != nil {
		return "", fmt.Errorf("failed to prompt for %s: %w", key, err)
	}
	if !ok {
		return "", fmt.Errorf("%s: %w", key, ErrDeclined)
	}
	s.remember(key, secret)
	return secret, nil
}

func (s *Store) remember(key Key, secret string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[key.id()] = secret
}

// Purge forgets the cached secret for key. Configured material is not tried
// again until Forget or Seed is called for the account.
func (s *Store) Purge(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.secrets, key.id())
	s.rejected[key.id()] = true
}

// Forget drops everything known about an account.
func (s *Store) Forget(account string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, role := range []Role{RoleIncoming, RoleOutgoing} {
		id := Key{Account: account, Role: role}.id()
		delete(s.secrets, id)
		delete(s.seeds, id)
		delete(s.rejected, id)
	}
	delete(s.locks, account)
}
