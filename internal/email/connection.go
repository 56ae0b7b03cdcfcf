package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/brandon/mailsync/internal/config"
	"github.com/brandon/mailsync/internal/credential"
)

// dialFunc opens a Session for one protocol variant.
type dialFunc func(ctx context.Context, m *ConnectionManager, acc *config.AccountConfig) (Session, error)

// ConnectionManager owns the live incoming session of every account.
type ConnectionManager struct {
	creds   *credential.Store
	decider CertificateDecider
	tuning  config.Tuning
	logger  *logrus.Logger

	variants map[string]dialFunc

	mu       sync.Mutex
	sessions map[string]Session
	limiters map[string]*rate.Limiter
}

// NewConnectionManager creates a manager. decider may be nil, in which case
// untrusted certificates are always rejected.
func NewConnectionManager(creds *credential.Store, decider CertificateDecider, tuning config.Tuning, logger *logrus.Logger) *ConnectionManager {
	return &ConnectionManager{
		creds:   creds,
		decider: decider,
		tuning:  tuning,
		logger:  logger,
		variants: map[string]dialFunc{
			"":     dialIMAP,
			"imap": dialIMAP,
		},
		sessions: make(map[string]Session),
		limiters: make(map[string]*rate.Limiter),
	}
}

func (m *ConnectionManager) limiter(account string) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.limiters[account]
	if !ok {
		limit := rate.Inf
		burst := 1
		if n := m.tuning.ReconnectPerMinute; n > 0 {
			limit = rate.Every(time.Minute / time.Duration(n))
			burst = n
		}
		l = rate.NewLimiter(limit, burst)
		m.limiters[account] = l
	}
	return l
}

// Connect returns the live session of acc, opening a new one when there is
// none or the previous one became unusable.
func (m *ConnectionManager) Connect(ctx context.Context, acc *config.AccountConfig) (Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[acc.Name]
	if ok && s.Alive() {
		m.mu.Unlock()
		return s, nil
	}
	delete(m.sessions, acc.Name)
	m.mu.Unlock()

	if ok {
		s.Close() //nolint:errcheck
	}

	dial, found := m.variants[strings.ToLower(acc.Incoming.Protocol)]
	if !found {
		return nil, newError(KindProtocol, "connect", acc.Name, fmt.Errorf("unsupported protocol %q", acc.Incoming.Protocol))
	}

	if err := m.limiter(acc.Name).Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, cancelled("connect", acc.Name, ctx.Err())
		}
		return nil, newError(KindConnection, "connect", acc.Name, err)
	}

	s, err := dial(ctx, m, acc)
	if err != nil {
		m.logger.WithError(err).WithField("account", acc.Name).Warn("Failed to connect")
		return nil, err
	}

	m.mu.Lock()
	m.sessions[acc.Name] = s
	m.mu.Unlock()
	return s, nil
}

// Session returns the current session of account without connecting.
func (m *ConnectionManager) Session(account string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[account]
	return s, ok
}

// Invalidate drops the session of account so the next Connect opens a new
// one. It is used when a command stream was abandoned midway.
func (m *ConnectionManager) Invalidate(account string) {
	m.mu.Lock()
	s, ok := m.sessions[account]
	delete(m.sessions, account)
	m.mu.Unlock()
	if !ok {
		return
	}
	if err := s.Close(); err != nil {
		m.logger.WithError(err).WithField("account", account).Debug("Error closing invalidated session")
	}
	m.logger.WithField("account", account).Debug("Session invalidated")
}

// KeepAlive sends a no-op on s. A session that fails it is dropped so the
// next task reconnects.
func (m *ConnectionManager) KeepAlive(ctx context.Context, account string, s Session) error {
	if err := s.Noop(ctx); err != nil {
		if IsConnectionLevel(err) || !s.Alive() {
			m.Invalidate(account)
		}
		return err
	}
	m.logger.WithField("account", account).Debug("Keep-alive sent")
	return nil
}

// Disconnect logs out of account's session, if any.
func (m *ConnectionManager) Disconnect(account string) error {
	m.mu.Lock()
	s, ok := m.sessions[account]
	delete(m.sessions, account)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	m.logger.WithField("account", account).Info("Disconnecting")
	return s.Close()
}

// DisconnectAll logs out of every session.
func (m *ConnectionManager) DisconnectAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]Session)
	m.mu.Unlock()
	for account, s := range sessions {
		if err := s.Close(); err != nil {
			m.logger.WithError(err).WithField("account", account).Debug("Error closing session")
		}
	}
}

// dialTransport opens the TCP connection to ep and, for implicit TLS, runs
// the handshake. The connection carries a deadline of the dial timeout that
// the protocol client replaces with its own command deadlines.
func (m *ConnectionManager) dialTransport(ctx context.Context, account string, ep config.Endpoint, tlsCfg *tls.Config, check *certCheck) (net.Conn, error) {
	const op = "connect"
	dialer := &net.Dialer{Timeout: m.tuning.DialTimeout()}
	conn, err := dialer.DialContext(ctx, "tcp", ep.Addr())
	if err != nil {
		return nil, classifyConnect(op, account, err)
	}
	check.attach(conn)
	if t := m.tuning.DialTimeout(); t > 0 {
		conn.SetDeadline(time.Now().Add(t)) //nolint:errcheck
	}

	if ep.Security != config.SecurityTLS {
		return conn, nil
	}

	tlsConn := tls.Client(conn, tlsCfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, check.failure(op, err)
	}
	return tlsConn, nil
}

// authenticate runs login with the known secret. When the server rejects it,
// the secret is purged and login is retried exactly once with a fresh one.
// login must return an *Error for failures other than a rejection.
func (m *ConnectionManager) authenticate(ctx context.Context, key credential.Key, login func(secret string) error, alive func() bool) error {
	const op = "authenticate"

	secret, err := m.creds.Get(ctx, key)
	if err != nil {
		return credentialError(op, key.Account, err)
	}

	err = login(secret)
	if err == nil {
		return nil
	}
	if rerr := m.notRejection(op, key.Account, err, alive); rerr != nil {
		return rerr
	}

	m.logger.WithError(err).WithFields(logrus.Fields{
		"account": key.Account,
		"role":    key.Role,
	}).Warn("Server rejected credentials, asking again")

	secret, err = m.creds.Fresh(ctx, key)
	if err != nil {
		return credentialError(op, key.Account, err)
	}
	err = login(secret)
	if err == nil {
		return nil
	}
	if rerr := m.notRejection(op, key.Account, err, alive); rerr != nil {
		return rerr
	}
	m.creds.Purge(key)
	return newError(KindAuthentication, op, key.Account, fmt.Errorf("%w: %v", ErrAuthRejected, err))
}

// notRejection returns a classified error when err is something other than
// the server refusing the credentials.
func (m *ConnectionManager) notRejection(op, account string, err error, alive func() bool) error {
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	if isTransport(err) || !alive() {
		return classifyConnect(op, account, err)
	}
	return nil
}

func credentialError(op, account string, err error) error {
	if isCancellation(err) {
		return cancelled(op, account, err)
	}
	return newError(KindAuthentication, op, account, err)
}
