package email

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/config"
)

// CertificateDecision is the user's answer for an untrusted certificate.
type CertificateDecision int

const (
	// Reject aborts the connection.
	Reject CertificateDecision = iota
	// AcceptOnce lets the current connection proceed. The next connection is
	// validated again.
	AcceptOnce
)

func (d CertificateDecision) String() string {
	if d == AcceptOnce {
		return "accept-once"
	}
	return "reject"
}

// CertificateDecider is asked when a server certificate chain does not
// validate. It is called synchronously on the account's worker.
type CertificateDecider interface {
	PresentCertificate(ctx context.Context, account string, chain []*x509.Certificate) (CertificateDecision, error)
}

// CertificateDeciderFunc adapts a function to CertificateDecider.
type CertificateDeciderFunc func(ctx context.Context, account string, chain []*x509.Certificate) (CertificateDecision, error)

// PresentCertificate calls f.
func (f CertificateDeciderFunc) PresentCertificate(ctx context.Context, account string, chain []*x509.Certificate) (CertificateDecision, error) {
	return f(ctx, account, chain)
}

// ErrUntrustedCertificate is wrapped when a certificate was not accepted.
var ErrUntrustedCertificate = errors.New("server certificate not trusted")

// certCheck validates one handshake. A fresh check is created per connection
// so that an accept-once decision never outlives it.
type certCheck struct {
	ctx     context.Context
	account string
	host    string
	roots   *x509.CertPool
	decider CertificateDecider
	logger  *logrus.Logger
	timeout time.Duration

	mu       sync.Mutex
	conn     net.Conn
	rejected bool
	accepted bool
	cause    error
}

// tlsConfig builds the TLS configuration for one connection to ep.
func (m *ConnectionManager) tlsConfig(ctx context.Context, account string, ep config.Endpoint) (*tls.Config, *certCheck, error) {
	check := &certCheck{
		ctx:     ctx,
		account: account,
		host:    ep.Host,
		decider: m.decider,
		logger:  m.logger,
		timeout: m.tuning.DialTimeout(),
	}
	if ep.Security == config.SecurityNone {
		return nil, check, nil
	}

	if ep.CACertFile != "" {
		pem, err := os.ReadFile(ep.CACertFile)
		if err != nil {
			return nil, nil, newError(KindIO, "load ca certificates", account, err)
		}
		check.roots = x509.NewCertPool()
		if !check.roots.AppendCertsFromPEM(pem) {
			return nil, nil, newError(KindCertificate, "load ca certificates", account, fmt.Errorf("no certificates in %s", ep.CACertFile))
		}
	}

	cfg := &tls.Config{
		ServerName: ep.Host,
		MinVersion: tls.VersionTLS12,
		// Chains are verified by certCheck.verify.
		InsecureSkipVerify: true,
	}
	if !ep.InsecureSkipVerify {
		cfg.VerifyConnection = check.verify
	}
	return cfg, check, nil
}

func (c *certCheck) attach(conn net.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *certCheck) verify(cs tls.ConnectionState) error {
	if len(cs.PeerCertificates) == 0 {
		return c.reject(errors.New("server presented no certificate"))
	}

	opts := x509.VerifyOptions{
		DNSName:       c.host,
		Roots:         c.roots,
		Intermediates: x509.NewCertPool(),
	}
	for _, cert := range cs.PeerCertificates[1:] {
		opts.Intermediates.AddCert(cert)
	}
	_, verifyErr := cs.PeerCertificates[0].Verify(opts)
	if verifyErr == nil {
		return nil
	}

	c.logger.WithError(verifyErr).WithFields(logrus.Fields{
		"account": c.account,
		"host":    c.host,
	}).Warn("Server certificate failed validation")

	if c.decider == nil {
		return c.reject(verifyErr)
	}

	// The user may take longer than the dial timeout to answer.
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.SetDeadline(time.Time{}) //nolint:errcheck
		defer conn.SetDeadline(time.Now().Add(c.timeout)) //nolint:errcheck
	}

	decision, err := c.decider.PresentCertificate(c.ctx, c.account, cs.PeerCertificates)
	if err != nil {
		return c.reject(fmt.Errorf("%v (decision failed: %w)", verifyErr, err))
	}
	if decision != AcceptOnce {
		return c.reject(verifyErr)
	}

	c.mu.Lock()
	c.accepted = true
	c.mu.Unlock()
	c.logger.WithField("account", c.account).Info("Untrusted certificate accepted for this connection")
	return nil
}

func (c *certCheck) reject(cause error) error {
	c.mu.Lock()
	c.rejected = true
	c.cause = cause
	c.mu.Unlock()
	return fmt.Errorf("%w: %v", ErrUntrustedCertificate, cause)
}

// failure classifies an error returned from a TLS handshake.
func (c *certCheck) failure(op string, err error) error {
	c.mu.Lock()
	rejected := c.rejected
	c.mu.Unlock()
	if rejected || errors.Is(err, ErrUntrustedCertificate) {
		return newError(KindCertificate, op, c.account, err)
	}
	return classifyConnect(op, c.account, err)
}

// classifyConnect maps errors raised while a connection is being set up.
// Anything that is not a timeout or a cancellation is a connection error.
func classifyConnect(op, account string, err error) error {
	err = classify(op, account, err)
	var e *Error
	if errors.As(err, &e) && e.Kind == KindProtocol {
		e.Kind = KindConnection
	}
	return err
}
