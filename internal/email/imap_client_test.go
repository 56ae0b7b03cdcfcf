package email

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/backend"
	"github.com/emersion/go-imap/backend/memory"
	"github.com/emersion/go-imap/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/mailsync/internal/config"
	"github.com/brandon/mailsync/internal/credential"
	"github.com/brandon/mailsync/pkg/types"
)

// countingBackend wraps the in-memory IMAP backend and counts logins.
type countingBackend struct {
	backend.Backend
	logins atomic.Int32
}

func (b *countingBackend) Login(info *imap.ConnInfo, username, password string) (backend.User, error) {
	b.logins.Add(1)
	user, err := b.Backend.Login(info, username, password)
	if err != nil {
		return nil, err
	}
	return &moveUser{User: user}, nil
}

// moveUser hands out mailboxes answering MOVE, which the server advertises
// but the memory backend does not implement.
type moveUser struct {
	backend.User
}

func (u *moveUser) GetMailbox(name string) (backend.Mailbox, error) {
	mbox, err := u.User.GetMailbox(name)
	if err != nil {
		return nil, err
	}
	return &moveMailbox{Mailbox: mbox}, nil
}

type moveMailbox struct {
	backend.Mailbox
}

func (m *moveMailbox) MoveMessages(uid bool, seqSet *imap.SeqSet, dest string) error {
	if err := m.CopyMessages(uid, seqSet, dest); err != nil {
		return err
	}
	if err := m.UpdateMessagesFlags(uid, seqSet, imap.AddFlags, []string{imap.DeletedFlag}); err != nil {
		return err
	}
	return m.Expunge()
}

// mailboxCount returns the number of messages the backend holds in name.
func mailboxCount(t *testing.T, be backend.Backend, name string) uint32 {
	t.Helper()
	user, err := be.Login(nil, "username", "password")
	require.NoError(t, err)
	mbox, err := user.GetMailbox(name)
	require.NoError(t, err)
	status, err := mbox.Status([]imap.StatusItem{imap.StatusMessages})
	require.NoError(t, err)
	return status.Messages
}

// createMailbox adds an empty mailbox for the memory backend's test user.
func createMailbox(t *testing.T, be backend.Backend, name string) {
	t.Helper()
	user, err := be.Login(nil, "username", "password")
	require.NoError(t, err)
	require.NoError(t, user.CreateMailbox(name))
}

func newCountingBackend() *countingBackend {
	return &countingBackend{Backend: memory.New()}
}

// appendMessage stores raw in the INBOX of the memory backend's test user.
func appendMessage(t *testing.T, be backend.Backend, raw string) {
	t.Helper()
	user, err := be.Login(nil, "username", "password")
	require.NoError(t, err)
	mbox, err := user.GetMailbox("INBOX")
	require.NoError(t, err)
	require.NoError(t, mbox.CreateMessage(nil, time.Now(), bytes.NewBufferString(raw)))
}

func selfSignedCert(t *testing.T) (tls.Certificate, []byte) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "mailsync test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	require.NoError(t, err)
	return cert, certPEM
}

// startIMAP serves be on a random local port and returns the port.
func startIMAP(t *testing.T, be backend.Backend, security config.Security, cert *tls.Certificate) int {
	t.Helper()
	srv := server.New(be)
	srv.AllowInsecureAuth = true

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port

	if cert != nil {
		cfg := &tls.Config{Certificates: []tls.Certificate{*cert}}
		switch security {
		case config.SecurityTLS:
			l = tls.NewListener(l, cfg)
		case config.SecurityStartTLS:
			srv.TLSConfig = cfg
		}
	}

	go srv.Serve(l) //nolint:errcheck
	t.Cleanup(func() { srv.Close() })
	return port
}

func imapAccount(port int, security config.Security) *config.AccountConfig {
	acc := testAccount("work")
	acc.Incoming = config.Endpoint{
		Protocol: "imap",
		Host:     "127.0.0.1",
		Port:     port,
		Security: security,
		Auth:     config.AuthPassword,
		Username: "username",
	}
	return acc
}

func incomingKey(acc *config.AccountConfig) credential.Key {
	return credential.Key{Account: acc.Name, Role: credential.RoleIncoming, Username: acc.Incoming.Username, Host: acc.Incoming.Host}
}

type countingPrompter struct {
	answer string
	calls  atomic.Int32
}

func (p *countingPrompter) RequestPassword(ctx context.Context, key credential.Key) (string, bool, error) {
	p.calls.Add(1)
	if p.answer == "" {
		return "", false, nil
	}
	return p.answer, true, nil
}

type countingDecider struct {
	decision CertificateDecision
	calls    atomic.Int32
}

func (d *countingDecider) PresentCertificate(ctx context.Context, account string, chain []*x509.Certificate) (CertificateDecision, error) {
	d.calls.Add(1)
	return d.decision, nil
}

func newIMAPConns(t *testing.T, acc *config.AccountConfig, password string, prompter credential.Prompter, decider CertificateDecider) *ConnectionManager {
	t.Helper()
	creds := credential.NewStore(prompter, nil, quietLogger())
	creds.Seed(incomingKey(acc), password, "")
	tuning := testTuning()
	tuning.DialTimeoutSec = 5
	tuning.CommandTimeoutSec = 5
	m := NewConnectionManager(creds, decider, tuning, quietLogger())
	t.Cleanup(m.DisconnectAll)
	return m
}

func TestIMAPSessionPlaintext(t *testing.T) {
	be := newCountingBackend()
	acc := imapAccount(startIMAP(t, be, config.SecurityNone, nil), config.SecurityNone)
	conns := newIMAPConns(t, acc, "password", nil, nil)
	ctx := context.Background()

	s, err := conns.Connect(ctx, acc)
	require.NoError(t, err)
	assert.True(t, s.Alive())
	assert.True(t, s.Capabilities().Incremental)

	folders, err := s.ListFolders(ctx)
	require.NoError(t, err)
	require.Len(t, folders, 1)
	assert.Equal(t, "INBOX", folders[0].Path)
	assert.Equal(t, 1, folders[0].MessageCount)

	status, ids, err := s.EnumerateIDs(ctx, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, []uint32{6}, ids)
	assert.Equal(t, uint32(1), status.UIDValidity)
	assert.Equal(t, uint32(7), status.UIDNext)

	var got []types.Message
	require.NoError(t, s.FetchEnvelopes(ctx, "INBOX", ids, func(m types.Message) { got = append(got, m) }))
	require.Len(t, got, 1)
	assert.Equal(t, uint32(6), got[0].UID)
	assert.Equal(t, "A little message, just for you", got[0].Subject)
	assert.Equal(t, "contact@example.org", got[0].SenderEmail)
	assert.Contains(t, got[0].Flags, types.FlagSeen)

	again, err := conns.Connect(ctx, acc)
	require.NoError(t, err)
	assert.Same(t, s, again, "a live session is reused")
	assert.Equal(t, int32(1), be.logins.Load())
}

func TestIMAPChangedSince(t *testing.T) {
	be := newCountingBackend()
	acc := imapAccount(startIMAP(t, be, config.SecurityNone, nil), config.SecurityNone)
	conns := newIMAPConns(t, acc, "password", nil, nil)
	ctx := context.Background()

	s, err := conns.Connect(ctx, acc)
	require.NoError(t, err)
	inc := s.Incremental()
	require.NotNil(t, inc)

	state := &types.SyncState{UIDValidity: 1, UIDNext: 7, Messages: 1, UIDs: []uint32{6}}
	_, added, ok, err := inc.ChangedSince(ctx, "INBOX", state)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, added)

	appendMessage(t, be, "Subject: second\r\n\r\nbody")
	_, added, ok, err = inc.ChangedSince(ctx, "INBOX", state)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []uint32{7}, added)

	state.UIDValidity = 9
	_, _, ok, err = inc.ChangedSince(ctx, "INBOX", state)
	require.NoError(t, err)
	assert.False(t, ok, "a new UID validity needs a full enumeration")
}

func TestIMAPPartChunks(t *testing.T) {
	be := newCountingBackend()
	acc := imapAccount(startIMAP(t, be, config.SecurityNone, nil), config.SecurityNone)
	conns := newIMAPConns(t, acc, "password", nil, nil)
	ctx := context.Background()

	s, err := conns.Connect(ctx, acc)
	require.NoError(t, err)

	head, err := s.FetchPartChunk(ctx, "INBOX", 6, "", 0, 5)
	require.NoError(t, err)
	assert.Equal(t, "From:", string(head))

	tail, err := s.FetchPartChunk(ctx, "INBOX", 6, "1", 0, 1024)
	require.NoError(t, err)
	assert.Equal(t, "Hi there :)", string(tail))
}

func TestIMAPEnvelopeThreadingHeaders(t *testing.T) {
	be := newCountingBackend()
	appendMessage(t, be, "Message-ID: <reply@example.org>\r\n"+
		"In-Reply-To: <parent@example.org>\r\n"+
		"References: <root@example.org>\r\n <parent@example.org>\r\n"+
		"Subject: Re: plans\r\n\r\nsounds good")
	acc := imapAccount(startIMAP(t, be, config.SecurityNone, nil), config.SecurityNone)
	conns := newIMAPConns(t, acc, "password", nil, nil)
	ctx := context.Background()

	s, err := conns.Connect(ctx, acc)
	require.NoError(t, err)

	got := map[uint32]types.Message{}
	require.NoError(t, s.FetchEnvelopes(ctx, "INBOX", []uint32{6, 7}, func(m types.Message) { got[m.UID] = m }))
	require.Len(t, got, 2)

	assert.Nil(t, got[6].References)
	assert.Equal(t, "<parent@example.org>", got[7].InReplyTo)
	assert.Equal(t, []string{"root@example.org", "parent@example.org"}, got[7].References)
}

func TestIMAPMoveFallsBackToCopy(t *testing.T) {
	be := newCountingBackend()
	appendMessage(t, be, "Subject: second\r\n\r\nbody")
	createMailbox(t, be, "Archive")
	acc := imapAccount(startIMAP(t, be, config.SecurityNone, nil), config.SecurityNone)
	conns := newIMAPConns(t, acc, "password", nil, nil)
	ctx := context.Background()

	s, err := conns.Connect(ctx, acc)
	require.NoError(t, err)
	assert.True(t, s.Capabilities().Move)

	s.(*IMAPSession).caps.Move = false
	require.NoError(t, s.Move(ctx, "INBOX", []uint32{6}, "Archive"))
	assert.True(t, s.Alive())

	_, ids, err := s.EnumerateIDs(ctx, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, []uint32{7}, ids)
	assert.Equal(t, uint32(1), mailboxCount(t, be, "Archive"))
}

func TestIMAPAuthRetriedOnceWithFreshPassword(t *testing.T) {
	be := newCountingBackend()
	acc := imapAccount(startIMAP(t, be, config.SecurityNone, nil), config.SecurityNone)
	prompter := &countingPrompter{answer: "password"}
	conns := newIMAPConns(t, acc, "stale", prompter, nil)

	_, err := conns.Connect(context.Background(), acc)
	require.NoError(t, err)
	assert.Equal(t, int32(1), prompter.calls.Load())
	assert.Equal(t, int32(2), be.logins.Load())
}

func TestIMAPAuthRejectedTwice(t *testing.T) {
	be := newCountingBackend()
	acc := imapAccount(startIMAP(t, be, config.SecurityNone, nil), config.SecurityNone)
	prompter := &countingPrompter{answer: "still wrong"}
	conns := newIMAPConns(t, acc, "stale", prompter, nil)

	_, err := conns.Connect(context.Background(), acc)
	require.Error(t, err)
	assert.Equal(t, KindAuthentication, KindOf(err))
	assert.True(t, errors.Is(err, ErrAuthRejected))
	assert.Equal(t, int32(1), prompter.calls.Load())
	assert.Equal(t, int32(2), be.logins.Load())
}

func TestIMAPAuthDeclined(t *testing.T) {
	be := newCountingBackend()
	acc := imapAccount(startIMAP(t, be, config.SecurityNone, nil), config.SecurityNone)
	conns := newIMAPConns(t, acc, "", &countingPrompter{}, nil)

	_, err := conns.Connect(context.Background(), acc)
	require.Error(t, err)
	assert.Equal(t, KindAuthentication, KindOf(err))
	assert.True(t, errors.Is(err, credential.ErrDeclined))
	assert.Zero(t, be.logins.Load())
}

func TestIMAPUntrustedCertificateRejected(t *testing.T) {
	cert, _ := selfSignedCert(t)
	be := newCountingBackend()
	acc := imapAccount(startIMAP(t, be, config.SecurityTLS, &cert), config.SecurityTLS)
	decider := &countingDecider{decision: Reject}
	conns := newIMAPConns(t, acc, "password", nil, decider)

	_, err := conns.Connect(context.Background(), acc)
	require.Error(t, err)
	assert.Equal(t, KindCertificate, KindOf(err))
	assert.Equal(t, int32(1), decider.calls.Load())
	assert.Zero(t, be.logins.Load(), "no credentials are sent to an untrusted server")
}

func TestIMAPUntrustedCertificateWithoutDecider(t *testing.T) {
	cert, _ := selfSignedCert(t)
	be := newCountingBackend()
	acc := imapAccount(startIMAP(t, be, config.SecurityTLS, &cert), config.SecurityTLS)
	conns := newIMAPConns(t, acc, "password", nil, nil)

	_, err := conns.Connect(context.Background(), acc)
	require.Error(t, err)
	assert.Equal(t, KindCertificate, KindOf(err))
	assert.Zero(t, be.logins.Load())
}

func TestIMAPAcceptOnceAsksAgainOnNewConnection(t *testing.T) {
	cert, _ := selfSignedCert(t)
	be := newCountingBackend()
	acc := imapAccount(startIMAP(t, be, config.SecurityTLS, &cert), config.SecurityTLS)
	decider := &countingDecider{decision: AcceptOnce}
	conns := newIMAPConns(t, acc, "password", nil, decider)
	ctx := context.Background()

	_, err := conns.Connect(ctx, acc)
	require.NoError(t, err)
	assert.Equal(t, int32(1), decider.calls.Load())

	conns.Invalidate(acc.Name)
	_, err = conns.Connect(ctx, acc)
	require.NoError(t, err)
	assert.Equal(t, int32(2), decider.calls.Load())
}

func TestIMAPStartTLSWithConfiguredCA(t *testing.T) {
	cert, certPEM := selfSignedCert(t)
	caFile := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(caFile, certPEM, 0o600))

	be := newCountingBackend()
	acc := imapAccount(startIMAP(t, be, config.SecurityStartTLS, &cert), config.SecurityStartTLS)
	acc.Incoming.CACertFile = caFile
	decider := &countingDecider{decision: Reject}
	conns := newIMAPConns(t, acc, "password", nil, decider)

	s, err := conns.Connect(context.Background(), acc)
	require.NoError(t, err)
	assert.True(t, s.Alive())
	assert.Zero(t, decider.calls.Load(), "a trusted chain is never presented")
}

func TestIMAPStartTLSUnsupported(t *testing.T) {
	be := newCountingBackend()
	acc := imapAccount(startIMAP(t, be, config.SecurityNone, nil), config.SecurityStartTLS)
	conns := newIMAPConns(t, acc, "password", nil, nil)

	_, err := conns.Connect(context.Background(), acc)
	require.Error(t, err)
	assert.Equal(t, KindConnection, KindOf(err))
	assert.Zero(t, be.logins.Load())
}

func TestConnectRefused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	acc := imapAccount(port, config.SecurityNone)
	conns := newIMAPConns(t, acc, "password", nil, nil)

	_, err = conns.Connect(context.Background(), acc)
	require.Error(t, err)
	assert.Equal(t, KindConnection, KindOf(err))
	assert.True(t, IsConnectionLevel(err))
}

func TestConnectUnknownProtocol(t *testing.T) {
	acc := testAccount("work")
	acc.Incoming.Protocol = "pop3"
	conns := NewConnectionManager(nil, nil, testTuning(), quietLogger())

	_, err := conns.Connect(context.Background(), acc)
	require.Error(t, err)
	assert.Equal(t, KindProtocol, KindOf(err))
}
