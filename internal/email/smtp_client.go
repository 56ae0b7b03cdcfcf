package email

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/config"
	"github.com/brandon/mailsync/internal/credential"
	"github.com/brandon/mailsync/internal/progress"
)

// ComposedMessage is a message ready for submission. Attachments are read
// from disk while the message is streamed to the server.
type ComposedMessage struct {
	To          []string
	Cc          []string
	Bcc         []string
	Subject     string
	BodyText    string
	BodyHTML    string
	Attachments []string
	ReplyTo     string
	InReplyTo   string
}

// Recipients returns every envelope recipient.
func (m *ComposedMessage) Recipients() []string {
	out := make([]string, 0, len(m.To)+len(m.Cc)+len(m.Bcc))
	out = append(out, m.To...)
	out = append(out, m.Cc...)
	out = append(out, m.Bcc...)
	return out
}

// SendResult describes an accepted submission.
type SendResult struct {
	MessageID  string   `json:"message_id"`
	Recipients []string `json:"recipients"`
	Bytes      int64    `json:"bytes"`
}

// OutgoingSender submits messages over SMTP. Every send opens its own
// connection; nothing is shared with the incoming session.
type OutgoingSender struct {
	conns  *ConnectionManager
	tuning config.Tuning
	logger *logrus.Logger
}

// NewOutgoingSender creates a sender. conns provides credential and
// certificate handling.
func NewOutgoingSender(conns *ConnectionManager, tuning config.Tuning, logger *logrus.Logger) *OutgoingSender {
	return &OutgoingSender{conns: conns, tuning: tuning, logger: logger}
}

func transportFailure(err error) *SendError {
	return &SendError{Failure: SendTransport, Err: err}
}

func invalidMessage(err error) *SendError {
	return &SendError{Failure: SendInvalid, Err: err}
}

// Send submits msg through acc's outgoing server.
func (s *OutgoingSender) Send(ctx context.Context, op *progress.Operation, acc *config.AccountConfig, msg *ComposedMessage) (*SendResult, error) {
	const opName = "send"
	ep := acc.Outgoing

	rcpts := envelopeAddresses(msg.Recipients())
	if len(rcpts) == 0 {
		return nil, invalidMessage(newError(KindProtocol, opName, acc.Name, errors.New("no recipients")))
	}
	for _, path := range msg.Attachments {
		if _, err := os.Stat(path); err != nil {
			return nil, invalidMessage(newError(KindIO, opName, acc.Name, err))
		}
	}

	op.SetStatus("Connecting to outgoing server...") //nolint:errcheck
	c, err := s.dial(ctx, acc)
	if err != nil {
		return nil, s.connectFailure(err)
	}
	defer c.Close()

	if err := op.Err(); err != nil {
		return nil, cancelled(opName, acc.Name, err)
	}

	op.SetStatus("Sending message...") //nolint:errcheck
	from := acc.Address
	if from == "" {
		from = ep.Username
	}
	if err := c.Mail(from, nil); err != nil {
		return nil, transportFailure(classify(opName, acc.Name, err))
	}
	for _, rcpt := range rcpts {
		if err := c.Rcpt(rcpt); err != nil {
			return nil, transportFailure(classify(opName, acc.Name, fmt.Errorf("recipient %s: %w", rcpt, err)))
		}
	}

	w, err := c.Data()
	if err != nil {
		return nil, transportFailure(classify(opName, acc.Name, err))
	}

	counter := &countingWriter{w: w, op: op}
	messageID, err := s.compose(counter, acc, msg, op)
	if err != nil {
		// Closing the connection without the final dot abandons the
		// transaction.
		c.Close() //nolint:errcheck
		var local *localReadError
		switch {
		case errors.As(err, &local):
			return nil, invalidMessage(newError(KindIO, opName, acc.Name, local.err))
		case isCancellation(err):
			return nil, cancelled(opName, acc.Name, err)
		}
		return nil, transportFailure(classify(opName, acc.Name, err))
	}

	if err := w.Close(); err != nil {
		var smtpErr *smtp.SMTPError
		if errors.As(err, &smtpErr) {
			return nil, transportFailure(newError(KindProtocol, opName, acc.Name, err))
		}
		// The data was submitted but the final reply never arrived.
		kind := KindConnection
		if isTimeout(err) {
			kind = KindTimeout
		}
		return nil, &SendError{Failure: SendAmbiguous, Err: newError(kind, opName, acc.Name, err)}
	}

	if err := c.Quit(); err != nil {
		s.logger.WithError(err).WithField("account", acc.Name).Debug("QUIT failed after accepted message")
	}

	s.logger.WithFields(logrus.Fields{
		"account":    acc.Name,
		"recipients": len(rcpts),
		"bytes":      counter.n,
	}).Info("Message sent")
	return &SendResult{MessageID: messageID, Recipients: rcpts, Bytes: counter.n}, nil
}

// connectFailure maps a connection setup error to a SendError.
func (s *OutgoingSender) connectFailure(err error) error {
	switch KindOf(err) {
	case KindCancelled:
		return err
	case KindAuthentication:
		return &SendError{Failure: SendAuthorization, Err: err}
	}
	return transportFailure(err)
}

// dial connects and authenticates to acc's outgoing endpoint.
func (s *OutgoingSender) dial(ctx context.Context, acc *config.AccountConfig) (*smtp.Client, error) {
	const op = "connect outgoing"
	ep := acc.Outgoing
	m := s.conns

	if err := m.limiter(acc.Name + "/outgoing").Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, cancelled(op, acc.Name, ctx.Err())
		}
		return nil, newError(KindConnection, op, acc.Name, err)
	}

	tlsCfg, check, err := m.tlsConfig(ctx, acc.Name, ep)
	if err != nil {
		return nil, err
	}
	conn, err := m.dialTransport(ctx, acc.Name, ep, tlsCfg, check)
	if err != nil {
		return nil, err
	}

	c, err := smtp.NewClient(conn, ep.Host)
	if err != nil {
		conn.Close()
		return nil, classifyConnect(op, acc.Name, err)
	}
	c.CommandTimeout = s.tuning.CommandTimeout()
	c.SubmissionTimeout = s.tuning.SendTimeout()

	if ep.Security == config.SecurityStartTLS {
		if ok, _ := c.Extension("STARTTLS"); !ok {
			c.Close()
			return nil, newError(KindConnection, op, acc.Name, fmt.Errorf("%s does not offer STARTTLS", ep.Host))
		}
		if err := c.StartTLS(tlsCfg); err != nil {
			c.Close()
			return nil, check.failure(op, err)
		}
	}

	if ep.Auth != config.AuthNone {
		if ok, _ := c.Extension("AUTH"); !ok {
			c.Close()
			return nil, newError(KindAuthentication, op, acc.Name, fmt.Errorf("%s does not offer AUTH", ep.Host))
		}
		key := credential.Key{Account: acc.Name, Role: credential.RoleOutgoing, Username: ep.Username, Host: ep.Host}
		alive := func() bool { return true }
		if err := m.authenticate(ctx, key, smtpLogin(c, ep, acc.Name), alive); err != nil {
			c.Close()
			return nil, err
		}
	}
	return c, nil
}

// smtpLogin returns the AUTH step for ep. Only 535 counts as a rejection of
// the credentials.
func smtpLogin(c *smtp.Client, ep config.Endpoint, account string) func(secret string) error {
	return func(secret string) error {
		var auth sasl.Client
		if ep.Auth == config.AuthLogin {
			auth = sasl.NewLoginClient(ep.Username, secret)
		} else {
			auth = sasl.NewPlainClient("", ep.Username, secret)
		}
		err := c.Auth(auth)
		var smtpErr *smtp.SMTPError
		if errors.As(err, &smtpErr) && smtpErr.Code != 535 {
			return newError(KindProtocol, "authenticate", account, err)
		}
		return err
	}
}

// localReadError marks a failure reading an attachment from disk.
type localReadError struct {
	path string
	err  error
}

func (e *localReadError) Error() string {
	return fmt.Sprintf("reading %s: %v", e.path, e.err)
}

func (e *localReadError) Unwrap() error { return e.err }

type fileReader struct {
	path string
	r    io.Reader
}

func (f *fileReader) Read(p []byte) (int, error) {
	n, err := f.r.Read(p)
	if err != nil && err != io.EOF {
		return n, &localReadError{path: f.path, err: err}
	}
	return n, err
}

// countingWriter reports submitted bytes to the operation.
type countingWriter struct {
	w  io.Writer
	op *progress.Operation
	n  int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	c.op.SetStatus(progress.ByteStatus("Sending message", c.n, 0)) //nolint:errcheck
	return n, err
}

// envelopeAddresses reduces header style addresses to bare mailboxes.
func envelopeAddresses(addrs []string) []string {
	var out []string
	for _, a := range addressList(addrs) {
		if a.Address != "" {
			out = append(out, a.Address)
		}
	}
	return out
}

func addressList(addrs []string) []*mail.Address {
	out := make([]*mail.Address, 0, len(addrs))
	for _, a := range addrs {
		if parsed, err := mail.ParseAddress(a); err == nil {
			out = append(out, parsed)
			continue
		}
		out = append(out, &mail.Address{Address: a})
	}
	return out
}

// compose writes msg as a MIME message to w and returns its Message-Id.
func (s *OutgoingSender) compose(w io.Writer, acc *config.AccountConfig, msg *ComposedMessage, op *progress.Operation) (string, error) {
	var h mail.Header
	h.SetDate(time.Now())
	from := acc.Address
	if from == "" {
		from = acc.Outgoing.Username
	}
	h.SetAddressList("From", []*mail.Address{{Name: acc.DisplayName, Address: from}})
	h.SetAddressList("To", addressList(msg.To))
	if len(msg.Cc) > 0 {
		h.SetAddressList("Cc", addressList(msg.Cc))
	}
	if msg.ReplyTo != "" {
		h.SetAddressList("Reply-To", addressList([]string{msg.ReplyTo}))
	}
	h.SetSubject(msg.Subject)
	if msg.InReplyTo != "" {
		id := strings.Trim(msg.InReplyTo, "<>")
		h.SetMsgIDList("In-Reply-To", []string{id})
		h.SetMsgIDList("References", []string{id})
	}
	if err := h.GenerateMessageID(); err != nil {
		return "", err
	}
	messageID, _ := h.MessageID()

	mw, err := mail.CreateWriter(w, h)
	if err != nil {
		return "", err
	}

	tw, err := mw.CreateInline()
	if err != nil {
		return "", err
	}
	if msg.BodyText != "" || msg.BodyHTML == "" {
		if err := writeInline(tw, "text/plain", msg.BodyText); err != nil {
			return "", err
		}
	}
	if msg.BodyHTML != "" {
		if err := writeInline(tw, "text/html", msg.BodyHTML); err != nil {
			return "", err
		}
	}
	if err := tw.Close(); err != nil {
		return "", err
	}

	for _, path := range msg.Attachments {
		if err := op.Err(); err != nil {
			return "", err
		}
		if err := writeAttachment(mw, path); err != nil {
			return "", err
		}
	}

	if err := mw.Close(); err != nil {
		return "", err
	}
	return messageID, nil
}

func writeInline(tw *mail.InlineWriter, contentType, text string) error {
	var h mail.InlineHeader
	h.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	pw, err := tw.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(pw, text); err != nil {
		return err
	}
	return pw.Close()
}

func writeAttachment(mw *mail.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return &localReadError{path: path, err: err}
	}
	defer f.Close()

	contentType := mime.TypeByExtension(filepath.Ext(path))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	var h mail.AttachmentHeader
	h.Set("Content-Type", contentType)
	h.SetFilename(filepath.Base(path))

	aw, err := mw.CreateAttachment(h)
	if err != nil {
		return err
	}
	if _, err := io.Copy(aw, &fileReader{path: path, r: f}); err != nil {
		return err
	}
	return aw.Close()
}
