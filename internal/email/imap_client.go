package email

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-imap/commands"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-sasl"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/config"
	"github.com/brandon/mailsync/internal/credential"
	"github.com/brandon/mailsync/pkg/types"
)

// IMAPSession is the IMAP4rev1 implementation of Session.
type IMAPSession struct {
	account string
	client  *client.Client
	logger  *logrus.Logger
	caps    Capabilities
	broken  bool
	closed  bool
}

// dialIMAP connects, negotiates security and authenticates against the
// account's incoming endpoint.
func dialIMAP(ctx context.Context, m *ConnectionManager, acc *config.AccountConfig) (Session, error) {
	const op = "connect"
	ep := acc.Incoming

	tlsCfg, check, err := m.tlsConfig(ctx, acc.Name, ep)
	if err != nil {
		return nil, err
	}
	conn, err := m.dialTransport(ctx, acc.Name, ep, tlsCfg, check)
	if err != nil {
		return nil, err
	}

	c, err := client.New(conn)
	if err != nil {
		conn.Close()
		return nil, classifyConnect(op, acc.Name, err)
	}
	c.Timeout = m.tuning.CommandTimeout()

	if ep.Security == config.SecurityStartTLS {
		ok, err := c.SupportStartTLS()
		if err != nil {
			c.Terminate() //nolint:errcheck
			return nil, classifyConnect(op, acc.Name, err)
		}
		if !ok {
			c.Terminate() //nolint:errcheck
			return nil, newError(KindConnection, op, acc.Name, fmt.Errorf("%s does not offer STARTTLS", ep.Host))
		}
		if err := c.StartTLS(tlsCfg); err != nil {
			c.Terminate() //nolint:errcheck
			return nil, check.failure(op, err)
		}
	}

	s := &IMAPSession{account: acc.Name, client: c, logger: m.logger}

	if ep.Auth != config.AuthNone {
		key := credential.Key{Account: acc.Name, Role: credential.RoleIncoming, Username: ep.Username, Host: ep.Host}
		if err := m.authenticate(ctx, key, s.login(ep), s.Alive); err != nil {
			c.Terminate() //nolint:errcheck
			return nil, err
		}
	}

	s.loadCapabilities()
	m.logger.WithFields(logrus.Fields{
		"account":  acc.Name,
		"host":     ep.Host,
		"security": ep.Security,
	}).Info("Connected to IMAP server")
	return s, nil
}

// login returns the authentication step for the endpoint's mechanism.
func (s *IMAPSession) login(ep config.Endpoint) func(secret string) error {
	return func(secret string) error {
		switch ep.Auth {
		case config.AuthPlain:
			return s.authenticateSASL(sasl.Plain, sasl.NewPlainClient("", ep.Username, secret))
		case config.AuthLogin:
			return s.authenticateSASL(sasl.Login, sasl.NewLoginClient(ep.Username, secret))
		default:
			return s.client.Login(ep.Username, secret)
		}
	}
}

func (s *IMAPSession) authenticateSASL(mech string, c sasl.Client) error {
	ok, err := s.client.SupportAuth(mech)
	if err != nil {
		return classify("authenticate", s.account, err)
	}
	if !ok {
		return newError(KindProtocol, "authenticate", s.account, fmt.Errorf("server does not offer AUTH=%s", mech))
	}
	return s.client.Authenticate(c)
}

func (s *IMAPSession) loadCapabilities() {
	s.caps = Capabilities{Incremental: true}
	caps, err := s.client.Capability()
	if err != nil {
		s.logger.WithError(err).WithField("account", s.account).Debug("Failed to read capabilities")
		return
	}
	s.caps.Move = caps["MOVE"]
	s.caps.UIDPlus = caps["UIDPLUS"]
}

// Capabilities returns what the server advertised after login.
func (s *IMAPSession) Capabilities() Capabilities { return s.caps }

// Incremental returns the session itself; UIDNEXT based change detection only
// needs IMAP4rev1.
func (s *IMAPSession) Incremental() IncrementalEnumerator {
	if !s.caps.Incremental {
		return nil
	}
	return s
}

// Alive reports whether the session can still be used.
func (s *IMAPSession) Alive() bool {
	if s.broken || s.closed {
		return false
	}
	select {
	case <-s.client.LoggedOut():
		return false
	default:
		return true
	}
}

// Close logs out, or just drops the socket when the session is broken.
func (s *IMAPSession) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.broken || s.client.State() == imap.LogoutState {
		return s.client.Terminate()
	}
	if err := s.client.Logout(); err != nil {
		s.client.Terminate() //nolint:errcheck
		return err
	}
	return nil
}

// fail classifies err and marks the session broken on transport failures.
func (s *IMAPSession) fail(op, folder string, err error) error {
	if err == nil {
		return nil
	}
	err = classify(op, s.account, err)
	if IsConnectionLevel(err) {
		s.broken = true
	}
	return inFolder(err, folder)
}

func (s *IMAPSession) usable() error {
	if s.closed {
		return newError(KindConnection, "use session", s.account, ErrSessionClosed)
	}
	return nil
}

// Noop keeps the connection open and lets the server report changes.
func (s *IMAPSession) Noop(ctx context.Context) error {
	if err := s.usable(); err != nil {
		return err
	}
	return s.fail("noop", "", s.client.Noop())
}

// ListFolders lists all mailboxes with their message counts.
func (s *IMAPSession) ListFolders(ctx context.Context) ([]types.Folder, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}

	mailboxes := make(chan *imap.MailboxInfo, 10)
	done := make(chan error, 1)

	go func() {
		done <- s.client.List("", "*", mailboxes)
	}()

	var folders []types.Folder
	for m := range mailboxes {
		folders = append(folders, types.Folder{
			AccountName: s.account,
			Name:        leafName(m.Name, m.Delimiter),
			Path:        m.Name,
			Delimiter:   m.Delimiter,
			Attributes:  m.Attributes,
		})
	}

	if err := <-done; err != nil {
		return nil, s.fail("list folders", "", err)
	}

	for i := range folders {
		if folders[i].NoSelect() {
			continue
		}
		status, err := s.client.Status(folders[i].Path, []imap.StatusItem{imap.StatusMessages})
		if err != nil {
			err = s.fail("folder status", folders[i].Path, err)
			if IsConnectionLevel(err) {
				return nil, err
			}
			s.logger.WithError(err).WithField("folder", folders[i].Path).Debug("Failed to get folder status")
			continue
		}
		folders[i].MessageCount = int(status.Messages)
	}

	return folders, nil
}

func leafName(path, delim string) string {
	if delim == "" {
		return path
	}
	if idx := strings.LastIndex(path, delim); idx >= 0 {
		return path[idx+len(delim):]
	}
	return path
}

// selectFolder selects path. Sync reads use EXAMINE so flags are not touched.
func (s *IMAPSession) selectFolder(path string, readOnly bool) (*FolderStatus, error) {
	mbox, err := s.client.Select(path, readOnly)
	if err != nil {
		return nil, s.fail("select", path, err)
	}
	return &FolderStatus{
		Path:        path,
		UIDValidity: mbox.UidValidity,
		UIDNext:     mbox.UidNext,
		Messages:    mbox.Messages,
	}, nil
}

// EnumerateIDs returns every uid in the folder.
func (s *IMAPSession) EnumerateIDs(ctx context.Context, path string) (*FolderStatus, []uint32, error) {
	if err := s.usable(); err != nil {
		return nil, nil, err
	}
	status, err := s.selectFolder(path, true)
	if err != nil {
		return nil, nil, err
	}
	if status.Messages == 0 {
		return status, nil, nil
	}
	uids, err := s.client.UidSearch(imap.NewSearchCriteria())
	if err != nil {
		return nil, nil, s.fail("enumerate", path, err)
	}
	return status, types.SortUIDs(uids), nil
}

// ChangedSince reports ids above the recorded UIDNEXT. It gives up, returning
// ok false, when the message count shows that something was also removed.
func (s *IMAPSession) ChangedSince(ctx context.Context, path string, state *types.SyncState) (*FolderStatus, []uint32, bool, error) {
	if err := s.usable(); err != nil {
		return nil, nil, false, err
	}
	status, err := s.selectFolder(path, true)
	if err != nil {
		return nil, nil, false, err
	}
	if !state.Known() || status.UIDValidity != state.UIDValidity || state.UIDNext == 0 {
		return status, nil, false, nil
	}

	known := len(state.UIDs) + len(state.Tombstones)
	if status.UIDNext == state.UIDNext {
		return status, nil, int(status.Messages) == known, nil
	}

	seq := new(imap.SeqSet)
	seq.AddRange(state.UIDNext, 0)
	criteria := imap.NewSearchCriteria()
	criteria.Uid = seq
	ids, err := s.client.UidSearch(criteria)
	if err != nil {
		return nil, nil, false, s.fail("enumerate", path, err)
	}

	// "n:*" always matches the highest uid, even below n.
	var added []uint32
	for _, id := range ids {
		if id >= state.UIDNext {
			added = append(added, id)
		}
	}
	added = types.SortUIDs(added)
	if int(status.Messages) != known+len(added) {
		return status, nil, false, nil
	}
	return status, added, true, nil
}

// FetchEnvelopes fetches envelope, flags, size and structure of uids.
func (s *IMAPSession) FetchEnvelopes(ctx context.Context, path string, uids []uint32, fn func(types.Message)) error {
	if err := s.usable(); err != nil {
		return err
	}
	if len(uids) == 0 {
		return nil
	}
	if _, err := s.selectFolder(path, true); err != nil {
		return err
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)
	refs := referencesSection()
	items := []imap.FetchItem{imap.FetchUid, imap.FetchEnvelope, imap.FetchFlags, imap.FetchInternalDate, imap.FetchRFC822Size, imap.FetchBodyStructure, refs.FetchItem()}

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)

	go func() {
		done <- s.client.UidFetch(seqSet, items, messages)
	}()

	for msg := range messages {
		m := s.parseEnvelope(msg, path)
		m.References = parseReferences(msg.GetBody(refs))
		fn(m)
	}

	return s.fail("fetch envelopes", path, <-done)
}

// parseEnvelope converts a fetched IMAP message into the local model.
func (s *IMAPSession) parseEnvelope(msg *imap.Message, path string) types.Message {
	m := types.Message{
		AccountName: s.account,
		FolderPath:  path,
		UID:         msg.Uid,
		Size:        msg.Size,
		Date:        msg.InternalDate,
		Recipients:  []string{},
		Flags:       append([]string{}, msg.Flags...),
	}

	if env := msg.Envelope; env != nil {
		m.MessageID = env.MessageId
		m.InReplyTo = env.InReplyTo
		m.Subject = env.Subject
		if !env.Date.IsZero() {
			m.Date = env.Date
		}
		if len(env.From) > 0 {
			m.SenderName = env.From[0].PersonalName
			m.SenderEmail = env.From[0].Address()
		}
		for _, list := range [][]*imap.Address{env.To, env.Cc, env.Bcc} {
			for _, addr := range list {
				m.Recipients = append(m.Recipients, addr.Address())
			}
		}
	}

	m.Attachments = attachmentsOf(msg.BodyStructure)
	return m
}

// referencesSection selects the References header without setting \Seen.
// The envelope carries In-Reply-To but not References.
func referencesSection() *imap.BodySectionName {
	return &imap.BodySectionName{
		BodyPartName: imap.BodyPartName{Specifier: imap.HeaderSpecifier, Fields: []string{"References"}},
		Peek:         true,
	}
}

func parseReferences(r io.Reader) []string {
	if r == nil {
		return nil
	}
	th, err := textproto.ReadHeader(bufio.NewReader(r))
	if err != nil {
		return nil
	}
	h := mail.Header{Header: message.Header{Header: th}}
	ids, err := h.MsgIDList("References")
	if err != nil || len(ids) == 0 {
		return nil
	}
	return ids
}

// attachmentsOf lists the parts of a body structure that carry a file name or
// an attachment disposition.
func attachmentsOf(bs *imap.BodyStructure) []types.AttachmentDescriptor {
	if bs == nil {
		return nil
	}
	var out []types.AttachmentDescriptor
	bs.Walk(func(path []int, part *imap.BodyStructure) bool {
		if strings.EqualFold(part.MIMEType, "multipart") {
			return true
		}
		name, _ := part.Filename()
		if name == "" && !strings.EqualFold(part.Disposition, "attachment") {
			return true
		}
		out = append(out, types.AttachmentDescriptor{
			PartPath: partPath(path),
			FileName: name,
			MIMEType: strings.ToLower(part.MIMEType + "/" + part.MIMESubType),
			Encoding: strings.ToLower(part.Encoding),
			Size:     part.Size,
		})
		return true
	})
	return out
}

func partPath(path []int) string {
	parts := make([]string, len(path))
	for i, p := range path {
		parts[i] = strconv.Itoa(p)
	}
	return strings.Join(parts, ".")
}

func parsePartPath(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	fields := strings.Split(s, ".")
	path := make([]int, len(fields))
	for i, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid part path %q", s)
		}
		path[i] = n
	}
	return path, nil
}

// FetchPartChunk reads length bytes of a part starting at offset without
// setting \Seen.
func (s *IMAPSession) FetchPartChunk(ctx context.Context, path string, uid uint32, part string, offset, length int64) ([]byte, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}
	partNums, err := parsePartPath(part)
	if err != nil {
		return nil, newError(KindProtocol, "fetch part", s.account, err)
	}
	if _, err := s.selectFolder(path, true); err != nil {
		return nil, err
	}

	section := &imap.BodySectionName{
		BodyPartName: imap.BodyPartName{Path: partNums},
		Peek:         true,
		Partial:      []int{int(offset), int(length)},
	}
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)

	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)

	go func() {
		done <- s.client.UidFetch(seqSet, []imap.FetchItem{imap.FetchUid, section.FetchItem()}, messages)
	}()

	var data []byte
	var found bool
	var readErr error
	for msg := range messages {
		if msg.Uid != uid {
			continue
		}
		found = true
		if literal := msg.GetBody(section); literal != nil {
			data, readErr = io.ReadAll(literal)
		}
	}

	if err := <-done; err != nil {
		return nil, s.fail("fetch part", path, err)
	}
	if readErr != nil {
		return nil, newError(KindIO, "fetch part", s.account, readErr)
	}
	if !found {
		return nil, inFolder(newError(KindProtocol, "fetch part", s.account, fmt.Errorf("message %d not found", uid)), path)
	}
	return data, nil
}

// StoreFlags adds or removes flags.
func (s *IMAPSession) StoreFlags(ctx context.Context, path string, uids []uint32, flags []string, add bool) error {
	if err := s.usable(); err != nil {
		return err
	}
	if _, err := s.selectFolder(path, false); err != nil {
		return err
	}
	var op imap.FlagsOp = imap.RemoveFlags
	if add {
		op = imap.AddFlags
	}
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)
	values := make([]interface{}, len(flags))
	for i, f := range flags {
		values[i] = f
	}
	return s.fail("store flags", path, s.client.UidStore(seqSet, imap.FormatFlagsOp(op, true), values, nil))
}

// Move moves uids to dest. Without MOVE the messages are copied, marked
// \Deleted and expunged.
func (s *IMAPSession) Move(ctx context.Context, path string, uids []uint32, dest string) error {
	if err := s.usable(); err != nil {
		return err
	}
	if _, err := s.selectFolder(path, false); err != nil {
		return err
	}
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)
	if s.caps.Move {
		return s.fail("move", path, s.client.UidMove(seqSet, dest))
	}
	if err := s.client.UidCopy(seqSet, dest); err != nil {
		return s.fail("copy", path, err)
	}
	if err := s.StoreFlags(ctx, path, uids, []string{imap.DeletedFlag}, true); err != nil {
		return err
	}
	return s.expunge(path, seqSet)
}

// Delete marks uids \Deleted and optionally expunges them.
func (s *IMAPSession) Delete(ctx context.Context, path string, uids []uint32, expunge bool) error {
	if err := s.StoreFlags(ctx, path, uids, []string{imap.DeletedFlag}, true); err != nil {
		return err
	}
	if !expunge {
		return nil
	}
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)
	return s.expunge(path, seqSet)
}

// expunge removes deleted messages from the selected folder. With UIDPLUS only
// the given uids are removed; otherwise every \Deleted message goes.
func (s *IMAPSession) expunge(path string, seqSet *imap.SeqSet) error {
	if !s.caps.UIDPlus {
		return s.fail("expunge", path, s.client.Expunge(nil))
	}
	cmd := &commands.Uid{Cmd: &imap.Command{Name: "EXPUNGE", Arguments: []interface{}{seqSet}}}
	status, err := s.client.Execute(cmd, nil)
	if err == nil {
		err = status.Err()
	}
	return s.fail("expunge", path, err)
}
