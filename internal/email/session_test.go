package email

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/brandon/mailsync/internal/cache"
	"github.com/brandon/mailsync/internal/config"
	"github.com/brandon/mailsync/internal/progress"
	"github.com/brandon/mailsync/pkg/types"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestStore(t *testing.T) *cache.Store {
	t.Helper()
	logger := quietLogger()
	c, err := cache.NewCache(cache.MemoryPath, logger)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return cache.NewStore(c, logger)
}

func testAccount(name string) *config.AccountConfig {
	return &config.AccountConfig{
		Name:    name,
		Address: name + "@example.test",
		Incoming: config.Endpoint{
			Protocol: "fake",
			Host:     "imap.example.test",
			Port:     143,
			Security: config.SecurityNone,
			Auth:     config.AuthNone,
		},
		Outgoing: config.Endpoint{
			Host:     "smtp.example.test",
			Port:     25,
			Security: config.SecurityNone,
			Auth:     config.AuthNone,
		},
		Sync: config.SyncPolicy{
			Folders:     []string{"INBOX"},
			Deletion:    config.DeletionExpunge,
			TrashFolder: "Trash",
		},
	}
}

func testTuning() config.Tuning {
	tuning := config.DefaultTuning()
	tuning.EnvelopeBatchSize = 2
	tuning.ReconnectPerMinute = 0
	return tuning
}

func beginOp(t *testing.T, tracker *progress.Tracker, account string) (context.Context, *progress.Operation) {
	t.Helper()
	ctx, op := tracker.Begin(context.Background(), account, progress.KindSync)
	require.NoError(t, op.Start())
	t.Cleanup(func() { op.Finish(nil) })
	return ctx, op
}

type fakeFolder struct {
	attrs    []string
	validity uint32
	next     uint32
	msgs     map[uint32]*types.Message
	raw      map[uint32][]byte
}

func (f *fakeFolder) ids() []uint32 {
	ids := make([]uint32, 0, len(f.msgs))
	for id := range f.msgs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// fakeSession is an in-memory Session. Hooks let tests inject failures.
type fakeSession struct {
	mu          sync.Mutex
	folders     map[string]*fakeFolder
	incremental bool
	dead        bool
	closed      bool
	noops       int

	// drop makes FetchEnvelopes silently skip an id.
	drop map[uint32]bool
	// fetchErr is returned by FetchEnvelopes after delivering the batch.
	fetchErr error
	// onFetch runs before each FetchEnvelopes call.
	onFetch func(uids []uint32)
	// onChunk runs before each FetchPartChunk call.
	onChunk func(offset int64) error
}

func newFakeSession() *fakeSession {
	return &fakeSession{folders: make(map[string]*fakeFolder), drop: make(map[uint32]bool)}
}

func (s *fakeSession) addFolder(path string, validity uint32, attrs ...string) *fakeFolder {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := &fakeFolder{attrs: attrs, validity: validity, next: 1, msgs: make(map[uint32]*types.Message), raw: make(map[uint32][]byte)}
	s.folders[path] = f
	return f
}

func (s *fakeSession) deliver(path string, subjects ...string) []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.folders[path]
	var out []uint32
	for _, subj := range subjects {
		uid := f.next
		f.next++
		f.msgs[uid] = &types.Message{
			UID:         uid,
			MessageID:   fmt.Sprintf("<%s@example.test>", subj),
			Subject:     subj,
			SenderEmail: "sender@example.test",
			Date:        time.Unix(1700000000+int64(uid), 0),
			Size:        100,
		}
		out = append(out, uid)
	}
	return out
}

func (s *fakeSession) expunge(path string, uids ...uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, uid := range uids {
		delete(s.folders[path].msgs, uid)
	}
}

func (s *fakeSession) Capabilities() Capabilities {
	return Capabilities{Incremental: s.incremental, Move: true}
}

func (s *fakeSession) Incremental() IncrementalEnumerator {
	if !s.incremental {
		return nil
	}
	return s
}

func (s *fakeSession) Noop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.noops++
	if s.dead {
		return newError(KindConnection, "noop", "", io.EOF)
	}
	return nil
}

func (s *fakeSession) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.dead && !s.closed
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSession) folder(path string) (*fakeFolder, error) {
	f, ok := s.folders[path]
	if !ok {
		return nil, newError(KindProtocol, "select", "", fmt.Errorf("no such folder %s", path))
	}
	return f, nil
}

func (s *fakeSession) ListFolders(ctx context.Context) ([]types.Folder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Folder
	for path, f := range s.folders {
		out = append(out, types.Folder{Name: path, Path: path, Delimiter: "/", Attributes: f.attrs, MessageCount: len(f.msgs)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (s *fakeSession) EnumerateIDs(ctx context.Context, path string) (*FolderStatus, []uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.folder(path)
	if err != nil {
		return nil, nil, err
	}
	return &FolderStatus{Path: path, UIDValidity: f.validity, UIDNext: f.next, Messages: uint32(len(f.msgs))}, f.ids(), nil
}

func (s *fakeSession) ChangedSince(ctx context.Context, path string, state *types.SyncState) (*FolderStatus, []uint32, bool, error) {
	status, ids, err := s.EnumerateIDs(ctx, path)
	if err != nil {
		return nil, nil, false, err
	}
	if status.UIDValidity != state.UIDValidity {
		return status, nil, false, nil
	}
	var added []uint32
	for _, id := range ids {
		if id >= state.UIDNext {
			added = append(added, id)
		}
	}
	ok := int(status.Messages) == len(state.UIDs)+len(state.Tombstones)+len(added)
	return status, added, ok, nil
}

func (s *fakeSession) FetchEnvelopes(ctx context.Context, path string, uids []uint32, fn func(types.Message)) error {
	if s.onFetch != nil {
		s.onFetch(uids)
	}
	s.mu.Lock()
	f, err := s.folder(path)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	var out []types.Message
	for _, uid := range uids {
		if m, ok := f.msgs[uid]; ok && !s.drop[uid] {
			out = append(out, *m)
		}
	}
	fetchErr := s.fetchErr
	s.mu.Unlock()

	for _, m := range out {
		fn(m)
	}
	return fetchErr
}

func (s *fakeSession) FetchPartChunk(ctx context.Context, path string, uid uint32, part string, offset, length int64) ([]byte, error) {
	if s.onChunk != nil {
		if err := s.onChunk(offset); err != nil {
			return nil, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.folder(path)
	if err != nil {
		return nil, err
	}
	raw, ok := f.raw[uid]
	if !ok {
		return nil, newError(KindProtocol, "fetch", "", errors.New("no such message"))
	}
	if offset >= int64(len(raw)) {
		return nil, nil
	}
	end := offset + length
	if end > int64(len(raw)) {
		end = int64(len(raw))
	}
	return append([]byte(nil), raw[offset:end]...), nil
}

func (s *fakeSession) StoreFlags(ctx context.Context, path string, uids []uint32, flags []string, add bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.folder(path)
	if err != nil {
		return err
	}
	for _, uid := range uids {
		if m, ok := f.msgs[uid]; ok {
			m.Flags = applyFlags(m.Flags, flags, add)
		}
	}
	return nil
}

func (s *fakeSession) Move(ctx context.Context, path string, uids []uint32, dest string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, err := s.folder(path)
	if err != nil {
		return err
	}
	dst, err := s.folder(dest)
	if err != nil {
		return err
	}
	for _, uid := range uids {
		if m, ok := src.msgs[uid]; ok {
			delete(src.msgs, uid)
			moved := *m
			moved.UID = dst.next
			dst.next++
			dst.msgs[moved.UID] = &moved
		}
	}
	return nil
}

func (s *fakeSession) Delete(ctx context.Context, path string, uids []uint32, expunge bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.folder(path)
	if err != nil {
		return err
	}
	for _, uid := range uids {
		m, ok := f.msgs[uid]
		if !ok {
			continue
		}
		if expunge {
			delete(f.msgs, uid)
			continue
		}
		m.Flags = applyFlags(m.Flags, []string{types.FlagDeleted}, true)
	}
	return nil
}

// fakeDialer hands out sessions to a ConnectionManager under the "fake"
// protocol and counts dials.
type fakeDialer struct {
	mu       sync.Mutex
	sessions []*fakeSession
	dials    int
	err      error
}

func (d *fakeDialer) dial(ctx context.Context, m *ConnectionManager, acc *config.AccountConfig) (Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.err != nil {
		return nil, d.err
	}
	if len(d.sessions) == 0 {
		return nil, newError(KindConnection, "connect", acc.Name, errors.New("no session available"))
	}
	s := d.sessions[0]
	if len(d.sessions) > 1 {
		d.sessions = d.sessions[1:]
	}
	return s, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func newFakeConns(tuning config.Tuning, d *fakeDialer) *ConnectionManager {
	m := NewConnectionManager(nil, nil, tuning, quietLogger())
	m.variants["fake"] = d.dial
	return m
}
