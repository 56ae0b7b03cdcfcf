package email

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/mailsync/internal/cache"
	"github.com/brandon/mailsync/internal/progress"
	"github.com/brandon/mailsync/pkg/types"
)

type syncFixture struct {
	store   *cache.Store
	engine  *FolderSyncEngine
	tracker *progress.Tracker
	session *fakeSession
}

func newSyncFixture(t *testing.T, incremental bool) *syncFixture {
	t.Helper()
	store := newTestStore(t)
	acc := testAccount("work")
	_, err := store.UpsertAccount(context.Background(), acc)
	require.NoError(t, err)

	logger := quietLogger()
	s := newFakeSession()
	s.incremental = incremental
	s.addFolder("INBOX", 1)
	s.addFolder("Archive", 7)
	s.addFolder("Lists", 0, `\Noselect`)

	return &syncFixture{
		store:   store,
		engine:  NewFolderSyncEngine(store, NewMessageFetcher(testTuning(), logger), logger),
		tracker: progress.NewTracker(logger),
		session: s,
	}
}

func (f *syncFixture) syncFolders(t *testing.T) *types.FolderDelta {
	t.Helper()
	ctx, op := beginOp(t, f.tracker, "work")
	delta, err := f.engine.SyncFolders(ctx, op, f.session, testAccount("work"))
	require.NoError(t, err)
	return delta
}

func (f *syncFixture) syncInbox(t *testing.T) (*types.MessageDelta, error) {
	t.Helper()
	ctx, op := beginOp(t, f.tracker, "work")
	return f.engine.SyncMessages(ctx, op, f.session, testAccount("work"), "INBOX")
}

func (f *syncFixture) cachedUIDs(t *testing.T) []uint32 {
	t.Helper()
	uids, err := f.store.ListUIDs(context.Background(), "work", "INBOX")
	require.NoError(t, err)
	return uids
}

func TestDiffUIDs(t *testing.T) {
	state := &types.SyncState{UIDValidity: 1, UIDs: []uint32{1, 2, 3}}
	added, removed, kept, tombstones := diffUIDs([]uint32{4, 2, 3}, state)

	assert.Equal(t, []uint32{4}, added)
	assert.Equal(t, []uint32{1}, removed)
	assert.Equal(t, []uint32{2, 3}, kept)
	assert.Empty(t, tombstones)
}

func TestDiffUIDsTombstones(t *testing.T) {
	state := &types.SyncState{UIDValidity: 1, UIDs: []uint32{1}, Tombstones: []uint32{2, 5}}
	added, removed, kept, tombstones := diffUIDs([]uint32{1, 2, 3}, state)

	assert.Equal(t, []uint32{3}, added)
	assert.Empty(t, removed)
	assert.Equal(t, []uint32{1}, kept)
	assert.Equal(t, []uint32{2}, tombstones, "tombstone 5 is gone from the server and dropped")
}

func TestSyncFoldersPolicyAndFlagsKept(t *testing.T) {
	f := newSyncFixture(t, false)

	delta := f.syncFolders(t)
	assert.ElementsMatch(t, []string{"Archive", "INBOX", "Lists"}, delta.Added)
	assert.Empty(t, delta.Removed)

	ctx := context.Background()
	inbox, err := f.store.GetFolder(ctx, "work", "INBOX")
	require.NoError(t, err)
	assert.True(t, inbox.SyncEnabled)
	archive, err := f.store.GetFolder(ctx, "work", "Archive")
	require.NoError(t, err)
	assert.False(t, archive.SyncEnabled)

	require.NoError(t, f.store.SetFolderSyncEnabled(ctx, "work", "Archive", true))
	delete(f.session.folders, "Lists")

	delta = f.syncFolders(t)
	assert.Empty(t, delta.Added)
	assert.Equal(t, []string{"Lists"}, delta.Removed)

	archive, err = f.store.GetFolder(ctx, "work", "Archive")
	require.NoError(t, err)
	assert.True(t, archive.SyncEnabled, "user choice survives a folder refresh")
}

func TestSyncMessagesIdempotent(t *testing.T) {
	for _, incremental := range []bool{false, true} {
		f := newSyncFixture(t, incremental)
		f.syncFolders(t)
		f.session.deliver("INBOX", "a", "b", "c")

		delta, err := f.syncInbox(t)
		require.NoError(t, err)
		assert.Equal(t, []uint32{1, 2, 3}, delta.Added)
		assert.Equal(t, []uint32{1, 2, 3}, f.cachedUIDs(t))

		delta, err = f.syncInbox(t)
		require.NoError(t, err)
		assert.True(t, delta.Empty(), "incremental=%v", incremental)
		assert.Equal(t, []uint32{1, 2, 3}, f.cachedUIDs(t))
	}
}

func TestSyncMessagesAddsAndRemoves(t *testing.T) {
	for _, incremental := range []bool{false, true} {
		f := newSyncFixture(t, incremental)
		f.syncFolders(t)
		f.session.deliver("INBOX", "a", "b", "c")
		_, err := f.syncInbox(t)
		require.NoError(t, err)

		f.session.expunge("INBOX", 1)
		f.session.deliver("INBOX", "d")

		delta, err := f.syncInbox(t)
		require.NoError(t, err)
		assert.Equal(t, []uint32{4}, delta.Added, "incremental=%v", incremental)
		assert.Equal(t, []uint32{1}, delta.Removed, "incremental=%v", incremental)
		assert.Equal(t, []uint32{2, 3, 4}, f.cachedUIDs(t))

		state, err := f.store.GetSyncState(context.Background(), "work", "INBOX")
		require.NoError(t, err)
		assert.Equal(t, []uint32{2, 3, 4}, state.UIDs)
		assert.Equal(t, uint32(5), state.UIDNext)
	}
}

func TestSyncMessagesUIDValidityReset(t *testing.T) {
	f := newSyncFixture(t, true)
	f.syncFolders(t)
	f.session.deliver("INBOX", "a", "b")
	_, err := f.syncInbox(t)
	require.NoError(t, err)

	// The server renumbered the folder.
	f.session.addFolder("INBOX", 2)
	f.session.deliver("INBOX", "x", "y", "z")

	delta, err := f.syncInbox(t)
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 2, 3}, delta.Added)
	assert.Empty(t, delta.Removed)

	msg, err := f.store.GetMessage(context.Background(), "work", "INBOX", 1)
	require.NoError(t, err)
	assert.Equal(t, "x", msg.Subject)

	state, err := f.store.GetSyncState(context.Background(), "work", "INBOX")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), state.UIDValidity)
}

func TestSyncMessagesCancelledBeforeCommit(t *testing.T) {
	f := newSyncFixture(t, false)
	f.syncFolders(t)
	f.session.deliver("INBOX", "a", "b", "c")

	ctx, op := beginOp(t, f.tracker, "work")
	f.session.onFetch = func([]uint32) { op.Cancel() }

	delta, err := f.engine.SyncMessages(ctx, op, f.session, testAccount("work"), "INBOX")
	require.Error(t, err)
	assert.Equal(t, KindCancelled, KindOf(err))
	assert.Equal(t, []uint32{3}, delta.Failed)

	state, err := f.store.GetSyncState(context.Background(), "work", "INBOX")
	require.NoError(t, err)
	assert.False(t, state.Known(), "no state is committed")
	assert.Equal(t, []uint32{1, 2}, f.cachedUIDs(t), "received envelopes are kept")

	f.session.onFetch = nil
	delta, err = f.syncInbox(t)
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 2, 3}, delta.Added)
}

func TestSyncMessagesPartialBatch(t *testing.T) {
	f := newSyncFixture(t, false)
	f.syncFolders(t)
	f.session.deliver("INBOX", "a", "b", "c", "d")
	f.session.drop[3] = true

	delta, err := f.syncInbox(t)
	require.NoError(t, err)
	assert.Equal(t, []uint32{3}, delta.Failed)
	assert.Equal(t, []uint32{1, 2, 4}, f.cachedUIDs(t))

	state, err := f.store.GetSyncState(context.Background(), "work", "INBOX")
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 2, 4}, state.UIDs, "a missing envelope is not recorded as synced")

	delete(f.session.drop, 3)
	delta, err = f.syncInbox(t)
	require.NoError(t, err)
	assert.Equal(t, []uint32{3}, delta.Added)
	assert.Empty(t, delta.Failed)
}

func TestSyncMessagesConnectionLossKeepsState(t *testing.T) {
	f := newSyncFixture(t, false)
	f.syncFolders(t)
	f.session.deliver("INBOX", "a")
	_, err := f.syncInbox(t)
	require.NoError(t, err)

	f.session.deliver("INBOX", "b", "c", "d")
	f.session.fetchErr = newError(KindConnection, "fetch", "work", context.DeadlineExceeded)

	delta, err := f.syncInbox(t)
	require.Error(t, err)
	assert.True(t, IsConnectionLevel(err))
	assert.Equal(t, []uint32{4}, delta.Failed)

	state, err := f.store.GetSyncState(context.Background(), "work", "INBOX")
	require.NoError(t, err)
	assert.Equal(t, []uint32{1}, state.UIDs)
}

func TestSyncMessagesTombstones(t *testing.T) {
	f := newSyncFixture(t, false)
	f.syncFolders(t)
	f.session.deliver("INBOX", "a", "b", "c")
	_, err := f.syncInbox(t)
	require.NoError(t, err)

	ctx := context.Background()
	// Deleted locally; the server still lists the message.
	require.NoError(t, f.store.RemoveMessages(ctx, "work", "INBOX", []uint32{2}))

	delta, err := f.syncInbox(t)
	require.NoError(t, err)
	assert.True(t, delta.Empty())
	assert.Equal(t, []uint32{1, 3}, f.cachedUIDs(t))

	f.session.expunge("INBOX", 2)
	_, err = f.syncInbox(t)
	require.NoError(t, err)

	state, err := f.store.GetSyncState(ctx, "work", "INBOX")
	require.NoError(t, err)
	assert.Empty(t, state.Tombstones)
}
