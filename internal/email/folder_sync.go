package email

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/cache"
	"github.com/brandon/mailsync/internal/config"
	"github.com/brandon/mailsync/internal/progress"
	"github.com/brandon/mailsync/pkg/types"
)

// FolderSyncEngine reconciles the server's folders and message ids with the
// local store.
type FolderSyncEngine struct {
	store   *cache.Store
	fetcher *MessageFetcher
	logger  *logrus.Logger
}

// NewFolderSyncEngine creates an engine writing to store.
func NewFolderSyncEngine(store *cache.Store, fetcher *MessageFetcher, logger *logrus.Logger) *FolderSyncEngine {
	return &FolderSyncEngine{store: store, fetcher: fetcher, logger: logger}
}

func storeError(op, account string, err error) error {
	if isCancellation(err) {
		return cancelled(op, account, err)
	}
	return newError(KindIO, op, account, err)
}

// SyncFolders replaces the local folder tree with the server's. Sync flags of
// known folders are kept; new folders are enabled only when the account's
// policy lists them.
func (e *FolderSyncEngine) SyncFolders(ctx context.Context, op *progress.Operation, session Session, acc *config.AccountConfig) (*types.FolderDelta, error) {
	const opName = "sync folders"
	if err := op.Err(); err != nil {
		return nil, cancelled(opName, acc.Name, err)
	}
	op.SetStatus("Synchronizing folders...") //nolint:errcheck

	remote, err := session.ListFolders(ctx)
	if err != nil {
		return nil, err
	}
	if err := op.Err(); err != nil {
		return nil, cancelled(opName, acc.Name, err)
	}

	local, err := e.store.ListFolders(ctx, acc.Name)
	if err != nil {
		return nil, storeError(opName, acc.Name, err)
	}
	known := make(map[string]types.Folder, len(local))
	for _, f := range local {
		known[f.Path] = f
	}

	delta := &types.FolderDelta{}
	seen := make(map[string]bool, len(remote))
	for i := range remote {
		f := &remote[i]
		f.AccountName = acc.Name
		seen[f.Path] = true
		if prev, ok := known[f.Path]; ok {
			f.SyncEnabled = prev.SyncEnabled
			continue
		}
		f.SyncEnabled = acc.Sync.Wants(f.Path) && !f.NoSelect()
		delta.Added = append(delta.Added, f.Path)
	}
	for _, f := range local {
		if !seen[f.Path] {
			delta.Removed = append(delta.Removed, f.Path)
		}
	}

	if err := e.store.ReplaceFolders(ctx, acc.Name, remote); err != nil {
		return nil, storeError(opName, acc.Name, err)
	}
	delta.Tree = types.BuildFolderTree(remote)

	e.logger.WithFields(logrus.Fields{
		"account": acc.Name,
		"folders": len(remote),
		"added":   len(delta.Added),
		"removed": len(delta.Removed),
	}).Info("Synced folder list")
	return delta, nil
}

// SyncMessages reconciles the message ids of one folder. Removals, new
// envelopes and the new sync state are committed in one transaction; on
// cancellation or a connection failure the previous state is left as it was,
// although envelopes already received are kept.
func (e *FolderSyncEngine) SyncMessages(ctx context.Context, op *progress.Operation, session Session, acc *config.AccountConfig, path string) (*types.MessageDelta, error) {
	const opName = "sync messages"
	fail := func(err error) error { return inFolder(err, path) }

	if err := op.Err(); err != nil {
		return nil, fail(cancelled(opName, acc.Name, err))
	}
	op.SetStatus("Synchronizing messages...") //nolint:errcheck

	state, err := e.store.GetSyncState(ctx, acc.Name, path)
	if err != nil {
		return nil, fail(storeError(opName, acc.Name, err))
	}

	var (
		status      *FolderStatus
		serverIDs   []uint32
		added       []uint32
		incremental bool
	)
	if inc := session.Incremental(); inc != nil && state.Known() {
		st, ids, ok, err := inc.ChangedSince(ctx, path, state)
		if err != nil {
			return nil, err
		}
		status, added, incremental = st, ids, ok
	}
	if !incremental {
		status, serverIDs, err = session.EnumerateIDs(ctx, path)
		if err != nil {
			return nil, err
		}
	}
	if err := op.Err(); err != nil {
		return nil, fail(cancelled(opName, acc.Name, err))
	}

	if state.Known() && status.UIDValidity != state.UIDValidity {
		e.logger.WithFields(logrus.Fields{
			"account": acc.Name,
			"folder":  path,
			"old":     state.UIDValidity,
			"new":     status.UIDValidity,
		}).Warn("UID validity changed, resynchronizing folder")
		if err := e.store.ResetFolder(ctx, acc.Name, path); err != nil {
			return nil, fail(storeError(opName, acc.Name, err))
		}
		state = &types.SyncState{AccountName: acc.Name, FolderPath: path}
	}

	var removed, kept, tombstones []uint32
	if incremental {
		added = withoutIDs(added, state.Tombstones)
		kept = append([]uint32(nil), state.UIDs...)
		tombstones = state.Tombstones
	} else {
		added, removed, kept, tombstones = diffUIDs(serverIDs, state)
	}

	delta := &types.MessageDelta{Added: added, Removed: removed}
	batch, err := e.fetcher.FetchEnvelopes(ctx, op, session, acc.Name, path, added)
	delta.Failed = batch.Failed
	if err != nil {
		if len(batch.Messages) > 0 {
			// The operation context may already be cancelled.
			if uerr := e.store.UpsertMessages(context.WithoutCancel(ctx), acc.Name, path, batch.Messages); uerr != nil {
				e.logger.WithError(uerr).WithField("folder", path).Warn("Failed to keep partial envelopes")
			}
		}
		return delta, err
	}
	if err := op.Err(); err != nil {
		return delta, fail(cancelled(opName, acc.Name, err))
	}

	ids := kept
	for _, m := range batch.Messages {
		ids = append(ids, m.UID)
	}
	next := &types.SyncState{
		AccountName: acc.Name,
		FolderPath:  path,
		UIDValidity: status.UIDValidity,
		UIDNext:     status.UIDNext,
		Messages:    status.Messages,
		UIDs:        types.SortUIDs(ids),
		Tombstones:  tombstones,
		SyncedAt:    time.Now(),
	}
	if err := e.store.CommitFolderSync(ctx, acc.Name, path, removed, batch.Messages, next); err != nil {
		return delta, fail(storeError(opName, acc.Name, err))
	}

	e.logger.WithFields(logrus.Fields{
		"account":     acc.Name,
		"folder":      path,
		"added":       len(delta.Added),
		"removed":     len(delta.Removed),
		"failed":      len(delta.Failed),
		"incremental": incremental,
	}).Info("Synced folder")
	return delta, nil
}

// diffUIDs compares the server id set with the recorded state. Tombstoned ids
// are never reported as added; tombstones for ids the server dropped are
// discarded.
func diffUIDs(server []uint32, state *types.SyncState) (added, removed, kept, tombstones []uint32) {
	onServer := make(map[uint32]bool, len(server))
	for _, id := range server {
		onServer[id] = true
	}
	known := make(map[uint32]bool, len(state.UIDs))
	for _, id := range state.UIDs {
		known[id] = true
	}
	dead := make(map[uint32]bool, len(state.Tombstones))
	for _, id := range state.Tombstones {
		dead[id] = true
	}

	for _, id := range types.SortUIDs(append([]uint32(nil), server...)) {
		switch {
		case dead[id]:
			tombstones = append(tombstones, id)
		case known[id]:
			kept = append(kept, id)
		default:
			added = append(added, id)
		}
	}
	for _, id := range state.UIDs {
		if !onServer[id] {
			removed = append(removed, id)
		}
	}
	return added, types.SortUIDs(removed), kept, tombstones
}

func withoutIDs(ids, drop []uint32) []uint32 {
	if len(drop) == 0 {
		return ids
	}
	skip := make(map[uint32]bool, len(drop))
	for _, id := range drop {
		skip[id] = true
	}
	var out []uint32
	for _, id := range ids {
		if !skip[id] {
			out = append(out, id)
		}
	}
	return out
}
