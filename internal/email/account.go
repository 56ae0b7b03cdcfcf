package email

import (
	"context"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/config"
	"github.com/brandon/mailsync/internal/progress"
	"github.com/brandon/mailsync/pkg/types"
)

// Account is a configured account with its own worker. Everything that talks
// to the incoming server goes through the worker, one task at a time.
type Account struct {
	Config *config.AccountConfig

	m      *Manager
	worker *worker
}

// SyncResult is the outcome of a full account sync.
type SyncResult struct {
	Account  string                         `json:"account"`
	Folders  *types.FolderDelta             `json:"folders"`
	Messages map[string]*types.MessageDelta `json:"messages"`
	Errors   map[string]string              `json:"errors,omitempty"`
}

func (a *Account) log() *logrus.Entry {
	return a.m.logger.WithField("account", a.Config.Name)
}

func (a *Account) submit(t *Task) *Task {
	return a.worker.submit(t)
}

// syncTask refreshes the folder list and then every sync-enabled folder.
// A failing folder is recorded and skipped; connection level errors abort.
func (a *Account) syncTask() *Task {
	return &Task{
		Key:      "sync",
		Kind:     progress.KindSync,
		Priority: PriorityNormal,
		Retry:    true,
		Run: func(ctx context.Context, op *progress.Operation, s Session) (interface{}, error) {
			acc := a.Config
			result := &SyncResult{
				Account:  acc.Name,
				Messages: make(map[string]*types.MessageDelta),
				Errors:   make(map[string]string),
			}

			delta, err := a.m.folders.SyncFolders(ctx, op, s, acc)
			if err != nil {
				return result, err
			}
			result.Folders = delta

			folders, err := a.m.store.ListFolders(ctx, acc.Name)
			if err != nil {
				return result, storeError("sync", acc.Name, err)
			}
			var targets []string
			for _, f := range folders {
				if f.SyncEnabled && !f.NoSelect() {
					targets = append(targets, f.Path)
				}
			}

			for i, path := range targets {
				op.Progress(int64(i), int64(len(targets))) //nolint:errcheck
				md, err := a.m.folders.SyncMessages(ctx, op, s, acc, path)
				if md != nil {
					result.Messages[path] = md
				}
				if err == nil {
					continue
				}
				if IsConnectionLevel(err) || KindOf(err) == KindCancelled {
					return result, err
				}
				result.Errors[path] = err.Error()
				a.log().WithError(err).WithField("folder", path).Warn("Folder sync failed, continuing")
			}
			op.Progress(int64(len(targets)), int64(len(targets))) //nolint:errcheck
			return result, nil
		},
	}
}

// folderTask synchronizes the messages of a single folder.
func (a *Account) folderTask(path string) *Task {
	return &Task{
		Key:      "sync:" + path,
		Kind:     progress.KindSync,
		Priority: PriorityNormal,
		Retry:    true,
		Run: func(ctx context.Context, op *progress.Operation, s Session) (interface{}, error) {
			if _, err := a.m.store.GetFolder(ctx, a.Config.Name, path); err != nil {
				// Unknown locally; refresh the tree first.
				if _, err := a.m.folders.SyncFolders(ctx, op, s, a.Config); err != nil {
					return nil, err
				}
			}
			return a.m.folders.SyncMessages(ctx, op, s, a.Config, path)
		},
	}
}

// envelopeTask fetches envelopes of specific ids and keeps whatever arrived.
func (a *Account) envelopeTask(path string, uids []uint32) *Task {
	return &Task{
		Kind:     progress.KindFetch,
		Priority: PriorityHigh,
		Retry:    true,
		Run: func(ctx context.Context, op *progress.Operation, s Session) (interface{}, error) {
			op.SetStatus("Fetching message headers...") //nolint:errcheck
			batch, err := a.m.fetcher.FetchEnvelopes(ctx, op, s, a.Config.Name, path, uids)
			if len(batch.Messages) > 0 {
				if uerr := a.m.store.UpsertMessages(context.WithoutCancel(ctx), a.Config.Name, path, batch.Messages); uerr != nil {
					return batch, storeError("fetch envelopes", a.Config.Name, uerr)
				}
			}
			return batch, err
		},
	}
}

// bodyTask downloads and stores the body of one message.
func (a *Account) bodyTask(path string, uid uint32, sizeHint int64) *Task {
	return &Task{
		Key:      fmt.Sprintf("body:%s:%d", path, uid),
		Kind:     progress.KindFetch,
		Priority: PriorityHigh,
		Retry:    true,
		Stream:   true,
		Run: func(ctx context.Context, op *progress.Operation, s Session) (interface{}, error) {
			body, err := a.m.fetcher.FetchBody(ctx, op, s, a.Config.Name, path, uid, sizeHint)
			if err != nil {
				return nil, err
			}
			if err := a.m.store.StoreBody(ctx, a.Config.Name, path, uid, body); err != nil {
				return nil, storeError("store body", a.Config.Name, err)
			}
			return body, nil
		},
	}
}

// attachmentTask streams one part into sink. It is never retried because the
// sink may already hold part of the content.
func (a *Account) attachmentTask(path string, uid uint32, desc types.AttachmentDescriptor, sink io.Writer) *Task {
	return &Task{
		Kind:     progress.KindFetch,
		Priority: PriorityHigh,
		Stream:   true,
		Run: func(ctx context.Context, op *progress.Operation, s Session) (interface{}, error) {
			return a.m.parts.FetchPart(ctx, op, s, a.Config.Name, path, uid, desc, sink)
		},
	}
}

// flagsTask adds or removes flags on the server and mirrors the change locally.
func (a *Account) flagsTask(path string, uids []uint32, flags []string, add bool) *Task {
	return &Task{
		Kind:     progress.KindSync,
		Priority: PriorityHigh,
		Retry:    true,
		Run: func(ctx context.Context, op *progress.Operation, s Session) (interface{}, error) {
			op.SetStatus("Updating flags...") //nolint:errcheck
			if err := s.StoreFlags(ctx, path, uids, flags, add); err != nil {
				return nil, err
			}
			for _, uid := range uids {
				msg, err := a.m.store.GetMessage(ctx, a.Config.Name, path, uid)
				if err != nil {
					continue
				}
				if err := a.m.store.UpdateFlags(ctx, a.Config.Name, path, uid, applyFlags(msg.Flags, flags, add)); err != nil {
					return nil, storeError("update flags", a.Config.Name, err)
				}
			}
			return nil, nil
		},
	}
}

func applyFlags(current, change []string, add bool) []string {
	set := make(map[string]bool, len(current)+len(change))
	var out []string
	for _, f := range current {
		set[f] = true
	}
	for _, f := range change {
		set[f] = add
	}
	for _, f := range current {
		if set[f] {
			out = append(out, f)
			set[f] = false
		}
	}
	if add {
		for _, f := range change {
			if set[f] {
				out = append(out, f)
				set[f] = false
			}
		}
	}
	return out
}

// moveTask moves messages to dest and drops them from the source folder.
func (a *Account) moveTask(path string, uids []uint32, dest string) *Task {
	return &Task{
		Kind:     progress.KindSync,
		Priority: PriorityHigh,
		Run: func(ctx context.Context, op *progress.Operation, s Session) (interface{}, error) {
			op.SetStatus(fmt.Sprintf("Moving %d messages to %s...", len(uids), dest)) //nolint:errcheck
			if err := s.Move(ctx, path, uids, dest); err != nil {
				return nil, err
			}
			if err := a.m.store.RemoveMessages(ctx, a.Config.Name, path, uids); err != nil {
				return nil, storeError("move", a.Config.Name, err)
			}
			return nil, nil
		},
	}
}

// deleteTask deletes messages following the account's deletion behavior.
// Deleted ids are tombstoned so they are not re-added while the server
// still lists them.
func (a *Account) deleteTask(path string, uids []uint32) *Task {
	return &Task{
		Kind:     progress.KindSync,
		Priority: PriorityHigh,
		Run: func(ctx context.Context, op *progress.Operation, s Session) (interface{}, error) {
			op.SetStatus(fmt.Sprintf("Deleting %d messages...", len(uids))) //nolint:errcheck
			policy := a.Config.Sync
			var err error
			switch {
			case policy.Deletion == config.DeletionMoveToTrash && policy.TrashFolder != path:
				err = s.Move(ctx, path, uids, policy.TrashFolder)
			case policy.Deletion == config.DeletionServiceDefault:
				err = s.Delete(ctx, path, uids, false)
			default:
				err = s.Delete(ctx, path, uids, true)
			}
			if err != nil {
				return nil, err
			}
			if err := a.m.store.RemoveMessages(ctx, a.Config.Name, path, uids); err != nil {
				return nil, storeError("delete", a.Config.Name, err)
			}
			return nil, nil
		},
	}
}

// keepAliveTask pings the server so the session is not dropped as idle.
func (a *Account) keepAliveTask() *Task {
	return &Task{
		Key:      "keepalive",
		Kind:     progress.KindKeepAlive,
		Priority: PriorityLow,
		Run: func(ctx context.Context, op *progress.Operation, s Session) (interface{}, error) {
			return nil, a.m.conns.KeepAlive(ctx, a.Config.Name, s)
		},
	}
}
