package email

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/brandon/mailsync/internal/cache"
	"github.com/brandon/mailsync/internal/config"
	"github.com/brandon/mailsync/internal/credential"
	"github.com/brandon/mailsync/internal/progress"
	"github.com/brandon/mailsync/pkg/types"
)

// Manager owns the configured accounts and is the entry point for every
// account operation.
type Manager struct {
	cfg     *config.Config
	store   *cache.Store
	tracker *progress.Tracker
	creds   *credential.Store
	conns   *ConnectionManager
	folders *FolderSyncEngine
	fetcher *MessageFetcher
	parts   *AttachmentFetcher
	sender  *OutgoingSender
	logger  *logrus.Logger

	mu       sync.RWMutex
	accounts map[string]*Account
}

// NewManager creates a manager and registers every configured account.
func NewManager(ctx context.Context, cfg *config.Config, store *cache.Store, tracker *progress.Tracker, creds *credential.Store, decider CertificateDecider, logger *logrus.Logger) (*Manager, error) {
	conns := NewConnectionManager(creds, decider, cfg.Tuning, logger)
	fetcher := NewMessageFetcher(cfg.Tuning, logger)
	m := &Manager{
		cfg:      cfg,
		store:    store,
		tracker:  tracker,
		creds:    creds,
		conns:    conns,
		folders:  NewFolderSyncEngine(store, fetcher, logger),
		fetcher:  fetcher,
		parts:    NewAttachmentFetcher(cfg.Tuning, logger),
		sender:   NewOutgoingSender(conns, cfg.Tuning, logger),
		logger:   logger,
		accounts: make(map[string]*Account),
	}

	for i := range cfg.Accounts {
		if err := m.AddAccount(ctx, &cfg.Accounts[i]); err != nil {
			m.Close()
			return nil, err
		}
	}
	return m, nil
}

// AddAccount registers acc and starts its worker.
func (m *Manager) AddAccount(ctx context.Context, acc *config.AccountConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[acc.Name]; ok {
		return fmt.Errorf("account %s already registered", acc.Name)
	}

	if _, err := m.store.UpsertAccount(ctx, acc); err != nil {
		return fmt.Errorf("failed to register account %s: %w", acc.Name, err)
	}
	m.seedCredentials(acc)

	a := &Account{
		Config: acc,
		m:      m,
		worker: newWorker(acc, m.conns, m.tracker, m.cfg.Tuning, m.logger),
	}
	a.worker.start()
	m.accounts[acc.Name] = a

	m.logger.WithFields(logrus.Fields{
		"account":  acc.Name,
		"incoming": acc.Incoming.Addr(),
		"outgoing": acc.Outgoing.Addr(),
	}).Info("Account registered")
	return nil
}

func (m *Manager) seedCredentials(acc *config.AccountConfig) {
	in, out := acc.Incoming, acc.Outgoing
	m.creds.Seed(credential.Key{Account: acc.Name, Role: credential.RoleIncoming, Username: in.Username, Host: in.Host}, in.Password, in.CredentialRef)
	m.creds.Seed(credential.Key{Account: acc.Name, Role: credential.RoleOutgoing, Username: out.Username, Host: out.Host}, out.Password, out.CredentialRef)
}

// RemoveAccount cancels the account's operations, closes its session and
// deletes everything stored for it.
func (m *Manager) RemoveAccount(ctx context.Context, name string) error {
	m.mu.Lock()
	a, ok := m.accounts[name]
	if ok {
		delete(m.accounts, name)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAccount, name)
	}

	m.tracker.CancelAccount(name)
	a.worker.stop()
	m.conns.Disconnect(name)
	m.creds.Forget(name)
	if err := m.store.DeleteAccount(ctx, name); err != nil {
		return fmt.Errorf("failed to delete account %s: %w", name, err)
	}
	m.logger.WithField("account", name).Info("Account removed")
	return nil
}

// Account returns the named account.
func (m *Manager) Account(name string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, name)
	}
	return a, nil
}

// AccountNames returns the registered account names, sorted.
func (m *Manager) AccountNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.accounts))
	for name := range m.accounts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Tracker returns the progress tracker shared by all accounts.
func (m *Manager) Tracker() *progress.Tracker { return m.tracker }

// StartBackground schedules keep-alive and periodic sync for every account
// that configures them.
func (m *Manager) StartBackground() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.accounts {
		a.worker.every(a.Config.Sync.KeepAlive(), a.keepAliveTask)
		a.worker.every(a.Config.Sync.Interval(), a.syncTask)
	}
}

// Close stops every worker and closes all sessions.
func (m *Manager) Close() {
	m.mu.Lock()
	accounts := m.accounts
	m.accounts = make(map[string]*Account)
	m.mu.Unlock()

	for _, a := range accounts {
		a.worker.stop()
	}
	m.conns.DisconnectAll()
}

// wait submits t to the named account and waits for its result. Leaving
// early through ctx cancels the task's operation.
func (m *Manager) wait(ctx context.Context, name string, t *Task) (*Task, interface{}, error) {
	a, err := m.Account(name)
	if err != nil {
		return nil, nil, err
	}
	t = a.submit(t)
	result, err := t.Wait(ctx)
	if ctx.Err() != nil && err == ctx.Err() {
		t.Operation().Cancel()
		return t, nil, cancelled(string(t.Kind), name, err)
	}
	return t, result, err
}

// SyncAccount refreshes the folder list of the account and synchronizes
// every sync-enabled folder.
func (m *Manager) SyncAccount(ctx context.Context, name string) (*SyncResult, error) {
	a, err := m.Account(name)
	if err != nil {
		return nil, err
	}
	_, result, err := m.wait(ctx, name, a.syncTask())
	res, _ := result.(*SyncResult)
	return res, err
}

// SyncAll synchronizes every account concurrently. Accounts fail
// independently; the joined error lists every failure.
func (m *Manager) SyncAll(ctx context.Context) (map[string]*SyncResult, error) {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		out  = make(map[string]*SyncResult)
		errs []error
	)
	for _, name := range m.AccountNames() {
		name := name
		g.Go(func() error {
			res, err := m.SyncAccount(ctx, name)
			mu.Lock()
			defer mu.Unlock()
			if res != nil {
				out[name] = res
			}
			if err != nil {
				errs = append(errs, err)
			}
			return nil
		})
	}
	g.Wait() //nolint:errcheck
	return out, errors.Join(errs...)
}

// SyncFolder synchronizes the messages of one folder.
func (m *Manager) SyncFolder(ctx context.Context, name, path string) (*types.MessageDelta, error) {
	a, err := m.Account(name)
	if err != nil {
		return nil, err
	}
	_, result, err := m.wait(ctx, name, a.folderTask(path))
	delta, _ := result.(*types.MessageDelta)
	return delta, err
}

// Folders returns the locally known folder tree.
func (m *Manager) Folders(ctx context.Context, name string) ([]*types.Folder, error) {
	if _, err := m.Account(name); err != nil {
		return nil, err
	}
	folders, err := m.store.ListFolders(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}
	return types.BuildFolderTree(folders), nil
}

// SetFolderSyncEnabled includes or excludes a folder from sync.
func (m *Manager) SetFolderSyncEnabled(ctx context.Context, name, path string, enabled bool) error {
	if _, err := m.Account(name); err != nil {
		return err
	}
	return m.store.SetFolderSyncEnabled(ctx, name, path, enabled)
}

// Messages returns cached messages of a folder, newest first.
func (m *Manager) Messages(ctx context.Context, name, path string, limit int) ([]types.Message, error) {
	if _, err := m.Account(name); err != nil {
		return nil, err
	}
	return m.store.ListMessages(ctx, name, path, limit)
}

// FetchEnvelopes fetches the envelopes of specific ids. Envelopes that
// arrived are stored even when the fetch fails.
func (m *Manager) FetchEnvelopes(ctx context.Context, name, path string, uids []uint32) (*EnvelopeBatch, error) {
	a, err := m.Account(name)
	if err != nil {
		return nil, err
	}
	_, result, err := m.wait(ctx, name, a.envelopeTask(path, uids))
	batch, _ := result.(*EnvelopeBatch)
	return batch, err
}

// FetchBody returns the message with its body, downloading it on first use.
func (m *Manager) FetchBody(ctx context.Context, name, path string, uid uint32) (*types.Message, error) {
	a, err := m.Account(name)
	if err != nil {
		return nil, err
	}
	var sizeHint int64
	msg, err := m.store.GetMessage(ctx, name, path, uid)
	switch {
	case err == nil && msg.HasBody:
		return msg, nil
	case err == nil:
		sizeHint = int64(msg.Size)
	case !errors.Is(err, cache.ErrNotFound):
		return nil, err
	}

	if _, _, err := m.wait(ctx, name, a.bodyTask(path, uid, sizeHint)); err != nil {
		return nil, err
	}
	return m.store.GetMessage(ctx, name, path, uid)
}

// FetchAttachment streams the part at partPath into sink and returns the
// number of bytes written. The descriptor recorded for the message is used
// when one exists.
func (m *Manager) FetchAttachment(ctx context.Context, name, path string, uid uint32, partPath string, sink io.Writer) (int64, error) {
	a, err := m.Account(name)
	if err != nil {
		return 0, err
	}
	desc := types.AttachmentDescriptor{PartPath: partPath}
	if msg, err := m.store.GetMessage(ctx, name, path, uid); err == nil {
		for _, att := range msg.Attachments {
			if att.PartPath == partPath {
				desc = att
				break
			}
		}
	}

	_, result, err := m.wait(ctx, name, a.attachmentTask(path, uid, desc, sink))
	n, _ := result.(int64)
	return n, err
}

// SetFlags adds or removes flags on messages.
func (m *Manager) SetFlags(ctx context.Context, name, path string, uids []uint32, flags []string, add bool) error {
	a, err := m.Account(name)
	if err != nil {
		return err
	}
	_, _, err = m.wait(ctx, name, a.flagsTask(path, uids, flags, add))
	return err
}

// MoveMessages moves messages to another folder.
func (m *Manager) MoveMessages(ctx context.Context, name, path string, uids []uint32, dest string) error {
	a, err := m.Account(name)
	if err != nil {
		return err
	}
	_, _, err = m.wait(ctx, name, a.moveTask(path, uids, dest))
	return err
}

// DeleteMessages deletes messages according to the account's deletion
// behavior.
func (m *Manager) DeleteMessages(ctx context.Context, name, path string, uids []uint32) error {
	a, err := m.Account(name)
	if err != nil {
		return err
	}
	_, _, err = m.wait(ctx, name, a.deleteTask(path, uids))
	return err
}

// Send submits msg through the account's outgoing server. Sending does not
// go through the account worker and never waits for incoming work.
func (m *Manager) Send(ctx context.Context, name string, msg *ComposedMessage) (*SendResult, error) {
	a, err := m.Account(name)
	if err != nil {
		return nil, err
	}
	opCtx, op := m.tracker.Begin(ctx, name, progress.KindSend)
	if err := op.Start(); err != nil {
		return nil, err
	}
	res, err := m.sender.Send(opCtx, op, a.Config, msg)
	if ferr := op.Finish(err); ferr != nil {
		m.logger.WithError(ferr).WithField("operation", op.ID()).Debug("Operation already ended")
	}
	return res, err
}

// Operations lists running and queued operations, optionally for one
// account.
func (m *Manager) Operations(account string) []progress.Snapshot {
	return m.tracker.List(account)
}

// CancelOperation cancels one operation by id.
func (m *Manager) CancelOperation(id string) error {
	return m.tracker.Cancel(id)
}
