package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/config"
	"github.com/brandon/mailsync/pkg/types"
)

// ErrNotFound is returned when an account, folder or message is not cached.
var ErrNotFound = errors.New("not found")

// Store provides methods for storing and retrieving data from the cache
type Store struct {
	cache  *Cache
	logger *logrus.Logger
}

// NewStore creates a new store instance
func NewStore(cache *Cache, logger *logrus.Logger) *Store {
	return &Store{
		cache:  cache,
		logger: logger,
	}
}

func (s *Store) db() *sqlx.DB {
	return s.cache.DB()
}

// withTx runs fn inside a transaction, committing only when fn succeeds.
func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db().BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// UpsertAccount upserts an account in the cache
func (s *Store) UpsertAccount(ctx context.Context, acc *config.AccountConfig) (int64, error) {
	now := time.Now().Unix()
	query := `
		INSERT INTO accounts (name, display_name, address, incoming_host, incoming_port, incoming_username,
			outgoing_host, outgoing_port, outgoing_username, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			display_name = excluded.display_name,
			address = excluded.address,
			incoming_host = excluded.incoming_host,
			incoming_port = excluded.incoming_port,
			incoming_username = excluded.incoming_username,
			outgoing_host = excluded.outgoing_host,
			outgoing_port = excluded.outgoing_port,
			outgoing_username = excluded.outgoing_username,
			updated_at = excluded.updated_at
	`
	_, err := s.db().ExecContext(ctx, query,
		acc.Name, acc.DisplayName, acc.Address,
		acc.Incoming.Host, acc.Incoming.Port, acc.Incoming.Username,
		acc.Outgoing.Host, acc.Outgoing.Port, acc.Outgoing.Username,
		now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert account: %w", err)
	}
	return s.GetAccountID(ctx, acc.Name)
}

// GetAccountID returns the account ID by name
func (s *Store) GetAccountID(ctx context.Context, name string) (int64, error) {
	var id int64
	err := s.db().GetContext(ctx, &id, "SELECT id FROM accounts WHERE name = ?", name)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("account %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get account ID: %w", err)
	}
	return id, nil
}

// DeleteAccount removes an account and, through cascading keys, its folders,
// messages, attachments and sync state.
func (s *Store) DeleteAccount(ctx context.Context, name string) error {
	if _, err := s.db().ExecContext(ctx, "DELETE FROM accounts WHERE name = ?", name); err != nil {
		return fmt.Errorf("failed to delete account %s: %w", name, err)
	}
	return nil
}

type folderKey struct {
	AccountID int64 `db:"account_id"`
	FolderID  int64 `db:"folder_id"`
}

func lookupFolder(ctx context.Context, q sqlx.QueryerContext, account, path string) (folderKey, error) {
	var key folderKey
	err := sqlx.GetContext(ctx, q, &key, `
		SELECT a.id AS account_id, f.id AS folder_id
		FROM folders f
		JOIN accounts a ON f.account_id = a.id
		WHERE a.name = ? AND f.path = ?`, account, path)
	if errors.Is(err, sql.ErrNoRows) {
		return key, fmt.Errorf("folder %s/%s: %w", account, path, ErrNotFound)
	}
	if err != nil {
		return key, fmt.Errorf("failed to look up folder: %w", err)
	}
	return key, nil
}

type folderRow struct {
	ID           int64         `db:"id"`
	AccountName  string        `db:"account_name"`
	Name         string        `db:"name"`
	Path         string        `db:"path"`
	Delimiter    string        `db:"delimiter"`
	Attributes   string        `db:"attributes"`
	MessageCount int           `db:"message_count"`
	SyncEnabled  bool          `db:"sync_enabled"`
	LastSynced   sql.NullInt64 `db:"last_synced"`
}

const folderColumns = `f.id, a.name AS account_name, f.name, f.path, f.delimiter, f.attributes,
	f.message_count, f.sync_enabled, f.last_synced`

func (r folderRow) toFolder() types.Folder {
	folder := types.Folder{
		ID:           r.ID,
		AccountName:  r.AccountName,
		Name:         r.Name,
		Path:         r.Path,
		Delimiter:    r.Delimiter,
		MessageCount: r.MessageCount,
		SyncEnabled:  r.SyncEnabled,
	}
	_ = json.Unmarshal([]byte(r.Attributes), &folder.Attributes)
	if r.LastSynced.Valid {
		t := time.Unix(r.LastSynced.Int64, 0)
		folder.LastSynced = &t
	}
	return folder
}

// ListFolders lists folders for an account, or for all accounts when account is empty.
func (s *Store) ListFolders(ctx context.Context, account string) ([]types.Folder, error) {
	query := `SELECT ` + folderColumns + `
		FROM folders f
		JOIN accounts a ON f.account_id = a.id`
	var args []interface{}
	if account != "" {
		query += ` WHERE a.name = ?`
		args = append(args, account)
	}
	query += ` ORDER BY a.name, f.path`

	var rows []folderRow
	if err := s.db().SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query folders: %w", err)
	}

	folders := make([]types.Folder, 0, len(rows))
	for _, r := range rows {
		folders = append(folders, r.toFolder())
	}
	return folders, nil
}

// GetFolder returns a single cached folder.
func (s *Store) GetFolder(ctx context.Context, account, path string) (*types.Folder, error) {
	var row folderRow
	err := s.db().GetContext(ctx, &row, `SELECT `+folderColumns+`
		FROM folders f
		JOIN accounts a ON f.account_id = a.id
		WHERE a.name = ? AND f.path = ?`, account, path)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("folder %s/%s: %w", account, path, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get folder: %w", err)
	}
	folder := row.toFolder()
	return &folder, nil
}

// ReplaceFolders makes the cached folder list of account equal to folders in a
// single transaction. Folders not in the list are deleted together with their
// messages and sync state.
func (s *Store) ReplaceFolders(ctx context.Context, account string, folders []types.Folder) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		var accountID int64
		err := tx.GetContext(ctx, &accountID, "SELECT id FROM accounts WHERE name = ?", account)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("account %s: %w", account, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to get account ID: %w", err)
		}

		var existing []string
		if err := tx.SelectContext(ctx, &existing, "SELECT path FROM folders WHERE account_id = ?", accountID); err != nil {
			return fmt.Errorf("failed to list folders: %w", err)
		}

		keep := make(map[string]bool, len(folders))
		for _, f := range folders {
			keep[f.Path] = true
		}
		for _, path := range existing {
			if keep[path] {
				continue
			}
			if _, err := tx.ExecContext(ctx, "DELETE FROM folders WHERE account_id = ? AND path = ?", accountID, path); err != nil {
				return fmt.Errorf("failed to prune folder %s: %w", path, err)
			}
		}

		stmt, err := tx.PreparexContext(ctx, `
			INSERT INTO folders (account_id, name, path, delimiter, attributes, message_count, sync_enabled)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(account_id, path) DO UPDATE SET
				name = excluded.name,
				delimiter = excluded.delimiter,
				attributes = excluded.attributes,
				message_count = excluded.message_count,
				sync_enabled = excluded.sync_enabled`)
		if err != nil {
			return fmt.Errorf("failed to prepare folder upsert: %w", err)
		}
		defer stmt.Close()

		for _, f := range folders {
			_, err := stmt.ExecContext(ctx, accountID, f.Name, f.Path, f.Delimiter,
				marshalJSON(f.Attributes), f.MessageCount, boolToInt(f.SyncEnabled))
			if err != nil {
				return fmt.Errorf("failed to upsert folder %s: %w", f.Path, err)
			}
		}
		return nil
	})
}

// SetFolderSyncEnabled toggles whether a folder takes part in message sync.
func (s *Store) SetFolderSyncEnabled(ctx context.Context, account, path string, enabled bool) error {
	res, err := s.db().ExecContext(ctx, `
		UPDATE folders SET sync_enabled = ?
		WHERE path = ? AND account_id = (SELECT id FROM accounts WHERE name = ?)`,
		boolToInt(enabled), path, account)
	if err != nil {
		return fmt.Errorf("failed to update folder: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("folder %s/%s: %w", account, path, ErrNotFound)
	}
	return nil
}

type syncStateRow struct {
	UIDValidity uint32 `db:"uid_validity"`
	UIDNext     uint32 `db:"uid_next"`
	Messages    uint32 `db:"messages"`
	UIDs        string `db:"uids"`
	Tombstones  string `db:"tombstones"`
	SyncedAt    int64  `db:"synced_at"`
}

// GetSyncState returns the committed sync state of a folder. A folder that
// was never synchronized yields a zero state.
func (s *Store) GetSyncState(ctx context.Context, account, path string) (*types.SyncState, error) {
	return getSyncState(ctx, s.db(), account, path)
}

func getSyncState(ctx context.Context, q sqlx.QueryerContext, account, path string) (*types.SyncState, error) {
	state := &types.SyncState{AccountName: account, FolderPath: path}

	var row syncStateRow
	err := sqlx.GetContext(ctx, q, &row, `
		SELECT s.uid_validity, s.uid_next, s.messages, s.uids, s.tombstones, s.synced_at
		FROM sync_state s
		JOIN folders f ON s.folder_id = f.id
		JOIN accounts a ON f.account_id = a.id
		WHERE a.name = ? AND f.path = ?`, account, path)
	if errors.Is(err, sql.ErrNoRows) {
		return state, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync state: %w", err)
	}

	state.UIDValidity = row.UIDValidity
	state.UIDNext = row.UIDNext
	state.Messages = row.Messages
	state.SyncedAt = time.Unix(row.SyncedAt, 0)
	if err := json.Unmarshal([]byte(row.UIDs), &state.UIDs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal uids: %w", err)
	}
	if err := json.Unmarshal([]byte(row.Tombstones), &state.Tombstones); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tombstones: %w", err)
	}
	return state, nil
}

func writeSyncState(ctx context.Context, tx *sqlx.Tx, folderID int64, state *types.SyncState) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sync_state (folder_id, uid_validity, uid_next, messages, uids, tombstones, synced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(folder_id) DO UPDATE SET
			uid_validity = excluded.uid_validity,
			uid_next = excluded.uid_next,
			messages = excluded.messages,
			uids = excluded.uids,
			tombstones = excluded.tombstones,
			synced_at = excluded.synced_at`,
		folderID, state.UIDValidity, state.UIDNext, state.Messages,
		marshalUIDs(state.UIDs), marshalUIDs(state.Tombstones), state.SyncedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to write sync state: %w", err)
	}
	return nil
}

// CommitFolderSync atomically applies the result of one message sync: removed
// ids are deleted locally, fetched envelopes are upserted and the new state
// replaces the previous one. Nothing is written if any step fails.
func (s *Store) CommitFolderSync(ctx context.Context, account, path string, removed []uint32, fetched []types.Message, state *types.SyncState) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		key, err := lookupFolder(ctx, tx, account, path)
		if err != nil {
			return err
		}
		if err := deleteUIDs(ctx, tx, key, removed); err != nil {
			return err
		}
		for i := range fetched {
			if err := upsertMessage(ctx, tx, key, &fetched[i]); err != nil {
				return err
			}
		}
		if err := writeSyncState(ctx, tx, key.FolderID, state); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, "UPDATE folders SET message_count = ?, last_synced = ? WHERE id = ?",
			state.Messages, state.SyncedAt.Unix(), key.FolderID)
		if err != nil {
			return fmt.Errorf("failed to update folder: %w", err)
		}
		return nil
	})
}

// ResetFolder drops all cached messages and the sync state of a folder so the
// next sync starts from scratch.
func (s *Store) ResetFolder(ctx context.Context, account, path string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		key, err := lookupFolder(ctx, tx, account, path)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE folder_id = ?", key.FolderID); err != nil {
			return fmt.Errorf("failed to clear messages: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM sync_state WHERE folder_id = ?", key.FolderID); err != nil {
			return fmt.Errorf("failed to clear sync state: %w", err)
		}
		return nil
	})
}

// UpsertMessages stores envelopes without touching the sync state.
func (s *Store) UpsertMessages(ctx context.Context, account, path string, msgs []types.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		key, err := lookupFolder(ctx, tx, account, path)
		if err != nil {
			return err
		}
		for i := range msgs {
			if err := upsertMessage(ctx, tx, key, &msgs[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// RemoveMessages deletes messages locally and records them as tombstones so a
// later sync does not add them back while the server still reports them.
func (s *Store) RemoveMessages(ctx context.Context, account, path string, uids []uint32) error {
	if len(uids) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		key, err := lookupFolder(ctx, tx, account, path)
		if err != nil {
			return err
		}
		if err := deleteUIDs(ctx, tx, key, uids); err != nil {
			return err
		}

		state, err := getSyncState(ctx, tx, account, path)
		if err != nil {
			return err
		}
		if !state.Known() {
			return nil
		}
		gone := make(map[uint32]bool, len(uids))
		for _, uid := range uids {
			gone[uid] = true
		}
		kept := state.UIDs[:0]
		for _, uid := range state.UIDs {
			if !gone[uid] {
				kept = append(kept, uid)
			}
		}
		state.UIDs = kept
		state.Tombstones = types.SortUIDs(append(state.Tombstones, uids...))
		return writeSyncState(ctx, tx, key.FolderID, state)
	})
}

func deleteUIDs(ctx context.Context, tx *sqlx.Tx, key folderKey, uids []uint32) error {
	if len(uids) == 0 {
		return nil
	}
	stmt, err := tx.PreparexContext(ctx, "DELETE FROM messages WHERE account_id = ? AND folder_id = ? AND uid = ?")
	if err != nil {
		return fmt.Errorf("failed to prepare delete: %w", err)
	}
	defer stmt.Close()
	for _, uid := range uids {
		if _, err := stmt.ExecContext(ctx, key.AccountID, key.FolderID, uid); err != nil {
			return fmt.Errorf("failed to delete message %d: %w", uid, err)
		}
	}
	return nil
}

func upsertMessage(ctx context.Context, tx *sqlx.Tx, key folderKey, m *types.Message) error {
	query := `
		INSERT INTO messages (account_id, folder_id, uid, message_id, in_reply_to, reference_ids, subject,
			sender_name, sender_email, recipients, date, size, flags, cached_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, folder_id, uid) DO UPDATE SET
			message_id = excluded.message_id,
			in_reply_to = excluded.in_reply_to,
			reference_ids = excluded.reference_ids,
			subject = excluded.subject,
			sender_name = excluded.sender_name,
			sender_email = excluded.sender_email,
			recipients = excluded.recipients,
			date = excluded.date,
			size = excluded.size,
			flags = excluded.flags,
			cached_at = excluded.cached_at
	`
	_, err := tx.ExecContext(ctx, query,
		key.AccountID, key.FolderID, m.UID, m.MessageID, m.InReplyTo, marshalJSON(m.References), m.Subject,
		m.SenderName, m.SenderEmail, marshalJSON(m.Recipients), m.Date.Unix(), m.Size, marshalJSON(m.Flags),
		time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert message %d: %w", m.UID, err)
	}

	if len(m.Attachments) == 0 {
		return nil
	}
	var rowID int64
	err = tx.GetContext(ctx, &rowID, "SELECT id FROM messages WHERE account_id = ? AND folder_id = ? AND uid = ?",
		key.AccountID, key.FolderID, m.UID)
	if err != nil {
		return fmt.Errorf("failed to get message row: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM attachments WHERE message_row = ?", rowID); err != nil {
		return fmt.Errorf("failed to clear attachments: %w", err)
	}
	return insertAttachments(ctx, tx, rowID, m.Attachments)
}

func insertAttachments(ctx context.Context, tx *sqlx.Tx, rowID int64, atts []types.AttachmentDescriptor) error {
	for _, a := range atts {
		_, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO attachments (message_row, part_path, file_name, mime_type, encoding, size)
			VALUES (?, ?, ?, ?, ?, ?)`,
			rowID, a.PartPath, a.FileName, a.MIMEType, a.Encoding, a.Size)
		if err != nil {
			return fmt.Errorf("failed to insert attachment %s: %w", a.PartPath, err)
		}
	}
	return nil
}

type messageRow struct {
	ID          int64  `db:"id"`
	AccountName string `db:"account_name"`
	FolderPath  string `db:"folder_path"`
	UID         uint32 `db:"uid"`
	MessageID   string `db:"message_id"`
	InReplyTo   string `db:"in_reply_to"`
	References  string `db:"reference_ids"`
	Subject     string `db:"subject"`
	SenderName  string `db:"sender_name"`
	SenderEmail string `db:"sender_email"`
	Recipients  string `db:"recipients"`
	Date        int64  `db:"date"`
	Size        uint32 `db:"size"`
	Flags       string `db:"flags"`
	HasBody     bool   `db:"has_body"`
	BodyText    string `db:"body_text"`
	BodyHTML    string `db:"body_html"`
	CachedAt    int64  `db:"cached_at"`
}

const messageColumns = `m.id, a.name AS account_name, f.path AS folder_path, m.uid, m.message_id,
	m.in_reply_to, m.reference_ids, m.subject, m.sender_name, m.sender_email, m.recipients, m.date, m.size, m.flags,
	m.has_body, m.body_text, m.body_html, m.cached_at`

const messageFrom = `
	FROM messages m
	JOIN accounts a ON m.account_id = a.id
	JOIN folders f ON m.folder_id = f.id`

func (r messageRow) toMessage() (types.Message, error) {
	msg := types.Message{
		ID:          r.ID,
		AccountName: r.AccountName,
		FolderPath:  r.FolderPath,
		UID:         r.UID,
		MessageID:   r.MessageID,
		InReplyTo:   r.InReplyTo,
		Subject:     r.Subject,
		SenderName:  r.SenderName,
		SenderEmail: r.SenderEmail,
		Date:        time.Unix(r.Date, 0),
		Size:        r.Size,
		HasBody:     r.HasBody,
		BodyText:    r.BodyText,
		BodyHTML:    r.BodyHTML,
		CachedAt:    time.Unix(r.CachedAt, 0),
	}
	if err := json.Unmarshal([]byte(r.Recipients), &msg.Recipients); err != nil {
		return msg, fmt.Errorf("failed to unmarshal recipients: %w", err)
	}
	if err := json.Unmarshal([]byte(r.Flags), &msg.Flags); err != nil {
		return msg, fmt.Errorf("failed to unmarshal flags: %w", err)
	}
	if err := json.Unmarshal([]byte(r.References), &msg.References); err != nil {
		return msg, fmt.Errorf("failed to unmarshal references: %w", err)
	}
	if len(msg.References) == 0 {
		msg.References = nil
	}
	return msg, nil
}

type attachmentRow struct {
	PartPath string `db:"part_path"`
	FileName string `db:"file_name"`
	MIMEType string `db:"mime_type"`
	Encoding string `db:"encoding"`
	Size     uint32 `db:"size"`
}

func (s *Store) loadAttachments(ctx context.Context, msg *types.Message) error {
	var rows []attachmentRow
	err := s.db().SelectContext(ctx, &rows, `
		SELECT part_path, file_name, mime_type, encoding, size
		FROM attachments WHERE message_row = ? ORDER BY part_path`, msg.ID)
	if err != nil {
		return fmt.Errorf("failed to load attachments: %w", err)
	}
	for _, r := range rows {
		msg.Attachments = append(msg.Attachments, types.AttachmentDescriptor{
			PartPath: r.PartPath,
			FileName: r.FileName,
			MIMEType: r.MIMEType,
			Encoding: r.Encoding,
			Size:     r.Size,
		})
	}
	return nil
}

func (s *Store) getMessage(ctx context.Context, where string, args ...interface{}) (*types.Message, error) {
	var row messageRow
	err := s.db().GetContext(ctx, &row, `SELECT `+messageColumns+messageFrom+` WHERE `+where, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	msg, err := row.toMessage()
	if err != nil {
		return nil, err
	}
	if err := s.loadAttachments(ctx, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// GetMessage retrieves a message by its (account, folder, uid) identity.
func (s *Store) GetMessage(ctx context.Context, account, path string, uid uint32) (*types.Message, error) {
	return s.getMessage(ctx, "a.name = ? AND f.path = ? AND m.uid = ?", account, path, uid)
}

// GetMessageByID retrieves a message by its local row id.
func (s *Store) GetMessageByID(ctx context.Context, id int64) (*types.Message, error) {
	return s.getMessage(ctx, "m.id = ?", id)
}

// ListMessages returns the newest messages of a folder, without bodies.
func (s *Store) ListMessages(ctx context.Context, account, path string, limit int) ([]types.Message, error) {
	query := `SELECT ` + messageColumns + messageFrom + `
		WHERE a.name = ? AND f.path = ?
		ORDER BY m.date DESC, m.uid DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	var rows []messageRow
	if err := s.db().SelectContext(ctx, &rows, query, account, path); err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}

	msgs := make([]types.Message, 0, len(rows))
	for _, r := range rows {
		r.BodyText, r.BodyHTML = "", ""
		msg, err := r.toMessage()
		if err != nil {
			return nil, err
		}
		if err := s.loadAttachments(ctx, &msg); err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// ListUIDs returns the cached server ids of a folder in ascending order.
func (s *Store) ListUIDs(ctx context.Context, account, path string) ([]uint32, error) {
	var uids []uint32
	err := s.db().SelectContext(ctx, &uids, `SELECT m.uid`+messageFrom+`
		WHERE a.name = ? AND f.path = ? ORDER BY m.uid`, account, path)
	if err != nil {
		return nil, fmt.Errorf("failed to list uids: %w", err)
	}
	return uids, nil
}

// StoreBody records a fetched body and marks the message as having one.
func (s *Store) StoreBody(ctx context.Context, account, path string, uid uint32, body *types.Body) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		key, err := lookupFolder(ctx, tx, account, path)
		if err != nil {
			return err
		}
		var rowID int64
		err = tx.GetContext(ctx, &rowID, "SELECT id FROM messages WHERE account_id = ? AND folder_id = ? AND uid = ?",
			key.AccountID, key.FolderID, uid)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("message %d: %w", uid, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to get message row: %w", err)
		}
		_, err = tx.ExecContext(ctx, "UPDATE messages SET body_text = ?, body_html = ?, has_body = 1 WHERE id = ?",
			body.Text, body.HTML, rowID)
		if err != nil {
			return fmt.Errorf("failed to store body: %w", err)
		}
		return insertAttachments(ctx, tx, rowID, body.Attachments)
	})
}

// UpdateFlags replaces the cached flags of a message.
func (s *Store) UpdateFlags(ctx context.Context, account, path string, uid uint32, flags []string) error {
	res, err := s.db().ExecContext(ctx, `
		UPDATE messages SET flags = ?
		WHERE uid = ? AND folder_id = (
			SELECT f.id FROM folders f JOIN accounts a ON f.account_id = a.id
			WHERE a.name = ? AND f.path = ?)`,
		marshalJSON(flags), uid, account, path)
	if err != nil {
		return fmt.Errorf("failed to update flags: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("message %d: %w", uid, ErrNotFound)
	}
	return nil
}

// CountMessages returns the number of cached messages of an account.
func (s *Store) CountMessages(ctx context.Context, account string) (int, error) {
	var count int
	err := s.db().GetContext(ctx, &count, `SELECT COUNT(*)`+messageFrom+` WHERE a.name = ?`, account)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return count, nil
}

func marshalJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil || string(b) == "null" {
		return "[]"
	}
	return string(b)
}

func marshalUIDs(ids []uint32) string {
	if ids == nil {
		ids = []uint32{}
	}
	return marshalJSON(ids)
}

// boolToInt converts a boolean to 0 or 1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
