package email

import (
	"context"

	"github.com/brandon/mailsync/pkg/types"
)

// Capabilities is the feature set negotiated when a session is opened.
type Capabilities struct {
	Incremental bool
	Move        bool
	UIDPlus     bool
}

// FolderStatus is the server's view of a selected folder.
type FolderStatus struct {
	Path        string
	UIDValidity uint32
	UIDNext     uint32
	Messages    uint32
}

// FolderLister lists the server's folder tree.
type FolderLister interface {
	ListFolders(ctx context.Context) ([]types.Folder, error)
}

// IDEnumerator returns the complete server id set of a folder.
type IDEnumerator interface {
	EnumerateIDs(ctx context.Context, path string) (*FolderStatus, []uint32, error)
}

// IncrementalEnumerator returns only ids added since state was recorded. ok is
// false when the server cannot answer without a full enumeration.
type IncrementalEnumerator interface {
	ChangedSince(ctx context.Context, path string, state *types.SyncState) (status *FolderStatus, added []uint32, ok bool, err error)
}

// EnvelopeFetcher retrieves envelopes for ids. fn is called for every message
// as it arrives so callers keep what was received before a failure.
type EnvelopeFetcher interface {
	FetchEnvelopes(ctx context.Context, path string, uids []uint32, fn func(types.Message)) error
}

// PartFetcher reads a byte range of one MIME part in its transfer encoding.
// An empty part reads the whole raw message. A short read means the end of
// the part was reached.
type PartFetcher interface {
	FetchPartChunk(ctx context.Context, path string, uid uint32, part string, offset, length int64) ([]byte, error)
}

// Mutator changes messages on the server.
type Mutator interface {
	StoreFlags(ctx context.Context, path string, uids []uint32, flags []string, add bool) error
	Move(ctx context.Context, path string, uids []uint32, dest string) error
	Delete(ctx context.Context, path string, uids []uint32, expunge bool) error
}

// Session is an authenticated connection to an incoming server. Sessions are
// not safe for concurrent use; the account worker serializes access.
type Session interface {
	FolderLister
	IDEnumerator
	EnvelopeFetcher
	PartFetcher
	Mutator

	Capabilities() Capabilities
	// Incremental returns nil when the session cannot enumerate incrementally.
	Incremental() IncrementalEnumerator
	Noop(ctx context.Context) error
	// Alive is false once the transport failed or the session was closed.
	Alive() bool
	// Close logs out when possible and releases the transport.
	Close() error
}
