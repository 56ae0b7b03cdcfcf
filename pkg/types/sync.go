package types

import (
	"sort"
	"time"
)

// SyncState is the per-folder record of the last observed server state.
type SyncState struct {
	AccountName string    `json:"account_name"`
	FolderPath  string    `json:"folder_path"`
	UIDValidity uint32    `json:"uid_validity"`
	UIDNext     uint32    `json:"uid_next"`
	Messages    uint32    `json:"messages"`
	UIDs        []uint32  `json:"uids"`
	Tombstones  []uint32  `json:"tombstones,omitempty"`
	SyncedAt    time.Time `json:"synced_at"`
}

// Known reports whether the state has been committed at least once.
func (s *SyncState) Known() bool {
	return s != nil && s.UIDValidity != 0
}

// MessageDelta is the outcome of a message id synchronization.
type MessageDelta struct {
	Added   []uint32 `json:"added"`
	Removed []uint32 `json:"removed"`
	Failed  []uint32 `json:"failed,omitempty"`
}

// Empty reports whether nothing changed.
func (d MessageDelta) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0
}

// SortUIDs sorts ids in place and drops duplicates.
func SortUIDs(ids []uint32) []uint32 {
	if len(ids) == 0 {
		return ids
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := ids[:1]
	for _, id := range ids[1:] {
		if id != out[len(out)-1] {
			out = append(out, id)
		}
	}
	return out
}
