package types

import (
	"sort"
	"strings"
	"time"
)

// Folder represents a mailbox on the incoming server.
type Folder struct {
	ID           int64      `json:"id"`
	AccountName  string     `json:"account_name"`
	Name         string     `json:"name"`
	Path         string     `json:"path"`
	Delimiter    string     `json:"delimiter,omitempty"`
	Attributes   []string   `json:"attributes,omitempty"`
	MessageCount int        `json:"message_count"`
	SyncEnabled  bool       `json:"sync_enabled"`
	LastSynced   *time.Time `json:"last_synced,omitempty"`
	Children     []*Folder  `json:"children,omitempty"`
}

// ParentPath returns the path of the folder's parent, or "" for a top-level folder.
func (f *Folder) ParentPath() string {
	if f.Delimiter == "" {
		return ""
	}
	idx := strings.LastIndex(f.Path, f.Delimiter)
	if idx <= 0 {
		return ""
	}
	return f.Path[:idx]
}

// NoSelect reports whether the folder can hold messages.
func (f *Folder) NoSelect() bool {
	for _, attr := range f.Attributes {
		if strings.EqualFold(attr, `\Noselect`) || strings.EqualFold(attr, `\NonExistent`) {
			return true
		}
	}
	return false
}

// BuildFolderTree links a flat folder list into a tree. Folders whose parent
// is not part of the list are returned as roots.
func BuildFolderTree(folders []Folder) []*Folder {
	nodes := make(map[string]*Folder, len(folders))
	order := make([]string, 0, len(folders))
	for i := range folders {
		f := folders[i]
		f.Children = nil
		nodes[f.Path] = &f
		order = append(order, f.Path)
	}
	sort.Strings(order)

	var roots []*Folder
	for _, path := range order {
		node := nodes[path]
		if parent, ok := nodes[node.ParentPath()]; ok && parent != node {
			parent.Children = append(parent.Children, node)
			continue
		}
		roots = append(roots, node)
	}
	return roots
}

// FolderDelta is the outcome of a folder list synchronization.
type FolderDelta struct {
	Added   []string  `json:"added"`
	Removed []string  `json:"removed"`
	Tree    []*Folder `json:"tree"`
}
