package tools

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/email"
)

// ListFoldersTool lists the cached folder tree of one or all accounts
type ListFoldersTool struct {
	manager *email.Manager
	logger  *logrus.Logger
}

// NewListFoldersTool creates a new list folders tool
func NewListFoldersTool(manager *email.Manager, logger *logrus.Logger) *ListFoldersTool {
	return &ListFoldersTool{manager: manager, logger: logger}
}

// Name returns the tool name
func (t *ListFoldersTool) Name() string {
	return "list_folders"
}

// Description returns the tool description
func (t *ListFoldersTool) Description() string {
	return "List the cached folder tree with sync flags and message counts"
}

// InputSchema returns the JSON schema for tool inputs
func (t *ListFoldersTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"account_name": map[string]interface{}{
				"type":        "string",
				"description": "Optional: Account name (all accounts when omitted)",
			},
		},
	}
}

// Execute executes the tool
func (t *ListFoldersTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	names := t.manager.AccountNames()
	if name := optionalString(params, "account_name"); name != "" {
		names = []string{name}
	}

	result := make(map[string]interface{}, len(names))
	for _, name := range names {
		tree, err := t.manager.Folders(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("failed to list folders: %w", err)
		}
		result[name] = tree
	}
	return result, nil
}

// SetFolderSyncTool toggles whether a folder takes part in account sync
type SetFolderSyncTool struct {
	manager *email.Manager
	logger  *logrus.Logger
}

// NewSetFolderSyncTool creates a new set folder sync tool
func NewSetFolderSyncTool(manager *email.Manager, logger *logrus.Logger) *SetFolderSyncTool {
	return &SetFolderSyncTool{manager: manager, logger: logger}
}

// Name returns the tool name
func (t *SetFolderSyncTool) Name() string {
	return "set_folder_sync"
}

// Description returns the tool description
func (t *SetFolderSyncTool) Description() string {
	return "Enable or disable message synchronization for a folder"
}

// InputSchema returns the JSON schema for tool inputs
func (t *SetFolderSyncTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"account_name": map[string]interface{}{
				"type":        "string",
				"description": "Account name",
			},
			"folder": map[string]interface{}{
				"type":        "string",
				"description": "Folder path",
			},
			"enabled": map[string]interface{}{
				"type":        "boolean",
				"description": "Whether the folder is synchronized",
			},
		},
		"required": []string{"account_name", "folder", "enabled"},
	}
}

// Execute executes the tool
func (t *SetFolderSyncTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	account, err := requiredString(params, "account_name")
	if err != nil {
		return nil, err
	}
	folder, err := requiredString(params, "folder")
	if err != nil {
		return nil, err
	}
	if _, ok := params["enabled"]; !ok {
		return nil, fmt.Errorf("enabled is required")
	}
	enabled := optionalBool(params, "enabled", true)

	if err := t.manager.SetFolderSyncEnabled(ctx, account, folder, enabled); err != nil {
		return nil, fmt.Errorf("failed to update folder: %w", err)
	}
	return map[string]interface{}{
		"account_name": account,
		"folder":       folder,
		"sync_enabled": enabled,
	}, nil
}
