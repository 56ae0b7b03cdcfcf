package tools

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/email"
)

// SyncAccountTool runs a folder and message sync
type SyncAccountTool struct {
	manager *email.Manager
	logger  *logrus.Logger
}

// NewSyncAccountTool creates a new sync account tool
func NewSyncAccountTool(manager *email.Manager, logger *logrus.Logger) *SyncAccountTool {
	return &SyncAccountTool{manager: manager, logger: logger}
}

// Name returns the tool name
func (t *SyncAccountTool) Name() string {
	return "sync_account"
}

// Description returns the tool description
func (t *SyncAccountTool) Description() string {
	return "Synchronize the folder list and messages of an account, or of a single folder"
}

// InputSchema returns the JSON schema for tool inputs
func (t *SyncAccountTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"account_name": map[string]interface{}{
				"type":        "string",
				"description": "Optional: Account name (all accounts when omitted)",
			},
			"folder": map[string]interface{}{
				"type":        "string",
				"description": "Optional: Only synchronize this folder",
			},
		},
	}
}

// Execute executes the tool
func (t *SyncAccountTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	account := optionalString(params, "account_name")
	folder := optionalString(params, "folder")

	switch {
	case account == "" && folder != "":
		return nil, fmt.Errorf("account_name is required when folder is set")
	case account == "":
		results, err := t.manager.SyncAll(ctx)
		if err != nil {
			// Accounts that synced are still reported.
			t.logger.WithError(err).Warn("Some accounts failed to sync")
			return map[string]interface{}{"results": results, "error": err.Error()}, nil
		}
		return map[string]interface{}{"results": results}, nil
	case folder != "":
		delta, err := t.manager.SyncFolder(ctx, account, folder)
		if err != nil {
			return nil, fmt.Errorf("failed to sync folder: %w", err)
		}
		return map[string]interface{}{
			"account_name": account,
			"folder":       folder,
			"messages":     delta,
		}, nil
	default:
		res, err := t.manager.SyncAccount(ctx, account)
		if err != nil {
			return nil, fmt.Errorf("failed to sync account: %w", err)
		}
		return res, nil
	}
}
