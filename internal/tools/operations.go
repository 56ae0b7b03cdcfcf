package tools

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/email"
)

// ListOperationsTool reports in-flight operations
type ListOperationsTool struct {
	manager *email.Manager
	logger  *logrus.Logger
}

// NewListOperationsTool creates a new list operations tool
func NewListOperationsTool(manager *email.Manager, logger *logrus.Logger) *ListOperationsTool {
	return &ListOperationsTool{manager: manager, logger: logger}
}

// Name returns the tool name
func (t *ListOperationsTool) Name() string {
	return "list_operations"
}

// Description returns the tool description
func (t *ListOperationsTool) Description() string {
	return "List running and queued operations with their progress"
}

// InputSchema returns the JSON schema for tool inputs
func (t *ListOperationsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"account_name": map[string]interface{}{
				"type":        "string",
				"description": "Optional: Only operations of this account",
			},
			"include_finished": map[string]interface{}{
				"type":        "boolean",
				"description": "Optional: Also return recently finished operations",
			},
		},
	}
}

// Execute executes the tool
func (t *ListOperationsTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	account := optionalString(params, "account_name")
	result := map[string]interface{}{
		"active": t.manager.Operations(account),
	}
	if optionalBool(params, "include_finished", false) {
		result["finished"] = t.manager.Tracker().History()
	}
	return result, nil
}

// CancelOperationTool requests cancellation of an operation
type CancelOperationTool struct {
	manager *email.Manager
	logger  *logrus.Logger
}

// NewCancelOperationTool creates a new cancel operation tool
func NewCancelOperationTool(manager *email.Manager, logger *logrus.Logger) *CancelOperationTool {
	return &CancelOperationTool{manager: manager, logger: logger}
}

// Name returns the tool name
func (t *CancelOperationTool) Name() string {
	return "cancel_operation"
}

// Description returns the tool description
func (t *CancelOperationTool) Description() string {
	return "Cancel a running or queued operation by ID"
}

// InputSchema returns the JSON schema for tool inputs
func (t *CancelOperationTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"operation_id": map[string]interface{}{
				"type":        "string",
				"description": "Operation ID (from list_operations)",
			},
		},
		"required": []string{"operation_id"},
	}
}

// Execute executes the tool
func (t *CancelOperationTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	id, err := requiredString(params, "operation_id")
	if err != nil {
		return nil, err
	}
	if err := t.manager.CancelOperation(id); err != nil {
		return nil, fmt.Errorf("failed to cancel operation: %w", err)
	}
	t.logger.WithField("operation", id).Info("Operation cancellation requested")
	return map[string]interface{}{
		"operation_id": id,
		"cancelled":    true,
	}, nil
}
