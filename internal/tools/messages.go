package tools

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/email"
)

const defaultMessageLimit = 50

// ListMessagesTool lists cached message envelopes of a folder
type ListMessagesTool struct {
	manager *email.Manager
	logger  *logrus.Logger
}

// NewListMessagesTool creates a new list messages tool
func NewListMessagesTool(manager *email.Manager, logger *logrus.Logger) *ListMessagesTool {
	return &ListMessagesTool{manager: manager, logger: logger}
}

// Name returns the tool name
func (t *ListMessagesTool) Name() string {
	return "list_messages"
}

// Description returns the tool description
func (t *ListMessagesTool) Description() string {
	return "List cached messages of a folder, newest first"
}

// InputSchema returns the JSON schema for tool inputs
func (t *ListMessagesTool) InputSchema() map[string]interface{} {
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
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "Optional: Maximum number of messages (default 50)",
			},
		},
		"required": []string{"account_name", "folder"},
	}
}

// Execute executes the tool
func (t *ListMessagesTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	account, err := requiredString(params, "account_name")
	if err != nil {
		return nil, err
	}
	folder, err := requiredString(params, "folder")
	if err != nil {
		return nil, err
	}
	limit, err := optionalInt(params, "limit", defaultMessageLimit)
	if err != nil {
		return nil, err
	}

	msgs, err := t.manager.Messages(ctx, account, folder, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	result := make([]map[string]interface{}, len(msgs))
	for i, msg := range msgs {
		result[i] = map[string]interface{}{
			"uid":          msg.UID,
			"message_id":   msg.MessageID,
			"subject":      msg.Subject,
			"sender_name":  msg.SenderName,
			"sender_email": msg.SenderEmail,
			"date":         msg.Date,
			"size":         msg.Size,
			"flags":        msg.Flags,
			"has_body":     msg.HasBody,
		}
	}
	return result, nil
}

// GetMessageTool retrieves a full message, fetching the body on demand
type GetMessageTool struct {
	manager *email.Manager
	logger  *logrus.Logger
}

// NewGetMessageTool creates a new get message tool
func NewGetMessageTool(manager *email.Manager, logger *logrus.Logger) *GetMessageTool {
	return &GetMessageTool{manager: manager, logger: logger}
}

// Name returns the tool name
func (t *GetMessageTool) Name() string {
	return "get_message"
}

// Description returns the tool description
func (t *GetMessageTool) Description() string {
	return "Retrieve a full message from the cache, fetching its body from the server when missing"
}

// InputSchema returns the JSON schema for tool inputs
func (t *GetMessageTool) InputSchema() map[string]interface{} {
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
			"uid": map[string]interface{}{
				"type":        "integer",
				"description": "Message UID (from list_messages)",
			},
		},
		"required": []string{"account_name", "folder", "uid"},
	}
}

// Execute executes the tool
func (t *GetMessageTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	account, err := requiredString(params, "account_name")
	if err != nil {
		return nil, err
	}
	folder, err := requiredString(params, "folder")
	if err != nil {
		return nil, err
	}
	uid, err := requiredUID(params, "uid")
	if err != nil {
		return nil, err
	}

	msg, err := t.manager.FetchBody(ctx, account, folder, uid)
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return msg, nil
}
