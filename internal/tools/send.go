package tools

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/email"
)

// SendEmailTool sends a new email
type SendEmailTool struct {
	manager *email.Manager
	logger  *logrus.Logger
}

// NewSendEmailTool creates a new send email tool
func NewSendEmailTool(manager *email.Manager, logger *logrus.Logger) *SendEmailTool {
	return &SendEmailTool{manager: manager, logger: logger}
}

// Name returns the tool name
func (t *SendEmailTool) Name() string {
	return "send_email"
}

// Description returns the tool description
func (t *SendEmailTool) Description() string {
	return "Send a new email with support for text, HTML, attachments, CC, BCC"
}

// InputSchema returns the JSON schema for tool inputs
func (t *SendEmailTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"account_name": map[string]interface{}{
				"type":        "string",
				"description": "Account to send from",
			},
			"to": map[string]interface{}{
				"type":        "string",
				"description": "Recipient email address(es) (comma-separated)",
			},
			"cc": map[string]interface{}{
				"type":        "string",
				"description": "Optional: CC recipients (comma-separated)",
			},
			"bcc": map[string]interface{}{
				"type":        "string",
				"description": "Optional: BCC recipients (comma-separated)",
			},
			"subject": map[string]interface{}{
				"type":        "string",
				"description": "Email subject",
			},
			"body_text": map[string]interface{}{
				"type":        "string",
				"description": "Optional: Plain text body",
			},
			"body_html": map[string]interface{}{
				"type":        "string",
				"description": "Optional: HTML body",
			},
			"attachments": map[string]interface{}{
				"type":        "array",
				"items":       map[string]interface{}{"type": "string"},
				"description": "Optional: Array of local file paths",
			},
			"reply_to": map[string]interface{}{
				"type":        "string",
				"description": "Optional: Reply-To header",
			},
			"in_reply_to": map[string]interface{}{
				"type":        "string",
				"description": "Optional: In-Reply-To header (for replies)",
			},
		},
		"required": []string{"account_name", "to", "subject"},
	}
}

// Execute executes the tool
func (t *SendEmailTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	accountName, err := requiredString(params, "account_name")
	if err != nil {
		return nil, err
	}
	to := stringList(params, "to")
	if len(to) == 0 {
		return nil, fmt.Errorf("to is required")
	}
	subject, err := requiredString(params, "subject")
	if err != nil {
		return nil, err
	}

	msg := &email.ComposedMessage{
		To:          to,
		Cc:          stringList(params, "cc"),
		Bcc:         stringList(params, "bcc"),
		Subject:     subject,
		Attachments: stringList(params, "attachments"),
		ReplyTo:     optionalString(params, "reply_to"),
		InReplyTo:   optionalString(params, "in_reply_to"),
	}
	// Bodies keep their whitespace.
	msg.BodyText, _ = params["body_text"].(string)
	msg.BodyHTML, _ = params["body_html"].(string)

	if msg.BodyText == "" && msg.BodyHTML == "" && len(msg.Attachments) == 0 {
		return nil, fmt.Errorf("either body_text, body_html or attachments is required")
	}

	res, err := t.manager.Send(ctx, accountName, msg)
	if err != nil {
		var sendErr *email.SendError
		if errors.As(err, &sendErr) {
			return map[string]interface{}{
				"success":   false,
				"failure":   sendErr.Failure.String(),
				"retryable": sendErr.Failure.Retryable(),
				"message":   err.Error(),
			}, nil
		}
		return nil, fmt.Errorf("failed to send email: %w", err)
	}

	return map[string]interface{}{
		"success":    true,
		"message":    "Email sent successfully",
		"message_id": res.MessageID,
		"recipients": res.Recipients,
		"bytes":      res.Bytes,
	}, nil
}
