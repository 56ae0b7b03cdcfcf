package tools

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/email"
)

// FetchAttachmentTool downloads one message part
type FetchAttachmentTool struct {
	manager *email.Manager
	logger  *logrus.Logger
}

// NewFetchAttachmentTool creates a new fetch attachment tool
func NewFetchAttachmentTool(manager *email.Manager, logger *logrus.Logger) *FetchAttachmentTool {
	return &FetchAttachmentTool{manager: manager, logger: logger}
}

// Name returns the tool name
func (t *FetchAttachmentTool) Name() string {
	return "fetch_attachment"
}

// Description returns the tool description
func (t *FetchAttachmentTool) Description() string {
	return "Download an attachment to a file, or return it base64 encoded"
}

// InputSchema returns the JSON schema for tool inputs
func (t *FetchAttachmentTool) InputSchema() map[string]interface{} {
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
				"description": "Message UID",
			},
			"part": map[string]interface{}{
				"type":        "string",
				"description": "MIME part path, e.g. 2 or 1.2 (from get_message attachments)",
			},
			"output_path": map[string]interface{}{
				"type":        "string",
				"description": "Optional: File to write; content is returned inline when omitted",
			},
		},
		"required": []string{"account_name", "folder", "uid", "part"},
	}
}

// Execute executes the tool
func (t *FetchAttachmentTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
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
	part, err := requiredString(params, "part")
	if err != nil {
		return nil, err
	}

	result := map[string]interface{}{
		"account_name": account,
		"folder":       folder,
		"uid":          uid,
		"part":         part,
	}

	if out := optionalString(params, "output_path"); out != "" {
		n, err := t.fetchToFile(ctx, account, folder, uid, part, out)
		if err != nil {
			return nil, err
		}
		result["output_path"] = out
		result["bytes"] = n
		result["size"] = humanize.Bytes(uint64(n))
		return result, nil
	}

	var buf bytes.Buffer
	n, err := t.manager.FetchAttachment(ctx, account, folder, uid, part, &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch attachment: %w", err)
	}
	result["bytes"] = n
	result["size"] = humanize.Bytes(uint64(n))
	result["content_base64"] = base64.StdEncoding.EncodeToString(buf.Bytes())
	return result, nil
}

// fetchToFile removes the partial file when the transfer fails.
func (t *FetchAttachmentTool) fetchToFile(ctx context.Context, account, folder string, uid uint32, part, path string) (int64, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return 0, fmt.Errorf("failed to create output file: %w", err)
	}

	n, err := t.manager.FetchAttachment(ctx, account, folder, uid, part, f)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		if rerr := os.Remove(path); rerr != nil {
			t.logger.WithError(rerr).WithField("path", path).Warn("Could not remove partial attachment")
		}
		return 0, fmt.Errorf("failed to fetch attachment: %w", err)
	}

	t.logger.WithFields(logrus.Fields{
		"account": account,
		"folder":  folder,
		"uid":     uid,
		"path":    path,
		"bytes":   n,
	}).Info("Attachment saved")
	return n, nil
}
