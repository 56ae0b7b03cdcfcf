package types

import (
	"strings"
	"time"
)

// Standard IMAP system flags the local model cares about.
const (
	FlagSeen    = `\Seen`
	FlagFlagged = `\Flagged`
	FlagDeleted = `\Deleted`
)

// Message represents the locally cached metadata of a server message.
// Identity is (AccountName, FolderPath, UID).
type Message struct {
	ID          int64                  `json:"id"`
	AccountName string                 `json:"account_name"`
	FolderPath  string                 `json:"folder_path"`
	UID         uint32                 `json:"uid"`
	MessageID   string                 `json:"message_id"`
	InReplyTo   string                 `json:"in_reply_to,omitempty"`
	References  []string               `json:"references,omitempty"`
	Subject     string                 `json:"subject"`
	SenderName  string                 `json:"sender_name"`
	SenderEmail string                 `json:"sender_email"`
	Recipients  []string               `json:"recipients"`
	Date        time.Time              `json:"date"`
	Size        uint32                 `json:"size"`
	Flags       []string               `json:"flags,omitempty"`
	HasBody     bool                   `json:"has_body"`
	BodyText    string                 `json:"body_text,omitempty"`
	BodyHTML    string                 `json:"body_html,omitempty"`
	Attachments []AttachmentDescriptor `json:"attachments,omitempty"`
	CachedAt    time.Time              `json:"cached_at"`
}

// Seen reports whether the message carries the \Seen flag.
func (m *Message) Seen() bool {
	return m.hasFlag(FlagSeen)
}

// Flagged reports whether the message carries the \Flagged flag.
func (m *Message) Flagged() bool {
	return m.hasFlag(FlagFlagged)
}

func (m *Message) hasFlag(flag string) bool {
	for _, f := range m.Flags {
		if strings.EqualFold(f, flag) {
			return true
		}
	}
	return false
}

// AttachmentDescriptor describes a single MIME part well enough to fetch it
// again without downloading the whole message.
type AttachmentDescriptor struct {
	PartPath string `json:"part_path"`
	FileName string `json:"file_name"`
	MIMEType string `json:"mime_type"`
	Encoding string `json:"encoding,omitempty"`
	Size     uint32 `json:"size"`
}

// Body is the on-demand content of a message.
type Body struct {
	Text        string                 `json:"text,omitempty"`
	HTML        string                 `json:"html,omitempty"`
	Attachments []AttachmentDescriptor `json:"attachments,omitempty"`
}
