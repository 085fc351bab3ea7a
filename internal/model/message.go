package model

import "time"

type MessageKind string

const (
	MessageKindText  MessageKind = "text"
	MessageKindImage MessageKind = "image"
	MessageKindFile  MessageKind = "file"
)

func (k MessageKind) Valid() bool {
	switch k {
	case MessageKindText, MessageKindImage, MessageKindFile:
		return true
	}
	return false
}

// Attachment references an uploaded blob.
type Attachment struct {
	URL  string `json:"url"`
	Name string `json:"name"`
	Size int64  `json:"size"`
}

type Message struct {
	ID          string      `json:"id"`
	ChatID      string      `json:"chat_id"`
	SenderID    string      `json:"sender_id"`
	Content     string      `json:"content"`
	Kind        MessageKind `json:"kind"`
	Attachment  *Attachment `json:"attachment,omitempty"`
	ReplyTo     *string     `json:"reply_to,omitempty"`
	Timestamp   time.Time   `json:"timestamp"`
	Seq         int64       `json:"seq"`
	IsEdited    bool        `json:"is_edited"`
	EditedAt    *time.Time  `json:"edited_at,omitempty"`
	SeenBy      []string    `json:"seen_by"`
	DeliveredTo []string    `json:"delivered_to"`
}

// MessagePatch is an in-place mutation. Empty fields are left untouched;
// SeenBy and DeliveredTo are unioned into the existing sets.
type MessagePatch struct {
	Content     *string
	EditedAt    *time.Time
	SeenBy      string
	DeliveredTo string
}

// Before reports whether m sorts before o within a chat.
func (m *Message) Before(o *Message) bool {
	if !m.Timestamp.Equal(o.Timestamp) {
		return m.Timestamp.Before(o.Timestamp)
	}
	return m.Seq < o.Seq
}

// Preview is the chat-list summary for a message of kind k.
func Preview(k MessageKind, content string) string {
	switch k {
	case MessageKindImage:
		return "📷 Photo"
	case MessageKindFile:
		return "📎 File"
	}
	return content
}
