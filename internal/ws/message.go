package ws

import (
	"github.com/bandhub/messenger/internal/model"
)

type EventType string

// Client -> server.
const (
	EventSubscribeChats      EventType = "subscribe_chats"
	EventUnsubscribeChats    EventType = "unsubscribe_chats"
	EventSubscribeMessages   EventType = "subscribe_messages"
	EventUnsubscribeMessages EventType = "unsubscribe_messages"
	EventSendMessage         EventType = "send_message"
	EventEditMessage         EventType = "edit_message"
	EventDeleteMessage       EventType = "delete_message"
	EventMarkSeen            EventType = "mark_seen"
	EventMarkDelivered       EventType = "mark_delivered"
)

// Server -> client.
const (
	EventChatsSnapshot    EventType = "chats_snapshot"
	EventMessagesSnapshot EventType = "messages_snapshot"
	EventAck              EventType = "ack"
	EventError            EventType = "error"
)

// IncomingMessage is what the client sends to the server. RequestID, when set, is echoed
// on the matching ack or error.
type IncomingMessage struct {
	Type      EventType `json:"type"`
	RequestID string    `json:"request_id,omitempty"`
	ChatID    string    `json:"chat_id,omitempty"`
	MessageID string    `json:"message_id,omitempty"`
	Content   string    `json:"content,omitempty"`

	Kind       model.MessageKind `json:"kind,omitempty"`
	Attachment *model.Attachment `json:"attachment,omitempty"`
	ReplyTo    string            `json:"reply_to,omitempty"`
}

// OutgoingMessage is what the server sends to the client.
type OutgoingMessage struct {
	Type      EventType `json:"type"`
	RequestID string    `json:"request_id,omitempty"`
	Payload   any       `json:"payload"`
}

// MessagesSnapshotPayload carries the full ordered log of one chat.
type MessagesSnapshotPayload struct {
	ChatID   string          `json:"chat_id"`
	Messages []model.Message `json:"messages"`
}

// AckPayload confirms a command; Message is set for send and edit.
type AckPayload struct {
	Event   EventType      `json:"event"`
	ChatID  string         `json:"chat_id,omitempty"`
	Message *model.Message `json:"message,omitempty"`
}
