package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bandhub/messenger/internal/apperr"
	"github.com/bandhub/messenger/internal/events"
	"github.com/bandhub/messenger/internal/logger"
	"github.com/bandhub/messenger/internal/model"
	"github.com/bandhub/messenger/internal/observability"
	"github.com/bandhub/messenger/internal/subscription"
)

type SendParams struct {
	ChatID     string
	SenderID   string
	Content    string
	Kind       model.MessageKind
	ReplyTo    string
	Attachment *model.Attachment
}

// SendMessage validates p and appends it to the chat log. The append and the chat summary
// update commit together. An empty Kind means text.
func (m *Messenger) SendMessage(ctx context.Context, p SendParams) (*model.Message, error) {
	if p.Kind == "" {
		p.Kind = model.MessageKindText
	}
	if !p.Kind.Valid() {
		return nil, apperr.InvalidArgument("unknown message kind %q", p.Kind)
	}
	content := p.Content
	switch p.Kind {
	case model.MessageKindText:
		if strings.TrimSpace(content) == "" {
			return nil, apperr.InvalidArgument("message content is empty")
		}
		p.Attachment = nil
	default:
		if p.Attachment == nil || strings.TrimSpace(p.Attachment.URL) == "" {
			return nil, apperr.InvalidArgument("%s message needs an attachment url", p.Kind)
		}
		if strings.TrimSpace(content) == "" {
			content = p.Attachment.Name
		}
	}

	if _, err := m.CheckParticipant(ctx, p.ChatID, p.SenderID); err != nil {
		return nil, err
	}

	var replyTo *string
	if id := strings.TrimSpace(p.ReplyTo); id != "" {
		if _, err := m.messages.Get(ctx, p.ChatID, id); err != nil {
			if errors.Is(err, apperr.ErrNotFound) {
				return nil, apperr.InvalidArgument("reply target %s is not in chat %s", id, p.ChatID)
			}
			return nil, err
		}
		replyTo = &id
	}

	msg := &model.Message{
		ChatID:      p.ChatID,
		SenderID:    p.SenderID,
		Content:     content,
		Kind:        p.Kind,
		Attachment:  p.Attachment,
		ReplyTo:     replyTo,
		SeenBy:      []string{p.SenderID},
		DeliveredTo: []string{p.SenderID},
	}
	if err := m.messages.Append(ctx, msg, model.Preview(msg.Kind, msg.Content)); err != nil {
		return nil, err
	}
	observability.IncMessageSent(string(msg.Kind))
	logger.Debugf("message sent chat=%s id=%s kind=%s", msg.ChatID, msg.ID, msg.Kind)
	m.emit(ctx, events.MessageSent, msg.SenderID, msg.ChatID, msg)
	return msg, nil
}

// EditMessage replaces the content of a message in place. Only its sender may edit.
func (m *Messenger) EditMessage(ctx context.Context, chatID, messageID, callerID, content string) (*model.Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, apperr.InvalidArgument("message content is empty")
	}
	msg, err := m.messages.Get(ctx, chatID, messageID)
	if err != nil {
		return nil, err
	}
	if msg.SenderID != callerID {
		return nil, apperr.PermissionDenied("only the sender can edit message %s", messageID)
	}

	editedAt := m.now().UTC()
	patch := model.MessagePatch{Content: &content, EditedAt: &editedAt}
	if err := m.messages.Mutate(ctx, chatID, messageID, patch, model.Preview(msg.Kind, content)); err != nil {
		return nil, err
	}
	updated, err := m.messages.Get(ctx, chatID, messageID)
	if err != nil {
		return nil, err
	}
	m.emit(ctx, events.MessageEdited, callerID, chatID, updated)
	return updated, nil
}

// DeleteMessage removes a message for everyone. Only its sender may delete.
func (m *Messenger) DeleteMessage(ctx context.Context, chatID, messageID, callerID string) error {
	msg, err := m.messages.Get(ctx, chatID, messageID)
	if err != nil {
		return err
	}
	if msg.SenderID != callerID {
		return apperr.PermissionDenied("only the sender can delete message %s", messageID)
	}
	if err := m.messages.Delete(ctx, chatID, messageID); err != nil {
		return err
	}
	m.emit(ctx, events.MessageDeleted, callerID, chatID, map[string]string{"message_id": messageID})
	return nil
}

// MarkSeen adds userID to the message's seen set. Repeating it is a no-op.
func (m *Messenger) MarkSeen(ctx context.Context, chatID, messageID, userID string) error {
	if _, err := m.CheckParticipant(ctx, chatID, userID); err != nil {
		return err
	}
	return m.messages.Mutate(ctx, chatID, messageID, model.MessagePatch{SeenBy: userID}, "")
}

// MarkDelivered adds userID to the message's delivered set. Repeating it is a no-op.
func (m *Messenger) MarkDelivered(ctx context.Context, chatID, messageID, userID string) error {
	if _, err := m.CheckParticipant(ctx, chatID, userID); err != nil {
		return err
	}
	return m.messages.Mutate(ctx, chatID, messageID, model.MessagePatch{DeliveredTo: userID}, "")
}

// GetMessages returns the chat log in (timestamp, seq) order for a participant.
func (m *Messenger) GetMessages(ctx context.Context, chatID, viewerID string) ([]model.Message, error) {
	if _, err := m.CheckParticipant(ctx, chatID, viewerID); err != nil {
		return nil, err
	}
	msgs, err := m.messages.List(ctx, chatID)
	if err != nil {
		return nil, err
	}
	subscription.SortMessages(msgs)
	return msgs, nil
}
