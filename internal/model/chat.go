package model

import (
	"sort"
	"strings"
	"time"
)

type ChatKind string

const (
	ChatKindDirect ChatKind = "direct"
	ChatKindGroup  ChatKind = "group"
)

const (
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// Chat is the stored directory record. Participants are kept sorted by join order.
type Chat struct {
	ID                 string     `json:"id"`
	Kind               ChatKind   `json:"kind"`
	Name               string     `json:"name,omitempty"`
	AdminID            string     `json:"admin_id,omitempty"`
	Participants       []string   `json:"participants"`
	LastMessageID      string     `json:"last_message_id,omitempty"`
	LastMessagePreview string     `json:"last_message_preview,omitempty"`
	LastMessageAt      *time.Time `json:"last_message_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	Seq                int64      `json:"-"`
}

func (c *Chat) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// ChatView is a chat as one viewer sees it.
type ChatView struct {
	ID                 string     `json:"id"`
	Kind               ChatKind   `json:"kind"`
	DisplayName        string     `json:"display_name"`
	Participants       []string   `json:"participants"`
	LastMessagePreview string     `json:"last_message_preview,omitempty"`
	LastMessageAt      *time.Time `json:"last_message_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	Seq                int64      `json:"-"`
}

// DirectKey is the order-independent identity of a direct chat between a and b.
func DirectKey(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return strings.Join(pair, ":")
}
