// Package resolver turns stored chat records into what one viewer sees: the structurally
// correct kind, a display name, and the chat-list order.
package resolver

import (
	"context"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/bandhub/messenger/internal/logger"
	"github.com/bandhub/messenger/internal/model"
	"github.com/bandhub/messenger/internal/storage"
)

const (
	FallbackGroupName = "Group Chat"
	UnknownUser       = "Unknown User"

	defaultLookupParallelism = 8
)

type Resolver struct {
	profiles    storage.ProfileResolver
	parallelism int
}

func New(profiles storage.ProfileResolver) *Resolver {
	return &Resolver{profiles: profiles, parallelism: defaultLookupParallelism}
}

// Kind prefers the participant count over the stored kind: more than two members is a group.
func Kind(c *model.Chat) model.ChatKind {
	if len(c.Participants) > 2 {
		return model.ChatKindGroup
	}
	if c.Kind == model.ChatKindGroup {
		return model.ChatKindGroup
	}
	return model.ChatKindDirect
}

// counterpart returns the first participant that is not the viewer.
func counterpart(c *model.Chat, viewerID string) string {
	for _, p := range c.Participants {
		if p != viewerID {
			return p
		}
	}
	return ""
}

// Resolve builds the view of a single chat. Profile lookup failures degrade to UnknownUser.
func (r *Resolver) Resolve(ctx context.Context, c *model.Chat, viewerID string) model.ChatView {
	names := r.lookup(ctx, []model.Chat{*c}, viewerID)
	return build(c, viewerID, names)
}

// ResolveAll resolves chats for viewerID and returns them in chat-list order. Each distinct
// counterpart is looked up once, concurrently.
func (r *Resolver) ResolveAll(ctx context.Context, chats []model.Chat, viewerID string) []model.ChatView {
	names := r.lookup(ctx, chats, viewerID)
	views := make([]model.ChatView, 0, len(chats))
	for i := range chats {
		views = append(views, build(&chats[i], viewerID, names))
	}
	SortChats(views)
	return views
}

func (r *Resolver) lookup(ctx context.Context, chats []model.Chat, viewerID string) map[string]string {
	ids := make(map[string]struct{})
	for i := range chats {
		if Kind(&chats[i]) != model.ChatKindDirect {
			continue
		}
		if id := counterpart(&chats[i], viewerID); id != "" {
			ids[id] = struct{}{}
		}
	}

	var (
		mu    sync.Mutex
		names = make(map[string]string, len(ids))
		g     errgroup.Group
	)
	g.SetLimit(r.parallelism)
	for id := range ids {
		id := id
		g.Go(func() error {
			name, err := r.profiles.DisplayName(ctx, id)
			if err != nil {
				logger.Debugf("resolver: display name user=%s: %v", id, err)
				return nil
			}
			if name = strings.TrimSpace(name); name == "" {
				return nil
			}
			mu.Lock()
			names[id] = name
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return names
}

func build(c *model.Chat, viewerID string, names map[string]string) model.ChatView {
	v := model.ChatView{
		ID:                 c.ID,
		Kind:               Kind(c),
		Participants:       append([]string(nil), c.Participants...),
		LastMessagePreview: c.LastMessagePreview,
		LastMessageAt:      c.LastMessageAt,
		CreatedAt:          c.CreatedAt,
		Seq:                c.Seq,
	}
	switch v.Kind {
	case model.ChatKindGroup:
		v.DisplayName = strings.TrimSpace(c.Name)
		if v.DisplayName == "" {
			v.DisplayName = FallbackGroupName
		}
	default:
		v.DisplayName = UnknownUser
		if name, ok := names[counterpart(c, viewerID)]; ok {
			v.DisplayName = name
		}
	}
	return v
}

// SortChats orders by last message time, newest first. Chats without messages go last.
// Equal times, and the message-less tail, fall back to creation order.
func SortChats(views []model.ChatView) {
	sort.SliceStable(views, func(i, j int) bool {
		a, b := views[i], views[j]
		switch {
		case a.LastMessageAt != nil && b.LastMessageAt == nil:
			return true
		case a.LastMessageAt == nil && b.LastMessageAt != nil:
			return false
		case a.LastMessageAt != nil && !a.LastMessageAt.Equal(*b.LastMessageAt):
			return a.LastMessageAt.After(*b.LastMessageAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		if a.Seq != b.Seq {
			return a.Seq < b.Seq
		}
		return a.ID < b.ID
	})
}
