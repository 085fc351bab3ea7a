package handler

import (
	"net/http"

	"github.com/bandhub/messenger/internal/middleware"
	"github.com/bandhub/messenger/internal/service"
)

type ChatHandler struct {
	svc *service.Messenger
}

func NewChatHandler(svc *service.Messenger) *ChatHandler {
	return &ChatHandler{svc: svc}
}

type CreateDirectChatRequest struct {
	UserID string `json:"user_id"`
}

type CreateGroupChatRequest struct {
	Name      string   `json:"name"`
	MemberIDs []string `json:"member_ids"`
}

// GetChats lists the caller's chats, newest activity first.
func (h *ChatHandler) GetChats(w http.ResponseWriter, r *http.Request) {
	chats, err := h.svc.ListChats(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chats)
}

// CreateDirectChat returns the caller's direct chat with req.UserID, creating it if needed.
func (h *ChatHandler) CreateDirectChat(w http.ResponseWriter, r *http.Request) {
	var req CreateDirectChatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	userID := middleware.GetUserID(r.Context())
	c, err := h.svc.CreateDirectChat(r.Context(), userID, req.UserID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	view, err := h.svc.GetChat(r.Context(), c.ID, userID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// CreateGroupChat creates a group administered by the caller, who is always a member.
func (h *ChatHandler) CreateGroupChat(w http.ResponseWriter, r *http.Request) {
	var req CreateGroupChatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	userID := middleware.GetUserID(r.Context())
	members := append([]string{userID}, req.MemberIDs...)
	c, err := h.svc.CreateGroupChat(r.Context(), req.Name, members, userID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	view, err := h.svc.GetChat(r.Context(), c.ID, userID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}
