package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/bandhub/messenger/internal/middleware"
	"github.com/bandhub/messenger/internal/model"
	"github.com/bandhub/messenger/internal/service"
)

type MessageHandler struct {
	svc *service.Messenger
}

func NewMessageHandler(svc *service.Messenger) *MessageHandler {
	return &MessageHandler{svc: svc}
}

type SendMessageRequest struct {
	Content    string            `json:"content"`
	Kind       model.MessageKind `json:"kind"`
	ReplyTo    string            `json:"reply_to"`
	Attachment *model.Attachment `json:"attachment"`
}

type EditMessageRequest struct {
	Content string `json:"content"`
}

func (h *MessageHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.svc.GetMessages(r.Context(), chi.URLParam(r, "chatId"), middleware.GetUserID(r.Context()))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (h *MessageHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	m, err := h.svc.SendMessage(r.Context(), service.SendParams{
		ChatID:     chi.URLParam(r, "chatId"),
		SenderID:   middleware.GetUserID(r.Context()),
		Content:    req.Content,
		Kind:       req.Kind,
		ReplyTo:    req.ReplyTo,
		Attachment: req.Attachment,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (h *MessageHandler) EditMessage(w http.ResponseWriter, r *http.Request) {
	var req EditMessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	m, err := h.svc.EditMessage(r.Context(), chi.URLParam(r, "chatId"), chi.URLParam(r, "messageId"),
		middleware.GetUserID(r.Context()), req.Content)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *MessageHandler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	err := h.svc.DeleteMessage(r.Context(), chi.URLParam(r, "chatId"), chi.URLParam(r, "messageId"),
		middleware.GetUserID(r.Context()))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *MessageHandler) MarkSeen(w http.ResponseWriter, r *http.Request) {
	h.mark(w, r, h.svc.MarkSeen)
}

func (h *MessageHandler) MarkDelivered(w http.ResponseWriter, r *http.Request) {
	h.mark(w, r, h.svc.MarkDelivered)
}

func (h *MessageHandler) mark(w http.ResponseWriter, r *http.Request,
	fn func(ctx context.Context, chatID, messageID, userID string) error) {
	err := fn(r.Context(), chi.URLParam(r, "chatId"), chi.URLParam(r, "messageId"), middleware.GetUserID(r.Context()))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
