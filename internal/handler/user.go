package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/bandhub/messenger/internal/middleware"
	"github.com/bandhub/messenger/internal/service"
)

type UserHandler struct {
	svc *service.Messenger
}

func NewUserHandler(svc *service.Messenger) *UserHandler {
	return &UserHandler{svc: svc}
}

type UpdateProfileRequest struct {
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url"`
}

func (h *UserHandler) GetProfile(w http.ResponseWriter, r *http.Request) {
	h.writeUser(w, r, middleware.GetUserID(r.Context()))
}

func (h *UserHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	h.writeUser(w, r, chi.URLParam(r, "id"))
}

func (h *UserHandler) writeUser(w http.ResponseWriter, r *http.Request, id string) {
	u, err := h.svc.GetProfile(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// UpdateProfile creates or renames the caller's profile.
func (h *UserHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	var req UpdateProfileRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	u, err := h.svc.UpdateProfile(r.Context(), middleware.GetUserID(r.Context()), req.Name, req.AvatarURL)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}
