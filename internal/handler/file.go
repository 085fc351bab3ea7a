package handler

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/bandhub/messenger/internal/fileserver"
	"github.com/bandhub/messenger/internal/middleware"
	"github.com/bandhub/messenger/internal/service"
)

// multipart framing allowance on top of the file size limit
const multipartOverhead = 1 << 20

type FileHandler struct {
	svc           *service.Messenger
	files         *fileserver.Service
	maxUploadSize int64
}

func NewFileHandler(svc *service.Messenger, files *fileserver.Service, maxUploadSize int64) *FileHandler {
	if maxUploadSize <= 0 {
		maxUploadSize = service.DefaultMaxUploadSize
	}
	return &FileHandler{svc: svc, files: files, maxUploadSize: maxUploadSize}
}

// UploadAttachment takes multipart field "file" and returns the attachment to send with an
// image or file message.
func (h *FileHandler) UploadAttachment(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadSize+multipartOverhead)
	if err := r.ParseMultipartForm(h.maxUploadSize); err != nil {
		writeError(w, http.StatusBadRequest, "file too large")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	// One byte past the limit is enough for the service to reject it.
	data, err := io.ReadAll(io.LimitReader(file, h.maxUploadSize+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read file")
		return
	}
	ref, err := h.svc.UploadAttachment(r.Context(), chi.URLParam(r, "chatId"),
		middleware.GetUserID(r.Context()), header.Filename, data)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ref)
}

// Serve streams /api/files/{path...}.
func (h *FileHandler) Serve(w http.ResponseWriter, r *http.Request) {
	h.files.Serve(w, r, chi.URLParam(r, "*"))
}
