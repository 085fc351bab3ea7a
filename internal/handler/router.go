package handler

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bandhub/messenger/internal/fileserver"
	"github.com/bandhub/messenger/internal/middleware"
	"github.com/bandhub/messenger/internal/observability"
	"github.com/bandhub/messenger/internal/service"
	"github.com/bandhub/messenger/internal/ws"
)

type RouterConfig struct {
	Messenger      *service.Messenger
	Files          *fileserver.Service
	Hub            *ws.Hub
	MaxUploadSize  int64
	AllowedOrigins string
	// Auth authenticates /api and /ws; nil means middleware.HeaderAuth.
	Auth func(http.Handler) http.Handler
}

func NewRouter(rc RouterConfig) http.Handler {
	chatH := NewChatHandler(rc.Messenger)
	msgH := NewMessageHandler(rc.Messenger)
	fileH := NewFileHandler(rc.Messenger, rc.Files, rc.MaxUploadSize)
	userH := NewUserHandler(rc.Messenger)
	wsH := NewWSHandler(rc.Hub, rc.AllowedOrigins)
	auth := rc.Auth
	if auth == nil {
		auth = middleware.HeaderAuth
	}

	origins := []string{"*"}
	if o := strings.TrimSpace(rc.AllowedOrigins); o != "" && o != "*" {
		origins = strings.Split(o, ",")
	}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(middleware.RecoverJSON)
	r.Use(middleware.RequestLog)
	r.Use(observability.HTTPMetrics)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Session-Id", "X-Timestamp", "X-Signature", "X-User-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.With(middleware.InternalOnly).Handle("/metrics", promhttp.Handler())
	r.Get("/api/files/*", fileH.Serve)

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Use(middleware.RateLimitAPI)

		r.Get("/api/users/me", userH.GetProfile)
		r.Put("/api/users/me", userH.UpdateProfile)
		r.Get("/api/users/{id}", userH.GetUser)

		r.Get("/api/chats", chatH.GetChats)
		r.Post("/api/chats/direct", chatH.CreateDirectChat)
		r.Post("/api/chats/group", chatH.CreateGroupChat)
		r.Get("/api/chats/{chatId}/messages", msgH.GetMessages)
		r.Post("/api/chats/{chatId}/messages", msgH.SendMessage)
		r.Put("/api/chats/{chatId}/messages/{messageId}", msgH.EditMessage)
		r.Delete("/api/chats/{chatId}/messages/{messageId}", msgH.DeleteMessage)
		r.Post("/api/chats/{chatId}/messages/{messageId}/seen", msgH.MarkSeen)
		r.Post("/api/chats/{chatId}/messages/{messageId}/delivered", msgH.MarkDelivered)
		r.Post("/api/chats/{chatId}/attachments", fileH.UploadAttachment)
	})

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Get("/ws", wsH.ServeWS)
	})
	return r
}
