package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"securechat/internal/config"
	"securechat/internal/service"
)

// Services are the orchestrator entry points the HTTP layer calls.
type Services struct {
	Auth       *service.AuthService
	Rooms      *service.RoomService
	Messages   *service.MessageService
	Encryption *service.EncryptionService
}

// NewRouter constructs the main HTTP router. socket, when non-nil, is
// mounted at /ws; notify, when non-nil, receives room events for changes
// made over HTTP.
func NewRouter(cfg *config.Config, log *zap.Logger, svc Services, socket http.Handler, notify RoomNotifier) http.Handler {
	log = log.With(zap.String("component", "http"))
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token", PasswordHeader},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))

		r.Route("/auth", func(r chi.Router) {
			r.Post("/register", handleRegister(svc.Auth, log))
			r.Post("/login", handleLogin(svc.Auth, log))
		})

		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(svc.Auth))

			r.Get("/auth/me", handleMe())

			r.Route("/encryption", func(r chi.Router) {
				r.Post("/init", handleInitEncryption(svc.Encryption, log))
				r.Post("/rotate", handleRotateKeys(svc.Encryption, log))
				r.Get("/status", handleEncryptionStatus(svc.Encryption, log))
			})

			r.Route("/rooms", func(r chi.Router) {
				r.Post("/", handleCreateRoom(svc.Rooms, log))
				r.Get("/", handleListRooms(svc.Rooms, log))
				r.Route("/{roomID}", func(r chi.Router) {
					r.Get("/", handleGetRoom(svc.Rooms, log))
					r.Patch("/", handleUpdateRoom(svc.Rooms, log))
					r.Post("/participants", handleAddParticipant(svc.Rooms, log))
					r.Delete("/participants/{userID}", handleRemoveParticipant(svc.Rooms, log))
					r.Post("/rotate-key", handleRotateRoomKey(svc.Rooms, log))
					r.Get("/session", handleSessionSecret(svc.Rooms, log))
					r.Get("/messages", handleListMessages(svc.Messages, log))
					r.Post("/messages", handleCreateMessage(svc.Messages, notify, log))
					r.Delete("/messages", handlePurgeMessages(svc.Rooms, log))
				})
			})

			r.Post("/workspaces/{workspaceID}/general-room", handleEnsureGeneralRoom(svc.Rooms, log))

			r.Route("/messages/{messageID}", func(r chi.Router) {
				r.Patch("/", handleEditMessage(svc.Messages, log))
				r.Delete("/", handleDeleteMessage(svc.Messages, log))
				r.Post("/read", handleMarkRead(svc.Messages, log))
				r.Post("/reactions", handleAddReaction(svc.Messages, notify, log))
				r.Delete("/reactions", handleRemoveReaction(svc.Messages, notify, log))
			})

			r.Mount("/uploads", UploadRoutes(cfg.UploadDir, cfg.MaxUploadBytes, log))
		})
	})

	if socket != nil {
		r.Get("/ws", socket.ServeHTTP)
	}

	return r
}
