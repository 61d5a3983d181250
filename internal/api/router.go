package api

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/2amu/PES-FIB/internal/api/middleware"
	"github.com/2amu/PES-FIB/internal/handlers"
	"github.com/2amu/PES-FIB/internal/services"
	"github.com/2amu/PES-FIB/internal/websocket"
)

// RouterConfig holds what the dev server router serves.
type RouterConfig struct {
	Logger      zerolog.Logger
	CorsOrigins []string
	Hub         *websocket.Hub
	Messages    *services.MessageService
	Users       *services.UserDirectory
}

// NewRouter creates the dev server router. It speaks the same chat
// protocol as the production backend: a history endpoint and a WebSocket.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(cfg.Logger))
	r.Use(chimw.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CorsOrigins,
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	chat := handlers.NewChatHandler(cfg.Messages, cfg.Users, cfg.Logger)
	ws := websocket.NewHandler(cfg.Hub, cfg.Users, cfg.Logger)

	r.Get("/health", handlers.HealthCheck)
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/api/chat/{id}/", chat.History)
	r.Get("/ws/chat/{id}/", ws.ServeWS)

	return r
}
