package websocket

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/2amu/PES-FIB/internal/models"
	"github.com/2amu/PES-FIB/internal/services"
)

// upgrader upgrades HTTP connections to WebSocket
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Allow connections from any origin (CORS handled by middleware)
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler handles WebSocket connections
type Handler struct {
	hub    *Hub
	users  *services.UserDirectory
	logger zerolog.Logger
}

// NewHandler creates a new WebSocket handler
func NewHandler(hub *Hub, users *services.UserDirectory, logger zerolog.Logger) *Handler {
	return &Handler{hub: hub, users: users, logger: logger.With().Str("component", "ws").Logger()}
}

// ServeWS handles WebSocket upgrade requests at /ws/chat/{id}/?token=...
//
// An unknown token still gets a connection; its frames are answered with
// an error frame instead of being broadcast.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conversationID, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil || conversationID <= 0 {
		http.Error(w, "conversation ID required", http.StatusBadRequest)
		return
	}

	var user *models.User
	if u, ok := h.users.Authenticate(r.URL.Query().Get("token")); ok {
		user = &u
	}

	// Upgrade HTTP connection to WebSocket
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("upgrade failed")
		return
	}

	client := NewClient(h.hub, conn, uuid.NewString(), conversationID, user)
	event := h.logger.Info().Str("peer", client.ID).Int("conversation", conversationID)
	if user != nil {
		event = event.Int64("user_id", user.ID)
	}
	event.Bool("authenticated", user != nil).Msg("new connection")

	h.hub.Register(client)

	// Start read/write pumps in separate goroutines
	go client.WritePump()
	go client.ReadPump()
}
