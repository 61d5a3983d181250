package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/2amu/PES-FIB/internal/services"
)

// ChatHandler serves the message history of a conversation.
type ChatHandler struct {
	messages *services.MessageService
	users    *services.UserDirectory
	logger   zerolog.Logger
}

// NewChatHandler creates a new ChatHandler instance.
func NewChatHandler(messages *services.MessageService, users *services.UserDirectory, logger zerolog.Logger) *ChatHandler {
	return &ChatHandler{
		messages: messages,
		users:    users,
		logger:   logger.With().Str("component", "chat_handler").Logger(),
	}
}

// History handles GET /api/chat/{id}/
// Returns the last HistoryLimit messages, oldest first, as a bare JSON array.
// Requires "Authorization: Bearer <token>".
func (h *ChatHandler) History(w http.ResponseWriter, r *http.Request) {
	user, ok := h.users.Authenticate(bearerToken(r))
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Usuario no autenticado"})
		return
	}

	conversationID, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil || conversationID <= 0 {
		http.Error(w, "conversation ID is required", http.StatusBadRequest)
		return
	}

	entries := h.messages.GetMessages(conversationID, services.HistoryLimit)
	h.logger.Debug().
		Int("conversation", conversationID).
		Int64("user_id", user.ID).
		Int("messages", len(entries)).
		Msg("history served")
	writeJSON(w, http.StatusOK, entries)
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if len(auth) < len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}
