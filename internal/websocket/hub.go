package websocket

import (
	"encoding/json"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/2amu/PES-FIB/internal/metrics"
	"github.com/2amu/PES-FIB/internal/models"
	"github.com/2amu/PES-FIB/internal/services"
)

// Hub maintains the set of active clients and broadcasts chat messages to
// every client in the same conversation, the sender included.
type Hub struct {
	// conversations maps conversation id to the set of clients in it
	conversations map[int]map[*Client]bool

	// unregister requests from clients
	unregister chan *Client

	// incoming chat messages from clients, to be stored and broadcast
	incoming chan *IncomingMessage

	// kick closes every client of a conversation
	kick chan int

	stopChan chan struct{}
	stopOnce sync.Once

	// mutex for thread-safe conversation lookups
	mu sync.RWMutex

	// messageService for persisting messages
	messageService *services.MessageService

	logger zerolog.Logger
}

// IncomingMessage is a validated chat message from a client.
type IncomingMessage struct {
	ConversationID int
	Sender         *Client
	Mensaje        string
}

// NewHub creates a new Hub instance
func NewHub(messageService *services.MessageService, logger zerolog.Logger) *Hub {
	return &Hub{
		conversations:  make(map[int]map[*Client]bool),
		unregister:     make(chan *Client),
		incoming:       make(chan *IncomingMessage),
		kick:           make(chan int),
		stopChan:       make(chan struct{}),
		messageService: messageService,
		logger:         logger.With().Str("component", "hub").Logger(),
	}
}

// Run starts the hub's main event loop
// This should be called in a goroutine: go hub.Run()
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.unregister:
			h.unregisterClient(client)

		case msg := <-h.incoming:
			h.storeAndBroadcast(msg)

		case conversationID := <-h.kick:
			h.kickConversation(conversationID)

		case <-h.stopChan:
			h.closeAll()
			h.logger.Info().Msg("hub stopped")
			return
		}
	}
}

// Stop shuts the hub down and closes every client.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stopChan) })
}

// Kick drops every connection of a conversation, as a network failure would.
func (h *Hub) Kick(conversationID int) {
	select {
	case h.kick <- conversationID:
	case <-h.stopChan:
	}
}

// Register adds a client to a conversation. It completes before the
// client's pumps start, so early error frames always have a recipient.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.conversations[client.ConversationID] == nil {
		h.conversations[client.ConversationID] = make(map[*Client]bool)
	}

	h.conversations[client.ConversationID][client] = true
	metrics.ServerConnections.Inc()
	h.logger.Info().
		Str("peer", client.ID).
		Int("conversation", client.ConversationID).
		Int("total", len(h.conversations[client.ConversationID])).
		Msg("client joined")
}

// unregisterClient removes a client from a conversation
func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(client)
}

func (h *Hub) removeLocked(client *Client) {
	clients, ok := h.conversations[client.ConversationID]
	if !ok {
		return
	}
	if _, exists := clients[client]; !exists {
		return
	}

	delete(clients, client)
	close(client.send)
	metrics.ServerConnections.Dec()

	h.logger.Info().
		Str("peer", client.ID).
		Int("conversation", client.ConversationID).
		Int("remaining", len(clients)).
		Msg("client left")

	if len(clients) == 0 {
		delete(h.conversations, client.ConversationID)
	}
}

// storeAndBroadcast saves the message and sends the chat_message event to
// every client in the conversation.
func (h *Hub) storeAndBroadcast(msg *IncomingMessage) {
	user := msg.Sender.User
	entry := h.messageService.SaveMessage(msg.ConversationID, *user, msg.Mensaje)

	event := models.ChatEvent{
		Type:      models.MessageTypeChat,
		Mensaje:   entry.Contenido,
		User:      user.Email,
		UserID:    user.ID,
		Username:  user.Username,
		Timestamp: entry.Timestamp,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Msg("encoding chat event")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	sent := 0
	for client := range h.conversations[msg.ConversationID] {
		select {
		case client.send <- payload:
			sent++
		default:
			// Client's buffer is full, remove them
			h.removeLocked(client)
		}
	}
	h.logger.Debug().
		Int("conversation", msg.ConversationID).
		Str("user_id", strconv.FormatInt(user.ID, 10)).
		Int("recipients", sent).
		Msg("broadcast complete")
}

func (h *Hub) kickConversation(conversationID int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.conversations[conversationID] {
		h.removeLocked(client)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, clients := range h.conversations {
		for client := range clients {
			h.removeLocked(client)
		}
	}
}

// GetConversationClientCount returns the number of connected clients in a conversation
func (h *Hub) GetConversationClientCount(conversationID int) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conversations[conversationID])
}
