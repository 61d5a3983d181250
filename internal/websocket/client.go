package websocket

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2amu/PES-FIB/internal/models"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 64 * 1024
)

// Error frames, worded as the production backend words them.
const (
	errInvalidJSON     = "Formato JSON inválido"
	errMissingMensaje  = `El campo "mensaje" es obligatorio`
	errUnauthenticated = "Usuario no autenticado"
)

// Client represents a single WebSocket connection to the dev server
type Client struct {
	hub *Hub

	// WebSocket connection
	conn *websocket.Conn

	// Buffered channel of outbound messages
	send chan []byte

	// ID identifies the connection in logs
	ID string

	// Conversation this client belongs to
	ConversationID int

	// User is nil when the token did not match anyone
	User *models.User
}

// NewClient creates a new Client instance
func NewClient(hub *Hub, conn *websocket.Conn, id string, conversationID int, user *models.User) *Client {
	return &Client{
		hub:            hub,
		conn:           conn,
		send:           make(chan []byte, 256),
		ID:             id,
		ConversationID: conversationID,
		User:           user,
	}
}

// ReadPump pumps messages from the WebSocket connection to the hub
// This runs in its own goroutine per client
func (c *Client) ReadPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.stopChan:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn().Err(err).Str("peer", c.ID).Msg("read error")
			}
			break
		}

		var frame struct {
			Mensaje *string `json:"mensaje"`
		}
		if err := json.Unmarshal(message, &frame); err != nil {
			c.reject(errInvalidJSON)
			continue
		}
		if frame.Mensaje == nil || strings.TrimSpace(*frame.Mensaje) == "" {
			c.reject(errMissingMensaje)
			continue
		}
		if c.User == nil {
			c.reject(errUnauthenticated)
			continue
		}

		select {
		case c.hub.incoming <- &IncomingMessage{ConversationID: c.ConversationID, Sender: c, Mensaje: *frame.Mensaje}:
		case <-c.hub.stopChan:
			return
		}
	}
}

// reject answers this client only with an error frame.
func (c *Client) reject(reason string) {
	c.hub.logger.Debug().Str("peer", c.ID).Str("reason", reason).Msg("rejecting frame")
	payload, err := json.Marshal(models.ErrorFrame{Error: reason})
	if err != nil {
		c.hub.logger.Error().Err(err).Msg("encoding error frame")
		return
	}

	// send is closed by the hub on unregister; hold the lock the hub mutates under
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if !c.hub.conversations[c.ConversationID][c] {
		return
	}
	select {
	case c.send <- payload:
	default:
	}
}

// WritePump pumps messages from the hub to the WebSocket connection
// This runs in its own goroutine per client
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// One frame per message; the client parses each frame as one JSON object
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
