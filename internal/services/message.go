package services

import (
	"strconv"
	"sync"
	"time"

	"github.com/2amu/PES-FIB/internal/metrics"
	"github.com/2amu/PES-FIB/internal/models"
)

// HistoryLimit is how many recent messages the history endpoint returns.
const HistoryLimit = 50

// timestampLayout matches how the backend stringifies its timestamps
// (space separator, microseconds, numeric zone).
const timestampLayout = "2006-01-02 15:04:05.000000-07:00"

// MessageService stores chat messages per conversation for the dev server.
// Uses in-memory storage; nothing survives a restart.
type MessageService struct {
	// messages stores messages per conversation, oldest first
	messages map[int][]models.HistoryEntry
	// lastActive is when each conversation last stored a message
	lastActive map[int]time.Time
	nextID     int64
	now        func() time.Time
	mu         sync.RWMutex
}

// NewMessageService creates a new MessageService instance
func NewMessageService() *MessageService {
	return &MessageService{
		messages:   make(map[int][]models.HistoryEntry),
		lastActive: make(map[int]time.Time),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SaveMessage appends a message from user to a conversation and returns the stored entry.
func (s *MessageService) SaveMessage(conversationID int, user models.User, contenido string) models.HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	now := s.now()
	entry := models.HistoryEntry{
		ID:        s.nextID,
		Contenido: contenido,
		Timestamp: now.Format(timestampLayout),
		UserEmail: user.Email,
		UserID:    models.UserID(strconv.FormatInt(user.ID, 10)),
		Username:  user.Username,
	}

	s.messages[conversationID] = append(s.messages[conversationID], entry)
	s.lastActive[conversationID] = now
	metrics.ServerMessagesStored.Inc()
	return entry
}

// GetMessages returns up to limit of the most recent messages of a
// conversation, oldest first. A limit of zero or less returns all of them.
func (s *MessageService) GetMessages(conversationID int, limit int) []models.HistoryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored := s.messages[conversationID]
	if limit > 0 && len(stored) > limit {
		stored = stored[len(stored)-limit:]
	}

	result := make([]models.HistoryEntry, len(stored))
	copy(result, stored)
	return result
}

// GetMessageCount returns the number of messages in a conversation (for debugging)
func (s *MessageService) GetMessageCount(conversationID int) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages[conversationID])
}

// DeleteIdle drops every conversation whose last message is older than
// before, unless keep reports it as still in use. It returns the dropped ids.
func (s *MessageService) DeleteIdle(before time.Time, keep func(conversationID int) bool) []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted []int
	for id, last := range s.lastActive {
		if !last.Before(before) || (keep != nil && keep(id)) {
			continue
		}
		delete(s.messages, id)
		delete(s.lastActive, id)
		deleted = append(deleted, id)
	}
	return deleted
}
