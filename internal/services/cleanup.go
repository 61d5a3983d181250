package services

import (
	"sort"
	"time"

	"github.com/rs/zerolog"
)

// ActivityChecker reports whether a conversation still has connected clients.
type ActivityChecker interface {
	GetConversationClientCount(conversationID int) int
}

// CleanupService forgets dev server conversations nobody has written to for
// a while and nobody is connected to. It runs as a background goroutine.
type CleanupService struct {
	messages *MessageService
	active   ActivityChecker
	interval time.Duration
	timeout  time.Duration
	logger   zerolog.Logger
	stopChan chan struct{}
}

// NewCleanupService creates a new cleanup service.
// - interval: how often to look for idle conversations
// - timeout: how long a conversation can go without messages before it is dropped
func NewCleanupService(messages *MessageService, active ActivityChecker, interval, timeout time.Duration, logger zerolog.Logger) *CleanupService {
	return &CleanupService{
		messages: messages,
		active:   active,
		interval: interval,
		timeout:  timeout,
		logger:   logger.With().Str("component", "cleanup").Logger(),
		stopChan: make(chan struct{}),
	}
}

// Start begins the background cleanup worker.
// This method runs in its own goroutine and should be called with 'go'.
func (s *CleanupService) Start() {
	s.logger.Info().Dur("interval", s.interval).Dur("timeout", s.timeout).Msg("cleanup service started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Cleanup(time.Now().UTC())
		case <-s.stopChan:
			s.logger.Info().Msg("cleanup service stopped")
			return
		}
	}
}

// Stop gracefully shuts down the cleanup service.
func (s *CleanupService) Stop() {
	close(s.stopChan)
}

// Cleanup drops conversations idle since before now minus the timeout.
func (s *CleanupService) Cleanup(now time.Time) []int {
	deleted := s.messages.DeleteIdle(now.Add(-s.timeout), func(id int) bool {
		return s.active != nil && s.active.GetConversationClientCount(id) > 0
	})
	if len(deleted) == 0 {
		return nil
	}

	sort.Ints(deleted)
	s.logger.Info().Ints("conversations", deleted).Msg("dropped idle conversations")
	return deleted
}
