package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/2amu/PES-FIB/internal/models"
	"github.com/2amu/PES-FIB/internal/timeline"
)

var (
	// ErrMissingToken is returned when binding without an auth token.
	ErrMissingToken = errors.New("session: missing auth token")

	// ErrBlankMessage is returned by Send for text that is empty after trimming.
	ErrBlankMessage = errors.New("session: blank message")

	// ErrNotBound is returned by Send when no conversation is open.
	ErrNotBound = errors.New("session: no conversation open")
)

// Transport is the live connection a Session drives.
type Transport interface {
	Connect(ctx context.Context) error
	Send(ctx context.Context, text string) error
	Disconnect() error
	Messages() <-chan models.Message
	State() models.ConnectionState
	WatchState() (<-chan models.ConnectionState, func())
}

// TransportFactory builds a transport for one (conversation, token) pair.
type TransportFactory func(conversationID int, token string, logger zerolog.Logger) Transport

// HistoryFetcher loads the recent messages of a conversation, oldest first.
type HistoryFetcher interface {
	Fetch(ctx context.Context, conversationID int, token string) ([]models.Message, error)
}

// TokenSource yields the auth token once it is available.
type TokenSource interface {
	WaitToken(ctx context.Context) (string, error)
}

// Session binds the open chat view to one live transport and timeline.
// A Session holds at most one binding; changing the conversation or the
// token replaces it, tearing the old one down first.
type Session struct {
	newTransport   TransportFactory
	history        HistoryFetcher
	tokens         TokenSource
	historyTimeout time.Duration
	logger         zerolog.Logger

	mu      sync.Mutex
	current *binding
}

// binding is one (conversation, token) pair with its transport and timeline.
type binding struct {
	id             uuid.UUID
	conversationID int
	token          string
	transport      Transport
	timeline       *timeline.Timeline
	logger         zerolog.Logger

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// SessionConfig holds the collaborators of a Session.
type SessionConfig struct {
	NewTransport   TransportFactory
	History        HistoryFetcher
	Tokens         TokenSource
	HistoryTimeout time.Duration
	Logger         zerolog.Logger
}

// NewSession creates a Session with nothing bound.
func NewSession(cfg SessionConfig) *Session {
	timeout := cfg.HistoryTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Session{
		newTransport:   cfg.NewTransport,
		history:        cfg.History,
		tokens:         cfg.Tokens,
		historyTimeout: timeout,
		logger:         cfg.Logger.With().Str("component", "session").Logger(),
	}
}

// Open waits for the auth token, then binds the conversation. It never
// connects without a token; if ctx ends first, nothing is bound.
func (s *Session) Open(ctx context.Context, conversationID int) (*timeline.Timeline, error) {
	if s.tokens == nil {
		return nil, ErrMissingToken
	}

	s.logger.Debug().Int("conversation", conversationID).Msg("waiting for auth token")
	token, err := s.tokens.WaitToken(ctx)
	if err != nil {
		return nil, err
	}
	return s.Bind(ctx, conversationID, token)
}

// Bind connects to the conversation with the given token and returns its
// timeline. Binding the pair that is already bound returns the existing
// timeline. The binding lives until Close, a rebind, or the end of ctx.
func (s *Session) Bind(ctx context.Context, conversationID int, token string) (*timeline.Timeline, error) {
	if strings.TrimSpace(token) == "" {
		return nil, ErrMissingToken
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if cur := s.current; cur != nil && cur.conversationID == conversationID && cur.token == token {
		return cur.timeline, nil
	}

	if old := s.current; old != nil {
		s.current = nil
		old.logger.Info().Msg("rebinding, tearing down previous session")
		old.teardown()
	}

	b, err := s.start(ctx, conversationID, token)
	if err != nil {
		return nil, err
	}
	s.current = b
	return b.timeline, nil
}

// Send forwards text to the bound transport. Blank text is rejected here
// and never reaches the transport.
func (s *Session) Send(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrBlankMessage
	}

	b := s.binding()
	if b == nil {
		return ErrNotBound
	}
	return b.transport.Send(ctx, text)
}

// Timeline returns the bound timeline, or nil.
func (s *Session) Timeline() *timeline.Timeline {
	if b := s.binding(); b != nil {
		return b.timeline
	}
	return nil
}

// State returns the bound transport's state; Disconnected when unbound.
func (s *Session) State() models.ConnectionState {
	if b := s.binding(); b != nil {
		return b.transport.State()
	}
	return models.Disconnected
}

// WatchState follows the connection state of the current binding.
// It returns false when nothing is bound.
func (s *Session) WatchState() (<-chan models.ConnectionState, func(), bool) {
	b := s.binding()
	if b == nil {
		return nil, func() {}, false
	}
	ch, stop := b.transport.WatchState()
	return ch, stop, true
}

// Close tears down the current binding, if any. Safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b := s.current; b != nil {
		s.current = nil
		b.teardown()
	}
}

func (s *Session) binding() *binding {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// start creates and connects a binding. History is fetched in the background;
// live messages arriving first are buffered by the timeline.
func (s *Session) start(ctx context.Context, conversationID int, token string) (*binding, error) {
	id := uuid.New()
	logger := s.logger.With().
		Str("session", id.String()).
		Int("conversation", conversationID).
		Logger()

	bctx, cancel := context.WithCancel(ctx)
	b := &binding{
		id:             id,
		conversationID: conversationID,
		token:          token,
		transport:      s.newTransport(conversationID, token, logger),
		timeline:       timeline.New(),
		logger:         logger,
		cancel:         cancel,
		done:           make(chan struct{}),
	}

	if err := b.transport.Connect(bctx); err != nil {
		cancel()
		b.transport.Disconnect()
		b.timeline.Close()
		close(b.done)
		return nil, err
	}
	logger.Info().Msg("session bound")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		b.pump(bctx)
	}()
	go func() {
		defer wg.Done()
		s.loadHistory(bctx, b)
	}()
	go func() {
		wg.Wait()
		close(b.done)
	}()

	// Release on every exit path of the caller's scope.
	go func() {
		<-bctx.Done()
		s.release(b)
	}()

	return b, nil
}

// release drops b if it is still current, then tears it down.
func (s *Session) release(b *binding) {
	s.mu.Lock()
	if s.current == b {
		s.current = nil
	}
	s.mu.Unlock()
	b.teardown()
}

func (s *Session) loadHistory(ctx context.Context, b *binding) {
	var batch []models.Message
	if s.history != nil {
		hctx, cancel := context.WithTimeout(ctx, s.historyTimeout)
		msgs, err := s.history.Fetch(hctx, b.conversationID, b.token)
		cancel()
		if err != nil {
			b.logger.Warn().Err(err).Msg("history fetch failed, starting with an empty timeline")
		} else {
			batch = msgs
		}
	}

	if err := b.timeline.LoadHistory(batch); err != nil {
		if !errors.Is(err, timeline.ErrClosed) {
			b.logger.Error().Err(err).Msg("loading history")
		}
		return
	}
	b.logger.Debug().Int("messages", len(batch)).Msg("history loaded")
}

// pump moves live messages from the transport into the timeline.
func (b *binding) pump(ctx context.Context) {
	messages := b.transport.Messages()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			if ctx.Err() != nil {
				return
			}
			if err := b.timeline.AppendLive(msg); err != nil {
				return
			}
		}
	}
}

// teardown closes the timeline before the transport so that nothing read
// from a stale socket can land in it. Idempotent.
func (b *binding) teardown() {
	b.once.Do(func() {
		b.cancel()
		b.timeline.Close()
		if err := b.transport.Disconnect(); err != nil {
			b.logger.Warn().Err(err).Msg("disconnect")
		}
		<-b.done
		b.logger.Info().Msg("session closed")
	})
}
