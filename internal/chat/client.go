// Package chat implements the real-time transport for a shelter conversation:
// one WebSocket per (conversation, token), automatic bounded reconnects,
// and normalization of inbound frames into Messages.
package chat

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/2amu/PES-FIB/internal/metrics"
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

	// Inbound messages buffered while the consumer is busy
	inboundBuffer = 64

	closeReason = "Usuario cerró el chat"
)

var (
	// ErrNotConnected is returned by Send when no connection is open.
	// The message was not sent; the caller decides whether to retry.
	ErrNotConnected = errors.New("chat: not connected, message not sent")

	// ErrClosed is returned after Disconnect.
	ErrClosed = errors.New("chat: client closed")

	// ErrRetriesExhausted is returned by WaitConnected once the reconnect
	// budget is spent and the transport reports Failed.
	ErrRetriesExhausted = errors.New("chat: reconnect attempts exhausted")
)

// URL builds the chat endpoint. The token travels as a query parameter,
// the endpoint does not read the Authorization header.
func URL(host string, secure bool, conversationID int, token string) string {
	scheme := "ws"
	if secure {
		scheme = "wss"
	}
	u := url.URL{
		Scheme:   scheme,
		Host:     host,
		Path:     fmt.Sprintf("/ws/chat/%d/", conversationID),
		RawQuery: url.Values{"token": {token}}.Encode(),
	}
	return u.String()
}

// Options configures a Client. The zero value is usable.
type Options struct {
	Retry  RetryPolicy
	Dialer *websocket.Dialer
	Logger zerolog.Logger
}

// Client is the transport for one conversation. It owns at most one live
// socket at a time, reconnects on failure within its RetryPolicy and delivers
// normalized messages on Messages() in the order they were read.
type Client struct {
	url    string
	dialer *websocket.Dialer
	retry  RetryPolicy
	logger zerolog.Logger

	messages chan models.Message

	mu       sync.Mutex
	state    models.ConnectionState
	watchers map[chan models.ConnectionState]struct{}
	current  *link
	cancel   context.CancelFunc
	loopDone chan struct{}
	closed   bool
}

// link is one open socket. The reader runs in the connection loop, the
// writer in its own goroutine; every socket write goes through the writer.
type link struct {
	conn     *websocket.Conn
	outbound chan outboundFrame
	done     chan struct{}
	once     sync.Once
}

type outboundFrame struct {
	messageType int
	payload     []byte
	result      chan error
}

// NewClient creates a Client for the given endpoint (see URL).
// Nothing is dialed until Connect.
func NewClient(endpoint string, opts Options) *Client {
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	retry := opts.Retry
	if retry == (RetryPolicy{}) {
		retry = DefaultRetryPolicy
	}

	metrics.ConnectionState.WithLabelValues(models.Disconnected.String()).Inc()

	return &Client{
		url:      endpoint,
		dialer:   dialer,
		retry:    retry,
		logger:   opts.Logger.With().Str("component", "chat").Logger(),
		messages: make(chan models.Message, inboundBuffer),
		state:    models.Disconnected,
		watchers: make(map[chan models.ConnectionState]struct{}),
	}
}

// Messages returns the inbound stream. It is closed by Disconnect.
func (c *Client) Messages() <-chan models.Message {
	return c.messages
}

// State returns the current connection state.
func (c *Client) State() models.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether a socket is currently open.
func (c *Client) Connected() bool {
	return c.State() == models.Connected
}

// WatchState returns a channel that always holds the most recent state;
// intermediate states may be skipped. The current state is delivered
// immediately. Call the returned func to stop watching.
func (c *Client) WatchState() (<-chan models.ConnectionState, func()) {
	ch := make(chan models.ConnectionState, 1)

	c.mu.Lock()
	c.watchers[ch] = struct{}{}
	ch <- c.state
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.watchers, ch)
			close(ch)
			c.mu.Unlock()
		})
	}
}

// WaitConnected blocks until the transport is Connected, ctx is done, or
// the transport gives up.
func (c *Client) WaitConnected(ctx context.Context) error {
	states, stop := c.WatchState()
	defer stop()

	for {
		select {
		case s := <-states:
			switch s {
			case models.Connected:
				return nil
			case models.Failed:
				return ErrRetriesExhausted
			case models.Disconnected:
				c.mu.Lock()
				closed := c.closed
				c.mu.Unlock()
				if closed {
					return ErrClosed
				}
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Connect starts the connection loop and returns without waiting for the
// dial. While a loop is running, further calls are no-ops, so there is never
// more than one connection attempt in flight. The loop stops when ctx is
// cancelled, when Disconnect is called, or when the retry budget runs out.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.loopDone != nil {
		return nil
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.cancel = cancel
	c.loopDone = done
	c.setStateLocked(models.Connecting)

	go c.run(loopCtx, done)
	return nil
}

// Send writes {"mensaje": text} to the open socket. Text is forwarded as is.
// It returns ErrNotConnected when there is no open socket, including while
// a reconnect is in progress.
func (c *Client) Send(ctx context.Context, text string) error {
	payload, err := EncodeOutbound(text)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	c.mu.Lock()
	l, state := c.current, c.state
	c.mu.Unlock()

	if l == nil || state != models.Connected {
		metrics.MessagesSent.WithLabelValues("not_connected").Inc()
		return ErrNotConnected
	}

	if err := l.write(ctx, websocket.TextMessage, payload); err != nil {
		metrics.MessagesSent.WithLabelValues("error").Inc()
		return fmt.Errorf("send: %w", err)
	}

	metrics.MessagesSent.WithLabelValues("ok").Inc()
	return nil
}

// Disconnect closes the socket with a normal-closure frame, cancels any
// pending reconnect, waits for the loop to exit and closes Messages().
// It is safe to call more than once.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel, done, l := c.cancel, c.loopDone, c.current
	c.mu.Unlock()

	if l != nil {
		ctx, stop := context.WithTimeout(context.Background(), writeWait)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, closeReason)
		if err := l.write(ctx, websocket.CloseMessage, msg); err != nil && !errors.Is(err, ErrNotConnected) {
			c.logger.Debug().Err(err).Msg("close frame not delivered")
		}
		stop()
	}
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	c.setState(models.Disconnected)
	close(c.messages)
	metrics.ConnectionState.WithLabelValues(models.Disconnected.String()).Dec()

	c.logger.Info().Msg("disconnected")
	return nil
}

// run is the connection loop. Failed dials and drops of a socket that did
// not stay up for StableAfter share one backoff budget; a drop of a stable
// socket resets the budget and is redialed right away.
func (c *Client) run(ctx context.Context, done chan struct{}) {
	defer func() {
		c.mu.Lock()
		if c.loopDone == done {
			c.loopDone = nil
			c.cancel = nil
		}
		c.mu.Unlock()
		close(done)
	}()

	schedule := c.retry.newBackOff()

	for {
		conn, err := c.dial(ctx)
		if err != nil {
			if c.stopping(ctx) {
				c.setState(models.Disconnected)
				return
			}
			if !c.backOff(ctx, schedule, err) {
				return
			}
			continue
		}

		l := c.attach(ctx, conn)
		if l == nil {
			conn.Close()
			c.setState(models.Disconnected)
			return
		}
		c.logger.Info().Msg("chat connected")
		up := time.Now()

		stop := context.AfterFunc(ctx, func() { l.conn.Close() })
		go c.writePump(l)
		c.readPump(ctx, l)
		stop()
		c.detach(l)

		if c.stopping(ctx) {
			c.setState(models.Disconnected)
			return
		}

		lived := time.Since(up)
		if lived >= c.retry.stableAfter() {
			schedule.Reset()
			c.logger.Warn().Dur("uptime", lived).Msg("chat connection lost, reconnecting")
			c.setState(models.Connecting)
			metrics.Reconnects.Inc()
			continue
		}
		if !c.backOff(ctx, schedule, fmt.Errorf("connection dropped after %s", lived)) {
			return
		}
	}
}

// backOff waits for the next slot of schedule. It returns false when the
// loop must end: the budget is spent (state Failed) or ctx is done.
func (c *Client) backOff(ctx context.Context, schedule backoff.BackOff, cause error) bool {
	wait := schedule.NextBackOff()
	if wait == backoff.Stop {
		c.logger.Error().Err(cause).Int("max_attempts", c.retry.MaxAttempts).Msg("giving up on chat connection")
		c.setState(models.Failed)
		return false
	}

	c.logger.Warn().Err(cause).Dur("retry_in", wait).Msg("chat connection failed")
	c.setState(models.Connecting)
	metrics.Reconnects.Inc()

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		c.setState(models.Disconnected)
		return false
	case <-timer.C:
		return true
	}
}

// stopping reports whether the loop should exit instead of redialing.
// Disconnect marks the client closed before cancelling, so a socket that
// ends because of our own close frame is not mistaken for a drop.
func (c *Client) stopping(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed || ctx.Err() != nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		metrics.ConnectionAttempts.WithLabelValues("error").Inc()
		if resp != nil {
			return nil, fmt.Errorf("dial chat endpoint (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial chat endpoint: %w", err)
	}
	metrics.ConnectionAttempts.WithLabelValues("ok").Inc()
	return conn, nil
}

// attach publishes a freshly dialed socket, unless the loop was cancelled
// while dialing.
func (c *Client) attach(ctx context.Context, conn *websocket.Conn) *link {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || ctx.Err() != nil {
		return nil
	}

	l := &link{
		conn:     conn,
		outbound: make(chan outboundFrame),
		done:     make(chan struct{}),
	}
	c.current = l
	c.setStateLocked(models.Connected)
	return l
}

func (c *Client) detach(l *link) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == l {
		c.current = nil
	}
}

// readPump reads frames until the socket fails or ctx is cancelled.
// Frames that do not normalize are logged and dropped; they never end the loop.
func (c *Client) readPump(ctx context.Context, l *link) {
	defer l.shutdown()

	l.conn.SetReadLimit(maxMessageSize)
	l.conn.SetReadDeadline(time.Now().Add(pongWait))
	l.conn.SetPongHandler(func(string) error {
		l.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := l.conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					c.logger.Warn().Err(err).Msg("chat read error")
				} else {
					c.logger.Info().Err(err).Msg("chat socket closed")
				}
			}
			return
		}

		msg, err := Normalize(raw)
		if err != nil {
			c.dropFrame(raw, err)
			continue
		}
		metrics.FramesReceived.WithLabelValues("message").Inc()

		if ctx.Err() != nil {
			return
		}
		select {
		case c.messages <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) dropFrame(raw []byte, err error) {
	var serverErr *ServerError
	switch {
	case errors.As(err, &serverErr):
		metrics.FramesReceived.WithLabelValues("server_error").Inc()
		c.logger.Error().Str("reason", serverErr.Reason).Msg("chat server reported an error")
	case errors.Is(err, ErrIgnoredFrame):
		metrics.FramesReceived.WithLabelValues("ignored").Inc()
		c.logger.Debug().Bytes("frame", raw).Msg("ignoring non-chat frame")
	default:
		metrics.FramesReceived.WithLabelValues("malformed").Inc()
		c.logger.Warn().Err(err).Bytes("frame", raw).Msg("dropping malformed frame")
	}
}

// writePump serializes every write to the socket and keeps it alive with pings.
func (c *Client) writePump(l *link) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		l.conn.Close()
	}()

	for {
		select {
		case f := <-l.outbound:
			l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := l.conn.WriteMessage(f.messageType, f.payload)
			f.result <- err
			if err != nil || f.messageType == websocket.CloseMessage {
				return
			}

		case <-ticker.C:
			l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-l.done:
			return
		}
	}
}

// write hands one frame to the writer and waits for the result.
func (l *link) write(ctx context.Context, messageType int, payload []byte) error {
	f := outboundFrame{
		messageType: messageType,
		payload:     payload,
		result:      make(chan error, 1),
	}

	select {
	case l.outbound <- f:
	case <-l.done:
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-f.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *link) shutdown() {
	l.once.Do(func() {
		close(l.done)
		l.conn.Close()
	})
}

func (c *Client) setState(s models.ConnectionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setStateLocked(s)
}

func (c *Client) setStateLocked(s models.ConnectionState) {
	if c.state == s {
		return
	}
	metrics.ConnectionState.WithLabelValues(c.state.String()).Dec()
	metrics.ConnectionState.WithLabelValues(s.String()).Inc()
	c.state = s

	for ch := range c.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- s
	}
}
