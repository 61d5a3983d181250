package chat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/2amu/PES-FIB/internal/api"
	"github.com/2amu/PES-FIB/internal/models"
	"github.com/2amu/PES-FIB/internal/services"
	chatws "github.com/2amu/PES-FIB/internal/websocket"
)

var testUpgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// wsServer upgrades every request and hands the n-th connection (from 1)
// to handle. It counts every request, upgraded or not.
type wsServer struct {
	*httptest.Server
	requests atomic.Int32
}

func newWSServer(t *testing.T, handle func(conn *websocket.Conn, r *http.Request, n int)) *wsServer {
	t.Helper()
	s := &wsServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(s.requests.Add(1))
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn, r, n)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *wsServer) host() string {
	return strings.TrimPrefix(s.URL, "http://")
}

func chatFrame(body string) []byte {
	return []byte(fmt.Sprintf(`{"type":"chat_message","mensaje":%q,"user_id":1,"username":"srv","timestamp":"2024-01-01T10:00:00Z"}`, body))
}

// drain reads until the peer goes away.
func drain(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func fastRetry(attempts int) RetryPolicy {
	return RetryPolicy{InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond, MaxAttempts: attempts}
}

func receive(t *testing.T, c *Client) models.Message {
	t.Helper()
	select {
	case msg, ok := <-c.Messages():
		if !ok {
			t.Fatal("messages closed")
		}
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a message")
	}
	return models.Message{}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func connect(t *testing.T, c *Client) {
	t.Helper()
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.WaitConnected(ctx); err != nil {
		t.Fatalf("WaitConnected: %v", err)
	}
}

func TestURL(t *testing.T) {
	if got := URL("example.org:40430", false, 42, "T"); got != "ws://example.org:40430/ws/chat/42/?token=T" {
		t.Errorf("got %s", got)
	}
	if got := URL("example.org", true, 7, "a b&c"); got != "wss://example.org/ws/chat/7/?token=a+b%26c" {
		t.Errorf("got %s", got)
	}
}

func TestClientDropsBadFramesAndKeepsReading(t *testing.T) {
	srv := newWSServer(t, func(conn *websocket.Conn, r *http.Request, n int) {
		if r.URL.Path != "/ws/chat/42/" || r.URL.Query().Get("token") != "T" {
			t.Errorf("request = %s", r.URL)
		}
		conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"Usuario no autenticado"}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`no es json`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"typing"}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"chat_message","mensaje":"sin usuario"}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"chat_message","mensaje":"Hola","user_id":"u1","username":"ana","timestamp":"2024-01-01T10:00:00Z"}`))
		drain(conn)
	})

	c := NewClient(URL(srv.host(), false, 42, "T"), Options{Retry: fastRetry(3), Logger: zerolog.Nop()})
	defer c.Disconnect()
	connect(t, c)

	msg := receive(t, c)
	want := models.Message{SenderID: "u1", SenderName: "ana", Body: "Hola", SentAt: "2024-01-01T10:00:00Z"}
	if msg != want {
		t.Errorf("got %+v, want %+v", msg, want)
	}
	if !c.Connected() {
		t.Error("bad frames should not close the connection")
	}
	if n := srv.requests.Load(); n != 1 {
		t.Errorf("dialed %d times, want 1", n)
	}
}

func TestClientSendAgainstDevServer(t *testing.T) {
	users := services.NewUserDirectory()
	users.Add("T", models.User{ID: 7, Username: "ana"})
	messages := services.NewMessageService()
	hub := chatws.NewHub(messages, zerolog.Nop())
	go hub.Run()
	defer hub.Stop()

	srv := httptest.NewServer(api.NewRouter(api.RouterConfig{
		Logger:   zerolog.Nop(),
		Hub:      hub,
		Messages: messages,
		Users:    users,
	}))
	defer srv.Close()
	host := strings.TrimPrefix(srv.URL, "http://")

	c := NewClient(URL(host, false, 42, "T"), Options{Retry: fastRetry(3), Logger: zerolog.Nop()})
	defer c.Disconnect()
	connect(t, c)

	if err := c.Send(context.Background(), "Hola"); err != nil {
		t.Fatal(err)
	}
	msg := receive(t, c)
	if msg.Body != "Hola" || msg.SenderID != "7" || msg.SenderName != "ana" {
		t.Errorf("echo = %+v", msg)
	}
	if _, err := msg.Time(); err != nil {
		t.Errorf("server timestamp: %v", err)
	}
	if n := messages.GetMessageCount(42); n != 1 {
		t.Errorf("stored %d messages, want 1", n)
	}

	// An unknown token connects but is answered with an error frame only.
	stranger := NewClient(URL(host, false, 42, "nope"), Options{Retry: fastRetry(3), Logger: zerolog.Nop()})
	defer stranger.Disconnect()
	connect(t, stranger)
	if err := stranger.Send(context.Background(), "Hola"); err != nil {
		t.Fatal(err)
	}
	select {
	case msg := <-stranger.Messages():
		t.Errorf("unexpected message %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}
	if !stranger.Connected() {
		t.Error("error frame should not close the connection")
	}
	if n := messages.GetMessageCount(42); n != 1 {
		t.Errorf("stored %d messages, want 1", n)
	}
}

func TestSendNotConnected(t *testing.T) {
	c := NewClient("ws://127.0.0.1:1/ws/chat/1/?token=T", Options{Logger: zerolog.Nop()})
	defer c.Disconnect()

	if err := c.Send(context.Background(), "Hola"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("got %v, want ErrNotConnected", err)
	}
}

func TestClientReconnectsAfterDrop(t *testing.T) {
	srv := newWSServer(t, func(conn *websocket.Conn, r *http.Request, n int) {
		conn.WriteMessage(websocket.TextMessage, chatFrame(fmt.Sprintf("conn %d", n)))
		if n == 1 {
			// drop without a close frame
			return
		}
		drain(conn)
	})

	c := NewClient(URL(srv.host(), false, 1, "T"), Options{Retry: fastRetry(3), Logger: zerolog.Nop()})
	defer c.Disconnect()
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	if got := receive(t, c).Body; got != "conn 1" {
		t.Errorf("first = %q", got)
	}
	if got := receive(t, c).Body; got != "conn 2" {
		t.Errorf("second = %q", got)
	}
	waitFor(t, "reconnect", c.Connected)
}

func TestDisconnectClosesNormallyAndStopsReconnects(t *testing.T) {
	closeErr := make(chan error, 1)
	srv := newWSServer(t, func(conn *websocket.Conn, r *http.Request, n int) {
		_, _, err := conn.ReadMessage()
		closeErr <- err
	})

	c := NewClient(URL(srv.host(), false, 1, "T"), Options{Retry: fastRetry(3), Logger: zerolog.Nop()})
	connect(t, c)

	if err := c.Disconnect(); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-closeErr:
		var ce *websocket.CloseError
		if !errors.As(err, &ce) || ce.Code != websocket.CloseNormalClosure || ce.Text != closeReason {
			t.Errorf("server saw %v, want normal closure", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server never saw the close")
	}

	if _, ok := <-c.Messages(); ok {
		t.Error("messages should be closed")
	}
	if s := c.State(); s != models.Disconnected {
		t.Errorf("state = %s", s)
	}
	if err := c.Connect(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Connect after Disconnect = %v", err)
	}
	if err := c.Send(context.Background(), "Hola"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send after Disconnect = %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if n := srv.requests.Load(); n != 1 {
		t.Errorf("dialed %d times after Disconnect, want 1", n)
	}
	if err := c.Disconnect(); err != nil {
		t.Errorf("second Disconnect = %v", err)
	}
}

func TestRetriesExhausted(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		http.Error(w, "no", http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewClient(URL(strings.TrimPrefix(srv.URL, "http://"), false, 1, "T"), Options{Retry: fastRetry(3), Logger: zerolog.Nop()})
	defer c.Disconnect()
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.WaitConnected(ctx); !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("got %v, want ErrRetriesExhausted", err)
	}
	if s := c.State(); s != models.Failed {
		t.Errorf("state = %s", s)
	}
	if n := requests.Load(); n != 3 {
		t.Errorf("dialed %d times, want 3", n)
	}

	// A new Connect starts a fresh budget.
	waitFor(t, "loop exit", func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.loopDone == nil
	})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "second budget", func() bool { return requests.Load() == 6 && c.State() == models.Failed })
}

func TestAcceptThenCloseExhaustsBudget(t *testing.T) {
	srv := newWSServer(t, func(conn *websocket.Conn, r *http.Request, n int) {})

	c := NewClient(URL(srv.host(), false, 1, "T"), Options{Retry: fastRetry(3), Logger: zerolog.Nop()})
	defer c.Disconnect()
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "failed state", func() bool { return c.State() == models.Failed })
	time.Sleep(50 * time.Millisecond)
	if n := srv.requests.Load(); n != 3 {
		t.Errorf("dialed %d times, want 3", n)
	}
}

func TestStableDropResetsBudget(t *testing.T) {
	srv := newWSServer(t, func(conn *websocket.Conn, r *http.Request, n int) {
		time.Sleep(40 * time.Millisecond)
	})

	retry := fastRetry(2)
	retry.StableAfter = 10 * time.Millisecond
	c := NewClient(URL(srv.host(), false, 1, "T"), Options{Retry: retry, Logger: zerolog.Nop()})
	defer c.Disconnect()
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "several reconnects", func() bool { return srv.requests.Load() >= 4 })
	if s := c.State(); s == models.Failed {
		t.Errorf("state = %s after drops of stable connections", s)
	}
}

func TestDisconnectDuringBackoff(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	retry := RetryPolicy{InitialInterval: time.Hour, MaxInterval: time.Hour, MaxAttempts: 0}
	c := NewClient(URL(strings.TrimPrefix(srv.URL, "http://"), false, 1, "T"), Options{Retry: retry, Logger: zerolog.Nop()})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "first dial", func() bool { return requests.Load() == 1 })

	done := make(chan struct{})
	go func() {
		c.Disconnect()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Disconnect waited for the backoff timer")
	}

	if s := c.State(); s != models.Disconnected {
		t.Errorf("state = %s", s)
	}
	if n := requests.Load(); n != 1 {
		t.Errorf("dialed %d times, want 1", n)
	}
}

func TestConnectCancelledContextStopsLoop(t *testing.T) {
	srv := newWSServer(t, func(conn *websocket.Conn, r *http.Request, n int) {
		drain(conn)
	})

	c := NewClient(URL(srv.host(), false, 1, "T"), Options{Retry: fastRetry(3), Logger: zerolog.Nop()})
	defer c.Disconnect()

	ctx, cancel := context.WithCancel(context.Background())
	if err := c.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "connected", c.Connected)

	cancel()
	waitFor(t, "disconnected", func() bool { return c.State() == models.Disconnected })
	time.Sleep(50 * time.Millisecond)
	if n := srv.requests.Load(); n != 1 {
		t.Errorf("dialed %d times after cancel, want 1", n)
	}
}
