package services_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/2amu/PES-FIB/internal/api"
	"github.com/2amu/PES-FIB/internal/chat"
	"github.com/2amu/PES-FIB/internal/history"
	"github.com/2amu/PES-FIB/internal/models"
	"github.com/2amu/PES-FIB/internal/services"
	"github.com/2amu/PES-FIB/internal/timeline"
	"github.com/2amu/PES-FIB/internal/websocket"
)

type staticToken string

func (s staticToken) WaitToken(context.Context) (string, error) { return string(s), nil }

func waitSnapshot(t *testing.T, tl *timeline.Timeline, cond func(timeline.Snapshot) bool) timeline.Snapshot {
	t.Helper()
	changes, stop := tl.Subscribe()
	defer stop()

	timeout := time.After(5 * time.Second)
	for {
		if s := tl.Snapshot(); cond(s) {
			return s
		}
		select {
		case <-changes:
		case <-timeout:
			t.Fatalf("timed out, last snapshot %+v", tl.Snapshot())
		}
	}
}

func waitState(t *testing.T, session *services.Session, what string, cond func(models.ConnectionState) bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond(session.State()) {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s, state %s", what, session.State())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSessionAgainstDevServer(t *testing.T) {
	users := services.NewUserDirectory()
	users.Add("T", models.User{ID: 7, Username: "ana"})
	users.Add("B", models.User{ID: 8, Username: "bob"})

	messages := services.NewMessageService()
	messages.SaveMessage(42, models.User{ID: 8, Username: "bob"}, "antes")
	messages.SaveMessage(42, models.User{ID: 7, Username: "ana"}, "hola bob")

	hub := websocket.NewHub(messages, zerolog.Nop())
	go hub.Run()
	defer hub.Stop()

	srv := httptest.NewServer(api.NewRouter(api.RouterConfig{Logger: zerolog.Nop(), Hub: hub, Messages: messages, Users: users}))
	defer srv.Close()
	host := strings.TrimPrefix(srv.URL, "http://")

	session := services.NewSession(services.SessionConfig{
		NewTransport: func(id int, token string, logger zerolog.Logger) services.Transport {
			return chat.NewClient(chat.URL(host, false, id, token), chat.Options{Logger: logger})
		},
		History: history.NewClient(host, false, 5*time.Second, zerolog.Nop()),
		Tokens:  staticToken("T"),
		Logger:  zerolog.Nop(),
	})
	defer session.Close()

	tl, err := session.Open(context.Background(), 42)
	if err != nil {
		t.Fatal(err)
	}

	s := waitSnapshot(t, tl, func(s timeline.Snapshot) bool { return s.HistoryLoaded })
	if len(s.Messages) != 2 || s.Messages[0].Body != "hola bob" || s.Messages[1].Body != "antes" {
		t.Fatalf("history = %+v", s.Messages)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	waitState(t, session, "connect", func(st models.ConnectionState) bool { return st == models.Connected })

	if err := session.Send(ctx, "   "); !errors.Is(err, services.ErrBlankMessage) {
		t.Errorf("blank send = %v", err)
	}
	if err := session.Send(ctx, "nuevo"); err != nil {
		t.Fatal(err)
	}

	s = waitSnapshot(t, tl, func(s timeline.Snapshot) bool { return len(s.Messages) == 3 })
	if s.Messages[0].Body != "nuevo" || !s.Messages[0].IsOwn("7") {
		t.Errorf("newest = %+v", s.Messages[0])
	}

	// The network drops; the transport comes back on its own.
	hub.Kick(42)
	waitState(t, session, "drop", func(st models.ConnectionState) bool { return st != models.Connected })
	waitState(t, session, "reconnect", func(st models.ConnectionState) bool { return st == models.Connected })

	after := tl.Snapshot()
	if len(after.Messages) != 3 {
		t.Fatalf("timeline after reconnect = %+v", after.Messages)
	}
	for i, m := range s.Messages {
		if after.Messages[i] != m {
			t.Errorf("message %d changed across reconnect: %+v", i, after.Messages[i])
		}
	}

	if err := session.Send(ctx, "otra vez"); err != nil {
		t.Fatal(err)
	}
	s = waitSnapshot(t, tl, func(s timeline.Snapshot) bool { return len(s.Messages) == 4 })
	if s.Messages[0].Body != "otra vez" || s.Messages[1].Body != "nuevo" {
		t.Errorf("after reconnect = %+v", s.Messages)
	}

	session.Close()
	if !tl.Closed() {
		t.Error("timeline still open after Close")
	}
	if err := tl.AppendLive(s.Messages[0]); !errors.Is(err, timeline.ErrClosed) {
		t.Errorf("late append = %v", err)
	}
}
