package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/2amu/PES-FIB/internal/models"
	"github.com/2amu/PES-FIB/internal/timeline"
)

func msg(sender models.UserID, name, body, ts string) models.Message {
	return models.Message{SenderID: sender, SenderName: name, Body: body, SentAt: ts}
}

func TestPrinterRendersOldestFirst(t *testing.T) {
	var buf bytes.Buffer
	p := newPrinter(&buf, "7", time.UTC)

	tl := timeline.New()
	p.render(tl.Snapshot())
	if buf.Len() != 0 {
		t.Fatalf("printed before history: %q", buf.String())
	}

	tl.AppendLive(msg("8", "Bob", "live", "2024-01-01T10:05:00Z"))
	tl.LoadHistory([]models.Message{
		msg("7", "Ana", "first", "2024-01-01T09:00:00Z"),
		msg("8", "Bob", "second", "2024-01-01T10:00:00Z"),
	})
	p.render(tl.Snapshot())

	tl.AppendLive(msg("7", "Ana", "later", "2024-01-01T10:10:00Z"))
	p.render(tl.Snapshot())
	p.render(tl.Snapshot())

	want := strings.Join([]string{
		"[1 Jan 2024, 09:00] Ana (tu): first",
		"[1 Jan 2024, 10:00] Bob: second",
		"[1 Jan 2024, 10:05] Bob: live",
		"[1 Jan 2024, 10:10] Ana (tu): later",
	}, "\n") + "\n"
	if buf.String() != want {
		t.Errorf("got\n%s\nwant\n%s", buf.String(), want)
	}
}

func TestPrinterEmptyHistory(t *testing.T) {
	var buf bytes.Buffer
	p := newPrinter(&buf, "", time.UTC)

	tl := timeline.New()
	tl.LoadHistory(nil)
	p.render(tl.Snapshot())
	p.render(tl.Snapshot())

	if got := buf.String(); got != "-- no messages yet --\n" {
		t.Errorf("got %q", got)
	}
}

func TestPrinterState(t *testing.T) {
	var buf bytes.Buffer
	newPrinter(&buf, "", nil).state(models.Connecting)
	if got := buf.String(); got != "-- connecting --\n" {
		t.Errorf("got %q", got)
	}
}
