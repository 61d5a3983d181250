package main

import (
	"fmt"
	"io"
	"time"

	"github.com/2amu/PES-FIB/internal/models"
	"github.com/2amu/PES-FIB/internal/timeline"
)

// printer writes timeline changes to a terminal in reading order.
// The timeline is newest-first and only ever grows at the front, so
// everything before the last printed count is new.
type printer struct {
	out     io.Writer
	userID  string
	loc     *time.Location
	printed int
	loaded  bool
}

func newPrinter(out io.Writer, userID string, loc *time.Location) *printer {
	if loc == nil {
		loc = time.Local
	}
	return &printer{out: out, userID: userID, loc: loc}
}

// render prints the messages of s not printed yet, oldest first.
// Nothing is printed before history is in, so the first batch comes out in
// order with any early live messages on top.
func (p *printer) render(s timeline.Snapshot) {
	if !s.HistoryLoaded {
		return
	}
	if !p.loaded {
		p.loaded = true
		if len(s.Messages) == 0 {
			fmt.Fprintln(p.out, "-- no messages yet --")
		}
	}

	fresh := len(s.Messages) - p.printed
	for i := fresh - 1; i >= 0; i-- {
		p.line(s.Messages[i])
	}
	if fresh > 0 {
		p.printed = len(s.Messages)
	}
}

func (p *printer) line(m models.Message) {
	who := m.SenderName
	if m.IsOwn(p.userID) {
		who += " (tu)"
	}
	fmt.Fprintf(p.out, "[%s] %s: %s\n", m.Format(p.loc), who, m.Body)
}

func (p *printer) state(s models.ConnectionState) {
	fmt.Fprintf(p.out, "-- %s --\n", s)
}
