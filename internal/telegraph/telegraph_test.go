package telegraph

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/dreambigrsa/liveassist/internal/events"
	"github.com/dreambigrsa/liveassist/internal/lifecycle"
	"github.com/dreambigrsa/liveassist/internal/models"
)

func newTestDaemon(t *testing.T, m *MockAdapter, s *fakeSessions, hub *events.Hub) *Daemon {
	t.Helper()
	d, err := NewDaemon(DaemonOpts{
		Adapter:  m,
		Commands: newTestHandler(t, s),
		Hub:      hub,
	})
	if err != nil {
		t.Fatalf("NewDaemon: %v", err)
	}
	return d
}

// waitFor polls until cond is true or a second passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNewDaemon_Validation(t *testing.T) {
	if _, err := NewDaemon(DaemonOpts{Commands: newTestHandler(t, &fakeSessions{})}); err == nil || !strings.Contains(err.Error(), "adapter is required") {
		t.Errorf("err = %v", err)
	}
	if _, err := NewDaemon(DaemonOpts{Adapter: NewMockAdapter()}); err == nil || !strings.Contains(err.Error(), "command handler is required") {
		t.Errorf("err = %v", err)
	}
}

func TestDaemon_RunAnswersCommands(t *testing.T) {
	m := NewMockAdapter()
	m.SetBotUserID("BOT")
	s := &fakeSessions{}
	d := newTestDaemon(t, m, s, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	waitFor(t, "online message", func() bool { return m.SentCount() == 1 })

	m.SimulateInbound(InboundMessage{ChannelID: "C1", ThreadID: "T1", UserID: "BOT", Text: "!assist accept s-1"})
	m.SimulateInbound(InboundMessage{ChannelID: "C1", UserID: "U1", Text: "just chatting"})
	m.SimulateInbound(InboundMessage{ChannelID: "C1", ThreadID: "T1", UserID: "U1", Text: "!assist accept s-1"})

	waitFor(t, "reply", func() bool { return m.SentCount() == 2 })
	reply, _ := m.LastSent()
	if reply.ChannelID != "C1" || reply.ThreadID != "T1" || !strings.Contains(reply.Text, "You accepted") {
		t.Errorf("reply = %+v", reply)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
	if len(s.calls) != 1 {
		t.Errorf("respond calls = %d, want 1 (bot and chatter ignored)", len(s.calls))
	}
}

func TestDaemon_PostsSessionEvents(t *testing.T) {
	m := NewMockAdapter()
	hub := events.NewHub(nil)
	d := newTestDaemon(t, m, &fakeSessions{}, hub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	waitFor(t, "subscription", func() bool { return hub.Subscribers() == 1 })

	hub.Deliver(events.SessionEvent{SessionID: "s-1", From: models.StatePendingAcceptance, To: models.StateTimedOut, Reason: lifecycle.ReasonTimedOut})
	hub.Deliver(events.SessionEvent{SessionID: "s-1", From: models.StateTimedOut, To: models.StateCancelled, Reason: lifecycle.ReasonEscalationExhausted})

	waitFor(t, "event post", func() bool { return m.SentCount() == 2 })
	msg, _ := m.LastSent()
	if len(msg.Events) != 1 || msg.Events[0].Title != "Session s-1 exhausted" {
		t.Errorf("posted = %+v", msg)
	}
}

func TestDaemon_InboundClosedStops(t *testing.T) {
	m := NewMockAdapter()
	d := newTestDaemon(t, m, &fakeSessions{}, nil)

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()
	waitFor(t, "online message", func() bool { return m.SentCount() == 1 })

	m.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after inbound closed")
	}
}
