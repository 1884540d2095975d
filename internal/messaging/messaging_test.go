package messaging

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/dreambigrsa/liveassist/internal/config"
	"github.com/dreambigrsa/liveassist/internal/db"
	"github.com/dreambigrsa/liveassist/internal/models"
	"gorm.io/gorm"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := db.Connect(config.DatabaseConfig{Driver: "sqlite", Path: ":memory:"})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return gdb
}

func TestSend_Validation(t *testing.T) {
	tests := []struct {
		name                     string
		recipient, kind, subject string
		want                     string
	}{
		{"missing recipient", "", "offered", "s", "messaging: recipient is required"},
		{"missing kind", "p1", "", "s", "messaging: kind is required"},
		{"missing subject", "p1", "offered", "", "messaging: subject is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Send(nil, tt.recipient, tt.kind, tt.subject, "body", SendOpts{})
			if err == nil || err.Error() != tt.want {
				t.Errorf("err = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestInbox_MissingRecipient(t *testing.T) {
	if _, err := Inbox(nil, ""); err == nil || err.Error() != "messaging: recipient is required" {
		t.Errorf("err = %v", err)
	}
}

func TestSendInboxAcknowledge(t *testing.T) {
	gdb := testDB(t)

	first, err := Send(gdb, "p1", models.NotifyOffered, "offer 1", "body", SendOpts{SessionID: "s-1"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if first.Priority != "normal" || first.Acknowledged {
		t.Errorf("defaults = %+v", first)
	}
	if _, err := Send(gdb, "p1", models.NotifyOffered, "offer 2", "", SendOpts{Priority: "urgent"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, err := Send(gdb, "p2", models.NotifyOffered, "other", "", SendOpts{}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	inbox, err := Inbox(gdb, "p1")
	if err != nil {
		t.Fatalf("Inbox: %v", err)
	}
	if len(inbox) != 2 || inbox[0].Subject != "offer 1" {
		t.Fatalf("inbox = %+v", inbox)
	}

	if err := Acknowledge(gdb, first.ID); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	inbox, _ = Inbox(gdb, "p1")
	if len(inbox) != 1 || inbox[0].Subject != "offer 2" {
		t.Errorf("inbox after ack = %+v", inbox)
	}
	if err := Acknowledge(gdb, 9999); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("Acknowledge missing = %v", err)
	}
}

func TestOutbox_Notifier(t *testing.T) {
	gdb := testDB(t)
	o := NewOutbox(gdb, NotifyConfig{}, nil)
	ctx := context.Background()

	if err := o.NotifyCandidateOffered(ctx, "p1", "s-1", "user is anxious"); err != nil {
		t.Fatalf("NotifyCandidateOffered: %v", err)
	}
	if err := o.NotifyRequesterStateChanged(ctx, "user-1", "s-1", models.StateActive, "p1"); err != nil {
		t.Fatalf("NotifyRequesterStateChanged: %v", err)
	}
	if err := o.NotifyConfirmationRequired(ctx, "user-1", "s-1", []string{"p2", "p3"}); err != nil {
		t.Fatalf("NotifyConfirmationRequired: %v", err)
	}
	if err := o.NotifyEscalationExhausted(ctx, "user-1", "s-1"); err != nil {
		t.Fatalf("NotifyEscalationExhausted: %v", err)
	}

	pro, _ := Inbox(gdb, "p1")
	if len(pro) != 1 || !strings.Contains(pro[0].Body, "user is anxious") || pro[0].SessionID != "s-1" {
		t.Errorf("professional inbox = %+v", pro)
	}
	user, _ := Inbox(gdb, "user-1")
	if len(user) != 3 {
		t.Fatalf("requester inbox = %d rows, want 3", len(user))
	}
	if user[0].Kind != models.NotifyStateChanged || !strings.Contains(user[0].Body, "active with professional p1") {
		t.Errorf("state change = %+v", user[0])
	}
	if !strings.Contains(user[1].Body, "p2, p3") {
		t.Errorf("confirmation = %+v", user[1])
	}
	if user[2].Kind != models.NotifyExhausted || user[2].Priority != "urgent" {
		t.Errorf("exhausted = %+v", user[2])
	}
}

type recordingNotifier struct {
	calls []string
	err   error
}

func (r *recordingNotifier) NotifyCandidateOffered(ctx context.Context, candidateID, sessionID, summary string) error {
	r.calls = append(r.calls, "offered:"+candidateID)
	return r.err
}

func (r *recordingNotifier) NotifyRequesterStateChanged(ctx context.Context, requesterID, sessionID string, state models.SessionState, candidateID string) error {
	r.calls = append(r.calls, "state:"+state.String())
	return r.err
}

func (r *recordingNotifier) NotifyEscalationExhausted(ctx context.Context, requesterID, sessionID string) error {
	r.calls = append(r.calls, "exhausted")
	return r.err
}

func (r *recordingNotifier) NotifyConfirmationRequired(ctx context.Context, requesterID, sessionID string, candidateIDs []string) error {
	r.calls = append(r.calls, "confirm")
	return r.err
}

func TestFanout_AttemptsEveryNotifier(t *testing.T) {
	bad := &recordingNotifier{err: errors.New("slack down")}
	good := &recordingNotifier{}
	f := Fanout{bad, good}
	ctx := context.Background()

	if err := f.NotifyCandidateOffered(ctx, "p1", "s", ""); err == nil {
		t.Error("expected first error")
	}
	_ = f.NotifyRequesterStateChanged(ctx, "u", "s", models.StateEnded, "")
	_ = f.NotifyEscalationExhausted(ctx, "u", "s")
	_ = f.NotifyConfirmationRequired(ctx, "u", "s", nil)

	want := "offered:p1,state:ended,exhausted,confirm"
	if got := strings.Join(good.calls, ","); got != want {
		t.Errorf("good calls = %s, want %s", got, want)
	}
}
