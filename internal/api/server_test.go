package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dreambigrsa/liveassist/internal/config"
	"github.com/dreambigrsa/liveassist/internal/db"
	"github.com/dreambigrsa/liveassist/internal/directory"
	"github.com/dreambigrsa/liveassist/internal/dispatch"
	"github.com/dreambigrsa/liveassist/internal/escalation"
	"github.com/dreambigrsa/liveassist/internal/events"
	"github.com/dreambigrsa/liveassist/internal/lifecycle"
	"github.com/dreambigrsa/liveassist/internal/match"
	"github.com/dreambigrsa/liveassist/internal/models"
	"github.com/dreambigrsa/liveassist/internal/rules"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type testServer struct {
	gdb    *gorm.DB
	clock  *lifecycle.FakeClock
	hub    *events.Hub
	d      *dispatch.Dispatcher
	router *gin.Engine
}

func newTestServer(t *testing.T, apiCfg config.APIConfig) *testServer {
	t.Helper()
	gdb, err := db.Connect(config.DatabaseConfig{Driver: "sqlite", Path: ":memory:"})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	err = db.SeedRules(gdb, []config.RuleConfig{
		{ID: "primary", RoleID: "counselor", TriggerType: "timeout", TimeoutSeconds: 30,
			MaxEscalationAttempts: 2, Strategy: "sequential", Priority: 1},
	})
	if err != nil {
		t.Fatalf("seed rules: %v", err)
	}
	err = db.SeedProfessionals(gdb, []config.ProfessionalConfig{
		{ID: "A", Name: "Thandi", RoleID: "counselor", Online: true, RatingAverage: 4.8, RatingCount: 10},
		{ID: "B", Name: "Sipho", RoleID: "counselor", Online: true, RatingAverage: 4.0, RatingCount: 10},
		{ID: "M", Name: "Lerato", RoleID: "mediator", Online: true, RatingAverage: 4.0, RatingCount: 10},
	})
	if err != nil {
		t.Fatalf("seed professionals: %v", err)
	}

	dir := directory.NewStore(gdb)
	rs := rules.NewGormStore(gdb)
	ts := &testServer{gdb: gdb, clock: lifecycle.NewFakeClock(t0), hub: events.NewHub(nil)}

	var mu sync.Mutex
	n := 0
	ts.d, err = dispatch.New(dispatch.Opts{
		Store:     lifecycle.NewGormStore(gdb),
		Directory: dir,
		Rules:     rs,
		Engine: escalation.New(escalation.Opts{
			Directory: dir, Rules: rs, Matcher: match.New(match.DefaultWeights()), RequireOnline: true, MaxLoad: 3,
		}),
		Events: ts.hub,
		Clock:  ts.clock,
		NewID: func() string {
			mu.Lock()
			defer mu.Unlock()
			n++
			return fmt.Sprintf("s-%d", n)
		},
	})
	if err != nil {
		t.Fatalf("dispatch.New: %v", err)
	}
	t.Cleanup(ts.d.Close)

	ts.router, err = NewRouter(Opts{DB: gdb, Sessions: ts.d, Hub: ts.hub, Config: apiCfg, Heartbeat: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			if err := json.NewEncoder(&buf).Encode(b); err != nil {
				t.Fatal(err)
			}
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)

	var out map[string]any
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
			t.Fatalf("decode %s %s: %v (%s)", method, path, err, w.Body.String())
		}
	}
	return w, out
}

func (ts *testServer) create(t *testing.T, requester string) string {
	t.Helper()
	w, out := ts.do(t, http.MethodPost, "/api/sessions", map[string]any{
		"requester_id": requester, "role_id": "counselor", "summary": "need help", "consent": true,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: status %d, body %s", w.Code, w.Body.String())
	}
	return out["id"].(string)
}

func TestNewRouter_Requirements(t *testing.T) {
	if _, err := NewRouter(Opts{}); err == nil || !strings.Contains(err.Error(), "db is required") {
		t.Errorf("err = %v, want db is required", err)
	}
	ts := newTestServer(t, config.APIConfig{})
	if _, err := NewRouter(Opts{DB: ts.gdb}); err == nil || !strings.Contains(err.Error(), "sessions") {
		t.Errorf("err = %v, want sessions are required", err)
	}
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, config.APIConfig{})
	w, out := ts.do(t, http.MethodGet, "/healthz", nil)
	if w.Code != http.StatusOK || out["status"] != "ok" {
		t.Errorf("healthz = %d %v", w.Code, out)
	}
}

func TestSessionLifecycle(t *testing.T) {
	ts := newTestServer(t, config.APIConfig{})
	id := ts.create(t, "user-1")

	w, out := ts.do(t, http.MethodGet, "/api/sessions/"+id, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get: %d", w.Code)
	}
	if out["state"] != "pending_acceptance" || out["candidate_id"] != "A" {
		t.Fatalf("session = %v", out)
	}

	w, out = ts.do(t, http.MethodPost, "/api/sessions/"+id+"/respond", map[string]any{"candidate_id": "A", "accept": true})
	if w.Code != http.StatusOK || out["state"] != "active" {
		t.Fatalf("accept = %d %v", w.Code, out)
	}

	w, out = ts.do(t, http.MethodPost, "/api/sessions/"+id+"/end", map[string]any{"ended_by": "A", "reason": "resolved"})
	if w.Code != http.StatusOK || out["state"] != "ended" {
		t.Fatalf("end = %d %v", w.Code, out)
	}
	if out["review_eligible"] != true {
		t.Errorf("review_eligible = %v, want true", out["review_eligible"])
	}
	if out["end_reason"] != "resolved" {
		t.Errorf("end_reason = %v", out["end_reason"])
	}
}

func TestRespond_DeclineMovesOn(t *testing.T) {
	ts := newTestServer(t, config.APIConfig{})
	id := ts.create(t, "user-1")

	w, out := ts.do(t, http.MethodPost, "/api/sessions/"+id+"/respond", map[string]any{"candidate_id": "A", "accept": false})
	if w.Code != http.StatusOK {
		t.Fatalf("decline = %d %s", w.Code, w.Body.String())
	}
	if out["candidate_id"] != "B" || out["state"] != "pending_acceptance" {
		t.Errorf("after decline = %v", out)
	}
}

func TestCancel(t *testing.T) {
	ts := newTestServer(t, config.APIConfig{})
	id := ts.create(t, "user-1")

	w, out := ts.do(t, http.MethodPost, "/api/sessions/"+id+"/cancel", map[string]any{"requested_by": "user-1"})
	if w.Code != http.StatusOK || out["state"] != "cancelled" {
		t.Fatalf("cancel = %d %v", w.Code, out)
	}

	// A second cancel is an invalid transition.
	w, out = ts.do(t, http.MethodPost, "/api/sessions/"+id+"/cancel", map[string]any{"requested_by": "user-1"})
	if w.Code != http.StatusConflict || out["kind"] != "InvalidTransition" {
		t.Errorf("second cancel = %d %v", w.Code, out)
	}
}

func TestErrors(t *testing.T) {
	ts := newTestServer(t, config.APIConfig{})
	id := ts.create(t, "user-1")

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		kind   string
	}{
		{"unknown session", http.MethodGet, "/api/sessions/nope", nil, http.StatusNotFound, "NotFound"},
		{"malformed body", http.MethodPost, "/api/sessions", "{", http.StatusBadRequest, "Validation"},
		{"missing role", http.MethodPost, "/api/sessions", map[string]any{"requester_id": "u"}, http.StatusBadRequest, "Validation"},
		{"no rule", http.MethodPost, "/api/sessions", map[string]any{"requester_id": "u", "role_id": "lawyer"},
			http.StatusUnprocessableEntity, "RuleResolutionFailure"},
		{"respond missing accept", http.MethodPost, "/api/sessions/" + id + "/respond", map[string]any{"candidate_id": "A"},
			http.StatusBadRequest, "Validation"},
		{"respond not offered", http.MethodPost, "/api/sessions/" + id + "/respond", map[string]any{"candidate_id": "B", "accept": true},
			http.StatusConflict, "InvalidTransition"},
		{"end while pending", http.MethodPost, "/api/sessions/" + id + "/end", map[string]any{"ended_by": "A"},
			http.StatusConflict, "InvalidTransition"},
		{"end by stranger", http.MethodPost, "/api/sessions/" + id + "/end", map[string]any{"ended_by": "mallory"},
			http.StatusBadRequest, "Validation"},
		{"confirm not awaiting", http.MethodPost, "/api/sessions/" + id + "/confirm", map[string]any{"requester_id": "user-1", "confirm": true},
			http.StatusConflict, "InvalidTransition"},
		{"bad state filter", http.MethodGet, "/api/sessions?state=lost", nil, http.StatusBadRequest, "Validation"},
		{"bad limit", http.MethodGet, "/api/sessions?limit=-1", nil, http.StatusBadRequest, "Validation"},
		{"bad since", http.MethodGet, "/api/sessions/stats?since=yesterday", nil, http.StatusBadRequest, "Validation"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, out := ts.do(t, tt.method, tt.path, tt.body)
			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tt.status, w.Body.String())
			}
			if out["kind"] != tt.kind {
				t.Errorf("kind = %v, want %s", out["kind"], tt.kind)
			}
			if out["error"] == "" {
				t.Error("error message should not be empty")
			}
		})
	}
}

func TestNoCandidates_CreatedCancelled(t *testing.T) {
	ts := newTestServer(t, config.APIConfig{})
	if err := directory.NewStore(ts.gdb).SetOnline(context.Background(), "A", false); err != nil {
		t.Fatal(err)
	}
	if err := directory.NewStore(ts.gdb).SetOnline(context.Background(), "B", false); err != nil {
		t.Fatal(err)
	}

	w, out := ts.do(t, http.MethodPost, "/api/sessions", map[string]any{"requester_id": "u", "role_id": "counselor"})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d %s", w.Code, w.Body.String())
	}
	if out["state"] != "cancelled" || out["end_reason"] != "escalation_exhausted" {
		t.Errorf("session = %v", out)
	}
	failure, _ := out["failure"].(map[string]any)
	if failure["kind"] != "EscalationExhausted" || failure["reason"] == "" {
		t.Errorf("failure = %v", out["failure"])
	}
}

func TestRateLimitPerRequester(t *testing.T) {
	ts := newTestServer(t, config.APIConfig{RequestsPerMinute: 1, Burst: 2})
	ts.create(t, "user-1")
	ts.create(t, "user-1")

	body := map[string]any{"requester_id": "user-1", "role_id": "counselor"}
	w, out := ts.do(t, http.MethodPost, "/api/sessions", body)
	if w.Code != http.StatusTooManyRequests || out["kind"] != "RateLimited" {
		t.Fatalf("third request = %d %v", w.Code, out)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}

	// Other requesters are unaffected.
	ts.create(t, "user-2")
}

func TestListEndpoints(t *testing.T) {
	ts := newTestServer(t, config.APIConfig{})
	first := ts.create(t, "user-1")
	ts.create(t, "user-2")
	ts.do(t, http.MethodPost, "/api/sessions/"+first+"/cancel", map[string]any{"requested_by": "user-1"})

	w, out := ts.do(t, http.MethodGet, "/api/sessions?requester=user-1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list = %d", w.Code)
	}
	if list := out["sessions"].([]any); len(list) != 1 {
		t.Errorf("sessions for user-1 = %d, want 1", len(list))
	}

	_, out = ts.do(t, http.MethodGet, "/api/sessions?state=cancelled", nil)
	if list := out["sessions"].([]any); len(list) != 1 {
		t.Errorf("cancelled sessions = %d, want 1", len(list))
	}

	_, out = ts.do(t, http.MethodGet, "/api/sessions/stats", nil)
	counts := map[string]float64{}
	for _, s := range out["states"].([]any) {
		m := s.(map[string]any)
		counts[m["state"].(string)] = m["count"].(float64)
	}
	if counts["cancelled"] != 1 || counts["pending_acceptance"] != 1 {
		t.Errorf("stats = %v", counts)
	}

	_, out = ts.do(t, http.MethodGet, "/api/professionals?role=counselor", nil)
	pros := out["professionals"].([]any)
	if len(pros) != 2 {
		t.Fatalf("counselors = %d, want 2", len(pros))
	}
	if pros[0].(map[string]any)["name"] != "Thandi" {
		t.Errorf("first professional = %v", pros[0])
	}

	_, out = ts.do(t, http.MethodGet, "/api/rules", nil)
	rs := out["rules"].([]any)
	if len(rs) != 1 || rs[0].(map[string]any)["id"] != "primary" {
		t.Errorf("rules = %v", rs)
	}
}

func TestEventsStream(t *testing.T) {
	ts := newTestServer(t, config.APIConfig{})
	srv := httptest.NewServer(ts.router)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events?requester=user-1", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /api/events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}

	lines := make(chan string, 64)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	next := func(prefix string) string {
		t.Helper()
		deadline := time.After(2 * time.Second)
		for {
			select {
			case l, ok := <-lines:
				if !ok {
					t.Fatalf("stream closed waiting for %q", prefix)
				}
				if strings.HasPrefix(l, prefix) {
					return l
				}
			case <-deadline:
				t.Fatalf("timeout waiting for %q", prefix)
			}
		}
	}

	next("event: connected")
	next("event: heartbeat")

	ts.hub.Deliver(events.SessionEvent{SessionID: "other", RequesterID: "user-2",
		From: models.StateRequested, To: models.StatePendingAcceptance})
	ts.hub.Deliver(events.SessionEvent{SessionID: "s-9", RequesterID: "user-1", Attempt: 1,
		From: models.StateRequested, To: models.StatePendingAcceptance})

	next("event: session")
	data := next("data: ")
	var ev events.SessionEvent
	if err := json.Unmarshal([]byte(strings.TrimPrefix(data, "data: ")), &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.SessionID != "s-9" {
		t.Errorf("event session = %q, want s-9 (filtered stream)", ev.SessionID)
	}
}

func TestRequesterLimiter(t *testing.T) {
	l := newRequesterLimiter(60, 1)
	now := t0
	l.now = func() time.Time { return now }

	if !l.Allow("a") {
		t.Fatal("first request should pass")
	}
	if l.Allow("a") {
		t.Fatal("second immediate request should be limited")
	}
	now = now.Add(time.Second)
	if !l.Allow("a") {
		t.Fatal("request after refill should pass")
	}

	now = now.Add(idleAfter + time.Second)
	l.Allow("b")
	if l.size() != 1 {
		t.Errorf("idle entries should be pruned, size = %d", l.size())
	}

	if !newRequesterLimiter(0, 0).Allow("x") {
		t.Error("disabled limiter should allow everything")
	}
}
