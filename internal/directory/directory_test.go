package directory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dreambigrsa/liveassist/internal/apperr"
	"github.com/dreambigrsa/liveassist/internal/config"
	"github.com/dreambigrsa/liveassist/internal/db"
	"github.com/dreambigrsa/liveassist/internal/match"
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

func seed(t *testing.T, gdb *gorm.DB, pros ...models.Professional) {
	t.Helper()
	for i := range pros {
		if err := gdb.Create(&pros[i]).Error; err != nil {
			t.Fatalf("create %s: %v", pros[i].ID, err)
		}
	}
}

func load(t *testing.T, gdb *gorm.DB, id string) int {
	t.Helper()
	var p models.Professional
	if err := gdb.First(&p, "id = ?", id).Error; err != nil {
		t.Fatalf("load %s: %v", id, err)
	}
	return p.CurrentSessionCount
}

func TestListCandidates_FiltersRoleAndExclude(t *testing.T) {
	gdb := testDB(t)
	seed(t, gdb,
		models.Professional{ID: "c-2", RoleID: "counselor", Online: true, RatingAverage: 4, RatingCount: 9},
		models.Professional{ID: "c-1", RoleID: "counselor", LocationHint: "za/gauteng"},
		models.Professional{ID: "m-1", RoleID: "mediator", Online: true},
	)
	s := NewStore(gdb)

	got, err := s.ListCandidates(context.Background(), "counselor", nil)
	if err != nil {
		t.Fatalf("ListCandidates: %v", err)
	}
	if len(got) != 2 || got[0].ID != "c-1" || got[1].ID != "c-2" {
		t.Fatalf("got %+v", got)
	}
	if got[0].LocationHint != "za/gauteng" || got[1].RatingCount != 9 || !got[1].Online {
		t.Errorf("projection lost fields: %+v", got)
	}

	got, err = s.ListCandidates(context.Background(), "counselor", []string{"c-1"})
	if err != nil {
		t.Fatalf("ListCandidates exclude: %v", err)
	}
	if len(got) != 1 || got[0].ID != "c-2" {
		t.Errorf("excluded result = %+v", got)
	}
}

func TestReserve_BoundedByMaxLoad(t *testing.T) {
	gdb := testDB(t)
	seed(t, gdb, models.Professional{ID: "p", RoleID: "counselor", Online: true})
	s := NewStore(gdb)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := s.Reserve(ctx, "p", 2); err != nil {
			t.Fatalf("Reserve %d: %v", i, err)
		}
	}
	err := s.Reserve(ctx, "p", 2)
	if !apperr.Is(err, apperr.KindCapacityExceeded) {
		t.Fatalf("third Reserve err = %v, want CapacityExceeded", err)
	}
	if n := load(t, gdb, "p"); n != 2 {
		t.Errorf("load = %d, want 2", n)
	}
}

func TestReserve_UnknownProfessional(t *testing.T) {
	s := NewStore(testDB(t))
	err := s.Reserve(context.Background(), "ghost", 3)
	if !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("err = %v, want NotFound", err)
	}
}

func TestReserve_ConcurrentNoDoubleBooking(t *testing.T) {
	gdb := testDB(t)
	seed(t, gdb, models.Professional{ID: "p", RoleID: "counselor", Online: true})
	s := NewStore(gdb)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Reserve(context.Background(), "p", 3); err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if accepted != 3 {
		t.Errorf("accepted = %d, want 3", accepted)
	}
	if n := load(t, gdb, "p"); n != 3 {
		t.Errorf("load = %d, want 3", n)
	}
}

func TestRelease_NeverNegative(t *testing.T) {
	gdb := testDB(t)
	seed(t, gdb, models.Professional{ID: "p", RoleID: "counselor"})
	s := NewStore(gdb)
	ctx := context.Background()

	if err := s.Reserve(ctx, "p", 0); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := s.Release(ctx, "p"); err != nil {
			t.Fatalf("Release: %v", err)
		}
	}
	if n := load(t, gdb, "p"); n != 0 {
		t.Errorf("load = %d, want 0", n)
	}
}

func TestReconcile(t *testing.T) {
	gdb := testDB(t)
	seed(t, gdb,
		models.Professional{ID: "a", RoleID: "counselor", CurrentSessionCount: 5},
		models.Professional{ID: "b", RoleID: "counselor"},
	)
	now := time.Now()
	for _, s := range []models.Session{
		{ID: "s1", RequestID: "r1", RequesterID: "u", RoleID: "counselor", State: models.StateActive, CandidateID: "a", LastTransitionAt: now},
		{ID: "s2", RequestID: "r2", RequesterID: "u", RoleID: "counselor", State: models.StateActive, CandidateID: "b", LastTransitionAt: now},
		{ID: "s3", RequestID: "r3", RequesterID: "u", RoleID: "counselor", State: models.StateEnded, CandidateID: "b", LastTransitionAt: now},
	} {
		if err := gdb.Create(&s).Error; err != nil {
			t.Fatalf("create session: %v", err)
		}
	}

	n, err := NewStore(gdb).Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if n != 2 {
		t.Errorf("corrected = %d, want 2", n)
	}
	if got := load(t, gdb, "a"); got != 1 {
		t.Errorf("a load = %d, want 1", got)
	}
	if got := load(t, gdb, "b"); got != 1 {
		t.Errorf("b load = %d, want 1", got)
	}
}

func TestSaveAndLookup(t *testing.T) {
	gdb := testDB(t)
	s := NewStore(gdb)
	ctx := context.Background()

	p := &models.Professional{ID: "p", Name: "Ayo", RoleID: "mediator", Online: true, ChatUserID: "U123"}
	if err := s.Save(ctx, p); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Reserve(ctx, "p", 0); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	// Update with Online=false keeps load.
	if err := s.Save(ctx, &models.Professional{ID: "p", Name: "Ayo B", RoleID: "mediator", ChatUserID: "U123"}); err != nil {
		t.Fatalf("Save update: %v", err)
	}
	got, err := s.FindByChatUser(ctx, "U123")
	if err != nil {
		t.Fatalf("FindByChatUser: %v", err)
	}
	if got.Name != "Ayo B" || got.Online || got.CurrentSessionCount != 1 {
		t.Errorf("got %+v", got)
	}

	if err := s.SetOnline(ctx, "p", true); err != nil {
		t.Fatalf("SetOnline: %v", err)
	}
	if err := s.SetOnline(ctx, "ghost", true); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("SetOnline ghost err = %v", err)
	}
	if _, err := s.Get(ctx, "ghost"); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("Get ghost err = %v", err)
	}
	if err := s.Save(ctx, &models.Professional{ID: "x"}); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("Save without role err = %v", err)
	}

	list, err := s.List(ctx, "mediator")
	if err != nil || len(list) != 1 {
		t.Errorf("List = %v, %v", list, err)
	}
}

// flakyDirectory fails a fixed number of times before delegating.
type flakyDirectory struct {
	failures int
	calls    int
	err      error
	result   []match.Candidate
}

func (f *flakyDirectory) ListCandidates(ctx context.Context, roleID string, exclude []string) ([]match.Candidate, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, f.err
	}
	return f.result, nil
}

func (f *flakyDirectory) Reserve(ctx context.Context, id string, maxLoad int) error {
	f.calls++
	if f.calls <= f.failures {
		return f.err
	}
	return nil
}

func (f *flakyDirectory) Release(ctx context.Context, id string) error { return nil }

func TestRetrying_RecoversFromTransient(t *testing.T) {
	inner := &flakyDirectory{failures: 2, err: errors.New("connection reset"), result: []match.Candidate{{ID: "a"}}}
	d := WithRetry(inner, db.RetryPolicy{Retries: 3, Base: time.Millisecond})

	got, err := d.ListCandidates(context.Background(), "counselor", nil)
	if err != nil {
		t.Fatalf("ListCandidates: %v", err)
	}
	if len(got) != 1 || inner.calls != 3 {
		t.Errorf("got %v after %d calls", got, inner.calls)
	}
}

func TestRetrying_Unavailable(t *testing.T) {
	inner := &flakyDirectory{failures: 100, err: errors.New("connection refused")}
	d := WithRetry(inner, db.RetryPolicy{Retries: 2, Base: time.Millisecond})

	_, err := d.ListCandidates(context.Background(), "counselor", nil)
	if !apperr.Is(err, apperr.KindDirectoryUnavailable) {
		t.Fatalf("err = %v, want DirectoryUnavailable", err)
	}
	if inner.calls != 3 {
		t.Errorf("calls = %d, want 3", inner.calls)
	}
}

func TestRetrying_DomainErrorPassesThrough(t *testing.T) {
	inner := &flakyDirectory{failures: 100, err: apperr.New(apperr.KindCapacityExceeded, "full")}
	d := WithRetry(inner, db.RetryPolicy{Retries: 2, Base: time.Millisecond})

	err := d.Reserve(context.Background(), "p", 1)
	if !apperr.Is(err, apperr.KindCapacityExceeded) {
		t.Fatalf("err = %v, want CapacityExceeded", err)
	}
	if inner.calls != 1 {
		t.Errorf("calls = %d, want 1 (domain errors are not retried)", inner.calls)
	}
}
