package match

import (
	"math"
	"reflect"
	"testing"

	"github.com/dreambigrsa/liveassist/internal/config"
)

func cand(id string, online bool, load int, avg float64, count int) Candidate {
	return Candidate{ID: id, RoleID: "counselor", Online: online, CurrentSessionCount: load, RatingAverage: avg, RatingCount: count}
}

func TestMatch_Ordering(t *testing.T) {
	m := New(DefaultWeights())
	cands := []Candidate{
		cand("offline-star", false, 0, 5, 50),
		cand("busy", true, 2, 4, 10),
		cand("idle", true, 0, 4, 10),
	}
	got := m.Match(Request{RoleID: "counselor"}, cands, nil)

	want := []string{"idle", "busy", "offline-star"}
	if !reflect.DeepEqual(got.IDs(), want) {
		t.Errorf("order = %v, want %v", got.IDs(), want)
	}
	for i := 1; i < len(got); i++ {
		if got[i].Score > got[i-1].Score {
			t.Errorf("score[%d]=%v > score[%d]=%v", i, got[i].Score, i-1, got[i-1].Score)
		}
	}
	for _, s := range got {
		if s.Score < 0 || s.Score > 1 {
			t.Errorf("%s score %v out of [0,1]", s.Candidate.ID, s.Score)
		}
	}
}

func TestMatch_ExactScore(t *testing.T) {
	m := New(DefaultWeights())
	got := m.Match(Request{}, []Candidate{cand("a", true, 0, 5, 10)}, nil)
	if len(got) != 1 {
		t.Fatalf("len = %d", len(got))
	}
	// online 0.5 + load 0.2 + rating 0.2, no location term.
	if math.Abs(got[0].Score-0.9) > 1e-9 {
		t.Errorf("score = %v, want 0.9", got[0].Score)
	}
}

func TestMatch_ExcludesTried(t *testing.T) {
	m := New(DefaultWeights())
	cands := []Candidate{cand("a", true, 0, 4, 5), cand("b", true, 0, 3, 5), cand("c", true, 0, 2, 5)}
	got := m.Match(Request{}, cands, []string{"a", "c"})
	if !reflect.DeepEqual(got.IDs(), []string{"b"}) {
		t.Errorf("IDs = %v, want [b]", got.IDs())
	}
}

func TestMatch_Empty(t *testing.T) {
	m := New(DefaultWeights())
	if got := m.Match(Request{}, nil, nil); len(got) != 0 {
		t.Errorf("nil candidates -> %v", got)
	}
	cands := []Candidate{cand("a", true, 0, 4, 5)}
	got := m.Match(Request{}, cands, []string{"a"})
	if got == nil || len(got) != 0 {
		t.Errorf("all tried -> %#v, want empty non-nil result", got)
	}
}

func TestMatch_TieBreaks(t *testing.T) {
	// Zero load weight so the load term cannot separate the scores.
	m := New(Weights{Online: 1, Rating: 1, MinRatingCount: 3})
	tests := []struct {
		name  string
		cands []Candidate
		want  []string
	}{
		{
			name:  "lower load first",
			cands: []Candidate{cand("x", true, 2, 4, 10), cand("y", true, 1, 4, 10)},
			want:  []string{"y", "x"},
		},
		{
			name:  "higher rating count next",
			cands: []Candidate{cand("x", true, 1, 4, 10), cand("y", true, 1, 4, 20)},
			want:  []string{"y", "x"},
		},
		{
			name:  "id ascending last",
			cands: []Candidate{cand("zed", true, 1, 4, 10), cand("abe", true, 1, 4, 10)},
			want:  []string{"abe", "zed"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := m.Match(Request{}, tt.cands, nil)
			if got[0].Score != got[1].Score {
				t.Fatalf("scores differ: %v vs %v", got[0].Score, got[1].Score)
			}
			if !reflect.DeepEqual(got.IDs(), tt.want) {
				t.Errorf("order = %v, want %v", got.IDs(), tt.want)
			}
		})
	}
}

func TestMatch_RatingDiscount(t *testing.T) {
	m := New(Weights{Rating: 1, MinRatingCount: 3})
	cands := []Candidate{
		cand("fluke", true, 0, 5, 1),
		cand("steady", true, 0, 4, 40),
	}
	got := m.Match(Request{}, cands, nil)
	if got[0].Candidate.ID != "steady" {
		t.Errorf("top = %s, want steady", got[0].Candidate.ID)
	}
	if got[1].Score != 0.5 {
		t.Errorf("fluke score = %v, want neutral 0.5", got[1].Score)
	}
}

func TestMatch_Location(t *testing.T) {
	m := New(Weights{Location: 1})
	cands := []Candidate{
		{ID: "far", LocationHint: "ke/nairobi"},
		{ID: "region", LocationHint: "za/western-cape"},
		{ID: "exact", LocationHint: "ZA/Gauteng"},
		{ID: "none"},
	}
	got := m.Match(Request{LocationHint: "za/gauteng"}, cands, nil)
	wantOrder := []string{"exact", "region", "far", "none"}
	if !reflect.DeepEqual(got.IDs(), wantOrder) {
		t.Errorf("order = %v, want %v", got.IDs(), wantOrder)
	}
	scores := map[string]float64{}
	for _, s := range got {
		scores[s.Candidate.ID] = s.Score
	}
	if scores["exact"] != 1 || scores["region"] != 0.5 || scores["far"] != 0 {
		t.Errorf("scores = %v", scores)
	}
}

func TestMatch_Deterministic(t *testing.T) {
	m := New(DefaultWeights())
	cands := []Candidate{
		cand("a", true, 1, 4.2, 7), cand("b", true, 1, 4.2, 7), cand("c", false, 0, 3, 2), cand("d", true, 3, 5, 100),
	}
	first := m.Match(Request{}, cands, nil)
	for i := 0; i < 10; i++ {
		again := m.Match(Request{}, cands, nil)
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("run %d differs: %v vs %v", i, first.IDs(), again.IDs())
		}
	}
}

func TestMatch_DuplicateCandidates(t *testing.T) {
	m := New(DefaultWeights())
	got := m.Match(Request{}, []Candidate{cand("a", true, 0, 4, 5), cand("a", true, 0, 4, 5)}, nil)
	if len(got) != 1 {
		t.Errorf("len = %d, want duplicates collapsed", len(got))
	}
}

func TestNew_Weights(t *testing.T) {
	m := New(Weights{})
	if m.Weights() != DefaultWeights() {
		t.Errorf("zero weights -> %+v, want defaults", m.Weights())
	}
	m = New(Weights{Online: -1, Rating: 1})
	if m.Weights().Online != 0 {
		t.Errorf("negative weight not clamped: %+v", m.Weights())
	}
	w := WeightsFromConfig(config.MatcherConfig{OnlineWeight: 0.7, LoadWeight: 0.3, MinRatingCount: 5})
	if w.Online != 0.7 || w.Load != 0.3 || w.MinRatingCount != 5 {
		t.Errorf("WeightsFromConfig = %+v", w)
	}
}

func TestResult_Top(t *testing.T) {
	r := Result{{Candidate: Candidate{ID: "a"}}, {Candidate: Candidate{ID: "b"}}, {Candidate: Candidate{ID: "c"}}}
	if got := r.Top(2).IDs(); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("Top(2) = %v", got)
	}
	if len(r.Top(0)) != 3 || len(r.Top(10)) != 3 {
		t.Error("Top(0) and Top(10) should return everything")
	}
}

func TestAvailable(t *testing.T) {
	cands := []Candidate{cand("on", true, 0, 0, 0), cand("off", false, 0, 0, 0), cand("full", true, 3, 0, 0)}
	got := Available(cands, true, 3)
	if len(got) != 1 || got[0].ID != "on" {
		t.Errorf("Available = %+v", got)
	}
	if n := len(Available(cands, false, 0)); n != 3 {
		t.Errorf("no filters -> %d, want 3", n)
	}
}
