// Package match ranks candidate professionals for a help request.
//
// Matching is a pure function over a directory snapshot: the same
// candidates and inputs always produce the same ordering.
package match

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/dreambigrsa/liveassist/internal/config"
)

// Candidate is a point-in-time projection of a professional, recomputed for
// every match attempt.
type Candidate struct {
	ID                  string  `json:"id"`
	RoleID              string  `json:"role_id"`
	Online              bool    `json:"online"`
	CurrentSessionCount int     `json:"current_session_count"`
	RatingAverage       float64 `json:"rating_average"`
	RatingCount         int     `json:"rating_count"`
	LocationHint        string  `json:"location_hint,omitempty"`
}

// Request is the part of a help request the matcher looks at.
type Request struct {
	RoleID       string
	LocationHint string
}

// Weights controls the composite score. Terms are normalized by the weight
// sum so the composite stays within [0,1].
type Weights struct {
	Online         float64
	Load           float64
	Rating         float64
	Location       float64
	MinRatingCount int
}

// DefaultWeights returns the weights used when none are configured.
func DefaultWeights() Weights {
	return Weights{Online: 0.5, Load: 0.2, Rating: 0.2, Location: 0.1, MinRatingCount: 3}
}

// WeightsFromConfig converts the matcher config section.
func WeightsFromConfig(c config.MatcherConfig) Weights {
	return Weights{
		Online:         c.OnlineWeight,
		Load:           c.LoadWeight,
		Rating:         c.RatingWeight,
		Location:       c.LocationWeight,
		MinRatingCount: c.MinRatingCount,
	}
}

func (w Weights) sum() float64 {
	return w.Online + w.Load + w.Rating + w.Location
}

// Scored is one ranked entry of a Result.
type Scored struct {
	Candidate Candidate `json:"candidate"`
	Score     float64   `json:"score"`
	Reasons   []string  `json:"reasons"`
}

// Result is ordered by descending score. It is never persisted.
type Result []Scored

// IDs returns the candidate IDs in rank order.
func (r Result) IDs() []string {
	ids := make([]string, len(r))
	for i, s := range r {
		ids[i] = s.Candidate.ID
	}
	return ids
}

// Top returns the first n entries, or all when n <= 0 or n exceeds the length.
func (r Result) Top(n int) Result {
	if n <= 0 || n >= len(r) {
		return r
	}
	return r[:n]
}

// Matcher scores candidates with a fixed set of weights.
type Matcher struct {
	weights Weights
}

// New creates a Matcher. Negative weights are clamped to zero; all-zero
// weights fall back to DefaultWeights.
func New(w Weights) *Matcher {
	w.Online = math.Max(w.Online, 0)
	w.Load = math.Max(w.Load, 0)
	w.Rating = math.Max(w.Rating, 0)
	w.Location = math.Max(w.Location, 0)
	if w.sum() == 0 {
		minCount := w.MinRatingCount
		w = DefaultWeights()
		if minCount > 0 {
			w.MinRatingCount = minCount
		}
	}
	if w.MinRatingCount <= 0 {
		w.MinRatingCount = DefaultWeights().MinRatingCount
	}
	return &Matcher{weights: w}
}

// Weights returns the effective weights.
func (m *Matcher) Weights() Weights {
	return m.weights
}

// Match scores and ranks candidates, excluding any whose ID is in tried.
// Candidates must already be filtered to the request's role. An empty
// input yields an empty Result, not an error.
func (m *Matcher) Match(req Request, candidates []Candidate, tried []string) Result {
	skip := make(map[string]bool, len(tried))
	for _, id := range tried {
		skip[id] = true
	}

	pool := make([]Candidate, 0, len(candidates))
	seen := make(map[string]bool, len(candidates))
	busiest := 0
	for _, c := range candidates {
		if skip[c.ID] || seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		pool = append(pool, c)
		if c.CurrentSessionCount > busiest {
			busiest = c.CurrentSessionCount
		}
	}

	result := make(Result, 0, len(pool))
	for _, c := range pool {
		result = append(result, m.score(req, c, busiest))
	}

	sort.SliceStable(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Candidate.CurrentSessionCount != b.Candidate.CurrentSessionCount {
			return a.Candidate.CurrentSessionCount < b.Candidate.CurrentSessionCount
		}
		if a.Candidate.RatingCount != b.Candidate.RatingCount {
			return a.Candidate.RatingCount > b.Candidate.RatingCount
		}
		return a.Candidate.ID < b.Candidate.ID
	})
	return result
}

func (m *Matcher) score(req Request, c Candidate, busiest int) Scored {
	w := m.weights
	var reasons []string

	online := 0.0
	if c.Online {
		online = 1
		reasons = append(reasons, "online")
	} else {
		reasons = append(reasons, "offline")
	}

	load := 1.0
	if busiest > 0 {
		load = 1 - float64(max(c.CurrentSessionCount, 0))/float64(busiest)
	}
	reasons = append(reasons, fmt.Sprintf("load %d/%d", c.CurrentSessionCount, busiest))

	rating := 0.5
	if c.RatingCount < w.MinRatingCount {
		reasons = append(reasons, fmt.Sprintf("rating neutral (%d < %d ratings)", c.RatingCount, w.MinRatingCount))
	} else {
		rating = clamp01(c.RatingAverage / 5)
		reasons = append(reasons, fmt.Sprintf("rating %.2f (%d)", c.RatingAverage, c.RatingCount))
	}

	location := locationProximity(req.LocationHint, c.LocationHint)
	switch location {
	case 1:
		reasons = append(reasons, "location exact")
	case 0.5:
		reasons = append(reasons, "location region")
	}

	total := w.Online*online + w.Load*load + w.Rating*rating + w.Location*location
	score := clamp01(total / w.sum())
	// Rounded so equal inputs compare equal regardless of summation order.
	score = math.Round(score*1e6) / 1e6

	return Scored{Candidate: c, Score: score, Reasons: reasons}
}

// locationProximity returns 1 for an exact hint match, 0.5 when both hints
// share their leading region segment, and 0 otherwise or when either is empty.
func locationProximity(a, b string) float64 {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	if region(a) != "" && region(a) == region(b) {
		return 0.5
	}
	return 0
}

func region(hint string) string {
	if i := strings.IndexAny(hint, "/,"); i >= 0 {
		return strings.TrimSpace(hint[:i])
	}
	return hint
}

func clamp01(v float64) float64 {
	return math.Min(1, math.Max(0, v))
}

// Available filters candidates to those that may receive a new offer:
// online (when requireOnline) and below maxLoad (when maxLoad > 0).
func Available(candidates []Candidate, requireOnline bool, maxLoad int) []Candidate {
	out := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if requireOnline && !c.Online {
			continue
		}
		if maxLoad > 0 && c.CurrentSessionCount >= maxLoad {
			continue
		}
		out = append(out, c)
	}
	return out
}
