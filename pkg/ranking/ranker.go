// Package ranking scores, deduplicates and orders search results.
//
// The base ordering is a pure function of the term and the result set. An
// optional advisor (the language model gateway) may recommend an entry and
// reorder entries whose deterministic scores tie; it never adds, removes or
// reorders results across score boundaries.
package ranking

import (
	"context"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"github.com/sahilm/fuzzy"

	"github.com/eshu/eshu/pkg/engine"
	"github.com/eshu/eshu/pkg/profile"
)

// DefaultTopK is how many leading results are shown to the advisor.
const DefaultTopK = 15

// Weights are the score contributions of each match tier and bonus.
type Weights struct {
	Exact       int `mapstructure:"exact" yaml:"exact"`
	Prefix      int `mapstructure:"prefix" yaml:"prefix"`
	Contains    int `mapstructure:"contains" yaml:"contains"`
	Description int `mapstructure:"description" yaml:"description"`
	Installed   int `mapstructure:"installed" yaml:"installed"`
	Native      int `mapstructure:"native" yaml:"native"`
}

// DefaultWeights returns the standard scoring table.
func DefaultWeights() Weights {
	return Weights{
		Exact:       100,
		Prefix:      50,
		Contains:    25,
		Description: 10,
		Installed:   2,
		Native:      5,
	}
}

// Advisor recommends among ranked results. A RecommendedIndex outside the
// given slice means no recommendation.
type Advisor interface {
	ExplainRanking(ctx context.Context, term string, results []engine.PackageResult, p *profile.SystemProfile) engine.Recommendation
}

// Ranked is an ordered result list with optional advice.
type Ranked struct {
	Term    string                 `json:"term"`
	Results []engine.PackageResult `json:"results"`

	// RecommendedIndex points into Results, or -1.
	RecommendedIndex int      `json:"recommended_index"`
	Explanation      string   `json:"explanation,omitempty"`
	Warnings         []string `json:"warnings,omitempty"`

	// Augmented is set when advice was applied.
	Augmented bool `json:"augmented"`

	// Suggestions are nearby names offered when nothing matched by name.
	Suggestions []string `json:"suggestions,omitempty"`
}

// Recommended returns the recommended result, if any.
func (r *Ranked) Recommended() (engine.PackageResult, bool) {
	if r.RecommendedIndex < 0 || r.RecommendedIndex >= len(r.Results) {
		return engine.PackageResult{}, false
	}
	return r.Results[r.RecommendedIndex], true
}

// Ranker applies the deterministic heuristic.
type Ranker struct {
	weights   Weights
	priority  map[string]int
	preferred map[string]bool
	topK      int
	logger    zerolog.Logger
}

// Option configures a Ranker.
type Option func(*Ranker)

// WithWeights overrides the scoring table.
func WithWeights(w Weights) Option {
	return func(r *Ranker) { r.weights = w }
}

// WithTopK sets how many results the advisor sees.
func WithTopK(k int) Option {
	return func(r *Ranker) {
		if k > 0 {
			r.topK = k
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Ranker) { r.logger = logger.With().Str("component", "ranking").Logger() }
}

// NewRanker creates a ranker. priority is the total backend order used to
// break ties; preferred backends earn the native bonus.
func NewRanker(priority, preferred []string, opts ...Option) *Ranker {
	r := &Ranker{
		weights:   DefaultWeights(),
		priority:  make(map[string]int, len(priority)),
		preferred: make(map[string]bool, len(preferred)),
		topK:      DefaultTopK,
		logger:    zerolog.Nop(),
	}
	for i, name := range priority {
		if _, dup := r.priority[name]; !dup {
			r.priority[name] = i
		}
	}
	for _, name := range preferred {
		r.preferred[name] = true
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Score computes one result's relevance. Only the best name tier counts and
// the description tier applies only when no name tier matched.
func (r *Ranker) Score(term string, res engine.PackageResult) int {
	t := engine.NormalizeName(term)
	name := engine.NormalizeName(res.Name)

	score := 0
	if t != "" {
		switch {
		case name == t:
			score = r.weights.Exact
		case strings.HasPrefix(name, t):
			score = r.weights.Prefix
		case strings.Contains(name, t):
			score = r.weights.Contains
		case strings.Contains(strings.ToLower(res.Description), t):
			score = r.weights.Description
		}
	}
	if res.Installed {
		score += r.weights.Installed
	}
	if r.preferred[res.Backend] {
		score += r.weights.Native
	}
	return score
}

func (r *Ranker) rankOf(backend string) int {
	if i, ok := r.priority[backend]; ok {
		return i
	}
	return len(r.priority)
}

// less is a total order over scored results.
func (r *Ranker) less(a, b engine.PackageResult) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if pa, pb := r.rankOf(a.Backend), r.rankOf(b.Backend); pa != pb {
		return pa < pb
	}
	if a.Backend != b.Backend {
		return a.Backend < b.Backend
	}
	if na, nb := engine.NormalizeName(a.Name), engine.NormalizeName(b.Name); na != nb {
		return na < nb
	}
	if a.Name != b.Name {
		return a.Name < b.Name
	}
	if a.Version != b.Version {
		return a.Version < b.Version
	}
	if a.ID != b.ID {
		return a.ID < b.ID
	}
	if a.Installed != b.Installed {
		return a.Installed
	}
	return a.Description < b.Description
}

// Rank scores, deduplicates by (normalized name, backend) and orders results.
// The input slice is not modified.
func (r *Ranker) Rank(term string, results []engine.PackageResult) []engine.PackageResult {
	return r.rank([]string{term}, results)
}

// ScoreTerms is the best Score of res over terms.
func (r *Ranker) ScoreTerms(terms []string, res engine.PackageResult) int {
	best := r.Score("", res)
	for _, term := range terms {
		if s := r.Score(term, res); s > best {
			best = s
		}
	}
	return best
}

func (r *Ranker) rank(terms []string, results []engine.PackageResult) []engine.PackageResult {
	scored := make([]engine.PackageResult, len(results))
	copy(scored, results)
	for i := range scored {
		scored[i].Score = r.ScoreTerms(terms, scored[i])
	}

	sort.SliceStable(scored, func(i, j int) bool { return r.less(scored[i], scored[j]) })

	seen := make(map[string]bool, len(scored))
	out := make([]engine.PackageResult, 0, len(scored))
	for _, res := range scored {
		key := res.Key()
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, res)
	}
	return out
}

// RankWithAdvice ranks deterministically and then, if advisor is non-nil,
// applies its recommendation. Any unusable advice leaves the order unchanged.
func (r *Ranker) RankWithAdvice(ctx context.Context, term string, results []engine.PackageResult, p *profile.SystemProfile, advisor Advisor) *Ranked {
	return r.RankTermsWithAdvice(ctx, []string{term}, results, p, advisor)
}

// RankTermsWithAdvice is RankWithAdvice for results gathered from several
// search terms: each result is scored against the term it matches best. The
// first term is the one shown to the advisor and used for suggestions.
func (r *Ranker) RankTermsWithAdvice(ctx context.Context, terms []string, results []engine.PackageResult, p *profile.SystemProfile, advisor Advisor) *Ranked {
	term := ""
	if len(terms) > 0 {
		term = terms[0]
	}
	ranked := &Ranked{
		Term:             term,
		Results:          r.rank(terms, results),
		RecommendedIndex: -1,
	}
	ranked.Suggestions = r.suggest(terms, ranked.Results, p)

	if advisor == nil || len(ranked.Results) == 0 || ctx.Err() != nil {
		return ranked
	}

	top := ranked.Results
	if len(top) > r.topK {
		top = top[:r.topK]
	}
	rec := advisor.ExplainRanking(ctx, term, append([]engine.PackageResult(nil), top...), p)
	if rec.RecommendedIndex < 0 || rec.RecommendedIndex >= len(top) {
		r.logger.Debug().Int("index", rec.RecommendedIndex).Msg("Ignoring ranking advice")
		return ranked
	}

	ranked.Results = applyAdvice(ranked.Results, rec, len(top))
	chosen := top[rec.RecommendedIndex].Key()
	for i, res := range ranked.Results {
		if res.Key() == chosen {
			ranked.RecommendedIndex = i
			break
		}
	}
	ranked.Explanation = rec.Explanation
	ranked.Warnings = rec.Warnings
	ranked.Augmented = true
	return ranked
}

// applyAdvice moves the recommended entry, then alternatives, to the front of
// their equal-score runs within the first k results.
func applyAdvice(results []engine.PackageResult, rec engine.Recommendation, k int) []engine.PackageResult {
	pref := make(map[int]int)
	pref[rec.RecommendedIndex] = 0
	for i, alt := range rec.Alternatives {
		if alt >= 0 && alt < k {
			if _, ok := pref[alt]; !ok {
				pref[alt] = i + 1
			}
		}
	}

	out := append([]engine.PackageResult(nil), results...)
	weight := func(i int) int {
		if w, ok := pref[i]; ok {
			return w
		}
		return len(pref) + 1
	}

	for start := 0; start < k; {
		end := start + 1
		for end < k && out[end].Score == out[start].Score {
			end++
		}
		idx := make([]int, end-start)
		for i := range idx {
			idx[i] = start + i
		}
		sort.SliceStable(idx, func(a, b int) bool { return weight(idx[a]) < weight(idx[b]) })
		run := make([]engine.PackageResult, len(idx))
		for i, j := range idx {
			run[i] = results[j]
		}
		copy(out[start:end], run)
		start = end
	}
	return out
}

type nameSource []string

func (s nameSource) String(i int) string { return s[i] }
func (s nameSource) Len() int            { return len(s) }

// suggest offers names close to the first term when no result matched any
// term by name.
func (r *Ranker) suggest(terms []string, results []engine.PackageResult, p *profile.SystemProfile) []string {
	if len(terms) == 0 {
		return nil
	}
	t := engine.NormalizeName(terms[0])
	if t == "" {
		return nil
	}
	for _, res := range results {
		name := engine.NormalizeName(res.Name)
		for _, term := range terms {
			if n := engine.NormalizeName(term); n != "" && strings.Contains(name, n) {
				return nil
			}
		}
	}

	seen := make(map[string]bool)
	var candidates nameSource
	add := func(name string) {
		n := engine.NormalizeName(name)
		if n != "" && !seen[n] {
			seen[n] = true
			candidates = append(candidates, n)
		}
	}
	for _, res := range results {
		add(res.Name)
	}
	if p != nil {
		for _, name := range p.InstalledNames() {
			add(name)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	var out []string
	for _, m := range fuzzy.FindFrom(t, candidates) {
		out = append(out, m.Str)
		if len(out) == 3 {
			break
		}
	}
	return out
}
