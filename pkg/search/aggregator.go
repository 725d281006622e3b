// Package search fans a query out to every usable backend and merges the
// answers. A backend that fails or overruns its budget contributes nothing;
// the aggregate never fails because of one backend.
package search

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/eshu/eshu/pkg/backend"
	"github.com/eshu/eshu/pkg/engine"
	"github.com/eshu/eshu/pkg/profile"
	"github.com/eshu/eshu/pkg/telemetry"
)

// DefaultTimeout is the per-backend search budget.
const DefaultTimeout = 8 * time.Second

// Outcome describes how one backend answered.
type Outcome struct {
	Backend  string        `json:"backend"`
	Status   string        `json:"status"`
	Results  int           `json:"results"`
	Duration time.Duration `json:"duration"`
	Err      error         `json:"-"`
}

// Report is the merged answer plus per-backend outcomes.
type Report struct {
	Term     string                 `json:"term"`
	Results  []engine.PackageResult `json:"results"`
	Outcomes []Outcome              `json:"outcomes"`

	// Partial is set when at least one backend did not answer.
	Partial bool `json:"partial"`
}

// Responded lists backends that answered, in priority order.
func (r *Report) Responded() []string {
	var names []string
	for _, o := range r.Outcomes {
		if o.Status == telemetry.OutcomeOK {
			names = append(names, o.Backend)
		}
	}
	return names
}

// Aggregator dispatches searches concurrently.
type Aggregator struct {
	registry *backend.Registry
	timeout  time.Duration
	logger   zerolog.Logger
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithTimeout sets the per-backend budget.
func WithTimeout(d time.Duration) Option {
	return func(a *Aggregator) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithTelemetry attaches metrics and tracing.
func WithTelemetry(m *telemetry.Metrics, t *telemetry.Tracer) Option {
	return func(a *Aggregator) {
		a.metrics = m
		a.tracer = t
	}
}

// NewAggregator creates an aggregator over registry.
func NewAggregator(registry *backend.Registry, logger zerolog.Logger, opts ...Option) *Aggregator {
	a := &Aggregator{
		registry: registry,
		timeout:  DefaultTimeout,
		logger:   logger.With().Str("component", "search").Logger(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// SearchAll returns the concatenated results of every backend that answered.
// Order is unspecified.
func (a *Aggregator) SearchAll(ctx context.Context, term string, p *profile.SystemProfile) []engine.PackageResult {
	return a.Search(ctx, term, p).Results
}

type answer struct {
	index   int
	outcome Outcome
	results []engine.PackageResult
}

// Search queries every usable backend in p concurrently. Cancelling ctx
// returns whatever was collected so far.
func (a *Aggregator) Search(ctx context.Context, term string, p *profile.SystemProfile) *Report {
	start := time.Now()
	ctx, span := a.tracer.StartSearchSpan(ctx, term)
	defer span.End()

	report := &Report{Term: term, Results: []engine.PackageResult{}}

	var targets []backend.Backend
	if p != nil {
		for _, name := range p.Backends {
			if b, ok := a.registry.Get(name); ok {
				targets = append(targets, b)
			}
		}
	}
	if len(targets) == 0 {
		a.logger.Debug().Str("term", term).Msg("No usable backends to search")
		return report
	}

	answers := make(chan answer, len(targets))
	for i, b := range targets {
		go func(i int, b backend.Backend) {
			answers <- a.searchOne(ctx, i, b, term, p)
		}(i, b)
	}

	collected := make([]*answer, len(targets))
	pending := len(targets)
collect:
	for pending > 0 {
		select {
		case ans := <-answers:
			collected[ans.index] = &ans
			pending--
		case <-ctx.Done():
			break collect
		}
	}

	for i, ans := range collected {
		if ans == nil {
			report.Outcomes = append(report.Outcomes, Outcome{
				Backend: targets[i].Name(),
				Status:  "cancelled",
				Err:     ctx.Err(),
			})
			report.Partial = true
			continue
		}
		report.Outcomes = append(report.Outcomes, ans.outcome)
		if ans.outcome.Status != telemetry.OutcomeOK {
			report.Partial = true
			continue
		}
		report.Results = append(report.Results, ans.results...)
	}

	span.SetAttributes(telemetry.AttrResultCount.Int(len(report.Results)))
	a.metrics.RecordSearch(report.Partial, time.Since(start))
	a.logger.Debug().
		Str("term", term).
		Int("results", len(report.Results)).
		Strs("responded", report.Responded()).
		Bool("partial", report.Partial).
		Dur("duration", time.Since(start)).
		Msg("Search complete")

	return report
}

func (a *Aggregator) searchOne(ctx context.Context, index int, b backend.Backend, term string, p *profile.SystemProfile) answer {
	ctx, span := a.tracer.StartBackendSpan(ctx, b.Name(), "search")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	start := time.Now()
	results, err := b.Search(ctx, term)
	if err == nil && ctx.Err() != nil {
		// Adapter returned late without noticing the deadline.
		err = engine.NewBackendTimeoutError(b.Name(), ctx.Err())
	}
	elapsed := time.Since(start)

	out := Outcome{Backend: b.Name(), Duration: elapsed, Status: telemetry.OutcomeOK}
	if err != nil {
		out.Status = outcomeOf(err)
		out.Err = err
		telemetry.RecordError(span, err)
		a.metrics.RecordBackendCall(b.Name(), "search", out.Status, elapsed)
		a.logger.Debug().Err(err).Str("backend", b.Name()).Str("status", out.Status).Msg("Backend excluded from search")
		return answer{index: index, outcome: out}
	}

	for i := range results {
		if results[i].Backend == "" {
			results[i].Backend = b.Name()
		}
		if p != nil && p.IsInstalled(results[i]) {
			results[i].Installed = true
		}
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Name < results[j].Name })

	out.Results = len(results)
	a.metrics.RecordBackendCall(b.Name(), "search", out.Status, elapsed)
	return answer{index: index, outcome: out, results: results}
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, engine.ErrBackendTimeout), errors.Is(err, context.DeadlineExceeded):
		return telemetry.OutcomeTimeout
	case errors.Is(err, engine.ErrBackendUnavailable):
		return telemetry.OutcomeUnavailable
	default:
		return telemetry.OutcomeError
	}
}
