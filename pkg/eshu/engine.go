// Package eshu wires the profile cache, search aggregator, ranker,
// language-model gateway and installation orchestrator into one Engine.
//
// The Engine owns every long-lived component. Callers get the four entry
// points GetProfile, SearchAll, Rank and Install, plus Interpret for
// free-text requests and History for past install attempts.
package eshu

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/eshu/eshu/pkg/backend"
	"github.com/eshu/eshu/pkg/config"
	"github.com/eshu/eshu/pkg/engine"
	"github.com/eshu/eshu/pkg/installer"
	"github.com/eshu/eshu/pkg/llm"
	"github.com/eshu/eshu/pkg/policy"
	"github.com/eshu/eshu/pkg/profile"
	"github.com/eshu/eshu/pkg/ranking"
	"github.com/eshu/eshu/pkg/search"
	"github.com/eshu/eshu/pkg/stores"
	"github.com/eshu/eshu/pkg/telemetry"
)

// SourceBackend is the pseudo-backend name used for builds from a local tree.
const SourceBackend = "source"

// Option customizes engine construction.
type Option func(*options)

type options struct {
	runner    backend.CommandRunner
	registry  *backend.Registry
	provider  llm.Provider
	noLLM     bool
	gate      engine.UsageGate
	telemetry *telemetry.Telemetry
	hostInfo  profile.HostInfoFunc
}

// WithRunner replaces the process runner used by every backend.
func WithRunner(r backend.CommandRunner) Option {
	return func(o *options) { o.runner = r }
}

// WithRegistry replaces the configured backends.
func WithRegistry(r *backend.Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithProvider replaces the configured language-model provider.
func WithProvider(p llm.Provider) Option {
	return func(o *options) { o.provider = p }
}

// WithoutLanguageModel disables the gateway regardless of configuration.
func WithoutLanguageModel() Option {
	return func(o *options) { o.noLLM = true }
}

// WithUsageGate sets the quota gate checked before every gateway call.
func WithUsageGate(g engine.UsageGate) Option {
	return func(o *options) { o.gate = g }
}

// WithTelemetry replaces telemetry built from configuration.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(o *options) { o.telemetry = t }
}

// WithHostInfo overrides host identity detection.
func WithHostInfo(fn profile.HostInfoFunc) Option {
	return func(o *options) { o.hostInfo = fn }
}

// Engine is the package resolution and installation engine.
type Engine struct {
	cfg       *config.Config
	logger    zerolog.Logger
	telemetry *telemetry.Telemetry
	ownsTel   bool

	registry  *backend.Registry
	profiles  *profile.Cache
	search    *search.Aggregator
	ranker    *ranking.Ranker
	gateway   *llm.Gateway
	policy    *policy.Engine
	store     *stores.SQLiteStore
	installer *installer.Orchestrator

	stopWatch context.CancelFunc
}

// New builds an engine from configuration.
func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, engine.NewValidationError("invalid configuration", err)
	}

	o := &options{gate: engine.AllowAll, hostInfo: profile.LocalHostInfo}
	for _, opt := range opts {
		opt(o)
	}

	e := &Engine{cfg: cfg, telemetry: o.telemetry}
	if e.telemetry == nil {
		tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
		}
		e.telemetry = tel
		e.ownsTel = true
		if err := tel.StartMetricsServer(); err != nil {
			return nil, fmt.Errorf("failed to start metrics server: %w", err)
		}
	}
	e.logger = e.telemetry.Logger.Component("engine")
	base := e.telemetry.Logger.Zerolog()
	metrics, tracer := e.telemetry.Metrics, e.telemetry.Tracer

	runner := o.runner
	if runner == nil {
		runner = backend.NewExecRunner(cfg.Install.CommandTimeout)
	}

	e.registry = o.registry
	if e.registry == nil {
		reg, err := backend.NewRegistry(runner, cfg.Backends.Priority, cfg.Disabled())
		if err != nil {
			return nil, engine.NewValidationError("invalid backend configuration", err)
		}
		e.registry = reg
	}
	if len(e.registry.Names()) == 0 {
		return nil, engine.NewNoBackendsError()
	}

	host := o.hostInfo()
	prober := profile.NewProber(e.registry, profile.ProberConfig{
		ProbeTimeout: cfg.Profile.ProbeTimeout,
		ListTimeout:  cfg.Profile.ListTimeout,
	}, base).WithHostInfo(func() profile.HostInfo { return host })
	store := profile.NewFileStore(cfg.Profile.CacheDir, host.Fingerprint, base)
	e.profiles = profile.NewCache(prober, base, profile.WithStore(store), profile.WithMetrics(metrics))

	e.search = search.NewAggregator(e.registry, base,
		search.WithTimeout(cfg.Search.Timeout),
		search.WithTelemetry(metrics, tracer),
	)

	priority := append(e.registry.Names(), SourceBackend)
	preferred := cfg.Backends.Preferred
	if len(preferred) == 0 {
		preferred = e.registry.OfKind(backend.KindNative)
	}
	e.ranker = ranking.NewRanker(priority, preferred,
		ranking.WithWeights(cfg.Ranking.Weights),
		ranking.WithTopK(cfg.Ranking.TopK),
		ranking.WithLogger(base),
	)

	e.gateway = llm.NewGateway(e.newProvider(o),
		llm.WithUsageGate(o.gate),
		llm.WithCallTimeout(cfg.LLM.Timeout),
		llm.WithLogger(base),
		llm.WithTelemetry(metrics, tracer),
	)

	ctx := context.Background()
	if err := e.openPolicy(ctx, base); err != nil {
		_ = e.Close()
		return nil, err
	}
	if err := e.openStore(ctx); err != nil {
		_ = e.Close()
		return nil, err
	}

	orchOpts := []installer.Option{
		installer.WithPlanner(e.gateway),
		installer.WithDiagnoser(e.gateway),
		installer.WithTelemetry(metrics, tracer),
	}
	if e.policy != nil {
		orchOpts = append(orchOpts, installer.WithPolicy(e.policy))
	}
	if e.store != nil {
		orchOpts = append(orchOpts, installer.WithRecorder(&historyRecorder{store: e.store}))
	}
	e.installer = installer.NewOrchestrator(e.registry, runner, installer.Config{
		CommandTimeout:     cfg.Install.CommandTimeout,
		MaxDependencyDepth: cfg.Install.MaxDependencyDepth,
		VerifyTimeout:      cfg.Install.VerifyTimeout,
		Jobs:               cfg.Install.Jobs,
	}, base, orchOpts...)

	e.logger.Debug().
		Strs("backends", e.registry.Names()).
		Bool("language_model", e.gateway.Enabled()).
		Bool("policy", e.policy != nil).
		Bool("history", e.store != nil).
		Msg("Engine initialized")

	return e, nil
}

// newProvider builds the language-model provider. A provider that cannot be
// built leaves the gateway disabled; every gateway call then falls back.
func (e *Engine) newProvider(o *options) llm.Provider {
	if o.noLLM {
		return nil
	}
	if o.provider != nil {
		return o.provider
	}
	if !e.cfg.LanguageModelEnabled() {
		return nil
	}

	key, err := e.cfg.ResolveAPIKey()
	if err != nil {
		e.logger.Warn().Err(err).Msg("Could not resolve language model API key")
	}
	p, err := llm.NewProvider(context.Background(), llm.ProviderConfig{
		Provider:    e.cfg.LLM.Provider,
		Endpoint:    e.cfg.LLM.Endpoint,
		Model:       e.cfg.LLM.Model,
		APIKey:      key,
		Temperature: e.cfg.LLM.Temperature,
		MaxTokens:   e.cfg.LLM.MaxTokens,
	})
	if err != nil {
		e.logger.Warn().Err(err).Str("provider", e.cfg.LLM.Provider).Msg("Language model disabled")
		return nil
	}
	return p
}

func (e *Engine) openPolicy(ctx context.Context, logger zerolog.Logger) error {
	if !e.cfg.Policy.Enabled {
		return nil
	}
	pe, err := policy.NewEngine(logger)
	if err != nil {
		return fmt.Errorf("failed to create policy engine: %w", err)
	}
	e.policy = pe

	if len(e.cfg.Policy.Dirs) > 0 {
		if err := pe.LoadPolicies(ctx, e.cfg.Policy.Dirs); err != nil {
			return fmt.Errorf("failed to load policies: %w", err)
		}
	}
	for _, name := range e.cfg.Policy.Disabled {
		if err := pe.DisablePolicy(name); err != nil {
			e.logger.Warn().Err(err).Str("policy", name).Msg("Cannot disable unknown policy")
		}
	}
	if e.cfg.Policy.Watch && len(e.cfg.Policy.Dirs) > 0 {
		watchCtx, cancel := context.WithCancel(context.Background())
		e.stopWatch = cancel
		if err := pe.Watch(watchCtx, e.cfg.Policy.Dirs); err != nil {
			e.logger.Warn().Err(err).Msg("Policy hot reload unavailable")
		}
	}
	return nil
}

func (e *Engine) openStore(ctx context.Context) error {
	if !e.cfg.Store.Enabled {
		return nil
	}
	store, err := stores.Open(ctx, stores.Config{Path: e.cfg.Store.Path})
	if err != nil {
		return fmt.Errorf("failed to open history store: %w", err)
	}
	e.store = store

	if days := e.cfg.Store.RetentionDays; days > 0 {
		cutoff := time.Now().AddDate(0, 0, -days)
		if n, err := store.PruneRuns(ctx, cutoff); err != nil {
			e.logger.Warn().Err(err).Msg("Failed to prune install history")
		} else if n > 0 {
			e.logger.Debug().Int64("runs", n).Msg("Pruned install history")
		}
	}
	return nil
}

// Config returns the engine configuration.
func (e *Engine) Config() *config.Config { return e.cfg }

// Registry returns the configured backends.
func (e *Engine) Registry() *backend.Registry { return e.registry }

// Policy returns the command policy engine, or nil when policies are off.
func (e *Engine) Policy() *policy.Engine { return e.policy }

// LanguageModelEnabled reports whether the gateway has a provider.
func (e *Engine) LanguageModelEnabled() bool { return e.gateway.Enabled() }

// GetProfile returns the cached system profile, probing when it is older than
// ttl or forceRefresh is set. A negative ttl uses the configured TTL.
func (e *Engine) GetProfile(ctx context.Context, forceRefresh bool, ttl time.Duration) (*profile.SystemProfile, error) {
	if ttl < 0 {
		ttl = e.cfg.Profile.TTL
	}
	p, err := e.profiles.Get(ctx, forceRefresh, ttl)
	if err != nil {
		return nil, err
	}
	if len(p.Backends) == 0 {
		e.logger.Warn().Msg("No usable package backends on this host")
	}
	return p, nil
}

// ProfileProbes returns how many times the host has been probed.
func (e *Engine) ProfileProbes() int64 { return e.profiles.Probes() }

// SearchAll searches every backend usable on the host. It never fails;
// backends that error or time out contribute nothing.
func (e *Engine) SearchAll(ctx context.Context, term string, p *profile.SystemProfile) []engine.PackageResult {
	return e.search.SearchAll(ctx, term, p)
}

// Search is SearchAll with per-backend outcomes.
func (e *Engine) Search(ctx context.Context, term string, p *profile.SystemProfile) *search.Report {
	return e.search.Search(ctx, term, p)
}

// Rank orders results deterministically and applies the language model's
// recommendation when one is available and valid.
func (e *Engine) Rank(ctx context.Context, term string, results []engine.PackageResult, p *profile.SystemProfile) *ranking.Ranked {
	return e.rankTerms(ctx, []string{term}, results, p)
}

func (e *Engine) rankTerms(ctx context.Context, terms []string, results []engine.PackageResult, p *profile.SystemProfile) *ranking.Ranked {
	var advisor ranking.Advisor
	if e.gateway.Enabled() {
		advisor = e.gateway
	}
	return e.ranker.RankTermsWithAdvice(ctx, terms, results, p, advisor)
}

// Find resolves query to ranked packages: it optionally interprets the query
// into several terms, searches each, and ranks the merged results with every
// result scored against the term it matches best. A host without any usable
// backend is a NO_BACKENDS error.
func (e *Engine) Find(ctx context.Context, query string, interpret bool) (*ranking.Ranked, error) {
	p, err := e.GetProfile(ctx, false, -1)
	if err != nil {
		return nil, err
	}
	if len(p.Backends) == 0 {
		return nil, engine.NewNoBackendsError()
	}

	terms := []string{query}
	if interpret {
		if interpreted := e.Interpret(ctx, query, p); len(interpreted) > 0 {
			terms = interpreted
		}
		e.logger.Debug().Strs("terms", terms).Msg("Interpreted query")
	}

	var results []engine.PackageResult
	seen := make(map[string]bool)
	for _, term := range terms {
		report := e.Search(ctx, term, p)
		if report.Partial {
			e.logger.Warn().Str("term", term).Strs("responded", report.Responded()).Msg("Some package managers did not answer")
		}
		for _, r := range report.Results {
			if !seen[r.Key()] {
				seen[r.Key()] = true
				results = append(results, r)
			}
		}
	}
	return e.rankTerms(ctx, terms, results, p), nil
}

// Interpret turns a free-text request into search terms. Without a language
// model the query itself is the only term.
func (e *Engine) Interpret(ctx context.Context, query string, p *profile.SystemProfile) []string {
	return e.gateway.InterpretQuery(ctx, query, p)
}

// Install installs pkg using the current profile. A successful install
// invalidates the cached profile so the next read sees the new package.
func (e *Engine) Install(ctx context.Context, pkg engine.PackageResult, opts installer.Options) (*installer.Result, error) {
	p, err := e.GetProfile(ctx, false, -1)
	if err != nil {
		return nil, err
	}
	res, err := e.installer.Install(ctx, pkg, p, opts)
	if res != nil && res.Success {
		e.profiles.Invalidate()
	}
	return res, err
}

// InstallFromSource builds and installs the source tree in dir.
func (e *Engine) InstallFromSource(ctx context.Context, name, dir string, opts installer.Options) (*installer.Result, error) {
	plan, err := e.installer.Generator().PlanFromSource(name, dir)
	if err != nil {
		return nil, err
	}
	opts.Plan = plan
	return e.Install(ctx, engine.PackageResult{
		Name:        name,
		Backend:     SourceBackend,
		Version:     engine.UnknownVersion,
		Description: "local source build",
	}, opts)
}

// Plan returns the deterministic install plan for pkg without running it.
func (e *Engine) Plan(ctx context.Context, pkg engine.PackageResult) (*engine.InstallPlan, error) {
	p, err := e.GetProfile(ctx, false, -1)
	if err != nil {
		return nil, err
	}
	return e.installer.Generator().Plan(pkg, p)
}

// UninstallCommand returns the command line that removes pkg. It does not
// run it.
func (e *Engine) UninstallCommand(pkg engine.PackageResult) (string, error) {
	b, ok := e.registry.Get(pkg.Backend)
	if !ok {
		return "", engine.NewValidationError(fmt.Sprintf("unknown backend %q", pkg.Backend), nil)
	}
	return installer.ShellJoin(b.BuildUninstallCommand(pkg.InstallName())), nil
}

// Close releases every resource the engine holds.
func (e *Engine) Close() error {
	var errs []error
	if e.stopWatch != nil {
		e.stopWatch()
	}
	if e.policy != nil {
		if err := e.policy.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if e.ownsTel {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.telemetry.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
