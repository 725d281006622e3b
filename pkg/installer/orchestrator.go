// Package installer drives a package installation through the
// Planning, DependencyInstall, Executing and Verifying states.
//
// Only the Executing state runs commands that change the host. A failed
// execution gets exactly one diagnose-and-retry cycle; a second failure is
// terminal. Two installs of the same package never run at the same time.
package installer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/eshu/eshu/pkg/backend"
	"github.com/eshu/eshu/pkg/engine"
	"github.com/eshu/eshu/pkg/policy"
	"github.com/eshu/eshu/pkg/profile"
	"github.com/eshu/eshu/pkg/telemetry"
)

const (
	// DefaultCommandTimeout bounds a single plan command.
	DefaultCommandTimeout = 5 * time.Minute

	// DefaultMaxDependencyDepth bounds recursive dependency installs.
	DefaultMaxDependencyDepth = 3

	// DefaultVerifyTimeout bounds the installed-listing query used for verification.
	DefaultVerifyTimeout = 30 * time.Second
)

// Planner drafts an install plan, returning fallback when it cannot do better.
type Planner interface {
	GeneratePlan(ctx context.Context, pkg engine.PackageResult, p *profile.SystemProfile, fallback *engine.InstallPlan) *engine.InstallPlan
}

// Diagnoser analyzes the output of a failed command.
type Diagnoser interface {
	DiagnoseError(ctx context.Context, output string, pkg engine.PackageResult, p *profile.SystemProfile) engine.ErrorAnalysis
}

// CommandPolicy vets commands before they run.
type CommandPolicy interface {
	EvaluateCommands(ctx context.Context, template policy.CommandInput, commands []string) (*policy.Decision, error)
}

// Recorder persists finished install attempts.
type Recorder interface {
	RecordInstall(ctx context.Context, result *Result) error
}

// Config tunes the orchestrator.
type Config struct {
	CommandTimeout     time.Duration
	MaxDependencyDepth int
	VerifyTimeout      time.Duration
	Jobs               int
}

// Options are per-install switches.
type Options struct {
	// AutoConfirm runs remediation commands without asking.
	AutoConfirm bool

	// SkipDependencies skips the DependencyInstall work; the state is still entered.
	SkipDependencies bool

	// Progress receives events while the install runs. May be nil.
	Progress engine.ProgressSink

	// Confirm approves remediation commands when AutoConfirm is false. With
	// neither set, remediation commands are declined.
	Confirm engine.Confirmer

	// Plan overrides plan generation, e.g. for source builds.
	Plan *engine.InstallPlan
}

// CommandRecord is one executed command.
type CommandRecord struct {
	Stage    string        `json:"stage"`
	Command  string        `json:"command"`
	ExitCode int           `json:"exit_code"`
	Output   string        `json:"output,omitempty"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
	Skipped  bool          `json:"skipped,omitempty"`
}

// Result is the outcome of one install attempt.
type Result struct {
	RunID               string                 `json:"run_id"`
	ParentRunID         string                 `json:"parent_run_id,omitempty"`
	Package             engine.PackageResult   `json:"package"`
	Plan                *engine.InstallPlan    `json:"plan,omitempty"`
	State               engine.InstallState    `json:"state"`
	Success             bool                   `json:"success"`
	Errors              []engine.ErrorAnalysis `json:"errors,omitempty"`
	Transitions         []engine.Transition    `json:"transitions"`
	Commands            []CommandRecord        `json:"commands,omitempty"`
	RemediationAttempts int                    `json:"remediation_attempts"`
	Dependencies        []*Result              `json:"dependencies,omitempty"`
	Depth               int                    `json:"depth"`
	StartedAt           time.Time              `json:"started_at"`
	FinishedAt          time.Time              `json:"finished_at"`
	Error               string                 `json:"error,omitempty"`
	Err                 error                  `json:"-"`
}

// Duration returns how long the attempt took.
func (r *Result) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithPlanner sets the plan drafter, usually the language-model gateway.
func WithPlanner(p Planner) Option {
	return func(o *Orchestrator) { o.planner = p }
}

// WithDiagnoser sets the error analyzer, usually the language-model gateway.
func WithDiagnoser(d Diagnoser) Option {
	return func(o *Orchestrator) { o.diagnoser = d }
}

// WithPolicy sets the command policy.
func WithPolicy(p CommandPolicy) Option {
	return func(o *Orchestrator) { o.policy = p }
}

// WithRecorder sets the history recorder.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithTelemetry attaches metrics and tracing.
func WithTelemetry(m *telemetry.Metrics, t *telemetry.Tracer) Option {
	return func(o *Orchestrator) {
		o.metrics = m
		o.tracer = t
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// Orchestrator runs installs.
type Orchestrator struct {
	registry  *backend.Registry
	runner    backend.CommandRunner
	generator *Generator
	planner   Planner
	diagnoser Diagnoser
	policy    CommandPolicy
	recorder  Recorder
	locks     *keyedMutex
	cfg       Config
	logger    zerolog.Logger
	metrics   *telemetry.Metrics
	tracer    *telemetry.Tracer
	now       func() time.Time
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(registry *backend.Registry, runner backend.CommandRunner, cfg Config, logger zerolog.Logger, opts ...Option) *Orchestrator {
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = DefaultCommandTimeout
	}
	if cfg.MaxDependencyDepth <= 0 {
		cfg.MaxDependencyDepth = DefaultMaxDependencyDepth
	}
	if cfg.VerifyTimeout <= 0 {
		cfg.VerifyTimeout = DefaultVerifyTimeout
	}
	o := &Orchestrator{
		registry:  registry,
		runner:    runner,
		generator: NewGenerator(registry, cfg.Jobs),
		locks:     newKeyedMutex(),
		cfg:       cfg,
		logger:    logger.With().Str("component", "installer").Logger(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Generator returns the deterministic plan generator.
func (o *Orchestrator) Generator() *Generator {
	return o.generator
}

// Install installs pkg. The returned error is nil only on success; the
// Result is nil only when the install could not start (another install of
// the same package is running).
func (o *Orchestrator) Install(ctx context.Context, pkg engine.PackageResult, p *profile.SystemProfile, opts Options) (*Result, error) {
	return o.install(ctx, pkg, p, opts, 0, "")
}

func (o *Orchestrator) install(ctx context.Context, pkg engine.PackageResult, p *profile.SystemProfile, opts Options, depth int, parent string) (*Result, error) {
	if p == nil {
		p = &profile.SystemProfile{}
	}
	key := engine.NormalizeName(pkg.InstallName())
	if !o.locks.TryLock(key) {
		return nil, engine.NewInstallInProgressError(pkg.InstallName())
	}
	defer o.locks.Unlock(key)

	r := &run{
		o:       o,
		pkg:     pkg,
		profile: p,
		opts:    opts,
		depth:   depth,
		result: &Result{
			RunID:       uuid.NewString(),
			ParentRunID: parent,
			Package:     pkg,
			Depth:       depth,
			StartedAt:   o.now(),
		},
	}
	r.logger = o.logger.With().
		Str("run_id", r.result.RunID).
		Str("package", pkg.InstallName()).
		Str("backend", pkg.Backend).
		Int("depth", depth).
		Logger()

	ctx, span := o.tracer.StartInstallSpan(ctx, r.result.RunID, pkg.InstallName(), pkg.Backend)
	defer span.End()
	o.metrics.InstallStarted()

	err := r.drive(ctx)

	res := r.result
	res.FinishedAt = o.now()
	if err != nil {
		res.Err = err
		res.Error = err.Error()
		telemetry.RecordError(span, err)
		var ee *engine.EngineError
		if errors.As(err, &ee) {
			o.metrics.RecordError(string(ee.Class), ee.Code)
		}
		r.logger.Warn().Err(err).Msg("Installation failed")
	} else {
		telemetry.RecordSuccess(span)
		r.logger.Info().Dur("duration", res.Duration()).Msg("Installation succeeded")
	}
	o.metrics.RecordInstall(string(res.State), res.Duration())

	if o.recorder != nil {
		if rerr := o.recorder.RecordInstall(context.WithoutCancel(ctx), res); rerr != nil {
			r.logger.Warn().Err(rerr).Msg("Failed to record install history")
		}
	}

	return res, err
}

// run is the mutable state of one attempt.
type run struct {
	o       *Orchestrator
	pkg     engine.PackageResult
	profile *profile.SystemProfile
	opts    Options
	depth   int
	result  *Result
	logger  zerolog.Logger
}

// drive walks the state machine and leaves the result in a terminal state.
func (r *run) drive(ctx context.Context) error {
	r.enter(engine.InstallStatePlanning)
	plan, err := r.plan(ctx)
	if err != nil {
		return r.fail(err)
	}
	r.result.Plan = plan
	if err := r.vet(ctx, policy.StagePlan, plan.Commands); err != nil {
		return r.fail(err)
	}

	r.enter(engine.InstallStateDependencyInstall)
	if err := r.installDependencies(ctx); err != nil {
		return r.fail(err)
	}

	r.enter(engine.InstallStateExecuting)
	if err := r.execute(ctx); err != nil {
		return r.fail(err)
	}

	r.enter(engine.InstallStateVerifying)
	if err := r.verify(ctx); err != nil {
		return r.fail(err)
	}

	r.postInstall(ctx)
	r.enter(engine.InstallStateSucceeded)
	r.result.Success = true
	return nil
}

// enter moves the attempt to state. An illegal transition is a bug.
func (r *run) enter(state engine.InstallState) {
	from := r.result.State
	if from != "" && !from.CanTransitionTo(state) {
		panic(fmt.Sprintf("installer: illegal transition %s -> %s", from, state))
	}
	r.result.State = state
	r.result.Transitions = append(r.result.Transitions, engine.Transition{From: from, To: state, At: r.o.now()})
	r.logger.Debug().Str("from", string(from)).Str("to", string(state)).Msg("Install state changed")
	r.report(engine.ProgressEvent{Type: engine.ProgressStateChanged, State: state})
}

func (r *run) fail(err error) error {
	r.enter(engine.InstallStateFailed)
	return err
}

func (r *run) report(ev engine.ProgressEvent) {
	if r.opts.Progress == nil {
		return
	}
	ev.Package = r.pkg.InstallName()
	ev.Depth = r.depth
	ev.Timestamp = r.o.now()
	r.opts.Progress.Report(ev)
}

func (r *run) plan(ctx context.Context) (*engine.InstallPlan, error) {
	if r.opts.Plan != nil {
		return r.opts.Plan, nil
	}
	fallback, err := r.o.generator.Plan(r.pkg, r.profile)
	if err != nil {
		return nil, err
	}
	if r.o.planner == nil {
		return fallback, nil
	}
	plan := r.o.planner.GeneratePlan(ctx, r.pkg, r.profile, fallback)
	if plan == nil {
		return fallback, nil
	}
	// The drafted plan must install through the chosen backend.
	if plan.Backend != fallback.Backend {
		r.logger.Debug().Str("plan_backend", plan.Backend).Msg("Discarding plan for a different backend")
		return fallback, nil
	}
	return plan, nil
}

// vet checks commands against the policy; a denial is a POLICY_DENIED error.
func (r *run) vet(ctx context.Context, stage policy.Stage, commands []string) error {
	if r.o.policy == nil || len(commands) == 0 {
		return nil
	}
	decision, err := r.o.policy.EvaluateCommands(ctx, policy.CommandInput{
		Stage:   stage,
		Package: r.pkg.InstallName(),
		Backend: r.pkg.Backend,
		Depth:   r.depth,
	}, commands)
	if err != nil {
		return fmt.Errorf("policy evaluation failed: %w", err)
	}
	for _, w := range decision.Warnings {
		r.logger.Warn().Str("policy", w.Policy).Str("command", w.Command).Msg(w.Message)
		r.report(engine.ProgressEvent{Type: engine.ProgressMessage, Command: w.Command, Message: "policy warning: " + w.Message})
	}
	if decision.Allowed {
		return nil
	}

	r.o.metrics.RecordPolicyDenial(string(stage))
	first := decision.Violations[0]
	r.logger.Warn().Str("stage", string(stage)).Strs("reasons", decision.Reasons()).Msg("Commands denied by policy")
	for _, v := range decision.Violations {
		r.result.Commands = append(r.result.Commands, CommandRecord{
			Stage:    string(stage),
			Command:  v.Command,
			ExitCode: -1,
			Error:    "denied by policy " + v.Policy + ": " + v.Message,
			Skipped:  true,
		})
	}
	return engine.NewPolicyDeniedError(r.pkg.InstallName(), first.Command, decision.Reasons())
}

// nativeBackend returns the highest-priority native backend usable on the host.
func (r *run) nativeBackend() (string, bool) {
	native := make(map[string]bool)
	for _, name := range r.o.registry.OfKind(backend.KindNative) {
		native[name] = true
	}
	return r.profile.Native(native)
}

func (r *run) installDependencies(ctx context.Context) error {
	deps := r.result.Plan.Dependencies
	if r.opts.SkipDependencies || len(deps) == 0 {
		return nil
	}
	if r.depth >= r.o.cfg.MaxDependencyDepth {
		r.logger.Warn().Strs("dependencies", deps).Msg("Dependency depth limit reached, not installing dependencies")
		return nil
	}

	native, ok := r.nativeBackend()
	if !ok {
		return engine.NewDependencyInstallFailedError(r.pkg.InstallName(), deps[0], errors.New("no native package manager available"))
	}

	childOpts := r.opts
	childOpts.Plan = nil
	for _, dep := range deps {
		depPkg := engine.PackageResult{Name: dep, Backend: native, Version: engine.UnknownVersion}
		if r.profile.IsInstalled(depPkg) {
			r.logger.Debug().Str("dependency", dep).Msg("Dependency already installed")
			continue
		}

		r.report(engine.ProgressEvent{Type: engine.ProgressMessage, Message: "installing dependency " + dep + " via " + native})
		child, err := r.o.install(ctx, depPkg, r.profile, childOpts, r.depth+1, r.result.RunID)
		if child != nil {
			r.result.Dependencies = append(r.result.Dependencies, child)
			r.result.Errors = append(r.result.Errors, child.Errors...)
		}
		if err != nil {
			return engine.NewDependencyInstallFailedError(r.pkg.InstallName(), dep, err)
		}
	}
	return nil
}

// execute runs the plan with at most one remediation cycle.
func (r *run) execute(ctx context.Context) error {
	plan := r.result.Plan
	output, err := r.runCommands(ctx, "install", plan.Commands, plan.WorkDir, true)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return err
	}

	analysis := r.diagnose(ctx, output)
	if len(analysis.Commands) > 0 {
		if !r.confirmed(ctx, analysis) {
			r.o.metrics.RecordRemediation("declined")
			r.logger.Info().Msg("Remediation declined")
			return err
		}
		if verr := r.vet(ctx, policy.StageRemediation, analysis.Commands); verr != nil {
			r.o.metrics.RecordRemediation("denied")
			return verr
		}
	}

	r.result.RemediationAttempts++
	if len(analysis.Commands) > 0 {
		// Remediation commands are best effort; the retry decides the outcome.
		_, _ = r.runCommands(ctx, "remediation", analysis.Commands, plan.WorkDir, false)
	}
	if ctx.Err() != nil {
		return err
	}

	r.enter(engine.InstallStateExecuting)
	output, err = r.runCommands(ctx, "install", plan.Commands, plan.WorkDir, true)
	if err == nil {
		r.o.metrics.RecordRemediation("succeeded")
		return nil
	}
	r.o.metrics.RecordRemediation("failed")
	if ctx.Err() == nil {
		r.diagnose(ctx, output)
	}
	return err
}

func (r *run) confirmed(ctx context.Context, analysis engine.ErrorAnalysis) bool {
	if r.opts.AutoConfirm {
		return true
	}
	if r.opts.Confirm == nil {
		return false
	}
	return r.opts.Confirm.Confirm(ctx, analysis)
}

// diagnose analyzes failure output and appends the analysis to the history.
func (r *run) diagnose(ctx context.Context, output string) engine.ErrorAnalysis {
	analysis := engine.UnavailableAnalysis()
	if r.o.diagnoser != nil {
		analysis = r.o.diagnoser.DiagnoseError(ctx, output, r.pkg, r.profile)
	}
	r.result.Errors = append(r.result.Errors, analysis)
	r.report(engine.ProgressEvent{Type: engine.ProgressDiagnosis, Message: analysis.Diagnosis, Output: output})
	return analysis
}

// runCommands runs commands in order. With critical set, the first failure
// stops the sequence and is returned with its output; otherwise failures
// are logged and the sequence continues.
func (r *run) runCommands(ctx context.Context, stage string, commands []string, dir string, critical bool) (string, error) {
	for _, line := range commands {
		cmd := backend.InteractiveShell(line, r.o.cfg.CommandTimeout)
		cmd.Dir = dir

		r.report(engine.ProgressEvent{Type: engine.ProgressCommandStarted, Command: line})
		r.logger.Info().Str("stage", stage).Str("command", line).Msg("Running command")

		start := r.o.now()
		out, err := r.o.runner.Run(ctx, cmd)
		rec := CommandRecord{Stage: stage, Command: line, Duration: r.o.now().Sub(start), ExitCode: -1}
		if out != nil {
			rec.ExitCode = out.ExitCode
			rec.Output = out.Combined()
		}
		if err != nil {
			rec.Error = err.Error()
		}
		r.result.Commands = append(r.result.Commands, rec)
		r.report(engine.ProgressEvent{Type: engine.ProgressCommandDone, Command: line, ExitCode: rec.ExitCode, Output: rec.Output})

		if err == nil && rec.ExitCode == 0 {
			continue
		}

		output := rec.Output
		if err != nil {
			output = strings.TrimSpace(output + "\n" + err.Error())
		}
		failure := engine.NewCommandExecutionFailedError(r.pkg.InstallName(), line, rec.ExitCode, err).WithBackend(r.pkg.Backend)
		if ctx.Err() != nil {
			failure = failure.WithCode(engine.ErrCodeCancelled)
		}
		if !critical {
			r.logger.Warn().Err(failure).Str("stage", stage).Msg("Non-critical command failed, continuing")
			if ctx.Err() != nil {
				return output, failure
			}
			continue
		}
		return output, failure
	}
	return "", nil
}

// verify confirms the package is present after a clean run.
func (r *run) verify(ctx context.Context) error {
	names := map[string]bool{
		engine.NormalizeName(r.pkg.InstallName()): true,
		engine.NormalizeName(r.pkg.Name):          true,
	}

	if b, ok := r.o.registry.Get(r.pkg.Backend); ok {
		listCtx, cancel := context.WithTimeout(ctx, r.o.cfg.VerifyTimeout)
		installed, err := b.ListInstalled(listCtx)
		cancel()
		if err != nil {
			r.logger.Debug().Err(err).Msg("Installed listing unavailable, falling back to PATH lookup")
		}
		for _, pkg := range installed {
			if names[engine.NormalizeName(pkg.Name)] {
				return nil
			}
		}
	}

	if r.pkg.Name != "" {
		if _, err := r.o.runner.LookPath(r.pkg.Name); err == nil {
			return nil
		}
	}

	return engine.NewVerificationFailedError(r.pkg.InstallName(), r.pkg.Backend)
}

// postInstall runs post-install commands. Their failure is not fatal.
func (r *run) postInstall(ctx context.Context) {
	cmds := r.result.Plan.PostInstall
	if len(cmds) == 0 {
		return
	}
	if err := r.vet(ctx, policy.StagePostInstall, cmds); err != nil {
		r.logger.Warn().Err(err).Msg("Skipping post-install commands")
		return
	}
	_, _ = r.runCommands(ctx, "post_install", cmds, r.result.Plan.WorkDir, false)
}

// keyedMutex excludes concurrent installs of the same package.
type keyedMutex struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{held: make(map[string]struct{})}
}

// TryLock takes key if it is free.
func (k *keyedMutex) TryLock(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, busy := k.held[key]; busy {
		return false
	}
	k.held[key] = struct{}{}
	return true
}

// Unlock releases key.
func (k *keyedMutex) Unlock(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.held, key)
}
