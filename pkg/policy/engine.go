package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage"
	"github.com/open-policy-agent/opa/storage/inmem"
	"github.com/rs/zerolog"
)

// Engine vets shell commands against built-in and operator-supplied Rego
// policies before the installer runs them.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	store    storage.Store
	logger   zerolog.Logger
	loader   *Loader
	paths    []string
}

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	module   *ast.Module
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		store:    inmem.New(),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}
	e.loader = NewLoader(e.logger)

	if err := e.loadBuiltinPolicies(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}

	return e, nil
}

// EvaluateCommand vets a single command.
func (e *Engine) EvaluateCommand(ctx context.Context, input CommandInput) (*Decision, error) {
	startTime := time.Now()
	e.mu.RLock()
	defer e.mu.RUnlock()

	decision := &Decision{Allowed: true}
	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		decision.EvaluatedPolicies = append(decision.EvaluatedPolicies, name)

		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			e.logger.Error().Err(err).
				Str("policy", name).
				Str("command", input.Command).
				Msg("Policy evaluation failed")
			msg := fmt.Sprintf("policy %s evaluation failed: %v", name, err)
			decision.Errors = append(decision.Errors, msg)
			decision.Violations = append(decision.Violations, Violation{
				Policy:   name,
				Command:  input.Command,
				Message:  msg,
				Severity: SeverityCritical,
			})
			decision.Allowed = false
			continue
		}

		for _, v := range violations {
			if v.Severity.Blocks() {
				decision.Violations = append(decision.Violations, v)
				decision.Allowed = false
			} else {
				decision.Warnings = append(decision.Warnings, v)
			}
		}
	}

	decision.EvaluatedAt = time.Now()
	decision.Duration = time.Since(startTime)

	e.logger.Debug().
		Str("command", input.Command).
		Str("stage", string(input.Stage)).
		Bool("allowed", decision.Allowed).
		Int("violations", len(decision.Violations)).
		Dur("duration", decision.Duration).
		Msg("Command policy evaluation completed")

	return decision, nil
}

// EvaluateCommands vets every command and merges the decisions.
func (e *Engine) EvaluateCommands(ctx context.Context, template CommandInput, commands []string) (*Decision, error) {
	merged := &Decision{Allowed: true, EvaluatedAt: time.Now()}
	for _, cmd := range commands {
		input := template
		input.Command = cmd
		d, err := e.EvaluateCommand(ctx, input)
		if err != nil {
			return nil, err
		}
		merged.merge(d)
		merged.EvaluatedPolicies = d.EvaluatedPolicies
		merged.Duration += d.Duration
	}
	return merged, nil
}

// evaluatePolicy evaluates a single compiled policy.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input CommandInput) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, newViolation(cp.policy, d, input))
		}
	}
	return violations, nil
}

// newViolation creates a Violation from a deny set member.
func newViolation(policy *Policy, result interface{}, input CommandInput) Violation {
	violation := Violation{
		Policy:   policy.Name,
		Command:  input.Command,
		Severity: policy.Severity,
	}

	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok {
			violation.Severity = Severity(sev)
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}

	return violation
}

// compileAndStorePolicy compiles a policy and stores it.
func (e *Engine) compileAndStorePolicy(ctx context.Context, policy *Policy) error {
	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return fmt.Errorf("failed to parse policy: %w", err)
	}

	r := rego.New(
		rego.ParsedModule(module),
		rego.Store(e.store),
		rego.Query(module.Package.Path.String()+".deny"),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare query: %w", err)
	}

	if policy.Severity == "" {
		policy.Severity = SeverityError
	}
	if policy.LoadedAt.IsZero() {
		policy.LoadedAt = time.Now()
	}

	e.policies[policy.Name] = &compiledPolicy{
		policy:   policy,
		module:   module,
		query:    query,
		compiled: time.Now(),
	}

	e.logger.Debug().
		Str("policy", policy.Name).
		Msg("Policy compiled successfully")

	return nil
}

// loadBuiltinPolicies loads the built-in policies.
func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	builtins := BuiltinPolicies()
	for i := range builtins {
		if err := e.compileAndStorePolicy(ctx, &builtins[i]); err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
	}

	e.logger.Debug().
		Int("count", len(builtins)).
		Msg("Built-in policies loaded")

	return nil
}

// LoadPolicies loads operator policies from files and directories,
// replacing any previously loaded operator policies. Built-in policies
// are kept unless an operator policy reuses their name.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := e.loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.replaceCustom(ctx, policies); err != nil {
		return err
	}
	e.paths = append([]string(nil), paths...)

	e.logger.Info().
		Int("count", len(policies)).
		Msg("Policies loaded successfully")

	return nil
}

// replaceCustom swaps the operator policy set. On a compile error the
// previous set stays active. Callers hold e.mu.
func (e *Engine) replaceCustom(ctx context.Context, policies []Policy) error {
	previous := e.policies
	e.policies = make(map[string]*compiledPolicy, len(previous)+len(policies))
	for name, cp := range previous {
		if cp.policy.Builtin {
			e.policies[name] = cp
		}
	}
	for i := range policies {
		if err := e.compileAndStorePolicy(ctx, &policies[i]); err != nil {
			e.policies = previous
			e.logger.Error().Err(err).
				Str("policy", policies[i].Name).
				Msg("Failed to compile policy")
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
	}
	return nil
}

// Watch reloads operator policies whenever a file under paths changes.
// Watching stops when ctx is done or Close is called.
func (e *Engine) Watch(ctx context.Context, paths []string) error {
	return e.loader.Watch(ctx, paths, func(policies []Policy) error {
		e.mu.Lock()
		defer e.mu.Unlock()
		if err := e.replaceCustom(ctx, policies); err != nil {
			return err
		}
		e.paths = append([]string(nil), paths...)
		return nil
	})
}

// Reload recompiles the built-in policies and reloads operator policies
// from the last loaded paths.
func (e *Engine) Reload(ctx context.Context) error {
	e.mu.Lock()
	e.policies = make(map[string]*compiledPolicy)
	err := e.loadBuiltinPolicies(ctx)
	paths := e.paths
	e.mu.Unlock()
	if err != nil {
		return err
	}

	if len(paths) == 0 {
		return nil
	}
	e.loader.ClearCache()
	return e.LoadPolicies(ctx, paths)
}

// Close stops any policy watcher.
func (e *Engine) Close() error {
	return e.loader.StopWatching()
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}

	p := *cp.policy
	return &p, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNames() {
		policies = append(policies, *e.policies[name].policy)
	}
	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}

	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy state changed")

	return nil
}

func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
