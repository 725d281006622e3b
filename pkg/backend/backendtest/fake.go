// Package backendtest provides scripted runners and backends for tests.
package backendtest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eshu/eshu/pkg/backend"
	"github.com/eshu/eshu/pkg/engine"
)

// Response is a scripted command result.
type Response struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Err      error
	Delay    time.Duration
}

// Runner is a CommandRunner that replays scripted responses keyed by the
// rendered command line. Unscripted commands exit 0 with empty output.
type Runner struct {
	mu        sync.Mutex
	responses map[string][]Response
	missing   map[string]bool
	calls     []backend.Command
}

// NewRunner creates an empty scripted runner.
func NewRunner() *Runner {
	return &Runner{
		responses: make(map[string][]Response),
		missing:   make(map[string]bool),
	}
}

// On scripts the next response for a command line. Multiple responses for the
// same line are consumed in order; the last one repeats.
func (r *Runner) On(cmdline string, resp Response) *Runner {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses[cmdline] = append(r.responses[cmdline], resp)
	return r
}

// Missing marks an executable as not installed.
func (r *Runner) Missing(names ...string) *Runner {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range names {
		r.missing[n] = true
	}
	return r
}

// Calls returns the commands run so far.
func (r *Runner) Calls() []backend.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]backend.Command(nil), r.calls...)
}

// CallLines returns the rendered command lines run so far.
func (r *Runner) CallLines() []string {
	calls := r.Calls()
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.String()
	}
	return out
}

// CountPrefix counts calls whose command line starts with prefix.
func (r *Runner) CountPrefix(prefix string) int {
	n := 0
	for _, line := range r.CallLines() {
		if strings.HasPrefix(line, prefix) {
			n++
		}
	}
	return n
}

// LookPath implements backend.CommandRunner.
func (r *Runner) LookPath(name string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.missing[name] {
		return "", fmt.Errorf("%s: %w", name, backend.ErrCommandNotFound)
	}
	return "/usr/bin/" + name, nil
}

// Run implements backend.CommandRunner.
func (r *Runner) Run(ctx context.Context, c backend.Command) (*backend.Output, error) {
	line := c.String()
	r.mu.Lock()
	r.calls = append(r.calls, c)
	if r.missing[c.Name] {
		r.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", c.Name, backend.ErrCommandNotFound)
	}
	var resp Response
	if queue := r.responses[line]; len(queue) > 0 {
		resp = queue[0]
		if len(queue) > 1 {
			r.responses[line] = queue[1:]
		}
	}
	r.mu.Unlock()

	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	if resp.Delay > 0 {
		select {
		case <-time.After(resp.Delay):
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return &backend.Output{ExitCode: -1}, fmt.Errorf("%s: %w", c.Name, backend.ErrCommandTimeout)
			}
			return &backend.Output{ExitCode: -1}, ctx.Err()
		}
	}
	if resp.Err != nil {
		return nil, resp.Err
	}
	return &backend.Output{Stdout: resp.Stdout, Stderr: resp.Stderr, ExitCode: resp.ExitCode}, nil
}

// Backend is a scripted backend.Backend.
type Backend struct {
	BackendName string
	BackendKind backend.Kind
	Results     []engine.PackageResult
	Installed   []engine.InstalledPackage
	SearchErr   error
	ListErr     error
	Delay       time.Duration
	Unavailable bool
	Build       engine.BuildSystem
	searchCalls atomic.Int64
	probeCalls  atomic.Int64
	installedMu sync.Mutex
}

// NewBackend creates a native scripted backend with the given results.
func NewBackend(name string, results ...engine.PackageResult) *Backend {
	for i := range results {
		if results[i].Backend == "" {
			results[i].Backend = name
		}
	}
	return &Backend{BackendName: name, BackendKind: backend.KindNative, Results: results}
}

// Name implements backend.Backend.
func (b *Backend) Name() string { return b.BackendName }

// Kind implements backend.Backend.
func (b *Backend) Kind() backend.Kind { return b.BackendKind }

// BuildSystem implements backend.BuildInfo when Build is set.
func (b *Backend) BuildSystem() engine.BuildSystem {
	if b.Build == "" {
		return engine.BuildSystemNone
	}
	return b.Build
}

// Available implements backend.Backend.
func (b *Backend) Available(ctx context.Context) bool {
	b.probeCalls.Add(1)
	if b.Unavailable {
		return false
	}
	if err := b.wait(ctx); err != nil {
		return false
	}
	return true
}

// Search implements backend.Backend.
func (b *Backend) Search(ctx context.Context, term string) ([]engine.PackageResult, error) {
	b.searchCalls.Add(1)
	if b.Unavailable {
		return nil, engine.NewBackendUnavailableError(b.BackendName, backend.ErrCommandNotFound)
	}
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	if b.SearchErr != nil {
		return nil, b.SearchErr
	}
	return append([]engine.PackageResult(nil), b.Results...), nil
}

// BuildInstallCommand implements backend.Backend.
func (b *Backend) BuildInstallCommand(name string) []string {
	return []string{b.BackendName, "install", name}
}

// BuildUninstallCommand implements backend.Backend.
func (b *Backend) BuildUninstallCommand(name string) []string {
	return []string{b.BackendName, "remove", name}
}

// ListInstalled implements backend.Backend.
func (b *Backend) ListInstalled(ctx context.Context) ([]engine.InstalledPackage, error) {
	if b.Unavailable {
		return nil, engine.NewBackendUnavailableError(b.BackendName, backend.ErrCommandNotFound)
	}
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	if b.ListErr != nil {
		return nil, b.ListErr
	}
	b.installedMu.Lock()
	defer b.installedMu.Unlock()
	return append([]engine.InstalledPackage(nil), b.Installed...), nil
}

// MarkInstalled adds a package to the installed listing.
func (b *Backend) MarkInstalled(name, version string) {
	b.installedMu.Lock()
	defer b.installedMu.Unlock()
	b.Installed = append(b.Installed, engine.InstalledPackage{Name: name, Version: version})
}

// SearchCalls returns how many times Search ran.
func (b *Backend) SearchCalls() int64 { return b.searchCalls.Load() }

// ProbeCalls returns how many times Available ran.
func (b *Backend) ProbeCalls() int64 { return b.probeCalls.Load() }

func (b *Backend) wait(ctx context.Context) error {
	if b.Delay <= 0 {
		return nil
	}
	select {
	case <-time.After(b.Delay):
		return nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return engine.NewBackendTimeoutError(b.BackendName, ctx.Err())
		}
		return ctx.Err()
	}
}
