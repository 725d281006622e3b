// Package backend adapts individual package managers to a common interface.
//
// Adapters are stateless: they translate search, install, uninstall and
// listing requests into concrete invocations and parse the textual output into
// engine.PackageResult values. Malformed output lines are skipped.
package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/eshu/eshu/pkg/engine"
)

// Kind groups backends by how they deliver software.
type Kind string

const (
	// KindNative is the distribution's system package manager.
	KindNative Kind = "native"

	// KindUniversal covers sandboxed cross-distribution formats (flatpak, snap).
	KindUniversal Kind = "universal"

	// KindSource builds packages from source (AUR helpers, cargo).
	KindSource Kind = "source"

	// KindLanguage covers language ecosystem managers (npm, pip).
	KindLanguage Kind = "language"
)

// Backend is one package manager.
type Backend interface {
	// Name is the stable identifier used in configuration and results.
	Name() string

	// Kind reports how the backend delivers software.
	Kind() Kind

	// Available reports whether the backend binary exists and responds.
	Available(ctx context.Context) bool

	// Search queries the backend. It fails with engine.ErrBackendUnavailable
	// when the binary is missing and engine.ErrBackendTimeout when the
	// backend exceeds the context deadline. No matches is an empty slice.
	Search(ctx context.Context, term string) ([]engine.PackageResult, error)

	// BuildInstallCommand returns the argv that installs name. It is pure.
	BuildInstallCommand(name string) []string

	// BuildUninstallCommand returns the argv that removes name. It is pure.
	BuildUninstallCommand(name string) []string

	// ListInstalled enumerates installed packages.
	ListInstalled(ctx context.Context) ([]engine.InstalledPackage, error)
}

// BuildInfo is implemented by backends that compile packages locally.
type BuildInfo interface {
	BuildSystem() engine.BuildSystem
}

// base carries what every adapter shares: identity and a runner.
type base struct {
	name         string
	binary       string
	kind         Kind
	runner       CommandRunner
	versionFlag  string
	probeTimeout time.Duration
}

func newBase(name, binary string, kind Kind, runner CommandRunner) base {
	return base{
		name:         name,
		binary:       binary,
		kind:         kind,
		runner:       runner,
		versionFlag:  "--version",
		probeTimeout: 5 * time.Second,
	}
}

// Name implements Backend.
func (b *base) Name() string { return b.name }

// Kind implements Backend.
func (b *base) Kind() Kind { return b.kind }

// Available implements Backend: the binary resolves and answers its version
// flag before the probe deadline.
func (b *base) Available(ctx context.Context) bool {
	if _, err := b.runner.LookPath(b.binary); err != nil {
		return false
	}
	out, err := b.runner.Run(ctx, Command{Name: b.binary, Args: []string{b.versionFlag}, Timeout: b.probeTimeout})
	if err != nil {
		return false
	}
	return out.ExitCode == 0
}

// run executes the adapter's own binary.
func (b *base) run(ctx context.Context, args ...string) (*Output, error) {
	return b.runTool(ctx, b.binary, args...)
}

// runTool executes a helper binary on behalf of the adapter (e.g. rpm for dnf)
// and maps runner failures onto the engine taxonomy.
func (b *base) runTool(ctx context.Context, tool string, args ...string) (*Output, error) {
	if _, err := b.runner.LookPath(tool); err != nil {
		return nil, engine.NewBackendUnavailableError(b.name, err)
	}
	out, err := b.runner.Run(ctx, Command{Name: tool, Args: args})
	if err != nil {
		return out, b.classify(err)
	}
	return out, nil
}

func (b *base) classify(err error) error {
	switch {
	case errors.Is(err, ErrCommandTimeout):
		return engine.NewBackendTimeoutError(b.name, err)
	case errors.Is(err, ErrCommandNotFound):
		return engine.NewBackendUnavailableError(b.name, err)
	default:
		return fmt.Errorf("%s: %w", b.name, err)
	}
}

// commandFailed wraps a non-zero exit into an error carrying stderr.
func (b *base) commandFailed(op string, out *Output) error {
	return fmt.Errorf("%s %s exited with code %d: %s", b.name, op, out.ExitCode, firstLine(out.Stderr))
}
