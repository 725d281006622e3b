package installer

import (
	"fmt"
	"strings"

	"github.com/eshu/eshu/pkg/backend"
	"github.com/eshu/eshu/pkg/engine"
	"github.com/eshu/eshu/pkg/profile"
)

// Generator produces install plans without a language model. Its plans are
// the fallback whenever the gateway is disabled, unreachable or returns a
// plan that does not validate.
type Generator struct {
	registry *backend.Registry
	jobs     int
}

// NewGenerator creates a plan generator. jobs is the parallel job count for
// source builds; zero means one per CPU.
func NewGenerator(registry *backend.Registry, jobs int) *Generator {
	return &Generator{registry: registry, jobs: jobs}
}

// Plan returns the deterministic plan for installing pkg through its backend.
func (g *Generator) Plan(pkg engine.PackageResult, p *profile.SystemProfile) (*engine.InstallPlan, error) {
	if pkg.InstallName() == "" {
		return nil, engine.NewValidationError("package name is required", nil)
	}
	b, ok := g.registry.Get(pkg.Backend)
	if !ok {
		return nil, engine.NewValidationError(fmt.Sprintf("unknown backend %q", pkg.Backend), nil).WithPackage(pkg.InstallName())
	}

	plan := &engine.InstallPlan{
		Package:     pkg.InstallName(),
		Backend:     b.Name(),
		Commands:    []string{ShellJoin(b.BuildInstallCommand(pkg.InstallName()))},
		BuildSystem: engine.BuildSystemNone,
		Source:      engine.SourceDeterministic,
	}

	if info, ok := b.(backend.BuildInfo); ok && info.BuildSystem() != engine.BuildSystemNone {
		plan.RequiresBuild = true
		plan.BuildSystem = info.BuildSystem()
	}

	switch b.Kind() {
	case backend.KindSource:
		plan.Notes = fmt.Sprintf("%s builds %s from source; this may take a while", b.Name(), pkg.InstallName())
	case backend.KindUniversal:
		plan.Notes = fmt.Sprintf("%s runs sandboxed and may not integrate with the system theme", pkg.InstallName())
	}
	if p != nil && !p.HasBackend(b.Name()) {
		plan.Notes = strings.TrimSpace(plan.Notes + " " + b.Name() + " was not usable when the host was last probed.")
	}

	return plan, nil
}

// PlanFromSource returns a plan that builds the source tree in dir.
func (g *Generator) PlanFromSource(name, dir string) (*engine.InstallPlan, error) {
	system, err := DetectBuildSystem(dir)
	if err != nil {
		return nil, err
	}
	if system == engine.BuildSystemNone {
		return nil, engine.NewValidationError(fmt.Sprintf("no build system found in %s", dir), nil).WithPackage(name)
	}
	cmds, err := BuildCommands(system, dir, g.jobs)
	if err != nil {
		return nil, err
	}
	return &engine.InstallPlan{
		Package:       name,
		Backend:       "source",
		Commands:      cmds,
		RequiresBuild: true,
		BuildSystem:   system,
		WorkDir:       dir,
		Source:        engine.SourceDeterministic,
	}, nil
}

// ShellJoin renders argv as a /bin/sh command line, quoting arguments that
// contain shell metacharacters.
func ShellJoin(argv []string) string {
	quoted := make([]string, len(argv))
	for i, arg := range argv {
		quoted[i] = shellQuote(arg)
	}
	return strings.Join(quoted, " ")
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./:=+@%,", r)) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
