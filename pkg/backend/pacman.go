package backend

import (
	"context"
	"regexp"
	"strings"

	"github.com/eshu/eshu/pkg/engine"
)

// sizeLookupLimit bounds how many results get their size looked up.
const sizeLookupLimit = 10

var pacmanResultLine = regexp.MustCompile(`^(\S+)/(\S+)\s+(\S+)(.*)$`)

// Pacman adapts the Arch Linux package manager.
type Pacman struct {
	base
}

// NewPacman creates the pacman adapter.
func NewPacman(runner CommandRunner) *Pacman {
	return &Pacman{base: newBase("pacman", "pacman", KindNative, runner)}
}

// Search implements Backend.
func (p *Pacman) Search(ctx context.Context, term string) ([]engine.PackageResult, error) {
	out, err := p.run(ctx, "-Ss", term)
	if err != nil {
		return nil, err
	}
	// pacman exits 1 when nothing matches.
	if out.ExitCode != 0 {
		if strings.TrimSpace(out.Stdout) == "" {
			return []engine.PackageResult{}, nil
		}
		return nil, p.commandFailed("search", out)
	}

	results := parsePacmanSearch(p.name, out.Stdout, nil)
	p.fillSizes(ctx, results)
	return results, nil
}

// fillSizes looks up installed sizes for the first results. Failures leave sizes unknown.
func (p *Pacman) fillSizes(ctx context.Context, results []engine.PackageResult) {
	if len(results) == 0 {
		return
	}
	n := min(len(results), sizeLookupLimit)
	args := []string{"-Si"}
	for _, r := range results[:n] {
		args = append(args, r.Repository+"/"+r.Name)
	}
	out, err := p.run(ctx, args...)
	if err != nil || out == nil {
		return
	}
	sizes := parsePacmanInfoSizes(out.Stdout)
	for i := range results[:n] {
		if size, ok := sizes[results[i].Name]; ok {
			results[i].Size = size
		}
	}
}

// BuildInstallCommand implements Backend.
func (p *Pacman) BuildInstallCommand(name string) []string {
	return []string{"sudo", "pacman", "-S", "--needed", "--noconfirm", name}
}

// BuildUninstallCommand implements Backend.
func (p *Pacman) BuildUninstallCommand(name string) []string {
	return []string{"sudo", "pacman", "-Rns", "--noconfirm", name}
}

// ListInstalled implements Backend.
func (p *Pacman) ListInstalled(ctx context.Context) ([]engine.InstalledPackage, error) {
	out, err := p.run(ctx, "-Q")
	if err != nil {
		return nil, err
	}
	if out.ExitCode != 0 {
		return nil, p.commandFailed("list", out)
	}
	return parseNameVersionPairs(out.Stdout), nil
}

// AURHelper adapts pacman wrappers that build from the Arch User Repository
// (yay, paru). Only AUR results are reported; repository packages belong to
// the pacman adapter.
type AURHelper struct {
	base
}

// NewYay creates the yay adapter.
func NewYay(runner CommandRunner) *AURHelper {
	return &AURHelper{base: newBase("yay", "yay", KindSource, runner)}
}

// NewParu creates the paru adapter.
func NewParu(runner CommandRunner) *AURHelper {
	return &AURHelper{base: newBase("paru", "paru", KindSource, runner)}
}

// BuildSystem implements BuildInfo: AUR packages are built with makepkg.
func (a *AURHelper) BuildSystem() engine.BuildSystem {
	return engine.BuildSystemMake
}

// Search implements Backend.
func (a *AURHelper) Search(ctx context.Context, term string) ([]engine.PackageResult, error) {
	out, err := a.run(ctx, "-Ss", "--aur", term)
	if err != nil {
		return nil, err
	}
	if out.ExitCode != 0 {
		if strings.TrimSpace(out.Stdout) == "" {
			return []engine.PackageResult{}, nil
		}
		return nil, a.commandFailed("search", out)
	}
	return parsePacmanSearch(a.name, out.Stdout, func(repo string) bool { return repo == "aur" }), nil
}

// BuildInstallCommand implements Backend. AUR helpers refuse to run as root.
func (a *AURHelper) BuildInstallCommand(name string) []string {
	return []string{a.binary, "-S", "--needed", "--noconfirm", name}
}

// BuildUninstallCommand implements Backend.
func (a *AURHelper) BuildUninstallCommand(name string) []string {
	return []string{a.binary, "-Rns", "--noconfirm", name}
}

// ListInstalled implements Backend: foreign packages only.
func (a *AURHelper) ListInstalled(ctx context.Context) ([]engine.InstalledPackage, error) {
	out, err := a.run(ctx, "-Qm")
	if err != nil {
		return nil, err
	}
	// -Qm exits 1 when there are no foreign packages.
	if out.ExitCode != 0 && strings.TrimSpace(out.Stdout) != "" {
		return nil, a.commandFailed("list", out)
	}
	return parseNameVersionPairs(out.Stdout), nil
}

// parsePacmanSearch parses `pacman -Ss` style output: a result line followed by
// an indented description line. keep filters by repository when non-nil.
func parsePacmanSearch(backendName, output string, keep func(repo string) bool) []engine.PackageResult {
	results := []engine.PackageResult{}
	current := -1
	for _, line := range lines(output) {
		if strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t") {
			if current >= 0 && results[current].Description == "" {
				results[current].Description = strings.TrimSpace(line)
			}
			continue
		}

		m := pacmanResultLine.FindStringSubmatch(line)
		if m == nil {
			current = -1
			continue
		}
		if keep != nil && !keep(m[1]) {
			current = -1
			continue
		}

		rest := strings.ToLower(m[4])
		results = append(results, engine.PackageResult{
			Name:       m[2],
			Version:    m[3],
			Backend:    backendName,
			Repository: m[1],
			Installed:  strings.Contains(rest, "[installed") || strings.Contains(rest, "(installed"),
		})
		current = len(results) - 1
	}
	return results
}

// parsePacmanInfoSizes extracts Name -> Installed Size from `pacman -Si` output.
func parsePacmanInfoSizes(output string) map[string]int64 {
	sizes := make(map[string]int64)
	var name string
	for _, line := range lines(output) {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		switch strings.TrimSpace(key) {
		case "Name":
			name = strings.TrimSpace(value)
		case "Installed Size":
			if name != "" {
				sizes[name] = ParseSize(value, "B")
			}
		}
	}
	return sizes
}

// parseNameVersionPairs parses "name version" lines.
func parseNameVersionPairs(output string) []engine.InstalledPackage {
	var pkgs []engine.InstalledPackage
	for _, line := range lines(output) {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		pkgs = append(pkgs, engine.InstalledPackage{Name: fields[0], Version: fields[1]})
	}
	return pkgs
}
