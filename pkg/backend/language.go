package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/eshu/eshu/pkg/engine"
)

var (
	cargoSearchLine  = regexp.MustCompile(`^(\S+)\s*=\s*"([^"]+)"\s*(?:#\s*(.*))?$`)
	cargoInstallLine = regexp.MustCompile(`^(\S+) v(\S+?)(?: \(.*\))?:$`)
	pipIndexHeader   = regexp.MustCompile(`^(\S+) \(([^)]+)\)$`)
)

// Cargo adapts Rust's cargo. Crates are compiled on install.
type Cargo struct {
	base
}

// NewCargo creates the cargo adapter.
func NewCargo(runner CommandRunner) *Cargo {
	return &Cargo{base: newBase("cargo", "cargo", KindSource, runner)}
}

// BuildSystem implements BuildInfo.
func (c *Cargo) BuildSystem() engine.BuildSystem {
	return engine.BuildSystemCargo
}

// Search implements Backend.
func (c *Cargo) Search(ctx context.Context, term string) ([]engine.PackageResult, error) {
	out, err := c.run(ctx, "search", term, "--limit", "20")
	if err != nil {
		return nil, err
	}
	if out.ExitCode != 0 {
		return nil, c.commandFailed("search", out)
	}

	results := []engine.PackageResult{}
	for _, line := range lines(out.Stdout) {
		m := cargoSearchLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		results = append(results, engine.PackageResult{
			Name:        m[1],
			Version:     m[2],
			Backend:     c.name,
			Description: strings.TrimSpace(m[3]),
		})
	}
	return results, nil
}

// BuildInstallCommand implements Backend.
func (c *Cargo) BuildInstallCommand(name string) []string {
	return []string{"cargo", "install", name}
}

// BuildUninstallCommand implements Backend.
func (c *Cargo) BuildUninstallCommand(name string) []string {
	return []string{"cargo", "uninstall", name}
}

// ListInstalled implements Backend. Output lists "crate vX.Y.Z:" followed by
// indented binary names.
func (c *Cargo) ListInstalled(ctx context.Context) ([]engine.InstalledPackage, error) {
	out, err := c.run(ctx, "install", "--list")
	if err != nil {
		return nil, err
	}
	if out.ExitCode != 0 {
		return nil, c.commandFailed("list", out)
	}
	var pkgs []engine.InstalledPackage
	for _, line := range lines(out.Stdout) {
		if strings.HasPrefix(line, " ") {
			continue
		}
		if m := cargoInstallLine.FindStringSubmatch(line); m != nil {
			pkgs = append(pkgs, engine.InstalledPackage{Name: m[1], Version: m[2]})
		}
	}
	return pkgs, nil
}

// Npm adapts the Node.js package manager (global installs).
type Npm struct {
	base
}

// NewNpm creates the npm adapter.
func NewNpm(runner CommandRunner) *Npm {
	return &Npm{base: newBase("npm", "npm", KindLanguage, runner)}
}

type npmSearchEntry struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description"`
}

// Search implements Backend.
func (n *Npm) Search(ctx context.Context, term string) ([]engine.PackageResult, error) {
	out, err := n.run(ctx, "search", "--json", term)
	if err != nil {
		return nil, err
	}
	if out.ExitCode != 0 {
		return nil, n.commandFailed("search", out)
	}
	if strings.TrimSpace(out.Stdout) == "" {
		return []engine.PackageResult{}, nil
	}

	var raw []json.RawMessage
	if err := json.Unmarshal([]byte(out.Stdout), &raw); err != nil {
		return nil, fmt.Errorf("npm: failed to parse search output: %w", err)
	}
	results := []engine.PackageResult{}
	for _, item := range raw {
		var entry npmSearchEntry
		if err := json.Unmarshal(item, &entry); err != nil || entry.Name == "" {
			continue
		}
		version := entry.Version
		if version == "" {
			version = engine.UnknownVersion
		}
		results = append(results, engine.PackageResult{
			Name:        entry.Name,
			Version:     version,
			Backend:     n.name,
			Description: entry.Description,
		})
	}
	return results, nil
}

// BuildInstallCommand implements Backend.
func (n *Npm) BuildInstallCommand(name string) []string {
	return []string{"npm", "install", "-g", name}
}

// BuildUninstallCommand implements Backend.
func (n *Npm) BuildUninstallCommand(name string) []string {
	return []string{"npm", "uninstall", "-g", name}
}

// ListInstalled implements Backend.
func (n *Npm) ListInstalled(ctx context.Context) ([]engine.InstalledPackage, error) {
	out, err := n.run(ctx, "list", "-g", "--depth=0", "--json")
	if err != nil {
		return nil, err
	}
	// npm list exits non-zero on peer dependency problems but still prints JSON.
	var listing struct {
		Dependencies map[string]struct {
			Version string `json:"version"`
		} `json:"dependencies"`
	}
	if err := json.Unmarshal([]byte(out.Stdout), &listing); err != nil {
		if out.ExitCode != 0 {
			return nil, n.commandFailed("list", out)
		}
		return nil, fmt.Errorf("npm: failed to parse list output: %w", err)
	}
	pkgs := make([]engine.InstalledPackage, 0, len(listing.Dependencies))
	for name, dep := range listing.Dependencies {
		pkgs = append(pkgs, engine.InstalledPackage{Name: name, Version: dep.Version})
	}
	sort.Slice(pkgs, func(i, j int) bool { return pkgs[i].Name < pkgs[j].Name })
	return pkgs, nil
}

// Pip adapts Python's pip (user installs). PyPI has no search endpoint, so
// Search is an exact-name lookup through `pip index versions`.
type Pip struct {
	base
}

// NewPip creates the pip adapter.
func NewPip(runner CommandRunner) *Pip {
	return &Pip{base: newBase("pip", "pip3", KindLanguage, runner)}
}

// Search implements Backend.
func (p *Pip) Search(ctx context.Context, term string) ([]engine.PackageResult, error) {
	name := strings.ReplaceAll(strings.TrimSpace(term), " ", "-")
	out, err := p.run(ctx, "index", "versions", name, "--disable-pip-version-check")
	if err != nil {
		return nil, err
	}
	if out.ExitCode != 0 {
		if strings.Contains(out.Stderr, "No matching distribution") {
			return []engine.PackageResult{}, nil
		}
		return nil, p.commandFailed("search", out)
	}

	results := []engine.PackageResult{}
	for _, line := range lines(out.Stdout) {
		trimmed := strings.TrimSpace(line)
		if m := pipIndexHeader.FindStringSubmatch(trimmed); m != nil && len(results) == 0 {
			results = append(results, engine.PackageResult{
				Name:    m[1],
				Version: m[2],
				Backend: p.name,
			})
			continue
		}
		if len(results) == 1 && strings.HasPrefix(trimmed, "INSTALLED:") {
			results[0].Installed = true
		}
	}
	return results, nil
}

// BuildInstallCommand implements Backend.
func (p *Pip) BuildInstallCommand(name string) []string {
	return []string{"pip3", "install", "--user", name}
}

// BuildUninstallCommand implements Backend.
func (p *Pip) BuildUninstallCommand(name string) []string {
	return []string{"pip3", "uninstall", "-y", name}
}

// ListInstalled implements Backend.
func (p *Pip) ListInstalled(ctx context.Context) ([]engine.InstalledPackage, error) {
	out, err := p.run(ctx, "list", "--format=json", "--disable-pip-version-check")
	if err != nil {
		return nil, err
	}
	if out.ExitCode != 0 {
		return nil, p.commandFailed("list", out)
	}
	var entries []engine.InstalledPackage
	if err := json.Unmarshal([]byte(out.Stdout), &entries); err != nil {
		return nil, fmt.Errorf("pip: failed to parse list output: %w", err)
	}
	return entries, nil
}
