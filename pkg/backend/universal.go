package backend

import (
	"context"
	"strings"

	"github.com/eshu/eshu/pkg/engine"
)

// Flatpak adapts flatpak. Results carry the application ID as install identifier.
type Flatpak struct {
	base
}

// NewFlatpak creates the flatpak adapter.
func NewFlatpak(runner CommandRunner) *Flatpak {
	return &Flatpak{base: newBase("flatpak", "flatpak", KindUniversal, runner)}
}

// Search implements Backend.
func (f *Flatpak) Search(ctx context.Context, term string) ([]engine.PackageResult, error) {
	out, err := f.run(ctx, "search", "--columns=name,description,application,version,remotes", term)
	if err != nil {
		return nil, err
	}
	if out.ExitCode != 0 {
		return nil, f.commandFailed("search", out)
	}

	results := []engine.PackageResult{}
	for _, line := range lines(out.Stdout) {
		cols := strings.Split(line, "\t")
		if len(cols) < 3 {
			continue
		}
		name := strings.TrimSpace(cols[0])
		appID := strings.TrimSpace(cols[2])
		if name == "" || appID == "" || !strings.Contains(appID, ".") {
			continue
		}
		r := engine.PackageResult{
			Name:        name,
			ID:          appID,
			Version:     engine.UnknownVersion,
			Backend:     f.name,
			Description: strings.TrimSpace(cols[1]),
		}
		if len(cols) > 3 && strings.TrimSpace(cols[3]) != "" {
			r.Version = strings.TrimSpace(cols[3])
		}
		if len(cols) > 4 {
			r.Repository = strings.TrimSpace(strings.Split(cols[4], ",")[0])
		}
		results = append(results, r)
	}
	return results, nil
}

// BuildInstallCommand implements Backend; name is the application ID.
func (f *Flatpak) BuildInstallCommand(name string) []string {
	return []string{"flatpak", "install", "-y", "--noninteractive", name}
}

// BuildUninstallCommand implements Backend.
func (f *Flatpak) BuildUninstallCommand(name string) []string {
	return []string{"flatpak", "uninstall", "-y", "--noninteractive", name}
}

// ListInstalled implements Backend. Entries are keyed by application ID.
func (f *Flatpak) ListInstalled(ctx context.Context) ([]engine.InstalledPackage, error) {
	out, err := f.run(ctx, "list", "--app", "--columns=application,version")
	if err != nil {
		return nil, err
	}
	if out.ExitCode != 0 {
		return nil, f.commandFailed("list", out)
	}
	var pkgs []engine.InstalledPackage
	for _, line := range lines(out.Stdout) {
		cols := strings.Split(line, "\t")
		appID := strings.TrimSpace(cols[0])
		if appID == "" || appID == "Application ID" {
			continue
		}
		version := engine.UnknownVersion
		if len(cols) > 1 && strings.TrimSpace(cols[1]) != "" {
			version = strings.TrimSpace(cols[1])
		}
		pkgs = append(pkgs, engine.InstalledPackage{Name: appID, Version: version})
	}
	return pkgs, nil
}

// Snap adapts snapd.
type Snap struct {
	base
}

// NewSnap creates the snap adapter.
func NewSnap(runner CommandRunner) *Snap {
	return &Snap{base: newBase("snap", "snap", KindUniversal, runner)}
}

// Search implements Backend. Columns: Name Version Publisher Notes Summary.
func (s *Snap) Search(ctx context.Context, term string) ([]engine.PackageResult, error) {
	out, err := s.run(ctx, "find", term)
	if err != nil {
		return nil, err
	}
	if out.ExitCode != 0 {
		if strings.Contains(strings.ToLower(out.Stderr), "no matching snaps") {
			return []engine.PackageResult{}, nil
		}
		return nil, s.commandFailed("search", out)
	}

	results := []engine.PackageResult{}
	for i, line := range lines(out.Stdout) {
		fields := strings.Fields(line)
		if i == 0 && len(fields) > 0 && fields[0] == "Name" {
			continue
		}
		if len(fields) < 4 {
			continue
		}
		r := engine.PackageResult{
			Name:    fields[0],
			Version: fields[1],
			Backend: s.name,
		}
		if len(fields) > 4 {
			r.Description = strings.Join(fields[4:], " ")
		}
		results = append(results, r)
	}
	return results, nil
}

// BuildInstallCommand implements Backend.
func (s *Snap) BuildInstallCommand(name string) []string {
	return []string{"sudo", "snap", "install", name}
}

// BuildUninstallCommand implements Backend.
func (s *Snap) BuildUninstallCommand(name string) []string {
	return []string{"sudo", "snap", "remove", name}
}

// ListInstalled implements Backend.
func (s *Snap) ListInstalled(ctx context.Context) ([]engine.InstalledPackage, error) {
	out, err := s.run(ctx, "list")
	if err != nil {
		return nil, err
	}
	if out.ExitCode != 0 {
		// snap list fails when nothing is installed.
		if strings.Contains(strings.ToLower(out.Stderr), "no snaps are installed") {
			return nil, nil
		}
		return nil, s.commandFailed("list", out)
	}
	var pkgs []engine.InstalledPackage
	for i, line := range lines(out.Stdout) {
		fields := strings.Fields(line)
		if i == 0 && len(fields) > 0 && fields[0] == "Name" {
			continue
		}
		if len(fields) < 2 {
			continue
		}
		pkgs = append(pkgs, engine.InstalledPackage{Name: fields[0], Version: fields[1]})
	}
	return pkgs, nil
}
