package backend

import (
	"context"
	"regexp"
	"strings"

	"github.com/eshu/eshu/pkg/engine"
)

// dnf4 prints "name.arch : summary"; dnf5 prints " name.arch<TAB>summary".
var dnfResultLine = regexp.MustCompile(`^\s*(\S+)\.(x86_64|aarch64|i686|noarch|armv7hl|ppc64le|s390x)\s*:?\s+(.+)$`)

// Dnf adapts Fedora's dnf.
type Dnf struct {
	base
}

// NewDnf creates the dnf adapter.
func NewDnf(runner CommandRunner) *Dnf {
	return &Dnf{base: newBase("dnf", "dnf", KindNative, runner)}
}

// Search implements Backend.
func (d *Dnf) Search(ctx context.Context, term string) ([]engine.PackageResult, error) {
	out, err := d.run(ctx, "search", "--quiet", term)
	if err != nil {
		return nil, err
	}
	// dnf exits 1 with "No matches found." on stderr.
	if out.ExitCode != 0 {
		if strings.TrimSpace(out.Stdout) == "" {
			return []engine.PackageResult{}, nil
		}
		return nil, d.commandFailed("search", out)
	}

	results := []engine.PackageResult{}
	seen := make(map[string]bool)
	for _, line := range lines(out.Stdout) {
		m := dnfResultLine.FindStringSubmatch(line)
		if m == nil || seen[m[1]] {
			continue
		}
		seen[m[1]] = true
		results = append(results, engine.PackageResult{
			Name:        m[1],
			Version:     engine.UnknownVersion,
			Backend:     d.name,
			Description: strings.TrimSpace(m[3]),
		})
	}
	return results, nil
}

// BuildInstallCommand implements Backend.
func (d *Dnf) BuildInstallCommand(name string) []string {
	return []string{"sudo", "dnf", "install", "-y", name}
}

// BuildUninstallCommand implements Backend.
func (d *Dnf) BuildUninstallCommand(name string) []string {
	return []string{"sudo", "dnf", "remove", "-y", name}
}

// ListInstalled implements Backend.
func (d *Dnf) ListInstalled(ctx context.Context) ([]engine.InstalledPackage, error) {
	return listRPM(ctx, &d.base)
}

// Zypper adapts openSUSE's zypper.
type Zypper struct {
	base
}

// NewZypper creates the zypper adapter.
func NewZypper(runner CommandRunner) *Zypper {
	return &Zypper{base: newBase("zypper", "zypper", KindNative, runner)}
}

// Search implements Backend. Output is a pipe-separated table:
//
//	S | Name    | Summary         | Type
//	--+---------+-----------------+--------
//	i | firefox | Mozilla Firefox | package
func (z *Zypper) Search(ctx context.Context, term string) ([]engine.PackageResult, error) {
	out, err := z.run(ctx, "--non-interactive", "--no-refresh", "search", "-t", "package", term)
	if err != nil {
		return nil, err
	}
	// 104: ZYPPER_EXIT_INF_CAP_NOT_FOUND, nothing matched.
	if out.ExitCode == 104 {
		return []engine.PackageResult{}, nil
	}
	if out.ExitCode != 0 {
		return nil, z.commandFailed("search", out)
	}

	results := []engine.PackageResult{}
	for _, line := range lines(out.Stdout) {
		cols := strings.Split(line, "|")
		if len(cols) < 3 {
			continue
		}
		status := strings.TrimSpace(cols[0])
		name := strings.TrimSpace(cols[1])
		if name == "" || name == "Name" || strings.HasPrefix(name, "-") {
			continue
		}
		if len(cols) >= 4 && strings.TrimSpace(cols[3]) != "package" {
			continue
		}
		results = append(results, engine.PackageResult{
			Name:        name,
			Version:     engine.UnknownVersion,
			Backend:     z.name,
			Description: strings.TrimSpace(cols[2]),
			Installed:   strings.HasPrefix(status, "i"),
		})
	}
	return results, nil
}

// BuildInstallCommand implements Backend.
func (z *Zypper) BuildInstallCommand(name string) []string {
	return []string{"sudo", "zypper", "--non-interactive", "install", name}
}

// BuildUninstallCommand implements Backend.
func (z *Zypper) BuildUninstallCommand(name string) []string {
	return []string{"sudo", "zypper", "--non-interactive", "remove", name}
}

// ListInstalled implements Backend.
func (z *Zypper) ListInstalled(ctx context.Context) ([]engine.InstalledPackage, error) {
	return listRPM(ctx, &z.base)
}

// listRPM enumerates the rpm database shared by dnf and zypper.
func listRPM(ctx context.Context, b *base) ([]engine.InstalledPackage, error) {
	out, err := b.runTool(ctx, "rpm", "-qa", "--queryformat", "%{NAME}\t%{VERSION}-%{RELEASE}\n")
	if err != nil {
		return nil, err
	}
	if out.ExitCode != 0 {
		return nil, b.commandFailed("list", out)
	}
	var pkgs []engine.InstalledPackage
	for _, line := range lines(out.Stdout) {
		name, version, ok := strings.Cut(line, "\t")
		if !ok || name == "" {
			continue
		}
		pkgs = append(pkgs, engine.InstalledPackage{Name: name, Version: version})
	}
	return pkgs, nil
}
