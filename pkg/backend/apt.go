package backend

import (
	"context"
	"regexp"
	"strings"

	"github.com/eshu/eshu/pkg/engine"
)

// aptResultLimit bounds how many search hits get a policy lookup.
const aptResultLimit = 30

var aptSearchLine = regexp.MustCompile(`^(\S+)\s+-\s+(.+)$`)

// Apt adapts Debian's apt tooling.
type Apt struct {
	base
}

// NewApt creates the apt adapter.
func NewApt(runner CommandRunner) *Apt {
	return &Apt{base: newBase("apt", "apt-get", KindNative, runner)}
}

// Search implements Backend. Versions and installed state come from one
// follow-up `apt-cache policy` call over the first hits.
func (a *Apt) Search(ctx context.Context, term string) ([]engine.PackageResult, error) {
	out, err := a.runTool(ctx, "apt-cache", "search", term)
	if err != nil {
		return nil, err
	}
	if out.ExitCode != 0 {
		return nil, a.commandFailed("search", out)
	}

	results := []engine.PackageResult{}
	for _, line := range lines(out.Stdout) {
		m := aptSearchLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		results = append(results, engine.PackageResult{
			Name:        m[1],
			Version:     engine.UnknownVersion,
			Backend:     a.name,
			Description: strings.TrimSpace(m[2]),
		})
		if len(results) == aptResultLimit {
			break
		}
	}
	if len(results) == 0 {
		return results, nil
	}

	args := []string{"policy"}
	for _, r := range results {
		args = append(args, r.Name)
	}
	policyOut, err := a.runTool(ctx, "apt-cache", args...)
	if err != nil {
		// Names are still useful without versions, unless the deadline passed.
		if engine.IsTransient(err) {
			return nil, err
		}
		return results, nil
	}
	policies := parseAptPolicy(policyOut.Stdout)
	for i := range results {
		if pol, ok := policies[results[i].Name]; ok {
			if pol.candidate != "" && pol.candidate != "(none)" {
				results[i].Version = pol.candidate
			}
			results[i].Installed = pol.installed != "" && pol.installed != "(none)"
		}
	}
	a.fillSizes(ctx, results)
	return results, nil
}

// fillSizes reads Installed-Size for the first results. Failures leave sizes unknown.
func (a *Apt) fillSizes(ctx context.Context, results []engine.PackageResult) {
	n := min(len(results), sizeLookupLimit)
	args := []string{"show", "--no-all-versions"}
	for _, r := range results[:n] {
		args = append(args, r.Name)
	}
	out, err := a.runTool(ctx, "apt-cache", args...)
	if err != nil || out == nil {
		return
	}
	sizes := parseAptShowSizes(out.Stdout)
	for i := range results[:n] {
		if size, ok := sizes[results[i].Name]; ok {
			results[i].Size = size
		}
	}
}

// parseAptShowSizes extracts Package -> Installed-Size from `apt-cache show`
// output. apt reports the size in KiB.
func parseAptShowSizes(output string) map[string]int64 {
	sizes := make(map[string]int64)
	var name string
	for _, line := range lines(output) {
		if strings.HasPrefix(line, " ") {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		switch key {
		case "Package":
			name = strings.TrimSpace(value)
		case "Installed-Size":
			if size := ParseSize(value, "KiB"); name != "" && size > 0 {
				if _, seen := sizes[name]; !seen {
					sizes[name] = size
				}
			}
		}
	}
	return sizes
}

type aptPolicy struct {
	installed string
	candidate string
}

// parseAptPolicy parses `apt-cache policy a b c` output.
func parseAptPolicy(output string) map[string]aptPolicy {
	policies := make(map[string]aptPolicy)
	var name string
	for _, line := range lines(output) {
		if !strings.HasPrefix(line, " ") && strings.HasSuffix(line, ":") {
			name = strings.TrimSuffix(line, ":")
			policies[name] = aptPolicy{}
			continue
		}
		if name == "" {
			continue
		}
		key, value, ok := strings.Cut(strings.TrimSpace(line), ":")
		if !ok {
			continue
		}
		pol := policies[name]
		switch key {
		case "Installed":
			pol.installed = strings.TrimSpace(value)
		case "Candidate":
			pol.candidate = strings.TrimSpace(value)
		default:
			continue
		}
		policies[name] = pol
	}
	return policies
}

// BuildInstallCommand implements Backend.
func (a *Apt) BuildInstallCommand(name string) []string {
	return []string{"sudo", "apt-get", "install", "-y", name}
}

// BuildUninstallCommand implements Backend.
func (a *Apt) BuildUninstallCommand(name string) []string {
	return []string{"sudo", "apt-get", "remove", "-y", name}
}

// ListInstalled implements Backend.
func (a *Apt) ListInstalled(ctx context.Context) ([]engine.InstalledPackage, error) {
	out, err := a.runTool(ctx, "dpkg-query", "-W", "-f=${db:Status-Status}\t${Package}\t${Version}\n")
	if err != nil {
		return nil, err
	}
	if out.ExitCode != 0 {
		return nil, a.commandFailed("list", out)
	}
	var pkgs []engine.InstalledPackage
	for _, line := range lines(out.Stdout) {
		fields := strings.Split(line, "\t")
		if len(fields) != 3 || fields[0] != "installed" {
			continue
		}
		pkgs = append(pkgs, engine.InstalledPackage{Name: fields[1], Version: fields[2]})
	}
	return pkgs, nil
}
