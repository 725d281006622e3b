// Package profile discovers which package backends a host can use and what
// they have installed, and memoizes the result under a TTL.
package profile

import (
	"sort"
	"time"

	"github.com/eshu/eshu/pkg/engine"
)

// SystemProfile is an immutable snapshot of a host. Once published by the
// Cache it must not be modified; refreshes replace it wholesale.
type SystemProfile struct {
	Distro        string `json:"distro"`
	DistroVersion string `json:"distro_version"`
	Kernel        string `json:"kernel"`
	Arch          string `json:"arch"`
	Hostname      string `json:"hostname"`
	Fingerprint   string `json:"fingerprint"`

	// Backends lists usable backends in priority order.
	Backends []string `json:"backends"`

	// Installed maps backend -> package name -> version.
	Installed map[string]map[string]string `json:"installed"`

	CreatedAt time.Time     `json:"created_at"`
	TTL       time.Duration `json:"ttl"`
}

// HasBackend reports whether name is usable on this host.
func (p *SystemProfile) HasBackend(name string) bool {
	for _, b := range p.Backends {
		if b == name {
			return true
		}
	}
	return false
}

// InstalledVersion returns the installed version of a package for a backend.
func (p *SystemProfile) InstalledVersion(backend, name string) (string, bool) {
	pkgs, ok := p.Installed[backend]
	if !ok {
		return "", false
	}
	if v, ok := pkgs[name]; ok {
		return v, true
	}
	v, ok := pkgs[engine.NormalizeName(name)]
	return v, ok
}

// IsInstalled reports whether a result is already present on the host.
func (p *SystemProfile) IsInstalled(r engine.PackageResult) bool {
	if _, ok := p.InstalledVersion(r.Backend, r.InstallName()); ok {
		return true
	}
	_, ok := p.InstalledVersion(r.Backend, r.Name)
	return ok
}

// InstalledCount returns the number of installed packages across backends.
func (p *SystemProfile) InstalledCount() int {
	n := 0
	for _, pkgs := range p.Installed {
		n += len(pkgs)
	}
	return n
}

// InstalledNames returns every installed package name, sorted and unique.
func (p *SystemProfile) InstalledNames() []string {
	seen := make(map[string]bool)
	var names []string
	for _, pkgs := range p.Installed {
		for name := range pkgs {
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}
	sort.Strings(names)
	return names
}

// Age returns how old the profile is at now.
func (p *SystemProfile) Age(now time.Time) time.Duration {
	return now.Sub(p.CreatedAt)
}

// FreshFor reports whether the profile may be trusted under ttl at now.
// A non-positive ttl never trusts a profile.
func (p *SystemProfile) FreshFor(ttl time.Duration, now time.Time) bool {
	if p == nil || ttl <= 0 {
		return false
	}
	return p.Age(now) < ttl
}

// Native returns the highest-priority usable native backend among candidates.
func (p *SystemProfile) Native(candidates map[string]bool) (string, bool) {
	for _, b := range p.Backends {
		if candidates[b] {
			return b, true
		}
	}
	return "", false
}
