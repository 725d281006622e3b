package profile

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/eshu/eshu/pkg/backend"
	"github.com/eshu/eshu/pkg/engine"
)

// HostInfo is the host identity part of a profile.
type HostInfo struct {
	Distro        string
	DistroVersion string
	Kernel        string
	Arch          string
	Hostname      string
	Fingerprint   string
}

// HostInfoFunc returns host identity. It must not block.
type HostInfoFunc func() HostInfo

// ProberConfig configures probing.
type ProberConfig struct {
	// ProbeTimeout bounds each backend's availability check.
	ProbeTimeout time.Duration

	// ListTimeout bounds each backend's installed-package enumeration.
	ListTimeout time.Duration
}

// Prober builds a SystemProfile by probing every configured backend in turn.
// A backend that is missing or slow is recorded as unavailable; probing never fails.
type Prober struct {
	registry *backend.Registry
	config   ProberConfig
	hostInfo HostInfoFunc
	logger   zerolog.Logger
	now      func() time.Time
}

// NewProber creates a prober over the registry's backends.
func NewProber(registry *backend.Registry, cfg ProberConfig, logger zerolog.Logger) *Prober {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.ListTimeout <= 0 {
		cfg.ListTimeout = 30 * time.Second
	}
	return &Prober{
		registry: registry,
		config:   cfg,
		hostInfo: LocalHostInfo,
		logger:   logger.With().Str("component", "profile-prober").Logger(),
		now:      time.Now,
	}
}

// WithHostInfo overrides host identity detection.
func (p *Prober) WithHostInfo(fn HostInfoFunc) *Prober {
	p.hostInfo = fn
	return p
}

// Probe discovers usable backends and their installed packages.
func (p *Prober) Probe(ctx context.Context) *SystemProfile {
	start := p.now()
	host := p.hostInfo()

	prof := &SystemProfile{
		Distro:        host.Distro,
		DistroVersion: host.DistroVersion,
		Kernel:        host.Kernel,
		Arch:          host.Arch,
		Hostname:      host.Hostname,
		Fingerprint:   host.Fingerprint,
		Backends:      []string{},
		Installed:     make(map[string]map[string]string),
	}

	for _, b := range p.registry.All() {
		if ctx.Err() != nil {
			break
		}

		probeCtx, cancel := context.WithTimeout(ctx, p.config.ProbeTimeout)
		ok := b.Available(probeCtx)
		cancel()
		if !ok {
			p.logger.Debug().Str("backend", b.Name()).Msg("Backend unavailable")
			continue
		}
		prof.Backends = append(prof.Backends, b.Name())

		listCtx, cancel := context.WithTimeout(ctx, p.config.ListTimeout)
		pkgs, err := b.ListInstalled(listCtx)
		cancel()
		if err != nil {
			// Still usable for search and install; the snapshot is just empty.
			p.logger.Warn().Err(err).Str("backend", b.Name()).Msg("Failed to enumerate installed packages")
			prof.Installed[b.Name()] = map[string]string{}
			continue
		}
		prof.Installed[b.Name()] = installedSnapshot(pkgs)
	}

	prof.CreatedAt = p.now()
	p.logger.Info().
		Strs("backends", prof.Backends).
		Int("installed", prof.InstalledCount()).
		Dur("duration", prof.CreatedAt.Sub(start)).
		Msg("System profile probed")

	return prof
}

// LocalHostInfo reads host identity from /etc/os-release, uname and machine-id.
func LocalHostInfo() HostInfo {
	info := HostInfo{Arch: runtime.GOARCH}

	release := ReadOSRelease("/etc/os-release")
	if len(release) == 0 {
		release = ReadOSRelease("/usr/lib/os-release")
	}
	info.Distro = release["ID"]
	if info.Distro == "" {
		info.Distro = "linux"
	}
	info.DistroVersion = release["VERSION_ID"]
	if info.DistroVersion == "" {
		// Rolling releases such as Arch carry BUILD_ID only.
		info.DistroVersion = release["BUILD_ID"]
	}

	var uts unix.Utsname
	if err := unix.Uname(&uts); err == nil {
		info.Kernel = unix.ByteSliceToString(uts.Release[:])
		info.Arch = unix.ByteSliceToString(uts.Machine[:])
	}

	info.Hostname, _ = os.Hostname()
	info.Fingerprint = Fingerprint(info.Hostname, machineID())
	return info
}

// ReadOSRelease parses an os-release file into KEY -> value. Missing files yield an empty map.
func ReadOSRelease(path string) map[string]string {
	values := make(map[string]string)
	f, err := os.Open(path)
	if err != nil {
		return values
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		values[key] = strings.Trim(value, `"'`)
	}
	return values
}

// Fingerprint derives a stable host key from hostname and machine id.
func Fingerprint(hostname, machineID string) string {
	sum := sha256.Sum256([]byte(hostname + "\x00" + machineID))
	return hex.EncodeToString(sum[:])
}

func machineID() string {
	for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		if data, err := os.ReadFile(path); err == nil {
			return strings.TrimSpace(string(data))
		}
	}
	return ""
}

// installedSnapshot converts a listing to the profile map form.
func installedSnapshot(pkgs []engine.InstalledPackage) map[string]string {
	out := make(map[string]string, len(pkgs))
	for _, pkg := range pkgs {
		out[pkg.Name] = pkg.Version
	}
	return out
}
