package search

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eshu/eshu/pkg/backend"
	"github.com/eshu/eshu/pkg/backend/backendtest"
	"github.com/eshu/eshu/pkg/engine"
	"github.com/eshu/eshu/pkg/profile"
	"github.com/eshu/eshu/pkg/telemetry"
)

func profileFor(backends ...string) *profile.SystemProfile {
	return &profile.SystemProfile{
		Backends:  backends,
		Installed: map[string]map[string]string{},
		CreatedAt: time.Now(),
	}
}

func names(results []engine.PackageResult) []string {
	out := make([]string, 0, len(results))
	for _, r := range results {
		out = append(out, r.Backend+"/"+r.Name)
	}
	sort.Strings(out)
	return out
}

func TestSearchAllMergesBackends(t *testing.T) {
	pacman := backendtest.NewBackend("pacman", engine.PackageResult{Name: "vim", Version: "9.1"})
	flatpak := backendtest.NewBackend("flatpak", engine.PackageResult{Name: "vim", ID: "org.vim.Vim"})
	reg := backend.NewRegistryFromBackends(pacman, flatpak)

	agg := NewAggregator(reg, zerolog.Nop())
	results := agg.SearchAll(context.Background(), "vim", profileFor("pacman", "flatpak"))

	assert.Equal(t, []string{"flatpak/vim", "pacman/vim"}, names(results))
}

func TestSearchOnlyUsesProfileBackends(t *testing.T) {
	pacman := backendtest.NewBackend("pacman", engine.PackageResult{Name: "vim"})
	apt := backendtest.NewBackend("apt", engine.PackageResult{Name: "vim"})
	reg := backend.NewRegistryFromBackends(pacman, apt)

	agg := NewAggregator(reg, zerolog.Nop())
	results := agg.SearchAll(context.Background(), "vim", profileFor("apt", "unknown"))

	assert.Equal(t, []string{"apt/vim"}, names(results))
	assert.Equal(t, int64(0), pacman.SearchCalls())
}

func TestSearchTimedOutBackendIsExcluded(t *testing.T) {
	fast := backendtest.NewBackend("pacman", engine.PackageResult{Name: "htop"})
	other := backendtest.NewBackend("flatpak", engine.PackageResult{Name: "htop", ID: "io.htop"})
	slow := backendtest.NewBackend("snap", engine.PackageResult{Name: "htop"})
	slow.Delay = 2 * time.Second
	reg := backend.NewRegistryFromBackends(fast, other, slow)

	agg := NewAggregator(reg, zerolog.Nop(), WithTimeout(50*time.Millisecond))

	start := time.Now()
	report := agg.Search(context.Background(), "htop", profileFor("pacman", "flatpak", "snap"))

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, []string{"flatpak/htop", "pacman/htop"}, names(report.Results))
	assert.True(t, report.Partial)
	assert.Equal(t, []string{"pacman", "flatpak"}, report.Responded())

	require.Len(t, report.Outcomes, 3)
	assert.Equal(t, telemetry.OutcomeTimeout, report.Outcomes[2].Status)
	assert.ErrorIs(t, report.Outcomes[2].Err, engine.ErrBackendTimeout)
}

func TestSearchFailingBackendsAreExcluded(t *testing.T) {
	ok := backendtest.NewBackend("apt", engine.PackageResult{Name: "git"})
	missing := backendtest.NewBackend("dnf")
	missing.Unavailable = true
	broken := backendtest.NewBackend("npm")
	broken.SearchErr = errors.New("registry exploded")
	reg := backend.NewRegistryFromBackends(ok, missing, broken)

	agg := NewAggregator(reg, zerolog.Nop())
	report := agg.Search(context.Background(), "git", profileFor("apt", "dnf", "npm"))

	assert.Equal(t, []string{"apt/git"}, names(report.Results))
	assert.Equal(t, telemetry.OutcomeUnavailable, report.Outcomes[1].Status)
	assert.Equal(t, telemetry.OutcomeError, report.Outcomes[2].Status)
}

func TestSearchNoBackendsReturnsEmpty(t *testing.T) {
	agg := NewAggregator(backend.NewRegistryFromBackends(), zerolog.Nop())

	report := agg.Search(context.Background(), "vim", profileFor())
	assert.NotNil(t, report.Results)
	assert.Empty(t, report.Results)
	assert.False(t, report.Partial)

	assert.Empty(t, agg.SearchAll(context.Background(), "vim", nil))
}

func TestSearchMarksInstalledFromProfile(t *testing.T) {
	pacman := backendtest.NewBackend("pacman", engine.PackageResult{Name: "firefox"})
	flatpak := backendtest.NewBackend("flatpak", engine.PackageResult{Name: "Firefox", ID: "org.mozilla.firefox"})
	reg := backend.NewRegistryFromBackends(pacman, flatpak)

	p := profileFor("pacman", "flatpak")
	p.Installed["flatpak"] = map[string]string{"org.mozilla.firefox": "128.0"}

	results := NewAggregator(reg, zerolog.Nop()).SearchAll(context.Background(), "firefox", p)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, r.Backend == "flatpak", r.Installed, r.Backend)
	}
}

func TestSearchCancelledReturnsPartialResults(t *testing.T) {
	fast := backendtest.NewBackend("pacman", engine.PackageResult{Name: "vim"})
	slow := backendtest.NewBackend("snap", engine.PackageResult{Name: "vim"})
	slow.Delay = 5 * time.Second
	reg := backend.NewRegistryFromBackends(fast, slow)

	agg := NewAggregator(reg, zerolog.Nop(), WithTimeout(10*time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	report := agg.Search(ctx, "vim", profileFor("pacman", "snap"))

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, []string{"pacman/vim"}, names(report.Results))
	assert.True(t, report.Partial)
}

func TestSearchRecordsMetrics(t *testing.T) {
	cfg := telemetry.DefaultConfig().Metrics
	cfg.Enabled = true
	m, err := telemetry.NewMetrics(cfg)
	require.NoError(t, err)

	slow := backendtest.NewBackend("snap")
	slow.Delay = time.Second
	reg := backend.NewRegistryFromBackends(backendtest.NewBackend("apt"), slow)

	agg := NewAggregator(reg, zerolog.Nop(), WithTimeout(20*time.Millisecond), WithTelemetry(m, nil))
	agg.Search(context.Background(), "x", profileFor("apt", "snap"))

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	found := false
	for _, f := range families {
		if f.GetName() == "eshu_backend_calls_total" {
			found = true
			assert.Len(t, f.GetMetric(), 2)
		}
	}
	assert.True(t, found)
}
