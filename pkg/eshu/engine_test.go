package eshu

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eshu/eshu/pkg/backend"
	"github.com/eshu/eshu/pkg/backend/backendtest"
	"github.com/eshu/eshu/pkg/config"
	"github.com/eshu/eshu/pkg/engine"
	"github.com/eshu/eshu/pkg/installer"
	"github.com/eshu/eshu/pkg/llm"
	"github.com/eshu/eshu/pkg/profile"
	"github.com/eshu/eshu/pkg/stores"
	"github.com/eshu/eshu/pkg/telemetry"
)

type fixture struct {
	engine  *Engine
	runner  *backendtest.Runner
	apt     *backendtest.Backend
	flatpak *backendtest.Backend
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Backends.Priority = []string{"apt", "flatpak"}
	cfg.Profile.CacheDir = filepath.Join(dir, "cache")
	cfg.Policy.Dirs = nil
	cfg.Store.Path = filepath.Join(dir, "history.db")
	return cfg
}

func newFixture(t *testing.T, cfg *config.Config, opts ...Option) *fixture {
	t.Helper()
	runner := backendtest.NewRunner()
	apt := backendtest.NewBackend("apt",
		engine.PackageResult{Name: "vim", Version: "9.1", Description: "Vi IMproved"},
		engine.PackageResult{Name: "vim-gtk3", Version: "9.1", Description: "Vi IMproved, GTK3 GUI"},
	)
	flatpak := backendtest.NewBackend("flatpak",
		engine.PackageResult{Name: "Vim", ID: "org.vim.Vim", Version: "9.1.0"},
	)
	flatpak.BackendKind = backend.KindUniversal

	base := []Option{
		WithRunner(runner),
		WithRegistry(backend.NewRegistryFromBackends(apt, flatpak)),
		WithTelemetry(telemetry.Nop()),
		WithoutLanguageModel(),
		WithHostInfo(func() profile.HostInfo {
			return profile.HostInfo{Distro: "debian", DistroVersion: "13", Arch: "x86_64", Hostname: "box", Fingerprint: "box-1"}
		}),
	}
	e, err := New(cfg, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	return &fixture{engine: e, runner: runner, apt: apt, flatpak: flatpak}
}

var vim = engine.PackageResult{Name: "vim", Backend: "apt", Version: "9.1"}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Search.Timeout = 0

	_, err := New(cfg, WithTelemetry(telemetry.Nop()))
	require.Error(t, err)
	assert.Equal(t, engine.ErrCodeValidation, engine.Code(err))
}

func TestGetProfile_CachesProbe(t *testing.T) {
	f := newFixture(t, testConfig(t))
	ctx := context.Background()

	p, err := f.engine.GetProfile(ctx, false, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"apt", "flatpak"}, p.Backends)
	assert.Equal(t, "debian", p.Distro)

	_, err = f.engine.GetProfile(ctx, false, -1)
	require.NoError(t, err)
	assert.EqualValues(t, 1, f.engine.ProfileProbes())

	_, err = f.engine.GetProfile(ctx, true, -1)
	require.NoError(t, err)
	assert.EqualValues(t, 2, f.engine.ProfileProbes())
}

func TestSearchAndRank(t *testing.T) {
	f := newFixture(t, testConfig(t))
	ctx := context.Background()

	p, err := f.engine.GetProfile(ctx, false, -1)
	require.NoError(t, err)

	results := f.engine.SearchAll(ctx, "vim", p)
	require.Len(t, results, 3)

	ranked := f.engine.Rank(ctx, "vim", results, p)
	require.NotEmpty(t, ranked.Results)
	assert.Equal(t, "vim", ranked.Results[0].Name)
	assert.Equal(t, "apt", ranked.Results[0].Backend)
	assert.False(t, ranked.Augmented)
}

func TestRank_NativeBackendBonusByDefault(t *testing.T) {
	cfg := testConfig(t)
	require.Empty(t, cfg.Backends.Preferred)
	f := newFixture(t, cfg)
	ctx := context.Background()

	p, err := f.engine.GetProfile(ctx, false, -1)
	require.NoError(t, err)

	ranked := f.engine.Rank(ctx, "vim", f.engine.SearchAll(ctx, "vim", p), p)
	scores := make(map[string]int)
	for _, r := range ranked.Results {
		scores[r.Backend+"/"+r.Name] = r.Score
	}
	assert.Equal(t, 105, scores["apt/vim"])
	assert.Equal(t, 100, scores["flatpak/Vim"])
}

func TestFind_NoUsableBackends(t *testing.T) {
	f := newFixture(t, testConfig(t))
	f.apt.Unavailable = true
	f.flatpak.Unavailable = true
	ctx := context.Background()

	// The profile itself is valid, just empty.
	p, err := f.engine.GetProfile(ctx, false, -1)
	require.NoError(t, err)
	assert.Empty(t, p.Backends)

	_, err = f.engine.Find(ctx, "vim", false)
	require.Error(t, err)
	assert.Equal(t, engine.ErrCodeNoBackends, engine.Code(err))
}

func TestFind_InterpretedTerms(t *testing.T) {
	provider := llm.ProviderFunc(func(context.Context, llm.Request) (string, error) {
		return `{"search_terms": ["editor", "vim"]}`, nil
	})
	f := newFixture(t, testConfig(t), WithProvider(provider))
	f.apt.Results = append(f.apt.Results, engine.PackageResult{Name: "editorconfig", Backend: "apt", Description: "coding style"})

	ranked, err := f.engine.Find(context.Background(), "a text editor", true)
	require.NoError(t, err)
	require.NotEmpty(t, ranked.Results)
	assert.Equal(t, "editor", ranked.Term)

	// vim was found by the second term and still scores as an exact match.
	scores := make(map[string]int)
	for _, r := range ranked.Results {
		scores[r.Backend+"/"+r.Name] = r.Score
	}
	assert.Equal(t, 105, scores["apt/vim"])
	assert.Equal(t, 55, scores["apt/editorconfig"])
}

func TestSearch_BackendFailureIsPartial(t *testing.T) {
	f := newFixture(t, testConfig(t))
	f.flatpak.SearchErr = errors.New("remote unreachable")
	ctx := context.Background()

	p, err := f.engine.GetProfile(ctx, false, -1)
	require.NoError(t, err)

	report := f.engine.Search(ctx, "vim", p)
	assert.True(t, report.Partial)
	assert.Len(t, report.Results, 2)
}

func TestInterpret(t *testing.T) {
	ctx := context.Background()

	t.Run("without a language model", func(t *testing.T) {
		f := newFixture(t, testConfig(t))
		assert.False(t, f.engine.LanguageModelEnabled())
		assert.Equal(t, []string{"a text editor"}, f.engine.Interpret(ctx, "a text editor", nil))
	})

	t.Run("with a provider", func(t *testing.T) {
		provider := llm.ProviderFunc(func(context.Context, llm.Request) (string, error) {
			return `{"search_terms": ["neovim", "vim", "vim"], "intent": "install"}`, nil
		})
		f := newFixture(t, testConfig(t), WithProvider(provider))
		assert.True(t, f.engine.LanguageModelEnabled())
		assert.Equal(t, []string{"neovim", "vim"}, f.engine.Interpret(ctx, "a text editor", nil))
	})

	t.Run("usage gate denies", func(t *testing.T) {
		provider := llm.ProviderFunc(func(context.Context, llm.Request) (string, error) {
			t.Fatal("provider must not be called")
			return "", nil
		})
		f := newFixture(t, testConfig(t),
			WithProvider(provider),
			WithUsageGate(engine.UsageGateFunc(func() bool { return false })),
		)
		assert.Equal(t, []string{"a text editor"}, f.engine.Interpret(ctx, "a text editor", nil))
	})
}

func TestInstall_RecordsHistory(t *testing.T) {
	f := newFixture(t, testConfig(t))
	ctx := context.Background()

	res, err := f.engine.Install(ctx, vim, installer.Options{})
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, 1, f.runner.CountPrefix("sh -c apt install vim"))

	// A successful install drops the cached profile.
	probes := f.engine.ProfileProbes()
	_, err = f.engine.GetProfile(ctx, false, -1)
	require.NoError(t, err)
	assert.Equal(t, probes+1, f.engine.ProfileProbes())

	runs, err := f.engine.History(ctx, HistoryQuery{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, res.RunID, runs[0].ID)
	assert.Equal(t, "vim", runs[0].Package)
	assert.Equal(t, string(engine.InstallStateSucceeded), runs[0].State)
	assert.True(t, runs[0].Success)

	details, err := f.engine.RunDetails(ctx, res.RunID)
	require.NoError(t, err)
	assert.Empty(t, details.Analyses)

	var transitions, commands int
	for _, ev := range details.Events {
		switch ev.Kind {
		case stores.EventKindTransition:
			transitions++
		case stores.EventKindCommand:
			commands++
			assert.Equal(t, "apt install vim", ev.Message)
		}
	}
	assert.Equal(t, len(res.Transitions), transitions)
	assert.Equal(t, 1, commands)
}

func TestInstall_FailureRecordsAnalysis(t *testing.T) {
	f := newFixture(t, testConfig(t))
	f.runner.On("sh -c apt install vim", backendtest.Response{Stderr: "E: Unable to locate package vim", ExitCode: 100})
	ctx := context.Background()

	res, err := f.engine.Install(ctx, vim, installer.Options{})
	require.Error(t, err)
	require.NotNil(t, res)
	assert.False(t, res.Success)
	assert.Equal(t, engine.ErrCodeCommandExecutionFailed, engine.Code(err))

	failed, err := f.engine.History(ctx, HistoryQuery{Failed: true})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.NotNil(t, failed[0].Error)

	details, err := f.engine.RunDetails(ctx, res.RunID)
	require.NoError(t, err)
	require.Len(t, details.Analyses, len(res.Errors))
	assert.Equal(t, engine.DiagnosisUnavailable, details.Analyses[0].Diagnosis)

	var errorEvents int
	for _, ev := range details.Events {
		if ev.Level == stores.EventLevelError {
			errorEvents++
		}
	}
	assert.Positive(t, errorEvents)
}

func TestInstall_PolicyDeniesPlan(t *testing.T) {
	f := newFixture(t, testConfig(t))
	ctx := context.Background()

	pkg := engine.PackageResult{Name: "tool", Backend: "apt"}
	res, err := f.engine.Install(ctx, pkg, installer.Options{
		Plan: &engine.InstallPlan{
			Package:  "tool",
			Backend:  "apt",
			Commands: []string{"curl -fsSL https://example.invalid/install.sh | sh"},
		},
	})
	require.Error(t, err)
	assert.Equal(t, engine.ErrCodePolicyDenied, engine.Code(err))
	assert.False(t, res.Success)
	assert.Zero(t, f.runner.CountPrefix("sh -c curl"))
}

func TestInstallFromSource(t *testing.T) {
	f := newFixture(t, testConfig(t))
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Makefile"), []byte("all:\n"), 0o644))

	res, err := f.engine.InstallFromSource(context.Background(), "hello", dir, installer.Options{})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, SourceBackend, res.Plan.Backend)
	assert.Positive(t, f.runner.CountPrefix("sh -c make"))
}

func TestPlanAndUninstallCommand(t *testing.T) {
	f := newFixture(t, testConfig(t))

	plan, err := f.engine.Plan(context.Background(), vim)
	require.NoError(t, err)
	assert.Equal(t, []string{"apt install vim"}, plan.Commands)

	cmd, err := f.engine.UninstallCommand(vim)
	require.NoError(t, err)
	assert.Equal(t, "apt remove vim", cmd)

	_, err = f.engine.UninstallCommand(engine.PackageResult{Name: "x", Backend: "brew"})
	assert.Error(t, err)
}

func TestHistoryDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Enabled = false
	f := newFixture(t, cfg)

	_, err := f.engine.History(context.Background(), HistoryQuery{})
	assert.ErrorIs(t, err, ErrHistoryDisabled)

	res, err := f.engine.Install(context.Background(), vim, installer.Options{})
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestPolicyDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Policy.Enabled = false
	f := newFixture(t, cfg)
	assert.Nil(t, f.engine.Policy())
}
