package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eshu/eshu/pkg/engine"
	"github.com/eshu/eshu/pkg/profile"
)

var testProfile = &profile.SystemProfile{
	Distro:        "arch",
	DistroVersion: "rolling",
	Backends:      []string{"pacman", "yay", "flatpak"},
}

type scripted struct {
	reply string
	err   error
	delay time.Duration
	calls atomic.Int64
	last  Request
}

func (s *scripted) Name() string { return "scripted" }

func (s *scripted) Complete(ctx context.Context, req Request) (string, error) {
	s.calls.Add(1)
	s.last = req
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return s.reply, s.err
}

func TestInterpretUnreachableProviderReturnsLiteral(t *testing.T) {
	provider, err := NewOllama(ProviderConfig{Endpoint: "http://127.0.0.1:1", Model: "llama3"})
	require.NoError(t, err)
	g := NewGateway(provider, WithCallTimeout(2*time.Second))

	terms := g.InterpretQuery(context.Background(), "install a text editor", testProfile)
	assert.Equal(t, []string{"install a text editor"}, terms)
}

func TestInterpretParsesReply(t *testing.T) {
	p := &scripted{reply: "```json\n" + `{
  "search_terms": ["vim", " neovim ", "VIM", ""],
  "preferred_manager": "Pacman",
  "intent": "install",
  "requirements": ["terminal"]
}` + "\n```"}
	g := NewGateway(p)

	got := g.Interpret(context.Background(), "a terminal text editor", testProfile)

	assert.Equal(t, []string{"vim", "neovim"}, got.Terms)
	assert.Equal(t, "pacman", got.PreferredBackend)
	assert.Equal(t, []string{"terminal"}, got.Requirements)
	assert.True(t, p.last.JSON)
	assert.Contains(t, p.last.System, "arch rolling")
	assert.Contains(t, p.last.System, "pacman, yay, flatpak")
	assert.Equal(t, "User query: a terminal text editor", p.last.Prompt)
}

func TestInterpretFallbacks(t *testing.T) {
	tests := []struct {
		name     string
		provider *scripted
	}{
		{"transport error", &scripted{err: errors.New("connection refused")}},
		{"malformed", &scripted{reply: "sure! vim is great"}},
		{"broken json", &scripted{reply: `{"search_terms": [`}},
		{"no terms", &scripted{reply: `{"search_terms": []}`}},
		{"wrong type", &scripted{reply: `{"search_terms": "vim"}`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGateway(tt.provider)
			got := g.Interpret(context.Background(), "text editor", testProfile)
			assert.Equal(t, []string{"text editor"}, got.Terms)
			assert.Equal(t, "install", got.Intent)
		})
	}
}

func TestGatewayTimeout(t *testing.T) {
	p := &scripted{reply: `{"search_terms": ["vim"]}`, delay: time.Second}
	g := NewGateway(p, WithCallTimeout(30*time.Millisecond))

	start := time.Now()
	terms := g.InterpretQuery(context.Background(), "editor", testProfile)
	assert.Equal(t, []string{"editor"}, terms)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestUsageGateDenialSkipsProvider(t *testing.T) {
	p := &scripted{reply: `{"search_terms": ["vim"]}`}
	g := NewGateway(p, WithUsageGate(engine.UsageGateFunc(func() bool { return false })))

	assert.Equal(t, []string{"editor"}, g.InterpretQuery(context.Background(), "editor", testProfile))
	assert.Equal(t, NoRecommendation, g.ExplainRanking(context.Background(), "vim", []engine.PackageResult{{Name: "vim"}}, testProfile))
	assert.Equal(t, engine.UnavailableAnalysis(), g.DiagnoseError(context.Background(), "boom", engine.PackageResult{Name: "vim"}, testProfile))
	assert.Equal(t, int64(0), p.calls.Load())
}

func TestDisabledGateway(t *testing.T) {
	g := NewGateway(nil)
	assert.False(t, g.Enabled())

	fallback := &engine.InstallPlan{Package: "vim", Backend: "apt", Commands: []string{"x"}, BuildSystem: engine.BuildSystemNone}
	assert.Same(t, fallback, g.GeneratePlan(context.Background(), engine.PackageResult{Name: "vim", Backend: "apt"}, nil, fallback))
	assert.Equal(t, []string{"q"}, g.InterpretQuery(context.Background(), "q", nil))
}

func TestExplainRanking(t *testing.T) {
	results := []engine.PackageResult{
		{Name: "firefox", Backend: "pacman", Version: "128.0"},
		{Name: "firefox", Backend: "flatpak", ID: "org.mozilla.firefox"},
		{Name: "firefox-esr", Backend: "yay"},
	}

	t.Run("valid", func(t *testing.T) {
		p := &scripted{reply: `{"recommended_index": 1, "explanation": "sandboxed", "alternatives": [0, 1, 7], "warnings": ["large download"]}`}
		rec := NewGateway(p).ExplainRanking(context.Background(), "firefox", results, testProfile)
		assert.Equal(t, 1, rec.RecommendedIndex)
		assert.Equal(t, "sandboxed", rec.Explanation)
		assert.Equal(t, []int{0}, rec.Alternatives)
		assert.Equal(t, []string{"large download"}, rec.Warnings)

		var sent []map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(p.last.Prompt[len("Search results:\n"):]), &sent))
		require.Len(t, sent, 3)
		assert.Equal(t, "flatpak", sent[1]["manager"])
	})

	for name, reply := range map[string]string{
		"out of range": `{"recommended_index": 3}`,
		"negative":     `{"recommended_index": -2}`,
		"missing":      `{"explanation": "pick any"}`,
		"garbage":      `not json`,
	} {
		t.Run(name, func(t *testing.T) {
			rec := NewGateway(&scripted{reply: reply}).ExplainRanking(context.Background(), "firefox", results, testProfile)
			assert.Equal(t, NoRecommendation, rec)
		})
	}

	t.Run("empty results", func(t *testing.T) {
		p := &scripted{reply: `{"recommended_index": 0}`}
		assert.Equal(t, NoRecommendation, NewGateway(p).ExplainRanking(context.Background(), "x", nil, testProfile))
		assert.Equal(t, int64(0), p.calls.Load())
	})
}

func TestDiagnoseError(t *testing.T) {
	pkg := engine.PackageResult{Name: "vim", Backend: "apt"}

	p := &scripted{reply: `{"error_type": "Dependency", "diagnosis": "missing libfoo", "solutions": ["install libfoo"], "commands": ["sudo apt-get install -y libfoo", " "]}`}
	got := NewGateway(p).DiagnoseError(context.Background(), "E: unmet dependencies", pkg, testProfile)
	assert.Equal(t, engine.ErrorKindDependency, got.Kind)
	assert.Equal(t, "missing libfoo", got.Diagnosis)
	assert.Equal(t, []string{"sudo apt-get install -y libfoo"}, got.Commands)
	assert.Equal(t, engine.SourceLanguageModel, got.Source)

	long := make([]byte, 5000)
	for i := range long {
		long[i] = 'x'
	}
	NewGateway(p).DiagnoseError(context.Background(), string(long), pkg, testProfile)
	assert.Len(t, p.last.Prompt, len("Error output:\n")+maxErrorOutput)

	unknown := NewGateway(&scripted{reply: `{"error_type": "cosmic rays", "diagnosis": "bit flip"}`}).
		DiagnoseError(context.Background(), "x", pkg, testProfile)
	assert.Equal(t, engine.ErrorKindUnknown, unknown.Kind)

	fallback := NewGateway(&scripted{err: errors.New("500")}).DiagnoseError(context.Background(), "x", pkg, testProfile)
	assert.Equal(t, engine.ErrorKindUnknown, fallback.Kind)
	assert.Equal(t, engine.DiagnosisUnavailable, fallback.Diagnosis)
}

func TestGeneratePlan(t *testing.T) {
	pkg := engine.PackageResult{Name: "ripgrep", Backend: "cargo"}
	fallback := &engine.InstallPlan{Package: "ripgrep", Backend: "cargo", Commands: []string{"cargo install ripgrep"}, BuildSystem: engine.BuildSystemCargo}

	p := &scripted{reply: `{"commands": ["cargo install ripgrep --locked"], "requires_build": true, "build_system": "cargo", "dependencies": ["gcc"], "post_install": ["rg --version"], "notes": "builds from source"}`}
	plan := NewGateway(p).GeneratePlan(context.Background(), pkg, testProfile, fallback)
	require.NotSame(t, fallback, plan)
	assert.Equal(t, []string{"cargo install ripgrep --locked"}, plan.Commands)
	assert.Equal(t, engine.BuildSystemCargo, plan.BuildSystem)
	assert.Equal(t, []string{"gcc"}, plan.Dependencies)
	assert.Equal(t, engine.SourceLanguageModel, plan.Source)
	assert.Equal(t, "cargo", plan.Backend)

	for _, reply := range []string{`{"commands": []}`, `{"commands": ["  "]}`, `nope`} {
		got := NewGateway(&scripted{reply: reply}).GeneratePlan(context.Background(), pkg, testProfile, fallback)
		assert.Same(t, fallback, got, reply)
	}
}

func TestParseBuildSystem(t *testing.T) {
	assert.Equal(t, engine.BuildSystemCargo, ParseBuildSystem("Cargo"))
	assert.Equal(t, engine.BuildSystemMake, ParseBuildSystem("autotools"))
	assert.Equal(t, engine.BuildSystemCMake, ParseBuildSystem("cmake"))
	assert.Equal(t, engine.BuildSystemMeson, ParseBuildSystem("meson"))
	assert.Equal(t, engine.BuildSystemInterpreted, ParseBuildSystem("python"))
	assert.Equal(t, engine.BuildSystemNone, ParseBuildSystem(""))
}

func TestDecodeObject(t *testing.T) {
	var out struct {
		A int `json:"a"`
	}
	require.NoError(t, decodeObject("Here you go:\n{\"a\": 3}\nThanks", &out))
	assert.Equal(t, 3, out.A)
	require.NoError(t, decodeObject("```\n{\"a\": 4}\n```", &out))
	assert.Equal(t, 4, out.A)
	assert.Error(t, decodeObject("", &out))
	assert.Error(t, decodeObject("} {", &out))
}

func TestOllamaProviderAgainstServer(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"model":"llama3","created_at":"2024-01-01T00:00:00Z","message":{"role":"assistant","content":"{\"search_terms\":[\"gedit\",\"kate\"]}"},"done":true}`+"\n")
	}))
	defer srv.Close()

	provider, err := NewOllama(ProviderConfig{Endpoint: srv.URL + "/v1", Model: "llama3", APIKey: "secret", Temperature: 0.2, MaxTokens: 512})
	require.NoError(t, err)

	terms := NewGateway(provider).InterpretQuery(context.Background(), "graphical text editor", testProfile)
	assert.Equal(t, []string{"gedit", "kate"}, terms)

	assert.Equal(t, "llama3", got["model"])
	assert.Equal(t, false, got["stream"])
	assert.Equal(t, "json", got["format"])
	messages, ok := got["messages"].([]interface{})
	require.True(t, ok)
	assert.Len(t, messages, 2)
}

func TestNewProvider(t *testing.T) {
	p, err := NewProvider(context.Background(), ProviderConfig{Provider: "disabled"})
	assert.NoError(t, err)
	assert.Nil(t, p)

	_, err = NewProvider(context.Background(), ProviderConfig{Provider: "gemini"})
	assert.Error(t, err, "gemini needs an API key")

	_, err = NewProvider(context.Background(), ProviderConfig{Provider: "ollama"})
	assert.Error(t, err, "ollama needs a model")

	_, err = NewProvider(context.Background(), ProviderConfig{Provider: "openai"})
	assert.Error(t, err)
}

func TestTruncateKeepsRunes(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abc", truncate("abcdef", 3))

	// "é" is two bytes; cutting inside it drops the whole rune.
	got := truncate("café au lait", 4)
	assert.Equal(t, "caf", got)
	assert.True(t, utf8.ValidString(got))
	assert.True(t, utf8.ValidString(truncate("日本語エラー", 7)))
}
