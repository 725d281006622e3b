package commands

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eshu/eshu/pkg/engine"
	"github.com/eshu/eshu/pkg/ranking"
)

func rankedFixture() *ranking.Ranked {
	return &ranking.Ranked{
		Term: "firefox",
		Results: []engine.PackageResult{
			{Name: "firefox", Backend: "pacman"},
			{Name: "firefox", Backend: "flatpak", ID: "org.mozilla.firefox"},
			{Name: "firefox-esr", Backend: "pacman"},
		},
		RecommendedIndex: 1,
	}
}

func TestChoose(t *testing.T) {
	tests := []struct {
		name    string
		backend string
		pick    int
		want    engine.PackageResult
		wantErr bool
	}{
		{name: "recommended", want: engine.PackageResult{Name: "firefox", Backend: "flatpak", ID: "org.mozilla.firefox"}},
		{name: "pick", pick: 3, want: engine.PackageResult{Name: "firefox-esr", Backend: "pacman"}},
		{name: "backend filter drops recommendation", backend: "pacman", want: engine.PackageResult{Name: "firefox", Backend: "pacman"}},
		{name: "backend filter keeps recommendation", backend: "flatpak", want: engine.PackageResult{Name: "firefox", Backend: "flatpak", ID: "org.mozilla.firefox"}},
		{name: "pick within backend", backend: "pacman", pick: 2, want: engine.PackageResult{Name: "firefox-esr", Backend: "pacman"}},
		{name: "pick out of range", pick: 4, wantErr: true},
		{name: "unknown backend", backend: "snap", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := choose(rankedFixture(), tt.backend, tt.pick)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestChoose_NoRecommendation(t *testing.T) {
	ranked := rankedFixture()
	ranked.RecommendedIndex = -1
	got, err := choose(ranked, "", 0)
	require.NoError(t, err)
	assert.Equal(t, "pacman", got.Backend)
}

func TestAsk(t *testing.T) {
	for input, want := range map[string]bool{
		"y\n":   true,
		"YES\n": true,
		"n\n":   false,
		"\n":    false,
		"":      false,
	} {
		var out bytes.Buffer
		got := ask(&out, bufio.NewReader(strings.NewReader(input)), "Proceed?")
		assert.Equal(t, want, got, "input %q", input)
		assert.Equal(t, "Proceed? [y/N] ", out.String())
	}
}

func TestRemediationPrompt(t *testing.T) {
	var out bytes.Buffer
	confirm := remediationPrompt(&out, bufio.NewReader(strings.NewReader("y\n")))

	ok := confirm.Confirm(context.Background(), engine.ErrorAnalysis{
		Kind:      engine.ErrorKindNetwork,
		Diagnosis: "mirror unreachable",
		Commands:  []string{"sudo apt-get update"},
	})
	assert.True(t, ok)
	assert.Contains(t, out.String(), "mirror unreachable")
	assert.Contains(t, out.String(), "$ sudo apt-get update")
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, exitCancelled, ExitCode(context.Canceled))
	assert.Equal(t, exitCancelled, ExitCode(engine.NewValidationError("x", nil).WithCode(engine.ErrCodeCancelled)))
	assert.Equal(t, exitDenied, ExitCode(engine.NewPolicyDeniedError("vim", "rm -rf /", nil)))
	assert.Equal(t, exitFailure, ExitCode(errors.New("boom")))
}

func TestPrintRanked(t *testing.T) {
	var out bytes.Buffer
	ranked := rankedFixture()
	ranked.Explanation = "sandboxed and up to date"
	printRanked(&out, ranked)

	text := out.String()
	assert.Contains(t, text, "2*")
	assert.Contains(t, text, "org.mozilla.firefox")
	assert.Contains(t, text, "* sandboxed and up to date")

	out.Reset()
	printRanked(&out, &ranking.Ranked{Term: "fierfox", Suggestions: []string{"firefox"}})
	assert.Contains(t, out.String(), `No packages found for "fierfox"`)
	assert.Contains(t, out.String(), "Did you mean: firefox")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "vim", truncate("vim", 10))
	assert.Equal(t, "Vi IMpr...", truncate("Vi IMproved editor", 10))

	got := truncate("éditeur de texte léger", 8)
	assert.Equal(t, "édite...", got)
	assert.True(t, utf8.ValidString(got))
}
