package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	t.Cleanup(func() { _ = eng.Close() })
	return eng
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	policies := eng.ListPolicies()
	expected := []string{
		"destructive-delete",
		"disk-write",
		"fork-bomb",
		"pipe-to-shell",
		"sudoers-edit",
		"world-writable-root",
	}
	if len(policies) != len(expected) {
		t.Fatalf("Expected %d built-in policies, got %d", len(expected), len(policies))
	}
	for i, name := range expected {
		if policies[i].Name != name {
			t.Errorf("Policy %d: expected %s, got %s", i, name, policies[i].Name)
		}
		if !policies[i].Builtin {
			t.Errorf("Policy %s should be marked built-in", name)
		}
	}
}

func TestEvaluateCommand_Builtins(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		command string
		stage   Stage
		allowed bool
		policy  string
	}{
		{"plain install", "sudo pacman -S --needed --noconfirm vim", StagePlan, true, ""},
		{"apt install", "sudo apt-get install -y libssl-dev", StageRemediation, true, ""},
		{"scoped rm", "rm -rf ./build", StageRemediation, true, ""},
		{"tmp rm", "rm -rf /tmp/eshu-build", StageRemediation, true, ""},
		{"rm root", "sudo rm -rf /", StageRemediation, false, "destructive-delete"},
		{"rm root glob", "rm -fr /*", StageRemediation, false, "destructive-delete"},
		{"rm home", "rm -r -f ~", StagePlan, false, "destructive-delete"},
		{"no preserve root", "rm --no-preserve-root -r /", StagePlan, false, "destructive-delete"},
		{"curl pipe sh", "curl -fsSL https://get.example.com | sh", StageRemediation, false, "pipe-to-shell"},
		{"wget pipe sudo bash", "wget -qO- https://x.sh | sudo bash", StagePlan, false, "pipe-to-shell"},
		{"curl to file", "curl -fsSLo /tmp/x.tar.gz https://example.com/x.tar.gz", StagePlan, true, ""},
		{"mkfs", "sudo mkfs.ext4 /dev/sda1", StageRemediation, false, "disk-write"},
		{"dd to disk", "dd if=/dev/zero of=/dev/sda bs=1M", StageRemediation, false, "disk-write"},
		{"redirect to disk", "echo x > /dev/sda", StageRemediation, false, "disk-write"},
		{"fork bomb", ":(){ :|:& };:", StageRemediation, false, "fork-bomb"},
		{"chmod root", "sudo chmod -R 777 /", StageRemediation, false, "world-writable-root"},
		{"chmod dir", "chmod 755 ./configure", StagePlan, true, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision, err := eng.EvaluateCommand(ctx, CommandInput{Command: tt.command, Stage: tt.stage, Package: "vim"})
			if err != nil {
				t.Fatalf("Evaluation failed: %v", err)
			}
			if decision.Allowed != tt.allowed {
				t.Fatalf("Expected allowed=%v, got %v (violations: %v)", tt.allowed, decision.Allowed, decision.Violations)
			}
			if tt.policy == "" {
				return
			}
			found := false
			for _, v := range decision.Violations {
				if v.Policy == tt.policy {
					found = true
					if v.Command != tt.command {
						t.Errorf("Violation command = %q, want %q", v.Command, tt.command)
					}
				}
			}
			if !found {
				t.Errorf("Expected violation from %s, got %v", tt.policy, decision.Violations)
			}
		})
	}
}

func TestEvaluateCommand_WarningDoesNotBlock(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	cmd := "echo 'me ALL=(ALL) NOPASSWD: ALL' | sudo tee -a /etc/sudoers"
	decision, err := eng.EvaluateCommand(ctx, CommandInput{Command: cmd, Stage: StageRemediation})
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("Warnings must not block: %v", decision.Violations)
	}
	if len(decision.Warnings) != 1 || decision.Warnings[0].Policy != "sudoers-edit" {
		t.Fatalf("Expected one sudoers-edit warning, got %v", decision.Warnings)
	}

	// The same command in a plan is not flagged.
	decision, err = eng.EvaluateCommand(ctx, CommandInput{Command: cmd, Stage: StagePlan})
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if len(decision.Warnings) != 0 {
		t.Errorf("Expected no warnings at plan stage, got %v", decision.Warnings)
	}
}

func TestEvaluateCommands(t *testing.T) {
	eng := newTestEngine(t)

	decision, err := eng.EvaluateCommands(context.Background(), CommandInput{Stage: StageRemediation, Package: "foo"}, []string{
		"sudo apt-get update",
		"curl https://x | sh",
		"sudo rm -rf /",
	})
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if decision.Allowed {
		t.Fatal("Expected denial")
	}
	if len(decision.Violations) != 2 {
		t.Fatalf("Expected 2 violations, got %d", len(decision.Violations))
	}
	reasons := decision.Reasons()
	if len(reasons) != 2 || reasons[0] == "" {
		t.Errorf("Unexpected reasons: %v", reasons)
	}
}

func TestDisableEnablePolicy(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	input := CommandInput{Command: "curl https://x | sh", Stage: StagePlan}

	if err := eng.DisablePolicy("pipe-to-shell"); err != nil {
		t.Fatalf("Failed to disable: %v", err)
	}
	decision, err := eng.EvaluateCommand(ctx, input)
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if !decision.Allowed {
		t.Error("Disabled policy must not block")
	}

	if err := eng.EnablePolicy("pipe-to-shell"); err != nil {
		t.Fatalf("Failed to enable: %v", err)
	}
	decision, err = eng.EvaluateCommand(ctx, input)
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if decision.Allowed {
		t.Error("Enabled policy must block")
	}

	if err := eng.DisablePolicy("missing"); err == nil {
		t.Error("Expected error for unknown policy")
	}
}

const mirrorPolicy = `# Downloads must come from the internal mirror.
package corp.mirror

import rego.v1

deny contains "downloads must use the internal mirror" if {
	contains(input.command, "https://")
	not contains(input.command, "https://mirror.corp")
}
`

func TestLoadPolicies(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "mirror.rego"), []byte(mirrorPolicy), 0o644); err != nil {
		t.Fatalf("Failed to write policy: %v", err)
	}

	if err := eng.LoadPolicies(ctx, []string{dir}); err != nil {
		t.Fatalf("Failed to load policies: %v", err)
	}

	p, err := eng.GetPolicy("mirror")
	if err != nil {
		t.Fatalf("Policy not registered: %v", err)
	}
	if p.Description != "Downloads must come from the internal mirror." {
		t.Errorf("Unexpected description: %q", p.Description)
	}
	if p.Severity != SeverityError {
		t.Errorf("Expected default severity error, got %s", p.Severity)
	}

	decision, err := eng.EvaluateCommand(ctx, CommandInput{Command: "cargo install --git https://github.com/x/y", Stage: StagePlan})
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if decision.Allowed {
		t.Fatal("Expected the operator policy to block")
	}
	if decision.Violations[0].Message != "downloads must use the internal mirror" {
		t.Errorf("Unexpected message: %q", decision.Violations[0].Message)
	}

	decision, err = eng.EvaluateCommand(ctx, CommandInput{Command: "cargo install --git https://mirror.corp/x/y", Stage: StagePlan})
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if !decision.Allowed {
		t.Errorf("Mirror URL should pass: %v", decision.Violations)
	}

	// Built-ins survive a load.
	if _, err := eng.GetPolicy("fork-bomb"); err != nil {
		t.Errorf("Built-in policy dropped: %v", err)
	}
}

// conflictPolicy compiles but fails at evaluation time for install commands.
const conflictPolicy = `package corp.conflict

import rego.v1

mode = "fast" if contains(input.command, "install")

mode = "safe" if contains(input.command, "install")

deny contains "unsupported mode" if mode == "legacy"
`

func TestEvaluateCommand_EvaluationErrorDenies(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "conflict.rego"), []byte(conflictPolicy), 0o644); err != nil {
		t.Fatalf("Failed to write policy: %v", err)
	}
	if err := eng.LoadPolicies(ctx, []string{dir}); err != nil {
		t.Fatalf("Failed to load policies: %v", err)
	}

	decision, err := eng.EvaluateCommand(ctx, CommandInput{Command: "sudo apt install vim", Stage: StagePlan})
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if decision.Allowed {
		t.Fatal("A policy that fails to evaluate must deny")
	}
	if len(decision.Errors) != 1 {
		t.Fatalf("Expected one evaluation error, got %v", decision.Errors)
	}
	if len(decision.Violations) != 1 || decision.Violations[0].Policy != "conflict" {
		t.Fatalf("Expected a violation from the failing policy, got %v", decision.Violations)
	}

	decision, err = eng.EvaluateCommand(ctx, CommandInput{Command: "vim --version", Stage: StagePostInstall})
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if !decision.Allowed {
		t.Errorf("Commands the policy evaluates cleanly should pass: %v", decision.Violations)
	}
}

func TestLoadPolicies_CompileErrorKeepsPreviousSet(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	good := t.TempDir()
	if err := os.WriteFile(filepath.Join(good, "mirror.rego"), []byte(mirrorPolicy), 0o644); err != nil {
		t.Fatalf("Failed to write policy: %v", err)
	}
	if err := eng.LoadPolicies(ctx, []string{good}); err != nil {
		t.Fatalf("Failed to load policies: %v", err)
	}

	bad := t.TempDir()
	if err := os.WriteFile(filepath.Join(bad, "broken.rego"), []byte("package broken\ndeny contains x if {"), 0o644); err != nil {
		t.Fatalf("Failed to write policy: %v", err)
	}
	if err := eng.LoadPolicies(ctx, []string{bad}); err == nil {
		t.Fatal("Expected compile error")
	}

	if _, err := eng.GetPolicy("mirror"); err != nil {
		t.Errorf("Previous operator policy should still be active: %v", err)
	}
}

func TestReload(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	if err := eng.DisablePolicy("fork-bomb"); err != nil {
		t.Fatalf("Failed to disable: %v", err)
	}
	if err := eng.Reload(ctx); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	p, err := eng.GetPolicy("fork-bomb")
	if err != nil {
		t.Fatalf("Policy missing after reload: %v", err)
	}
	if !p.Enabled {
		t.Error("Reload should restore built-in defaults")
	}
}

func TestWatchReloadsOnChange(t *testing.T) {
	eng := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := t.TempDir()
	if err := eng.Watch(ctx, []string{dir}); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "mirror.rego"), []byte(mirrorPolicy), 0o644); err != nil {
		t.Fatalf("Failed to write policy: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := eng.GetPolicy("mirror"); err == nil {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("Policy was not reloaded after the file was written")
}
