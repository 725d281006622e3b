package stores

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

// setupTestStore creates a migrated SQLite store in a temp directory
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := Open(context.Background(), Config{
		Path: filepath.Join(t.TempDir(), "history.db"),
	})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	return store
}

func newRecord(id, pkg, state string, started time.Time) *InstallRecord {
	finished := started.Add(3 * time.Second)
	return &InstallRecord{
		Run: &InstallRun{
			ID:         id,
			Package:    pkg,
			Backend:    "apt",
			Version:    "1.0",
			State:      state,
			Success:    state == "succeeded",
			Plan:       `{"package":"` + pkg + `"}`,
			StartedAt:  started,
			FinishedAt: &finished,
		},
	}
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: filepath.Join(t.TempDir(), "nested", "history.db"),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.HealthCheck(ctx); err == nil {
		t.Error("expected health check to fail before init")
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}

	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Error("expected error for empty path")
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, table := range []string{"install_runs", "install_events", "error_analyses"} {
		var count int
		if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}

	// Migrating twice is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("second migration failed: %v", err)
	}
}

func TestSaveInstall(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)

	errMsg := "command execution failed"
	rec := newRecord("", "vim", "failed", now)
	rec.Run.Success = false
	rec.Run.RemediationAttempts = 1
	rec.Run.Error = &errMsg
	details := `{"exit_code":100}`
	rec.Events = []*Event{
		{Kind: EventKindTransition, Level: EventLevelInfo, Message: "planning", Timestamp: now},
		{Kind: EventKindCommand, Level: EventLevelError, Message: "apt install vim", Details: &details, Timestamp: now},
		{Kind: EventKindTransition, Level: EventLevelInfo, Message: "failed", Timestamp: now},
	}
	rec.Analyses = []*ErrorAnalysis{
		{Kind: "network", Diagnosis: "mirror unreachable", Solutions: []string{"retry later"}, Commands: []string{"sudo apt-get update"}, Source: "language_model"},
		{Kind: "unknown", Diagnosis: "unavailable", Source: "fallback"},
	}

	if err := store.SaveInstall(ctx, rec); err != nil {
		t.Fatalf("failed to save install: %v", err)
	}
	if rec.Run.ID == "" {
		t.Fatal("expected generated run ID")
	}

	run, err := store.GetRun(ctx, rec.Run.ID)
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if run.Package != "vim" || run.State != "failed" || run.Success {
		t.Errorf("unexpected run: %+v", run)
	}
	if run.RemediationAttempts != 1 {
		t.Errorf("expected 1 remediation attempt, got %d", run.RemediationAttempts)
	}
	if run.Error == nil || *run.Error != errMsg {
		t.Errorf("expected error %q, got %v", errMsg, run.Error)
	}
	if !run.StartedAt.Equal(now) {
		t.Errorf("expected StartedAt %v, got %v", now, run.StartedAt)
	}
	if run.Duration() != 3*time.Second {
		t.Errorf("expected duration 3s, got %v", run.Duration())
	}
	if run.ParentRunID != nil {
		t.Errorf("expected no parent, got %v", *run.ParentRunID)
	}

	events, err := store.GetEvents(ctx, run.ID, nil, 0, 0)
	if err != nil {
		t.Fatalf("failed to get events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Message != "planning" || events[2].Message != "failed" {
		t.Errorf("events out of order: %s, %s", events[0].Message, events[2].Message)
	}

	level := EventLevelError
	errorsOnly, err := store.GetEvents(ctx, run.ID, &level, 10, 0)
	if err != nil {
		t.Fatalf("failed to get events: %v", err)
	}
	if len(errorsOnly) != 1 || errorsOnly[0].Details == nil || *errorsOnly[0].Details != details {
		t.Errorf("unexpected error events: %+v", errorsOnly)
	}

	analyses, err := store.ListErrorAnalyses(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to list analyses: %v", err)
	}
	if len(analyses) != 2 {
		t.Fatalf("expected 2 analyses, got %d", len(analyses))
	}
	if analyses[0].Sequence != 1 || analyses[1].Sequence != 2 {
		t.Errorf("unexpected sequences %d, %d", analyses[0].Sequence, analyses[1].Sequence)
	}
	if len(analyses[0].Commands) != 1 || analyses[0].Commands[0] != "sudo apt-get update" {
		t.Errorf("unexpected commands %v", analyses[0].Commands)
	}
	if analyses[1].Solutions == nil || len(analyses[1].Solutions) != 0 {
		t.Errorf("expected empty solutions, got %v", analyses[1].Solutions)
	}
}

func TestSaveInstall_DuplicateRollsBack(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	rec := newRecord("run-1", "vim", "succeeded", time.Now())
	if err := store.SaveInstall(ctx, rec); err != nil {
		t.Fatalf("failed to save install: %v", err)
	}

	dup := newRecord("run-1", "vim", "succeeded", time.Now())
	dup.Events = []*Event{{Kind: EventKindMessage, Level: EventLevelInfo, Message: "dup"}}
	if err := store.SaveInstall(ctx, dup); err == nil {
		t.Fatal("expected duplicate run ID to fail")
	}

	events, err := store.GetEvents(ctx, "run-1", nil, 0, 0)
	if err != nil {
		t.Fatalf("failed to get events: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("expected rolled back events, got %d", len(events))
	}

	if err := store.SaveInstall(ctx, &InstallRecord{}); err == nil {
		t.Error("expected error for record without run")
	}
}

func TestListRuns(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	parent := newRecord("parent", "vim", "succeeded", base.Add(2*time.Minute))
	child := newRecord("child", "libfoo", "succeeded", base.Add(time.Minute))
	parentID := "parent"
	child.Run.ParentRunID = &parentID
	child.Run.Depth = 1
	other := newRecord("other", "emacs", "failed", base.Add(3*time.Minute))

	// Children are recorded before their parent finishes.
	for _, rec := range []*InstallRecord{child, parent, other} {
		if err := store.SaveInstall(ctx, rec); err != nil {
			t.Fatalf("failed to save %s: %v", rec.Run.ID, err)
		}
	}

	all, err := store.ListRuns(ctx, RunFilter{})
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(all) != 3 || all[0].ID != "other" || all[2].ID != "child" {
		t.Errorf("unexpected order: %v", runIDs(all))
	}

	top, err := store.ListRuns(ctx, RunFilter{TopLevel: true})
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(top) != 2 {
		t.Errorf("expected 2 top-level runs, got %v", runIDs(top))
	}

	children, err := store.ListRuns(ctx, RunFilter{ParentRunID: &parentID})
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(children) != 1 || children[0].ID != "child" || children[0].Depth != 1 {
		t.Errorf("unexpected children: %v", runIDs(children))
	}

	pkg := "vim"
	byPkg, err := store.ListRuns(ctx, RunFilter{Package: &pkg})
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(byPkg) != 1 || byPkg[0].ID != "parent" {
		t.Errorf("unexpected runs for vim: %v", runIDs(byPkg))
	}

	state := "failed"
	failed, err := store.ListRuns(ctx, RunFilter{State: &state})
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != "other" {
		t.Errorf("unexpected failed runs: %v", runIDs(failed))
	}

	page, err := store.ListRuns(ctx, RunFilter{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(page) != 1 || page[0].ID != "parent" {
		t.Errorf("unexpected page: %v", runIDs(page))
	}
}

func TestDeleteAndPruneRuns(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now()

	old := newRecord("old", "vim", "failed", now.Add(-48*time.Hour))
	old.Analyses = []*ErrorAnalysis{{Kind: "unknown", Diagnosis: "x"}}
	recent := newRecord("recent", "vim", "succeeded", now)
	for _, rec := range []*InstallRecord{old, recent} {
		if err := store.SaveInstall(ctx, rec); err != nil {
			t.Fatalf("failed to save: %v", err)
		}
	}

	pruned, err := store.PruneRuns(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("failed to prune: %v", err)
	}
	if pruned != 1 {
		t.Errorf("expected 1 pruned run, got %d", pruned)
	}
	if _, err := store.GetRun(ctx, "old"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	analyses, err := store.ListErrorAnalyses(ctx, "old")
	if err != nil {
		t.Fatalf("failed to list analyses: %v", err)
	}
	if len(analyses) != 0 {
		t.Errorf("expected analyses to cascade, got %d", len(analyses))
	}

	if err := store.DeleteRun(ctx, "recent"); err != nil {
		t.Fatalf("failed to delete: %v", err)
	}
	if err := store.DeleteRun(ctx, "recent"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestAppendEvent(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.SaveInstall(ctx, newRecord("run-1", "vim", "succeeded", time.Now())); err != nil {
		t.Fatalf("failed to save: %v", err)
	}

	event := &Event{RunID: "run-1", Kind: EventKindMessage, Level: EventLevelWarning, Message: "post-install step failed"}
	if err := store.AppendEvent(ctx, event); err != nil {
		t.Fatalf("failed to append event: %v", err)
	}
	if event.ID == 0 {
		t.Error("expected event ID to be set")
	}

	orphan := &Event{RunID: "missing", Kind: EventKindMessage, Level: EventLevelInfo, Message: "x"}
	if err := store.AppendEvent(ctx, orphan); err == nil {
		t.Error("expected foreign key violation for unknown run")
	}
}

func runIDs(runs []*InstallRun) []string {
	ids := make([]string, len(runs))
	for i, r := range runs {
		ids[i] = r.ID
	}
	return ids
}
