package automation

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ariana-dot-dev/ariana/internal/agent/models"
	"github.com/ariana-dot-dev/ariana/internal/common/logger"
	"github.com/ariana-dot-dev/ariana/internal/db"
	"github.com/ariana-dot-dev/ariana/internal/worker"
)

type fakeExecutor struct {
	// executed controls which ids the fake worker claims it ran; nil means
	// everything sent.
	executed []string
	calls    [][]worker.AutomationSpec
}

func (f *fakeExecutor) ExecuteAutomations(ctx context.Context, agentID string, specs []worker.AutomationSpec) ([]string, error) {
	f.calls = append(f.calls, specs)
	if f.executed != nil {
		return f.executed, nil
	}
	ids := make([]string, len(specs))
	for i, s := range specs {
		ids[i] = s.ID
	}
	return ids, nil
}

func createTestEngine(t *testing.T, executor WorkerExecutor) (*Engine, *Store) {
	t.Helper()
	writer, err := db.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	pool := db.NewSinglePool(writer)
	t.Cleanup(func() { _ = pool.Close() })

	store, err := NewStore(pool)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	return NewEngine(store, executor, logger.Default()), store
}

func seedAutomation(t *testing.T, store *Store, name string, trigger Trigger, blocking bool) *Automation {
	t.Helper()
	a := &Automation{
		ProjectID:      "project-1",
		UserID:         "user-1",
		Name:           name,
		Trigger:        trigger,
		ScriptLanguage: ScriptBash,
		ScriptContent:  "echo hi",
		Blocking:       blocking,
	}
	if err := store.CreateAutomation(context.Background(), a); err != nil {
		t.Fatalf("create automation: %v", err)
	}
	return a
}

func testAgent() *models.Agent {
	return &models.Agent{ID: "agent-1", UserID: "user-1", ProjectID: "project-1"}
}

func TestFireMatchesTriggerType(t *testing.T) {
	executor := &fakeExecutor{}
	engine, store := createTestEngine(t, executor)

	commit := seedAutomation(t, store, "lint", Trigger{Type: TriggerOnBeforeCommit}, true)
	seedAutomation(t, store, "notify", Trigger{Type: TriggerOnAfterPushPR}, false)

	result, err := engine.Fire(context.Background(), testAgent(), TriggerContext{Type: TriggerOnBeforeCommit})
	if err != nil {
		t.Fatalf("fire: %v", err)
	}
	if len(result.TriggeredIDs) != 1 || result.TriggeredIDs[0] != commit.ID {
		t.Errorf("triggered = %v", result.TriggeredIDs)
	}
	if !result.HasBlocking() {
		t.Error("expected blocking result")
	}
}

func TestFireOnlyExecutedSubsetBlocks(t *testing.T) {
	executor := &fakeExecutor{}
	engine, store := createTestEngine(t, executor)

	a1 := seedAutomation(t, store, "check-a", Trigger{Type: TriggerOnBeforeCommit}, true)
	a2 := seedAutomation(t, store, "check-b", Trigger{Type: TriggerOnBeforeCommit}, true)
	_ = a2
	// The worker only ran the first one.
	executor.executed = []string{a1.ID}

	result, err := engine.Fire(context.Background(), testAgent(), TriggerContext{Type: TriggerOnBeforeCommit})
	if err != nil {
		t.Fatalf("fire: %v", err)
	}
	if len(result.BlockingIDs) != 1 || result.BlockingIDs[0] != a1.ID {
		t.Errorf("blocking = %v, want only the executed automation", result.BlockingIDs)
	}
}

func TestFireSkipsRunningAutomation(t *testing.T) {
	executor := &fakeExecutor{}
	engine, store := createTestEngine(t, executor)
	ctx := context.Background()

	a := seedAutomation(t, store, "test-suite", Trigger{Type: TriggerOnAgentReady}, false)
	if err := store.InsertEvent(ctx, &Event{
		AutomationID: a.ID, AgentID: "agent-1", Status: EventRunning,
	}); err != nil {
		t.Fatalf("insert event: %v", err)
	}

	result, err := engine.Fire(ctx, testAgent(), TriggerContext{Type: TriggerOnAgentReady})
	if err != nil {
		t.Fatalf("fire: %v", err)
	}
	if len(result.TriggeredIDs) != 0 {
		t.Errorf("running automation must be skipped, triggered %v", result.TriggeredIDs)
	}
}

func TestFireBeforeCommitDedupesSinceLastCommit(t *testing.T) {
	executor := &fakeExecutor{}
	engine, store := createTestEngine(t, executor)
	ctx := context.Background()

	a := seedAutomation(t, store, "lint", Trigger{Type: TriggerOnBeforeCommit}, true)
	finished := time.Now().UTC()
	exitCode := 0
	if err := store.InsertEvent(ctx, &Event{
		AutomationID: a.ID, AgentID: "agent-1", Status: EventFinished,
		ExitCode: &exitCode, StartedAt: finished, FinishedAt: &finished,
	}); err != nil {
		t.Fatalf("insert event: %v", err)
	}

	// No commit since the run: skipped.
	agent := testAgent()
	lastCommit := finished.Add(-time.Hour)
	agent.LastCommitAt = &lastCommit
	result, err := engine.Fire(ctx, agent, TriggerContext{Type: TriggerOnBeforeCommit})
	if err != nil {
		t.Fatalf("fire: %v", err)
	}
	if len(result.TriggeredIDs) != 0 {
		t.Errorf("expected dedupe, triggered %v", result.TriggeredIDs)
	}

	// A commit after the run resets the gate.
	newer := finished.Add(time.Hour)
	agent.LastCommitAt = &newer
	result, err = engine.Fire(ctx, agent, TriggerContext{Type: TriggerOnBeforeCommit})
	if err != nil {
		t.Fatalf("fire: %v", err)
	}
	if len(result.TriggeredIDs) != 1 {
		t.Errorf("expected re-trigger after commit, triggered %v", result.TriggeredIDs)
	}
}

func TestFileGlobFilter(t *testing.T) {
	executor := &fakeExecutor{}
	engine, store := createTestEngine(t, executor)

	seedAutomation(t, store, "go-files", Trigger{
		Type:     TriggerOnAfterEditFiles,
		FileGlob: "**/*.go",
	}, false)

	result, err := engine.Fire(context.Background(), testAgent(), TriggerContext{
		Type:  TriggerOnAfterEditFiles,
		Files: []string{"docs/readme.md"},
	})
	if err != nil {
		t.Fatalf("fire: %v", err)
	}
	if len(result.TriggeredIDs) != 0 {
		t.Error("md file must not match *.go glob")
	}

	result, err = engine.Fire(context.Background(), testAgent(), TriggerContext{
		Type:  TriggerOnAfterEditFiles,
		Files: []string{"internal/server/main.go"},
	})
	if err != nil {
		t.Fatalf("fire: %v", err)
	}
	if len(result.TriggeredIDs) != 1 {
		t.Error("go file should match *.go glob")
	}
}

func TestCommandRegexFilter(t *testing.T) {
	executor := &fakeExecutor{}
	engine, store := createTestEngine(t, executor)

	seedAutomation(t, store, "on-test-run", Trigger{
		Type:         TriggerOnAfterRunCommand,
		CommandRegex: `^go test`,
	}, false)

	result, err := engine.Fire(context.Background(), testAgent(), TriggerContext{
		Type:    TriggerOnAfterRunCommand,
		Command: "go build ./...",
	})
	if err != nil {
		t.Fatalf("fire: %v", err)
	}
	if len(result.TriggeredIDs) != 0 {
		t.Error("go build must not match ^go test")
	}

	result, err = engine.Fire(context.Background(), testAgent(), TriggerContext{
		Type:    TriggerOnAfterRunCommand,
		Command: "go test ./internal/...",
	})
	if err != nil {
		t.Fatalf("fire: %v", err)
	}
	if len(result.TriggeredIDs) != 1 {
		t.Error("go test should match ^go test")
	}
}

func TestGlobToRegex(t *testing.T) {
	cases := []struct {
		glob  string
		path  string
		match bool
	}{
		{"*.go", "main.go", true},
		{"*.go", "cmd/main.go", false},
		{"**/*.go", "cmd/main.go", true},
		{"**/*.go", "main.go", true},
		{"src/?.ts", "src/a.ts", true},
		{"src/?.ts", "src/ab.ts", false},
		{"docs/*.md", "docs/guide.md", true},
		{"docs/*.md", "docs/sub/guide.md", false},
	}
	for _, c := range cases {
		re, err := GlobToRegex(c.glob)
		if err != nil {
			t.Fatalf("glob %q: %v", c.glob, err)
		}
		if got := re.MatchString(c.path); got != c.match {
			t.Errorf("glob %q on %q = %v, want %v", c.glob, c.path, got, c.match)
		}
	}
}

func TestBundleSeedSkipsExistingNames(t *testing.T) {
	_, store := createTestEngine(t, &fakeExecutor{})
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "bundle.yaml")
	content := `automations:
  - name: lint
    trigger:
      type: on_before_commit
    script_content: "make lint"
    blocking: true
  - name: notify
    trigger:
      type: on_after_push_pr
    script_language: python
    script_content: "print('pushed')"
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write bundle: %v", err)
	}

	b, err := LoadBundle(path)
	if err != nil {
		t.Fatalf("load bundle: %v", err)
	}
	if len(b.Automations) != 2 {
		t.Fatalf("bundle size = %d", len(b.Automations))
	}
	if b.Automations[0].ScriptLanguage != ScriptBash {
		t.Errorf("default language = %s, want bash", b.Automations[0].ScriptLanguage)
	}

	n, err := store.Seed(ctx, "project-1", "user-1", b)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if n != 2 {
		t.Errorf("seeded %d, want 2", n)
	}

	// Re-seeding inserts nothing.
	n, err = store.Seed(ctx, "project-1", "user-1", b)
	if err != nil {
		t.Fatalf("re-seed: %v", err)
	}
	if n != 0 {
		t.Errorf("re-seeded %d, want 0", n)
	}
}
