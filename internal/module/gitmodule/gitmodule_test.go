package gitmodule

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/contextpilot/contextpilot/internal/protocol"
	"github.com/contextpilot/contextpilot/internal/state"
)

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(), "GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com", "GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com")
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}
	run("init")
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("one"), 0644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	run("add", ".")
	run("commit", "-m", "initial")
	return dir
}

func TestRefreshStatusOnCleanRepoReportsNoChanges(t *testing.T) {
	dir := initRepo(t)
	m := New(dir)
	out, err := m.RefreshStatus(context.Background())
	if err != nil {
		t.Fatalf("RefreshStatus: %v", err)
	}
	if out != "" {
		t.Fatalf("expected empty status output on a clean repo, got %q", out)
	}

	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("changed"), 0644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	out, err = m.RefreshStatus(context.Background())
	if err != nil {
		t.Fatalf("RefreshStatus: %v", err)
	}
	if out == "" {
		t.Fatalf("expected non-empty status output after a modification")
	}
}

func TestRefreshStatusOnNonRepoIsSentinel(t *testing.T) {
	m := New(t.TempDir())
	out, err := m.RefreshStatus(context.Background())
	if err != nil {
		t.Fatalf("RefreshStatus: %v", err)
	}
	if out != "(not a git repository)" {
		t.Fatalf("expected not-a-repo sentinel, got %q", out)
	}
}

func TestDispatchStageAllThenCommit(t *testing.T) {
	dir := initRepo(t)
	if err := os.WriteFile(filepath.Join(dir, "b.txt"), []byte("two"), 0644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	m := New(dir)
	st := state.New("w1")

	result := m.Dispatch(context.Background(), protocol.ToolUseBlock{ID: "t1", Name: "git_stage_all"}, st)
	if result.IsError {
		t.Fatalf("stage_all failed: %s", result.Content)
	}

	result = m.Dispatch(context.Background(), protocol.ToolUseBlock{ID: "t2", Name: "git_commit", Input: []byte(`{"message":"add b"}`)}, st)
	if result.IsError {
		t.Fatalf("commit failed: %s", result.Content)
	}
}

func TestDispatchUnknownToolIsError(t *testing.T) {
	m := New(t.TempDir())
	st := state.New("w1")
	result := m.Dispatch(context.Background(), protocol.ToolUseBlock{ID: "t1", Name: "nope"}, st)
	if !result.IsError {
		t.Fatalf("expected unknown tool to be an error")
	}
}

func TestInvalidationTableCoversMutatingTools(t *testing.T) {
	m := New(t.TempDir())
	rules := m.InvalidationTable()
	if len(rules) != 2 {
		t.Fatalf("expected 2 invalidation rules, got %d", len(rules))
	}
}
