package githubmodule

import (
	"context"
	"testing"

	"github.com/contextpilot/contextpilot/internal/protocol"
	"github.com/contextpilot/contextpilot/internal/state"
)

func TestViewIssueOpensPanel(t *testing.T) {
	m := New(t.TempDir())
	st := state.New("w1")
	result := m.Dispatch(context.Background(), protocol.ToolUseBlock{ID: "t1", Name: "github_view_issue", Input: []byte(`{"number":42}`)}, st)
	if result.IsError {
		t.Fatalf("unexpected error: %s", result.Content)
	}
	if len(st.OpenPanels()) != 1 {
		t.Fatalf("expected one open panel")
	}
}

func TestViewIssueRejectsMissingNumber(t *testing.T) {
	m := New(t.TempDir())
	st := state.New("w1")
	result := m.Dispatch(context.Background(), protocol.ToolUseBlock{ID: "t1", Name: "github_view_issue", Input: []byte(`{}`)}, st)
	if !result.IsError {
		t.Fatalf("expected missing number to be an error")
	}
}

func TestPRStatusOpensPanel(t *testing.T) {
	m := New(t.TempDir())
	st := state.New("w1")
	result := m.Dispatch(context.Background(), protocol.ToolUseBlock{ID: "t1", Name: "github_pr_status"}, st)
	if result.IsError {
		t.Fatalf("unexpected error: %s", result.Content)
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
