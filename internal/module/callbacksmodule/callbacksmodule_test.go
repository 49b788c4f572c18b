package callbacksmodule

import (
	"context"
	"os"
	"testing"

	"github.com/contextpilot/contextpilot/internal/panel"
	"github.com/contextpilot/contextpilot/internal/paths"
	"github.com/contextpilot/contextpilot/internal/protocol"
	"github.com/contextpilot/contextpilot/internal/state"
)

func newStateWithPanel() *state.State {
	st := state.New("w1")
	st.RegisterFixedPanel("P7", panel.KindCallbacks, "Callbacks")
	return st
}

func TestRegisterCallbackWritesScriptAndUpdatesPanel(t *testing.T) {
	root := t.TempDir()
	home := t.TempDir()
	t.Setenv("HOME", home)

	m := New(root, "w1")
	st := newStateWithPanel()
	result := m.Dispatch(context.Background(), protocol.ToolUseBlock{ID: "t1", Name: "register_callback", Input: []byte(`{"name":"notify","script":"echo done"}`)}, st)
	if result.IsError {
		t.Fatalf("unexpected error: %s", result.Content)
	}

	scriptPath := paths.GetScriptsDir(root, "w1") + "/notify.sh"
	data, err := os.ReadFile(scriptPath)
	if err != nil {
		t.Fatalf("expected script file to exist: %v", err)
	}
	if string(data) != "echo done" {
		t.Fatalf("expected script contents %q, got %q", "echo done", string(data))
	}

	e := st.Panel("P7")
	if e.CachedContent != "notify" {
		t.Fatalf("expected panel content %q, got %q", "notify", e.CachedContent)
	}
}

func TestRegisterCallbackRejectsPathSeparators(t *testing.T) {
	root := t.TempDir()
	home := t.TempDir()
	t.Setenv("HOME", home)

	m := New(root, "w1")
	st := newStateWithPanel()
	result := m.Dispatch(context.Background(), protocol.ToolUseBlock{ID: "t1", Name: "register_callback", Input: []byte(`{"name":"../escape","script":"echo no"}`)}, st)
	if !result.IsError {
		t.Fatalf("expected path-separator name to be rejected")
	}
}

func TestPendingListsRegisteredScripts(t *testing.T) {
	root := t.TempDir()
	home := t.TempDir()
	t.Setenv("HOME", home)

	m := New(root, "w1")
	st := newStateWithPanel()
	m.Dispatch(context.Background(), protocol.ToolUseBlock{ID: "t1", Name: "register_callback", Input: []byte(`{"name":"a","script":"echo a"}`)}, st)
	m.Dispatch(context.Background(), protocol.ToolUseBlock{ID: "t2", Name: "register_callback", Input: []byte(`{"name":"b","script":"echo b"}`)}, st)

	pending, err := m.Pending()
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending callbacks, got %d", len(pending))
	}

	if err := m.Remove(pending[0]); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	pending, err = m.Pending()
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending callback after removal, got %d", len(pending))
	}
}
