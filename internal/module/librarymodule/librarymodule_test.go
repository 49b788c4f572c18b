package librarymodule

import (
	"context"
	"strings"
	"testing"

	"github.com/contextpilot/contextpilot/internal/panel"
	"github.com/contextpilot/contextpilot/internal/protocol"
	"github.com/contextpilot/contextpilot/internal/state"
)

func newStateWithPanel() *state.State {
	st := state.New("w1")
	st.RegisterFixedPanel("P9", panel.KindLibrary, "Library")
	return st
}

func TestSaveThenRemoveRoundTrips(t *testing.T) {
	st := newStateWithPanel()
	m := New()
	m.Dispatch(context.Background(), protocol.ToolUseBlock{ID: "t1", Name: "library_save", Input: []byte(`{"name":"style","content":"tabs not spaces"}`)}, st)
	e := st.Panel("P9")
	if !strings.Contains(e.CachedContent, "tabs not spaces") {
		t.Fatalf("expected saved content in panel, got %q", e.CachedContent)
	}

	result := m.Dispatch(context.Background(), protocol.ToolUseBlock{ID: "t2", Name: "library_remove", Input: []byte(`{"name":"style"}`)}, st)
	if result.IsError {
		t.Fatalf("unexpected error: %s", result.Content)
	}
	if strings.Contains(st.Panel("P9").CachedContent, "tabs not spaces") {
		t.Fatalf("expected content removed, got %q", st.Panel("P9").CachedContent)
	}
}

func TestRemoveMissingEntryIsError(t *testing.T) {
	st := newStateWithPanel()
	m := New()
	result := m.Dispatch(context.Background(), protocol.ToolUseBlock{ID: "t1", Name: "library_remove", Input: []byte(`{"name":"nope"}`)}, st)
	if !result.IsError {
		t.Fatalf("expected removing a missing entry to be an error")
	}
}

func TestDispatchUnknownToolIsError(t *testing.T) {
	st := newStateWithPanel()
	m := New()
	result := m.Dispatch(context.Background(), protocol.ToolUseBlock{ID: "t1", Name: "nope"}, st)
	if !result.IsError {
		t.Fatalf("expected unknown tool to be an error")
	}
}
