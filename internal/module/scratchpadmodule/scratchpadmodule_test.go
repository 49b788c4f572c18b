package scratchpadmodule

import (
	"context"
	"testing"

	"github.com/contextpilot/contextpilot/internal/panel"
	"github.com/contextpilot/contextpilot/internal/protocol"
	"github.com/contextpilot/contextpilot/internal/state"
)

func newStateWithPanel() *state.State {
	st := state.New("w1")
	st.RegisterFixedPanel("P6", panel.KindScratchpad, "Scratchpad")
	return st
}

func TestWriteAppendsNotes(t *testing.T) {
	st := newStateWithPanel()
	m := New()
	m.Dispatch(context.Background(), protocol.ToolUseBlock{ID: "t1", Name: "scratchpad_write", Input: []byte(`{"note":"first"}`)}, st)
	m.Dispatch(context.Background(), protocol.ToolUseBlock{ID: "t2", Name: "scratchpad_write", Input: []byte(`{"note":"second"}`)}, st)
	e := st.Panel("P6")
	if e.CachedContent != "first\nsecond" {
		t.Fatalf("expected %q, got %q", "first\nsecond", e.CachedContent)
	}
}

func TestClearResetsContent(t *testing.T) {
	st := newStateWithPanel()
	m := New()
	m.Dispatch(context.Background(), protocol.ToolUseBlock{ID: "t1", Name: "scratchpad_write", Input: []byte(`{"note":"first"}`)}, st)
	m.Dispatch(context.Background(), protocol.ToolUseBlock{ID: "t2", Name: "scratchpad_clear"}, st)
	if e := st.Panel("P6"); e.CachedContent != "" {
		t.Fatalf("expected empty content after clear, got %q", e.CachedContent)
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
