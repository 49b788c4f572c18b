package conversationhistorymodule

import (
	"context"
	"testing"

	"github.com/contextpilot/contextpilot/internal/panel"
	"github.com/contextpilot/contextpilot/internal/protocol"
	"github.com/contextpilot/contextpilot/internal/state"
)

func TestDynamicPanelKindsIncludesConversationHistory(t *testing.T) {
	m := New()
	kinds := m.DynamicPanelKinds()
	if len(kinds) != 1 || kinds[0] != panel.KindConversationHistory {
		t.Fatalf("expected exactly [KindConversationHistory], got %+v", kinds)
	}
}

func TestDispatchAlwaysErrors(t *testing.T) {
	m := New()
	st := state.New("w1")
	result := m.Dispatch(context.Background(), protocol.ToolUseBlock{ID: "t1", Name: "anything"}, st)
	if !result.IsError {
		t.Fatalf("expected dispatch to always be an error for this panel-only module")
	}
}
