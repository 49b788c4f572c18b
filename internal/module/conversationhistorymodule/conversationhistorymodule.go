// Package conversationhistorymodule registers the detached-chunk panel
// kind: when the prompt assembler moves a run of old messages out of the
// live conversation (§4.7 detachment), it becomes a dynamic panel of
// this kind instead of being dropped. The assembler (internal/prompt)
// owns the actual detachment decision and content; this module only
// registers the kind so the registry and persistence layers know about it.
package conversationhistorymodule

import (
	"context"

	"github.com/contextpilot/contextpilot/internal/module"
	"github.com/contextpilot/contextpilot/internal/panel"
	"github.com/contextpilot/contextpilot/internal/protocol"
	"github.com/contextpilot/contextpilot/internal/state"
)

const ID = "conversation_history"

type Module struct{}

func New() *Module { return &Module{} }

func (m *Module) ID() string             { return ID }
func (m *Module) Name() string           { return "Conversation History" }
func (m *Module) Global() bool           { return true }
func (m *Module) Dependencies() []string { return nil }

func (m *Module) FixedPanels() []module.FixedPanelSpec { return nil }

func (m *Module) DynamicPanelKinds() []panel.Kind {
	return []panel.Kind{panel.KindConversationHistory}
}

func (m *Module) KindMetadata() []panel.KindMetadata {
	return []panel.KindMetadata{{Kind: panel.KindConversationHistory, Fixed: false, NeedsCache: false, Icon: "archive"}}
}

func (m *Module) ToolDefinitions() []protocol.Tool { return nil }

func (m *Module) Dispatch(ctx context.Context, call protocol.ToolUseBlock, st *state.State) protocol.ToolResultBlock {
	return protocol.ToolResultBlock{ToolUseID: call.ID, IsError: true, Content: "conversation history module exposes no tools"}
}

func (m *Module) InvalidationTable() []module.InvalidationRule { return nil }
