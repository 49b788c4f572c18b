// Package memorymodule provides a fixed scratch-memory panel the model
// can read and overwrite across turns, persisted like any other panel.
package memorymodule

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/contextpilot/contextpilot/internal/module"
	"github.com/contextpilot/contextpilot/internal/panel"
	"github.com/contextpilot/contextpilot/internal/protocol"
	"github.com/contextpilot/contextpilot/internal/state"
)

const ID = "memory"

type Module struct{}

func New() *Module { return &Module{} }

func (m *Module) ID() string             { return ID }
func (m *Module) Name() string           { return "Memory" }
func (m *Module) Global() bool           { return true }
func (m *Module) Dependencies() []string { return nil }

func (m *Module) FixedPanels() []module.FixedPanelSpec {
	return []module.FixedPanelSpec{{LocalID: "P4", Kind: panel.KindMemory, DisplayName: "Memory", Order: 4}}
}

func (m *Module) DynamicPanelKinds() []panel.Kind { return nil }

func (m *Module) KindMetadata() []panel.KindMetadata {
	return []panel.KindMetadata{{Kind: panel.KindMemory, Fixed: true, NeedsCache: false, Icon: "bookmark", FixedOrder: 4}}
}

func (m *Module) ToolDefinitions() []protocol.Tool {
	return []protocol.Tool{
		{Name: "memory_read", Description: "Read the current contents of persistent memory.", InputSchema: map[string]any{"type": "object"}},
		{Name: "memory_write", Description: "Overwrite persistent memory with new content.", InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"content": map[string]any{"type": "string"}},
			"required":   []string{"content"},
		}},
	}
}

func (m *Module) Dispatch(ctx context.Context, call protocol.ToolUseBlock, st *state.State) protocol.ToolResultBlock {
	e := st.Panel("P4")
	if e == nil {
		return protocol.ToolResultBlock{ToolUseID: call.ID, IsError: true, Content: "memory panel not registered"}
	}
	switch call.Name {
	case "memory_read":
		return protocol.ToolResultBlock{ToolUseID: call.ID, Content: e.CachedContent}

	case "memory_write":
		var args struct {
			Content string `json:"content"`
		}
		if err := json.Unmarshal(call.Input, &args); err != nil {
			return protocol.ToolResultBlock{ToolUseID: call.ID, IsError: true, Content: fmt.Sprintf("invalid arguments: %v", err)}
		}
		e.ApplyContent(args.Content, 0)
		return protocol.ToolResultBlock{ToolUseID: call.ID, Content: "memory updated"}

	default:
		return protocol.ToolResultBlock{ToolUseID: call.ID, IsError: true, Content: "unknown memory tool " + call.Name}
	}
}

func (m *Module) InvalidationTable() []module.InvalidationRule { return nil }
