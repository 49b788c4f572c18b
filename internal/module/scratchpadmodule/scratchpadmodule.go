// Package scratchpadmodule provides a fixed panel of freeform working
// notes the model appends to across a turn sequence.
package scratchpadmodule

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/contextpilot/contextpilot/internal/module"
	"github.com/contextpilot/contextpilot/internal/panel"
	"github.com/contextpilot/contextpilot/internal/protocol"
	"github.com/contextpilot/contextpilot/internal/state"
)

const ID = "scratchpad"

type Module struct{}

func New() *Module { return &Module{} }

func (m *Module) ID() string             { return ID }
func (m *Module) Name() string           { return "Scratchpad" }
func (m *Module) Global() bool           { return true }
func (m *Module) Dependencies() []string { return nil }

func (m *Module) FixedPanels() []module.FixedPanelSpec {
	return []module.FixedPanelSpec{{LocalID: "P6", Kind: panel.KindScratchpad, DisplayName: "Scratchpad", Order: 6}}
}

func (m *Module) DynamicPanelKinds() []panel.Kind { return nil }

func (m *Module) KindMetadata() []panel.KindMetadata {
	return []panel.KindMetadata{{Kind: panel.KindScratchpad, Fixed: true, NeedsCache: false, Icon: "edit", FixedOrder: 6}}
}

func (m *Module) ToolDefinitions() []protocol.Tool {
	return []protocol.Tool{
		{Name: "scratchpad_write", Description: "Append a note to the scratchpad.", InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"note": map[string]any{"type": "string"}},
			"required":   []string{"note"},
		}},
		{Name: "scratchpad_clear", Description: "Clear the scratchpad.", InputSchema: map[string]any{"type": "object"}},
	}
}

func (m *Module) Dispatch(ctx context.Context, call protocol.ToolUseBlock, st *state.State) protocol.ToolResultBlock {
	e := st.Panel("P6")
	if e == nil {
		return protocol.ToolResultBlock{ToolUseID: call.ID, IsError: true, Content: "scratchpad panel not registered"}
	}
	switch call.Name {
	case "scratchpad_write":
		var args struct {
			Note string `json:"note"`
		}
		if err := json.Unmarshal(call.Input, &args); err != nil {
			return protocol.ToolResultBlock{ToolUseID: call.ID, IsError: true, Content: fmt.Sprintf("invalid arguments: %v", err)}
		}
		content := e.CachedContent
		if content != "" {
			content += "\n"
		}
		content += args.Note
		e.ApplyContent(content, 0)
		return protocol.ToolResultBlock{ToolUseID: call.ID, Content: "note added"}

	case "scratchpad_clear":
		e.ApplyContent("", 0)
		return protocol.ToolResultBlock{ToolUseID: call.ID, Content: "scratchpad cleared"}

	default:
		return protocol.ToolResultBlock{ToolUseID: call.ID, IsError: true, Content: "unknown scratchpad tool " + call.Name}
	}
}

func (m *Module) InvalidationTable() []module.InvalidationRule { return nil }
