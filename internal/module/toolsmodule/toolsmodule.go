// Package toolsmodule provides a fixed meta-panel listing every tool
// currently exposed by the active module set, so the model can see its
// own surface without hunting through the system prompt.
package toolsmodule

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/contextpilot/contextpilot/internal/module"
	"github.com/contextpilot/contextpilot/internal/panel"
	"github.com/contextpilot/contextpilot/internal/protocol"
	"github.com/contextpilot/contextpilot/internal/state"
)

const ID = "tools"

type Module struct{}

func New() *Module { return &Module{} }

func (m *Module) ID() string             { return ID }
func (m *Module) Name() string           { return "Tools" }
func (m *Module) Global() bool           { return true }
func (m *Module) Dependencies() []string { return nil }

func (m *Module) FixedPanels() []module.FixedPanelSpec {
	return []module.FixedPanelSpec{{LocalID: "P10", Kind: panel.KindTools, DisplayName: "Tools", Order: 10}}
}

func (m *Module) DynamicPanelKinds() []panel.Kind { return nil }

func (m *Module) KindMetadata() []panel.KindMetadata {
	return []panel.KindMetadata{{Kind: panel.KindTools, Fixed: true, NeedsCache: true, Icon: "tool", FixedOrder: 10}}
}

func (m *Module) ToolDefinitions() []protocol.Tool { return nil }

func (m *Module) Dispatch(ctx context.Context, call protocol.ToolUseBlock, st *state.State) protocol.ToolResultBlock {
	return protocol.ToolResultBlock{ToolUseID: call.ID, IsError: true, Content: "tools module exposes no tools of its own"}
}

func (m *Module) InvalidationTable() []module.InvalidationRule { return nil }

// Render formats the active tool set; the cache pipeline calls this
// through a closure that first asks the registry for the current list,
// since a bare Refresh(ctx) signature can't see the registry.
func Render(tools []protocol.Tool) string {
	names := make([]string, 0, len(tools))
	byName := make(map[string]protocol.Tool, len(tools))
	for _, t := range tools {
		names = append(names, t.Name)
		byName[t.Name] = t
	}
	sort.Strings(names)
	var b strings.Builder
	for _, name := range names {
		fmt.Fprintf(&b, "%s: %s\n", name, byName[name].Description)
	}
	return strings.TrimRight(b.String(), "\n")
}
