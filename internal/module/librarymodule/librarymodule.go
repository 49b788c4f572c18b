// Package librarymodule provides a fixed panel of named, reusable
// snippets (e.g. a project's house style notes, common command
// invocations) that the model curates across sessions.
package librarymodule

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/contextpilot/contextpilot/internal/module"
	"github.com/contextpilot/contextpilot/internal/panel"
	"github.com/contextpilot/contextpilot/internal/protocol"
	"github.com/contextpilot/contextpilot/internal/state"
)

const ID = "library"

type Module struct{}

func New() *Module { return &Module{} }

func (m *Module) ID() string             { return ID }
func (m *Module) Name() string           { return "Library" }
func (m *Module) Global() bool           { return true }
func (m *Module) Dependencies() []string { return nil }

func (m *Module) FixedPanels() []module.FixedPanelSpec {
	return []module.FixedPanelSpec{{LocalID: "P9", Kind: panel.KindLibrary, DisplayName: "Library", Order: 9}}
}

func (m *Module) DynamicPanelKinds() []panel.Kind { return nil }

func (m *Module) KindMetadata() []panel.KindMetadata {
	return []panel.KindMetadata{{Kind: panel.KindLibrary, Fixed: true, NeedsCache: false, Icon: "book", FixedOrder: 9}}
}

func (m *Module) ToolDefinitions() []protocol.Tool {
	return []protocol.Tool{
		{Name: "library_save", Description: "Save a named snippet to the library.", InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name":    map[string]any{"type": "string"},
				"content": map[string]any{"type": "string"},
			},
			"required": []string{"name", "content"},
		}},
		{Name: "library_remove", Description: "Remove a named snippet from the library.", InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"name": map[string]any{"type": "string"}},
			"required":   []string{"name"},
		}},
	}
}

func (m *Module) Dispatch(ctx context.Context, call protocol.ToolUseBlock, st *state.State) protocol.ToolResultBlock {
	e := st.Panel("P9")
	if e == nil {
		return protocol.ToolResultBlock{ToolUseID: call.ID, IsError: true, Content: "library panel not registered"}
	}
	entries, _ := panel.Meta[map[string]string](e, "entries")
	if entries == nil {
		entries = make(map[string]string)
	}

	switch call.Name {
	case "library_save":
		var args struct{ Name, Content string }
		if err := json.Unmarshal(call.Input, &args); err != nil || args.Name == "" {
			return protocol.ToolResultBlock{ToolUseID: call.ID, IsError: true, Content: "invalid arguments"}
		}
		entries[args.Name] = args.Content
		e.SetMeta("entries", entries)
		e.ApplyContent(render(entries), 0)
		return protocol.ToolResultBlock{ToolUseID: call.ID, Content: fmt.Sprintf("saved %q", args.Name)}

	case "library_remove":
		var args struct{ Name string }
		if err := json.Unmarshal(call.Input, &args); err != nil || args.Name == "" {
			return protocol.ToolResultBlock{ToolUseID: call.ID, IsError: true, Content: "invalid arguments"}
		}
		if _, ok := entries[args.Name]; !ok {
			return protocol.ToolResultBlock{ToolUseID: call.ID, IsError: true, Content: "no such entry: " + args.Name}
		}
		delete(entries, args.Name)
		e.SetMeta("entries", entries)
		e.ApplyContent(render(entries), 0)
		return protocol.ToolResultBlock{ToolUseID: call.ID, Content: fmt.Sprintf("removed %q", args.Name)}

	default:
		return protocol.ToolResultBlock{ToolUseID: call.ID, IsError: true, Content: "unknown library tool " + call.Name}
	}
}

func (m *Module) InvalidationTable() []module.InvalidationRule { return nil }

func render(entries map[string]string) string {
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	for _, name := range names {
		fmt.Fprintf(&b, "=== %s ===\n%s\n\n", name, entries[name])
	}
	return strings.TrimRight(b.String(), "\n")
}
