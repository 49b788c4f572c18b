// Package todomodule provides the fixed todo-list panel and the
// update_todos tool that rewrites it wholesale.
package todomodule

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/contextpilot/contextpilot/internal/module"
	"github.com/contextpilot/contextpilot/internal/panel"
	"github.com/contextpilot/contextpilot/internal/protocol"
	"github.com/contextpilot/contextpilot/internal/state"
)

const ID = "todo"

type Module struct{}

func New() *Module { return &Module{} }

func (m *Module) ID() string             { return ID }
func (m *Module) Name() string           { return "Todos" }
func (m *Module) Global() bool           { return true }
func (m *Module) Dependencies() []string { return nil }

func (m *Module) FixedPanels() []module.FixedPanelSpec {
	return []module.FixedPanelSpec{{LocalID: "P3", Kind: panel.KindTodo, DisplayName: "Todos", Order: 3}}
}

func (m *Module) DynamicPanelKinds() []panel.Kind { return nil }

func (m *Module) KindMetadata() []panel.KindMetadata {
	return []panel.KindMetadata{{Kind: panel.KindTodo, Fixed: true, NeedsCache: false, Icon: "check-square", FixedOrder: 3}}
}

func (m *Module) ToolDefinitions() []protocol.Tool {
	return []protocol.Tool{
		{
			Name:        "update_todos",
			Description: "Replace the todo list with a new ordered set of items.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"todos": map[string]any{
						"type": "array",
						"items": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"text":   map[string]any{"type": "string"},
								"status": map[string]any{"type": "string", "enum": []string{"pending", "current", "completed"}},
							},
							"required": []string{"text", "status"},
						},
					},
				},
				"required": []string{"todos"},
			},
		},
	}
}

func (m *Module) Dispatch(ctx context.Context, call protocol.ToolUseBlock, st *state.State) protocol.ToolResultBlock {
	if call.Name != "update_todos" {
		return protocol.ToolResultBlock{ToolUseID: call.ID, IsError: true, Content: "unknown todo tool " + call.Name}
	}
	var args struct {
		Todos []protocol.Todo `json:"todos"`
	}
	if err := json.Unmarshal(call.Input, &args); err != nil {
		return protocol.ToolResultBlock{ToolUseID: call.ID, IsError: true, Content: fmt.Sprintf("invalid arguments: %v", err)}
	}

	e := st.Panel("P3")
	if e == nil {
		return protocol.ToolResultBlock{ToolUseID: call.ID, IsError: true, Content: "todo panel not registered"}
	}
	content := render(args.Todos)
	e.SetMeta("todos", args.Todos)
	e.ApplyContent(content, 0)
	return protocol.ToolResultBlock{ToolUseID: call.ID, Content: fmt.Sprintf("updated %d todos", len(args.Todos))}
}

// InvalidationTable is empty: update_todos writes the panel directly
// rather than going through the cache pipeline's refresh-then-compare
// cycle, so there is nothing to invalidate.
func (m *Module) InvalidationTable() []module.InvalidationRule { return nil }

// AllComplete reports whether every todo item has reached completed
// status, used by the auto-continuation guard rail's todos-incomplete
// strategy.
func AllComplete(e *panel.Element) bool {
	todos, ok := panel.Meta[[]protocol.Todo](e, "todos")
	if !ok || len(todos) == 0 {
		return true
	}
	for _, t := range todos {
		if t.Status != protocol.TodoCompleted {
			return false
		}
	}
	return true
}

func render(todos []protocol.Todo) string {
	var b strings.Builder
	for _, t := range todos {
		mark := " "
		switch t.Status {
		case protocol.TodoCompleted:
			mark = "x"
		case protocol.TodoCurrent:
			mark = "-"
		}
		fmt.Fprintf(&b, "[%s] %s\n", mark, t.Text)
	}
	return b.String()
}
