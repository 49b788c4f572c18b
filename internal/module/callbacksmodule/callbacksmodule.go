// Package callbacksmodule lets the model register a shell script that
// the main loop runs once, after the next turn, and then removes. There
// is no trigger condition. Scripts are persisted to the worker's scripts
// directory so they survive a restart.
package callbacksmodule

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/contextpilot/contextpilot/internal/module"
	"github.com/contextpilot/contextpilot/internal/panel"
	"github.com/contextpilot/contextpilot/internal/paths"
	"github.com/contextpilot/contextpilot/internal/protocol"
	"github.com/contextpilot/contextpilot/internal/state"
)

const ID = "callbacks"

type Module struct {
	workspaceRoot string
	workerID      string
}

func New(workspaceRoot, workerID string) *Module {
	return &Module{workspaceRoot: workspaceRoot, workerID: workerID}
}

func (m *Module) ID() string             { return ID }
func (m *Module) Name() string           { return "Callbacks" }
func (m *Module) Global() bool           { return true }
func (m *Module) Dependencies() []string { return nil }

func (m *Module) FixedPanels() []module.FixedPanelSpec {
	return []module.FixedPanelSpec{{LocalID: "P7", Kind: panel.KindCallbacks, DisplayName: "Callbacks", Order: 7}}
}

func (m *Module) DynamicPanelKinds() []panel.Kind { return nil }

func (m *Module) KindMetadata() []panel.KindMetadata {
	return []panel.KindMetadata{{Kind: panel.KindCallbacks, Fixed: true, NeedsCache: true, Icon: "bell", FixedOrder: 7}}
}

func (m *Module) ToolDefinitions() []protocol.Tool {
	return []protocol.Tool{
		{Name: "register_callback", Description: "Register a named shell script to run once, later.", InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name":   map[string]any{"type": "string"},
				"script": map[string]any{"type": "string"},
			},
			"required": []string{"name", "script"},
		}},
	}
}

func (m *Module) Dispatch(ctx context.Context, call protocol.ToolUseBlock, st *state.State) protocol.ToolResultBlock {
	if call.Name != "register_callback" {
		return protocol.ToolResultBlock{ToolUseID: call.ID, IsError: true, Content: "unknown callbacks tool " + call.Name}
	}
	var args struct {
		Name   string `json:"name"`
		Script string `json:"script"`
	}
	if err := json.Unmarshal(call.Input, &args); err != nil {
		return protocol.ToolResultBlock{ToolUseID: call.ID, IsError: true, Content: fmt.Sprintf("invalid arguments: %v", err)}
	}
	if args.Name == "" || strings.ContainsAny(args.Name, "/\\") {
		return protocol.ToolResultBlock{ToolUseID: call.ID, IsError: true, Content: "name must be non-empty and contain no path separators"}
	}

	dir := paths.GetScriptsDir(m.workspaceRoot, m.workerID)
	if err := paths.EnsureDir(dir); err != nil {
		return protocol.ToolResultBlock{ToolUseID: call.ID, IsError: true, Content: fmt.Sprintf("create scripts dir: %v", err)}
	}
	scriptPath := filepath.Join(dir, args.Name+".sh")
	if err := os.WriteFile(scriptPath, []byte(args.Script), 0755); err != nil {
		return protocol.ToolResultBlock{ToolUseID: call.ID, IsError: true, Content: fmt.Sprintf("write script: %v", err)}
	}

	if e := st.Panel("P7"); e != nil {
		names, _ := m.list()
		e.ApplyContent(strings.Join(names, "\n"), 0)
	}
	return protocol.ToolResultBlock{ToolUseID: call.ID, Content: fmt.Sprintf("registered callback %q", args.Name)}
}

func (m *Module) InvalidationTable() []module.InvalidationRule { return nil }

func (m *Module) list() ([]string, error) {
	dir := paths.GetScriptsDir(m.workspaceRoot, m.workerID)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		names = append(names, strings.TrimSuffix(e.Name(), ".sh"))
	}
	sort.Strings(names)
	return names, nil
}

// Refresh is the cache pipeline's refresh function for the fixed panel.
func (m *Module) Refresh(ctx context.Context) (string, error) {
	names, err := m.list()
	if err != nil {
		return "", err
	}
	return strings.Join(names, "\n"), nil
}

// Pending returns the script paths currently registered; the main loop
// runs each one after a turn and then removes it.
func (m *Module) Pending() ([]string, error) {
	dir := paths.GetScriptsDir(m.workspaceRoot, m.workerID)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var scripts []string
	for _, e := range entries {
		scripts = append(scripts, filepath.Join(dir, e.Name()))
	}
	sort.Strings(scripts)
	return scripts, nil
}

// Remove deletes a completed callback's script file.
func (m *Module) Remove(scriptPath string) error {
	return os.Remove(scriptPath)
}
