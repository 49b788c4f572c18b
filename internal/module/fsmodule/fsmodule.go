// Package fsmodule provides the file, tree, glob and grep panel kinds.
// Per scope, tool bodies here are intentionally thin: they shell out to
// `grep` and use os/path-glob directly rather than reimplementing a
// search engine.
package fsmodule

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/contextpilot/contextpilot/internal/module"
	"github.com/contextpilot/contextpilot/internal/panel"
	"github.com/contextpilot/contextpilot/internal/protocol"
	"github.com/contextpilot/contextpilot/internal/state"
)

const ID = "fs"

type Module struct {
	root string
}

func New(root string) *Module { return &Module{root: root} }

func (m *Module) ID() string             { return ID }
func (m *Module) Name() string           { return "Filesystem" }
func (m *Module) Global() bool           { return false }
func (m *Module) Dependencies() []string { return nil }

func (m *Module) FixedPanels() []module.FixedPanelSpec { return nil }

func (m *Module) DynamicPanelKinds() []panel.Kind {
	return []panel.Kind{panel.KindFile, panel.KindTree, panel.KindGlob, panel.KindGrep}
}

func (m *Module) KindMetadata() []panel.KindMetadata {
	return []panel.KindMetadata{
		{Kind: panel.KindFile, Fixed: false, NeedsCache: true, Icon: "file"},
		{Kind: panel.KindTree, Fixed: false, NeedsCache: true, Icon: "folder"},
		{Kind: panel.KindGlob, Fixed: false, NeedsCache: true, Icon: "search"},
		{Kind: panel.KindGrep, Fixed: false, NeedsCache: true, Icon: "search"},
	}
}

func (m *Module) ToolDefinitions() []protocol.Tool {
	strInput := func(name string) map[string]any {
		return map[string]any{
			"type":       "object",
			"properties": map[string]any{name: map[string]any{"type": "string"}},
			"required":   []string{name},
		}
	}
	return []protocol.Tool{
		{Name: "file_open", Description: "Open a file as a panel.", InputSchema: strInput("path")},
		{Name: "list_dir", Description: "Open a directory tree as a panel.", InputSchema: strInput("path")},
		{Name: "glob_search", Description: "Open glob matches as a panel.", InputSchema: strInput("pattern")},
		{Name: "grep_search", Description: "Open grep matches as a panel.", InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"pattern": map[string]any{"type": "string"}, "path": map[string]any{"type": "string"}},
			"required":   []string{"pattern"},
		}},
	}
}

func (m *Module) Dispatch(ctx context.Context, call protocol.ToolUseBlock, st *state.State) protocol.ToolResultBlock {
	switch call.Name {
	case "file_open":
		path, err := stringArg(call.Input, "path")
		if err != nil {
			return errResult(call.ID, err)
		}
		e, _ := st.OpenPanel("file:"+path, panel.KindFile, filepath.Base(path))
		e.SetMeta("file_path", path)
		return protocol.ToolResultBlock{ToolUseID: call.ID, Content: fmt.Sprintf("opened panel %s for %s", e.LocalID, path)}

	case "list_dir":
		path, err := stringArg(call.Input, "path")
		if err != nil {
			return errResult(call.ID, err)
		}
		e, _ := st.OpenPanel("tree:"+path, panel.KindTree, path)
		e.SetMeta("dir_path", path)
		return protocol.ToolResultBlock{ToolUseID: call.ID, Content: fmt.Sprintf("opened panel %s for %s", e.LocalID, path)}

	case "glob_search":
		pattern, err := stringArg(call.Input, "pattern")
		if err != nil {
			return errResult(call.ID, err)
		}
		e, _ := st.OpenPanel("glob:"+pattern, panel.KindGlob, pattern)
		e.SetMeta("pattern", pattern)
		return protocol.ToolResultBlock{ToolUseID: call.ID, Content: fmt.Sprintf("opened panel %s for %s", e.LocalID, pattern)}

	case "grep_search":
		var args struct {
			Pattern string `json:"pattern"`
			Path    string `json:"path"`
		}
		if err := json.Unmarshal(call.Input, &args); err != nil || args.Pattern == "" {
			return errResult(call.ID, fmt.Errorf("invalid arguments"))
		}
		if args.Path == "" {
			args.Path = "."
		}
		key := fmt.Sprintf("grep:%s:%s", args.Pattern, args.Path)
		e, _ := st.OpenPanel(key, panel.KindGrep, args.Pattern)
		e.SetMeta("pattern", args.Pattern)
		e.SetMeta("path", args.Path)
		return protocol.ToolResultBlock{ToolUseID: call.ID, Content: fmt.Sprintf("opened panel %s for %q in %s", e.LocalID, args.Pattern, args.Path)}

	default:
		return protocol.ToolResultBlock{ToolUseID: call.ID, IsError: true, Content: "unknown fs tool " + call.Name}
	}
}

// InvalidationTable: no mutating tools in this module today (file edits
// belong to an external collaborator per scope), so there is nothing to
// declare here.
func (m *Module) InvalidationTable() []module.InvalidationRule { return nil }

// Refresh* are the functions the cache pipeline runs for each panel kind
// this module owns.

func (m *Module) RefreshFile(path string) (string, error) {
	data, err := os.ReadFile(filepath.Join(m.root, path))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (m *Module) RefreshTree(path string) (string, error) {
	entries, err := os.ReadDir(filepath.Join(m.root, path))
	if err != nil {
		return "", err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, "\n"), nil
}

func (m *Module) RefreshGlob(pattern string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(m.root, pattern))
	if err != nil {
		return "", err
	}
	sort.Strings(matches)
	return strings.Join(matches, "\n"), nil
}

func (m *Module) RefreshGrep(ctx context.Context, pattern, path string) (string, error) {
	cmd := exec.CommandContext(ctx, "grep", "-rn", "--", pattern, path)
	cmd.Dir = m.root
	out, err := cmd.CombinedOutput()
	// grep exits 1 when there are no matches; that's not a tool error.
	if err != nil && len(out) == 0 {
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			return "(no matches)", nil
		}
		return "", err
	}
	return string(out), nil
}

func stringArg(input json.RawMessage, name string) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(input, &m); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	v, ok := m[name].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("missing required argument %q", name)
	}
	return v, nil
}

func errResult(id string, err error) protocol.ToolResultBlock {
	return protocol.ToolResultBlock{ToolUseID: id, IsError: true, Content: err.Error()}
}
