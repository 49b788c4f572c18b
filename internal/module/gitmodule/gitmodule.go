// Package gitmodule wires the git working-tree status/diff/commit
// surface into the module registry: a fixed "git" panel, a dynamic
// "git_result" panel kind for ad hoc read-only command output, and the
// mutating tools that invalidate them. The fixed panel is refreshed only
// when it is marked cache_deprecated (on activation, after a git
// mutation, on a .git metadata change); no timer refreshes it.
package gitmodule

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/contextpilot/contextpilot/internal/git"
	"github.com/contextpilot/contextpilot/internal/module"
	"github.com/contextpilot/contextpilot/internal/panel"
	"github.com/contextpilot/contextpilot/internal/protocol"
	"github.com/contextpilot/contextpilot/internal/state"
)

// RefreshInterval is a 2 s status refresh period. Nothing schedules
// refreshes on it; the fixed panel refreshes only when deprecated.
const RefreshInterval = 2000 // milliseconds

const ID = "git"

type Module struct {
	mgr *git.Manager
}

// New creates the git module rooted at cwd.
func New(cwd string) *Module {
	return &Module{mgr: git.NewManager(cwd)}
}

func (m *Module) ID() string          { return ID }
func (m *Module) Name() string        { return "Git" }
func (m *Module) Global() bool        { return false }
func (m *Module) Dependencies() []string { return nil }

func (m *Module) FixedPanels() []module.FixedPanelSpec {
	return []module.FixedPanelSpec{{LocalID: "P2", Kind: panel.KindGit, DisplayName: "Git Status", Order: 2}}
}

func (m *Module) DynamicPanelKinds() []panel.Kind {
	return []panel.Kind{panel.KindGitResult}
}

func (m *Module) KindMetadata() []panel.KindMetadata {
	return []panel.KindMetadata{
		{Kind: panel.KindGit, Fixed: true, NeedsCache: true, Icon: "git-branch", FixedOrder: 2},
		{Kind: panel.KindGitResult, Fixed: false, NeedsCache: true, Icon: "git-commit"},
	}
}

func (m *Module) ToolDefinitions() []protocol.Tool {
	return []protocol.Tool{
		{Name: "git_diff", Description: "Show staged and unstaged diffs.", InputSchema: map[string]any{
			"type": "object",
		}},
		{Name: "git_stage_all", Description: "Stage all changes (git add .).", InputSchema: map[string]any{
			"type": "object",
		}},
		{Name: "git_commit", Description: "Commit staged changes.", InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"message": map[string]any{"type": "string"}},
			"required":   []string{"message"},
		}},
	}
}

func (m *Module) Dispatch(ctx context.Context, call protocol.ToolUseBlock, st *state.State) protocol.ToolResultBlock {
	switch call.Name {
	case "git_diff":
		out, err := m.mgr.Diff()
		if err != nil {
			return errResult(call.ID, err)
		}
		return protocol.ToolResultBlock{ToolUseID: call.ID, Content: out}

	case "git_stage_all":
		if err := m.mgr.StageAll(); err != nil {
			return errResult(call.ID, err)
		}
		return protocol.ToolResultBlock{ToolUseID: call.ID, Content: "staged all changes"}

	case "git_commit":
		var args struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(call.Input, &args); err != nil {
			return errResult(call.ID, fmt.Errorf("invalid arguments: %w", err))
		}
		if err := m.mgr.Commit(args.Message); err != nil {
			return errResult(call.ID, err)
		}
		return protocol.ToolResultBlock{ToolUseID: call.ID, Content: "committed: " + args.Message}

	default:
		return protocol.ToolResultBlock{ToolUseID: call.ID, IsError: true, Content: "unknown git tool " + call.Name}
	}
}

// InvalidationTable mirrors the git module's conservative fallback the
// spec calls out as the model other modules should follow (§9): the
// blanket DynamicPanelKinds fallback in the registry already covers
// unknown mutating commands, so these rules just make the common ones
// explicit and cheap to introspect.
func (m *Module) InvalidationTable() []module.InvalidationRule {
	return []module.InvalidationRule{
		{ToolName: "git_stage_all", InvalidateKinds: []panel.Kind{panel.KindGit, panel.KindGitResult}},
		{ToolName: "git_commit", InvalidateKinds: []panel.Kind{panel.KindGit, panel.KindGitResult}},
	}
}

// RefreshStatus is the refresh function the cache pipeline runs for the
// fixed git panel whenever that panel is cache_deprecated.
func (m *Module) RefreshStatus(ctx context.Context) (string, error) {
	if !m.mgr.IsRepo() {
		return "(not a git repository)", nil
	}
	return m.mgr.Status()
}

func errResult(id string, err error) protocol.ToolResultBlock {
	return protocol.ToolResultBlock{ToolUseID: id, IsError: true, Content: err.Error()}
}
