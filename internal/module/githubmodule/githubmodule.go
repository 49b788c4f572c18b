// Package githubmodule is a thin wrapper over the `gh` CLI: a dynamic
// panel kind for issue/PR bodies and two read-only tools. Like the git
// module, it is intentionally shallow — it shells out rather than
// talking to the GitHub API directly.
package githubmodule

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/contextpilot/contextpilot/internal/module"
	"github.com/contextpilot/contextpilot/internal/panel"
	"github.com/contextpilot/contextpilot/internal/protocol"
	"github.com/contextpilot/contextpilot/internal/state"
)

const ID = "github"

type Module struct {
	root string
}

func New(root string) *Module { return &Module{root: root} }

func (m *Module) ID() string             { return ID }
func (m *Module) Name() string           { return "GitHub" }
func (m *Module) Global() bool           { return false }
func (m *Module) Dependencies() []string { return nil }

func (m *Module) FixedPanels() []module.FixedPanelSpec { return nil }

func (m *Module) DynamicPanelKinds() []panel.Kind {
	return []panel.Kind{panel.KindGitHub, panel.KindGitHubResult}
}

func (m *Module) KindMetadata() []panel.KindMetadata {
	return []panel.KindMetadata{
		{Kind: panel.KindGitHub, Fixed: false, NeedsCache: true, Icon: "github"},
		{Kind: panel.KindGitHubResult, Fixed: false, NeedsCache: true, Icon: "github"},
	}
}

func (m *Module) ToolDefinitions() []protocol.Tool {
	return []protocol.Tool{
		{Name: "github_view_issue", Description: "Open a GitHub issue or PR as a panel.", InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"number": map[string]any{"type": "integer"}},
			"required":   []string{"number"},
		}},
		{Name: "github_pr_status", Description: "Open the current branch's PR status as a panel.", InputSchema: map[string]any{"type": "object"}},
	}
}

func (m *Module) Dispatch(ctx context.Context, call protocol.ToolUseBlock, st *state.State) protocol.ToolResultBlock {
	switch call.Name {
	case "github_view_issue":
		var args struct {
			Number int `json:"number"`
		}
		if err := json.Unmarshal(call.Input, &args); err != nil || args.Number <= 0 {
			return errResult(call.ID, fmt.Errorf("invalid arguments"))
		}
		e, _ := st.OpenPanel(fmt.Sprintf("github:issue:%d", args.Number), panel.KindGitHub, fmt.Sprintf("#%d", args.Number))
		e.SetMeta("number", args.Number)
		return protocol.ToolResultBlock{ToolUseID: call.ID, Content: fmt.Sprintf("opened panel %s for issue #%d", e.LocalID, args.Number)}

	case "github_pr_status":
		e, _ := st.OpenPanel("github:pr_status", panel.KindGitHubResult, "PR status")
		return protocol.ToolResultBlock{ToolUseID: call.ID, Content: fmt.Sprintf("opened panel %s for PR status", e.LocalID)}

	default:
		return protocol.ToolResultBlock{ToolUseID: call.ID, IsError: true, Content: "unknown github tool " + call.Name}
	}
}

// InvalidationTable follows the git module's conservative fallback
// (§9): no mutating tools here yet, so the registry's blanket
// DynamicPanelKinds fallback alone governs invalidation.
func (m *Module) InvalidationTable() []module.InvalidationRule { return nil }

func (m *Module) RefreshIssue(ctx context.Context, number int) (string, error) {
	return m.run(ctx, "issue", "view", fmt.Sprintf("%d", number))
}

func (m *Module) RefreshPRStatus(ctx context.Context) (string, error) {
	return m.run(ctx, "pr", "status")
}

func (m *Module) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "gh", args...)
	cmd.Dir = m.root
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("gh %v: %w\n%s", args, err, out)
	}
	return string(out), nil
}

func errResult(id string, err error) protocol.ToolResultBlock {
	return protocol.ToolResultBlock{ToolUseID: id, IsError: true, Content: err.Error()}
}
