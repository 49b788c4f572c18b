// Package spinemodule provides a fixed panel rendering the current
// guard-rail and auto-continuation status. The actual decision logic
// lives in internal/spine; this module only owns the panel and its
// rendering.
package spinemodule

import (
	"context"
	"fmt"
	"strings"

	"github.com/contextpilot/contextpilot/internal/module"
	"github.com/contextpilot/contextpilot/internal/panel"
	"github.com/contextpilot/contextpilot/internal/protocol"
	"github.com/contextpilot/contextpilot/internal/state"
)

const ID = "spine"

type Module struct{}

func New() *Module { return &Module{} }

func (m *Module) ID() string             { return ID }
func (m *Module) Name() string           { return "Spine" }
func (m *Module) Global() bool           { return true }
func (m *Module) Dependencies() []string { return nil }

func (m *Module) FixedPanels() []module.FixedPanelSpec {
	return []module.FixedPanelSpec{{LocalID: "P1", Kind: panel.KindSpine, DisplayName: "Spine", Order: 1}}
}

func (m *Module) DynamicPanelKinds() []panel.Kind { return nil }

func (m *Module) KindMetadata() []panel.KindMetadata {
	return []panel.KindMetadata{{Kind: panel.KindSpine, Fixed: true, NeedsCache: true, Icon: "activity", FixedOrder: 1}}
}

func (m *Module) ToolDefinitions() []protocol.Tool { return nil }

func (m *Module) Dispatch(ctx context.Context, call protocol.ToolUseBlock, st *state.State) protocol.ToolResultBlock {
	return protocol.ToolResultBlock{ToolUseID: call.ID, IsError: true, Content: "spine module exposes no tools"}
}

func (m *Module) InvalidationTable() []module.InvalidationRule { return nil }

// GuardRailStatus is the subset of spine state worth rendering into the panel.
type GuardRailStatus struct {
	CumulativeOutputTokens int64
	MaxOutputTokens        *int64
	CumulativeCostUSD      float64
	MaxCostUSD             *float64
	ConsecutiveContinues   int
	LastStrategy           string // "", "notifications", "max_tokens", "todos_incomplete"
}

// Render formats a GuardRailStatus for display in the fixed spine panel.
func Render(s GuardRailStatus) string {
	var b strings.Builder
	fmt.Fprintf(&b, "output tokens: %d", s.CumulativeOutputTokens)
	if s.MaxOutputTokens != nil {
		fmt.Fprintf(&b, " / %d", *s.MaxOutputTokens)
	}
	b.WriteByte('\n')
	fmt.Fprintf(&b, "cost: $%.4f", s.CumulativeCostUSD)
	if s.MaxCostUSD != nil {
		fmt.Fprintf(&b, " / $%.4f", *s.MaxCostUSD)
	}
	b.WriteByte('\n')
	fmt.Fprintf(&b, "consecutive auto-continues: %d\n", s.ConsecutiveContinues)
	if s.LastStrategy != "" {
		fmt.Fprintf(&b, "last continuation: %s\n", s.LastStrategy)
	}
	return strings.TrimRight(b.String(), "\n")
}
