// Package statisticsmodule provides a fixed panel summarizing the
// worker's running cost and token counters, refreshed whenever the
// spine records a stream's usage.
package statisticsmodule

import (
	"context"
	"fmt"
	"sync"

	"github.com/contextpilot/contextpilot/internal/module"
	"github.com/contextpilot/contextpilot/internal/panel"
	"github.com/contextpilot/contextpilot/internal/protocol"
	"github.com/contextpilot/contextpilot/internal/state"
)

const ID = "statistics"

type Module struct {
	mu                 sync.Mutex
	cumulativeOutputTok int64
	cumulativeCostUSD   float64
	messageCount        int64
}

func New() *Module { return &Module{} }

// Record is called once per finished stream turn with its usage.
func (m *Module) Record(outputTokens int64, costUSD float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cumulativeOutputTok += outputTokens
	m.cumulativeCostUSD += costUSD
	m.messageCount++
}

func (m *Module) ID() string             { return ID }
func (m *Module) Name() string           { return "Statistics" }
func (m *Module) Global() bool           { return true }
func (m *Module) Dependencies() []string { return nil }

func (m *Module) FixedPanels() []module.FixedPanelSpec {
	return []module.FixedPanelSpec{{LocalID: "P8", Kind: panel.KindStatistics, DisplayName: "Statistics", Order: 8}}
}

func (m *Module) DynamicPanelKinds() []panel.Kind { return nil }

func (m *Module) KindMetadata() []panel.KindMetadata {
	return []panel.KindMetadata{{Kind: panel.KindStatistics, Fixed: true, NeedsCache: true, Icon: "bar-chart", FixedOrder: 8}}
}

func (m *Module) ToolDefinitions() []protocol.Tool { return nil }

func (m *Module) Dispatch(ctx context.Context, call protocol.ToolUseBlock, st *state.State) protocol.ToolResultBlock {
	return protocol.ToolResultBlock{ToolUseID: call.ID, IsError: true, Content: "statistics module exposes no tools"}
}

func (m *Module) InvalidationTable() []module.InvalidationRule { return nil }

// Refresh is the cache pipeline's refresh function for the fixed panel.
func (m *Module) Refresh(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fmt.Sprintf("messages: %d\noutput tokens: %d\ncumulative cost: $%.4f", m.messageCount, m.cumulativeOutputTok, m.cumulativeCostUSD), nil
}
