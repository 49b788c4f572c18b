// Package logsmodule provides a fixed panel that surfaces the agent's
// own recent log lines back into its own context.
package logsmodule

import (
	"context"
	"strings"
	"sync"

	"github.com/contextpilot/contextpilot/internal/module"
	"github.com/contextpilot/contextpilot/internal/panel"
	"github.com/contextpilot/contextpilot/internal/protocol"
	"github.com/contextpilot/contextpilot/internal/state"
)

const ID = "logs"

// MaxLines bounds the ring buffer so the panel never grows unbounded.
const MaxLines = 200

type Module struct {
	mu    sync.Mutex
	lines []string
}

func New() *Module { return &Module{} }

// Write appends a log line, trimming the oldest once MaxLines is exceeded.
// It implements io.Writer so it can be attached as a log.Logger output.
func (m *Module) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lines = append(m.lines, strings.TrimRight(string(p), "\n"))
	if len(m.lines) > MaxLines {
		m.lines = m.lines[len(m.lines)-MaxLines:]
	}
	return len(p), nil
}

func (m *Module) snapshot() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return strings.Join(m.lines, "\n")
}

func (m *Module) ID() string             { return ID }
func (m *Module) Name() string           { return "Logs" }
func (m *Module) Global() bool           { return true }
func (m *Module) Dependencies() []string { return nil }

func (m *Module) FixedPanels() []module.FixedPanelSpec {
	return []module.FixedPanelSpec{{LocalID: "P5", Kind: panel.KindLogs, DisplayName: "Logs", Order: 5}}
}

func (m *Module) DynamicPanelKinds() []panel.Kind { return nil }

func (m *Module) KindMetadata() []panel.KindMetadata {
	return []panel.KindMetadata{{Kind: panel.KindLogs, Fixed: true, NeedsCache: true, Icon: "terminal", FixedOrder: 5}}
}

func (m *Module) ToolDefinitions() []protocol.Tool { return nil }

func (m *Module) Dispatch(ctx context.Context, call protocol.ToolUseBlock, st *state.State) protocol.ToolResultBlock {
	return protocol.ToolResultBlock{ToolUseID: call.ID, IsError: true, Content: "logs module exposes no tools"}
}

func (m *Module) InvalidationTable() []module.InvalidationRule { return nil }

// Refresh is the cache pipeline's refresh function for the fixed logs panel.
func (m *Module) Refresh(ctx context.Context) (string, error) {
	return m.snapshot(), nil
}
