// Package mcpmodule connects to configured MCP servers over stdio and
// surfaces their tools through the module registry. Adapted from a
// hub that polled mcp_settings.json on a ticker and reconnected on
// change; here the hub's job is narrowed to what the registry actually
// needs: a flat tool list and a dispatch-by-name call.
package mcpmodule

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/contextpilot/contextpilot/internal/module"
	"github.com/contextpilot/contextpilot/internal/panel"
	"github.com/contextpilot/contextpilot/internal/protocol"
	"github.com/contextpilot/contextpilot/internal/state"
)

const ID = "mcp"

// Settings mirrors the on-disk mcp_settings.json format.
type Settings struct {
	McpServers map[string]ServerConfig `json:"mcpServers"`
}

type ServerConfig struct {
	Command     string            `json:"command"`
	Args        []string          `json:"args"`
	Env         map[string]string `json:"env,omitempty"`
	Disabled    bool              `json:"disabled,omitempty"`
	AutoApprove []string          `json:"autoApprove,omitempty"`
}

type connection struct {
	name   string
	client *client.Client
	tools  []mcp.Tool
}

type Module struct {
	mu          sync.RWMutex
	connections map[string]*connection
}

func New() *Module {
	return &Module{connections: make(map[string]*connection)}
}

// LoadSettings reads mcp_settings.json from path and connects to every
// enabled server, skipping ones already connected.
func (m *Module) LoadSettings(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read mcp settings: %w", err)
	}
	var settings Settings
	if err := json.Unmarshal(data, &settings); err != nil {
		return fmt.Errorf("parse mcp settings: %w", err)
	}

	for name, cfg := range settings.McpServers {
		if cfg.Disabled {
			m.disconnect(name)
			continue
		}
		if m.connected(name) {
			continue
		}
		if err := m.connect(ctx, name, cfg); err != nil {
			return fmt.Errorf("connect mcp server %s: %w", name, err)
		}
	}
	return nil
}

func (m *Module) connected(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.connections[name]
	return ok
}

func (m *Module) connect(ctx context.Context, name string, cfg ServerConfig) error {
	c, err := client.NewStdioMCPClient(cfg.Command, cfg.Args)
	if err != nil {
		return err
	}
	if err := c.Start(ctx); err != nil {
		return err
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = "2024-11-05"
	initReq.Params.ClientInfo = mcp.Implementation{Name: "contextpilot", Version: "1.0.0"}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		c.Close()
		return err
	}

	listCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	listResult, err := c.ListTools(listCtx, mcp.ListToolsRequest{})
	var tools []mcp.Tool
	if listResult != nil {
		tools = listResult.Tools
	}

	m.mu.Lock()
	m.connections[name] = &connection{name: name, client: c, tools: tools}
	m.mu.Unlock()
	return nil
}

func (m *Module) disconnect(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if conn, ok := m.connections[name]; ok {
		conn.client.Close()
		delete(m.connections, name)
	}
}

func (m *Module) ID() string             { return ID }
func (m *Module) Name() string           { return "MCP" }
func (m *Module) Global() bool           { return true }
func (m *Module) Dependencies() []string { return nil }

func (m *Module) FixedPanels() []module.FixedPanelSpec { return nil }

func (m *Module) DynamicPanelKinds() []panel.Kind { return []panel.Kind{panel.KindMCP} }

func (m *Module) KindMetadata() []panel.KindMetadata {
	return []panel.KindMetadata{{Kind: panel.KindMCP, Fixed: false, NeedsCache: false, Icon: "plug"}}
}

// ToolDefinitions surfaces every tool exposed by every connected server,
// namespaced as "mcp__<server>__<tool>" so names never collide across
// servers.
func (m *Module) ToolDefinitions() []protocol.Tool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var defs []protocol.Tool
	for _, conn := range m.connections {
		for _, t := range conn.tools {
			schema := toSchema(t.InputSchema)
			defs = append(defs, protocol.Tool{
				Name:        fmt.Sprintf("mcp__%s__%s", conn.name, t.Name),
				Description: t.Description,
				InputSchema: schema,
			})
		}
	}
	return defs
}

func (m *Module) Dispatch(ctx context.Context, call protocol.ToolUseBlock, st *state.State) protocol.ToolResultBlock {
	server, toolName, ok := parseMCPToolName(call.Name)
	if !ok {
		return protocol.ToolResultBlock{ToolUseID: call.ID, IsError: true, Content: "not an mcp tool: " + call.Name}
	}

	m.mu.RLock()
	conn, ok := m.connections[server]
	m.mu.RUnlock()
	if !ok {
		return protocol.ToolResultBlock{ToolUseID: call.ID, IsError: true, Content: "unknown mcp server: " + server}
	}

	var args map[string]any
	if len(call.Input) > 0 {
		if err := json.Unmarshal(call.Input, &args); err != nil {
			return protocol.ToolResultBlock{ToolUseID: call.ID, IsError: true, Content: fmt.Sprintf("invalid arguments: %v", err)}
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()
	result, err := conn.client.CallTool(callCtx, mcp.CallToolRequest{Params: mcp.CallToolParams{Name: toolName, Arguments: args}})
	if err != nil {
		return protocol.ToolResultBlock{ToolUseID: call.ID, IsError: true, Content: err.Error()}
	}

	e, _ := st.OpenPanel(fmt.Sprintf("mcp:%s:%s:%s", server, toolName, call.ID), panel.KindMCP, toolName)
	content := renderResult(result)
	e.ApplyContent(content, 0)
	return protocol.ToolResultBlock{ToolUseID: call.ID, Content: content, IsError: result != nil && result.IsError}
}

func (m *Module) InvalidationTable() []module.InvalidationRule { return nil }

// Close tears down every server connection.
func (m *Module) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, conn := range m.connections {
		conn.client.Close()
	}
	m.connections = make(map[string]*connection)
}

func parseMCPToolName(name string) (server, tool string, ok bool) {
	const prefix = "mcp__"
	if len(name) <= len(prefix) || name[:len(prefix)] != prefix {
		return "", "", false
	}
	rest := name[len(prefix):]
	for i := 0; i < len(rest)-1; i++ {
		if rest[i] == '_' && rest[i+1] == '_' {
			return rest[:i], rest[i+2:], true
		}
	}
	return "", "", false
}

// toSchema round-trips whatever concrete schema type the client library
// returns through JSON, since protocol.Tool wants a plain map.
func toSchema(inputSchema any) map[string]any {
	raw, err := json.Marshal(inputSchema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var schema map[string]any
	if err := json.Unmarshal(raw, &schema); err != nil || schema == nil {
		return map[string]any{"type": "object"}
	}
	return schema
}

func renderResult(result *mcp.CallToolResult) string {
	if result == nil {
		return ""
	}
	var out string
	for _, c := range result.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			if out != "" {
				out += "\n"
			}
			out += tc.Text
		}
	}
	return out
}
