// Package consolemodule exposes the console daemon's PTY-backed sessions
// as tools and a dynamic panel kind. Sessions outlive a single dispatch:
// console_create starts one and returns immediately; console_wait blocks
// the calling tool call until the session exits or a timeout elapses,
// matching the "blocking sentinel" shape of a conditional watcher (§4.3)
// without needing a separate registration step, since waiting here never
// outlives a single tool dispatch the way a file-change watch does.
package consolemodule

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/contextpilot/contextpilot/internal/daemon"
	"github.com/contextpilot/contextpilot/internal/module"
	"github.com/contextpilot/contextpilot/internal/panel"
	"github.com/contextpilot/contextpilot/internal/paths"
	"github.com/contextpilot/contextpilot/internal/protocol"
	"github.com/contextpilot/contextpilot/internal/state"
)

const ID = "console"

// PollInterval is how often console_wait re-checks session status.
const PollInterval = 100 * time.Millisecond

type Module struct {
	workspaceRoot string
	workerID      string
	client        *daemon.Client
}

// New connects to (starting if necessary) the console daemon for this worker.
func New(workspaceRoot, workerID string) (*Module, error) {
	sock := paths.GetConsoleSocketPath(workspaceRoot, workerID)
	pid := paths.GetConsolePidPath(workspaceRoot, workerID)
	if err := paths.EnsureDir(paths.GetConsoleDir(workspaceRoot, workerID)); err != nil {
		return nil, fmt.Errorf("create console dir: %w", err)
	}
	c, err := daemon.EnsureRunning(sock, pid)
	if err != nil {
		return nil, fmt.Errorf("connect to console daemon: %w", err)
	}
	return &Module{workspaceRoot: workspaceRoot, workerID: workerID, client: c}, nil
}

func (m *Module) ID() string             { return ID }
func (m *Module) Name() string           { return "Console" }
func (m *Module) Global() bool           { return false }
func (m *Module) Dependencies() []string { return nil }

func (m *Module) FixedPanels() []module.FixedPanelSpec { return nil }

func (m *Module) DynamicPanelKinds() []panel.Kind { return []panel.Kind{panel.KindConsole} }

func (m *Module) KindMetadata() []panel.KindMetadata {
	return []panel.KindMetadata{{Kind: panel.KindConsole, Fixed: false, NeedsCache: true, Icon: "terminal"}}
}

func (m *Module) ToolDefinitions() []protocol.Tool {
	strProp := func(desc string) map[string]any { return map[string]any{"type": "string", "description": desc} }
	return []protocol.Tool{
		{Name: "console_create", Description: "Start a long-lived console session.", InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"key": strProp("session key"), "command": strProp("shell command"), "cwd": strProp("working directory")},
			"required":   []string{"key", "command"},
		}},
		{Name: "console_send_keys", Description: "Send input to a running console session.", InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"key": strProp("session key"), "input": strProp("text to send, newline included if needed")},
			"required":   []string{"key", "input"},
		}},
		{Name: "console_wait", Description: "Block until a session exits or a timeout elapses.", InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"key": strProp("session key"), "timeout_ms": map[string]any{"type": "integer"}},
			"required":   []string{"key"},
		}},
		{Name: "console_easy_bash", Description: "Run a one-shot bash command to completion and return its output.", InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"command": strProp("shell command"), "timeout_ms": map[string]any{"type": "integer"}},
			"required":   []string{"command"},
		}},
		{Name: "console_kill", Description: "Kill a console session.", InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"key": strProp("session key"), "force": map[string]any{"type": "boolean"}},
			"required":   []string{"key"},
		}},
	}
}

func (m *Module) Dispatch(ctx context.Context, call protocol.ToolUseBlock, st *state.State) protocol.ToolResultBlock {
	switch call.Name {
	case "console_create":
		var args struct{ Key, Command, Cwd string }
		if err := json.Unmarshal(call.Input, &args); err != nil || args.Key == "" || args.Command == "" {
			return errResult(call.ID, fmt.Errorf("invalid arguments"))
		}
		return m.create(call.ID, st, args.Key, args.Command, args.Cwd)

	case "console_send_keys":
		var args struct{ Key, Input string }
		if err := json.Unmarshal(call.Input, &args); err != nil || args.Key == "" {
			return errResult(call.ID, fmt.Errorf("invalid arguments"))
		}
		reply, err := m.client.Call(daemon.Request{Cmd: daemon.CmdSend, Key: args.Key, Input: args.Input})
		if err != nil {
			return errResult(call.ID, err)
		}
		if !reply.Ok {
			return protocol.ToolResultBlock{ToolUseID: call.ID, IsError: true, Content: reply.Error}
		}
		return protocol.ToolResultBlock{ToolUseID: call.ID, Content: "sent"}

	case "console_wait":
		var args struct {
			Key       string
			TimeoutMs int64 `json:"timeout_ms"`
		}
		if err := json.Unmarshal(call.Input, &args); err != nil || args.Key == "" {
			return errResult(call.ID, fmt.Errorf("invalid arguments"))
		}
		if args.TimeoutMs <= 0 {
			args.TimeoutMs = 30000
		}
		return m.wait(ctx, call.ID, args.Key, time.Duration(args.TimeoutMs)*time.Millisecond)

	case "console_easy_bash":
		var args struct {
			Command   string
			TimeoutMs int64 `json:"timeout_ms"`
		}
		if err := json.Unmarshal(call.Input, &args); err != nil || args.Command == "" {
			return errResult(call.ID, fmt.Errorf("invalid arguments"))
		}
		if args.TimeoutMs <= 0 {
			args.TimeoutMs = 30000
		}
		key := fmt.Sprintf("easy-%s", call.ID)
		if result := m.create(call.ID, st, key, args.Command, ""); result.IsError {
			return result
		}
		return m.wait(ctx, call.ID, key, time.Duration(args.TimeoutMs)*time.Millisecond)

	case "console_kill":
		var args struct {
			Key   string
			Force bool
		}
		if err := json.Unmarshal(call.Input, &args); err != nil || args.Key == "" {
			return errResult(call.ID, fmt.Errorf("invalid arguments"))
		}
		reply, err := m.client.Call(daemon.Request{Cmd: daemon.CmdKill, Key: args.Key, Force: args.Force})
		if err != nil {
			return errResult(call.ID, err)
		}
		if !reply.Ok {
			return protocol.ToolResultBlock{ToolUseID: call.ID, IsError: true, Content: reply.Error}
		}
		return protocol.ToolResultBlock{ToolUseID: call.ID, Content: "killed"}

	default:
		return protocol.ToolResultBlock{ToolUseID: call.ID, IsError: true, Content: "unknown console tool " + call.Name}
	}
}

func (m *Module) create(toolUseID string, st *state.State, key, command, cwd string) protocol.ToolResultBlock {
	logPath := paths.GetConsoleLogPath(m.workspaceRoot, m.workerID, key)
	reply, err := m.client.Call(daemon.Request{Cmd: daemon.CmdCreate, Key: key, Command: command, Cwd: cwd, LogPath: logPath})
	if err != nil {
		return errResult(toolUseID, err)
	}
	if !reply.Ok {
		return protocol.ToolResultBlock{ToolUseID: toolUseID, IsError: true, Content: reply.Error}
	}
	e, _ := st.OpenPanel("console:"+key, panel.KindConsole, key)
	e.SetMeta("session_key", key)
	e.SetMeta("log_path", logPath)
	return protocol.ToolResultBlock{ToolUseID: toolUseID, Content: fmt.Sprintf("started %s (pid %d), panel %s", key, reply.Pid, e.LocalID)}
}

func (m *Module) wait(ctx context.Context, toolUseID, key string, timeout time.Duration) protocol.ToolResultBlock {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()
	for {
		reply, err := m.client.Call(daemon.Request{Cmd: daemon.CmdStatus, Key: key})
		if err != nil {
			return errResult(toolUseID, err)
		}
		if reply.Ok && reply.Status == "exited" {
			return protocol.ToolResultBlock{ToolUseID: toolUseID, Content: m.tail(key, reply)}
		}
		if time.Now().After(deadline) {
			return protocol.ToolResultBlock{ToolUseID: toolUseID, Content: fmt.Sprintf("timed out after %s waiting for %s", timeout, key)}
		}
		select {
		case <-ctx.Done():
			return errResult(toolUseID, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (m *Module) tail(key string, reply daemon.Reply) string {
	logPath := paths.GetConsoleLogPath(m.workspaceRoot, m.workerID, key)
	data, err := os.ReadFile(logPath)
	exitCode := -1
	if reply.ExitCode != nil {
		exitCode = *reply.ExitCode
	}
	if err != nil {
		return fmt.Sprintf("exit code %d (log unavailable: %v)", exitCode, err)
	}
	return fmt.Sprintf("exit code %d\n%s", exitCode, string(data))
}

// RefreshConsole is the cache pipeline's refresh function for an open
// console panel: the tail of its log file.
func (m *Module) RefreshConsole(key string) (string, error) {
	data, err := os.ReadFile(paths.GetConsoleLogPath(m.workspaceRoot, m.workerID, key))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (m *Module) InvalidationTable() []module.InvalidationRule { return nil }

func errResult(id string, err error) protocol.ToolResultBlock {
	return protocol.ToolResultBlock{ToolUseID: id, IsError: true, Content: err.Error()}
}
