package mcpmodule

import (
	"context"
	"testing"

	"github.com/contextpilot/contextpilot/internal/protocol"
	"github.com/contextpilot/contextpilot/internal/state"
)

func TestParseMCPToolNameSplitsServerAndTool(t *testing.T) {
	server, tool, ok := parseMCPToolName("mcp__filesystem__read_file")
	if !ok || server != "filesystem" || tool != "read_file" {
		t.Fatalf("expected (filesystem, read_file, true), got (%s, %s, %v)", server, tool, ok)
	}
}

func TestParseMCPToolNameRejectsNonMCPTool(t *testing.T) {
	if _, _, ok := parseMCPToolName("git_diff"); ok {
		t.Fatalf("expected a non-mcp tool name to be rejected")
	}
}

func TestToSchemaFallsBackToBareObjectOnNil(t *testing.T) {
	schema := toSchema(nil)
	if schema["type"] != "object" {
		t.Fatalf("expected fallback schema, got %+v", schema)
	}
}

func TestToSchemaRoundTripsMap(t *testing.T) {
	schema := toSchema(map[string]any{"type": "object", "properties": map[string]any{"x": map[string]any{"type": "string"}}})
	if schema["type"] != "object" {
		t.Fatalf("expected type object, got %+v", schema)
	}
}

func TestDispatchUnknownServerIsError(t *testing.T) {
	m := New()
	st := state.New("w1")
	result := m.Dispatch(context.Background(), protocol.ToolUseBlock{ID: "t1", Name: "mcp__missing__tool"}, st)
	if !result.IsError {
		t.Fatalf("expected unknown mcp server to be an error")
	}
}

func TestDispatchNonMCPToolIsError(t *testing.T) {
	m := New()
	st := state.New("w1")
	result := m.Dispatch(context.Background(), protocol.ToolUseBlock{ID: "t1", Name: "nope"}, st)
	if !result.IsError {
		t.Fatalf("expected a non-mcp tool name to be an error")
	}
}

func TestLoadSettingsMissingFileIsNotAnError(t *testing.T) {
	m := New()
	if err := m.LoadSettings(context.Background(), "/nonexistent/mcp_settings.json"); err != nil {
		t.Fatalf("expected missing settings file to be a no-op, got %v", err)
	}
}
