package toolsmodule

import (
	"strings"
	"testing"

	"github.com/contextpilot/contextpilot/internal/protocol"
)

func TestRenderSortsByName(t *testing.T) {
	tools := []protocol.Tool{
		{Name: "zeta", Description: "last"},
		{Name: "alpha", Description: "first"},
	}
	out := Render(tools)
	lines := strings.Split(out, "\n")
	if len(lines) != 2 || !strings.HasPrefix(lines[0], "alpha:") || !strings.HasPrefix(lines[1], "zeta:") {
		t.Fatalf("expected alpha before zeta, got %q", out)
	}
}

func TestRenderEmptyToolsIsEmptyString(t *testing.T) {
	if out := Render(nil); out != "" {
		t.Fatalf("expected empty output for no tools, got %q", out)
	}
}
