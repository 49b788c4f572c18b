package permissions

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/contextpilot/contextpilot/internal/protocol"
)

func toolNames(names ...string) []protocol.Tool {
	out := make([]protocol.Tool, len(names))
	for i, n := range names {
		out[i] = protocol.Tool{Name: n}
	}
	return out
}

func TestLoadMissingFileIsPermissive(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Allowed("fs_read") {
		t.Fatal("absent config should allow every tool by default")
	}
}

func TestDenyTakesPrecedenceOverAllow(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root, `
tools:
  allow: ["*"]
  deny: ["console_*"]
`)
	cfg, err := Load(root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Allowed("console_run") {
		t.Fatal("deny pattern should override the blanket allow")
	}
	if !cfg.Allowed("fs_read") {
		t.Fatal("fs_read does not match the deny pattern and should stay allowed")
	}
}

func TestFilterToolsDropsDenied(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root, `
tools:
  deny: ["github_*"]
`)
	cfg, err := Load(root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	kept := cfg.FilterTools(toolNames("fs_read", "github_comment", "git_diff"))
	if len(kept) != 2 || kept[0].Name != "fs_read" || kept[1].Name != "git_diff" {
		t.Fatalf("FilterTools = %v, want fs_read and git_diff only", kept)
	}
}

func TestInvalidationOverridesConvertsKindNames(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root, `
invalidation:
  fs_write:
    - file
    - tree
`)
	cfg, err := Load(root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	overrides := cfg.InvalidationOverrides()
	kinds := overrides["fs_write"]
	if len(kinds) != 2 || string(kinds[0]) != "file" || string(kinds[1]) != "tree" {
		t.Fatalf("InvalidationOverrides[fs_write] = %v", kinds)
	}
}

func writeConfig(t *testing.T, root, contents string) {
	t.Helper()
	dir := filepath.Join(root, ".contextpilot")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "permissions.yaml"), []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}
