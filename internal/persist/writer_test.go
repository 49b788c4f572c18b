package persist

import (
	"testing"
	"time"

	"github.com/contextpilot/contextpilot/internal/panel"
	"github.com/contextpilot/contextpilot/internal/state"
)

func TestFlushWritesMessagesAndPanels(t *testing.T) {
	root := t.TempDir()
	w := New(root, "w1")

	snap := Snapshot{
		WorkerID: "w1",
		Messages: []state.Message{{ID: "m00000001", Role: "user", Content: "hi"}},
		Panels: []*panel.Element{
			{LocalID: "P1000", Uid: "dyn-uid-1", Kind: panel.KindFile, Open: true, CachedContent: "hello"},
			{LocalID: "P1", Uid: "fixed:P1", Kind: panel.KindTodo, Open: true},
		},
	}
	w.MarkDirty(snap)
	w.Flush(2 * time.Second)

	msgs, err := LoadMessages(root, "w1")
	if err != nil {
		t.Fatalf("LoadMessages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "hi" {
		t.Fatalf("expected one persisted message with content hi, got %+v", msgs)
	}

	panels, err := LoadPanels(root, "w1")
	if err != nil {
		t.Fatalf("LoadPanels: %v", err)
	}
	if len(panels) != 1 || panels[0].Uid != "dyn-uid-1" {
		t.Fatalf("expected only the dynamic panel to be persisted, got %+v", panels)
	}
}

func TestMarkDirtyDebouncesRapidUpdates(t *testing.T) {
	root := t.TempDir()
	w := New(root, "w1")

	for i := 0; i < 5; i++ {
		w.MarkDirty(Snapshot{
			WorkerID: "w1",
			Messages: []state.Message{{ID: "m00000001", Content: "version"}},
		})
	}
	w.Flush(2 * time.Second)

	msgs, err := LoadMessages(root, "w1")
	if err != nil {
		t.Fatalf("LoadMessages: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected exactly one message file after debounced writes, got %d", len(msgs))
	}
}
