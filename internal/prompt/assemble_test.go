package prompt

import (
	"context"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/contextpilot/contextpilot/internal/cache"
	"github.com/contextpilot/contextpilot/internal/panel"
	"github.com/contextpilot/contextpilot/internal/protocol"
	"github.com/contextpilot/contextpilot/internal/state"
)

func assistantMsg(id, content string) state.Message {
	return state.Message{ID: id, Status: state.MessageAssistant, Role: "assistant", Content: content, TokenEstimate: 50}
}

func userMsg(id, content string) state.Message {
	return state.Message{ID: id, Status: state.MessageUser, Role: "user", Content: content, TokenEstimate: 50}
}

func TestBuildInjectsPanelsAndFooterAndSeedReinjection(t *testing.T) {
	st := state.New("w1")
	st.RegisterFixedPanel("P1", panel.KindSpine, "Spine")
	st.Panel("P1").ApplyContent("all clear", 3)
	st.AppendMessage(userMsg("m1", "hello"))

	a := New(nil, nil, Profile{Model: "m", SystemPrompt: "be helpful", ProviderFamily: "anthropic"}, nil)
	req, err := a.Build(st)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	foundPanel := false
	foundFooter := false
	foundSeed := false
	for _, m := range req.Messages {
		for _, tu := range m.ToolUse {
			if tu.Name == dynamicPanelTool && strings.Contains(string(tu.Input), "P1") {
				foundPanel = true
			}
			if tu.Name == dynamicPanelTool && strings.Contains(string(tu.Input), "end_panels") {
				foundFooter = true
			}
		}
		if strings.Contains(m.Content, "System instructions (repeated for emphasis)") {
			foundSeed = true
		}
	}
	if !foundPanel {
		t.Fatalf("expected a dynamic_panel tool call for P1, got %+v", req.Messages)
	}
	if !foundFooter {
		t.Fatalf("expected an end_panels footer tool call, got %+v", req.Messages)
	}
	if !foundSeed {
		t.Fatalf("expected seed re-injection for the anthropic provider family, got %+v", req.Messages)
	}
}

func TestBuildOmitsSeedReinjectionForOpenAI(t *testing.T) {
	st := state.New("w1")
	a := New(nil, nil, Profile{Model: "m", SystemPrompt: "be helpful", ProviderFamily: "openai"}, nil)
	req, err := a.Build(st)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	for _, m := range req.Messages {
		if strings.Contains(m.Content, "System instructions (repeated for emphasis)") {
			t.Fatalf("did not expect seed re-injection for the openai provider family")
		}
	}
}

func TestBuildDropsOrphanToolCalls(t *testing.T) {
	st := state.New("w1")
	orphan := assistantMsg("m1", "")
	orphan.ToolUse = []protocol.ToolUseBlock{{ID: "t1", Name: "read_file", Input: []byte(`{}`)}}
	st.AppendMessage(orphan)

	a := New(nil, nil, Profile{Model: "m"}, nil)
	req, err := a.Build(st)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	for _, m := range req.Messages {
		for _, tu := range m.ToolUse {
			if tu.ID == "t1" {
				t.Fatalf("expected orphan tool call t1 to be dropped, found it in %+v", m)
			}
		}
	}
	if a.LastAssembly.DroppedOrphans != 1 {
		t.Fatalf("expected 1 dropped orphan recorded, got %d", a.LastAssembly.DroppedOrphans)
	}
}

func TestBuildKeepsResolvedToolCalls(t *testing.T) {
	st := state.New("w1")
	withTool := assistantMsg("m1", "")
	withTool.ToolUse = []protocol.ToolUseBlock{{ID: "t1", Name: "read_file", Input: []byte(`{}`)}}
	st.AppendMessage(withTool)
	st.AppendMessage(state.Message{ID: "m2", Status: state.MessageToolResult, Role: "user",
		ToolResults: []protocol.ToolResultBlock{{ToolUseID: "t1", Content: "file contents"}}})

	a := New(nil, nil, Profile{Model: "m"}, nil)
	req, err := a.Build(st)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	found := false
	for _, m := range req.Messages {
		for _, tu := range m.ToolUse {
			if tu.ID == "t1" {
				found = true
			}
		}
	}
	if !found {
		t.Fatalf("expected resolved tool call t1 to survive, got %+v", req.Messages)
	}
	if a.LastAssembly.DroppedOrphans != 0 {
		t.Fatalf("expected no dropped orphans, got %d", a.LastAssembly.DroppedOrphans)
	}
}

func TestDetachMovesOldMessagesIntoHistoryPanel(t *testing.T) {
	st := state.New("w1")
	// 60 complete assistant-turn messages at 300 tokens each: detaching
	// the oldest 35 clears both the chunk minimums (35 >= 25 messages,
	// 10500 >= 5000 tokens) and leaves 25 live (>= 25 messages, 7500
	// tokens) exactly at its minimum.
	for i := 0; i < 60; i++ {
		m := assistantMsg(strconv.Itoa(i), strings.Repeat("word ", 400))
		m.TokenEstimate = 300
		st.AppendMessage(m)
	}

	a := New(nil, nil, Profile{Model: "m"}, nil)
	moved := a.detach(st)
	if moved == 0 {
		t.Fatalf("expected some messages to be detached")
	}
	remaining := st.Messages()
	if len(remaining) >= 60 {
		t.Fatalf("expected the live conversation to shrink after detachment, got %d messages", len(remaining))
	}
	if len(remaining) < KeepLiveMessages {
		t.Fatalf("expected at least %d messages to remain live, got %d", KeepLiveMessages, len(remaining))
	}
}

func TestDetachNoOpBelowThresholds(t *testing.T) {
	st := state.New("w1")
	st.AppendMessage(assistantMsg("m1", "short"))
	st.AppendMessage(userMsg("m2", "short"))

	a := New(nil, nil, Profile{Model: "m"}, nil)
	moved := a.detach(st)
	if moved != 0 {
		t.Fatalf("expected no detachment below thresholds, moved %d", moved)
	}
	if len(st.Messages()) != 2 {
		t.Fatalf("expected messages untouched, got %d", len(st.Messages()))
	}
}

func TestRefreshDeprecatedPanelsAppliesWithinBudget(t *testing.T) {
	st := state.New("w1")
	st.RegisterFixedPanel("P1", panel.KindSpine, "Spine")
	st.MarkCacheDeprecated("P1")

	pipeline := cache.New(2)
	refreshers := map[string]cache.RefreshFunc{
		"P1": func(ctx context.Context) (string, int, map[string]any, error) {
			return "fresh content", 5, nil, nil
		},
	}
	a := New(pipeline, refreshers, Profile{Model: "m"}, nil)
	a.RefreshBudget = time.Second

	a.refreshDeprecatedPanels(context.Background(), st)

	e := st.Panel("P1")
	if e.CachedContent != "fresh content" {
		t.Fatalf("expected panel to be refreshed within budget, got %q", e.CachedContent)
	}
	if e.CacheDeprecated {
		t.Fatalf("expected cache_deprecated cleared after refresh")
	}
}

func TestRefreshDeprecatedPanelsFallsBackToStaleOnTimeout(t *testing.T) {
	st := state.New("w1")
	st.RegisterFixedPanel("P1", panel.KindSpine, "Spine")
	st.Panel("P1").ApplyContent("stale content", 2)
	st.MarkCacheDeprecated("P1")

	pipeline := cache.New(2)
	block := make(chan struct{})
	refreshers := map[string]cache.RefreshFunc{
		"P1": func(ctx context.Context) (string, int, map[string]any, error) {
			<-block
			return "too late", 5, nil, nil
		},
	}
	a := New(pipeline, refreshers, Profile{Model: "m"}, nil)
	a.RefreshBudget = 10 * time.Millisecond

	a.refreshDeprecatedPanels(context.Background(), st)
	close(block)

	e := st.Panel("P1")
	if e.CachedContent != "stale content" {
		t.Fatalf("expected stale content to survive a refresh timeout, got %q", e.CachedContent)
	}
}

func TestTrackCacheCostCountsPrefixMatch(t *testing.T) {
	st := state.New("w1")
	st.RegisterFixedPanel("P1", panel.KindSpine, "Spine")
	st.RegisterFixedPanel("P2", panel.KindTodo, "Todos")
	st.Panel("P1").ApplyContent("a", 1)
	st.Panel("P2").ApplyContent("b", 1)

	a := New(nil, nil, Profile{Model: "m"}, nil)
	items := st.OpenPanels()
	first := a.trackCacheCost(items)
	if first != 0 {
		t.Fatalf("expected no cache hits on the first call, got %d", first)
	}

	second := a.trackCacheCost(items)
	if second != len(items) {
		t.Fatalf("expected a full prefix match when nothing changed, got %d of %d", second, len(items))
	}

	st.Panel("P1").ApplyContent("changed", 1)
	items = st.OpenPanels()
	third := a.trackCacheCost(items)
	if third == len(items) {
		t.Fatalf("expected the cache-hit count to drop once a panel's content changed")
	}
}
