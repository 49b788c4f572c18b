// Package prompt deterministically reconstructs the message list sent
// to a provider on every turn (spec.md §4.7): detach old conversation
// chunks into a frozen history panel, refresh deprecated panels,
// collect and order context items, inject them as synthetic tool
// exchanges, re-inject the system prompt for salience, and drop
// anything a provider would reject.
package prompt

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/contextpilot/contextpilot/internal/cache"
	"github.com/contextpilot/contextpilot/internal/panel"
	"github.com/contextpilot/contextpilot/internal/protocol"
	"github.com/contextpilot/contextpilot/internal/provider"
	"github.com/contextpilot/contextpilot/internal/state"
	"github.com/contextpilot/contextpilot/internal/tokencount"
)

// Detachment thresholds (spec.md §4.7 step 2). All four must hold
// before a split is made: the chunk being detached must be large
// enough to be worth detaching, and what remains live afterward must
// still meet its own minimums.
const (
	CandidateChunkMessages = 25
	CandidateChunkTokens   = 5000
	KeepLiveMessages       = 25
	KeepLiveTokens         = 7500
)

// DefaultRefreshBudget bounds how long assembly waits for deprecated
// panels to refresh before falling back to their stale content.
const DefaultRefreshBudget = 200 * time.Millisecond

// Profile is the provider-facing knobs that don't come from state.
type Profile struct {
	Model          string
	MaxTokens      int
	Temperature    float64
	SystemPrompt   string
	ProviderFamily string // "anthropic" or "openai"; gates seed re-injection
}

// Stats records what the most recent Assemble call did, for telemetry
// (statisticsmodule) and tests; it is not sent to the provider.
type Stats struct {
	PanelsInjected   int
	CacheHitPanels   int // longest common prefix vs. the previous call's panel order
	DetachedMessages int
	DroppedOrphans   int
}

// Assembler holds the cross-call state the assembly pipeline needs:
// the refresh pipeline and per-panel refresh functions, and the
// previous call's panel hash order for cache-cost tracking.
type Assembler struct {
	Pipeline      *cache.Pipeline
	Refreshers    map[string]cache.RefreshFunc // panel local id -> refresh function
	RefreshBudget time.Duration

	Profile  Profile
	ToolsFor func() []protocol.Tool // active modules' tool definitions, re-read each call

	lastPanelHashes []string
	LastAssembly    Stats
}

// New builds an Assembler. pipeline and refreshers may be nil/empty if
// no panel in this worker needs off-thread refresh (tests, or a
// worker with only always-fresh fixed panels).
func New(pipeline *cache.Pipeline, refreshers map[string]cache.RefreshFunc, profile Profile, toolsFor func() []protocol.Tool) *Assembler {
	if refreshers == nil {
		refreshers = map[string]cache.RefreshFunc{}
	}
	budget := DefaultRefreshBudget
	return &Assembler{
		Pipeline:      pipeline,
		Refreshers:    refreshers,
		RefreshBudget: budget,
		Profile:       profile,
		ToolsFor:      toolsFor,
	}
}

// Build implements stream.RequestBuilder: it runs the full assembly
// pipeline against ctx.Background() for the bounded panel-refresh
// wait. The main loop is single-threaded and cooperative (§5), so
// there is no concurrent second reader of Pipeline.Updates() while
// this runs — draining it synchronously here is safe, not a race.
func (a *Assembler) Build(st *state.State) (provider.Request, error) {
	return a.BuildWithContext(context.Background(), st)
}

// BuildWithContext is Build with an explicit context, so a caller that
// wants the refresh wait to also respect cancellation can pass one in.
func (a *Assembler) BuildWithContext(ctx context.Context, st *state.State) (provider.Request, error) {
	var stats Stats

	// Step 1: mark user-message notifications processed.
	st.MarkNotificationsProcessed(state.NotificationUserMessage)

	// Step 2: detach old chunks into a frozen conversation-history panel.
	stats.DetachedMessages = a.detach(st)

	// Step 3: refresh conversation token counts.
	a.refreshConversationTokens(st)

	// Step 4: refresh deprecated panels, bounded.
	a.refreshDeprecatedPanels(ctx, st)

	// Step 5: collect context items by panel.
	items := st.OpenPanels()

	// Step 6: sort by last_refresh_ms ascending (oldest/most stable first).
	sort.SliceStable(items, func(i, j int) bool { return items[i].LastRefreshMs < items[j].LastRefreshMs })

	// Step 7: track cache cost via ordered content-hash prefix match.
	stats.CacheHitPanels = a.trackCacheCost(items)
	stats.PanelsInjected = len(items)

	messages := a.buildMessages(st, items, &stats)

	a.LastAssembly = stats

	tools := []protocol.Tool{}
	if a.ToolsFor != nil {
		tools = a.ToolsFor()
	}

	return provider.Request{
		Model:       a.Profile.Model,
		MaxTokens:   a.Profile.MaxTokens,
		Temperature: a.Profile.Temperature,
		System:      a.Profile.SystemPrompt,
		Messages:    messages,
		Tools:       tools,
	}, nil
}

func (a *Assembler) refreshConversationTokens(st *state.State) {
	msgs := st.Messages()
	changed := false
	for i := range msgs {
		est := tokencount.EstimateMessageBudgeted(msgs[i].ToWire())
		if msgs[i].TokenEstimate != est {
			msgs[i].TokenEstimate = est
			changed = true
		}
	}
	if changed {
		st.ReplaceMessages(msgs)
	}
}

// detach finds the furthest-forward safe turn boundary (right after a
// complete assistant turn: a tool-result message, or an assistant
// message with no outstanding tool calls) such that both the detached
// chunk and the remaining live conversation meet their size minimums,
// then moves the chunk into a new frozen conversation-history panel.
// It reports how many messages were detached (0 if nothing moved).
func (a *Assembler) detach(st *state.State) int {
	msgs := st.Messages()

	var boundaries []int
	for i, m := range msgs {
		if m.Status == state.MessageToolResult {
			boundaries = append(boundaries, i+1)
			continue
		}
		if m.Status == state.MessageAssistant && len(m.ToolUse) == 0 {
			boundaries = append(boundaries, i+1)
		}
	}

	best := -1
	for _, b := range boundaries {
		live := msgs[b:]
		if len(live) >= KeepLiveMessages && totalTokens(live) >= KeepLiveTokens {
			best = b
		}
	}
	if best <= 0 {
		return 0
	}

	chunk := msgs[:best]
	if len(chunk) < CandidateChunkMessages || totalTokens(chunk) < CandidateChunkTokens {
		return 0
	}

	content := renderDetachedChunk(chunk)
	key := fmt.Sprintf("history-%s", chunk[len(chunk)-1].ID)
	e, _ := st.OpenPanel(key, panel.KindConversationHistory, "Conversation history through "+chunk[len(chunk)-1].ID)
	if e != nil {
		e.ApplyContent(content, tokencount.EstimateBudgeted(content))
	}

	st.ReplaceMessages(msgs[best:])
	return len(chunk)
}

func totalTokens(msgs []state.Message) int {
	total := 0
	for _, m := range msgs {
		if m.TokenEstimate > 0 {
			total += m.TokenEstimate
			continue
		}
		total += tokencount.EstimateMessageBudgeted(m.ToWire())
	}
	return total
}

func renderDetachedChunk(msgs []state.Message) string {
	var b []byte
	for _, m := range msgs {
		b = append(b, []byte(fmt.Sprintf("[%s] %s: %s\n", m.ID, m.Role, m.Content))...)
		for _, tu := range m.ToolUse {
			b = append(b, []byte(fmt.Sprintf("  tool_call %s(%s)\n", tu.Name, string(tu.Input)))...)
		}
		for _, tr := range m.ToolResults {
			b = append(b, []byte(fmt.Sprintf("  tool_result %s: %s\n", tr.ToolUseID, tr.Content))...)
		}
	}
	return string(b)
}

// refreshDeprecatedPanels submits every cache_deprecated panel with a
// registered refresher and waits up to RefreshBudget for them to
// complete; panels that don't finish in time keep their stale content
// (spec.md §4.7 step 4).
func (a *Assembler) refreshDeprecatedPanels(ctx context.Context, st *state.State) {
	if a.Pipeline == nil {
		return
	}
	ids := st.DeprecatedPanels()
	if len(ids) == 0 {
		return
	}

	pending := make(map[string]bool, len(ids))
	for _, id := range ids {
		fn, ok := a.Refreshers[id]
		if !ok {
			continue
		}
		pending[id] = true
		a.Pipeline.Submit(ctx, cache.Request{PanelID: id, Refresh: fn})
	}
	if len(pending) == 0 {
		return
	}

	budget := a.RefreshBudget
	if budget <= 0 {
		budget = DefaultRefreshBudget
	}
	timer := time.NewTimer(budget)
	defer timer.Stop()

	for len(pending) > 0 {
		select {
		case u := <-a.Pipeline.Updates():
			st.ApplyCacheUpdate(u.PanelID, u.Content, u.TokenCount, u.IsError)
			delete(pending, u.PanelID)
		case <-timer.C:
			return
		case <-ctx.Done():
			return
		}
	}
}

// trackCacheCost compares the current ordered panel content-hash list
// to the previous call's, returning the longest common prefix length
// (prefix-cache hits, per spec.md §4.7 step 7).
func (a *Assembler) trackCacheCost(items []*panel.Element) int {
	current := make([]string, len(items))
	for i, e := range items {
		current[i] = e.LocalID + ":" + e.ContentHash
	}

	hits := 0
	for hits < len(current) && hits < len(a.lastPanelHashes) && current[hits] == a.lastPanelHashes[hits] {
		hits++
	}
	a.lastPanelHashes = current
	return hits
}

const dynamicPanelTool = "dynamic_panel"

// buildMessages assembles the final neutral message list: panel
// injection, seed re-injection, the live conversation, and orphan
// tool-call dropping (spec.md §4.7 "Injection format" / "Seed
// re-injection" / "Orphan handling"). The Conversation panel kind
// itself is never part of items; the live messages are appended
// directly instead of being wrapped as a synthetic exchange.
func (a *Assembler) buildMessages(st *state.State, items []*panel.Element, stats *Stats) []protocol.Message {
	var out []protocol.Message
	out = append(out, panelExchanges(items)...)

	if a.Profile.ProviderFamily != "openai" && a.Profile.SystemPrompt != "" {
		out = append(out, seedReinjection(a.Profile.SystemPrompt)...)
	}

	conversation := dropOrphanToolCalls(st.Messages(), stats)
	for _, m := range conversation {
		out = append(out, m.ToWire())
	}

	// Step 8: filter empty messages.
	filtered := out[:0]
	for _, m := range out {
		if m.Content == "" && len(m.ToolUse) == 0 && len(m.ToolResults) == 0 {
			continue
		}
		filtered = append(filtered, m)
	}
	return filtered
}

func panelExchanges(items []*panel.Element) []protocol.Message {
	var out []protocol.Message
	for _, e := range items {
		if e.Kind == panel.KindConversation {
			continue
		}
		ts := time.Now().UTC().Format(time.RFC3339)
		callID := "panel_" + e.LocalID
		input, _ := json.Marshal(map[string]string{"id": e.LocalID})
		out = append(out, protocol.Message{
			Role:    "assistant",
			Content: fmt.Sprintf("Context panel %s (%s)\n%s", e.DisplayName, e.Kind, ts),
			ToolUse: []protocol.ToolUseBlock{{ID: callID, Name: dynamicPanelTool, Input: input}},
		})
		out = append(out, protocol.Message{
			Role: "user",
			ToolResults: []protocol.ToolResultBlock{{
				ToolUseID: callID,
				Content:   fmt.Sprintf("======= [%s] %s =======\n%s", e.LocalID, e.DisplayName, e.CachedContent),
			}},
		})
	}

	endInput, _ := json.Marshal(map[string]string{"action": "end_panels"})
	out = append(out, protocol.Message{
		Role:    "assistant",
		ToolUse: []protocol.ToolUseBlock{{ID: "panel_end", Name: dynamicPanelTool, Input: endInput}},
	})
	out = append(out, protocol.Message{
		Role:        "user",
		ToolResults: []protocol.ToolResultBlock{{ToolUseID: "panel_end", Content: "panels complete"}},
	})
	return out
}

func seedReinjection(systemPrompt string) []protocol.Message {
	return []protocol.Message{
		{Role: "user", Content: "System instructions (repeated for emphasis):\n\n" + systemPrompt},
		{Role: "assistant", Content: "Understood. I will follow these instructions."},
	}
}

// dropOrphanToolCalls removes any assistant tool call that has no
// matching tool result anywhere later in the conversation, to avoid
// provider-side shape errors (spec.md §4.7 "Orphan handling").
func dropOrphanToolCalls(msgs []state.Message, stats *Stats) []state.Message {
	resolved := make(map[string]bool)
	for _, m := range msgs {
		for _, tr := range m.ToolResults {
			resolved[tr.ToolUseID] = true
		}
	}

	out := make([]state.Message, len(msgs))
	copy(out, msgs)
	for i, m := range out {
		if len(m.ToolUse) == 0 {
			continue
		}
		kept := make([]protocol.ToolUseBlock, 0, len(m.ToolUse))
		for _, tu := range m.ToolUse {
			if resolved[tu.ID] {
				kept = append(kept, tu)
			} else {
				stats.DroppedOrphans++
			}
		}
		out[i].ToolUse = kept
	}
	return out
}
