package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/contextpilot/contextpilot/internal/cache"
	"github.com/contextpilot/contextpilot/internal/config"
	"github.com/contextpilot/contextpilot/internal/lock"
	"github.com/contextpilot/contextpilot/internal/module"
	"github.com/contextpilot/contextpilot/internal/module/callbacksmodule"
	"github.com/contextpilot/contextpilot/internal/module/consolemodule"
	"github.com/contextpilot/contextpilot/internal/module/conversationhistorymodule"
	"github.com/contextpilot/contextpilot/internal/module/fsmodule"
	"github.com/contextpilot/contextpilot/internal/module/githubmodule"
	"github.com/contextpilot/contextpilot/internal/module/gitmodule"
	"github.com/contextpilot/contextpilot/internal/module/librarymodule"
	"github.com/contextpilot/contextpilot/internal/module/logsmodule"
	"github.com/contextpilot/contextpilot/internal/module/mcpmodule"
	"github.com/contextpilot/contextpilot/internal/module/memorymodule"
	"github.com/contextpilot/contextpilot/internal/module/scratchpadmodule"
	"github.com/contextpilot/contextpilot/internal/module/spinemodule"
	"github.com/contextpilot/contextpilot/internal/module/statisticsmodule"
	"github.com/contextpilot/contextpilot/internal/module/todomodule"
	"github.com/contextpilot/contextpilot/internal/module/toolsmodule"
	"github.com/contextpilot/contextpilot/internal/panel"
	"github.com/contextpilot/contextpilot/internal/paths"
	"github.com/contextpilot/contextpilot/internal/permissions"
	"github.com/contextpilot/contextpilot/internal/persist"
	"github.com/contextpilot/contextpilot/internal/prompt"
	"github.com/contextpilot/contextpilot/internal/protocol"
	"github.com/contextpilot/contextpilot/internal/provider"
	"github.com/contextpilot/contextpilot/internal/spine"
	"github.com/contextpilot/contextpilot/internal/state"
	"github.com/contextpilot/contextpilot/internal/stream"
	"github.com/contextpilot/contextpilot/internal/tokencount"
	"github.com/contextpilot/contextpilot/internal/watch"
)

// fastTick is the pause settle takes between auto-continuation rounds.
// idleTick is not referenced anywhere: between turns the REPL blocks
// reading stdin rather than sleeping on an idle tick.
const (
	fastTick = 8 * time.Millisecond
	idleTick = 50 * time.Millisecond
)

// worker bundles every package the main loop drives for one worker. It
// is built once at startup and torn down on shutdown.
type worker struct {
	workspaceRoot string
	workerID      string

	st     *state.State
	lk     *lock.Lock
	global *config.Store[config.GlobalConfig]
	wcfg   *config.Store[config.WorkerConfig]
	writer *persist.Writer

	registry *module.Registry
	pipeline *cache.Pipeline
	assembler *prompt.Assembler
	engine   *stream.Engine
	checker  *spine.Checker
	fsWatch  *watch.FSWatcher
	periodic *watch.Registry

	gitMod     *gitmodule.Module
	fsMod      *fsmodule.Module
	githubMod  *githubmodule.Module
	consoleMod *consolemodule.Module
	callbacksMod *callbacksmodule.Module
	statsMod   *statisticsmodule.Module
	logsMod    *logsmodule.Module
	mcpMod     *mcpmodule.Module

	lastStrategy string
	readOnly     bool
}

func runWorker(ctx context.Context, workspaceRoot, workerID string) error {
	w, err := buildWorker(workspaceRoot, workerID)
	if err != nil {
		return err
	}
	defer w.shutdown()

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return w.runREPL(ctx)
}

func buildWorker(workspaceRoot, workerID string) (*worker, error) {
	lk, ok, err := lock.Acquire(workspaceRoot, workerID)
	if err != nil {
		return nil, fmt.Errorf("acquire worker lock: %w", err)
	}
	readOnly := !ok
	if readOnly {
		log.Printf("worker %s is already owned by another process; continuing read-only", workerID)
	}

	globalStore, err := config.OpenGlobal(workspaceRoot)
	if err != nil {
		return nil, fmt.Errorf("open global config: %w", err)
	}
	workerStore, err := config.OpenWorker(workspaceRoot, workerID)
	if err != nil {
		return nil, fmt.Errorf("open worker config: %w", err)
	}
	wcfg := workerStore.Get()

	st := state.New(workerID)
	if msgs, err := persist.LoadMessages(workspaceRoot, workerID); err != nil {
		log.Printf("persist: failed to load messages: %v", err)
	} else if len(msgs) > 0 {
		st.ReplaceMessages(msgs)
	}
	if panels, err := persist.LoadPanels(workspaceRoot, workerID); err != nil {
		log.Printf("persist: failed to load panels: %v", err)
	} else {
		for _, p := range panels {
			st.RestorePanel(p, rehydrationKey(p))
		}
	}

	logsMod := logsmodule.New()
	log.SetOutput(io.MultiWriter(os.Stderr, logsMod))

	gitMod := gitmodule.New(workspaceRoot)
	fsMod := fsmodule.New(workspaceRoot)
	githubMod := githubmodule.New(workspaceRoot)
	consoleMod, err := consolemodule.New(workspaceRoot, workerID)
	if err != nil {
		return nil, fmt.Errorf("start console daemon: %w", err)
	}
	callbacksMod := callbacksmodule.New(workspaceRoot, workerID)
	statsMod := statisticsmodule.New()
	mcpMod := mcpmodule.New()

	registry := module.NewRegistry(
		spinemodule.New(),
		gitMod,
		todomodule.New(),
		memorymodule.New(),
		logsMod,
		scratchpadmodule.New(),
		callbacksMod,
		statsMod,
		librarymodule.New(),
		toolsmodule.New(),
		fsMod,
		githubMod,
		consoleMod,
		mcpMod,
		conversationhistorymodule.New(),
	)

	active := make(map[string]bool, len(wcfg.ActiveModules))
	for _, id := range wcfg.ActiveModules {
		active[id] = true
	}
	for _, m := range registry.Modules() {
		if m.Global() || active[m.ID()] {
			if err := registry.Activate(m.ID(), st); err != nil {
				log.Printf("module: failed to activate %s: %v", m.ID(), err)
			}
		}
	}

	if err := mcpMod.LoadSettings(context.Background(), filepath.Join(paths.GetProjectRoot(workspaceRoot), "mcp_settings.json")); err != nil {
		log.Printf("mcp: failed to load settings: %v", err)
	}

	perms, err := permissions.Load(workspaceRoot)
	if err != nil {
		return nil, fmt.Errorf("load permissions overrides: %w", err)
	}
	registry.SetInvalidationOverrides(perms.InvalidationOverrides())

	pipeline := cache.New(cache.DefaultWorkers)

	checker := spine.NewChecker(limitsFrom(wcfg.GuardRails), spine.Settings{
		ContinueOnMaxTokens:    wcfg.ContinueOnMaxTok,
		ContinueUntilTodosDone: wcfg.ContinueOnTodos,
	})

	w := &worker{
		workspaceRoot: workspaceRoot,
		workerID:      workerID,
		st:            st,
		lk:            lk,
		global:        globalStore,
		wcfg:          workerStore,
		writer:        persist.New(workspaceRoot, workerID),
		registry:      registry,
		pipeline:      pipeline,
		checker:       checker,
		periodic:      watch.NewRegistry(),
		gitMod:        gitMod,
		fsMod:         fsMod,
		githubMod:     githubMod,
		consoleMod:    consoleMod,
		callbacksMod:  callbacksMod,
		statsMod:      statsMod,
		logsMod:       logsMod,
		mcpMod:        mcpMod,
		readOnly:      readOnly,
	}

	refreshers := map[string]cache.RefreshFunc{
		"P1": wrapRefresh(func(ctx context.Context) (string, error) { return spinemodule.Render(w.guardRailStatus()), nil }),
		"P2": wrapRefresh(gitMod.RefreshStatus),
		"P5": wrapRefresh(logsMod.Refresh),
		"P7": wrapRefresh(callbacksMod.Refresh),
		"P8": wrapRefresh(statsMod.Refresh),
		"P10": wrapRefresh(func(ctx context.Context) (string, error) {
			return toolsmodule.Render(perms.FilterTools(registry.ToolDefinitions(st.ActiveModules()))), nil
		}),
	}

	gcfg := globalStore.Get()
	client, err := newProviderClient(gcfg.Provider)
	if err != nil {
		return nil, err
	}

	w.assembler = prompt.New(pipeline, refreshers, prompt.Profile{
		Model:          gcfg.Model,
		MaxTokens:      4096,
		Temperature:    1.0,
		SystemPrompt:   buildSystemPrompt(workspaceRoot),
		ProviderFamily: providerFamily(gcfg.Provider),
	}, func() []protocol.Tool {
		return perms.FilterTools(registry.ToolDefinitions(st.ActiveModules()))
	})

	w.engine = stream.New(client, registry)
	w.engine.OnUsage = func(u stream.Usage) {
		cost := costUSD(gcfg.Model, u)
		checker.RecordStreamUsage(int64(u.OutputTokens), cost)
		statsMod.Record(int64(u.OutputTokens), cost)
		w.st.MarkCacheDeprecated("P8")
	}

	fw, err := watch.New(func(ev watch.Event) { w.onFSEvent(ev) })
	if err != nil {
		log.Printf("watch: failed to start filesystem watcher: %v", err)
	} else {
		if err := fw.AddRecursive(workspaceRoot); err != nil {
			log.Printf("watch: failed to register %s: %v", workspaceRoot, err)
		}
		w.fsWatch = fw
	}

	return w, nil
}

func newProviderClient(providerName string) (provider.Client, error) {
	apiKey, ok := config.APIKey(providerName)
	if !ok {
		return nil, fmt.Errorf("no API key configured for provider %q (set its environment variable)", providerName)
	}
	switch providerName {
	case "openai", "groq", "xai", "deepseek":
		return provider.NewOpenAIClient(apiKey, ""), nil
	default:
		return provider.NewAnthropicClient(apiKey), nil
	}
}

func providerFamily(name string) string {
	if name == "anthropic" {
		return "anthropic"
	}
	return "openai"
}

func limitsFrom(g config.GuardRailLimits) spine.Limits {
	var wall *time.Duration
	if g.MaxDurationSecs != nil {
		d := time.Duration(*g.MaxDurationSecs) * time.Second
		wall = &d
	}
	var maxMsgs *int
	if g.MaxMessages != nil {
		v := int(*g.MaxMessages)
		maxMsgs = &v
	}
	var maxContinues *int
	if g.MaxAutoRetries != nil {
		v := int(*g.MaxAutoRetries)
		maxContinues = &v
	}
	return spine.Limits{
		MaxOutputTokens:             g.MaxOutputTokens,
		MaxCumulativeCostUSD:        g.MaxCost,
		MaxStreamCostUSD:            g.MaxStreamCost,
		MaxWallClockSinceUser:       wall,
		MaxTotalMessages:            maxMsgs,
		MaxConsecutiveContinuations: maxContinues,
	}
}

func wrapRefresh(f func(ctx context.Context) (string, error)) cache.RefreshFunc {
	return func(ctx context.Context) (string, int, map[string]any, error) {
		content, err := f(ctx)
		if err != nil {
			return "", 0, nil, err
		}
		return content, tokencount.EstimateBudgeted(content), nil, nil
	}
}

func (w *worker) guardRailStatus() spinemodule.GuardRailStatus {
	outputTokens, costUSD, consecutive := w.checker.Status()
	return spinemodule.GuardRailStatus{
		CumulativeOutputTokens: outputTokens,
		MaxOutputTokens:        w.checker.Limits.MaxOutputTokens,
		CumulativeCostUSD:      costUSD,
		MaxCostUSD:             w.checker.Limits.MaxCumulativeCostUSD,
		ConsecutiveContinues:   consecutive,
		LastStrategy:           w.lastStrategy,
	}
}

// rehydrationKey best-effort reconstructs the stable key a persisted
// dynamic panel was opened under, so a later re-open of the same
// resource restores the same uid (invariant 5) rather than minting a
// new one. Console sessions carry their key in metadata; everything
// else falls back to kind+display-name, which matches the open-time key
// only for tree and glob panels. File panels display a base name, grep
// keys fold in a search path, and github, mcp and conversation-history
// keys carry ids the display name lacks, so a restored panel of those
// kinds is, on a later re-open, given a fresh uid instead of its old one.
func rehydrationKey(p *panel.Element) string {
	if key, ok := panel.Meta[string](p, "session_key"); ok {
		return "console:" + key
	}
	return string(p.Kind) + ":" + p.DisplayName
}

// onFSEvent marks every open panel whose content could be affected by a
// filesystem change as cache_deprecated, to be refreshed on the next
// prompt assembly (spec.md §4.2/§4.3).
func (w *worker) onFSEvent(ev watch.Event) {
	affected := map[panel.Kind]bool{
		panel.KindFile: true,
		panel.KindTree: true,
		panel.KindGlob: true,
		panel.KindGrep: true,
	}
	if ev.Kind == watch.GitMetaChanged {
		affected[panel.KindGit] = true
	}
	for _, e := range w.st.OpenPanels() {
		if affected[e.Kind] {
			w.st.MarkCacheDeprecated(e.LocalID)
		}
	}
}

// refresherFor builds the off-thread refresh closure for a dynamic
// panel from its kind and the metadata its owning module's Dispatch
// recorded when it opened the panel, bridging OpenPanel's
// cache_deprecated request to a concrete cache.RefreshFunc the
// assembler's static Refreshers map doesn't carry (fixed panels are
// the only ones with a local id stable enough to preregister).
func (w *worker) refresherFor(e *panel.Element) (cache.RefreshFunc, bool) {
	switch e.Kind {
	case panel.KindFile:
		path, ok := panel.Meta[string](e, "file_path")
		if !ok {
			return nil, false
		}
		return wrapRefresh(func(ctx context.Context) (string, error) { return w.fsMod.RefreshFile(path) }), true
	case panel.KindTree:
		path, ok := panel.Meta[string](e, "dir_path")
		if !ok {
			return nil, false
		}
		return wrapRefresh(func(ctx context.Context) (string, error) { return w.fsMod.RefreshTree(path) }), true
	case panel.KindGlob:
		pattern, ok := panel.Meta[string](e, "pattern")
		if !ok {
			return nil, false
		}
		return wrapRefresh(func(ctx context.Context) (string, error) { return w.fsMod.RefreshGlob(pattern) }), true
	case panel.KindGrep:
		pattern, ok := panel.Meta[string](e, "pattern")
		path, pathOK := panel.Meta[string](e, "path")
		if !ok || !pathOK {
			return nil, false
		}
		return wrapRefresh(func(ctx context.Context) (string, error) { return w.fsMod.RefreshGrep(ctx, pattern, path) }), true
	case panel.KindGitHub:
		number, ok := panel.Meta[int](e, "number")
		if !ok {
			return nil, false
		}
		return wrapRefresh(func(ctx context.Context) (string, error) { return w.githubMod.RefreshIssue(ctx, number) }), true
	case panel.KindGitHubResult:
		return wrapRefresh(w.githubMod.RefreshPRStatus), true
	case panel.KindConsole:
		key, ok := panel.Meta[string](e, "session_key")
		if !ok {
			return nil, false
		}
		return wrapRefresh(func(ctx context.Context) (string, error) { return w.consoleMod.RefreshConsole(key) }), true
	default:
		return nil, false
	}
}

// registerDynamicRefreshers is called before every prompt assembly and
// again after each turn, so any panel opened since the last call gets a
// refresher installed.
func (w *worker) registerDynamicRefreshers() {
	for _, id := range w.st.DeprecatedPanels() {
		if _, ok := w.assembler.Refreshers[id]; ok {
			continue
		}
		e := w.st.Panel(id)
		if e == nil {
			continue
		}
		if fn, ok := w.refresherFor(e); ok {
			w.assembler.Refreshers[id] = fn
		}
	}
}

// runREPL reads one user message at a time from stdin and drives the
// cooperative turn loop (build prompt -> stream -> dispatch tools ->
// spine -> maybe continue) until the worker settles back to idle,
// matching spec.md §5's single-threaded, never-block-on-I/O scheduling
// model for everything except the point where it is, by definition,
// waiting on the user.
func (w *worker) runREPL(ctx context.Context) error {
	fmt.Fprintln(os.Stderr, "contextpilot ready. Type a message and press enter (Ctrl-D to quit).")
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if w.readOnly {
			fmt.Fprintln(os.Stderr, "worker is read-only (another process owns it); message ignored")
			continue
		}

		w.st.AppendMessage(state.Message{ID: w.st.NextMessageID(), Status: state.MessageUser, Role: "user", Content: line})
		w.checker.RecordUserMessage(time.Now())
		w.markDirty()

		if err := w.settle(ctx); err != nil && ctx.Err() == nil {
			log.Printf("turn error: %v", err)
		}
	}
	return scanner.Err()
}

// settle drives RunTurn, then check_spine, until the spine reports Idle
// or Blocked, sleeping fastTick between rounds while anything is active
// and idleTick's worth of headroom is unnecessary since settle only
// runs while there is work to do.
func (w *worker) settle(ctx context.Context) error {
	build := func(st *state.State) (provider.Request, error) {
		w.registerDynamicRefreshers()
		return w.assembler.Build(st)
	}
	for {
		if err := w.engine.RunTurn(ctx, w.st, build); err != nil {
			return err
		}
		if last, ok := w.st.LastMessage(); ok && len(last.ToolUse) > 0 {
			for _, tu := range last.ToolUse {
				w.checker.RecordToolCall(tu.Name, tu.Input)
			}
		}
		w.runPendingCallbacks()
		w.drainCacheUpdates()
		w.pollWatchers()
		w.markDirty()

		decision := w.checker.Check(w.st, spine.CheckOptions{
			TodosComplete:         w.todosComplete(),
			MaxConversationTokens: w.contextBudgetTokens(),
			Now:                   time.Now(),
		})
		switch decision.Kind {
		case spine.DecisionContinue:
			w.lastStrategy = decision.Action.Strategy
			if !w.checker.Apply(w.st, decision) {
				return nil
			}
			time.Sleep(fastTick)
			continue
		case spine.DecisionBlocked:
			fmt.Fprintf(os.Stderr, "auto-continuation stopped: %s\n", decision.Reason)
			return nil
		default:
			return nil
		}
	}
}

func (w *worker) todosComplete() bool {
	e := w.st.Panel("P3")
	if e == nil {
		return true
	}
	return todomodule.AllComplete(e)
}

func (w *worker) contextBudgetTokens() int {
	return int(float64(w.assembler.Profile.MaxTokens) * 20) // rough conversation budget, proportional to one response's token ceiling
}

func (w *worker) drainCacheUpdates() {
	w.registerDynamicRefreshers()
	for {
		select {
		case u := <-w.pipeline.Updates():
			w.st.ApplyCacheUpdate(u.PanelID, u.Content, u.TokenCount, u.IsError)
		default:
			return
		}
	}
}

func (w *worker) pollWatchers() {
	blocking, async := w.periodic.Poll()
	for _, f := range blocking {
		w.st.AppendMessage(state.Message{
			ID:     w.st.NextMessageID(),
			Status: state.MessageToolResult,
			Role:   "user",
			ToolResults: []protocol.ToolResultBlock{
				{ToolUseID: f.Watcher.ToolUseID(), Content: f.Result.ToolResultContent, IsError: f.Result.IsError},
			},
		})
	}
	for _, f := range async {
		w.st.PushNotification(state.NotificationCustom, f.Watcher.Source(), f.Result.ToolResultContent)
	}
}

// runPendingCallbacks executes every registered callback script once
// and removes it, per callbacksmodule's "run once, later" contract.
func (w *worker) runPendingCallbacks() {
	scripts, err := w.callbacksMod.Pending()
	if err != nil {
		log.Printf("callbacks: failed to list pending scripts: %v", err)
		return
	}
	for _, path := range scripts {
		out, err := exec.Command("/bin/sh", path).CombinedOutput()
		if err != nil {
			log.Printf("callbacks: %s failed: %v\n%s", path, err, out)
		} else {
			log.Printf("callbacks: %s completed\n%s", path, out)
		}
		if err := w.callbacksMod.Remove(path); err != nil {
			log.Printf("callbacks: failed to remove %s: %v", path, err)
		}
	}
}

func (w *worker) markDirty() {
	if w.readOnly {
		return
	}
	w.writer.MarkDirty(persist.Snapshot{
		WorkerID: w.workerID,
		Messages: w.st.Messages(),
		Panels:   w.st.OpenPanels(),
	})
}

// shutdown flushes persistence with a bounded wait and releases the
// worker lock (spec.md §5: "signals the persistence writer to flush,
// Condvar with a 5-second timeout").
func (w *worker) shutdown() {
	if !w.readOnly {
		w.writer.Flush(5 * time.Second)
	}
	if w.fsWatch != nil {
		w.fsWatch.Close()
	}
	w.mcpMod.Close()
	if err := w.lk.Release(); err != nil {
		log.Printf("lock: failed to release: %v", err)
	}
}

func buildSystemPrompt(workspaceRoot string) string {
	return fmt.Sprintf(
		"You are an autonomous coding assistant working in %s. "+
			"Context about the project is provided through panels injected below; "+
			"trust cached panel content over your own memory of earlier turns.",
		workspaceRoot,
	)
}
