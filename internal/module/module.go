// Package module declares the Module Registry (§4.4): modules declare
// tools, fixed/dynamic panel kinds, dependencies, and panel factories;
// the registry aggregates their metadata and owns dispatch.
package module

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/contextpilot/contextpilot/internal/panel"
	"github.com/contextpilot/contextpilot/internal/protocol"
	"github.com/contextpilot/contextpilot/internal/state"
)

// FixedPanelSpec names one of a module's always-present panels.
type FixedPanelSpec struct {
	LocalID     string // stable across the process, e.g. "P1"
	Kind        panel.Kind
	DisplayName string
	Order       int
}

// InvalidationRule is one row of a module's static mutating-command ->
// invalidation table (§4.2 "Mutation-driven invalidation", §9 "Module-
// declared invalidation tables").
type InvalidationRule struct {
	ToolName       string   // tool that, on success, triggers this rule
	CommandRegexes []string // optional: only match when tool input's "command" matches one of these; empty means always
	InvalidateKinds []panel.Kind
}

// Module is one unit registered with the Registry.
type Module interface {
	ID() string
	Name() string
	Global() bool // global == shared across workers, else per-worker
	Dependencies() []string

	FixedPanels() []FixedPanelSpec
	DynamicPanelKinds() []panel.Kind
	KindMetadata() []panel.KindMetadata

	ToolDefinitions() []protocol.Tool
	Dispatch(ctx context.Context, call protocol.ToolUseBlock, st *state.State) protocol.ToolResultBlock

	InvalidationTable() []InvalidationRule
}

// Registry is the single global registry built once at startup.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]Module
	meta    map[panel.Kind]panel.KindMetadata
	toolOwner map[string]string // tool name -> module id

	overrides map[string][]panel.Kind // tool name -> extra kinds to invalidate, from internal/permissions
}

// SetInvalidationOverrides installs the operator-editable invalidation
// overrides loaded by internal/permissions. They supplement, rather
// than replace, each module's own InvalidationTable.
func (r *Registry) SetInvalidationOverrides(overrides map[string][]panel.Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides = overrides
}

// NewRegistry builds the registry by calling each module's
// KindMetadata(), per §4.4 "Startup".
func NewRegistry(modules ...Module) *Registry {
	r := &Registry{
		modules:   make(map[string]Module),
		meta:      make(map[panel.Kind]panel.KindMetadata),
		toolOwner: make(map[string]string),
	}
	seenLocalID := make(map[string]string)
	for _, m := range modules {
		r.modules[m.ID()] = m
		for _, km := range m.KindMetadata() {
			r.meta[km.Kind] = km
		}
		for _, t := range m.ToolDefinitions() {
			r.toolOwner[t.Name] = m.ID()
		}
		for _, fp := range m.FixedPanels() {
			if owner, ok := seenLocalID[fp.LocalID]; ok {
				panic(fmt.Sprintf("module: fixed panel local id %q registered by both %q and %q", fp.LocalID, owner, m.ID()))
			}
			seenLocalID[fp.LocalID] = m.ID()
		}
	}
	return r
}

// IsFixed, NeedsCache, Icon, FixedOrder are the registry's O(1) lookups.
func (r *Registry) IsFixed(k panel.Kind) bool      { return r.meta[k].Fixed }
func (r *Registry) NeedsCache(k panel.Kind) bool   { return r.meta[k].NeedsCache }
func (r *Registry) Icon(k panel.Kind) string       { return r.meta[k].Icon }
func (r *Registry) FixedOrder(k panel.Kind) int    { return r.meta[k].FixedOrder }

// Module returns a registered module by id.
func (r *Registry) Module(id string) (Module, bool) {
	m, ok := r.modules[id]
	return m, ok
}

// Modules returns every registered module, sorted by id.
func (r *Registry) Modules() []Module {
	ids := make([]string, 0, len(r.modules))
	for id := range r.modules {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]Module, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.modules[id])
	}
	return out
}

// Activate turns a module on for a worker: validates its dependencies
// are active (activating them too), and lazily creates its fixed panels
// if absent.
func (r *Registry) Activate(id string, st *state.State) error {
	m, ok := r.modules[id]
	if !ok {
		return fmt.Errorf("unknown module %q", id)
	}
	for _, dep := range m.Dependencies() {
		if !st.IsModuleActive(dep) {
			if err := r.Activate(dep, st); err != nil {
				return fmt.Errorf("activating dependency %q of %q: %w", dep, id, err)
			}
		}
	}
	for _, fp := range m.FixedPanels() {
		if st.Panel(fp.LocalID) == nil {
			p := st.RegisterFixedPanel(fp.LocalID, fp.Kind, fp.DisplayName)
			p.CacheDeprecated = r.NeedsCache(fp.Kind)
		} else {
			st.SetPanelOpen(fp.LocalID, true)
		}
	}
	st.ToggleModule(id, true)
	return nil
}

// Deactivate turns a module off, refusing if another active module
// depends on it. Its fixed panels are closed-but-not-deleted.
func (r *Registry) Deactivate(id string, st *state.State) error {
	for _, other := range r.modules {
		if !st.IsModuleActive(other.ID()) || other.ID() == id {
			continue
		}
		for _, dep := range other.Dependencies() {
			if dep == id {
				return fmt.Errorf("cannot deactivate %q: %q depends on it", id, other.ID())
			}
		}
	}
	m, ok := r.modules[id]
	if !ok {
		return fmt.Errorf("unknown module %q", id)
	}
	for _, fp := range m.FixedPanels() {
		st.SetPanelOpen(fp.LocalID, false)
	}
	st.ToggleModule(id, false)
	return nil
}

// ToolDefinitions returns the tool definitions visible given the set of
// active module ids.
func (r *Registry) ToolDefinitions(activeModules []string) []protocol.Tool {
	active := make(map[string]bool, len(activeModules))
	for _, id := range activeModules {
		active[id] = true
	}
	var out []protocol.Tool
	for _, m := range r.Modules() {
		if m.Global() || active[m.ID()] {
			out = append(out, m.ToolDefinitions()...)
		}
	}
	return out
}

// Dispatch routes a tool call to its owning module and applies that
// module's invalidation table on success (§4.2).
func (r *Registry) Dispatch(ctx context.Context, call protocol.ToolUseBlock, st *state.State) protocol.ToolResultBlock {
	ownerID, ok := r.toolOwner[call.Name]
	if !ok {
		// Tools a module only exposes after NewRegistry (MCP servers
		// connect later) are absent from toolOwner; look them up live.
		for _, m := range r.Modules() {
			for _, t := range m.ToolDefinitions() {
				if t.Name == call.Name {
					ownerID, ok = m.ID(), true
				}
			}
		}
	}
	if !ok {
		return protocol.ToolResultBlock{ToolUseID: call.ID, IsError: true, Content: fmt.Sprintf("unknown tool %q", call.Name)}
	}
	m := r.modules[ownerID]
	result := m.Dispatch(ctx, call, st)
	if !result.IsError {
		r.applyInvalidation(m, call, st)
	}
	return result
}

func (r *Registry) applyInvalidation(m Module, call protocol.ToolUseBlock, st *state.State) {
	matched := false
	for _, rule := range m.InvalidationTable() {
		if rule.ToolName != call.Name {
			continue
		}
		if len(rule.CommandRegexes) == 0 || matchesAny(call.Input, rule.CommandRegexes) {
			matched = true
			for _, e := range st.OpenPanels() {
				for _, k := range rule.InvalidateKinds {
					if e.Kind == k {
						st.MarkCacheDeprecated(e.LocalID)
					}
				}
			}
		}
	}
	if !matched {
		// Fall back to blanket invalidation of this module's dynamic panel
		// kinds (§4.2: "For unknown mutating commands... fall back to
		// blanket invalidation for that module's dynamic panel kinds").
		for _, e := range st.OpenPanels() {
			for _, k := range m.DynamicPanelKinds() {
				if e.Kind == k {
					st.MarkCacheDeprecated(e.LocalID)
				}
			}
		}
	}
	for _, k := range r.overrides[call.Name] {
		for _, e := range st.OpenPanels() {
			if e.Kind == k {
				st.MarkCacheDeprecated(e.LocalID)
			}
		}
	}
}
