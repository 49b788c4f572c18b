// Package state owns the single aggregate object mutated by the main
// loop: panels, messages, notifications, watcher registry, and module
// activation for one worker. All mutation happens through State's
// methods; no other package writes these fields directly (§4.1, §5 "State is
// mutated only on the main thread").
package state

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/contextpilot/contextpilot/internal/panel"
)

// firstDynamicIndex is the lowest local-id sequence number available to
// dynamically-allocated panels; fixed panels are registered below it.
const firstDynamicIndex = 1000

// State is the single aggregate owned by the main loop for one worker.
type State struct {
	mu sync.Mutex

	WorkerID string

	panels      map[string]*panel.Element // by LocalID
	panelByUid  map[string]*panel.Element
	uidByKey    map[string]string // stable key (e.g. "file:src/a.go") -> uid, survives close/reopen
	freeLocalID []int
	nextSeq     int

	fixedOrder []string // LocalIDs of fixed panels, registration order

	messages      []Message
	notifications []Notification

	activeModules map[string]bool

	streamState StreamState
	pending     []PendingToolCall
}

// New creates an empty State for workerID.
func New(workerID string) *State {
	return &State{
		WorkerID:      workerID,
		panels:        make(map[string]*panel.Element),
		panelByUid:    make(map[string]*panel.Element),
		uidByKey:      make(map[string]string),
		nextSeq:       firstDynamicIndex,
		activeModules: make(map[string]bool),
		streamState:   StreamIdle,
	}
}

// ActionResult signals side effects the driver (main loop) must perform
// after a State method call: persistence, refresh requests, stream control.
type ActionResult struct {
	Persist          bool
	RequestRefresh   []string // panel LocalIDs needing a cache refresh
	StartStream      bool
	CancelStream     bool
	Warnings         []string
}

func (r *ActionResult) merge(other ActionResult) {
	r.Persist = r.Persist || other.Persist
	r.RequestRefresh = append(r.RequestRefresh, other.RequestRefresh...)
	r.StartStream = r.StartStream || other.StartStream
	r.CancelStream = r.CancelStream || other.CancelStream
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// --- Fixed panels -----------------------------------------------------

// RegisterFixedPanel creates a fixed panel under the caller-chosen
// stable local id (never reused, never freed). Fixed panels
// are never deleted (invariant 6); calling this twice for the same
// localID is a no-op that returns the existing element.
func (s *State) RegisterFixedPanel(localID string, kind panel.Kind, name string) *panel.Element {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.panels[localID]; ok {
		return e
	}
	e := &panel.Element{
		LocalID:     localID,
		Uid:         "fixed:" + localID,
		Kind:        kind,
		DisplayName: name,
		Open:        true,
	}
	s.panels[localID] = e
	s.panelByUid[e.Uid] = e
	s.fixedOrder = append(s.fixedOrder, localID)
	return e
}

// --- Dynamic panels -----------------------------------------------------

// OpenPanel allocates or restores a dynamic panel for a stable key
// (e.g. "file:src/a.go"). If a panel for key was previously opened and
// closed in this worker's lifetime, the same uid is restored (invariant
// 5 / testable property 5); a fresh local id is always assigned.
func (s *State) OpenPanel(key string, kind panel.Kind, name string) (*panel.Element, ActionResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	uid, existed := s.uidByKey[key]
	if !existed {
		uid = uuid.New().String()
		s.uidByKey[key] = uid
	}

	localID := s.allocLocalID()
	e := &panel.Element{
		LocalID:         localID,
		Uid:             uid,
		Kind:            kind,
		DisplayName:     name,
		Open:            true,
		CacheDeprecated: true,
	}
	s.panels[localID] = e
	s.panelByUid[uid] = e

	return e, ActionResult{Persist: true, RequestRefresh: []string{localID}}
}

// RestorePanel reinserts a dynamic panel loaded from disk at startup,
// preserving its persisted uid and re-deriving the key->uid mapping so a
// later OpenPanel for the same stable key restores this same uid
// (invariant 5) instead of minting a new one. A fresh local id is
// assigned since local ids are never persisted across restarts.
func (s *State) RestorePanel(e *panel.Element, key string) *panel.Element {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uidByKey[key] = e.Uid
	e.LocalID = s.allocLocalID()
	s.panels[e.LocalID] = e
	s.panelByUid[e.Uid] = e
	return e
}

func (s *State) allocLocalID() string {
	if n := len(s.freeLocalID); n > 0 {
		id := s.freeLocalID[n-1]
		s.freeLocalID = s.freeLocalID[:n-1]
		return fmt.Sprintf("P%d", id)
	}
	id := s.nextSeq
	s.nextSeq++
	return fmt.Sprintf("P%d", id)
}

// ClosePanel removes a dynamic panel by uid. Fixed panels (uid prefixed
// "fixed:") cannot be closed (invariant 6). The local id is freed for
// reuse; the uid is never reused for a different key.
func (s *State) ClosePanel(uid string) ActionResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.panelByUid[uid]
	if !ok {
		return ActionResult{Warnings: []string{"close_panel: unknown uid " + uid}}
	}
	if e.LocalID == "" || isFixedUid(uid) {
		return ActionResult{Warnings: []string{"close_panel: refusing to close fixed panel " + uid}}
	}

	delete(s.panels, e.LocalID)
	delete(s.panelByUid, uid)

	var seq int
	if _, err := fmt.Sscanf(e.LocalID, "P%d", &seq); err == nil {
		s.freeLocalID = append(s.freeLocalID, seq)
	}

	return ActionResult{Persist: true}
}

func isFixedUid(uid string) bool {
	return len(uid) >= 6 && uid[:6] == "fixed:"
}

// SetPanelOpen toggles a panel's visibility without freeing its local
// id or uid. Deactivating a module closes-but-does-not-delete its fixed
// panels (§4.4); reactivating reopens them in place.
func (s *State) SetPanelOpen(localID string, open bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.panels[localID]; ok {
		e.Open = open
	}
}

// MarkCacheDeprecated flips a panel's flag and is idempotent.
func (s *State) MarkCacheDeprecated(localID string) ActionResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.panels[localID]
	if !ok {
		return ActionResult{}
	}
	e.CacheDeprecated = true
	return ActionResult{RequestRefresh: []string{localID}}
}

// ApplyCacheUpdate applies a refresh result to a panel. When the content
// hash matches, only LastRefreshMs/CacheDeprecated move and Persist is false.
func (s *State) ApplyCacheUpdate(localID, content string, tokenCount int, isError bool) ActionResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.panels[localID]
	if !ok {
		return ActionResult{Warnings: []string{"cache update for unknown panel " + localID}}
	}
	if isError {
		e.CacheDeprecated = false
		e.SetMeta("is_error", true)
		e.CachedContent = content
		return ActionResult{Persist: true}
	}
	e.SetMeta("is_error", false)
	changed := e.ApplyContent(content, tokenCount)
	return ActionResult{Persist: changed}
}

// Panel returns the panel registered under localID, or nil.
func (s *State) Panel(localID string) *panel.Element {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.panels[localID]
}

// PanelByUid returns the panel registered under uid, or nil.
func (s *State) PanelByUid(uid string) *panel.Element {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.panelByUid[uid]
}

// OpenPanels returns every open panel, fixed panels first in
// registration order, then dynamic panels sorted by LocalID.
func (s *State) OpenPanels() []*panel.Element {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*panel.Element, 0, len(s.panels))
	seen := make(map[string]bool)
	for _, id := range s.fixedOrder {
		if e := s.panels[id]; e != nil && e.Open {
			out = append(out, e)
			seen[id] = true
		}
	}
	var dynamic []*panel.Element
	for id, e := range s.panels {
		if seen[id] || !e.Open {
			continue
		}
		dynamic = append(dynamic, e)
	}
	sort.Slice(dynamic, func(i, j int) bool { return dynamic[i].LocalID < dynamic[j].LocalID })
	return append(out, dynamic...)
}

// DeprecatedPanels returns the LocalIDs of every open panel with
// CacheDeprecated set.
func (s *State) DeprecatedPanels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, e := range s.panels {
		if e.Open && e.CacheDeprecated {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// --- Messages -----------------------------------------------------------

// NextMessageID returns a new, zero-padded sequential message id so that
// persisted message files sort lexically in append order.
func (s *State) NextMessageID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := fmt.Sprintf("m%08d", len(s.messages)+1)
	return id
}

// AppendMessage appends a message in logical order.
func (s *State) AppendMessage(m Message) ActionResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, m)
	return ActionResult{Persist: true}
}

// Messages returns a copy of the live message slice.
func (s *State) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// ReplaceMessages overwrites the live message slice (used by detachment,
// which moves a prefix into a frozen history panel).
func (s *State) ReplaceMessages(msgs []Message) ActionResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = msgs
	return ActionResult{Persist: true}
}

// LastMessage returns the last message and true, or zero value and false.
func (s *State) LastMessage() (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.messages) == 0 {
		return Message{}, false
	}
	return s.messages[len(s.messages)-1], true
}

// --- Notifications -------------------------------------------------------

var notificationSeq int

// PushNotification appends a notification, enforcing the 100-item cap
// (testable property 8) by pruning oldest processed notifications first.
func (s *State) PushNotification(kind NotificationKind, source, content string) ActionResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	notificationSeq++
	n := Notification{
		ID:        fmt.Sprintf("N%d", notificationSeq),
		Kind:      kind,
		Source:    source,
		Content:   content,
		Timestamp: time.Now(),
	}
	s.notifications = append(s.notifications, n)
	s.pruneNotificationsLocked()
	return ActionResult{Persist: true}
}

func (s *State) pruneNotificationsLocked() {
	if len(s.notifications) <= MaxNotifications {
		return
	}
	// Drop oldest processed first, keeping at most
	// MaxProcessedKeptAcrossSave of them.
	processed := 0
	for _, n := range s.notifications {
		if n.Processed {
			processed++
		}
	}
	drop := processed - MaxProcessedKeptAcrossSave
	kept := s.notifications[:0]
	for _, n := range s.notifications {
		if n.Processed && drop > 0 {
			drop--
			continue
		}
		kept = append(kept, n)
	}
	if len(kept) > MaxNotifications {
		kept = kept[len(kept)-MaxNotifications:]
	}
	s.notifications = kept
}

// Notifications returns a copy of stored notifications.
func (s *State) Notifications() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Notification, len(s.notifications))
	copy(out, s.notifications)
	return out
}

// MarkNotificationsProcessed marks all unprocessed notifications of kind
// (or all kinds if kind == "") as processed.
func (s *State) MarkNotificationsProcessed(kind NotificationKind) ActionResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := false
	for i := range s.notifications {
		if s.notifications[i].Processed {
			continue
		}
		if kind != "" && s.notifications[i].Kind != kind {
			continue
		}
		s.notifications[i].Processed = true
		changed = true
	}
	return ActionResult{Persist: changed}
}

// UnprocessedNotifications returns notifications not yet marked processed.
func (s *State) UnprocessedNotifications() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Notification
	for _, n := range s.notifications {
		if !n.Processed {
			out = append(out, n)
		}
	}
	return out
}

// --- Modules --------------------------------------------------------------

// ToggleModule activates or deactivates a module id.
func (s *State) ToggleModule(id string, active bool) ActionResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeModules[id] = active
	return ActionResult{Persist: true}
}

// IsModuleActive reports whether id is active.
func (s *State) IsModuleActive(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeModules[id]
}

// ActiveModules returns the set of active module ids.
func (s *State) ActiveModules() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id, on := range s.activeModules {
		if on {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// --- Stream state -----------------------------------------------------------

// BeginStream transitions to Streaming; returns an error if a stream is
// already active (invariant 4: at most one assistant stream per worker).
func (s *State) BeginStream() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.streamState != StreamIdle && s.streamState != StreamErrored && s.streamState != StreamFinalizing {
		return fmt.Errorf("cannot begin stream: worker %s is in state %s", s.WorkerID, s.streamState)
	}
	s.streamState = StreamStreaming
	s.pending = nil
	return nil
}

// SetStreamState transitions unconditionally (used by the engine, which
// owns the legal-transition table).
func (s *State) SetStreamState(st StreamState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streamState = st
}

// StreamState returns the current state.
func (s *State) StreamState() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamState
}

// IsStreaming reports whether a stream is active in any non-idle,
// non-terminal state (used by the spine: "if streaming: return Idle").
func (s *State) IsStreaming() bool {
	st := s.StreamState()
	return st != StreamIdle && st != StreamErrored && st != StreamFinalizing
}

// SetPendingToolCalls records the set of tool calls awaiting results.
func (s *State) SetPendingToolCalls(p []PendingToolCall) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = p
}

// PendingToolCalls returns the tool calls awaiting results.
func (s *State) PendingToolCalls() []PendingToolCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PendingToolCall, len(s.pending))
	copy(out, s.pending)
	return out
}
