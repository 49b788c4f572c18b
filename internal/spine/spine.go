// Package spine implements check_spine (spec.md §4.6): after every
// stream and tool-result round, decide whether the worker should keep
// going on its own, sit idle, or stop because a guard rail tripped.
package spine

import (
	"crypto/md5"
	"fmt"
	"strings"
	"time"

	"github.com/contextpilot/contextpilot/internal/state"
)

// ActionKind distinguishes how a Continue decision is applied.
type ActionKind int

const (
	ActionRelaunch ActionKind = iota
	ActionSyntheticMessage
)

// Action is the continuation check_spine decided on, before guard
// rails are consulted.
type Action struct {
	Kind     ActionKind
	Content  string // set only for ActionSyntheticMessage
	Strategy string // "notifications", "max_tokens", "todos_incomplete"
}

// DecisionKind is the closed set of outcomes check_spine returns.
type DecisionKind int

const (
	DecisionIdle DecisionKind = iota
	DecisionContinue
	DecisionBlocked
)

// Decision is check_spine's return value.
type Decision struct {
	Kind   DecisionKind
	Action Action
	Reason string // set only for DecisionBlocked
}

// Settings are the per-worker toggles the auto-continuation strategies
// consult ("if the worker enables this").
type Settings struct {
	ContinueOnMaxTokens    bool
	ContinueUntilTodosDone bool
}

// Limits are the nullable guard-rail thresholds; a nil field disables
// that rail (spec.md §4.6: "all limits are nullable, disabled by default").
type Limits struct {
	MaxOutputTokens             *int64
	MaxCumulativeCostUSD        *float64
	MaxStreamCostUSD            *float64
	MaxWallClockSinceUser       *time.Duration
	MaxTotalMessages            *int
	MaxConsecutiveContinuations *int

	// LoopDetectorThreshold is the number of identical tool+args
	// signatures in a row that blocks continuation. 0 uses the
	// teacher's default of 3. This rail is a supplement recovering
	// the teacher's agent.LoopDetector; it is still nullable via a
	// negative value.
	LoopDetectorThreshold int
}

const defaultLoopDetectorThreshold = 3

// ContextThresholdFraction is the conversation-token fraction past
// which update_context_threshold_notification_if_crossed fires its
// one-shot notification.
const ContextThresholdFraction = 0.8

// Checker accumulates the running counters the guard rails compare
// against and evaluates one check_spine call at a time. It is not
// safe for concurrent use; the main loop owns it single-threaded.
type Checker struct {
	Limits   Limits
	Settings Settings

	cumulativeOutputTokens   int64
	cumulativeCostUSD        float64
	streamCostUSD            float64
	lastUserMessageAt        time.Time
	consecutiveContinues     int
	contextThresholdNotified bool

	toolSignatures []string // most-recent-last window for the loop detector
}

// NewChecker builds a Checker with the given limits and settings.
func NewChecker(limits Limits, settings Settings) *Checker {
	return &Checker{Limits: limits, Settings: settings}
}

// RecordUserMessage resets every counter that restarts when the user
// sends a message (spec.md §4.6: "all counters reset when the user
// sends a message").
func (c *Checker) RecordUserMessage(now time.Time) {
	c.cumulativeOutputTokens = 0
	c.cumulativeCostUSD = 0
	c.streamCostUSD = 0
	c.consecutiveContinues = 0
	c.toolSignatures = nil
	c.lastUserMessageAt = now
}

// RecordStreamUsage folds a finished stream's usage into the running
// totals the output-token and cost guard rails compare against.
func (c *Checker) RecordStreamUsage(outputTokens int64, costUSD float64) {
	c.cumulativeOutputTokens += outputTokens
	c.cumulativeCostUSD += costUSD
	c.streamCostUSD = costUSD
}

// RecordToolCall feeds the loop-detector guard rail, recovered from the
// teacher's agent.LoopDetector: three identical name+args signatures in
// a row blocks further auto-continuation.
func (c *Checker) RecordToolCall(name string, args []byte) {
	sig := fmt.Sprintf("%s:%x", name, md5.Sum(args))
	c.toolSignatures = append(c.toolSignatures, sig)
	if len(c.toolSignatures) > 5 {
		c.toolSignatures = c.toolSignatures[len(c.toolSignatures)-5:]
	}
}

func (c *Checker) loopDetected() bool {
	n := c.Limits.LoopDetectorThreshold
	if n == 0 {
		n = defaultLoopDetectorThreshold
	}
	if n < 0 || len(c.toolSignatures) < n {
		return false
	}
	last := c.toolSignatures[len(c.toolSignatures)-1]
	count := 0
	for i := len(c.toolSignatures) - 1; i >= 0 && c.toolSignatures[i] == last; i-- {
		count++
	}
	return count >= n
}

// CheckOptions carries the inputs check_spine needs that don't belong
// on state.State itself: the caller computes them (e.g. todomodule.AllComplete
// against the todo panel) so this package stays decoupled from the
// module registry.
type CheckOptions struct {
	TodosComplete         bool
	MaxConversationTokens int // 0 disables the context-threshold notification
	Now                   time.Time
}

// Check runs check_spine(state) -> SpineDecision.
func (c *Checker) Check(st *state.State, opts CheckOptions) Decision {
	if st.IsStreaming() {
		return Decision{Kind: DecisionIdle}
	}

	c.notifyContextThresholdIfCrossed(st, opts.MaxConversationTokens)

	action, ok := c.firstMatchingStrategy(st, opts)
	if !ok {
		return Decision{Kind: DecisionIdle}
	}

	if reason, blocked := c.checkGuardRails(opts.Now, len(st.Messages())); blocked {
		st.PushNotification(state.NotificationCustom, "spine", "auto-continuation blocked: "+reason)
		return Decision{Kind: DecisionBlocked, Reason: reason}
	}

	return Decision{Kind: DecisionContinue, Action: action}
}

// Apply carries out a Continue decision: pushing a synthetic user
// message when the strategy produced one, marking the notifications it
// consumed as processed, and bumping the consecutive-continuation
// counter. It reports whether the caller should begin a stream.
func (c *Checker) Apply(st *state.State, d Decision) bool {
	if d.Kind != DecisionContinue {
		return false
	}
	c.consecutiveContinues++

	if d.Action.Kind == ActionSyntheticMessage {
		st.AppendMessage(state.Message{
			ID:      st.NextMessageID(),
			Status:  state.MessageUser,
			Role:    "user",
			Content: d.Action.Content,
		})
	}

	switch d.Action.Strategy {
	case "notifications":
		st.MarkNotificationsProcessed("")
	case "max_tokens":
		st.MarkNotificationsProcessed(state.NotificationMaxTokens)
	}
	return true
}

func (c *Checker) notifyContextThresholdIfCrossed(st *state.State, maxConversationTokens int) {
	if maxConversationTokens <= 0 {
		return
	}
	var total int
	for _, m := range st.Messages() {
		total += m.TokenEstimate
	}
	crossed := float64(total) >= ContextThresholdFraction*float64(maxConversationTokens)
	if crossed && !c.contextThresholdNotified {
		st.PushNotification(state.NotificationCustom, "spine", fmt.Sprintf(
			"conversation has used %d%% of the context budget (%d/%d tokens)",
			int(ContextThresholdFraction*100), total, maxConversationTokens))
		c.contextThresholdNotified = true
	} else if !crossed {
		c.contextThresholdNotified = false
	}
}

func (c *Checker) firstMatchingStrategy(st *state.State, opts CheckOptions) (Action, bool) {
	if action, ok := c.notificationsStrategy(st); ok {
		return action, true
	}
	if action, ok := c.maxTokensStrategy(st); ok {
		return action, true
	}
	if action, ok := c.todosIncompleteStrategy(opts); ok {
		return action, true
	}
	return Action{}, false
}

// notificationsStrategy handles every unprocessed notification kind
// except the two with their own dedicated strategies below.
func (c *Checker) notificationsStrategy(st *state.State) (Action, bool) {
	var relevant []state.Notification
	for _, n := range st.UnprocessedNotifications() {
		if n.Kind == state.NotificationMaxTokens || n.Kind == state.NotificationTodosIncomplete {
			continue
		}
		relevant = append(relevant, n)
	}
	if len(relevant) == 0 {
		return Action{}, false
	}
	if last, ok := st.LastMessage(); ok && last.Role == "user" {
		return Action{Kind: ActionRelaunch, Strategy: "notifications"}, true
	}
	var b strings.Builder
	for i, n := range relevant {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(n.Content)
	}
	return Action{Kind: ActionSyntheticMessage, Content: b.String(), Strategy: "notifications"}, true
}

func (c *Checker) maxTokensStrategy(st *state.State) (Action, bool) {
	if !c.Settings.ContinueOnMaxTokens {
		return Action{}, false
	}
	for _, n := range st.UnprocessedNotifications() {
		if n.Kind == state.NotificationMaxTokens {
			return Action{Kind: ActionRelaunch, Strategy: "max_tokens"}, true
		}
	}
	return Action{}, false
}

func (c *Checker) todosIncompleteStrategy(opts CheckOptions) (Action, bool) {
	if !c.Settings.ContinueUntilTodosDone || opts.TodosComplete {
		return Action{}, false
	}
	return Action{
		Kind:     ActionSyntheticMessage,
		Content:  "Some todo items are still pending. Continue working through the list.",
		Strategy: "todos_incomplete",
	}, true
}

func (c *Checker) checkGuardRails(now time.Time, totalMessages int) (string, bool) {
	if l := c.Limits.MaxOutputTokens; l != nil && c.cumulativeOutputTokens >= *l {
		return "cumulative output tokens limit reached", true
	}
	if l := c.Limits.MaxCumulativeCostUSD; l != nil && c.cumulativeCostUSD >= *l {
		return "cumulative cost limit reached", true
	}
	if l := c.Limits.MaxStreamCostUSD; l != nil && c.streamCostUSD >= *l {
		return "single stream cost limit reached", true
	}
	if l := c.Limits.MaxWallClockSinceUser; l != nil && !c.lastUserMessageAt.IsZero() && now.Sub(c.lastUserMessageAt) >= *l {
		return "wall-clock duration since the last user message exceeded", true
	}
	if l := c.Limits.MaxTotalMessages; l != nil && totalMessages >= *l {
		return "total message count limit reached", true
	}
	if l := c.Limits.MaxConsecutiveContinuations; l != nil && c.consecutiveContinues >= *l {
		return "consecutive auto-continuation limit reached", true
	}
	if c.loopDetected() {
		return "identical tool call repeated too many times in a row", true
	}
	return "", false
}

// Status reports the subset of counters worth rendering into the fixed
// spine panel (see internal/module/spinemodule.GuardRailStatus).
func (c *Checker) Status() (outputTokens int64, costUSD float64, consecutiveContinues int) {
	return c.cumulativeOutputTokens, c.cumulativeCostUSD, c.consecutiveContinues
}
