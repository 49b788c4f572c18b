package state

import (
	"time"

	"github.com/contextpilot/contextpilot/internal/protocol"
)

// MessageStatus is the closed set of message lifecycle variants (§3).
type MessageStatus string

const (
	MessageUser       MessageStatus = "user"
	MessageAssistant  MessageStatus = "assistant"
	MessageToolCall   MessageStatus = "tool_call"
	MessageToolResult MessageStatus = "tool_result"
	MessageSummarized MessageStatus = "summarized"
	MessageDetached   MessageStatus = "detached"
	MessageDeleted    MessageStatus = "deleted"
)

// Message is the persisted, lifecycle-aware conversation entity.
// Messages are append-only in logical order; the only permitted
// mutations are status transitions (e.g. user -> summarized) applied
// through State's methods, never direct field writes from
// outside this package.
type Message struct {
	ID               string              `json:"id"`
	Status           MessageStatus       `json:"status"`
	Role             string              `json:"role"`
	Content          string              `json:"content"`
	ReasoningContent string              `json:"reasoning_content,omitempty"`
	ToolUse          []protocol.ToolUseBlock    `json:"tool_use,omitempty"`
	ToolResults      []protocol.ToolResultBlock `json:"tool_results,omitempty"`
	Model            string              `json:"model,omitempty"`
	CreatedAt        time.Time           `json:"created_at"`
	FinalizedAt       time.Time          `json:"finalized_at,omitempty"`
	TokenEstimate     int                `json:"token_estimate"`
	TlDr              string             `json:"tl_dr,omitempty"`
	DetachedIntoUid   string             `json:"detached_into_uid,omitempty"`
}

// ToWire converts a persisted Message into the provider-neutral wire
// format used to build a chat request.
func (m Message) ToWire() protocol.Message {
	content := m.Content
	if m.Status == MessageSummarized && m.TlDr != "" {
		content = m.TlDr
	}
	return protocol.Message{
		Role:             m.Role,
		Content:          content,
		ReasoningContent: m.ReasoningContent,
		ToolUse:          m.ToolUse,
		ToolResults:      m.ToolResults,
	}
}

// NotificationKind is the closed set of notification variants (§3).
type NotificationKind string

const (
	NotificationUserMessage     NotificationKind = "user_message"
	NotificationReloadResume    NotificationKind = "reload_resume"
	NotificationMaxTokens       NotificationKind = "max_tokens_truncated"
	NotificationTodosIncomplete NotificationKind = "todos_incomplete"
	NotificationCustom          NotificationKind = "custom"
)

// Notification is a timestamped event record the model sees via the
// spine/logs panels. Ids increase monotonically (invariant 7); at most
// 100 are retained (invariant 8/testable property 8).
type Notification struct {
	ID        string           `json:"id"` // "N1".."N.."
	Kind      NotificationKind `json:"kind"`
	Source    string           `json:"source"`
	Processed bool             `json:"processed"`
	Timestamp time.Time        `json:"timestamp"`
	Content   string           `json:"content"`
}

// MaxNotifications is the hard cap on stored notifications (invariant 7,
// testable property 8).
const MaxNotifications = 100

// MaxProcessedKeptAcrossSave bounds how many already-processed
// notifications survive a save cycle once the cap is exceeded.
const MaxProcessedKeptAcrossSave = 10

// StreamState is the closed set of states the streaming/tool-execution
// state machine occupies (§4.5).
type StreamState string

const (
	StreamIdle            StreamState = "idle"
	StreamBuildingPrompt   StreamState = "building_prompt"
	StreamStreaming       StreamState = "streaming"
	StreamAwaitingTools   StreamState = "awaiting_tools"
	StreamExecutingTools  StreamState = "executing_tools"
	StreamContinuing      StreamState = "continuing"
	StreamErrored         StreamState = "errored"
	StreamRetrying        StreamState = "retrying"
	StreamFinalizing      StreamState = "finalizing"
)

// PendingToolCall tracks a tool call emitted during the current stream
// that has not yet been resolved with a matching ToolResult.
type PendingToolCall struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Sentinel string `json:"sentinel,omitempty"` // non-empty while awaiting a blocking watcher
}
