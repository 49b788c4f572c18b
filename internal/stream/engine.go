package stream

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/contextpilot/contextpilot/internal/module"
	"github.com/contextpilot/contextpilot/internal/protocol"
	"github.com/contextpilot/contextpilot/internal/provider"
	"github.com/contextpilot/contextpilot/internal/state"
)

// RequestBuilder produces the next provider request to send, given the
// current state. The engine calls it once before the first send and
// again after every tool-result round (internal/prompt owns the actual
// assembly; the engine only needs its output).
type RequestBuilder func(st *state.State) (provider.Request, error)

// Usage is the token accounting reported for one completed stream
// round, taken from the provider's final ChunkUsage event.
type Usage struct {
	InputTokens      int
	OutputTokens     int
	CacheReadTokens  int
	CacheWriteTokens int
}

// Engine drives one assistant turn at a time for a worker.
type Engine struct {
	Client     provider.Client
	Registry   *module.Registry
	RetryCfg   provider.RetryConfig
	Typewriter *Typewriter // nil disables pacing; chunks are applied immediately

	// OnUsage, if set, is called once per completed stream round (a
	// round is one send/receive within RunTurn's tool-dispatch loop) so
	// the caller can fold token counts into cost accounting and the
	// spine's guard rails — the engine has no opinion on pricing.
	OnUsage func(Usage)
}

// New builds an Engine with the default retry policy.
func New(client provider.Client, registry *module.Registry) *Engine {
	return &Engine{Client: client, Registry: registry, RetryCfg: provider.DefaultRetryConfig()}
}

type pendingToolCall struct {
	id, name string
	args     []byte
}

// RunTurn executes Idle -> BuildingPrompt -> Streaming -> ... -> Idle,
// looping through tool dispatch rounds until the model stops requesting
// tools or ctx is cancelled. It returns once the worker is back in Idle
// (or Errored, on a non-retryable provider failure).
func (e *Engine) RunTurn(ctx context.Context, st *state.State, build RequestBuilder) error {
	if err := st.BeginStream(); err != nil {
		return err
	}

	for {
		st.SetStreamState(state.StreamBuildingPrompt)
		req, err := build(st)
		if err != nil {
			st.SetStreamState(state.StreamErrored)
			return err
		}

		st.SetStreamState(state.StreamStreaming)
		text, calls, finishReason, usage, err := e.runOneStream(ctx, req)
		if e.OnUsage != nil {
			e.OnUsage(usage)
		}
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				e.cancelPending(st)
				st.SetStreamState(state.StreamIdle)
				return err
			}
			st.SetStreamState(state.StreamErrored)
			return err
		}

		if finishReason == "max_tokens" {
			st.PushNotification(state.NotificationMaxTokens, "stream", "the last response was truncated by the model's max_tokens limit")
		}

		assistant := state.Message{
			ID:      st.NextMessageID(),
			Status:  state.MessageAssistant,
			Role:    "assistant",
			Content: text,
		}
		for _, c := range calls {
			assistant.ToolUse = append(assistant.ToolUse, protocol.ToolUseBlock{ID: c.id, Name: c.name, Input: json.RawMessage(c.args)})
		}
		st.AppendMessage(assistant)

		if len(calls) == 0 {
			st.SetStreamState(state.StreamFinalizing)
			st.SetStreamState(state.StreamIdle)
			return nil
		}

		st.SetStreamState(state.StreamAwaitingTools)
		st.SetPendingToolCalls(toPending(calls))

		st.SetStreamState(state.StreamExecutingTools)
		results := make([]protocol.ToolResultBlock, 0, len(calls))
		for _, c := range calls {
			select {
			case <-ctx.Done():
				e.cancelPending(st)
				st.SetStreamState(state.StreamIdle)
				return ctx.Err()
			default:
			}
			call := protocol.ToolUseBlock{ID: c.id, Name: c.name, Input: json.RawMessage(c.args)}
			results = append(results, e.Registry.Dispatch(ctx, call, st))
		}
		st.SetPendingToolCalls(nil)

		toolMsg := state.Message{
			ID:          st.NextMessageID(),
			Status:      state.MessageToolResult,
			Role:        "user",
			ToolResults: results,
		}
		st.AppendMessage(toolMsg)

		st.SetStreamState(state.StreamContinuing)
		// loop: rebuild prompt and send again
	}
}

// runOneStream drains exactly one provider stream attempt (with
// transient-error retry) into accumulated text, tool calls, and the
// final finish_reason.
func (e *Engine) runOneStream(ctx context.Context, req provider.Request) (string, []pendingToolCall, string, Usage, error) {
	cs, err := provider.WithRetry(ctx, e.RetryCfg, func(ctx context.Context) (provider.ChunkStream, error) {
		return e.Client.StreamChat(ctx, req)
	})
	if err != nil {
		return "", nil, "", Usage{}, err
	}
	defer cs.Close()

	var text string
	var finishReason string
	var usage Usage
	order := []string{}
	byID := map[string]*pendingToolCall{}

	for {
		select {
		case <-ctx.Done():
			return text, orderedCalls(order, byID), finishReason, usage, ctx.Err()
		default:
		}

		c, err := cs.Recv()
		if err != nil {
			if provider.IsEndOfStream(err) {
				break
			}
			return text, orderedCalls(order, byID), finishReason, usage, err
		}
		switch c.Type {
		case provider.ChunkTextDelta:
			text += c.TextDelta
			if e.Typewriter != nil {
				e.Typewriter.Feed(c.TextDelta)
			}
		case provider.ChunkToolCallStart:
			byID[c.ToolCallID] = &pendingToolCall{id: c.ToolCallID, name: c.ToolCallName}
			order = append(order, c.ToolCallID)
		case provider.ChunkToolCallDelta:
			if tc, ok := byID[c.ToolCallID]; ok {
				tc.args = append(tc.args, []byte(c.ToolCallDelta)...)
			}
		case provider.ChunkUsage:
			usage = Usage{
				InputTokens:      c.InputTokens,
				OutputTokens:     c.OutputTokens,
				CacheReadTokens:  c.CacheReadTokens,
				CacheWriteTokens: c.CacheWriteTokens,
			}
		case provider.ChunkFinishReason:
			finishReason = c.FinishReason
		}
	}

	return text, orderedCalls(order, byID), finishReason, usage, nil
}

func orderedCalls(order []string, byID map[string]*pendingToolCall) []pendingToolCall {
	out := make([]pendingToolCall, 0, len(order))
	for _, id := range order {
		if tc, ok := byID[id]; ok {
			if len(tc.args) == 0 {
				tc.args = []byte("{}")
			}
			out = append(out, *tc)
		}
	}
	return out
}

func toPending(calls []pendingToolCall) []state.PendingToolCall {
	out := make([]state.PendingToolCall, len(calls))
	for i, c := range calls {
		out[i] = state.PendingToolCall{ID: c.id, Name: c.name}
	}
	return out
}

// cancelPending synthesizes a "cancelled" tool result for every
// outstanding pending call so the transcript stays 1:1 (§4.5
// "Cancellation").
func (e *Engine) cancelPending(st *state.State) {
	pending := st.PendingToolCalls()
	if len(pending) == 0 {
		return
	}
	results := make([]protocol.ToolResultBlock, len(pending))
	for i, p := range pending {
		results[i] = protocol.ToolResultBlock{ToolUseID: p.ID, IsError: true, Content: "cancelled"}
	}
	st.AppendMessage(state.Message{
		ID:          st.NextMessageID(),
		Status:      state.MessageToolResult,
		Role:        "user",
		ToolResults: results,
	})
	st.SetPendingToolCalls(nil)
}
