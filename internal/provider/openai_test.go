package provider

import (
	"encoding/json"
	"errors"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/contextpilot/contextpilot/internal/protocol"
)

func TestEncodeOpenAIMessagesIncludesSystemAndRoles(t *testing.T) {
	msgs := []protocol.Message{
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: "hi there"},
	}
	got := encodeOpenAIMessages(msgs, "you are helpful")
	if len(got) != 3 {
		t.Fatalf("expected system + 2 messages, got %d", len(got))
	}
	if got[0].Role != openai.ChatMessageRoleSystem {
		t.Fatalf("expected first message to be system, got %q", got[0].Role)
	}
}

func TestEncodeOpenAIMessagesSplitsToolResultsIntoOwnMessages(t *testing.T) {
	msgs := []protocol.Message{
		{
			Role:        "user",
			Content:     "what happened?",
			ToolResults: []protocol.ToolResultBlock{{ToolUseID: "call_1", Content: "ok"}},
		},
	}
	got := encodeOpenAIMessages(msgs, "")
	if len(got) != 2 {
		t.Fatalf("expected tool-result message plus text message, got %d", len(got))
	}
	if got[0].Role != openai.ChatMessageRoleTool || got[0].ToolCallID != "call_1" {
		t.Fatalf("expected tool result message first, got %+v", got[0])
	}
}

func TestEncodeOpenAIMessagesCarriesAssistantToolCalls(t *testing.T) {
	msgs := []protocol.Message{
		{
			Role: "assistant",
			ToolUse: []protocol.ToolUseBlock{
				{ID: "call_1", Name: "file_open", Input: json.RawMessage(`{"path":"a"}`)},
			},
		},
	}
	got := encodeOpenAIMessages(msgs, "")
	if len(got) != 1 || len(got[0].ToolCalls) != 1 {
		t.Fatalf("expected one assistant message with one tool call, got %+v", got)
	}
	if got[0].ToolCalls[0].Function.Name != "file_open" {
		t.Fatalf("unexpected tool call name %q", got[0].ToolCalls[0].Function.Name)
	}
}

func TestEncodeOpenAIToolsMapsSchema(t *testing.T) {
	tools := []protocol.Tool{{Name: "grep_search", Description: "search", InputSchema: map[string]any{"type": "object"}}}
	got := encodeOpenAITools(tools)
	if len(got) != 1 || got[0].Function.Name != "grep_search" {
		t.Fatalf("unexpected encoded tools: %+v", got)
	}
}

func TestOpenAIStreamAccumulatesToolCallAcrossDeltas(t *testing.T) {
	s := &openaiStream{calls: make(map[int]*partialToolCall)}
	idx := 0

	s.handle(openai.ChatCompletionStreamResponse{
		Choices: []openai.ChatCompletionStreamChoice{{
			Delta: openai.ChatCompletionStreamChoiceDelta{
				ToolCalls: []openai.ToolCall{{Index: &idx, ID: "call_1", Function: openai.FunctionCall{Name: "file_open"}}},
			},
		}},
	})
	s.handle(openai.ChatCompletionStreamResponse{
		Choices: []openai.ChatCompletionStreamChoice{{
			Delta: openai.ChatCompletionStreamChoiceDelta{
				ToolCalls: []openai.ToolCall{{Index: &idx, Function: openai.FunctionCall{Arguments: `{"path":"a"}`}}},
			},
		}},
	})
	s.handle(openai.ChatCompletionStreamResponse{
		Choices: []openai.ChatCompletionStreamChoice{{FinishReason: "tool_calls"}},
	})

	var sawStart, sawDelta, sawEnd, sawFinish bool
	for _, c := range s.pending {
		switch c.Type {
		case ChunkToolCallStart:
			sawStart = true
		case ChunkToolCallDelta:
			sawDelta = true
		case ChunkToolCallEnd:
			sawEnd = true
		case ChunkFinishReason:
			sawFinish = true
		}
	}
	if !sawStart || !sawDelta || !sawEnd || !sawFinish {
		t.Fatalf("missing expected chunk kinds: start=%v delta=%v end=%v finish=%v", sawStart, sawDelta, sawEnd, sawFinish)
	}
}

func TestClassifyOpenAIErrMapsStatusCodesToSentinels(t *testing.T) {
	cases := []struct {
		msg  string
		want error
	}{
		{"429 rate limit exceeded", ErrRateLimited},
		{"503 service unavailable", ErrOverloaded},
		{"401 invalid API key", ErrFatal},
	}
	for _, tc := range cases {
		err := classifyOpenAIErr(errors.New(tc.msg))
		if !errors.Is(err, tc.want) {
			t.Fatalf("classifyOpenAIErr(%q): expected %v, got %v", tc.msg, tc.want, err)
		}
	}
}
