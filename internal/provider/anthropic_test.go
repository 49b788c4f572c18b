package provider

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

// testDecoder feeds a fixed sequence of events to an ssestream.Stream,
// mirroring the SDK's own test fixture shape.
type testDecoder struct {
	events []ssestream.Event
	i      int
}

func (d *testDecoder) Event() ssestream.Event { return d.events[d.i-1] }
func (d *testDecoder) Next() bool {
	if d.i >= len(d.events) {
		return false
	}
	d.i++
	return true
}
func (d *testDecoder) Close() error { return nil }
func (d *testDecoder) Err() error   { return nil }

func mustEvent(t *testing.T, raw string) sdk.MessageStreamEventUnion {
	t.Helper()
	var ev sdk.MessageStreamEventUnion
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	return ev
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return data
}

func TestAnthropicStreamEmitsTextAndToolCallChunks(t *testing.T) {
	textDelta := mustEvent(t, `{
		"type": "content_block_delta",
		"index": 0,
		"delta": {"type": "text_delta", "text": "hi"}
	}`)
	toolStart := mustEvent(t, `{
		"type": "content_block_start",
		"index": 1,
		"content_block": {"type": "tool_use", "id": "t1", "name": "file_open"}
	}`)
	toolDelta := mustEvent(t, `{
		"type": "content_block_delta",
		"index": 1,
		"delta": {"type": "input_json_delta", "partial_json": "{\"path\":\"a\"}"}
	}`)
	toolStop := mustEvent(t, `{"type": "content_block_stop", "index": 1}`)
	msgDelta := mustEvent(t, `{
		"type": "message_delta",
		"delta": {"stop_reason": "end_turn"},
		"usage": {"output_tokens": 12}
	}`)

	events := []ssestream.Event{
		{Type: "content_block_delta", Data: mustJSON(t, textDelta)},
		{Type: "content_block_start", Data: mustJSON(t, toolStart)},
		{Type: "content_block_delta", Data: mustJSON(t, toolDelta)},
		{Type: "content_block_stop", Data: mustJSON(t, toolStop)},
		{Type: "message_delta", Data: mustJSON(t, msgDelta)},
	}

	dec := &testDecoder{events: events}
	stream := ssestream.NewStream[sdk.MessageStreamEventUnion](dec, nil)
	s := &anthropicStream{stream: stream}

	var sawText, sawToolStart, sawToolEnd, sawFinish bool
	for {
		c, err := s.Recv()
		if err != nil {
			if !IsEndOfStream(err) {
				t.Fatalf("unexpected Recv error: %v", err)
			}
			break
		}
		switch c.Type {
		case ChunkTextDelta:
			sawText = true
			if c.TextDelta != "hi" {
				t.Fatalf("unexpected text delta %q", c.TextDelta)
			}
		case ChunkToolCallStart:
			sawToolStart = true
			if c.ToolCallName != "file_open" {
				t.Fatalf("unexpected tool name %q", c.ToolCallName)
			}
		case ChunkToolCallEnd:
			sawToolEnd = true
		case ChunkFinishReason:
			sawFinish = true
			if c.FinishReason != "end_turn" {
				t.Fatalf("unexpected finish reason %q", c.FinishReason)
			}
		}
	}

	if !sawText || !sawToolStart || !sawToolEnd || !sawFinish {
		t.Fatalf("missing expected chunk kinds: text=%v start=%v end=%v finish=%v", sawText, sawToolStart, sawToolEnd, sawFinish)
	}
}

func TestSanitizeToolNameStripsDisallowedCharsAndTruncates(t *testing.T) {
	got := sanitizeToolName("mcp__my server__do thing!")
	if strings.ContainsAny(got, " !") {
		t.Fatalf("expected disallowed chars stripped, got %q", got)
	}
	long := strings.Repeat("a", 100)
	if got := sanitizeToolName(long); len(got) != 64 {
		t.Fatalf("expected truncation to 64 chars, got %d", len(got))
	}
}

func TestClassifyErrMapsStatusCodesToSentinels(t *testing.T) {
	cases := []struct {
		msg  string
		want error
	}{
		{"429 Too Many Requests", ErrRateLimited},
		{"529 Overloaded", ErrOverloaded},
		{"401 Unauthorized", ErrFatal},
	}
	for _, tc := range cases {
		err := classifyErr(errors.New(tc.msg))
		if !errors.Is(err, tc.want) {
			t.Fatalf("classifyErr(%q): expected %v, got %v", tc.msg, tc.want, err)
		}
	}
}
