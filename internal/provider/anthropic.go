package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/contextpilot/contextpilot/internal/protocol"
)

// messagesClient narrows the SDK surface this package depends on, so
// tests can substitute a fake without dialing the real API.
type messagesClient interface {
	NewStreaming(ctx context.Context, params sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// AnthropicClient implements Client on top of the Anthropic Messages API.
type AnthropicClient struct {
	messages messagesClient
}

// NewAnthropicClient builds a client from an API key, reading
// ANTHROPIC_API_KEY when apiKey is empty (the SDK's own default).
func NewAnthropicClient(apiKey string) *AnthropicClient {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	client := sdk.NewClient(opts...)
	return &AnthropicClient{messages: &client.Messages}
}

var toolNameDisallowed = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

func sanitizeToolName(name string) string {
	s := toolNameDisallowed.ReplaceAllString(name, "_")
	if len(s) > 64 {
		s = s[:64]
	}
	return s
}

func (c *AnthropicClient) StreamChat(ctx context.Context, req Request) (ChunkStream, error) {
	params := sdk.MessageNewParams{
		Model:     sdk.Model(req.Model),
		MaxTokens: int64(req.MaxTokens),
		Messages:  encodeMessages(req.Messages),
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}
	if len(req.Tools) > 0 {
		params.Tools = encodeTools(req.Tools)
	}

	stream := c.messages.NewStreaming(ctx, params)
	return &anthropicStream{stream: stream}, nil
}

func encodeMessages(msgs []protocol.Message) []sdk.MessageParam {
	out := make([]sdk.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case "user":
			blocks := []sdk.ContentBlockParamUnion{}
			for _, tr := range m.ToolResults {
				blocks = append(blocks, sdk.NewToolResultBlock(tr.ToolUseID, tr.Content, tr.IsError))
			}
			if m.Content != "" {
				blocks = append(blocks, sdk.NewTextBlock(m.Content))
			}
			out = append(out, sdk.NewUserMessage(blocks...))
		case "assistant":
			blocks := []sdk.ContentBlockParamUnion{}
			if m.Content != "" {
				blocks = append(blocks, sdk.NewTextBlock(m.Content))
			}
			for _, tu := range m.ToolUse {
				var input any
				_ = json.Unmarshal(tu.Input, &input)
				blocks = append(blocks, sdk.NewToolUseBlock(tu.ID, input, sanitizeToolName(tu.Name)))
			}
			out = append(out, sdk.NewAssistantMessage(blocks...))
		default:
			// system messages are carried via params.System, never here.
		}
	}
	return out
}

func encodeTools(tools []protocol.Tool) []sdk.ToolUnionParam {
	out := make([]sdk.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		schema := sdk.ToolInputSchemaParam{ExtraFields: t.InputSchema}
		u := sdk.ToolUnionParamOfTool(schema, sanitizeToolName(t.Name))
		if u.OfTool != nil {
			u.OfTool.Description = sdk.String(t.Description)
		}
		out = append(out, u)
	}
	return out
}

// toolBuffer accumulates the partial-JSON fragments of a tool_use content
// block across ContentBlockDeltaEvents, mirroring the teacher's pattern of
// buffering InputJSONDelta fragments until ContentBlockStopEvent.
type toolBuffer struct {
	id        string
	name      string
	fragments []string
}

type anthropicStream struct {
	stream *ssestream.Stream[sdk.MessageStreamEventUnion]

	pending    []Chunk
	activeTool *toolBuffer
	closed     bool
}

func (s *anthropicStream) Recv() (Chunk, error) {
	for len(s.pending) == 0 {
		if !s.stream.Next() {
			if err := s.stream.Err(); err != nil {
				return Chunk{}, classifyErr(err)
			}
			return Chunk{}, ErrEndOfStream
		}
		s.handle(s.stream.Current())
	}
	c := s.pending[0]
	s.pending = s.pending[1:]
	return c, nil
}

func (s *anthropicStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.stream.Close()
}

func (s *anthropicStream) emit(c Chunk) { s.pending = append(s.pending, c) }

// handle switches on the concrete event type, following the teacher's
// AsAny() dispatch pattern for the SSE union type.
func (s *anthropicStream) handle(event sdk.MessageStreamEventUnion) {
	switch variant := event.AsAny().(type) {
	case sdk.ContentBlockStartEvent:
		if tu, ok := variant.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
			s.activeTool = &toolBuffer{id: tu.ID, name: tu.Name}
			s.emit(Chunk{Type: ChunkToolCallStart, ToolCallID: tu.ID, ToolCallName: tu.Name})
		}
	case sdk.ContentBlockDeltaEvent:
		switch delta := variant.Delta.AsAny().(type) {
		case sdk.TextDelta:
			s.emit(Chunk{Type: ChunkTextDelta, TextDelta: delta.Text})
		case sdk.InputJSONDelta:
			if s.activeTool != nil {
				s.activeTool.fragments = append(s.activeTool.fragments, delta.PartialJSON)
				s.emit(Chunk{Type: ChunkToolCallDelta, ToolCallID: s.activeTool.id, ToolCallDelta: delta.PartialJSON})
			}
		}
	case sdk.ContentBlockStopEvent:
		if s.activeTool != nil {
			s.emit(Chunk{Type: ChunkToolCallEnd, ToolCallID: s.activeTool.id, ToolCallName: s.activeTool.name})
			s.activeTool = nil
		}
	case sdk.MessageDeltaEvent:
		s.emit(Chunk{
			Type:             ChunkUsage,
			InputTokens:      int(variant.Usage.InputTokens),
			OutputTokens:     int(variant.Usage.OutputTokens),
			CacheReadTokens:  int(variant.Usage.CacheReadInputTokens),
			CacheWriteTokens: int(variant.Usage.CacheCreationInputTokens),
		})
		if variant.Delta.StopReason != "" {
			s.emit(Chunk{Type: ChunkFinishReason, FinishReason: string(variant.Delta.StopReason)})
		}
	case sdk.MessageStartEvent:
		// message_start resets per-message accumulator state; usage is
		// reported on message_delta instead.
	}
}

func classifyErr(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "429"):
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	case strings.Contains(msg, "529"), strings.Contains(msg, "503"), strings.Contains(msg, "overloaded"):
		return fmt.Errorf("%w: %v", ErrOverloaded, err)
	case strings.Contains(msg, "400"), strings.Contains(msg, "401"), strings.Contains(msg, "403"), strings.Contains(msg, "404"):
		return fmt.Errorf("%w: %v", ErrFatal, err)
	default:
		return err
	}
}
