package provider

import (
	"context"
	"fmt"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/contextpilot/contextpilot/internal/protocol"
)

// OpenAIClient implements Client against any OpenAI-compatible chat
// completions endpoint (OpenAI itself, or a compatible gateway reached
// via baseURL).
type OpenAIClient struct {
	client *openai.Client
}

func NewOpenAIClient(apiKey, baseURL string) *OpenAIClient {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIClient{client: openai.NewClientWithConfig(cfg)}
}

func (c *OpenAIClient) StreamChat(ctx context.Context, req Request) (ChunkStream, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: encodeOpenAIMessages(req.Messages, req.System),
		Stream:   true,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		chatReq.Temperature = float32(req.Temperature)
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = encodeOpenAITools(req.Tools)
	}

	stream, err := c.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, classifyOpenAIErr(err)
	}
	return &openaiStream{stream: stream, calls: make(map[int]*partialToolCall)}, nil
}

func encodeOpenAIMessages(msgs []protocol.Message, system string) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	for _, m := range msgs {
		switch m.Role {
		case "user":
			if len(m.ToolResults) > 0 {
				for _, tr := range m.ToolResults {
					out = append(out, openai.ChatCompletionMessage{
						Role:       openai.ChatMessageRoleTool,
						Content:    tr.Content,
						ToolCallID: tr.ToolUseID,
					})
				}
			}
			if m.Content != "" {
				out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: m.Content})
			}
		case "assistant":
			msg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: m.Content}
			for _, tu := range m.ToolUse {
				msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
					ID:   tu.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tu.Name,
						Arguments: string(tu.Input),
					},
				})
			}
			out = append(out, msg)
		}
	}
	return out
}

func encodeOpenAITools(tools []protocol.Tool) []openai.Tool {
	out := make([]openai.Tool, len(tools))
	for i, t := range tools {
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		}
	}
	return out
}

// partialToolCall accumulates a tool call's streamed argument fragments,
// keyed by the delta's index since OpenAI doesn't repeat the id on every chunk.
type partialToolCall struct {
	id, name string
	args     strings.Builder
	started  bool
}

type openaiStream struct {
	stream *openai.ChatCompletionStream
	calls  map[int]*partialToolCall
	order  []int

	pending []Chunk
}

func (s *openaiStream) Recv() (Chunk, error) {
	for len(s.pending) == 0 {
		resp, err := s.stream.Recv()
		if err != nil {
			if err == io.EOF {
				s.flushToolCalls()
				if len(s.pending) == 0 {
					return Chunk{}, ErrEndOfStream
				}
				break
			}
			return Chunk{}, classifyOpenAIErr(err)
		}
		s.handle(resp)
	}
	c := s.pending[0]
	s.pending = s.pending[1:]
	return c, nil
}

func (s *openaiStream) Close() error { return s.stream.Close() }

func (s *openaiStream) emit(c Chunk) { s.pending = append(s.pending, c) }

func (s *openaiStream) handle(resp openai.ChatCompletionStreamResponse) {
	if len(resp.Choices) == 0 {
		return
	}
	choice := resp.Choices[0]

	if choice.Delta.Content != "" {
		s.emit(Chunk{Type: ChunkTextDelta, TextDelta: choice.Delta.Content})
	}

	for _, tc := range choice.Delta.ToolCalls {
		idx := 0
		if tc.Index != nil {
			idx = *tc.Index
		}
		pc, ok := s.calls[idx]
		if !ok {
			pc = &partialToolCall{}
			s.calls[idx] = pc
			s.order = append(s.order, idx)
		}
		if tc.ID != "" {
			pc.id = tc.ID
		}
		if tc.Function.Name != "" {
			pc.name = tc.Function.Name
		}
		if !pc.started && pc.id != "" && pc.name != "" {
			pc.started = true
			s.emit(Chunk{Type: ChunkToolCallStart, ToolCallID: pc.id, ToolCallName: pc.name})
		}
		if tc.Function.Arguments != "" {
			pc.args.WriteString(tc.Function.Arguments)
			if pc.started {
				s.emit(Chunk{Type: ChunkToolCallDelta, ToolCallID: pc.id, ToolCallDelta: tc.Function.Arguments})
			}
		}
	}

	if choice.FinishReason != "" {
		s.flushToolCalls()
		reason := string(choice.FinishReason)
		switch reason {
		case "stop":
			reason = "end_turn"
		case "length":
			reason = "max_tokens"
		case "tool_calls", "function_call":
			reason = "tool_use"
		}
		s.emit(Chunk{Type: ChunkFinishReason, FinishReason: reason})
	}
}

func (s *openaiStream) flushToolCalls() {
	for _, idx := range s.order {
		pc := s.calls[idx]
		if pc == nil || pc.id == "" {
			continue
		}
		s.emit(Chunk{Type: ChunkToolCallEnd, ToolCallID: pc.id, ToolCallName: pc.name})
	}
	s.calls = make(map[int]*partialToolCall)
	s.order = nil
}

func classifyOpenAIErr(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "429"), strings.Contains(msg, "rate limit"):
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	case strings.Contains(msg, "500"), strings.Contains(msg, "502"), strings.Contains(msg, "503"), strings.Contains(msg, "504"):
		return fmt.Errorf("%w: %v", ErrOverloaded, err)
	case strings.Contains(msg, "400"), strings.Contains(msg, "401"), strings.Contains(msg, "403"), strings.Contains(msg, "404"):
		return fmt.Errorf("%w: %v", ErrFatal, err)
	default:
		return err
	}
}
