// Package provider defines the narrow interface the streaming state
// machine drives, and the provider-neutral chunk sequence every
// implementation normalizes onto (§4.5).
package provider

import (
	"context"
	"errors"
	"io"

	"github.com/contextpilot/contextpilot/internal/protocol"
)

// ChunkType is the closed set of events a Client emits while streaming.
type ChunkType string

const (
	ChunkTextDelta     ChunkType = "text_delta"
	ChunkToolCallStart ChunkType = "tool_call_start"
	ChunkToolCallDelta ChunkType = "tool_call_delta"
	ChunkToolCallEnd   ChunkType = "tool_call_end"
	ChunkUsage         ChunkType = "usage"
	ChunkFinishReason  ChunkType = "finish_reason"
)

// Chunk is one normalized streaming event. Only the fields relevant to
// Type are populated.
type Chunk struct {
	Type ChunkType

	TextDelta string

	ToolCallID    string
	ToolCallName  string
	ToolCallDelta string // partial JSON fragment, present on ChunkToolCallDelta

	InputTokens      int
	OutputTokens     int
	CacheReadTokens  int
	CacheWriteTokens int

	FinishReason string // "end_turn", "tool_use", "max_tokens", "stop_sequence"
}

// Request is a provider-neutral chat completion request.
type Request struct {
	Model       string
	MaxTokens   int
	Temperature float64
	System      string
	Messages    []protocol.Message
	Tools       []protocol.Tool
}

// ChunkStream yields Chunks until Recv returns ErrEndOfStream.
type ChunkStream interface {
	Recv() (Chunk, error)
	Close() error
}

// Client is the interface every model backend implements. ErrRateLimited
// and ErrOverloaded are sentinel causes the spine's retry logic checks for
// with errors.Is.
type Client interface {
	StreamChat(ctx context.Context, req Request) (ChunkStream, error)
}

var (
	// ErrRateLimited wraps a 429-class response; retryable with backoff.
	ErrRateLimited = streamErr("provider: rate limited")
	// ErrOverloaded wraps a 529/503-class response; retryable with backoff.
	ErrOverloaded = streamErr("provider: overloaded")
	// ErrFatal wraps a 4xx-class response other than rate limiting; not retryable.
	ErrFatal = streamErr("provider: fatal request error")
	// ErrEndOfStream is what ChunkStream.Recv returns once a stream has
	// been exhausted cleanly; it is not itself an error condition.
	ErrEndOfStream = streamErr("provider: end of stream")
)

type streamErr string

func (e streamErr) Error() string { return string(e) }

// IsEndOfStream reports whether err is the sentinel Recv returns once the
// underlying stream is exhausted cleanly.
func IsEndOfStream(err error) bool { return errors.Is(err, ErrEndOfStream) }

var _ io.Closer = (ChunkStream)(nil)
