// Package tokencount estimates token counts for panel content and
// messages so panel token_count stays in sync with cached_content and
// prompt assembly can budget against a provider's context window.
package tokencount

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/contextpilot/contextpilot/internal/protocol"
)

// FudgeFactor compensates for provider tokenizers that run slightly
// richer than cl100k_base (tool-call JSON framing, multi-byte text).
const FudgeFactor = 1.05

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
)

func encoding() *tiktoken.Tiktoken {
	encOnce.Do(func() {
		e, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			enc = e
		}
	})
	return enc
}

// Estimate returns the raw token count of s with no fudge factor applied.
func Estimate(s string) int {
	if e := encoding(); e != nil {
		return len(e.Encode(s, nil, nil))
	}
	// Heuristic fallback if the tokenizer's vocab file could not be loaded.
	return len(s) / 4
}

// EstimateBudgeted returns Estimate(s) scaled by FudgeFactor, truncated,
// plus one.
func EstimateBudgeted(s string) int {
	n := Estimate(s)
	return int(float64(n)*FudgeFactor) + 1
}

// EstimateMessage sums the token estimate across a message's text and
// tool-call/tool-result content.
func EstimateMessage(m protocol.Message) int {
	total := Estimate(m.Content)
	for _, tu := range m.ToolUse {
		total += Estimate(tu.Name) + Estimate(string(tu.Input))
	}
	for _, tr := range m.ToolResults {
		total += Estimate(tr.Content)
	}
	return total
}

// EstimateMessageBudgeted applies FudgeFactor to EstimateMessage.
func EstimateMessageBudgeted(m protocol.Message) int {
	n := EstimateMessage(m)
	return int(float64(n)*FudgeFactor) + 1
}

// EstimateTotal sums EstimateMessage across a slice of messages.
func EstimateTotal(msgs []protocol.Message) int {
	total := 0
	for _, m := range msgs {
		total += EstimateMessage(m)
	}
	return total
}

// EstimateTotalBudgeted applies FudgeFactor to EstimateTotal.
func EstimateTotalBudgeted(msgs []protocol.Message) int {
	n := EstimateTotal(msgs)
	return int(float64(n)*FudgeFactor) + 1
}
