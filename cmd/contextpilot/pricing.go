package main

import "github.com/contextpilot/contextpilot/internal/stream"

// modelPricing is dollars per token for a model, looked up by prefix so
// dated model ids (e.g. "claude-sonnet-4-20250514") still match. Rates
// are illustrative list prices; nothing in the retrieval pack ships a
// provider pricing table, so this stays a plain map rather than reaching
// for a library that has no real counterpart in the corpus.
type modelRate struct {
	inputPerToken      float64
	outputPerToken     float64
	cacheReadPerToken  float64
	cacheWritePerToken float64
}

var modelPricing = map[string]modelRate{
	"claude-opus":   {15.0 / 1_000_000, 75.0 / 1_000_000, 1.5 / 1_000_000, 18.75 / 1_000_000},
	"claude-sonnet": {3.0 / 1_000_000, 15.0 / 1_000_000, 0.3 / 1_000_000, 3.75 / 1_000_000},
	"claude-haiku":  {0.8 / 1_000_000, 4.0 / 1_000_000, 0.08 / 1_000_000, 1.0 / 1_000_000},
	"gpt-4o":        {2.5 / 1_000_000, 10.0 / 1_000_000, 1.25 / 1_000_000, 0},
	"gpt-4o-mini":   {0.15 / 1_000_000, 0.6 / 1_000_000, 0.075 / 1_000_000, 0},
	"o1":            {15.0 / 1_000_000, 60.0 / 1_000_000, 7.5 / 1_000_000, 0},
}

const fallbackRate = "claude-sonnet" // used when a model id matches no known prefix

func rateFor(model string) modelRate {
	best := ""
	for prefix := range modelPricing {
		if len(model) >= len(prefix) && model[:len(prefix)] == prefix && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return modelPricing[fallbackRate]
	}
	return modelPricing[best]
}

// costUSD converts one stream round's token usage into a dollar amount
// against the configured model, for spine.Checker.RecordStreamUsage and
// statisticsmodule.Record, neither of which has an opinion on pricing.
func costUSD(model string, u stream.Usage) float64 {
	r := rateFor(model)
	return float64(u.InputTokens)*r.inputPerToken +
		float64(u.OutputTokens)*r.outputPerToken +
		float64(u.CacheReadTokens)*r.cacheReadPerToken +
		float64(u.CacheWriteTokens)*r.cacheWritePerToken
}
