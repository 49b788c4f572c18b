package spinemodule

import (
	"strings"
	"testing"
)

func int64p(v int64) *int64 { return &v }

func TestRenderIncludesLimitsWhenSet(t *testing.T) {
	out := Render(GuardRailStatus{
		CumulativeOutputTokens: 500,
		MaxOutputTokens:        int64p(1000),
		CumulativeCostUSD:      0.25,
		ConsecutiveContinues:   2,
		LastStrategy:           "todos_incomplete",
	})
	if !strings.Contains(out, "500 / 1000") {
		t.Fatalf("expected token limit in output, got %q", out)
	}
	if !strings.Contains(out, "todos_incomplete") {
		t.Fatalf("expected last strategy in output, got %q", out)
	}
}

func TestRenderOmitsLimitsWhenNil(t *testing.T) {
	out := Render(GuardRailStatus{CumulativeOutputTokens: 10})
	if strings.Contains(out, "/") {
		t.Fatalf("expected no limit fraction when limits are nil, got %q", out)
	}
}
