package statisticsmodule

import (
	"context"
	"strings"
	"testing"
)

func TestRecordAccumulatesAcrossCalls(t *testing.T) {
	m := New()
	m.Record(100, 0.01)
	m.Record(50, 0.005)

	out, err := m.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if !strings.Contains(out, "messages: 2") {
		t.Fatalf("expected message count 2, got %q", out)
	}
	if !strings.Contains(out, "output tokens: 150") {
		t.Fatalf("expected 150 output tokens, got %q", out)
	}
}

func TestRefreshBeforeAnyRecordIsZero(t *testing.T) {
	m := New()
	out, err := m.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if !strings.Contains(out, "messages: 0") {
		t.Fatalf("expected zero messages, got %q", out)
	}
}
