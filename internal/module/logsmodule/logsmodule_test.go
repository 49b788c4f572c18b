package logsmodule

import (
	"context"
	"fmt"
	"log"
	"testing"
)

func TestWriteAppendsAndRefreshReturnsJoinedLines(t *testing.T) {
	m := New()
	logger := log.New(m, "", 0)
	logger.Println("first")
	logger.Println("second")

	out, err := m.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if out != "first\nsecond" {
		t.Fatalf("expected %q, got %q", "first\nsecond", out)
	}
}

func TestWriteTrimsToMaxLines(t *testing.T) {
	m := New()
	for i := 0; i < MaxLines+50; i++ {
		fmt.Fprintf(m, "line %d\n", i)
	}
	out, err := m.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if got := len(splitLines(out)); got != MaxLines {
		t.Fatalf("expected %d lines retained, got %d", MaxLines, got)
	}
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	lines = append(lines, s[start:])
	return lines
}
