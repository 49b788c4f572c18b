package cache

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestSubmitDedupesInFlightRequests(t *testing.T) {
	p := New(2)
	ctx := context.Background()

	var calls int32
	release := make(chan struct{})
	refresh := func(ctx context.Context) (string, int, map[string]any, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return "content", 1, nil, nil
	}

	p.Submit(ctx, Request{PanelID: "P1", Refresh: refresh})
	// Give the first goroutine a chance to mark in-flight.
	time.Sleep(10 * time.Millisecond)
	p.Submit(ctx, Request{PanelID: "P1", Refresh: refresh})

	close(release)
	<-p.Updates()

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected exactly one refresh call while in flight, got %d", got)
	}
}

func TestSafeRunRecoversPanic(t *testing.T) {
	p := New(1)
	ctx := context.Background()

	p.Submit(ctx, Request{PanelID: "P2", Refresh: func(ctx context.Context) (string, int, map[string]any, error) {
		panic("boom")
	}})

	select {
	case u := <-p.Updates():
		if !u.IsError {
			t.Fatalf("expected panic to surface as an is_error update")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for update")
	}
}

func TestUpdateCarriesTokenCount(t *testing.T) {
	p := New(1)
	ctx := context.Background()

	p.Submit(ctx, Request{PanelID: "P3", Refresh: func(ctx context.Context) (string, int, map[string]any, error) {
		return "hello", 3, nil, nil
	}})

	u := <-p.Updates()
	if u.TokenCount != 3 || u.Content != "hello" {
		t.Fatalf("unexpected update: %+v", u)
	}
}
