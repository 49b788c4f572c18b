// Package cache implements the bounded worker pool described in §4.2: it
// accepts refresh requests keyed by panel id, runs them off the main
// thread, deduplicates in-flight requests, and returns typed updates
// through a single channel the main loop drains every tick.
package cache

import (
	"context"
	"log"
	"sync"

	"golang.org/x/sync/semaphore"
)

// DefaultWorkers is the default bounded pool size (§4.2).
const DefaultWorkers = 6

// RefreshFunc does the actual off-thread work for one panel and returns
// its new content plus a token estimate. Extra carries per-kind payload
// (new ETag for gh, structured file-change list for git, etc.).
type RefreshFunc func(ctx context.Context) (content string, tokenCount int, extra map[string]any, err error)

// Request is one unit of refresh work.
type Request struct {
	PanelID string
	Refresh RefreshFunc
}

// Update is the typed result the main loop applies to state.
type Update struct {
	PanelID    string
	Content    string
	TokenCount int
	IsError    bool
	Extra      map[string]any
}

// Pipeline is the bounded worker pool. Submit is non-blocking and safe
// to call from the main thread; Updates is drained by the main loop.
type Pipeline struct {
	sem     *semaphore.Weighted
	updates chan Update

	mu       sync.Mutex
	inFlight map[string]bool
}

// New creates a Pipeline with the given worker count (0 uses DefaultWorkers).
func New(workers int) *Pipeline {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Pipeline{
		sem:      semaphore.NewWeighted(int64(workers)),
		updates:  make(chan Update, 256),
		inFlight: make(map[string]bool),
	}
}

// Submit enqueues req unless a request for the same panel id is already
// in flight, in which case it is silently dropped (§4.2: "idempotent
// re-requesting is safe").
func (p *Pipeline) Submit(ctx context.Context, req Request) {
	p.mu.Lock()
	if p.inFlight[req.PanelID] {
		p.mu.Unlock()
		return
	}
	p.inFlight[req.PanelID] = true
	p.mu.Unlock()

	go p.run(ctx, req)
}

func (p *Pipeline) run(ctx context.Context, req Request) {
	defer func() {
		p.mu.Lock()
		delete(p.inFlight, req.PanelID)
		p.mu.Unlock()
	}()

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return // context cancelled while waiting for a slot
	}
	defer p.sem.Release(1)

	update := p.safeRun(ctx, req)
	select {
	case p.updates <- update:
	case <-ctx.Done():
	}
}

// safeRun recovers a panic from req.Refresh into an is_error update so a
// single misbehaving refresher never takes down the pool (§4.2, §7).
func (p *Pipeline) safeRun(ctx context.Context, req Request) (result Update) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("cache: panel %s refresh panicked: %v", req.PanelID, r)
			result = Update{PanelID: req.PanelID, IsError: true, Content: "internal error during refresh"}
		}
	}()

	content, tokens, extra, err := req.Refresh(ctx)
	if err != nil {
		return Update{PanelID: req.PanelID, IsError: true, Content: err.Error()}
	}
	return Update{PanelID: req.PanelID, Content: content, TokenCount: tokens, Extra: extra}
}

// Updates returns the channel the main loop drains.
func (p *Pipeline) Updates() <-chan Update {
	return p.updates
}

// InFlight reports whether a request for panelID is currently running.
func (p *Pipeline) InFlight(panelID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inFlight[panelID]
}
