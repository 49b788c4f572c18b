// Package watch implements the two watcher kinds from §4.3: an
// fsnotify-backed recursive filesystem watcher that coalesces bursts of
// events into a single debounced callback, and a periodic/conditional
// Registry the main loop polls once per settle round, after each turn.
package watch

import (
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// EventKind is the logical event the filesystem watcher emits, mapped
// from raw fsnotify ops.
type EventKind int

const (
	FileChanged EventKind = iota
	DirChanged
	GitMetaChanged
)

// Event is a coalesced, logical filesystem change.
type Event struct {
	Kind EventKind
	Path string
}

// DebounceWindow is the coalescing window required by §4.2 ("coalesces
// file-watcher events within a small window, approx 50ms").
const DebounceWindow = 50 * time.Millisecond

// FSWatcher wraps fsnotify with recursive directory registration and a
// single reusable debounce timer per path, following the teacher's
// skills-manager watch loop pattern.
type FSWatcher struct {
	w        *fsnotify.Watcher
	onEvent  func(Event)
	mu       sync.Mutex
	timers   map[string]*time.Timer
	pending  map[string]Event
	recentlyRemoved map[string]time.Time // survives atomic-rename saves (remove+create pair)
	closed   chan struct{}
}

// New creates an FSWatcher whose coalesced events are delivered to onEvent.
func New(onEvent func(Event)) (*FSWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	fw := &FSWatcher{
		w:               w,
		onEvent:         onEvent,
		timers:          make(map[string]*time.Timer),
		pending:         make(map[string]Event),
		recentlyRemoved: make(map[string]time.Time),
		closed:          make(chan struct{}),
	}
	go fw.loop()
	return fw, nil
}

// AddRecursive registers root and every subdirectory beneath it.
func (fw *FSWatcher) AddRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // best-effort: skip unreadable subtrees
		}
		if d.IsDir() {
			if err := fw.w.Add(path); err != nil {
				log.Printf("watch: failed to add %s: %v", path, err)
			}
		}
		return nil
	})
}

func (fw *FSWatcher) loop() {
	for {
		select {
		case ev, ok := <-fw.w.Events:
			if !ok {
				return
			}
			fw.handleRaw(ev)
		case err, ok := <-fw.w.Errors:
			if !ok {
				return
			}
			log.Printf("watch: fsnotify error: %v", err)
		case <-fw.closed:
			return
		}
	}
}

func (fw *FSWatcher) handleRaw(ev fsnotify.Event) {
	kind := FileChanged
	base := filepath.Base(ev.Name)
	if filepath.Base(filepath.Dir(ev.Name)) == ".git" || base == ".git" {
		kind = GitMetaChanged
	}

	if ev.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := fw.w.Add(ev.Name); err != nil {
				log.Printf("watch: failed to add new dir %s: %v", ev.Name, err)
			}
			kind = DirChanged
		}
		fw.mu.Lock()
		delete(fw.recentlyRemoved, ev.Name)
		fw.mu.Unlock()
	}
	if ev.Op&fsnotify.Remove != 0 || ev.Op&fsnotify.Rename != 0 {
		fw.mu.Lock()
		fw.recentlyRemoved[ev.Name] = time.Now()
		fw.mu.Unlock()
	}

	fw.schedule(Event{Kind: kind, Path: ev.Name})
}

// schedule coalesces repeated events for the same path within
// DebounceWindow into a single delivered Event, via one reusable timer
// per path (same AfterFunc-reschedule pattern as fsnotify consumers in
// the retrieval pack).
func (fw *FSWatcher) schedule(ev Event) {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	fw.pending[ev.Path] = ev
	if t, ok := fw.timers[ev.Path]; ok {
		t.Reset(DebounceWindow)
		return
	}
	fw.timers[ev.Path] = time.AfterFunc(DebounceWindow, func() {
		fw.mu.Lock()
		pending, ok := fw.pending[ev.Path]
		delete(fw.pending, ev.Path)
		delete(fw.timers, ev.Path)
		fw.mu.Unlock()
		if ok {
			fw.onEvent(pending)
		}
	})
}

// Close stops the watcher.
func (fw *FSWatcher) Close() error {
	close(fw.closed)
	return fw.w.Close()
}
