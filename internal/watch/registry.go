package watch

// Result is what a periodic/conditional watcher produces when it fires.
type Result struct {
	ToolResultContent string
	IsError           bool
}

// PeriodicWatcher is the interface described in §4.3: a registered
// observer with two observation points, polled once per main-loop
// settle round.
// Blocking watchers have a non-empty ToolUseID naming the sentinel tool
// result they will eventually replace; async watchers synthesize a
// notification instead.
type PeriodicWatcher interface {
	ID() string
	Description() string
	Blocking() bool
	ToolUseID() string // empty for async watchers
	Source() string

	// Check reports whether the watcher's condition is satisfied now.
	Check() (Result, bool)
	// CheckTimeout reports whether the watcher's deadline has expired.
	CheckTimeout() (Result, bool)
}

// Registry holds the set of active periodic/conditional watchers for one
// worker. The main loop calls Poll once per settle round, after each turn.
type Registry struct {
	watchers map[string]PeriodicWatcher
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{watchers: make(map[string]PeriodicWatcher)}
}

// Register adds a watcher.
func (r *Registry) Register(w PeriodicWatcher) {
	r.watchers[w.ID()] = w
}

// Unregister removes a watcher by id.
func (r *Registry) Unregister(id string) {
	delete(r.watchers, id)
}

// Fired is a watcher paired with the result it produced this tick.
type Fired struct {
	Watcher  PeriodicWatcher
	Result   Result
	TimedOut bool
}

// Poll checks every registered watcher once and partitions satisfied
// results into blocking and async, per §4.3. Satisfied watchers
// (including timeouts) are removed from the registry.
func (r *Registry) Poll() (blocking []Fired, async []Fired) {
	for id, w := range r.watchers {
		if res, ok := w.Check(); ok {
			f := Fired{Watcher: w, Result: res}
			if w.Blocking() {
				blocking = append(blocking, f)
			} else {
				async = append(async, f)
			}
			delete(r.watchers, id)
			continue
		}
		if res, ok := w.CheckTimeout(); ok {
			f := Fired{Watcher: w, Result: res, TimedOut: true}
			if w.Blocking() {
				blocking = append(blocking, f)
			} else {
				async = append(async, f)
			}
			delete(r.watchers, id)
		}
	}
	return blocking, async
}

// Len reports how many watchers are currently registered.
func (r *Registry) Len() int { return len(r.watchers) }
