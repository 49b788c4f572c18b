// Package lock provides the worker lockfile used for multi-instance
// safety (§5): a second TUI pointed at a worker already owned by a live
// process enters read-only mode rather than corrupting shared state.
package lock

import (
	"fmt"

	"github.com/gofrs/flock"

	"github.com/contextpilot/contextpilot/internal/paths"
)

// Lock wraps a gofrs/flock file lock scoped to one worker.
type Lock struct {
	f *flock.Flock
}

// Acquire tries to take ownership of the worker lockfile at
// paths.GetLockPath(workspaceRoot, workerID). Ok is false (and err nil)
// when another live process already owns it — the caller should proceed
// in read-only mode, matching the exit-code-2 contract described in §6.
func Acquire(workspaceRoot, workerID string) (*Lock, bool, error) {
	path := paths.GetLockPath(workspaceRoot, workerID)
	dir := paths.GetWorkerDir(workspaceRoot, workerID)
	if err := paths.EnsureDir(dir); err != nil {
		return nil, false, fmt.Errorf("create worker dir: %w", err)
	}

	f := flock.New(path)
	ok, err := f.TryLock()
	if err != nil {
		return nil, false, fmt.Errorf("lock %s: %w", path, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &Lock{f: f}, true, nil
}

// Release drops ownership of the lockfile.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	return l.f.Unlock()
}
