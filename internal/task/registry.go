package task

import (
	"errors"
	"fmt"
	"sync"
)

// ErrConcurrentTaskConflict indicates another active task already holds the
// branch. The second task must halt rather than race.
var ErrConcurrentTaskConflict = errors.New("concurrent task conflict")

// Registry enforces the one-active-task-per-branch invariant. Branch
// acquisition is the mutual-exclusion boundary for the lookup-then-act
// sequences against version control and the code host.
type Registry struct {
	mu     sync.Mutex
	active map[string]string // branch name -> task ID
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{active: make(map[string]string)}
}

// Acquire claims the branch for the task. Re-acquiring a branch already held
// by the same task is a no-op, so re-entry after a halt succeeds.
func (r *Registry) Acquire(branch, taskID string) error {
	if branch == "" {
		return fmt.Errorf("acquire: branch name is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	holder, ok := r.active[branch]
	if ok && holder != taskID {
		return fmt.Errorf("%w: branch %q held by task %s", ErrConcurrentTaskConflict, branch, holder)
	}
	r.active[branch] = taskID
	return nil
}

// Release frees the branch if the task holds it. Called on terminal status.
func (r *Registry) Release(branch, taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active[branch] == taskID {
		delete(r.active, branch)
	}
}

// Holder returns the task ID holding the branch, if any.
func (r *Registry) Holder(branch string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.active[branch]
	return id, ok
}
