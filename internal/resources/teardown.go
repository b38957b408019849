// Package resources provides the LIFO teardown stack the Vulkan backend
// uses to unwind GPU object creation in exact reverse order on Init
// failure or Close, so a partially constructed backend never leaks
// device objects.
package resources

import (
	"fmt"
	"sync"
)

// step is one named teardown action pushed onto the stack.
type step struct {
	name string
	fn   func() error
}

// Teardown accumulates cleanup actions as resources are acquired and
// unwinds them last-acquired-first. A single failing step does not stop
// the unwind -- every pushed step runs exactly once, and all resulting
// errors are collected -- since a GPU object destroyed out of order is
// still better than one leaked because an earlier destroy call failed.
type Teardown struct {
	mu    sync.Mutex
	steps []step
}

// NewTeardown returns an empty teardown stack.
func NewTeardown() *Teardown {
	return &Teardown{}
}

// Push records a named cleanup action. Name is used only for error
// reporting when Unwind collects a failure.
func (t *Teardown) Push(name string, fn func() error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.steps = append(t.steps, step{name: name, fn: fn})
}

// Unwind runs every pushed action in reverse order and clears the stack.
// It returns every error encountered, in unwind order; a nil slice means
// every step succeeded.
func (t *Teardown) Unwind() []error {
	t.mu.Lock()
	steps := t.steps
	t.steps = nil
	t.mu.Unlock()

	var errs []error
	for i := len(steps) - 1; i >= 0; i-- {
		if err := steps[i].fn(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", steps[i].name, err))
		}
	}
	return errs
}

// Len reports how many teardown steps are currently pending.
func (t *Teardown) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.steps)
}
