package capture

import (
	"fmt"

	"github.com/irctrakz/nicshim/pkg/core"
)

// Registry holds the single active filter of a capture instance. A filter
// is set once and stays until it is cleared; it is never updated in place.
type Registry[C any] struct {
	active C
	set    bool
}

// Set installs c. It fails with ErrAlreadyActive if a filter is active.
func (r *Registry[C]) Set(c C) error {
	if r.set {
		return fmt.Errorf("capture filter: %w", core.ErrAlreadyActive)
	}
	r.active = c
	r.set = true
	return nil
}

// Clear removes the active filter and returns it.
func (r *Registry[C]) Clear() (C, bool) {
	prev, had := r.active, r.set
	var zero C
	r.active = zero
	r.set = false
	return prev, had
}

// Active returns the active filter.
func (r *Registry[C]) Active() (C, bool) {
	return r.active, r.set
}
