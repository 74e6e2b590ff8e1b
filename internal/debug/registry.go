package debug

import (
	"sync"

	"github.com/ctagard/codetrace/internal/vars"
	"github.com/ctagard/codetrace/pkg/types"
)

// Registry is the breakpoint set owned by one debug controls instance. It may
// be mutated from the host while the execution is running.
type Registry struct {
	mu  sync.RWMutex
	bps []*Breakpoint
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{}
}

// Add registers breakpoints. Adding the same breakpoint twice is a no-op.
func (r *Registry) Add(bps ...*Breakpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
next:
	for _, bp := range bps {
		if bp == nil {
			continue
		}
		for _, have := range r.bps {
			if have == bp {
				continue next
			}
		}
		r.bps = append(r.bps, bp)
	}
}

// Remove unregisters bp
func (r *Registry) Remove(bp *Breakpoint) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, have := range r.bps {
		if have == bp {
			r.bps = append(r.bps[:i], r.bps[i+1:]...)
			return true
		}
	}
	return false
}

// Clear removes every breakpoint
func (r *Registry) Clear() {
	r.mu.Lock()
	r.bps = nil
	r.mu.Unlock()
}

// All returns the registered breakpoints in insertion order
func (r *Registry) All() []*Breakpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Breakpoint, len(r.bps))
	copy(out, r.bps)
	return out
}

// Len returns the number of breakpoints
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bps)
}

// Matching returns every breakpoint at f whose condition and hit condition
// hold, in insertion order. Each location-and-condition match counts as a hit.
func (r *Registry) Matching(f types.ExecFrame, evaluate func() (vars.Snapshot, error)) []*Breakpoint {
	if !f.Event.Breakable() {
		return nil
	}
	var out []*Breakpoint
	for _, bp := range r.All() {
		if !bp.Matches(f, evaluate) {
			continue
		}
		if bp.hit() {
			out = append(out, bp)
		}
	}
	return out
}
