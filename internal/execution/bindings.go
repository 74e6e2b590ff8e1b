package execution

import (
	"sync"

	"github.com/ctagard/codetrace/internal/errors"
)

// Inputs are the values a context hands to the code it runs. They can be
// changed between executions but not while one is in progress.
type Inputs struct {
	mu      sync.RWMutex
	keys    []string
	values  map[string]any
	running int
}

// NewInputs creates inputs from kv. Keys keep the order of first insertion;
// the initial keys are sorted.
func NewInputs(kv map[string]any) *Inputs {
	in := &Inputs{values: make(map[string]any, len(kv))}
	for _, k := range sortedKeys(kv) {
		in.keys = append(in.keys, k)
		in.values[k] = kv[k]
	}
	return in
}

// Set binds key to value. It fails with an InputsFrozen error while the
// owning context is executing.
func (in *Inputs) Set(key string, value any) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.running > 0 {
		return errors.InputsFrozen(key)
	}
	if in.values == nil {
		in.values = make(map[string]any)
	}
	if _, ok := in.values[key]; !ok {
		in.keys = append(in.keys, key)
	}
	in.values[key] = value
	return nil
}

func (in *Inputs) Get(key string) (any, bool) {
	in.mu.RLock()
	defer in.mu.RUnlock()
	v, ok := in.values[key]
	return v, ok
}

// Keys returns the bound keys in insertion order
func (in *Inputs) Keys() []string {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return append([]string(nil), in.keys...)
}

// Map returns a copy of the bindings
func (in *Inputs) Map() map[string]any {
	in.mu.RLock()
	defer in.mu.RUnlock()
	out := make(map[string]any, len(in.values))
	for k, v := range in.values {
		out[k] = v
	}
	return out
}

// Frozen reports whether an execution currently holds the inputs
func (in *Inputs) Frozen() bool {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.running > 0
}

// freeze marks the start of an execution and returns its release
func (in *Inputs) freeze() func() {
	in.mu.Lock()
	in.running++
	in.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			in.mu.Lock()
			in.running--
			in.mu.Unlock()
		})
	}
}

// Outputs are the values an execution hands back. The set of keys is fixed
// when the outputs are created.
type Outputs struct {
	mu     sync.RWMutex
	keys   []string
	values map[string]any
}

// NewOutputs declares the output keys. Every value starts as nil.
func NewOutputs(keys ...string) *Outputs {
	out := &Outputs{values: make(map[string]any, len(keys))}
	for _, k := range keys {
		if _, dup := out.values[k]; dup {
			continue
		}
		out.keys = append(out.keys, k)
		out.values[k] = nil
	}
	return out
}

// Keys returns the declared keys in declaration order
func (o *Outputs) Keys() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]string(nil), o.keys...)
}

// Set stores the value of a declared output
func (o *Outputs) Set(key string, value any) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.values[key]; !ok {
		return errors.UnknownOutput(key, append([]string(nil), o.keys...))
	}
	o.values[key] = value
	return nil
}

func (o *Outputs) Get(key string) (any, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	v, ok := o.values[key]
	return v, ok
}

// Map returns a copy of the outputs
func (o *Outputs) Map() map[string]any {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make(map[string]any, len(o.values))
	for k, v := range o.values {
		out[k] = v
	}
	return out
}

// Reset clears every value, keeping the declared keys
func (o *Outputs) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for k := range o.values {
		o.values[k] = nil
	}
}

// Options are adapter settings for one context, such as lua.keepScope
type Options map[string]any
