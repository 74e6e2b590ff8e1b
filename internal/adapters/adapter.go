// Package adapters provides the language adapters that execute source units
// and drive the tracer.
//
// This package defines the Adapter interface that every embedded runtime must
// implement, and provides concrete implementations for:
//   - Lua (via gopher-lua), instrumented per statement
//   - CEL scripts (via cel-go), one assignment or assertion per line
//
// The Registry type manages the collection of available adapters and provides
// lookup by language. Adapters compile a source unit once; the resulting Unit
// is executed any number of times, each time against a fresh Env that carries
// the trace thread, the bindings and the output stream.
package adapters

import (
	"context"
	"io"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ctagard/codetrace/internal/config"
	"github.com/ctagard/codetrace/internal/errors"
	"github.com/ctagard/codetrace/internal/trace"
	"github.com/ctagard/codetrace/pkg/types"
)

// Adapter defines the interface for language adapters
type Adapter interface {
	// Language returns the language this adapter supports
	Language() types.Language

	// Compile turns source into an executable unit. Failures are returned as
	// compile errors carrying the offending line.
	Compile(ref types.CodeReference, source string) (Unit, error)
}

// Unit is a compiled source unit
type Unit interface {
	Ref() types.CodeReference

	// Execute runs the unit on env.Thread. It must report every call, line,
	// return and exception through the thread, honor the errors the thread
	// returns, and leave the thread with no open frames.
	Execute(ctx context.Context, env *Env) error
}

// ScopeReleaser is implemented by units that keep per-scope state between
// executions
type ScopeReleaser interface {
	ReleaseScope(scope string)
}

// Outputs receives output bindings from an execution
type Outputs interface {
	Keys() []string
	Set(key string, value any) error
}

// Env is everything an execution can see
type Env struct {
	Thread *trace.Thread
	// Inputs is a read-only copy of the input bindings
	Inputs  map[string]any
	Outputs Outputs
	Options map[string]any
	Stdout  io.Writer
	Logger  zerolog.Logger
	// AutoApplyParams binds outputs from same-named script variables after
	// the execution finishes
	AutoApplyParams bool
	// Scope names the group an execution belongs to; empty outside groups
	Scope string
}

// Option returns an option value, or def when it is unset or of another type
func Option[T any](env *Env, key string, def T) T {
	if env == nil || env.Options == nil {
		return def
	}
	if v, ok := env.Options[key].(T); ok {
		return v
	}
	return def
}

func (e *Env) stdout() io.Writer {
	if e.Stdout == nil {
		return io.Discard
	}
	return e.Stdout
}

// Registry holds all registered adapters
type Registry struct {
	adapters map[types.Language]Adapter
}

// NewRegistry creates a new adapter registry with all supported adapters
func NewRegistry(cfg *config.Config) *Registry {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	r := &Registry{
		adapters: make(map[types.Language]Adapter),
	}

	r.adapters[types.LanguageLua] = NewLuaAdapter(cfg.Adapters.Lua)
	r.adapters[types.LanguageCEL] = NewCELAdapter(cfg.Adapters.CEL)

	return r
}

// Get returns the adapter for a language
func (r *Registry) Get(lang types.Language) (Adapter, error) {
	adapter, ok := r.adapters[lang]
	if !ok {
		return nil, errors.AdapterNotSupported(string(lang), r.names())
	}
	return adapter, nil
}

// Register registers an adapter for a language, overriding any existing adapter
func (r *Registry) Register(lang types.Language, adapter Adapter) {
	r.adapters[lang] = adapter
}

// Languages returns the registered languages, sorted
func (r *Registry) Languages() []types.Language {
	out := make([]types.Language, 0, len(r.adapters))
	for lang := range r.adapters {
		out = append(out, lang)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *Registry) names() []string {
	langs := r.Languages()
	out := make([]string, len(langs))
	for i, l := range langs {
		out[i] = string(l)
	}
	return out
}

// LanguageForFile guesses the language from a file extension
func LanguageForFile(path string) (types.Language, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".lua":
		return types.LanguageLua, true
	case ".cel", ".celx":
		return types.LanguageCEL, true
	}
	return "", false
}
