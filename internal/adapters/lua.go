package adapters

import (
	"context"
	stderrors "errors"
	"strings"
	"sync"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
	"github.com/zeebo/xxh3"

	"github.com/ctagard/codetrace/internal/config"
	"github.com/ctagard/codetrace/internal/errors"
	"github.com/ctagard/codetrace/pkg/types"
)

// LuaAdapter runs Lua 5.1 code on gopher-lua. Sources are parsed and every
// statement is prefixed with a call to a line hook, which keeps the trace
// thread in step with the Lua call stack.
type LuaAdapter struct {
	cfg    config.LuaConfig
	chunks *chunkCache
}

// NewLuaAdapter creates a new Lua adapter
func NewLuaAdapter(cfg config.LuaConfig) *LuaAdapter {
	return &LuaAdapter{cfg: cfg, chunks: newChunkCache(cfg.ChunkCacheSize)}
}

// Language returns the language this adapter supports
func (a *LuaAdapter) Language() types.Language {
	return types.LanguageLua
}

// Compile parses, instruments and compiles source. A chunk compiled earlier
// from the same source under the same name is reused.
func (a *LuaAdapter) Compile(ref types.CodeReference, source string) (Unit, error) {
	fp := ref.Fingerprint
	if fp == 0 {
		fp = xxh3.HashString(source)
	}
	key := chunkKey{fingerprint: fp, name: ref.String()}
	if c, ok := a.chunks.get(key, source); ok {
		return a.newUnit(ref, c), nil
	}

	c, err := compileChunk(ref, source)
	if err != nil {
		return nil, err
	}
	a.chunks.put(key, c)
	return a.newUnit(ref, c), nil
}

func (a *LuaAdapter) newUnit(ref types.CodeReference, c *compiledChunk) *luaUnit {
	return &luaUnit{
		ref:    ref,
		proto:  c.proto,
		info:   c.info,
		cfg:    a.cfg,
		scopes: make(map[string]*luaScope),
	}
}

func compileChunk(ref types.CodeReference, source string) (*compiledChunk, error) {
	chunk, err := parse.Parse(strings.NewReader(source), ref.String())
	if err != nil {
		line := 0
		var perr *parse.Error
		if stderrors.As(err, &perr) {
			line = perr.Pos.Line
		}
		return nil, errors.CompileFailed(ref.String(), line, err)
	}

	chunk, info := instrument(chunk)

	proto, err := lua.Compile(chunk, ref.String())
	if err != nil {
		line := 0
		var cerr *lua.CompileError
		if stderrors.As(err, &cerr) {
			line = cerr.Line
		}
		return nil, errors.CompileFailed(ref.String(), line, err)
	}
	return &compiledChunk{source: source, proto: proto, info: info}, nil
}

type chunkKey struct {
	fingerprint uint64
	name        string
}

// compiledChunk is read-only once built. Its proto can be loaded into any
// number of Lua states.
type compiledChunk struct {
	source string
	proto  *lua.FunctionProto
	info   *chunkInfo
}

// chunkCache keeps the most recently compiled chunks, evicting the oldest
type chunkCache struct {
	mu    sync.Mutex
	size  int
	order []chunkKey
	items map[chunkKey]*compiledChunk
}

func newChunkCache(size int) *chunkCache {
	return &chunkCache{size: size, items: make(map[chunkKey]*compiledChunk)}
}

// get returns the chunk for key when it was compiled from source
func (c *chunkCache) get(key chunkKey, source string) (*compiledChunk, bool) {
	if c.size <= 0 {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	chunk, ok := c.items[key]
	if !ok || chunk.source != source {
		return nil, false
	}
	return chunk, true
}

func (c *chunkCache) put(key chunkKey, chunk *compiledChunk) {
	if c.size <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.items[key]; !ok {
		c.order = append(c.order, key)
	}
	c.items[key] = chunk
	for len(c.order) > c.size {
		delete(c.items, c.order[0])
		c.order = c.order[1:]
	}
}

// len returns the number of cached chunks
func (c *chunkCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

type luaUnit struct {
	ref   types.CodeReference
	proto *lua.FunctionProto
	info  *chunkInfo
	cfg   config.LuaConfig

	mu     sync.Mutex
	scopes map[string]*luaScope
}

// luaScope is a Lua state shared by the executions of one group
type luaScope struct {
	mu sync.Mutex
	L  *lua.LState
}

func (u *luaUnit) Ref() types.CodeReference { return u.ref }

// Lines returns the lines that carry a statement, sorted
func (u *luaUnit) Lines() []int {
	return sortedLines(u.info.lines)
}

func (u *luaUnit) newState() *lua.LState {
	opts := lua.Options{
		CallStackSize: u.cfg.CallStackSize,
		RegistrySize:  u.cfg.RegistrySize,
		SkipOpenLibs:  u.cfg.Sandbox,
	}
	L := lua.NewState(opts)
	if u.cfg.Sandbox {
		lua.OpenBase(L)
		lua.OpenTable(L)
		lua.OpenString(L)
		lua.OpenMath(L)
		for _, name := range []string{"dofile", "loadfile", "load", "loadstring"} {
			L.SetGlobal(name, lua.LNil)
		}
	}
	return L
}

// state returns the Lua state for an execution and a function releasing it
func (u *luaUnit) state(scope string, keep bool) (*lua.LState, func()) {
	if !keep || scope == "" {
		L := u.newState()
		return L, L.Close
	}

	u.mu.Lock()
	s, ok := u.scopes[scope]
	if !ok {
		s = &luaScope{L: u.newState()}
		u.scopes[scope] = s
	}
	u.mu.Unlock()

	s.mu.Lock()
	return s.L, s.mu.Unlock
}

// ReleaseScope closes the Lua state kept for scope
func (u *luaUnit) ReleaseScope(scope string) {
	u.mu.Lock()
	s, ok := u.scopes[scope]
	delete(u.scopes, scope)
	u.mu.Unlock()
	if !ok {
		return
	}
	s.mu.Lock()
	s.L.Close()
	s.mu.Unlock()
}

// Execute runs the unit on env.Thread
func (u *luaUnit) Execute(ctx context.Context, env *Env) error {
	if env == nil || env.Thread == nil {
		return errors.ProtocolViolation("execute %s without a trace thread", u.ref)
	}

	L, release := u.state(env.Scope, Option(env, "lua.keepScope", u.cfg.KeepScope))
	defer release()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ex := &luaExec{
		unit:    u,
		env:     env,
		L:       L,
		cancel:  cancel,
		outputs: make(map[string]any),
	}
	ex.install()
	env.Thread.SetEvaluator(ex)

	L.SetContext(runCtx)
	defer L.RemoveContext()

	env.Logger.Debug().Str("code", u.ref.String()).Str("scope", env.Scope).Msg("lua execution started")

	top := L.GetTop()
	L.Push(L.NewFunctionFromProto(u.proto))
	err := L.PCall(0, lua.MultRet, L.NewFunction(ex.onError))
	L.SetTop(top)

	return ex.finish(ctx, err)
}
