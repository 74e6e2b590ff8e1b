package adapters

import (
	"context"
	"sort"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/ctagard/codetrace/internal/errors"
	"github.com/ctagard/codetrace/pkg/types"
)

// funcKey identifies a Lua function prototype inside a state
type funcKey struct {
	source string
	line   int
}

// luaFrame is a Lua activation seen by the line hook
type luaFrame struct {
	key   funcKey
	level int
	line  int
}

// luaExec is the state of one execution of a luaUnit
type luaExec struct {
	unit   *luaUnit
	env    *Env
	L      *lua.LState
	cancel context.CancelFunc

	// mirror holds the function of every frame pushed on the thread, outermost first
	mirror []funcKey
	// levels maps a mirror index to its Lua stack level at the last hook
	levels []int

	outputs  map[string]any
	abortErr error
	faultPos types.Position
}

func (ex *luaExec) install() {
	L := ex.L
	L.SetGlobal(lineHook, L.NewFunction(ex.onLine))
	L.SetGlobal("print", L.NewFunction(ex.print))
	L.SetGlobal("set_output", L.NewFunction(ex.setOutput))
	for k, v := range ex.env.Inputs {
		L.SetGlobal(k, toLua(L, v))
	}
}

// abort records err as the outcome of the execution and raises it in Lua.
// Raising does not return.
func (ex *luaExec) abort(err error) {
	if ex.abortErr == nil {
		ex.abortErr = err
	}
	ex.cancel()
	ex.L.RaiseError("%s", ex.abortErr.Error())
}

func (ex *luaExec) onLine(L *lua.LState) int {
	if L != ex.L {
		// coroutine bodies are not traced
		return 0
	}
	if ex.abortErr != nil {
		ex.abort(ex.abortErr)
	}

	line := L.CheckInt(1)
	entry := L.OptBool(2, false)

	if err := ex.reconcile(entry); err != nil {
		ex.abort(err)
	}
	if err := ex.env.Thread.Line(types.Position{Line: line}); err != nil {
		ex.abort(err)
	}
	return 0
}

// onError runs while the faulting Lua frames are still on the stack
func (ex *luaExec) onError(L *lua.LState) int {
	msg := L.Get(1)
	L.Push(msg)
	if ex.abortErr != nil {
		return 1
	}

	if err := ex.reconcile(false); err != nil {
		ex.abortErr = err
		return 1
	}
	if frames := ex.stack(); len(frames) > 0 {
		ex.faultPos = types.Position{Line: frames[len(frames)-1].line}
	}

	if err := ex.env.Thread.Exception(ex.faultPos, luaFault(msg)); err != nil {
		ex.abortErr = err
	}
	return 1
}

// stack lists the Lua frames of the main state, outermost first. Go
// functions are skipped.
func (ex *luaExec) stack() []luaFrame {
	var frames []luaFrame
	for level := 0; ; level++ {
		dbg, ok := ex.L.GetStack(level)
		if !ok {
			break
		}
		if _, err := ex.L.GetInfo("Sl", dbg, lua.LNil); err != nil || dbg.What == "G" {
			continue
		}
		frames = append(frames, luaFrame{
			key:   funcKey{source: dbg.Source, line: dbg.LineDefined},
			level: level,
			line:  dbg.CurrentLine,
		})
	}
	for i, j := 0, len(frames)-1; i < j; i, j = i+1, j-1 {
		frames[i], frames[j] = frames[j], frames[i]
	}
	return frames
}

// reconcile pops and pushes thread frames until they match the Lua stack.
// entry marks the first statement of a function body, so the innermost Lua
// frame is always a fresh activation.
func (ex *luaExec) reconcile(entry bool) error {
	t := ex.env.Thread
	frames := ex.stack()

	limit := len(frames)
	if entry && limit > 0 {
		limit--
	}
	common := 0
	for common < limit && common < len(ex.mirror) && ex.mirror[common] == frames[common].key {
		common++
	}

	for len(ex.mirror) > common {
		if err := t.Return(); err != nil {
			return err
		}
		ex.mirror = ex.mirror[:len(ex.mirror)-1]
	}
	for _, f := range frames[common:] {
		pos := types.Position{Line: f.key.line}
		if pos.Line == 0 {
			pos.Line = f.line
		}
		if err := t.Call(ex.unit.ref, pos, ex.funcName(f.key)); err != nil {
			return err
		}
		ex.mirror = append(ex.mirror, f.key)
	}

	ex.levels = ex.levels[:0]
	for _, f := range frames {
		ex.levels = append(ex.levels, f.level)
	}
	return nil
}

func (ex *luaExec) funcName(k funcKey) string {
	if k.line == 0 {
		return ""
	}
	if name, ok := ex.unit.info.names[k.line]; ok {
		return name
	}
	return "anonymous"
}

// finish turns the PCall outcome into the execution result and closes the
// frames that are still open
func (ex *luaExec) finish(ctx context.Context, err error) error {
	t := ex.env.Thread
	log := ex.env.Logger.With().Str("code", ex.unit.ref.String()).Logger()

	switch {
	case ex.abortErr != nil:
		t.Unwind()
		log.Debug().Err(ex.abortErr).Msg("lua execution aborted")
		return ex.abortErr
	case err != nil && ctx.Err() != nil:
		return t.Stop(ctx.Err().Error())
	case err != nil:
		t.Unwind()
		log.Debug().Err(err).Int("line", ex.faultPos.Line).Msg("lua execution failed")
		return errors.ExecuteFailed(ex.unit.ref.String(), ex.faultPos, err)
	}

	for range ex.mirror {
		if rerr := t.Return(); rerr != nil {
			return rerr
		}
	}
	ex.mirror = nil

	if ex.env.AutoApplyParams && ex.env.Outputs != nil {
		for _, key := range ex.env.Outputs.Keys() {
			v := ex.L.GetGlobal(key)
			if v == lua.LNil {
				continue
			}
			if serr := ex.env.Outputs.Set(key, toGo(v)); serr != nil {
				return serr
			}
		}
	}
	log.Debug().Msg("lua execution finished")
	return nil
}

func (ex *luaExec) print(L *lua.LState) int {
	n := L.GetTop()
	parts := make([]string, n)
	for i := 1; i <= n; i++ {
		parts[i-1] = L.ToStringMeta(L.Get(i)).String()
	}
	_, _ = ex.env.stdout().Write([]byte(strings.Join(parts, "\t") + "\n"))
	return 0
}

func (ex *luaExec) setOutput(L *lua.LState) int {
	key := L.CheckString(1)
	value := toGo(L.Get(2))
	if ex.env.Outputs == nil {
		L.RaiseError("no outputs are bound to this execution")
		return 0
	}
	if err := ex.env.Outputs.Set(key, value); err != nil {
		L.RaiseError("%s", err.Error())
		return 0
	}
	ex.outputs[key] = value
	return 0
}

// Evaluate lists the bindings visible at a live frame: its locals and
// upvalues, the script globals, inputs and outputs.
func (ex *luaExec) Evaluate(frame types.ExecFrame) ([]types.ExecVariable, error) {
	idx := frame.Depth - 1
	if idx < 0 || idx >= len(ex.levels) {
		return nil, errors.ProtocolViolation("frame %s is not live", frame)
	}
	L := ex.L
	dbg, ok := L.GetStack(ex.levels[idx])
	if !ok {
		return nil, errors.ProtocolViolation("frame %s is not live", frame)
	}

	var out []types.ExecVariable
	add := func(id string, lv lua.LValue, kind types.VariableKind, attrs types.VariableAttribute) {
		out = append(out, types.ExecVariable{ID: id, Value: toGo(lv), Kind: kind, Attributes: attrs | attributesOf(lv)})
	}

	// inner locals shadow outer ones with the same name
	locals := make(map[string]lua.LValue)
	var order []string
	for n := 1; ; n++ {
		name, lv := L.GetLocal(dbg, n)
		if name == "" {
			break
		}
		if strings.HasPrefix(name, "(") {
			continue
		}
		if _, seen := locals[name]; !seen {
			order = append(order, name)
		}
		locals[name] = lv
	}
	for _, name := range order {
		add(name, locals[name], types.KindFrameVariable, types.AttrEmpty)
	}

	if fv, err := L.GetInfo("f", dbg, lua.LNil); err == nil {
		if fn, ok := fv.(*lua.LFunction); ok {
			for n := 1; ; n++ {
				name, lv := L.GetUpvalue(fn, n)
				if name == "" {
					break
				}
				add(name, lv, types.KindUpvalue, types.AttrEmpty)
			}
		}
	}

	for _, name := range ex.unit.info.globals {
		if lv := L.GetGlobal(name); lv != lua.LNil {
			add(name, lv, types.KindGlobal, types.AttrEmpty)
		}
	}

	for _, k := range sortedKeys(ex.env.Inputs) {
		out = append(out, types.ExecVariable{
			ID:         k,
			Value:      ex.env.Inputs[k],
			Kind:       types.KindInput,
			Attributes: types.AttrReadOnly,
		})
	}
	for _, k := range sortedKeys(ex.outputs) {
		out = append(out, types.ExecVariable{ID: k, Value: ex.outputs[k], Kind: types.KindOutput})
	}
	return out, nil
}

func attributesOf(lv lua.LValue) types.VariableAttribute {
	switch lv.Type() {
	case lua.LTFunction:
		return types.AttrCallable
	case lua.LTTable:
		return types.AttrTable
	}
	return types.AttrEmpty
}

// faultError is a Lua runtime error value raised by the script
type faultError struct{ msg string }

func (e *faultError) Error() string { return e.msg }

func luaFault(lv lua.LValue) error { return &faultError{msg: lv.String()} }

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedLines(m map[int]bool) []int {
	lines := make([]int, 0, len(m))
	for l := range m {
		lines = append(lines, l)
	}
	sort.Ints(lines)
	return lines
}
