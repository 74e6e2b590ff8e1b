package adapters

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/cel-go/cel"
	celtypes "github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"

	"github.com/ctagard/codetrace/internal/config"
	"github.com/ctagard/codetrace/internal/errors"
	"github.com/ctagard/codetrace/pkg/types"
)

// CELAdapter runs line-oriented CEL scripts. Each non-blank line is one of
//
//	name = <expr>          assign a script variable
//	output name = <expr>   set a declared output
//	assert <expr>          fail unless expr is true
//	print <expr>           write the value to stdout
//	# comment
type CELAdapter struct {
	cfg config.CELConfig
}

// NewCELAdapter creates a new CEL script adapter
func NewCELAdapter(cfg config.CELConfig) *CELAdapter {
	return &CELAdapter{cfg: cfg}
}

// Language returns the language this adapter supports
func (a *CELAdapter) Language() types.Language {
	return types.LanguageCEL
}

type celStmtKind int

const (
	celAssign celStmtKind = iota
	celOutput
	celAssert
	celPrint
)

type celStmt struct {
	line int
	kind celStmtKind
	name string
	expr string
	ast  *cel.Ast
}

var (
	celAssignRe  = regexp.MustCompile(`^(output\s+)?([A-Za-z_][A-Za-z0-9_]*)\s*=\s*(.+)$`)
	celKeywordRe = regexp.MustCompile(`^(assert|print)\s+(.+)$`)
)

// Compile parses every statement. Expressions are not type-checked; bindings
// are resolved when the statement runs.
func (a *CELAdapter) Compile(ref types.CodeReference, source string) (Unit, error) {
	env, err := cel.NewEnv()
	if err != nil {
		return nil, err
	}

	unit := &celUnit{ref: ref, env: env, cfg: a.cfg}
	for i, raw := range strings.Split(source, "\n") {
		line := i + 1
		text := strings.TrimSpace(raw)
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		st := celStmt{line: line}
		if m := celKeywordRe.FindStringSubmatch(text); m != nil {
			st.kind, st.expr = celAssert, m[2]
			if m[1] == "print" {
				st.kind = celPrint
			}
		} else if m := celAssignRe.FindStringSubmatch(text); m != nil && !strings.HasPrefix(m[3], "=") {
			st.kind, st.name, st.expr = celAssign, m[2], m[3]
			if m[1] != "" {
				st.kind = celOutput
			}
		} else {
			return nil, errors.CompileFailed(ref.String(), line, fmt.Errorf("expected an assignment, assert or print statement: %q", text))
		}

		ast, iss := env.Parse(st.expr)
		if iss != nil && iss.Err() != nil {
			return nil, errors.CompileFailed(ref.String(), line, iss.Err())
		}
		st.ast = ast
		unit.stmts = append(unit.stmts, st)
	}
	return unit, nil
}

type celUnit struct {
	ref   types.CodeReference
	env   *cel.Env
	cfg   config.CELConfig
	stmts []celStmt
}

func (u *celUnit) Ref() types.CodeReference { return u.ref }

// Lines returns the lines that carry a statement
func (u *celUnit) Lines() []int {
	lines := make([]int, len(u.stmts))
	for i, st := range u.stmts {
		lines[i] = st.line
	}
	return lines
}

func (u *celUnit) program(st celStmt) (cel.Program, error) {
	opts := []cel.ProgramOption{cel.InterruptCheckFrequency(100)}
	if u.cfg.CostLimit > 0 {
		opts = append(opts, cel.CostLimit(u.cfg.CostLimit))
	}
	return u.env.Program(st.ast, opts...)
}

// Execute runs the statements in order inside one module frame
func (u *celUnit) Execute(ctx context.Context, env *Env) error {
	if env == nil || env.Thread == nil {
		return errors.ProtocolViolation("execute %s without a trace thread", u.ref)
	}
	t := env.Thread
	ex := &celExec{env: env, globals: make(map[string]any), outputs: make(map[string]any)}
	t.SetEvaluator(ex)

	if len(u.stmts) == 0 {
		return nil
	}
	if err := t.Call(u.ref, types.Position{Line: u.stmts[0].line}, ""); err != nil {
		return err
	}

	for _, st := range u.stmts {
		pos := types.Position{Line: st.line}
		if err := t.Line(pos); err != nil {
			t.Unwind()
			return err
		}
		if err := u.exec(ctx, ex, st); err != nil {
			if ctx.Err() != nil {
				return t.Stop(ctx.Err().Error())
			}
			if terr := t.Exception(pos, err); terr != nil {
				t.Unwind()
				return terr
			}
			t.Unwind()
			return errors.ExecuteFailed(u.ref.String(), pos, err)
		}
	}

	if err := t.Return(); err != nil {
		return err
	}

	if env.AutoApplyParams && env.Outputs != nil {
		for _, key := range env.Outputs.Keys() {
			if v, ok := ex.globals[key]; ok {
				if err := env.Outputs.Set(key, v); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (u *celUnit) exec(ctx context.Context, ex *celExec, st celStmt) error {
	prg, err := u.program(st)
	if err != nil {
		return err
	}
	out, _, err := prg.ContextEval(ctx, ex.activation())
	if err != nil {
		return err
	}
	value := celNative(out)

	switch st.kind {
	case celAssign:
		ex.globals[st.name] = value
	case celOutput:
		if ex.env.Outputs == nil {
			return fmt.Errorf("no outputs are bound to this execution")
		}
		if err := ex.env.Outputs.Set(st.name, value); err != nil {
			return err
		}
		ex.outputs[st.name] = value
	case celAssert:
		if b, ok := value.(bool); !ok || !b {
			return fmt.Errorf("assertion failed: %s", st.expr)
		}
	case celPrint:
		_, _ = fmt.Fprintln(ex.env.stdout(), value)
	}
	return nil
}

// celExec holds the bindings of one execution
type celExec struct {
	env     *Env
	globals map[string]any
	outputs map[string]any
}

func (ex *celExec) activation() map[string]any {
	act := make(map[string]any, len(ex.env.Inputs)+len(ex.globals))
	for k, v := range ex.env.Inputs {
		act[k] = celInput(v)
	}
	for k, v := range ex.globals {
		act[k] = celInput(v)
	}
	return act
}

// Evaluate reports script variables, inputs and outputs. The module frame is
// the only frame, so every binding is visible from it.
func (ex *celExec) Evaluate(frame types.ExecFrame) ([]types.ExecVariable, error) {
	var out []types.ExecVariable
	for _, k := range sortedKeys(ex.globals) {
		out = append(out, types.ExecVariable{ID: k, Value: ex.globals[k], Kind: types.KindFrameVariable, Attributes: celAttributes(ex.globals[k])})
	}
	for _, k := range sortedKeys(ex.env.Inputs) {
		out = append(out, types.ExecVariable{ID: k, Value: ex.env.Inputs[k], Kind: types.KindInput, Attributes: types.AttrReadOnly})
	}
	for _, k := range sortedKeys(ex.outputs) {
		out = append(out, types.ExecVariable{ID: k, Value: ex.outputs[k], Kind: types.KindOutput})
	}
	return out, nil
}

func celAttributes(v any) types.VariableAttribute {
	switch v.(type) {
	case []any, map[string]any:
		return types.AttrTable
	}
	return types.AttrEmpty
}

// celInput normalizes host values to types the CEL runtime understands
func celInput(v any) any {
	switch x := v.(type) {
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case float32:
		return float64(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = celInput(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = celInput(e)
		}
		return out
	}
	return v
}

// celNative converts a CEL value to plain Go values
func celNative(v ref.Val) any {
	switch x := v.(type) {
	case celtypes.Null:
		return nil
	case traits.Mapper:
		out := make(map[string]any)
		it := x.Iterator()
		for it.HasNext() == celtypes.True {
			k := it.Next()
			out[fmt.Sprint(celNative(k))] = celNative(x.Get(k))
		}
		return out
	case traits.Lister:
		n, _ := x.Size().Value().(int64)
		out := make([]any, 0, n)
		for i := int64(0); i < n; i++ {
			out = append(out, celNative(x.Get(celtypes.Int(i))))
		}
		return out
	}
	return v.Value()
}
