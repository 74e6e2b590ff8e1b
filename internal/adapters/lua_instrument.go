package adapters

import (
	"strconv"

	"github.com/yuin/gopher-lua/ast"
)

// lineHook is the global the instrumented chunk calls before every statement.
// Its arguments are the statement line and, for the first statement of a
// function body, true. Empty function bodies get a single entry call.
const lineHook = "__codetrace_line"

// chunkInfo is what instrumentation learns about a chunk
type chunkInfo struct {
	// names maps a function's definition line to its name
	names map[int]string
	// globals lists names assigned without a local declaration
	globals []string
	// lines lists every instrumented statement line
	lines map[int]bool
}

type instrumenter struct {
	info   *chunkInfo
	seen   map[string]bool
	locals []map[string]bool
}

// instrument inserts a line hook call in front of every statement of chunk
// and of every nested function body.
func instrument(chunk []ast.Stmt) ([]ast.Stmt, *chunkInfo) {
	in := &instrumenter{
		info: &chunkInfo{names: make(map[int]string), lines: make(map[int]bool)},
		seen: make(map[string]bool),
	}
	return in.block(chunk, true), in.info
}

func hookCall(line int, entry bool) ast.Stmt {
	args := []ast.Expr{&ast.NumberExpr{Value: strconv.Itoa(line)}}
	if entry {
		args = append(args, &ast.TrueExpr{})
	}
	fn := &ast.IdentExpr{Value: lineHook}
	call := &ast.FuncCallExpr{Func: fn, Args: args}
	stmt := &ast.FuncCallStmt{Expr: call}
	fn.SetLine(line)
	call.SetLine(line)
	stmt.SetLine(line)
	for _, a := range args {
		a.SetLine(line)
	}
	return stmt
}

func (in *instrumenter) block(stmts []ast.Stmt, entry bool) []ast.Stmt {
	in.locals = append(in.locals, make(map[string]bool))
	defer func() { in.locals = in.locals[:len(in.locals)-1] }()

	out := make([]ast.Stmt, 0, 2*len(stmts))
	for i, s := range stmts {
		line := s.Line()
		in.info.lines[line] = true
		out = append(out, hookCall(line, entry && i == 0), s)
		in.stmt(s)
	}
	return out
}

func (in *instrumenter) isLocal(name string) bool {
	for i := len(in.locals) - 1; i >= 0; i-- {
		if in.locals[i][name] {
			return true
		}
	}
	return false
}

func (in *instrumenter) declare(names ...string) {
	scope := in.locals[len(in.locals)-1]
	for _, n := range names {
		scope[n] = true
	}
}

func (in *instrumenter) global(name string) {
	if in.isLocal(name) || in.seen[name] {
		return
	}
	in.seen[name] = true
	in.info.globals = append(in.info.globals, name)
}

func (in *instrumenter) stmt(s ast.Stmt) {
	switch st := s.(type) {
	case *ast.AssignStmt:
		for _, e := range st.Lhs {
			if id, ok := e.(*ast.IdentExpr); ok {
				in.global(id.Value)
			}
			in.expr(e, "")
		}
		for i, e := range st.Rhs {
			name := ""
			if i < len(st.Lhs) {
				name = exprName(st.Lhs[i])
			}
			in.expr(e, name)
		}

	case *ast.LocalAssignStmt:
		for i, e := range st.Exprs {
			name := ""
			if i < len(st.Names) {
				name = st.Names[i]
			}
			in.expr(e, name)
		}
		in.declare(st.Names...)

	case *ast.FuncCallStmt:
		in.expr(st.Expr, "")

	case *ast.DoBlockStmt:
		st.Stmts = in.block(st.Stmts, false)

	case *ast.WhileStmt:
		in.expr(st.Condition, "")
		st.Stmts = in.block(st.Stmts, false)

	case *ast.RepeatStmt:
		st.Stmts = in.block(st.Stmts, false)
		in.expr(st.Condition, "")

	case *ast.IfStmt:
		in.expr(st.Condition, "")
		st.Then = in.block(st.Then, false)
		st.Else = in.block(st.Else, false)

	case *ast.NumberForStmt:
		in.expr(st.Init, "")
		in.expr(st.Limit, "")
		in.expr(st.Step, "")
		in.locals = append(in.locals, map[string]bool{st.Name: true})
		st.Stmts = in.block(st.Stmts, false)
		in.locals = in.locals[:len(in.locals)-1]

	case *ast.GenericForStmt:
		for _, e := range st.Exprs {
			in.expr(e, "")
		}
		scope := make(map[string]bool, len(st.Names))
		for _, n := range st.Names {
			scope[n] = true
		}
		in.locals = append(in.locals, scope)
		st.Stmts = in.block(st.Stmts, false)
		in.locals = in.locals[:len(in.locals)-1]

	case *ast.FuncDefStmt:
		name := ""
		if st.Name != nil {
			name = exprName(st.Name.Func)
			if st.Name.Method != "" {
				name += ":" + st.Name.Method
			} else if id, ok := st.Name.Func.(*ast.IdentExpr); ok {
				in.global(id.Value)
			}
		}
		in.function(st.Func, name)

	case *ast.ReturnStmt:
		for _, e := range st.Exprs {
			in.expr(e, "")
		}
	}
}

func (in *instrumenter) function(fn *ast.FunctionExpr, name string) {
	if fn == nil {
		return
	}
	if name == "" {
		name = "anonymous"
	}
	if _, ok := in.info.names[fn.Line()]; !ok {
		in.info.names[fn.Line()] = name
	}
	in.locals = append(in.locals, make(map[string]bool))
	if fn.ParList != nil {
		in.declare(fn.ParList.Names...)
	}
	if len(fn.Stmts) == 0 {
		// an empty body still reports its activation, at its end line
		line := fn.LastLine()
		if line == 0 {
			line = fn.Line()
		}
		fn.Stmts = []ast.Stmt{hookCall(line, true)}
	} else {
		fn.Stmts = in.block(fn.Stmts, true)
	}
	in.locals = in.locals[:len(in.locals)-1]
}

// expr walks an expression looking for function bodies. name is the binding
// the expression is assigned to, used to name anonymous functions.
func (in *instrumenter) expr(e ast.Expr, name string) {
	switch ex := e.(type) {
	case nil:
	case *ast.FunctionExpr:
		in.function(ex, name)
	case *ast.FuncCallExpr:
		in.expr(ex.Func, "")
		in.expr(ex.Receiver, "")
		for _, a := range ex.Args {
			in.expr(a, "")
		}
	case *ast.TableExpr:
		for _, f := range ex.Fields {
			key := ""
			if s, ok := f.Key.(*ast.StringExpr); ok {
				key = s.Value
			}
			in.expr(f.Key, "")
			in.expr(f.Value, key)
		}
	case *ast.AttrGetExpr:
		in.expr(ex.Object, "")
		in.expr(ex.Key, "")
	case *ast.LogicalOpExpr:
		in.expr(ex.Lhs, "")
		in.expr(ex.Rhs, "")
	case *ast.RelationalOpExpr:
		in.expr(ex.Lhs, "")
		in.expr(ex.Rhs, "")
	case *ast.StringConcatOpExpr:
		in.expr(ex.Lhs, "")
		in.expr(ex.Rhs, "")
	case *ast.ArithmeticOpExpr:
		in.expr(ex.Lhs, "")
		in.expr(ex.Rhs, "")
	case *ast.UnaryMinusOpExpr:
		in.expr(ex.Expr, "")
	case *ast.UnaryNotOpExpr:
		in.expr(ex.Expr, "")
	case *ast.UnaryLenOpExpr:
		in.expr(ex.Expr, "")
	}
}

func exprName(e ast.Expr) string {
	switch ex := e.(type) {
	case *ast.IdentExpr:
		return ex.Value
	case *ast.AttrGetExpr:
		obj := exprName(ex.Object)
		if k, ok := ex.Key.(*ast.StringExpr); ok && obj != "" {
			return obj + "." + k.Value
		}
	}
	return ""
}
