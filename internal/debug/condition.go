package debug

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/ctagard/codetrace/internal/vars"
)

// condition is a CEL breakpoint condition. Variables are declared from the
// snapshot, so one compiled program is kept per distinct set of names.
type condition struct {
	expr string

	mu       sync.Mutex
	programs map[string]cel.Program
}

func newCondition(expr string) *condition {
	return &condition{expr: expr, programs: make(map[string]cel.Program)}
}

// check parses the expression without type-checking it
func (c *condition) check() error {
	env, err := cel.NewEnv()
	if err != nil {
		return err
	}
	if _, iss := env.Parse(c.expr); iss != nil && iss.Err() != nil {
		return fmt.Errorf("invalid condition %q: %w", c.expr, iss.Err())
	}
	return nil
}

func (c *condition) eval(snap vars.Snapshot) (bool, error) {
	names := celNames(snap)
	prg, err := c.program(names)
	if err != nil {
		return false, err
	}

	activation := make(map[string]any, len(names))
	for _, name := range names {
		v, _ := snap.Get(name)
		activation[name] = celValue(v.Value)
	}

	out, _, err := prg.Eval(activation)
	if err != nil {
		return false, err
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition %q evaluated to %T, want bool", c.expr, out.Value())
	}
	return b, nil
}

func (c *condition) program(names []string) (cel.Program, error) {
	key := strings.Join(names, ",")

	c.mu.Lock()
	defer c.mu.Unlock()
	if prg, ok := c.programs[key]; ok {
		return prg, nil
	}

	opts := []cel.EnvOption{cel.CrossTypeNumericComparisons(true)}
	for _, name := range names {
		opts = append(opts, cel.Variable(name, cel.DynType))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, err
	}
	ast, iss := env.Compile(c.expr)
	if iss != nil && iss.Err() != nil {
		return nil, iss.Err()
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, err
	}
	c.programs[key] = prg
	return prg, nil
}

var celIdent = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

var celReserved = map[string]bool{
	"true": true, "false": true, "null": true, "in": true, "as": true,
	"break": true, "const": true, "continue": true, "else": true, "for": true,
	"function": true, "if": true, "import": true, "let": true, "loop": true,
	"package": true, "namespace": true, "return": true, "var": true,
	"void": true, "while": true,
}

// celNames returns the snapshot names usable as CEL identifiers
func celNames(snap vars.Snapshot) []string {
	var out []string
	for _, name := range snap.Names() {
		if celIdent.MatchString(name) && !celReserved[name] {
			out = append(out, name)
		}
	}
	return out
}

// celValue normalizes adapter values to types the CEL runtime understands
func celValue(v any) any {
	switch x := v.(type) {
	case nil, bool, string, int64, uint64, float64, []byte:
		return x
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case float32:
		return float64(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = celValue(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = celValue(e)
		}
		return out
	default:
		return fmt.Sprint(x)
	}
}
