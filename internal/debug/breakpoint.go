package debug

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ctagard/codetrace/internal/vars"
	"github.com/ctagard/codetrace/pkg/types"
)

// Breakpoint targets a line in a code unit. Condition is a CEL expression over
// the frame's variables; HitCondition gates on how many times the location
// (and condition) matched; LogMessage turns the breakpoint into a logpoint that
// writes instead of pausing.
type Breakpoint struct {
	Ref          types.CodeReference
	Line         int
	Condition    string
	HitCondition string
	LogMessage   string

	hits     atomic.Int64
	condOnce sync.Once
	cond     *condition
}

// NewBreakpoint creates a breakpoint at ref:line
func NewBreakpoint(ref types.CodeReference, line int) *Breakpoint {
	return &Breakpoint{Ref: ref, Line: line}
}

// When sets a CEL condition
func (b *Breakpoint) When(expr string) *Breakpoint {
	b.Condition = expr
	return b
}

// OnHit sets the hit condition ("3", ">=2", "%2", ...)
func (b *Breakpoint) OnHit(expr string) *Breakpoint {
	b.HitCondition = expr
	return b
}

// Log turns the breakpoint into a logpoint. {name} placeholders are replaced
// with variable values.
func (b *Breakpoint) Log(message string) *Breakpoint {
	b.LogMessage = message
	return b
}

// IsLogpoint reports whether the breakpoint writes instead of pausing
func (b *Breakpoint) IsLogpoint() bool {
	return b.LogMessage != ""
}

// Hits returns the number of times the breakpoint matched
func (b *Breakpoint) Hits() int64 {
	return b.hits.Load()
}

// Validate checks the condition and hit condition syntax
func (b *Breakpoint) Validate() error {
	if b.Line <= 0 {
		return fmt.Errorf("breakpoint line must be positive, got %d", b.Line)
	}
	if _, err := parseHitCondition(b.HitCondition); err != nil {
		return err
	}
	if b.Condition != "" {
		if err := b.condition().check(); err != nil {
			return err
		}
	}
	return nil
}

// At reports whether f is a breakable frame at the breakpoint's location
func (b *Breakpoint) At(f types.ExecFrame) bool {
	return f.Event.Breakable() && f.Pos.Line == b.Line && b.Ref.Same(f.Ref)
}

// Matches reports whether f is at the breakpoint's location and its condition
// holds. evaluate is only called when there is a condition; a nil evaluate
// sees no variables. Hit counts are not touched.
func (b *Breakpoint) Matches(f types.ExecFrame, evaluate func() (vars.Snapshot, error)) bool {
	if !b.At(f) {
		return false
	}
	if b.Condition == "" {
		return true
	}
	var snap vars.Snapshot
	if evaluate != nil {
		s, err := evaluate()
		if err != nil {
			return false
		}
		snap = s
	}
	ok, err := b.condition().eval(snap)
	return err == nil && ok
}

// hit counts a match and reports whether the hit condition is satisfied
func (b *Breakpoint) hit() bool {
	n := b.hits.Add(1)
	hc, err := parseHitCondition(b.HitCondition)
	if err != nil {
		return false
	}
	return hc.satisfied(n)
}

func (b *Breakpoint) condition() *condition {
	b.condOnce.Do(func() {
		b.cond = newCondition(b.Condition)
	})
	return b.cond
}

var placeholder = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_.]*)\}`)

// Message renders LogMessage against a snapshot
func (b *Breakpoint) Message(snap vars.Snapshot) string {
	return placeholder.ReplaceAllStringFunc(b.LogMessage, func(m string) string {
		name := m[1 : len(m)-1]
		if v, ok := snap.Get(name); ok {
			return fmt.Sprint(v.Value)
		}
		return m
	})
}

func (b *Breakpoint) String() string {
	s := fmt.Sprintf("%s:%d", b.Ref, b.Line)
	if b.Condition != "" {
		s += " if " + b.Condition
	}
	return s
}

type hitCondition struct {
	op string
	n  int64
}

func parseHitCondition(s string) (hitCondition, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return hitCondition{}, nil
	}
	for _, op := range []string{">=", "<=", "==", ">", "<", "%"} {
		if strings.HasPrefix(s, op) {
			n, err := strconv.ParseInt(strings.TrimSpace(s[len(op):]), 10, 64)
			if err != nil || n <= 0 {
				return hitCondition{}, fmt.Errorf("invalid hit condition %q", s)
			}
			return hitCondition{op: op, n: n}, nil
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return hitCondition{}, fmt.Errorf("invalid hit condition %q", s)
	}
	return hitCondition{op: "==", n: n}, nil
}

func (h hitCondition) satisfied(hits int64) bool {
	switch h.op {
	case "":
		return true
	case "==":
		return hits == h.n
	case ">=":
		return hits >= h.n
	case "<=":
		return hits <= h.n
	case ">":
		return hits > h.n
	case "<":
		return hits < h.n
	case "%":
		return hits%h.n == 0
	}
	return false
}
