package launchconfig

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ctagard/codetrace/internal/debug"
	"github.com/ctagard/codetrace/internal/errors"
	"github.com/ctagard/codetrace/pkg/types"
)

// ResolvedConfiguration is a fully resolved configuration ready for use.
type ResolvedConfiguration struct {
	*Configuration

	Language types.Language
	Kind     types.BuildKind
	// Title names the code unit: the program path, or the configuration name
	// for inline source
	Title string
	// Text is the source to compile, read from Program when Source is empty
	Text    string
	Actions []types.DebugAction
}

// ResolveConfiguration resolves all variables in a configuration and loads
// its source.
func ResolveConfiguration(cfg *Configuration, ctx *ResolutionContext) (*ResolvedConfiguration, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration is nil")
	}
	if ctx == nil {
		ctx = &ResolutionContext{}
	}
	if err := ValidateConfiguration(cfg); err != nil {
		return nil, errors.ConfigInvalid(cfg.Name, err.Error())
	}

	// Check for missing input values first
	if missing := ValidateInputsProvided(cfg, ctx.InputValues); len(missing) > 0 {
		return nil, errors.MissingInputs(missing)
	}

	resolved := cfg.Clone()
	var err error

	resolved.Program, err = ResolveStringField(cfg.Program, ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve program: %w", err)
	}
	resolved.Inputs, err = resolveMap(cfg.Inputs, ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve inputs: %w", err)
	}
	resolved.Options, err = resolveMap(cfg.Options, ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve options: %w", err)
	}

	actions, err := ParseActions(cfg.Actions)
	if err != nil {
		return nil, errors.ConfigInvalid(cfg.Name, err.Error())
	}
	kind, _ := resolved.GetKind()

	r := &ResolvedConfiguration{
		Configuration: resolved,
		Language:      resolved.GetLanguage(),
		Kind:          kind,
		Title:         resolved.Name,
		Text:          resolved.Source,
		Actions:       actions,
	}

	if resolved.Program != "" {
		path := resolved.Program
		if !filepath.IsAbs(path) && ctx.WorkspaceFolder != "" {
			path = filepath.Join(ctx.WorkspaceFolder, path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read program: %w", err)
		}
		r.Text = string(data)
		r.Title = resolved.Program
		r.Program = path
	}

	return r, nil
}

// BuildBreakpoints creates the configured breakpoints against ref.
func (r *ResolvedConfiguration) BuildBreakpoints(ref types.CodeReference) ([]*debug.Breakpoint, error) {
	bps, err := NewBreakpoints(ref, r.Configuration.Breakpoints)
	if err != nil {
		return nil, errors.ConfigInvalid(r.Name, err.Error())
	}
	return bps, nil
}

// NewBreakpoints creates breakpoints against ref and validates their
// conditions.
func NewBreakpoints(ref types.CodeReference, cfgs []BreakpointConfig) ([]*debug.Breakpoint, error) {
	bps := make([]*debug.Breakpoint, 0, len(cfgs))
	for i, c := range cfgs {
		bp := debug.NewBreakpoint(ref, c.Line).When(c.Condition).OnHit(c.HitCondition).Log(c.LogMessage)
		if err := bp.Validate(); err != nil {
			return nil, fmt.Errorf("breakpoints[%d]: %w", i, err)
		}
		bps = append(bps, bp)
	}
	return bps, nil
}

// Runs returns how many executions the configuration asks for
func (r *ResolvedConfiguration) Runs() int {
	if r.Repeat <= 0 {
		return 1
	}
	return r.Repeat
}

// ParseActions parses action names such as "continue" or "stepIn"
func ParseActions(names []string) ([]types.DebugAction, error) {
	actions := make([]types.DebugAction, 0, len(names))
	for i, name := range names {
		a, err := types.ParseDebugAction(name)
		if err != nil {
			return nil, fmt.Errorf("actions[%d]: %w", i, err)
		}
		actions = append(actions, a)
	}
	return actions, nil
}

// MergeOverrides applies override values to a configuration.
// This allows tool arguments to override values from the launch file.
func MergeOverrides(cfg *Configuration, overrides map[string]any) *Configuration {
	if len(overrides) == 0 {
		return cfg
	}

	result := cfg.Clone()

	for k, v := range overrides {
		switch k {
		case "program":
			if s, ok := v.(string); ok {
				result.Program = s
				result.Source = ""
			}
		case "source":
			if s, ok := v.(string); ok {
				result.Source = s
				result.Program = ""
			}
		case "request":
			if s, ok := v.(string); ok {
				result.Request = s
			}
		case "inputs":
			if m, ok := v.(map[string]any); ok {
				if result.Inputs == nil {
					result.Inputs = make(map[string]any)
				}
				for name, value := range m {
					result.Inputs[name] = value
				}
			}
		case "options":
			if m, ok := v.(map[string]any); ok {
				if result.Options == nil {
					result.Options = make(map[string]any)
				}
				for name, value := range m {
					result.Options[name] = value
				}
			}
		case "actions":
			result.Actions = toStrings(v)
		case "outputs":
			result.Outputs = toStrings(v)
		case "repeat":
			switch n := v.(type) {
			case int:
				result.Repeat = n
			case int64:
				result.Repeat = int(n)
			case float64:
				result.Repeat = int(n)
			}
		case "exceptionBreaks":
			if b, ok := v.(bool); ok {
				result.ExceptionBreaks = b
			}
		}
	}

	return result
}

func toStrings(v any) []string {
	switch arr := v.(type) {
	case []string:
		return arr
	case []any:
		out := make([]string, 0, len(arr))
		for _, item := range arr {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
