// Package launchconfig provides support for codetrace launch files.
//
// A launch file lives at .codetrace/launch.json (or launch.yaml) and names
// run configurations: which script to execute, with which inputs, and
// whether to run, debug or profile it.
package launchconfig

import (
	"encoding/json"

	"github.com/ctagard/codetrace/internal/adapters"
	"github.com/ctagard/codetrace/pkg/types"
)

// LaunchFile represents a launch file structure.
type LaunchFile struct {
	Version        string           `json:"version" yaml:"version"`
	Configurations []Configuration  `json:"configurations" yaml:"configurations"`
	Compounds      []CompoundConfig `json:"compounds,omitempty" yaml:"compounds,omitempty"`
	Inputs         []InputConfig    `json:"inputs,omitempty" yaml:"inputs,omitempty"`
}

// Configuration represents a single run configuration.
type Configuration struct {
	// Required fields
	Name    string `json:"name" yaml:"name"`
	Request string `json:"request" yaml:"request"` // "run", "debug" or "profile"

	// Language is inferred from the program extension when empty
	Language string `json:"language,omitempty" yaml:"language,omitempty"`

	// Exactly one of Program and Source is set
	Program string `json:"program,omitempty" yaml:"program,omitempty"`
	Source  string `json:"source,omitempty" yaml:"source,omitempty"`

	Inputs  map[string]any `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Outputs []string       `json:"outputs,omitempty" yaml:"outputs,omitempty"`
	Options map[string]any `json:"options,omitempty" yaml:"options,omitempty"`

	// Debug-specific
	Breakpoints     []BreakpointConfig `json:"breakpoints,omitempty" yaml:"breakpoints,omitempty"`
	Actions         []string           `json:"actions,omitempty" yaml:"actions,omitempty"`
	ExceptionBreaks bool               `json:"exceptionBreaks,omitempty" yaml:"exceptionBreaks,omitempty"`

	// Repeat runs the configuration that many times inside one group
	Repeat int `json:"repeat,omitempty" yaml:"repeat,omitempty"`
}

// BreakpointConfig is a breakpoint declared in a launch file.
type BreakpointConfig struct {
	Line         int    `json:"line" yaml:"line"`
	Condition    string `json:"condition,omitempty" yaml:"condition,omitempty"`
	HitCondition string `json:"hitCondition,omitempty" yaml:"hitCondition,omitempty"`
	LogMessage   string `json:"logMessage,omitempty" yaml:"logMessage,omitempty"`
}

// CompoundConfig groups configurations that are launched together.
type CompoundConfig struct {
	Name           string   `json:"name" yaml:"name"`
	Configurations []string `json:"configurations" yaml:"configurations"`
	StopAll        bool     `json:"stopAll,omitempty" yaml:"stopAll,omitempty"`
}

// InputConfig represents a user input variable definition.
type InputConfig struct {
	ID          string   `json:"id" yaml:"id"`
	Type        string   `json:"type" yaml:"type"` // "promptString" or "pickString"
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Default     string   `json:"default,omitempty" yaml:"default,omitempty"`
	Options     []string `json:"options,omitempty" yaml:"options,omitempty"` // For pickString
}

// ResolutionContext provides context for variable resolution.
type ResolutionContext struct {
	WorkspaceFolder string            // Root folder of the workspace
	CurrentFile     string            // Currently active file (for ${file} variables)
	InputValues     map[string]string // Pre-provided values for ${input:} variables
	EnvOverrides    map[string]string // Override environment variables
}

// GetLanguage returns the configured language, falling back to the program
// file extension.
func (c *Configuration) GetLanguage() types.Language {
	if c.Language != "" {
		return types.Language(c.Language)
	}
	if lang, ok := adapters.LanguageForFile(c.Program); ok {
		return lang
	}
	return ""
}

// GetKind maps the request to a build kind.
func (c *Configuration) GetKind() (types.BuildKind, bool) {
	switch types.BuildKind(c.Request) {
	case types.BuildRun, types.BuildDebug, types.BuildProfile:
		return types.BuildKind(c.Request), true
	}
	return "", false
}

// Clone creates a deep copy of the configuration.
func (c *Configuration) Clone() *Configuration {
	// Use JSON round-trip for deep copy
	data, _ := json.Marshal(c)
	var clone Configuration
	_ = json.Unmarshal(data, &clone) // Error ignored: unmarshal of our own marshaled data should not fail
	// The round trip turns every number into float64
	clone.Inputs = copyValues(c.Inputs)
	clone.Options = copyValues(c.Options)
	return &clone
}

// InputDefaults returns the default value of every declared input that has one.
func (lf *LaunchFile) InputDefaults() map[string]string {
	defaults := make(map[string]string)
	for _, in := range lf.Inputs {
		if in.Default != "" {
			defaults[in.ID] = in.Default
		}
	}
	return defaults
}

// MergeInputValues layers provided values over the declared defaults.
func (lf *LaunchFile) MergeInputValues(provided map[string]string) map[string]string {
	merged := lf.InputDefaults()
	for k, v := range provided {
		merged[k] = v
	}
	return merged
}
