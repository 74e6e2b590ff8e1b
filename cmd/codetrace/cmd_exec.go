package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ctagard/codetrace/internal/adapters"
	"github.com/ctagard/codetrace/internal/errors"
	"github.com/ctagard/codetrace/internal/launchconfig"
	"github.com/ctagard/codetrace/internal/logging"
	"github.com/ctagard/codetrace/internal/metrics"
	"github.com/ctagard/codetrace/internal/profiler"
	"github.com/ctagard/codetrace/internal/runner"
	"github.com/ctagard/codetrace/pkg/types"
)

// execFlags are the flags shared by run, debug and profile
type execFlags struct {
	language string
	inputs   []string
	outputs  []string
	options  []string
	repeat   int

	// debug
	breaks          []string
	actions         []string
	exceptionBreaks bool
	maxPauses       int

	// profile
	pprofPath string
}

var (
	flags execFlags

	runCmd = &cobra.Command{
		Use:   "run <file>",
		Short: "Run a script and print the report as JSON",
		Args:  cobra.ExactArgs(1),
		RunE:  execCommand(types.BuildRun),
	}

	debugCmd = &cobra.Command{
		Use:   "debug <file>",
		Short: "Run a script with breakpoints and print every recorded pause",
		Example: `  codetrace debug sum.lua --input a=1 --input b=2 --break 2 --break "3:x > 1" --action stepIn
  codetrace debug rules.cel --input n=5 --break 1 --exception-breaks`,
		Args: cobra.ExactArgs(1),
		RunE: execCommand(types.BuildDebug),
	}

	profileCmd = &cobra.Command{
		Use:   "profile <file>",
		Short: "Run a script under the profiler",
		Args:  cobra.ExactArgs(1),
		RunE:  execCommand(types.BuildProfile),
	}
)

func init() {
	for _, cmd := range []*cobra.Command{runCmd, debugCmd, profileCmd} {
		f := cmd.Flags()
		f.StringVar(&flags.language, "lang", "", "Script language: 'lua' or 'cel' (default from the file extension)")
		f.StringArrayVarP(&flags.inputs, "input", "i", nil, "Input binding name=value; values are parsed as JSON when possible")
		f.StringSliceVarP(&flags.outputs, "output", "o", nil, "Output bindings to collect")
		f.StringArrayVar(&flags.options, "option", nil, "Adapter option name=value")
		f.IntVar(&flags.repeat, "repeat", 1, "Run the script this many times inside one group")
	}

	f := debugCmd.Flags()
	f.StringArrayVarP(&flags.breaks, "break", "b", nil, "Breakpoint line[:condition]")
	f.StringSliceVarP(&flags.actions, "action", "a", nil, "Actions answering the pauses in order: continue, stepOver, stepIn, stepOut, stop")
	f.BoolVar(&flags.exceptionBreaks, "exception-breaks", false, "Also pause where the script raises an error")
	f.IntVar(&flags.maxPauses, "max-pauses", 100, "Maximum number of pauses recorded per run")

	profileCmd.Flags().StringVar(&flags.pprofPath, "pprof", "", "Write the recording as a gzipped pprof profile to this path")
}

func execCommand(kind types.BuildKind) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if err := checkPermission(kind); err != nil {
			return err
		}
		j, err := flags.job(kind, args[0])
		if err != nil {
			return err
		}
		report, err := newRunner().Execute(cmd.Context(), j)
		if err != nil {
			return err
		}

		if flags.pprofPath != "" && report.Recorder != nil {
			if err := writePprof(flags.pprofPath, report.Recorder); err != nil {
				return err
			}
			logger.Info().Str("path", flags.pprofPath).Msg("pprof profile written")
		}
		return printReport(cmd.OutOrStdout(), report)
	}
}

func checkPermission(kind types.BuildKind) error {
	var ok bool
	switch kind {
	case types.BuildRun:
		ok = cfg.CanRun()
	case types.BuildDebug:
		ok = cfg.CanDebug()
	case types.BuildProfile:
		ok = cfg.CanProfile()
	}
	if !ok {
		return errors.PermissionDenied(string(kind), string(cfg.Mode))
	}
	return nil
}

func newRunner() *runner.Runner {
	return runner.New(adapters.NewRegistry(cfg),
		runner.WithLogger(logging.Component(logger, "runner")),
		runner.WithMetrics(metrics.Nop()),
		runner.WithLimits(cfg.Limits),
	)
}

func (f *execFlags) job(kind types.BuildKind, path string) (*runner.Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	lang := types.Language(f.language)
	if lang == "" {
		inferred, ok := adapters.LanguageForFile(path)
		if !ok {
			return nil, fmt.Errorf("cannot infer the language of %s: use --lang", path)
		}
		lang = inferred
	}

	inputs, err := parseAssignments(f.inputs)
	if err != nil {
		return nil, fmt.Errorf("--input: %w", err)
	}
	options, err := parseAssignments(f.options)
	if err != nil {
		return nil, fmt.Errorf("--option: %w", err)
	}

	j := &runner.Job{
		Kind:     kind,
		Language: lang,
		Title:    path,
		Source:   string(data),
		Inputs:   inputs,
		Outputs:  f.outputs,
		Options:  options,
		Repeat:   f.repeat,
	}
	if kind != types.BuildDebug {
		return j, nil
	}

	if j.Breakpoints, err = parseBreaks(f.breaks); err != nil {
		return nil, err
	}
	if j.Actions, err = launchconfig.ParseActions(f.actions); err != nil {
		return nil, err
	}
	j.ExceptionBreaks = f.exceptionBreaks
	j.MaxPauses = f.maxPauses
	return j, nil
}

// parseAssignments parses name=value pairs. A value that is valid JSON is
// decoded, anything else is kept as a string.
func parseAssignments(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		name, raw, ok := strings.Cut(pair, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("expected name=value, got %q", pair)
		}
		var v any
		if err := launchconfig.DecodeJSON([]byte(raw), &v); err != nil {
			v = raw
		}
		out[name] = v
	}
	return out, nil
}

// parseBreaks parses line[:condition] breakpoint flags
func parseBreaks(values []string) ([]launchconfig.BreakpointConfig, error) {
	var out []launchconfig.BreakpointConfig
	for _, value := range values {
		lineText, cond, _ := strings.Cut(value, ":")
		line, err := strconv.Atoi(strings.TrimSpace(lineText))
		if err != nil || line < 1 {
			return nil, fmt.Errorf("--break %q: expected a positive line number", value)
		}
		out = append(out, launchconfig.BreakpointConfig{Line: line, Condition: strings.TrimSpace(cond)})
	}
	return out, nil
}

func writePprof(path string, rec *profiler.Recorder) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := profiler.WritePprof(f, rec, -1); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func printReport(w io.Writer, report *runner.Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return err
	}
	if report.Failed() {
		return fmt.Errorf("%s failed", report.Code)
	}
	return nil
}
