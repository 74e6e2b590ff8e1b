package mcp

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ctagard/codetrace/internal/adapters"
	"github.com/ctagard/codetrace/internal/errors"
	"github.com/ctagard/codetrace/internal/launchconfig"
	"github.com/ctagard/codetrace/internal/profiler"
	"github.com/ctagard/codetrace/internal/runner"
	"github.com/ctagard/codetrace/pkg/types"
)

// inlineTitle names code passed through the source parameter
const inlineTitle = "inline"

// Execution Handlers

func (s *Server) handleCodeRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.handleCode(ctx, request, types.BuildRun)
}

func (s *Server) handleCodeDebug(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.handleCode(ctx, request, types.BuildDebug)
}

func (s *Server) handleCodeProfile(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.handleCode(ctx, request, types.BuildProfile)
}

func (s *Server) handleCode(ctx context.Context, request mcp.CallToolRequest, kind types.BuildKind) (*mcp.CallToolResult, error) {
	if err := s.checkPermission(kind); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	j, err := jobFromRequest(request, kind)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	result, err := s.execute(ctx, j)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(result)
}

// jobResult is the tool response for one executed job
type jobResult struct {
	*runner.Report
	ResultID string `json:"resultId,omitempty"`
}

// execute runs j and keeps the recording of profile jobs
func (s *Server) execute(ctx context.Context, j *runner.Job) (*jobResult, error) {
	report, err := s.runner.Execute(ctx, j)
	if err != nil {
		return nil, err
	}

	result := &jobResult{Report: report}
	if report.Recorder != nil {
		outputs := make([]map[string]any, len(report.Runs))
		for i, run := range report.Runs {
			outputs[i] = run.Outputs
		}
		kept := s.results.Put(report.Code, report.Group, report.Recorder, outputs)
		result.ResultID = kept.ID
	}

	s.logger.Info().
		Str("kind", string(j.Kind)).
		Str("code", report.Code.String()).
		Int("runs", len(report.Runs)).
		Bool("failed", report.Failed()).
		Msg("tool execution finished")
	return result, nil
}

func (s *Server) checkPermission(kind types.BuildKind) error {
	var ok bool
	switch kind {
	case types.BuildRun:
		ok = s.config.CanRun()
	case types.BuildDebug:
		ok = s.config.CanDebug()
	case types.BuildProfile:
		ok = s.config.CanProfile()
	}
	if !ok {
		return errors.PermissionDenied(string(kind), string(s.config.Mode))
	}
	return nil
}

// jobFromRequest reads the code parameters shared by code_run, code_debug and code_profile
func jobFromRequest(request mcp.CallToolRequest, kind types.BuildKind) (*runner.Job, error) {
	j := &runner.Job{Kind: kind}

	source, _ := request.RequireString("source")
	program, _ := request.RequireString("program")
	switch {
	case source != "" && program != "":
		return nil, errors.InvalidParameter("program", program, "either source or program, not both")
	case source != "":
		j.Title = inlineTitle
		j.Source = source
	case program != "":
		data, err := os.ReadFile(program)
		if err != nil {
			return nil, errors.InvalidParameter("program", program, "a readable script file").WithCause(err)
		}
		j.Title = program
		j.Source = string(data)
	default:
		return nil, errors.MissingParameter("source",
			"Provide the script inline with source, or a file path with program.")
	}

	lang, _ := request.RequireString("language")
	j.Language = types.Language(lang)
	if j.Language == "" {
		inferred, ok := adapters.LanguageForFile(program)
		if !ok {
			return nil, errors.MissingParameter("language",
				"Specify the script language: 'lua' or 'cel'. It can only be inferred from a program file extension.")
		}
		j.Language = inferred
	}

	if err := jsonParam(request, "inputs", &j.Inputs, `{"a": 21, "b": 21}`); err != nil {
		return nil, err
	}
	if err := jsonParam(request, "options", &j.Options, `{"lua.keepScope": true}`); err != nil {
		return nil, err
	}
	j.Outputs = listParam(request, "outputs")

	repeat, err := intParam(request, "repeat", 1)
	if err != nil {
		return nil, err
	}
	if repeat < 1 {
		return nil, errors.InvalidParameter("repeat", repeat, "a positive number")
	}
	j.Repeat = repeat

	if kind != types.BuildDebug {
		return j, nil
	}

	if err := jsonParam(request, "breakpoints", &j.Breakpoints, `[{"line": 3, "condition": "a > 1"}]`); err != nil {
		return nil, err
	}
	if names := listParam(request, "actions"); len(names) > 0 {
		actions, err := launchconfig.ParseActions(names)
		if err != nil {
			return nil, errors.InvalidParameter("actions", strings.Join(names, ","), "continue, stepOver, stepIn, stepOut or stop")
		}
		j.Actions = actions
	}
	j.ExceptionBreaks = request.GetBool("exceptionBreaks", false)
	if j.MaxPauses, err = intParam(request, "maxPauses", defaultMaxPauses); err != nil {
		return nil, err
	}
	return j, nil
}

// jsonParam decodes an optional JSON string parameter into dst
func jsonParam(request mcp.CallToolRequest, name string, dst any, example string) error {
	raw, err := request.RequireString(name)
	if err != nil || strings.TrimSpace(raw) == "" {
		return nil
	}
	if err := launchconfig.DecodeJSON([]byte(raw), dst); err != nil {
		return errors.InvalidJSON(name, err, example)
	}
	return nil
}

// listParam splits an optional comma-separated parameter
func listParam(request mcp.CallToolRequest, name string) []string {
	raw, err := request.RequireString(name)
	if err != nil {
		return nil
	}
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func intParam(request mcp.CallToolRequest, name string, def int) (int, error) {
	v, err := request.RequireFloat(name)
	if err != nil {
		return def, nil
	}
	if v != float64(int(v)) {
		return 0, errors.InvalidParameter(name, v, "a whole number")
	}
	return int(v), nil
}

// Profile Handlers

// lineView is one row of the 'lines' view
type lineView struct {
	Code     string  `json:"code"`
	Function string  `json:"function"`
	Line     int     `json:"line"`
	Hits     int64   `json:"hits"`
	TimeMs   float64 `json:"timeMs"`
}

func (s *Server) handleProfileQuery(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("resultId")
	if err != nil {
		return mcp.NewToolResultError(errors.MissingParameter("resultId",
			"Pass the resultId returned by code_profile or code_launch.").Error()), nil
	}
	result, err := s.results.Get(id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	run, err := intParam(request, "run", -1)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	runs := result.Recorder.GetRunCount()
	if run >= runs {
		return mcp.NewToolResultError(errors.InvalidParameter("run", run,
			fmt.Sprintf("a run index below %d", runs)).Error()), nil
	}

	rec := result.Recorder
	switch view := request.GetString("view", "summary"); view {
	case "summary":
		return jsonResult(map[string]any{
			"resultId":   result.ID,
			"code":       result.Ref,
			"group":      result.Group,
			"runs":       runs,
			"coverage":   rec.Coverage(result.Ref),
			"durationMs": ms(rec.Duration(result.Ref).Seconds()),
			"groups":     rec.GetGroups(),
			"outputs":    result.Outputs,
		})

	case "lines":
		stats := rec.Lines(run)
		lines := make([]lineView, len(stats))
		for i, st := range stats {
			lines[i] = lineView{
				Code:     st.Ref.String(),
				Function: st.Function,
				Line:     st.Line,
				Hits:     st.Hits,
				TimeMs:   ms(st.Time.Seconds()),
			}
		}
		return jsonResult(map[string]any{"resultId": result.ID, "run": run, "lines": lines})

	case "contexts":
		contexts := make([][]types.ContextIdentity, runs)
		for i := range contexts {
			contexts[i] = rec.GetContexts(i)
		}
		return jsonResult(map[string]any{"resultId": result.ID, "contexts": contexts})

	case "pprof":
		var buf bytes.Buffer
		if err := profiler.WritePprof(&buf, rec, run); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to encode profile: %v", err)), nil
		}
		return jsonResult(map[string]any{
			"resultId": result.ID,
			"encoding": "base64",
			"format":   "pprof",
			"data":     base64.StdEncoding.EncodeToString(buf.Bytes()),
		})

	default:
		return mcp.NewToolResultError(errors.InvalidParameter("view", view,
			"'summary', 'lines', 'contexts' or 'pprof'").Error()), nil
	}
}

func ms(seconds float64) float64 {
	return seconds * 1000
}

// Launch File Handlers

// loadLaunchFile loads the file named by configPath, or discovers one from workspace
func loadLaunchFile(request mcp.CallToolRequest) (*launchconfig.LaunchFile, string, error) {
	configPath := request.GetString("configPath", "")
	if configPath != "" {
		lf, err := launchconfig.LoadFromPath(configPath)
		return lf, configPath, err
	}
	return launchconfig.LoadAndDiscover(request.GetString("workspace", ""))
}

func (s *Server) handleCodeLaunch(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := request.RequireString("configName")
	if err != nil {
		return mcp.NewToolResultError(errors.MissingParameter("configName",
			"Name a configuration or compound from the launch file. Use list_configs to see them.").Error()), nil
	}

	lf, path, err := loadLaunchFile(request)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to load launch file: %v", err)), nil
	}

	var inputValues map[string]string
	if err := jsonParam(request, "inputValues", &inputValues, `{"count": "3"}`); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	var overrides map[string]any
	if err := jsonParam(request, "overrides", &overrides, `{"request": "profile", "repeat": 5}`); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	resCtx := &launchconfig.ResolutionContext{
		WorkspaceFolder: request.GetString("workspace", ""),
		CurrentFile:     request.GetString("file", ""),
		InputValues:     lf.MergeInputValues(inputValues),
	}
	if resCtx.WorkspaceFolder == "" {
		resCtx.WorkspaceFolder = launchconfig.GetWorkspaceFolder(path)
	}

	compound, cerr := launchconfig.FindCompound(lf, name)
	if cerr != nil {
		cfg, err := launchconfig.FindConfiguration(lf, name)
		if err != nil {
			return mcp.NewToolResultError(errors.ConfigNotFound(name,
				append(launchconfig.ListConfigurationNames(lf), launchconfig.ListCompoundNames(lf)...)).Error()), nil
		}
		result, err := s.launch(ctx, cfg, overrides, resCtx)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(map[string]any{
			"configPath": path,
			"configName": cfg.Name,
			"result":     result,
		})
	}

	type launched struct {
		ConfigName string     `json:"configName"`
		Result     *jobResult `json:"result"`
	}
	var results []launched
	var sessionIDs []string
	for _, cfgName := range compound.Configurations {
		cfg, err := launchconfig.FindConfiguration(lf, cfgName)
		if err == nil {
			var result *jobResult
			if result, err = s.launch(ctx, cfg, overrides, resCtx); err == nil {
				results = append(results, launched{ConfigName: cfgName, Result: result})
				sessionIDs = append(sessionIDs, result.SessionIDs()...)
				continue
			}
		}
		// Drop the sessions already recorded for this compound
		for _, id := range sessionIDs {
			_ = s.sessionManager.TerminateSession(id)
		}
		return mcp.NewToolResultError(fmt.Sprintf("failed to launch %q: %v", cfgName, err)), nil
	}

	if len(sessionIDs) > 0 {
		s.sessionManager.TrackCompoundSession(compound.Name, sessionIDs, compound.StopAll)
	}

	return jsonResult(map[string]any{
		"configPath":   path,
		"compoundName": compound.Name,
		"stopAll":      compound.StopAll,
		"results":      results,
	})
}

// launch resolves one configuration and executes it
func (s *Server) launch(ctx context.Context, cfg *launchconfig.Configuration, overrides map[string]any, resCtx *launchconfig.ResolutionContext) (*jobResult, error) {
	resolved, err := launchconfig.ResolveConfiguration(launchconfig.MergeOverrides(cfg, overrides), resCtx)
	if err != nil {
		return nil, err
	}
	if err := s.checkPermission(resolved.Kind); err != nil {
		return nil, err
	}

	j := runner.FromConfiguration(resolved)
	if j.Kind == types.BuildDebug {
		j.MaxPauses = defaultMaxPauses
	}
	return s.execute(ctx, j)
}

func (s *Server) handleListConfigs(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	lf, path, err := loadLaunchFile(request)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to load launch file: %v", err)), nil
	}

	result := map[string]any{
		"configPath":     path,
		"configurations": launchconfig.ListConfigurations(lf),
	}
	if len(lf.Compounds) > 0 {
		result["compounds"] = launchconfig.ListCompounds(lf)
	}
	if len(lf.Inputs) > 0 {
		result["inputs"] = lf.Inputs
	}

	if validationErrors := launchconfig.ValidateLaunchFile(lf); len(validationErrors) > 0 {
		errStrings := make([]string, len(validationErrors))
		for i, e := range validationErrors {
			errStrings[i] = e.Error()
		}
		result["validationWarnings"] = errStrings
	}

	return jsonResult(result)
}

func (s *Server) handleListLanguages(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(map[string]any{
		"languages": s.adapterReg.Languages(),
		"mode":      s.config.Mode,
		"run":       s.config.CanRun(),
		"debug":     s.config.CanDebug(),
		"profile":   s.config.CanProfile(),
	})
}

// Session Handlers

func (s *Server) handleDebugSessions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessions := s.sessionManager.ListSessions()
	infos := make([]any, len(sessions))
	for i, session := range sessions {
		infos[i] = session.GetInfo()
	}
	return jsonResult(map[string]any{
		"sessions": infos,
		"count":    len(infos),
	})
}

func (s *Server) handleDebugSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("sessionId")
	if err != nil {
		return mcp.NewToolResultError(errors.MissingParameter("sessionId",
			"Use debug_sessions to list the recorded sessions.").Error()), nil
	}
	session, err := s.sessionManager.GetSession(id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	records := session.Recorder.Records()
	index, err := intParam(request, "pause", -1)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if index >= 0 {
		if index >= len(records) {
			return mcp.NewToolResultError(errors.InvalidParameter("pause", index,
				fmt.Sprintf("a pause index below %d", len(records))).Error()), nil
		}
		return jsonResult(map[string]any{
			"session": session.GetInfo(),
			"pause":   records[index],
		})
	}
	return jsonResult(map[string]any{
		"session": session.GetInfo(),
		"pauses":  records,
	})
}

func (s *Server) handleDebugSessionDelete(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("sessionId")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.sessionManager.TerminateSession(id); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(map[string]any{
		"status":    "deleted",
		"sessionId": id,
	})
}

// Helper functions

func jsonResult(data interface{}) (*mcp.CallToolResult, error) {
	jsonBytes, err := json.Marshal(data)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(jsonBytes)), nil
}
