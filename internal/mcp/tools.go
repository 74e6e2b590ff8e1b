package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
)

// registerTools registers the execution tools, and the debugging tools when
// the configuration allows them
func (s *Server) registerTools() {
	// Execution (both modes)
	if s.config.CanRun() {
		s.registerCodeRun()
	}
	if s.config.CanProfile() {
		s.registerCodeProfile()
		s.registerProfileQuery()
	}
	s.registerCodeLaunch()
	s.registerListConfigs()
	s.registerListLanguages()

	// Debugging (full mode only)
	if s.config.CanDebug() {
		s.registerCodeDebug()
		s.registerDebugSessions()
		s.registerDebugSession()
		s.registerDebugSessionDelete()
	}
}

// codeParams are the parameters shared by code_run, code_debug and code_profile
func codeParams() []mcp.ToolOption {
	return []mcp.ToolOption{
		mcp.WithString("language",
			mcp.Description("Script language: 'lua' or 'cel'. Inferred from the program extension when omitted."),
		),
		mcp.WithString("source",
			mcp.Description("Inline source code. Either source or program is required."),
		),
		mcp.WithString("program",
			mcp.Description("Path to a script file. Either source or program is required."),
		),
		mcp.WithString("inputs",
			mcp.Description("JSON object of input bindings. Example: {\"a\": 21, \"b\": 21}"),
		),
		mcp.WithString("outputs",
			mcp.Description("Comma-separated names of output bindings to collect after the run, e.g. 'x,y'"),
		),
		mcp.WithString("options",
			mcp.Description("JSON object of adapter options. Example: {\"lua.keepScope\": true}"),
		),
		mcp.WithNumber("repeat",
			mcp.Description("Run the code this many times inside one group (default: 1)"),
		),
	}
}

func (s *Server) registerCodeRun() {
	opts := append([]mcp.ToolOption{
		mcp.WithDescription("Run a Lua or CEL script against input bindings and return the requested outputs and everything it printed. Use code_debug to stop at breakpoints."),
	}, codeParams()...)
	s.mcpServer.AddTool(mcp.NewTool("code_run", opts...), s.handleCodeRun)
}

func (s *Server) registerCodeDebug() {
	opts := append([]mcp.ToolOption{
		mcp.WithDescription("Run a script with breakpoints. Every pause is recorded as a DAP stopped event with its stack trace, scopes and variables. Returns a sessionId; use debug_session to read the recording again later."),
	}, codeParams()...)
	opts = append(opts,
		mcp.WithString("breakpoints",
			mcp.Description("JSON array of breakpoints. Example: [{\"line\": 3, \"condition\": \"a > 1\", \"hitCondition\": \">=2\"}, {\"line\": 5, \"logMessage\": \"x is {x}\"}]"),
		),
		mcp.WithString("actions",
			mcp.Description("Comma-separated actions answering the pauses in order: continue, stepOver, stepIn, stepOut, stop. Pauses after the last action continue."),
		),
		mcp.WithBoolean("exceptionBreaks",
			mcp.Description("Also pause where the script raises an error (default: false)"),
		),
		mcp.WithNumber("maxPauses",
			mcp.Description("Maximum number of pauses recorded (default: 100)"),
		),
	)
	s.mcpServer.AddTool(mcp.NewTool("code_debug", opts...), s.handleCodeDebug)
}

func (s *Server) registerCodeProfile() {
	opts := append([]mcp.ToolOption{
		mcp.WithDescription("Run a script under the profiler. Returns a resultId, the covered lines and the time spent. Use profile_query for per-line statistics or pprof output."),
	}, codeParams()...)
	s.mcpServer.AddTool(mcp.NewTool("code_profile", opts...), s.handleCodeProfile)
}

func (s *Server) registerProfileQuery() {
	tool := mcp.NewTool("profile_query",
		mcp.WithDescription("Query a profiling recording made by code_profile or code_launch. Results expire after the configured TTL."),
		mcp.WithString("resultId",
			mcp.Required(),
			mcp.Description("The resultId returned by code_profile"),
		),
		mcp.WithString("view",
			mcp.Description("What to return: 'summary' (default), 'lines' (per-line hits and time), 'contexts' (correlated contexts per run) or 'pprof' (base64 gzipped pprof protobuf)"),
		),
		mcp.WithNumber("run",
			mcp.Description("Restrict 'lines' and 'pprof' to one run index (default: all runs)"),
		),
	)
	s.mcpServer.AddTool(tool, s.handleProfileQuery)
}

func (s *Server) registerCodeLaunch() {
	tool := mcp.NewTool("code_launch",
		mcp.WithDescription("Execute a configuration (or a compound of configurations) from a .codetrace/launch.json or launch.yaml file. The configuration's request decides whether it runs, debugs or profiles."),
		mcp.WithString("configName",
			mcp.Required(),
			mcp.Description("Name of the configuration or compound to launch"),
		),
		mcp.WithString("configPath",
			mcp.Description("Path to the launch file. Auto-discovers from workspace if not provided."),
		),
		mcp.WithString("workspace",
			mcp.Description("Workspace root for variable resolution (e.g., ${workspaceFolder}) and launch file discovery."),
		),
		mcp.WithString("file",
			mcp.Description("Value of ${file} in the configuration"),
		),
		mcp.WithString("inputValues",
			mcp.Description("JSON object with values for ${input:} variables. Example: {\"count\": \"3\"}"),
		),
		mcp.WithString("overrides",
			mcp.Description("JSON object overriding configuration fields: program, source, request, inputs, options, outputs, actions, repeat, exceptionBreaks"),
		),
	)
	s.mcpServer.AddTool(tool, s.handleCodeLaunch)
}

func (s *Server) registerListConfigs() {
	tool := mcp.NewTool("list_configs",
		mcp.WithDescription("List the configurations and compounds of a launch file, with validation warnings."),
		mcp.WithString("configPath",
			mcp.Description("Path to the launch file. Auto-discovers from workspace if not provided."),
		),
		mcp.WithString("workspace",
			mcp.Description("Directory to start launch file discovery from (default: current directory)"),
		),
	)
	s.mcpServer.AddTool(tool, s.handleListConfigs)
}

func (s *Server) registerListLanguages() {
	tool := mcp.NewTool("list_languages",
		mcp.WithDescription("List the script languages this server can execute."),
	)
	s.mcpServer.AddTool(tool, s.handleListLanguages)
}

func (s *Server) registerDebugSessions() {
	tool := mcp.NewTool("debug_sessions",
		mcp.WithDescription("List the recorded debug sessions"),
	)
	s.mcpServer.AddTool(tool, s.handleDebugSessions)
}

func (s *Server) registerDebugSession() {
	tool := mcp.NewTool("debug_session",
		mcp.WithDescription("Return the pauses recorded by a debug session"),
		mcp.WithString("sessionId",
			mcp.Required(),
			mcp.Description("The session ID"),
		),
		mcp.WithNumber("pause",
			mcp.Description("Return only this pause index (default: all pauses)"),
		),
	)
	s.mcpServer.AddTool(tool, s.handleDebugSession)
}

func (s *Server) registerDebugSessionDelete() {
	tool := mcp.NewTool("debug_session_delete",
		mcp.WithDescription("Drop a recorded debug session. Sessions launched together with stopAll are dropped together."),
		mcp.WithString("sessionId",
			mcp.Required(),
			mcp.Description("The session ID"),
		),
	)
	s.mcpServer.AddTool(tool, s.handleDebugSessionDelete)
}
