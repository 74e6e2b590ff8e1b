// Package errors provides structured error types for codetrace.
// These errors carry a machine-readable code and a hint so hosts (the CLI
// and the MCP server) can tell compile failures, runtime faults, protocol
// violations and cancellations apart without string matching.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/ctagard/codetrace/pkg/types"
)

// ErrorCode represents a category of error for programmatic handling
type ErrorCode string

const (
	// Execution outcomes
	CodeCompileFailed     ErrorCode = "COMPILE_FAILED"
	CodeExecuteFailed     ErrorCode = "EXECUTE_FAILED"
	CodeProtocolViolation ErrorCode = "PROTOCOL_VIOLATION"
	CodeDebugStopped      ErrorCode = "DEBUG_STOPPED"

	// Context and group usage errors
	CodeNoDebugControls ErrorCode = "NO_DEBUG_CONTROLS"
	CodeNoProfiler      ErrorCode = "NO_PROFILER"
	CodeRunGroupExists  ErrorCode = "RUN_GROUP_EXISTS"
	CodeGroupPending    ErrorCode = "GROUP_PENDING"
	CodeGroupClosed     ErrorCode = "GROUP_CLOSED"
	CodeInputsFrozen    ErrorCode = "INPUTS_FROZEN"
	CodeUnknownOutput   ErrorCode = "UNKNOWN_OUTPUT"

	// Adapter errors
	CodeAdapterNotSupported ErrorCode = "ADAPTER_NOT_SUPPORTED"

	// Parameter errors
	CodeMissingParameter ErrorCode = "MISSING_PARAMETER"
	CodeInvalidParameter ErrorCode = "INVALID_PARAMETER"
	CodeInvalidJSON      ErrorCode = "INVALID_JSON"

	// Permission errors
	CodePermissionDenied ErrorCode = "PERMISSION_DENIED"

	// Configuration errors
	CodeConfigNotFound ErrorCode = "CONFIG_NOT_FOUND"
	CodeConfigInvalid  ErrorCode = "CONFIG_INVALID"
	CodeMissingInputs  ErrorCode = "MISSING_INPUTS"

	// Result store errors
	CodeResultNotFound ErrorCode = "RESULT_NOT_FOUND"
)

// ErrStopped is the distinguished cancellation outcome of an execution that was
// ended by a Stop decision or by cancelling its context. It is not a fault.
var ErrStopped = &DebugError{
	Code:    CodeDebugStopped,
	Message: "execution stopped",
	Cause:   context.Canceled,
}

// DebugError is a structured error type that includes helpful information
// for the caller to understand what went wrong and how to fix it.
type DebugError struct {
	// Code is a machine-readable error category
	Code ErrorCode `json:"code"`

	// Message is a human-readable description of what went wrong
	Message string `json:"message"`

	// Hint provides actionable guidance on how to fix the error
	Hint string `json:"hint,omitempty"`

	// Details contains additional context (e.g., the invalid value, the fault position)
	Details map[string]interface{} `json:"details,omitempty"`

	// Cause is the underlying error, if any
	Cause error `json:"-"`
}

// Error implements the error interface
func (e *DebugError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Message)

	if e.Hint != "" {
		sb.WriteString(" | Hint: ")
		sb.WriteString(e.Hint)
	}

	return sb.String()
}

// Unwrap returns the underlying error for error chaining
func (e *DebugError) Unwrap() error {
	return e.Cause
}

// Is matches any DebugError carrying the same code, so errors.Is(err, ErrStopped)
// holds for every stopped outcome regardless of its details.
func (e *DebugError) Is(target error) bool {
	t, ok := target.(*DebugError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithDetails adds details to the error
func (e *DebugError) WithDetails(key string, value interface{}) *DebugError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithCause sets the underlying cause
func (e *DebugError) WithCause(err error) *DebugError {
	e.Cause = err
	return e
}

// --- Execution Errors ---

// CompileFailed creates an error for a source unit that did not produce an executable form.
// No frame was ever pushed for it.
func CompileFailed(title string, line int, err error) *DebugError {
	return &DebugError{
		Code:    CodeCompileFailed,
		Message: fmt.Sprintf("failed to compile %s: %v", title, err),
		Hint:    "Fix the syntax error reported at the given line and run again.",
		Cause:   err,
		Details: map[string]interface{}{
			"code": title,
			"line": line,
		},
	}
}

// ExecuteFailed creates an error for a fault raised while frames were active.
// The cause is the innermost adapter-level fault (or a CompileFailed error when the
// unit could not be built as part of a run).
func ExecuteFailed(title string, pos types.Position, err error) *DebugError {
	return &DebugError{
		Code:    CodeExecuteFailed,
		Message: fmt.Sprintf("error executing %s at line %d: %v", title, pos.Line, err),
		Cause:   err,
		Details: map[string]interface{}{
			"code": title,
			"line": pos.Line,
		},
	}
}

// ProtocolViolation creates an error raised by the coordination layer itself.
// It is fatal to the debug session it was raised in.
func ProtocolViolation(format string, args ...interface{}) *DebugError {
	return &DebugError{
		Code:    CodeProtocolViolation,
		Message: "debug protocol violation: " + fmt.Sprintf(format, args...),
		Hint:    "The debug controls or the language adapter did not follow the pause/resume protocol.",
	}
}

// Stopped creates a cancellation outcome carrying where the execution was stopped.
func Stopped(reason string) *DebugError {
	return &DebugError{
		Code:    CodeDebugStopped,
		Message: fmt.Sprintf("execution stopped: %s", reason),
		Cause:   context.Canceled,
	}
}

// --- Context and Group Errors ---

// NoDebugControls creates an error for a debug request without attached controls
func NoDebugControls(title string) *DebugError {
	return &DebugError{
		Code:    CodeNoDebugControls,
		Message: fmt.Sprintf("no debug controls attached to debug %s", title),
		Hint:    "Attach DebugControls to the DebugContext before debugging.",
	}
}

// NoProfiler creates an error for a profile request without a profiler
func NoProfiler(title string) *DebugError {
	return &DebugError{
		Code:    CodeNoProfiler,
		Message: fmt.Sprintf("no profiler attached to profile %s", title),
		Hint:    "Attach a Profiler to the ProfileContext before profiling.",
	}
}

// RunGroupExists creates an error for instrumented executions requested while a
// group of a different kind is open on the same code.
func RunGroupExists(title string, kind types.BuildKind) *DebugError {
	return &DebugError{
		Code:    CodeRunGroupExists,
		Message: fmt.Sprintf("a %s group is already open on %s", kind, title),
		Hint:    "Close the open group before debugging or profiling this code.",
		Details: map[string]interface{}{
			"buildKind": string(kind),
		},
	}
}

// GroupPending creates an error for closing a group with outstanding children
func GroupPending(groupID string, pending int) *DebugError {
	return &DebugError{
		Code:    CodeGroupPending,
		Message: fmt.Sprintf("group %s closed with %d outstanding executions", groupID, pending),
		Hint:    "Wait for every execution started inside the group to finish before closing it.",
		Details: map[string]interface{}{
			"groupId": groupID,
			"pending": pending,
		},
	}
}

// GroupClosed creates an error for executing inside a group that was already closed
func GroupClosed(groupID string) *DebugError {
	return &DebugError{
		Code:    CodeGroupClosed,
		Message: fmt.Sprintf("group %s is closed", groupID),
	}
}

// InputsFrozen creates an error for writing an input binding during execution
func InputsFrozen(key string) *DebugError {
	return &DebugError{
		Code:    CodeInputsFrozen,
		Message: fmt.Sprintf("cannot set input '%s' while the context is executing", key),
		Hint:    "Inputs are read-only during execution. Set them before running.",
	}
}

// UnknownOutput creates an error for writing an output that was never declared
func UnknownOutput(key string, declared []string) *DebugError {
	return &DebugError{
		Code:    CodeUnknownOutput,
		Message: fmt.Sprintf("output '%s' was not declared", key),
		Hint:    fmt.Sprintf("Declared outputs are: %s", strings.Join(declared, ", ")),
		Details: map[string]interface{}{
			"output":   key,
			"declared": declared,
		},
	}
}

// --- Adapter Errors ---

// AdapterNotSupported creates an error for unsupported languages
func AdapterNotSupported(language string, supported []string) *DebugError {
	return &DebugError{
		Code:    CodeAdapterNotSupported,
		Message: fmt.Sprintf("no language adapter available for: %s", language),
		Hint:    fmt.Sprintf("Supported languages are: %s.", strings.Join(supported, ", ")),
		Details: map[string]interface{}{
			"requestedLanguage":  language,
			"supportedLanguages": supported,
		},
	}
}

// --- Parameter Errors ---

// MissingParameter creates an error for missing required parameters
func MissingParameter(paramName, description string) *DebugError {
	return &DebugError{
		Code:    CodeMissingParameter,
		Message: fmt.Sprintf("required parameter '%s' is missing", paramName),
		Hint:    description,
		Details: map[string]interface{}{
			"parameter": paramName,
		},
	}
}

// InvalidParameter creates an error for invalid parameter values
func InvalidParameter(paramName string, value interface{}, expected string) *DebugError {
	return &DebugError{
		Code:    CodeInvalidParameter,
		Message: fmt.Sprintf("invalid value for parameter '%s': %v", paramName, value),
		Hint:    fmt.Sprintf("Expected: %s", expected),
		Details: map[string]interface{}{
			"parameter": paramName,
			"value":     value,
			"expected":  expected,
		},
	}
}

// InvalidJSON creates an error for JSON parsing failures
func InvalidJSON(paramName string, err error, example string) *DebugError {
	return &DebugError{
		Code:    CodeInvalidJSON,
		Message: fmt.Sprintf("invalid JSON in parameter '%s': %v", paramName, err),
		Hint:    fmt.Sprintf("Provide valid JSON. Example: %s", example),
		Cause:   err,
		Details: map[string]interface{}{
			"parameter": paramName,
			"example":   example,
		},
	}
}

// --- Permission Errors ---

// PermissionDenied creates an error for operations disabled by the server mode
func PermissionDenied(operation, mode string) *DebugError {
	var hint string
	switch operation {
	case "debug":
		hint = "Debugging is disabled in the current server mode. Use code_run or code_profile instead."
	default:
		hint = fmt.Sprintf("This operation is not allowed in '%s' mode.", mode)
	}

	return &DebugError{
		Code:    CodePermissionDenied,
		Message: fmt.Sprintf("%s is not allowed in current server mode", operation),
		Hint:    hint,
		Details: map[string]interface{}{
			"operation": operation,
			"mode":      mode,
		},
	}
}

// --- Configuration Errors ---

// ConfigNotFound creates an error for missing launch configurations
func ConfigNotFound(configName string, availableConfigs []string) *DebugError {
	var hint string
	if len(availableConfigs) > 0 {
		hint = fmt.Sprintf("Available configurations: %s", strings.Join(availableConfigs, ", "))
	} else {
		hint = "No configurations found in the launch file. Create a launch configuration first."
	}

	return &DebugError{
		Code:    CodeConfigNotFound,
		Message: fmt.Sprintf("configuration '%s' not found", configName),
		Hint:    hint,
		Details: map[string]interface{}{
			"configName":       configName,
			"availableConfigs": availableConfigs,
		},
	}
}

// ConfigInvalid creates an error for invalid configuration
func ConfigInvalid(configName, reason string) *DebugError {
	return &DebugError{
		Code:    CodeConfigInvalid,
		Message: fmt.Sprintf("configuration '%s' is invalid: %s", configName, reason),
		Hint:    "Check the launch file for syntax errors and ensure all required fields are present.",
		Details: map[string]interface{}{
			"configName": configName,
			"reason":     reason,
		},
	}
}

// MissingInputs creates an error for missing ${input:} values
func MissingInputs(inputs []string) *DebugError {
	return &DebugError{
		Code:    CodeMissingInputs,
		Message: fmt.Sprintf("missing required input values: %s", strings.Join(inputs, ", ")),
		Hint:    "Provide the missing values as a JSON object, e.g., {\"inputName\": \"value\"}",
		Details: map[string]interface{}{
			"missingInputs": inputs,
		},
	}
}

// ResultNotFound creates an error for an unknown or expired result id
func ResultNotFound(id string) *DebugError {
	return &DebugError{
		Code:    CodeResultNotFound,
		Message: fmt.Sprintf("result '%s' not found", id),
		Hint:    "Results expire after the configured TTL. Run code_profile again to produce a new one.",
		Details: map[string]interface{}{
			"resultId": id,
		},
	}
}

// --- Classification helpers ---

func hasCode(err error, code ErrorCode) bool {
	var de *DebugError
	for err != nil {
		if !stderrors.As(err, &de) {
			return false
		}
		if de.Code == code {
			return true
		}
		err = de.Cause
	}
	return false
}

// IsStopped reports whether err is the cancellation outcome of a Stop decision or a
// cancelled context.
func IsStopped(err error) bool {
	if err == nil {
		return false
	}
	var de *DebugError
	if stderrors.As(err, &de) {
		return de.Code == CodeDebugStopped
	}
	return stderrors.Is(err, context.Canceled)
}

// IsCompile reports whether err is (or directly wraps) a compile failure
func IsCompile(err error) bool {
	return hasCode(err, CodeCompileFailed)
}

// IsExecute reports whether err is a runtime fault surfaced from user code
func IsExecute(err error) bool {
	var de *DebugError
	return stderrors.As(err, &de) && de.Code == CodeExecuteFailed
}

// IsProtocolViolation reports whether err was raised by the coordination layer
func IsProtocolViolation(err error) bool {
	return hasCode(err, CodeProtocolViolation)
}

// CodeOf returns the error code of err, or an empty code for non-structured errors
func CodeOf(err error) ErrorCode {
	var de *DebugError
	if stderrors.As(err, &de) {
		return de.Code
	}
	return ""
}

// --- Helper for wrapping generic errors ---

// Wrap wraps a generic error with context
func Wrap(code ErrorCode, message string, hint string, err error) *DebugError {
	return &DebugError{
		Code:    code,
		Message: message,
		Hint:    hint,
		Cause:   err,
	}
}

// FromError creates a DebugError from a generic error, attempting to preserve any existing structure
func FromError(err error) *DebugError {
	var de *DebugError
	if stderrors.As(err, &de) {
		return de
	}
	return &DebugError{
		Code:    "UNKNOWN_ERROR",
		Message: err.Error(),
		Hint:    "An unexpected error occurred. Please check the error message for details.",
		Cause:   err,
	}
}
