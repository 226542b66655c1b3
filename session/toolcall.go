// Copyright 2026 The Voxgate Authors
// SPDX-License-Identifier: Apache-2.0

package session

import "strings"

// Tool names the permission engine has specific knowledge of. Any
// other name is treated as an unrecognized tool: never auto-approved,
// matched only by tool-wide sticky rules, and described generically.
const (
	ToolBash         = "Bash"
	ToolRead         = "Read"
	ToolGlob         = "Glob"
	ToolGrep         = "Grep"
	ToolWrite        = "Write"
	ToolEdit         = "Edit"
	ToolNotebookEdit = "NotebookEdit"
	ToolWebSearch    = "WebSearch"
	ToolWebFetch     = "WebFetch"
)

// ToolCall is one tool invocation the agent runtime wants to perform.
type ToolCall struct {
	Name  string
	Input ToolInput
}

// ToolInput wraps a tool's key-value payload with typed accessors for
// the fields the known tools define. Unrecognized tools fall back to
// the generic Field lookup. This keeps stringly-typed key access out
// of the permission engine.
type ToolInput struct {
	fields map[string]any
}

// NewToolInput wraps a raw tool payload. The map is retained, not
// copied; callers must not mutate it afterwards.
func NewToolInput(fields map[string]any) ToolInput {
	return ToolInput{fields: fields}
}

// Command returns the Bash command string, or "" if absent.
func (in ToolInput) Command() string {
	value, _ := in.Field("command")
	return value
}

// FilePath returns the Write/Edit target path, or "" if absent.
func (in ToolInput) FilePath() string {
	value, _ := in.Field("file_path")
	return value
}

// NotebookPath returns the NotebookEdit target path, or "" if absent.
func (in ToolInput) NotebookPath() string {
	value, _ := in.Field("notebook_path")
	return value
}

// Field returns the named input field as a string. Non-string values
// and missing fields report ok == false.
func (in ToolInput) Field(name string) (value string, ok bool) {
	raw, present := in.fields[name]
	if !present {
		return "", false
	}
	s, isString := raw.(string)
	if !isString {
		return "", false
	}
	return s, true
}

// Raw returns the underlying payload map. May be nil.
func (in ToolInput) Raw() map[string]any { return in.fields }

// MatchField returns the input field a sticky approval for the given
// tool should inspect: the command for Bash, the target path for the
// file-editing tools. Tools with no designated field return "".
func MatchField(tool string) string {
	switch tool {
	case ToolBash:
		return "command"
	case ToolWrite, ToolEdit:
		return "file_path"
	case ToolNotebookEdit:
		return "notebook_path"
	}
	return ""
}

// safeTools are always read-only and exempt from human authorization.
var safeTools = map[string]bool{
	ToolRead:      true,
	ToolGlob:      true,
	ToolGrep:      true,
	ToolWebSearch: true,
	ToolWebFetch:  true,
}

// safeBashPrefixes are read-only shell commands auto-approved without
// creating a pending permission.
var safeBashPrefixes = []string{
	"ls",
	"cat",
	"head",
	"tail",
	"pwd",
	"echo",
	"which",
	"git status",
	"git log",
	"git diff",
	"git branch",
	"git show",
}

// isSafeBashCommand reports whether a bash command matches one of the
// read-only prefixes.
func isSafeBashCommand(command string) bool {
	command = strings.TrimSpace(command)
	for _, prefix := range safeBashPrefixes {
		if strings.HasPrefix(command, prefix) {
			return true
		}
	}
	return false
}

// isSafeToolCall reports whether a tool call is safe to auto-approve
// without any engine state.
func isSafeToolCall(call ToolCall) bool {
	if safeTools[call.Name] {
		return true
	}
	if call.Name == ToolBash {
		return isSafeBashCommand(call.Input.Command())
	}
	return false
}

// describeToolCall renders a tool call for the human deciding on it.
func describeToolCall(call ToolCall) string {
	switch call.Name {
	case ToolBash:
		return "Run command: " + orUnknown(call.Input.Command())
	case ToolWrite:
		return "Write file: " + orUnknown(call.Input.FilePath())
	case ToolEdit:
		return "Edit file: " + orUnknown(call.Input.FilePath())
	}
	return "Use tool: " + call.Name
}

func orUnknown(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
