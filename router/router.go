// Copyright 2026 The Voxgate Authors
// SPDX-License-Identifier: Apache-2.0

// Package router turns free-form transcribed text into intents. Voice
// input has no slash commands or buttons, so a small keyword grammar
// decides whether the user is answering a permission prompt, steering
// the session, or just talking to the agent. Anything the grammar does
// not claim falls through as a prompt.
package router

import (
	"sort"
	"strings"
)

// Intent is the kind of command detected in a transcription.
type Intent int

const (
	// Prompt is the fallthrough: text addressed to the agent.
	Prompt Intent = iota
	// Approve answers a pending permission request positively.
	Approve
	// Reject answers it negatively.
	Reject
	// StickyApprove approves and remembers the approval.
	StickyApprove
	// ClearSticky forgets all sticky approvals.
	ClearSticky
	// ListApprovals lists the sticky approvals.
	ListApprovals
	// Status asks for the session status report.
	Status
	// NewSession starts a fresh session.
	NewSession
	// ContinueSession resumes the previous conversation.
	ContinueSession
	// SwitchProject moves the session to a configured project.
	SwitchProject
	// Cancel interrupts the running task.
	Cancel
	// Restart restarts the active session.
	Restart
	// Sessions lists the chat's sessions.
	Sessions
)

// Command is the parse result: the detected intent, the text to act on
// (for Prompt intents, what goes to the agent), and the matched
// project for SwitchProject.
type Command struct {
	Intent  Intent
	Text    string
	Project string
}

// Keyword tables, all lowercase. Approve, reject, and restart match
// the whole utterance exactly; the rest match as substrings, since
// transcriptions tend to pick up filler words around them.
var (
	approveKeywords = set("yes", "approve", "approved", "allow", "ok", "okay", "go ahead", "yep")
	rejectKeywords  = set("no", "reject", "rejected", "stop", "deny", "denied", "cancel", "nope")
	restartKeywords = set("restart", "restart session", "riavvia", "ricomincia")

	statusKeywords          = []string{"status", "what's happening", "progress", "state"}
	newSessionKeywords      = []string{"new session", "fresh session", "start over", "reset"}
	continueSessionKeywords = []string{"continue", "resume", "continue session", "resume session", "pick up where we left off"}
	stickyApproveKeywords   = []string{"always approve", "sticky yes", "remember yes", "always yes", "always allow"}
	clearStickyKeywords     = []string{"clear sticky", "clear approvals", "forget approvals"}
	listApprovalsKeywords   = []string{"list approvals", "show approvals", "approvals", "what's approved", "whats approved"}
	cancelKeywords          = []string{"escape", "abort", "interrupt", "stop task", "cancel task", "stop it", "fermati", "basta"}
	sessionsKeywords        = []string{"sessions", "show sessions", "list sessions", "my sessions"}
)

func set(words ...string) map[string]bool {
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}

func containsAny(text string, keywords []string) bool {
	for _, keyword := range keywords {
		if strings.Contains(text, keyword) {
			return true
		}
	}
	return false
}

// Parse routes one transcription. projects maps spoken project names
// to their directories; it drives the "work on X" family of switches.
func Parse(text string, projects map[string]string) Command {
	lower := strings.TrimRight(strings.ToLower(strings.TrimSpace(text)), ".,!?")

	switch {
	case approveKeywords[lower]:
		return Command{Intent: Approve, Text: text}
	case rejectKeywords[lower]:
		return Command{Intent: Reject, Text: text}
	}

	// Order matters: "resume session status report" should read as a
	// status request only because status is checked first, matching
	// how users actually phrase these.
	switch {
	case containsAny(lower, statusKeywords):
		return Command{Intent: Status, Text: text}
	case containsAny(lower, newSessionKeywords):
		return Command{Intent: NewSession, Text: text}
	case containsAny(lower, continueSessionKeywords):
		return Command{Intent: ContinueSession, Text: text}
	case containsAny(lower, stickyApproveKeywords):
		return Command{Intent: StickyApprove, Text: text}
	case containsAny(lower, clearStickyKeywords):
		return Command{Intent: ClearSticky, Text: text}
	case containsAny(lower, listApprovalsKeywords):
		return Command{Intent: ListApprovals, Text: text}
	case containsAny(lower, cancelKeywords):
		return Command{Intent: Cancel, Text: text}
	case restartKeywords[lower]:
		return Command{Intent: Restart, Text: text}
	case containsAny(lower, sessionsKeywords):
		return Command{Intent: Sessions, Text: text}
	}

	if command, ok := parseProjectSwitch(text, lower, projects); ok {
		return command
	}

	// "skill X" invokes the agent's /X command.
	if strings.HasPrefix(lower, "skill ") {
		if name := strings.TrimSpace(lower[len("skill "):]); name != "" {
			return Command{Intent: Prompt, Text: "/" + name}
		}
	}

	return Command{Intent: Prompt, Text: text}
}

// parseProjectSwitch handles the "on X: do something", "work on X",
// "switch to X", and "on X" forms. Project names match fuzzily in both
// directions, since transcription mangles names ("whisper" vs "the
// whisper project").
func parseProjectSwitch(text, lower string, projects map[string]string) (Command, bool) {
	if len(projects) == 0 {
		return Command{}, false
	}

	// "on X: rest" switches and carries the rest as a follow-up
	// prompt; a bare "on X:" switches with nothing to run.
	if strings.HasPrefix(lower, "on ") && strings.Contains(lower, ":") {
		head, rest, _ := strings.Cut(lower, ":")
		spoken := strings.TrimSpace(head[len("on "):])
		if name, ok := matchProject(spoken, projects); ok {
			return Command{Intent: SwitchProject, Text: strings.TrimSpace(rest), Project: name}, true
		}
	}

	for _, prefix := range []string{"work on ", "switch to ", "on "} {
		if !strings.HasPrefix(lower, prefix) {
			continue
		}
		spoken := strings.TrimRight(strings.TrimSpace(lower[len(prefix):]), ":")
		if _, exact := projects[spoken]; exact {
			return Command{Intent: SwitchProject, Text: text, Project: spoken}, true
		}
		if name, ok := matchProject(spoken, projects); ok {
			return Command{Intent: SwitchProject, Text: text, Project: name}, true
		}
	}
	return Command{}, false
}

// matchProject finds a configured project whose name contains, or is
// contained in, the spoken form. Candidates are checked in sorted
// order so ties resolve the same way every time.
func matchProject(spoken string, projects map[string]string) (string, bool) {
	if spoken == "" {
		return "", false
	}
	names := make([]string, 0, len(projects))
	for name := range projects {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if strings.Contains(spoken, name) || strings.Contains(name, spoken) {
			return name, true
		}
	}
	return "", false
}
