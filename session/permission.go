// Copyright 2026 The Voxgate Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/voxgate/voxgate/lib/clock"
)

// PermissionState is the lifecycle state of a pending permission.
type PermissionState int

const (
	// PermissionPending means the request is waiting for a decision.
	PermissionPending PermissionState = iota
	// PermissionApproved means a human (or sticky rule) allowed it.
	PermissionApproved
	// PermissionDenied means a human rejected it.
	PermissionDenied
	// PermissionTimedOut means no decision arrived in time.
	PermissionTimedOut
)

// PendingPermission is the single in-flight authorization request of a
// PermissionHandler. It is created when a tool call needs a human
// decision and destroyed the moment it resolves; it never resolves
// twice.
type PendingPermission struct {
	Call        ToolCall
	state       PermissionState
	denyMessage string

	// done is closed exactly once, when the request resolves.
	done chan struct{}
}

// StickyScope selects how broadly a sticky approval matches.
type StickyScope int

const (
	// StickyTool approves every future call to the same tool. This is
	// the historical behavior.
	StickyTool StickyScope = iota
	// StickyExact pins the specific command or path that was
	// approved, by quoting it into an anchored pattern.
	StickyExact
)

// StickyApproval is a standing auto-approve rule created from a
// one-time approval decision. Rules live for the session, not the
// process, and are never persisted.
//
// A rule with an empty Pattern matches every call to Tool. Otherwise
// Pattern is a case-sensitive regular expression searched against the
// input field named by Field; a call whose input lacks that field
// never matches.
type StickyApproval struct {
	Tool    string
	Field   string
	Pattern string

	compiled *regexp.Regexp
}

// NewStickyApproval builds a rule, compiling the pattern up front.
func NewStickyApproval(tool, field, pattern string) (StickyApproval, error) {
	rule := StickyApproval{Tool: tool, Field: field, Pattern: pattern}
	if pattern != "" {
		compiled, err := regexp.Compile(pattern)
		if err != nil {
			return StickyApproval{}, fmt.Errorf("session: invalid sticky pattern %q: %w", pattern, err)
		}
		rule.compiled = compiled
	}
	return rule, nil
}

// Matches reports whether the rule auto-approves the given call.
func (s StickyApproval) Matches(call ToolCall) bool {
	if s.Tool != call.Name {
		return false
	}
	if s.Pattern == "" {
		return true
	}
	value, ok := call.Input.Field(s.Field)
	if !ok {
		return false
	}
	compiled := s.compiled
	if compiled == nil {
		var err error
		compiled, err = regexp.Compile(s.Pattern)
		if err != nil {
			return false
		}
	}
	return compiled.MatchString(value)
}

// Describe renders the rule for listings.
func (s StickyApproval) Describe() string {
	if s.Pattern == "" {
		return s.Tool + " (all calls)"
	}
	return fmt.Sprintf("%s (%s matching %q)", s.Tool, s.Field, s.Pattern)
}

// NotifyFunc is invoked exactly once per newly created pending
// permission so the surrounding chat layer can prompt the human. It is
// never invoked for safe-tool or sticky auto-approvals.
type NotifyFunc func(ctx context.Context, call ToolCall)

// DeniedTimeout is the deny message returned when a permission request
// expires without a decision.
const DeniedTimeout = "Permission request timed out"

// DeniedCancelled is the deny message returned when the requesting
// exchange is cancelled while waiting.
const DeniedCancelled = "Permission request cancelled"

// deniedDefault is the deny message when the user gives no reason.
const deniedDefault = "User rejected"

// PermissionConfig configures a PermissionHandler.
type PermissionConfig struct {
	// Timeout bounds how long Request waits for a decision.
	// Defaults to 5 minutes.
	Timeout time.Duration

	// Notify is called when a request needs a human decision. The
	// handler is constructed with its callback rather than having one
	// attached later, so a session can never exist with a missing
	// callback; use Rebind if the surrounding layer must replace it.
	Notify NotifyFunc

	// Scope selects how broadly StickyApprove matches future calls.
	Scope StickyScope

	// Clock is the time source. Defaults to clock.Real().
	Clock clock.Clock
}

// PermissionHandler gates every tool call of one session through
// safety rules, sticky rules, or a human decision. All methods are
// safe to call from any goroutine: Request suspends the calling
// goroutine while Approve, Deny, and StickyApprove are expected to
// arrive from elsewhere.
type PermissionHandler struct {
	timeout time.Duration
	scope   StickyScope
	clock   clock.Clock

	// requestMu is the single-slot discipline: concurrent tool calls
	// from the same session serialize here, so at most one
	// PendingPermission exists at any instant.
	requestMu sync.Mutex

	mu      sync.Mutex
	notify  NotifyFunc
	pending *PendingPermission
	sticky  []StickyApproval
}

// NewPermissionHandler constructs a handler.
func NewPermissionHandler(config PermissionConfig) *PermissionHandler {
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Minute
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	return &PermissionHandler{
		timeout: config.Timeout,
		scope:   config.Scope,
		clock:   config.Clock,
		notify:  config.Notify,
	}
}

// Rebind replaces the notify callback. Intended for the surrounding
// layer to call explicitly when its delivery target changes; sessions
// are otherwise constructed with their callback.
func (h *PermissionHandler) Rebind(notify NotifyFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.notify = notify
}

// Request decides one tool call. Safe tools, safe read-only Bash
// commands, and sticky matches are approved immediately with no state
// created. Everything else creates the pending permission, notifies
// the chat layer, and suspends until Approve, Deny, timeout, or
// context cancellation resolves it. Timeout and cancellation are
// returned as denials, never as errors.
func (h *PermissionHandler) Request(ctx context.Context, call ToolCall) (approved bool, denyMessage string) {
	if isSafeToolCall(call) {
		return true, ""
	}
	if h.stickyMatch(call) {
		return true, ""
	}

	h.requestMu.Lock()
	defer h.requestMu.Unlock()

	// A sticky rule may have been added while this call was queued
	// behind the slot; it applies to all subsequent requests.
	if h.stickyMatch(call) {
		return true, ""
	}

	h.mu.Lock()
	pending := &PendingPermission{
		Call:  call,
		state: PermissionPending,
		done:  make(chan struct{}),
	}
	h.pending = pending
	notify := h.notify
	h.mu.Unlock()

	if notify != nil {
		notify(ctx, call)
	}

	select {
	case <-pending.done:
		h.mu.Lock()
		approved := pending.state == PermissionApproved
		message := pending.denyMessage
		h.pending = nil
		h.mu.Unlock()
		return approved, message

	case <-h.clock.After(h.timeout):
		return h.expire(pending, PermissionTimedOut, DeniedTimeout)

	case <-ctx.Done():
		return h.expire(pending, PermissionDenied, DeniedCancelled)
	}
}

// expire resolves a pending permission from the requester's side
// (timeout or cancellation). If a decision won the race, that decision
// stands.
func (h *PermissionHandler) expire(pending *PendingPermission, state PermissionState, message string) (bool, string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if pending.state == PermissionPending {
		pending.state = state
		pending.denyMessage = message
		close(pending.done)
	}
	approved := pending.state == PermissionApproved
	resolvedMessage := pending.denyMessage
	h.pending = nil
	return approved, resolvedMessage
}

// stickyMatch reports whether any sticky rule approves the call.
func (h *PermissionHandler) stickyMatch(call ToolCall) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, rule := range h.sticky {
		if rule.Matches(call) {
			return true
		}
	}
	return false
}

// Approve resolves the pending permission as approved. Returns false
// when nothing is pending or the request already resolved.
func (h *PermissionHandler) Approve() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.resolveLocked(PermissionApproved, "")
}

// Deny resolves the pending permission as denied. An empty message
// defaults to "User rejected". Returns false when nothing is pending.
func (h *PermissionHandler) Deny(message string) bool {
	if message == "" {
		message = deniedDefault
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.resolveLocked(PermissionDenied, message)
}

// resolveLocked flips the pending request to a terminal state and
// wakes the requester. Must be called with h.mu held.
func (h *PermissionHandler) resolveLocked(state PermissionState, message string) bool {
	if h.pending == nil || h.pending.state != PermissionPending {
		return false
	}
	h.pending.state = state
	h.pending.denyMessage = message
	close(h.pending.done)
	return true
}

// StickyApprove approves the pending permission and records a sticky
// rule so similar future calls auto-approve. With StickyTool scope the
// rule matches every call to the tool; with StickyExact it pins the
// triggering command or path. Returns nil when nothing is pending.
func (h *PermissionHandler) StickyApprove() *StickyApproval {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pending == nil || h.pending.state != PermissionPending {
		return nil
	}

	call := h.pending.Call
	rule := h.stickyRuleFor(call)
	h.sticky = append(h.sticky, rule)
	h.resolveLocked(PermissionApproved, "")
	return &rule
}

// stickyRuleFor builds the rule StickyApprove records for a call.
func (h *PermissionHandler) stickyRuleFor(call ToolCall) StickyApproval {
	field := MatchField(call.Name)
	if h.scope == StickyExact && field != "" {
		if value, ok := call.Input.Field(field); ok {
			pattern := "^" + regexp.QuoteMeta(value) + "$"
			rule, err := NewStickyApproval(call.Name, field, pattern)
			if err == nil {
				return rule
			}
		}
	}
	return StickyApproval{Tool: call.Name, Field: field}
}

// HasPending reports whether a permission request is waiting for a
// decision.
func (h *PermissionHandler) HasPending() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pending != nil && h.pending.state == PermissionPending
}

// PendingDescription renders the pending request for the human, or ""
// when nothing is pending.
func (h *PermissionHandler) PendingDescription() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pending == nil {
		return ""
	}
	return describeToolCall(h.pending.Call)
}

// StickyApprovals returns a copy of the current rules in insertion
// order.
func (h *PermissionHandler) StickyApprovals() []StickyApproval {
	h.mu.Lock()
	defer h.mu.Unlock()
	rules := make([]StickyApproval, len(h.sticky))
	copy(rules, h.sticky)
	return rules
}

// RemoveStickyApproval removes the rule at the given index, returning
// it, or nil when the index is out of range.
func (h *PermissionHandler) RemoveStickyApproval(index int) *StickyApproval {
	h.mu.Lock()
	defer h.mu.Unlock()
	if index < 0 || index >= len(h.sticky) {
		return nil
	}
	removed := h.sticky[index]
	h.sticky = append(h.sticky[:index], h.sticky[index+1:]...)
	return &removed
}

// ClearStickyApprovals removes every rule and returns how many were
// cleared.
func (h *PermissionHandler) ClearStickyApprovals() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	count := len(h.sticky)
	h.sticky = nil
	return count
}
