// Copyright 2026 The Voxgate Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/voxgate/voxgate/lib/clock"
	"github.com/voxgate/voxgate/lib/testutil"
)

func bashCall(command string) ToolCall {
	return ToolCall{Name: ToolBash, Input: NewToolInput(map[string]any{"command": command})}
}

func writeCall(path string) ToolCall {
	return ToolCall{Name: ToolWrite, Input: NewToolInput(map[string]any{"file_path": path})}
}

type permFixture struct {
	handler  *PermissionHandler
	clock    *clock.FakeClock
	notified chan ToolCall
}

func newPermFixture(scope StickyScope) *permFixture {
	f := &permFixture{
		clock:    clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
		notified: make(chan ToolCall, 4),
	}
	f.handler = NewPermissionHandler(PermissionConfig{
		Timeout: time.Minute,
		Scope:   scope,
		Clock:   f.clock,
		Notify: func(ctx context.Context, call ToolCall) {
			f.notified <- call
		},
	})
	return f
}

type decision struct {
	approved bool
	message  string
}

// request runs Request on its own goroutine, since it suspends until a
// decision arrives.
func (f *permFixture) request(call ToolCall) <-chan decision {
	out := make(chan decision, 1)
	go func() {
		approved, message := f.handler.Request(context.Background(), call)
		out <- decision{approved, message}
	}()
	return out
}

func TestSafeCallsApproveWithoutNotification(t *testing.T) {
	f := newPermFixture(StickyTool)

	calls := []ToolCall{
		{Name: ToolRead, Input: NewToolInput(map[string]any{"file_path": "/etc/hosts"})},
		{Name: ToolGlob, Input: NewToolInput(map[string]any{"pattern": "**/*.go"})},
		{Name: ToolGrep, Input: NewToolInput(map[string]any{"pattern": "main"})},
		{Name: ToolWebSearch, Input: NewToolInput(nil)},
		{Name: ToolWebFetch, Input: NewToolInput(nil)},
		bashCall("ls -la"),
		bashCall("  git status"),
		bashCall("git diff HEAD~1"),
		bashCall("cat go.mod"),
	}
	for _, call := range calls {
		approved, message := f.handler.Request(context.Background(), call)
		if !approved || message != "" {
			t.Errorf("%s %v: got (%v, %q), want auto-approval", call.Name, call.Input.Raw(), approved, message)
		}
	}
	select {
	case call := <-f.notified:
		t.Errorf("safe call %s reached the notify callback", call.Name)
	default:
	}
}

func TestUnsafeBashNeedsDecision(t *testing.T) {
	f := newPermFixture(StickyTool)

	result := f.request(bashCall("rm -rf build"))
	testutil.RequireReceive(t, f.notified, time.Second, "waiting for notification")

	if !f.handler.HasPending() {
		t.Error("HasPending() = false with a request waiting")
	}
	if !f.handler.Approve() {
		t.Error("Approve() = false with a request pending")
	}

	d := testutil.RequireReceive(t, result, time.Second, "waiting for decision")
	if !d.approved {
		t.Errorf("approved request denied: %q", d.message)
	}
	if f.handler.HasPending() {
		t.Error("HasPending() = true after resolution")
	}
}

func TestDenyUsesDefaultMessage(t *testing.T) {
	f := newPermFixture(StickyTool)

	result := f.request(writeCall("/etc/passwd"))
	testutil.RequireReceive(t, f.notified, time.Second, "waiting for notification")

	if !f.handler.Deny("") {
		t.Error("Deny() = false with a request pending")
	}
	d := testutil.RequireReceive(t, result, time.Second, "waiting for decision")
	if d.approved {
		t.Error("denied request approved")
	}
	if d.message != "User rejected" {
		t.Errorf("deny message = %q, want \"User rejected\"", d.message)
	}
}

func TestDecisionIsIdempotent(t *testing.T) {
	f := newPermFixture(StickyTool)

	result := f.request(bashCall("make deploy"))
	testutil.RequireReceive(t, f.notified, time.Second, "waiting for notification")

	if !f.handler.Deny("nope") {
		t.Fatal("first Deny() = false")
	}
	if f.handler.Approve() {
		t.Error("Approve() = true after the request was already denied")
	}
	if f.handler.Deny("again") {
		t.Error("second Deny() = true")
	}

	d := testutil.RequireReceive(t, result, time.Second, "waiting for decision")
	if d.approved || d.message != "nope" {
		t.Errorf("decision = (%v, %q), want (false, \"nope\")", d.approved, d.message)
	}
}

func TestTimeoutDeniesRequest(t *testing.T) {
	f := newPermFixture(StickyTool)

	result := f.request(bashCall("make deploy"))
	testutil.RequireReceive(t, f.notified, time.Second, "waiting for notification")

	f.clock.WaitForWaiters(1)
	f.clock.Advance(time.Minute)

	d := testutil.RequireReceive(t, result, time.Second, "waiting for timeout")
	if d.approved {
		t.Error("timed-out request approved")
	}
	if d.message != DeniedTimeout {
		t.Errorf("deny message = %q, want %q", d.message, DeniedTimeout)
	}
	if f.handler.Approve() {
		t.Error("Approve() = true after timeout")
	}
}

func TestCancellationDeniesRequest(t *testing.T) {
	f := newPermFixture(StickyTool)
	ctx, cancel := context.WithCancel(context.Background())

	result := make(chan decision, 1)
	go func() {
		approved, message := f.handler.Request(ctx, bashCall("make deploy"))
		result <- decision{approved, message}
	}()
	testutil.RequireReceive(t, f.notified, time.Second, "waiting for notification")

	cancel()
	d := testutil.RequireReceive(t, result, time.Second, "waiting for cancellation")
	if d.approved || d.message != DeniedCancelled {
		t.Errorf("decision = (%v, %q), want (false, %q)", d.approved, d.message, DeniedCancelled)
	}
}

func TestStickyApproveSkipsFutureCalls(t *testing.T) {
	f := newPermFixture(StickyTool)

	result := f.request(bashCall("make deploy"))
	testutil.RequireReceive(t, f.notified, time.Second, "waiting for notification")

	rule := f.handler.StickyApprove()
	if rule == nil {
		t.Fatal("StickyApprove() = nil with a request pending")
	}
	if rule.Tool != ToolBash || rule.Pattern != "" {
		t.Errorf("rule = %+v, want tool-wide Bash rule", rule)
	}
	d := testutil.RequireReceive(t, result, time.Second, "waiting for decision")
	if !d.approved {
		t.Fatalf("sticky-approved request denied: %q", d.message)
	}

	// The same tool now auto-approves without touching the callback.
	approved, _ := f.handler.Request(context.Background(), bashCall("make test"))
	if !approved {
		t.Error("follow-up Bash call not auto-approved")
	}
	select {
	case <-f.notified:
		t.Error("sticky-covered call reached the notify callback")
	default:
	}
}

func TestStickyExactPinsTheCommand(t *testing.T) {
	f := newPermFixture(StickyExact)

	result := f.request(bashCall("make deploy"))
	testutil.RequireReceive(t, f.notified, time.Second, "waiting for notification")

	rule := f.handler.StickyApprove()
	if rule == nil {
		t.Fatal("StickyApprove() = nil")
	}
	testutil.RequireReceive(t, result, time.Second, "waiting for decision")

	if !rule.Matches(bashCall("make deploy")) {
		t.Error("exact rule does not match the approved command")
	}
	if rule.Matches(bashCall("make deploy --force")) {
		t.Error("exact rule matches a different command")
	}
}

func TestStickyRuleManagement(t *testing.T) {
	f := newPermFixture(StickyTool)

	// Two rules for two different tools; a rule for one tool must not
	// swallow the other's request.
	for _, call := range []ToolCall{writeCall("/tmp/a"), {Name: ToolEdit, Input: NewToolInput(map[string]any{"file_path": "/tmp/b"})}} {
		result := f.request(call)
		testutil.RequireReceive(t, f.notified, time.Second, "waiting for notification")
		if f.handler.StickyApprove() == nil {
			t.Fatal("StickyApprove() = nil")
		}
		testutil.RequireReceive(t, result, time.Second, "waiting for decision")
	}

	rules := f.handler.StickyApprovals()
	if len(rules) != 2 {
		t.Fatalf("StickyApprovals() has %d rules, want 2", len(rules))
	}

	if removed := f.handler.RemoveStickyApproval(5); removed != nil {
		t.Error("RemoveStickyApproval(5) removed something out of range")
	}
	if removed := f.handler.RemoveStickyApproval(0); removed == nil {
		t.Error("RemoveStickyApproval(0) = nil")
	}
	if count := f.handler.ClearStickyApprovals(); count != 1 {
		t.Errorf("ClearStickyApprovals() = %d, want 1", count)
	}
	if count := f.handler.ClearStickyApprovals(); count != 0 {
		t.Errorf("second ClearStickyApprovals() = %d, want 0", count)
	}
}

func TestStickyApprovalMatching(t *testing.T) {
	tests := []struct {
		name    string
		tool    string
		field   string
		pattern string
		call    ToolCall
		want    bool
	}{
		{"tool mismatch", ToolBash, "command", "", writeCall("/tmp/x"), false},
		{"empty pattern matches all", ToolBash, "command", "", bashCall("anything"), true},
		{"pattern match", ToolBash, "command", "^make ", bashCall("make deploy"), true},
		{"pattern mismatch", ToolBash, "command", "^make ", bashCall("rm -rf"), false},
		{"missing field", ToolBash, "command", "^make ", ToolCall{Name: ToolBash, Input: NewToolInput(nil)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule, err := NewStickyApproval(tt.tool, tt.field, tt.pattern)
			if err != nil {
				t.Fatalf("NewStickyApproval: %v", err)
			}
			if got := rule.Matches(tt.call); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}

	if _, err := NewStickyApproval(ToolBash, "command", "("); err == nil {
		t.Error("NewStickyApproval accepted an invalid pattern")
	}
}

func TestConcurrentRequestsSerialize(t *testing.T) {
	f := newPermFixture(StickyTool)

	first := f.request(bashCall("make one"))
	testutil.RequireReceive(t, f.notified, time.Second, "waiting for first notification")

	second := f.request(bashCall("make two"))

	// The second request queues behind the slot; its notification must
	// not arrive while the first is still pending.
	time.Sleep(20 * time.Millisecond)
	select {
	case <-f.notified:
		t.Fatal("second request notified while first was pending")
	default:
	}

	f.handler.Approve()
	testutil.RequireReceive(t, first, time.Second, "waiting for first decision")

	testutil.RequireReceive(t, f.notified, time.Second, "waiting for second notification")
	f.handler.Deny("no")
	d := testutil.RequireReceive(t, second, time.Second, "waiting for second decision")
	if d.approved {
		t.Error("second request approved by first request's decision")
	}
}

func TestPendingDescription(t *testing.T) {
	f := newPermFixture(StickyTool)

	if got := f.handler.PendingDescription(); got != "" {
		t.Errorf("PendingDescription() = %q with nothing pending", got)
	}

	result := f.request(bashCall("make deploy"))
	testutil.RequireReceive(t, f.notified, time.Second, "waiting for notification")

	if got := f.handler.PendingDescription(); !strings.Contains(got, "make deploy") {
		t.Errorf("PendingDescription() = %q, want the command", got)
	}
	f.handler.Approve()
	testutil.RequireReceive(t, result, time.Second, "waiting for decision")
}

func TestDescribeToolCall(t *testing.T) {
	tests := []struct {
		call ToolCall
		want string
	}{
		{bashCall("ls"), "Run command: ls"},
		{writeCall("/tmp/a.txt"), "Write file: /tmp/a.txt"},
		{ToolCall{Name: ToolEdit, Input: NewToolInput(map[string]any{"file_path": "main.go"})}, "Edit file: main.go"},
		{ToolCall{Name: ToolBash, Input: NewToolInput(nil)}, "Run command: unknown"},
		{ToolCall{Name: "MysteryTool", Input: NewToolInput(nil)}, "Use tool: MysteryTool"},
	}
	for _, tt := range tests {
		if got := describeToolCall(tt.call); got != tt.want {
			t.Errorf("describeToolCall(%s) = %q, want %q", tt.call.Name, got, tt.want)
		}
	}
}
