// Copyright 2026 The Voxgate Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/voxgate/voxgate/agentclient"
)

// AgentConn is the slice of the agent client the session layer needs.
// The concrete implementation is agentclient.Client; tests substitute
// fakes.
type AgentConn interface {
	Query(ctx context.Context, prompt agentclient.Prompt) (<-chan agentclient.Event, error)
	Interrupt(ctx context.Context) error
	// Close shuts down gracefully but may block on in-flight work.
	Close() error
	// Terminate kills the process without blocking; it is the only
	// safe teardown from goroutines the connection itself may be
	// waiting on.
	Terminate() error
}

// Session is one named conversation with the agent runtime: its
// working directory, counters, permission state, and (lazily) a live
// connection.
type Session struct {
	ChatID          int64
	Name            string
	Cwd             string
	CreatedAt       time.Time
	MessageCount    int
	ClaudeSessionID string
	Permissions     *PermissionHandler

	client AgentConn
}

// SessionInfo is the listing view of a session.
type SessionInfo struct {
	Name         string
	MessageCount int
	Cwd          string
	IsActive     bool
}

// Status renders the session for a status report.
func (s *Session) Status(now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Session: %s\n", s.Name)
	fmt.Fprintf(&b, "Working directory: %s\n", s.Cwd)
	fmt.Fprintf(&b, "Messages: %d\n", s.MessageCount)
	fmt.Fprintf(&b, "Age: %s", formatAge(now.Sub(s.CreatedAt)))

	if s.Permissions != nil {
		if pending := s.Permissions.PendingDescription(); pending != "" {
			fmt.Fprintf(&b, "\nPending approval: %s", pending)
		}
		if rules := s.Permissions.StickyApprovals(); len(rules) > 0 {
			fmt.Fprintf(&b, "\nSticky approvals (%d):", len(rules))
			for _, rule := range rules {
				fmt.Fprintf(&b, "\n  - %s", rule.Describe())
			}
		}
	}
	return b.String()
}

// formatAge renders a duration as "Xh Ym", flooring to the minute.
func formatAge(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	return fmt.Sprintf("%dh %dm", hours, minutes)
}
