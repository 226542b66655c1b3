// Copyright 2026 The Voxgate Authors
// SPDX-License-Identifier: Apache-2.0

// Package session is the coordination core of Voxgate: named
// per-chat sessions with an agent runtime, the permission engine that
// gates the agent's tool calls behind human approval, and the JSON
// store that carries session metadata across restarts.
//
// The Manager is the entry point. Chat frontends call it for session
// lifecycle (create, switch, rename, close, restart) and for
// SendPrompt, which streams assistant text back while tool
// authorization requests flow out through the notify callback and
// decisions flow back in through the session's PermissionHandler.
package session
