// Copyright 2026 The Voxgate Authors
// SPDX-License-Identifier: Apache-2.0

// Package agentclient speaks the Claude Code stream-json protocol over
// a subprocess's stdin/stdout.
//
// A Client owns one `claude` process. Prompts go in as user messages;
// the process streams back assistant text, tool authorization requests
// (control_request/can_use_tool, answered through a callback), and a
// terminal result event per exchange. At most one exchange is in
// flight at a time; Interrupt cancels the current one without killing
// the process.
package agentclient
