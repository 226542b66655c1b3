// Copyright 2026 The Voxgate Authors
// SPDX-License-Identifier: Apache-2.0

package agentclient

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/voxgate/voxgate/lib/testutil"
)

// clientHarness runs a Client over in-memory pipes: the test plays the
// agent process, reading frames the client writes and feeding it
// stream-json lines.
type clientHarness struct {
	client *Client
	frames <-chan map[string]any
	agent  *io.PipeWriter
}

func newClientHarness(t *testing.T, config Config) *clientHarness {
	t.Helper()

	stdinReader, stdinWriter := io.Pipe()
	stdoutReader, stdoutWriter := io.Pipe()

	frames := make(chan map[string]any, 16)
	go func() {
		defer close(frames)
		scanner := bufio.NewScanner(stdinReader)
		for scanner.Scan() {
			var frame map[string]any
			if err := json.Unmarshal(scanner.Bytes(), &frame); err != nil {
				t.Errorf("client wrote malformed frame: %v", err)
				continue
			}
			frames <- frame
		}
	}()

	h := &clientHarness{
		client: newClient(stdinWriter, stdoutReader, config),
		frames: frames,
		agent:  stdoutWriter,
	}
	t.Cleanup(func() {
		h.agent.Close()
		h.client.Terminate()
	})
	return h
}

// emit writes one stream-json line as the agent.
func (h *clientHarness) emit(t *testing.T, line string) {
	t.Helper()
	if _, err := fmt.Fprintln(h.agent, line); err != nil {
		t.Fatalf("emitting agent line: %v", err)
	}
}

func TestQueryStreamsEvents(t *testing.T) {
	h := newClientHarness(t, Config{})

	events, err := h.client.Query(context.Background(), Prompt{Text: "hello"})
	if err != nil {
		t.Fatal(err)
	}

	// The prompt goes out as a user message with one text block.
	frame := testutil.RequireReceive(t, h.frames, time.Second, "waiting for user message")
	if frame["type"] != "user" {
		t.Fatalf("frame type = %v", frame["type"])
	}
	message := frame["message"].(map[string]any)
	content := message["content"].([]any)
	if len(content) != 1 {
		t.Fatalf("content blocks = %d, want 1", len(content))
	}
	if block := content[0].(map[string]any); block["type"] != "text" || block["text"] != "hello" {
		t.Errorf("text block = %v", block)
	}

	h.emit(t, `{"type":"system","subtype":"init","session_id":"sess-42"}`)
	event := testutil.RequireReceive(t, events, time.Second, "waiting for init")
	if event.Type != EventInit || event.SessionID != "sess-42" {
		t.Errorf("init event = %+v", event)
	}
	if h.client.SessionID() != "sess-42" {
		t.Errorf("SessionID() = %q", h.client.SessionID())
	}

	h.emit(t, `{"type":"assistant","message":{"content":[{"type":"text","text":"part one"},{"type":"text","text":" and two"}]}}`)
	event = testutil.RequireReceive(t, events, time.Second, "waiting for text")
	if event.Type != EventText || event.Text != "part one and two" {
		t.Errorf("text event = %+v", event)
	}

	h.emit(t, `{"type":"result","subtype":"success","is_error":false,"result":"all done"}`)
	event = testutil.RequireReceive(t, events, time.Second, "waiting for result")
	if event.Type != EventResult || event.Result == nil || event.Result.IsError {
		t.Errorf("result event = %+v", event)
	}

	if _, ok := <-events; ok {
		t.Error("events channel still open after result")
	}
}

func TestQuerySingleFlight(t *testing.T) {
	h := newClientHarness(t, Config{})

	if _, err := h.client.Query(context.Background(), Prompt{Text: "one"}); err != nil {
		t.Fatal(err)
	}
	testutil.RequireReceive(t, h.frames, time.Second, "waiting for first message")

	if _, err := h.client.Query(context.Background(), Prompt{Text: "two"}); err == nil {
		t.Error("second Query succeeded while the first was in flight")
	}
}

func TestQueryWithImages(t *testing.T) {
	h := newClientHarness(t, Config{})

	prompt := Prompt{
		Text:   "what is this?",
		Images: []ImageAttachment{{MediaType: "image/png", Data: []byte{1, 2, 3}}},
	}
	if _, err := h.client.Query(context.Background(), prompt); err != nil {
		t.Fatal(err)
	}

	frame := testutil.RequireReceive(t, h.frames, time.Second, "waiting for user message")
	content := frame["message"].(map[string]any)["content"].([]any)
	if len(content) != 2 {
		t.Fatalf("content blocks = %d, want image then text", len(content))
	}

	image := content[0].(map[string]any)
	if image["type"] != "image" {
		t.Errorf("first block = %v, want image", image["type"])
	}
	source := image["source"].(map[string]any)
	if source["media_type"] != "image/png" {
		t.Errorf("media type = %v", source["media_type"])
	}
	if source["data"] != base64.StdEncoding.EncodeToString([]byte{1, 2, 3}) {
		t.Errorf("image data = %v", source["data"])
	}
	if text := content[1].(map[string]any); text["type"] != "text" {
		t.Errorf("last block = %v, want text", text["type"])
	}
}

func TestCanUseToolAllow(t *testing.T) {
	asked := make(chan string, 1)
	h := newClientHarness(t, Config{
		CanUseTool: func(ctx context.Context, toolName string, input map[string]any) (bool, string) {
			asked <- toolName
			return true, ""
		},
	})

	h.emit(t, `{"type":"control_request","request_id":"cr-1","request":{"subtype":"can_use_tool","tool_name":"Bash","input":{"command":"ls"}}}`)

	if tool := testutil.RequireReceive(t, asked, time.Second, "waiting for callback"); tool != "Bash" {
		t.Errorf("callback tool = %q", tool)
	}

	frame := testutil.RequireReceive(t, h.frames, time.Second, "waiting for control response")
	if frame["type"] != "control_response" {
		t.Fatalf("frame type = %v", frame["type"])
	}
	response := frame["response"].(map[string]any)
	if response["request_id"] != "cr-1" {
		t.Errorf("request_id = %v", response["request_id"])
	}
	decision := response["response"].(map[string]any)
	if decision["behavior"] != "allow" {
		t.Errorf("behavior = %v", decision["behavior"])
	}
	// The input echoes back unchanged.
	updated := decision["updatedInput"].(map[string]any)
	if updated["command"] != "ls" {
		t.Errorf("updatedInput = %v", updated)
	}
}

func TestCanUseToolDeny(t *testing.T) {
	h := newClientHarness(t, Config{
		CanUseTool: func(ctx context.Context, toolName string, input map[string]any) (bool, string) {
			return false, "User rejected"
		},
	})

	h.emit(t, `{"type":"control_request","request_id":"cr-2","request":{"subtype":"can_use_tool","tool_name":"Write","input":{}}}`)

	frame := testutil.RequireReceive(t, h.frames, time.Second, "waiting for control response")
	decision := frame["response"].(map[string]any)["response"].(map[string]any)
	if decision["behavior"] != "deny" {
		t.Errorf("behavior = %v", decision["behavior"])
	}
	if decision["message"] != "User rejected" {
		t.Errorf("message = %v", decision["message"])
	}
}

func TestToolRequestsDeniedWithoutCallback(t *testing.T) {
	h := newClientHarness(t, Config{})
	h.emit(t, `{"type":"control_request","request_id":"cr-3","request":{"subtype":"can_use_tool","tool_name":"Bash","input":{}}}`)

	frame := testutil.RequireReceive(t, h.frames, time.Second, "waiting for control response")
	decision := frame["response"].(map[string]any)["response"].(map[string]any)
	if decision["behavior"] != "deny" {
		t.Errorf("behavior = %v, want deny", decision["behavior"])
	}
}

func TestInterrupt(t *testing.T) {
	h := newClientHarness(t, Config{})

	if err := h.client.Interrupt(context.Background()); err != nil {
		t.Fatal(err)
	}
	frame := testutil.RequireReceive(t, h.frames, time.Second, "waiting for interrupt frame")
	if frame["type"] != "control_request" {
		t.Fatalf("frame type = %v", frame["type"])
	}
	requestID, _ := frame["request_id"].(string)
	if !strings.HasPrefix(requestID, "req_") {
		t.Errorf("request_id = %q, want req_ prefix", requestID)
	}
	request := frame["request"].(map[string]any)
	if request["subtype"] != "interrupt" {
		t.Errorf("subtype = %v", request["subtype"])
	}
}

func TestProcessExitEndsQuery(t *testing.T) {
	h := newClientHarness(t, Config{})

	events, err := h.client.Query(context.Background(), Prompt{Text: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	testutil.RequireReceive(t, h.frames, time.Second, "waiting for user message")

	// Agent dies mid-exchange; the query stream ends instead of
	// hanging.
	h.agent.Close()

	select {
	case _, ok := <-events:
		if ok {
			t.Error("got an event from a dead agent")
		}
	case <-time.After(time.Second):
		t.Fatal("events channel never closed")
	}
}

func TestTerminateIsIdempotent(t *testing.T) {
	h := newClientHarness(t, Config{})

	if err := h.client.Terminate(); err != nil {
		t.Fatal(err)
	}
	if err := h.client.Terminate(); err != nil {
		t.Fatal(err)
	}
	if _, err := h.client.Query(context.Background(), Prompt{Text: "x"}); err == nil {
		t.Error("Query succeeded on a terminated client")
	}
}
