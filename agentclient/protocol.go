// Copyright 2026 The Voxgate Authors
// SPDX-License-Identifier: Apache-2.0

package agentclient

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// streamEvent is one newline-delimited JSON object read from the agent
// process's stdout. Only the fields Voxgate consumes are decoded; the
// protocol carries much more.
type streamEvent struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype,omitempty"`
	SessionID string `json:"session_id,omitempty"`

	// assistant events
	Message *assistantMessage `json:"message,omitempty"`

	// result events
	IsError      bool    `json:"is_error,omitempty"`
	Result       string  `json:"result,omitempty"`
	TotalCostUSD float64 `json:"total_cost_usd,omitempty"`
	DurationMS   int64   `json:"duration_ms,omitempty"`

	// control_request events
	RequestID string          `json:"request_id,omitempty"`
	Request   *controlRequest `json:"request,omitempty"`

	// control_response events (acks for our interrupt requests)
	Response json.RawMessage `json:"response,omitempty"`
}

type assistantMessage struct {
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type   string       `json:"type"`
	Text   string       `json:"text,omitempty"`
	Source *imageSource `json:"source,omitempty"`
}

type imageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// controlRequest is the agent asking the harness for something; the
// only subtype Voxgate handles is can_use_tool.
type controlRequest struct {
	Subtype  string         `json:"subtype"`
	ToolName string         `json:"tool_name,omitempty"`
	Input    map[string]any `json:"input,omitempty"`
}

// text concatenates the text blocks of an assistant message.
func (m *assistantMessage) text() string {
	var out string
	for _, block := range m.Content {
		if block.Type == "text" {
			out += block.Text
		}
	}
	return out
}

// ImageAttachment is an image sent alongside a prompt.
type ImageAttachment struct {
	// MediaType is the MIME type, e.g. "image/jpeg".
	MediaType string
	// Data is the raw image bytes; the codec base64-encodes them.
	Data []byte
}

// Prompt is one user turn: text plus optional image attachments.
type Prompt struct {
	Text   string
	Images []ImageAttachment
}

// buildUserMessage encodes a prompt as a stream-json user message.
// Image blocks come first so the text can reference them.
func buildUserMessage(prompt Prompt) ([]byte, error) {
	blocks := make([]map[string]any, 0, len(prompt.Images)+1)
	for _, image := range prompt.Images {
		blocks = append(blocks, map[string]any{
			"type": "image",
			"source": map[string]any{
				"type":       "base64",
				"media_type": image.MediaType,
				"data":       base64.StdEncoding.EncodeToString(image.Data),
			},
		})
	}
	blocks = append(blocks, map[string]any{
		"type": "text",
		"text": prompt.Text,
	})

	message := map[string]any{
		"type": "user",
		"message": map[string]any{
			"role":    "user",
			"content": blocks,
		},
	}
	encoded, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("agentclient: encoding user message: %w", err)
	}
	return encoded, nil
}

// buildControlResponse encodes the answer to a can_use_tool request.
// Approval echoes the input back unchanged; denial carries the reason.
func buildControlResponse(requestID string, input map[string]any, allowed bool, denyMessage string) ([]byte, error) {
	var decision map[string]any
	if allowed {
		decision = map[string]any{
			"behavior":     "allow",
			"updatedInput": input,
		}
	} else {
		decision = map[string]any{
			"behavior": "deny",
			"message":  denyMessage,
		}
	}
	message := map[string]any{
		"type": "control_response",
		"response": map[string]any{
			"subtype":    "success",
			"request_id": requestID,
			"response":   decision,
		},
	}
	encoded, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("agentclient: encoding control response: %w", err)
	}
	return encoded, nil
}

// buildInterruptRequest encodes an interrupt control request with the
// given request ID.
func buildInterruptRequest(requestID string) ([]byte, error) {
	message := map[string]any{
		"type":       "control_request",
		"request_id": requestID,
		"request": map[string]any{
			"subtype": "interrupt",
		},
	}
	encoded, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("agentclient: encoding interrupt: %w", err)
	}
	return encoded, nil
}
