// Copyright 2026 The Voxgate Authors
// SPDX-License-Identifier: Apache-2.0

// Package transcribe is a client for whisper-server's /transcribe
// endpoint: audio bytes in, recognized text out.
package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"
)

// TranscriptionError is any failure to turn audio into text, from
// transport errors to an empty recognition result.
type TranscriptionError struct {
	Message string
	Err     error
}

func (e *TranscriptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transcribe: %s: %v", e.Message, e.Err)
	}
	return "transcribe: " + e.Message
}

func (e *TranscriptionError) Unwrap() error { return e.Err }

// Client talks to one whisper-server instance.
type Client struct {
	url        string
	httpClient *http.Client
}

// NewClient builds a client for the given /transcribe endpoint URL.
// A nil httpClient gets a 60 second timeout, matching how long
// whisper-server can chew on a long voice note.
func NewClient(url string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{url: url, httpClient: httpClient}
}

// Transcribe sends audio (Telegram delivers .oga voice notes) and
// returns the recognized text. An empty recognition is an error; the
// caller always wants something to route.
func (c *Client) Transcribe(ctx context.Context, audio []byte) (string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", `form-data; name="audio"; filename="audio.oga"`)
	header.Set("Content-Type", "audio/ogg")
	part, err := writer.CreatePart(header)
	if err != nil {
		return "", &TranscriptionError{Message: "building request", Err: err}
	}
	if _, err := part.Write(audio); err != nil {
		return "", &TranscriptionError{Message: "building request", Err: err}
	}
	if err := writer.Close(); err != nil {
		return "", &TranscriptionError{Message: "building request", Err: err}
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, &body)
	if err != nil {
		return "", &TranscriptionError{Message: "building request", Err: err}
	}
	request.Header.Set("Content-Type", writer.FormDataContentType())

	response, err := c.httpClient.Do(request)
	if err != nil {
		return "", &TranscriptionError{Message: "request failed", Err: err}
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		io.Copy(io.Discard, response.Body)
		return "", &TranscriptionError{
			Message: fmt.Sprintf("request failed with status %d", response.StatusCode),
		}
	}

	var decoded struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		return "", &TranscriptionError{Message: "invalid response", Err: err}
	}

	text := strings.TrimSpace(decoded.Text)
	if text == "" {
		return "", &TranscriptionError{Message: "empty transcription received"}
	}
	return text, nil
}
