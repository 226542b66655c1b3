// Copyright 2026 The Voxgate Authors
// SPDX-License-Identifier: Apache-2.0

package agentclient

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// EventType classifies events delivered by Query.
type EventType int

const (
	// EventInit carries the agent-assigned session ID, delivered once
	// near the start of the first exchange.
	EventInit EventType = iota
	// EventText is a chunk of assistant output.
	EventText
	// EventResult terminates the exchange; the event channel closes
	// after it.
	EventResult
)

// Event is one item streamed from a Query exchange.
type Event struct {
	Type      EventType
	Text      string
	SessionID string
	Result    *Result
}

// Result is the terminal outcome of one exchange.
type Result struct {
	IsError bool
	Text    string

	// CostUSD and DurationMS are usage figures the runtime reports with
	// the result; zero when absent.
	CostUSD    float64
	DurationMS int64
}

// CanUseToolFunc decides a tool authorization request from the agent.
// It may block for minutes while a human is consulted; the client
// keeps streaming other events meanwhile.
type CanUseToolFunc func(ctx context.Context, toolName string, input map[string]any) (allowed bool, denyMessage string)

// Config configures a Client.
type Config struct {
	// Command is the agent binary and leading arguments. Defaults to
	// the CLAUDE_BINARY environment variable, then "claude".
	Command []string

	// Cwd is the working directory the agent process runs in.
	Cwd string

	// SettingSources selects which Claude settings files the agent
	// loads (e.g. "user", "project"). Empty means the agent default.
	SettingSources []string

	// ResumeSessionID, when set, resumes a previous agent session
	// instead of starting fresh.
	ResumeSessionID string

	// CanUseTool answers the agent's tool authorization requests.
	// When nil every request is denied.
	CanUseTool CanUseToolFunc

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Client owns one agent subprocess and the stream-json conversation
// with it. At most one Query exchange runs at a time.
type Client struct {
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	canUseTool CanUseToolFunc
	logger     *slog.Logger

	// ctx spans the client's lifetime; Terminate cancels it, which
	// unblocks any callback or stalled delivery.
	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	mu        sync.Mutex
	sessionID string
	query     chan Event
	closed    bool

	// done closes when the reader pump exits.
	done chan struct{}
}

// Open starts the agent subprocess and the reader pump.
func Open(ctx context.Context, config Config) (*Client, error) {
	command := config.Command
	if len(command) == 0 {
		binary := os.Getenv("CLAUDE_BINARY")
		if binary == "" {
			binary = "claude"
		}
		command = []string{binary}
	}
	args := append(command[1:],
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--print", "--verbose",
	)
	if config.ResumeSessionID != "" {
		args = append(args, "--resume", config.ResumeSessionID)
	}
	if len(config.SettingSources) > 0 {
		args = append(args, "--setting-sources", strings.Join(config.SettingSources, ","))
	}

	cmd := exec.Command(command[0], args...)
	cmd.Dir = config.Cwd

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("agentclient: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("agentclient: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("agentclient: stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("agentclient: starting %s: %w", command[0], err)
	}

	client := newClient(stdin, stdout, config)
	client.cmd = cmd
	go client.drainStderr(stderr)
	return client, nil
}

// newClient builds a client over raw pipes. Open uses it with a
// subprocess; tests use it directly with in-memory pipes.
func newClient(stdin io.WriteCloser, stdout io.Reader, config Config) *Client {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	client := &Client{
		stdin:      stdin,
		canUseTool: config.CanUseTool,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	go client.pump(stdout)
	return client
}

// drainStderr surfaces the agent's stderr through the logger.
func (c *Client) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		c.logger.Debug("agent stderr", "line", scanner.Text())
	}
}

// pump reads stream-json lines until the process closes stdout,
// routing each to the active query or the tool callback.
func (c *Client) pump(stdout io.Reader) {
	defer close(c.done)
	defer c.finishQuery()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		event, err := parseStreamEvent(line)
		if err != nil {
			c.logger.Warn("agentclient: skipping malformed event", "error", err)
			continue
		}
		c.dispatch(event)
	}
	if err := scanner.Err(); err != nil {
		c.logger.Debug("agentclient: stdout closed", "error", err)
	}
}

func parseStreamEvent(line []byte) (*streamEvent, error) {
	var event streamEvent
	if err := json.Unmarshal(line, &event); err != nil {
		return nil, err
	}
	return &event, nil
}

func (c *Client) dispatch(event *streamEvent) {
	switch event.Type {
	case "system":
		if event.Subtype == "init" && event.SessionID != "" {
			c.mu.Lock()
			c.sessionID = event.SessionID
			c.mu.Unlock()
			c.deliver(Event{Type: EventInit, SessionID: event.SessionID})
		}

	case "assistant":
		if event.Message == nil {
			return
		}
		if text := event.Message.text(); text != "" {
			c.deliver(Event{Type: EventText, Text: text})
		}

	case "result":
		c.deliver(Event{
			Type: EventResult,
			Result: &Result{
				IsError:    event.IsError,
				Text:       event.Result,
				CostUSD:    event.TotalCostUSD,
				DurationMS: event.DurationMS,
			},
		})
		c.finishQuery()

	case "control_request":
		if event.Request != nil && event.Request.Subtype == "can_use_tool" {
			// The decision can block on a human; answer off the pump
			// goroutine so text keeps streaming meanwhile.
			go c.answerCanUseTool(event.RequestID, event.Request.ToolName, event.Request.Input)
		}

	case "control_response":
		// Ack for an interrupt we sent; nothing to do.
	}
}

// deliver hands an event to the active query, if any. A cancelled
// client drops events instead of blocking the pump.
func (c *Client) deliver(event Event) {
	c.mu.Lock()
	query := c.query
	c.mu.Unlock()
	if query == nil {
		return
	}
	select {
	case query <- event:
	case <-c.ctx.Done():
	}
}

// finishQuery closes the active query channel, ending the exchange.
func (c *Client) finishQuery() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.query != nil {
		close(c.query)
		c.query = nil
	}
}

func (c *Client) answerCanUseTool(requestID, toolName string, input map[string]any) {
	allowed := false
	denyMessage := "no authorization callback configured"
	if c.canUseTool != nil {
		allowed, denyMessage = c.canUseTool(c.ctx, toolName, input)
	}

	encoded, err := buildControlResponse(requestID, input, allowed, denyMessage)
	if err != nil {
		c.logger.Error("agentclient: control response", "error", err)
		return
	}
	if err := c.writeLine(encoded); err != nil {
		c.logger.Warn("agentclient: writing control response", "error", err)
	}
}

// writeLine writes one newline-terminated frame to the agent's stdin.
func (c *Client) writeLine(encoded []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.stdin.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("agentclient: write: %w", err)
	}
	return nil
}

// Query sends one prompt and returns the stream of events for the
// exchange. The channel closes after the result event, or when the
// process dies. Only one exchange may run at a time.
func (c *Client) Query(ctx context.Context, prompt Prompt) (<-chan Event, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("agentclient: client is closed")
	}
	if c.query != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("agentclient: query already in flight")
	}
	query := make(chan Event, 16)
	c.query = query
	c.mu.Unlock()

	encoded, err := buildUserMessage(prompt)
	if err != nil {
		c.finishQuery()
		return nil, err
	}
	if err := c.writeLine(encoded); err != nil {
		c.finishQuery()
		return nil, err
	}
	return query, nil
}

// Interrupt asks the agent to abandon the current exchange. The agent
// still emits a result event, which ends the Query stream normally.
func (c *Client) Interrupt(ctx context.Context) error {
	requestID := "req_" + uuid.NewString()
	encoded, err := buildInterruptRequest(requestID)
	if err != nil {
		return err
	}
	return c.writeLine(encoded)
}

// SessionID returns the agent-assigned session ID, or "" before the
// first init event.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Close shuts the client down gracefully: stdin closes, the process is
// given the chance to exit on its own, and the call waits for the
// reader pump to finish. Not safe to call from a goroutine that may
// itself be blocked inside a CanUseTool callback; use Terminate there.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := c.stdin.Close()
	if c.cmd != nil {
		if waitErr := c.cmd.Wait(); waitErr != nil && err == nil {
			err = waitErr
		}
	}
	<-c.done
	c.cancel()
	return err
}

// Terminate kills the process immediately. Unlike Close it never
// blocks on in-flight work, so it is safe from any goroutine,
// including ones the client itself is waiting on.
func (c *Client) Terminate() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.stdin.Close()
	if c.cmd != nil && c.cmd.Process != nil {
		c.cmd.Process.Kill()
		c.cmd.Wait()
	}
	return nil
}
