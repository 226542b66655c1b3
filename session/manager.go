// Copyright 2026 The Voxgate Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/voxgate/voxgate/agentclient"
	"github.com/voxgate/voxgate/lib/clock"
)

// ConnFactory opens an agent connection for a session. cwd is the
// working directory the agent runs in; resumeSessionID, when
// non-empty, resumes an earlier agent session; canUseTool answers the
// connection's tool authorization requests.
type ConnFactory func(ctx context.Context, cwd, resumeSessionID string, canUseTool agentclient.CanUseToolFunc) (AgentConn, error)

// ChatNotifyFunc tells the chat layer that a session needs a human
// permission decision.
type ChatNotifyFunc func(ctx context.Context, chatID int64, call ToolCall)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// DefaultCwd is the working directory for sessions created without
	// an explicit one.
	DefaultCwd string

	// PermissionTimeout bounds how long tool approvals wait for a
	// human. Zero means the handler default.
	PermissionTimeout time.Duration

	// StickyScope selects how broadly sticky approvals match.
	StickyScope StickyScope

	// Store persists session metadata across restarts. Nil disables
	// persistence.
	Store *Store

	// Connect opens agent connections. Required for SendPrompt.
	Connect ConnFactory

	// Notify delivers permission prompts to the chat layer.
	Notify ChatNotifyFunc

	// Clock defaults to clock.Real(); Logger to slog.Default().
	Clock  clock.Clock
	Logger *slog.Logger
}

// chatSessions is the in-memory state of one chat.
type chatSessions struct {
	active   string
	sessions map[string]*Session
}

// Manager owns every session of every chat: creation, switching,
// persistence, and the prompt/response exchange with the agent
// runtime. Connections open lazily on the first prompt and survive
// across prompts until the session is closed, restarted, or moved.
type Manager struct {
	defaultCwd        string
	permissionTimeout time.Duration
	stickyScope       StickyScope
	store             *Store
	connect           ConnFactory
	clock             clock.Clock
	logger            *slog.Logger

	notifyMu sync.Mutex
	notify   ChatNotifyFunc

	mu    sync.Mutex
	chats map[int64]*chatSessions
}

// NewManager constructs a manager, restoring session metadata from the
// store. Restored sessions have no live connection until their first
// prompt; ones with a recorded agent session ID resume it then.
func NewManager(config ManagerConfig) *Manager {
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	m := &Manager{
		defaultCwd:        config.DefaultCwd,
		permissionTimeout: config.PermissionTimeout,
		stickyScope:       config.StickyScope,
		store:             config.Store,
		connect:           config.Connect,
		notify:            config.Notify,
		clock:             config.Clock,
		logger:            config.Logger,
		chats:             map[int64]*chatSessions{},
	}
	m.restore()
	return m
}

func (m *Manager) restore() {
	if m.store == nil {
		return
	}
	for _, chatID := range m.store.ListChats() {
		state := m.store.GetChatState(chatID)
		if state == nil {
			continue
		}
		chat := &chatSessions{active: state.ActiveSession, sessions: map[string]*Session{}}
		for name, stored := range state.Sessions {
			chat.sessions[name] = m.sessionFromStored(stored)
		}
		// A dangling active pointer would make GetOrCreate build a
		// fresh "main" over an existing one; repoint it instead.
		if _, ok := chat.sessions[chat.active]; !ok && len(chat.sessions) > 0 {
			repaired := "main"
			if _, hasMain := chat.sessions[repaired]; !hasMain {
				names := make([]string, 0, len(chat.sessions))
				for name := range chat.sessions {
					names = append(names, name)
				}
				sort.Strings(names)
				repaired = names[0]
			}
			m.logger.Warn("repaired dangling active session pointer",
				"chat_id", chatID, "was", chat.active, "now", repaired)
			chat.active = repaired
			m.store.SetActiveSession(chatID, repaired)
		}
		m.chats[chatID] = chat
		m.logger.Info("restored chat sessions",
			"chat_id", chatID, "sessions", len(chat.sessions), "active", chat.active)
	}
}

func (m *Manager) sessionFromStored(stored StoredSession) *Session {
	createdAt, err := time.Parse(time.RFC3339, stored.CreatedAt)
	if err != nil {
		createdAt = m.clock.Now()
	}
	return &Session{
		ChatID:          stored.ChatID,
		Name:            stored.Name,
		Cwd:             stored.Cwd,
		CreatedAt:       createdAt,
		MessageCount:    stored.MessageCount,
		ClaudeSessionID: stored.ClaudeSessionID,
		Permissions:     m.newPermissionHandler(stored.ChatID),
	}
}

func (m *Manager) newPermissionHandler(chatID int64) *PermissionHandler {
	// The closure reads m.notify on every call so RebindNotify takes
	// effect for handlers that already exist.
	notify := func(ctx context.Context, call ToolCall) {
		m.notifyMu.Lock()
		fn := m.notify
		m.notifyMu.Unlock()
		if fn != nil {
			fn(ctx, chatID, call)
		}
	}
	return NewPermissionHandler(PermissionConfig{
		Timeout: m.permissionTimeout,
		Notify:  notify,
		Scope:   m.stickyScope,
		Clock:   m.clock,
	})
}

// RebindNotify replaces the permission notification callback for every
// session, current and future.
func (m *Manager) RebindNotify(notify ChatNotifyFunc) {
	m.notifyMu.Lock()
	m.notify = notify
	m.notifyMu.Unlock()
}

func (m *Manager) newSession(chatID int64, name, cwd string) *Session {
	if cwd == "" {
		cwd = m.defaultCwd
	}
	return &Session{
		ChatID:      chatID,
		Name:        name,
		Cwd:         cwd,
		CreatedAt:   m.clock.Now(),
		Permissions: m.newPermissionHandler(chatID),
	}
}

// persist writes a session's metadata through to the store.
func (m *Manager) persist(session *Session) {
	if m.store == nil {
		return
	}
	m.store.SaveSession(StoredSession{
		ChatID:          session.ChatID,
		Name:            session.Name,
		Cwd:             session.Cwd,
		CreatedAt:       session.CreatedAt.Format(time.RFC3339),
		MessageCount:    session.MessageCount,
		ClaudeSessionID: session.ClaudeSessionID,
	})
}

// GetOrCreate returns the chat's active session, creating "main" in
// the default working directory on first contact.
func (m *Manager) GetOrCreate(chatID int64) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	chat, ok := m.chats[chatID]
	if !ok {
		chat = &chatSessions{sessions: map[string]*Session{}}
		m.chats[chatID] = chat
	}
	if session, exists := chat.sessions[chat.active]; exists {
		return session
	}

	session := m.newSession(chatID, "main", "")
	chat.active = session.Name
	chat.sessions[session.Name] = session
	m.persist(session)
	return session
}

// Get returns the chat's active session, or nil.
func (m *Manager) Get(chatID int64) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	chat, ok := m.chats[chatID]
	if !ok {
		return nil
	}
	return chat.sessions[chat.active]
}

// GetNamed returns a specific session, or nil.
func (m *Manager) GetNamed(chatID int64, name string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	chat, ok := m.chats[chatID]
	if !ok {
		return nil
	}
	return chat.sessions[name]
}

// Create makes a fresh session under the given name and switches the
// chat to it. An existing session of that name is replaced outright:
// its client is terminated and its counters, conversation, and
// permission state are discarded. An empty cwd means the default.
func (m *Manager) Create(chatID int64, name, cwd string) *Session {
	m.mu.Lock()
	chat, ok := m.chats[chatID]
	if !ok {
		chat = &chatSessions{sessions: map[string]*Session{}}
		m.chats[chatID] = chat
	}
	var old AgentConn
	if existing, exists := chat.sessions[name]; exists {
		old = existing.client
		existing.client = nil
	}

	session := m.newSession(chatID, name, cwd)
	chat.sessions[name] = session
	chat.active = name
	m.persist(session)
	if m.store != nil {
		m.store.SetActiveSession(chatID, name)
	}
	m.mu.Unlock()

	if old != nil {
		old.Terminate()
	}
	return session
}

// GenerateSessionName picks the first free "session-N" name, counting
// from 2; "main" is implicitly session one.
func (m *Manager) GenerateSessionName(chatID int64) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	chat := m.chats[chatID]
	for n := 2; ; n++ {
		name := fmt.Sprintf("session-%d", n)
		if chat == nil {
			return name
		}
		if _, taken := chat.sessions[name]; !taken {
			return name
		}
	}
}

// Switch makes a different named session active.
func (m *Manager) Switch(chatID int64, name string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	chat, ok := m.chats[chatID]
	if !ok {
		return nil, fmt.Errorf("session: chat %d has no sessions", chatID)
	}
	session, exists := chat.sessions[name]
	if !exists {
		return nil, fmt.Errorf("session: no session named %q", name)
	}
	chat.active = name
	if m.store != nil {
		m.store.SetActiveSession(chatID, name)
	}
	return session, nil
}

// Rename renames a session without disturbing its connection.
func (m *Manager) Rename(chatID int64, oldName, newName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	chat, ok := m.chats[chatID]
	if !ok {
		return fmt.Errorf("session: chat %d has no sessions", chatID)
	}
	session, exists := chat.sessions[oldName]
	if !exists {
		return fmt.Errorf("session: no session named %q", oldName)
	}
	if _, taken := chat.sessions[newName]; taken {
		return fmt.Errorf("session: %q already exists", newName)
	}

	delete(chat.sessions, oldName)
	session.Name = newName
	chat.sessions[newName] = session
	if chat.active == oldName {
		chat.active = newName
	}
	if m.store != nil {
		m.store.RenameSession(chatID, oldName, newName)
	}
	return nil
}

// Close tears down one named session and forgets it. When the active
// session closes another one is promoted (alphabetically first, for
// determinism); closing the last session forgets the chat. Returns the
// promoted session name, or "".
func (m *Manager) Close(chatID int64, name string) (promoted string, err error) {
	m.mu.Lock()
	chat, ok := m.chats[chatID]
	if !ok {
		m.mu.Unlock()
		return "", fmt.Errorf("session: chat %d has no sessions", chatID)
	}
	session, exists := chat.sessions[name]
	if !exists {
		m.mu.Unlock()
		return "", fmt.Errorf("session: no session named %q", name)
	}

	client := session.client
	session.client = nil
	delete(chat.sessions, name)

	if len(chat.sessions) == 0 {
		delete(m.chats, chatID)
	} else if chat.active == name {
		names := make([]string, 0, len(chat.sessions))
		for remaining := range chat.sessions {
			names = append(names, remaining)
		}
		sort.Strings(names)
		chat.active = names[0]
		promoted = names[0]
	}

	if m.store != nil {
		m.store.DeleteSession(chatID, name)
		if promoted != "" {
			m.store.SetActiveSession(chatID, promoted)
		}
	}
	m.mu.Unlock()

	if client != nil {
		client.Terminate()
	}
	return promoted, nil
}

// Restart replaces the chat's active session with a fresh one of the
// same name and working directory: new agent conversation, zeroed
// counters, cleared permission state.
func (m *Manager) Restart(chatID int64) *Session {
	old := m.GetOrCreate(chatID)

	m.mu.Lock()
	chat := m.chats[chatID]
	client := old.client
	old.client = nil
	fresh := m.newSession(chatID, old.Name, old.Cwd)
	chat.sessions[fresh.Name] = fresh
	chat.active = fresh.Name
	m.persist(fresh)
	m.mu.Unlock()

	if client != nil {
		client.Terminate()
	}
	return fresh
}

// SetCwd moves the active session to a new working directory. The
// agent process (if any) is torn down and its conversation abandoned;
// resuming it in a different directory would mislead the agent about
// where it is.
func (m *Manager) SetCwd(chatID int64, cwd string) *Session {
	session := m.GetOrCreate(chatID)

	m.mu.Lock()
	client := session.client
	session.client = nil
	session.Cwd = cwd
	session.ClaudeSessionID = ""
	m.persist(session)
	m.mu.Unlock()

	if client != nil {
		client.Terminate()
	}
	return session
}

// ListSessions returns the chat's sessions sorted by name, active one
// flagged.
func (m *Manager) ListSessions(chatID int64) []SessionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	chat, ok := m.chats[chatID]
	if !ok {
		return nil
	}
	infos := make([]SessionInfo, 0, len(chat.sessions))
	for _, session := range chat.sessions {
		infos = append(infos, SessionInfo{
			Name:         session.Name,
			MessageCount: session.MessageCount,
			Cwd:          session.Cwd,
			IsActive:     session.Name == chat.active,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// ActiveSessionName returns the chat's active session name, or "".
func (m *Manager) ActiveSessionName(chatID int64) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	chat, ok := m.chats[chatID]
	if !ok {
		return ""
	}
	return chat.active
}

// Status renders the active session's status report, or "" when the
// chat has none.
func (m *Manager) Status(chatID int64) string {
	session := m.Get(chatID)
	if session == nil {
		return ""
	}
	return session.Status(m.clock.Now())
}

// HasResumableSession reports whether the chat's active session has a
// recorded agent conversation, live or resumable from the store.
func (m *Manager) HasResumableSession(chatID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	chat, ok := m.chats[chatID]
	if !ok {
		return false
	}
	session, exists := chat.sessions[chat.active]
	if !exists {
		return false
	}
	return session.ClaudeSessionID != ""
}

// SetClaudeSessionID records the agent-assigned conversation ID on the
// chat's active session. SendPrompt captures IDs automatically from
// init events; this exists for frontends that drive exchanges
// themselves.
func (m *Manager) SetClaudeSessionID(chatID int64, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	chat, ok := m.chats[chatID]
	if !ok {
		return
	}
	session, exists := chat.sessions[chat.active]
	if !exists {
		return
	}
	session.ClaudeSessionID = id
	m.persist(session)
}

// Interrupt asks the active session's agent to abandon the current
// exchange. No-op when nothing is connected.
func (m *Manager) Interrupt(ctx context.Context, chatID int64) error {
	m.mu.Lock()
	var client AgentConn
	if chat, ok := m.chats[chatID]; ok {
		if s, exists := chat.sessions[chat.active]; exists {
			client = s.client
		}
	}
	m.mu.Unlock()

	if client == nil {
		return nil
	}
	return client.Interrupt(ctx)
}

// Shutdown terminates every live agent connection. Session metadata
// stays in the store for the next start.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	var clients []AgentConn
	for _, chat := range m.chats {
		for _, session := range chat.sessions {
			if session.client != nil {
				clients = append(clients, session.client)
				session.client = nil
			}
		}
	}
	m.mu.Unlock()

	for _, client := range clients {
		client.Terminate()
	}
}

// SendPrompt delivers one prompt to the chat's active session and
// returns the stream of assistant text chunks. The message counter is
// incremented and persisted before the prompt is sent, so a crash
// mid-exchange still counts the message. Failures surface as a single
// "Error: …" chunk rather than an error return, since by the time they
// occur the exchange is already underway.
//
// Cancelling ctx interrupts the agent but keeps the connection alive
// for the next prompt.
func (m *Manager) SendPrompt(ctx context.Context, chatID int64, prompt agentclient.Prompt) (<-chan string, error) {
	if m.connect == nil {
		return nil, fmt.Errorf("session: manager has no connection factory")
	}
	session := m.GetOrCreate(chatID)

	m.mu.Lock()
	session.MessageCount++
	m.persist(session)
	client := session.client
	m.mu.Unlock()

	out := make(chan string, 16)

	if client == nil {
		opened, err := m.openConn(ctx, session)
		if err != nil {
			m.logger.Error("connecting agent", "chat_id", chatID, "error", err)
			out <- "Error: " + err.Error()
			close(out)
			return out, nil
		}
		client = opened
	}

	events, err := client.Query(ctx, prompt)
	if err != nil {
		m.logger.Error("sending prompt", "chat_id", chatID, "error", err)
		m.teardown(session, client)
		out <- "Error: " + err.Error()
		close(out)
		return out, nil
	}

	go m.stream(ctx, session, client, events, out)
	return out, nil
}

// openConn opens and installs a session's agent connection.
func (m *Manager) openConn(ctx context.Context, session *Session) (AgentConn, error) {
	permissions := session.Permissions
	canUseTool := func(ctx context.Context, toolName string, input map[string]any) (bool, string) {
		return permissions.Request(ctx, ToolCall{Name: toolName, Input: NewToolInput(input)})
	}

	client, err := m.connect(ctx, session.Cwd, session.ClaudeSessionID, canUseTool)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if existing := session.client; existing != nil {
		// Lost a connect race; keep the established connection.
		m.mu.Unlock()
		client.Terminate()
		return existing, nil
	}
	session.client = client
	m.mu.Unlock()
	m.logger.Info("agent connected",
		"chat_id", session.ChatID, "session", session.Name,
		"cwd", session.Cwd, "resume", session.ClaudeSessionID != "")
	return client, nil
}

// teardown kills a session's connection after a failure.
func (m *Manager) teardown(session *Session, client AgentConn) {
	m.mu.Lock()
	if session.client == client {
		session.client = nil
	}
	m.mu.Unlock()
	client.Terminate()
}

// stream pumps one exchange's events into out, closing it when the
// exchange ends. An event channel that closes without a result event
// means the agent process died mid-exchange; the dead connection is
// torn down so the next prompt opens a fresh one.
func (m *Manager) stream(ctx context.Context, session *Session, client AgentConn, events <-chan agentclient.Event, out chan<- string) {
	defer close(out)

	cancelled := ctx.Done()
	sawResult := false
	for {
		select {
		case event, ok := <-events:
			if !ok {
				if !sawResult {
					m.logger.Error("agent stream ended without a result",
						"chat_id", session.ChatID, "session", session.Name)
					m.teardown(session, client)
					out <- "Error: agent connection lost"
				}
				m.mu.Lock()
				m.persist(session)
				m.mu.Unlock()
				return
			}
			switch event.Type {
			case agentclient.EventInit:
				m.mu.Lock()
				session.ClaudeSessionID = event.SessionID
				m.persist(session)
				m.mu.Unlock()

			case agentclient.EventText:
				out <- event.Text

			case agentclient.EventResult:
				sawResult = true
				if event.Result != nil {
					m.logger.Debug("exchange complete",
						"chat_id", session.ChatID, "session", session.Name,
						"is_error", event.Result.IsError,
						"cost_usd", event.Result.CostUSD,
						"duration_ms", event.Result.DurationMS)
					if event.Result.IsError && event.Result.Text != "" {
						out <- "Error: " + event.Result.Text
					}
				}
			}

		case <-cancelled:
			// Interrupt the agent but keep the connection; it will
			// emit a result and the events channel ends normally.
			if err := client.Interrupt(context.Background()); err != nil {
				m.logger.Warn("interrupting agent",
					"chat_id", session.ChatID, "error", err)
			}
			cancelled = nil
		}
	}
}
