// Copyright 2026 The Voxgate Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"encoding/json"
	"log/slog"
	"os"
	"strconv"
	"sync"
)

// StoredSession is the durable projection of a Session: everything
// except the live client connection and permission handler, which are
// process-local.
type StoredSession struct {
	ChatID          int64  `json:"chat_id"`
	Name            string `json:"name"`
	Cwd             string `json:"cwd"`
	CreatedAt       string `json:"created_at"`
	MessageCount    int    `json:"message_count"`
	ClaudeSessionID string `json:"claude_session_id,omitempty"`
}

// UnmarshalJSON decodes a stored session, defaulting a missing name to
// "main" so pre-multi-session records decode cleanly.
func (s *StoredSession) UnmarshalJSON(data []byte) error {
	type plain StoredSession
	var decoded plain
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	if decoded.Name == "" {
		decoded.Name = "main"
	}
	*s = StoredSession(decoded)
	return nil
}

// ChatState is the durable per-chat record: which named sessions exist
// and which one is active.
type ChatState struct {
	ActiveSession string                   `json:"active_session"`
	Sessions      map[string]StoredSession `json:"sessions"`
}

// migrateLegacyRecord wraps a legacy single-session chat record (a
// bare StoredSession with a top-level cwd) into the multi-session
// schema: one session named "main", active. Pure; the store calls it
// during load and rewrites the file once if anything migrated.
func migrateLegacyRecord(chatID int64, raw json.RawMessage) (*ChatState, error) {
	var legacy StoredSession
	if err := json.Unmarshal(raw, &legacy); err != nil {
		return nil, err
	}
	legacy.ChatID = chatID
	legacy.Name = "main"
	return &ChatState{
		ActiveSession: "main",
		Sessions:      map[string]StoredSession{"main": legacy},
	}, nil
}

// decodeChatRecord decodes one chat record from the store file,
// detecting and migrating the legacy schema. The second return value
// reports whether migration occurred.
func decodeChatRecord(chatID int64, raw json.RawMessage) (*ChatState, bool, error) {
	var probe struct {
		Sessions json.RawMessage `json:"sessions"`
		Cwd      string          `json:"cwd"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, false, err
	}

	if probe.Sessions == nil && probe.Cwd != "" {
		state, err := migrateLegacyRecord(chatID, raw)
		return state, err == nil, err
	}

	var state ChatState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, false, err
	}
	if state.Sessions == nil {
		state.Sessions = map[string]StoredSession{}
	}
	for name, stored := range state.Sessions {
		stored.ChatID = chatID
		stored.Name = name
		state.Sessions[name] = stored
	}
	if state.ActiveSession == "" {
		for name := range state.Sessions {
			state.ActiveSession = name
			break
		}
	}
	return &state, false, nil
}

// Store persists chat session state to a single JSON file. The file is
// human-inspectable: chat IDs map to {active_session, sessions{…}}
// documents. Every mutating method rewrites the file synchronously
// before returning, so a crash between mutation and persistence is the
// only data-loss window.
//
// A corrupt or unreadable file is treated as an empty store; opening
// never fails.
type Store struct {
	mu     sync.Mutex
	path   string
	data   map[int64]*ChatState
	logger *slog.Logger
}

// OpenStore loads (and if needed migrates) the store at path. A nil
// logger falls back to slog.Default().
func OpenStore(path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	store := &Store{
		path:   path,
		data:   map[int64]*ChatState{},
		logger: logger,
	}
	store.load()
	return store
}

// load reads the file, migrating legacy records. Corruption resets the
// store to empty.
func (st *Store) load() {
	raw, err := os.ReadFile(st.path)
	if err != nil {
		return
	}

	var records map[string]json.RawMessage
	if err := json.Unmarshal(raw, &records); err != nil {
		st.logger.Warn("session store corrupt, starting fresh",
			"path", st.path, "error", err)
		return
	}

	migrated := false
	for key, record := range records {
		chatID, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			st.logger.Warn("skipping store record with non-numeric chat key", "key", key)
			continue
		}
		state, wasLegacy, err := decodeChatRecord(chatID, record)
		if err != nil {
			st.logger.Warn("session store corrupt, starting fresh",
				"path", st.path, "chat_id", chatID, "error", err)
			st.data = map[int64]*ChatState{}
			return
		}
		st.data[chatID] = state
		if wasLegacy {
			migrated = true
		}
	}

	if migrated {
		st.save()
	}
}

// save rewrites the file. Must be called with st.mu held (or during
// single-threaded load).
func (st *Store) save() {
	records := make(map[string]*ChatState, len(st.data))
	for chatID, state := range st.data {
		records[strconv.FormatInt(chatID, 10)] = state
	}
	encoded, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		st.logger.Error("encoding session store", "error", err)
		return
	}
	if err := os.WriteFile(st.path, encoded, 0600); err != nil {
		st.logger.Error("writing session store", "path", st.path, "error", err)
	}
}

// SaveSession inserts or updates one named session. The first session
// saved for a chat becomes its active session.
func (st *Store) SaveSession(session StoredSession) {
	st.mu.Lock()
	defer st.mu.Unlock()

	state, ok := st.data[session.ChatID]
	if !ok {
		state = &ChatState{
			ActiveSession: session.Name,
			Sessions:      map[string]StoredSession{},
		}
		st.data[session.ChatID] = state
	}
	state.Sessions[session.Name] = session
	st.save()
}

// GetSession returns one named session, or nil if absent.
func (st *Store) GetSession(chatID int64, name string) *StoredSession {
	st.mu.Lock()
	defer st.mu.Unlock()

	state, ok := st.data[chatID]
	if !ok {
		return nil
	}
	stored, ok := state.Sessions[name]
	if !ok {
		return nil
	}
	return &stored
}

// GetActiveSession returns the chat's active session, or nil.
func (st *Store) GetActiveSession(chatID int64) *StoredSession {
	st.mu.Lock()
	defer st.mu.Unlock()

	state, ok := st.data[chatID]
	if !ok {
		return nil
	}
	stored, ok := state.Sessions[state.ActiveSession]
	if !ok {
		return nil
	}
	return &stored
}

// Get returns the chat's active session. Compatibility alias from the
// single-session era.
func (st *Store) Get(chatID int64) *StoredSession {
	return st.GetActiveSession(chatID)
}

// GetChatState returns a deep copy of the chat's record, or nil.
func (st *Store) GetChatState(chatID int64) *ChatState {
	st.mu.Lock()
	defer st.mu.Unlock()

	state, ok := st.data[chatID]
	if !ok {
		return nil
	}
	sessions := make(map[string]StoredSession, len(state.Sessions))
	for name, stored := range state.Sessions {
		sessions[name] = stored
	}
	return &ChatState{ActiveSession: state.ActiveSession, Sessions: sessions}
}

// SetActiveSession records which named session is active. No-op when
// the chat or the name is unknown.
func (st *Store) SetActiveSession(chatID int64, name string) {
	st.mu.Lock()
	defer st.mu.Unlock()

	state, ok := st.data[chatID]
	if !ok {
		return
	}
	if _, exists := state.Sessions[name]; !exists {
		return
	}
	state.ActiveSession = name
	st.save()
}

// DeleteSession removes one named session. Deleting the active session
// promotes an arbitrary remaining one; deleting the last session
// removes the chat record entirely. Returns false when nothing was
// deleted.
func (st *Store) DeleteSession(chatID int64, name string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()

	state, ok := st.data[chatID]
	if !ok {
		return false
	}
	if _, exists := state.Sessions[name]; !exists {
		return false
	}
	delete(state.Sessions, name)

	if len(state.Sessions) == 0 {
		delete(st.data, chatID)
	} else if state.ActiveSession == name {
		for remaining := range state.Sessions {
			state.ActiveSession = remaining
			break
		}
	}
	st.save()
	return true
}

// RenameSession renames a session, fixing the active pointer. Returns
// false when old is absent or new already exists.
func (st *Store) RenameSession(chatID int64, oldName, newName string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()

	state, ok := st.data[chatID]
	if !ok {
		return false
	}
	stored, exists := state.Sessions[oldName]
	if !exists {
		return false
	}
	if _, taken := state.Sessions[newName]; taken {
		return false
	}

	delete(state.Sessions, oldName)
	stored.Name = newName
	state.Sessions[newName] = stored
	if state.ActiveSession == oldName {
		state.ActiveSession = newName
	}
	st.save()
	return true
}

// ListSessions returns all sessions of a chat, in map order.
func (st *Store) ListSessions(chatID int64) []StoredSession {
	st.mu.Lock()
	defer st.mu.Unlock()

	state, ok := st.data[chatID]
	if !ok {
		return nil
	}
	sessions := make([]StoredSession, 0, len(state.Sessions))
	for _, stored := range state.Sessions {
		sessions = append(sessions, stored)
	}
	return sessions
}

// ListChats returns every chat ID with stored state.
func (st *Store) ListChats() []int64 {
	st.mu.Lock()
	defer st.mu.Unlock()

	chats := make([]int64, 0, len(st.data))
	for chatID := range st.data {
		chats = append(chats, chatID)
	}
	return chats
}

// Delete removes a chat's entire record. No-op when absent.
func (st *Store) Delete(chatID int64) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, ok := st.data[chatID]; !ok {
		return
	}
	delete(st.data, chatID)
	st.save()
}
