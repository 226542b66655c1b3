// Copyright 2026 The Voxgate Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func storePath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "sessions.json")
}

func TestStoreRoundTrip(t *testing.T) {
	path := storePath(t)
	store := OpenStore(path, nil)

	store.SaveSession(StoredSession{
		ChatID:          42,
		Name:            "main",
		Cwd:             "/code",
		CreatedAt:       "2026-08-01T10:00:00Z",
		MessageCount:    3,
		ClaudeSessionID: "abc-123",
	})

	reloaded := OpenStore(path, nil)
	got := reloaded.GetSession(42, "main")
	if got == nil {
		t.Fatal("session lost across reopen")
	}
	if got.Cwd != "/code" || got.MessageCount != 3 || got.ClaudeSessionID != "abc-123" {
		t.Errorf("reloaded session = %+v", got)
	}
	if active := reloaded.GetActiveSession(42); active == nil || active.Name != "main" {
		t.Error("first saved session is not active after reopen")
	}
}

func TestStoreMissingFileIsEmpty(t *testing.T) {
	store := OpenStore(storePath(t), nil)
	if got := store.Get(42); got != nil {
		t.Errorf("Get on empty store = %+v", got)
	}
	if chats := store.ListChats(); len(chats) != 0 {
		t.Errorf("ListChats on empty store = %v", chats)
	}
}

func TestStoreCorruptFileIsEmpty(t *testing.T) {
	path := storePath(t)
	if err := os.WriteFile(path, []byte("{not json"), 0600); err != nil {
		t.Fatal(err)
	}
	store := OpenStore(path, nil)
	if got := store.Get(42); got != nil {
		t.Errorf("Get on corrupt store = %+v", got)
	}
}

func TestStoreMigratesLegacyRecord(t *testing.T) {
	path := storePath(t)
	legacy := `{
  "42": {
    "chat_id": 42,
    "cwd": "/old/project",
    "created_at": "2026-01-01T00:00:00Z",
    "message_count": 7,
    "claude_session_id": "legacy-id"
  }
}`
	if err := os.WriteFile(path, []byte(legacy), 0600); err != nil {
		t.Fatal(err)
	}

	store := OpenStore(path, nil)
	got := store.GetActiveSession(42)
	if got == nil {
		t.Fatal("legacy session lost in migration")
	}
	if got.Name != "main" {
		t.Errorf("migrated session name = %q, want main", got.Name)
	}
	if got.Cwd != "/old/project" || got.MessageCount != 7 || got.ClaudeSessionID != "legacy-id" {
		t.Errorf("migrated session = %+v", got)
	}

	// Migration rewrites the file in the multi-session schema.
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var onDisk map[string]ChatState
	if err := json.Unmarshal(raw, &onDisk); err != nil {
		t.Fatalf("rewritten file does not parse as multi-session schema: %v", err)
	}
	state, ok := onDisk["42"]
	if !ok || state.ActiveSession != "main" {
		t.Errorf("rewritten record = %+v", onDisk)
	}
	if _, ok := state.Sessions["main"]; !ok {
		t.Error("rewritten record has no main session")
	}
}

func TestStoreMultiSessionOperations(t *testing.T) {
	store := OpenStore(storePath(t), nil)

	store.SaveSession(StoredSession{ChatID: 1, Name: "main", Cwd: "/a"})
	store.SaveSession(StoredSession{ChatID: 1, Name: "side", Cwd: "/b"})

	if sessions := store.ListSessions(1); len(sessions) != 2 {
		t.Fatalf("ListSessions = %d sessions, want 2", len(sessions))
	}

	store.SetActiveSession(1, "side")
	if active := store.GetActiveSession(1); active == nil || active.Name != "side" {
		t.Error("SetActiveSession did not take")
	}

	// Switching to an unknown name is ignored.
	store.SetActiveSession(1, "ghost")
	if active := store.GetActiveSession(1); active == nil || active.Name != "side" {
		t.Error("SetActiveSession to unknown name changed the active session")
	}

	if !store.RenameSession(1, "side", "feature") {
		t.Fatal("RenameSession failed")
	}
	if active := store.GetActiveSession(1); active == nil || active.Name != "feature" {
		t.Error("rename did not follow the active pointer")
	}
	if store.RenameSession(1, "feature", "main") {
		t.Error("RenameSession onto a taken name succeeded")
	}
}

func TestStoreDeleteActivePromotesAnother(t *testing.T) {
	store := OpenStore(storePath(t), nil)
	store.SaveSession(StoredSession{ChatID: 1, Name: "main", Cwd: "/a"})
	store.SaveSession(StoredSession{ChatID: 1, Name: "side", Cwd: "/b"})

	if !store.DeleteSession(1, "main") {
		t.Fatal("DeleteSession failed")
	}
	active := store.GetActiveSession(1)
	if active == nil || active.Name != "side" {
		t.Errorf("active after deleting active = %+v, want side", active)
	}
}

func TestStoreDeleteLastSessionRemovesChat(t *testing.T) {
	path := storePath(t)
	store := OpenStore(path, nil)
	store.SaveSession(StoredSession{ChatID: 1, Name: "main", Cwd: "/a"})

	if !store.DeleteSession(1, "main") {
		t.Fatal("DeleteSession failed")
	}
	if store.GetChatState(1) != nil {
		t.Error("chat record survives deleting its last session")
	}
	if store.DeleteSession(1, "main") {
		t.Error("second DeleteSession succeeded")
	}

	reloaded := OpenStore(path, nil)
	if len(reloaded.ListChats()) != 0 {
		t.Error("deleted chat came back after reopen")
	}
}

func TestStoredSessionNameDefaultsToMain(t *testing.T) {
	var stored StoredSession
	if err := json.Unmarshal([]byte(`{"chat_id": 5, "cwd": "/x"}`), &stored); err != nil {
		t.Fatal(err)
	}
	if stored.Name != "main" {
		t.Errorf("Name = %q, want main", stored.Name)
	}
}
