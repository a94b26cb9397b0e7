package storage

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"localchat/internal/config"
	"localchat/internal/models"
)

func TestStoreConversationLifecycle(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	store := NewStore(db)
	ctx := context.Background()
	userID := insertTestUser(t, db, "alice")

	conv, err := store.CreateConversation(ctx, userID, "")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	if conv.Label != models.DefaultLabel {
		t.Fatalf("expected default label, got %q", conv.Label)
	}

	userTurn, err := store.AppendTurn(ctx, conv.ID, models.RoleUser, "What is 2+2?", "ignored")
	if err != nil {
		t.Fatalf("append user turn: %v", err)
	}
	asstTurn, err := store.AppendTurn(ctx, conv.ID, models.RoleAssistant, "", "m1")
	if err != nil {
		t.Fatalf("append assistant turn: %v", err)
	}
	if err := store.UpdateTurnContent(ctx, asstTurn, "4."); err != nil {
		t.Fatalf("update turn: %v", err)
	}

	turns, err := store.ListTurns(ctx, conv.ID)
	if err != nil {
		t.Fatalf("list turns: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(turns))
	}
	if turns[0].ID != userTurn || turns[0].Model != nil {
		t.Fatalf("unexpected user turn: %+v", turns[0])
	}
	if turns[1].ID != asstTurn || turns[1].Content != "4." || turns[1].Model == nil || *turns[1].Model != "m1" {
		t.Fatalf("unexpected assistant turn: %+v", turns[1])
	}

	if before, err := store.TurnsBefore(ctx, conv.ID, userTurn); err != nil || before != 0 {
		t.Fatalf("turns before user turn: %d %v", before, err)
	}
	if before, err := store.TurnsBefore(ctx, conv.ID, asstTurn); err != nil || before != 1 {
		t.Fatalf("turns before assistant turn: %d %v", before, err)
	}

	if err := store.SetConversationLabel(ctx, conv.ID, "Math"); err != nil {
		t.Fatalf("set label: %v", err)
	}
	got, err := store.GetConversation(ctx, conv.ID)
	if err != nil || got.Label != "Math" {
		t.Fatalf("get conversation: %+v %v", got, err)
	}

	if err := store.DeleteConversation(ctx, conv.ID); err != nil {
		t.Fatalf("delete conversation: %v", err)
	}
	if _, err := store.ListTurns(ctx, conv.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	var remaining int
	if err := db.QueryRow(`SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, conv.ID).Scan(&remaining); err != nil {
		t.Fatalf("count messages: %v", err)
	}
	if remaining != 0 {
		t.Fatalf("messages not cascaded, %d left", remaining)
	}
}

func TestStoreTurnOrderIsStable(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	store := NewStore(db)
	ctx := context.Background()
	conv, err := store.CreateConversation(ctx, insertTestUser(t, db, "bob"), "")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	want := []string{"one", "two", "three", "four", "five"}
	for _, content := range want {
		if _, err := store.AppendTurn(ctx, conv.ID, models.RoleUser, content, ""); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	turns, err := store.ListTurns(ctx, conv.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for i, turn := range turns {
		if turn.Content != want[i] {
			t.Fatalf("turn %d: want %q got %q", i, want[i], turn.Content)
		}
	}
}

func TestStoreNotFound(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	store := NewStore(db)
	ctx := context.Background()

	if _, err := store.AppendTurn(ctx, 404, models.RoleUser, "hi", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("append: expected ErrNotFound, got %v", err)
	}
	if _, err := store.TurnsBefore(ctx, 404, 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("count: expected ErrNotFound, got %v", err)
	}
	if err := store.UpdateTurnContent(ctx, 404, "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("update: expected ErrNotFound, got %v", err)
	}
	if err := store.SetConversationLabel(ctx, 404, "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("label: expected ErrNotFound, got %v", err)
	}
	if err := store.DeleteConversation(ctx, 404); !errors.Is(err, ErrNotFound) {
		t.Fatalf("delete: expected ErrNotFound, got %v", err)
	}
	if _, err := store.LatestConversation(ctx, 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("latest: expected ErrNotFound, got %v", err)
	}
}

func TestStoreListConversationsNewestFirst(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	store := NewStore(db)
	ctx := context.Background()
	userID := insertTestUser(t, db, "carol")

	first, err := store.CreateConversation(ctx, userID, "first")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := store.CreateConversation(ctx, userID, "second")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	list, err := store.ListConversations(ctx, userID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ID != second.ID || list[1].ID != first.ID {
		t.Fatalf("unexpected order: %+v", list)
	}
	latest, err := store.LatestConversation(ctx, userID)
	if err != nil || latest.ID != second.ID {
		t.Fatalf("latest: %+v %v", latest, err)
	}
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: ":memory:"},
		},
	}
	db, err := Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	return db
}

func insertTestUser(t *testing.T, db *sql.DB, username string) int64 {
	t.Helper()
	res, err := db.Exec(`INSERT INTO users (username, password_hash, created_at) VALUES (?, '', ?)`, username, time.Now().UTC())
	if err != nil {
		t.Fatalf("insert user: %v", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		t.Fatalf("user id: %v", err)
	}
	return id
}
