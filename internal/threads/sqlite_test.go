package threads

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/haasonsaas/agentd/pkg/models"
)

func newSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "threads.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	thread, err := store.CreateThread(ctx, &models.Thread{UserID: "u1"}, "system prompt")
	if err != nil {
		t.Fatalf("CreateThread() error = %v", err)
	}

	assistant := assistantCalls("c1")
	assistant.ToolCalls[0].Function.ThoughtSignature = "opaque-sig"
	if err := store.AddMessages(ctx, thread.ID, []*models.Message{
		user("question"),
		assistant,
		tool("c1"),
	}); err != nil {
		t.Fatalf("AddMessages() error = %v", err)
	}

	msgs, err := store.GetThreadMessages(ctx, thread.ID, 0, false)
	if err != nil {
		t.Fatalf("GetThreadMessages() error = %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("len = %d", len(msgs))
	}
	if msgs[1].ToolCalls[0].Function.ThoughtSignature != "opaque-sig" {
		t.Fatalf("thought signature lost in SQL round-trip")
	}
	if msgs[2].Role != models.RoleTool || msgs[2].ToolCallID != "c1" {
		t.Fatalf("tool message mangled: %+v", msgs[2])
	}

	withSystem, _ := store.GetThreadMessages(ctx, thread.ID, 0, true)
	if len(withSystem) != 4 || withSystem[0].Role != models.RoleSystem {
		t.Fatalf("system message missing: %d", len(withSystem))
	}
}

func TestSQLiteStoreSandboxAndConfig(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()
	thread, _ := store.CreateThread(ctx, nil, "")

	if err := store.UpdateThreadSandboxID(ctx, thread.ID, "s1"); err != nil {
		t.Fatalf("UpdateThreadSandboxID() error = %v", err)
	}
	id, err := store.GetThreadSandboxID(ctx, thread.ID)
	if err != nil || id != "s1" {
		t.Fatalf("GetThreadSandboxID() = (%q, %v)", id, err)
	}
	if err := store.UpdateThreadSandboxID(ctx, "missing", "s1"); err != ErrThreadNotFound {
		t.Fatalf("update missing thread error = %v", err)
	}

	if cfg, _ := store.GetThreadConfig(ctx, thread.ID); cfg != nil {
		t.Fatalf("unexpected config")
	}
	err = store.SetThreadConfig(ctx, thread.ID, &Config{
		UserID:      "u1",
		MemoryDSN:   "postgres://mem",
		VirtualKeys: map[string]string{"openai": "vk"},
	})
	if err != nil {
		t.Fatalf("SetThreadConfig() error = %v", err)
	}
	cfg, err := store.GetThreadConfig(ctx, thread.ID)
	if err != nil || cfg == nil || cfg.MemoryDSN != "postgres://mem" {
		t.Fatalf("GetThreadConfig() = (%+v, %v)", cfg, err)
	}
}

func TestSQLiteStoreDeleteMessages(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()
	thread, _ := store.CreateThread(ctx, nil, "")
	_ = store.AddMessages(ctx, thread.ID, []*models.Message{user("a"), user("b")})

	count, err := store.DeleteThreadMessages(ctx, thread.ID)
	if err != nil || count != 2 {
		t.Fatalf("DeleteThreadMessages() = (%d, %v)", count, err)
	}
	if exists, _ := store.ThreadExists(ctx, thread.ID); !exists {
		t.Fatalf("thread should survive message deletion")
	}
}
