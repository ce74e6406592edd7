package persistence

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/strandlabs/strand/internal/conversation"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "strand.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestResumeSessionRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.ResumeSession(ctx, "proj-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound for unknown project", err)
	}

	if err := store.SaveResumeSession(ctx, "proj-1", "sess-1"); err != nil {
		t.Fatalf("SaveResumeSession: %v", err)
	}
	got, err := store.ResumeSession(ctx, "proj-1")
	if err != nil {
		t.Fatalf("ResumeSession: %v", err)
	}
	if got != "sess-1" {
		t.Errorf("resume session = %q, want sess-1", got)
	}

	// Upsert replaces.
	if err := store.SaveResumeSession(ctx, "proj-1", "sess-2"); err != nil {
		t.Fatalf("SaveResumeSession upsert: %v", err)
	}
	got, err = store.ResumeSession(ctx, "proj-1")
	if err != nil {
		t.Fatalf("ResumeSession: %v", err)
	}
	if got != "sess-2" {
		t.Errorf("resume session = %q, want sess-2", got)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.LoadSnapshot(ctx, "proj-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	result := "done"
	snap := CachedSnapshot{
		ResumeSessionID: "sess-5",
		Turns: []*conversation.Turn{
			{
				ID:            "t1",
				UserMessage:   "fix it",
				AssistantText: "fixed",
				Status:        conversation.StatusDone,
				Tokens:        conversation.TokenTotals{Input: 10, Output: 4},
				CreatedAt:     time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC),
				ToolCalls: []*conversation.ToolCall{
					{ID: "tc1", ToolName: "Edit", Result: &result},
				},
			},
		},
	}
	if err := store.SaveSnapshot(ctx, "proj-1", snap); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	loaded, err := store.LoadSnapshot(ctx, "proj-1")
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if loaded.ResumeSessionID != "sess-5" || len(loaded.Turns) != 1 {
		t.Fatalf("loaded = %+v", loaded)
	}
	turn := loaded.Turns[0]
	if turn.ID != "t1" || turn.Status != conversation.StatusDone || turn.Tokens.Input != 10 {
		t.Errorf("turn = %+v", turn)
	}
	if len(turn.ToolCalls) != 1 || turn.ToolCalls[0].Result == nil || *turn.ToolCalls[0].Result != "done" {
		t.Errorf("tool calls = %+v", turn.ToolCalls)
	}
	if loaded.SavedAt.IsZero() {
		t.Error("SavedAt not stamped on save")
	}

	// Saving a snapshot also records the resume token.
	sess, err := store.ResumeSession(ctx, "proj-1")
	if err != nil {
		t.Fatalf("ResumeSession: %v", err)
	}
	if sess != "sess-5" {
		t.Errorf("resume session = %q, want sess-5", sess)
	}
}

func TestProjectsListing(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"beta", "alpha"} {
		if err := store.SaveResumeSession(ctx, id, "s"); err != nil {
			t.Fatalf("SaveResumeSession(%s): %v", id, err)
		}
	}
	ids, err := store.Projects(ctx)
	if err != nil {
		t.Fatalf("Projects: %v", err)
	}
	if len(ids) != 2 || ids[0] != "alpha" || ids[1] != "beta" {
		t.Errorf("projects = %v, want sorted [alpha beta]", ids)
	}
}

func TestReopenExistingDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "strand.db")
	ctx := context.Background()

	store, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := store.SaveResumeSession(ctx, "proj-1", "sess-1"); err != nil {
		t.Fatalf("SaveResumeSession: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Second open must pass the schema ledger check and see the data.
	store2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store2.Close()

	got, err := store2.ResumeSession(ctx, "proj-1")
	if err != nil {
		t.Fatalf("ResumeSession after reopen: %v", err)
	}
	if got != "sess-1" {
		t.Errorf("resume session = %q, want sess-1", got)
	}
}

func TestSchemaChecksumMismatchRefusesOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "strand.db")

	store, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := store.db.Exec(`UPDATE schema_migrations SET checksum = 'tampered';`); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := Open(path); err == nil {
		t.Fatal("want open failure on checksum mismatch")
	}
}

type discardSender struct{}

func (discardSender) SendMessage(context.Context, string, string) (conversation.SendAck, error) {
	return conversation.SendAck{SessionID: "sess-next"}, nil
}
func (discardSender) CancelTurn(context.Context) error                      { return nil }
func (discardSender) RespondPermission(context.Context, string, bool) error { return nil }

func TestLoadSnapshotClosesStreamingTurn(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	// Cached mid-exchange: the process quit while a turn was streaming.
	snap := CachedSnapshot{
		Turns: []*conversation.Turn{
			{ID: "t1", UserMessage: "done earlier", AssistantText: "ok", Status: conversation.StatusDone},
			{ID: "t2", UserMessage: "in flight", StreamingText: "partial answer", Status: conversation.StatusStreaming},
		},
		ResumeSessionID: "sess-1",
	}
	if err := store.SaveSnapshot(ctx, "proj-1", snap); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	got, err := store.LoadSnapshot(ctx, "proj-1")
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}

	if got.Turns[0].Status != conversation.StatusDone {
		t.Errorf("terminal turn status = %q, want done", got.Turns[0].Status)
	}
	restored := got.Turns[1]
	if restored.Status != conversation.StatusError {
		t.Errorf("restored status = %q, want error (no event source exists after restart)", restored.Status)
	}
	if restored.AssistantText != "partial answer" || restored.StreamingText != "" {
		t.Errorf("partial text not collapsed: %+v", restored)
	}

	// The warm-started model must accept a new send: the cached turn is no
	// longer live, so a reconcile that doesn't know its ID won't retain it
	// as streaming either.
	conv := conversation.NewStore(conversation.Config{ProjectID: "proj-1", Sender: discardSender{}})
	conv.ReplaceTurns(got.Turns)
	if _, err := conv.Send(ctx, "next message"); err != nil {
		t.Errorf("Send after warm start: %v", err)
	}
}
