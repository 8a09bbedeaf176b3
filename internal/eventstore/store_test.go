package eventstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/hotline/internal/config"
	"github.com/loqalabs/hotline/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{RetentionMode: "ephemeral"}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if err := es.Ensure(); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if err := es.AppendEvent(ctx, protocol.Completed("ignored")); err != nil {
		t.Fatalf("append on ephemeral store should be a no-op: %v", err)
	}
}

func TestAppendAndQuery(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.EventStoreConfig{Path: filepath.Join(tmp, "events.db"), RetentionMode: "persistent"}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	ctx := context.Background()
	sessionID := "session-123"
	if err := es.BeginSession(ctx, Session{ID: sessionID, Profile: "dictation", Provider: "realtime", Model: "whisper-1"}); err != nil {
		t.Fatalf("begin session: %v", err)
	}
	events := []protocol.Event{
		protocol.Delta("hel"),
		protocol.Delta("lo world"),
		protocol.Completed("hello world"),
		protocol.Completed("second line"),
	}
	for i, evt := range events {
		evt.SessionID = sessionID
		evt.Sequence = i + 1
		if err := es.AppendEvent(ctx, evt); err != nil {
			t.Fatalf("append event: %v", err)
		}
	}
	if err := es.EndSession(ctx, sessionID, "stopped"); err != nil {
		t.Fatalf("end session: %v", err)
	}

	stored, err := es.ListSessionEvents(ctx, sessionID, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(stored) != 4 {
		t.Fatalf("expected 4 events, got %d", len(stored))
	}
	if stored[0].Kind != "delta" || stored[0].Text != "hel" || stored[3].Sequence != 4 {
		t.Fatalf("unexpected events %+v", stored)
	}

	transcript, err := es.Transcript(ctx, sessionID)
	if err != nil {
		t.Fatalf("transcript: %v", err)
	}
	if transcript != "hello world second line" {
		t.Fatalf("unexpected transcript %q", transcript)
	}

	sessions, err := es.ListSessions(ctx, 5)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].Outcome != "stopped" || sessions[0].Profile != "dictation" || sessions[0].EndedAt.IsZero() {
		t.Fatalf("unexpected sessions %+v", sessions)
	}
}

func TestSessionRetentionStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	cfg := config.EventStoreConfig{Path: path, RetentionMode: "session"}
	ctx := context.Background()

	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := es.BeginSession(ctx, Session{ID: "first"}); err != nil {
		t.Fatalf("begin session: %v", err)
	}
	_ = es.Close()

	es, err = Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	sessions, err := es.ListSessions(ctx, 10)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 0 {
		t.Fatalf("expected empty history, got %+v", sessions)
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.EventStoreConfig{Path: filepath.Join(tmp, "events.db"), RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	old := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	es.clock = func() time.Time { return old }
	if err := es.BeginSession(context.Background(), Session{ID: "old-session"}); err != nil {
		t.Fatalf("begin session: %v", err)
	}
	if err := es.AppendEvent(context.Background(), protocol.Event{SessionID: "old-session", Kind: protocol.EventCompleted, Text: "x"}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.BeginSession(context.Background(), Session{ID: "new-session"}); err != nil {
		t.Fatalf("begin session: %v", err)
	}
	if err := es.Prune(context.Background()); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := es.ListSessionEvents(context.Background(), "old-session", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old session pruned")
	}
	sessions, _ := es.ListSessions(context.Background(), 10)
	if len(sessions) != 1 || sessions[0].ID != "new-session" {
		t.Fatalf("expected only the new session, got %+v", sessions)
	}
}
