package router

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/loqalabs/hotline/internal/config"
	"github.com/loqalabs/hotline/internal/eventstore"
	"github.com/loqalabs/hotline/internal/hooks"
	"github.com/loqalabs/hotline/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type recordingSink struct {
	mu          sync.Mutex
	events      []protocol.Event
	transitions []protocol.SessionState
}

func (r *recordingSink) Name() string { return "recording" }

func (r *recordingSink) Event(_ Session, evt protocol.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

func (r *recordingSink) Transition(_ Session, state protocol.SessionState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, state)
	return nil
}

func TestRouteAssignsSequenceInArrivalOrder(t *testing.T) {
	rec := &recordingSink{}
	svc := NewService(newLogger(), rec)
	sess := Session{ID: "s1"}

	svc.Transition(sess, protocol.StateStarting)
	svc.Transition(sess, protocol.StateStreaming)
	for _, evt := range []protocol.Event{protocol.Delta("hel"), protocol.Delta("lo world"), protocol.Completed("hello world")} {
		if !svc.Route(sess, evt) {
			t.Fatalf("event %+v was dropped", evt)
		}
	}
	svc.Transition(sess, protocol.StateStopping)
	svc.Transition(sess, protocol.StateIdle)

	if len(rec.events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(rec.events))
	}
	for i, evt := range rec.events {
		if evt.Sequence != i+1 || evt.SessionID != "s1" || evt.Timestamp.IsZero() {
			t.Fatalf("event %d not stamped: %+v", i, evt)
		}
	}
	want := []protocol.SessionState{protocol.StateStarting, protocol.StateStreaming, protocol.StateStopping, protocol.StateIdle}
	if len(rec.transitions) != len(want) {
		t.Fatalf("unexpected transitions %v", rec.transitions)
	}
	for i := range want {
		if rec.transitions[i] != want[i] {
			t.Fatalf("unexpected transitions %v", rec.transitions)
		}
	}
}

func TestNothingIsDeliveredAfterTerminalError(t *testing.T) {
	rec := &recordingSink{}
	svc := NewService(newLogger(), rec)
	sess := Session{ID: "s1"}
	svc.Transition(sess, protocol.StateStarting)

	svc.Route(sess, protocol.Delta("par"))
	svc.Route(sess, protocol.Failure(protocol.ProviderNetwork, "reset"))
	if svc.Route(sess, protocol.Delta("tial")) {
		t.Fatal("delta after error must be dropped")
	}
	if svc.Route(sess, protocol.Completed("partial")) {
		t.Fatal("completion after error must be dropped")
	}
	if len(rec.events) != 2 || rec.events[1].Kind != protocol.EventError {
		t.Fatalf("unexpected events %+v", rec.events)
	}
}

func TestEventsOutsideSessionAreDropped(t *testing.T) {
	rec := &recordingSink{}
	svc := NewService(newLogger(), rec)
	sess := Session{ID: "ghost"}
	if svc.Route(sess, protocol.Completed("boo")) {
		t.Fatal("event for unknown session must be dropped")
	}
	svc.Transition(sess, protocol.StateStarting)
	svc.Transition(sess, protocol.StateIdle)
	if svc.Route(sess, protocol.Completed("late")) {
		t.Fatal("event after idle must be dropped")
	}
	if len(rec.events) != 0 {
		t.Fatalf("unexpected events %+v", rec.events)
	}
}

func TestStdoutAndReceiveHookGetCompletedText(t *testing.T) {
	dir := t.TempDir()
	received := filepath.Join(dir, "received.txt")
	stopped := filepath.Join(dir, "stopped.txt")

	var stdout bytes.Buffer
	exec := hooks.New(hooks.Options{MaxConcurrency: 2}, newLogger())
	svc := NewService(newLogger(), NewStdoutSink(&stdout), NewHookSink(exec))
	sess := Session{
		ID: "s1",
		Hooks: protocol.Hooks{
			OnReceive: &protocol.HookSpec{Kind: protocol.HookSpawnWithStdin, Command: []string{"sh", "-c", "cat >> " + received + "; echo >> " + received}},
			OnStop:    &protocol.HookSpec{Kind: protocol.HookSpawnWithStdin, Command: []string{"sh", "-c", "cat > " + stopped}},
		},
	}

	svc.Transition(sess, protocol.StateStarting)
	svc.Transition(sess, protocol.StateStreaming)
	svc.Route(sess, protocol.Delta("hel"))
	svc.Route(sess, protocol.Delta("lo world"))
	svc.Route(sess, protocol.Completed("hello world"))
	svc.Transition(sess, protocol.StateStopping)
	svc.Transition(sess, protocol.StateIdle)
	exec.Wait()

	if stdout.String() != "hello world\n" {
		t.Fatalf("unexpected stdout %q", stdout.String())
	}
	data, err := os.ReadFile(received)
	if err != nil {
		t.Fatalf("read receive hook output: %v", err)
	}
	if string(data) != "hello world\n" {
		t.Fatalf("expected a single receive invocation, got %q", data)
	}
	data, err = os.ReadFile(stopped)
	if err != nil {
		t.Fatalf("read stop hook output: %v", err)
	}
	if string(data) != "hello world" {
		t.Fatalf("expected transcript on stop hook stdin, got %q", data)
	}
}

func TestReceiveOnDeltaFiresPerFragment(t *testing.T) {
	out := filepath.Join(t.TempDir(), "deltas.txt")
	exec := hooks.New(hooks.Options{}, newLogger())
	svc := NewService(newLogger(), NewHookSink(exec))
	sess := Session{
		ID:             "s1",
		ReceiveOnDelta: true,
		Hooks: protocol.Hooks{
			OnReceive: &protocol.HookSpec{Kind: protocol.HookSpawnWithStdin, Command: []string{"sh", "-c", "cat >> " + out + "; echo >> " + out}},
		},
	}
	svc.Transition(sess, protocol.StateStarting)
	svc.Route(sess, protocol.Delta("hel"))
	svc.Route(sess, protocol.Delta("lo world"))
	svc.Route(sess, protocol.Completed("hello world"))
	svc.Transition(sess, protocol.StateIdle)
	exec.Wait()

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "hel\nlo world\n" {
		t.Fatalf("unexpected receive invocations %q", data)
	}
}

func TestStoreSinkRecordsOutcome(t *testing.T) {
	ctx := context.Background()
	store, err := eventstore.Open(ctx, config.EventStoreConfig{Path: filepath.Join(t.TempDir(), "events.db"), RetentionMode: "persistent"}, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	svc := NewService(newLogger(), NewStoreSink(store))
	sess := Session{ID: "s1", Profile: "default", Provider: "mock", Model: "whisper-1"}
	svc.Transition(sess, protocol.StateStarting)
	svc.Route(sess, protocol.Completed("one"))
	svc.Route(sess, protocol.Failure(protocol.ProviderTimeout, "gone quiet"))
	svc.Transition(sess, protocol.StateIdle)

	sessions, err := store.ListSessions(ctx, 5)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].Outcome != "error" || sessions[0].Provider != "mock" {
		t.Fatalf("unexpected sessions %+v", sessions)
	}
	events, _ := store.ListSessionEvents(ctx, "s1", 10)
	if len(events) != 2 || events[1].ErrorKind != string(protocol.ProviderTimeout) {
		t.Fatalf("unexpected events %+v", events)
	}
	if !strings.Contains(string(events[1].Payload), "gone quiet") {
		t.Fatalf("payload missing message: %s", events[1].Payload)
	}
}
