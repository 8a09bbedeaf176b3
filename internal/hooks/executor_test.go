package hooks

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/hotline/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}

func TestSpawnWithStdinPipesText(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out.txt")
	exec := New(Options{MaxConcurrency: 2}, newLogger())
	exec.Fire(Invocation{
		SessionID: "s1",
		Trigger:   TriggerReceive,
		Spec:      protocol.HookSpec{Kind: protocol.HookSpawnWithStdin, Command: []string{"sh", "-c", "cat > " + out}},
		Text:      "hello world",
	})
	exec.Fire(Invocation{SessionID: "s1", Trigger: TriggerStop, Spec: protocol.HookSpec{Kind: protocol.HookSpawn, Command: []string{"true"}}})
	exec.Wait()

	if got := readFile(t, out); got != "hello world" {
		t.Fatalf("expected piped text, got %q", got)
	}
}

func TestSpawnRunsWithoutInput(t *testing.T) {
	out := filepath.Join(t.TempDir(), "env.txt")
	exec := New(Options{}, newLogger())
	exec.Fire(Invocation{
		SessionID: "abc",
		Trigger:   TriggerStop,
		Spec:      protocol.HookSpec{Kind: protocol.HookSpawn, Command: []string{"sh", "-c", `printf "%s %s" "$HOTLINE_SESSION_ID" "$HOTLINE_TRIGGER" > ` + out}},
	})
	exec.Wait()
	if got := readFile(t, out); got != "abc on_transcription_stop" {
		t.Fatalf("unexpected hook environment %q", got)
	}
}

func TestInvocationsForOneSessionKeepOrder(t *testing.T) {
	out := filepath.Join(t.TempDir(), "order.txt")
	exec := New(Options{MaxConcurrency: 4}, newLogger())
	spec := protocol.HookSpec{Kind: protocol.HookSpawnWithStdin, Command: []string{"sh", "-c", "cat >> " + out + "; echo >> " + out}}
	for _, word := range []string{"one", "two", "three", "four", "five"} {
		exec.Fire(Invocation{SessionID: "s", Trigger: TriggerReceive, Spec: spec, Text: word})
	}
	exec.Fire(Invocation{SessionID: "s", Trigger: TriggerStop, Spec: protocol.HookSpec{Kind: protocol.HookSpawn, Command: []string{"true"}}})
	exec.Wait()

	if got := readFile(t, out); got != "one\ntwo\nthree\nfour\nfive\n" {
		t.Fatalf("unexpected order %q", got)
	}
}

func TestFireDoesNotWaitForProcess(t *testing.T) {
	exec := New(Options{}, newLogger())
	started := time.Now()
	exec.Fire(Invocation{SessionID: "s", Trigger: TriggerReceive, Spec: protocol.HookSpec{Kind: protocol.HookSpawnWithStdin, Command: []string{"sleep", "1"}}, Text: "x"})
	if elapsed := time.Since(started); elapsed > 200*time.Millisecond {
		t.Fatalf("fire blocked for %s", elapsed)
	}
	exec.Close()
}

func TestFailuresAreReportedNotFatal(t *testing.T) {
	var mu sync.Mutex
	var failures []Trigger
	exec := New(Options{OnFailure: func(inv Invocation, err error) {
		mu.Lock()
		failures = append(failures, inv.Trigger)
		mu.Unlock()
	}}, newLogger())

	exec.Fire(Invocation{SessionID: "s", Trigger: TriggerStart, Spec: protocol.HookSpec{Kind: protocol.HookSpawn, Command: []string{"/definitely/not/here"}}})
	exec.Fire(Invocation{SessionID: "s", Trigger: TriggerReceive, Spec: protocol.HookSpec{Kind: protocol.HookSpawn, Command: []string{"sh", "-c", "exit 3"}}})
	exec.Fire(Invocation{SessionID: "s", Trigger: TriggerStop, Spec: protocol.HookSpec{Kind: protocol.HookSpawn}})
	exec.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(failures) != 3 {
		t.Fatalf("expected 3 failures, got %v", failures)
	}
}

func TestTimeoutKillsHook(t *testing.T) {
	var failed sync.WaitGroup
	failed.Add(1)
	exec := New(Options{Timeout: 100 * time.Millisecond, OnFailure: func(Invocation, error) { failed.Done() }}, newLogger())
	exec.Fire(Invocation{SessionID: "s", Trigger: TriggerStop, Spec: protocol.HookSpec{Kind: protocol.HookSpawn, Command: []string{"sleep", "5"}}})

	done := make(chan struct{})
	go func() {
		exec.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("hook was not killed at its timeout")
	}
	failed.Wait()
}

func TestParseCommand(t *testing.T) {
	spec, err := ParseCommand(`wtype -d 5 "-"`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if spec.Kind != protocol.HookSpawnWithStdin || strings.Join(spec.Command, "|") != "wtype|-d|5|-" {
		t.Fatalf("unexpected spec %+v", spec)
	}
	if _, err := ParseCommand("   "); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestCloseSpawnsQueuedHooksWithoutWaiting(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "stopped")
	exec := New(Options{Timeout: 10 * time.Second}, newLogger())
	exec.Fire(Invocation{SessionID: "s", Trigger: TriggerReceive, Spec: protocol.HookSpec{Kind: protocol.HookSpawn, Command: []string{"sleep", "5"}}})
	exec.Fire(Invocation{SessionID: "s", Trigger: TriggerStop, Spec: protocol.HookSpec{Kind: protocol.HookSpawn, Command: []string{"touch", marker}}})
	time.Sleep(50 * time.Millisecond)

	started := time.Now()
	exec.Close()
	if elapsed := time.Since(started); elapsed > time.Second {
		t.Fatalf("close waited %s for running hooks", elapsed)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := os.Stat(marker); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("queued stop hook never ran")
		}
		time.Sleep(10 * time.Millisecond)
	}

	exec.Fire(Invocation{SessionID: "t", Trigger: TriggerStop, Spec: protocol.HookSpec{Kind: protocol.HookSpawn, Command: []string{"touch", marker + ".late"}}})
	time.Sleep(50 * time.Millisecond)
	if _, err := os.Stat(marker + ".late"); err == nil {
		t.Fatal("hook fired after close was run")
	}
}
