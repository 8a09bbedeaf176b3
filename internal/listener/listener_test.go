package listener

import (
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/loqalabs/hotline/internal/bus"
	"github.com/loqalabs/hotline/internal/config"
	"github.com/loqalabs/hotline/internal/natsserver"
	"github.com/loqalabs/hotline/internal/protocol"
	"github.com/loqalabs/hotline/internal/provider"
	"github.com/loqalabs/hotline/internal/router"
	"github.com/loqalabs/hotline/internal/session"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type recordingSubmitter struct {
	mu       sync.Mutex
	commands []protocol.Command
	reply    protocol.Reply
}

func (r *recordingSubmitter) Submit(_ context.Context, cmd protocol.Command) protocol.Reply {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, cmd)
	if r.reply.OK || r.reply.Error != nil {
		return r.reply
	}
	return protocol.OK()
}

func (r *recordingSubmitter) received() []protocol.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Command(nil), r.commands...)
}

func socketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "hotline")
	if err != nil {
		t.Fatalf("temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "hotline.sock")
}

func serve(t *testing.T, path string, submit Submitter) *SocketServer {
	t.Helper()
	srv, err := Listen(path, submit, newLogger())
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return srv
}

func rawExchange(t *testing.T, path, payload string) protocol.Reply {
	t.Helper()
	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte(payload)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if uc, ok := conn.(*net.UnixConn); ok {
		_ = uc.CloseWrite()
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := readLine(conn)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	reply, err := protocol.DecodeReply(line)
	if err != nil {
		t.Fatalf("decode reply %q: %v", line, err)
	}
	return reply
}

func TestSendDeliversCommand(t *testing.T) {
	path := socketPath(t)
	sub := &recordingSubmitter{}
	serve(t, path, sub)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	reply, err := Send(ctx, path, protocol.StartCommand(protocol.StartArgs{Model: protocol.StringPtr("whisper-1")}))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !reply.OK {
		t.Fatalf("unexpected reply %+v", reply)
	}
	got := sub.received()
	if len(got) != 1 || got[0].Type != protocol.CommandStart || *got[0].Args.Model != "whisper-1" {
		t.Fatalf("unexpected commands %+v", got)
	}
}

func TestErrorRepliesAreRelayed(t *testing.T) {
	path := socketPath(t)
	serve(t, path, &recordingSubmitter{reply: protocol.ErrorReply(protocol.Errorf(protocol.KindSession, "session already active"))})

	reply, err := Send(context.Background(), path, protocol.StopCommand())
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if reply.Error == nil || reply.Error.Kind != protocol.KindSession || reply.Error.Message != "session already active" {
		t.Fatalf("unexpected reply %+v", reply)
	}
}

func TestMalformedCommandLeavesManagerIdle(t *testing.T) {
	svc := router.NewService(newLogger())
	mgr, err := session.New(session.Options{
		Provider: provider.NewMock(),
		Router:   svc,
		Defaults: session.Defaults{Model: "whisper-1"},
		Logger:   newLogger(),
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		<-mgr.Done()
	}()
	go func() { _ = mgr.Run(ctx) }()

	path := socketPath(t)
	serve(t, path, mgr)

	for _, payload := range []string{"{not json\n", `{"Launch":{}}` + "\n", "\n"} {
		reply := rawExchange(t, path, payload)
		if reply.Error == nil || reply.Error.Kind != protocol.KindProtocol {
			t.Fatalf("payload %q: expected ProtocolError, got %+v", payload, reply)
		}
	}
	if mgr.State() != protocol.StateIdle {
		t.Fatalf("malformed input changed state to %s", mgr.State())
	}
}

func TestListenReplacesStaleSocket(t *testing.T) {
	path := socketPath(t)
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	// Leave the file behind the way a crashed daemon would.
	ln.(*net.UnixListener).SetUnlinkOnClose(false)
	ln.Close()

	srv := serve(t, path, &recordingSubmitter{})
	if _, err := Send(context.Background(), path, protocol.StopCommand()); err != nil {
		t.Fatalf("send after stale socket: %v", err)
	}
	if err := srv.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("socket file not removed: %v", err)
	}
}

func TestListenRefusesLiveSocket(t *testing.T) {
	path := socketPath(t)
	serve(t, path, &recordingSubmitter{})
	if _, err := Listen(path, &recordingSubmitter{}, newLogger()); err == nil {
		t.Fatal("expected second listener to be refused")
	}
}

func TestSignalsMapToCommands(t *testing.T) {
	sub := &recordingSubmitter{}
	watcher := WatchSignals(sub, newLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		watcher.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	if err := syscall.Kill(os.Getpid(), syscall.SIGUSR1); err != nil {
		t.Fatalf("raise SIGUSR1: %v", err)
	}
	waitCommands(t, sub, 1)
	if err := syscall.Kill(os.Getpid(), syscall.SIGUSR2); err != nil {
		t.Fatalf("raise SIGUSR2: %v", err)
	}
	got := waitCommands(t, sub, 2)
	if got[0].Type != protocol.CommandStart || got[1].Type != protocol.CommandStop {
		t.Fatalf("unexpected commands %+v", got)
	}
}

func waitCommands(t *testing.T, sub *recordingSubmitter, n int) []protocol.Command {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := sub.received(); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d commands, got %+v", n, sub.received())
	return nil
}

func TestBusCommandsRequestReply(t *testing.T) {
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, newLogger())
	if err != nil {
		t.Fatalf("start embedded server: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	sub := &recordingSubmitter{}
	l := NewBusListener(context.Background(), client, sub, newLogger())
	if err := l.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(l.Close)

	reply, err := Request(client.Conn(), protocol.ToggleCommand(protocol.StartArgs{}), 2*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if !reply.OK {
		t.Fatalf("unexpected reply %+v", reply)
	}

	msg, err := client.Conn().Request(protocol.SubjectCommand, []byte("garbage"), 2*time.Second)
	if err != nil {
		t.Fatalf("raw request: %v", err)
	}
	bad, err := protocol.DecodeReply(msg.Data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if bad.Error == nil || bad.Error.Kind != protocol.KindProtocol {
		t.Fatalf("expected ProtocolError, got %+v", bad)
	}
	if got := sub.received(); len(got) != 1 || got[0].Type != protocol.CommandToggle {
		t.Fatalf("unexpected commands %+v", got)
	}
}
