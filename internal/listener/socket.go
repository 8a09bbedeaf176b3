package listener

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/loqalabs/hotline/internal/protocol"
)

const (
	maxCommandBytes = 64 << 10
	connTimeout     = 10 * time.Second
)

// Submitter accepts decoded commands. The session manager implements it.
type Submitter interface {
	Submit(ctx context.Context, cmd protocol.Command) protocol.Reply
}

// SocketServer answers one JSON command per unix socket connection.
type SocketServer struct {
	path   string
	submit Submitter
	logger *slog.Logger

	ln        net.Listener
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Listen binds path, replacing a socket file left behind by a dead daemon.
func Listen(path string, submit Submitter, logger *slog.Logger) (*SocketServer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create socket directory: %w", err)
	}
	if err := removeStale(path); err != nil {
		return nil, err
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("restrict socket permissions: %w", err)
	}
	logger = logger.With(slog.String("component", "listener"))
	logger.Info("command socket listening", slog.String("path", path))
	return &SocketServer{path: path, submit: submit, logger: logger, ln: ln}, nil
}

func removeStale(path string) error {
	info, err := os.Lstat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("%s exists and is not a socket", path)
	}
	if conn, err := net.DialTimeout("unix", path, 200*time.Millisecond); err == nil {
		_ = conn.Close()
		return fmt.Errorf("another daemon is listening on %s", path)
	}
	return os.Remove(path)
}

func (s *SocketServer) Path() string { return s.path }

// Serve accepts connections until ctx is cancelled or Close is called.
func (s *SocketServer) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, conn)
		}()
	}
}

// Close stops accepting, waits for open connections and removes the socket.
func (s *SocketServer) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.ln.Close()
		s.wg.Wait()
		if rmErr := os.Remove(s.path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) && err == nil {
			err = rmErr
		}
	})
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (s *SocketServer) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(connTimeout))

	reply := s.dispatch(ctx, conn)
	data, err := json.Marshal(reply)
	if err != nil {
		s.logger.Error("encode reply failed", slog.String("error", err.Error()))
		return
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		s.logger.Debug("write reply failed", slog.String("error", err.Error()))
	}
}

func (s *SocketServer) dispatch(ctx context.Context, conn net.Conn) protocol.Reply {
	line, err := readLine(conn)
	if err != nil {
		s.logger.Warn("unreadable command", slog.String("error", err.Error()))
		return protocol.ErrorReply(protocol.Wrap(protocol.KindProtocol, "unreadable command", err))
	}
	cmd, err := protocol.DecodeCommand(line)
	if err != nil {
		s.logger.Warn("rejecting malformed command", slog.String("error", err.Error()))
		return protocol.ErrorReply(err)
	}
	s.logger.Info("command received", slog.String("command", string(cmd.Type)))
	submitCtx, cancel := context.WithTimeout(ctx, connTimeout)
	defer cancel()
	return s.submit.Submit(submitCtx, cmd)
}

// readLine reads up to the first newline or EOF.
func readLine(r io.Reader) ([]byte, error) {
	reader := bufio.NewReader(io.LimitReader(r, maxCommandBytes+1))
	line, err := reader.ReadBytes('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if len(line) > maxCommandBytes {
		return nil, fmt.Errorf("command exceeds %d bytes", maxCommandBytes)
	}
	return line, nil
}
