package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"
)

// ExecSource captures audio from an external command that writes raw s16le
// mono at the configured rate to stdout (parec, arecord, ffmpeg).
type ExecSource struct {
	args   []string
	format Format
	ring   *Ring
	logger *slog.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdout  io.ReadCloser
	stderr  *bytes.Buffer
	waitErr chan error
	done    chan struct{}
}

func NewExecSource(command string, format Format, logger *slog.Logger) (*ExecSource, error) {
	if err := format.Validate(); err != nil {
		return nil, err
	}
	args, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse capture command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("capture command is empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecSource{
		args:   args,
		format: format,
		ring:   NewRing(format.BufferFrames()),
		logger: logger,
	}, nil
}

// Ring exposes the backing buffer so callers can observe drops.
func (s *ExecSource) Ring() *Ring { return s.ring }

func (s *ExecSource) Frames() <-chan Frame { return s.ring.Frames() }

func (s *ExecSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd != nil {
		return errors.New("capture already running")
	}

	cmd := exec.CommandContext(ctx, s.args[0], s.args[1:]...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	cmd.WaitDelay = time.Second
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create capture stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start capture command: %w", err)
	}

	s.ring.Drain()
	s.cmd = cmd
	s.stdout = stdout
	s.stderr = stderr
	s.waitErr = make(chan error, 1)
	s.done = make(chan struct{})

	go s.pump(stdout, s.done)
	go func(waitErr chan<- error, done <-chan struct{}) {
		<-done
		waitErr <- cmd.Wait()
		close(waitErr)
	}(s.waitErr, s.done)
	return nil
}

func (s *ExecSource) pump(r io.Reader, done chan<- struct{}) {
	defer close(done)
	size := s.format.FrameBytes()
	for {
		buf := make([]byte, size)
		if _, err := io.ReadFull(r, buf); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, os.ErrClosed) {
				s.logger.Warn("capture read failed", slog.String("error", err.Error()))
			}
			return
		}
		s.ring.Push(buf)
	}
}

func (s *ExecSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil {
		return nil
	}

	if s.cmd.Process != nil {
		_ = s.cmd.Process.Signal(os.Interrupt)
	}
	select {
	case <-s.done:
	case <-time.After(1200 * time.Millisecond):
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
		_ = s.stdout.Close()
		<-s.done
	}
	err := normalizeExit(<-s.waitErr)
	if err != nil && s.stderr.Len() > 0 {
		err = fmt.Errorf("%w: %s", err, strings.TrimSpace(s.stderr.String()))
	}
	s.cmd = nil
	return err
}

func normalizeExit(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}
