package hooks

import (
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

	"github.com/loqalabs/hotline/internal/protocol"
)

// Trigger names the lifecycle transition a hook is bound to.
type Trigger string

const (
	TriggerStart   Trigger = "on_transcription_start"
	TriggerReceive Trigger = "on_transcription_receive"
	TriggerStop    Trigger = "on_transcription_stop"
)

// Invocation is one hook run request.
type Invocation struct {
	SessionID string
	Trigger   Trigger
	Spec      protocol.HookSpec
	// Text is piped to the process when Spec.Kind is spawn_with_stdin.
	Text string
}

// Options tune the executor.
type Options struct {
	MaxConcurrency int
	Timeout        time.Duration
	QueueDepth     int
	// OnFailure observes every failed invocation.
	OnFailure func(inv Invocation, err error)
}

// Executor runs hook processes without blocking the caller. Invocations of
// one session run in submission order; different sessions run concurrently
// up to MaxConcurrency processes.
type Executor struct {
	opts  Options
	log   *slog.Logger
	sema  chan struct{}
	flush chan struct{}
	wg    sync.WaitGroup
	procs sync.WaitGroup

	mu     sync.Mutex
	queues map[string]chan Invocation
	closed bool
}

func New(opts Options, logger *slog.Logger) *Executor {
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		opts:   opts,
		log:    logger.With(slog.String("component", "hooks")),
		sema:   make(chan struct{}, opts.MaxConcurrency),
		flush:  make(chan struct{}),
		queues: make(map[string]chan Invocation),
	}
}

// Fire schedules inv and returns immediately. A stop trigger is the last
// invocation accepted for its session.
func (e *Executor) Fire(inv Invocation) {
	invalid := inv.Spec.Validate()
	if invalid != nil {
		e.failed(inv, invalid)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		e.log.Debug("executor closed, dropping hook", slog.String("trigger", string(inv.Trigger)))
		return
	}
	queue, ok := e.queues[inv.SessionID]
	if invalid == nil {
		if !ok {
			queue = make(chan Invocation, e.opts.QueueDepth)
			e.queues[inv.SessionID] = queue
			e.wg.Add(1)
			go e.drain(queue)
		}
		select {
		case queue <- inv:
		default:
			e.failed(inv, errors.New("hook queue is full"))
		}
	}
	if inv.Trigger == TriggerStop && queue != nil {
		delete(e.queues, inv.SessionID)
		close(queue)
	}
}

// Release ends the queue of a session that has no stop hook.
func (e *Executor) Release(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if queue, ok := e.queues[sessionID]; ok {
		delete(e.queues, sessionID)
		close(queue)
	}
}

func (e *Executor) flushing() bool {
	select {
	case <-e.flush:
		return true
	default:
		return false
	}
}

// drain runs one session's queue in order. Once flushing, each remaining
// invocation is spawned without waiting on the semaphore or its predecessor.
func (e *Executor) drain(queue <-chan Invocation) {
	defer e.wg.Done()
	for inv := range queue {
		held := false
		if !e.flushing() {
			select {
			case e.sema <- struct{}{}:
				held = true
			case <-e.flush:
			}
		}
		exited, err := e.start(inv)
		if err != nil {
			if held {
				<-e.sema
			}
			e.failed(inv, err)
			continue
		}
		select {
		case err = <-exited:
			if err != nil {
				e.failed(inv, err)
			}
		case <-e.flush:
			e.log.Debug("leaving hook running", slog.String("session_id", inv.SessionID), slog.String("trigger", string(inv.Trigger)))
		}
		if held {
			<-e.sema
		}
	}
}

// start spawns inv and feeds its stdin. The returned channel receives the
// exit result; the process is killed once Timeout elapses.
func (e *Executor) start(inv Invocation) (<-chan error, error) {
	ctx, cancel := context.WithTimeout(context.Background(), e.opts.Timeout)

	cmd := exec.CommandContext(ctx, inv.Spec.Command[0], inv.Spec.Command[1:]...)
	cmd.Env = append(os.Environ(),
		"HOTLINE_SESSION_ID="+inv.SessionID,
		"HOTLINE_TRIGGER="+string(inv.Trigger),
	)
	cmd.WaitDelay = time.Second
	var stderr strings.Builder
	cmd.Stderr = &stderr

	var stdin io.WriteCloser
	if inv.Spec.Kind == protocol.HookSpawnWithStdin {
		pipe, err := cmd.StdinPipe()
		if err != nil {
			cancel()
			return nil, fmt.Errorf("stdin pipe: %w", err)
		}
		stdin = pipe
	}

	started := time.Now()
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("spawn %s: %w", inv.Spec.Command[0], err)
	}
	if stdin != nil {
		_, werr := io.WriteString(stdin, inv.Text)
		cerr := stdin.Close()
		if werr == nil {
			werr = cerr
		}
		if werr != nil {
			e.log.Debug("hook closed stdin early", slog.String("error", werr.Error()))
		}
	}

	exited := make(chan error, 1)
	e.procs.Add(1)
	go func() {
		defer e.procs.Done()
		defer cancel()
		err := cmd.Wait()
		if err != nil {
			if msg := strings.TrimSpace(stderr.String()); msg != "" {
				err = fmt.Errorf("%s exited: %w: %s", inv.Spec.Command[0], err, msg)
			} else {
				err = fmt.Errorf("%s exited: %w", inv.Spec.Command[0], err)
			}
		} else {
			e.log.Debug("hook finished",
				slog.String("session_id", inv.SessionID),
				slog.String("trigger", string(inv.Trigger)),
				slog.Duration("elapsed", time.Since(started)))
		}
		exited <- err
	}()
	return exited, nil
}

func (e *Executor) failed(inv Invocation, err error) {
	e.log.Warn("hook failed",
		slog.String("session_id", inv.SessionID),
		slog.String("trigger", string(inv.Trigger)),
		slog.String("error", err.Error()))
	if e.opts.OnFailure != nil {
		e.opts.OnFailure(inv, err)
	}
}

// Close stops accepting invocations and returns once every queued one has
// been spawned. Running processes are left to finish or hit their timeout.
func (e *Executor) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	for id, queue := range e.queues {
		close(queue)
		delete(e.queues, id)
	}
	e.mu.Unlock()
	close(e.flush)
	e.wg.Wait()
}

// Wait blocks until every scheduled invocation has run to exit.
func (e *Executor) Wait() {
	e.wg.Wait()
	e.procs.Wait()
}

// ParseCommand turns a shell-style command line into a stdin hook.
func ParseCommand(line string) (protocol.HookSpec, error) {
	args, err := shellwords.NewParser().Parse(line)
	if err != nil {
		return protocol.HookSpec{}, fmt.Errorf("parse hook command: %w", err)
	}
	if len(args) == 0 {
		return protocol.HookSpec{}, errors.New("hook command is empty")
	}
	return protocol.HookSpec{Kind: protocol.HookSpawnWithStdin, Command: args}, nil
}
