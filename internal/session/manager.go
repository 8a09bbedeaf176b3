package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/hotline/internal/audio"
	"github.com/loqalabs/hotline/internal/config"
	"github.com/loqalabs/hotline/internal/protocol"
	"github.com/loqalabs/hotline/internal/provider"
	"github.com/loqalabs/hotline/internal/router"
)

const defaultStopTimeout = 60 * time.Second

type Options struct {
	Provider provider.Provider
	// Source is started for every session; nil sessions carry no audio.
	Source         audio.Source
	Router         *router.Service
	Defaults       Defaults
	Profiles       map[string]config.ProfileConfig
	DefaultProfile string
	// StopTimeout bounds the Stopping phase.
	StopTimeout time.Duration
	Logger      *slog.Logger
}

// Status is a point-in-time view of the manager.
type Status struct {
	State     protocol.SessionState `json:"state"`
	SessionID string                `json:"session_id,omitempty"`
	Profile   string                `json:"profile,omitempty"`
	Provider  string                `json:"provider,omitempty"`
	Model     string                `json:"model,omitempty"`
	StartedAt *time.Time            `json:"started_at,omitempty"`
}

// Manager owns the single transcription session. Commands, handshake results,
// provider events and teardown completions are all serialized through Run.
type Manager struct {
	opts   Options
	logger *slog.Logger
	tracer trace.Tracer

	requests chan request
	opened   chan openResult
	torndown chan *active
	done     chan struct{}

	mu     sync.RWMutex
	status Status

	// owned by Run
	current *active
}

type request struct {
	cmd   protocol.Command
	reply chan protocol.Reply
}

type openResult struct {
	session *active
	stream  provider.Stream
	err     error
}

type active struct {
	info      router.Session
	params    provider.Params
	state     protocol.SessionState
	startedAt time.Time
	span      trace.Span

	cancelOpen context.CancelFunc
	cancelled  bool

	stream provider.Stream
	events <-chan protocol.Event

	pumpCancel context.CancelFunc
	pumpDone   chan struct{}

	tearing  bool
	tornDown bool
	abort    context.CancelFunc
	deadline *time.Timer
	failed   bool
}

func New(opts Options) (*Manager, error) {
	if opts.Provider == nil {
		return nil, errors.New("session manager requires a provider")
	}
	if opts.Router == nil {
		return nil, errors.New("session manager requires a router")
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = defaultStopTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		opts:     opts,
		logger:   logger.With(slog.String("component", "session")),
		tracer:   otel.Tracer("github.com/loqalabs/hotline/internal/session"),
		requests: make(chan request),
		opened:   make(chan openResult, 1),
		torndown: make(chan *active, 1),
		done:     make(chan struct{}),
		status:   Status{State: protocol.StateIdle},
	}, nil
}

// Submit hands cmd to the manager and waits for its accept or reject decision.
func (m *Manager) Submit(ctx context.Context, cmd protocol.Command) protocol.Reply {
	req := request{cmd: cmd, reply: make(chan protocol.Reply, 1)}
	select {
	case m.requests <- req:
	case <-m.done:
		return protocol.ErrorReply(protocol.Errorf(protocol.KindSession, "daemon is shutting down"))
	case <-ctx.Done():
		return protocol.ErrorReply(protocol.Wrap(protocol.KindSession, "command not accepted", ctx.Err()))
	}
	select {
	case reply := <-req.reply:
		return reply
	case <-ctx.Done():
		return protocol.ErrorReply(protocol.Wrap(protocol.KindSession, "command not answered", ctx.Err()))
	}
}

func (m *Manager) State() protocol.SessionState {
	return m.Status().State
}

func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// Done is closed once Run has returned.
func (m *Manager) Done() <-chan struct{} { return m.done }

// Run processes commands until ctx is cancelled. An active session is then
// cancelled without finishing its stream, and Run returns once it is Idle.
func (m *Manager) Run(ctx context.Context) error {
	defer close(m.done)
	shutdown := ctx.Done()
	closing := false
	for {
		if closing && m.current == nil {
			m.logger.Info("session manager stopped")
			return nil
		}
		var (
			events   <-chan protocol.Event
			deadline <-chan time.Time
		)
		if a := m.current; a != nil {
			events = a.events
			if a.deadline != nil {
				deadline = a.deadline.C
			}
		}

		select {
		case <-shutdown:
			shutdown = nil
			closing = true
			if a := m.current; a != nil {
				m.logger.Info("cancelling active session for shutdown", slog.String("session_id", a.info.ID))
				m.cancel(a)
			}
		case req := <-m.requests:
			if closing {
				req.reply <- protocol.ErrorReply(protocol.Errorf(protocol.KindSession, "daemon is shutting down"))
				continue
			}
			req.reply <- m.handle(req.cmd)
		case res := <-m.opened:
			m.onOpened(res)
		case evt, ok := <-events:
			if !ok {
				m.onEventsClosed(m.current)
				continue
			}
			m.onEvent(m.current, evt)
		case a := <-m.torndown:
			a.tornDown = true
			m.maybeFinalize(a)
		case <-deadline:
			m.onDeadline(m.current)
		}
	}
}

func (m *Manager) handle(cmd protocol.Command) protocol.Reply {
	switch cmd.Type {
	case protocol.CommandStart:
		return m.start(cmd.Args)
	case protocol.CommandStop:
		if a := m.current; a != nil {
			m.stop(a)
			return protocol.Accepted(a.state, a.info.ID)
		}
		return protocol.OK()
	case protocol.CommandToggle:
		if a := m.current; a != nil {
			m.stop(a)
			return protocol.Accepted(a.state, a.info.ID)
		}
		return m.start(cmd.Args)
	default:
		return protocol.ErrorReply(protocol.Errorf(protocol.KindProtocol, "unknown command %q", cmd.Type))
	}
}

func (m *Manager) start(args protocol.StartArgs) protocol.Reply {
	if m.current != nil {
		return protocol.ErrorReply(protocol.Errorf(protocol.KindSession, "session already active"))
	}
	res, err := resolve(args, m.opts.DefaultProfile, m.opts.Profiles, m.opts.Defaults)
	if err != nil {
		return protocol.ErrorReply(err)
	}
	if src := m.opts.Source; src != nil {
		if err := src.Start(context.Background()); err != nil {
			return protocol.ErrorReply(protocol.Wrap(protocol.KindConfiguration, "audio capture failed to start", err))
		}
	}

	id := uuid.NewString()
	a := &active{
		info:      res.route(id, m.opts.Provider.Name()),
		params:    res.params,
		startedAt: time.Now().UTC(),
	}
	a.params.SessionID = id
	_, a.span = m.tracer.Start(context.Background(), "hotline.session",
		trace.WithAttributes(
			attribute.String("session.id", id),
			attribute.String("session.profile", a.info.Profile),
			attribute.String("provider", a.info.Provider),
			attribute.String("model", a.info.Model),
		))
	m.current = a
	m.transition(a, protocol.StateStarting)

	openCtx, cancel := context.WithCancel(context.Background())
	a.cancelOpen = cancel
	params := a.params
	go func() {
		stream, err := m.opts.Provider.Open(openCtx, params)
		m.opened <- openResult{session: a, stream: stream, err: err}
	}()

	m.logger.Info("session starting",
		slog.String("session_id", id),
		slog.String("profile", a.info.Profile),
		slog.String("provider", a.info.Provider),
		slog.String("model", a.info.Model))
	return protocol.Accepted(a.state, id)
}

// stop moves a into Stopping. A handshake in flight is cancelled instead and
// a stop during Stopping aborts the pending finish.
func (m *Manager) stop(a *active) {
	switch a.state {
	case protocol.StateStarting:
		if !a.cancelled {
			a.cancelled = true
			a.cancelOpen()
		}
	case protocol.StateStreaming:
		m.transition(a, protocol.StateStopping)
		a.deadline = time.NewTimer(m.opts.StopTimeout)
		m.teardown(a, true)
	case protocol.StateStopping:
		if a.abort != nil {
			m.logger.Info("aborting session finish", slog.String("session_id", a.info.ID))
			a.abort()
		}
	}
}

// cancel ends a without waiting on the provider: a handshake is cancelled,
// a streaming session is torn down without Finish and a pending finish is
// aborted.
func (m *Manager) cancel(a *active) {
	switch a.state {
	case protocol.StateStarting:
		m.stop(a)
	case protocol.StateStreaming:
		m.transition(a, protocol.StateStopping)
		a.deadline = time.NewTimer(m.opts.StopTimeout)
		m.teardown(a, false)
	case protocol.StateStopping:
		if a.abort != nil {
			a.abort()
		}
	}
}

func (m *Manager) onOpened(res openResult) {
	a := res.session
	a.cancelOpen()
	if a != m.current {
		if res.stream != nil {
			_ = res.stream.Close()
		}
		return
	}

	switch {
	case res.err != nil:
		if a.cancelled {
			m.logger.Info("session cancelled during handshake", slog.String("session_id", a.info.ID))
		} else {
			m.logger.Warn("provider handshake failed",
				slog.String("session_id", a.info.ID),
				slog.String("error", res.err.Error()))
			m.fail(a, provider.AsEvent(res.err))
		}
		m.teardown(a, false)
	case a.cancelled:
		a.stream = res.stream
		m.teardown(a, false)
	default:
		a.stream = res.stream
		a.events = res.stream.Events()
		m.transition(a, protocol.StateStreaming)
		m.startPump(a)
		m.logger.Info("session streaming", slog.String("session_id", a.info.ID))
	}
}

func (m *Manager) onEvent(a *active, evt protocol.Event) {
	m.opts.Router.Route(a.info, evt)
	if evt.Kind != protocol.EventError {
		return
	}
	a.failed = true
	if a.span != nil {
		a.span.SetStatus(codes.Error, evt.Message)
	}
	m.logger.Warn("provider reported an error",
		slog.String("session_id", a.info.ID),
		slog.String("kind", string(evt.ErrorKind)),
		slog.String("message", evt.Message))
	switch a.state {
	case protocol.StateStreaming:
		m.transition(a, protocol.StateStopping)
		a.deadline = time.NewTimer(m.opts.StopTimeout)
		m.teardown(a, false)
	case protocol.StateStopping:
		if a.abort != nil {
			a.abort()
		}
	}
}

func (m *Manager) onEventsClosed(a *active) {
	a.events = nil
	if a.state == protocol.StateStreaming {
		m.fail(a, protocol.Failure(protocol.ProviderNetwork, "provider closed the stream"))
		m.transition(a, protocol.StateStopping)
		a.deadline = time.NewTimer(m.opts.StopTimeout)
		m.teardown(a, false)
		return
	}
	m.maybeFinalize(a)
}

func (m *Manager) onDeadline(a *active) {
	a.deadline = nil
	m.logger.Warn("session did not stop in time, dropping it",
		slog.String("session_id", a.info.ID),
		slog.Duration("timeout", m.opts.StopTimeout))
	if a.abort != nil {
		a.abort()
	}
	m.finalize(a)
}

// fail routes a locally detected terminal error.
func (m *Manager) fail(a *active, evt protocol.Event) {
	a.failed = true
	if a.span != nil {
		a.span.SetStatus(codes.Error, evt.Message)
	}
	m.opts.Router.Route(a.info, evt)
}

// teardown stops capture and the pump, optionally finishes the stream, then
// closes it. Completion is reported on m.torndown.
func (m *Manager) teardown(a *active, graceful bool) {
	if a.tearing {
		return
	}
	a.tearing = true
	finishCtx, abort := context.WithTimeout(context.Background(), m.opts.StopTimeout)
	a.abort = abort

	var (
		source     = m.opts.Source
		stream     = a.stream
		pumpCancel = a.pumpCancel
		pumpDone   = a.pumpDone
		logger     = m.logger.With(slog.String("session_id", a.info.ID))
	)
	go func() {
		defer abort()
		if source != nil {
			if err := source.Stop(); err != nil {
				logger.Warn("audio capture stop failed", slog.String("error", err.Error()))
			}
		}
		if pumpCancel != nil {
			pumpCancel()
			<-pumpDone
		}
		if stream != nil {
			if graceful {
				if err := stream.Finish(finishCtx); err != nil {
					logger.Warn("stream finish failed", slog.String("error", err.Error()))
				}
			}
			if err := stream.Close(); err != nil {
				logger.Warn("stream close failed", slog.String("error", err.Error()))
			}
		}
		m.torndown <- a
	}()
}

func (m *Manager) maybeFinalize(a *active) {
	if a != m.current || !a.tornDown || a.events != nil {
		return
	}
	m.finalize(a)
}

// finalize announces Idle and forgets the session.
func (m *Manager) finalize(a *active) {
	if a != m.current {
		return
	}
	if a.deadline != nil {
		a.deadline.Stop()
		a.deadline = nil
	}
	m.current = nil
	m.transition(a, protocol.StateIdle)

	outcome := "stopped"
	if a.failed {
		outcome = "error"
	}
	if a.span != nil {
		a.span.SetAttributes(attribute.String("session.outcome", outcome))
		a.span.End()
	}
	m.logger.Info("session ended",
		slog.String("session_id", a.info.ID),
		slog.String("outcome", outcome),
		slog.Duration("duration", time.Since(a.startedAt)))
}

func (m *Manager) transition(a *active, state protocol.SessionState) {
	a.state = state
	m.mu.Lock()
	if state == protocol.StateIdle {
		m.status = Status{State: protocol.StateIdle}
	} else {
		started := a.startedAt
		m.status = Status{
			State:     state,
			SessionID: a.info.ID,
			Profile:   a.info.Profile,
			Provider:  a.info.Provider,
			Model:     a.info.Model,
			StartedAt: &started,
		}
	}
	m.mu.Unlock()
	if a.span != nil {
		a.span.AddEvent("state", trace.WithAttributes(attribute.String("state", string(state))))
	}
	m.opts.Router.Transition(a.info, state)
}

// startPump forwards captured frames to the stream until cancelled, then
// flushes whatever the source buffered before it stopped.
func (m *Manager) startPump(a *active) {
	src := m.opts.Source
	if src == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	a.pumpCancel = cancel
	a.pumpDone = done

	frames := src.Frames()
	stream := a.stream
	logger := m.logger.With(slog.String("session_id", a.info.ID))
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				for {
					select {
					case frame := <-frames:
						if err := stream.Send(frame); err != nil {
							return
						}
					default:
						return
					}
				}
			case frame := <-frames:
				if err := stream.Send(frame); err != nil {
					logger.Warn("audio send failed", slog.String("error", err.Error()))
					return
				}
			}
		}
	}()
}
