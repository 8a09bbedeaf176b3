package router

import (
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/hotline/internal/protocol"
)

// Session describes the session events are routed for.
type Session struct {
	ID             string
	Profile        string
	Provider       string
	Model          string
	Hooks          protocol.Hooks
	ReceiveOnDelta bool
}

// Sink consumes routed transcription events. Implementations must return
// quickly; anything slow belongs on the sink's own goroutine.
type Sink interface {
	Name() string
	Event(sess Session, evt protocol.Event) error
}

// LifecycleSink additionally observes session state transitions.
type LifecycleSink interface {
	Sink
	Transition(sess Session, state protocol.SessionState) error
}

// Service fans provider events out to sinks in arrival order. Events of a
// session are only delivered between its Starting and Idle transitions and
// never after its terminal error.
type Service struct {
	logger *slog.Logger
	sinks  []Sink

	mu     sync.Mutex
	routes map[string]*route
}

type route struct {
	sequence   int
	terminated bool
}

func NewService(logger *slog.Logger, sinks ...Sink) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		logger: logger.With(slog.String("component", "router")),
		sinks:  sinks,
		routes: make(map[string]*route),
	}
}

// Transition announces a session state change to lifecycle sinks.
func (s *Service) Transition(sess Session, state protocol.SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if state == protocol.StateStarting {
		s.routes[sess.ID] = &route{}
	}
	for _, sink := range s.sinks {
		ls, ok := sink.(LifecycleSink)
		if !ok {
			continue
		}
		if err := ls.Transition(sess, state); err != nil {
			s.logger.Warn("sink rejected transition",
				slog.String("sink", sink.Name()),
				slog.String("state", string(state)),
				slogError(err))
		}
	}
	if state == protocol.StateIdle {
		delete(s.routes, sess.ID)
	}
}

// Route delivers evt to every sink. It reports false when the event was
// dropped because the session is unknown or already terminated.
func (s *Service) Route(sess Session, evt protocol.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.routes[sess.ID]
	if !ok || r.terminated {
		s.logger.Debug("dropping event outside of session",
			slog.String("session_id", sess.ID),
			slog.String("kind", string(evt.Kind)))
		return false
	}
	r.sequence++
	evt.SessionID = sess.ID
	evt.Sequence = r.sequence
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	if evt.Kind == protocol.EventError {
		r.terminated = true
	}

	for _, sink := range s.sinks {
		if err := sink.Event(sess, evt); err != nil {
			s.logger.Warn("sink failed to handle event",
				slog.String("sink", sink.Name()),
				slog.String("session_id", sess.ID),
				slogError(err))
		}
	}
	return true
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
