package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/loqalabs/hotline/internal/audio"
	"github.com/loqalabs/hotline/internal/protocol"
)

// Mock is an in-process provider. Streams are driven by the caller through
// Emit and Fail; with Summarize set, Finish reports how much audio arrived.
type Mock struct {
	Summarize bool

	mu      sync.Mutex
	openErr error
	opened  chan *MockStream
	streams []*MockStream
}

func NewMock() *Mock {
	return &Mock{opened: make(chan *MockStream, 16)}
}

func (m *Mock) Name() string { return "mock" }

// FailNextOpen makes the next Open return err instead of a stream.
func (m *Mock) FailNextOpen(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openErr = err
}

// Opened yields every stream as it is opened.
func (m *Mock) Opened() <-chan *MockStream { return m.opened }

func (m *Mock) Streams() []*MockStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*MockStream(nil), m.streams...)
}

func (m *Mock) Open(ctx context.Context, params Params) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, classifyTransport(err)
	}
	m.mu.Lock()
	if err := m.openErr; err != nil {
		m.openErr = nil
		m.mu.Unlock()
		return nil, err
	}
	s := &MockStream{Params: params, emitter: newEmitter(), summarize: m.Summarize}
	m.streams = append(m.streams, s)
	m.mu.Unlock()

	select {
	case m.opened <- s:
	default:
	}
	return s, nil
}

// MockStream records audio and replays caller-supplied events.
type MockStream struct {
	emitter
	Params Params

	summarize bool

	mu         sync.Mutex
	bytes      int
	frames     int
	finished   bool
	terminated bool
	ended      bool
	closeOnce  sync.Once
}

func (s *MockStream) Events() <-chan protocol.Event { return s.events }

// Emit delivers evt unless the stream already ended. An Error event ends it.
func (s *MockStream) Emit(evt protocol.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminated || s.ended {
		return false
	}
	if !s.emit(evt) {
		return false
	}
	if evt.Kind == protocol.EventError {
		s.terminated = true
		s.endLocked()
	}
	return true
}

// Fail emits a terminal provider error.
func (s *MockStream) Fail(kind protocol.ProviderErrorKind, message string) bool {
	return s.Emit(protocol.Failure(kind, message))
}

func (s *MockStream) Send(frame audio.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished || s.ended {
		return errors.New("audio stream is already closed")
	}
	s.frames++
	s.bytes += len(frame)
	return nil
}

// Frames reports how many frames were sent.
func (s *MockStream) Frames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

func (s *MockStream) Finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

func (s *MockStream) Finish(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished || s.ended {
		return nil
	}
	s.finished = true
	if s.summarize && !s.terminated {
		rate := s.Params.SampleRate
		if rate <= 0 {
			rate = 24000
		}
		duration := time.Duration(int64(s.bytes/2) * int64(time.Second) / int64(rate))
		s.emit(protocol.Completed(fmt.Sprintf("[mock] %d frames, %s of audio", s.frames, duration.Round(time.Millisecond))))
	}
	s.endLocked()
	return nil
}

func (s *MockStream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endLocked()
	return nil
}

func (s *MockStream) endLocked() {
	if !s.ended {
		s.ended = true
		close(s.events)
	}
}
