package router

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/hotline/internal/bus"
	"github.com/loqalabs/hotline/internal/eventstore"
	"github.com/loqalabs/hotline/internal/hooks"
	"github.com/loqalabs/hotline/internal/protocol"
)

// StdoutSink writes each completed utterance as one line.
type StdoutSink struct {
	mu sync.Mutex
	w  io.Writer
}

func NewStdoutSink(w io.Writer) *StdoutSink {
	return &StdoutSink{w: w}
}

func (s *StdoutSink) Name() string { return "stdout" }

func (s *StdoutSink) Event(_ Session, evt protocol.Event) error {
	if evt.Kind != protocol.EventCompleted || evt.Text == "" {
		return nil
	}
	return s.WriteLine(evt.Text)
}

func (s *StdoutSink) WriteLine(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := fmt.Fprintln(s.w, text)
	return err
}

// HookSink maps session lifecycle and transcript events onto hook triggers.
// The stop hook receives the session's full transcript.
type HookSink struct {
	exec *hooks.Executor

	mu          sync.Mutex
	transcripts map[string][]string
}

func NewHookSink(exec *hooks.Executor) *HookSink {
	return &HookSink{exec: exec, transcripts: make(map[string][]string)}
}

func (s *HookSink) Name() string { return "hooks" }

func (s *HookSink) Event(sess Session, evt protocol.Event) error {
	switch evt.Kind {
	case protocol.EventCompleted:
		if evt.Text == "" {
			return nil
		}
		s.mu.Lock()
		s.transcripts[sess.ID] = append(s.transcripts[sess.ID], evt.Text)
		s.mu.Unlock()
		if !sess.ReceiveOnDelta {
			s.fire(sess, hooks.TriggerReceive, sess.Hooks.OnReceive, evt.Text)
		}
	case protocol.EventDelta:
		if sess.ReceiveOnDelta {
			s.fire(sess, hooks.TriggerReceive, sess.Hooks.OnReceive, evt.Text)
		}
	}
	return nil
}

func (s *HookSink) Transition(sess Session, state protocol.SessionState) error {
	switch state {
	case protocol.StateStreaming:
		s.fire(sess, hooks.TriggerStart, sess.Hooks.OnStart, "")
	case protocol.StateIdle:
		s.mu.Lock()
		transcript := strings.Join(s.transcripts[sess.ID], " ")
		delete(s.transcripts, sess.ID)
		s.mu.Unlock()
		if sess.Hooks.OnStop != nil {
			s.fire(sess, hooks.TriggerStop, sess.Hooks.OnStop, transcript)
		} else {
			s.exec.Release(sess.ID)
		}
	}
	return nil
}

func (s *HookSink) fire(sess Session, trigger hooks.Trigger, spec *protocol.HookSpec, text string) {
	if spec == nil {
		return
	}
	s.exec.Fire(hooks.Invocation{SessionID: sess.ID, Trigger: trigger, Spec: *spec, Text: text})
}

// BusSink publishes events and state changes to NATS.
type BusSink struct {
	client *bus.Client
}

func NewBusSink(client *bus.Client) *BusSink {
	return &BusSink{client: client}
}

func (s *BusSink) Name() string { return "bus" }

func (s *BusSink) Event(_ Session, evt protocol.Event) error {
	return s.client.PublishJSON(protocol.SubjectForEvent(evt), evt)
}

func (s *BusSink) Transition(sess Session, state protocol.SessionState) error {
	return s.client.PublishJSON(protocol.SubjectSessionState, protocol.SessionStatus{
		SessionID: sess.ID,
		State:     state,
		Profile:   sess.Profile,
		Provider:  sess.Provider,
		Timestamp: time.Now().UTC(),
	})
}

// StoreSink records sessions and their events in the event store.
type StoreSink struct {
	store   *eventstore.Store
	timeout time.Duration

	mu     sync.Mutex
	failed map[string]bool
}

func NewStoreSink(store *eventstore.Store) *StoreSink {
	return &StoreSink{store: store, timeout: 2 * time.Second, failed: make(map[string]bool)}
}

func (s *StoreSink) Name() string { return "eventstore" }

func (s *StoreSink) Event(_ Session, evt protocol.Event) error {
	if evt.Kind == protocol.EventError {
		s.mu.Lock()
		s.failed[evt.SessionID] = true
		s.mu.Unlock()
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	return s.store.AppendEvent(ctx, evt)
}

func (s *StoreSink) Transition(sess Session, state protocol.SessionState) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	switch state {
	case protocol.StateStarting:
		return s.store.BeginSession(ctx, eventstore.Session{
			ID:       sess.ID,
			Profile:  sess.Profile,
			Provider: sess.Provider,
			Model:    sess.Model,
		})
	case protocol.StateIdle:
		s.mu.Lock()
		outcome := "stopped"
		if s.failed[sess.ID] {
			outcome = "error"
		}
		delete(s.failed, sess.ID)
		s.mu.Unlock()
		return s.store.EndSession(ctx, sess.ID, outcome)
	}
	return nil
}
