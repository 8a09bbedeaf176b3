package runtime

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/hotline/internal/hooks"
	"github.com/loqalabs/hotline/internal/protocol"
	"github.com/loqalabs/hotline/internal/router"
)

// metrics records daemon counters and doubles as a router sink so session
// and transcript counts come straight from the event stream.
type metrics struct {
	sessionsStarted metric.Int64Counter
	sessionsEnded   metric.Int64Counter
	sessionDuration metric.Float64Histogram
	transcripts     metric.Int64Counter
	providerErrors  metric.Int64Counter
	hooksFailed     metric.Int64Counter
	framesDropped   metric.Int64Counter
	retries         metric.Int64Counter

	mu      sync.Mutex
	started map[string]time.Time
	failed  map[string]bool
}

func newMetrics(meter metric.Meter) (*metrics, error) {
	m := &metrics{started: make(map[string]time.Time), failed: make(map[string]bool)}
	var err error
	if m.sessionsStarted, err = meter.Int64Counter("hotline.sessions.started",
		metric.WithDescription("Transcription sessions started")); err != nil {
		return nil, err
	}
	if m.sessionsEnded, err = meter.Int64Counter("hotline.sessions.ended",
		metric.WithDescription("Transcription sessions that returned to idle")); err != nil {
		return nil, err
	}
	if m.sessionDuration, err = meter.Float64Histogram("hotline.sessions.duration",
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.transcripts, err = meter.Int64Counter("hotline.transcripts",
		metric.WithDescription("Transcript events routed")); err != nil {
		return nil, err
	}
	if m.providerErrors, err = meter.Int64Counter("hotline.provider.errors"); err != nil {
		return nil, err
	}
	if m.hooksFailed, err = meter.Int64Counter("hotline.hooks.failed"); err != nil {
		return nil, err
	}
	if m.framesDropped, err = meter.Int64Counter("hotline.audio.frames.dropped",
		metric.WithDescription("Captured frames evicted from the full audio buffer")); err != nil {
		return nil, err
	}
	if m.retries, err = meter.Int64Counter("hotline.provider.retries"); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *metrics) Name() string { return "metrics" }

func (m *metrics) Event(sess router.Session, evt protocol.Event) error {
	ctx := context.Background()
	switch evt.Kind {
	case protocol.EventError:
		m.mu.Lock()
		m.failed[sess.ID] = true
		m.mu.Unlock()
		m.providerErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("provider", sess.Provider),
			attribute.String("kind", string(evt.ErrorKind))))
	default:
		m.transcripts.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(evt.Kind))))
	}
	return nil
}

func (m *metrics) Transition(sess router.Session, state protocol.SessionState) error {
	ctx := context.Background()
	switch state {
	case protocol.StateStarting:
		m.mu.Lock()
		m.started[sess.ID] = time.Now()
		m.mu.Unlock()
		m.sessionsStarted.Add(ctx, 1, metric.WithAttributes(
			attribute.String("provider", sess.Provider),
			attribute.String("profile", sess.Profile)))
	case protocol.StateIdle:
		m.mu.Lock()
		started, ok := m.started[sess.ID]
		outcome := "stopped"
		if m.failed[sess.ID] {
			outcome = "error"
		}
		delete(m.started, sess.ID)
		delete(m.failed, sess.ID)
		m.mu.Unlock()
		attrs := metric.WithAttributes(attribute.String("outcome", outcome))
		m.sessionsEnded.Add(ctx, 1, attrs)
		if ok {
			m.sessionDuration.Record(ctx, time.Since(started).Seconds(), attrs)
		}
	}
	return nil
}

func (m *metrics) hookFailed(inv hooks.Invocation, _ error) {
	m.hooksFailed.Add(context.Background(), 1, metric.WithAttributes(attribute.String("trigger", string(inv.Trigger))))
}

func (m *metrics) frameDropped() {
	m.framesDropped.Add(context.Background(), 1)
}

func (m *metrics) retried(_ int, _ error, _ time.Duration) {
	m.retries.Add(context.Background(), 1)
}
