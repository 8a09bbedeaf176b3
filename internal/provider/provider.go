package provider

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/hotline/internal/audio"
	"github.com/loqalabs/hotline/internal/config"
	"github.com/loqalabs/hotline/internal/protocol"
)

// Params configures one provider session.
type Params struct {
	SessionID  string
	Model      string
	Language   string
	Prompt     string
	Vad        *protocol.VadConfig
	SampleRate int
}

// Provider opens transcription streams against one backend.
type Provider interface {
	Name() string
	// Open blocks until the backend acknowledged the session configuration.
	Open(ctx context.Context, params Params) (Stream, error)
}

// Stream is one open provider session. Events is closed once the stream has
// delivered its last event. An Error event is always the last one.
type Stream interface {
	Send(frame audio.Frame) error
	Events() <-chan protocol.Event
	// Finish flushes buffered audio and waits for trailing results.
	Finish(ctx context.Context) error
	// Close aborts outstanding I/O and releases the connection.
	Close() error
}

// New builds the provider selected by cfg.Mode. onRetry, when set, observes
// every retried batch upload.
func New(cfg config.ProviderConfig, logger *slog.Logger, onRetry func(attempt int, err error, delay time.Duration)) (Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Mode {
	case "realtime":
		return NewRealtime(RealtimeOptions{
			BaseURL:          cfg.BaseURL,
			APIKey:           cfg.APIKey,
			HandshakeTimeout: millis(cfg.HandshakeTimeoutMS),
			LivenessTimeout:  millis(cfg.LivenessTimeoutMS),
			StopGrace:        millis(cfg.StopGraceMS),
		}, logger), nil
	case "batch":
		return NewBatch(BatchOptions{
			BaseURL:        cfg.BaseURL,
			APIKey:         cfg.APIKey,
			RequestTimeout: millis(cfg.RequestTimeoutMS),
			MaxRetries:     cfg.MaxRetries,
			InitialBackoff: millis(cfg.BackoffInitialMS),
			MaxBackoff:     millis(cfg.BackoffMaxMS),
			MaxUploadBytes: cfg.MaxUploadBytes,
			OnRetry:        onRetry,
		}, logger), nil
	case "mock":
		m := NewMock()
		m.Summarize = true
		return m, nil
	default:
		return nil, fmt.Errorf("unsupported provider mode %q", cfg.Mode)
	}
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// emitter delivers events to a stream consumer until the stream is torn down.
type emitter struct {
	events chan protocol.Event
	done   chan struct{}
}

func newEmitter() emitter {
	return emitter{events: make(chan protocol.Event, 64), done: make(chan struct{})}
}

func (e emitter) emit(evt protocol.Event) bool {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	select {
	case e.events <- evt:
		return true
	case <-e.done:
		return false
	}
}
