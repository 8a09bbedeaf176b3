package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/loqalabs/hotline/internal/audio"
	"github.com/loqalabs/hotline/internal/protocol"
)

// DefaultMaxUploadBytes is the transcription endpoint's file size limit.
const DefaultMaxUploadBytes = 25 * 1024 * 1024

const wavHeaderBytes = 44

var errUploadLimit = errors.New("captured audio exceeds the upload limit")

// BatchOptions configures the request/response transcription provider.
type BatchOptions struct {
	BaseURL        string
	APIKey         string
	RequestTimeout time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxUploadBytes int
	HTTPClient     *http.Client
	// OnRetry observes every scheduled retry.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// Batch buffers a whole session and uploads it as one multipart request
// when the session finishes.
type Batch struct {
	opts   BatchOptions
	logger *slog.Logger
}

func NewBatch(opts BatchOptions, logger *slog.Logger) *Batch {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.openai.com/v1"
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = time.Second
	}
	if opts.MaxBackoff < opts.InitialBackoff {
		opts.MaxBackoff = 8 * opts.InitialBackoff
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Batch{opts: opts, logger: logger.With(slog.String("provider", "batch"))}
}

func (p *Batch) Name() string { return "batch" }

func (p *Batch) Open(ctx context.Context, params Params) (Stream, error) {
	if strings.TrimSpace(p.opts.APIKey) == "" {
		return nil, &Error{Kind: protocol.ProviderAuthentication, Err: errors.New("api key is not configured"), Terminal: true}
	}
	if err := ctx.Err(); err != nil {
		return nil, classifyTransport(err)
	}
	if params.SampleRate <= 0 {
		params.SampleRate = 24000
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &batchStream{
		provider: p,
		params:   params,
		logger:   p.logger.With(slog.String("session_id", params.SessionID)),
		emitter:  newEmitter(),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Transcribe uploads pcm and returns the transcript, retrying transient
// failures with exponential backoff.
func (p *Batch) Transcribe(ctx context.Context, pcm []byte, params Params) (string, error) {
	wav, err := audio.EncodeWAV(pcm, params.SampleRate)
	if err != nil {
		return "", &Error{Kind: protocol.ProviderServerError, Err: err, Terminal: true}
	}
	if len(wav) > p.opts.MaxUploadBytes {
		return "", &Error{
			Kind:     protocol.ProviderServerError,
			Err:      fmt.Errorf("audio payload of %d bytes exceeds the %d byte upload limit", len(wav), p.opts.MaxUploadBytes),
			Terminal: true,
		}
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = p.opts.InitialBackoff
	policy.MaxInterval = p.opts.MaxBackoff
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.Reset()

	attempt := 0
	operation := func() (string, error) {
		attempt++
		text, err := p.upload(ctx, wav, params)
		if err == nil {
			return text, nil
		}
		if ctx.Err() != nil {
			return "", backoff.Permanent(ctx.Err())
		}
		perr := classifyTransport(err)
		if !perr.Retryable() {
			return "", backoff.Permanent(perr)
		}
		return "", perr
	}
	notify := func(err error, delay time.Duration) {
		p.logger.Warn("transcription request failed, retrying",
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()))
		if p.opts.OnRetry != nil {
			p.opts.OnRetry(attempt, err, delay)
		}
	}

	text, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(p.opts.MaxRetries+1)),
		backoff.WithNotify(notify),
	)
	if err != nil {
		return "", classifyTransport(err)
	}
	return text, nil
}

type transcriptionResponse struct {
	Text string `json:"text"`
}

func (p *Batch) upload(ctx context.Context, wav []byte, params Params) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.RequestTimeout)
	defer cancel()

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="file"; filename="audio.wav"`)
	header.Set("Content-Type", "audio/wav")
	part, err := form.CreatePart(header)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(wav); err != nil {
		return "", err
	}
	fields := [][2]string{
		{"model", params.Model},
		{"language", params.Language},
		{"prompt", params.Prompt},
		{"response_format", "json"},
	}
	for _, field := range fields {
		if field[1] == "" {
			continue
		}
		if err := form.WriteField(field[0], field[1]); err != nil {
			return "", err
		}
	}
	if err := form.Close(); err != nil {
		return "", err
	}

	endpoint := strings.TrimRight(p.opts.BaseURL, "/") + "/audio/transcriptions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return "", &Error{Kind: protocol.ProviderNetwork, Err: err, Terminal: true}
	}
	req.Header.Set("Authorization", "Bearer "+p.opts.APIKey)
	req.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := p.opts.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", classifyStatus(resp.StatusCode, data)
	}
	var parsed transcriptionResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", &Error{Kind: protocol.ProviderServerError, Err: fmt.Errorf("decode transcription response: %w", err), Terminal: true}
	}
	return strings.TrimSpace(parsed.Text), nil
}

type batchStream struct {
	emitter

	provider *Batch
	params   Params
	logger   *slog.Logger
	ctx      context.Context
	cancel   context.CancelFunc

	mu        sync.Mutex
	buf       []byte
	finishing bool
	closed    bool
	overflow  bool
	closeOnce sync.Once
	endOnce   sync.Once
}

func (s *batchStream) Events() <-chan protocol.Event { return s.events }

func (s *batchStream) Send(frame audio.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finishing || s.closed {
		return errors.New("audio stream is already closed")
	}
	if s.overflow {
		return errUploadLimit
	}
	if wavHeaderBytes+len(s.buf)+len(frame) > s.provider.opts.MaxUploadBytes {
		// Held under mu so Close cannot end the events channel first.
		s.overflow = true
		s.buf = nil
		s.emit(AsEvent(&Error{
			Kind:     protocol.ProviderServerError,
			Err:      fmt.Errorf("captured audio exceeds the %d byte upload limit", s.provider.opts.MaxUploadBytes),
			Terminal: true,
		}))
		return errUploadLimit
	}
	s.buf = append(s.buf, frame...)
	return nil
}

func (s *batchStream) Finish(ctx context.Context) error {
	s.mu.Lock()
	if s.finishing || s.closed || s.overflow {
		s.mu.Unlock()
		return nil
	}
	s.finishing = true
	pcm := s.buf
	s.buf = nil
	s.mu.Unlock()
	defer s.end()

	if len(pcm) == 0 {
		s.logger.Debug("no audio captured, skipping upload")
		return nil
	}

	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	started := time.Now()
	text, err := s.provider.Transcribe(ctx, pcm, s.params)
	if err != nil {
		if s.ctx.Err() != nil {
			return nil
		}
		if parent.Err() != nil {
			s.logger.Info("batch upload abandoned", slog.String("error", parent.Err().Error()))
			return parent.Err()
		}
		s.emit(AsEvent(err))
		return err
	}
	s.logger.Debug("batch transcription complete", slog.Duration("elapsed", time.Since(started)))
	s.emit(protocol.Completed(text))
	return nil
}

func (s *batchStream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		close(s.done)
	})
	s.mu.Lock()
	s.closed = true
	finishing := s.finishing
	s.mu.Unlock()
	if !finishing {
		s.end()
	}
	return nil
}

func (s *batchStream) end() {
	s.endOnce.Do(func() { close(s.events) })
}
