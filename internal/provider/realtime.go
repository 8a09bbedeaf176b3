package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loqalabs/hotline/internal/audio"
	"github.com/loqalabs/hotline/internal/protocol"
)

const (
	eventSessionUpdate    = "transcription_session.update"
	eventSessionUpdated   = "transcription_session.updated"
	eventAudioAppend      = "input_audio_buffer.append"
	eventAudioCommit      = "input_audio_buffer.commit"
	eventAudioCommitted   = "input_audio_buffer.committed"
	eventTranscriptDelta  = "conversation.item.input_audio_transcription.delta"
	eventTranscriptDone   = "conversation.item.input_audio_transcription.completed"
	eventTranscriptFailed = "conversation.item.input_audio_transcription.failed"
	eventError            = "error"

	codeCommitEmpty = "input_audio_buffer_commit_empty"
)

// RealtimeOptions configures the streaming websocket provider.
type RealtimeOptions struct {
	BaseURL          string
	APIKey           string
	HandshakeTimeout time.Duration
	// LivenessTimeout is the longest silence on the inbound side before the
	// connection is declared dead.
	LivenessTimeout time.Duration
	// StopGrace bounds how long Finish waits for the last transcript.
	StopGrace time.Duration
	Dialer    *websocket.Dialer
}

// Realtime streams audio over a persistent websocket and receives
// incremental transcripts.
type Realtime struct {
	opts   RealtimeOptions
	logger *slog.Logger
}

func NewRealtime(opts RealtimeOptions, logger *slog.Logger) *Realtime {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.openai.com/v1"
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.LivenessTimeout <= 0 {
		opts.LivenessTimeout = 30 * time.Second
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = 1500 * time.Millisecond
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Realtime{opts: opts, logger: logger.With(slog.String("provider", "realtime"))}
}

func (p *Realtime) Name() string { return "realtime" }

func (p *Realtime) Open(ctx context.Context, params Params) (Stream, error) {
	if strings.TrimSpace(p.opts.APIKey) == "" {
		return nil, &Error{Kind: protocol.ProviderAuthentication, Err: errors.New("api key is not configured"), Terminal: true}
	}
	wsURL, err := buildRealtimeURL(p.opts.BaseURL)
	if err != nil {
		return nil, &Error{Kind: protocol.ProviderNetwork, Err: err, Terminal: true}
	}

	ctx, cancel := context.WithTimeout(ctx, p.opts.HandshakeTimeout)
	defer cancel()

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+p.opts.APIKey)
	headers.Set("OpenAI-Beta", "realtime=v1")

	conn, resp, err := p.opts.Dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return nil, classifyStatus(resp.StatusCode, body)
		}
		return nil, classifyTransport(fmt.Errorf("connect realtime websocket: %w", err))
	}

	// Closing the connection is the only way to interrupt a blocked read.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	err = handshake(ctx, conn, params)
	if !stop() || err != nil {
		_ = conn.Close()
		if err == nil {
			err = ctx.Err()
		}
		return nil, classifyTransport(err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	s := &realtimeStream{
		conn:     conn,
		logger:   p.logger.With(slog.String("session_id", params.SessionID)),
		liveness: p.opts.LivenessTimeout,
		grace:    p.opts.StopGrace,
		emitter:  newEmitter(),
		audio:    make(chan audio.Frame, 32),
		flushed:  make(chan struct{}, 1),
		broken:   make(chan struct{}),
		ended:    make(chan struct{}),
	}
	s.wg.Add(2)
	go s.readLoop()
	go s.writeLoop()
	go func() {
		s.wg.Wait()
		close(s.events)
		close(s.ended)
		_ = conn.Close()
	}()
	return s, nil
}

// handshake sends the session configuration and waits for the server to
// acknowledge it.
func handshake(ctx context.Context, conn *websocket.Conn, params Params) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
		_ = conn.SetWriteDeadline(deadline)
	}
	payload, err := json.Marshal(newSessionUpdate(params))
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("send session update: %w", err)
	}
	_ = conn.SetWriteDeadline(time.Time{})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("await session acknowledgement: %w", err)
		}
		var msg serverEvent
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case eventSessionUpdated:
			return nil
		case eventError:
			return msg.Error.classify()
		}
	}
}

type sessionUpdate struct {
	Type    string               `json:"type"`
	Session transcriptionSession `json:"session"`
}

type transcriptionSession struct {
	InputAudioFormat        string             `json:"input_audio_format"`
	InputAudioTranscription transcriptionModel `json:"input_audio_transcription"`
	TurnDetection           *turnDetection     `json:"turn_detection,omitempty"`
}

type transcriptionModel struct {
	Model    string `json:"model"`
	Language string `json:"language,omitempty"`
	Prompt   string `json:"prompt,omitempty"`
}

type turnDetection struct {
	Type              string              `json:"type"`
	Threshold         *float32            `json:"threshold,omitempty"`
	PrefixPaddingMS   *uint32             `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMS *uint32             `json:"silence_duration_ms,omitempty"`
	Eagerness         *protocol.Eagerness `json:"eagerness,omitempty"`
}

func newSessionUpdate(params Params) sessionUpdate {
	update := sessionUpdate{
		Type: eventSessionUpdate,
		Session: transcriptionSession{
			InputAudioFormat: "pcm16",
			InputAudioTranscription: transcriptionModel{
				Model:    params.Model,
				Language: params.Language,
				Prompt:   params.Prompt,
			},
		},
	}
	if vad := params.Vad; vad != nil {
		switch {
		case vad.Server != nil:
			update.Session.TurnDetection = &turnDetection{
				Type:              "server_vad",
				Threshold:         vad.Server.Threshold,
				PrefixPaddingMS:   vad.Server.PrefixPaddingMS,
				SilenceDurationMS: vad.Server.SilenceDurationMS,
			}
		case vad.Semantic != nil:
			update.Session.TurnDetection = &turnDetection{
				Type:      "semantic_vad",
				Eagerness: vad.Semantic.Eagerness,
			}
		}
	}
	return update
}

type serverEvent struct {
	Type       string          `json:"type"`
	ItemID     string          `json:"item_id"`
	Delta      string          `json:"delta"`
	Transcript string          `json:"transcript"`
	Error      serverErrorBody `json:"error"`
}

type serverErrorBody struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (b serverErrorBody) classify() *Error {
	message := b.Message
	if message == "" {
		message = "provider reported an error"
	}
	err := &Error{Err: errors.New(message), Terminal: true}
	switch {
	case b.Code == "invalid_api_key" || b.Type == "authentication_error":
		err.Kind = protocol.ProviderAuthentication
	case b.Code == "rate_limit_exceeded" || b.Type == "rate_limit_error":
		err.Kind = protocol.ProviderRateLimited
	default:
		err.Kind = protocol.ProviderServerError
	}
	return err
}

type realtimeStream struct {
	emitter

	conn     *websocket.Conn
	logger   *slog.Logger
	liveness time.Duration
	grace    time.Duration

	audio   chan audio.Frame
	flushed chan struct{}
	broken  chan struct{}
	ended   chan struct{}
	wg      sync.WaitGroup

	writeMu sync.Mutex

	sendMu     sync.RWMutex
	sendClosed bool
	sendOnce   sync.Once

	emitMu     sync.Mutex
	terminated bool

	finishing   atomic.Bool
	closing     atomic.Bool
	pendingItem atomic.Value
	closeOnce   sync.Once
}

func (s *realtimeStream) Events() <-chan protocol.Event { return s.events }

func (s *realtimeStream) Send(frame audio.Frame) error {
	if len(frame) == 0 {
		return nil
	}
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.sendClosed {
		return errors.New("audio stream is already closed")
	}
	select {
	case s.audio <- frame:
		return nil
	case <-s.ended:
		return errors.New("stream ended")
	case <-s.done:
		return errors.New("stream closed")
	}
}

func (s *realtimeStream) closeSend() {
	s.sendOnce.Do(func() {
		s.sendMu.Lock()
		s.sendClosed = true
		close(s.audio)
		s.sendMu.Unlock()
	})
}

func (s *realtimeStream) Finish(ctx context.Context) error {
	s.finishing.Store(true)
	s.closeSend()

	timer := time.NewTimer(s.grace)
	defer timer.Stop()
	select {
	case <-s.flushed:
	case <-s.ended:
	case <-timer.C:
		s.logger.Debug("stop grace elapsed before final transcript")
	case <-ctx.Done():
	}
	return s.Close()
}

func (s *realtimeStream) Close() error {
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		close(s.done)
		s.closeSend()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = s.conn.Close()
	})
	<-s.ended
	return nil
}

func (s *realtimeStream) write(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.liveness))
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

type appendEvent struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type commitEvent struct {
	Type string `json:"type"`
}

func (s *realtimeStream) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.broken:
			return
		case frame, ok := <-s.audio:
			if !ok {
				s.commit()
				return
			}
			if err := s.write(appendEvent{Type: eventAudioAppend, Audio: base64.StdEncoding.EncodeToString(frame)}); err != nil {
				s.fail(classifyTransport(fmt.Errorf("send audio: %w", err)))
				return
			}
		}
	}
}

// commit asks the server to transcribe whatever audio it still buffers.
func (s *realtimeStream) commit() {
	if s.closing.Load() {
		return
	}
	if err := s.write(commitEvent{Type: eventAudioCommit}); err != nil {
		s.fail(classifyTransport(fmt.Errorf("commit audio: %w", err)))
	}
}

func (s *realtimeStream) readLoop() {
	defer s.wg.Done()
	for {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.liveness))
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.closing.Load() {
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				s.fail(&Error{Kind: protocol.ProviderTimeout, Err: fmt.Errorf("no events from provider for %s", s.liveness)})
				return
			}
			if s.finishing.Load() && websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			s.fail(classifyTransport(fmt.Errorf("read provider event: %w", err)))
			return
		}

		var msg serverEvent
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Debug("ignoring undecodable provider message", slog.String("error", err.Error()))
			continue
		}
		if !s.handle(msg) {
			return
		}
	}
}

// handle maps one server message. It returns false once the stream is done.
func (s *realtimeStream) handle(msg serverEvent) bool {
	switch msg.Type {
	case eventTranscriptDelta:
		if msg.Delta == "" {
			return true
		}
		evt := protocol.Delta(msg.Delta)
		evt.ItemID = msg.ItemID
		return s.deliver(evt)
	case eventTranscriptDone:
		evt := protocol.Completed(msg.Transcript)
		evt.ItemID = msg.ItemID
		ok := s.deliver(evt)
		if pending, _ := s.pendingItem.Load().(string); s.finishing.Load() && pending == msg.ItemID {
			s.signalFlushed()
		}
		return ok
	case eventTranscriptFailed:
		s.logger.Warn("utterance transcription failed",
			slog.String("item_id", msg.ItemID),
			slog.String("error", msg.Error.Message))
		if pending, _ := s.pendingItem.Load().(string); s.finishing.Load() && pending == msg.ItemID {
			s.signalFlushed()
		}
		return true
	case eventAudioCommitted:
		if s.finishing.Load() {
			s.pendingItem.Store(msg.ItemID)
		}
		return true
	case eventError:
		if s.finishing.Load() && msg.Error.Code == codeCommitEmpty {
			s.signalFlushed()
			return true
		}
		s.fail(msg.Error.classify())
		return false
	default:
		return true
	}
}

func (s *realtimeStream) signalFlushed() {
	select {
	case s.flushed <- struct{}{}:
	default:
	}
}

func (s *realtimeStream) deliver(evt protocol.Event) bool {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if s.terminated {
		return false
	}
	return s.emit(evt)
}

// fail emits the terminal error once and tears down the connection.
func (s *realtimeStream) fail(err *Error) {
	s.emitMu.Lock()
	if s.terminated || s.closing.Load() {
		s.emitMu.Unlock()
		return
	}
	s.terminated = true
	close(s.broken)
	s.emit(err.Event())
	s.emitMu.Unlock()

	s.logger.Warn("realtime stream failed", slog.String("error", err.Error()))
	s.closing.Store(true)
	_ = s.conn.Close()
}

func buildRealtimeURL(base string) (string, error) {
	base = strings.TrimSpace(base)
	if strings.HasPrefix(base, "https://") {
		base = "wss://" + strings.TrimPrefix(base, "https://")
	} else if strings.HasPrefix(base, "http://") {
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	base = strings.TrimRight(base, "/")

	u, err := url.Parse(base + "/realtime")
	if err != nil {
		return "", fmt.Errorf("invalid realtime base URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("invalid realtime base URL scheme %q", u.Scheme)
	}
	query := u.Query()
	query.Set("intent", "transcription")
	u.RawQuery = query.Encode()
	return u.String(), nil
}
