package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/loqalabs/hotline/internal/audio"
	"github.com/loqalabs/hotline/internal/bus"
	"github.com/loqalabs/hotline/internal/config"
	"github.com/loqalabs/hotline/internal/eventstore"
	"github.com/loqalabs/hotline/internal/hooks"
	"github.com/loqalabs/hotline/internal/listener"
	"github.com/loqalabs/hotline/internal/natsserver"
	"github.com/loqalabs/hotline/internal/protocol"
	"github.com/loqalabs/hotline/internal/provider"
	"github.com/loqalabs/hotline/internal/router"
	"github.com/loqalabs/hotline/internal/session"
)

// Runtime assembles the daemon: capture, provider, session manager, sinks
// and command intakes.
type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	embedded *natsserver.EmbeddedServer
	bus      *bus.Client
	store    *eventstore.Store
	hooks    *hooks.Executor
	source   audio.Source
	manager  *session.Manager
	socket   *listener.SocketServer
	busCmds  *listener.BusListener
	metrics  *metrics

	// Stdout receives completed transcripts.
	Stdout io.Writer
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
		Stdout: os.Stdout,
	}
}

// Manager exposes the session manager once Start has wired it.
func (r *Runtime) Manager() *session.Manager { return r.manager }

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	r.metrics, err = newMetrics(otel.Meter("github.com/loqalabs/hotline"))
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}

	defer func() {
		cancel()
		r.shutdown()
	}()

	if err := r.startBus(ctx); err != nil {
		return err
	}

	r.store, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger.With(slog.String("component", "eventstore")))
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}

	r.hooks = hooks.New(hooks.Options{
		MaxConcurrency: r.cfg.Hooks.MaxConcurrency,
		Timeout:        millis(r.cfg.Hooks.TimeoutMS),
		OnFailure:      r.metrics.hookFailed,
	}, r.logger)

	prov, err := provider.New(r.cfg.Provider, r.logger.With(slog.String("component", "provider")), r.metrics.retried)
	if err != nil {
		return err
	}

	r.source, err = r.newSource()
	if err != nil {
		return err
	}

	svc := router.NewService(r.logger, r.sinks()...)

	defaults, err := r.sessionDefaults()
	if err != nil {
		return err
	}
	r.manager, err = session.New(session.Options{
		Provider:       prov,
		Source:         r.source,
		Router:         svc,
		Defaults:       defaults,
		Profiles:       r.cfg.Profiles,
		DefaultProfile: r.cfg.Session.DefaultProfile,
		StopTimeout:    millis(r.cfg.Session.StopTimeoutMS),
		Logger:         r.logger,
	})
	if err != nil {
		return err
	}

	managerCtx, stopManager := context.WithCancel(context.Background())
	defer stopManager()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.manager.Run(managerCtx); err != nil {
			r.logger.Error("session manager failed", slog.String("error", err.Error()))
		}
	}()

	if err := r.startIntakes(ctx); err != nil {
		stopManager()
		return err
	}

	addr := ""
	if r.cfg.HTTP.Enabled {
		addr = r.startHTTP(metricsHandler)
	}

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("provider", prov.Name()),
		slog.String("socket", r.socketPath()),
		slog.String("addr", addr))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)

	// Intakes first so no new session can start while the active one stops.
	r.closeIntakes()
	stopManager()
	select {
	case <-r.manager.Done():
	case <-time.After(millis(r.cfg.Session.StopTimeoutMS) + 5*time.Second):
		r.logger.Warn("session manager did not stop in time")
	}
	return nil
}

func (r *Runtime) startBus(ctx context.Context) error {
	if !r.cfg.Bus.Enabled {
		return nil
	}
	busCfg := r.cfg.Bus
	if busCfg.Embedded {
		srv, err := natsserver.Start(busCfg, r.logger.With(slog.String("component", "nats")))
		if err != nil {
			return fmt.Errorf("failed to start embedded NATS: %w", err)
		}
		r.embedded = srv
		busCfg.Servers = []string{srv.ClientURL()}
	}
	client, err := bus.Connect(ctx, busCfg, r.logger.With(slog.String("component", "bus")))
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	r.bus = client
	maxAge := time.Duration(r.cfg.EventStore.RetentionDays) * 24 * time.Hour
	if err := client.EnsureTranscriptStream(maxAge); err != nil {
		r.logger.Warn("transcript stream unavailable", slog.String("error", err.Error()))
	}
	return nil
}

func (r *Runtime) newSource() (audio.Source, error) {
	format := audio.Format{
		SampleRate:    r.cfg.Audio.SampleRate,
		FrameDuration: millis(r.cfg.Audio.FrameDurationMS),
		MaxBuffer:     time.Duration(r.cfg.Audio.MaxBufferSeconds) * time.Second,
	}
	if err := format.Validate(); err != nil {
		return nil, fmt.Errorf("invalid audio format: %w", err)
	}
	if r.cfg.Provider.Mode == "mock" {
		src := audio.NewSilenceSource(format)
		src.Ring().OnDrop(r.metrics.frameDropped)
		return src, nil
	}
	src, err := audio.NewExecSource(r.cfg.Audio.CaptureCommand, format, r.logger.With(slog.String("component", "capture")))
	if err != nil {
		return nil, fmt.Errorf("invalid capture command: %w", err)
	}
	src.Ring().OnDrop(r.metrics.frameDropped)
	return src, nil
}

func (r *Runtime) sinks() []router.Sink {
	sinks := []router.Sink{
		router.NewStdoutSink(r.Stdout),
		router.NewHookSink(r.hooks),
		router.NewStoreSink(r.store),
		r.metrics,
	}
	if r.bus != nil {
		sinks = append(sinks, router.NewBusSink(r.bus))
	}
	return sinks
}

func (r *Runtime) sessionDefaults() (session.Defaults, error) {
	defaults := session.Defaults{
		Model:          r.cfg.Provider.Model,
		Language:       r.cfg.Provider.Language,
		ReceiveOnDelta: r.cfg.Hooks.ReceiveOnDelta,
		SampleRate:     r.cfg.Audio.SampleRate,
	}
	if r.cfg.Hooks.PipeTo != "" {
		spec, err := hooks.ParseCommand(r.cfg.Hooks.PipeTo)
		if err != nil {
			return defaults, fmt.Errorf("invalid hooks.pipe_to: %w", err)
		}
		defaults.Hooks.OnReceive = &spec
	}
	return defaults, nil
}

func (r *Runtime) startIntakes(ctx context.Context) error {
	if r.cfg.Socket.Enabled {
		srv, err := listener.Listen(r.cfg.Socket.Path, r.manager, r.logger)
		if err != nil {
			return err
		}
		r.socket = srv
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := srv.Serve(ctx); err != nil {
				r.logger.Error("command socket failed", slog.String("error", err.Error()))
			}
		}()
	}
	if r.cfg.Socket.Signals {
		watcher := listener.WatchSignals(r.manager, r.logger)
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			watcher.Run(ctx)
		}()
		r.logger.Info("signal intake enabled", slog.Int("pid", os.Getpid()))
	}
	if r.bus != nil && r.cfg.Bus.AcceptCommands {
		l := listener.NewBusListener(ctx, r.bus, r.manager, r.logger)
		if err := l.Start(); err != nil {
			return err
		}
		r.busCmds = l
	}
	return nil
}

func (r *Runtime) closeIntakes() {
	if r.socket != nil {
		if err := r.socket.Close(); err != nil {
			r.logger.Warn("command socket close failed", slog.String("error", err.Error()))
		}
	}
	if r.busCmds != nil {
		r.busCmds.Close()
	}
}

func (r *Runtime) startHTTP(metricsHandler http.Handler) string {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/status", r.handleStatus)
	mux.HandleFunc("GET /sessions", r.handleSessions)
	mux.HandleFunc("GET /sessions/{id}/transcript", r.handleTranscript)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()
	return addr
}

// shutdown releases everything Start acquired, in reverse order.
func (r *Runtime) shutdown() {
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if r.httpServer != nil {
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.closeIntakes()
	r.wg.Wait()

	if r.hooks != nil {
		r.hooks.Close()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("event store close failed", slog.String("error", err.Error()))
		}
	}
	if r.bus != nil {
		r.bus.Close()
	}
	if r.embedded != nil {
		r.embedded.Shutdown()
	}
	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) socketPath() string {
	if !r.cfg.Socket.Enabled {
		return ""
	}
	return r.cfg.Socket.Path
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && (r.bus == nil || r.bus.Healthy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

type statusResponse struct {
	session.Status
	FramesDropped uint64 `json:"frames_dropped"`
}

func (r *Runtime) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{Status: session.Status{State: protocol.StateIdle}}
	if r.manager != nil {
		resp.Status = r.manager.Status()
	}
	if ringed, ok := r.source.(interface{ Ring() *audio.Ring }); ok {
		resp.FramesDropped = ringed.Ring().Dropped()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (r *Runtime) handleSessions(w http.ResponseWriter, req *http.Request) {
	limit := 20
	if v := req.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	sessions, err := r.store.ListSessions(req.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (r *Runtime) handleTranscript(w http.ResponseWriter, req *http.Request) {
	text, err := r.store.Transcript(req.Context(), req.PathValue("id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_id": req.PathValue("id"), "transcript": text})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
