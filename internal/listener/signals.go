package listener

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/loqalabs/hotline/internal/protocol"
)

// SignalWatcher maps SIGUSR1 to a start with default arguments and SIGUSR2
// to a stop.
type SignalWatcher struct {
	ch     chan os.Signal
	submit Submitter
	logger *slog.Logger
}

// WatchSignals registers for the control signals immediately; they are
// handled once Run is called.
func WatchSignals(submit Submitter, logger *slog.Logger) *SignalWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	ch := make(chan os.Signal, 4)
	signal.Notify(ch, syscall.SIGUSR1, syscall.SIGUSR2)
	return &SignalWatcher{ch: ch, submit: submit, logger: logger.With(slog.String("component", "signals"))}
}

// Run handles signals until ctx is cancelled, then unregisters.
func (w *SignalWatcher) Run(ctx context.Context) {
	defer signal.Stop(w.ch)
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-w.ch:
			cmd := commandForSignal(sig)
			w.logger.Info("signal received", slog.String("signal", sig.String()), slog.String("command", string(cmd.Type)))
			if reply := w.submit.Submit(ctx, cmd); reply.Error != nil {
				w.logger.Warn("signal command rejected",
					slog.String("kind", string(reply.Error.Kind)),
					slog.String("message", reply.Error.Message))
			}
		}
	}
}

func commandForSignal(sig os.Signal) protocol.Command {
	if sig == syscall.SIGUSR1 {
		return protocol.StartCommand(protocol.StartArgs{})
	}
	return protocol.StopCommand()
}
