package listener

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/hotline/internal/bus"
	"github.com/loqalabs/hotline/internal/protocol"
)

// BusListener answers commands sent as NATS requests on hotline.command.
type BusListener struct {
	bus    *bus.Client
	submit Submitter
	sub    *nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
}

func NewBusListener(parent context.Context, client *bus.Client, submit Submitter, logger *slog.Logger) *BusListener {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(parent)
	return &BusListener{
		bus:    client,
		submit: submit,
		ctx:    ctx,
		cancel: cancel,
		logger: logger.With(slog.String("component", "bus-listener")),
	}
}

func (l *BusListener) Start() error {
	sub, err := l.bus.Conn().Subscribe(protocol.SubjectCommand, l.handleRequest)
	if err != nil {
		return fmt.Errorf("subscribe commands: %w", err)
	}
	l.sub = sub
	return nil
}

func (l *BusListener) Close() {
	l.cancel()
	if l.sub != nil {
		_ = l.sub.Drain()
	}
}

func (l *BusListener) handleRequest(msg *nats.Msg) {
	var reply protocol.Reply
	cmd, err := protocol.DecodeCommand(msg.Data)
	if err != nil {
		l.logger.Warn("rejecting malformed bus command", slog.String("error", err.Error()))
		reply = protocol.ErrorReply(err)
	} else {
		ctx, cancel := context.WithTimeout(l.ctx, connTimeout)
		reply = l.submit.Submit(ctx, cmd)
		cancel()
	}
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		l.logger.Error("encode reply failed", slog.String("error", err.Error()))
		return
	}
	if err := msg.Respond(data); err != nil {
		l.logger.Warn("respond to bus command failed", slog.String("error", err.Error()))
	}
}

// Request sends cmd over the bus and waits for the daemon's reply.
func Request(conn *nats.Conn, cmd protocol.Command, timeout time.Duration) (protocol.Reply, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return protocol.Reply{}, err
	}
	msg, err := conn.Request(protocol.SubjectCommand, data, timeout)
	if err != nil {
		return protocol.Reply{}, fmt.Errorf("bus request: %w", err)
	}
	return protocol.DecodeReply(msg.Data)
}
