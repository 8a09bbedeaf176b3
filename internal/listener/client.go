package listener

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/loqalabs/hotline/internal/protocol"
)

// Send delivers cmd to the daemon listening on path and returns its reply.
func Send(ctx context.Context, path string, cmd protocol.Command) (protocol.Reply, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", path)
	if err != nil {
		return protocol.Reply{}, fmt.Errorf("connect to daemon at %s: %w", path, err)
	}
	defer conn.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(connTimeout)
	}
	_ = conn.SetDeadline(deadline)

	data, err := json.Marshal(cmd)
	if err != nil {
		return protocol.Reply{}, err
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		return protocol.Reply{}, fmt.Errorf("send command: %w", err)
	}
	line, err := readLine(conn)
	if err != nil {
		return protocol.Reply{}, fmt.Errorf("read reply: %w", err)
	}
	return protocol.DecodeReply(line)
}
