package ipc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/billm/baaaht/relay/pkg/types"
)

// ChannelName returns the name of the inbound channel of an app instance
func ChannelName(namespace, channelType, appInstanceID string) string {
	return fmt.Sprintf("%s_%s.%s", namespace, channelType, appInstanceID)
}

// Dialer opens the client side of a channel
type Dialer interface {
	Dial(ctx context.Context, path string) (net.Conn, error)
}

// DialerFunc is a function adapter for Dialer
type DialerFunc func(ctx context.Context, path string) (net.Conn, error)

// Dial implements Dialer
func (f DialerFunc) Dial(ctx context.Context, path string) (net.Conn, error) {
	return f(ctx, path)
}

// UnixDialer dials Unix domain sockets
func UnixDialer(timeout time.Duration) Dialer {
	d := &net.Dialer{Timeout: timeout}
	return DialerFunc(func(ctx context.Context, path string) (net.Conn, error) {
		return d.DialContext(ctx, "unix", path)
	})
}

// outChannel is a write-only client connection to a peer's inbound channel.
// Writes are serialized so frames never interleave. A failed write closes the
// channel, since the peer may have seen a partial frame.
type outChannel struct {
	name         string
	conn         net.Conn
	maxFrameSize int
	writeTimeout time.Duration

	mu     sync.Mutex // serializes writes
	closed atomic.Bool
}

func newOutChannel(name string, conn net.Conn, maxFrameSize int, writeTimeout time.Duration) *outChannel {
	return &outChannel{name: name, conn: conn, maxFrameSize: maxFrameSize, writeTimeout: writeTimeout}
}

func (c *outChannel) write(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return types.NewError(types.ErrCodeUnavailable, "channel closed: "+c.name)
	}

	var deadline time.Time
	if c.writeTimeout > 0 {
		deadline = time.Now().Add(c.writeTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		c.close()
		return types.WrapError(types.ErrCodeUnavailable, "failed to set write deadline on "+c.name, err)
	}

	if err := writeFrame(c.conn, data, c.maxFrameSize); err != nil {
		if types.IsErrCode(err, types.ErrCodeResourceExhausted) {
			return err
		}
		c.close()
		return types.WrapError(types.ErrCodeUnavailable, "failed to write to "+c.name, err)
	}
	return nil
}

// isClosed reports whether the channel can no longer be written to
func (c *outChannel) isClosed() bool {
	return c.closed.Load()
}

func (c *outChannel) close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.conn.Close()
}
