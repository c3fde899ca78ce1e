package ipc

import (
	"bufio"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/billm/baaaht/relay/internal/logger"
	"github.com/billm/baaaht/relay/pkg/types"
)

// inboundChannel is the listening side of this process's channel. Each
// accepted connection gets its own read goroutine which hands complete
// frames to onFrame.
type inboundChannel struct {
	path         string
	maxFrameSize int
	onFrame      func(data []byte)
	logger       *logger.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
	wg       sync.WaitGroup
}

func newInboundChannel(path string, maxFrameSize int, onFrame func([]byte), log *logger.Logger) *inboundChannel {
	return &inboundChannel{
		path:         path,
		maxFrameSize: maxFrameSize,
		onFrame:      onFrame,
		logger:       log.With("socket_path", path),
		conns:        make(map[net.Conn]struct{}),
	}
}

// listen creates the socket, replacing a stale file left by a crashed process
func (c *inboundChannel) listen() error {
	if err := os.MkdirAll(filepath.Dir(c.path), 0o700); err != nil {
		return types.WrapError(types.ErrCodeInternal, "failed to create channel directory", err)
	}
	if _, err := os.Stat(c.path); err == nil {
		if err := os.Remove(c.path); err != nil {
			return types.WrapError(types.ErrCodeInternal, "failed to remove existing socket file", err)
		}
	}

	listener, err := net.Listen("unix", c.path)
	if err != nil {
		return types.WrapError(types.ErrCodeUnavailable, "failed to listen on channel", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		listener.Close()
		return types.NewError(types.ErrCodeUnavailable, "channel is closed")
	}
	c.listener = listener
	c.mu.Unlock()

	c.wg.Add(1)
	go c.acceptConnections(listener)

	c.logger.Info("Inbound channel listening")
	return nil
}

func (c *inboundChannel) acceptConnections(listener net.Listener) {
	defer c.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if closed || errors.Is(err, net.ErrClosed) {
				return
			}
			c.logger.Error("Failed to accept connection", "error", err)
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			conn.Close()
			return
		}
		c.conns[conn] = struct{}{}
		c.wg.Add(1)
		c.mu.Unlock()

		go c.readLoop(conn)
	}
}

func (c *inboundChannel) readLoop(conn net.Conn) {
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		delete(c.conns, conn)
		c.mu.Unlock()
		conn.Close()
	}()

	r := bufio.NewReader(conn)
	for {
		data, err := readFrame(r, c.maxFrameSize)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.logger.Warn("Inbound connection dropped", "error", err)
			}
			return
		}
		c.onFrame(data)
	}
}

// connectionCount returns the number of open inbound connections
func (c *inboundChannel) connectionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.conns)
}

// close stops accepting, closes every inbound connection and waits for the
// read loops. The socket file is left for removeSocket.
func (c *inboundChannel) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.listener != nil {
		c.listener.Close()
	}
	for conn := range c.conns {
		conn.Close()
	}
	c.mu.Unlock()
}

func (c *inboundChannel) wait() {
	c.wg.Wait()
}

func (c *inboundChannel) removeSocket() {
	if err := os.Remove(c.path); err != nil && !os.IsNotExist(err) {
		c.logger.Warn("Failed to remove socket file", "error", err)
	}
}
