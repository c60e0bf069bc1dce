// Package transport implements the client side of the relay-server signaling
// channel over a WebSocket connection.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meshconf/meshcall/internal/protocol"
)

// ErrClosed is reported after a locally initiated Close. Remote disconnects
// surface the underlying read error instead.
var ErrClosed = errors.New("transport: connection closed")

const (
	defaultDialTimeout     = 10 * time.Second
	defaultPingInterval    = 20 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultMaxMessageBytes = 512 * 1024
	defaultSendQueue       = 64

	writeWait = 5 * time.Second
)

type Options struct {
	// URL of the relay server's signaling endpoint (ws:// or wss://).
	URL string

	Logger *slog.Logger

	DialTimeout  time.Duration
	PingInterval time.Duration
	// IdleTimeout closes the connection when no message or pong arrives in
	// time. Must exceed PingInterval.
	IdleTimeout     time.Duration
	MaxMessageBytes int64
	// SendQueueSize bounds outbound messages waiting on the writer, including
	// any queued before the server has assigned the local identity.
	SendQueueSize int
}

func (o Options) withDefaults() Options {
	if o.DialTimeout <= 0 {
		o.DialTimeout = defaultDialTimeout
	}
	if o.PingInterval <= 0 {
		o.PingInterval = defaultPingInterval
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = defaultIdleTimeout
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = defaultMaxMessageBytes
	}
	if o.SendQueueSize <= 0 {
		o.SendQueueSize = defaultSendQueue
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Client is a connected signaling transport. Messages the server sends are
// delivered in order on Receive; malformed messages are logged and dropped
// without tearing the connection down.
type Client struct {
	log  *slog.Logger
	opts Options
	conn *websocket.Conn

	msgs chan protocol.Message
	out  chan protocol.Message
	done chan struct{}

	failOnce sync.Once
	errMu    sync.Mutex
	err      error
}

// Dial connects to the relay server and starts the read/write pumps.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	opts = opts.withDefaults()

	dialCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, opts.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", opts.URL, err)
	}

	c := &Client{
		log:  opts.Logger,
		opts: opts,
		conn: conn,
		msgs: make(chan protocol.Message, 32),
		out:  make(chan protocol.Message, opts.SendQueueSize),
		done: make(chan struct{}),
	}

	conn.SetReadLimit(opts.MaxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(opts.IdleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(opts.IdleTimeout))
	})

	go c.readLoop()
	go c.writeLoop()

	return c, nil
}

// Send queues an outbound signaling message. It blocks only when the send
// queue is full, and fails once the transport is down.
func (c *Client) Send(msg protocol.Message) error {
	select {
	case <-c.done:
		return c.Err()
	default:
	}
	select {
	case c.out <- msg:
		return nil
	case <-c.done:
		return c.Err()
	}
}

// Receive returns the inbound message channel. It closes when the transport
// drops; Err then reports why.
func (c *Client) Receive() <-chan protocol.Message {
	return c.msgs
}

func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Client) Close() error {
	c.fail(ErrClosed)
	return nil
}

func (c *Client) fail(err error) {
	c.failOnce.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *Client) readLoop() {
	defer close(c.msgs)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.fail(fmt.Errorf("transport: read: %w", err))
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.IdleTimeout))

		msg, err := protocol.ParseServerMessage(data)
		if err != nil {
			c.log.Warn("dropping malformed signaling message", "err", err)
			continue
		}
		select {
		case c.msgs <- msg:
		case <-c.done:
			return
		}
	}
}

func (c *Client) writeLoop() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.out:
			data, err := json.Marshal(msg)
			if err != nil {
				c.log.Error("marshal signaling message", "err", err)
				continue
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.fail(fmt.Errorf("transport: write: %w", err))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.fail(fmt.Errorf("transport: ping: %w", err))
				return
			}
		case <-c.done:
			return
		}
	}
}
