package client

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/zot/esm-hmr/internal/hot"
	"github.com/zot/esm-hmr/internal/protocol"
)

// EndpointURL returns the websocket endpoint: the override when set, else the
// page origin's host at the root path, using ws: for http: pages and wss:
// otherwise.
func EndpointURL(override, origin string) (string, error) {
	if override != "" {
		return override, nil
	}
	u, err := url.Parse(origin)
	if err != nil {
		return "", fmt.Errorf("invalid origin %q: %w", origin, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid origin %q: no host", origin)
	}
	scheme := "wss"
	if u.Scheme == "http" {
		scheme = "ws"
	}
	return (&url.URL{Scheme: scheme, Host: u.Host, Path: "/"}).String(), nil
}

// Connection is the persistent websocket to the dev server. Messages sent
// before the socket opens are queued and flushed in order once it does.
type Connection struct {
	url    string
	dialer *websocket.Dialer
	queue  *protocol.OutboundQueue
	logger hot.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewConnection creates an unopened connection to endpoint.
func NewConnection(endpoint string, logger hot.Logger) *Connection {
	return &Connection{
		url: endpoint,
		dialer: &websocket.Dialer{
			Subprotocols: []string{protocol.SubProtocol},
		},
		queue:  protocol.NewOutboundQueue(),
		logger: logger,
	}
}

func (c *Connection) log(level int, format string, args ...interface{}) {
	if c.logger != nil {
		c.logger.Log(level, format, args...)
	}
}

// Send queues or writes msg.
func (c *Connection) Send(msg *protocol.Message) error {
	return c.queue.Send(msg)
}

// PendingCount returns the number of messages waiting for the socket to open.
func (c *Connection) PendingCount() int {
	return c.queue.PendingCount()
}

// Run dials the endpoint, flushes queued messages and feeds every inbound
// message to handle until the connection drops or ctx is done. It returns nil
// when ctx ended the connection.
func (c *Connection) Run(ctx context.Context, handle func(*protocol.Message)) error {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", c.url, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.log(1, "connected to %s (protocol %q)", c.url, conn.Subprotocol())

	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	defer stop()
	defer conn.Close()

	if err := c.queue.Open(func(msg *protocol.Message) error {
		data, err := msg.Encode()
		if err != nil {
			return err
		}
		c.log(2, "[OUT] %s %s", msg.Type, msg.ID)
		return conn.WriteMessage(websocket.TextMessage, data)
	}); err != nil {
		return fmt.Errorf("failed to flush queued messages: %w", err)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log(0, "websocket error: %v", err)
			}
			return fmt.Errorf("connection lost: %w", err)
		}

		msg, err := protocol.ParseMessage(data)
		if err != nil {
			c.log(0, "failed to parse message: %v", err)
			continue
		}
		handle(msg)
	}
}

// Close shuts the queue and the socket.
func (c *Connection) Close() {
	c.queue.Close()

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}
