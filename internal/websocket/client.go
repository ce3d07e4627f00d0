package websocket

import (
	"context"
	"time"

	ws "github.com/coder/websocket"

	"github.com/dukerupert/partypush/internal/model"
)

const (
	sendBufferSize = 16
	pingInterval   = 30 * time.Second
)

// Client is one operator connection. A non-empty statuses set limits the
// events it receives; events without a status always pass.
type Client struct {
	hub      *Hub
	conn     *ws.Conn
	send     chan []byte
	statuses map[model.NotificationStatus]bool
}

func NewClient(hub *Hub, conn *ws.Conn, statuses ...model.NotificationStatus) *Client {
	c := &Client{
		hub:  hub,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
	}
	if len(statuses) > 0 {
		c.statuses = make(map[model.NotificationStatus]bool, len(statuses))
		for _, s := range statuses {
			c.statuses[s] = true
		}
	}
	return c
}

func (c *Client) wants(ev model.QueueEvent) bool {
	if c.statuses == nil || ev.Status == "" {
		return true
	}
	return c.statuses[ev.Status]
}

// Run registers the client and blocks until the connection closes.
func (c *Client) Run(ctx context.Context) {
	c.hub.Register(c)
	defer c.hub.Unregister(c)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.writePump(ctx)
	c.readPump(ctx)
}

// readPump discards incoming frames; the feed is one-way.
func (c *Client) readPump(ctx context.Context) {
	for {
		if _, _, err := c.conn.Read(ctx); err != nil {
			return
		}
	}
}

func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				if c.conn != nil {
					c.conn.Close(ws.StatusGoingAway, "server shutting down")
				}
				return
			}
			if err := c.conn.Write(ctx, ws.MessageText, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.Ping(ctx); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
