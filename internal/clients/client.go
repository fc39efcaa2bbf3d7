package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vigilhome/vigil-agent/internal/errors"
	"github.com/vigilhome/vigil-agent/internal/push"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 16 * 1024
	sendBuffer     = 32
	commandTimeout = 5 * time.Second
)

// ErrClientGone is returned for commands to a disconnected client.
var ErrClientGone = errors.NewStd("clients: window disconnected")

// WindowClient is one connected page.
type WindowClient struct {
	id          string
	kind        string
	hub         *Hub
	conn        *websocket.Conn
	send        chan []byte
	done        chan struct{}
	closeOnce   sync.Once
	connectedAt time.Time

	mu         sync.Mutex
	url        string
	focusedAt  time.Time
	controlled bool
	acks       map[uint64]chan Message
}

var (
	_ push.Client    = (*WindowClient)(nil)
	_ push.Focuser   = (*WindowClient)(nil)
	_ push.Navigator = (*WindowClient)(nil)
)

func (c *WindowClient) ID() string { return c.id }

// URL is the page's last reported location.
func (c *WindowClient) URL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.url
}

// Kind is KindWindow or KindLauncher.
func (c *WindowClient) Kind() string { return c.kind }

// Controlled reports whether the active generation has claimed the page.
func (c *WindowClient) Controlled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.controlled
}

// Focus asks the page to bring its window to the front.
func (c *WindowClient) Focus(ctx context.Context) error {
	if err := c.command(ctx, Message{Type: TypeFocus}); err != nil {
		return err
	}
	c.mu.Lock()
	c.focusedAt = c.hub.now()
	c.mu.Unlock()
	return nil
}

// Navigate asks the page to load url.
func (c *WindowClient) Navigate(ctx context.Context, url string) error {
	if err := c.command(ctx, Message{Type: TypeNavigate, URL: url}); err != nil {
		return err
	}
	c.mu.Lock()
	c.url = url
	c.mu.Unlock()
	return nil
}

// command sends msg and waits for the page's ack.
func (c *WindowClient) command(ctx context.Context, msg Message) error {
	msg.Seq = c.hub.seq.Add(1)
	ack := make(chan Message, 1)

	c.mu.Lock()
	c.acks[msg.Seq] = ack
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.acks, msg.Seq)
		c.mu.Unlock()
	}()

	if err := c.enqueue(msg); err != nil {
		return err
	}

	timer := time.NewTimer(commandTimeout)
	defer timer.Stop()
	select {
	case reply := <-ack:
		if !reply.OK {
			return fmt.Errorf("clients: %s rejected by %s: %s", msg.Type, c.id, reply.Error)
		}
		return nil
	case <-c.done:
		return ErrClientGone
	case <-timer.C:
		return fmt.Errorf("clients: %s to %s timed out", msg.Type, c.id)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enqueue hands msg to the write pump. A page that cannot keep up is
// disconnected.
func (c *WindowClient) enqueue(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClientGone
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrClientGone
	default:
		c.close()
		return ErrClientGone
	}
}

// close signals the write pump, which sends a close frame and drops the
// connection.
func (c *WindowClient) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *WindowClient) handle(msg Message) {
	switch msg.Type {
	case TypeAck:
		c.mu.Lock()
		ack, ok := c.acks[msg.Seq]
		c.mu.Unlock()
		if ok {
			ack <- msg
		}
	case TypeFocus:
		c.mu.Lock()
		c.focusedAt = c.hub.now()
		c.mu.Unlock()
	case TypeURL:
		c.mu.Lock()
		c.url = msg.URL
		c.mu.Unlock()
	}
}

// readPump runs on the request goroutine until the connection ends.
func (c *WindowClient) readPump() {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}
		c.handle(msg)
	}
}

// writePump is the connection's only writer.
func (c *WindowClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}
