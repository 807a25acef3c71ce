package transport

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// WSClient is the Client-side Message Transport: a single ordered
// connection to one Host.
type WSClient struct {
	conn   *websocket.Conn
	sendCh chan []byte
	recvCh chan []byte
	doneCh chan struct{}
	closed atomic.Bool
	mu     sync.Mutex
}

// NewWSClient creates an unconnected Client transport.
func NewWSClient() *WSClient {
	return &WSClient{
		sendCh: make(chan []byte, sendQueueDepth),
		recvCh: make(chan []byte, 512),
		doneCh: make(chan struct{}),
	}
}

func (c *WSClient) Connect(ctx context.Context, addr string) error {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.DialContext(ctx, addr, nil)
	if err != nil {
		return err
	}
	c.conn = conn

	go c.writeLoop()
	go c.readLoop()
	return nil
}

func (c *WSClient) writeLoop() {
	for msg := range c.sendCh {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (c *WSClient) readLoop() {
	defer c.markDisconnected()
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.recvCh <- data
	}
}

func (c *WSClient) markDisconnected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.CompareAndSwap(false, true) {
		close(c.doneCh)
		close(c.sendCh)
	}
}

func (c *WSClient) Send(msg any) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return nil
	}
	select {
	case c.sendCh <- b:
	default:
	}
	return nil
}

func (c *WSClient) Recv() <-chan []byte            { return c.recvCh }
func (c *WSClient) Disconnected() <-chan struct{} { return c.doneCh }

func (c *WSClient) Close() error {
	c.markDisconnected()
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
