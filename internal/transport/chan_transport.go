package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
)

// ChanHost is an in-memory Host implementation used by component tests
// to exercise ordering and connect/disconnect semantics without opening
// real sockets.
type ChanHost struct {
	mu     sync.Mutex
	peers  map[string]chan []byte
	recv   chan Envelope
	events chan PeerEvent
}

// NewChanHost creates a ChanHost ready to accept ChanClient connections.
func NewChanHost() *ChanHost {
	return &ChanHost{
		peers:  make(map[string]chan []byte),
		recv:   make(chan Envelope, 256),
		events: make(chan PeerEvent, 256),
	}
}

func (h *ChanHost) Start(ctx context.Context) error { return nil }

func (h *ChanHost) Addr() string { return "chan" }

func (h *ChanHost) Send(peerID string, msg any) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	h.mu.Lock()
	ch, ok := h.peers[peerID]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("chan transport: unknown peer %s", peerID)
	}
	ch <- b
	return nil
}

func (h *ChanHost) Broadcast(msg any) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.peers {
		ch <- b
	}
	return nil
}

func (h *ChanHost) Disconnect(peerID string) {
	h.mu.Lock()
	ch, ok := h.peers[peerID]
	if ok {
		delete(h.peers, peerID)
	}
	h.mu.Unlock()
	if ok {
		close(ch)
		h.events <- PeerEvent{PeerID: peerID, Connected: false}
	}
}

func (h *ChanHost) Recv() <-chan Envelope { return h.recv }

func (h *ChanHost) PeerEvents() <-chan PeerEvent { return h.events }

func (h *ChanHost) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.peers {
		close(ch)
	}
	h.peers = make(map[string]chan []byte)
	return nil
}

// connect registers peerID and returns the channel it will receive
// Host-originated messages on.
func (h *ChanHost) connect(peerID string) chan []byte {
	ch := make(chan []byte, 256)
	h.mu.Lock()
	h.peers[peerID] = ch
	h.mu.Unlock()
	h.events <- PeerEvent{PeerID: peerID, Connected: true}
	return ch
}

// ChanClient is the matching in-memory Client, connected to a ChanHost
// in the same process.
type ChanClient struct {
	peerID   string
	host     *ChanHost
	fromHost chan []byte
	doneCh   chan struct{}
	closed   atomic.Bool
}

// NewChanClient creates a ChanClient that will connect to host as peerID.
func NewChanClient(peerID string, host *ChanHost) *ChanClient {
	return &ChanClient{peerID: peerID, host: host, doneCh: make(chan struct{})}
}

func (c *ChanClient) Connect(ctx context.Context, addr string) error {
	c.fromHost = c.host.connect(c.peerID)
	return nil
}

func (c *ChanClient) Send(msg any) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.host.recv <- Envelope{PeerID: c.peerID, Data: b}
	return nil
}

func (c *ChanClient) Recv() <-chan []byte { return c.fromHost }

func (c *ChanClient) Disconnected() <-chan struct{} { return c.doneCh }

func (c *ChanClient) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		close(c.doneCh)
		c.host.Disconnect(c.peerID)
	}
	return nil
}
