package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/roomsync-labs/roomsync/internal/applog"
)

var logHost = applog.Get("transport")

const (
	sendQueueDepth = 256
	writeWait      = 5 * time.Second
	pongWait       = 30 * time.Second
	pingInterval   = pongWait * 9 / 10
)

// WSHost is the Host-side Message Transport, serving one WebSocket
// endpoint that any number of Clients connect to.
type WSHost struct {
	upgrader websocket.Upgrader
	server   *http.Server
	listener net.Listener

	mu       sync.Mutex
	sessions map[string]*peerSession

	recvCh   chan Envelope
	eventsCh chan PeerEvent

	closed atomic.Bool
}

type peerSession struct {
	peerID string
	conn   *websocket.Conn
	sendCh chan []byte
	closed atomic.Bool
}

func (s *peerSession) enqueue(b []byte) {
	select {
	case s.sendCh <- b:
	default:
		logHost.Warnw("dropping message, peer send queue full", "peer", s.peerID)
	}
}

func (s *peerSession) writeLoop() {
	for msg := range s.sendCh {
		s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (s *peerSession) close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.sendCh)
		s.conn.Close()
	}
}

// NewWSHost creates a Host transport bound to addr (e.g. "127.0.0.1:0" to
// pick a free port) serving WebSocket upgrades at path.
func NewWSHost(addr, path string) *WSHost {
	h := &WSHost{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		sessions: make(map[string]*peerSession),
		recvCh:   make(chan Envelope, 512),
		eventsCh: make(chan PeerEvent, 64),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(path, h.handleUpgrade)
	h.server = &http.Server{Addr: addr, Handler: mux}
	return h
}

func (h *WSHost) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	h.listener = ln
	go func() {
		if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logHost.Errorw("serve failed", "err", err)
		}
	}()
	go func() {
		<-ctx.Done()
		h.Close()
	}()
	return nil
}

func (h *WSHost) Addr() string {
	if h.listener == nil {
		return h.server.Addr
	}
	return h.listener.Addr().String()
}

func (h *WSHost) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logHost.Warnw("upgrade failed", "err", err)
		return
	}

	peerID := uuid.NewString()
	sess := &peerSession{peerID: peerID, conn: conn, sendCh: make(chan []byte, sendQueueDepth)}

	h.mu.Lock()
	h.sessions[peerID] = sess
	h.mu.Unlock()

	go sess.writeLoop()

	h.eventsCh <- PeerEvent{PeerID: peerID, Connected: true}
	h.readLoop(sess)
}

func (h *WSHost) readLoop(sess *peerSession) {
	defer func() {
		h.mu.Lock()
		delete(h.sessions, sess.peerID)
		h.mu.Unlock()
		sess.close()
		h.eventsCh <- PeerEvent{PeerID: sess.peerID, Connected: false}
	}()

	sess.conn.SetReadDeadline(time.Now().Add(pongWait))
	sess.conn.SetPongHandler(func(string) error {
		sess.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			return
		}
		h.recvCh <- Envelope{PeerID: sess.peerID, Data: data}
	}
}

func (h *WSHost) Send(peerID string, msg any) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	h.mu.Lock()
	sess, ok := h.sessions[peerID]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("peer %s not connected", peerID)
	}
	sess.enqueue(b)
	return nil
}

func (h *WSHost) Broadcast(msg any) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	h.mu.Lock()
	sessions := make([]*peerSession, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()
	for _, s := range sessions {
		s.enqueue(b)
	}
	return nil
}

func (h *WSHost) Disconnect(peerID string) {
	h.mu.Lock()
	sess, ok := h.sessions[peerID]
	h.mu.Unlock()
	if ok {
		sess.close()
	}
}

func (h *WSHost) Recv() <-chan Envelope         { return h.recvCh }
func (h *WSHost) PeerEvents() <-chan PeerEvent { return h.eventsCh }

func (h *WSHost) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	h.mu.Lock()
	for _, s := range h.sessions {
		s.close()
	}
	h.mu.Unlock()
	return h.server.Close()
}
