// Package transport implements the Message Transport contract (spec C1):
// ordered, best-effort delivery of typed JSON messages between a Host and
// its Clients, with connect/disconnect notifications. The wire format is
// one JSON object per WebSocket text frame, decoded by callers with
// internal/wire.
package transport

import "context"

// Envelope pairs a raw inbound message with the peer it arrived from. Only
// the Host side uses it; Client.Recv delivers raw bytes.
type Envelope struct {
	PeerID string
	Data   []byte
}

// PeerEvent is delivered when a peer connects or disconnects.
type PeerEvent struct {
	PeerID    string
	Connected bool
}

// Host is the Host-side transport: it accepts connections from many
// Clients and can unicast or broadcast to them.
type Host interface {
	// Start begins accepting connections; it returns once listening, or
	// with an error if the listener could not be created.
	Start(ctx context.Context) error
	// Addr returns the address the Host is listening on, valid after Start.
	Addr() string
	// Send delivers msg to one peer. Best-effort: a slow or gone peer
	// drops the message rather than blocking the caller.
	Send(peerID string, msg any) error
	// Broadcast delivers msg to every currently connected peer.
	Broadcast(msg any) error
	// Disconnect forcibly closes one peer's connection.
	Disconnect(peerID string)
	// Recv returns the channel of inbound messages from any Client.
	Recv() <-chan Envelope
	// PeerEvents returns the channel of connect/disconnect notifications.
	PeerEvents() <-chan PeerEvent
	// Close shuts the listener and all sessions down.
	Close() error
}

// Client is the Client-side transport: a single ordered connection to one
// Host.
type Client interface {
	// Connect dials the Host at addr and blocks until the connection is
	// up or ctx is done.
	Connect(ctx context.Context, addr string) error
	// Send delivers msg to the Host. Best-effort.
	Send(msg any) error
	// Recv returns the channel of inbound messages from the Host.
	Recv() <-chan []byte
	// Disconnected returns a channel closed when the connection drops.
	Disconnected() <-chan struct{}
	// Close closes the connection.
	Close() error
}
