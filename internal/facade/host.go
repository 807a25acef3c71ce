package facade

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/roomsync-labs/roomsync/internal/applog"
	"github.com/roomsync-labs/roomsync/internal/clock"
	"github.com/roomsync-labs/roomsync/internal/decoder"
	"github.com/roomsync-labs/roomsync/internal/discovery"
	"github.com/roomsync-labs/roomsync/internal/futurestart"
	"github.com/roomsync-labs/roomsync/internal/transfer"
	"github.com/roomsync-labs/roomsync/internal/transport"
	"github.com/roomsync-labs/roomsync/internal/wire"
)

var hostLog = applog.Get("facade.host")

const hostStateInterval = 200 * time.Millisecond

type hostPeer struct {
	role       string
	deviceInfo *wire.DeviceInfo
	ready      bool
	errorCode  string
}

// Host is the Host-side Sync Facade. It owns the room's authoritative
// clock (its offset is always zero: the Host's own wall clock defines
// room time), the loaded track, and the periodic host_state broadcast.
type Host struct {
	roomID string
	peerID string
	dev    wire.DeviceInfo

	transport transport.Host
	dec       decoder.Decoder
	xfer      *transfer.Server
	disc      discovery.Discovery

	clock *clock.Clock
	sched *futurestart.Scheduler

	mu         sync.Mutex
	peers      map[string]*hostPeer
	trackID    string
	trackPath  string
	trackURL   string
	fileHash   string
	sizeBytes  int64
	durationMs int64

	broadcastStop chan struct{}
	playing       bool
}

// NewHost creates a Host bound to tport (already constructed, not yet
// started), dec (the playback collaborator), xfer (serves the loaded
// track file to Clients), and disc (advertises the room over mDNS; may
// be nil to disable discovery).
func NewHost(roomID, peerID string, dev wire.DeviceInfo, tport transport.Host, dec decoder.Decoder, xfer *transfer.Server, disc discovery.Discovery) *Host {
	h := &Host{
		roomID:    roomID,
		peerID:    peerID,
		dev:       dev,
		transport: tport,
		dec:       dec,
		xfer:      xfer,
		disc:      disc,
		clock:     clock.New(),
		peers:     make(map[string]*hostPeer),
	}
	h.sched = futurestart.New(h.clock.RoomNow)
	return h
}

// Run starts the transport listener and the Host's message loop. It
// returns once listening; the loop itself runs until ctx is done.
func (h *Host) Run(ctx context.Context) error {
	if err := h.transport.Start(ctx); err != nil {
		return fmt.Errorf("start transport: %w", err)
	}
	if h.xfer != nil {
		if err := h.xfer.Start(ctx); err != nil {
			return fmt.Errorf("start file server: %w", err)
		}
	}
	go h.loop(ctx)
	return nil
}

func (h *Host) loop(ctx context.Context) {
	recv := h.transport.Recv()
	events := h.transport.PeerEvents()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			h.onPeerEvent(ev)
		case env, ok := <-recv:
			if !ok {
				return
			}
			h.onMessage(env)
		}
	}
}

func (h *Host) onPeerEvent(ev transport.PeerEvent) {
	h.mu.Lock()
	if ev.Connected {
		h.peers[ev.PeerID] = &hostPeer{}
	} else {
		delete(h.peers, ev.PeerID)
	}
	h.mu.Unlock()

	if !ev.Connected {
		h.transport.Broadcast(wire.NewPeerLeave(ev.PeerID, "disconnected"))
	}
}

func (h *Host) onMessage(env transport.Envelope) {
	msgType, body, err := wire.Peek(env.Data)
	if err != nil {
		if unknownLimiter.Allow("host:undecodable") {
			hostLog.Warnw("undecodable message", "peer", env.PeerID, "err", err)
		}
		return
	}

	switch msgType {
	case wire.TypeHello:
		var m wire.Hello
		if wire.Decode(body, &m) == nil {
			h.onHello(env.PeerID, m)
		}
	case wire.TypePing:
		var m wire.Ping
		if wire.Decode(body, &m) == nil {
			h.onPing(env.PeerID, m)
		}
	case wire.TypeClientReady:
		var m wire.ClientReady
		if wire.Decode(body, &m) == nil {
			h.onClientReady(env.PeerID, m)
		}
	case wire.TypeClientReadyError:
		var m wire.ClientReadyError
		if wire.Decode(body, &m) == nil {
			h.onClientReadyError(env.PeerID, m)
		}
	case wire.TypeClientStartReport:
		var m wire.ClientStartReport
		if wire.Decode(body, &m) == nil {
			hostLog.Infow("client start report", "peer", m.PeerID, "epoch", m.Epoch, "seq", m.Seq, "startErrorMs", m.StartErrorMs)
		}
	default:
		if unknownLimiter.Allow("host:" + msgType) {
			hostLog.Warnw("unknown message type", "type", msgType, "peer", env.PeerID)
		}
	}
}

func (h *Host) onHello(peerID string, m wire.Hello) {
	h.mu.Lock()
	p, ok := h.peers[peerID]
	if !ok {
		p = &hostPeer{}
		h.peers[peerID] = p
	}
	p.role = m.Role
	dev := m.DeviceInfo
	p.deviceInfo = &dev
	trackID, trackURL, fileHash, sizeBytes, durationMs, fileName, hasTrack := h.trackID, h.trackURL, h.fileHash, h.sizeBytes, h.durationMs, "", h.trackID != ""
	h.mu.Unlock()

	if err := h.transport.Send(peerID, wire.NewWelcome(peerID, h.clock.RoomNow().UnixMilli())); err != nil {
		hostLog.Warnw("welcome send failed", "peer", peerID, "err", err)
	}

	h.transport.Broadcast(wire.NewPeerJoin(peerID, m.Role, &dev))

	if hasTrack {
		if err := h.transport.Send(peerID, wire.NewTrackAnnounce(h.roomID, h.peerID, trackID, trackURL, fileHash, sizeBytes, durationMs, fileName)); err != nil {
			hostLog.Warnw("track_announce send failed", "peer", peerID, "err", err)
		}
	}
}

func (h *Host) onPing(peerID string, m wire.Ping) {
	if err := h.transport.Send(peerID, wire.NewPong(m.Seq, m.T0ClientMs, h.clock.RoomNow().UnixMilli())); err != nil {
		hostLog.Warnw("pong send failed", "peer", peerID, "err", err)
	}
}

func (h *Host) onClientReady(peerID string, m wire.ClientReady) {
	h.mu.Lock()
	if p, ok := h.peers[peerID]; ok {
		p.ready = true
		p.errorCode = ""
	}
	h.mu.Unlock()
	hostLog.Infow("client ready", "peer", peerID, "trackId", m.TrackID, "prepareMs", m.PrepareMs)
}

func (h *Host) onClientReadyError(peerID string, m wire.ClientReadyError) {
	h.mu.Lock()
	if p, ok := h.peers[peerID]; ok {
		p.ready = false
		p.errorCode = m.ErrorCode
	}
	h.mu.Unlock()
	hostLog.Warnw("client ready error", "peer", peerID, "trackId", m.TrackID, "code", m.ErrorCode, "message", m.ErrorMessage)
}

// LoadTrack loads path into the Host's decoder, computes its content
// hash, and announces it to every connected peer.
func (h *Host) LoadTrack(trackID, path, url, fileName string) error {
	hash, err := transfer.HashFile(path)
	if err != nil {
		return fmt.Errorf("hash track: %w", err)
	}
	durationMs, err := h.dec.Load(path)
	if err != nil {
		return fmt.Errorf("load track: %w", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat track: %w", err)
	}

	h.mu.Lock()
	h.trackID = trackID
	h.trackPath = path
	h.trackURL = url
	h.fileHash = hash
	h.sizeBytes = info.Size()
	h.durationMs = durationMs
	h.mu.Unlock()

	return h.transport.Broadcast(wire.NewTrackAnnounce(h.roomID, h.peerID, trackID, url, hash, info.Size(), durationMs, fileName))
}

// StartPlayback begins a new epoch and broadcasts start_at for delay
// from now, running C4 locally as well so the Host's own decoder starts
// in lockstep with the Clients.
func (h *Host) StartPlayback(delay time.Duration) {
	epoch := h.clock.NewEpoch()
	seq := h.clock.NextSeq()
	startAt := h.clock.RoomNow().Add(delay)

	h.mu.Lock()
	trackID, trackPath := h.trackID, h.trackPath
	h.mu.Unlock()

	const startPos = int64(0)

	if err := h.transport.Broadcast(wire.NewStartAt(epoch, seq, trackID, startAt.UnixMilli(), startPos)); err != nil {
		hostLog.Warnw("start_at broadcast failed", "err", err)
	}

	h.sched.Schedule(futurestart.Descriptor{
		Epoch:           epoch,
		Seq:             seq,
		TrackID:         trackID,
		StartAtRoomTime: startAt,
		StartPosMs:      startPos,
	}, func() error {
		if _, err := h.dec.Load(trackPath); err != nil {
			return err
		}
		return h.dec.Seek(startPos)
	}, func(res futurestart.Result) {
		if err := h.dec.Play(); err != nil {
			hostLog.Errorw("host play failed", "err", err)
			return
		}
		h.beginBroadcast(epoch)
	})
}

func (h *Host) beginBroadcast(epoch int64) {
	h.mu.Lock()
	if h.broadcastStop != nil {
		close(h.broadcastStop)
	}
	stop := make(chan struct{})
	h.broadcastStop = stop
	h.playing = true
	h.mu.Unlock()

	go func() {
		ticker := time.NewTicker(hostStateInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				h.broadcastHostState(epoch)
			}
		}
	}()
}

func (h *Host) broadcastHostState(epoch int64) {
	pos, err := h.dec.Position()
	if err != nil {
		return
	}
	playing := h.dec.IsPlaying()
	seq := h.clock.NextSeq()
	now := h.clock.RoomNow()

	h.mu.Lock()
	trackID := h.trackID
	h.mu.Unlock()

	if err := h.transport.Broadcast(wire.NewHostState(h.roomID, trackID, playing, pos, now.UnixMilli(), epoch, seq)); err != nil {
		hostLog.Warnw("host_state broadcast failed", "err", err)
	}
}

// Pause pauses the Host's decoder and stops the host_state broadcast.
func (h *Host) Pause() error {
	if err := h.dec.Pause(); err != nil {
		return err
	}

	h.mu.Lock()
	if h.broadcastStop != nil {
		close(h.broadcastStop)
		h.broadcastStop = nil
	}
	h.playing = false
	epoch := h.clock.Epoch()
	h.mu.Unlock()

	h.broadcastHostState(epoch)
	return nil
}

// Close stops the host_state broadcast, unpublishes discovery, and
// closes the transport.
func (h *Host) Close() error {
	h.mu.Lock()
	if h.broadcastStop != nil {
		close(h.broadcastStop)
		h.broadcastStop = nil
	}
	h.mu.Unlock()

	if h.disc != nil {
		if err := h.disc.Unpublish(); err != nil {
			hostLog.Warnw("unpublish failed", "err", err)
		}
	}
	return h.transport.Close()
}
