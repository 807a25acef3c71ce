package facade

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/roomsync-labs/roomsync/internal/applog"
	"github.com/roomsync-labs/roomsync/internal/catchup"
	"github.com/roomsync-labs/roomsync/internal/clock"
	"github.com/roomsync-labs/roomsync/internal/clocksync"
	"github.com/roomsync-labs/roomsync/internal/decoder"
	"github.com/roomsync-labs/roomsync/internal/futurestart"
	"github.com/roomsync-labs/roomsync/internal/keepsync"
	"github.com/roomsync-labs/roomsync/internal/metrics"
	"github.com/roomsync-labs/roomsync/internal/transfer"
	"github.com/roomsync-labs/roomsync/internal/transport"
	"github.com/roomsync-labs/roomsync/internal/wire"
)

var clientLog = applog.Get("facade.client")

const (
	seekEchoWindow  = 800 * time.Millisecond
	seekEchoNearMs  = 300
)

// Client is the Client-side Sync Facade. It runs C2 (Room Clock), C3
// (Clock Synchronizer), C4 (Future-Start Scheduler), C5 (Catch-Up
// Controller), C6 (KeepSync Controller), and C7 (Metrics & Protection),
// wiring their outputs to the Decoder collaborator.
type Client struct {
	roomID string
	peerID string
	dev    wire.DeviceInfo

	transport transport.Client
	dec       decoder.Decoder
	tracksDir string

	clock   *clock.Clock
	sync    *clocksync.Synchronizer
	sched   *futurestart.Scheduler
	catchUp *catchup.Controller
	metrics *metrics.Recorder

	keepsyncCfg   keepsync.Config
	keepsyncState keepsync.State

	latencyCompMs int64

	mu              sync.Mutex
	trackID         string
	trackReady      bool
	localPath       string
	trackDurationMs int64

	lastIsPlaying  bool
	lastSeekAtWall time.Time
	lastSeekTarget int64

	sessionID string
}

// NewClient creates a Client bound to tport (not yet connected). cfg
// selects the KeepSync tunable profile (keepsync.Default() or
// keepsync.IOSSafe() depending on the local device); latencyCompMs is
// the room's calibrated total compensation (calibration.Values.TotalCompensationMs()).
func NewClient(roomID, peerID string, dev wire.DeviceInfo, tport transport.Client, dec decoder.Decoder, tracksDir string, cfg keepsync.Config, latencyCompMs int64) *Client {
	c := &Client{
		roomID:        roomID,
		peerID:        peerID,
		dev:           dev,
		transport:     tport,
		dec:           dec,
		tracksDir:     tracksDir,
		clock:         clock.New(),
		metrics:       metrics.New(),
		keepsyncCfg:   cfg,
		keepsyncState: keepsync.NewState(),
		latencyCompMs: latencyCompMs,
	}
	c.sched = futurestart.New(c.clock.RoomNow)
	c.catchUp = catchup.New(dec, c.clock.RoomNow)
	return c
}

// Run connects to the Host at addr, sends hello, and starts the clock
// synchronizer and message loop.
func (c *Client) Run(ctx context.Context, addr string) error {
	if err := c.transport.Connect(ctx, addr); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if err := c.transport.Send(wire.NewHello(c.roomID, c.peerID, "client", c.dev)); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}

	c.sync = clocksync.New(c.transport, c.clock)
	c.sync.Start()

	go c.loop(ctx)
	return nil
}

// SetBackground toggles the clock synchronizer's ping cadence for
// foreground/background app lifecycle transitions.
func (c *Client) SetBackground(background bool) {
	if c.sync != nil {
		c.sync.SetBackground(background)
	}
}

func (c *Client) loop(ctx context.Context) {
	recv := c.transport.Recv()
	disconnected := c.transport.Disconnected()
	for {
		select {
		case <-ctx.Done():
			c.sync.Stop()
			return
		case <-disconnected:
			c.sync.Stop()
			return
		case raw, ok := <-recv:
			if !ok {
				return
			}
			c.onMessage(raw)
		}
	}
}

func (c *Client) onMessage(raw []byte) {
	msgType, body, err := wire.Peek(raw)
	if err != nil {
		if unknownLimiter.Allow("client:undecodable") {
			clientLog.Warnw("undecodable message", "err", err)
		}
		return
	}

	switch msgType {
	case wire.TypeWelcome:
		var m wire.Welcome
		if wire.Decode(body, &m) == nil {
			c.sessionID = m.SessionID
		}
	case wire.TypePong:
		var m wire.Pong
		if wire.Decode(body, &m) == nil {
			c.sync.OnPong(m)
		}
	case wire.TypePeerJoin:
		var m wire.PeerJoin
		if wire.Decode(body, &m) == nil {
			clientLog.Infow("peer joined", "peer", m.PeerID, "role", m.Role)
		}
	case wire.TypePeerLeave:
		var m wire.PeerLeave
		if wire.Decode(body, &m) == nil {
			clientLog.Infow("peer left", "peer", m.PeerID, "reason", m.Reason)
		}
	case wire.TypeTrackAnnounce:
		var m wire.TrackAnnounce
		if wire.Decode(body, &m) == nil {
			c.onTrackAnnounce(m)
		}
	case wire.TypeStartAt:
		var m wire.StartAt
		if wire.Decode(body, &m) == nil {
			c.onStartAt(m)
		}
	case wire.TypeHostState:
		var m wire.HostState
		if wire.Decode(body, &m) == nil {
			c.onHostState(m)
		}
	default:
		if unknownLimiter.Allow("client:" + msgType) {
			clientLog.Warnw("unknown message type", "type", msgType)
		}
	}
}

func (c *Client) onTrackAnnounce(m wire.TrackAnnounce) {
	c.mu.Lock()
	c.trackID = m.TrackID
	c.trackDurationMs = m.DurationMs
	c.trackReady = false
	c.mu.Unlock()

	fileName := m.FileName
	if fileName == "" {
		fileName = m.TrackID
	}

	go c.downloadTrack(m, fileName)
}

func (c *Client) downloadTrack(m wire.TrackAnnounce, fileName string) {
	result := transfer.Download(context.Background(), m.URL, c.tracksDir, fileName, m.FileHash)
	if result.Err != nil {
		clientLog.Warnw("track download failed", "trackId", m.TrackID, "code", result.ErrorCode, "err", result.Err)
		if err := c.transport.Send(wire.NewClientReadyError(m.TrackID, result.ErrorCode, result.Err.Error())); err != nil {
			clientLog.Warnw("client_ready_error send failed", "err", err)
		}
		return
	}

	c.mu.Lock()
	c.localPath = result.LocalPath
	c.trackReady = true
	c.mu.Unlock()

	if err := c.transport.Send(wire.NewClientReady(m.TrackID, result.LocalPath, result.PrepareMs)); err != nil {
		clientLog.Warnw("client_ready send failed", "err", err)
	}
}

func (c *Client) onStartAt(m wire.StartAt) {
	c.mu.Lock()
	path := c.localPath
	c.mu.Unlock()

	startAt := time.UnixMilli(m.StartAtRoomTimeMs)
	c.sched.Schedule(futurestart.Descriptor{
		Epoch:           m.Epoch,
		Seq:             m.Seq,
		TrackID:         m.TrackID,
		StartAtRoomTime: startAt,
		StartPosMs:      m.StartPosMs,
	}, func() error {
		if _, err := c.dec.Load(path); err != nil {
			return err
		}
		return c.dec.Seek(m.StartPosMs)
	}, func(res futurestart.Result) {
		if err := c.dec.Play(); err != nil {
			clientLog.Errorw("client play failed", "err", err)
			return
		}
		if err := c.transport.Send(wire.NewClientStartReport(c.peerID, m.Epoch, m.Seq, res.ActualStartRoomTime.UnixMilli(), res.StartError.Milliseconds())); err != nil {
			clientLog.Warnw("client_start_report send failed", "err", err)
		}
	})
}

func (c *Client) onHostState(hs wire.HostState) {
	nowWall := time.Now()
	nowRoom := c.clock.RoomNow()

	wasPlaying := c.lastIsPlaying
	c.lastIsPlaying = hs.IsPlaying
	if hs.IsPlaying && !wasPlaying {
		c.catchUp.ClearDoneEpoch()
	}

	if c.seekEchoActive(nowWall) {
		return
	}

	c.mu.Lock()
	trackReady := c.trackReady
	localPath := c.localPath
	durationMs := c.trackDurationMs
	c.mu.Unlock()

	if hs.IsPlaying && trackReady && c.clock.IsLocked() {
		c.catchUp.Trigger(hs.Epoch, catchup.HostStateSnapshot{
			TrackID:           hs.TrackID,
			HostPosMs:         hs.HostPosMs,
			SampledAtRoomTime: time.UnixMilli(hs.SampledAtRoomTimeMs),
			DurationMs:        durationMs,
			LatencyCompMs:     c.latencyCompMs,
		}, localPath)
	}

	clientPos, err := c.dec.Position()
	if err != nil {
		return
	}

	in := keepsync.Input{
		IsPlaying:         hs.IsPlaying,
		Epoch:             hs.Epoch,
		TrackID:           hs.TrackID,
		HostPosMs:         hs.HostPosMs,
		SampledAtRoomTime: time.UnixMilli(hs.SampledAtRoomTimeMs),
		RoomNow:           nowRoom,
		ClientPosMs:       clientPos,
		DurationMs:        durationMs,
		LatencyCompMs:     c.latencyCompMs,
		IsClockLocked:     c.clock.IsLocked(),
		Jitter:            c.clock.Jitter(),
		RTT:               c.clock.RTT(),
	}

	action, newState := keepsync.Decide(in, c.keepsyncCfg, c.keepsyncState)
	c.keepsyncState = newState

	if action.Reason == keepsync.ReasonStaleHostState {
		c.metrics.RecordStaleDrop()
	} else {
		c.metrics.RecordNonStaleDrop()
	}

	protecting, _ := c.metrics.InProtection()
	actionLabel := c.applyAction(action, clientPos, protecting, nowWall)

	elapsedMs := float64(nowRoom.Sub(time.UnixMilli(hs.SampledAtRoomTimeMs)).Milliseconds())
	targetPos := clampF(float64(hs.HostPosMs)+elapsedMs-float64(c.latencyCompMs), 0, float64(durationMs))

	c.metrics.Record(metrics.Sample{
		At:           nowRoom,
		DeltaMs:      targetPos - float64(clientPos),
		AudiblePosMs: clientPos,
		TargetPosMs:  int64(targetPos),
		RTT:          c.clock.RTT(),
		Jitter:       c.clock.Jitter(),
		Speed:        c.keepsyncState.CurrentSpeed,
		Action:       actionLabel,
	})
}

func (c *Client) applyAction(action keepsync.Action, clientPos int64, protecting bool, nowWall time.Time) string {
	switch action.Kind {
	case keepsync.SetSpeed:
		speed := action.Speed
		if protecting {
			speed = c.metrics.ClampSpeedForProtection(speed)
		}
		if err := c.dec.SetSpeed(speed); err != nil {
			clientLog.Warnw("setSpeed failed", "err", err)
			return "noop"
		}
		return "setSpeed"
	case keepsync.Seek:
		delta := math.Abs(float64(action.SeekMs - clientPos))
		if protecting && c.metrics.SuppressSeekForProtection(delta) {
			return "noop"
		}
		if err := c.dec.Seek(action.SeekMs); err != nil {
			clientLog.Warnw("seek failed", "err", err)
			return "noop"
		}
		c.mu.Lock()
		c.lastSeekAtWall = nowWall
		c.lastSeekTarget = action.SeekMs
		c.mu.Unlock()
		return "seek"
	default:
		return "noop"
	}
}

// seekEchoActive reports whether a recently executed seek's effect on the
// decoder hasn't been observed yet, per spec §4.7: for up to 800ms, or
// until the decoder position reaches within 300ms of the seek target,
// subsequent host_state inputs are ignored to avoid reacting to a stale
// position read before the decoder catches up.
func (c *Client) seekEchoActive(nowWall time.Time) bool {
	c.mu.Lock()
	lastAt := c.lastSeekAtWall
	target := c.lastSeekTarget
	c.mu.Unlock()

	if lastAt.IsZero() || nowWall.Sub(lastAt) > seekEchoWindow {
		return false
	}

	pos, err := c.dec.Position()
	if err != nil {
		return true
	}
	diff := pos - target
	if diff < 0 {
		diff = -diff
	}
	return diff > seekEchoNearMs
}

// Close stops the clock synchronizer and closes the transport.
func (c *Client) Close() error {
	if c.sync != nil {
		c.sync.Stop()
	}
	return c.transport.Close()
}
