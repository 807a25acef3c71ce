// Package catchup implements the Catch-Up Controller (spec C5): it runs
// on Clients, bringing a joining or recovered Client to the Host's
// predicted position exactly once per epoch, gated by readiness.
package catchup

import (
	"sync"
	"time"

	"github.com/roomsync-labs/roomsync/internal/applog"
	"github.com/roomsync-labs/roomsync/internal/decoder"
)

var log = applog.Get("catchup")

const (
	prepareMs  = 300 * time.Millisecond
	cooldown   = 1500 * time.Millisecond
)

// HostStateSnapshot is the slice of the latest host_state the controller
// needs.
type HostStateSnapshot struct {
	TrackID             string
	HostPosMs           int64
	SampledAtRoomTime   time.Time
	DurationMs          int64
	LatencyCompMs       int64
}

// Controller runs the three-gate catch-up procedure. Trigger checks and
// sets all gates under one mutex before starting the async run, so
// concurrent Trigger calls start at most one attempt.
type Controller struct {
	mu sync.Mutex

	inFlight      bool
	doneEpoch     int64
	hasDoneEpoch  bool
	lastAttemptAt time.Time

	dec     decoder.Decoder
	roomNow func() time.Time
	sleep   func(time.Duration)
}

// New creates a Controller driving dec, using roomNow for room-time
// reads.
func New(dec decoder.Decoder, roomNow func() time.Time) *Controller {
	return &Controller{dec: dec, roomNow: roomNow, sleep: time.Sleep}
}

// ClearDoneEpoch is called on a Host isPlaying false→true transition so a
// subsequent resumption catches up again.
func (c *Controller) ClearDoneEpoch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hasDoneEpoch = false
}

// Trigger attempts to run catch-up for epoch if all three gates pass:
// not already in flight (G1), not already done for this epoch (G2), and
// at least 1500ms since the last attempt (G3). It returns false if any
// gate blocks the attempt.
func (c *Controller) Trigger(epoch int64, snap HostStateSnapshot, filePath string) bool {
	now := c.roomNow()

	c.mu.Lock()
	if c.inFlight {
		c.mu.Unlock()
		return false
	}
	if c.hasDoneEpoch && c.doneEpoch == epoch {
		c.mu.Unlock()
		return false
	}
	if !c.lastAttemptAt.IsZero() && now.Sub(c.lastAttemptAt) < cooldown {
		c.mu.Unlock()
		return false
	}
	c.inFlight = true
	c.hasDoneEpoch = true
	c.doneEpoch = epoch
	c.lastAttemptAt = now
	c.mu.Unlock()

	go c.run(snap, filePath)
	return true
}

func (c *Controller) run(snap HostStateSnapshot, filePath string) {
	defer func() {
		c.mu.Lock()
		c.inFlight = false
		c.mu.Unlock()
	}()

	targetRoomTime := c.roomNow().Add(prepareMs)
	elapsedToTarget := targetRoomTime.Sub(snap.SampledAtRoomTime)
	hostFuturePos := clamp(snap.HostPosMs+elapsedToTarget.Milliseconds()-snap.LatencyCompMs, 0, snap.DurationMs)

	if _, err := c.dec.Load(filePath); err != nil {
		log.Errorw("catch-up load failed", "err", err)
		return
	}
	if err := c.dec.Seek(hostFuturePos); err != nil {
		log.Errorw("catch-up seek failed", "err", err)
		return
	}

	if wait := targetRoomTime.Sub(c.roomNow()); wait > 0 {
		c.sleep(wait)
	}

	if err := c.dec.Play(); err != nil {
		log.Errorw("catch-up play failed", "err", err)
	}
}

// InFlight reports whether a catch-up attempt is currently running, for
// tests and diagnostics.
func (c *Controller) InFlight() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

func clamp(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
