// Package clock implements the Room Clock (spec C2): it maintains the
// offset that maps local wall time onto the room's authoritative time,
// together with RTT, jitter, and lock state derived from a stream of
// ping/pong samples. Room time is always localWallNow + offsetEma.
//
// A Clock is single-writer: OnSample and NewEpoch are meant to be called
// from one logical thread (the facade's event loop), matching the rest of
// the engine's concurrency model.
package clock

import (
	"math"
	"time"

	"github.com/roomsync-labs/roomsync/internal/util"
)

const (
	// RTTCap rejects samples with an implausibly large round trip.
	RTTCap = 200 * time.Millisecond
	// OffsetJumpCap rejects samples whose offset disagrees wildly with the
	// current estimate, most likely caused by a stalled event loop on
	// either end rather than a genuine clock shift.
	OffsetJumpCap = 120 * time.Millisecond
	// Alpha is the EMA smoothing factor for rtt/jitter/offset.
	Alpha = 0.1

	lockMinSamples  = 3
	lockMaxRTT      = 300 * time.Millisecond
	lockMaxJitter   = 100 * time.Millisecond

	recentRingSize = 30
	goodRingSize   = 5
)

// Drop reasons recorded against a rejected sample.
const (
	ReasonRTTNegative = "rtt_negative"
	ReasonRTTTooHigh  = "rtt_too_high"
	ReasonOffsetJump  = "offset_jump"
)

// Sample is one accepted or rejected clock measurement, derived from a
// ping/pong round trip: t0 is the Client's send time, t1 the Host's stamp
// on reply, t2 the Client's receive time.
type Sample struct {
	Seq int64
	T0  time.Time
	T1  time.Time
	T2  time.Time

	RTT       time.Duration
	OffsetRaw time.Duration
}

func newSample(seq int64, t0, t1, t2 time.Time) Sample {
	rtt := t2.Sub(t0)
	mid := t0.Add(t2.Sub(t0) / 2)
	return Sample{Seq: seq, T0: t0, T1: t1, T2: t2, RTT: rtt, OffsetRaw: t1.Sub(mid)}
}

// LockEvent is published whenever isLocked flips.
type LockEvent struct {
	Locked bool
	At     time.Time
}

// Clock is the room clock for one role-session. Zero value is not usable;
// construct with New.
type Clock struct {
	epoch int64
	seq   int64

	offsetEma time.Duration
	offsetSet bool
	rttEma    time.Duration
	rttSet    bool
	jitterEma time.Duration
	rtt       time.Duration
	jitter    time.Duration

	sampleCount int
	isLocked    bool

	recent *util.RingBuffer[Sample]
	good   *util.RingBuffer[Sample]

	droppedCount      int
	lastDroppedReason string

	onLock func(LockEvent)
	now    func() time.Time
}

// Option configures a Clock at construction.
type Option func(*Clock)

// WithLockCallback registers a callback invoked on every lock-state
// transition.
func WithLockCallback(fn func(LockEvent)) Option {
	return func(c *Clock) { c.onLock = fn }
}

// WithNowFunc overrides the wall-clock source, for deterministic tests.
func WithNowFunc(fn func() time.Time) Option {
	return func(c *Clock) { c.now = fn }
}

// New creates a Clock with empty state.
func New(opts ...Option) *Clock {
	c := &Clock{
		recent: util.NewRingBuffer[Sample](recentRingSize),
		good:   util.NewRingBuffer[Sample](goodRingSize),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RoomNow returns the current estimate of authoritative room time.
func (c *Clock) RoomNow() time.Time {
	return c.now().Add(c.offsetEma)
}

// IsLocked reports whether downstream consumers may rely on the clock.
func (c *Clock) IsLocked() bool {
	return c.isLocked
}

// Epoch returns the current epoch.
func (c *Clock) Epoch() int64 { return c.epoch }

// RTT returns the current RTT estimate.
func (c *Clock) RTT() time.Duration { return c.rtt }

// Jitter returns the current jitter estimate.
func (c *Clock) Jitter() time.Duration { return c.jitter }

// SampleCount returns the number of accepted samples since the last reset.
func (c *Clock) SampleCount() int { return c.sampleCount }

// LastDroppedReason returns the reason for the most recent rejected sample,
// or "" if none has been rejected since the last reset.
func (c *Clock) LastDroppedReason() string { return c.lastDroppedReason }

// DroppedCount returns the number of samples rejected since the last reset.
func (c *Clock) DroppedCount() int { return c.droppedCount }

// NewEpoch increments epoch and resets seq. Only the Host calls this.
func (c *Clock) NewEpoch() int64 {
	c.epoch++
	c.seq = 0
	return c.epoch
}

// NextSeq returns a monotonically increasing per-epoch sequence number.
func (c *Clock) NextSeq() int64 {
	c.seq++
	return c.seq
}

// OnSample ingests one ping/pong measurement. It returns the sample and
// whether it was accepted; a rejected sample never modifies offset or RTT
// estimates.
func (c *Clock) OnSample(seq int64, t0, t1, t2 time.Time) (Sample, bool) {
	s := newSample(seq, t0, t1, t2)

	if reason, rejected := c.rejectReason(s); rejected {
		c.droppedCount++
		c.lastDroppedReason = reason
		return s, false
	}

	c.recent.Push(s)
	c.good.Push(s)
	c.sampleCount++

	c.updateRTTAndJitter(s.RTT)
	c.updateOffset()
	c.updateLock()

	return s, true
}

func (c *Clock) rejectReason(s Sample) (string, bool) {
	if s.RTT < 0 {
		return ReasonRTTNegative, true
	}
	if s.RTT > RTTCap {
		return ReasonRTTTooHigh, true
	}
	if c.offsetSet && absDuration(s.OffsetRaw-c.offsetEma) > OffsetJumpCap {
		return ReasonOffsetJump, true
	}
	return "", false
}

func (c *Clock) updateRTTAndJitter(rtt time.Duration) {
	if !c.rttSet {
		c.rttEma = rtt
		c.rttSet = true
	} else {
		c.rttEma = emaDuration(Alpha, rtt, c.rttEma)
	}
	c.jitterEma = emaDuration(Alpha, absDuration(rtt-c.rttEma), c.jitterEma)
	c.rtt = rtt
	c.jitter = roundDuration(c.jitterEma)
}

// updateOffset picks the min-RTT sample among the last few accepted ones
// and folds it into the offset EMA.
func (c *Clock) updateOffset() {
	best, ok := c.good.Best(func(a, b Sample) bool { return a.RTT < b.RTT })
	if !ok {
		return
	}
	if !c.offsetSet {
		c.offsetEma = best.OffsetRaw
		c.offsetSet = true
		return
	}
	c.offsetEma = roundDuration(time.Duration(Alpha*float64(best.OffsetRaw) + (1-Alpha)*float64(c.offsetEma)))
}

func (c *Clock) updateLock() {
	locked := c.sampleCount >= lockMinSamples && c.rtt <= lockMaxRTT && c.jitter <= lockMaxJitter
	if locked == c.isLocked {
		return
	}
	c.isLocked = locked
	if c.onLock != nil {
		c.onLock(LockEvent{Locked: locked, At: c.now()})
	}
}

// Reset clears estimator scalars, counters, and (unless keepHistory) both
// sample rings. It never crosses an epoch boundary on its own.
func (c *Clock) Reset(keepHistory bool) {
	c.offsetEma = 0
	c.offsetSet = false
	c.rttEma = 0
	c.rttSet = false
	c.jitterEma = 0
	c.rtt = 0
	c.jitter = 0
	c.sampleCount = 0
	c.isLocked = false
	c.droppedCount = 0
	c.lastDroppedReason = ""
	if !keepHistory {
		c.recent = util.NewRingBuffer[Sample](recentRingSize)
		c.good = util.NewRingBuffer[Sample](goodRingSize)
	}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func emaDuration(alpha float64, sample, prev time.Duration) time.Duration {
	return time.Duration(alpha*float64(sample) + (1-alpha)*float64(prev))
}

func roundDuration(d time.Duration) time.Duration {
	ms := math.Round(float64(d) / float64(time.Millisecond))
	return time.Duration(ms) * time.Millisecond
}
