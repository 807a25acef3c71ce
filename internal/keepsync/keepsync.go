// Package keepsync implements the KeepSync Controller (spec C6): a pure
// decision function evaluated each time a Client receives a host_state
// during playback. Given the current host/client state and a Config, it
// emits exactly one Action and never mutates anything outside the
// Controller's own state.
package keepsync

import (
	"math"
	"time"
)

// Config holds every tunable threshold. Default returns the normal
// profile; IOSSafe returns the reduced-aggressiveness profile used when
// the platform lacks reliable native playback-rate control.
type Config struct {
	DeadbandMs              float64
	SeekThresholdMs         float64
	SeekCooldown            time.Duration
	SpeedCooldownAfterSeek  time.Duration
	SpeedInterval           time.Duration
	ReverseGuardThresholdMs float64
	ReverseGuardHold        time.Duration
	MinSpeed                float64
	MaxSpeed                float64
	K                       float64
	SpeedAlpha              float64
	MaxStep                 float64
	MinSpeedChangeToEmit    float64
	PredictionWindowMs      float64
	StaleThreshold          time.Duration
	SuppressSetSpeed        bool // true on iOS: rely solely on the seek path
}

// Default returns the normal-profile configuration (spec §4.5).
func Default() Config {
	return Config{
		DeadbandMs:              30,
		SeekThresholdMs:         1000,
		SeekCooldown:            1500 * time.Millisecond,
		SpeedCooldownAfterSeek:  500 * time.Millisecond,
		SpeedInterval:           400 * time.Millisecond,
		ReverseGuardThresholdMs: 120,
		ReverseGuardHold:        800 * time.Millisecond,
		MinSpeed:                0.96,
		MaxSpeed:                1.04,
		K:                       2e-4,
		SpeedAlpha:              0.2,
		MaxStep:                 0.005,
		MinSpeedChangeToEmit:    0.002,
		PredictionWindowMs:      500,
		StaleThreshold:          1200 * time.Millisecond,
	}
}

// IOSSafe returns the reduced-aggressiveness profile used on platforms
// that lack reliable native playback-rate control.
func IOSSafe() Config {
	c := Default()
	c.MinSpeed = 0.98
	c.MaxSpeed = 1.02
	c.MaxStep = 0.003
	c.SpeedInterval = 800 * time.Millisecond
	c.SuppressSetSpeed = true
	return c
}

// Action is the controller's output.
type Action struct {
	Kind   Kind
	Speed  float64 // valid when Kind == Noop is false and Kind == Seek is false
	SeekMs int64   // valid when Kind == Seek
	Reason string
}

type Kind int

const (
	Noop Kind = iota
	SetSpeed
	Seek
)

// Noop reasons.
const (
	ReasonNotPlaying          = "not_playing"
	ReasonClockNotLocked      = "clock_not_locked"
	ReasonStaleHostState      = "stale_host_state"
	ReasonHold                = "hold"
	ReasonWithinDeadband      = "within_deadband"
	ReasonSeekCooldown        = "seek_cooldown"
	ReasonSpeedCooldownAfterSeek = "speed_cooldown_after_seek"
	ReasonSpeedInterval       = "speed_interval"
	ReasonSpeedChangeTooSmall = "speed_change_too_small"
	ReasonReturnToNormal      = "return_to_normal"
	ReasonReverseGuard        = "reverse_guard"
)

// Input is everything the decision function needs for one evaluation.
type Input struct {
	IsPlaying          bool
	Epoch              int64
	TrackID            string
	HostPosMs          int64
	SampledAtRoomTime  time.Time
	RoomNow            time.Time
	ClientPosMs        int64
	DurationMs         int64
	LatencyCompMs      int64
	IsClockLocked      bool
	Jitter             time.Duration
	RTT                time.Duration
}

// State is the controller's own mutable state, carried between
// evaluations. Zero value is ready to use.
type State struct {
	CurrentSpeed   float64
	SpeedEma       float64
	LastSpeedSetAt time.Time
	LastSeekAt     time.Time
	ActiveEpoch    int64
	ActiveTrackID  string
	LastDeltaSign  int
	HoldUntil      time.Time

	SeekCount           int
	SpeedSetCount       int
	DroppedHostStateCount int
	LastDroppedReason   string
}

// NewState returns a fresh State ready for the first Decide call.
// Callers must seed state with this rather than a bare State{}, since
// CurrentSpeed/SpeedEma default to the neutral 1.0 rate, not zero.
func NewState() State {
	return State{CurrentSpeed: 1.0, SpeedEma: 1.0}
}

// Decide evaluates one host_state against the current state and config,
// returning the action to take and the (possibly updated) state. It never
// performs I/O; the caller executes the returned Action against the
// decoder.
func Decide(in Input, cfg Config, st State) (Action, State) {
	if in.Epoch != st.ActiveEpoch || in.TrackID != st.ActiveTrackID {
		st = NewState()
		st.ActiveEpoch = in.Epoch
		st.ActiveTrackID = in.TrackID
	}

	if !in.IsPlaying {
		return Action{Kind: Noop, Reason: ReasonNotPlaying}, st
	}
	if !in.IsClockLocked {
		return Action{Kind: Noop, Reason: ReasonClockNotLocked}, st
	}

	elapsed := in.RoomNow.Sub(in.SampledAtRoomTime)
	if elapsed > cfg.StaleThreshold {
		st.DroppedHostStateCount++
		st.LastDroppedReason = ReasonStaleHostState
		return Action{Kind: Noop, Reason: ReasonStaleHostState}, st
	}

	targetPos := clampF(float64(in.HostPosMs)+float64(elapsed.Milliseconds())-float64(in.LatencyCompMs), 0, float64(in.DurationMs))
	delta := targetPos - float64(in.ClientPosMs)
	predictedDelta := math.Round(delta + (st.CurrentSpeed-1)*cfg.PredictionWindowMs)

	now := in.RoomNow

	// 1. Hold active.
	if st.HoldUntil.After(now) {
		if st.CurrentSpeed != 1.0 {
			st.CurrentSpeed = 1.0
			st.SpeedEma = 1.0
			return Action{Kind: SetSpeed, Speed: 1.0, Reason: ReasonHold}, st
		}
		return Action{Kind: Noop, Reason: ReasonHold}, st
	}

	// 2. Dead-band.
	if math.Abs(predictedDelta) <= cfg.DeadbandMs {
		if st.CurrentSpeed != 1.0 && now.Sub(st.LastSpeedSetAt) >= cfg.SpeedInterval {
			st.CurrentSpeed = 1.0
			st.SpeedEma = 1.0
			st.LastSpeedSetAt = now
			st.SpeedSetCount++
			return Action{Kind: SetSpeed, Speed: 1.0, Reason: ReasonReturnToNormal}, st
		}
		return Action{Kind: Noop, Reason: ReasonWithinDeadband}, st
	}

	// 3. Large delta.
	if math.Abs(delta) > cfg.SeekThresholdMs {
		if now.Sub(st.LastSeekAt) < cfg.SeekCooldown {
			return Action{Kind: Noop, Reason: ReasonSeekCooldown}, st
		}
		st.CurrentSpeed = 1.0
		st.SpeedEma = 1.0
		st.LastDeltaSign = 0
		st.HoldUntil = time.Time{}
		st.LastSeekAt = now
		st.SeekCount++
		return Action{Kind: Seek, SeekMs: int64(targetPos), Reason: "large_delta"}, st
	}

	// 4. Speed region.
	if now.Sub(st.LastSeekAt) < cfg.SpeedCooldownAfterSeek {
		return Action{Kind: Noop, Reason: ReasonSpeedCooldownAfterSeek}, st
	}
	if now.Sub(st.LastSpeedSetAt) < cfg.SpeedInterval {
		return Action{Kind: Noop, Reason: ReasonSpeedInterval}, st
	}

	sign := signOf(delta)
	if st.LastDeltaSign != 0 && sign != 0 && sign != st.LastDeltaSign && math.Abs(delta) < cfg.ReverseGuardThresholdMs {
		st.HoldUntil = now.Add(cfg.ReverseGuardHold)
		st.LastDeltaSign = sign
		if cfg.SuppressSetSpeed {
			return Action{Kind: Noop, Reason: ReasonReverseGuard}, st
		}
		st.CurrentSpeed = 1.0
		st.SpeedEma = 1.0
		return Action{Kind: SetSpeed, Speed: 1.0, Reason: ReasonReverseGuard}, st
	}
	st.LastDeltaSign = sign

	if cfg.SuppressSetSpeed {
		return Action{Kind: Noop, Reason: "setspeed_suppressed"}, st
	}

	speedDelta := clampF(predictedDelta*cfg.K, cfg.MinSpeed-1, cfg.MaxSpeed-1)
	speedTarget := 1 + speedDelta

	alpha := cfg.SpeedAlpha
	if in.Jitter > 40*time.Millisecond || in.RTT > 120*time.Millisecond {
		alpha /= 2
	}

	st.SpeedEma = (1-alpha)*st.SpeedEma + alpha*speedTarget
	st.SpeedEma = clampF(st.SpeedEma, cfg.MinSpeed, cfg.MaxSpeed)

	speedCmd := clampF(st.SpeedEma, st.CurrentSpeed-cfg.MaxStep, st.CurrentSpeed+cfg.MaxStep)

	if math.Abs(speedCmd-st.CurrentSpeed) < cfg.MinSpeedChangeToEmit {
		return Action{Kind: Noop, Reason: ReasonSpeedChangeTooSmall}, st
	}

	st.CurrentSpeed = speedCmd
	st.LastSpeedSetAt = now
	st.SpeedSetCount++
	return Action{Kind: SetSpeed, Speed: speedCmd, Reason: "speed_adjust"}, st
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func signOf(v float64) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}
