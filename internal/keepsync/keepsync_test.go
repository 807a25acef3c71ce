package keepsync

import (
	"testing"
	"time"
)

func baseInput(now time.Time) Input {
	return Input{
		IsPlaying:         true,
		Epoch:             1,
		TrackID:           "t1",
		IsClockLocked:     true,
		DurationMs:        600_000,
		RoomNow:           now,
		SampledAtRoomTime: now,
	}
}

func TestDropsWhenNotPlaying(t *testing.T) {
	now := time.Unix(0, 0)
	in := baseInput(now)
	in.IsPlaying = false
	act, _ := Decide(in, Default(), NewState())
	if act.Kind != Noop || act.Reason != ReasonNotPlaying {
		t.Fatalf("expected noop/not_playing, got %+v", act)
	}
}

func TestDropsWhenClockNotLocked(t *testing.T) {
	now := time.Unix(0, 0)
	in := baseInput(now)
	in.IsClockLocked = false
	act, _ := Decide(in, Default(), NewState())
	if act.Kind != Noop || act.Reason != ReasonClockNotLocked {
		t.Fatalf("expected noop/clock_not_locked, got %+v", act)
	}
}

func TestDropsStaleHostState(t *testing.T) {
	now := time.Unix(0, 0)
	in := baseInput(now)
	in.SampledAtRoomTime = now.Add(-2 * time.Second)
	act, st := Decide(in, Default(), NewState())
	if act.Kind != Noop || act.Reason != ReasonStaleHostState {
		t.Fatalf("expected noop/stale_host_state, got %+v", act)
	}
	if st.DroppedHostStateCount != 1 {
		t.Fatalf("expected dropped count 1, got %d", st.DroppedHostStateCount)
	}
}

func TestWithinDeadbandNoop(t *testing.T) {
	now := time.Unix(0, 0)
	in := baseInput(now)
	in.HostPosMs = 10_000
	in.ClientPosMs = 10_010 // delta 10ms, within 30ms deadband
	act, _ := Decide(in, Default(), NewState())
	if act.Kind != Noop || act.Reason != ReasonWithinDeadband {
		t.Fatalf("expected noop/within_deadband, got %+v", act)
	}
}

func TestLargeDeltaTriggersSeek(t *testing.T) {
	now := time.Unix(100, 0)
	in := baseInput(now)
	in.HostPosMs = 50_000
	in.ClientPosMs = 40_000 // delta 10000ms, over 1000ms threshold
	act, st := Decide(in, Default(), NewState())
	if act.Kind != Seek {
		t.Fatalf("expected seek, got %+v", act)
	}
	if act.SeekMs != 50_000 {
		t.Fatalf("expected seek to 50000, got %d", act.SeekMs)
	}
	if st.SeekCount != 1 {
		t.Fatalf("expected seekCount 1, got %d", st.SeekCount)
	}
}

func TestSeekCooldownSuppressesRepeatSeek(t *testing.T) {
	now := time.Unix(100, 0)
	in := baseInput(now)
	in.HostPosMs = 50_000
	in.ClientPosMs = 40_000
	_, st := Decide(in, Default(), NewState())

	in2 := baseInput(now.Add(500 * time.Millisecond)) // within 1500ms cooldown
	in2.HostPosMs = 60_000
	in2.ClientPosMs = 40_000
	in2.SampledAtRoomTime = now.Add(500 * time.Millisecond)
	act, _ := Decide(in2, Default(), st)
	if act.Kind != Noop || act.Reason != ReasonSeekCooldown {
		t.Fatalf("expected noop/seek_cooldown, got %+v", act)
	}
}

func TestSpeedRegionAdjustsSpeed(t *testing.T) {
	now := time.Unix(0, 0)
	in := baseInput(now)
	in.HostPosMs = 10_500
	in.ClientPosMs = 10_000 // delta=500, within (30, 1000] speed region
	act, _ := Decide(in, Default(), NewState())
	if act.Kind != SetSpeed {
		t.Fatalf("expected setSpeed, got %+v", act)
	}
	if act.Speed <= 1.0 {
		t.Fatalf("expected speed > 1.0 to catch up, got %v", act.Speed)
	}
}

func TestSpeedIntervalSuppressesRapidReset(t *testing.T) {
	now := time.Unix(0, 0)
	in := baseInput(now)
	in.HostPosMs = 10_500
	in.ClientPosMs = 10_000
	_, st := Decide(in, Default(), NewState())

	in2 := baseInput(now.Add(50 * time.Millisecond)) // within 400ms speedInterval
	in2.HostPosMs = 10_550
	in2.ClientPosMs = 10_000
	act, _ := Decide(in2, Default(), st)
	if act.Kind != Noop || act.Reason != ReasonSpeedInterval {
		t.Fatalf("expected noop/speed_interval, got %+v", act)
	}
}

func TestReverseGuardHoldsOnSignFlip(t *testing.T) {
	cfg := Default()
	now := time.Unix(0, 0)

	in := baseInput(now)
	in.HostPosMs = 10_100
	in.ClientPosMs = 10_000 // delta +100 within region
	_, st := Decide(in, cfg, NewState())

	// Let speed interval pass, then flip sign with a small delta.
	now2 := now.Add(500 * time.Millisecond)
	in2 := baseInput(now2)
	in2.HostPosMs = 10_000
	in2.ClientPosMs = 10_050 // delta -50, sign flipped, |delta|<120
	act, st2 := Decide(in2, cfg, st)

	if act.Kind != SetSpeed || act.Speed != 1.0 || act.Reason != ReasonReverseGuard {
		t.Fatalf("expected reverse guard forcing speed 1.0, got %+v", act)
	}
	if !st2.HoldUntil.After(now2) {
		t.Fatal("expected holdUntil to be set in the future")
	}
}

func TestHoldActiveForcesNormalSpeed(t *testing.T) {
	now := time.Unix(0, 0)
	st := NewState()
	st.ActiveEpoch = 1
	st.ActiveTrackID = "t1"
	st.HoldUntil = now.Add(time.Second)
	st.CurrentSpeed = 1.02

	in := baseInput(now)
	in.HostPosMs = 10_000
	in.ClientPosMs = 10_000
	act, st2 := Decide(in, Default(), st)
	if act.Kind != SetSpeed || act.Speed != 1.0 || act.Reason != ReasonHold {
		t.Fatalf("expected setSpeed 1.0 reason hold, got %+v", act)
	}
	if st2.CurrentSpeed != 1.0 {
		t.Fatalf("expected currentSpeed reset to 1.0, got %v", st2.CurrentSpeed)
	}
}

func TestIOSSafeSuppressesSetSpeed(t *testing.T) {
	now := time.Unix(0, 0)
	in := baseInput(now)
	in.HostPosMs = 10_500
	in.ClientPosMs = 10_000
	act, _ := Decide(in, IOSSafe(), NewState())
	if act.Kind != Noop || act.Reason != "setspeed_suppressed" {
		t.Fatalf("expected setSpeed suppressed on iOS-safe profile, got %+v", act)
	}
}

func TestEpochChangeResetsState(t *testing.T) {
	now := time.Unix(0, 0)
	in := baseInput(now)
	in.HostPosMs = 50_000
	in.ClientPosMs = 10_000
	_, st := Decide(in, Default(), NewState())
	if st.SeekCount != 1 {
		t.Fatalf("expected seek on first large delta, got seekCount=%d", st.SeekCount)
	}

	in2 := baseInput(now)
	in2.Epoch = 2
	in2.HostPosMs = 10_000
	in2.ClientPosMs = 10_000
	_, st2 := Decide(in2, Default(), st)
	if st2.SeekCount != 0 {
		t.Fatalf("expected state reset on epoch change, got seekCount=%d", st2.SeekCount)
	}
}
