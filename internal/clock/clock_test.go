package clock

import (
	"testing"
	"time"
)

func TestOnSampleAcceptsAndLocksAfterThree(t *testing.T) {
	c := New()

	base := time.Unix(0, 0)
	for i := int64(1); i <= 3; i++ {
		t0 := base.Add(time.Duration(i) * time.Second)
		t1 := t0.Add(50 * time.Millisecond)
		t2 := t0.Add(60 * time.Millisecond)
		if _, ok := c.OnSample(i, t0, t1, t2); !ok {
			t.Fatalf("sample %d unexpectedly rejected: %s", i, c.LastDroppedReason())
		}
	}

	if !c.IsLocked() {
		t.Fatalf("expected clock to be locked after 3 good samples, rtt=%s jitter=%s", c.RTT(), c.Jitter())
	}
	if c.SampleCount() != 3 {
		t.Fatalf("expected sampleCount=3, got %d", c.SampleCount())
	}
}

func TestOnSampleRejectsNegativeRTT(t *testing.T) {
	c := New()
	t0 := time.Unix(10, 0)
	t1 := t0.Add(5 * time.Millisecond)
	t2 := t0.Add(-1 * time.Millisecond) // t2 before t0: negative rtt

	if _, ok := c.OnSample(1, t0, t1, t2); ok {
		t.Fatal("expected rejection for negative rtt")
	}
	if c.LastDroppedReason() != ReasonRTTNegative {
		t.Fatalf("expected reason %q, got %q", ReasonRTTNegative, c.LastDroppedReason())
	}
	if c.DroppedCount() != 1 {
		t.Fatalf("expected droppedCount=1, got %d", c.DroppedCount())
	}
}

func TestOnSampleRejectsRTTTooHigh(t *testing.T) {
	c := New()
	t0 := time.Unix(10, 0)
	t1 := t0.Add(150 * time.Millisecond)
	t2 := t0.Add(300 * time.Millisecond) // rtt=300ms > 200ms cap

	if _, ok := c.OnSample(1, t0, t1, t2); ok {
		t.Fatal("expected rejection for rtt too high")
	}
	if c.LastDroppedReason() != ReasonRTTTooHigh {
		t.Fatalf("expected reason %q, got %q", ReasonRTTTooHigh, c.LastDroppedReason())
	}
}

func TestOnSampleRejectsOffsetJump(t *testing.T) {
	c := New()
	base := time.Unix(100, 0)

	// Seed a stable offset near zero.
	for i := int64(1); i <= 3; i++ {
		t0 := base.Add(time.Duration(i) * time.Second)
		t1 := t0.Add(10 * time.Millisecond)
		t2 := t0.Add(20 * time.Millisecond)
		if _, ok := c.OnSample(i, t0, t1, t2); !ok {
			t.Fatalf("seed sample %d rejected", i)
		}
	}

	// A sample whose offset disagrees by far more than OffsetJumpCap.
	t0 := base.Add(4 * time.Second)
	t1 := t0.Add(500 * time.Millisecond)
	t2 := t0.Add(20 * time.Millisecond)
	if _, ok := c.OnSample(4, t0, t1, t2); ok {
		t.Fatal("expected rejection for offset jump")
	}
	if c.LastDroppedReason() != ReasonOffsetJump {
		t.Fatalf("expected reason %q, got %q", ReasonOffsetJump, c.LastDroppedReason())
	}
}

func TestNewEpochResetsSeq(t *testing.T) {
	c := New()
	c.NextSeq()
	c.NextSeq()
	e1 := c.NewEpoch()
	if e1 != 1 {
		t.Fatalf("expected epoch 1, got %d", e1)
	}
	if got := c.NextSeq(); got != 1 {
		t.Fatalf("expected seq to restart at 1 after new epoch, got %d", got)
	}
}

func TestResetClearsLockAndCounters(t *testing.T) {
	c := New()
	base := time.Unix(0, 0)
	for i := int64(1); i <= 3; i++ {
		t0 := base.Add(time.Duration(i) * time.Second)
		c.OnSample(i, t0, t0.Add(10*time.Millisecond), t0.Add(20*time.Millisecond))
	}
	if !c.IsLocked() {
		t.Fatal("expected locked before reset")
	}

	c.Reset(false)

	if c.IsLocked() {
		t.Fatal("expected unlocked after reset")
	}
	if c.SampleCount() != 0 {
		t.Fatalf("expected sampleCount=0 after reset, got %d", c.SampleCount())
	}
}

func TestLockCallbackFiresOnTransition(t *testing.T) {
	var events []LockEvent
	c := New(WithLockCallback(func(e LockEvent) { events = append(events, e) }))

	base := time.Unix(0, 0)
	for i := int64(1); i <= 3; i++ {
		t0 := base.Add(time.Duration(i) * time.Second)
		c.OnSample(i, t0, t0.Add(10*time.Millisecond), t0.Add(20*time.Millisecond))
	}

	if len(events) != 1 {
		t.Fatalf("expected exactly one lock transition, got %d", len(events))
	}
	if !events[0].Locked {
		t.Fatal("expected transition to locked")
	}
}

func TestRoomNowAppliesOffset(t *testing.T) {
	fixed := time.Unix(1000, 0)
	c := New(WithNowFunc(func() time.Time { return fixed }))

	base := time.Unix(0, 0)
	// Host clock is 100ms ahead: t1 stamps reflect that offset.
	for i := int64(1); i <= 3; i++ {
		t0 := base.Add(time.Duration(i) * time.Second)
		t1 := t0.Add(100 * time.Millisecond).Add(10 * time.Millisecond)
		t2 := t0.Add(20 * time.Millisecond)
		c.OnSample(i, t0, t1, t2)
	}

	roomNow := c.RoomNow()
	want := fixed.Add(100 * time.Millisecond)
	diff := roomNow.Sub(want)
	if diff < -2*time.Millisecond || diff > 2*time.Millisecond {
		t.Fatalf("expected roomNow close to %s, got %s (offset %s)", want, roomNow, diff)
	}
}
