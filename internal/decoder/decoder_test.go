package decoder

import (
	"testing"
	"time"
)

func TestSimulatedLoadPlayAdvancesPosition(t *testing.T) {
	now := time.Unix(0, 0)
	d := NewSimulated()
	d.now = func() time.Time { return now }

	dur, err := d.Load("track.mp3")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if dur != defaultDurationMs {
		t.Fatalf("expected default duration, got %d", dur)
	}

	if err := d.Play(); err != nil {
		t.Fatalf("play: %v", err)
	}

	now = now.Add(2 * time.Second)
	pos, err := d.Position()
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if pos != 2000 {
		t.Fatalf("expected pos=2000 after 2s at 1.0x, got %d", pos)
	}
}

func TestSimulatedSeekClampsToDuration(t *testing.T) {
	d := NewSimulated()
	d.Load("track.mp3")
	if err := d.Seek(-500); err != nil {
		t.Fatalf("seek: %v", err)
	}
	pos, _ := d.Position()
	if pos != 0 {
		t.Fatalf("expected clamp to 0, got %d", pos)
	}

	d.Seek(defaultDurationMs + 5000)
	pos, _ = d.Position()
	if pos != defaultDurationMs {
		t.Fatalf("expected clamp to duration, got %d", pos)
	}
}

func TestSimulatedSetSpeedAffectsAdvance(t *testing.T) {
	now := time.Unix(0, 0)
	d := NewSimulated()
	d.now = func() time.Time { return now }
	d.Load("track.mp3")
	d.Play()
	d.SetSpeed(2.0)

	now = now.Add(1 * time.Second)
	pos, _ := d.Position()
	if pos != 2000 {
		t.Fatalf("expected pos=2000 after 1s at 2.0x, got %d", pos)
	}
}

func TestOperationsRequireLoad(t *testing.T) {
	d := NewSimulated()
	if _, err := d.Position(); err != ErrNotLoaded {
		t.Fatalf("expected ErrNotLoaded, got %v", err)
	}
	if err := d.Play(); err != ErrNotLoaded {
		t.Fatalf("expected ErrNotLoaded, got %v", err)
	}
}

func TestPauseFreezesPosition(t *testing.T) {
	now := time.Unix(0, 0)
	d := NewSimulated()
	d.now = func() time.Time { return now }
	d.Load("track.mp3")
	d.Play()
	now = now.Add(1 * time.Second)
	d.Pause()
	now = now.Add(5 * time.Second)

	pos, _ := d.Position()
	if pos != 1000 {
		t.Fatalf("expected pos frozen at 1000, got %d", pos)
	}
	if d.IsPlaying() {
		t.Fatal("expected IsPlaying false after pause")
	}
}
