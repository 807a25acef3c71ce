package metrics

import (
	"testing"
	"time"
)

func TestComputeStatsPercentiles(t *testing.T) {
	base := time.Unix(0, 0)
	var samples []Sample
	for i := 0; i < 100; i++ {
		samples = append(samples, Sample{At: base, DeltaMs: float64(i), Action: "noop"})
	}
	stats := computeStats(samples)
	if stats.Count != 100 {
		t.Fatalf("expected count 100, got %d", stats.Count)
	}
	if stats.P50 < 48 || stats.P50 > 51 {
		t.Fatalf("expected p50 near 50, got %v", stats.P50)
	}
	if stats.P95 < 93 || stats.P95 > 96 {
		t.Fatalf("expected p95 near 94-95, got %v", stats.P95)
	}
}

func TestFractionInBand(t *testing.T) {
	base := time.Unix(0, 0)
	samples := []Sample{
		{At: base, DeltaMs: 10},
		{At: base, DeltaMs: 20},
		{At: base, DeltaMs: 100},
		{At: base, DeltaMs: 200},
	}
	stats := computeStats(samples)
	if stats.FractionInBand != 0.5 {
		t.Fatalf("expected fraction in band 0.5, got %v", stats.FractionInBand)
	}
}

func TestProtectionEntersOnSeekBurst(t *testing.T) {
	now := time.Unix(1000, 0)
	r := New()
	r.now = func() time.Time { return now }

	for i := 0; i < 4; i++ {
		r.Record(Sample{At: now, DeltaMs: 5, Action: "seek"})
	}

	inProt, trigger := r.InProtection()
	if !inProt {
		t.Fatal("expected protection mode to be active after 4 seeks in 60s window")
	}
	if trigger != TriggerSeekBurst {
		t.Fatalf("expected trigger %q, got %q", TriggerSeekBurst, trigger)
	}
}

func TestProtectionExitsAfterDuration(t *testing.T) {
	now := time.Unix(1000, 0)
	r := New()
	r.now = func() time.Time { return now }

	for i := 0; i < 4; i++ {
		r.Record(Sample{At: now, DeltaMs: 5, Action: "seek"})
	}
	if inProt, _ := r.InProtection(); !inProt {
		t.Fatal("expected protection mode active")
	}

	now = now.Add(11 * time.Second)
	r.Record(Sample{At: now, DeltaMs: 5, Action: "noop"})

	if inProt, _ := r.InProtection(); inProt {
		t.Fatal("expected protection mode to have exited after 10s")
	}
}

func TestProtectionEntersOnStaleDropStreak(t *testing.T) {
	now := time.Unix(1000, 0)
	r := New()
	r.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		r.RecordStaleDrop()
	}

	inProt, trigger := r.InProtection()
	if !inProt || trigger != TriggerStaleDrops {
		t.Fatalf("expected stale-drop protection trigger, got inProt=%v trigger=%q", inProt, trigger)
	}
}

func TestClampSpeedForProtection(t *testing.T) {
	now := time.Unix(1000, 0)
	r := New()
	r.now = func() time.Time { return now }
	for i := 0; i < 4; i++ {
		r.Record(Sample{At: now, DeltaMs: 5, Action: "seek"})
	}

	if got := r.ClampSpeedForProtection(1.04); got != 1.015 {
		t.Fatalf("expected clamp to 1.015, got %v", got)
	}
	if got := r.ClampSpeedForProtection(0.96); got != 0.985 {
		t.Fatalf("expected clamp to 0.985, got %v", got)
	}
}

func TestSuppressSeekForProtection(t *testing.T) {
	now := time.Unix(1000, 0)
	r := New()
	r.now = func() time.Time { return now }
	for i := 0; i < 4; i++ {
		r.Record(Sample{At: now, DeltaMs: 5, Action: "seek"})
	}

	if !r.SuppressSeekForProtection(1500) {
		t.Fatal("expected small seek to be suppressed in protection mode")
	}
	if r.SuppressSeekForProtection(2500) {
		t.Fatal("expected large seek to pass through even in protection mode")
	}
}
