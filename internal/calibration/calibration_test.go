package calibration

import (
	"testing"
)

func TestGetReturnsZeroValueWhenUnset(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	v, err := s.Get("room-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if v.TotalCompensationMs() != 0 {
		t.Fatalf("expected zero compensation, got %d", v.TotalCompensationMs())
	}
}

func TestSetThenGetRoundTrips(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	if err := s.Set("room-1", Values{CalibrationOffsetMs: 50, LatencyCompMs: 120}); err != nil {
		t.Fatalf("set: %v", err)
	}

	v, err := s.Get("room-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if v.CalibrationOffsetMs != 50 || v.LatencyCompMs != 120 {
		t.Fatalf("unexpected values: %+v", v)
	}
	if v.TotalCompensationMs() != 170 {
		t.Fatalf("expected total 170, got %d", v.TotalCompensationMs())
	}
}

func TestSetClampsOutOfRangeValues(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	if err := s.Set("room-1", Values{CalibrationOffsetMs: 10_000, LatencyCompMs: -50}); err != nil {
		t.Fatalf("set: %v", err)
	}

	v, err := s.Get("room-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if v.CalibrationOffsetMs != maxCalibrationOffsetMs {
		t.Fatalf("expected clamp to %d, got %d", maxCalibrationOffsetMs, v.CalibrationOffsetMs)
	}
	if v.LatencyCompMs != minLatencyCompMs {
		t.Fatalf("expected clamp to %d, got %d", minLatencyCompMs, v.LatencyCompMs)
	}
}

func TestSetUpsertsExistingRoom(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	s.Set("room-1", Values{CalibrationOffsetMs: 10, LatencyCompMs: 10})
	s.Set("room-1", Values{CalibrationOffsetMs: 20, LatencyCompMs: 20})

	v, _ := s.Get("room-1")
	if v.CalibrationOffsetMs != 20 || v.LatencyCompMs != 20 {
		t.Fatalf("expected upsert to overwrite, got %+v", v)
	}
}
