// Package calibration persists the per-room calibration constants (spec
// §6): calibrationOffsetMs and latencyCompMs, combined into
// totalCompensationMs wherever the rest of the engine refers to
// latencyComp.
package calibration

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const (
	minCalibrationOffsetMs = -300
	maxCalibrationOffsetMs = 300
	minLatencyCompMs       = 0
	maxLatencyCompMs       = 500
)

// Values are one room's calibration constants.
type Values struct {
	CalibrationOffsetMs int64
	LatencyCompMs       int64
}

// TotalCompensationMs returns calibrationOffset + latencyComp, the value
// the rest of the engine refers to as latencyComp.
func (v Values) TotalCompensationMs() int64 {
	return v.CalibrationOffsetMs + v.LatencyCompMs
}

func clampMs(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Store persists calibration Values per room in a SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) a calibration store in configDir.
func Open(configDir string) (*Store, error) {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}
	dbPath := filepath.Join(configDir, "calibration.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open calibration db: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure calibration db: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS calibration (
			room_id               TEXT PRIMARY KEY,
			calibration_offset_ms INTEGER NOT NULL DEFAULT 0,
			latency_comp_ms       INTEGER NOT NULL DEFAULT 0
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create calibration table: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get reads the calibration Values for roomID, returning the zero value
// (no compensation) if none has been saved yet.
func (s *Store) Get(roomID string) (Values, error) {
	var v Values
	err := s.db.QueryRow(
		`SELECT calibration_offset_ms, latency_comp_ms FROM calibration WHERE room_id = ?`,
		roomID,
	).Scan(&v.CalibrationOffsetMs, &v.LatencyCompMs)
	if err == sql.ErrNoRows {
		return Values{}, nil
	}
	if err != nil {
		return Values{}, err
	}
	return v, nil
}

// Set clamps and persists the calibration Values for roomID.
func (s *Store) Set(roomID string, v Values) error {
	v.CalibrationOffsetMs = clampMs(v.CalibrationOffsetMs, minCalibrationOffsetMs, maxCalibrationOffsetMs)
	v.LatencyCompMs = clampMs(v.LatencyCompMs, minLatencyCompMs, maxLatencyCompMs)

	_, err := s.db.Exec(`
		INSERT INTO calibration (room_id, calibration_offset_ms, latency_comp_ms)
		VALUES (?, ?, ?)
		ON CONFLICT(room_id) DO UPDATE SET
			calibration_offset_ms = excluded.calibration_offset_ms,
			latency_comp_ms = excluded.latency_comp_ms
	`, roomID, v.CalibrationOffsetMs, v.LatencyCompMs)
	return err
}
