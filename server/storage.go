package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// ReadingStore defines the interface for the storage backends holding readings.
// Readings are append-only; only retention removes them.
type ReadingStore interface {
	// Initialize sets up the storage backend
	Initialize(ctx context.Context) error

	// SaveReadings appends readings
	SaveReadings(ctx context.Context, readings []Reading) error

	// QueryReadings returns the readings matching filter
	QueryReadings(ctx context.Context, filter ReadingFilter) ([]Reading, error)

	// GetDevices returns every distinct device id
	GetDevices(ctx context.Context) ([]string, error)

	// GetReadingCount returns the total number of readings
	GetReadingCount(ctx context.Context) (int64, error)

	// DeleteOldReadings removes readings created before cutoff (epoch seconds)
	DeleteOldReadings(ctx context.Context, cutoff int64) (int64, error)

	// Close closes the storage backend
	Close() error
}

const readingsSchema = `
CREATE TABLE IF NOT EXISTS readings (
	device_uuid TEXT NOT NULL,
	type TEXT NOT NULL,
	value INTEGER NOT NULL,
	date_created INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_readings_device_date ON readings(device_uuid, date_created);
`

// SQLiteStorage implements ReadingStore using SQLite
type SQLiteStorage struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// NewSQLiteStorage creates a new SQLite storage backend
func NewSQLiteStorage(dbPath string) *SQLiteStorage {
	return &SQLiteStorage{
		dbPath: dbPath,
	}
}

// Initialize opens the database and creates the readings table
func (s *SQLiteStorage) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.dbPath), 0755); err != nil {
		return errors.Wrap(err, "failed to create database directory")
	}

	db, err := sql.Open("sqlite3", s.dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return errors.Wrap(err, "failed to open database")
	}
	s.db = db

	if _, err := s.db.ExecContext(ctx, readingsSchema); err != nil {
		return errors.Wrap(err, "failed to create schema")
	}

	pragmas := []string{
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return errors.Wrapf(err, "failed to set pragma %q", pragma)
		}
	}

	return nil
}

// SaveReadings inserts readings in a single transaction
func (s *SQLiteStorage) SaveReadings(ctx context.Context, readings []Reading) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO readings (device_uuid, type, value, date_created) VALUES (?, ?, ?, ?)")
	if err != nil {
		return errors.Wrap(err, "failed to prepare statement")
	}
	defer stmt.Close()

	for _, r := range readings {
		if _, err := stmt.ExecContext(ctx, r.DeviceID, string(r.Type), r.Value, r.DateCreated); err != nil {
			return errors.Wrap(err, "failed to insert reading")
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit transaction")
	}
	return nil
}

// QueryReadings returns matching readings in insertion order
func (s *SQLiteStorage) QueryReadings(ctx context.Context, filter ReadingFilter) ([]Reading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	where, args := filter.whereClause()
	query := "SELECT device_uuid, type, value, date_created FROM readings WHERE " + where + " ORDER BY rowid"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query readings")
	}
	defer rows.Close()

	readings := []Reading{}
	for rows.Next() {
		var r Reading
		var sensorType string
		if err := rows.Scan(&r.DeviceID, &sensorType, &r.Value, &r.DateCreated); err != nil {
			return nil, errors.Wrap(err, "failed to scan reading")
		}
		r.Type = SensorType(sensorType)
		readings = append(readings, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating readings")
	}

	return readings, nil
}

// GetDevices returns all unique device ids
func (s *SQLiteStorage) GetDevices(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT device_uuid FROM readings ORDER BY device_uuid")
	if err != nil {
		return nil, errors.Wrap(err, "failed to query devices")
	}
	defer rows.Close()

	devices := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "failed to scan device")
		}
		devices = append(devices, id)
	}
	return devices, rows.Err()
}

// GetReadingCount returns total reading count
func (s *SQLiteStorage) GetReadingCount(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM readings").Scan(&count)
	return count, errors.Wrap(err, "failed to count readings")
}

// DeleteOldReadings removes readings created before cutoff
func (s *SQLiteStorage) DeleteOldReadings(ctx context.Context, cutoff int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, "DELETE FROM readings WHERE date_created < ?", cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete old readings")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to read deleted row count")
	}
	return affected, nil
}

// Close closes the database connection
func (s *SQLiteStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// JSONStorage implements ReadingStore using one JSON file per device.
// It is mainly an import source for -migrate-json.
type JSONStorage struct {
	baseDir string
	mu      sync.RWMutex
}

// NewJSONStorage creates a new JSON file-based storage backend
func NewJSONStorage(baseDir string) *JSONStorage {
	return &JSONStorage{
		baseDir: baseDir,
	}
}

// Initialize creates the storage directory
func (j *JSONStorage) Initialize(ctx context.Context) error {
	return errors.Wrap(os.MkdirAll(j.baseDir, 0755), "failed to create storage directory")
}

// sanitizeDeviceID maps a device id to a safe file name component.
// Distinct ids can share a file; readings keep their own id so reads still filter correctly.
func sanitizeDeviceID(deviceID string) (string, error) {
	if deviceID == "" {
		return "", newValidationError("device id is empty")
	}
	if len(deviceID) > 128 {
		return "", newValidationError("device id too long: %d characters", len(deviceID))
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, deviceID), nil
}

func (j *JSONStorage) deviceFile(deviceID string) (string, error) {
	name, err := sanitizeDeviceID(deviceID)
	if err != nil {
		return "", err
	}
	return filepath.Join(j.baseDir, "readings_"+name+".json"), nil
}

func readReadingsFile(path string) ([]Reading, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []Reading{}, nil
		}
		return nil, errors.Wrap(err, "failed to read readings file")
	}

	var readings []Reading
	if err := json.Unmarshal(data, &readings); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal readings from %s", path)
	}
	return readings, nil
}

func writeReadingsFile(path string, readings []Reading) error {
	data, err := json.Marshal(readings)
	if err != nil {
		return errors.Wrap(err, "failed to marshal readings")
	}
	return errors.Wrap(os.WriteFile(path, data, 0644), "failed to write readings file")
}

func (j *JSONStorage) files() ([]string, error) {
	files, err := filepath.Glob(filepath.Join(j.baseDir, "readings_*.json"))
	return files, errors.Wrap(err, "failed to list readings files")
}

// SaveReadings appends readings to their device files
func (j *JSONStorage) SaveReadings(ctx context.Context, readings []Reading) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	byFile := make(map[string][]Reading)
	var order []string
	for _, r := range readings {
		path, err := j.deviceFile(r.DeviceID)
		if err != nil {
			return err
		}
		if _, ok := byFile[path]; !ok {
			order = append(order, path)
		}
		byFile[path] = append(byFile[path], r)
	}

	for _, path := range order {
		existing, err := readReadingsFile(path)
		if err != nil {
			return err
		}
		if err := writeReadingsFile(path, append(existing, byFile[path]...)); err != nil {
			return err
		}
	}
	return nil
}

// QueryReadings loads the device file and applies the filter in memory
func (j *JSONStorage) QueryReadings(ctx context.Context, filter ReadingFilter) ([]Reading, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	path, err := j.deviceFile(filter.DeviceID)
	if err != nil {
		return nil, err
	}
	all, err := readReadingsFile(path)
	if err != nil {
		return nil, err
	}

	filtered := []Reading{}
	for _, r := range all {
		if filter.Matches(r) {
			filtered = append(filtered, r)
		}
	}
	return filtered, nil
}

// GetDevices returns the device ids found across all files
func (j *JSONStorage) GetDevices(ctx context.Context) ([]string, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	files, err := j.files()
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	devices := []string{}
	for _, file := range files {
		readings, err := readReadingsFile(file)
		if err != nil {
			return nil, err
		}
		for _, r := range readings {
			if !seen[r.DeviceID] {
				seen[r.DeviceID] = true
				devices = append(devices, r.DeviceID)
			}
		}
	}
	sort.Strings(devices)
	return devices, nil
}

// GetReadingCount returns total count from JSON files
func (j *JSONStorage) GetReadingCount(ctx context.Context) (int64, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	files, err := j.files()
	if err != nil {
		return 0, err
	}

	var total int64
	for _, file := range files {
		readings, err := readReadingsFile(file)
		if err != nil {
			return 0, err
		}
		total += int64(len(readings))
	}
	return total, nil
}

// DeleteOldReadings rewrites each file without readings older than cutoff
func (j *JSONStorage) DeleteOldReadings(ctx context.Context, cutoff int64) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	files, err := j.files()
	if err != nil {
		return 0, err
	}

	var deleted int64
	for _, file := range files {
		readings, err := readReadingsFile(file)
		if err != nil {
			return deleted, err
		}

		kept := make([]Reading, 0, len(readings))
		for _, r := range readings {
			if r.DateCreated >= cutoff {
				kept = append(kept, r)
			}
		}

		if len(kept) != len(readings) {
			if err := writeReadingsFile(file, kept); err != nil {
				return deleted, err
			}
			deleted += int64(len(readings) - len(kept))
		}
	}
	return deleted, nil
}

// Close is a no-op for JSON storage
func (j *JSONStorage) Close() error {
	return nil
}
