package main

import (
	"context"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const clickHouseSchema = `
CREATE TABLE IF NOT EXISTS readings (
	device_uuid String,
	type LowCardinality(String),
	value UInt8,
	date_created Int64
)
ENGINE = MergeTree
ORDER BY (device_uuid, date_created)
`

// ClickHouseStorage implements ReadingStore on a ClickHouse MergeTree table.
// Rows come back ordered by creation time rather than insertion order.
type ClickHouseStorage struct {
	conn    clickhouse.Conn
	options *clickhouse.Options
	logger  *zap.Logger
}

// NewClickHouseStorage creates a ClickHouse storage backend; Initialize connects
func NewClickHouseStorage(options *clickhouse.Options, logger *zap.Logger) *ClickHouseStorage {
	return &ClickHouseStorage{
		options: options,
		logger:  logger.Named("clickhouse"),
	}
}

// Initialize connects to the server and creates the readings table
func (c *ClickHouseStorage) Initialize(ctx context.Context) error {
	conn, err := clickhouse.Open(c.options)
	if err != nil {
		return errors.Wrap(err, "failed to open clickhouse connection")
	}
	c.conn = conn

	v, err := conn.ServerVersion()
	if err != nil {
		return errors.Wrap(err, "failed to read clickhouse server version")
	}
	c.logger.Info("connected to clickhouse server", zap.String("version", v.Version.String()), zap.Uint64("revision", v.Revision))

	if err := conn.Exec(ctx, clickHouseSchema); err != nil {
		return errors.Wrap(err, "failed to create schema")
	}
	return nil
}

// SaveReadings sends readings as one batch insert
func (c *ClickHouseStorage) SaveReadings(ctx context.Context, readings []Reading) error {
	batch, err := c.conn.PrepareBatch(ctx, "INSERT INTO readings")
	if err != nil {
		return errors.Wrap(err, "failed to prepare batch insert")
	}
	for _, r := range readings {
		if err := batch.Append(r.DeviceID, string(r.Type), uint8(r.Value), r.DateCreated); err != nil {
			return errors.Wrap(err, "failed to append reading to batch")
		}
	}
	return errors.Wrap(batch.Send(), "failed to send batch insert")
}

// QueryReadings returns matching readings ordered by creation time
func (c *ClickHouseStorage) QueryReadings(ctx context.Context, filter ReadingFilter) ([]Reading, error) {
	where, args := filter.whereClause()
	rows, err := c.conn.Query(ctx,
		"SELECT device_uuid, type, value, date_created FROM readings WHERE "+where+" ORDER BY date_created", args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query readings")
	}
	defer rows.Close()

	readings := []Reading{}
	for rows.Next() {
		var (
			deviceID, sensorType string
			value                uint8
			created              int64
		)
		if err := rows.Scan(&deviceID, &sensorType, &value, &created); err != nil {
			return nil, errors.Wrap(err, "failed to scan reading")
		}
		readings = append(readings, Reading{
			DeviceID:    deviceID,
			Type:        SensorType(sensorType),
			Value:       int(value),
			DateCreated: created,
		})
	}
	return readings, errors.Wrap(rows.Err(), "error iterating readings")
}

// GetDevices returns all unique device ids
func (c *ClickHouseStorage) GetDevices(ctx context.Context) ([]string, error) {
	rows, err := c.conn.Query(ctx, "SELECT DISTINCT device_uuid FROM readings ORDER BY device_uuid")
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
	return devices, errors.Wrap(rows.Err(), "error iterating devices")
}

// GetReadingCount returns total reading count
func (c *ClickHouseStorage) GetReadingCount(ctx context.Context) (int64, error) {
	var count uint64
	if err := c.conn.QueryRow(ctx, "SELECT count() FROM readings").Scan(&count); err != nil {
		return 0, errors.Wrap(err, "failed to count readings")
	}
	return int64(count), nil
}

// DeleteOldReadings issues a mutation removing readings created before cutoff
func (c *ClickHouseStorage) DeleteOldReadings(ctx context.Context, cutoff int64) (int64, error) {
	var count uint64
	if err := c.conn.QueryRow(ctx, "SELECT count() FROM readings WHERE date_created < ?", cutoff).Scan(&count); err != nil {
		return 0, errors.Wrap(err, "failed to count old readings")
	}
	if count == 0 {
		return 0, nil
	}
	if err := c.conn.Exec(ctx, "ALTER TABLE readings DELETE WHERE date_created < ?", cutoff); err != nil {
		return 0, errors.Wrap(err, "failed to delete old readings")
	}
	return int64(count), nil
}

// Close closes the connection
func (c *ClickHouseStorage) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
