package main

import (
	"context"
	"strings"

	"github.com/pkg/errors"
)

// ReadingFilter selects the readings a query operates on.
// The time range only applies when both Start and End are set; a single
// bound is ignored rather than rejected.
type ReadingFilter struct {
	DeviceID string
	// Empty matches every sensor type
	Type  SensorType
	Start *int64
	End   *int64
}

// HasRange reports whether the inclusive time range predicate applies
func (f ReadingFilter) HasRange() bool {
	return f.Start != nil && f.End != nil
}

// Matches evaluates the filter against a single reading
func (f ReadingFilter) Matches(r Reading) bool {
	if r.DeviceID != f.DeviceID {
		return false
	}
	if f.Type != "" && r.Type != f.Type {
		return false
	}
	if f.HasRange() && (r.DateCreated < *f.Start || r.DateCreated > *f.End) {
		return false
	}
	return true
}

// whereClause builds the SQL predicate for the filter with bound parameters
func (f ReadingFilter) whereClause() (string, []interface{}) {
	where := []string{"device_uuid = ?"}
	args := []interface{}{f.DeviceID}

	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(f.Type))
	}
	if f.HasRange() {
		where = append(where, "date_created BETWEEN ? AND ?")
		args = append(args, *f.Start, *f.End)
	}

	return strings.Join(where, " AND "), args
}

// FilterReadings retrieves the readings matching filter from store.
// No match yields an empty, non-nil slice.
func FilterReadings(ctx context.Context, store ReadingStore, filter ReadingFilter) ([]Reading, error) {
	if filter.DeviceID == "" {
		return nil, newValidationError("device id is required")
	}

	readings, err := store.QueryReadings(ctx, filter)
	if err != nil {
		return nil, errors.Wrapf(err, "filtering readings for device %s", filter.DeviceID)
	}
	if readings == nil {
		readings = []Reading{}
	}
	return readings, nil
}
