package main

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const migrationBatchSize = 1000

// MigrateReadings copies every reading in src into dst, device by device
func MigrateReadings(ctx context.Context, src, dst ReadingStore, logger *zap.Logger) (int, error) {
	devices, err := src.GetDevices(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "failed to get devices")
	}

	logger.Info("found devices to migrate", zap.Int("devices", len(devices)))

	total := 0
	for i, device := range devices {
		readings, err := src.QueryReadings(ctx, ReadingFilter{DeviceID: device})
		if err != nil {
			logger.Warn("failed to load readings", zap.String("device", device), zap.Error(err))
			continue
		}
		if len(readings) == 0 {
			continue
		}

		for start := 0; start < len(readings); start += migrationBatchSize {
			end := start + migrationBatchSize
			if end > len(readings) {
				end = len(readings)
			}
			if err := dst.SaveReadings(ctx, readings[start:end]); err != nil {
				return total, errors.Wrapf(err, "failed to save readings for device %s", device)
			}
			total += end - start
		}
		logger.Info("migrated device",
			zap.Int("index", i+1),
			zap.Int("of", len(devices)),
			zap.String("device", device),
			zap.Int("readings", len(readings)))
	}

	return total, nil
}

// VerifyMigration checks that dst holds at least as many readings as src for every device
func VerifyMigration(ctx context.Context, src, dst ReadingStore) error {
	devices, err := src.GetDevices(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to get source devices")
	}

	for _, device := range devices {
		filter := ReadingFilter{DeviceID: device}
		want, err := src.QueryReadings(ctx, filter)
		if err != nil {
			return errors.Wrapf(err, "failed to load source readings for %s", device)
		}
		got, err := dst.QueryReadings(ctx, filter)
		if err != nil {
			return errors.Wrapf(err, "failed to load migrated readings for %s", device)
		}
		if len(got) < len(want) {
			return errors.Errorf("reading count mismatch for %s: source=%d, destination=%d", device, len(want), len(got))
		}
	}
	return nil
}

// RunMigration imports the JSON store at jsonDir into dst, optionally verifying the result
func RunMigration(ctx context.Context, jsonDir string, dst ReadingStore, verify bool, logger *zap.Logger) error {
	logger = logger.Named("migrate")
	logger.Info("starting migration", zap.String("from", jsonDir))

	src := NewJSONStorage(jsonDir)
	if err := src.Initialize(ctx); err != nil {
		return errors.Wrap(err, "failed to initialize JSON storage")
	}
	defer src.Close()

	total, err := MigrateReadings(ctx, src, dst, logger)
	if err != nil {
		return err
	}

	if verify {
		if err := VerifyMigration(ctx, src, dst); err != nil {
			return errors.Wrap(err, "migration verification failed")
		}
	}

	logger.Info("migration complete", zap.Int("readings", total))
	return nil
}
