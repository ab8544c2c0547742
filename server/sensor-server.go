package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"
)

const version = "1.0.0"

// Reading represents a single sensor observation for a device
type Reading struct {
	DeviceID    string     `json:"device_uuid"`
	Type        SensorType `json:"type"`
	Value       int        `json:"value"`
	DateCreated int64      `json:"date_created"`
}

// SensorType is the kind of sensor a reading came from
type SensorType string

const (
	SensorTemperature SensorType = "temperature"
	SensorHumidity    SensorType = "humidity"
)

// Valid reports whether t is a supported sensor type
func (t SensorType) Valid() bool {
	return t == SensorTemperature || t == SensorHumidity
}

// Inclusive bounds for a reading value
const (
	minReadingValue = 0
	maxReadingValue = 100
)

var (
	// ErrNotFound is returned by aggregators given an empty reading set
	ErrNotFound = errors.New("not found")
	// ErrInsufficientData is returned when a reading set is too small for the statistic
	ErrInsufficientData = errors.New("insufficient data")
)

// ValidationError reports a bad or missing caller-supplied parameter
type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string {
	return e.msg
}

func newValidationError(format string, args ...interface{}) error {
	return &ValidationError{msg: fmt.Sprintf(format, args...)}
}

// Config represents server configuration, loaded from SENSOR_* environment
// variables and then overridden by command-line flags
type Config struct {
	Port    int    `default:"5000"`
	Store   string `default:"sqlite"`
	DBPath  string `split_words:"true" default:"database.db"`
	JSONDir string `envconfig:"JSON_DIR" default:"./data"`

	ClickHouseAddresses []string `split_words:"true" default:"127.0.0.1:9000"`
	ClickHouseDatabase  string   `split_words:"true" default:"sensors"`
	ClickHouseUsername  string   `split_words:"true" default:"default"`
	ClickHousePassword  string   `split_words:"true"`

	MQTTBroker      string `envconfig:"MQTT_BROKER"`
	MQTTTopicPrefix string `envconfig:"MQTT_TOPIC_PREFIX" default:"devices"`
	MQTTClientID    string `envconfig:"MQTT_CLIENT_ID" default:"sensor-server"`

	// Zero disables retention
	RetentionPeriod time.Duration `split_words:"true" default:"0s"`
	// Requests per second per client IP; zero disables rate limiting
	RateLimit float64 `split_words:"true" default:"10"`
	RateBurst int     `split_words:"true" default:"20"`

	LogLevel        string        `split_words:"true" default:"info"`
	ReadTimeout     time.Duration `split_words:"true" default:"10s"`
	WriteTimeout    time.Duration `split_words:"true" default:"10s"`
	ShutdownTimeout time.Duration `split_words:"true" default:"10s"`
}

// Server holds the dependencies shared by the HTTP handlers
type Server struct {
	store     ReadingStore
	config    *Config
	logger    *zap.Logger
	limiter   *RateLimiter
	startTime time.Time
	// now is swapped out in tests
	now func() time.Time
}

// NewServer creates a new sensor server backed by store
func NewServer(config *Config, store ReadingStore, logger *zap.Logger) *Server {
	s := &Server{
		store:     store,
		config:    config,
		logger:    logger.Named("server"),
		startTime: time.Now(),
		now:       time.Now,
	}
	if config.RateLimit > 0 {
		s.limiter = NewRateLimiter(rate.Limit(config.RateLimit), config.RateBurst)
	}
	return s
}

// addReading persists a single validated reading
func (s *Server) addReading(ctx context.Context, reading Reading) error {
	if err := s.store.SaveReadings(ctx, []Reading{reading}); err != nil {
		return errors.Wrapf(err, "saving reading for device %s", reading.DeviceID)
	}
	return nil
}

// runMaintenance periodically expires idle rate limiters and enforces retention
func (s *Server) runMaintenance(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.limiter != nil {
				if n := s.limiter.Cleanup(10 * time.Minute); n > 0 {
					s.logger.Debug("expired idle rate limiters", zap.Int("count", n))
				}
			}
			if err := s.enforceRetention(ctx); err != nil {
				s.logger.Error("retention failed", zap.Error(err))
			}
		}
	}
}

// enforceRetention deletes readings older than the configured retention period
func (s *Server) enforceRetention(ctx context.Context) error {
	if s.config.RetentionPeriod <= 0 {
		return nil
	}
	cutoff := s.now().Add(-s.config.RetentionPeriod).Unix()
	deleted, err := s.store.DeleteOldReadings(ctx, cutoff)
	if err != nil {
		return errors.Wrap(err, "deleting old readings")
	}
	if deleted > 0 {
		s.logger.Info("deleted old readings", zap.Int64("count", deleted), zap.Int64("cutoff", cutoff))
	}
	return nil
}

// openStore builds the storage backend selected by config
func openStore(config *Config, logger *zap.Logger) (ReadingStore, error) {
	switch config.Store {
	case "sqlite":
		return NewSQLiteStorage(config.DBPath), nil
	case "json":
		return NewJSONStorage(config.JSONDir), nil
	case "clickhouse":
		return NewClickHouseStorage(&clickhouse.Options{
			Addr: config.ClickHouseAddresses,
			Auth: clickhouse.Auth{
				Database: config.ClickHouseDatabase,
				Username: config.ClickHouseUsername,
				Password: config.ClickHousePassword,
			},
		}, logger), nil
	default:
		return nil, errors.Errorf("unknown store %q", config.Store)
	}
}

func newLogger(level string) (*zap.Logger, error) {
	logConf := zap.NewProductionConfig()
	logConf.EncoderConfig.EncodeTime = zapcore.RFC3339TimeEncoder
	logConf.DisableCaller = true
	if err := logConf.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, errors.Wrapf(err, "parsing log level %q", level)
	}
	return logConf.Build()
}

func main() {
	var config Config
	if err := envconfig.Process("SENSOR", &config); err != nil {
		log.Fatalf("unable to build configuration: %v", err)
	}

	// Command-line flags take precedence over the environment
	flag.IntVar(&config.Port, "port", config.Port, "server port")
	flag.StringVar(&config.Store, "store", config.Store, "storage backend (sqlite, json, clickhouse)")
	flag.StringVar(&config.DBPath, "db", config.DBPath, "SQLite database path")
	flag.StringVar(&config.JSONDir, "json-dir", config.JSONDir, "JSON storage directory")
	flag.StringVar(&config.LogLevel, "log-level", config.LogLevel, "log level")
	migrateJSON := flag.String("migrate-json", "", "import readings from this JSON storage directory and exit")
	verify := flag.Bool("verify", true, "verify the import when -migrate-json is set")
	flag.Parse()

	logger, err := newLogger(config.LogLevel)
	if err != nil {
		log.Fatalf("error building zap logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(&config, logger)
	if err != nil {
		logger.Fatal("unable to build store", zap.Error(err))
	}
	if err := store.Initialize(ctx); err != nil {
		logger.Fatal("unable to initialize store", zap.String("store", config.Store), zap.Error(err))
	}
	defer store.Close()

	if *migrateJSON != "" {
		if err := RunMigration(ctx, *migrateJSON, store, *verify, logger); err != nil {
			logger.Fatal("migration failed", zap.Error(err))
		}
		return
	}

	server := NewServer(&config, store, logger)
	go server.runMaintenance(ctx, time.Minute)

	if config.MQTTBroker != "" {
		ingestor := NewMQTTIngestor(&config, server, logger)
		if err := ingestor.Start(); err != nil {
			logger.Fatal("unable to connect to mqtt broker", zap.String("broker", config.MQTTBroker), zap.Error(err))
		}
		defer ingestor.Stop()
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", config.Port),
		Handler:      server.routes(),
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}

	go func() {
		logger.Info("starting sensor server",
			zap.Int("port", config.Port),
			zap.String("store", config.Store),
			zap.String("version", version))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
		return
	}
	logger.Info("server shutdown complete")
}
