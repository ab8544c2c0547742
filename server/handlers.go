package main

import (
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	// Largest accepted POST body
	maxBodyBytes = 1 << 16
	// Query bounds beyond this are rejected rather than overflowing int64
	maxEpochBound = 1 << 62
)

// routes builds the HTTP handler for the server
func (s *Server) routes() http.Handler {
	r := mux.NewRouter().StrictSlash(true)

	r.HandleFunc("/health", s.handleHealthCheck).Methods(http.MethodGet)
	r.HandleFunc("/devices", s.handleDevices).Methods(http.MethodGet)

	// Registered flat on r so a wrong method still reports 405
	const readings = "/devices/{id}/readings/"
	r.HandleFunc(readings, s.handleReadingsPOST).Methods(http.MethodPost)
	r.HandleFunc(readings, s.handleReadingsGET).Methods(http.MethodGet)
	r.HandleFunc(readings+"min/", s.handleAggregate("minimum not found", false,
		func(rs []Reading) (interface{}, error) { return MinReading(rs) })).Methods(http.MethodGet)
	r.HandleFunc(readings+"max/", s.handleAggregate("maximum not found", false,
		func(rs []Reading) (interface{}, error) { return MaxReading(rs) })).Methods(http.MethodGet)
	r.HandleFunc(readings+"median/", s.handleAggregate("median not found", false,
		func(rs []Reading) (interface{}, error) { return MedianReading(rs) })).Methods(http.MethodGet)
	r.HandleFunc(readings+"mean/", s.handleAggregate("mean not found", false,
		func(rs []Reading) (interface{}, error) {
			mean, err := Mean(rs)
			return MeanResult{Value: mean}, err
		})).Methods(http.MethodGet)
	r.HandleFunc(readings+"mode/", s.handleAggregate("no mode found", false,
		func(rs []Reading) (interface{}, error) { return Mode(rs) })).Methods(http.MethodGet)
	r.HandleFunc(readings+"quartiles/", s.handleAggregate("quartiles not found", true,
		func(rs []Reading) (interface{}, error) { return Quartiles(rs) })).Methods(http.MethodGet)

	r.Use(s.requestLogMiddleware, s.securityHeadersMiddleware, s.rateLimitMiddleware)

	recovery := handlers.RecoveryHandler(
		handlers.RecoveryLogger(zap.NewStdLog(s.logger)),
		handlers.PrintRecoveryStack(true),
	)
	return recovery(handlers.CompressHandler(r))
}

// readingPayload is the body accepted when recording a reading
type readingPayload struct {
	Type        *string      `json:"type"`
	Value       *json.Number `json:"value"`
	DateCreated *int64       `json:"date_created"`
}

// parseReading validates a reading body for deviceID; date_created defaults to now
func parseReading(deviceID string, body []byte, now time.Time) (Reading, error) {
	if deviceID == "" {
		return Reading{}, newValidationError("device id is required")
	}

	var payload readingPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return Reading{}, newValidationError("invalid request body")
	}

	var sensorType SensorType
	if payload.Type != nil {
		sensorType = SensorType(*payload.Type)
	}
	if !sensorType.Valid() {
		return Reading{}, newValidationError("type %s not supported", sensorType)
	}

	if payload.Value == nil {
		return Reading{}, newValidationError("value is required")
	}
	value, err := payload.Value.Int64()
	if err != nil || value < minReadingValue || value > maxReadingValue {
		return Reading{}, newValidationError("value %s not supported", payload.Value.String())
	}

	created := now.Unix()
	if payload.DateCreated != nil {
		created = *payload.DateCreated
	}

	return Reading{
		DeviceID:    deviceID,
		Type:        sensorType,
		Value:       int(value),
		DateCreated: created,
	}, nil
}

// parseFilter builds the reading filter from the request path and query string
func (s *Server) parseFilter(r *http.Request, requireType, requireRange bool) (ReadingFilter, error) {
	q := r.URL.Query()
	filter := ReadingFilter{DeviceID: mux.Vars(r)["id"]}

	// An unknown type is rejected even on the plain listing, where it would
	// otherwise just match nothing
	if q.Has("type") {
		filter.Type = SensorType(q.Get("type"))
		if !filter.Type.Valid() {
			return filter, newValidationError("type %s not supported", filter.Type)
		}
	} else if requireType {
		return filter, newValidationError("type is a required query parameter")
	}

	if requireRange && (!q.Has("start") || !q.Has("end")) {
		return filter, newValidationError("start/end are required query parameters")
	}

	for _, bound := range []struct {
		name    string
		dst     **int64
		roundUp bool
	}{{"start", &filter.Start, true}, {"end", &filter.End, false}} {
		if !q.Has(bound.name) {
			continue
		}
		v, err := parseEpochBound(bound.name, q.Get(bound.name), bound.roundUp)
		if err != nil {
			return filter, err
		}
		*bound.dst = &v
	}

	if (filter.Start == nil) != (filter.End == nil) {
		s.logger.Debug("ignoring one-sided time range",
			zap.String("device", filter.DeviceID),
			zap.String("query", r.URL.RawQuery))
	}

	return filter, nil
}

// parseEpochBound parses an epoch-seconds bound that may carry a fraction.
// Fractions round inwards (start up, end down) since readings hold whole seconds.
func parseEpochBound(name, raw string, roundUp bool) (int64, error) {
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(f) || math.Abs(f) > maxEpochBound {
		return 0, newValidationError("%s %s is not a valid epoch time", name, raw)
	}
	if roundUp {
		return int64(math.Ceil(f)), nil
	}
	return int64(math.Floor(f)), nil
}

func (s *Server) handleReadingsPOST(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	reading, err := parseReading(mux.Vars(r)["id"], body, s.now())
	if err != nil {
		s.respondError(w, r, err, "")
		return
	}

	if err := s.addReading(r.Context(), reading); err != nil {
		s.respondError(w, r, err, "")
		return
	}

	w.WriteHeader(http.StatusCreated)
	w.Write([]byte("success"))
}

func (s *Server) handleReadingsGET(w http.ResponseWriter, r *http.Request) {
	filter, err := s.parseFilter(r, false, false)
	if err != nil {
		s.respondError(w, r, err, "")
		return
	}

	readings, err := FilterReadings(r.Context(), s.store, filter)
	if err != nil {
		s.respondError(w, r, err, "")
		return
	}
	respondJSON(w, readings)
}

// handleAggregate serves one statistic over the filtered readings.
// The type parameter is always mandatory; requireRange also makes start/end mandatory.
func (s *Server) handleAggregate(notFound string, requireRange bool, compute func([]Reading) (interface{}, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter, err := s.parseFilter(r, true, requireRange)
		if err != nil {
			s.respondError(w, r, err, notFound)
			return
		}

		readings, err := FilterReadings(r.Context(), s.store, filter)
		if err != nil {
			s.respondError(w, r, err, notFound)
			return
		}

		result, err := compute(readings)
		if err != nil {
			s.respondError(w, r, err, notFound)
			return
		}
		respondJSON(w, result)
	}
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.store.GetDevices(r.Context())
	if err != nil {
		s.respondError(w, r, err, "")
		return
	}
	respondJSON(w, devices)
}

// HealthCheck is the result of a single dependency check
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthStatus is the response body of the health endpoint
type HealthStatus struct {
	Status     string                 `json:"status"`
	Version    string                 `json:"version"`
	Uptime     string                 `json:"uptime"`
	Goroutines int                    `json:"goroutines"`
	Checks     map[string]HealthCheck `json:"checks"`
}

// handleHealthCheck reports server health, including whether the store answers
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	health := HealthStatus{
		Status:     "healthy",
		Version:    version,
		Uptime:     time.Since(s.startTime).Round(time.Second).String(),
		Goroutines: runtime.NumGoroutine(),
		Checks:     make(map[string]HealthCheck),
	}

	if count, err := s.store.GetReadingCount(ctx); err != nil {
		health.Status = "unhealthy"
		health.Checks["store"] = HealthCheck{Status: "fail", Message: err.Error()}
	} else {
		health.Checks["store"] = HealthCheck{Status: "ok", Message: strconv.FormatInt(count, 10) + " readings"}
	}

	status := http.StatusOK
	if health.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	respondJSONWithStatus(w, status, health)
}

// respondError maps err to a status code: validation → 400, empty input → 404, anything else → 500
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error, notFound string) {
	switch cause := errors.Cause(err); {
	case isValidationError(cause):
		http.Error(w, cause.Error(), http.StatusBadRequest)
	case cause == ErrNotFound:
		http.Error(w, notFound, http.StatusNotFound)
	case cause == ErrInsufficientData:
		http.Error(w, notFound+": "+err.Error(), http.StatusNotFound)
	default:
		s.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}

func isValidationError(err error) bool {
	_, ok := err.(*ValidationError)
	return ok
}

// respondJSON writes data as a 200 JSON response
func respondJSON(w http.ResponseWriter, data interface{}) {
	respondJSONWithStatus(w, http.StatusOK, data)
}

func respondJSONWithStatus(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// statusRecorder captures the status code written by a handler
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

// requestLogMiddleware tags each request with an id and logs its outcome
func (s *Server) requestLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		s.logger.Info("request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)))
	})
}

// securityHeadersMiddleware sets defensive response headers
func (s *Server) securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Content-Security-Policy", "default-src 'none'")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Permissions-Policy", "geolocation=(), microphone=(), camera=()")
		next.ServeHTTP(w, r)
	})
}

// rateLimitMiddleware rejects clients exceeding their request budget
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.GetLimiter(clientIP(r)).Allow() {
			s.logger.Warn("rate limit exceeded", zap.String("client", clientIP(r)))
			http.Error(w, "Too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
