package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testDevice = "test_device"

var testNow = time.Unix(1700000000, 0)

// createTestServer creates a server over a temporary SQLite store holding three
// temperature readings (22, 50, 100) for test_device and one for other_uuid
func createTestServer(t *testing.T) (*Server, ReadingStore) {
	t.Helper()

	store := newTestSQLiteStorage(t)
	now := testNow.Unix()
	require.NoError(t, store.SaveReadings(context.Background(), []Reading{
		{DeviceID: testDevice, Type: SensorTemperature, Value: 22, DateCreated: now - 100},
		{DeviceID: testDevice, Type: SensorTemperature, Value: 50, DateCreated: now - 50},
		{DeviceID: testDevice, Type: SensorTemperature, Value: 100, DateCreated: now},
		{DeviceID: "other_uuid", Type: SensorTemperature, Value: 22, DateCreated: now},
	}))

	return newServerWithStore(store), store
}

func newServerWithStore(store ReadingStore) *Server {
	config := &Config{Port: 5000}
	server := NewServer(config, store, zap.NewNop())
	server.now = func() time.Time { return testNow }
	return server
}

// doRequest sends a request through the full router
func doRequest(t *testing.T, handler http.Handler, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(w.Body).Decode(v), "body: %s", w.Body.String())
}

func readingsPath(device, suffix, query string) string {
	path := fmt.Sprintf("/devices/%s/readings/%s", device, suffix)
	if query != "" {
		path += "?" + query
	}
	return path
}

func TestHandleReadingsPOST(t *testing.T) {
	tests := []struct {
		name           string
		body           string
		expectedStatus int
		expectedBody   string
	}{
		{"valid reading", `{"type": "temperature", "value": 100}`, http.StatusCreated, "success"},
		{"with date", `{"type": "humidity", "value": 0, "date_created": 1600000000}`, http.StatusCreated, "success"},
		{"numeric string value", `{"type": "humidity", "value": "55"}`, http.StatusCreated, "success"},
		{"value too high", `{"type": "temperature", "value": 150}`, http.StatusBadRequest, "value 150 not supported"},
		{"value too low", `{"type": "temperature", "value": -1}`, http.StatusBadRequest, "value -1 not supported"},
		{"fractional value", `{"type": "temperature", "value": 20.5}`, http.StatusBadRequest, "value 20.5 not supported"},
		{"unsupported type", `{"type": "pressure", "value": 10}`, http.StatusBadRequest, "type pressure not supported"},
		{"missing type", `{"value": 10}`, http.StatusBadRequest, "not supported"},
		{"missing value", `{"type": "temperature"}`, http.StatusBadRequest, "value is required"},
		{"invalid json", `{"type": `, http.StatusBadRequest, "invalid request body"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, _ := createTestServer(t)
			w := doRequest(t, server.routes(), http.MethodPost, readingsPath(testDevice, "", ""), []byte(tt.body))

			assert.Equal(t, tt.expectedStatus, w.Code)
			assert.Contains(t, w.Body.String(), tt.expectedBody)
		})
	}
}

// TestHandleReadingsPOSTStores checks a posted reading is persisted with a default timestamp
func TestHandleReadingsPOSTStores(t *testing.T) {
	server, store := createTestServer(t)

	w := doRequest(t, server.routes(), http.MethodPost, readingsPath(testDevice, "", ""),
		[]byte(`{"type": "temperature", "value": 100}`))
	require.Equal(t, http.StatusCreated, w.Code)

	readings, err := store.QueryReadings(context.Background(), ReadingFilter{DeviceID: testDevice})
	require.NoError(t, err)
	require.Len(t, readings, 4)
	assert.Equal(t, Reading{
		DeviceID:    testDevice,
		Type:        SensorTemperature,
		Value:       100,
		DateCreated: testNow.Unix(),
	}, readings[3])
}

func TestHandleReadingsGET(t *testing.T) {
	now := testNow.Unix()
	tests := []struct {
		name          string
		query         string
		expectedCount int
	}{
		{"all readings", "", 3},
		{"temperature only", "type=temperature", 3},
		{"humidity only", "type=humidity", 0},
		{"date range", fmt.Sprintf("start=%d&end=%d", now-60, now), 2},
		{"fractional date range", fmt.Sprintf("start=%d.4&end=%d.9", now-61, now), 2},
		{"start only ignored", fmt.Sprintf("start=%d", now+1000), 3},
		{"end only ignored", fmt.Sprintf("end=%d", now-1000), 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, _ := createTestServer(t)
			w := doRequest(t, server.routes(), http.MethodGet, readingsPath(testDevice, "", tt.query), nil)

			require.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

			var readings []Reading
			decodeBody(t, w, &readings)
			assert.Len(t, readings, tt.expectedCount)
			for _, r := range readings {
				assert.Equal(t, testDevice, r.DeviceID)
			}
		})
	}
}

func TestHandleReadingsGETJSONShape(t *testing.T) {
	server, _ := createTestServer(t)
	w := doRequest(t, server.routes(), http.MethodGet, readingsPath("other_uuid", "", ""), nil)
	require.Equal(t, http.StatusOK, w.Code)

	expected := fmt.Sprintf(`[{"device_uuid": "other_uuid", "type": "temperature", "value": 22, "date_created": %d}]`, testNow.Unix())
	assert.JSONEq(t, expected, w.Body.String())
}

func TestHandleReadingsGETUnknownDevice(t *testing.T) {
	server, _ := createTestServer(t)
	w := doRequest(t, server.routes(), http.MethodGet, readingsPath("nobody", "", ""), nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestHandleReadingsGETInvalidParams(t *testing.T) {
	tests := []struct {
		name  string
		query string
	}{
		{"unsupported type", "type=pressure"},
		{"bad start", "start=yesterday&end=10"},
		{"bad end", "start=10&end=NaN"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, _ := createTestServer(t)
			w := doRequest(t, server.routes(), http.MethodGet, readingsPath(testDevice, "", tt.query), nil)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestHandleAggregates(t *testing.T) {
	now := testNow.Unix()
	tests := []struct {
		name         string
		stat         string
		query        string
		expectedJSON string
	}{
		{"min", "min", "type=temperature",
			fmt.Sprintf(`{"device_uuid": "test_device", "type": "temperature", "value": 22, "date_created": %d}`, now-100)},
		{"max", "max", "type=temperature",
			fmt.Sprintf(`{"device_uuid": "test_device", "type": "temperature", "value": 100, "date_created": %d}`, now)},
		{"median", "median", "type=temperature",
			fmt.Sprintf(`{"device_uuid": "test_device", "type": "temperature", "value": 50, "date_created": %d}`, now-50)},
		{"mean", "mean", "type=temperature", `{"value": 57.3333}`},
		{"mode", "mode", "type=temperature", `{"value": [22, 50, 100]}`},
		{"quartiles", "quartiles", fmt.Sprintf("type=temperature&start=%d&end=%d", now-200, now),
			`{"quartile_1": 22, "quartile_3": 100}`},
		{"min with range", "min", fmt.Sprintf("type=temperature&start=%d&end=%d", now-20, now),
			fmt.Sprintf(`{"device_uuid": "test_device", "type": "temperature", "value": 100, "date_created": %d}`, now)},
		{"max with range", "max", fmt.Sprintf("type=temperature&start=%d&end=%d", now-150, now-40),
			fmt.Sprintf(`{"device_uuid": "test_device", "type": "temperature", "value": 50, "date_created": %d}`, now-50)},
		{"median with one-sided range", "median", fmt.Sprintf("type=temperature&end=%d", now-1000),
			fmt.Sprintf(`{"device_uuid": "test_device", "type": "temperature", "value": 50, "date_created": %d}`, now-50)},
		{"median even count", "median", fmt.Sprintf("type=temperature&start=%d&end=%d", now-60, now),
			fmt.Sprintf(`{"device_uuid": "test_device", "type": "temperature", "value": 50, "date_created": %d}`, now-50)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, _ := createTestServer(t)
			w := doRequest(t, server.routes(), http.MethodGet, readingsPath(testDevice, tt.stat+"/", tt.query), nil)

			require.Equal(t, http.StatusOK, w.Code, w.Body.String())
			assert.JSONEq(t, tt.expectedJSON, w.Body.String())
		})
	}
}

func TestHandleAggregatesSingleMode(t *testing.T) {
	server, store := createTestServer(t)
	require.NoError(t, store.SaveReadings(context.Background(), []Reading{
		{DeviceID: testDevice, Type: SensorTemperature, Value: 50, DateCreated: testNow.Unix()},
	}))

	w := doRequest(t, server.routes(), http.MethodGet, readingsPath(testDevice, "mode/", "type=temperature"), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"value": 50}`, w.Body.String())
}

func TestHandleAggregatesMissingType(t *testing.T) {
	for _, stat := range []string{"min", "max", "median", "mean", "mode", "quartiles"} {
		t.Run(stat, func(t *testing.T) {
			server, _ := createTestServer(t)
			w := doRequest(t, server.routes(), http.MethodGet, readingsPath(testDevice, stat+"/", "start=1&end=2"), nil)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, w.Body.String(), "type is a required query parameter")
		})
	}
}

func TestHandleQuartilesRequiresRange(t *testing.T) {
	for _, query := range []string{"type=temperature", "type=temperature&start=1", "type=temperature&end=1"} {
		t.Run(query, func(t *testing.T) {
			server, _ := createTestServer(t)
			w := doRequest(t, server.routes(), http.MethodGet, readingsPath(testDevice, "quartiles/", query), nil)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, w.Body.String(), "start/end are required query parameters")
		})
	}
}

// TestHandleAggregatesEmpty checks every statistic answers 404 for an empty reading set
func TestHandleAggregatesEmpty(t *testing.T) {
	tests := []struct {
		stat    string
		message string
	}{
		{"min", "minimum not found"},
		{"max", "maximum not found"},
		{"median", "median not found"},
		{"mean", "mean not found"},
		{"mode", "no mode found"},
		{"quartiles", "quartiles not found"},
	}

	for _, tt := range tests {
		t.Run(tt.stat, func(t *testing.T) {
			server, _ := createTestServer(t)
			w := doRequest(t, server.routes(), http.MethodGet,
				readingsPath(testDevice, tt.stat+"/", "type=humidity&start=0&end=1"), nil)

			assert.Equal(t, http.StatusNotFound, w.Code)
			assert.Contains(t, w.Body.String(), tt.message)
		})
	}
}

func TestHandleQuartilesSingleReading(t *testing.T) {
	server, _ := createTestServer(t)
	now := testNow.Unix()
	w := doRequest(t, server.routes(), http.MethodGet,
		readingsPath(testDevice, "quartiles/", fmt.Sprintf("type=temperature&start=%d&end=%d", now-10, now)), nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "insufficient data")
}

func TestHandleStoreFailure(t *testing.T) {
	store := &fakeStore{err: errors.New("database is locked")}
	server := newServerWithStore(store)

	paths := []string{
		readingsPath(testDevice, "", ""),
		readingsPath(testDevice, "mean/", "type=temperature"),
		"/devices",
	}
	for _, path := range paths {
		w := doRequest(t, server.routes(), http.MethodGet, path, nil)
		assert.Equal(t, http.StatusInternalServerError, w.Code, path)
		assert.NotContains(t, w.Body.String(), "database is locked")
	}

	w := doRequest(t, server.routes(), http.MethodPost, readingsPath(testDevice, "", ""),
		[]byte(`{"type": "humidity", "value": 40}`))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestHandleMethodNotAllowed(t *testing.T) {
	server, _ := createTestServer(t)

	w := doRequest(t, server.routes(), http.MethodPost, readingsPath(testDevice, "min/", "type=temperature"), nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)

	w = doRequest(t, server.routes(), http.MethodDelete, readingsPath(testDevice, "", ""), nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

// TestMethodNotAllowedEveryReadingsRoute checks each readings route reports 405 for a wrong method
func TestMethodNotAllowedEveryReadingsRoute(t *testing.T) {
	server, _ := createTestServer(t)
	handler := server.routes()

	for _, stat := range []string{"min", "max", "median", "mean", "mode", "quartiles"} {
		for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodDelete} {
			w := doRequest(t, handler, method, readingsPath(testDevice, stat+"/", "type=temperature"), nil)
			assert.Equal(t, http.StatusMethodNotAllowed, w.Code, "%s %s", method, stat)
		}
	}

	w := doRequest(t, handler, http.MethodPut, readingsPath(testDevice, "", ""), nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

// TestJSONStoreRejectsLongDeviceID checks an id the JSON store cannot name a file for is a 400
func TestJSONStoreRejectsLongDeviceID(t *testing.T) {
	server := newServerWithStore(newTestJSONStorage(t))
	handler := server.routes()
	longID := strings.Repeat("d", 129)

	w := doRequest(t, handler, http.MethodPost, readingsPath(longID, "", ""),
		[]byte(`{"type": "temperature", "value": 20}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "device id too long")

	w = doRequest(t, handler, http.MethodGet, readingsPath(longID, "", ""), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(t, handler, http.MethodGet, readingsPath(longID, "mean/", "type=temperature"), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleDevices(t *testing.T) {
	server, _ := createTestServer(t)
	w := doRequest(t, server.routes(), http.MethodGet, "/devices", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var devices []string
	decodeBody(t, w, &devices)
	assert.Equal(t, []string{"other_uuid", testDevice}, devices)
}

func TestHandleHealthCheck(t *testing.T) {
	server, _ := createTestServer(t)
	w := doRequest(t, server.routes(), http.MethodGet, "/health", nil)

	require.Equal(t, http.StatusOK, w.Code)

	var health HealthStatus
	decodeBody(t, w, &health)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, version, health.Version)
	assert.NotZero(t, health.Goroutines)
	assert.Equal(t, "ok", health.Checks["store"].Status)
	assert.Equal(t, "4 readings", health.Checks["store"].Message)
}

func TestHandleHealthCheckStoreDown(t *testing.T) {
	server := newServerWithStore(&fakeStore{err: errors.New("closed")})
	w := doRequest(t, server.routes(), http.MethodGet, "/health", nil)

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	var health HealthStatus
	decodeBody(t, w, &health)
	assert.Equal(t, "unhealthy", health.Status)
	assert.Equal(t, "fail", health.Checks["store"].Status)
}

func TestRequestIDHeader(t *testing.T) {
	server, _ := createTestServer(t)

	w := doRequest(t, server.routes(), http.MethodGet, "/devices", nil)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/devices", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec := httptest.NewRecorder()
	server.routes().ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))
}

func TestSecurityHeaders(t *testing.T) {
	server, _ := createTestServer(t)
	w := doRequest(t, server.routes(), http.MethodGet, "/devices", nil)

	headers := map[string]string{
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"X-XSS-Protection":        "1; mode=block",
		"Content-Security-Policy": "default-src 'none'",
		"Referrer-Policy":         "strict-origin-when-cross-origin",
	}
	for header, expected := range headers {
		assert.Equal(t, expected, w.Header().Get(header), header)
	}
	assert.NotEmpty(t, w.Header().Get("Permissions-Policy"))
}

func TestRateLimitMiddleware(t *testing.T) {
	store := newTestSQLiteStorage(t)
	config := &Config{RateLimit: 1, RateBurst: 2}
	server := NewServer(config, store, zap.NewNop())
	handler := server.routes()

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/devices", nil)
		req.RemoteAddr = "192.0.2.99:1234"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	// a different client has its own budget
	req := httptest.NewRequest(http.MethodGet, "/devices", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	req.Header.Set("X-Forwarded-For", "192.0.2.100, 10.0.0.1")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestParseReading(t *testing.T) {
	reading, err := parseReading("dev", []byte(`{"type": "humidity", "value": 7, "date_created": 42}`), testNow)
	require.NoError(t, err)
	assert.Equal(t, Reading{DeviceID: "dev", Type: SensorHumidity, Value: 7, DateCreated: 42}, reading)

	_, err = parseReading("", []byte(`{"type": "humidity", "value": 7}`), testNow)
	assert.True(t, isValidationError(err))
}

func TestParseEpochBound(t *testing.T) {
	tests := []struct {
		raw       string
		roundUp   bool
		want      int64
		wantError bool
	}{
		{"100", true, 100, false},
		{"100.2", true, 101, false},
		{"100.8", false, 100, false},
		{"-5", false, -5, false},
		{"1e30", true, 0, true},
		{"Inf", false, 0, true},
		{"abc", true, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := parseEpochBound("start", tt.raw, tt.roundUp)
			if tt.wantError {
				assert.True(t, isValidationError(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
