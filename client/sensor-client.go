package main

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Largest response body the client will read
const maxResponseBytes = 10 << 20

// Client talks to the sensor server's readings API
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the server at baseURL using httpClient,
// or a default client with the given timeout when httpClient is nil
func NewClient(baseURL string, httpClient *http.Client, timeout time.Duration) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// ReadingPayload is the body posted to record a reading
type ReadingPayload struct {
	Type        string `json:"type"`
	Value       int    `json:"value"`
	DateCreated *int64 `json:"date_created,omitempty"`
}

// QueryParams narrows a readings or statistics query
type QueryParams struct {
	Type  string
	Start *int64
	End   *int64
}

func (p QueryParams) encode() string {
	q := url.Values{}
	if p.Type != "" {
		q.Set("type", p.Type)
	}
	if p.Start != nil {
		q.Set("start", strconv.FormatInt(*p.Start, 10))
	}
	if p.End != nil {
		q.Set("end", strconv.FormatInt(*p.End, 10))
	}
	return q.Encode()
}

// StatusError is returned for any non-2xx response
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server responded with status %d: %s", e.StatusCode, strings.TrimSpace(e.Body))
}

var stats = map[string]bool{
	"readings":  true,
	"min":       true,
	"max":       true,
	"median":    true,
	"mean":      true,
	"mode":      true,
	"quartiles": true,
}

// statPath returns the readings path suffix for stat
func statPath(stat string) (string, error) {
	if !stats[stat] {
		return "", errors.Errorf("unknown stat %q", stat)
	}
	if stat == "readings" {
		return "", nil
	}
	return stat + "/", nil
}

func (c *Client) readingsURL(deviceID, suffix string) string {
	return fmt.Sprintf("%s/devices/%s/readings/%s", c.baseURL, url.PathEscape(deviceID), suffix)
}

// PostReading records a reading for deviceID
func (c *Client) PostReading(ctx context.Context, deviceID string, payload ReadingPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "error marshaling reading")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.readingsURL(deviceID, ""), bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "error creating request")
	}
	req.Header.Set("Content-Type", "application/json")

	_, err = c.do(req)
	return err
}

// Query fetches the raw JSON for stat ("readings" lists the readings themselves)
func (c *Client) Query(ctx context.Context, deviceID, stat string, params QueryParams) ([]byte, error) {
	suffix, err := statPath(stat)
	if err != nil {
		return nil, err
	}

	target := c.readingsURL(deviceID, suffix)
	if q := params.encode(); q != "" {
		target += "?" + q
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, errors.Wrap(err, "error creating request")
	}
	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "error sending request to %s", req.URL.Host)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, errors.Wrap(err, "error reading response")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

// newHTTPClient builds an HTTP client honouring the TLS options
func newHTTPClient(timeout time.Duration, insecureSkipVerify bool, caCertFile string) (*http.Client, error) {
	tlsConfig := &tls.Config{}
	if insecureSkipVerify {
		tlsConfig.InsecureSkipVerify = true
	} else if caCertFile != "" {
		caCert, err := os.ReadFile(caCertFile)
		if err != nil {
			return nil, errors.Wrap(err, "error loading CA certificate")
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, errors.New("failed to append CA certificate")
		}
		tlsConfig.RootCAs = pool
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: &http.Transport{TLSClientConfig: tlsConfig},
	}, nil
}

// optionalInt64 returns nil when raw is empty
func optionalInt64(name, raw string) (*int64, error) {
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid -%s", name)
	}
	return &v, nil
}

func main() {
	serverURL := flag.String("server", "http://localhost:5000", "base URL of the sensor server")
	deviceID := flag.String("device", "", "device id")
	post := flag.Bool("post", false, "record a reading instead of querying")
	sensorType := flag.String("type", "", "sensor type (temperature, humidity)")
	value := flag.Int("value", 0, "reading value when posting")
	date := flag.String("date", "", "reading time in epoch seconds when posting (default now)")
	stat := flag.String("stat", "readings", "what to query: readings, min, max, median, mean, mode, quartiles")
	start := flag.String("start", "", "range start in epoch seconds")
	end := flag.String("end", "", "range end in epoch seconds")
	timeout := flag.Duration("timeout", 5*time.Second, "request timeout")
	insecure := flag.Bool("insecure", false, "skip TLS certificate verification")
	caCert := flag.String("ca-cert", "", "CA certificate file for TLS verification")
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error building logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(logger, *serverURL, *deviceID, *post, *sensorType, *value, *date, *stat, *start, *end,
		*timeout, *insecure, *caCert); err != nil {
		logger.Fatal("request failed", zap.Error(err))
	}
}

func run(logger *zap.Logger, serverURL, deviceID string, post bool, sensorType string, value int,
	date, stat, start, end string, timeout time.Duration, insecure bool, caCert string) error {
	if deviceID == "" {
		return errors.New("-device is required")
	}
	if insecure {
		logger.Warn("TLS certificate verification disabled")
	}

	httpClient, err := newHTTPClient(timeout, insecure, caCert)
	if err != nil {
		return err
	}
	client := NewClient(serverURL, httpClient, timeout)
	ctx := context.Background()

	if post {
		created, err := optionalInt64("date", date)
		if err != nil {
			return err
		}
		if err := client.PostReading(ctx, deviceID, ReadingPayload{Type: sensorType, Value: value, DateCreated: created}); err != nil {
			return err
		}
		logger.Info("reading recorded", zap.String("device", deviceID), zap.String("type", sensorType), zap.Int("value", value))
		return nil
	}

	params := QueryParams{Type: sensorType}
	if params.Start, err = optionalInt64("start", start); err != nil {
		return err
	}
	if params.End, err = optionalInt64("end", end); err != nil {
		return err
	}

	body, err := client.Query(ctx, deviceID, stat, params)
	if err != nil {
		return err
	}
	fmt.Println(strings.TrimSpace(string(body)))
	return nil
}
