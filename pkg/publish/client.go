// Package publish pushes capture lifecycles to a trackd collector: one
// registration, periodic heartbeats, then the final leak report.
package publish

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/psantana5/reftrack/pkg/logging"
	"github.com/psantana5/reftrack/pkg/models"
	"github.com/psantana5/reftrack/pkg/procstat"
	"github.com/psantana5/reftrack/pkg/retry"
	"github.com/psantana5/reftrack/pkg/track"
)

// Config configures the collector client
type Config struct {
	CollectorURL      string            // Base URL, e.g. http://collector:9300
	APIKey            string            // Optional Bearer token
	Name              string            // Capture name, defaults to the binary name
	Labels            map[string]string // Forwarded to the collector
	HeartbeatInterval time.Duration     // Defaults to the capture policy interval
	Timeout           time.Duration     // Per-request timeout, default 30s
	TLS               *tls.Config       // Optional client TLS, see tlsutil.ClientConfig
	Retry             *retry.Config     // Report push retries, retry.DefaultConfig when nil
	Logger            *logging.Logger   // Optional
}

// StatsSource provides the counters sent with each heartbeat.
// *track.Tracker satisfies it.
type StatsSource interface {
	Stats() track.Stats
}

// Client manages communication with the collector
type Client struct {
	baseURL    string
	apiKey     string
	name       string
	labels     map[string]string
	interval   time.Duration
	retryCfg   retry.Config
	httpClient *http.Client
	log        *logging.Logger

	mu        sync.Mutex
	captureID string
	stop      chan struct{}
	done      chan struct{}
}

// NewClient creates a new collector client
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	interval := cfg.HeartbeatInterval
	if interval <= 0 {
		interval = models.DefaultCapturePolicy().HeartbeatInterval
	}

	retryCfg := retry.DefaultConfig()
	if cfg.Retry != nil {
		retryCfg = *cfg.Retry
	}

	httpClient := &http.Client{Timeout: timeout}
	if cfg.TLS != nil {
		httpClient.Transport = &http.Transport{TLSClientConfig: cfg.TLS}
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.CollectorURL, "/"),
		apiKey:     cfg.APIKey,
		name:       cfg.Name,
		labels:     cfg.Labels,
		interval:   interval,
		retryCfg:   retryCfg,
		httpClient: httpClient,
		log:        cfg.Logger,
	}
}

// Register registers this process with the collector
func (c *Client) Register() (*models.Capture, error) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	name := c.name
	if name == "" {
		name = filepath.Base(os.Args[0])
	}

	// Forward user labels plus machine facts, without clobbering
	labels := make(map[string]string, len(c.labels)+2)
	for k, v := range c.labels {
		labels[k] = v
	}
	host := procstat.Host()
	if _, ok := labels["cores"]; !ok && host.Cores > 0 {
		labels["cores"] = strconv.Itoa(host.Cores)
	}
	if _, ok := labels["mem_total_bytes"]; !ok && host.MemTotal > 0 {
		labels["mem_total_bytes"] = strconv.FormatUint(host.MemTotal, 10)
	}

	reg := models.CaptureRegistration{
		Name:      name,
		Hostname:  hostname,
		PID:       os.Getpid(),
		GoVersion: runtime.Version(),
		Labels:    labels,
	}

	var capture models.Capture
	// 200 means the collector recognized a re-registration
	if err := c.do("POST", "/captures", reg, &capture, http.StatusCreated, http.StatusOK); err != nil {
		return nil, fmt.Errorf("failed to register capture: %w", err)
	}

	c.mu.Lock()
	c.captureID = capture.ID
	c.mu.Unlock()

	c.infof("registered capture %s with %s", capture.ID, c.baseURL)
	return &capture, nil
}

// CaptureID returns the capture ID assigned at registration
func (c *Client) CaptureID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.captureID
}

// SendHeartbeat sends a single heartbeat with current counters
func (c *Client) SendHeartbeat(src StatsSource) error {
	id := c.CaptureID()
	if id == "" {
		return fmt.Errorf("capture not registered")
	}

	hb := models.Heartbeat{
		CaptureID: id,
		Timestamp: time.Now(),
	}
	if src != nil {
		stats := src.Stats()
		hb.LiveInstances = stats.Live
		hb.CreatedInstances = stats.Created
		hb.LiveHandles = stats.Handles
	}
	sample := procstat.Self()
	hb.CPUPercent = sample.CPUPercent
	hb.RSSBytes = sample.RSSBytes

	if err := c.do("POST", "/captures/"+id+"/heartbeat", hb, nil, http.StatusOK); err != nil {
		return fmt.Errorf("failed to send heartbeat: %w", err)
	}
	return nil
}

// StartHeartbeats launches the background heartbeat loop. Failed beats
// are logged and skipped, the next tick retries.
func (c *Client) StartHeartbeats(src StatsSource) {
	c.mu.Lock()
	if c.stop != nil {
		c.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	c.stop = stop
	c.done = done
	c.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := c.SendHeartbeat(src); err != nil {
					c.warnf("heartbeat failed: %v", err)
				}
			case <-stop:
				return
			}
		}
	}()
}

// StopHeartbeats stops the background loop and waits for it to exit
func (c *Client) StopHeartbeats() {
	c.mu.Lock()
	if c.stop == nil {
		c.mu.Unlock()
		return
	}
	stop, done := c.stop, c.done
	c.stop, c.done = nil, nil
	c.mu.Unlock()

	close(stop)
	<-done
}

// Drain tells the collector the process is exiting and a report follows
func (c *Client) Drain() error {
	id := c.CaptureID()
	if id == "" {
		return fmt.Errorf("capture not registered")
	}
	return c.do("POST", "/captures/"+id+"/drain", nil, nil, http.StatusOK)
}

// Abort ends the capture without a report
func (c *Client) Abort(reason string) error {
	id := c.CaptureID()
	if id == "" {
		return fmt.Errorf("capture not registered")
	}
	body := map[string]string{"reason": reason}
	return c.do("POST", "/captures/"+id+"/abort", body, nil, http.StatusOK)
}

// PushReport uploads the final report, retrying transient failures with
// exponential backoff
func (c *Client) PushReport(ctx context.Context, report models.LeakReport) error {
	id := c.CaptureID()
	if id == "" {
		return fmt.Errorf("capture not registered")
	}

	cfg := c.retryCfg
	cfg.OnRetry = func(attempt int, err error) {
		c.warnf("report push attempt %d failed: %v", attempt+1, err)
	}

	err := retry.Do(ctx, cfg, func(ctx context.Context) error {
		return c.do("POST", "/captures/"+id+"/report", report, nil, http.StatusOK)
	})
	if err != nil {
		return fmt.Errorf("failed to push report: %w", err)
	}

	c.infof("report pushed for capture %s: %d leaked", id, report.Leaked())
	return nil
}

// Finish stops heartbeats, drains, and pushes the final report. This is
// the usual exit path:
//
//	report := tracker.Close()
//	client.Finish(ctx, report)
func (c *Client) Finish(ctx context.Context, report models.LeakReport) error {
	c.StopHeartbeats()

	// A failed drain is not fatal, the report itself drains the capture
	if err := c.Drain(); err != nil {
		c.warnf("drain failed: %v", err)
	}

	return c.PushReport(ctx, report)
}

func (c *Client) do(method, path string, payload interface{}, out interface{}, wantStatus ...int) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewBuffer(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	for _, code := range wantStatus {
		if resp.StatusCode == code {
			if out != nil {
				if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
					return fmt.Errorf("failed to decode response: %w", err)
				}
			}
			return nil
		}
	}

	data, _ := io.ReadAll(resp.Body)
	return fmt.Errorf("%s %s failed with status %d: %s", method, path, resp.StatusCode, string(data))
}

func (c *Client) infof(format string, args ...interface{}) {
	if c.log != nil {
		c.log.Info(fmt.Sprintf(format, args...))
		return
	}
	log.Printf(format, args...)
}

func (c *Client) warnf(format string, args ...interface{}) {
	if c.log != nil {
		c.log.Warn(fmt.Sprintf(format, args...))
		return
	}
	log.Printf("Warning: "+format, args...)
}
