package netpulse

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/netpulse-monitoring/netpulse/pkg/stats"
)

const (
	uploadPath = "/api/v1/results/upload"
	healthPath = "/api/v1/health"
)

// Uploader delivers probe results to the collector over its own resilient
// transport. Results that cannot be delivered are buffered in memory up to a
// bound and retried ahead of the next batch.
type Uploader struct {
	collectorURL string
	token        string
	gzipEnabled  bool
	userAgent    string

	transport  *Transport
	agentStats *stats.AgentStats // optional

	metadata map[string]interface{}

	bufferMu    sync.Mutex
	buffer      []*ProbeResult
	bufferLimit int
}

// UploaderOption configures an Uploader.
type UploaderOption func(*Uploader)

// WithUploaderStats wires the process-wide counters into the uploader.
func WithUploaderStats(s *stats.AgentStats) UploaderOption {
	return func(u *Uploader) {
		u.agentStats = s
	}
}

// WithGzip enables gzip compression of upload payloads.
func WithGzip(enabled bool) UploaderOption {
	return func(u *Uploader) {
		u.gzipEnabled = enabled
	}
}

// WithMetadata attaches extra fields sent verbatim with every result,
// typically host information collected at startup.
func WithMetadata(m map[string]interface{}) UploaderOption {
	return func(u *Uploader) {
		u.metadata = m
	}
}

// WithOfflineBufferLimit bounds the number of undelivered results kept for
// retry. Zero disables buffering.
func WithOfflineBufferLimit(n int) UploaderOption {
	return func(u *Uploader) {
		u.bufferLimit = n
	}
}

func NewUploader(collectorURL, token, userAgent string, retry RetryPolicy, breaker BreakerSettings, opts ...UploaderOption) *Uploader {
	u := &Uploader{
		collectorURL: collectorURL,
		token:        token,
		userAgent:    userAgent,
		transport: NewTransport(
			WithRetryPolicy(retry),
			WithBreakerSettings(breaker),
			WithUserAgent(userAgent),
		),
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Close releases the uploader's idle connections.
func (u *Uploader) Close() {
	u.transport.Close()
}

// BreakerState exposes the uploader circuit state for status reporting.
func (u *Uploader) BreakerState() CircuitState {
	return u.transport.BreakerState()
}

// uploadPayload is the flat wire format the collector ingests. Measurement
// details ride along in the raw_detail object.
type uploadPayload struct {
	ID                string                 `json:"id"`
	Timestamp         string                 `json:"timestamp"`
	Protocol          string                 `json:"protocol"`
	Target            string                 `json:"target"`
	ProtocolDetail    string                 `json:"protocol_detail,omitempty"`
	TargetIP          string                 `json:"target_ip,omitempty"`
	LatencyMS         float64                `json:"latency_ms"`
	JitterMS          *float64               `json:"jitter_ms,omitempty"`
	PacketLossPercent *float64               `json:"packet_loss_percent,omitempty"`
	ThroughputMbps    *float64               `json:"throughput_mbps,omitempty"`
	Success           bool                   `json:"success"`
	RawDetail         map[string]interface{} `json:"raw_detail,omitempty"`
	Metadata          map[string]interface{} `json:"metadata,omitempty"`
}

func (u *Uploader) payloadFor(res *ProbeResult) *uploadPayload {
	return &uploadPayload{
		ID:                res.ID,
		Timestamp:         res.Timestamp.UTC().Format(time.RFC3339Nano),
		Protocol:          string(res.Protocol),
		Target:            res.Target,
		ProtocolDetail:    res.ProtocolDetail,
		TargetIP:          res.TargetIP,
		LatencyMS:         res.LatencyMS,
		JitterMS:          res.JitterMS,
		PacketLossPercent: res.PacketLossPercent,
		ThroughputMbps:    res.ThroughputMbps,
		Success:           res.Success,
		RawDetail:         res.RawDetail,
		Metadata:          u.metadata,
	}
}

// UploadResult delivers a single result to the collector.
func (u *Uploader) UploadResult(ctx context.Context, res *ProbeResult) error {
	body, err := json.Marshal(u.payloadFor(res))
	if err != nil {
		return errors.Wrap(err, "failed to encode result")
	}

	var reader io.Reader = bytes.NewReader(body)
	contentEncoding := ""
	if u.gzipEnabled {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(body); err != nil {
			return errors.Wrap(err, "failed to compress result")
		}
		if err := zw.Close(); err != nil {
			return errors.Wrap(err, "failed to compress result")
		}
		reader = &buf
		contentEncoding = "gzip"
		logrus.Debugf("uploader: compressed payload %d -> %d bytes", len(body), buf.Len())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.collectorURL+uploadPath, reader)
	if err != nil {
		return errors.Wrap(err, "failed to create upload request")
	}
	req.Header.Set("Content-Type", "application/json")
	if contentEncoding != "" {
		req.Header.Set("Content-Encoding", contentEncoding)
	}
	if u.token != "" {
		req.Header.Set("Authorization", "Bearer "+u.token)
	}

	resp, err := u.transport.Do(req)
	if err != nil {
		if u.agentStats != nil {
			u.agentStats.RecordHubError(err.Error(), uint64(time.Now().Unix()))
		}
		return errors.Wrap(err, "upload failed")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(ioutil.Discard, io.LimitReader(resp.Body, 512*1024))

	// the transport only rejects >=400; the collector contract is 2xx
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := errors.Errorf("upload failed: unexpected status %s", resp.Status)
		if u.agentStats != nil {
			u.agentStats.RecordHubError(err.Error(), uint64(time.Now().Unix()))
		}
		return err
	}

	if u.agentStats != nil {
		u.agentStats.AddResultsSent(1, uint64(len(body)))
	}

	return nil
}

// UploadBatch uploads every result in the batch sequentially and returns a
// slice of the same length with the per-result outcome. A failed result does
// not prevent the rest of the batch from being attempted. Buffered results
// from earlier failed batches are retried first.
func (u *Uploader) UploadBatch(ctx context.Context, results []*ProbeResult) []error {
	u.retryBuffered(ctx)

	errs := make([]error, len(results))
	for i, res := range results {
		err := u.UploadResult(ctx, res)
		errs[i] = err
		if err != nil {
			u.bufferResult(res)
		}
	}
	return errs
}

// retryBuffered drains the offline buffer in arrival order, re-buffering
// whatever still fails. One pass per batch; the breaker keeps a dead
// collector cheap.
func (u *Uploader) retryBuffered(ctx context.Context) {
	u.bufferMu.Lock()
	pending := u.buffer
	u.buffer = nil
	u.bufferMu.Unlock()

	if len(pending) == 0 {
		return
	}

	logrus.Infof("uploader: retrying %d buffered result(s)", len(pending))
	for _, res := range pending {
		if err := u.UploadResult(ctx, res); err != nil {
			u.bufferResult(res)
		}
	}
}

func (u *Uploader) bufferResult(res *ProbeResult) {
	if u.bufferLimit <= 0 {
		return
	}
	u.bufferMu.Lock()
	defer u.bufferMu.Unlock()

	u.buffer = append(u.buffer, res)
	if overflow := len(u.buffer) - u.bufferLimit; overflow > 0 {
		// drop oldest first
		logrus.Warnf("uploader: offline buffer full, dropping %d oldest result(s)", overflow)
		u.buffer = u.buffer[overflow:]
	}
}

// BufferedCount reports the number of results awaiting redelivery.
func (u *Uploader) BufferedCount() int {
	u.bufferMu.Lock()
	defer u.bufferMu.Unlock()
	return len(u.buffer)
}

// CheckHealth verifies the collector answers its health endpoint.
func (u *Uploader) CheckHealth(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.collectorURL+healthPath, nil)
	if err != nil {
		return errors.Wrap(err, "failed to create health request")
	}
	if u.token != "" {
		req.Header.Set("Authorization", "Bearer "+u.token)
	}

	resp, err := u.transport.Do(req)
	if err != nil {
		return errors.Wrap(err, "collector health check failed")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(ioutil.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("collector health check returned status %d", resp.StatusCode)
	}
	return nil
}
