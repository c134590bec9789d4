package netpulse

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testResult(target string) *ProbeResult {
	res := newProbeResult(ProbeTarget{Protocol: ProtocolTCP, Address: target})
	m := &TCPMeasurements{ConnectMS: 12.5}
	res.LatencyMS = m.ConnectMS
	return finishProbe(res, m)
}

func fastRetry() RetryPolicy {
	return RetryPolicy{MaxRetries: 0, BaseDelay: time.Millisecond}
}

func TestUploadResult(t *testing.T) {
	mc := NewMockCollector("s3cret")
	ts := httptest.NewServer(mc.Handler())
	defer ts.Close()

	u := NewUploader(ts.URL, "s3cret", "Netpulse vTest", fastRetry(), BreakerSettings{})
	defer u.Close()

	err := u.UploadResult(context.Background(), testResult("example.com:443"))
	assert.Nil(t, err)
	require.Equal(t, 1, mc.ReceivedCount())

	payload := mc.Received()[0]
	assert.Equal(t, "tcp", payload["protocol"])
	assert.Equal(t, "example.com:443", payload["target"])
	assert.Equal(t, true, payload["success"])
	assert.Equal(t, 12.5, payload["latency_ms"])
	assert.NotEmpty(t, payload["id"])
	assert.NotEmpty(t, payload["timestamp"])

	detail, ok := payload["raw_detail"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 12.5, detail["connect_ms"])
}

func TestUploadResultRejectedToken(t *testing.T) {
	mc := NewMockCollector("s3cret")
	ts := httptest.NewServer(mc.Handler())
	defer ts.Close()

	u := NewUploader(ts.URL, "wrong", "Netpulse vTest", fastRetry(), BreakerSettings{})
	defer u.Close()

	err := u.UploadResult(context.Background(), testResult("example.com:443"))
	assert.NotNil(t, err)
	assert.Equal(t, 0, mc.ReceivedCount())
}

func TestUploadResultNon2xxStatus(t *testing.T) {
	// 304 passes the transport's >=400 failure test; the collector
	// contract still requires a 2xx
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotModified)
	}))
	defer ts.Close()

	u := NewUploader(ts.URL, "", "Netpulse vTest", fastRetry(), BreakerSettings{})
	defer u.Close()

	err := u.UploadResult(context.Background(), testResult("example.com:443"))
	assert.NotNil(t, err)
	assert.Contains(t, err.Error(), "unexpected status")
}

func TestUploadResultGzip(t *testing.T) {
	mc := NewMockCollector("")
	ts := httptest.NewServer(mc.Handler())
	defer ts.Close()

	u := NewUploader(ts.URL, "", "Netpulse vTest", fastRetry(), BreakerSettings{}, WithGzip(true))
	defer u.Close()

	err := u.UploadResult(context.Background(), testResult("example.com:22"))
	assert.Nil(t, err)
	require.Equal(t, 1, mc.ReceivedCount())
	assert.Equal(t, "example.com:22", mc.Received()[0]["target"])
}

func TestUploadResultMetadata(t *testing.T) {
	mc := NewMockCollector("")
	ts := httptest.NewServer(mc.Handler())
	defer ts.Close()

	u := NewUploader(ts.URL, "", "Netpulse vTest", fastRetry(), BreakerSettings{},
		WithMetadata(map[string]interface{}{"hostname": "probe-01"}))
	defer u.Close()

	err := u.UploadResult(context.Background(), testResult("example.com:443"))
	assert.Nil(t, err)

	meta, ok := mc.Received()[0]["metadata"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "probe-01", meta["hostname"])
}

func TestUploadBatchContinuesAfterFailure(t *testing.T) {
	var attempts int32
	var failedID string

	results := make([]*ProbeResult, 5)
	for i := range results {
		results[i] = testResult("example.com:443")
	}
	failedID = results[2].ID

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		var payload map[string]interface{}
		json.NewDecoder(r.Body).Decode(&payload)
		if payload["id"] == failedID {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer ts.Close()

	u := NewUploader(ts.URL, "", "Netpulse vTest", fastRetry(), BreakerSettings{})
	defer u.Close()

	errs := u.UploadBatch(context.Background(), results)
	require.Len(t, errs, 5)

	failures := 0
	for i, err := range errs {
		if err != nil {
			failures++
			assert.Equal(t, 2, i, "only the rejected result may fail")
		}
	}
	assert.Equal(t, 1, failures)
	assert.EqualValues(t, 5, atomic.LoadInt32(&attempts), "every result must be attempted")
}

func TestUploadBatchBuffersAndRetries(t *testing.T) {
	var down int32 = 1
	mc := NewMockCollector("")
	inner := mc.Handler()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.LoadInt32(&down) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		inner.ServeHTTP(w, r)
	}))
	defer ts.Close()

	u := NewUploader(ts.URL, "", "Netpulse vTest", fastRetry(), BreakerSettings{FailureThreshold: 100}, WithOfflineBufferLimit(10))
	defer u.Close()

	errs := u.UploadBatch(context.Background(), []*ProbeResult{testResult("a:1"), testResult("b:2")})
	assert.NotNil(t, errs[0])
	assert.NotNil(t, errs[1])
	assert.Equal(t, 2, u.BufferedCount())

	atomic.StoreInt32(&down, 0)

	errs = u.UploadBatch(context.Background(), []*ProbeResult{testResult("c:3")})
	assert.Nil(t, errs[0])
	assert.Equal(t, 0, u.BufferedCount())
	assert.Equal(t, 3, mc.ReceivedCount(), "buffered results are delivered ahead of the new batch")
}

func TestUploadBufferBounded(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	u := NewUploader(ts.URL, "", "Netpulse vTest", fastRetry(), BreakerSettings{FailureThreshold: 1000}, WithOfflineBufferLimit(3))
	defer u.Close()

	for i := 0; i < 5; i++ {
		u.UploadBatch(context.Background(), []*ProbeResult{testResult("a:1")})
	}
	assert.Equal(t, 3, u.BufferedCount(), "the offline buffer must stay within its limit")
}

func TestCheckHealth(t *testing.T) {
	mc := NewMockCollector("")
	ts := httptest.NewServer(mc.Handler())
	defer ts.Close()

	u := NewUploader(ts.URL, "", "Netpulse vTest", fastRetry(), BreakerSettings{})
	defer u.Close()

	assert.Nil(t, u.CheckHealth(context.Background()))
}

func TestCheckHealthDown(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	u := NewUploader(ts.URL, "", "Netpulse vTest", fastRetry(), BreakerSettings{})
	defer u.Close()

	assert.NotNil(t, u.CheckHealth(context.Background()))
}
