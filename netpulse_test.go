package netpulse

import (
	"context"
	"fmt"
	"net/http/httptest"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserAgent(t *testing.T) {
	np := New("1.2.3-42-gabcdef", NewConfig())
	defer np.Shutdown()

	assert.Equal(t, fmt.Sprintf("Netpulse v1.2.3 %s %s", runtime.GOOS, runtime.GOARCH), np.userAgent())

	np2 := New("", NewConfig())
	defer np2.Shutdown()
	assert.Contains(t, np2.userAgent(), "{undefined}")
}

func TestAgentRunOnce(t *testing.T) {
	addr := startTCPListener(t)

	mc := NewMockCollector("s3cret")
	ts := httptest.NewServer(mc.Handler())
	defer ts.Close()

	cfg := NewConfig()
	cfg.HubURL = ts.URL
	cfg.HubToken = "s3cret"
	cfg.HostInfo = nil
	cfg.Targets = []ProbeTarget{{Protocol: ProtocolTCP, Address: addr}}

	np := New("test", cfg)
	defer np.Shutdown()

	err := np.RunOnce(context.Background())
	assert.Nil(t, err)
	require.Equal(t, 1, mc.ReceivedCount())
	assert.Equal(t, "tcp", mc.Received()[0]["protocol"])

	snap := np.Stats.Snapshot()
	assert.EqualValues(t, 1, snap.ProbesPerformedTotal)
	assert.EqualValues(t, 1, snap.ResultsSentToHubTotal)
}

func TestAgentRunStopsOnContextCancel(t *testing.T) {
	mc := NewMockCollector("")
	ts := httptest.NewServer(mc.Handler())
	defer ts.Close()

	cfg := NewConfig()
	cfg.HubURL = ts.URL
	cfg.HostInfo = nil
	cfg.Schedule.RunOnStartup = false
	cfg.Schedule.IntervalSeconds = 3600

	np := New("test", cfg)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- np.Run(ctx)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.Nil(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after context cancel")
	}
}
