package netpulse

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCollector(t *testing.T) (*MockCollector, *Uploader) {
	t.Helper()
	mc := NewMockCollector("")
	ts := httptest.NewServer(mc.Handler())
	t.Cleanup(ts.Close)

	u := NewUploader(ts.URL, "", "Netpulse vTest", fastRetry(), BreakerSettings{})
	t.Cleanup(u.Close)
	return mc, u
}

func startTCPListener(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.Nil(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	return ln.Addr().String()
}

func TestSchedulerRunOnce(t *testing.T) {
	addr := startTCPListener(t)
	mc, u := testCollector(t)
	e := testEngine(t)

	targets := []ProbeTarget{
		{Protocol: ProtocolTCP, Address: addr},
		{Protocol: ProtocolTCP, Address: addr},
	}

	s := NewScheduler(ScheduleConfig{IntervalSeconds: 60}, targets, e, u)
	err := s.RunOnce(context.Background())
	assert.Nil(t, err)

	assert.Equal(t, 2, mc.ReceivedCount())

	st := s.GetStats()
	assert.False(t, st.IsRunning)
	assert.False(t, st.LastRunTime.IsZero())
	assert.Equal(t, 2, st.SuccessCount)
	assert.Equal(t, 0, st.FailureCount)
}

func TestSchedulerCountsUploadFailures(t *testing.T) {
	addr := startTCPListener(t)
	e := testEngine(t)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer ts.Close()
	u := NewUploader(ts.URL, "", "Netpulse vTest", fastRetry(), BreakerSettings{})
	defer u.Close()

	s := NewScheduler(ScheduleConfig{IntervalSeconds: 60}, []ProbeTarget{{Protocol: ProtocolTCP, Address: addr}}, e, u)
	err := s.RunOnce(context.Background())
	assert.Nil(t, err, "upload failures are counted, not returned")

	st := s.GetStats()
	assert.Equal(t, 0, st.SuccessCount)
	assert.Equal(t, 1, st.FailureCount)
}

func TestSchedulerProtocolFilter(t *testing.T) {
	addr := startTCPListener(t)
	mc, u := testCollector(t)
	e := testEngine(t)

	targets := []ProbeTarget{
		{Protocol: ProtocolTCP, Address: addr},
		{Protocol: ProtocolUDP, Address: addr},
	}

	s := NewScheduler(ScheduleConfig{IntervalSeconds: 60, EnabledProtocols: []string{"tcp"}}, targets, e, u)
	err := s.RunOnce(context.Background())
	assert.Nil(t, err)

	require.Equal(t, 1, mc.ReceivedCount())
	assert.Equal(t, "tcp", mc.Received()[0]["protocol"])
}

func TestSchedulerDoubleStart(t *testing.T) {
	_, u := testCollector(t)
	e := testEngine(t)

	s := NewScheduler(ScheduleConfig{IntervalSeconds: 60}, nil, e, u)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	assert.Nil(t, s.Start(ctx))
	assert.Equal(t, ErrAlreadyRunning, s.Start(ctx))

	s.Stop()
	s.Wait()
}

func TestSchedulerStartAfterStop(t *testing.T) {
	_, u := testCollector(t)
	e := testEngine(t)

	s := NewScheduler(ScheduleConfig{IntervalSeconds: 60}, nil, e, u)
	s.Stop()

	assert.Equal(t, ErrStopped, s.Start(context.Background()))
	assert.Equal(t, ErrStopped, s.RunOnce(context.Background()))
}

func TestSchedulerRunOnStartup(t *testing.T) {
	addr := startTCPListener(t)
	mc, u := testCollector(t)
	e := testEngine(t)

	s := NewScheduler(
		ScheduleConfig{IntervalSeconds: 3600, RunOnStartup: true},
		[]ProbeTarget{{Protocol: ProtocolTCP, Address: addr}},
		e, u,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.Nil(t, s.Start(ctx))
	// Start returns after the synchronous startup round
	assert.Equal(t, 1, mc.ReceivedCount())

	s.Stop()
	s.Wait()
}

func TestSchedulerRunsDoNotOverlap(t *testing.T) {
	addr := startTCPListener(t)
	_, u := testCollector(t)
	e := testEngine(t)

	s := NewScheduler(ScheduleConfig{IntervalSeconds: 60}, []ProbeTarget{{Protocol: ProtocolTCP, Address: addr}}, e, u)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Nil(t, s.RunOnce(context.Background()))
		}()
	}
	wg.Wait()

	st := s.GetStats()
	assert.Equal(t, 4, st.SuccessCount, "serialized runs must each complete fully")
	assert.False(t, st.IsRunning)
}

func TestSchedulerTickerDrivesRepeatedRuns(t *testing.T) {
	addr := startTCPListener(t)
	mc, u := testCollector(t)
	e := testEngine(t)

	s := NewScheduler(
		ScheduleConfig{IntervalSeconds: 1, RunOnStartup: true},
		[]ProbeTarget{{Protocol: ProtocolTCP, Address: addr}},
		e, u,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.Nil(t, s.Start(ctx))

	// the startup round plus at least two tick-driven rounds
	deadline := time.After(10 * time.Second)
	for mc.ReceivedCount() < 3 {
		select {
		case <-deadline:
			t.Fatalf("only %d run(s) completed, ticker did not fire", mc.ReceivedCount())
		case <-time.After(50 * time.Millisecond):
		}
	}

	s.Stop()
	s.Wait()

	st := s.GetStats()
	assert.True(t, st.SuccessCount >= 3)
	assert.False(t, st.IsRunning)
}

func TestSchedulerStopUnblocksWait(t *testing.T) {
	_, u := testCollector(t)
	e := testEngine(t)

	s := NewScheduler(ScheduleConfig{IntervalSeconds: 1}, nil, e, u)

	ctx := context.Background()
	require.Nil(t, s.Start(ctx))

	done := make(chan struct{})
	go func() {
		s.Stop()
		s.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Wait did not return after Stop")
	}
}
