package stats

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAgentStatsCounters(t *testing.T) {
	s := New()

	s.AddProbesPerformed(4)
	s.AddProbesPerformed(2)
	s.AddResultsSent(3, 1024)
	s.RecordHubError("connection refused", 1700000000)
	s.RecordInternalError("boom", 1700000001)

	snap := s.Snapshot()
	assert.EqualValues(t, 6, snap.ProbesPerformedTotal)
	assert.EqualValues(t, 3, snap.ResultsSentToHubTotal)
	assert.EqualValues(t, 1024, snap.BytesSentToHubTotal)
	assert.EqualValues(t, 1, snap.HubErrorsTotal)
	assert.Equal(t, "connection refused", snap.HubLastErrorMessage)
	assert.EqualValues(t, 1700000000, snap.HubLastErrorTimestamp)
	assert.EqualValues(t, 1, snap.InternalErrorsTotal)
	assert.Equal(t, "boom", snap.InternalLastErrorMessage)
}

func TestAgentStatsConcurrentAccess(t *testing.T) {
	s := New()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.AddProbesPerformed(1)
			s.AddResultsSent(1, 10)
			_ = s.Snapshot()
		}()
	}
	wg.Wait()

	snap := s.Snapshot()
	assert.EqualValues(t, 50, snap.ProbesPerformedTotal)
	assert.EqualValues(t, 50, snap.ResultsSentToHubTotal)
	assert.EqualValues(t, 500, snap.BytesSentToHubTotal)
}
