package stats

import (
	"sync"
	"time"
)

// AgentStats holds application-wide counters. All fields are guarded by one
// mutex; use Snapshot to read them.
type AgentStats struct {
	mu sync.Mutex

	StartedAt time.Time

	ProbesPerformedTotal  uint64
	ResultsSentToHubTotal uint64
	BytesSentToHubTotal   uint64

	HubErrorsTotal        uint64
	HubLastErrorMessage   string
	HubLastErrorTimestamp uint64

	InternalErrorsTotal        uint64
	InternalLastErrorMessage   string
	InternalLastErrorTimestamp uint64

	Uptime uint64
}

func New() *AgentStats {
	return &AgentStats{StartedAt: time.Now()}
}

func (s *AgentStats) AddProbesPerformed(n uint64) {
	s.mu.Lock()
	s.ProbesPerformedTotal += n
	s.mu.Unlock()
}

func (s *AgentStats) AddResultsSent(results, bytes uint64) {
	s.mu.Lock()
	s.ResultsSentToHubTotal += results
	s.BytesSentToHubTotal += bytes
	s.mu.Unlock()
}

func (s *AgentStats) RecordHubError(message string, timestamp uint64) {
	s.mu.Lock()
	s.HubErrorsTotal++
	s.HubLastErrorMessage = message
	s.HubLastErrorTimestamp = timestamp
	s.mu.Unlock()
}

func (s *AgentStats) RecordInternalError(message string, timestamp uint64) {
	s.mu.Lock()
	s.InternalErrorsTotal++
	s.InternalLastErrorMessage = message
	s.InternalLastErrorTimestamp = timestamp
	s.mu.Unlock()
}

// Snapshot returns a copy safe to serialize without holding the lock.
func (s *AgentStats) Snapshot() AgentStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return AgentStats{
		StartedAt:                  s.StartedAt,
		ProbesPerformedTotal:       s.ProbesPerformedTotal,
		ResultsSentToHubTotal:      s.ResultsSentToHubTotal,
		BytesSentToHubTotal:        s.BytesSentToHubTotal,
		HubErrorsTotal:             s.HubErrorsTotal,
		HubLastErrorMessage:        s.HubLastErrorMessage,
		HubLastErrorTimestamp:      s.HubLastErrorTimestamp,
		InternalErrorsTotal:        s.InternalErrorsTotal,
		InternalLastErrorMessage:   s.InternalLastErrorMessage,
		InternalLastErrorTimestamp: s.InternalLastErrorTimestamp,
		Uptime:                     uint64(time.Since(s.StartedAt).Seconds()),
	}
}
