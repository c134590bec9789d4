package netpulse

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/netpulse-monitoring/netpulse/pkg/stats"
)

// ErrAlreadyRunning is returned by Start when the scheduler was already
// started and not yet stopped.
var ErrAlreadyRunning = errors.New("scheduler is already running")

// ErrStopped is returned by Start and RunOnce after Stop: a stopped scheduler
// is terminal and must be re-created.
var ErrStopped = errors.New("scheduler is stopped")

// Scheduler owns the run loop: on every tick it fans one probe goroutine out
// per enabled protocol/target pair, waits for the whole run to finish,
// uploads the batch and updates the aggregate counters.
type Scheduler struct {
	schedule ScheduleConfig
	targets  []ProbeTarget

	engine   *ProbeEngine
	uploader *Uploader

	agentStats *stats.AgentStats // optional

	ticker   *time.Ticker
	stopChan chan struct{}
	loopDone chan struct{}

	// runMu serializes whole runs; two fan-outs never overlap.
	runMu sync.Mutex

	// mu guards the RunStats fields below.
	mu           sync.Mutex
	started      bool
	stopped      bool
	isRunning    bool
	lastRunTime  time.Time
	successCount int
	failureCount int
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithAgentStats wires the process-wide counters into the scheduler.
func WithAgentStats(s *stats.AgentStats) SchedulerOption {
	return func(sch *Scheduler) {
		sch.agentStats = s
	}
}

func NewScheduler(schedule ScheduleConfig, targets []ProbeTarget, engine *ProbeEngine, uploader *Uploader, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		schedule: schedule,
		targets:  targets,
		engine:   engine,
		uploader: uploader,
		stopChan: make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start runs one synchronous round first when run_on_startup is set, then
// arms the periodic timer. Calling Start twice without an intervening Stop
// fails with ErrAlreadyRunning.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.started = true
	s.mu.Unlock()

	if s.schedule.RunOnStartup {
		logrus.Info("scheduler: running probes on startup")
		if err := s.RunOnce(ctx); err != nil {
			logrus.WithError(err).Error("scheduler: startup run failed")
		}
	}

	interval := s.schedule.interval()
	s.ticker = time.NewTicker(interval)
	logrus.Infof("scheduler: started with interval %v over %d target(s)", interval, len(s.targets))

	go s.controlLoop(ctx)

	return nil
}

func (s *Scheduler) controlLoop(ctx context.Context) {
	defer close(s.loopDone)
	for {
		select {
		case <-s.ticker.C:
			logrus.Debug("scheduler: tick")
			if err := s.RunOnce(ctx); err != nil {
				logrus.WithError(err).Error("scheduler: run failed")
			}
		case <-s.stopChan:
			s.ticker.Stop()
			logrus.Info("scheduler: stopped")
			return
		case <-ctx.Done():
			s.ticker.Stop()
			logrus.Info("scheduler: stopped (context cancelled)")
			return
		}
	}
}

// Stop blocks future scheduling. Probes in flight for the current run are
// allowed to finish; use Wait to observe the barrier.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped || !s.started {
		s.stopped = true
		return
	}

	close(s.stopChan)
	s.stopped = true
}

// Wait blocks until the control loop has exited and any in-flight run has
// completed. Call it after Stop.
func (s *Scheduler) Wait() {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if started {
		<-s.loopDone
	}
	s.runMu.Lock()
	s.runMu.Unlock()
}

// RunOnce performs one full fan-out-and-collect cycle: one goroutine per
// enabled protocol/target pair, a join barrier, then the per-result upload.
// It returns after the whole batch, probes and uploads included, completes.
// Runs are strictly sequential; concurrent callers queue up behind the mutex.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	s.mu.Lock()
	if s.stopped && !s.isRunning {
		// tolerate the race between Stop and an already-queued tick
		s.mu.Unlock()
		return ErrStopped
	}
	s.isRunning = true
	s.lastRunTime = time.Now()
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.isRunning = false
		s.mu.Unlock()
	}()

	startedAt := time.Now()

	var wg sync.WaitGroup
	var resultsMu sync.Mutex
	results := make([]*ProbeResult, 0, len(s.targets))

	launched := 0
	for _, target := range s.targets {
		if !s.schedule.protocolEnabled(target.Protocol) {
			continue
		}
		launched++
		wg.Add(1)
		go func(target ProbeTarget) {
			defer wg.Done()

			res, err := s.engine.Probe(ctx, target)
			if err != nil {
				logrus.Debugf("probe: %s %s: %s", target.Protocol, target.Address, err.Error())
			}
			if res == nil {
				return
			}

			// completion order, deliberately not submission order
			resultsMu.Lock()
			results = append(results, res)
			resultsMu.Unlock()
		}(target)
	}

	wg.Wait()

	if s.agentStats != nil {
		s.agentStats.AddProbesPerformed(uint64(launched))
	}

	succeeded := 0
	for _, res := range results {
		if res.Success {
			succeeded++
		}
	}
	logrus.Infof("scheduler: %d/%d probes succeeded in %.1f sec", succeeded, launched, time.Since(startedAt).Seconds())

	uploadErrs := s.uploader.UploadBatch(ctx, results)
	for i, err := range uploadErrs {
		s.mu.Lock()
		if err != nil {
			s.failureCount++
		} else {
			s.successCount++
		}
		s.mu.Unlock()

		if err != nil {
			logrus.WithError(err).Warnf("upload: result for %s %s failed", results[i].Protocol, results[i].Target)
		}
	}

	return nil
}

// GetStats returns a snapshot copy of the run statistics.
func (s *Scheduler) GetStats() RunStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return RunStats{
		IsRunning:    s.isRunning,
		LastRunTime:  s.lastRunTime,
		SuccessCount: s.successCount,
		FailureCount: s.failureCount,
	}
}
