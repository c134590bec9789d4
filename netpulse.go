package netpulse

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/netpulse-monitoring/netpulse/pkg/stats"
)

// Netpulse wires the probe engine, uploader and scheduler together into one
// agent process.
type Netpulse struct {
	Config *Config
	Stats  *stats.AgentStats

	engine    *ProbeEngine
	uploader  *Uploader
	scheduler *Scheduler

	version string
}

func New(version string, cfg *Config) *Netpulse {
	np := &Netpulse{
		Config:  cfg,
		Stats:   stats.New(),
		version: version,
	}

	if np.Config.LogFile != "" {
		err := addLogFileHook(np.Config.LogFile, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
		if err != nil {
			log.Error("Can't write logs to file: ", err.Error())
		}
	}
	addErrorHook(np.Stats)

	retry := cfg.Retry.policy()
	breaker := cfg.Breaker.settings()

	np.engine = NewProbeEngine(retry, breaker, np.userAgent(), WithICMPCount(cfg.ICMPCount))

	uploaderOpts := []UploaderOption{
		WithUploaderStats(np.Stats),
		WithGzip(cfg.HubGzip),
		WithOfflineBufferLimit(cfg.OfflineBufferLimit),
	}
	if len(cfg.HostInfo) > 0 {
		info, err := HostInfo(cfg.HostInfo)
		if err != nil {
			log.Error("Failed to collect host info: ", err.Error())
		}
		if len(info) > 0 {
			uploaderOpts = append(uploaderOpts, WithMetadata(info))
		}
	}
	np.uploader = NewUploader(cfg.HubURL, cfg.HubToken, np.userAgent(), retry, breaker, uploaderOpts...)

	np.scheduler = NewScheduler(cfg.Schedule, cfg.Targets, np.engine, np.uploader, WithAgentStats(np.Stats))

	return np
}

func (np *Netpulse) SetVersion(version string) {
	np.version = version
}

func (np *Netpulse) userAgent() string {
	if np.version == "" {
		np.version = "{undefined}"
	}
	parts := strings.Split(np.version, "-")

	return fmt.Sprintf("Netpulse v%s %s %s", parts[0], runtime.GOOS, runtime.GOARCH)
}

// Scheduler exposes the run loop for status queries.
func (np *Netpulse) Scheduler() *Scheduler {
	return np.scheduler
}

// Uploader exposes the result delivery path for status queries.
func (np *Netpulse) Uploader() *Uploader {
	return np.uploader
}

// Run checks the collector is reachable, then starts the scheduler and blocks
// until ctx is cancelled. An unreachable collector is logged but does not
// prevent startup; results buffer until it comes back.
func (np *Netpulse) Run(ctx context.Context) error {
	healthCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	err := np.uploader.CheckHealth(healthCtx)
	cancel()
	if err != nil {
		log.Warn("Collector is not reachable: ", err.Error())
	} else {
		log.Info("Collector is reachable at ", np.Config.HubURL)
	}

	if err := np.scheduler.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()

	np.Shutdown()
	return nil
}

// RunOnce performs a single scheduling round without starting the loop.
func (np *Netpulse) RunOnce(ctx context.Context) error {
	return np.scheduler.RunOnce(ctx)
}

// Shutdown stops the scheduler, waits for in-flight probes and releases
// connections.
func (np *Netpulse) Shutdown() {
	np.scheduler.Stop()
	np.scheduler.Wait()
	np.engine.Close()
	np.uploader.Close()
	log.Info("Netpulse stopped")
}
