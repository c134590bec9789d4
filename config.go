package netpulse

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	log "github.com/sirupsen/logrus"
)

var DefaultCfgPath string

func init() {
	switch runtime.GOOS {
	case "windows":
		ex, err := os.Executable()
		if err != nil {
			panic(err)
		}
		DefaultCfgPath = filepath.Join(filepath.Dir(ex), "./netpulse.conf")
	case "darwin":
		DefaultCfgPath = os.Getenv("HOME") + "/.netpulse/netpulse.conf"
	default:
		DefaultCfgPath = "/etc/netpulse/netpulse.conf"
	}
}

// ScheduleConfig controls the scheduler's run cadence. It is read-only to the
// scheduler once Start has been called.
type ScheduleConfig struct {
	IntervalSeconds  int      `toml:"interval_seconds"`
	RunOnStartup     bool     `toml:"run_on_startup"`
	EnabledProtocols []string `toml:"enabled_protocols"`
}

func (c ScheduleConfig) interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

func (c ScheduleConfig) protocolEnabled(p Protocol) bool {
	if len(c.EnabledProtocols) == 0 {
		return true
	}
	for _, name := range c.EnabledProtocols {
		if Protocol(name) == p {
			return true
		}
	}
	return false
}

// RetryConfig is the file representation of a RetryPolicy.
type RetryConfig struct {
	MaxRetries  int     `toml:"max_retries"`
	BaseDelayMs int     `toml:"base_delay_ms"`
	MaxDelayMs  int     `toml:"max_delay_ms"`
	Multiplier  float64 `toml:"multiplier"`
	Jitter      bool    `toml:"jitter"`
}

func (c RetryConfig) policy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: c.MaxRetries,
		BaseDelay:  time.Duration(c.BaseDelayMs) * time.Millisecond,
		MaxDelay:   time.Duration(c.MaxDelayMs) * time.Millisecond,
		Multiplier: c.Multiplier,
		Jitter:     c.Jitter,
	}
}

// BreakerConfig is the file representation of the circuit breaker settings.
type BreakerConfig struct {
	FailureThreshold int `toml:"failure_threshold"`
	SuccessThreshold int `toml:"success_threshold"`
	OpenTimeoutSec   int `toml:"open_timeout_seconds"`
}

func (c BreakerConfig) settings() BreakerSettings {
	return BreakerSettings{
		FailureThreshold: c.FailureThreshold,
		SuccessThreshold: c.SuccessThreshold,
		OpenTimeout:      time.Duration(c.OpenTimeoutSec) * time.Second,
	}
}

type Config struct {
	LogFile  string   `toml:"log"`
	LogLevel LogLevel `toml:"log_level"`

	HubURL   string `toml:"hub_url"`
	HubToken string `toml:"hub_token"`
	HubGzip  bool   `toml:"hub_gzip"` // enable gzip when posting results to the hub

	// ICMPCount is the number of echo requests one icmp probe sends.
	ICMPCount int `toml:"icmp_count"`

	// OfflineBufferLimit caps how many failed results the uploader keeps for
	// retry on later batches. 0 disables the buffer.
	OfflineBufferLimit int `toml:"offline_buffer_limit"`

	Schedule ScheduleConfig `toml:"schedule"`
	Retry    RetryConfig    `toml:"retry"`
	Breaker  BreakerConfig  `toml:"breaker"`

	Targets []ProbeTarget `toml:"target"`

	HostInfo []string `toml:"host_info"`
}

// NewConfig returns a Config pre-filled with defaults. Values present in the
// environment (NETPULSE_HUB_URL, NETPULSE_HUB_TOKEN) take effect immediately
// so a config file is optional in containerized setups.
func NewConfig() *Config {
	cfg := &Config{
		LogLevel:           LogLevelInfo,
		ICMPCount:          5,
		OfflineBufferLimit: 100,
		Schedule: ScheduleConfig{
			IntervalSeconds: 60,
			RunOnStartup:    true,
		},
		Retry: RetryConfig{
			MaxRetries:  3,
			BaseDelayMs: 1000,
			MaxDelayMs:  30000,
			Multiplier:  2.0,
			Jitter:      true,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			OpenTimeoutSec:   60,
		},
		HostInfo: []string{"hostname", "os_kernel", "os_family", "os_arch", "memory_total_B"},
	}

	if v := os.Getenv("NETPULSE_HUB_URL"); v != "" {
		cfg.HubURL = v
	}
	if v := os.Getenv("NETPULSE_HUB_TOKEN"); v != "" {
		cfg.HubToken = v
	}
	if v := os.Getenv("NETPULSE_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Schedule.IntervalSeconds = n
		}
	}

	return cfg
}

// TryUpdateConfigFromFile overlays values from a TOML file onto cfg.
func (cfg *Config) TryUpdateConfigFromFile(configFilePath string) error {
	_, err := os.Stat(configFilePath)
	if err != nil {
		return err
	}
	_, err = toml.DecodeFile(configFilePath, cfg)
	return err
}

// WriteDefaultConfigFile creates a config file with the default values so the
// user has something to edit on first run.
func WriteDefaultConfigFile(cfg *Config, configFilePath string) error {
	dir := filepath.Dir(configFilePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create the config dir '%s': %s", dir, err.Error())
	}

	f, err := os.OpenFile(configFilePath, os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("failed to create the default config file '%s': %s", configFilePath, err.Error())
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

// HandleAllConfigSetup prepares a ready-to-use Config: defaults, then the file
// if it exists, creating it otherwise.
func HandleAllConfigSetup(configFilePath string) (*Config, error) {
	cfg := NewConfig()

	err := cfg.TryUpdateConfigFromFile(configFilePath)
	if os.IsNotExist(err) {
		if werr := WriteDefaultConfigFile(cfg, configFilePath); werr != nil {
			return nil, werr
		}
	} else if err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (cfg *Config) validate() error {
	if cfg.Schedule.IntervalSeconds <= 0 {
		return fmt.Errorf("schedule.interval_seconds must be positive, got %d", cfg.Schedule.IntervalSeconds)
	}
	for i, t := range cfg.Targets {
		switch t.Protocol {
		case ProtocolHTTP, ProtocolTCP, ProtocolUDP, ProtocolICMP:
		default:
			return fmt.Errorf("target #%d: unknown protocol '%s'", i+1, t.Protocol)
		}
		if t.Address == "" {
			return fmt.Errorf("target #%d: missing address", i+1)
		}
	}
	return nil
}

// DumpToml renders the active config in its file format.
func (cfg *Config) DumpToml() string {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Sprintf("failed to encode config: %s", err.Error())
	}
	return buf.String()
}

// SetLogLevel sets the config level and the corresponding logrus level.
func (cfg *Config) SetLogLevel(lvl LogLevel) {
	cfg.LogLevel = lvl
	log.SetLevel(lvl.LogrusLevel())
}
