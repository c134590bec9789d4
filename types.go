package netpulse

import (
	"encoding/json"
	"time"
)

// Protocol selects which measurement the engine performs against a target.
type Protocol string

const (
	ProtocolHTTP Protocol = "http"
	ProtocolTCP  Protocol = "tcp"
	ProtocolUDP  Protocol = "udp"
	ProtocolICMP Protocol = "icmp"
)

// ProbeTarget describes one address to measure. The Detail field carries the
// protocol-specific sub-variant: an HTTP method ("get", "head", ...) for http,
// "raw"/"tls"/"ssh" for tcp, "raw"/"dns" for udp. Targets are immutable once
// handed to the scheduler.
type ProbeTarget struct {
	Protocol  Protocol `toml:"protocol" json:"protocol"`
	Address   string   `toml:"address" json:"address"`
	Detail    string   `toml:"detail,omitempty" json:"detail,omitempty"`
	Query     string   `toml:"query,omitempty" json:"query,omitempty"` // DNS name for udp/dns targets
	TimeoutMs int      `toml:"timeout_ms" json:"timeout_ms"`

	// HTTPVersion forces http probes onto "http1" or "http2"; empty or
	// "auto" lets the client negotiate.
	HTTPVersion string `toml:"http_version,omitempty" json:"http_version,omitempty"`
}

func (t ProbeTarget) timeout() time.Duration {
	if t.TimeoutMs <= 0 {
		return 10 * time.Second
	}
	return time.Duration(t.TimeoutMs) * time.Millisecond
}

// Measurements is the per-protocol measurement variant attached to a
// ProbeResult. The concrete type is decided once, when the result is created.
type Measurements interface {
	isMeasurements()
}

type HTTPMeasurements struct {
	StatusCode        int     `json:"status_code"`
	Proto             string  `json:"connected_proto"`
	DNSLookupMS       float64 `json:"dns_lookup_ms"`
	ConnectMS         float64 `json:"tcp_connect_ms"`
	TLSHandshakeMS    float64 `json:"tls_handshake_ms"`
	TTFBMS            float64 `json:"ttfb_ms"`
	TotalTimeMS       float64 `json:"total_time_ms"`
	BytesReceived     int64   `json:"bytes_received"`
	TransferSpeedMbps float64 `json:"transfer_speed_mbps"`
}

type TCPMeasurements struct {
	ConnectMS   float64 `json:"connect_ms"`
	HandshakeMS float64 `json:"handshake_ms,omitempty"`
	RemoteAddr  string  `json:"remote_addr,omitempty"`
	LocalAddr   string  `json:"local_addr,omitempty"`
	TLSVersion  string  `json:"tls_version,omitempty"`
	TLSCipher   string  `json:"tls_cipher,omitempty"`
	CertExpiry  float64 `json:"cert_expiry_days,omitempty"`
	SSHBanner   string  `json:"ssh_banner,omitempty"`
}

type UDPMeasurements struct {
	RoundTripMS   float64 `json:"round_trip_ms"`
	BytesSent     int     `json:"bytes_sent"`
	BytesReceived int     `json:"bytes_received"`
	Responded     bool    `json:"responded"`
}

type ICMPMeasurements struct {
	PacketsSent       int     `json:"packets_sent"`
	PacketsReceived   int     `json:"packets_received"`
	MinLatencyMS      float64 `json:"min_latency_ms"`
	MaxLatencyMS      float64 `json:"max_latency_ms"`
	AvgLatencyMS      float64 `json:"avg_latency_ms"`
	JitterMS          float64 `json:"jitter_ms"`
	PacketLossPercent float64 `json:"packet_loss_percent"`
	Degraded          bool    `json:"degraded,omitempty"`
}

func (HTTPMeasurements) isMeasurements() {}
func (TCPMeasurements) isMeasurements()  {}
func (UDPMeasurements) isMeasurements()  {}
func (ICMPMeasurements) isMeasurements() {}

// ProbeResult is the normalized outcome of a single probe invocation.
// It is immutable after creation; the scheduler owns it until it is handed
// to the uploader.
type ProbeResult struct {
	ID                string                 `json:"id"`
	Protocol          Protocol               `json:"protocol"`
	Target            string                 `json:"target"`
	ProtocolDetail    string                 `json:"protocol_detail,omitempty"`
	TargetIP          string                 `json:"target_ip,omitempty"`
	LatencyMS         float64                `json:"latency_ms,omitempty"`
	JitterMS          *float64               `json:"jitter_ms,omitempty"`
	PacketLossPercent *float64               `json:"packet_loss_percent,omitempty"`
	ThroughputMbps    *float64               `json:"throughput_mbps,omitempty"`
	Success           bool                   `json:"success"`
	RawDetail         map[string]interface{} `json:"raw_detail,omitempty"`
	Timestamp         time.Time              `json:"timestamp"`

	// Measurements keeps the typed variant for in-process consumers.
	// The wire format carries its flattened form in RawDetail.
	Measurements Measurements `json:"-"`
}

// RunStats is the scheduler's aggregate view of past runs. GetStats returns
// copies, never a live reference.
type RunStats struct {
	IsRunning    bool      `json:"is_running"`
	LastRunTime  time.Time `json:"last_run_time"`
	SuccessCount int       `json:"success_count"`
	FailureCount int       `json:"failure_count"`
}

// rawDetail flattens a measurement variant into the generic map carried on
// the wire. A nil variant yields an empty, non-nil map so callers can attach
// error details unconditionally.
func rawDetail(m Measurements) map[string]interface{} {
	out := map[string]interface{}{}
	if m == nil {
		return out
	}
	b, err := json.Marshal(m)
	if err != nil {
		return out
	}
	_ = json.Unmarshal(b, &out)
	return out
}

func float64Ptr(v float64) *float64 {
	return &v
}
