package netpulse

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const timeoutDNSResolve = time.Second * 5

// ProbeEngine performs one measurement per protocol. HTTP probes run through
// resilient transports so probing benefits from retry and circuit breaking;
// the TCP, UDP and ICMP probes use raw connections directly.
type ProbeEngine struct {
	transport   *Transport // auto-negotiated HTTP
	transportH1 *Transport // forced HTTP/1.1
	transportH2 *Transport // forced HTTP/2

	userAgent string
	icmpCount int
}

// ProbeEngineOption configures a ProbeEngine.
type ProbeEngineOption func(*ProbeEngine)

// WithICMPCount sets how many echo requests one icmp probe sends.
func WithICMPCount(n int) ProbeEngineOption {
	return func(e *ProbeEngine) {
		if n > 0 {
			e.icmpCount = n
		}
	}
}

// NewProbeEngine builds an engine whose HTTP transports share the given retry
// policy and breaker settings. Each transport owns its own breaker so a
// misbehaving HTTP/2 endpoint cannot trip probing over HTTP/1.1.
func NewProbeEngine(retry RetryPolicy, breaker BreakerSettings, userAgent string, opts ...ProbeEngineOption) *ProbeEngine {
	e := &ProbeEngine{
		userAgent: userAgent,
		icmpCount: 5,
	}
	e.transport = NewTransport(
		WithRetryPolicy(retry),
		WithBreakerSettings(breaker),
		WithUserAgent(userAgent),
		WithHTTPClient(newProbeHTTPClient(httpVersionAuto)),
	)
	e.transportH1 = NewTransport(
		WithRetryPolicy(retry),
		WithBreakerSettings(breaker),
		WithUserAgent(userAgent),
		WithHTTPClient(newProbeHTTPClient(httpVersion1)),
	)
	e.transportH2 = NewTransport(
		WithRetryPolicy(retry),
		WithBreakerSettings(breaker),
		WithUserAgent(userAgent),
		WithHTTPClient(newProbeHTTPClient(httpVersion2)),
	)

	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Close releases the engine's HTTP transports.
func (e *ProbeEngine) Close() {
	e.transport.Close()
	e.transportH1.Close()
	e.transportH2.Close()
}

// Probe dispatches to the protocol-specific measurement. Errors are non-fatal
// to the caller: a failed probe still yields a ProbeResult with success=false
// and the error text under rawDetail.error. A panic inside one probe unit is
// caught here so one bad target cannot take down a whole run.
func (e *ProbeEngine) Probe(ctx context.Context, target ProbeTarget) (res *ProbeResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			logrus.Errorf("probe: %s %s panicked: %v", target.Protocol, target.Address, r)
			err = errors.Errorf("probe panicked: %v", r)
			res = newProbeResult(target)
			res.RawDetail = map[string]interface{}{"error": err.Error()}
		}
	}()

	switch target.Protocol {
	case ProtocolHTTP:
		return e.ProbeHTTP(ctx, target)
	case ProtocolTCP:
		return e.ProbeTCP(ctx, target)
	case ProtocolUDP:
		return e.ProbeUDP(ctx, target)
	case ProtocolICMP:
		return e.ProbeICMP(ctx, target)
	default:
		err = errors.Errorf("unknown protocol '%s'", target.Protocol)
		res = newProbeResult(target)
		res.RawDetail = map[string]interface{}{"error": err.Error()}
		return res, err
	}
}

func newProbeResult(target ProbeTarget) *ProbeResult {
	return &ProbeResult{
		ID:             uuid.New().String(),
		Protocol:       target.Protocol,
		Target:         target.Address,
		ProtocolDetail: target.Detail,
		Timestamp:      time.Now(),
	}
}

// failProbe finalizes res as a failed measurement, preserving whatever was
// measured before the failure.
func failProbe(res *ProbeResult, m Measurements, err error) (*ProbeResult, error) {
	res.Success = false
	res.Measurements = m
	res.RawDetail = rawDetail(m)
	res.RawDetail["error"] = err.Error()
	if errors.Cause(err) == ErrCircuitOpen {
		res.RawDetail["circuit_open"] = true
	}
	return res, err
}

func finishProbe(res *ProbeResult, m Measurements) *ProbeResult {
	res.Success = true
	res.Measurements = m
	res.RawDetail = rawDetail(m)
	return res
}

// resolveTargetIP best-effort resolves the host part of an address for the
// target_ip result field. It never fails a probe.
func resolveTargetIP(address string) string {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		host = address
	}
	if ip := net.ParseIP(host); ip != nil {
		return host
	}
	ips, err := net.LookupIP(host)
	if err != nil || len(ips) == 0 {
		return ""
	}
	return ips[0].String()
}

func resolveIPAddrWithTimeout(ctx context.Context, addr string, timeout time.Duration) (*net.IPAddr, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ipAddrs, err := net.DefaultResolver.LookupIPAddr(ctx, addr)
	if err != nil {
		return nil, err
	}
	if len(ipAddrs) == 0 {
		return nil, errors.New("can't resolve host")
	}
	return &ipAddrs[0], nil
}

func durationMS(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000.0
}

type httpVersion int

const (
	httpVersionAuto httpVersion = iota
	httpVersion1
	httpVersion2
)

func httpVersionFromString(s string) (httpVersion, error) {
	switch s {
	case "", "auto":
		return httpVersionAuto, nil
	case "http1":
		return httpVersion1, nil
	case "http2":
		return httpVersion2, nil
	default:
		return httpVersionAuto, fmt.Errorf("unsupported http version '%s'", s)
	}
}

func newProbeHTTPClient(v httpVersion) *http.Client {
	return &http.Client{
		// Per-probe deadlines come from the request context; this is the
		// emergency ceiling.
		Timeout:   60 * time.Second,
		Transport: newProbeRoundTripper(v),
	}
}
