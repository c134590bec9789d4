package netpulse

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/http/httptrace"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/net/http2"
)

func newProbeRoundTripper(v httpVersion) http.RoundTripper {
	switch v {
	case httpVersion2:
		return &http2.Transport{
			TLSClientConfig: &tls.Config{},
		}
	case httpVersion1:
		return &http.Transport{
			DisableKeepAlives: true,
			Proxy:             http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout: 15 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout: 10 * time.Second,
			// an empty TLSNextProto map disables HTTP/2 negotiation
			TLSNextProto: make(map[string]func(authority string, c *tls.Conn) http.RoundTripper),
		}
	default:
		return &http.Transport{
			DisableKeepAlives: true,
			Proxy:             http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout: 15 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout: 10 * time.Second,
			ForceAttemptHTTP2:   true,
		}
	}
}

func (e *ProbeEngine) httpTransportFor(v httpVersion) *Transport {
	switch v {
	case httpVersion1:
		return e.transportH1
	case httpVersion2:
		return e.transportH2
	default:
		return e.transport
	}
}

// ProbeHTTP issues one timed request through the resilient transport and
// records the negotiated protocol, status code, time-to-first-byte, total
// time and content length. Latency is the total request time.
func (e *ProbeEngine) ProbeHTTP(ctx context.Context, target ProbeTarget) (*ProbeResult, error) {
	res := newProbeResult(target)
	res.TargetIP = resolveTargetIP(hostFromURL(target.Address))

	version, err := httpVersionFromString(target.HTTPVersion)
	if err != nil {
		return failProbe(res, nil, err)
	}

	method := strings.ToUpper(target.Detail)
	if method == "" {
		method = http.MethodGet
	}

	var (
		dnsStart    time.Time
		dnsDuration time.Duration
		connStart   time.Time
		connDone    time.Duration
		tlsStart    time.Time
		tlsDuration time.Duration
		firstByte   time.Time
	)

	trace := &httptrace.ClientTrace{
		DNSStart: func(httptrace.DNSStartInfo) { dnsStart = time.Now() },
		DNSDone: func(httptrace.DNSDoneInfo) {
			if !dnsStart.IsZero() {
				dnsDuration = time.Since(dnsStart)
			}
		},
		ConnectStart: func(_, _ string) { connStart = time.Now() },
		ConnectDone: func(_, _ string, _ error) {
			if !connStart.IsZero() {
				connDone = time.Since(connStart)
			}
		},
		TLSHandshakeStart: func() { tlsStart = time.Now() },
		TLSHandshakeDone: func(tls.ConnectionState, error) {
			if !tlsStart.IsZero() {
				tlsDuration = time.Since(tlsStart)
			}
		},
		GotFirstResponseByte: func() { firstByte = time.Now() },
	}

	ctx, cancel := context.WithTimeout(ctx, target.timeout())
	defer cancel()
	ctx = httptrace.WithClientTrace(ctx, trace)

	req, err := http.NewRequestWithContext(ctx, method, target.Address, nil)
	if err != nil {
		return failProbe(res, nil, err)
	}

	startedAt := time.Now()
	resp, err := e.httpTransportFor(version).Do(req)
	if err != nil {
		m := &HTTPMeasurements{
			DNSLookupMS:    durationMS(dnsDuration),
			ConnectMS:      durationMS(connDone),
			TLSHandshakeMS: durationMS(tlsDuration),
			TotalTimeMS:    durationMS(time.Since(startedAt)),
		}
		if serr, ok := errors.Cause(err).(*StatusError); ok {
			m.StatusCode = serr.StatusCode
		}
		res.LatencyMS = m.TotalTimeMS
		return failProbe(res, m, err)
	}
	defer resp.Body.Close()

	// drain the body so total time and transfer speed cover the full payload
	var bytesReceived int64
	buf := make([]byte, 32*1024)
	for {
		n, rerr := resp.Body.Read(buf)
		bytesReceived += int64(n)
		if rerr != nil {
			break
		}
	}

	totalTime := time.Since(startedAt)

	m := &HTTPMeasurements{
		StatusCode:     resp.StatusCode,
		Proto:          resp.Proto,
		DNSLookupMS:    durationMS(dnsDuration),
		ConnectMS:      durationMS(connDone),
		TLSHandshakeMS: durationMS(tlsDuration),
		TotalTimeMS:    durationMS(totalTime),
		BytesReceived:  bytesReceived,
	}
	if !firstByte.IsZero() {
		m.TTFBMS = durationMS(firstByte.Sub(startedAt))
	} else {
		m.TTFBMS = m.TotalTimeMS
	}
	if totalTime.Seconds() > 0 {
		m.TransferSpeedMbps = float64(bytesReceived) * 8 / 1e6 / totalTime.Seconds()
	}

	res.LatencyMS = m.TotalTimeMS
	res.ThroughputMbps = float64Ptr(m.TransferSpeedMbps)
	return finishProbe(res, m), nil
}

func hostFromURL(rawURL string) string {
	rest := rawURL
	if idx := strings.Index(rest, "://"); idx >= 0 {
		rest = rest[idx+3:]
	}
	if idx := strings.IndexAny(rest, "/?#"); idx >= 0 {
		rest = rest[:idx]
	}
	return rest
}
