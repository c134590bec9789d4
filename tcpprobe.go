package netpulse

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"
)

var sshBannerRegex = regexp.MustCompile(`^SSH-[0-9]+\.[0-9]+-[^\r\n]*`)

// ProbeTCP establishes one connection to the target address. The detail field
// selects the variant: "raw" (default) measures time to an established
// connection, "tls" measures through the TLS handshake and records the
// negotiated parameters, "ssh" reads the server banner. A single attempt per
// invocation; cadence is the scheduler's business.
func (e *ProbeEngine) ProbeTCP(ctx context.Context, target ProbeTarget) (*ProbeResult, error) {
	res := newProbeResult(target)
	res.TargetIP = resolveTargetIP(target.Address)

	switch strings.ToLower(target.Detail) {
	case "", "raw":
		return e.probeRawTCP(ctx, target, res)
	case "tls":
		return e.probeTLS(ctx, target, res)
	case "ssh":
		return e.probeSSH(ctx, target, res)
	default:
		return failProbe(res, nil, fmt.Errorf("unknown tcp detail '%s'", target.Detail))
	}
}

func (e *ProbeEngine) probeRawTCP(ctx context.Context, target ProbeTarget, res *ProbeResult) (*ProbeResult, error) {
	dialer := net.Dialer{Timeout: target.timeout()}

	started := time.Now()
	conn, err := dialer.DialContext(ctx, "tcp", target.Address)
	connectTime := time.Since(started)
	if err != nil {
		return failProbe(res, &TCPMeasurements{ConnectMS: durationMS(connectTime)}, err)
	}
	defer conn.Close()

	m := &TCPMeasurements{
		ConnectMS:  durationMS(connectTime),
		RemoteAddr: conn.RemoteAddr().String(),
		LocalAddr:  conn.LocalAddr().String(),
	}
	res.LatencyMS = m.ConnectMS
	return finishProbe(res, m), nil
}

func (e *ProbeEngine) probeTLS(ctx context.Context, target ProbeTarget, res *ProbeResult) (*ProbeResult, error) {
	hostname, _, err := net.SplitHostPort(target.Address)
	if err != nil {
		hostname = target.Address
	}
	if net.ParseIP(hostname) != nil {
		hostname = ""
	}

	dialer := &net.Dialer{Timeout: target.timeout()}

	started := time.Now()
	conn, err := tls.DialWithDialer(dialer, "tcp", target.Address, &tls.Config{ServerName: hostname})
	totalTime := time.Since(started)
	if err != nil {
		if strings.HasPrefix(err.Error(), "tls:") {
			err = fmt.Errorf("service doesn't support TLS: %s", err.Error())
		}
		return failProbe(res, &TCPMeasurements{ConnectMS: durationMS(totalTime)}, err)
	}
	defer conn.Close()

	state := conn.ConnectionState()
	m := &TCPMeasurements{
		ConnectMS:   durationMS(totalTime),
		HandshakeMS: durationMS(totalTime),
		RemoteAddr:  conn.RemoteAddr().String(),
		LocalAddr:   conn.LocalAddr().String(),
		TLSVersion:  tlsVersionName(state.Version),
		TLSCipher:   tls.CipherSuiteName(state.CipherSuite),
	}

	if len(state.PeerCertificates) > 0 {
		remaining := state.PeerCertificates[0].NotAfter.Sub(time.Now()).Hours() / 24
		for _, cert := range state.PeerCertificates[1:] {
			if r := cert.NotAfter.Sub(time.Now()).Hours() / 24; r < remaining {
				remaining = r
			}
		}
		m.CertExpiry = remaining
	}

	res.LatencyMS = m.ConnectMS
	return finishProbe(res, m), nil
}

func (e *ProbeEngine) probeSSH(ctx context.Context, target ProbeTarget, res *ProbeResult) (*ProbeResult, error) {
	timeout := target.timeout()
	dialer := net.Dialer{Timeout: timeout}

	started := time.Now()
	conn, err := dialer.DialContext(ctx, "tcp", target.Address)
	if err != nil {
		return failProbe(res, &TCPMeasurements{ConnectMS: durationMS(time.Since(started))}, err)
	}
	defer conn.Close()
	connectTime := time.Since(started)

	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	var b = make([]byte, 512)
	n, err := conn.Read(b)
	bannerTime := time.Since(started)
	if err != nil {
		return failProbe(res, &TCPMeasurements{ConnectMS: durationMS(connectTime)}, err)
	}

	banner := sshBannerRegex.Find(b[:n])
	if banner == nil {
		return failProbe(res,
			&TCPMeasurements{ConnectMS: durationMS(connectTime)},
			fmt.Errorf("invalid response: expected an SSH banner but got '%s'", string(b[:n])))
	}

	// identify ourselves so the server closes the session cleanly
	_ = conn.SetWriteDeadline(time.Now().Add(timeout))
	_, _ = conn.Write([]byte("SSH-2.0-netpulse\r\n"))

	m := &TCPMeasurements{
		ConnectMS:   durationMS(connectTime),
		HandshakeMS: durationMS(bannerTime),
		RemoteAddr:  conn.RemoteAddr().String(),
		LocalAddr:   conn.LocalAddr().String(),
		SSHBanner:   string(banner),
	}
	res.LatencyMS = m.HandshakeMS
	return finishProbe(res, m), nil
}

func tlsVersionName(version uint16) string {
	switch version {
	case tls.VersionTLS10:
		return "TLS 1.0"
	case tls.VersionTLS11:
		return "TLS 1.1"
	case tls.VersionTLS12:
		return "TLS 1.2"
	case tls.VersionTLS13:
		return "TLS 1.3"
	default:
		return fmt.Sprintf("unknown (0x%x)", version)
	}
}
