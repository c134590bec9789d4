package netpulse

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"time"
)

// ProbeUDP sends one datagram and measures the round trip if a response
// arrives within the timeout. Many UDP targets are silent on purpose, so for
// the plain variant a missing response is not a failure; it is reported
// distinctly from a socket error in the result detail. The "dns" variant
// sends a real DNS query and does require an answer.
func (e *ProbeEngine) ProbeUDP(ctx context.Context, target ProbeTarget) (*ProbeResult, error) {
	res := newProbeResult(target)
	res.TargetIP = resolveTargetIP(target.Address)

	detail := strings.ToLower(target.Detail)
	expectResponse := false

	var payload []byte
	var queryID uint16
	switch detail {
	case "", "raw":
		payload = []byte("netpulse udp probe")
	case "dns":
		name := target.Query
		if name == "" {
			name = "example.com"
		}
		queryID = uint16(rand.Intn(1 << 16))
		var err error
		payload, err = encodeDNSQuery(queryID, name)
		if err != nil {
			return failProbe(res, nil, err)
		}
		expectResponse = true
	default:
		return failProbe(res, nil, fmt.Errorf("unknown udp detail '%s'", target.Detail))
	}

	timeout := target.timeout()
	dialer := net.Dialer{Timeout: timeout}

	started := time.Now()
	conn, err := dialer.DialContext(ctx, "udp", target.Address)
	if err != nil {
		return failProbe(res, nil, err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return failProbe(res, nil, fmt.Errorf("can't set udp conn deadline: %s", err.Error()))
	}

	n, err := conn.Write(payload)
	if err != nil {
		return failProbe(res, &UDPMeasurements{BytesSent: n}, err)
	}

	m := &UDPMeasurements{BytesSent: n}

	var response = make([]byte, 1024)
	rn, err := conn.Read(response)
	rtt := time.Since(started)
	if err != nil {
		if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
			if expectResponse {
				return failProbe(res, m, fmt.Errorf("no DNS response within %v", timeout))
			}
			// silence, not an error: the write went out and nothing came back
			res.LatencyMS = 0
			finishProbe(res, m)
			res.RawDetail["note"] = "no response (target may not answer UDP probes)"
			return res, nil
		}
		return failProbe(res, m, err)
	}

	m.Responded = true
	m.BytesReceived = rn
	m.RoundTripMS = durationMS(rtt)

	if expectResponse {
		if rn < 2 || binary.BigEndian.Uint16(response[:2]) != queryID {
			return failProbe(res, m, fmt.Errorf("DNS response ID mismatch"))
		}
	}

	res.LatencyMS = m.RoundTripMS
	return finishProbe(res, m), nil
}

// encodeDNSQuery builds a minimal recursive A query for name.
func encodeDNSQuery(id uint16, name string) ([]byte, error) {
	buf := make([]byte, 0, 12+len(name)+6)

	header := [12]byte{}
	binary.BigEndian.PutUint16(header[0:2], id)
	binary.BigEndian.PutUint16(header[2:4], 0x0100) // RD flag
	binary.BigEndian.PutUint16(header[4:6], 1)      // QDCOUNT
	buf = append(buf, header[:]...)

	for _, label := range strings.Split(strings.TrimSuffix(name, "."), ".") {
		if len(label) == 0 || len(label) > 63 {
			return nil, fmt.Errorf("invalid DNS label in '%s'", name)
		}
		buf = append(buf, byte(len(label)))
		buf = append(buf, label...)
	}
	buf = append(buf, 0x00)       // root
	buf = append(buf, 0x00, 0x01) // QTYPE A
	buf = append(buf, 0x00, 0x01) // QCLASS IN

	return buf, nil
}
