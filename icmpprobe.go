package netpulse

import (
	"context"
	"math"
	"runtime"
	"time"

	"github.com/go-ping/ping"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/icmp"
)

// CheckIfRawICMPAvailable reports whether the process may open privileged raw
// ICMP sockets.
func CheckIfRawICMPAvailable() bool {
	conn, err := icmp.ListenPacket("ip4:1", "0.0.0.0")
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// CheckIfRootlessICMPAvailable reports whether unprivileged datagram ICMP
// sockets work (Linux with net.ipv4.ping_group_range configured, macOS).
func CheckIfRootlessICMPAvailable() bool {
	conn, err := icmp.ListenPacket("udp4", "")
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// ProbeICMP sends a short burst of echo requests and aggregates the samples.
// Where neither raw nor datagram ICMP sockets are available it degrades to
// timing repeated DNS resolutions of the target and marks the result with
// rawDetail.degraded=true instead of fabricating echo data.
func (e *ProbeEngine) ProbeICMP(ctx context.Context, target ProbeTarget) (*ProbeResult, error) {
	res := newProbeResult(target)

	rawAvailable := CheckIfRawICMPAvailable()
	if !rawAvailable && !CheckIfRootlessICMPAvailable() {
		logrus.Debugf("icmp: no socket privilege, falling back to DNS timing for %s", target.Address)
		return e.probeDNSFallback(ctx, target, res)
	}

	pinger, err := ping.NewPinger(target.Address)
	if err != nil {
		return failProbe(res, nil, err)
	}
	pinger.Count = e.icmpCount
	pinger.Timeout = target.timeout()
	pinger.SetPrivileged(rawAvailable || runtime.GOOS == "windows")

	if err := pinger.Run(); err != nil {
		return failProbe(res, nil, err)
	}

	pstats := pinger.Statistics()
	res.TargetIP = pstats.IPAddr.String()

	samples := make([]float64, 0, len(pstats.Rtts))
	for _, rtt := range pstats.Rtts {
		samples = append(samples, durationMS(rtt))
	}

	m := icmpStats(pstats.PacketsSent, pstats.PacketsRecv, samples)
	return e.finishICMP(res, m)
}

// probeDNSFallback times `count` DNS resolutions of the target as a latency
// proxy, spacing requests the way an echo burst would be spaced.
func (e *ProbeEngine) probeDNSFallback(ctx context.Context, target ProbeTarget, res *ProbeResult) (*ProbeResult, error) {
	samples := make([]float64, 0, e.icmpCount)
	attempted := 0

	for i := 0; i < e.icmpCount; i++ {
		if ctx.Err() != nil {
			break
		}
		attempted++
		started := time.Now()
		ipAddr, err := resolveIPAddrWithTimeout(ctx, target.Address, target.timeout())
		if err == nil {
			samples = append(samples, durationMS(time.Since(started)))
			res.TargetIP = ipAddr.String()
		}
		if i < e.icmpCount-1 {
			_ = sleepContext(ctx, 200*time.Millisecond)
		}
	}

	m := icmpStats(attempted, len(samples), samples)
	m.Degraded = true
	return e.finishICMP(res, m)
}

func (e *ProbeEngine) finishICMP(res *ProbeResult, m *ICMPMeasurements) (*ProbeResult, error) {
	res.LatencyMS = m.AvgLatencyMS
	res.JitterMS = float64Ptr(m.JitterMS)
	res.PacketLossPercent = float64Ptr(m.PacketLossPercent)

	if m.PacketsReceived == 0 {
		return failProbe(res, m, errors.New("no packets received"))
	}
	return finishProbe(res, m), nil
}

// icmpStats aggregates round-trip samples. Jitter is the mean of absolute
// differences between consecutive samples, not the standard deviation.
func icmpStats(sent, received int, samples []float64) *ICMPMeasurements {
	m := &ICMPMeasurements{
		PacketsSent:     sent,
		PacketsReceived: received,
	}

	if sent > 0 {
		loss := float64(sent-received) / float64(sent) * 100
		if loss < 0 {
			loss = 0
		} else if loss > 100 {
			loss = 100
		}
		m.PacketLossPercent = loss
	}

	if len(samples) == 0 {
		return m
	}

	min, max, sum := samples[0], samples[0], 0.0
	for _, s := range samples {
		sum += s
		if s < min {
			min = s
		}
		if s > max {
			max = s
		}
	}
	m.MinLatencyMS = min
	m.MaxLatencyMS = max
	m.AvgLatencyMS = sum / float64(len(samples))
	m.JitterMS = meanAbsJitter(samples)

	return m
}

// meanAbsJitter returns mean(|s_i - s_{i-1}|) over consecutive samples.
func meanAbsJitter(samples []float64) float64 {
	if len(samples) < 2 {
		return 0
	}
	var sum float64
	for i := 1; i < len(samples); i++ {
		sum += math.Abs(samples[i] - samples[i-1])
	}
	return sum / float64(len(samples)-1)
}
