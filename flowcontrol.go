package tunnel

import (
	"sync"
	"time"
)

const (
	defaultInitialWindow = 65536
	defaultMaxWindow     = 1048576
	defaultMinWindow     = 4096

	rttSampleCap        = 10
	throughputSampleCap = 20

	rtoMin = 200 * time.Millisecond
	rtoMax = 60 * time.Second

	// RFC 6298 smoothing constants.
	rttAlpha = 1.0 / 8.0
	rttBeta  = 1.0 / 4.0
	rttK     = 4.0
)

// FlowController is a TCP-Reno-style advisory congestion controller run
// per session. It tracks a congestion window, slow-start threshold, and
// an RTT/RTO estimate, but never gates the dispatcher directly: a full
// window does not block forwarding, it only shapes the statistics a
// session reports and the pacing decisions a caller chooses to make.
type FlowController struct {
	mu sync.Mutex

	cwnd      float64
	ssthresh  float64
	minWindow float64
	maxWindow float64

	bytesInFlight int64

	srtt    time.Duration
	rttvar  time.Duration
	rto     time.Duration
	haveRTT bool

	rttSamples []time.Duration

	throughputSamples []float64
	sampleBytes       int64
	sampleStart       time.Time
}

// NewFlowController creates a controller with the given initial
// congestion window. slow start begins at minWindow, not at
// initialWindow: ssthresh is set to half of initialWindow, matching the
// reference controller's conservative startup.
func NewFlowController(initialWindow int) *FlowController {
	if initialWindow <= 0 {
		initialWindow = defaultInitialWindow
	}
	fc := &FlowController{
		cwnd:      defaultMinWindow,
		ssthresh:  float64(initialWindow) / 2,
		minWindow: defaultMinWindow,
		maxWindow: defaultMaxWindow,
		rto:       3 * time.Second,
	}
	return fc
}

// CanSend reports whether n additional bytes fit within the current
// congestion window given bytes already in flight.
func (fc *FlowController) CanSend(n int) bool {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return float64(fc.bytesInFlight)+float64(n) <= fc.cwnd
}

// OnPacketSent records n bytes as in flight.
func (fc *FlowController) OnPacketSent(n int) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.bytesInFlight += int64(n)
}

// OnAckReceived records the acknowledgment of n bytes after the given
// round-trip sample, growing the window per slow start or congestion
// avoidance depending on which phase cwnd is currently in.
func (fc *FlowController) OnAckReceived(n int, rtt time.Duration) {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	fc.bytesInFlight -= int64(n)
	if fc.bytesInFlight < 0 {
		fc.bytesInFlight = 0
	}

	if fc.cwnd < fc.ssthresh {
		// Slow start: exponential growth, one window's worth of MSS per RTT.
		fc.cwnd += float64(n)
	} else {
		// Congestion avoidance: additive increase, roughly one MSS per RTT.
		fc.cwnd += float64(n) * float64(n) / fc.cwnd
	}
	if fc.cwnd > fc.maxWindow {
		fc.cwnd = fc.maxWindow
	}

	fc.updateRTT(rtt)
	fc.updateThroughput(n)
}

// OnPacketLoss applies Reno's multiplicative decrease on a fast
// retransmit / duplicate-ack style loss signal: half the window becomes
// the new threshold and the new window, rather than collapsing to
// minWindow as OnTimeout does.
func (fc *FlowController) OnPacketLoss() {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.ssthresh = maxFloat(fc.cwnd/2, fc.minWindow)
	fc.cwnd = fc.ssthresh
}

// OnTimeout applies the harsher response to a retransmission timeout:
// the window collapses back to minWindow and slow start restarts.
func (fc *FlowController) OnTimeout() {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.ssthresh = maxFloat(fc.cwnd/2, fc.minWindow)
	fc.cwnd = fc.minWindow
}

// updateRTT folds a new RTT sample into the SRTT/RTTVAR estimators per
// RFC 6298 and recomputes RTO, clamped to [rtoMin, rtoMax]. Callers must
// hold fc.mu.
func (fc *FlowController) updateRTT(sample time.Duration) {
	fc.rttSamples = append(fc.rttSamples, sample)
	if len(fc.rttSamples) > rttSampleCap {
		fc.rttSamples = fc.rttSamples[len(fc.rttSamples)-rttSampleCap:]
	}

	if !fc.haveRTT {
		fc.srtt = sample
		fc.rttvar = sample / 2
		fc.haveRTT = true
	} else {
		delta := fc.srtt - sample
		if delta < 0 {
			delta = -delta
		}
		fc.rttvar = time.Duration((1-rttBeta)*float64(fc.rttvar) + rttBeta*float64(delta))
		fc.srtt = time.Duration((1-rttAlpha)*float64(fc.srtt) + rttAlpha*float64(sample))
	}

	rto := fc.srtt + time.Duration(rttK*float64(fc.rttvar))
	switch {
	case rto < rtoMin:
		rto = rtoMin
	case rto > rtoMax:
		rto = rtoMax
	}
	fc.rto = rto
}

// updateThroughput folds n bytes into a rolling, time-windowed
// throughput sample, emitting one sample per second of wall-clock time.
// Callers must hold fc.mu.
func (fc *FlowController) updateThroughput(n int) {
	now := time.Now()
	if fc.sampleStart.IsZero() {
		fc.sampleStart = now
	}
	fc.sampleBytes += int64(n)

	elapsed := now.Sub(fc.sampleStart)
	if elapsed < time.Second {
		return
	}

	bytesPerSecond := float64(fc.sampleBytes) / elapsed.Seconds()
	fc.throughputSamples = append(fc.throughputSamples, bytesPerSecond)
	if len(fc.throughputSamples) > throughputSampleCap {
		fc.throughputSamples = fc.throughputSamples[len(fc.throughputSamples)-throughputSampleCap:]
	}
	fc.sampleBytes = 0
	fc.sampleStart = now
}

// GetTimeout returns the controller's current retransmission timeout
// estimate.
func (fc *FlowController) GetTimeout() time.Duration {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.rto
}

// FlowControlSnapshot is a point-in-time read of the controller's state, suitable
// for embedding in a stats response.
type FlowControlSnapshot struct {
	CongestionWindow int64   `json:"congestion_window"`
	SlowStartThresh  int64   `json:"slow_start_threshold"`
	BytesInFlight    int64   `json:"bytes_in_flight"`
	SRTTMillis       float64 `json:"srtt_ms"`
	RTOMillis        float64 `json:"rto_ms"`
	ThroughputBps    float64 `json:"throughput_bytes_per_sec"`
}

// Snapshot returns the controller's current state. ThroughputBps is the
// average of all retained throughput samples, or 0 if none have been
// recorded yet.
func (fc *FlowController) Snapshot() FlowControlSnapshot {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	var avgThroughput float64
	if len(fc.throughputSamples) > 0 {
		var sum float64
		for _, s := range fc.throughputSamples {
			sum += s
		}
		avgThroughput = sum / float64(len(fc.throughputSamples))
	}

	return FlowControlSnapshot{
		CongestionWindow: int64(fc.cwnd),
		SlowStartThresh:  int64(fc.ssthresh),
		BytesInFlight:    fc.bytesInFlight,
		SRTTMillis:       float64(fc.srtt) / float64(time.Millisecond),
		RTOMillis:        float64(fc.rto) / float64(time.Millisecond),
		ThroughputBps:    avgThroughput,
	}
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
