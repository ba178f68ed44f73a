package tunnel

import (
	"sync"
	"time"
)

// TunnelStats is the per-session view of a stats_request response: who
// the session belongs to, what that specific connection has forwarded,
// and how long it has been up. Flow-controller state is reported
// separately in FlowControlSnapshot.
type TunnelStats struct {
	Username       string  `json:"username"`
	BytesForwarded int64   `json:"bytes_forwarded"`
	UptimeSeconds  float64 `json:"uptime_seconds"`
}

// ServerStats is the process-wide counters a server accumulates across
// every session it has ever handled.
type ServerStats struct {
	TotalConnections     int64   `json:"total_connections"`
	ActiveTunnels        int     `json:"active_tunnels"`
	TotalBytesForwarded  int64   `json:"total_bytes_forwarded"`
	UptimeSeconds        float64 `json:"uptime_seconds"`
}

// StatsSnapshot is the full JSON shape sent back in reply to a
// stats_request.
type StatsSnapshot struct {
	TunnelStats       TunnelStats         `json:"tunnel_stats"`
	FlowControlStats  FlowControlSnapshot `json:"flow_control_stats"`
	ServerStats       ServerStats         `json:"server_stats"`
}

// globalStats holds the process-wide counters a Server accumulates.
// Every field is accessed only while holding mu, mirroring the
// reference implementation's single shared stats dict.
type globalStats struct {
	mu                  sync.Mutex
	totalConnections    int64
	totalBytesForwarded int64
	uptimeStart         time.Time
}

func newGlobalStats() *globalStats {
	return &globalStats{uptimeStart: time.Now()}
}

func (g *globalStats) recordConnection() {
	g.mu.Lock()
	g.totalConnections++
	g.mu.Unlock()
}

func (g *globalStats) recordBytesForwarded(n int) {
	g.mu.Lock()
	g.totalBytesForwarded += int64(n)
	g.mu.Unlock()
}

func (g *globalStats) snapshot(activeTunnels int) ServerStats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return ServerStats{
		TotalConnections:    g.totalConnections,
		ActiveTunnels:       activeTunnels,
		TotalBytesForwarded: g.totalBytesForwarded,
		UptimeSeconds:       time.Since(g.uptimeStart).Seconds(),
	}
}
