package network

import (
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/rangeimage/internal/monitoring"
)

// StatsSnapshot is a point-in-time copy of the running totals.
type StatsSnapshot struct {
	Packets int64
	Bytes   int64
	Dropped int64
	Points  int64
	Elapsed time.Duration
}

// PacketsPerSec returns the average packet rate over the snapshot window.
func (s StatsSnapshot) PacketsPerSec() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.Packets) / s.Elapsed.Seconds()
}

// PacketStats tracks packet statistics with thread-safe operations.
type PacketStats struct {
	mu          sync.Mutex
	packetCount int64
	byteCount   int64
	dropped     int64
	pointCount  int64
	startTime   time.Time
	now         func() time.Time
}

// NewPacketStats creates a new PacketStats instance.
func NewPacketStats() *PacketStats {
	return &PacketStats{startTime: time.Now(), now: time.Now}
}

// AddPacket counts one accepted UDP payload of the given size.
func (ps *PacketStats) AddPacket(bytes int) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.packetCount++
	ps.byteCount += int64(bytes)
}

// AddDropped counts a payload that could not be parsed.
func (ps *PacketStats) AddDropped() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.dropped++
}

// AddPoints counts parsed returns with an echo.
func (ps *PacketStats) AddPoints(count int) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.pointCount += int64(count)
}

// Snapshot returns the totals accumulated since creation.
func (ps *PacketStats) Snapshot() StatsSnapshot {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return StatsSnapshot{
		Packets: ps.packetCount,
		Bytes:   ps.byteCount,
		Dropped: ps.dropped,
		Points:  ps.pointCount,
		Elapsed: ps.now().Sub(ps.startTime),
	}
}

// LogStats logs the running totals.
func (ps *PacketStats) LogStats() {
	s := ps.Snapshot()
	msg := fmt.Sprintf("Lidar stats: %d packets (%.1f/s), %.2f MB, %s points",
		s.Packets, s.PacketsPerSec(), float64(s.Bytes)/(1024*1024), FormatWithCommas(s.Points))
	if s.Dropped > 0 {
		msg += fmt.Sprintf(", %d dropped", s.Dropped)
	}
	monitoring.Logf("%s", msg)
}

// FormatWithCommas formats a number with thousands separators.
func FormatWithCommas(n int64) string {
	if n < 0 {
		return "-" + FormatWithCommas(-n)
	}
	s := fmt.Sprintf("%d", n)
	if len(s) <= 3 {
		return s
	}
	var out []byte
	lead := len(s) % 3
	if lead > 0 {
		out = append(out, s[:lead]...)
	}
	for i := lead; i < len(s); i += 3 {
		if len(out) > 0 {
			out = append(out, ',')
		}
		out = append(out, s[i:i+3]...)
	}
	return string(out)
}
