//go:build pcap
// +build pcap

package network

import (
	"context"
	"fmt"

	"github.com/google/gopacket/pcap"

	"github.com/banshee-data/rangeimage/internal/monitoring"
)

// ReadPCAPFileLibpcap replays a capture through libpcap with a kernel BPF
// filter on udpPort. Only available when building with the 'pcap' tag.
func ReadPCAPFileLibpcap(ctx context.Context, path string, udpPort int, parser Parser, sink ReturnSink, stats *PacketStats) error {
	handle, err := pcap.OpenOffline(path)
	if err != nil {
		return fmt.Errorf("failed to open PCAP file %s: %w", path, err)
	}
	defer handle.Close()

	if udpPort > 0 {
		filterStr := fmt.Sprintf("udp port %d", udpPort)
		if err := handle.SetBPFFilter(filterStr); err != nil {
			return fmt.Errorf("failed to set BPF filter '%s': %w", filterStr, err)
		}
		monitoring.Logf("PCAP BPF filter set: %s", filterStr)
	}

	return ReplayPackets(ctx, handle, handle.LinkType(), udpPort, parser, sink, stats)
}
