//go:build !pcap
// +build !pcap

package network

import "context"

// ReadPCAPFileLibpcap is a stub implementation when libpcap support is
// disabled. ReadPCAPFile needs no build tag.
func ReadPCAPFileLibpcap(ctx context.Context, path string, udpPort int, parser Parser, sink ReturnSink, stats *PacketStats) error {
	return ErrPCAPDisabled
}
