package network

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/rangeimage/internal/monitoring"
)

// ErrPCAPDisabled is returned by ReadPCAPFileLibpcap in builds without libpcap.
var ErrPCAPDisabled = errors.New("PCAP support not enabled: rebuild with -tags=pcap to enable libpcap reading")

// pcapng section header block type
const pcapngMagic = 0x0A0D0D0A

// ReadPCAPFile replays a classic pcap or pcapng capture without libpcap.
// Port filtering happens in ReplayPackets.
func ReadPCAPFile(ctx context.Context, path string, udpPort int, parser Parser, sink ReturnSink, stats *PacketStats) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open PCAP file %s: %w", path, err)
	}
	defer f.Close()

	br := bufio.NewReaderSize(f, 1<<20)
	magic, err := br.Peek(4)
	if err != nil {
		return fmt.Errorf("failed to read PCAP header from %s: %w", path, err)
	}

	var (
		src      gopacket.PacketDataSource
		linkType layers.LinkType
	)
	if binary.LittleEndian.Uint32(magic) == pcapngMagic {
		r, err := pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			return fmt.Errorf("failed to open pcapng %s: %w", path, err)
		}
		src, linkType = r, r.LinkType()
	} else {
		r, err := pcapgo.NewReader(br)
		if err != nil {
			return fmt.Errorf("failed to open pcap %s: %w", path, err)
		}
		src, linkType = r, r.LinkType()
	}

	monitoring.Logf("Replaying %s (link type %s, udp port %d)", path, linkType, udpPort)
	return ReplayPackets(ctx, src, linkType, udpPort, parser, sink, stats)
}
