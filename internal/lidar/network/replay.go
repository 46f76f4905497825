// Package network reads sensor packets from captures and feeds them
// through a parser into a return sink.
package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/banshee-data/rangeimage/internal/lidar/parse"
	"github.com/banshee-data/rangeimage/internal/monitoring"
)

// Parser turns one UDP payload into sensor returns.
type Parser interface {
	ParsePacket(payload []byte) ([]parse.Return, error)
}

// ReturnSink consumes the returns of one packet.
type ReturnSink interface {
	AddReturns(returns []parse.Return)
}

// progressInterval is how often replay progress is logged, in packets.
const progressInterval = 10000

// ReplayPackets decodes every packet from src, keeps UDP datagrams whose
// source or destination port is udpPort (any port when udpPort <= 0),
// parses their payloads and hands the returns to sink. Payloads that fail
// to parse are counted as dropped and skipped. It returns nil at the end
// of the source and ctx.Err() on cancellation.
func ReplayPackets(ctx context.Context, src gopacket.PacketDataSource, linkType layers.LinkType, udpPort int, parser Parser, sink ReturnSink, stats *PacketStats) error {
	if parser == nil {
		return errors.New("replay requires a parser")
	}

	packetSource := gopacket.NewPacketSource(src, linkType)
	packetSource.DecodeOptions = gopacket.DecodeOptions{Lazy: true, NoCopy: true}

	port := layers.UDPPort(udpPort)
	packetCount := 0
	startTime := time.Now()

	for {
		if err := ctx.Err(); err != nil {
			monitoring.Logf("PCAP reader stopping due to context cancellation (processed %d packets)", packetCount)
			return err
		}

		packet, err := packetSource.NextPacket()
		if errors.Is(err, io.EOF) {
			monitoring.Logf("PCAP file reading complete: %d packets processed in %v", packetCount, time.Since(startTime))
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read packet %d: %w", packetCount+1, err)
		}

		udpLayer := packet.Layer(layers.LayerTypeUDP)
		if udpLayer == nil {
			continue
		}
		udp, ok := udpLayer.(*layers.UDP)
		if !ok {
			continue
		}
		if udpPort > 0 && udp.DstPort != port && udp.SrcPort != port {
			continue
		}
		if len(udp.Payload) == 0 {
			continue
		}

		packetCount++
		if stats != nil {
			stats.AddPacket(len(udp.Payload))
		}

		returns, err := parser.ParsePacket(udp.Payload)
		if err != nil {
			monitoring.Debugf("Error parsing PCAP packet %d: %v", packetCount, err)
			if stats != nil {
				stats.AddDropped()
			}
			continue
		}

		if stats != nil {
			stats.AddPoints(countValid(returns))
		}
		if sink != nil {
			sink.AddReturns(returns)
		}

		if packetCount%progressInterval == 0 {
			elapsed := time.Since(startTime)
			monitoring.Logf("PCAP progress: %d packets processed in %v (%.0f pkt/s)",
				packetCount, elapsed, float64(packetCount)/elapsed.Seconds())
		}
	}
}

func countValid(returns []parse.Return) int {
	n := 0
	for _, r := range returns {
		if r.Valid() {
			n++
		}
	}
	return n
}
