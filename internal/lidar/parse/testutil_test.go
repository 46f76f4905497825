package parse

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"
)

// createTestMockConfig builds a calibration with elevations spread over
// -15..+4.5 degrees, no azimuth offset and no firing delay.
func createTestMockConfig() *Pandar40PConfig {
	config := &Pandar40PConfig{}
	for i := 0; i < CHANNELS_PER_BLOCK; i++ {
		config.AngleCorrections[i] = AngleCorrection{
			Channel:   i + 1,
			Elevation: 4.5 - float64(i)*0.5,
		}
		config.FiretimeCorrections[i] = FiretimeCorrection{
			Channel: i + 1,
		}
	}
	return config
}

// packetSpec describes a synthetic packet.
type packetSpec struct {
	azimuths   [BLOCKS_PER_PACKET]uint16
	distance   func(block, channel int) uint16
	motorSpeed uint16
	timestamp  uint32
	dateTime   [6]uint8
	sequence   *uint32
}

func createTestMockPacket() []byte {
	spec := packetSpec{
		motorSpeed: 600,
		timestamp:  250000,
		dateTime:   [6]uint8{24, 3, 15, 12, 30, 45},
		distance: func(block, channel int) uint16 {
			return uint16(1000 + block*10 + channel) // ~4m
		},
	}
	for b := range spec.azimuths {
		spec.azimuths[b] = uint16(b * 20) // 0.2 degrees apart
	}
	return buildPacket(spec)
}

func buildPacket(spec packetSpec) []byte {
	size := PACKET_SIZE_STANDARD
	if spec.sequence != nil {
		size = PACKET_SIZE_SEQUENCE
	}
	pkt := make([]byte, size)

	for b := 0; b < BLOCKS_PER_PACKET; b++ {
		off := b * BLOCK_SIZE
		binary.LittleEndian.PutUint16(pkt[off:], 0xEEFF)
		binary.LittleEndian.PutUint16(pkt[off+2:], spec.azimuths[b])
		for ch := 0; ch < CHANNELS_PER_BLOCK; ch++ {
			c := off + BLOCK_PREAMBLE_SIZE + AZIMUTH_SIZE + ch*BYTES_PER_CHANNEL
			var d uint16
			if spec.distance != nil {
				d = spec.distance(b, ch)
			}
			binary.LittleEndian.PutUint16(pkt[c:], d)
			pkt[c+2] = uint8(ch * 5)
		}
	}

	tail := pkt[TAIL_START : TAIL_START+TAIL_SIZE]
	binary.LittleEndian.PutUint16(tail[8:], spec.motorSpeed)
	binary.LittleEndian.PutUint32(tail[10:], spec.timestamp)
	tail[14] = 0x37
	tail[15] = 0x42
	copy(tail[16:22], spec.dateTime[:])

	if spec.sequence != nil {
		binary.LittleEndian.PutUint32(pkt[PACKET_SIZE_STANDARD:], *spec.sequence)
	}
	return pkt
}

func angleCSV(rows int) string {
	var b strings.Builder
	b.WriteString("Channel,Elevation,Azimuth\n")
	for i := 1; i <= rows; i++ {
		fmt.Fprintf(&b, "%d,%.3f,%.3f\n", i, 15.0-float64(i-1)*0.5, -1.042)
	}
	return b.String()
}

func firetimeCSV(rows int) string {
	var b strings.Builder
	b.WriteString("Channel,fire time(μs)\n")
	for i := 1; i <= rows; i++ {
		fmt.Fprintf(&b, "%d,%.2f\n", i, -42.22+float64(i-1)*0.5)
	}
	return b.String()
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}
