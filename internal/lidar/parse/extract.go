package parse

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/rangeimage/internal/monitoring"
)

/*
Pandar40P packet layout (1262 bytes, 1266 with UDP sequencing enabled):

├── Data Blocks (1240 bytes) - 10 blocks × 124 bytes, starting at offset 0
│   └── Each block: 2-byte preamble (0xFFEE) + 2-byte azimuth + 40 channels × 3 bytes
├── Tail (22 bytes) at offset 1240
└── UDP sequence (4 bytes, optional)

Each packet yields exactly 400 returns, one per (block, channel). Channels
without an echo are reported with Distance == 0 and a zero position so that
downstream scan assembly keeps one slot per laser per firing.
*/

// Pandar40P LiDAR packet structure constants
const (
	PACKET_SIZE_STANDARD = 1262 // UDP payload without sequence number
	PACKET_SIZE_SEQUENCE = 1266 // UDP payload with 4-byte sequence number
	BLOCKS_PER_PACKET    = 10
	CHANNELS_PER_BLOCK   = 40
	BYTES_PER_CHANNEL    = 3 // 2 bytes distance + 1 byte reflectivity
	TAIL_START           = 1240
	TAIL_SIZE            = 22
	SEQUENCE_SIZE        = 4
	BLOCK_PREAMBLE_SIZE  = 2
	AZIMUTH_SIZE         = 2
	BLOCK_SIZE           = BLOCK_PREAMBLE_SIZE + AZIMUTH_SIZE + (CHANNELS_PER_BLOCK * BYTES_PER_CHANNEL) // 124 bytes
	RETURNS_PER_PACKET   = BLOCKS_PER_PACKET * CHANNELS_PER_BLOCK

	DISTANCE_RESOLUTION = 0.004 // metres per LSB
	AZIMUTH_RESOLUTION  = 0.01  // degrees per LSB
	ROTATION_MAX_UNITS  = 36000

	// Consecutive identical timestamps tolerated before falling back to system time
	STATIC_TIMESTAMP_THRESHOLD = 10

	blockPreamble = 0xEEFF // 0xFFEE on the wire, read little-endian
)

// Pandar40PConfig holds per-channel calibration for one sensor.
type Pandar40PConfig struct {
	AngleCorrections    [CHANNELS_PER_BLOCK]AngleCorrection
	FiretimeCorrections [CHANNELS_PER_BLOCK]FiretimeCorrection
}

// AngleCorrection contains the angular calibration for one laser channel.
type AngleCorrection struct {
	Channel   int     // 1-40
	Elevation float64 // degrees above the horizontal plane
	Azimuth   float64 // degrees relative to the block azimuth
}

// FiretimeCorrection is the firing offset of one channel within a block.
type FiretimeCorrection struct {
	Channel  int     // 1-40
	FireTime float64 // microseconds relative to block start
}

// DataBlock is one firing of all 40 channels at a single azimuth.
type DataBlock struct {
	Azimuth  uint16 // 0.01-degree units
	Channels [CHANNELS_PER_BLOCK]ChannelData
}

// ChannelData is a raw measurement from one laser.
type ChannelData struct {
	Distance     uint16 // 4mm units, 0 = no return
	Reflectivity uint8
}

// PacketTail represents the 22-byte tail:
// Reserved(5) + HighTempFlag(1) + Reserved(2) + MotorSpeed(2) + Timestamp(4) +
// ReturnMode(1) + FactoryInfo(1) + DateTime(6)
type PacketTail struct {
	HighTempFlag uint8
	MotorSpeed   uint16   // RPM
	Timestamp    uint32   // microsecond part of UTC
	ReturnMode   uint8    // 0x37 strongest, 0x38 last, 0x39 dual
	FactoryInfo  uint8    // 0x42 or 0x43
	DateTime     [6]uint8 // [year-2000, month, day, hour, minute, second]

	// CombinedTimestamp joins DateTime and Timestamp into one UTC instant.
	CombinedTimestamp time.Time

	UDPSequence uint32 // 0 when sequencing is disabled
}

// Return is one calibrated laser measurement.
type Return struct {
	X, Y, Z float64 // metres; X right, Y forward, Z up

	Distance  float64 // metres, 0 when the laser saw nothing
	Azimuth   float64 // degrees in [0, 360)
	Elevation float64 // degrees
	Intensity uint8

	Channel      int    // 1-40
	BlockID      int    // 0-9 within the packet
	BlockAzimuth uint16 // raw block azimuth, 0.01-degree units
	Timestamp    time.Time
	UDPSequence  uint32
}

// Valid reports whether the laser produced an echo.
func (r Return) Valid() bool {
	return r.Distance > 0
}

// TimestampMode defines how packet timestamps are interpreted.
type TimestampMode int

const (
	TimestampModeSystemTime TimestampMode = iota // reception time
	TimestampModeGPS                             // microseconds offset from parser start, static detection enabled
	TimestampModeInternal                        // microseconds since device boot
	TimestampModeLiDAR                           // tail DateTime + Timestamp
)

func (m TimestampMode) String() string {
	switch m {
	case TimestampModeSystemTime:
		return "system"
	case TimestampModeGPS:
		return "gps"
	case TimestampModeInternal:
		return "internal"
	case TimestampModeLiDAR:
		return "lidar"
	default:
		return fmt.Sprintf("TimestampMode(%d)", int(m))
	}
}

// Pandar40PParser turns Pandar40P UDP payloads into calibrated returns.
// A parser is not safe for concurrent use.
type Pandar40PParser struct {
	config        Pandar40PConfig
	timestampMode TimestampMode
	bootTime      time.Time
	now           func() time.Time
	packetCount   int
	lastTimestamp uint32
	staticCount   int
	debugPackets  int

	// trig tables per channel, computed once from the calibration
	cosElevation [CHANNELS_PER_BLOCK]float64
	sinElevation [CHANNELS_PER_BLOCK]float64
}

// NewPandar40PParser creates a parser for the given calibration.
func NewPandar40PParser(config Pandar40PConfig) *Pandar40PParser {
	p := &Pandar40PParser{
		config:        config,
		timestampMode: TimestampModeSystemTime,
		now:           time.Now,
		debugPackets:  10,
	}
	p.bootTime = p.now()
	for i, ac := range config.AngleCorrections {
		el := ac.Elevation * math.Pi / 180.0
		p.cosElevation[i] = math.Cos(el)
		p.sinElevation[i] = math.Sin(el)
	}
	return p
}

// SetTimestampMode configures how the parser interprets packet timestamps.
func (p *Pandar40PParser) SetTimestampMode(mode TimestampMode) {
	p.timestampMode = mode
	if mode == TimestampModeInternal {
		p.bootTime = p.now()
	}
}

// SetDebugPackets sets how many initial packets have their tail logged
// when monitoring debug output is on.
func (p *Pandar40PParser) SetDebugPackets(count int) {
	p.debugPackets = count
}

// PacketCount returns the number of packets seen, including rejected ones.
func (p *Pandar40PParser) PacketCount() int {
	return p.packetCount
}

// ParsePacket parses one UDP payload into RETURNS_PER_PACKET returns in
// block-major, channel-minor order.
func (p *Pandar40PParser) ParsePacket(data []byte) ([]Return, error) {
	p.packetCount++

	var sequenceNumber uint32
	var packetData []byte
	switch len(data) {
	case PACKET_SIZE_STANDARD:
		packetData = data
	case PACKET_SIZE_SEQUENCE:
		sequenceNumber = binary.LittleEndian.Uint32(data[len(data)-SEQUENCE_SIZE:])
		packetData = data[:len(data)-SEQUENCE_SIZE]
	default:
		return nil, fmt.Errorf("invalid packet size: expected %d or %d, got %d",
			PACKET_SIZE_STANDARD, PACKET_SIZE_SEQUENCE, len(data))
	}

	tail, err := parseTail(packetData[TAIL_START:TAIL_START+TAIL_SIZE], sequenceNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to parse tail: %w", err)
	}

	if p.packetCount <= p.debugPackets {
		monitoring.Debugf("Packet %d tail: UDPSeq=%d, MotorSpeed=%d RPM, HighTemp=0x%02x, ReturnMode=0x%02x, Factory=0x%02x, DateTime=%s, Timestamp=%d μs",
			p.packetCount, tail.UDPSequence, tail.MotorSpeed, tail.HighTempFlag, tail.ReturnMode, tail.FactoryInfo,
			tail.CombinedTimestamp.Format("2006-01-02 15:04:05"), tail.Timestamp)
	}

	packetTime := p.packetTime(tail)
	returns := make([]Return, 0, RETURNS_PER_PACKET)
	for blockIdx := 0; blockIdx < BLOCKS_PER_PACKET; blockIdx++ {
		offset := blockIdx * BLOCK_SIZE
		block, err := parseDataBlock(packetData[offset : offset+BLOCK_SIZE])
		if err != nil {
			return nil, fmt.Errorf("failed to parse block %d: %w", blockIdx, err)
		}
		returns = p.appendBlock(returns, block, blockIdx, tail, packetTime)
	}
	return returns, nil
}

// parseDataBlock parses a single 124-byte data block.
func parseDataBlock(data []byte) (*DataBlock, error) {
	if len(data) < BLOCK_SIZE {
		return nil, fmt.Errorf("insufficient data for block: expected %d bytes, got %d", BLOCK_SIZE, len(data))
	}

	preamble := binary.LittleEndian.Uint16(data[0:2])
	if preamble != blockPreamble {
		return nil, fmt.Errorf("invalid block preamble: expected 0x%04X, got 0x%04X", blockPreamble, preamble)
	}

	block := &DataBlock{
		Azimuth: binary.LittleEndian.Uint16(data[2:4]),
	}
	if block.Azimuth >= ROTATION_MAX_UNITS {
		return nil, fmt.Errorf("block azimuth %d out of range (max %d)", block.Azimuth, ROTATION_MAX_UNITS-1)
	}

	off := BLOCK_PREAMBLE_SIZE + AZIMUTH_SIZE
	for i := 0; i < CHANNELS_PER_BLOCK; i++ {
		block.Channels[i] = ChannelData{
			Distance:     binary.LittleEndian.Uint16(data[off : off+2]),
			Reflectivity: data[off+2],
		}
		off += BYTES_PER_CHANNEL
	}
	return block, nil
}

// parseTail parses the 22-byte packet tail.
func parseTail(data []byte, udpSequence uint32) (*PacketTail, error) {
	if len(data) != TAIL_SIZE {
		return nil, fmt.Errorf("invalid tail size: expected %d, got %d", TAIL_SIZE, len(data))
	}

	tail := &PacketTail{
		HighTempFlag: data[5],
		MotorSpeed:   binary.LittleEndian.Uint16(data[8:10]),
		Timestamp:    binary.LittleEndian.Uint32(data[10:14]),
		ReturnMode:   data[14],
		FactoryInfo:  data[15],
		UDPSequence:  udpSequence,
	}
	copy(tail.DateTime[:], data[16:22])

	tail.CombinedTimestamp = time.Date(
		int(tail.DateTime[0])+2000, time.Month(tail.DateTime[1]), int(tail.DateTime[2]),
		int(tail.DateTime[3]), int(tail.DateTime[4]), int(tail.DateTime[5]),
		int(tail.Timestamp)*1000, time.UTC)

	return tail, nil
}

func (p *Pandar40PParser) packetTime(tail *PacketTail) time.Time {
	switch p.timestampMode {
	case TimestampModeGPS:
		if p.packetCount > 1 && tail.Timestamp == p.lastTimestamp {
			p.staticCount++
		} else {
			p.staticCount = 0
		}
		p.lastTimestamp = tail.Timestamp

		if p.staticCount > STATIC_TIMESTAMP_THRESHOLD {
			if p.staticCount == STATIC_TIMESTAMP_THRESHOLD+1 {
				monitoring.Logf("Static timestamps detected (raw: %d us), falling back to system time", tail.Timestamp)
			}
			return p.now()
		}
		return p.bootTime.Add(time.Duration(tail.Timestamp) * time.Microsecond)
	case TimestampModeInternal:
		return p.bootTime.Add(time.Duration(tail.Timestamp) * time.Microsecond)
	case TimestampModeLiDAR:
		return tail.CombinedTimestamp
	default:
		return p.now()
	}
}

// appendBlock converts a block's 40 channels into returns, applying the
// angle and firetime corrections, and appends them to dst.
func (p *Pandar40PParser) appendBlock(dst []Return, block *DataBlock, blockIdx int, tail *PacketTail, packetTime time.Time) []Return {
	baseAzimuth := float64(block.Azimuth) * AZIMUTH_RESOLUTION
	// degrees swept per microsecond at the reported motor speed
	degPerMicrosecond := (360.0 * float64(tail.MotorSpeed) / 60.0) / 1e6

	for ch := 0; ch < CHANNELS_PER_BLOCK; ch++ {
		raw := block.Channels[ch]
		angle := p.config.AngleCorrections[ch]
		fire := p.config.FiretimeCorrections[ch]

		azimuth := baseAzimuth + angle.Azimuth + fire.FireTime*degPerMicrosecond
		azimuth = math.Mod(azimuth, 360)
		if azimuth < 0 {
			azimuth += 360
		}

		r := Return{
			Azimuth:      azimuth,
			Elevation:    angle.Elevation,
			Intensity:    raw.Reflectivity,
			Channel:      ch + 1,
			BlockID:      blockIdx,
			BlockAzimuth: block.Azimuth,
			Timestamp:    packetTime.Add(time.Duration(fire.FireTime * float64(time.Microsecond))),
			UDPSequence:  tail.UDPSequence,
		}

		if raw.Distance != 0 {
			r.Distance = float64(raw.Distance) * DISTANCE_RESOLUTION
			az := azimuth * math.Pi / 180.0
			horizontal := r.Distance * p.cosElevation[ch]
			r.X = horizontal * math.Sin(az)
			r.Y = horizontal * math.Cos(az)
			r.Z = r.Distance * p.sinElevation[ch]
		}

		dst = append(dst, r)
	}
	return dst
}
