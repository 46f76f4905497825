// Package scan assembles parsed sensor returns into organized scans: one
// row per laser channel, one column per firing block, in arrival order.
// The resulting buffers keep the sensor's own row structure, which is the
// input azimuth-only projection expects.
package scan

import (
	"encoding/binary"
	"math"

	"github.com/banshee-data/rangeimage/internal/lidar/parse"
	"github.com/banshee-data/rangeimage/internal/lidar/pointcloud"
	"github.com/banshee-data/rangeimage/internal/monitoring"
)

// Record layout of assembled scans.
const (
	Rows      = parse.CHANNELS_PER_BLOCK
	PointStep = 32

	offsetX         = 0
	offsetY         = 4
	offsetZ         = 8
	offsetIntensity = 12
	offsetRing      = 16
	offsetTimestamp = 24

	// DefaultColumns is one rotation at 600 RPM and 0.2 degree resolution.
	DefaultColumns = 1800
)

// Fields returns the point layout of assembled scans: x, y, z and
// intensity as float32, ring as uint16 and timestamp (Unix seconds) as
// float64.
func Fields() []pointcloud.PointField {
	return []pointcloud.PointField{
		{Name: "x", Offset: offsetX, Datatype: pointcloud.Float32, Count: 1},
		{Name: "y", Offset: offsetY, Datatype: pointcloud.Float32, Count: 1},
		{Name: "z", Offset: offsetZ, Datatype: pointcloud.Float32, Count: 1},
		{Name: "intensity", Offset: offsetIntensity, Datatype: pointcloud.Float32, Count: 1},
		{Name: "ring", Offset: offsetRing, Datatype: pointcloud.Uint16, Count: 1},
		{Name: "timestamp", Offset: offsetTimestamp, Datatype: pointcloud.Float64, Count: 1},
	}
}

// Config controls scan assembly.
type Config struct {
	FrameID string // copied into every scan header
	Columns int    // column capacity, DefaultColumns when <= 0
}

// Assembler collects returns into scans and hands each completed scan to
// a callback. A scan completes when the block azimuth wraps (drops by more
// than 180 degrees) or when the column capacity is reached.
//
// An Assembler is not safe for concurrent use.
type Assembler struct {
	frameID string
	onScan  func(*pointcloud.PointCloud)

	buf     *pointcloud.PointCloud
	columns int // columns used in buf
	lastAz  float64
	haveAz  bool
	seq     uint32
	scans   int
	dropped int
}

// NewAssembler creates an assembler that calls onScan for every completed
// scan. The callback owns the cloud it receives.
func NewAssembler(cfg Config, onScan func(*pointcloud.PointCloud)) *Assembler {
	if cfg.Columns <= 0 {
		cfg.Columns = DefaultColumns
	}
	return &Assembler{
		frameID: cfg.FrameID,
		onScan:  onScan,
		buf:     pointcloud.New(Rows, uint32(cfg.Columns), Fields()),
	}
}

// AddReturns appends the returns of one packet. Returns are expected in
// block-major order as produced by parse.Pandar40PParser; each run of
// returns sharing a BlockID fills one column.
func (a *Assembler) AddReturns(returns []parse.Return) {
	for i, r := range returns {
		if i == 0 || r.BlockID != returns[i-1].BlockID {
			a.startColumn(float64(r.BlockAzimuth) * parse.AZIMUTH_RESOLUTION)
			if a.columns == 1 {
				a.buf.Header.Stamp = r.Timestamp
			}
		}
		row := r.Channel - 1
		if row < 0 || row >= Rows {
			a.dropped++
			continue
		}
		if r.Valid() {
			a.put(row, a.columns-1, r)
		}
	}
}

// startColumn emits the current scan first when az wraps or the buffer
// is full, then opens a new column.
func (a *Assembler) startColumn(az float64) {
	if a.haveAz && a.lastAz-az > 180.0 {
		monitoring.Debugf("scan %d: azimuth wrap %.2f -> %.2f after %d columns", a.seq, a.lastAz, az, a.columns)
		a.Flush()
	} else if a.columns == int(a.buf.Width) {
		monitoring.Debugf("scan %d: column capacity %d reached", a.seq, a.columns)
		a.Flush()
	}
	a.lastAz = az
	a.haveAz = true
	a.columns++
}

func (a *Assembler) put(row, col int, r parse.Return) {
	rec := a.buf.Record(row, col)
	le := binary.LittleEndian
	le.PutUint32(rec[offsetX:], math.Float32bits(float32(r.X)))
	le.PutUint32(rec[offsetY:], math.Float32bits(float32(r.Y)))
	le.PutUint32(rec[offsetZ:], math.Float32bits(float32(r.Z)))
	le.PutUint32(rec[offsetIntensity:], math.Float32bits(float32(r.Intensity)))
	le.PutUint16(rec[offsetRing:], uint16(row))
	ts := float64(r.Timestamp.UnixNano()) / 1e9
	le.PutUint64(rec[offsetTimestamp:], math.Float64bits(ts))
}

// Flush emits the scan in progress, if any, trimmed to the columns filled
// so far. Call it once the packet source is exhausted.
func (a *Assembler) Flush() {
	if a.columns == 0 {
		return
	}

	out := pointcloud.New(Rows, uint32(a.columns), Fields())
	n := a.columns * PointStep
	for i := 0; i < Rows; i++ {
		src := a.buf.Data[i*int(a.buf.RowStep):]
		copy(out.Data[i*int(out.RowStep):], src[:n])
	}
	out.Header = pointcloud.Header{
		FrameID: a.frameID,
		Stamp:   a.buf.Header.Stamp,
		Seq:     a.seq,
	}

	a.seq++
	a.scans++
	a.columns = 0
	clear(a.buf.Data)

	if a.onScan != nil {
		a.onScan(out)
	}
}

// Scans returns the number of scans emitted so far.
func (a *Assembler) Scans() int {
	return a.scans
}

// Dropped returns the number of returns discarded for an out-of-range
// channel.
func (a *Assembler) Dropped() int {
	return a.dropped
}
