package pointcloud

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidGeometry is returned when a buffer's height, width, point step,
// row step or data length are inconsistent.
var ErrInvalidGeometry = errors.New("invalid point cloud geometry")

// ErrFieldMismatch is returned when a required field is missing or has an
// unexpected datatype.
var ErrFieldMismatch = errors.New("point field mismatch")

// Datatype identifies the scalar type of a PointField.
// Values match the sensor_msgs/PointField constants.
type Datatype uint8

const (
	Int8    Datatype = 1
	Uint8   Datatype = 2
	Int16   Datatype = 3
	Uint16  Datatype = 4
	Int32   Datatype = 5
	Uint32  Datatype = 6
	Float32 Datatype = 7
	Float64 Datatype = 8
)

// Size returns the width of one scalar in bytes, or 0 for unknown types.
func (d Datatype) Size() uint32 {
	switch d {
	case Int8, Uint8:
		return 1
	case Int16, Uint16:
		return 2
	case Int32, Uint32, Float32:
		return 4
	case Float64:
		return 8
	default:
		return 0
	}
}

func (d Datatype) String() string {
	switch d {
	case Int8:
		return "int8"
	case Uint8:
		return "uint8"
	case Int16:
		return "int16"
	case Uint16:
		return "uint16"
	case Int32:
		return "int32"
	case Uint32:
		return "uint32"
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	default:
		return fmt.Sprintf("datatype(%d)", uint8(d))
	}
}

// PointField describes one named field inside a point record.
type PointField struct {
	Name     string   `json:"name"`
	Offset   uint32   `json:"offset"`
	Datatype Datatype `json:"datatype"`
	Count    uint32   `json:"count"`
}

// end returns the first byte offset past the field.
func (f PointField) end() uint32 {
	count := f.Count
	if count == 0 {
		count = 1
	}
	return f.Offset + count*f.Datatype.Size()
}

// Header carries acquisition metadata. It is copied opaquely by consumers.
type Header struct {
	FrameID string
	Stamp   time.Time
	Seq     uint32
}

// PointCloud is a dense buffer of fixed-size point records addressed by
// (row, column). Record (i, j) starts at i*RowStep + j*PointStep.
type PointCloud struct {
	Header      Header
	Height      uint32
	Width       uint32
	Fields      []PointField
	IsBigEndian bool
	PointStep   uint32
	RowStep     uint32
	Data        []byte
	IsDense     bool
}

// Geometry is the subset of a buffer's shape needed to size an output.
type Geometry struct {
	Height uint32
	Width  uint32
}

// New allocates a zero-filled little-endian cloud with the given fields.
// The point step is the end of the furthest field.
func New(height, width uint32, fields []PointField) *PointCloud {
	var step uint32
	for _, f := range fields {
		if e := f.end(); e > step {
			step = e
		}
	}
	fs := make([]PointField, len(fields))
	copy(fs, fields)
	return &PointCloud{
		Height:    height,
		Width:     width,
		Fields:    fs,
		PointStep: step,
		RowStep:   width * step,
		Data:      make([]byte, int(height)*int(width)*int(step)),
	}
}

// NewLike allocates a zero-filled cloud with the record layout of src
// (fields, point step, byte order, density flag and header) and the given
// shape.
func NewLike(src *PointCloud, height, width uint32) *PointCloud {
	fs := make([]PointField, len(src.Fields))
	copy(fs, src.Fields)
	return &PointCloud{
		Header:      src.Header,
		Height:      height,
		Width:       width,
		Fields:      fs,
		IsBigEndian: src.IsBigEndian,
		PointStep:   src.PointStep,
		RowStep:     width * src.PointStep,
		Data:        make([]byte, int(height)*int(width)*int(src.PointStep)),
		IsDense:     src.IsDense,
	}
}

// Geometry returns the buffer shape.
func (pc *PointCloud) Geometry() Geometry {
	return Geometry{Height: pc.Height, Width: pc.Width}
}

// Len returns the number of records (Height × Width).
func (pc *PointCloud) Len() int {
	return int(pc.Height) * int(pc.Width)
}

// Validate checks the structural preconditions every consumer relies on.
func (pc *PointCloud) Validate() error {
	if pc == nil {
		return fmt.Errorf("%w: nil cloud", ErrInvalidGeometry)
	}
	if pc.Height < 1 {
		return fmt.Errorf("%w: height must be >= 1, got %d", ErrInvalidGeometry, pc.Height)
	}
	if pc.Width < 1 {
		return fmt.Errorf("%w: width must be >= 1, got %d", ErrInvalidGeometry, pc.Width)
	}
	if pc.PointStep < 1 {
		return fmt.Errorf("%w: point_step must be >= 1, got %d", ErrInvalidGeometry, pc.PointStep)
	}
	if uint64(pc.RowStep) != uint64(pc.Width)*uint64(pc.PointStep) {
		return fmt.Errorf("%w: row_step %d != width %d * point_step %d",
			ErrInvalidGeometry, pc.RowStep, pc.Width, pc.PointStep)
	}
	if want := uint64(pc.Height) * uint64(pc.RowStep); uint64(len(pc.Data)) != want {
		return fmt.Errorf("%w: data length %d, want %d", ErrInvalidGeometry, len(pc.Data), want)
	}
	for _, f := range pc.Fields {
		if f.end() > pc.PointStep {
			return fmt.Errorf("%w: field %q ends at %d past point_step %d",
				ErrFieldMismatch, f.Name, f.end(), pc.PointStep)
		}
	}
	return nil
}

// Field returns the field with the given name.
func (pc *PointCloud) Field(name string) (PointField, bool) {
	for _, f := range pc.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return PointField{}, false
}

// offset returns the byte offset of record (i, j).
func (pc *PointCloud) offset(i, j int) int {
	return i*int(pc.RowStep) + j*int(pc.PointStep)
}

// Record returns the bytes of record (i, j). The slice aliases Data.
func (pc *PointCloud) Record(i, j int) []byte {
	off := pc.offset(i, j)
	return pc.Data[off : off+int(pc.PointStep) : off+int(pc.PointStep)]
}

// CopyPoint copies the whole record (si, sj) of src into record (di, dj)
// of dst. Both clouds must share the same point step.
func CopyPoint(dst *PointCloud, di, dj int, src *PointCloud, si, sj int) {
	copy(dst.Record(di, dj), src.Record(si, sj))
}
