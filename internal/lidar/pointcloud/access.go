package pointcloud

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Float is the set of coordinate types a cloud can carry.
type Float interface {
	float32 | float64
}

// DatatypeOf returns the field datatype matching T.
func DatatypeOf[T Float]() Datatype {
	var zero T
	switch any(zero).(type) {
	case float32:
		return Float32
	default:
		return Float64
	}
}

// ByteOrder returns the byte order of the record data.
func (pc *PointCloud) ByteOrder() binary.ByteOrder {
	if pc.IsBigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// XYZ reads and writes the x, y and z fields of a cloud as T.
type XYZ[T Float] struct {
	pc      *PointCloud
	order   binary.ByteOrder
	dt      Datatype
	offsets [3]int
}

// NewXYZ resolves the coordinate fields of pc. Each of x, y and z must
// exist, have the datatype matching T and fit inside the record.
func NewXYZ[T Float](pc *PointCloud) (*XYZ[T], error) {
	dt := DatatypeOf[T]()
	a := &XYZ[T]{pc: pc, order: pc.ByteOrder(), dt: dt}
	for k, name := range [3]string{"x", "y", "z"} {
		f, ok := pc.Field(name)
		if !ok {
			return nil, fmt.Errorf("%w: missing field %q", ErrFieldMismatch, name)
		}
		if f.Datatype != dt {
			return nil, fmt.Errorf("%w: field %q is %s, want %s", ErrFieldMismatch, name, f.Datatype, dt)
		}
		if f.Offset+dt.Size() > pc.PointStep {
			return nil, fmt.Errorf("%w: field %q at offset %d overruns point_step %d",
				ErrFieldMismatch, name, f.Offset, pc.PointStep)
		}
		a.offsets[k] = int(f.Offset)
	}
	return a, nil
}

// At returns the coordinates of record (i, j).
func (a *XYZ[T]) At(i, j int) (x, y, z T) {
	rec := a.pc.Record(i, j)
	return a.load(rec[a.offsets[0]:]), a.load(rec[a.offsets[1]:]), a.load(rec[a.offsets[2]:])
}

// Set writes the coordinates of record (i, j).
func (a *XYZ[T]) Set(i, j int, x, y, z T) {
	rec := a.pc.Record(i, j)
	a.store(rec[a.offsets[0]:], x)
	a.store(rec[a.offsets[1]:], y)
	a.store(rec[a.offsets[2]:], z)
}

func (a *XYZ[T]) load(b []byte) T {
	if a.dt == Float32 {
		return T(math.Float32frombits(a.order.Uint32(b)))
	}
	return T(math.Float64frombits(a.order.Uint64(b)))
}

func (a *XYZ[T]) store(b []byte, v T) {
	if a.dt == Float32 {
		a.order.PutUint32(b, math.Float32bits(float32(v)))
		return
	}
	a.order.PutUint64(b, math.Float64bits(float64(v)))
}

// FieldValue reads the first element of a named field of record (i, j)
// as float64, whatever its datatype.
func (pc *PointCloud) FieldValue(i, j int, name string) (float64, error) {
	f, ok := pc.Field(name)
	if !ok {
		return 0, fmt.Errorf("%w: missing field %q", ErrFieldMismatch, name)
	}
	b := pc.Record(i, j)[f.Offset:]
	order := pc.ByteOrder()
	switch f.Datatype {
	case Int8:
		return float64(int8(b[0])), nil
	case Uint8:
		return float64(b[0]), nil
	case Int16:
		return float64(int16(order.Uint16(b))), nil
	case Uint16:
		return float64(order.Uint16(b)), nil
	case Int32:
		return float64(int32(order.Uint32(b))), nil
	case Uint32:
		return float64(order.Uint32(b)), nil
	case Float32:
		return float64(math.Float32frombits(order.Uint32(b))), nil
	case Float64:
		return math.Float64frombits(order.Uint64(b)), nil
	default:
		return 0, fmt.Errorf("%w: field %q has unknown datatype %d", ErrFieldMismatch, name, f.Datatype)
	}
}

// SetFieldValue writes v into the first element of a named field of record
// (i, j), converting to the field's datatype.
func (pc *PointCloud) SetFieldValue(i, j int, name string, v float64) error {
	f, ok := pc.Field(name)
	if !ok {
		return fmt.Errorf("%w: missing field %q", ErrFieldMismatch, name)
	}
	b := pc.Record(i, j)[f.Offset:]
	order := pc.ByteOrder()
	switch f.Datatype {
	case Int8:
		b[0] = byte(int8(v))
	case Uint8:
		b[0] = uint8(v)
	case Int16:
		order.PutUint16(b, uint16(int16(v)))
	case Uint16:
		order.PutUint16(b, uint16(v))
	case Int32:
		order.PutUint32(b, uint32(int32(v)))
	case Uint32:
		order.PutUint32(b, uint32(v))
	case Float32:
		order.PutUint32(b, math.Float32bits(float32(v)))
	case Float64:
		order.PutUint64(b, math.Float64bits(v))
	default:
		return fmt.Errorf("%w: field %q has unknown datatype %d", ErrFieldMismatch, name, f.Datatype)
	}
	return nil
}
