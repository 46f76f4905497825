package pointcloud

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
)

// PCDFormat selects the DATA section encoding of a PCD file.
type PCDFormat int

const (
	PCDBinary PCDFormat = iota
	PCDASCII
)

func (f PCDFormat) String() string {
	if f == PCDASCII {
		return "ascii"
	}
	return "binary"
}

// paddingField is the PCD name for unused bytes inside a record.
const paddingField = "_"

// WritePCD encodes pc as a PCD v0.7 file. Organized clouds keep their
// height and width. Gaps between fields are emitted as "_" padding fields
// so the record layout survives a round trip.
func WritePCD(w io.Writer, pc *PointCloud, format PCDFormat) error {
	if err := pc.Validate(); err != nil {
		return err
	}
	if pc.IsBigEndian {
		return fmt.Errorf("pcd: big-endian clouds are not supported")
	}

	fields := make([]PointField, len(pc.Fields))
	copy(fields, pc.Fields)
	sort.Slice(fields, func(a, b int) bool { return fields[a].Offset < fields[b].Offset })

	var names, sizes, types, counts []string
	emit := func(name string, size uint32, typ string, count uint32) {
		names = append(names, name)
		sizes = append(sizes, strconv.FormatUint(uint64(size), 10))
		types = append(types, typ)
		counts = append(counts, strconv.FormatUint(uint64(count), 10))
	}
	var cursor uint32
	for _, f := range fields {
		if f.Offset < cursor {
			return fmt.Errorf("pcd: field %q overlaps previous field", f.Name)
		}
		if gap := f.Offset - cursor; gap > 0 {
			emit(paddingField, 1, "U", gap)
		}
		typ, err := pcdType(f.Datatype)
		if err != nil {
			return err
		}
		emit(f.Name, f.Datatype.Size(), typ, fieldCount(f))
		cursor = f.end()
	}
	if gap := pc.PointStep - cursor; gap > 0 {
		emit(paddingField, 1, "U", gap)
	}

	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "# .PCD v0.7 - Point Cloud Data file format\n")
	fmt.Fprintf(bw, "VERSION 0.7\n")
	fmt.Fprintf(bw, "FIELDS %s\n", strings.Join(names, " "))
	fmt.Fprintf(bw, "SIZE %s\n", strings.Join(sizes, " "))
	fmt.Fprintf(bw, "TYPE %s\n", strings.Join(types, " "))
	fmt.Fprintf(bw, "COUNT %s\n", strings.Join(counts, " "))
	fmt.Fprintf(bw, "WIDTH %d\n", pc.Width)
	fmt.Fprintf(bw, "HEIGHT %d\n", pc.Height)
	fmt.Fprintf(bw, "VIEWPOINT 0 0 0 1 0 0 0\n")
	fmt.Fprintf(bw, "POINTS %d\n", pc.Len())
	fmt.Fprintf(bw, "DATA %s\n", format)

	if format == PCDBinary {
		if _, err := bw.Write(pc.Data); err != nil {
			return fmt.Errorf("pcd: write data: %w", err)
		}
		return bw.Flush()
	}

	vals := make([]string, 0, len(fields))
	for i := 0; i < int(pc.Height); i++ {
		for j := 0; j < int(pc.Width); j++ {
			rec := pc.Record(i, j)
			vals = vals[:0]
			for _, f := range fields {
				size := f.Datatype.Size()
				for k := uint32(0); k < fieldCount(f); k++ {
					off := f.Offset + k*size
					vals = append(vals, formatScalar(rec[off:], f.Datatype, binary.LittleEndian))
				}
			}
			if _, err := fmt.Fprintln(bw, strings.Join(vals, " ")); err != nil {
				return fmt.Errorf("pcd: write point: %w", err)
			}
		}
	}
	return bw.Flush()
}

// pcdHeader holds the parsed PCD header lines.
type pcdHeader struct {
	names  []string
	sizes  []uint32
	types  []string
	counts []uint32
	width  uint32
	height uint32
	points int
	data   string
}

// ReadPCD decodes an ascii or binary PCD file. Padding fields are dropped
// from Fields but their bytes stay in the record.
func ReadPCD(r io.Reader) (*PointCloud, error) {
	br := bufio.NewReader(r)
	h, err := readPCDHeader(br)
	if err != nil {
		return nil, err
	}

	var fields []PointField
	var offset uint32
	for k, name := range h.names {
		size, count := h.sizes[k], h.counts[k]
		if name != paddingField {
			dt, err := pcdDatatype(h.types[k], size)
			if err != nil {
				return nil, fmt.Errorf("pcd: field %q: %w", name, err)
			}
			fields = append(fields, PointField{Name: name, Offset: offset, Datatype: dt, Count: count})
		}
		offset += size * count
	}
	if h.height == 0 {
		h.height = 1
	}
	if h.points != int(h.width)*int(h.height) {
		return nil, fmt.Errorf("pcd: POINTS %d != WIDTH %d * HEIGHT %d", h.points, h.width, h.height)
	}

	pc := &PointCloud{
		Height:    h.height,
		Width:     h.width,
		Fields:    fields,
		PointStep: offset,
		RowStep:   h.width * offset,
		Data:      make([]byte, h.points*int(offset)),
		IsDense:   true,
	}

	switch h.data {
	case "binary":
		if _, err := io.ReadFull(br, pc.Data); err != nil {
			return nil, fmt.Errorf("pcd: read binary data: %w", err)
		}
	case "ascii":
		if err := readPCDASCII(br, pc, h); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("pcd: unsupported DATA encoding %q", h.data)
	}

	if err := pc.Validate(); err != nil {
		return nil, err
	}
	return pc, nil
}

func readPCDHeader(br *bufio.Reader) (*pcdHeader, error) {
	h := &pcdHeader{}
	for {
		line, err := br.ReadString('\n')
		if err != nil && (err != io.EOF || line == "") {
			return nil, fmt.Errorf("pcd: header ended before DATA: %w", err)
		}
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Fields(line)
		key, args := strings.ToUpper(parts[0]), parts[1:]
		switch key {
		case "VERSION", "VIEWPOINT":
		case "FIELDS":
			h.names = args
		case "SIZE":
			if h.sizes, err = parseUints(args); err != nil {
				return nil, fmt.Errorf("pcd: SIZE: %w", err)
			}
		case "TYPE":
			h.types = args
		case "COUNT":
			if h.counts, err = parseUints(args); err != nil {
				return nil, fmt.Errorf("pcd: COUNT: %w", err)
			}
		case "WIDTH", "HEIGHT", "POINTS":
			if len(args) != 1 {
				return nil, fmt.Errorf("pcd: %s expects one value", key)
			}
			n, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				return nil, fmt.Errorf("pcd: %s: %w", key, err)
			}
			switch key {
			case "WIDTH":
				h.width = uint32(n)
			case "HEIGHT":
				h.height = uint32(n)
			default:
				h.points = int(n)
			}
		case "DATA":
			if len(args) != 1 {
				return nil, fmt.Errorf("pcd: DATA expects one value")
			}
			h.data = strings.ToLower(args[0])
			if h.counts == nil {
				h.counts = make([]uint32, len(h.names))
				for k := range h.counts {
					h.counts[k] = 1
				}
			}
			if len(h.sizes) != len(h.names) || len(h.types) != len(h.names) || len(h.counts) != len(h.names) {
				return nil, fmt.Errorf("pcd: FIELDS/SIZE/TYPE/COUNT length mismatch")
			}
			return h, nil
		default:
			return nil, fmt.Errorf("pcd: unknown header key %q", parts[0])
		}
	}
}

func readPCDASCII(br *bufio.Reader, pc *PointCloud, h *pcdHeader) error {
	sc := bufio.NewScanner(br)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	n := 0
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if n >= h.points {
			return fmt.Errorf("pcd: more than %d points in DATA section", h.points)
		}
		vals := strings.Fields(line)
		rec := pc.Data[n*int(pc.PointStep) : (n+1)*int(pc.PointStep)]
		var offset uint32
		v := 0
		for k, name := range h.names {
			size, count := h.sizes[k], h.counts[k]
			if name == paddingField {
				offset += size * count
				continue
			}
			dt, _ := pcdDatatype(h.types[k], size)
			for c := uint32(0); c < count; c++ {
				if v >= len(vals) {
					return fmt.Errorf("pcd: point %d has %d values, want more", n, len(vals))
				}
				if err := putScalar(rec[offset:], dt, binary.LittleEndian, vals[v]); err != nil {
					return fmt.Errorf("pcd: point %d field %q: %w", n, name, err)
				}
				offset += size
				v++
			}
		}
		n++
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("pcd: read ascii data: %w", err)
	}
	if n != h.points {
		return fmt.Errorf("pcd: DATA has %d points, header says %d", n, h.points)
	}
	return nil
}

func fieldCount(f PointField) uint32 {
	if f.Count == 0 {
		return 1
	}
	return f.Count
}

func parseUints(args []string) ([]uint32, error) {
	out := make([]uint32, len(args))
	for k, a := range args {
		n, err := strconv.ParseUint(a, 10, 32)
		if err != nil {
			return nil, err
		}
		out[k] = uint32(n)
	}
	return out, nil
}

func pcdType(dt Datatype) (string, error) {
	switch dt {
	case Int8, Int16, Int32:
		return "I", nil
	case Uint8, Uint16, Uint32:
		return "U", nil
	case Float32, Float64:
		return "F", nil
	default:
		return "", fmt.Errorf("pcd: unsupported datatype %s", dt)
	}
}

func pcdDatatype(typ string, size uint32) (Datatype, error) {
	switch strings.ToUpper(typ) + strconv.FormatUint(uint64(size), 10) {
	case "I1":
		return Int8, nil
	case "I2":
		return Int16, nil
	case "I4":
		return Int32, nil
	case "U1":
		return Uint8, nil
	case "U2":
		return Uint16, nil
	case "U4":
		return Uint32, nil
	case "F4":
		return Float32, nil
	case "F8":
		return Float64, nil
	default:
		return 0, fmt.Errorf("unsupported TYPE %s SIZE %d", typ, size)
	}
}

func formatScalar(b []byte, dt Datatype, order binary.ByteOrder) string {
	switch dt {
	case Int8:
		return strconv.FormatInt(int64(int8(b[0])), 10)
	case Uint8:
		return strconv.FormatUint(uint64(b[0]), 10)
	case Int16:
		return strconv.FormatInt(int64(int16(order.Uint16(b))), 10)
	case Uint16:
		return strconv.FormatUint(uint64(order.Uint16(b)), 10)
	case Int32:
		return strconv.FormatInt(int64(int32(order.Uint32(b))), 10)
	case Uint32:
		return strconv.FormatUint(uint64(order.Uint32(b)), 10)
	case Float32:
		return strconv.FormatFloat(float64(math.Float32frombits(order.Uint32(b))), 'g', -1, 32)
	default:
		return strconv.FormatFloat(math.Float64frombits(order.Uint64(b)), 'g', -1, 64)
	}
}

func putScalar(b []byte, dt Datatype, order binary.ByteOrder, s string) error {
	switch dt {
	case Int8, Int16, Int32:
		n, err := strconv.ParseInt(s, 10, int(dt.Size())*8)
		if err != nil {
			return err
		}
		switch dt {
		case Int8:
			b[0] = byte(int8(n))
		case Int16:
			order.PutUint16(b, uint16(int16(n)))
		default:
			order.PutUint32(b, uint32(int32(n)))
		}
	case Uint8, Uint16, Uint32:
		n, err := strconv.ParseUint(s, 10, int(dt.Size())*8)
		if err != nil {
			return err
		}
		switch dt {
		case Uint8:
			b[0] = uint8(n)
		case Uint16:
			order.PutUint16(b, uint16(n))
		default:
			order.PutUint32(b, uint32(n))
		}
	case Float32:
		f, err := strconv.ParseFloat(s, 32)
		if err != nil {
			return err
		}
		order.PutUint32(b, math.Float32bits(float32(f)))
	case Float64:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return err
		}
		order.PutUint64(b, math.Float64bits(f))
	default:
		return fmt.Errorf("unsupported datatype %s", dt)
	}
	return nil
}
