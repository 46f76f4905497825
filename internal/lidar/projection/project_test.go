package projection

import (
	"bytes"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/rangeimage/internal/lidar/pointcloud"
)

// pt is a test point: coordinates plus an opaque tag field.
type pt struct {
	x, y, z float64
	tag     uint32
}

func ptr(v float64) *float64 { return &v }

// polar builds a point from azimuth, elevation (radians) and range.
func polar(az, el, r float64, tag uint32) pt {
	return pt{
		x:   r * math.Cos(el) * math.Cos(az),
		y:   r * math.Cos(el) * math.Sin(az),
		z:   r * math.Sin(el),
		tag: tag,
	}
}

// cloudOf builds a float32 x,y,z cloud with a uint32 tag and 16-byte
// records from rows of points.
func cloudOf(t *testing.T, rows [][]pt) *pointcloud.PointCloud {
	t.Helper()
	pc := pointcloud.New(uint32(len(rows)), uint32(len(rows[0])), []pointcloud.PointField{
		{Name: "x", Offset: 0, Datatype: pointcloud.Float32, Count: 1},
		{Name: "y", Offset: 4, Datatype: pointcloud.Float32, Count: 1},
		{Name: "z", Offset: 8, Datatype: pointcloud.Float32, Count: 1},
		{Name: "tag", Offset: 12, Datatype: pointcloud.Uint32, Count: 1},
	})
	pc.Header.FrameID = "sensor"
	acc, err := pointcloud.NewXYZ[float32](pc)
	require.NoError(t, err)
	for i, row := range rows {
		require.Len(t, row, int(pc.Width))
		for j, p := range row {
			acc.Set(i, j, float32(p.x), float32(p.y), float32(p.z))
			require.NoError(t, pc.SetFieldValue(i, j, "tag", float64(p.tag)))
		}
	}
	return pc
}

// cell reads back record (i, j) of a cloud built by cloudOf.
func cell(t *testing.T, pc *pointcloud.PointCloud, i, j int) pt {
	t.Helper()
	acc, err := pointcloud.NewXYZ[float32](pc)
	require.NoError(t, err)
	x, y, z := acc.At(i, j)
	tag, err := pc.FieldValue(i, j, "tag")
	require.NoError(t, err)
	return pt{x: float64(x), y: float64(y), z: float64(z), tag: uint32(tag)}
}

func isZeroRecord(pc *pointcloud.PointCloud, i, j int) bool {
	return bytes.Equal(pc.Record(i, j), make([]byte, pc.PointStep))
}

func TestIsPointValid(t *testing.T) {
	tests := []struct {
		name    string
		x, y, z float64
		want    bool
	}{
		{"regular", 1, 2, 3, true},
		{"single axis", 0, 0, -1, true},
		{"all zero", 0, 0, 0, false},
		{"negative zero", math.Copysign(0, -1), 0, 0, false},
		{"nan", math.NaN(), 1, 1, false},
		{"inf", 1, math.Inf(1), 1, false},
		{"neg inf", 1, 1, math.Inf(-1), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsPointValid(tt.x, tt.y, tt.z))
			assert.Equal(t, tt.want, IsPointValid(float32(tt.x), float32(tt.y), float32(tt.z)))
		})
	}
}

func TestSphericalTransform(t *testing.T) {
	assert.InDelta(t, 0, Azimuth(1, 0, 5), 1e-12)
	assert.InDelta(t, math.Pi/2, Azimuth(0, 2, 0), 1e-12)
	assert.InDelta(t, math.Pi, Azimuth(-1, 0, 0), 1e-12)
	assert.InDelta(t, -math.Pi/2, Azimuth(0, -1, 0), 1e-12)

	assert.InDelta(t, 0, Elevation(3, 4, 0), 1e-12)
	assert.InDelta(t, math.Pi/4, Elevation(1, 0, 1), 1e-12)
	assert.InDelta(t, -math.Pi/2, Elevation(0, 0, -1), 1e-12)
	assert.Equal(t, 0.0, Azimuth(0, 0, 1), "atan2(0,0) is defined as 0")

	assert.InDelta(t, 13, Range(3, 4, 12), 1e-12)
}

func TestResolveParams_Defaults(t *testing.T) {
	p, err := ResolveParams(pointcloud.Geometry{Height: 16, Width: 1024}, DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, 16, p.Height)
	assert.Equal(t, 1024, p.Width)
	assert.InDelta(t, -1024/(2*math.Pi), p.FAzimuth, 1e-12)
	assert.InDelta(t, -16/(math.Pi/2), p.FElevation, 1e-12)
	assert.Equal(t, 511.5, p.CAzimuth)
	assert.Equal(t, 7.5, p.CElevation)
}

func TestResolveParams_Overrides(t *testing.T) {
	cfg := Config{
		AzimuthScale:    ptr(0),          // zero scale is treated as unset
		ElevationScale:  ptr(math.NaN()), // non-finite scale is treated as unset
		AzimuthOffset:   ptr(0),          // zero offset is a real value
		ElevationOffset: ptr(math.Inf(1)),
		Height:          8,
		Width:           360,
		Keep:            KeepClosest,
	}
	p, err := ResolveParams(pointcloud.Geometry{Height: 2, Width: 5}, cfg)
	require.NoError(t, err)
	assert.Equal(t, 8, p.Height)
	assert.Equal(t, 360, p.Width)
	assert.InDelta(t, -360/(2*math.Pi), p.FAzimuth, 1e-12)
	assert.InDelta(t, -8/(math.Pi/2), p.FElevation, 1e-12)
	assert.Equal(t, 0.0, p.CAzimuth)
	assert.Equal(t, 3.5, p.CElevation)

	cfg.AzimuthScale = ptr(-57.3)
	cfg.ElevationScale = ptr(10)
	cfg.ElevationOffset = ptr(-2)
	p, err = ResolveParams(pointcloud.Geometry{Height: 2, Width: 5}, cfg)
	require.NoError(t, err)
	assert.Equal(t, -57.3, p.FAzimuth)
	assert.Equal(t, 10.0, p.FElevation)
	assert.Equal(t, -2.0, p.CElevation)
}

func TestResolveParams_Shape(t *testing.T) {
	tests := []struct {
		name         string
		inH, inW     uint32
		cfg          Config
		wantH, wantW int
	}{
		{"all default", 4, 100, DefaultConfig(), 4, 100},
		{"configured", 4, 100, Config{Height: 64, Width: 2048, Keep: KeepLast}, 64, 2048},
		{"width only", 4, 100, Config{Width: 50, Keep: KeepLast}, 4, 50},
		{"height only", 4, 100, Config{Height: 9, Keep: KeepLast}, 9, 100},
		{"azimuth only ignores height", 4, 100, Config{Height: 9, Width: 7, AzimuthOnly: true, Keep: KeepLast}, 4, 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := ResolveParams(pointcloud.Geometry{Height: tt.inH, Width: tt.inW}, tt.cfg)
			require.NoError(t, err)
			assert.Equal(t, tt.wantH, p.Height)
			assert.Equal(t, tt.wantW, p.Width)

			// the allocated output matches the resolved shape
			in := pointcloud.New(tt.inH, tt.inW, []pointcloud.PointField{
				{Name: "x", Offset: 0, Datatype: pointcloud.Float32, Count: 1},
				{Name: "y", Offset: 4, Datatype: pointcloud.Float32, Count: 1},
				{Name: "z", Offset: 8, Datatype: pointcloud.Float32, Count: 1},
			})
			out, err := Project[float32](in, tt.cfg)
			require.NoError(t, err)
			assert.Equal(t, uint32(tt.wantH), out.Height)
			assert.Equal(t, uint32(tt.wantW), out.Width)
			assert.Equal(t, uint32(tt.wantW)*in.PointStep, out.RowStep)
			assert.NoError(t, out.Validate())
		})
	}
}

func TestResolveParams_Errors(t *testing.T) {
	_, err := ResolveParams(pointcloud.Geometry{Height: 0, Width: 3}, DefaultConfig())
	assert.ErrorIs(t, err, ErrInvalidGeometry)

	_, err = ResolveParams(pointcloud.Geometry{Height: 1, Width: 3}, Config{Height: -1, Keep: KeepLast})
	assert.ErrorIs(t, err, ErrInvalidGeometry)

	_, err = ResolveParams(pointcloud.Geometry{Height: 1, Width: 3}, Config{Keep: Keep(9)})
	assert.Error(t, err)

	_, err = ResolveParams(pointcloud.Geometry{Height: 1, Width: 3}, Config{Width: math.MaxUint32 + 1, Keep: KeepLast})
	assert.ErrorIs(t, err, ErrInvalidGeometry)
}

func TestProject_EndToEndSingleRow(t *testing.T) {
	// u = az + 1.5 + 0.5, so these azimuths land at u = 0.4, 1.4, 2.4, 3.4
	azimuths := []float64{-1.6, -0.6, 0.4, 1.4}
	row := make([]pt, len(azimuths))
	for k, az := range azimuths {
		row[k] = polar(az, 0, 5, uint32(100+k))
	}
	in := cloudOf(t, [][]pt{row})

	cfg := Config{AzimuthScale: ptr(1), AzimuthOffset: ptr(1.5), Width: 4, Keep: KeepLast}
	out, err := Project[float32](in, cfg)
	require.NoError(t, err)
	require.Equal(t, uint32(1), out.Height)
	require.Equal(t, uint32(4), out.Width)

	for j := range azimuths {
		assert.Equal(t, in.Record(0, j), out.Record(0, j), "column %d", j)
		assert.Equal(t, uint32(100+j), cell(t, out, 0, j).tag)
	}
	assert.Equal(t, "sensor", out.Header.FrameID)
}

func TestProject_CollisionKeepClosestIsOrderIndependent(t *testing.T) {
	near := pt{x: 1, y: 0, z: 0, tag: 1}
	far := pt{x: 3, y: 1, z: 0, tag: 2}
	cfg := Config{Height: 1, Width: 1, Keep: KeepClosest}

	for _, row := range [][]pt{{near, far}, {far, near}} {
		out, err := Project[float32](cloudOf(t, [][]pt{row}), cfg)
		require.NoError(t, err)
		got := cell(t, out, 0, 0)
		assert.Equal(t, near, got)
	}
}

func TestProject_KeepPolicies(t *testing.T) {
	near := pt{x: 1, y: 0, z: 0, tag: 1}
	far := pt{x: 2, y: 0, z: 0, tag: 2}
	twin := pt{x: 0, y: 1, z: 0, tag: 3} // same range as near, same pixel below

	tests := []struct {
		name   string
		keep   Keep
		points []pt
		want   pt
	}{
		{"first far-near", KeepFirst, []pt{far, near}, far},
		{"first near-far", KeepFirst, []pt{near, far}, near},
		{"last far-near", KeepLast, []pt{far, near}, near},
		{"last near-far", KeepLast, []pt{near, far}, far},
		{"closest far-near", KeepClosest, []pt{far, near}, near},
		{"closest near-far", KeepClosest, []pt{near, far}, near},
		{"farthest far-near", KeepFarthest, []pt{far, near}, far},
		{"farthest near-far", KeepFarthest, []pt{near, far}, far},
		{"closest tie keeps existing", KeepClosest, []pt{near, twin}, near},
		{"farthest tie keeps existing", KeepFarthest, []pt{twin, near}, twin},
		{"first skips invalid", KeepFirst, []pt{{tag: 9}, far}, far},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// a 1x1 image with default mapping takes every point with
			// elevation in (-π/4, π/4]
			out, err := Project[float32](cloudOf(t, [][]pt{tt.points}), Config{Height: 1, Width: 1, Keep: tt.keep})
			require.NoError(t, err)
			assert.Equal(t, tt.want, cell(t, out, 0, 0))
		})
	}
}

func TestProject_HalfOpenColumnBoundary(t *testing.T) {
	in := cloudOf(t, [][]pt{{{x: 1, tag: 7}}})

	tests := []struct {
		name    string
		offset  float64
		wantCol int // -1 when dropped
	}{
		{"u equals width", 3.5, -1},
		{"u just below width", 3.49, 3},
		{"u equals zero", -0.5, 0},
		{"u below zero", -0.51, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{AzimuthScale: ptr(1), AzimuthOffset: ptr(tt.offset), Width: 4, Keep: KeepLast}
			out, err := Project[float32](in, cfg)
			require.NoError(t, err)
			for j := 0; j < 4; j++ {
				if j == tt.wantCol {
					assert.Equal(t, uint32(7), cell(t, out, 0, j).tag)
				} else {
					assert.True(t, isZeroRecord(out, 0, j), "column %d should be empty", j)
				}
			}
		})
	}
}

func TestProject_RowBoundary(t *testing.T) {
	// elevation 0 with scale 1 maps to v = offset + 0.5
	in := cloudOf(t, [][]pt{{{x: 1, tag: 7}}})
	out, err := Project[float32](in, Config{ElevationScale: ptr(1), ElevationOffset: ptr(1.5), Height: 2, Width: 1, Keep: KeepLast})
	require.NoError(t, err)
	assert.True(t, isZeroRecord(out, 0, 0))
	assert.True(t, isZeroRecord(out, 1, 0))

	out, err = Project[float32](in, Config{ElevationScale: ptr(1), ElevationOffset: ptr(0.5), Height: 2, Width: 1, Keep: KeepLast})
	require.NoError(t, err)
	assert.Equal(t, uint32(7), cell(t, out, 1, 0).tag)
}

func TestProject_DegeneratePointsNeverAppear(t *testing.T) {
	row := []pt{
		{x: 0, y: 0, z: 0, tag: 1},
		{x: math.NaN(), y: 1, z: 1, tag: 2},
		{x: math.Inf(1), y: 0, z: 0, tag: 3},
		{x: 1, y: math.Inf(-1), z: 0, tag: 4},
	}
	in := cloudOf(t, [][]pt{row})
	for _, keep := range []Keep{KeepFirst, KeepLast, KeepClosest, KeepFarthest} {
		out, err := Project[float32](in, Config{Height: 1, Width: 1, Keep: keep})
		require.NoError(t, err)
		assert.True(t, isZeroRecord(out, 0, 0), "keep=%s", keep)
	}
}

func TestProject_FullRecordCopy(t *testing.T) {
	in := cloudOf(t, [][]pt{{polar(0.3, 0.1, 12, 0xC0FFEE)}})
	out, err := Project[float32](in, Config{Height: 4, Width: 64, Keep: KeepLast})
	require.NoError(t, err)

	found := 0
	for i := 0; i < int(out.Height); i++ {
		for j := 0; j < int(out.Width); j++ {
			if isZeroRecord(out, i, j) {
				continue
			}
			found++
			assert.Equal(t, in.Record(0, 0), out.Record(i, j))
			assert.Equal(t, uint32(0xC0FFEE), cell(t, out, i, j).tag)
		}
	}
	assert.Equal(t, 1, found)
}

func TestProject_AzimuthOnlyPreservesRows(t *testing.T) {
	// steep elevations that fall outside the image in full mode
	rows := [][]pt{
		{{x: 1, y: 0, z: 100, tag: 10}},
		{{x: 1, y: 0, z: -100, tag: 11}},
		{{x: 0, y: 1, z: 50, tag: 12}},
	}
	in := cloudOf(t, rows)

	full, err := Project[float32](in, Config{Width: 1, Keep: KeepLast})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		assert.True(t, isZeroRecord(full, i, 0), "full mode row %d", i)
	}

	out, err := Project[float32](in, Config{Height: 1, Width: 1, AzimuthOnly: true, Keep: KeepLast})
	require.NoError(t, err)
	require.Equal(t, uint32(3), out.Height)
	for i := 0; i < 3; i++ {
		assert.Equal(t, uint32(10+i), cell(t, out, i, 0).tag)
	}
}

func TestProject_ZeroOccupancyAndDeterminism(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	rows := make([][]pt, 8)
	for i := range rows {
		rows[i] = make([]pt, 64)
		for j := range rows[i] {
			if rng.Intn(5) == 0 {
				continue // leave some no-return records
			}
			rows[i][j] = polar(rng.Float64()*2*math.Pi-math.Pi, rng.Float64()*0.6-0.3, 1+rng.Float64()*50, uint32(i*64+j+1))
		}
	}
	in := cloudOf(t, rows)

	for _, keep := range []Keep{KeepFirst, KeepLast, KeepClosest, KeepFarthest} {
		cfg := Config{Height: 16, Width: 128, Keep: keep}
		a, err := Project[float32](in, cfg)
		require.NoError(t, err)
		b, err := Project[float32](in, cfg)
		require.NoError(t, err)
		assert.Equal(t, a.Data, b.Data, "keep=%s must be deterministic", keep)

		// every non-empty cell is an exact copy of some input record
		inputs := make(map[string]bool)
		for i := 0; i < int(in.Height); i++ {
			for j := 0; j < int(in.Width); j++ {
				inputs[string(in.Record(i, j))] = true
			}
		}
		for i := 0; i < int(a.Height); i++ {
			for j := 0; j < int(a.Width); j++ {
				if isZeroRecord(a, i, j) {
					continue
				}
				assert.True(t, inputs[string(a.Record(i, j))], "cell (%d,%d) is not an input record", i, j)
			}
		}
	}
}

func TestProject_InputUnchanged(t *testing.T) {
	in := cloudOf(t, [][]pt{{polar(0, 0, 1, 1), polar(0.01, 0, 2, 2)}})
	before := append([]byte(nil), in.Data...)
	_, err := Project[float32](in, Config{Height: 1, Width: 1, Keep: KeepClosest})
	require.NoError(t, err)
	assert.Equal(t, before, in.Data)
}

func TestProject_Float64(t *testing.T) {
	in := pointcloud.New(1, 2, []pointcloud.PointField{
		{Name: "x", Offset: 0, Datatype: pointcloud.Float64, Count: 1},
		{Name: "y", Offset: 8, Datatype: pointcloud.Float64, Count: 1},
		{Name: "z", Offset: 16, Datatype: pointcloud.Float64, Count: 1},
	})
	in.IsBigEndian = true
	acc, err := pointcloud.NewXYZ[float64](in)
	require.NoError(t, err)
	acc.Set(0, 0, 1, 0, 0)
	acc.Set(0, 1, 4, 0, 0)

	out, err := NewProjector[float64](Config{Height: 1, Width: 1, Keep: KeepFarthest}).Process(in)
	require.NoError(t, err)
	assert.True(t, out.IsBigEndian)
	outAcc, err := pointcloud.NewXYZ[float64](out)
	require.NoError(t, err)
	x, _, _ := outAcc.At(0, 0)
	assert.Equal(t, 4.0, x)

	_, err = Project[float32](in, DefaultConfig())
	assert.ErrorIs(t, err, pointcloud.ErrFieldMismatch)
}

func TestProject_Preconditions(t *testing.T) {
	in := cloudOf(t, [][]pt{{{x: 1}}})
	in.RowStep++
	out, err := Project[float32](in, DefaultConfig())
	assert.ErrorIs(t, err, ErrInvalidGeometry)
	assert.Nil(t, out)

	in = cloudOf(t, [][]pt{{{x: 1}}})
	out, err = Project[float32](in, Config{Width: -3, Keep: KeepLast})
	assert.ErrorIs(t, err, ErrInvalidGeometry)
	assert.Nil(t, out)

	out, err = Project[float32](nil, DefaultConfig())
	assert.ErrorIs(t, err, ErrInvalidGeometry)
	assert.Nil(t, out)
}

func TestProject_OversizedOutput(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"width past uint32", Config{Height: 1, Width: 1<<32 + 4, Keep: KeepLast}},
		{"height past uint32", Config{Height: 1<<32 + 2, Width: 1, Keep: KeepLast}},
		{"row step overflow", Config{Height: 1, Width: 1 << 31, Keep: KeepLast}},
		{"buffer too large", Config{Height: 1 << 20, Width: 1 << 20, Keep: KeepLast}},
		{"azimuth only wide", Config{Width: 1<<32 + 4, Keep: KeepLast, AzimuthOnly: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := cloudOf(t, [][]pt{{{x: 1}, {x: 2}}})
			var out *pointcloud.PointCloud
			var err error
			require.NotPanics(t, func() { out, err = Project[float32](in, tt.cfg) })
			assert.ErrorIs(t, err, ErrInvalidGeometry)
			assert.Nil(t, out)
		})
	}
}

func TestParams_CheckBuffer(t *testing.T) {
	assert.NoError(t, Params{Height: 64, Width: 2048}.CheckBuffer(16))
	assert.NoError(t, Params{Height: 1, Width: math.MaxUint32}.CheckBuffer(1))
	assert.ErrorIs(t, Params{Height: 1, Width: math.MaxUint32}.CheckBuffer(2), ErrInvalidGeometry)
	assert.ErrorIs(t, Params{Height: math.MaxUint32, Width: 1 << 20}.CheckBuffer(16), ErrInvalidGeometry)
}

func TestKeep_ParseAndText(t *testing.T) {
	for _, k := range []Keep{KeepFirst, KeepLast, KeepClosest, KeepFarthest} {
		got, err := ParseKeep(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, got)

		b, err := k.MarshalText()
		require.NoError(t, err)
		var back Keep
		require.NoError(t, back.UnmarshalText(b))
		assert.Equal(t, k, back)
	}

	k, err := ParseKeep("KEEP_CLOSEST")
	require.NoError(t, err)
	assert.Equal(t, KeepClosest, k)

	k, err = ParseKeep("3")
	require.NoError(t, err)
	assert.Equal(t, KeepFarthest, k)

	_, err = ParseKeep("nearest")
	assert.Error(t, err)
	_, err = ParseKeep("4")
	assert.Error(t, err)
	_, err = Keep(7).MarshalText()
	assert.Error(t, err)
	assert.Equal(t, "keep(7)", Keep(7).String())
}

func TestSummarize(t *testing.T) {
	row := []pt{polar(-1.6, 0, 2, 1), polar(-0.6, 0, 4, 2), {}, polar(1.4, 0, 6, 4)}
	in := cloudOf(t, [][]pt{row})
	out, err := Project[float32](in, Config{AzimuthScale: ptr(1), AzimuthOffset: ptr(1.5), Width: 4, Keep: KeepLast})
	require.NoError(t, err)

	s, err := Summarize[float32](out)
	require.NoError(t, err)
	assert.Equal(t, 4, s.Cells)
	assert.Equal(t, 3, s.Occupied)
	assert.InDelta(t, 0.75, s.FillRatio, 1e-12)
	assert.InDelta(t, 2, s.MinRange, 1e-5)
	assert.InDelta(t, 6, s.MaxRange, 1e-5)
	assert.InDelta(t, 4, s.MeanRange, 1e-5)
	assert.InDelta(t, 2, s.StdDevRange, 1e-5)
	assert.Equal(t, []int{3}, s.RowOccupancy)

	empty, err := Summarize[float32](pointcloud.NewLike(in, 2, 2))
	require.NoError(t, err)
	assert.Equal(t, 0, empty.Occupied)
	assert.Equal(t, 0.0, empty.MeanRange)
	assert.Equal(t, []int{0, 0}, empty.RowOccupancy)
}
