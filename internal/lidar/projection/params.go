package projection

import (
	"fmt"
	"math"
	"math/bits"

	"github.com/banshee-data/rangeimage/internal/lidar/pointcloud"
)

// ErrInvalidGeometry is returned for inputs or configurations that cannot
// produce a well-formed output buffer.
var ErrInvalidGeometry = pointcloud.ErrInvalidGeometry

// MaxOutputBytes bounds the data buffer of one projected image.
const MaxOutputBytes = 1 << 40

// Config describes one projection. Nil scale and offset fields fall back
// to defaults derived from the output size. Height and Width of 0 copy the
// input's dimension.
type Config struct {
	AzimuthScale    *float64
	ElevationScale  *float64
	AzimuthOffset   *float64
	ElevationOffset *float64

	Height int
	Width  int

	Keep Keep

	// AzimuthOnly keeps the input row index and only projects azimuth.
	// The output height is then always the input height.
	AzimuthOnly bool
}

// DefaultConfig returns a configuration with every parameter derived and
// the KeepLast policy.
func DefaultConfig() Config {
	return Config{Keep: KeepLast}
}

// Params are the mapping constants resolved once per call.
type Params struct {
	Height int `json:"height"`
	Width  int `json:"width"`

	FAzimuth   float64 `json:"f_azimuth"`
	FElevation float64 `json:"f_elevation"`
	CAzimuth   float64 `json:"c_azimuth"`
	CElevation float64 `json:"c_elevation"`
}

// ResolveParams fixes the output size and the angle-to-pixel mapping for
// an input of the given geometry.
func ResolveParams(in pointcloud.Geometry, cfg Config) (Params, error) {
	if in.Height < 1 || in.Width < 1 {
		return Params{}, fmt.Errorf("%w: input %dx%d", ErrInvalidGeometry, in.Height, in.Width)
	}
	if cfg.Height < 0 || cfg.Width < 0 {
		return Params{}, fmt.Errorf("%w: configured output %dx%d", ErrInvalidGeometry, cfg.Height, cfg.Width)
	}
	if !cfg.Keep.Valid() {
		return Params{}, fmt.Errorf("invalid keep policy %d", int(cfg.Keep))
	}

	p := Params{Height: cfg.Height, Width: cfg.Width}
	if cfg.AzimuthOnly || cfg.Height == 0 {
		p.Height = int(in.Height)
	}
	if cfg.Width == 0 {
		p.Width = int(in.Width)
	}
	if p.Height < 1 || p.Width < 1 {
		return Params{}, fmt.Errorf("%w: resolved output %dx%d", ErrInvalidGeometry, p.Height, p.Width)
	}
	if int64(p.Height) > math.MaxUint32 || int64(p.Width) > math.MaxUint32 {
		return Params{}, fmt.Errorf("%w: resolved output %dx%d exceeds %d", ErrInvalidGeometry, p.Height, p.Width, uint32(math.MaxUint32))
	}

	w, h := float64(p.Width), float64(p.Height)
	p.FAzimuth = scaleOr(cfg.AzimuthScale, -w/(2*math.Pi))
	p.FElevation = scaleOr(cfg.ElevationScale, -h/(math.Pi/2))
	p.CAzimuth = offsetOr(cfg.AzimuthOffset, w/2-0.5)
	p.CElevation = offsetOr(cfg.ElevationOffset, h/2-0.5)
	return p, nil
}

// CheckBuffer reports whether an output of p's size with records of
// pointStep bytes can be addressed and allocated.
func (p Params) CheckBuffer(pointStep uint32) error {
	rowStep := uint64(p.Width) * uint64(pointStep)
	if rowStep > math.MaxUint32 {
		return fmt.Errorf("%w: row step %d for width %d overflows uint32", ErrInvalidGeometry, rowStep, p.Width)
	}
	hi, size := bits.Mul64(uint64(p.Height), rowStep)
	if hi != 0 || size > MaxOutputBytes || size > math.MaxInt {
		return fmt.Errorf("%w: output %dx%d with point step %d exceeds %d bytes",
			ErrInvalidGeometry, p.Height, p.Width, pointStep, uint64(MaxOutputBytes))
	}
	return nil
}

// scaleOr returns *v when it is set, finite and non-zero.
func scaleOr(v *float64, def float64) float64 {
	if v == nil || !isFinite(*v) || *v == 0 {
		return def
	}
	return *v
}

// offsetOr returns *v when it is set and finite.
func offsetOr(v *float64, def float64) float64 {
	if v == nil || !isFinite(*v) {
		return def
	}
	return *v
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Column maps an azimuth to a column index. ok is false when the point
// falls outside [0, Width).
func (p Params) Column(azimuth float64) (j int, ok bool) {
	return pixel(p.FAzimuth*azimuth+p.CAzimuth, p.Width)
}

// Row maps an elevation to a row index. ok is false when the point falls
// outside [0, Height).
func (p Params) Row(elevation float64) (i int, ok bool) {
	return pixel(p.FElevation*elevation+p.CElevation, p.Height)
}

// pixel moves a [-0.5, 0.5) pixel-centred coordinate to [0, 1) and floors
// it, rejecting NaN and anything outside [0, size).
func pixel(c float64, size int) (int, bool) {
	c += 0.5
	if math.IsNaN(c) || c < 0 || c >= float64(size) {
		return 0, false
	}
	return int(c), true
}
