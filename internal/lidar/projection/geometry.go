package projection

import (
	"math"

	"github.com/banshee-data/rangeimage/internal/lidar/pointcloud"
)

// IsPointValid reports whether all coordinates are finite and at least one
// is non-zero. The all-zero point is the "no return" marker.
func IsPointValid[T pointcloud.Float](x, y, z T) bool {
	fx, fy, fz := float64(x), float64(y), float64(z)
	if math.IsNaN(fx) || math.IsInf(fx, 0) ||
		math.IsNaN(fy) || math.IsInf(fy, 0) ||
		math.IsNaN(fz) || math.IsInf(fz, 0) {
		return false
	}
	return fx != 0 || fy != 0 || fz != 0
}

// Azimuth returns atan2(y, x) in (-π, π].
func Azimuth(x, y, z float64) float64 {
	return math.Atan2(y, x)
}

// Elevation returns atan2(z, hypot(x, y)) in [-π/2, π/2].
func Elevation(x, y, z float64) float64 {
	return math.Atan2(z, math.Hypot(x, y))
}

// Range returns the Euclidean norm of the point.
func Range(x, y, z float64) float64 {
	return math.Hypot(math.Hypot(x, y), z)
}
