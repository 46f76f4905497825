package projection

import (
	"fmt"

	"github.com/banshee-data/rangeimage/internal/lidar/pointcloud"
)

// Project rasterizes in into a new range image. T is the coordinate type
// of the x, y and z fields.
//
// Points are visited in row-major order. Invalid points, points projecting
// outside the image and points losing the Keep comparison are dropped
// silently. An error is returned only for malformed input or an output
// size below 1 or too large to allocate, in which case nothing is
// allocated.
func Project[T pointcloud.Float](in *pointcloud.PointCloud, cfg Config) (*pointcloud.PointCloud, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	src, err := pointcloud.NewXYZ[T](in)
	if err != nil {
		return nil, err
	}
	p, err := ResolveParams(in.Geometry(), cfg)
	if err != nil {
		return nil, err
	}
	if err := p.CheckBuffer(in.PointStep); err != nil {
		return nil, err
	}

	// Zeroed records are invalid points, so the fresh buffer starts empty.
	out := pointcloud.NewLike(in, uint32(p.Height), uint32(p.Width))
	dst, err := pointcloud.NewXYZ[T](out)
	if err != nil {
		return nil, fmt.Errorf("output layout: %w", err)
	}

	for iIn := 0; iIn < int(in.Height); iIn++ {
		for jIn := 0; jIn < int(in.Width); jIn++ {
			x, y, z := src.At(iIn, jIn)
			if !IsPointValid(x, y, z) {
				continue
			}
			fx, fy, fz := float64(x), float64(y), float64(z)

			jOut, ok := p.Column(Azimuth(fx, fy, fz))
			if !ok {
				continue
			}
			var iOut int
			if cfg.AzimuthOnly {
				iOut = iIn
				if iOut >= p.Height {
					continue
				}
			} else if iOut, ok = p.Row(Elevation(fx, fy, fz)); !ok {
				continue
			}

			if cfg.Keep != KeepLast {
				ox, oy, oz := dst.At(iOut, jOut)
				occupied := IsPointValid(ox, oy, oz)
				var cellRange, candRange float64
				if occupied && (cfg.Keep == KeepClosest || cfg.Keep == KeepFarthest) {
					cellRange = Range(float64(ox), float64(oy), float64(oz))
					candRange = Range(fx, fy, fz)
				}
				if !cfg.Keep.replaces(occupied, cellRange, candRange) {
					continue
				}
			}

			pointcloud.CopyPoint(out, iOut, jOut, in, iIn, jIn)
		}
	}
	return out, nil
}

// Projector applies a fixed Config to successive clouds. It holds no state
// between calls.
type Projector[T pointcloud.Float] struct {
	Config Config
}

// NewProjector returns a Projector for cfg.
func NewProjector[T pointcloud.Float](cfg Config) *Projector[T] {
	return &Projector[T]{Config: cfg}
}

// Process projects one cloud.
func (pr *Projector[T]) Process(in *pointcloud.PointCloud) (*pointcloud.PointCloud, error) {
	return Project[T](in, pr.Config)
}
