package projection

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/rangeimage/internal/lidar/pointcloud"
)

// Summary describes how a range image is filled.
type Summary struct {
	Cells     int     `json:"cells"`
	Occupied  int     `json:"occupied"`
	FillRatio float64 `json:"fill_ratio"`

	// Range statistics over occupied cells, in the cloud's length unit.
	// All zero when no cell is occupied.
	MinRange    float64 `json:"min_range"`
	MaxRange    float64 `json:"max_range"`
	MeanRange   float64 `json:"mean_range"`
	StdDevRange float64 `json:"stddev_range"`

	// RowOccupancy holds the number of occupied cells per row.
	RowOccupancy []int `json:"row_occupancy"`
}

// Summarize counts the occupied cells of pc and their range distribution.
func Summarize[T pointcloud.Float](pc *pointcloud.PointCloud) (Summary, error) {
	if err := pc.Validate(); err != nil {
		return Summary{}, err
	}
	acc, err := pointcloud.NewXYZ[T](pc)
	if err != nil {
		return Summary{}, err
	}

	s := Summary{
		Cells:        pc.Len(),
		RowOccupancy: make([]int, pc.Height),
	}
	ranges := make([]float64, 0, pc.Len())
	for i := 0; i < int(pc.Height); i++ {
		for j := 0; j < int(pc.Width); j++ {
			x, y, z := acc.At(i, j)
			if !IsPointValid(x, y, z) {
				continue
			}
			s.RowOccupancy[i]++
			ranges = append(ranges, Range(float64(x), float64(y), float64(z)))
		}
	}

	s.Occupied = len(ranges)
	s.FillRatio = float64(s.Occupied) / float64(s.Cells)
	if s.Occupied == 0 {
		return s, nil
	}
	s.MinRange = floats.Min(ranges)
	s.MaxRange = floats.Max(ranges)
	s.MeanRange, s.StdDevRange = stat.MeanStdDev(ranges, nil)
	if s.Occupied == 1 {
		// sample stddev is undefined for a single value
		s.StdDevRange = 0
	}
	return s, nil
}
