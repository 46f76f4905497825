// Package pointcloud owns the structured point buffer used between the
// LiDAR layers.
//
// Responsibilities: the row/column addressable record layout (height,
// width, point step, row step, field descriptors), typed coordinate access,
// whole-record copies and the PCD file codec.
// Key types: PointCloud, PointField, XYZ.
//
// Dependency rule: pointcloud depends on nothing else under internal/lidar.
package pointcloud
