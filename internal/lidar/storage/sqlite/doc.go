// Package sqlite contains SQLite repository implementations for LiDAR
// domain types.
//
// Range images are stored one row per image: layout and projection
// parameters as JSON columns, the record buffer as a gzip blob, and a few
// occupancy figures for listing without decompressing.
package sqlite
