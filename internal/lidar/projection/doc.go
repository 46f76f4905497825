// Package projection rasterizes point clouds into range images.
//
// Each valid point is mapped to spherical coordinates (azimuth, elevation)
// and then, through an affine scale and offset per axis, to a pixel of the
// output grid. The whole point record is copied into the pixel, so the
// output keeps the input's record layout and any extra fields. Cells that
// receive no point stay all-zero, which reads back as an invalid point.
//
// When several points land in the same pixel a Keep policy selects exactly
// one of them.
package projection
