package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/banshee-data/rangeimage/internal/lidar/projection"
)

// DefaultConfigPath is the path to the canonical projection defaults file.
const DefaultConfigPath = "config/projection.defaults.json"

// ProjectionConfig is the JSON schema for projection parameters.
// Every field is optional: a nil scale or offset is derived from the output
// size, a nil or zero height/width copies the input dimension.
type ProjectionConfig struct {
	// Angle-to-pixel mapping. Scales are pixels per radian.
	AzimuthScale    *float64 `json:"azimuth_scale,omitempty"`
	ElevationScale  *float64 `json:"elevation_scale,omitempty"`
	AzimuthOffset   *float64 `json:"azimuth_offset,omitempty"`
	ElevationOffset *float64 `json:"elevation_offset,omitempty"`

	// Output image size
	Height *int `json:"height,omitempty"`
	Width  *int `json:"width,omitempty"`

	// Collision policy: first, last, closest or farthest
	Keep *string `json:"keep,omitempty"`

	AzimuthOnly *bool `json:"azimuth_only,omitempty"`

	// DoublePrecision selects float64 x/y/z fields instead of float32.
	DoublePrecision *bool `json:"double_precision,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyProjectionConfig returns a ProjectionConfig with all fields set to nil.
func EmptyProjectionConfig() *ProjectionConfig {
	return &ProjectionConfig{}
}

// LoadProjectionConfig loads a ProjectionConfig from a JSON file.
// The file must have a .json extension and be at most 1MB. Fields omitted
// from the file stay nil and resolve to their defaults.
func LoadProjectionConfig(path string) (*ProjectionConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyProjectionConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical defaults from DefaultConfigPath,
// searching the current directory and its parents up to the repo root.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *ProjectionConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,       // from internal/config/
		"../../../" + DefaultConfigPath,    // from internal/lidar/projection/
		"../../../../" + DefaultConfigPath, // from internal/lidar/storage/sqlite/
	}
	for _, path := range candidates {
		if cfg, err := LoadProjectionConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are usable.
func (c *ProjectionConfig) Validate() error {
	for name, v := range map[string]*float64{
		"azimuth_scale":    c.AzimuthScale,
		"elevation_scale":  c.ElevationScale,
		"azimuth_offset":   c.AzimuthOffset,
		"elevation_offset": c.ElevationOffset,
	} {
		if v != nil && (math.IsNaN(*v) || math.IsInf(*v, 0)) {
			return fmt.Errorf("%s must be finite, got %v", name, *v)
		}
	}

	if c.Height != nil && *c.Height < 0 {
		return fmt.Errorf("height must be non-negative, got %d", *c.Height)
	}
	if c.Width != nil && *c.Width < 0 {
		return fmt.Errorf("width must be non-negative, got %d", *c.Width)
	}
	if c.Height != nil && int64(*c.Height) > math.MaxUint32 {
		return fmt.Errorf("height must be at most %d, got %d", uint32(math.MaxUint32), *c.Height)
	}
	if c.Width != nil && int64(*c.Width) > math.MaxUint32 {
		return fmt.Errorf("width must be at most %d, got %d", uint32(math.MaxUint32), *c.Width)
	}

	if c.Keep != nil {
		if _, err := projection.ParseKeep(*c.Keep); err != nil {
			return err
		}
	}

	return nil
}

// GetHeight returns the configured output height, 0 meaning "from input".
func (c *ProjectionConfig) GetHeight() int {
	if c.Height == nil {
		return 0
	}
	return *c.Height
}

// GetWidth returns the configured output width, 0 meaning "from input".
func (c *ProjectionConfig) GetWidth() int {
	if c.Width == nil {
		return 0
	}
	return *c.Width
}

// GetKeep returns the collision policy or the default (last).
func (c *ProjectionConfig) GetKeep() projection.Keep {
	if c.Keep == nil {
		return projection.KeepLast
	}
	k, err := projection.ParseKeep(*c.Keep)
	if err != nil {
		return projection.KeepLast // default on parse error
	}
	return k
}

// GetAzimuthOnly returns the azimuth_only value or the default.
func (c *ProjectionConfig) GetAzimuthOnly() bool {
	if c.AzimuthOnly == nil {
		return false
	}
	return *c.AzimuthOnly
}

// GetDoublePrecision returns the double_precision value or the default.
func (c *ProjectionConfig) GetDoublePrecision() bool {
	if c.DoublePrecision == nil {
		return false
	}
	return *c.DoublePrecision
}

// ToProjection builds the projection.Config described by c. Scales and
// offsets are copied so later edits to c do not leak into the result.
func (c *ProjectionConfig) ToProjection() projection.Config {
	return projection.Config{
		AzimuthScale:    copyFloat(c.AzimuthScale),
		ElevationScale:  copyFloat(c.ElevationScale),
		AzimuthOffset:   copyFloat(c.AzimuthOffset),
		ElevationOffset: copyFloat(c.ElevationOffset),
		Height:          c.GetHeight(),
		Width:           c.GetWidth(),
		Keep:            c.GetKeep(),
		AzimuthOnly:     c.GetAzimuthOnly(),
	}
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	return ptrFloat64(*v)
}
