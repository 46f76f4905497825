package parse

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/banshee-data/rangeimage/internal/monitoring"
)

// LoadPandar40PConfig loads sensor calibration from the angle and firetime
// correction CSV files shipped with each Pandar40P unit.
func LoadPandar40PConfig(anglePath, firetimePath string) (*Pandar40PConfig, error) {
	angles, err := readCSVFile(anglePath)
	if err != nil {
		return nil, fmt.Errorf("failed to load angle corrections: %w", err)
	}
	firetimes, err := readCSVFile(firetimePath)
	if err != nil {
		return nil, fmt.Errorf("failed to load firetime corrections: %w", err)
	}

	config := &Pandar40PConfig{}
	if err := parseAngleCorrections(angles, config); err != nil {
		return nil, err
	}
	if err := parseFiretimeCorrections(firetimes, config); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// ReadPandar40PConfig reads calibration from already opened CSV streams.
func ReadPandar40PConfig(angles, firetimes io.Reader) (*Pandar40PConfig, error) {
	angleRecords, err := csv.NewReader(angles).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read angle CSV: %w", err)
	}
	firetimeRecords, err := csv.NewReader(firetimes).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read firetime CSV: %w", err)
	}

	config := &Pandar40PConfig{}
	if err := parseAngleCorrections(angleRecords, config); err != nil {
		return nil, err
	}
	if err := parseFiretimeCorrections(firetimeRecords, config); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func readCSVFile(path string) ([][]string, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV %s: %w", path, err)
	}
	return records, nil
}

// parseAngleCorrections parses angle correction records
func parseAngleCorrections(records [][]string, config *Pandar40PConfig) error {
	// Skip header row
	if len(records) < 2 {
		return fmt.Errorf("insufficient data in angle correction file")
	}

	header := records[0]
	if len(header) != 3 ||
		strings.ToLower(strings.TrimSpace(header[0])) != "channel" ||
		strings.ToLower(strings.TrimSpace(header[1])) != "elevation" ||
		strings.ToLower(strings.TrimSpace(header[2])) != "azimuth" {
		return fmt.Errorf("invalid header in angle correction file, expected: Channel,Elevation,Azimuth")
	}

	for i, record := range records[1:] {
		line := i + 2
		if len(record) != 3 {
			return fmt.Errorf("invalid record at line %d: expected 3 fields", line)
		}

		channel, err := strconv.Atoi(strings.TrimSpace(record[0]))
		if err != nil {
			return fmt.Errorf("invalid channel number at line %d: %w", line, err)
		}
		elevation, err := strconv.ParseFloat(strings.TrimSpace(record[1]), 64)
		if err != nil {
			return fmt.Errorf("invalid elevation at line %d: %w", line, err)
		}
		azimuth, err := strconv.ParseFloat(strings.TrimSpace(record[2]), 64)
		if err != nil {
			return fmt.Errorf("invalid azimuth at line %d: %w", line, err)
		}

		if channel < 1 || channel > CHANNELS_PER_BLOCK {
			return fmt.Errorf("channel number %d out of range (1-%d) at line %d", channel, CHANNELS_PER_BLOCK, line)
		}

		config.AngleCorrections[channel-1] = AngleCorrection{
			Channel:   channel,
			Elevation: elevation,
			Azimuth:   azimuth,
		}
	}

	return nil
}

// parseFiretimeCorrections parses firetime correction records
func parseFiretimeCorrections(records [][]string, config *Pandar40PConfig) error {
	if len(records) < 2 {
		return fmt.Errorf("insufficient data in firetime correction file")
	}

	// Header text varies between firmware drops ("fire time(μs)", "Fire Time (us)")
	header := records[0]
	if len(header) != 2 ||
		strings.ToLower(strings.TrimSpace(header[0])) != "channel" ||
		!strings.Contains(strings.ToLower(header[1]), "fire time") {
		return fmt.Errorf("invalid header in firetime correction file, expected: Channel,fire time(us)")
	}

	for i, record := range records[1:] {
		line := i + 2
		if len(record) != 2 {
			return fmt.Errorf("invalid record at line %d: expected 2 fields", line)
		}

		channel, err := strconv.Atoi(strings.TrimSpace(record[0]))
		if err != nil {
			return fmt.Errorf("invalid channel number at line %d: %w", line, err)
		}
		fireTime, err := strconv.ParseFloat(strings.TrimSpace(record[1]), 64)
		if err != nil {
			return fmt.Errorf("invalid fire time at line %d: %w", line, err)
		}

		if channel < 1 || channel > CHANNELS_PER_BLOCK {
			return fmt.Errorf("channel number %d out of range (1-%d) at line %d", channel, CHANNELS_PER_BLOCK, line)
		}

		config.FiretimeCorrections[channel-1] = FiretimeCorrection{
			Channel:  channel,
			FireTime: fireTime,
		}
	}

	return nil
}

// Validate checks that every channel has both corrections.
func (config *Pandar40PConfig) Validate() error {
	for i := 0; i < CHANNELS_PER_BLOCK; i++ {
		if config.AngleCorrections[i].Channel == 0 {
			return fmt.Errorf("missing angle correction for channel %d", i+1)
		}
		if config.FiretimeCorrections[i].Channel == 0 {
			return fmt.Errorf("missing firetime correction for channel %d", i+1)
		}
	}
	return nil
}

// ParseTimestampMode maps a mode name to a TimestampMode. Valid values are
// "system", "gps", "internal" and "lidar". Unknown names return an error.
func ParseTimestampMode(name string) (TimestampMode, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "system":
		return TimestampModeSystemTime, nil
	case "gps", "ptp":
		return TimestampModeGPS, nil
	case "internal":
		return TimestampModeInternal, nil
	case "lidar":
		return TimestampModeLiDAR, nil
	default:
		return TimestampModeSystemTime, fmt.Errorf("unknown timestamp mode %q", name)
	}
}

// ConfigureTimestampMode configures the parser's timestamp mode from the
// LIDAR_TIMESTAMP_MODE environment variable, defaulting to system time.
func ConfigureTimestampMode(parser *Pandar40PParser) {
	raw := os.Getenv("LIDAR_TIMESTAMP_MODE")
	mode, err := ParseTimestampMode(raw)
	if err != nil {
		monitoring.Logf("LiDAR timestamp mode: %v, using system time", err)
	}
	parser.SetTimestampMode(mode)
	monitoring.Logf("LiDAR timestamp mode: %s", mode)
}
