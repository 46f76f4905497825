package sqlite

import (
	"bytes"
	"compress/gzip"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/rangeimage/internal/lidar/pointcloud"
	"github.com/banshee-data/rangeimage/internal/lidar/projection"
)

// RangeImage is one projected image and the parameters that produced it.
type RangeImage struct {
	ImageID  string `json:"image_id"`
	SensorID string `json:"sensor_id"`

	// Cloud is nil for rows returned by ListBySensor.
	Cloud *pointcloud.PointCloud `json:"-"`

	// FrameID and TakenUnixNanos mirror the cloud header.
	FrameID        string `json:"frame_id"`
	TakenUnixNanos int64  `json:"taken_unix_nanos"`
	Height         uint32 `json:"height"`
	Width          uint32 `json:"width"`

	Params      projection.Params `json:"params"`
	Keep        projection.Keep   `json:"keep"`
	AzimuthOnly bool              `json:"azimuth_only"`

	OccupiedCells int     `json:"occupied_cells"`
	FillRatio     float64 `json:"fill_ratio"`
	MeanRange     float64 `json:"mean_range"`

	Notes            string `json:"notes,omitempty"`
	CreatedUnixNanos int64  `json:"created_unix_nanos"`
}

// SetSummary copies the occupancy figures from s.
func (img *RangeImage) SetSummary(s projection.Summary) {
	img.OccupiedCells = s.Occupied
	img.FillRatio = s.FillRatio
	img.MeanRange = s.MeanRange
}

// RangeImageStore provides persistence for range images.
type RangeImageStore struct {
	db *sql.DB
}

// NewRangeImageStore creates a new RangeImageStore.
func NewRangeImageStore(db *sql.DB) *RangeImageStore {
	return &RangeImageStore{db: db}
}

// Insert stores img. If img.ImageID is empty a new UUID is generated; the
// frame, time and shape columns are taken from img.Cloud.
func (s *RangeImageStore) Insert(ctx context.Context, img *RangeImage) error {
	if img.SensorID == "" {
		return errors.New("insert range image: sensor id is required")
	}
	if !img.Keep.Valid() {
		return fmt.Errorf("insert range image: invalid keep policy %d", int(img.Keep))
	}
	if err := img.Cloud.Validate(); err != nil {
		return fmt.Errorf("insert range image: %w", err)
	}
	if img.ImageID == "" {
		img.ImageID = uuid.New().String()
	}
	if img.CreatedUnixNanos == 0 {
		img.CreatedUnixNanos = time.Now().UnixNano()
	}

	pc := img.Cloud
	img.FrameID = pc.Header.FrameID
	img.Height = pc.Height
	img.Width = pc.Width
	if !pc.Header.Stamp.IsZero() {
		img.TakenUnixNanos = pc.Header.Stamp.UnixNano()
	}

	fieldsJSON, err := json.Marshal(pc.Fields)
	if err != nil {
		return fmt.Errorf("marshal fields: %w", err)
	}
	paramsJSON, err := json.Marshal(img.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	blob, err := compressBlob(pc.Data)
	if err != nil {
		return fmt.Errorf("compress cloud: %w", err)
	}

	query := `
		INSERT INTO lidar_range_images (
			image_id, sensor_id, frame_id, taken_unix_nanos,
			height, width, point_step, is_big_endian,
			fields_json, params_json, keep, azimuth_only,
			occupied_cells, fill_ratio, mean_range,
			cloud_blob, notes, created_unix_nanos
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		img.ImageID,
		img.SensorID,
		img.FrameID,
		img.TakenUnixNanos,
		pc.Height,
		pc.Width,
		pc.PointStep,
		pc.IsBigEndian,
		string(fieldsJSON),
		string(paramsJSON),
		img.Keep.String(),
		img.AzimuthOnly,
		img.OccupiedCells,
		img.FillRatio,
		img.MeanRange,
		blob,
		nullString(img.Notes),
		img.CreatedUnixNanos,
	)
	if err != nil {
		return fmt.Errorf("insert range image: %w", err)
	}
	return nil
}

const selectColumns = `
	image_id, sensor_id, frame_id, taken_unix_nanos,
	height, width, point_step, is_big_endian,
	fields_json, params_json, keep, azimuth_only,
	occupied_cells, fill_ratio, mean_range,
	notes, created_unix_nanos`

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// rangeImageRow is the metadata of one row plus the raw layout columns
// needed to restore the cloud.
type rangeImageRow struct {
	img        RangeImage
	pointStep  uint32
	bigEndian  bool
	fieldsJSON string
	paramsJSON string
	keep       string
}

func scanRangeImage(sc rowScanner, extra ...any) (*rangeImageRow, error) {
	r := &rangeImageRow{}
	var notes sql.NullString
	dest := []any{
		&r.img.ImageID, &r.img.SensorID, &r.img.FrameID, &r.img.TakenUnixNanos,
		&r.img.Height, &r.img.Width, &r.pointStep, &r.bigEndian,
		&r.fieldsJSON, &r.paramsJSON, &r.keep, &r.img.AzimuthOnly,
		&r.img.OccupiedCells, &r.img.FillRatio, &r.img.MeanRange,
		&notes, &r.img.CreatedUnixNanos,
	}
	if err := sc.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	if notes.Valid {
		r.img.Notes = notes.String
	}

	if err := json.Unmarshal([]byte(r.paramsJSON), &r.img.Params); err != nil {
		return nil, fmt.Errorf("decode params for %s: %w", r.img.ImageID, err)
	}
	keep, err := projection.ParseKeep(r.keep)
	if err != nil {
		return nil, fmt.Errorf("decode keep for %s: %w", r.img.ImageID, err)
	}
	r.img.Keep = keep
	return r, nil
}

// Get loads one range image, including its point cloud.
// Returns sql.ErrNoRows if imageID does not exist.
func (s *RangeImageStore) Get(ctx context.Context, imageID string) (*RangeImage, error) {
	query := `SELECT ` + selectColumns + `, cloud_blob FROM lidar_range_images WHERE image_id = ?`

	var blob []byte
	r, err := scanRangeImage(s.db.QueryRowContext(ctx, query, imageID), &blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sql.ErrNoRows
	}
	if err != nil {
		return nil, fmt.Errorf("get range image: %w", err)
	}

	var fields []pointcloud.PointField
	if err := json.Unmarshal([]byte(r.fieldsJSON), &fields); err != nil {
		return nil, fmt.Errorf("decode fields for %s: %w", imageID, err)
	}
	data, err := decompressBlob(blob)
	if err != nil {
		return nil, fmt.Errorf("decompress cloud %s: %w", imageID, err)
	}

	img := r.img
	img.Cloud = &pointcloud.PointCloud{
		Header:      pointcloud.Header{FrameID: img.FrameID},
		Height:      img.Height,
		Width:       img.Width,
		Fields:      fields,
		IsBigEndian: r.bigEndian,
		PointStep:   r.pointStep,
		RowStep:     img.Width * r.pointStep,
		Data:        data,
	}
	if img.TakenUnixNanos != 0 {
		img.Cloud.Header.Stamp = time.Unix(0, img.TakenUnixNanos).UTC()
	}
	if err := img.Cloud.Validate(); err != nil {
		return nil, fmt.Errorf("stored cloud %s: %w", imageID, err)
	}
	return &img, nil
}

// ListBySensor returns the most recent images of a sensor, newest first,
// without their point clouds. A limit <= 0 returns all rows.
func (s *RangeImageStore) ListBySensor(ctx context.Context, sensorID string, limit int) ([]*RangeImage, error) {
	query := `SELECT ` + selectColumns + `
		FROM lidar_range_images
		WHERE sensor_id = ?
		ORDER BY taken_unix_nanos DESC, created_unix_nanos DESC`
	args := []any{sensorID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list range images: %w", err)
	}
	defer rows.Close()

	var images []*RangeImage
	for rows.Next() {
		r, err := scanRangeImage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan range image: %w", err)
		}
		img := r.img
		images = append(images, &img)
	}
	return images, rows.Err()
}

// Delete removes a range image by ID.
func (s *RangeImageStore) Delete(ctx context.Context, imageID string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM lidar_range_images WHERE image_id = ?", imageID)
	if err != nil {
		return fmt.Errorf("delete range image: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete range image rows affected: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func compressBlob(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompressBlob(blob []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(blob))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}
