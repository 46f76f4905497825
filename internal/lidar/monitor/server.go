// Package monitor serves stored range images and the range image database
// on debug HTTP routes.
package monitor

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	"tailscale.com/tsweb"

	"github.com/banshee-data/rangeimage/internal/lidar/pointcloud"
	"github.com/banshee-data/rangeimage/internal/lidar/projection"
	"github.com/banshee-data/rangeimage/internal/lidar/storage/sqlite"
	"github.com/banshee-data/rangeimage/internal/version"
)

// Server exposes stored range images.
type Server struct {
	address  string
	db       *sql.DB
	store    *sqlite.RangeImageStore
	sensorID string
	server   *http.Server
}

// ServerConfig contains configuration options for the debug server.
type ServerConfig struct {
	Address  string
	DB       *sql.DB
	SensorID string
}

// NewServer creates a debug server over the range image database.
func NewServer(config ServerConfig) *Server {
	s := &Server{
		address:  config.Address,
		db:       config.DB,
		store:    sqlite.NewRangeImageStore(config.DB),
		sensorID: config.SensorID,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	s.AttachAdminRoutes(mux)
	s.server = &http.Server{
		Addr:    s.address,
		Handler: mux,
	}
	return s
}

// AttachAdminRoutes mounts the range image pages and a tailsql console
// under /debug/.
func (s *Server) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		log.Fatalf("failed to create tailsql server: %v", err)
	}
	tsql.SetDB("sqlite://rangeimage.db", s.db, &tailsql.DBOptions{
		Label: "Range image DB",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.HandleFunc("rangeimages", "recent range images as JSON (sensor_id, limit)", s.handleList)
	debug.HandleFunc("rangeimage", "one stored range image's metadata and summary as JSON (id)", s.handleGet)
	debug.HandleFunc("rangeimage.pcd", "download one stored range image as PCD (id)", s.handlePCD)
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		log.Printf("Starting HTTP server on %s", s.address)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	log.Println("shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		if err := s.server.Close(); err != nil {
			log.Printf("HTTP server force close error: %v", err)
		}
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.db.PingContext(r.Context()); err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": version.Version})
}

// handleList returns the most recent images of a sensor.
// Query params:
//
//	sensor_id (optional; defaults to the configured sensor)
//	limit (optional, default 20)
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	sensorID := r.URL.Query().Get("sensor_id")
	if sensorID == "" {
		sensorID = s.sensorID
	}
	limit := 20
	if l := r.URL.Query().Get("limit"); l != "" {
		v, err := strconv.Atoi(l)
		if err != nil || v < 1 || v > 1000 {
			writeJSONError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = v
	}

	images, err := s.store.ListBySensor(r.Context(), sensorID, limit)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if images == nil {
		images = []*sqlite.RangeImage{}
	}
	writeJSON(w, http.StatusOK, images)
}

// loadImage fetches the image named by the id query parameter, writing an
// error response and returning nil when it cannot.
func (s *Server) loadImage(w http.ResponseWriter, r *http.Request) *sqlite.RangeImage {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeJSONError(w, http.StatusBadRequest, "missing id")
		return nil
	}
	img, err := s.store.Get(r.Context(), id)
	if errors.Is(err, sql.ErrNoRows) {
		writeJSONError(w, http.StatusNotFound, "range image not found")
		return nil
	}
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return nil
	}
	return img
}

// rangeImageDetail adds the summary of the stored cloud to its metadata.
type rangeImageDetail struct {
	*sqlite.RangeImage
	Summary projection.Summary `json:"summary"`
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	img := s.loadImage(w, r)
	if img == nil {
		return
	}
	summary, err := summarize(img.Cloud)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rangeImageDetail{RangeImage: img, Summary: summary})
}

// summarize picks the coordinate precision from the datatype of x.
func summarize(pc *pointcloud.PointCloud) (projection.Summary, error) {
	if f, ok := pc.Field("x"); ok && f.Datatype == pointcloud.Float64 {
		return projection.Summarize[float64](pc)
	}
	return projection.Summarize[float32](pc)
}

func (s *Server) handlePCD(w http.ResponseWriter, r *http.Request) {
	img := s.loadImage(w, r)
	if img == nil {
		return
	}
	var buf bytes.Buffer
	if err := pointcloud.WritePCD(&buf, img.Cloud, pointcloud.PCDBinary); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.pcd", img.ImageID))
	_, _ = w.Write(buf.Bytes())
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("JSON encoding error: %v", err)
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
