package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/banshee-data/rangeimage/internal/lidar/network"
	"github.com/banshee-data/rangeimage/internal/lidar/pointcloud"
	"github.com/banshee-data/rangeimage/internal/lidar/projection"
	"github.com/banshee-data/rangeimage/internal/lidar/scan"
	"github.com/banshee-data/rangeimage/internal/lidar/storage/sqlite"
)

// errFrameLimit stops a replay once -max-frames images are written.
var errFrameLimit = errors.New("frame limit reached")

type runner struct {
	cfg       projection.Config
	double    bool
	format    pointcloud.PCDFormat
	store     *sqlite.RangeImageStore
	sensorID  string
	maxFrames int

	images int
}

// project runs the projection at the configured precision and summarizes
// the result.
func (r *runner) project(in *pointcloud.PointCloud) (*pointcloud.PointCloud, projection.Summary, error) {
	if r.double {
		return projectAs[float64](in, r.cfg)
	}
	return projectAs[float32](in, r.cfg)
}

func projectAs[T pointcloud.Float](in *pointcloud.PointCloud, cfg projection.Config) (*pointcloud.PointCloud, projection.Summary, error) {
	out, err := projection.NewProjector[T](cfg).Process(in)
	if err != nil {
		return nil, projection.Summary{}, err
	}
	summary, err := projection.Summarize[T](out)
	if err != nil {
		return nil, projection.Summary{}, err
	}
	return out, summary, nil
}

// process projects one cloud, writes it to outPath when set and records it
// in the store when one is configured.
func (r *runner) process(ctx context.Context, in *pointcloud.PointCloud, outPath string) (*sqlite.RangeImage, error) {
	params, err := projection.ResolveParams(in.Geometry(), r.cfg)
	if err != nil {
		return nil, err
	}
	out, summary, err := r.project(in)
	if err != nil {
		return nil, err
	}

	if outPath != "" {
		if err := writePCD(outPath, out, r.format); err != nil {
			return nil, err
		}
	}

	img := &sqlite.RangeImage{
		SensorID:    r.sensorID,
		Cloud:       out,
		Params:      params,
		Keep:        r.cfg.Keep,
		AzimuthOnly: r.cfg.AzimuthOnly,
	}
	img.SetSummary(summary)
	if r.store != nil {
		if err := r.store.Insert(ctx, img); err != nil {
			return nil, err
		}
	}

	r.images++
	log.Printf("Image %d: %dx%d from %dx%d, %d/%d cells (%.1f%%), range %.2f..%.2f mean %.2f%s",
		out.Header.Seq, out.Height, out.Width, in.Height, in.Width,
		summary.Occupied, summary.Cells, 100*summary.FillRatio,
		summary.MinRange, summary.MaxRange, summary.MeanRange, storedSuffix(img, r.store != nil))
	return img, nil
}

func storedSuffix(img *sqlite.RangeImage, stored bool) string {
	if !stored {
		return ""
	}
	return " [" + img.ImageID + "]"
}

// runPCD projects a single PCD file.
func (r *runner) runPCD(ctx context.Context, inPath, outPath string) error {
	f, err := os.Open(inPath)
	if err != nil {
		return err
	}
	defer f.Close()

	in, err := pointcloud.ReadPCD(bufio.NewReader(f))
	if err != nil {
		return fmt.Errorf("read %s: %w", inPath, err)
	}
	if in.Header.FrameID == "" {
		in.Header.FrameID = r.sensorID
	}
	_, err = r.process(ctx, in, outPath)
	return err
}

type pcapOptions struct {
	path    string
	udpPort int
	outDir  string
	columns int
	// libpcap reads through libpcap with a kernel BPF port filter. Builds
	// without the pcap tag return network.ErrPCAPDisabled.
	libpcap bool
}

// runPCAP replays a capture, assembles scans and projects each one.
func (r *runner) runPCAP(ctx context.Context, opts pcapOptions, parser network.Parser) error {
	if r.double {
		return errors.New("assembled scans store float32 coordinates; -double is not supported with -pcap")
	}
	if opts.outDir != "" {
		if err := os.MkdirAll(opts.outDir, 0o755); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	handle := func(pc *pointcloud.PointCloud) {
		if ctx.Err() != nil {
			return
		}
		outPath := ""
		if opts.outDir != "" {
			outPath = scanPath(opts.outDir, pc.Header.Seq)
		}
		if _, err := r.process(ctx, pc, outPath); err != nil {
			cancel(fmt.Errorf("scan %d: %w", pc.Header.Seq, err))
			return
		}
		if r.maxFrames > 0 && r.images >= r.maxFrames {
			cancel(errFrameLimit)
		}
	}

	asm := scan.NewAssembler(scan.Config{FrameID: r.sensorID, Columns: opts.columns}, handle)
	stats := network.NewPacketStats()
	read := network.ReadPCAPFile
	if opts.libpcap {
		read = network.ReadPCAPFileLibpcap
	}
	err := read(ctx, opts.path, opts.udpPort, parser, asm, stats)
	if err == nil {
		asm.Flush()
	}
	stats.LogStats()
	log.Printf("Assembled %d scans, dropped %d returns on unknown channels", asm.Scans(), asm.Dropped())

	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		if errors.Is(cause, errFrameLimit) {
			return nil
		}
		return cause
	}
	return err
}

func scanPath(dir string, seq uint32) string {
	return filepath.Join(dir, fmt.Sprintf("scan_%06d.pcd", seq))
}

func writePCD(path string, pc *pointcloud.PointCloud, format pointcloud.PCDFormat) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	if err := pointcloud.WritePCD(w, pc, format); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
