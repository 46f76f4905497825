// Command rangeimage projects LiDAR point clouds into range images.
//
// It reads either a single PCD file (-in) or a Pandar40P capture (-pcap),
// projects every cloud or assembled scan, writes the images as PCD and
// optionally records them in a SQLite database. With -listen the stored
// images are served on /debug/ routes.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/banshee-data/rangeimage/internal/config"
	"github.com/banshee-data/rangeimage/internal/db"
	"github.com/banshee-data/rangeimage/internal/lidar/monitor"
	"github.com/banshee-data/rangeimage/internal/lidar/network"
	"github.com/banshee-data/rangeimage/internal/lidar/parse"
	"github.com/banshee-data/rangeimage/internal/lidar/pointcloud"
	"github.com/banshee-data/rangeimage/internal/lidar/storage/sqlite"
	"github.com/banshee-data/rangeimage/internal/monitoring"
	"github.com/banshee-data/rangeimage/internal/version"
)

var (
	inFile       = flag.String("in", "", "Input PCD file to project")
	pcapFile     = flag.String("pcap", "", "Pandar40P capture (pcap or pcapng) to assemble and project")
	udpPort      = flag.Int("udp-port", 2368, "UDP port carrying LiDAR packets in the capture (0 = any)")
	useLibpcap   = flag.Bool("libpcap", false, "Read -pcap through libpcap with a BPF port filter (needs a -tags=pcap build)")
	angleFile    = flag.String("angles", "", "Pandar40P angle correction CSV (required with -pcap)")
	firetimeFile = flag.String("firetimes", "", "Pandar40P firetime correction CSV (required with -pcap)")
	configFile   = flag.String("config", "", "Projection config JSON (default: derive everything from the input)")
	outPath      = flag.String("out", "", "Output PCD file for -in, or output directory for -pcap")
	asciiOut     = flag.Bool("ascii", false, "Write ASCII PCD instead of binary")
	dbFile       = flag.String("db", "", "Optional SQLite database to record range images in")
	sensorID     = flag.String("sensor-id", "lidar", "Sensor identifier stored with each image")
	double       = flag.Bool("double", false, "Input x/y/z are float64 (overrides config double_precision)")
	debug        = flag.Bool("debug", false, "Enable debug logging")
	maxFrames    = flag.Int("max-frames", 0, "Stop after this many scans in -pcap mode (0 = all)")
	scanColumns  = flag.Int("columns", 0, "Columns per assembled scan in -pcap mode (0 = one rotation)")
	listen       = flag.String("listen", "", "Serve stored images on this address after processing (requires -db)")
	showVersion  = flag.Bool("version", false, "Print version information and exit")
)

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Println(version.String())
		return
	}
	monitoring.SetDebug(*debug)
	log.Print(version.String())

	serveOnly := *inFile == "" && *pcapFile == "" && *listen != ""
	if !serveOnly && (*inFile == "") == (*pcapFile == "") {
		log.Fatal("exactly one of -in or -pcap is required")
	}
	if *listen != "" && *dbFile == "" {
		log.Fatal("-listen requires -db")
	}

	projCfg, err := loadConfig(*configFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if isFlagSet("double") {
		projCfg.DoublePrecision = double
	}

	r := &runner{
		cfg:       projCfg.ToProjection(),
		double:    projCfg.GetDoublePrecision(),
		sensorID:  *sensorID,
		maxFrames: *maxFrames,
		format:    pointcloud.PCDBinary,
	}
	if *asciiOut {
		r.format = pointcloud.PCDASCII
	}

	var database *db.DB
	if *dbFile != "" {
		database, err = db.NewDB(*dbFile)
		if err != nil {
			log.Fatalf("Failed to open database: %v", err)
		}
		defer database.Close()
		r.store = sqlite.NewRangeImageStore(database.DB)
		log.Printf("Recording range images in %s", *dbFile)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch {
	case *inFile != "":
		if err := r.runPCD(ctx, *inFile, *outPath); err != nil {
			log.Fatalf("Projection failed: %v", err)
		}
	case *pcapFile != "":
		replayPCAP(ctx, r)
	}

	if *listen != "" {
		srv := monitor.NewServer(monitor.ServerConfig{Address: *listen, DB: database.DB, SensorID: *sensorID})
		if err := srv.Start(ctx); err != nil {
			log.Fatalf("Debug server failed: %v", err)
		}
	}
}

func replayPCAP(ctx context.Context, r *runner) {
	if *angleFile == "" || *firetimeFile == "" {
		log.Fatal("-angles and -firetimes are required with -pcap")
	}
	calibration, err := parse.LoadPandar40PConfig(*angleFile, *firetimeFile)
	if err != nil {
		log.Fatalf("Failed to load sensor calibration: %v", err)
	}
	parser := parse.NewPandar40PParser(*calibration)
	parse.ConfigureTimestampMode(parser)

	err = r.runPCAP(ctx, pcapOptions{
		path:    *pcapFile,
		udpPort: *udpPort,
		outDir:  *outPath,
		columns: *scanColumns,
		libpcap: *useLibpcap,
	}, parser)
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		log.Printf("Interrupted after %d images", r.images)
		os.Exit(1)
	}
	if errors.Is(err, network.ErrPCAPDisabled) {
		log.Fatalf("PCAP replay failed: %v (drop -libpcap to use the built-in reader)", err)
	}
	if err != nil {
		log.Fatalf("PCAP replay failed: %v", err)
	}
	log.Printf("Done: %d images", r.images)
}

// loadConfig reads the projection config at path, or returns an empty
// config (every parameter derived) when path is empty.
func loadConfig(path string) (*config.ProjectionConfig, error) {
	if path == "" {
		return config.EmptyProjectionConfig(), nil
	}
	return config.LoadProjectionConfig(path)
}

func isFlagSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}
