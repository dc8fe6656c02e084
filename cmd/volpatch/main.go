package main

import (
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/natefinch/lumberjack"

	"volpatch/internal/models"
	"volpatch/pkg/config"
	"volpatch/pkg/grid"
	"volpatch/pkg/metrics"
	"volpatch/pkg/ndindex"
	"volpatch/pkg/patch"
	"volpatch/pkg/quilt"
)

func main() {
	// Parse command line arguments
	configPath := flag.String("config", "", "YAML or TOML configuration file (optional)")
	initConfig := flag.String("init-config", "", "Write a default configuration to this path and exit")
	volumeSize := flag.String("volume", "", "Synthetic volume size, e.g. 64x64x32")
	channels := flag.Int("channels", 0, "Values per voxel")
	patchSize := flag.String("patch", "", "Patch size, e.g. 5x5x5 (odd entries)")
	stride := flag.String("stride", "", "Stride, one value or one per axis, e.g. 2 or 2x2x1")
	offset := flag.String("offset", "", "Start offset, one value or one per axis")
	numCores := flag.Int("cores", 0, "Number of CPU cores to use (default: all available)")
	reduce := flag.String("reduce", "", "Reducer combining overlaps: mean, median, max or min")
	checkCollisions := flag.Bool("check-collisions", false, "Fail if patches within a layer overlap")
	logFile := flag.String("logfile", "", "Write log output to a rotating file")
	planOnly := flag.Bool("plan", false, "Only report the patch grid for the volume, without a round trip")
	flag.Parse()

	if *initConfig != "" {
		if err := config.CreateDefaultConfigFile(*initConfig); err != nil {
			log.Fatalf("Failed to write default config: %v", err)
		}
		fmt.Printf("Default configuration written to: %s\n", *initConfig)
		return
	}

	cfg := config.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadConfig(*configPath); err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	}

	// Flags given explicitly override the configuration file
	var parseErr error
	flag.Visit(func(f *flag.Flag) {
		var err error
		switch f.Name {
		case "volume":
			cfg.Demo.VolumeSize, err = parseInts(*volumeSize)
		case "channels":
			cfg.Demo.Channels = *channels
		case "patch":
			cfg.Grid.PatchSize, err = parseInts(*patchSize)
		case "stride":
			cfg.Grid.Stride, err = parseInts(*stride)
		case "offset":
			cfg.Grid.StartOffset, err = parseInts(*offset)
		case "cores":
			cfg.Processing.NumCores = *numCores
		case "reduce":
			cfg.Quilt.Reduce = *reduce
		case "check-collisions":
			cfg.Quilt.CheckCollisions = *checkCollisions
		case "logfile":
			cfg.Output.LogFile = *logFile
		}
		if err != nil && parseErr == nil {
			parseErr = fmt.Errorf("-%s: %w", f.Name, err)
		}
	})
	if parseErr != nil {
		log.Fatalf("Invalid argument %v", parseErr)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	setLogger(cfg)

	fmt.Println("================================")
	fmt.Println("N-DIMENSIONAL PATCH EXTRACTION AND QUILTING")
	fmt.Println("================================")

	if _, err := run(cfg, *planOnly); err != nil {
		log.Fatalf("Round trip failed: %v", err)
	}
}

// setLogger routes log output to a rotating file when one is configured.
func setLogger(cfg *config.Config) {
	if cfg.Output.LogFile == "" {
		return
	}
	fmt.Printf("Sending log messages to: %s\n", cfg.Output.LogFile)
	log.SetOutput(&lumberjack.Logger{
		Filename: cfg.Output.LogFile,
		MaxSize:  cfg.Output.MaxLogSize, // megabytes
		MaxAge:   cfg.Output.MaxLogAge,  // days
	})
}

func parseInts(s string) ([]int, error) {
	shape, err := ndindex.ParseShape(s, "x")
	if err != nil {
		return nil, err
	}
	return shape, nil
}

// run extracts every patch of a synthetic volume, quilts them back together
// and compares the result with the region the grid covered. With planOnly it
// stops after reporting the grid and returns nil metrics.
func run(cfg *config.Config, planOnly bool) (*metrics.ValidationMetrics, error) {
	opts, err := cfg.QuiltOptions()
	if err != nil {
		return nil, err
	}
	if cfg.Output.Verbose {
		opts.Progress = func(completed, total int, message string) {
			log.Printf("[%d/%d] %s", completed, total, message)
		}
	}

	volumeSize := ndindex.Shape(cfg.Demo.VolumeSize)
	patchSize := ndindex.Shape(cfg.Grid.PatchSize)

	geom, err := grid.New(volumeSize, patchSize, cfg.Grid.Stride, cfg.Grid.StartOffset)
	if err != nil {
		return nil, err
	}
	volumeBytes := uint64(volumeSize.Prod()) * uint64(cfg.Demo.Channels) * 8
	fmt.Printf("Volume:       %v x %d channel(s) (%s)\n", volumeSize, cfg.Demo.Channels, humanize.Bytes(volumeBytes))
	fmt.Printf("Patch size:   %v\n", geom.PatchSize)
	fmt.Printf("Stride:       %v\n", geom.Stride)
	fmt.Printf("Start offset: %v\n", geom.StartOffset)
	fmt.Printf("Grid size:    %v (%s patches)\n", geom.GridSize, humanize.Comma(int64(geom.NumPatches())))
	fmt.Printf("Covered size: %v\n", geom.CoveredSize)
	if planOnly {
		return nil, nil
	}

	vol, err := syntheticVolume(volumeSize, cfg.Demo.Channels)
	if err != nil {
		return nil, err
	}

	// Anchors past the offset form a zero-offset grid over the covered region
	covered, err := vol.Crop(geom.StartOffset, geom.CoveredSize)
	if err != nil {
		return nil, err
	}

	startTime := time.Now()
	ext, err := patch.NewExtractor(covered, patchSize, geom.Stride)
	if err != nil {
		return nil, err
	}
	ext.SetWorkers(opts.Workers)
	table, _, err := ext.Table()
	if err != nil {
		return nil, err
	}
	rows, cols := table.Dims()
	log.Printf("Extracted %d patches of %d values in %v", rows, cols, time.Since(startTime))

	layout, err := quilt.LayoutForGrid(patchSize, ext.Geometry().GridSize, geom.Stride)
	if err != nil {
		return nil, err
	}
	stack, err := quilt.StackLayout(table, layout, opts)
	if err != nil {
		return nil, err
	}
	fmt.Printf("Layers:       %d (%s of layer buffers)\n", stack.NumLayers(), humanize.Bytes(stack.Bytes()))

	recon, err := stack.Reduce(opts.Reduce, opts.Workers)
	if err != nil {
		return nil, err
	}
	processingTime := time.Since(startTime)

	m, err := metrics.Compare(covered.Data, recon.Volume.Data, recon.Present)
	if err != nil {
		return nil, err
	}

	fmt.Printf("\nRound trip completed in %.3f seconds\n\n", processingTime.Seconds())
	fmt.Printf("Validation Metrics:\n")
	fmt.Printf("=======================================\n")
	fmt.Printf("Coverage: %.2f%%\n", m.Coverage*100)
	fmt.Printf("Mutual Information (MI): %.3f\n", m.MI)
	fmt.Printf("Entropy Difference: %.3f\n", m.EntropyDiff)
	fmt.Printf("Root Mean Square Error (RMSE): %.6f\n", m.RMSE)
	fmt.Printf("Max Absolute Error: %.6f\n", m.MaxAbsError)
	fmt.Printf("Structural Similarity Index (SSIM): %.3f\n", m.SSIM)
	return &m, nil
}

// syntheticVolume fills a volume with a smooth pattern that differs per channel.
func syntheticVolume(size ndindex.Shape, channels int) (*models.Volume, error) {
	vol, err := models.NewVolume(size, channels)
	if err != nil {
		return nil, err
	}
	for sub := range ndindex.Iter(vol.Shape) {
		base := 0.0
		for d, x := range sub {
			base += math.Sin(float64(x) * 0.2 * float64(d+1))
		}
		for c := 0; c < channels; c++ {
			if err := vol.Set(sub, c, base+float64(c)); err != nil {
				return nil, err
			}
		}
	}
	return vol, nil
}

func init() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintln(os.Stderr, "Extracts overlapping patches from a synthetic volume, quilts them back")
		fmt.Fprintln(os.Stderr, "and reports how closely the reconstruction matches.")
		fmt.Fprintln(os.Stderr)
		flag.PrintDefaults()
	}
}
