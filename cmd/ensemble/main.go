package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"runtime"

	"github.com/nvr-ai/go-ensemble/config"
	"github.com/nvr-ai/go-ensemble/detections"
	"github.com/nvr-ai/go-ensemble/ensemble"
	"github.com/nvr-ai/go-ensemble/geometry"
	"github.com/pkg/errors"
)

func main() {
	var (
		configFile = flag.String("config", "", "Path to a JSON or YAML configuration file")
		dir        = flag.String("dir", "", "Directory of detection documents, one detector per document")
		outFile    = flag.String("out", "", "Output file (default stdout)")
		format     = flag.String("format", "", "Output format: json or yaml")
		iou        = flag.Float64("iou", -1, "IoU threshold for matching boxes across detectors")
		workers    = flag.Int("workers", -1, "Goroutines searching other detectors per box (0 = number of CPUs)")
		nms        = flag.Float64("nms", -1, "Enable per-detector NMS with this IoU threshold")
		logLevel   = flag.String("log-level", "", "Log level: debug, info, warn or error")
		groups     = flag.Bool("groups", false, "Print the input boxes of every fused box to the log")
	)
	flag.Parse()

	cfg := config.Default()
	if *configFile != "" {
		var err error
		cfg, err = config.Load(*configFile)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		log.Fatalf("Failed to read environment: %v", err)
	}

	// Flags override file and environment.
	if *iou >= 0 {
		cfg.IoUThreshold = *iou
	}
	if *workers == 0 {
		cfg.NumWorkers = runtime.NumCPU()
	} else if *workers > 0 {
		cfg.NumWorkers = *workers
	}
	if *nms >= 0 {
		cfg.NMS.Enabled = true
		cfg.NMS.IoUThreshold = *nms
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *format != "" {
		cfg.OutputFormat = *format
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if *dir == "" && flag.NArg() == 0 {
		log.Fatal("Detection documents are required (-dir or file arguments)")
	}

	level, _ := cfg.Level()
	logger := newLogger(level)

	if err := run(cfg, logger, *dir, flag.Args(), *outFile, *groups); err != nil {
		logger.Error("ensemble failed", "error", err)
		os.Exit(1)
	}
}

// newLogger writes text logs to stderr, or JSON logs when GO_ENV is production.
func newLogger(level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if os.Getenv("GO_ENV") == "production" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func run(cfg *config.Config, logger *slog.Logger, dir string, files []string, outFile string, groups bool) error {
	doc := &detections.Document{}
	if dir != "" {
		loaded, err := detections.LoadDirectory(dir)
		if err != nil {
			return err
		}
		doc.Detectors = append(doc.Detectors, loaded.Detectors...)
	}
	if len(files) > 0 {
		loaded, err := detections.LoadFiles(files)
		if err != nil {
			return err
		}
		doc.Detectors = append(doc.Detectors, loaded.Detectors...)
	}

	names := make([]string, len(doc.Detectors))
	for i, d := range doc.Detectors {
		names[i] = d.Name
	}
	logger.Info("loaded detections", "detectors", len(doc.Detectors), "names", names)

	result, err := ensemble.Run(doc.Sets(), cfg.Ensemble(logger))
	if err != nil {
		return errors.Wrap(err, "failed to ensemble detections")
	}

	if groups {
		for i, g := range result.Groups {
			members := make([]string, len(g.Members))
			for j, m := range g.Members {
				members[j] = fmt.Sprintf("%s[%d]", names[m.Detector], m.Index)
			}
			logger.Info("group", "box", result.Boxes[i].String(), "members", members)
		}
	}

	var w io.Writer = os.Stdout
	if outFile != "" {
		f, err := os.Create(outFile)
		if err != nil {
			return errors.Wrapf(err, "failed to create %s", outFile)
		}
		defer f.Close()
		w = f
	}

	out := detections.FromSets([]string{"ensemble"}, []geometry.DetectionSet{result.Boxes})
	if err := detections.Encode(w, detections.Format(cfg.OutputFormat), out); err != nil {
		return err
	}

	logger.Info("ensemble written", "boxes", len(result.Boxes), "groups", len(result.Groups))
	return nil
}
