// Package ensemble - fuses the detections of several independent detectors into one consensus set.
package ensemble

import (
	"log/slog"
	"math"

	"github.com/nvr-ai/go-ensemble/postprocess"
	"github.com/pkg/errors"
)

// DefaultIoUThreshold is the overlap above which two boxes of the same class are
// considered to describe the same object.
const DefaultIoUThreshold = 0.5

// Config controls a single ensemble run.
type Config struct {
	// IoUThreshold is the strict lower bound on IoU for two boxes to match.
	IoUThreshold float64

	// SpatialIndex restricts the candidate scan of every detection set to boxes
	// whose extents touch the anchor.
	SpatialIndex bool

	// NumWorkers is the number of goroutines searching the other detectors for
	// each anchor. Values below 2 run the search sequentially.
	NumWorkers int

	// NMS enables a per-detector Non-Maximum Suppression pass before matching.
	// Nil disables it.
	NMS *postprocess.NMSConfig

	// Logger receives debug output. Nil uses slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns the configuration reproducing the basic ensemble:
// threshold 0.5, sequential search and no suppression pre-pass.
//
// Returns:
//   - Config: Ready to use configuration
//
// @example
// cfg := DefaultConfig()
// cfg.NumWorkers = runtime.NumCPU()
// result, err := Run(sets, cfg)
func DefaultConfig() Config {
	return Config{
		IoUThreshold: DefaultIoUThreshold,
		SpatialIndex: true,
		NumWorkers:   1,
	}
}

// Validate checks the configuration before any box is processed.
func (c Config) Validate() error {
	if math.IsNaN(c.IoUThreshold) || c.IoUThreshold < 0 || c.IoUThreshold > 1 {
		return errors.Wrapf(ErrInvalidThreshold, "iou threshold %v outside [0, 1]", c.IoUThreshold)
	}
	if c.NMS != nil {
		t := c.NMS.IoUThreshold
		if math.IsNaN(t) || t < 0 || t > 1 {
			return errors.Wrapf(ErrInvalidThreshold, "nms iou threshold %v outside [0, 1]", t)
		}
	}
	return nil
}

func (c Config) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

func (c Config) workers() int {
	if c.NumWorkers < 1 {
		return 1
	}
	return c.NumWorkers
}
