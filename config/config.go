// Package config - run configuration for the ensemble command.
package config

import (
	"encoding/json"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/nvr-ai/go-ensemble/ensemble"
	"github.com/nvr-ai/go-ensemble/postprocess"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned when a configuration value is out of range.
var ErrInvalidConfig = errors.New("invalid configuration")

// Environment variables read by ApplyEnv.
const (
	EnvIoUThreshold = "ENSEMBLE_IOU_THRESHOLD"
	EnvWorkers      = "ENSEMBLE_WORKERS"
	EnvSpatialIndex = "ENSEMBLE_SPATIAL_INDEX"
	EnvNMSThreshold = "ENSEMBLE_NMS_THRESHOLD"
	EnvLogLevel     = "ENSEMBLE_LOG_LEVEL"
)

// NMS configures the optional per-detector suppression pass.
type NMS struct {
	Enabled      bool    `json:"enabled"      yaml:"enabled"`
	IoUThreshold float64 `json:"iouThreshold" yaml:"iouThreshold"`
	ClassAware   bool    `json:"classAware"   yaml:"classAware"`
}

// Config is the configuration of an ensemble run.
type Config struct {
	IoUThreshold float64 `json:"iouThreshold" yaml:"iouThreshold"`
	SpatialIndex bool    `json:"spatialIndex" yaml:"spatialIndex"`
	NumWorkers   int     `json:"numWorkers"   yaml:"numWorkers"`
	NMS          NMS     `json:"nms"          yaml:"nms"`
	LogLevel     string  `json:"logLevel"     yaml:"logLevel"`
	OutputFormat string  `json:"outputFormat" yaml:"outputFormat"`
}

// Default returns the configuration of the basic ensemble.
func Default() *Config {
	nms := postprocess.DefaultNMSConfig()
	return &Config{
		IoUThreshold: ensemble.DefaultIoUThreshold,
		SpatialIndex: true,
		NumWorkers:   1,
		NMS: NMS{
			Enabled:      false,
			IoUThreshold: nms.IoUThreshold,
			ClassAware:   nms.ClassAware,
		},
		LogLevel:     "info",
		OutputFormat: "json",
	}
}

// Load reads a configuration file on top of the defaults. The format is chosen
// by extension: .json, .yaml or .yml.
//
// Arguments:
//   - path: Path of the configuration file.
//
// Returns:
//   - *Config: The loaded configuration.
//   - error: Error if reading, decoding or validation fails.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", path)
	}

	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, cfg)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		return nil, errors.Wrapf(ErrInvalidConfig, "unsupported config extension %q", filepath.Ext(path))
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal config %s", path)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from the environment. A .env file in the working
// directory is loaded first when present; variables already set win over it.
func (c *Config) ApplyEnv() error {
	_ = godotenv.Load()

	if v, ok := os.LookupEnv(EnvIoUThreshold); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return errors.Wrapf(ErrInvalidConfig, "%s=%q: %v", EnvIoUThreshold, v, err)
		}
		c.IoUThreshold = f
	}
	if v, ok := os.LookupEnv(EnvWorkers); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(ErrInvalidConfig, "%s=%q: %v", EnvWorkers, v, err)
		}
		c.NumWorkers = n
	}
	if v, ok := os.LookupEnv(EnvSpatialIndex); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return errors.Wrapf(ErrInvalidConfig, "%s=%q: %v", EnvSpatialIndex, v, err)
		}
		c.SpatialIndex = b
	}
	if v, ok := os.LookupEnv(EnvNMSThreshold); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return errors.Wrapf(ErrInvalidConfig, "%s=%q: %v", EnvNMSThreshold, v, err)
		}
		c.NMS.Enabled = true
		c.NMS.IoUThreshold = f
	}
	if v, ok := os.LookupEnv(EnvLogLevel); ok {
		c.LogLevel = v
	}

	return c.Validate()
}

// Validate checks every field.
func (c *Config) Validate() error {
	if math.IsNaN(c.IoUThreshold) || c.IoUThreshold < 0 || c.IoUThreshold > 1 {
		return errors.Wrapf(ErrInvalidConfig, "iouThreshold %v outside [0, 1]", c.IoUThreshold)
	}
	if c.NumWorkers < 0 {
		return errors.Wrapf(ErrInvalidConfig, "numWorkers %d is negative", c.NumWorkers)
	}
	if c.NMS.Enabled && (math.IsNaN(c.NMS.IoUThreshold) || c.NMS.IoUThreshold < 0 || c.NMS.IoUThreshold > 1) {
		return errors.Wrapf(ErrInvalidConfig, "nms.iouThreshold %v outside [0, 1]", c.NMS.IoUThreshold)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	switch c.OutputFormat {
	case "json", "yaml":
	default:
		return errors.Wrapf(ErrInvalidConfig, "outputFormat %q is not json or yaml", c.OutputFormat)
	}
	return nil
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, errors.Wrapf(ErrInvalidConfig, "logLevel %q", c.LogLevel)
	}
	return level, nil
}

// Ensemble converts the configuration for the ensemble engine.
func (c *Config) Ensemble(logger *slog.Logger) ensemble.Config {
	cfg := ensemble.Config{
		IoUThreshold: c.IoUThreshold,
		SpatialIndex: c.SpatialIndex,
		NumWorkers:   c.NumWorkers,
		Logger:       logger,
	}
	if c.NMS.Enabled {
		cfg.NMS = &postprocess.NMSConfig{
			IoUThreshold: c.NMS.IoUThreshold,
			ClassAware:   c.NMS.ClassAware,
		}
	}
	return cfg
}
