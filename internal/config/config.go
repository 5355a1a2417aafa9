// Package config loads guardian settings from a YAML file with environment
// variable overrides and converts them into storage.Config.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-logr/logr"
	"gopkg.in/yaml.v3"

	"github.com/matteso1/guardian/internal/storage"
)

// EnvPrefix prefixes every environment override, e.g. GUARDIAN_SEGMENT_MAXBYTES.
const EnvPrefix = "GUARDIAN"

// File is the on-disk configuration.
type File struct {
	Dir        string     `yaml:"dir"`
	Segment    Segment    `yaml:"segment"`
	Compaction Compaction `yaml:"compaction"`
	Log        Log        `yaml:"log"`
}

type Segment struct {
	MaxBytes    int64 `yaml:"max_bytes"`
	MaxKeyBytes int   `yaml:"max_key_bytes"`
}

type Compaction struct {
	Background          bool          `yaml:"background"`
	CheckInterval       time.Duration `yaml:"check_interval"`
	MajorInterval       time.Duration `yaml:"major_interval"`
	MinSegmentBytes     int64         `yaml:"min_segment_bytes"`
	MinorTrigger        int           `yaml:"minor_trigger"`
	GarbageRatio        float64       `yaml:"garbage_ratio"`
	ThrottleBytesPerSec int64         `yaml:"throttle_bytes_per_sec"`
}

type Log struct {
	// Verbosity enables V(n) logs up to n.
	Verbosity int `yaml:"verbosity"`
}

// Default returns the settings used when no file is given.
func Default() File {
	sc := storage.DefaultConfig()
	return File{
		Dir: "data",
		Segment: Segment{
			MaxBytes:    sc.MaxSegmentBytes,
			MaxKeyBytes: sc.MaxKeyBytes,
		},
		Compaction: Compaction{
			Background:          sc.Compaction.Background,
			CheckInterval:       sc.Compaction.CheckInterval,
			MajorInterval:       sc.Compaction.MajorInterval,
			MinSegmentBytes:     sc.Compaction.MinSegmentBytes,
			MinorTrigger:        sc.Compaction.MinorTrigger,
			GarbageRatio:        sc.Compaction.GarbageRatio,
			ThrottleBytesPerSec: sc.Compaction.ThrottleBytesPerSec,
		},
	}
}

// Load reads path over the defaults, applies GUARDIAN_* overrides and
// validates the result. An empty or missing path yields the defaults.
func Load(path string) (File, error) {
	f := Default()
	if path != "" {
		if err := LoadYAML(path, &f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return File{}, err
		}
	}
	if err := ApplyEnv(EnvPrefix, &f); err != nil {
		return File{}, err
	}
	if err := f.Validate(); err != nil {
		return File{}, err
	}
	return f, nil
}

// LoadYAML decodes the YAML file at path into target.
func LoadYAML(path string, target any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// Validate checks the settings storage.Open would reject, plus the directory.
func (f File) Validate() error {
	if f.Dir == "" {
		return errors.New("config: dir must be set")
	}
	if err := f.StorageConfig(logr.Discard()).Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if f.Log.Verbosity < 0 {
		return fmt.Errorf("config: log verbosity must not be negative, got %d", f.Log.Verbosity)
	}
	return nil
}

// StorageConfig converts f into a storage.Config that logs to log.
func (f File) StorageConfig(log logr.Logger) storage.Config {
	return storage.Config{
		MaxSegmentBytes: f.Segment.MaxBytes,
		MaxKeyBytes:     f.Segment.MaxKeyBytes,
		Logger:          log,
		Compaction: storage.CompactionConfig{
			Background:          f.Compaction.Background,
			CheckInterval:       f.Compaction.CheckInterval,
			MajorInterval:       f.Compaction.MajorInterval,
			MinSegmentBytes:     f.Compaction.MinSegmentBytes,
			MinorTrigger:        f.Compaction.MinorTrigger,
			GarbageRatio:        f.Compaction.GarbageRatio,
			ThrottleBytesPerSec: f.Compaction.ThrottleBytesPerSec,
		},
	}
}
