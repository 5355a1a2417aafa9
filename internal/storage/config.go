package storage

import (
	"fmt"
	"time"

	"github.com/go-logr/logr"
)

// Config configures a Store.
type Config struct {
	// MaxSegmentBytes is the size at which the active segment is sealed.
	MaxSegmentBytes int64
	// MaxKeyBytes bounds key length.
	MaxKeyBytes int
	// Compaction configures the compactor.
	Compaction CompactionConfig
	// Logger receives engine events. The zero value discards them.
	Logger logr.Logger
	// Observer receives per-operation measurements. Nil disables them.
	Observer Observer
}

// CompactionConfig configures when and how compaction runs.
type CompactionConfig struct {
	// Background starts the scheduling goroutine at Open.
	Background bool
	// CheckInterval is how often trigger conditions are evaluated.
	CheckInterval time.Duration
	// MajorInterval forces a major compaction this long after the last one.
	// Zero disables the interval trigger.
	MajorInterval time.Duration
	// MinSegmentBytes marks sealed segments below it as small.
	MinSegmentBytes int64
	// MinorTrigger runs a minor compaction once more than this many small
	// sealed segments exist.
	MinorTrigger int
	// GarbageRatio runs a major compaction once dead bytes divided by live
	// bytes in sealed segments exceeds it. Zero disables the trigger.
	GarbageRatio float64
	// ThrottleBytesPerSec limits compaction write rate. Zero is unlimited.
	ThrottleBytesPerSec int64
}

// DefaultConfig returns production-ready defaults.
func DefaultConfig() Config {
	return Config{
		MaxSegmentBytes: 256 * 1024 * 1024, // 256MB
		MaxKeyBytes:     64 * 1024,
		Compaction:      DefaultCompactionConfig(),
	}
}

// DefaultCompactionConfig returns production-ready defaults.
func DefaultCompactionConfig() CompactionConfig {
	return CompactionConfig{
		Background:      true,
		CheckInterval:   time.Minute,
		MajorInterval:   time.Hour,
		MinSegmentBytes: 16 * 1024 * 1024, // 16MB
		MinorTrigger:    4,
		GarbageRatio:    0.3,
	}
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch {
	case c.MaxSegmentBytes <= headerSize:
		return fmt.Errorf("max segment bytes must exceed %d, got %d", headerSize, c.MaxSegmentBytes)
	case c.MaxKeyBytes <= 0:
		return fmt.Errorf("max key bytes must be positive, got %d", c.MaxKeyBytes)
	}
	return c.Compaction.Validate()
}

// Validate reports the first invalid setting.
func (c CompactionConfig) Validate() error {
	switch {
	case c.Background && c.CheckInterval <= 0:
		return fmt.Errorf("compaction check interval must be positive, got %s", c.CheckInterval)
	case c.MajorInterval < 0:
		return fmt.Errorf("compaction major interval must not be negative, got %s", c.MajorInterval)
	case c.MinSegmentBytes < 0:
		return fmt.Errorf("compaction min segment bytes must not be negative, got %d", c.MinSegmentBytes)
	case c.MinorTrigger < 0:
		return fmt.Errorf("compaction minor trigger must not be negative, got %d", c.MinorTrigger)
	case c.GarbageRatio < 0:
		return fmt.Errorf("compaction garbage ratio must not be negative, got %g", c.GarbageRatio)
	case c.ThrottleBytesPerSec < 0:
		return fmt.Errorf("compaction throttle must not be negative, got %d", c.ThrottleBytesPerSec)
	}
	return nil
}
