package tracker

import (
	"errors"
	"fmt"
	"strings"
)

// Default tracker tuning values.
const (
	DefaultIoUThreshold       = 0.3
	DefaultMaxMissing         = 30
	DefaultMinRetainSamples   = 15
	DefaultMinFinalizeSamples = 10
	DefaultMinDecisionSamples = 15
	DefaultGoodRatio          = 0.7

	DefaultROICenterRatio = 0.5
	DefaultROIWidthRatio  = 0.6
	DefaultROIHeightRatio = 0.4
)

// Config holds the per-channel tracker configuration. A zero numeric field
// means the default; New applies defaults before validating, so a zero IoU
// threshold cannot be configured.
type Config struct {
	// GoodLabels are the detector labels that count towards a good verdict.
	GoodLabels []string
	// BadLabels are the detector labels that count against it. They are only
	// used for validation and input filtering; the decision itself sums all
	// sample confidences as the denominator.
	BadLabels []string

	ROICenterRatio float64
	ROIWidthRatio  float64
	ROIHeightRatio float64

	// IoUThreshold is the minimum (exclusive) IoU for a detection to match.
	// It must be in (0, 1).
	IoUThreshold float64
	// MaxMissing is the number of consecutive unmatched frames tolerated.
	MaxMissing int
	// MinRetainSamples is the sample count below which an unmatched,
	// non-finalized object is considered noise and dropped.
	MinRetainSamples int
	// MinFinalizeSamples is the sample count at which an in-ROI object is
	// eligible for finalization.
	MinFinalizeSamples int
	// MinDecisionSamples is the sample count the decision itself requires.
	MinDecisionSamples int
	// GoodRatio is the good-confidence share at or above which an object is good.
	GoodRatio float64
}

// DefaultConfig returns a Config with all numeric fields set to their defaults.
func DefaultConfig() Config {
	return Config{
		ROICenterRatio:     DefaultROICenterRatio,
		ROIWidthRatio:      DefaultROIWidthRatio,
		ROIHeightRatio:     DefaultROIHeightRatio,
		IoUThreshold:       DefaultIoUThreshold,
		MaxMissing:         DefaultMaxMissing,
		MinRetainSamples:   DefaultMinRetainSamples,
		MinFinalizeSamples: DefaultMinFinalizeSamples,
		MinDecisionSamples: DefaultMinDecisionSamples,
		GoodRatio:          DefaultGoodRatio,
	}
}

// withDefaults fills zero-valued numeric fields with defaults.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ROICenterRatio == 0 {
		c.ROICenterRatio = d.ROICenterRatio
	}
	if c.ROIWidthRatio == 0 {
		c.ROIWidthRatio = d.ROIWidthRatio
	}
	if c.ROIHeightRatio == 0 {
		c.ROIHeightRatio = d.ROIHeightRatio
	}
	if c.IoUThreshold == 0 {
		c.IoUThreshold = d.IoUThreshold
	}
	if c.MaxMissing == 0 {
		c.MaxMissing = d.MaxMissing
	}
	if c.MinRetainSamples == 0 {
		c.MinRetainSamples = d.MinRetainSamples
	}
	if c.MinFinalizeSamples == 0 {
		c.MinFinalizeSamples = d.MinFinalizeSamples
	}
	if c.MinDecisionSamples == 0 {
		c.MinDecisionSamples = d.MinDecisionSamples
	}
	if c.GoodRatio == 0 {
		c.GoodRatio = d.GoodRatio
	}
	return c
}

// Validate checks the configuration after defaults have been applied.
func (c Config) Validate() error {
	var errs []string

	if len(c.GoodLabels) == 0 {
		errs = append(errs, "at least one good label is required")
	}
	for _, l := range c.GoodLabels {
		for _, b := range c.BadLabels {
			if l == b {
				errs = append(errs, fmt.Sprintf("label %q is both good and bad", l))
			}
		}
	}
	ratios := []struct {
		name  string
		value float64
	}{
		{"roi center ratio", c.ROICenterRatio},
		{"roi width ratio", c.ROIWidthRatio},
		{"roi height ratio", c.ROIHeightRatio},
		{"good ratio", c.GoodRatio},
	}
	for _, r := range ratios {
		if r.value <= 0 || r.value > 1 {
			errs = append(errs, fmt.Sprintf("%s must be in (0, 1], got %v", r.name, r.value))
		}
	}
	if c.IoUThreshold <= 0 || c.IoUThreshold >= 1 {
		errs = append(errs, fmt.Sprintf("iou threshold must be in (0, 1), got %v", c.IoUThreshold))
	}
	if c.MaxMissing < 1 {
		errs = append(errs, "max missing must be at least 1")
	}
	if c.MinRetainSamples < 1 || c.MinFinalizeSamples < 1 || c.MinDecisionSamples < 1 {
		errs = append(errs, "sample thresholds must be at least 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(errs, "; "))
	}
	return nil
}

// Errors returned by the tracker.
var (
	// ErrFrameNotReady is returned by Update when the frame size is unknown.
	ErrFrameNotReady = errors.New("tracker: frame not ready")

	// ErrInvalidConfig is returned by New for an unusable configuration.
	ErrInvalidConfig = errors.New("tracker: invalid config")
)
