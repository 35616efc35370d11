package pipeline

import (
	"math"
	"time"

	"github.com/pkg/errors"

	"github.com/viam-modules/line-counter/tracker"
)

// Defaults for a run.
const (
	DefaultFrameSkip           = 2
	DefaultConfidenceThreshold = 0.4
	DefaultCountLinePosition   = 0.5
)

// DefaultLabels is the allow-list used when none is configured.
var DefaultLabels = []string{"car", "motorcycle", "bus", "truck", "bicycle", "autorickshaw", "van", "person"}

// ErrInvalidConfig is the cause of every error returned by Config.Validate.
var ErrInvalidConfig = errors.New("invalid pipeline configuration")

// Config is fixed for a run. Build it once, validate it, and pass it to New.
type Config struct {
	FrameSkip           int           `json:"frame_skip"`
	ConfidenceThreshold float64       `json:"confidence_threshold"`
	MaxDisappeared      int           `json:"max_disappeared"`
	MaxDistance         float64       `json:"max_distance"`
	CountLinePosition   float64       `json:"count_line_position"`
	Labels              []string      `json:"labels"`
	CountUpward         bool          `json:"count_upward"`
	Assignment          string        `json:"assignment"`
	DetectTimeout       time.Duration `json:"detect_timeout"`
}

// DefaultConfig returns the default run configuration.
func DefaultConfig() Config {
	labels := make([]string, len(DefaultLabels))
	copy(labels, DefaultLabels)
	return Config{
		FrameSkip:           DefaultFrameSkip,
		ConfidenceThreshold: DefaultConfidenceThreshold,
		MaxDisappeared:      tracker.DefaultMaxDisappeared,
		MaxDistance:         tracker.DefaultMaxDistance,
		CountLinePosition:   DefaultCountLinePosition,
		Labels:              labels,
		Assignment:          tracker.AssignGreedy,
	}
}

func invalid(format string, args ...interface{}) error {
	return errors.Wrapf(ErrInvalidConfig, format, args...)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Validate reports the first configuration violation. Values are never clamped.
func (c Config) Validate() error {
	if c.FrameSkip < 1 {
		return invalid("frame_skip must be >= 1, got %d", c.FrameSkip)
	}
	if !finite(c.ConfidenceThreshold) || c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return invalid("confidence_threshold must be between 0 and 1, got %v", c.ConfidenceThreshold)
	}
	if c.MaxDisappeared < 0 {
		return invalid("max_disappeared must be >= 0, got %d", c.MaxDisappeared)
	}
	if !finite(c.MaxDistance) || c.MaxDistance <= 0 {
		return invalid("max_distance must be > 0, got %v", c.MaxDistance)
	}
	if !finite(c.CountLinePosition) || c.CountLinePosition < 0 || c.CountLinePosition > 1 {
		return invalid("count_line_position must be between 0 and 1, got %v", c.CountLinePosition)
	}
	for _, l := range c.Labels {
		if tracker.NormalizeLabel(l) == "" {
			return invalid("labels must not contain empty entries")
		}
	}
	if c.DetectTimeout < 0 {
		return invalid("detect_timeout must be >= 0, got %v", c.DetectTimeout)
	}
	if err := c.trackerConfig().Validate(); err != nil {
		return invalid("%v", err)
	}
	return nil
}

func (c Config) trackerConfig() tracker.Config {
	return tracker.Config{
		MaxDisappeared: c.MaxDisappeared,
		MaxDistance:    c.MaxDistance,
		Assignment:     c.Assignment,
	}
}

// allowList returns the normalized labels without duplicates, in the
// order they were configured.
func (c Config) allowList() []string {
	seen := make(map[string]struct{}, len(c.Labels))
	out := make([]string, 0, len(c.Labels))
	for _, l := range c.Labels {
		l = tracker.NormalizeLabel(l)
		if _, dup := seen[l]; dup {
			continue
		}
		seen[l] = struct{}{}
		out = append(out, l)
	}
	return out
}
