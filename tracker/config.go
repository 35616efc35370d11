package tracker

import (
	"math"

	"github.com/pkg/errors"
)

// Assignment strategies.
const (
	// AssignGreedy commits the globally closest free pair first and never
	// backtracks. It is the default.
	AssignGreedy = "greedy"
	// AssignOptimal solves a minimum-cost assignment with the Hungarian method.
	AssignOptimal = "optimal"
)

// Defaults used when a run does not override them.
const (
	DefaultMaxDisappeared = 40
	DefaultMaxDistance    = 60.0
)

// ErrInvalidConfig is the cause of every configuration error returned by Validate.
var ErrInvalidConfig = errors.New("invalid tracker configuration")

// Config holds the tracker parameters. It is fixed for the lifetime of a Tracker.
type Config struct {
	// MaxDisappeared is the number of consecutive unmatched frames an object
	// survives. It is removed once its miss count exceeds this value.
	MaxDisappeared int
	// MaxDistance is the largest centroid displacement, in pixels, accepted
	// as a match. Zero disables matching so every detection registers anew.
	MaxDistance float64
	// Assignment is AssignGreedy or AssignOptimal. Empty means greedy.
	Assignment string
}

// DefaultConfig returns the default tracker configuration.
func DefaultConfig() Config {
	return Config{
		MaxDisappeared: DefaultMaxDisappeared,
		MaxDistance:    DefaultMaxDistance,
		Assignment:     AssignGreedy,
	}
}

// Validate checks the configuration without modifying it.
func (c Config) Validate() error {
	if c.MaxDisappeared < 0 {
		return errors.Wrapf(ErrInvalidConfig, "max_disappeared must be >= 0, got %d", c.MaxDisappeared)
	}
	if math.IsNaN(c.MaxDistance) || math.IsInf(c.MaxDistance, 0) || c.MaxDistance < 0 {
		return errors.Wrapf(ErrInvalidConfig, "max_distance must be a finite value >= 0, got %v", c.MaxDistance)
	}
	switch c.Assignment {
	case "", AssignGreedy, AssignOptimal:
	default:
		return errors.Wrapf(ErrInvalidConfig, "unknown assignment %q, expected %q or %q", c.Assignment, AssignGreedy, AssignOptimal)
	}
	return nil
}
