// Package tracker implements a centroid tracker that keeps stable identities
// for detected objects across the frames of a video stream.
// This file contains the frame-scoped detection type and the methods that
// filter and sanitise detections before they reach the tracker.
package tracker

import (
	"math"
	"strings"

	objdet "go.viam.com/rdk/vision/objectdetection"
)

// Point is a position in pixel coordinates.
type Point struct {
	X, Y float64
}

// Detection is a single frame-scoped observation. It carries no identity.
type Detection struct {
	X1, Y1, X2, Y2 float64
	Label          string
	Confidence     float64
}

// Centroid returns the midpoint of the bounding box.
func (d Detection) Centroid() Point {
	return Point{X: (d.X1 + d.X2) / 2, Y: (d.Y1 + d.Y2) / 2}
}

// Valid reports whether the box has finite, non-reversed coordinates.
func (d Detection) Valid() bool {
	for _, v := range []float64{d.X1, d.Y1, d.X2, d.Y2} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return d.X1 <= d.X2 && d.Y1 <= d.Y2
}

// FromObjectDetection converts a vision service detection. A detection
// without a bounding box converts to a non-finite box so that the tracker
// drops it instead of matching on garbage.
func FromObjectDetection(det objdet.Detection) Detection {
	bb := det.BoundingBox()
	if bb == nil {
		nan := math.NaN()
		return Detection{X1: nan, Y1: nan, X2: nan, Y2: nan, Label: det.Label(), Confidence: det.Score()}
	}
	// Read the raw corners, image.Rectangle values built without image.Rect
	// may be reversed and must stay that way to be rejected later.
	return Detection{
		X1:         float64(bb.Min.X),
		Y1:         float64(bb.Min.Y),
		X2:         float64(bb.Max.X),
		Y2:         float64(bb.Max.Y),
		Label:      det.Label(),
		Confidence: det.Score(),
	}
}

// FromObjectDetections converts a slice of vision service detections,
// preserving order.
func FromObjectDetections(dets []objdet.Detection) []Detection {
	out := make([]Detection, 0, len(dets))
	for _, d := range dets {
		if d == nil {
			continue
		}
		out = append(out, FromObjectDetection(d))
	}
	return out
}

// FilterConfidence returns the detections whose confidence is at least minConf.
// Order is preserved.
func FilterConfidence(dets []Detection, minConf float64) []Detection {
	out := make([]Detection, 0, len(dets))
	for _, d := range dets {
		if d.Confidence >= minConf {
			out = append(out, d)
		}
	}
	return out
}

// NormalizeLabel lower-cases a class label and strips surrounding space so
// that "Car " and "car" count as the same class.
func NormalizeLabel(label string) string {
	return strings.ToLower(strings.TrimSpace(label))
}
