// Package counting turns tracker snapshots into line crossing events and
// accumulates them, together with the raw detections, into the two output
// tables of a run.
package counting

import (
	"github.com/viam-modules/line-counter/tracker"
)

// Direction of travel across the counting line.
type Direction string

// Crossing directions. Image y grows downward.
const (
	Down Direction = "down"
	Up   Direction = "up"
)

// CrossingEvent is fired at most once per tracked object.
type CrossingEvent struct {
	ObjectID  int       `json:"object_id"`
	Label     string    `json:"label"`
	Frame     int       `json:"frame"`
	Direction Direction `json:"direction"`
}

// Marker flips the counted flag of a tracked object. It must return true
// only on the call that performs the flip.
type Marker interface {
	MarkCounted(id int) bool
}

// CrossingCounter watches tracked objects pass a horizontal line.
type CrossingCounter struct {
	lineY       float64
	countUpward bool
}

// NewCrossingCounter returns a counter for the line at lineY. Downward
// crossings are always counted; upward ones only when countUpward is set.
func NewCrossingCounter(lineY float64, countUpward bool) *CrossingCounter {
	return &CrossingCounter{lineY: lineY, countUpward: countUpward}
}

// LineY returns the y coordinate of the counting line.
func (c *CrossingCounter) LineY() float64 {
	return c.lineY
}

// Evaluate checks every object with two recorded positions and returns the
// crossing events produced in this frame, in object id order.
func (c *CrossingCounter) Evaluate(frame int, objects []tracker.TrackedObject, marker Marker) []CrossingEvent {
	var events []CrossingEvent
	for _, obj := range objects {
		if obj.Counted {
			continue
		}
		prev, ok := obj.Previous()
		if !ok {
			continue
		}
		cur, _ := obj.Current()
		dir, crossed := c.crossed(prev.Y, cur.Y)
		if !crossed {
			continue
		}
		if !marker.MarkCounted(obj.ID) {
			continue
		}
		events = append(events, CrossingEvent{
			ObjectID:  obj.ID,
			Label:     obj.Label,
			Frame:     frame,
			Direction: dir,
		})
	}
	return events
}

func (c *CrossingCounter) crossed(prevY, curY float64) (Direction, bool) {
	if prevY < c.lineY && curY >= c.lineY {
		return Down, true
	}
	if c.countUpward && prevY > c.lineY && curY <= c.lineY {
		return Up, true
	}
	return "", false
}
