// Package counter implements a line-crossing counter as a Viam vision service.
// This file contains methods that handle the label (or name) of a detection.
// Labels are of the format classname_ID, where ID is the tracker identity.
package counter

import (
	"image"
	"math"
	"strconv"
	"time"

	objdet "go.viam.com/rdk/vision/objectdetection"

	"github.com/viam-modules/line-counter/counting"
	"github.com/viam-modules/line-counter/tracker"
)

// objectLabel names a tracked object for the outside world.
func objectLabel(obj tracker.TrackedObject) string {
	return obj.Label + "_" + strconv.Itoa(obj.ID)
}

// boundingBox rounds a box to the pixel grid.
func boundingBox(d tracker.Detection) image.Rectangle {
	return image.Rect(
		int(math.Round(d.X1)), int(math.Round(d.Y1)),
		int(math.Round(d.X2)), int(math.Round(d.Y2)),
	)
}

// toDetections returns the objects matched in the latest frame, labelled with
// their identity. Objects coasting on missed frames are left out.
func toDetections(objects []tracker.TrackedObject) []objdet.Detection {
	dets := make([]objdet.Detection, 0, len(objects))
	for _, obj := range objects {
		if obj.Disappeared() || !obj.Box.Valid() {
			continue
		}
		dets = append(dets, objdet.NewDetection(boundingBox(obj.Box), obj.Box.Confidence, objectLabel(obj)))
	}
	return dets
}

// crossedObject is a crossing event as reported by the logs command.
type crossedObject struct {
	FullLabel string `json:"full_label"`
	Label     string `json:"label"`
	ID        int    `json:"id"`
	Frame     int    `json:"frame"`
	Direction string `json:"direction"`
	Time      string `json:"time"`
}

// getTimestamp formats a timestamp as YYYYMMDD_HHMMSS.
func getTimestamp(t time.Time) string {
	return t.Format("20060102_150405")
}

func newCrossedObject(e counting.CrossingEvent, at time.Time) crossedObject {
	return crossedObject{
		FullLabel: e.Label + "_" + strconv.Itoa(e.ObjectID),
		Label:     e.Label,
		ID:        e.ObjectID,
		Frame:     e.Frame,
		Direction: string(e.Direction),
		Time:      getTimestamp(at),
	}
}
