package counting

import (
	"testing"

	"go.viam.com/rdk/logging"
	"go.viam.com/test"

	"github.com/viam-modules/line-counter/tracker"
)

const lineY = 100.0

func at(y float64, label string) tracker.Detection {
	return tracker.Detection{X1: 45, Y1: y - 5, X2: 55, Y2: y + 5, Label: label, Confidence: 0.9}
}

// runTrack feeds one object along the given y positions and returns every
// event fired, frames numbered from 1.
func runTrack(t *testing.T, counter *CrossingCounter, ys []float64) []CrossingEvent {
	t.Helper()
	tr, err := tracker.New(tracker.DefaultConfig(), logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	var events []CrossingEvent
	for i, y := range ys {
		objs := tr.Update([]tracker.Detection{at(y, "car")})
		events = append(events, counter.Evaluate(i+1, objs, tr)...)
	}
	return events
}

func TestDownwardCrossingFiresOnce(t *testing.T) {
	events := runTrack(t, NewCrossingCounter(lineY, false), []float64{90, 95, 105})
	test.That(t, len(events), test.ShouldEqual, 1)
	test.That(t, events[0], test.ShouldResemble, CrossingEvent{ObjectID: 0, Label: "car", Frame: 3, Direction: Down})
}

func TestCrossingIsIdempotent(t *testing.T) {
	events := runTrack(t, NewCrossingCounter(lineY, false), []float64{90, 105, 95, 110, 80, 120})
	test.That(t, len(events), test.ShouldEqual, 1)
	test.That(t, events[0].Frame, test.ShouldEqual, 2)

	events = runTrack(t, NewCrossingCounter(lineY, true), []float64{90, 105, 95, 110, 80, 120})
	test.That(t, len(events), test.ShouldEqual, 1)
}

func TestLineBoundaries(t *testing.T) {
	// landing exactly on the line counts
	events := runTrack(t, NewCrossingCounter(lineY, false), []float64{99, 100})
	test.That(t, len(events), test.ShouldEqual, 1)
	// starting on the line does not
	events = runTrack(t, NewCrossingCounter(lineY, false), []float64{100, 110})
	test.That(t, len(events), test.ShouldEqual, 0)
}

func TestUpwardCrossingIsOptIn(t *testing.T) {
	events := runTrack(t, NewCrossingCounter(lineY, false), []float64{120, 110, 90})
	test.That(t, len(events), test.ShouldEqual, 0)

	events = runTrack(t, NewCrossingCounter(lineY, true), []float64{120, 110, 90})
	test.That(t, len(events), test.ShouldEqual, 1)
	test.That(t, events[0].Direction, test.ShouldEqual, Up)
	test.That(t, events[0].Frame, test.ShouldEqual, 3)
}

func TestSinglePositionNeverFires(t *testing.T) {
	tr, err := tracker.New(tracker.DefaultConfig(), logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	objs := tr.Update([]tracker.Detection{at(150, "bus")})
	events := NewCrossingCounter(lineY, true).Evaluate(1, objs, tr)
	test.That(t, len(events), test.ShouldEqual, 0)
}

type refusingMarker struct {
	calls int
}

func (m *refusingMarker) MarkCounted(id int) bool {
	m.calls++
	return false
}

func TestEventRequiresMarkerFlip(t *testing.T) {
	tr, err := tracker.New(tracker.DefaultConfig(), logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	tr.Update([]tracker.Detection{at(90, "car")})
	objs := tr.Update([]tracker.Detection{at(110, "car")})

	m := &refusingMarker{}
	events := NewCrossingCounter(lineY, false).Evaluate(2, objs, m)
	test.That(t, len(events), test.ShouldEqual, 0)
	test.That(t, m.calls, test.ShouldEqual, 1)
}

func TestCountedFlagMonotone(t *testing.T) {
	tr, err := tracker.New(tracker.DefaultConfig(), logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	counter := NewCrossingCounter(lineY, true)
	ys := []float64{90, 110, 90, 110, 90, 110, 90}
	flips := 0
	wasCounted := false
	for i, y := range ys {
		objs := tr.Update([]tracker.Detection{at(y, "car")})
		counter.Evaluate(i+1, objs, tr)
		now := tr.Objects()[0].Counted
		if now != wasCounted {
			flips++
			test.That(t, now, test.ShouldBeTrue)
		}
		wasCounted = now
	}
	test.That(t, flips, test.ShouldEqual, 1)
}
