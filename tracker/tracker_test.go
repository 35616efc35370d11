package tracker

import (
	"math"
	"math/rand"
	"testing"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/test"
)

const (
	LabelCar   string = "car"
	LabelTruck string = "truck"
)

// box returns a 10x10 detection centered on (cx, cy).
func box(cx, cy float64, label string) Detection {
	return Detection{X1: cx - 5, Y1: cy - 5, X2: cx + 5, Y2: cy + 5, Label: label, Confidence: 0.9}
}

func newTestTracker(t *testing.T, cfg Config) *Tracker {
	t.Helper()
	tr, err := New(cfg, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	return tr
}

func TestRegisterOnEmptyTracker(t *testing.T) {
	tr := newTestTracker(t, DefaultConfig())
	objs := tr.Update([]Detection{box(10, 10, LabelCar), box(200, 200, LabelTruck)})
	test.That(t, len(objs), test.ShouldEqual, 2)
	test.That(t, objs[0].ID, test.ShouldEqual, 0)
	test.That(t, objs[0].Label, test.ShouldEqual, LabelCar)
	test.That(t, objs[0].MissedFrames, test.ShouldEqual, 0)
	test.That(t, objs[0].Counted, test.ShouldBeFalse)
	test.That(t, objs[0].HistoryLen(), test.ShouldEqual, 1)
	test.That(t, objs[1].ID, test.ShouldEqual, 1)
	test.That(t, objs[1].Centroid, test.ShouldResemble, Point{X: 200, Y: 200})
	test.That(t, tr.NextID(), test.ShouldEqual, 2)
}

func TestMatchUpdatesObject(t *testing.T) {
	tr := newTestTracker(t, DefaultConfig())
	tr.Update([]Detection{box(100, 90, LabelCar)})
	objs := tr.Update([]Detection{box(102, 105, LabelTruck)})
	test.That(t, len(objs), test.ShouldEqual, 1)
	obj := objs[0]
	test.That(t, obj.ID, test.ShouldEqual, 0)
	// the tracker follows label flips from the detector
	test.That(t, obj.Label, test.ShouldEqual, LabelTruck)
	test.That(t, obj.HistoryLen(), test.ShouldEqual, 2)
	prev, ok := obj.Previous()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, prev, test.ShouldResemble, Point{X: 100, Y: 90})
	cur, ok := obj.Current()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, cur, test.ShouldResemble, Point{X: 102, Y: 105})

	// history is bounded to the two latest positions
	objs = tr.Update([]Detection{box(104, 120, LabelTruck)})
	test.That(t, objs[0].HistoryLen(), test.ShouldEqual, 2)
	prev, _ = objs[0].Previous()
	test.That(t, prev, test.ShouldResemble, Point{X: 102, Y: 105})
}

func TestDeregisterAfterMaxDisappeared(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxDisappeared = 2
	tr := newTestTracker(t, cfg)
	tr.Update([]Detection{box(50, 50, LabelCar)})

	objs := tr.Update(nil)
	test.That(t, len(objs), test.ShouldEqual, 1)
	test.That(t, objs[0].MissedFrames, test.ShouldEqual, 1)
	test.That(t, objs[0].Disappeared(), test.ShouldBeTrue)

	objs = tr.Update([]Detection{})
	test.That(t, len(objs), test.ShouldEqual, 1)
	test.That(t, objs[0].MissedFrames, test.ShouldEqual, 2)

	// maxDisappeared + 1 misses removes it
	objs = tr.Update(nil)
	test.That(t, len(objs), test.ShouldEqual, 0)

	// same location, new identity
	objs = tr.Update([]Detection{box(50, 50, LabelCar)})
	test.That(t, len(objs), test.ShouldEqual, 1)
	test.That(t, objs[0].ID, test.ShouldEqual, 1)
}

func TestRecoveredObjectResetsMisses(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxDisappeared = 3
	tr := newTestTracker(t, cfg)
	tr.Update([]Detection{box(50, 50, LabelCar)})
	tr.Update(nil)
	tr.Update(nil)
	objs := tr.Update([]Detection{box(55, 55, LabelCar)})
	test.That(t, len(objs), test.ShouldEqual, 1)
	test.That(t, objs[0].ID, test.ShouldEqual, 0)
	test.That(t, objs[0].MissedFrames, test.ShouldEqual, 0)
}

func TestUnmatchedObjectsAgeWhileOthersMatch(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxDisappeared = 1
	tr := newTestTracker(t, cfg)
	tr.Update([]Detection{box(10, 10, LabelCar), box(300, 300, LabelCar)})

	objs := tr.Update([]Detection{box(12, 12, LabelCar)})
	test.That(t, len(objs), test.ShouldEqual, 2)
	test.That(t, objs[0].MissedFrames, test.ShouldEqual, 0)
	test.That(t, objs[1].MissedFrames, test.ShouldEqual, 1)

	objs = tr.Update([]Detection{box(14, 14, LabelCar)})
	test.That(t, len(objs), test.ShouldEqual, 1)
	test.That(t, objs[0].ID, test.ShouldEqual, 0)
}

func TestMaxDistanceZeroNeverMatches(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxDistance = 0
	tr := newTestTracker(t, cfg)
	tr.Update([]Detection{box(50, 50, LabelCar)})
	for frame := 0; frame < 5; frame++ {
		before := tr.NextID()
		dets := []Detection{box(50, 50, LabelCar), box(80, 80, LabelCar)}
		tr.Update(dets)
		test.That(t, tr.NextID(), test.ShouldEqual, before+len(dets))
		for _, obj := range tr.Objects() {
			if obj.ID >= before {
				test.That(t, obj.HistoryLen(), test.ShouldEqual, 1)
			}
		}
	}
}

func TestBeyondMaxDistanceRegisters(t *testing.T) {
	tr := newTestTracker(t, DefaultConfig())
	tr.Update([]Detection{box(0, 0, LabelCar)})
	objs := tr.Update([]Detection{box(0, 61, LabelCar)})
	test.That(t, len(objs), test.ShouldEqual, 2)
	test.That(t, objs[0].MissedFrames, test.ShouldEqual, 1)
	test.That(t, objs[1].ID, test.ShouldEqual, 1)

	// exactly at the limit is a match
	tr = newTestTracker(t, DefaultConfig())
	tr.Update([]Detection{box(0, 0, LabelCar)})
	objs = tr.Update([]Detection{box(0, 60, LabelCar)})
	test.That(t, len(objs), test.ShouldEqual, 1)
	test.That(t, objs[0].ID, test.ShouldEqual, 0)
}

func TestGreedyPicksGlobalMinimumFirst(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxDistance = 20
	tr := newTestTracker(t, cfg)
	tr.Update([]Detection{box(0, 50, LabelCar), box(10, 50, LabelCar)})

	// B-d0 is the global minimum (4). A's nearest is also d0 (6), so a per-row
	// greedy would leave A unmatched. Global greedy gives A the remaining d1.
	objs := tr.Update([]Detection{box(6, 50, LabelCar), box(17, 50, LabelCar)})
	test.That(t, tr.NextID(), test.ShouldEqual, 2)
	test.That(t, len(objs), test.ShouldEqual, 2)
	test.That(t, objs[0].Centroid.X, test.ShouldEqual, 17.0)
	test.That(t, objs[1].Centroid.X, test.ShouldEqual, 6.0)
}

func TestOptimalAssignmentMinimisesTotalDistance(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxDistance = 20
	cfg.Assignment = AssignOptimal
	tr := newTestTracker(t, cfg)
	tr.Update([]Detection{box(0, 50, LabelCar), box(10, 50, LabelCar)})

	objs := tr.Update([]Detection{box(6, 50, LabelCar), box(17, 50, LabelCar)})
	test.That(t, tr.NextID(), test.ShouldEqual, 2)
	test.That(t, objs[0].Centroid.X, test.ShouldEqual, 6.0)
	test.That(t, objs[1].Centroid.X, test.ShouldEqual, 17.0)
}

func TestTieBreakByDetectionOrder(t *testing.T) {
	tr := newTestTracker(t, DefaultConfig())
	tr.Update([]Detection{box(10, 10, LabelCar)})
	objs := tr.Update([]Detection{box(5, 10, LabelTruck), box(15, 10, LabelCar)})
	test.That(t, len(objs), test.ShouldEqual, 2)
	test.That(t, objs[0].ID, test.ShouldEqual, 0)
	test.That(t, objs[0].Label, test.ShouldEqual, LabelTruck)
	test.That(t, objs[1].ID, test.ShouldEqual, 1)
	test.That(t, objs[1].Centroid.X, test.ShouldEqual, 15.0)

	// two objects equidistant from one detection: lower id wins
	tr = newTestTracker(t, DefaultConfig())
	tr.Update([]Detection{box(0, 10, LabelCar), box(10, 10, LabelCar)})
	objs = tr.Update([]Detection{box(5, 10, LabelCar)})
	test.That(t, objs[0].MissedFrames, test.ShouldEqual, 0)
	test.That(t, objs[1].MissedFrames, test.ShouldEqual, 1)
}

func TestMalformedDetectionsDropped(t *testing.T) {
	tr := newTestTracker(t, DefaultConfig())
	nan := math.NaN()
	dets := []Detection{
		{X1: nan, Y1: 0, X2: 10, Y2: 10, Label: LabelCar},
		box(40, 40, LabelCar),
		{X1: 20, Y1: 0, X2: 10, Y2: 10, Label: LabelCar},
		{X1: 0, Y1: math.Inf(1), X2: 10, Y2: 10, Label: LabelCar},
	}
	objs := tr.Update(dets)
	test.That(t, len(objs), test.ShouldEqual, 1)
	test.That(t, objs[0].Centroid, test.ShouldResemble, Point{X: 40, Y: 40})
	test.That(t, tr.Dropped(), test.ShouldEqual, 3)

	// a frame of only malformed detections ages the live objects
	objs = tr.Update(dets[:1])
	test.That(t, objs[0].MissedFrames, test.ShouldEqual, 1)
}

func TestMarkCountedIsOneWay(t *testing.T) {
	tr := newTestTracker(t, DefaultConfig())
	tr.Update([]Detection{box(10, 10, LabelCar)})
	test.That(t, tr.MarkCounted(0), test.ShouldBeTrue)
	test.That(t, tr.MarkCounted(0), test.ShouldBeFalse)
	test.That(t, tr.MarkCounted(42), test.ShouldBeFalse)
	objs := tr.Update([]Detection{box(12, 12, LabelCar)})
	test.That(t, objs[0].Counted, test.ShouldBeTrue)

	// snapshots are copies
	objs[0].Counted = false
	test.That(t, tr.Objects()[0].Counted, test.ShouldBeTrue)
}

func TestIDsUniqueAndIncreasing(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxDisappeared = 3
	cfg.MaxDistance = 25
	tr := newTestTracker(t, cfg)
	rng := rand.New(rand.NewSource(7))

	seen := make(map[int]bool)
	highest := -1
	for frame := 0; frame < 200; frame++ {
		n := rng.Intn(6)
		dets := make([]Detection, 0, n)
		for i := 0; i < n; i++ {
			dets = append(dets, box(rng.Float64()*200, rng.Float64()*200, LabelCar))
		}
		for _, obj := range tr.Update(dets) {
			if !seen[obj.ID] {
				test.That(t, obj.ID, test.ShouldBeGreaterThan, highest)
				highest = obj.ID
				seen[obj.ID] = true
			}
		}
	}
	test.That(t, highest, test.ShouldEqual, tr.NextID()-1)
}

func TestConfigValidate(t *testing.T) {
	test.That(t, DefaultConfig().Validate(), test.ShouldBeNil)

	cfg := DefaultConfig()
	cfg.MaxDisappeared = -1
	err := cfg.Validate()
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, errors.Cause(err), test.ShouldEqual, ErrInvalidConfig)

	cfg = DefaultConfig()
	cfg.MaxDistance = math.NaN()
	test.That(t, cfg.Validate(), test.ShouldNotBeNil)

	cfg = DefaultConfig()
	cfg.MaxDistance = -3
	test.That(t, cfg.Validate(), test.ShouldNotBeNil)

	cfg = DefaultConfig()
	cfg.Assignment = "hungarian"
	_, err = New(cfg, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "unknown assignment")
}
