package tracker

// positionHistory keeps the two most recent centroids of an object.
// Crossing detection only ever reads the previous and current positions.
type positionHistory struct {
	points [2]Point
	n      int
}

func (h *positionHistory) push(p Point) {
	h.points[0] = h.points[1]
	h.points[1] = p
	if h.n < len(h.points) {
		h.n++
	}
}

// TrackedObject is an identity correlated across frames. Values handed out by
// the Tracker are copies; mutating them has no effect on the tracker.
type TrackedObject struct {
	ID           int
	Centroid     Point
	Box          Detection
	Label        string
	MissedFrames int
	Counted      bool

	history positionHistory
}

// HistoryLen returns how many positions are recorded, at most two.
func (o TrackedObject) HistoryLen() int {
	return o.history.n
}

// Current returns the most recent centroid.
func (o TrackedObject) Current() (Point, bool) {
	if o.history.n < 1 {
		return Point{}, false
	}
	return o.history.points[1], true
}

// Previous returns the centroid recorded before the current one.
func (o TrackedObject) Previous() (Point, bool) {
	if o.history.n < 2 {
		return Point{}, false
	}
	return o.history.points[0], true
}

// Disappeared reports whether the object went unmatched in the latest frame.
func (o TrackedObject) Disappeared() bool {
	return o.MissedFrames > 0
}

func newTrackedObject(id int, det Detection) *TrackedObject {
	o := &TrackedObject{ID: id}
	o.observe(det)
	return o
}

func (o *TrackedObject) observe(det Detection) {
	c := det.Centroid()
	o.Centroid = c
	o.Box = det
	o.Label = det.Label
	o.MissedFrames = 0
	o.history.push(c)
}
