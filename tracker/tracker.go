package tracker

import (
	"sort"

	"go.viam.com/rdk/logging"
)

// Tracker owns the set of live tracked objects. Each call to Update consumes
// the detections of one frame. A Tracker is not safe for concurrent use;
// frames must be fed strictly in order by a single caller.
type Tracker struct {
	cfg     Config
	logger  logging.Logger
	objects map[int]*TrackedObject
	nextID  int
	dropped int
}

// New returns a Tracker for the given configuration.
func New(cfg Config, logger logging.Logger) (*Tracker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Assignment == "" {
		cfg.Assignment = AssignGreedy
	}
	return &Tracker{
		cfg:     cfg,
		logger:  logger,
		objects: make(map[int]*TrackedObject),
	}, nil
}

// Config returns the configuration the tracker was built with.
func (t *Tracker) Config() Config {
	return t.cfg
}

// Update matches the detections of the current frame to the live objects,
// ages the unmatched objects, registers the unmatched detections and returns
// the resulting snapshot ordered by id.
func (t *Tracker) Update(detections []Detection) []TrackedObject {
	dets := t.sanitize(detections)

	if len(dets) == 0 {
		for _, obj := range t.liveObjects() {
			t.age(obj)
		}
		return t.Objects()
	}

	if len(t.objects) == 0 {
		for _, det := range dets {
			t.register(det)
		}
		return t.Objects()
	}

	live := t.liveObjects()
	matchMtx := BuildMatchingMatrix(live, dets)
	matches := t.assign(matchMtx)

	used := make(map[int]struct{}, len(dets))
	for row, col := range matches {
		if col == -1 {
			t.age(live[row])
			continue
		}
		live[row].observe(dets[col])
		used[col] = struct{}{}
	}
	for j, det := range dets {
		if _, ok := used[j]; !ok {
			t.register(det)
		}
	}
	return t.Objects()
}

// Objects returns a copy of the live objects ordered by id.
func (t *Tracker) Objects() []TrackedObject {
	live := t.liveObjects()
	out := make([]TrackedObject, 0, len(live))
	for _, obj := range live {
		out = append(out, *obj)
	}
	return out
}

// Len returns the number of live objects.
func (t *Tracker) Len() int {
	return len(t.objects)
}

// NextID returns the id the next registered object will receive.
func (t *Tracker) NextID() int {
	return t.nextID
}

// Dropped returns how many malformed detections have been discarded.
func (t *Tracker) Dropped() int {
	return t.dropped
}

// MarkCounted sets the counted flag of a live object. It returns true only
// when the flag flips, so callers can use it to fire once per object.
func (t *Tracker) MarkCounted(id int) bool {
	obj, ok := t.objects[id]
	if !ok || obj.Counted {
		return false
	}
	obj.Counted = true
	return true
}

func (t *Tracker) assign(matchMtx [][]float64) []int {
	if t.cfg.Assignment == AssignOptimal {
		matches, err := OptimalAssign(matchMtx, t.cfg.MaxDistance)
		if err == nil {
			return matches
		}
		t.logger.Warnf("optimal assignment failed, falling back to greedy: %v", err)
	}
	return GreedyAssign(matchMtx, t.cfg.MaxDistance)
}

func (t *Tracker) sanitize(detections []Detection) []Detection {
	out := make([]Detection, 0, len(detections))
	for _, det := range detections {
		if !det.Valid() {
			t.dropped++
			t.logger.Warnf("dropping malformed detection %q with box (%v, %v, %v, %v)",
				det.Label, det.X1, det.Y1, det.X2, det.Y2)
			continue
		}
		out = append(out, det)
	}
	return out
}

func (t *Tracker) register(det Detection) {
	obj := newTrackedObject(t.nextID, det)
	t.objects[obj.ID] = obj
	t.nextID++
}

func (t *Tracker) age(obj *TrackedObject) {
	obj.MissedFrames++
	if obj.MissedFrames > t.cfg.MaxDisappeared {
		delete(t.objects, obj.ID)
	}
}

func (t *Tracker) liveObjects() []*TrackedObject {
	live := make([]*TrackedObject, 0, len(t.objects))
	for _, obj := range t.objects {
		live = append(live, obj)
	}
	sort.Slice(live, func(i, j int) bool { return live[i].ID < live[j].ID })
	return live
}
