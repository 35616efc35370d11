package counting

import (
	"sort"

	"github.com/viam-modules/line-counter/tracker"
)

// CountRow is one row of the counts summary.
type CountRow struct {
	Label string `json:"class"`
	Count int    `json:"count"`
}

// DetectionRecord is one row of the detection audit log.
type DetectionRecord struct {
	Frame int `json:"frame"`
	tracker.Detection
}

// Aggregator accumulates crossing events into per-class counts and keeps
// every detection observed for later export. It is not safe for concurrent
// use on its own.
type Aggregator struct {
	counts map[string]int
	log    []DetectionRecord
	events int
}

// NewAggregator returns an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{counts: make(map[string]int)}
}

// Record counts one crossing event under its label.
func (a *Aggregator) Record(event CrossingEvent) {
	a.counts[event.Label]++
	a.events++
}

// RecordDetections appends the detections of a frame to the audit log.
func (a *Aggregator) RecordDetections(frame int, dets []tracker.Detection) {
	for _, d := range dets {
		a.log = append(a.log, DetectionRecord{Frame: frame, Detection: d})
	}
}

// Events returns the number of crossing events recorded.
func (a *Aggregator) Events() int {
	return a.events
}

// Counts returns a copy of the count of every label seen crossing.
func (a *Aggregator) Counts() map[string]int {
	out := make(map[string]int, len(a.counts))
	for k, v := range a.counts {
		out[k] = v
	}
	return out
}

// DetectionLog returns a copy of the audit log.
func (a *Aggregator) DetectionLog() []DetectionRecord {
	out := make([]DetectionRecord, len(a.log))
	copy(out, a.log)
	return out
}

// Finalize returns one row per distinct allow-list label, sorted by label,
// including labels that never crossed. Counts of other labels are left out.
func (a *Aggregator) Finalize(allowList []string) []CountRow {
	seen := make(map[string]struct{}, len(allowList))
	rows := make([]CountRow, 0, len(allowList))
	for _, label := range allowList {
		if _, dup := seen[label]; dup {
			continue
		}
		seen[label] = struct{}{}
		rows = append(rows, CountRow{Label: label, Count: a.counts[label]})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Label < rows[j].Label })
	return rows
}
