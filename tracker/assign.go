package tracker

import (
	"sort"

	hg "github.com/charles-haynes/munkres"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// gatedCost stands in for pairs further apart than MaxDistance when the
// optimal solver runs. It only has to dominate any sum of real distances.
const gatedCost = 1e12

// distance returns the Euclidean distance between two centroids.
func distance(a, b Point) float64 {
	return floats.Distance([]float64{a.X, a.Y}, []float64{b.X, b.Y}, 2)
}

// BuildMatchingMatrix returns the centroid distance between every live object
// (rows) and every detection (columns).
func BuildMatchingMatrix(objects []*TrackedObject, detections []Detection) [][]float64 {
	matchMtx := make([][]float64, len(objects))
	for i, obj := range objects {
		row := make([]float64, len(detections))
		for j, det := range detections {
			row[j] = distance(obj.Centroid, det.Centroid())
		}
		matchMtx[i] = row
	}
	return matchMtx
}

// admissible reports whether a pair at distance d may be matched.
func admissible(d, maxDistance float64) bool {
	return maxDistance > 0 && d <= maxDistance
}

type candidate struct {
	row, col int
	dist     float64
}

// GreedyAssign matches rows to columns by repeatedly committing the globally
// smallest remaining distance whose row and column are both still free.
// Ties are broken by column (detection order) then by row (object id order).
// It is not an optimal bipartite matching. The returned slice holds, for each
// row, the matched column or -1.
func GreedyAssign(matchMtx [][]float64, maxDistance float64) []int {
	matches := make([]int, len(matchMtx))
	for i := range matches {
		matches[i] = -1
	}
	var pairs []candidate
	for i, row := range matchMtx {
		for j, d := range row {
			if admissible(d, maxDistance) {
				pairs = append(pairs, candidate{row: i, col: j, dist: d})
			}
		}
	}
	sort.SliceStable(pairs, func(a, b int) bool {
		pa, pb := pairs[a], pairs[b]
		if pa.dist != pb.dist {
			return pa.dist < pb.dist
		}
		if pa.col != pb.col {
			return pa.col < pb.col
		}
		return pa.row < pb.row
	})
	usedCols := make(map[int]struct{})
	for _, p := range pairs {
		if matches[p.row] != -1 {
			continue
		}
		if _, used := usedCols[p.col]; used {
			continue
		}
		matches[p.row] = p.col
		usedCols[p.col] = struct{}{}
	}
	return matches
}

// OptimalAssign solves the minimum total distance assignment via Munkres'
// method. Pairs beyond maxDistance are priced out of the solution and any
// that the solver still returns are discarded.
func OptimalAssign(matchMtx [][]float64, maxDistance float64) ([]int, error) {
	matches := make([]int, len(matchMtx))
	for i := range matches {
		matches[i] = -1
	}
	if len(matchMtx) == 0 || len(matchMtx[0]) == 0 {
		return matches, nil
	}
	costs := make([][]float64, len(matchMtx))
	for i, row := range matchMtx {
		costs[i] = make([]float64, len(row))
		for j, d := range row {
			if admissible(d, maxDistance) {
				costs[i][j] = d
			} else {
				costs[i][j] = gatedCost
			}
		}
	}
	HA, err := hg.NewHungarianAlgorithm(costs)
	if err != nil {
		return nil, errors.Wrap(err, "unable to build assignment problem")
	}
	solved := HA.Execute()
	for row, col := range solved {
		if row >= len(matches) || col < 0 || col >= len(matchMtx[row]) {
			continue
		}
		if admissible(matchMtx[row][col], maxDistance) {
			matches[row] = col
		}
	}
	return matches, nil
}
