package geometry

import (
	"errors"
	"fmt"
	"math"
	"slices"
)

var (
	// ErrInsufficientData means too few correspondences were supplied to
	// attempt an alignment.
	ErrInsufficientData = errors.New("insufficient correspondences")
	// ErrDegenerate means no trustworthy transform could be derived.
	ErrDegenerate = errors.New("degenerate transform")
)

// Point is a 2-D coordinate in pixel units. Integer values address pixel
// centres.
type Point struct {
	X float64
	Y float64
}

// Sub returns p - q.
func (p Point) Sub(q Point) Point { return Point{X: p.X - q.X, Y: p.Y - q.Y} }

// Dist returns the Euclidean distance between p and q.
func (p Point) Dist(q Point) float64 { return math.Hypot(p.X-q.X, p.Y-q.Y) }

// Correspondence pairs a point in a candidate frame (Source) with its match
// in the reference frame (Target). Lower Distance means a more confident match.
type Correspondence struct {
	Source   Point
	Target   Point
	Distance float64
}

// CorrespondenceSet is an ordered collection of matches.
type CorrespondenceSet []Correspondence

// Sources returns the source points in order.
func (s CorrespondenceSet) Sources() []Point {
	out := make([]Point, len(s))
	for i, c := range s {
		out[i] = c.Source
	}
	return out
}

// Targets returns the target points in order.
func (s CorrespondenceSet) Targets() []Point {
	out := make([]Point, len(s))
	for i, c := range s {
		out[i] = c.Target
	}
	return out
}

// FilterOptions controls how many of the best matches survive filtering.
type FilterOptions struct {
	MinKeep      int
	KeepFraction float64
}

// DefaultFilterOptions keeps the best 15% of matches, never fewer than 10.
func DefaultFilterOptions() FilterOptions {
	return FilterOptions{MinKeep: 10, KeepFraction: 0.15}
}

// FilterCorrespondences applies DefaultFilterOptions.
func FilterCorrespondences(set CorrespondenceSet) (CorrespondenceSet, error) {
	return DefaultFilterOptions().Filter(set)
}

// Retain returns how many matches out of n the filter keeps.
func (o FilterOptions) Retain(n int) int {
	return max(o.MinKeep, int(math.Floor(o.KeepFraction*float64(n)+1e-9)))
}

// Filter sorts a copy of set by ascending distance, preserving the input
// order of ties, and truncates it to Retain(len(set)) entries.
func (o FilterOptions) Filter(set CorrespondenceSet) (CorrespondenceSet, error) {
	n := len(set)
	if n == 0 {
		return nil, fmt.Errorf("%w: empty set", ErrInsufficientData)
	}
	keep := o.Retain(n)
	if keep > n {
		return nil, fmt.Errorf("%w: need %d, have %d", ErrInsufficientData, keep, n)
	}
	sorted := slices.Clone(set)
	slices.SortStableFunc(sorted, func(a, b Correspondence) int {
		switch {
		case a.Distance < b.Distance:
			return -1
		case a.Distance > b.Distance:
			return 1
		}
		return 0
	})
	return sorted[:keep:keep], nil
}
