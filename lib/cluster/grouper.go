// Copyright 2026 The Skycal Authors
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"errors"
	"fmt"
	"math"

	"github.com/skycal-project/skycal/lib/skymodel"
)

const (
	defaultMaxIterations = 100
	defaultTolerance     = 1e-6
)

// Grouper holds the mean-shift parameters. All distances are in
// degrees.
type Grouper struct {
	// LookDistance bounds the neighbourhood a point averages over.
	LookDistance float64

	// KernelSize is the width of the Gaussian weighting applied to
	// neighbours.
	KernelSize float64

	// GroupingDistance links settled positions into one cluster.
	GroupingDistance float64

	// MaxIterations caps the number of shift passes. Zero means 100.
	MaxIterations int

	// Tolerance is the largest move, in degrees, at which the shift
	// is considered settled. Zero means 1e-6.
	Tolerance float64
}

func (g Grouper) validate() error {
	var errs []error
	if !(g.LookDistance > 0) {
		errs = append(errs, fmt.Errorf("look distance must be positive, got %v", g.LookDistance))
	}
	if !(g.KernelSize > 0) {
		errs = append(errs, fmt.Errorf("kernel size must be positive, got %v", g.KernelSize))
	}
	if !(g.GroupingDistance > 0) {
		errs = append(errs, fmt.Errorf("grouping distance must be positive, got %v", g.GroupingDistance))
	}
	if g.MaxIterations < 0 {
		errs = append(errs, fmt.Errorf("max iterations must not be negative, got %d", g.MaxIterations))
	}
	return errors.Join(errs...)
}

// Run clusters points ([RA, Dec] in degrees) weighted by flux. It
// returns clusters of input indices: every index appears in exactly
// one cluster, members are ascending, and clusters are ordered by
// their smallest member.
func (g Grouper) Run(points [][2]float64, weights []float64) ([][]int, error) {
	if err := g.validate(); err != nil {
		return nil, fmt.Errorf("cluster: %w", err)
	}
	if len(points) != len(weights) {
		return nil, fmt.Errorf("cluster: %d points but %d weights", len(points), len(weights))
	}
	if len(points) == 0 {
		return nil, nil
	}

	plane := project(points)
	settled := g.shift(plane, weights)
	return g.link(settled), nil
}

// project maps positions onto a plane around their centroid with RA
// offsets scaled by cos(Dec), which is accurate over the few degrees
// of a single field.
func project(points [][2]float64) [][2]float64 {
	centre := skymodel.WeightedMean(points, make([]float64, len(points)))
	plane := make([][2]float64, len(points))
	for i, point := range points {
		deltaRA := math.Remainder(point[0]-centre[0], 360)
		plane[i] = [2]float64{
			deltaRA * math.Cos(point[1]*math.Pi/180),
			point[1] - centre[1],
		}
	}
	return plane
}

func (g Grouper) shift(plane [][2]float64, weights []float64) [][2]float64 {
	maxIterations := g.MaxIterations
	if maxIterations == 0 {
		maxIterations = defaultMaxIterations
	}
	tolerance := g.Tolerance
	if tolerance <= 0 {
		tolerance = defaultTolerance
	}

	current := make([][2]float64, len(plane))
	copy(current, plane)
	next := make([][2]float64, len(plane))

	for range maxIterations {
		largestMove := 0.0
		for i, x := range current {
			var sumX, sumY, total float64
			for j, neighbour := range current {
				distance := planarDistance(x, neighbour)
				if distance > g.LookDistance {
					continue
				}
				weight := gaussian(distance, g.KernelSize) * max(weights[j], 0)
				sumX += weight * neighbour[0]
				sumY += weight * neighbour[1]
				total += weight
			}
			if total == 0 {
				next[i] = x
				continue
			}
			next[i] = [2]float64{sumX / total, sumY / total}
			largestMove = max(largestMove, planarDistance(x, next[i]))
		}
		current, next = next, current
		if largestMove < tolerance {
			break
		}
	}
	return current
}

func (g Grouper) link(settled [][2]float64) [][]int {
	sets := newDisjointSet(len(settled))
	for i := range settled {
		for j := i + 1; j < len(settled); j++ {
			if planarDistance(settled[i], settled[j]) <= g.GroupingDistance {
				sets.union(i, j)
			}
		}
	}

	// Indices are visited in ascending order, so each cluster is
	// created at its smallest member and filled in order.
	var clusters [][]int
	slot := map[int]int{}
	for i := range settled {
		root := sets.find(i)
		position, ok := slot[root]
		if !ok {
			position = len(clusters)
			slot[root] = position
			clusters = append(clusters, nil)
		}
		clusters[position] = append(clusters[position], i)
	}
	return clusters
}

func planarDistance(a, b [2]float64) float64 {
	return math.Hypot(a[0]-b[0], a[1]-b[1])
}

func gaussian(distance, width float64) float64 {
	return math.Exp(-0.5*(distance/width)*(distance/width)) / (width * math.Sqrt(2*math.Pi))
}

type disjointSet struct {
	parent []int
	rank   []int
}

func newDisjointSet(size int) *disjointSet {
	set := &disjointSet{parent: make([]int, size), rank: make([]int, size)}
	for i := range set.parent {
		set.parent[i] = i
	}
	return set
}

func (s *disjointSet) find(x int) int {
	for s.parent[x] != x {
		s.parent[x] = s.parent[s.parent[x]]
		x = s.parent[x]
	}
	return x
}

func (s *disjointSet) union(a, b int) {
	rootA, rootB := s.find(a), s.find(b)
	if rootA == rootB {
		return
	}
	switch {
	case s.rank[rootA] < s.rank[rootB]:
		s.parent[rootA] = rootB
	case s.rank[rootA] > s.rank[rootB]:
		s.parent[rootB] = rootA
	default:
		s.parent[rootB] = rootA
		s.rank[rootA]++
	}
}
