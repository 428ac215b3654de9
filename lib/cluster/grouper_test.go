// Copyright 2026 The Skycal Authors
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"math/rand/v2"
	"reflect"
	"testing"
)

var defaultGrouper = Grouper{LookDistance: 0.2, KernelSize: 0.1, GroupingDistance: 0.03}

func TestRunPartition(t *testing.T) {
	t.Parallel()

	random := rand.New(rand.NewPCG(1, 2))
	for trial := range 20 {
		count := 1 + random.IntN(60)
		points := make([][2]float64, count)
		weights := make([]float64, count)
		for i := range points {
			points[i] = [2]float64{120 + random.Float64()*2, 45 + random.Float64()*2}
			weights[i] = random.Float64() * 10
		}

		clusters, err := defaultGrouper.Run(points, weights)
		if err != nil {
			t.Fatalf("trial %d: Run: %v", trial, err)
		}

		seen := make([]int, count)
		previousFirst := -1
		for _, cluster := range clusters {
			if len(cluster) == 0 {
				t.Fatalf("trial %d: empty cluster in %v", trial, clusters)
			}
			if cluster[0] <= previousFirst {
				t.Errorf("trial %d: clusters not ordered by smallest member: %v", trial, clusters)
			}
			previousFirst = cluster[0]
			for k, index := range cluster {
				if k > 0 && index <= cluster[k-1] {
					t.Errorf("trial %d: members not ascending: %v", trial, cluster)
				}
				seen[index]++
			}
		}
		for index, times := range seen {
			if times != 1 {
				t.Errorf("trial %d: index %d appears %d times", trial, index, times)
			}
		}
	}
}

func TestRunGroups(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		points  [][2]float64
		weights []float64
		want    [][]int
	}{
		{
			name:    "close pair merges",
			points:  [][2]float64{{150, 30}, {150.01, 30.005}},
			weights: []float64{5, 1},
			want:    [][]int{{0, 1}},
		},
		{
			name:    "distant sources stay apart",
			points:  [][2]float64{{150, 30}, {151, 30}, {150, 31}},
			weights: []float64{1, 1, 1},
			want:    [][]int{{0}, {1}, {2}},
		},
		{
			name:    "two groups",
			points:  [][2]float64{{150, 30}, {152, 30}, {150.02, 30}, {152, 30.01}},
			weights: []float64{3, 2, 1, 1},
			want:    [][]int{{0, 2}, {1, 3}},
		},
		{
			name:    "across right ascension zero",
			points:  [][2]float64{{359.995, 10}, {0.005, 10}},
			weights: []float64{1, 1},
			want:    [][]int{{0, 1}},
		},
		{
			name:    "zero weight point keeps its place",
			points:  [][2]float64{{150, 30}, {150.5, 30}},
			weights: []float64{0, 1},
			want:    [][]int{{0}, {1}},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			got, err := defaultGrouper.Run(test.points, test.weights)
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if !reflect.DeepEqual(got, test.want) {
				t.Errorf("Run = %v, want %v", got, test.want)
			}
		})
	}
}

func TestRunErrors(t *testing.T) {
	t.Parallel()

	if _, err := defaultGrouper.Run([][2]float64{{0, 0}}, nil); err == nil {
		t.Error("Run accepted mismatched weights")
	}
	if _, err := (Grouper{KernelSize: 0.1, GroupingDistance: 0.03}).Run(nil, nil); err == nil {
		t.Error("Run accepted a zero look distance")
	}
	clusters, err := defaultGrouper.Run(nil, nil)
	if err != nil || clusters != nil {
		t.Errorf("Run(nil) = %v, %v; want nil, nil", clusters, err)
	}
}
