// Copyright 2026 The Skycal Authors
// SPDX-License-Identifier: Apache-2.0

package direction

import (
	"cmp"
	"fmt"
	"math"
	"slices"

	"github.com/skycal-project/skycal/lib/skymodel"
)

// thresholdFrequency is the frequency the flux cut is quoted at.
const thresholdFrequency = 60e6

// Registry is the ordered set of directions of one major cycle.
type Registry struct {
	cycle      int
	directions []*Direction
}

// NewRegistry returns a registry for cycle holding directions.
// Direction names must be unique.
func NewRegistry(cycle int, directions ...*Direction) (*Registry, error) {
	registry := &Registry{cycle: cycle}
	for _, d := range directions {
		if err := registry.Add(d); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// Cycle is the major cycle the registry belongs to.
func (r *Registry) Cycle() int { return r.cycle }

// Len is the number of directions.
func (r *Registry) Len() int { return len(r.directions) }

// All returns the directions in registry order. The pointers are
// shared with the registry.
func (r *Registry) All() []*Direction { return slices.Clone(r.directions) }

// Add appends a direction.
func (r *Registry) Add(d *Direction) error {
	if d == nil || d.Name == "" {
		return fmt.Errorf("direction registry: direction without a name")
	}
	if _, exists := r.Get(d.Name); exists {
		return fmt.Errorf("direction registry: duplicate direction %q", d.Name)
	}
	r.directions = append(r.directions, d)
	return nil
}

// Get looks a direction up by name.
func (r *Registry) Get(name string) (*Direction, bool) {
	for _, d := range r.directions {
		if d.Name == name {
			return d, true
		}
	}
	return nil, false
}

// Sort orders directions by descending flux at freq. Equal fluxes are
// ordered by name.
func (r *Registry) Sort(freq float64) {
	slices.SortStableFunc(r.directions, func(a, b *Direction) int {
		if c := cmp.Compare(b.FluxAt(freq), a.FluxAt(freq)); c != 0 {
			return c
		}
		return cmp.Compare(a.Name, b.Name)
	})
}

// Threshold scales a flux cut quoted at 60 MHz to minFreq with a
// spectral index of -0.8.
func Threshold(minFlux60, minFreq float64) float64 {
	return minFlux60 * math.Pow(minFreq/thresholdFrequency, -0.8)
}

// Active returns the directions to calibrate: registry order up to the
// first direction whose flux at freq is below threshold. Directions
// flagged Extended are passed over but do not end the walk.
func (r *Registry) Active(freq, threshold float64) []*Direction {
	var active []*Direction
	for _, d := range r.directions {
		if d.FluxAt(freq) < threshold {
			break
		}
		if d.Extended {
			continue
		}
		active = append(active, d)
	}
	return active
}

// MarkPeel flags every direction farther than fwhm/2 degrees from
// phaseCentre as to be peeled, and returns how many were flagged.
func (r *Registry) MarkPeel(phaseCentre [2]float64, fwhm float64) int {
	count := 0
	for _, d := range r.directions {
		d.PeelOff = skymodel.Distance(d.Position, phaseCentre) > fwhm/2
		if d.PeelOff {
			count++
		}
	}
	return count
}
