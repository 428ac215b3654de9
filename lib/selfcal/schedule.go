// Copyright 2026 The Skycal Authors
// SPDX-License-Identifier: Apache-2.0

package selfcal

import "fmt"

// Schedule yields a solution interval per round. Once the configured
// values run out the last one repeats. Rounds count from the first
// round that solved the correction, not from the start of the loop.
type Schedule struct {
	values []int
}

// NewSchedule returns a schedule over values, which must be positive.
func NewSchedule(values ...int) (*Schedule, error) {
	if len(values) == 0 {
		return nil, fmt.Errorf("selfcal: empty interval schedule")
	}
	for _, value := range values {
		if value <= 0 {
			return nil, fmt.Errorf("selfcal: interval %d in schedule %v is not positive", value, values)
		}
	}
	return &Schedule{values: append([]int(nil), values...)}, nil
}

// At returns the interval for round.
func (s *Schedule) At(round int) int {
	if round < 0 {
		round = 0
	}
	return s.values[min(round, len(s.values)-1)]
}
