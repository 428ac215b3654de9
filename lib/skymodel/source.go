// Copyright 2026 The Skycal Authors
// SPDX-License-Identifier: Apache-2.0

package skymodel

import (
	"math"
)

// Source types.
const (
	TypePoint    = "POINT"
	TypeGaussian = "GAUSSIAN"
)

// Source is one catalog component.
type Source struct {
	Name  string
	Type  string
	Patch string

	// RA and Dec are in degrees.
	RA  float64
	Dec float64

	// I is the Stokes I flux density in Jy at ReferenceFrequency.
	I float64

	// SpectralIndex holds the polynomial coefficients. With
	// LogarithmicSI the polynomial is in log10(f/f0) and applies to
	// log10 flux; otherwise it is in (f/f0 - 1) and applies to flux.
	SpectralIndex []float64
	LogarithmicSI bool

	// ReferenceFrequency is in Hz.
	ReferenceFrequency float64

	// Gaussian shape: axes in arcseconds, orientation in degrees.
	MajorAxis   float64
	MinorAxis   float64
	Orientation float64
}

// FluxAt returns the Stokes I flux density at freq (Hz).
func (s Source) FluxAt(freq float64) float64 {
	if len(s.SpectralIndex) == 0 || s.ReferenceFrequency <= 0 || freq <= 0 {
		return s.I
	}
	ratio := freq / s.ReferenceFrequency
	if s.LogarithmicSI {
		if s.I <= 0 {
			return s.I
		}
		x := math.Log10(ratio)
		exponent := 0.0
		term := x
		for _, coefficient := range s.SpectralIndex {
			exponent += coefficient * term
			term *= x
		}
		return s.I * math.Pow(10, exponent)
	}
	x := ratio - 1
	flux := s.I
	term := x
	for _, coefficient := range s.SpectralIndex {
		flux += coefficient * term
		term *= x
	}
	return flux
}

// Position returns [RA, Dec] in degrees.
func (s Source) Position() [2]float64 { return [2]float64{s.RA, s.Dec} }
