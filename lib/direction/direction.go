// Copyright 2026 The Skycal Authors
// SPDX-License-Identifier: Apache-2.0

package direction

import (
	"fmt"
	"math"

	"github.com/skycal-project/skycal/lib/skymodel"
)

// Sky model stages of a direction.
const (
	StageInit = "init"
	StageBest = "best"
)

// Direction is one patch of sky calibrated on its own.
type Direction struct {
	Name string `json:"name" cbor:"1,keyasint"`

	// Position is [RA, Dec] in degrees.
	Position [2]float64 `json:"position" cbor:"2,keyasint"`

	// Size is the angular extent in degrees.
	Size float64 `json:"size_deg" cbor:"3,keyasint"`

	// Flux in Jy at ReferenceFrequency (Hz), with logarithmic
	// spectral-index coefficients.
	Flux               float64   `json:"flux_jy" cbor:"4,keyasint"`
	ReferenceFrequency float64   `json:"reference_frequency" cbor:"5,keyasint"`
	SpectralIndex      []float64 `json:"spectral_index,omitempty" cbor:"6,keyasint,omitempty"`

	PeelOff   bool `json:"peel_off" cbor:"7,keyasint"`
	Converged bool `json:"converged" cbor:"8,keyasint"`

	// Models maps a stage to the sky model file for it.
	Models map[string]string `json:"models,omitempty" cbor:"9,keyasint,omitempty"`

	PhaseChain      Chain `json:"-" cbor:"10,keyasint"`
	Amplitude1Chain Chain `json:"-" cbor:"11,keyasint"`
	Amplitude2Chain Chain `json:"-" cbor:"12,keyasint"`

	// NoiseInit is the RMS of the pre-calibration image; zero until
	// measured.
	NoiseInit float64 `json:"noise_init,omitempty" cbor:"13,keyasint,omitempty"`

	// RoundNoise holds the image RMS of each completed round.
	RoundNoise []float64 `json:"round_noise,omitempty" cbor:"14,keyasint,omitempty"`

	// Extended marks a direction none of whose sources lies in the
	// compact-source mask. It stays in the sky model but is not
	// calibrated.
	Extended bool `json:"extended,omitempty" cbor:"15,keyasint,omitempty"`
}

// New returns a direction with empty chains.
func New(name string, position [2]float64, size, flux, referenceFrequency float64) *Direction {
	return &Direction{
		Name:               name,
		Position:           position,
		Size:               size,
		Flux:               flux,
		ReferenceFrequency: referenceFrequency,
		Models:             map[string]string{},
	}
}

// FluxAt returns the direction's flux density at freq (Hz).
func (d *Direction) FluxAt(freq float64) float64 {
	return skymodel.Source{
		I:                  d.Flux,
		SpectralIndex:      d.SpectralIndex,
		LogarithmicSI:      true,
		ReferenceFrequency: d.ReferenceFrequency,
	}.FluxAt(freq)
}

// Chain returns the chain for a correction type, or nil for an
// unknown type.
func (d *Direction) Chain(correction string) *Chain {
	switch correction {
	case Phase:
		return &d.PhaseChain
	case Amplitude1:
		return &d.Amplitude1Chain
	case Amplitude2:
		return &d.Amplitude2Chain
	}
	return nil
}

// SetModel records the sky model file for a stage.
func (d *Direction) SetModel(stage, path string) {
	if d.Models == nil {
		d.Models = map[string]string{}
	}
	d.Models[stage] = path
}

// Model returns the sky model file for a stage.
func (d *Direction) Model(stage string) (string, bool) {
	path, ok := d.Models[stage]
	return path, ok
}

// RecordNoise stores the image RMS of round. Rounds are recorded in
// order; recording an earlier round again replaces its value.
func (d *Direction) RecordNoise(round int, rms float64) error {
	if math.IsNaN(rms) || rms < 0 {
		return fmt.Errorf("direction %s: invalid noise %v for round %d", d.Name, rms, round)
	}
	switch {
	case round < 0 || round > len(d.RoundNoise):
		return fmt.Errorf("direction %s: noise for round %d recorded after %d rounds", d.Name, round, len(d.RoundNoise))
	case round == len(d.RoundNoise):
		d.RoundNoise = append(d.RoundNoise, rms)
	default:
		d.RoundNoise[round] = rms
	}
	return nil
}

// Noise returns the recorded image RMS of round.
func (d *Direction) Noise(round int) (float64, bool) {
	if round < 0 || round >= len(d.RoundNoise) {
		return 0, false
	}
	return d.RoundNoise[round], true
}

// SolvedAmplitude reports whether self-calibration reached amplitude
// solving.
func (d *Direction) SolvedAmplitude() bool {
	return d.Amplitude1Chain.Len() > 0
}

// Rewind forgets the results of round and every later round: solution
// artifacts, recorded noise, the convergence verdict, and the best
// model. The initial noise is kept.
func (d *Direction) Rewind(round int) {
	round = max(round, 0)
	for _, correction := range CorrectionTypes {
		d.Chain(correction).Truncate(round)
	}
	if round < len(d.RoundNoise) {
		d.RoundNoise = d.RoundNoise[:round]
	}
	d.Converged = false
	delete(d.Models, StageBest)
}
