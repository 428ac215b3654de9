// Copyright 2026 The Skycal Authors
// SPDX-License-Identifier: Apache-2.0

package selfcal

import (
	"errors"
	"fmt"
)

// Policy holds the convergence thresholds.
type Policy struct {
	// MaxRounds caps the self-calibration loop.
	MaxRounds int

	// ImprovementFactor: a round whose RMS exceeds this fraction of
	// the previous round's RMS has plateaued, and amplitude solving is
	// enabled from the next round.
	ImprovementFactor float64

	// DivergenceFactor: a direction whose final RMS exceeds this
	// multiple of the initial RMS has diverged.
	DivergenceFactor float64
}

// DefaultPolicy returns the standard thresholds.
func DefaultPolicy() Policy {
	return Policy{MaxRounds: 10, ImprovementFactor: 0.99, DivergenceFactor: 1.5}
}

func (p Policy) validate() error {
	var errs []error
	if p.MaxRounds <= 0 {
		errs = append(errs, fmt.Errorf("max rounds must be positive, got %d", p.MaxRounds))
	}
	if !(p.ImprovementFactor > 0) {
		errs = append(errs, fmt.Errorf("improvement factor must be positive, got %v", p.ImprovementFactor))
	}
	if !(p.DivergenceFactor > 0) {
		errs = append(errs, fmt.Errorf("divergence factor must be positive, got %v", p.DivergenceFactor))
	}
	return errors.Join(errs...)
}

// Tracker follows one direction's self-calibration loop.
//
// Within a round the degradation stop is tested before the plateau
// test, so the round that switches amplitude solving on is still
// judged as a phase-only round.
type Tracker struct {
	policy    Policy
	noiseInit float64
	noisePre  float64

	round     int
	doAmp     bool
	ampFrom   int
	stopped   bool
	lastNoise float64
}

// NewTracker starts a loop whose pre-calibration image had RMS
// noiseInit.
func NewTracker(policy Policy, noiseInit float64) (*Tracker, error) {
	if err := policy.validate(); err != nil {
		return nil, fmt.Errorf("selfcal: %w", err)
	}
	if !(noiseInit > 0) {
		return nil, fmt.Errorf("selfcal: initial noise must be positive, got %v", noiseInit)
	}
	return &Tracker{
		policy:    policy,
		noiseInit: noiseInit,
		noisePre:  noiseInit,
		ampFrom:   -1,
	}, nil
}

// Round is the index of the next round to run.
func (t *Tracker) Round() int { return t.round }

// DoAmplitude reports whether the next round solves amplitudes.
func (t *Tracker) DoAmplitude() bool { return t.doAmp }

// AmplitudeFrom returns the first round that solved amplitudes.
func (t *Tracker) AmplitudeFrom() (int, bool) { return t.ampFrom, t.ampFrom >= 0 }

// Done reports whether the loop has stopped or used all its rounds.
func (t *Tracker) Done() bool { return t.stopped || t.round >= t.policy.MaxRounds }

// Stopped reports whether the loop ended on degradation.
func (t *Tracker) Stopped() bool { return t.stopped }

// NoiseInit is the RMS before self-calibration.
func (t *Tracker) NoiseInit() float64 { return t.noiseInit }

// NoisePre is the RMS of the last round that did not degrade.
func (t *Tracker) NoisePre() float64 { return t.noisePre }

// LastNoise is the RMS measured in the most recent round.
func (t *Tracker) LastNoise() float64 { return t.lastNoise }

// Observe records the RMS of the current round and advances. It
// returns false once the loop should not run another round.
func (t *Tracker) Observe(rms float64) (bool, error) {
	if t.Done() {
		return false, fmt.Errorf("selfcal: round %d observed after the loop finished", t.round)
	}
	if !(rms > 0) {
		return false, fmt.Errorf("selfcal: round %d: noise must be positive, got %v", t.round, rms)
	}

	cdd := t.round
	t.round++
	t.lastNoise = rms

	if t.doAmp && rms > t.noisePre && cdd >= 2 {
		t.stopped = true
		return false, nil
	}
	if rms > t.policy.ImprovementFactor*t.noisePre && cdd >= 1 && !t.doAmp {
		t.doAmp = true
		t.ampFrom = t.round
	}
	t.noisePre = rms
	return !t.Done(), nil
}

// Converged reports whether the final RMS stayed within the
// divergence bound of the initial RMS.
func (t *Tracker) Converged() bool {
	return t.noisePre <= t.policy.DivergenceFactor*t.noiseInit
}
