// Copyright 2026 The Skycal Authors
// SPDX-License-Identifier: Apache-2.0

// Package ddcal drives direction-dependent calibration: the major
// cycles that split the sky model into calibration directions,
// self-calibrate each direction against its own phase-shifted copy of
// the data, subtract it from the shared residual column, combine the
// solutions into a-term screens, and image the whole field with them.
//
// Every unit of external work is a named ledger step, so a crashed or
// interrupted run resumes at the first unfinished step. State that
// steps depend on (the directions, their solution chains and measured
// noise) is saved to the cycle's direction registry after every
// round, and a direction is marked done only after that save.
//
// Each cycle runs these stages:
//
//	delimg     clear the scratch image directory
//	discover   cluster the sky model into directions (or reload them)
//	skydb      convert the clustered model for the predict tool
//	fullsub    SUBTRACTED_DATA = CORRECTED_DATA - model(all)
//	per direction, brightest first, while above the flux threshold:
//	  predict    put the direction back into SUBTRACTED_DATA
//	  shift      phase-shift and average into mss-dir/
//	  flag, beam
//	  preimage   image; its noise starts the self-cal loop
//	  cddNN      smooth, solve, correct, image, measure noise
//	  subtract   remove the best model, corrupted by the newest solutions
//	merge      collect eligible solutions into a-term screens
//	image      wide-field image with the screens; seeds the next cycle
package ddcal
