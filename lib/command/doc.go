// Copyright 2026 The Skycal Authors
// SPDX-License-Identifier: Apache-2.0

// Package command describes invocations of external reduction tools as
// typed values instead of shell strings.
//
// A Spec names the program, its kind (which decides how parameters are
// rendered and which log lines signal failure), ordered parameters,
// bare flags, and positional arguments. Values may reference ${MS}
// and ${MS_NAME}, which the task runner fills in per dataset:
//
//	spec := command.New("shift", command.KindDP3, "DP3").
//	    Arg("parsets/DP3-shift.parset").
//	    Set("msin", "${MS}").
//	    Set("msout", "mss-dir/${MS_NAME}.MS").
//	    Set("shift.phasecenter", "[12.5deg,45.0deg]").
//	    ForEachDataset()
//
// Validate catches malformed specs before any process is started, so a
// typo in a parameter never costs a half-finished multi-hour step.
package command
