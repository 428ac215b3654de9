// Copyright 2026 The Skycal Authors
// SPDX-License-Identifier: Apache-2.0

// Package skymodel reads, edits, and writes sky model catalogs in the
// makesourcedb text format, which is also what the imager writes as
// its source list.
//
// A catalog file starts with a format line naming the columns, with
// optional defaults:
//
//	FORMAT = Name, Type, Patch, Ra, Dec, I, SpectralIndex, LogarithmicSI, ReferenceFrequency='60e6', MajorAxis, MinorAxis, Orientation
//
//	, , ddcal0000, 12:30:00.00, +45.00.00.00
//	s1, POINT, ddcal0000, 12:30:01.00, +45.00.10.00, 12.3, [-0.8], true, 60e6, , ,
//
// Rows with an empty name declare a patch and its position. Every
// other row is a source. Right ascension is hours:minutes:seconds,
// declination degrees.minutes.seconds (colons are also accepted), and
// plain decimal degrees are accepted for both.
//
// The catalog operations cover what direction discovery needs:
// grouping sources into patches, merging patches, flux-weighted patch
// positions, patch flux at a frequency, patch sizes, and writing
// makesourcedb or ds9 region output.
package skymodel
