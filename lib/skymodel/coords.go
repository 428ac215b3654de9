// Copyright 2026 The Skycal Authors
// SPDX-License-Identifier: Apache-2.0

package skymodel

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ParseRA parses "hh:mm:ss.s" or decimal degrees into degrees.
func ParseRA(value string) (float64, error) {
	value = strings.TrimSpace(value)
	if !strings.Contains(value, ":") && strings.Count(value, ".") <= 1 {
		degrees, err := strconv.ParseFloat(strings.TrimSuffix(value, "deg"), 64)
		if err != nil {
			return 0, fmt.Errorf("right ascension %q: %w", value, err)
		}
		return normalizeRA(degrees), nil
	}
	parts := strings.Split(value, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("right ascension %q: want hh:mm:ss", value)
	}
	hours, minutes, seconds, err := parseSexagesimal(parts)
	if err != nil {
		return 0, fmt.Errorf("right ascension %q: %w", value, err)
	}
	return normalizeRA(15 * (hours + minutes/60 + seconds/3600)), nil
}

// ParseDec parses "+dd.mm.ss.s", "dd:mm:ss.s", or decimal degrees.
func ParseDec(value string) (float64, error) {
	value = strings.TrimSpace(value)
	var parts []string
	switch {
	case strings.Contains(value, ":"):
		parts = strings.Split(value, ":")
	case strings.Count(value, ".") >= 2:
		// makesourcedb form: dd.mm.ss[.frac]
		fields := strings.SplitN(value, ".", 3)
		parts = fields
	default:
		degrees, err := strconv.ParseFloat(strings.TrimSuffix(value, "deg"), 64)
		if err != nil {
			return 0, fmt.Errorf("declination %q: %w", value, err)
		}
		return degrees, nil
	}
	if len(parts) != 3 {
		return 0, fmt.Errorf("declination %q: want dd:mm:ss", value)
	}
	negative := strings.HasPrefix(strings.TrimSpace(parts[0]), "-")
	parts[0] = strings.TrimLeft(strings.TrimSpace(parts[0]), "+-")
	degrees, minutes, seconds, err := parseSexagesimal(parts)
	if err != nil {
		return 0, fmt.Errorf("declination %q: %w", value, err)
	}
	result := degrees + minutes/60 + seconds/3600
	if negative {
		result = -result
	}
	return result, nil
}

func parseSexagesimal(parts []string) (float64, float64, float64, error) {
	var values [3]float64
	for i, part := range parts {
		value, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return 0, 0, 0, err
		}
		values[i] = value
	}
	return values[0], values[1], values[2], nil
}

func normalizeRA(degrees float64) float64 {
	degrees = math.Mod(degrees, 360)
	if degrees < 0 {
		degrees += 360
	}
	return degrees
}

// FormatRA renders degrees as hh:mm:ss.ssss.
func FormatRA(degrees float64) string {
	totalSeconds := normalizeRA(degrees) / 15 * 3600
	hours := math.Floor(totalSeconds / 3600)
	minutes := math.Floor((totalSeconds - hours*3600) / 60)
	seconds := totalSeconds - hours*3600 - minutes*60
	if seconds >= 59.99995 {
		seconds = 0
		minutes++
		if minutes == 60 {
			minutes = 0
			hours = math.Mod(hours+1, 24)
		}
	}
	return fmt.Sprintf("%02.0f:%02.0f:%07.4f", hours, minutes, seconds)
}

// FormatDec renders degrees in the makesourcedb form +dd.mm.ss.sss.
func FormatDec(degrees float64) string {
	sign := "+"
	if degrees < 0 {
		sign = "-"
		degrees = -degrees
	}
	totalSeconds := degrees * 3600
	whole := math.Floor(totalSeconds / 3600)
	minutes := math.Floor((totalSeconds - whole*3600) / 60)
	seconds := totalSeconds - whole*3600 - minutes*60
	if seconds >= 59.9995 {
		seconds = 0
		minutes++
		if minutes == 60 {
			minutes = 0
			whole++
		}
	}
	return fmt.Sprintf("%s%02.0f.%02.0f.%06.3f", sign, whole, minutes, seconds)
}

// Distance is the great-circle separation of two positions in degrees.
func Distance(a, b [2]float64) float64 {
	ra1, dec1 := a[0]*math.Pi/180, a[1]*math.Pi/180
	ra2, dec2 := b[0]*math.Pi/180, b[1]*math.Pi/180
	sinDec := math.Sin((dec2 - dec1) / 2)
	sinRA := math.Sin((ra2 - ra1) / 2)
	h := sinDec*sinDec + math.Cos(dec1)*math.Cos(dec2)*sinRA*sinRA
	return 2 * math.Asin(math.Min(1, math.Sqrt(h))) * 180 / math.Pi
}

// WeightedMean returns the weighted mean position on the sphere, so
// that groups straddling RA 0 average correctly. Non-positive weights
// are treated as zero; if every weight is zero the plain mean is used.
func WeightedMean(positions [][2]float64, weights []float64) [2]float64 {
	var x, y, z, total float64
	accumulate := func(useWeights bool) {
		x, y, z, total = 0, 0, 0, 0
		for i, position := range positions {
			weight := 1.0
			if useWeights {
				weight = max(weights[i], 0)
			}
			ra, dec := position[0]*math.Pi/180, position[1]*math.Pi/180
			x += weight * math.Cos(dec) * math.Cos(ra)
			y += weight * math.Cos(dec) * math.Sin(ra)
			z += weight * math.Sin(dec)
			total += weight
		}
	}
	accumulate(true)
	if total == 0 {
		accumulate(false)
	}
	ra := math.Atan2(y, x) * 180 / math.Pi
	dec := math.Atan2(z, math.Hypot(x, y)) * 180 / math.Pi
	return [2]float64{normalizeRA(ra), dec}
}
