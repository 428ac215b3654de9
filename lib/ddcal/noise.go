// Copyright 2026 The Skycal Authors
// SPDX-License-Identifier: Apache-2.0

package ddcal

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/skycal-project/skycal/lib/command"
	"github.com/skycal-project/skycal/lib/msset"
)

// NoiseMeter measures the RMS noise of an image.
type NoiseMeter interface {
	Measure(ctx context.Context, image string) (float64, error)
}

// NoiseFunc adapts a function to NoiseMeter.
type NoiseFunc func(ctx context.Context, image string) (float64, error)

func (f NoiseFunc) Measure(ctx context.Context, image string) (float64, error) {
	return f(ctx, image)
}

// CommandNoiseMeter runs a tool that prints the RMS of the image given
// as its argument. The last whitespace-separated field of its output
// is the value.
type CommandNoiseMeter struct {
	Runner  msset.Capturer
	Program string
}

// Measure implements NoiseMeter.
func (m CommandNoiseMeter) Measure(ctx context.Context, image string) (float64, error) {
	name := "noise-" + strings.TrimSuffix(filepath.Base(image), ".fits")
	output, err := m.Runner.Capture(ctx, command.New(name, command.KindPython, m.Program).Arg(image))
	if err != nil {
		return 0, fmt.Errorf("measuring noise of %s: %w", image, err)
	}
	fields := strings.Fields(output)
	if len(fields) == 0 {
		return 0, fmt.Errorf("measuring noise of %s: no output", image)
	}
	rms, err := strconv.ParseFloat(fields[len(fields)-1], 64)
	if err != nil {
		return 0, fmt.Errorf("measuring noise of %s: %w", image, err)
	}
	if !(rms > 0) {
		return 0, fmt.Errorf("measuring noise of %s: non-positive RMS %v", image, rms)
	}
	return rms, nil
}
